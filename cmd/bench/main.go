package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/driftlabs/peergate/pkg/client"
	"github.com/driftlabs/peergate/pkg/identity"
	"github.com/driftlabs/peergate/pkg/netid"
	"github.com/driftlabs/peergate/pkg/registry"
)

func main() {
	target := flag.String("target", "127.0.0.1:8000", "gossip node to handshake with")
	network := flag.String("network", "localnet", "network ID")
	n := flag.Int("n", 1000, "handshakes")
	conc := flag.Int("c", 32, "concurrency")
	timeout := flag.Duration("timeout", 2*time.Second, "per-attempt timeout")
	flag.Parse()

	nid, err := netid.Parse(*network)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	id, err := identity.New()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	c, err := client.New("0.0.0.0:0", client.Config{
		Identity:   id,
		Network:    nid,
		Timeout:    *timeout,
		MaxRetries: 1,
	}, registry.New(), zap.NewNop())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.Close()

	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var mu sync.Mutex
	ok := 0

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func() {
			defer wg.Done()
			out := c.HandshakeOne(context.Background(), *target)
			if out.Status == registry.StatusSucceeded {
				mu.Lock()
				ok++
				mu.Unlock()
			}
			<-ch
		}()
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d handshakes (%d ok) in %s (%.2f ops/s)\n", *n, ok, dur, float64(*n)/dur.Seconds())
}
