package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/driftlabs/peergate/pkg/gossip"
	"github.com/driftlabs/peergate/pkg/identity"
	"github.com/driftlabs/peergate/pkg/netid"
	"github.com/driftlabs/peergate/pkg/registry"
	"github.com/driftlabs/peergate/pkg/wire"
)

func mustIdentity(t *testing.T) identity.ID {
	t.Helper()
	id, err := identity.New()
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	return id
}

func newTestClient(t *testing.T, cfg Config) (*Client, *registry.Registry) {
	t.Helper()
	if cfg.Identity.IsZero() {
		cfg.Identity = mustIdentity(t)
	}
	reg := registry.New()
	c, err := New("127.0.0.1:0", cfg, reg, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c, reg
}

func startTestNode(t *testing.T, network netid.ID) (*gossip.Node, *registry.Registry) {
	t.Helper()
	reg := registry.New()
	n, err := gossip.Start("127.0.0.1:0", gossip.Config{
		Identity: mustIdentity(t),
		Network:  network,
	}, reg, zap.NewNop())
	if err != nil {
		t.Fatalf("gossip.Start: %v", err)
	}
	t.Cleanup(n.Stop)
	return n, reg
}

// deadAddr returns a loopback address with nothing listening on it.
func deadAddr(t *testing.T) string {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	addr := conn.LocalAddr().String()
	conn.Close()
	return addr
}

func TestHandshakeOneSucceeds(t *testing.T) {
	node, nodeReg := startTestNode(t, netid.Localnet)
	c, clientReg := newTestClient(t, Config{Network: netid.Localnet, Timeout: 2 * time.Second})

	out := c.HandshakeOne(context.Background(), node.LocalAddr().String())
	if out.Status != registry.StatusSucceeded {
		t.Fatalf("status = %v (%s), want succeeded", out.Status, out.Reason)
	}
	if out.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1", out.Attempts)
	}
	if out.Peer.IsZero() {
		t.Fatal("outcome is missing the responder identity")
	}

	rec, ok := clientReg.Get(node.LocalAddr().String())
	if !ok || rec.Status != registry.StatusSucceeded {
		t.Fatalf("client registry entry = %+v", rec)
	}
	if rec.Identity != out.Peer {
		t.Fatal("client registry did not record the responder identity")
	}
	rec, ok = nodeReg.Get(c.LocalAddr().String())
	if !ok || rec.Status != registry.StatusSucceeded {
		t.Fatalf("server registry entry = %+v", rec)
	}
}

func TestTimeoutExhaustsRetries(t *testing.T) {
	c, reg := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    150 * time.Millisecond,
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
	})
	addr := deadAddr(t)

	start := time.Now()
	out := c.HandshakeOne(context.Background(), addr)
	elapsed := time.Since(start)

	if out.Status != registry.StatusFailed {
		t.Fatalf("status = %v, want failed", out.Status)
	}
	if out.Attempts != 3 {
		t.Fatalf("Attempts = %d, want 3", out.Attempts)
	}
	if out.Reason != ErrTimeout.Error() {
		t.Fatalf("reason = %q", out.Reason)
	}
	// 3 attempt windows plus 50ms and 100ms backoffs.
	if elapsed < 550*time.Millisecond {
		t.Fatalf("finished too fast for 3 attempts with backoff: %v", elapsed)
	}

	rec, ok := reg.Get(addr)
	if !ok {
		t.Fatal("no registry entry for failed peer")
	}
	if rec.Attempts != 3 || rec.Status != registry.StatusFailed {
		t.Fatalf("registry entry = %+v", rec)
	}
}

func TestNetworkMismatchIsNotRetried(t *testing.T) {
	node, _ := startTestNode(t, netid.Testnet)
	c, _ := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    2 * time.Second,
		MaxRetries: 5,
		BaseDelay:  time.Second,
	})

	start := time.Now()
	out := c.HandshakeOne(context.Background(), node.LocalAddr().String())
	if out.Status != registry.StatusFailed {
		t.Fatalf("status = %v, want failed", out.Status)
	}
	if out.Attempts != 1 {
		t.Fatalf("Attempts = %d, want 1 (mismatch must not retry)", out.Attempts)
	}
	if out.Reason != ErrNetworkMismatch.Error() {
		t.Fatalf("reason = %q", out.Reason)
	}
	if time.Since(start) > time.Second {
		t.Fatal("mismatch failure should not wait out backoff delays")
	}
}

func TestBatchRunsPeersConcurrently(t *testing.T) {
	node, _ := startTestNode(t, netid.Localnet)
	c, _ := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    150 * time.Millisecond,
		MaxRetries: 3,
		BaseDelay:  50 * time.Millisecond,
	})
	addrs := []string{node.LocalAddr().String(), deadAddr(t), deadAddr(t)}

	start := time.Now()
	res := c.HandshakeBatch(context.Background(), addrs)
	elapsed := time.Since(start)

	if res.Total != 3 || res.Succeeded != 1 || res.Failed != 2 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Outcomes) != 3 {
		t.Fatalf("len(Outcomes) = %d", len(res.Outcomes))
	}
	if res.Outcomes[0].Addr != addrs[0] {
		t.Fatal("outcomes not in input order")
	}
	// Each dead peer takes ~600ms on its own. Run serially the batch would
	// need well over a second; concurrently it is bounded by one peer.
	if elapsed > 1100*time.Millisecond {
		t.Fatalf("batch took %v, peers do not appear to run concurrently", elapsed)
	}
}

func TestCancelDuringAttempt(t *testing.T) {
	c, reg := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	})
	addr := deadAddr(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	out := c.HandshakeOne(ctx, addr)
	if out.Status != registry.StatusCancelled {
		t.Fatalf("status = %v, want cancelled", out.Status)
	}
	if time.Since(start) > time.Second {
		t.Fatal("cancellation was not prompt")
	}
	rec, _ := reg.Get(addr)
	if rec.Status != registry.StatusCancelled {
		t.Fatalf("registry status = %v, want cancelled", rec.Status)
	}
}

func TestRunContinuousStopsOnCancel(t *testing.T) {
	node, _ := startTestNode(t, netid.Localnet)
	c, _ := newTestClient(t, Config{Network: netid.Localnet, Timeout: 2 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	c.RunContinuous(ctx, []string{node.LocalAddr().String()}, time.Hour)
	if time.Since(start) > time.Second {
		t.Fatal("RunContinuous did not return promptly after cancel")
	}
}

func TestCancelledBatchKeepsTerminalOutcomes(t *testing.T) {
	node, _ := startTestNode(t, netid.Localnet)
	c, _ := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    5 * time.Second,
		MaxRetries: 3,
	})
	addrs := []string{node.LocalAddr().String(), deadAddr(t)}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(300 * time.Millisecond)
		cancel()
	}()

	res := c.HandshakeBatch(ctx, addrs)
	if res.Total != 2 || res.Succeeded != 1 || res.Cancelled != 1 || res.Failed != 0 {
		t.Fatalf("result = %+v, want 1 succeeded and 1 cancelled", res)
	}
	// The live peer's terminal state predates the cancel and must survive it.
	if res.Outcomes[0].Status != registry.StatusSucceeded {
		t.Fatalf("live peer status = %v, want succeeded", res.Outcomes[0].Status)
	}
	if res.Outcomes[1].Status != registry.StatusCancelled {
		t.Fatalf("dead peer status = %v, want cancelled", res.Outcomes[1].Status)
	}
}

func TestRunContinuousSourceFollowsUpdates(t *testing.T) {
	node, _ := startTestNode(t, netid.Localnet)
	c, reg := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    100 * time.Millisecond,
		MaxRetries: 1,
	})
	live := node.LocalAddr().String()

	var mu sync.Mutex
	addrs := []string{deadAddr(t)}
	source := func() []string {
		mu.Lock()
		defer mu.Unlock()
		out := make([]string, len(addrs))
		copy(out, addrs)
		return out
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.RunContinuousSource(ctx, source, 20*time.Millisecond)
		close(done)
	}()

	// Swap the peer set after the first cycle has started; a later cycle must
	// pick up the new target.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	addrs = []string{live}
	mu.Unlock()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if rec, ok := reg.Get(live); ok && rec.Status == registry.StatusSucceeded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("continuous loop never handshook the swapped-in peer")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}

func TestRetryUsesFreshNonce(t *testing.T) {
	// A responder that swallows the first request and answers the second.
	responder, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer responder.Close()
	respID := mustIdentity(t)

	nonces := make(chan uint64, 2)
	go func() {
		buf := make([]byte, 256)
		for seen := 0; seen < 2; seen++ {
			responder.SetReadDeadline(time.Now().Add(5 * time.Second))
			sz, raddr, err := responder.ReadFromUDP(buf)
			if err != nil {
				return
			}
			req, err := wire.DecodeRequest(buf[:sz])
			if err != nil {
				continue
			}
			nonces <- req.Nonce
			if seen == 0 {
				continue
			}
			responder.WriteToUDP(wire.EncodeResponse(wire.Response{
				Version:   wire.Version,
				Network:   netid.Localnet,
				Responder: respID,
				Nonce:     req.Nonce,
				Success:   true,
				Code:      wire.CodeOK,
			}), raddr)
		}
	}()

	c, _ := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    200 * time.Millisecond,
		MaxRetries: 3,
		BaseDelay:  20 * time.Millisecond,
	})

	out := c.HandshakeOne(context.Background(), responder.LocalAddr().String())
	if out.Status != registry.StatusSucceeded {
		t.Fatalf("status = %v (%s), want succeeded", out.Status, out.Reason)
	}
	if out.Attempts != 2 {
		t.Fatalf("Attempts = %d, want 2", out.Attempts)
	}
	first, second := <-nonces, <-nonces
	if first == second {
		t.Fatalf("retry reused nonce %d", first)
	}
}

func TestWrongNonceResponseIsDiscarded(t *testing.T) {
	responder, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	defer responder.Close()
	respID := mustIdentity(t)

	go func() {
		buf := make([]byte, 256)
		responder.SetReadDeadline(time.Now().Add(5 * time.Second))
		sz, raddr, err := responder.ReadFromUDP(buf)
		if err != nil {
			return
		}
		req, err := wire.DecodeRequest(buf[:sz])
		if err != nil {
			return
		}
		responder.WriteToUDP(wire.EncodeResponse(wire.Response{
			Version:   wire.Version,
			Network:   netid.Localnet,
			Responder: respID,
			Nonce:     req.Nonce + 1,
			Success:   true,
			Code:      wire.CodeOK,
		}), raddr)
	}()

	c, _ := newTestClient(t, Config{
		Network:    netid.Localnet,
		Timeout:    300 * time.Millisecond,
		MaxRetries: 1,
	})

	out := c.HandshakeOne(context.Background(), responder.LocalAddr().String())
	if out.Status != registry.StatusFailed {
		t.Fatalf("status = %v, want failed (nonce did not match)", out.Status)
	}
	if out.Reason != ErrTimeout.Error() {
		t.Fatalf("reason = %q, want timeout", out.Reason)
	}
	if got := c.UnmatchedResponses(); got != 1 {
		t.Fatalf("UnmatchedResponses = %d, want 1", got)
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	if cfg.Timeout != DefaultTimeout || cfg.MaxRetries != DefaultMaxRetries {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.BaseDelay != DefaultBaseDelay {
		t.Fatalf("BaseDelay = %v", cfg.BaseDelay)
	}
	cfg = Config{MaxDelay: -1}.withDefaults()
	if cfg.MaxDelay != DefaultMaxDelay {
		t.Fatalf("negative MaxDelay not replaced: %v", cfg.MaxDelay)
	}
}
