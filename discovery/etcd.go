// Package discovery resolves handshake targets from etcd instead of static
// flags. Server nodes register themselves under a shared prefix with a leased
// key; clients fetch or watch that prefix to learn which peers to handshake
// with.
package discovery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkg/errors"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const nodePrefix = "/peergate/nodes/"

// NewClient connects to the given etcd endpoints.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create etcd client")
	}
	return cli, nil
}

// RegisterNode publishes id -> addr under the node prefix with a lease of ttl
// seconds and keeps the lease alive until the returned cancel func is called.
// The caller should also revoke the lease on shutdown so the key disappears
// promptly.
func RegisterNode(ctx context.Context, cli *clientv3.Client, id, addr string, ttl int64) (clientv3.LeaseID, context.CancelFunc, error) {
	lease, err := cli.Grant(ctx, ttl)
	if err != nil {
		return 0, nil, errors.Wrap(err, "grant lease")
	}
	key := nodePrefix + id
	if _, err = cli.Put(ctx, key, addr, clientv3.WithLease(lease.ID)); err != nil {
		return 0, nil, errors.Wrapf(err, "put %s", key)
	}

	keepCtx, cancel := context.WithCancel(context.Background())
	ch, err := cli.KeepAlive(keepCtx, lease.ID)
	if err != nil {
		cancel()
		return 0, nil, errors.Wrap(err, "keep lease alive")
	}
	go func() {
		for range ch {
			// Drain keepalive acks until the channel closes.
		}
	}()
	return lease.ID, cancel, nil
}

// FetchPeers returns the addresses of all currently registered nodes,
// excluding selfID when non-empty.
func FetchPeers(ctx context.Context, cli *clientv3.Client, selfID string) ([]string, error) {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "fetch peers")
	}
	peers := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		id := strings.TrimPrefix(string(kv.Key), nodePrefix)
		if selfID != "" && id == selfID {
			continue
		}
		peers = append(peers, string(kv.Value))
	}
	return peers, nil
}

// WatchPeers invokes fn with the full id -> addr view after every change
// under the node prefix, starting with the current state. It blocks until
// ctx is cancelled.
func WatchPeers(ctx context.Context, cli *clientv3.Client, fn func(peers map[string]string)) error {
	resp, err := cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return errors.Wrap(err, "initial peer fetch")
	}
	view := make(map[string]string, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		view[strings.TrimPrefix(string(kv.Key), nodePrefix)] = string(kv.Value)
	}
	fn(copyView(view))

	wch := cli.Watch(ctx, nodePrefix, clientv3.WithPrefix(), clientv3.WithRev(resp.Header.Revision+1))
	for wresp := range wch {
		if err := wresp.Err(); err != nil {
			return errors.Wrap(err, "watch peers")
		}
		for _, ev := range wresp.Events {
			id := strings.TrimPrefix(string(ev.Kv.Key), nodePrefix)
			switch ev.Type {
			case clientv3.EventTypePut:
				view[id] = string(ev.Kv.Value)
			case clientv3.EventTypeDelete:
				delete(view, id)
			}
		}
		fn(copyView(view))
	}
	return ctx.Err()
}

func copyView(view map[string]string) map[string]string {
	out := make(map[string]string, len(view))
	for k, v := range view {
		out[k] = v
	}
	return out
}

// NodeKey returns the etcd key a node registers under, exported for
// inspection and tests.
func NodeKey(id string) string {
	return fmt.Sprintf("%s%s", nodePrefix, id)
}
