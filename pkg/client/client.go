// Package client implements the client role of the handshake layer: given a
// set of target peers it sends requests, awaits responses under a timeout,
// retries with exponential backoff, and aggregates a batch result. All
// in-flight handshakes share one UDP socket; a demux loop routes responses to
// their owning attempt by echoed nonce.
package client

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/driftlabs/peergate/internal/telemetry"
	"github.com/driftlabs/peergate/pkg/identity"
	"github.com/driftlabs/peergate/pkg/netid"
	"github.com/driftlabs/peergate/pkg/registry"
	"github.com/driftlabs/peergate/pkg/wire"
)

// Defaults applied by Config.withDefaults.
const (
	DefaultTimeout    = 15 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
	DefaultMaxDelay   = 30 * time.Second
)

// Failure causes surfaced in outcomes and the registry.
var (
	ErrTimeout         = errors.New("no response within timeout")
	ErrNetworkMismatch = errors.New("network mismatch")
	ErrRefused         = errors.New("handshake refused")
)

// Config holds the validated settings for a handshake client.
type Config struct {
	Identity   identity.ID
	Network    netid.ID
	Timeout    time.Duration // per-attempt response window
	MaxRetries int           // total attempts per peer
	BaseDelay  time.Duration // backoff base
	MaxDelay   time.Duration // backoff ceiling, 0 = uncapped
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay < 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

// Outcome is the terminal state of one peer's handshake sequence.
type Outcome struct {
	Addr     string
	Status   registry.Status
	Reason   string // set when Status is StatusFailed
	Attempts int
	Peer     identity.ID // responder identity when a response was seen
}

// BatchResult aggregates one client invocation over a set of peers. It is
// created per batch and owns no long-lived state.
type BatchResult struct {
	Total     int
	Succeeded int
	Failed    int
	Cancelled int
	Outcomes  []Outcome
}

// Client performs handshakes against remote gossip nodes.
type Client struct {
	cfg  Config
	conn *net.UDPConn
	reg  *registry.Registry
	log  *zap.Logger

	mu      sync.Mutex
	pending map[uint64]chan wire.Response

	unmatched atomic.Uint64
	closed    atomic.Bool
	wg        sync.WaitGroup
}

// New binds a UDP socket at bindAddr (use "0.0.0.0:0" for an ephemeral port)
// and starts the response demux loop.
func New(bindAddr string, cfg Config, reg *registry.Registry, log *zap.Logger) (*Client, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bind address %q", bindAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp socket %q", bindAddr)
	}

	c := &Client{
		cfg:     cfg.withDefaults(),
		conn:    conn,
		reg:     reg,
		log:     log,
		pending: make(map[uint64]chan wire.Response),
	}
	c.wg.Add(1)
	go c.recvLoop()

	log.Info("handshake client ready",
		zap.Stringer("local_addr", conn.LocalAddr()),
		zap.Stringer("network", c.cfg.Network),
		zap.String("identity", c.cfg.Identity.String()))
	return c, nil
}

// LocalAddr returns the bound UDP address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Close shuts the socket and stops the demux loop. In-flight handshakes fail
// with their current attempt's timeout.
func (c *Client) Close() {
	if c.closed.Swap(true) {
		return
	}
	_ = c.conn.Close()
	c.wg.Wait()
}

// UnmatchedResponses reports how many responses were discarded because no
// outstanding request nonce matched. Late or replayed responses land here;
// they are not errors.
func (c *Client) UnmatchedResponses() uint64 {
	return c.unmatched.Load()
}

func (c *Client) recvLoop() {
	defer c.wg.Done()
	buf := make([]byte, wire.ResponseSize*2)
	for {
		sz, raddr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			if c.closed.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			c.log.Warn("udp receive error", zap.Error(err))
			continue
		}
		resp, err := wire.DecodeResponse(buf[:sz])
		if err != nil {
			telemetry.DecodeDropsTotal.Inc()
			c.log.Debug("dropping malformed response",
				zap.Stringer("peer_addr", raddr),
				zap.Error(err))
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.Nonce]
		if ok {
			delete(c.pending, resp.Nonce)
		}
		c.mu.Unlock()
		if !ok {
			c.unmatched.Inc()
			telemetry.UnmatchedResponsesTotal.Inc()
			c.log.Debug("discarding unmatched response",
				zap.Stringer("peer_addr", raddr),
				zap.Uint64("nonce", resp.Nonce))
			continue
		}
		ch <- resp
	}
}

// register picks a fresh nonce and parks a buffered channel for its response.
func (c *Client) register() (uint64, chan wire.Response, error) {
	var b [8]byte
	for {
		if _, err := rand.Read(b[:]); err != nil {
			return 0, nil, errors.Wrap(err, "generate nonce")
		}
		nonce := binary.BigEndian.Uint64(b[:])
		if nonce == 0 {
			continue
		}
		c.mu.Lock()
		if _, taken := c.pending[nonce]; taken {
			c.mu.Unlock()
			continue
		}
		ch := make(chan wire.Response, 1)
		c.pending[nonce] = ch
		c.mu.Unlock()
		return nonce, ch, nil
	}
}

func (c *Client) unregister(nonce uint64) {
	c.mu.Lock()
	delete(c.pending, nonce)
	c.mu.Unlock()
}

// attemptOnce runs one request/response exchange: fresh nonce, send, wait.
// A retried attempt goes through here again and is a new logical request,
// never a resend of the same datagram.
func (c *Client) attemptOnce(ctx context.Context, raddr *net.UDPAddr) (wire.Response, error) {
	nonce, ch, err := c.register()
	if err != nil {
		return wire.Response{}, err
	}
	defer c.unregister(nonce)

	req := wire.Request{
		Version:   wire.Version,
		Network:   c.cfg.Network,
		Sender:    c.cfg.Identity,
		Nonce:     nonce,
		Timestamp: uint64(time.Now().Unix()),
	}
	if _, err := c.conn.WriteToUDP(wire.EncodeRequest(req), raddr); err != nil {
		return wire.Response{}, errors.Wrap(err, "send request")
	}

	timer := time.NewTimer(c.cfg.Timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return wire.Response{}, ErrTimeout
	case <-ctx.Done():
		return wire.Response{}, ctx.Err()
	}
}

// evaluate turns a structurally valid response into a success or a typed
// failure. Responses from an incompatible network fail regardless of their
// success flag.
func (c *Client) evaluate(resp wire.Response) error {
	if !netid.Compatible(c.cfg.Network, resp.Network) || resp.Code == wire.CodeNetworkMismatch {
		return ErrNetworkMismatch
	}
	if !resp.Success {
		return errors.Wrap(ErrRefused, resp.Code.String())
	}
	return nil
}

// fatal failures stop the retry loop early; retrying cannot change them.
func fatal(err error) bool {
	return errors.Is(err, ErrNetworkMismatch) || errors.Is(err, ErrRefused)
}

// HandshakeOne drives the full per-peer state machine: send, await, retry
// with backoff, until Success, exhaustion, or cancellation.
func (c *Client) HandshakeOne(ctx context.Context, addr string) Outcome {
	telemetry.InFlight.WithLabelValues("client").Inc()
	defer telemetry.InFlight.WithLabelValues("client").Dec()
	start := time.Now()

	raddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		reason := errors.Wrapf(err, "resolve %q", addr).Error()
		c.reg.RecordAttempt(addr, identity.ID{})
		c.reg.RecordOutcome(addr, registry.StatusFailed, reason)
		telemetry.ObserveHandshake("client", "unresolvable", time.Since(start))
		return Outcome{Addr: addr, Status: registry.StatusFailed, Reason: reason, Attempts: 1}
	}
	key := raddr.String()

	var lastErr error
	var peer identity.ID
	for attempt := 1; ; attempt++ {
		c.reg.RecordAttempt(key, identity.ID{})
		c.log.Debug("handshake attempt",
			zap.String("peer_addr", key),
			zap.Int("attempt", attempt),
			zap.Int("max_retries", c.cfg.MaxRetries))

		resp, err := c.attemptOnce(ctx, raddr)
		if err == nil {
			peer = resp.Responder
			c.reg.RecordIdentity(key, resp.Responder)
			if err = c.evaluate(resp); err == nil {
				c.reg.RecordOutcome(key, registry.StatusSucceeded, "")
				telemetry.ObserveHandshake("client", "succeeded", time.Since(start))
				c.log.Info("handshake succeeded",
					zap.String("peer_addr", key),
					zap.String("peer_identity", resp.Responder.String()),
					zap.Int("attempt", attempt))
				return Outcome{Addr: key, Status: registry.StatusSucceeded, Attempts: attempt, Peer: resp.Responder}
			}
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			c.reg.RecordOutcome(key, registry.StatusCancelled, "")
			telemetry.ObserveHandshake("client", "cancelled", time.Since(start))
			c.log.Info("handshake cancelled",
				zap.String("peer_addr", key),
				zap.Int("attempt", attempt))
			return Outcome{Addr: key, Status: registry.StatusCancelled, Attempts: attempt, Peer: peer}
		}

		lastErr = err
		c.log.Warn("handshake attempt failed",
			zap.String("peer_addr", key),
			zap.Int("attempt", attempt),
			zap.Error(err))

		if fatal(err) || !ShouldRetry(attempt, c.cfg.MaxRetries) {
			reason := lastErr.Error()
			c.reg.RecordOutcome(key, registry.StatusFailed, reason)
			telemetry.ObserveHandshake("client", outcomeLabel(lastErr), time.Since(start))
			c.log.Warn("handshake failed",
				zap.String("peer_addr", key),
				zap.Int("attempts", attempt),
				zap.String("reason", reason))
			return Outcome{Addr: key, Status: registry.StatusFailed, Reason: reason, Attempts: attempt, Peer: peer}
		}

		delay := NextDelay(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
		c.log.Debug("waiting before retry",
			zap.String("peer_addr", key),
			zap.Duration("delay", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			c.reg.RecordOutcome(key, registry.StatusCancelled, "")
			telemetry.ObserveHandshake("client", "cancelled", time.Since(start))
			return Outcome{Addr: key, Status: registry.StatusCancelled, Attempts: attempt, Peer: peer}
		}
	}
}

func outcomeLabel(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrNetworkMismatch):
		return "network_mismatch"
	case errors.Is(err, ErrRefused):
		return "refused"
	}
	return "error"
}

// HandshakeBatch runs the single-peer state machine for every address
// concurrently and joins at the end; completion time is bounded by the
// slowest peer, not the sum. The registry is updated per peer as each
// terminal state is reached.
func (c *Client) HandshakeBatch(ctx context.Context, addrs []string) BatchResult {
	start := time.Now()
	outcomes := make([]Outcome, len(addrs))
	var wg sync.WaitGroup
	for i, addr := range addrs {
		wg.Add(1)
		go func(i int, addr string) {
			defer wg.Done()
			outcomes[i] = c.HandshakeOne(ctx, addr)
		}(i, addr)
	}
	wg.Wait()

	res := BatchResult{Total: len(addrs), Outcomes: outcomes}
	for _, o := range outcomes {
		switch o.Status {
		case registry.StatusSucceeded:
			res.Succeeded++
		case registry.StatusCancelled:
			res.Cancelled++
		default:
			res.Failed++
		}
	}
	telemetry.BatchesTotal.Inc()
	c.log.Info("batch completed",
		zap.Int("total", res.Total),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("failed", res.Failed),
		zap.Int("cancelled", res.Cancelled),
		zap.Duration("duration", time.Since(start)))
	return res
}

// RunContinuous re-runs the batch on a fixed interval until ctx is cancelled.
// Cancellation interrupts the interval wait and any in-flight attempt's wait
// promptly.
func (c *Client) RunContinuous(ctx context.Context, addrs []string, interval time.Duration) {
	c.RunContinuousSource(ctx, func() []string { return addrs }, interval)
}

// RunContinuousSource is RunContinuous with the peer set re-read from source
// before every cycle, so a discovery backend can grow or shrink the target
// set between batches. An empty set skips the cycle rather than ending the
// loop; peers may reappear.
func (c *Client) RunContinuousSource(ctx context.Context, source func() []string, interval time.Duration) {
	for cycle := 1; ; cycle++ {
		addrs := source()
		if len(addrs) == 0 {
			c.log.Warn("no peers for this cycle", zap.Int("cycle", cycle))
		} else {
			c.log.Info("starting handshake cycle",
				zap.Int("cycle", cycle),
				zap.Int("peers", len(addrs)))
			c.HandshakeBatch(ctx, addrs)
		}
		if ctx.Err() != nil {
			return
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
	}
}
