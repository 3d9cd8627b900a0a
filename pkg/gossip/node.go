package gossip

import (
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

// maxDatagramSize bounds inbound reads. Handshake messages are far smaller;
// anything longer is garbage and fails decoding anyway.
const maxDatagramSize = 1280

// defaultMaxRequestAge is how far in the past a request timestamp may lie
// before the request is dropped as stale.
const defaultMaxRequestAge = 5 * time.Minute

// MismatchPolicy decides what the node does with a request from the wrong
// network: reply with a diagnostic failure, or drop it silently to avoid
// leaking information to unauthenticated senders.
type MismatchPolicy uint8

const (
	MismatchReply MismatchPolicy = iota
	MismatchDrop
)

// ParseMismatchPolicy resolves the "reply" / "drop" configuration strings.
func ParseMismatchPolicy(s string) (MismatchPolicy, error) {
	switch s {
	case "reply":
		return MismatchReply, nil
	case "drop":
		return MismatchDrop, nil
	}
	return 0, errors.Errorf("invalid mismatch policy %q (valid: reply, drop)", s)
}

// Config holds the validated settings for a gossip node. The caller is
// responsible for validation; see cmd/peergate.
type Config struct {
	Identity      identity.ID
	Network       netid.ID
	Mismatch      MismatchPolicy
	MaxRequestAge time.Duration // 0 means defaultMaxRequestAge
}

// Node is a running handshake listener bound to one UDP socket.
type Node struct {
	cfg  Config
	conn *net.UDPConn
	reg  *registry.Registry
	log  *zap.Logger

	closed atomic.Bool
	wg     sync.WaitGroup
}

// Start binds the UDP socket and begins processing inbound datagrams. Bind
// failures are returned synchronously; everything after that is absorbed into
// the receive loop.
func Start(bindAddr string, cfg Config, reg *registry.Registry, log *zap.Logger) (*Node, error) {
	laddr, err := net.ResolveUDPAddr("udp", bindAddr)
	if err != nil {
		return nil, errors.Wrapf(err, "resolve bind address %q", bindAddr)
	}
	conn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, errors.Wrapf(err, "bind udp socket %q", bindAddr)
	}
	if cfg.MaxRequestAge <= 0 {
		cfg.MaxRequestAge = defaultMaxRequestAge
	}

	n := &Node{cfg: cfg, conn: conn, reg: reg, log: log}
	n.wg.Add(1)
	go n.recvLoop()

	log.Info("gossip node listening",
		zap.Stringer("local_addr", conn.LocalAddr()),
		zap.Stringer("network", cfg.Network),
		zap.String("identity", cfg.Identity.String()))
	return n, nil
}

// LocalAddr returns the bound UDP address, including the kernel-assigned port
// when the node was started on port 0.
func (n *Node) LocalAddr() *net.UDPAddr {
	return n.conn.LocalAddr().(*net.UDPAddr)
}

// Stop closes the socket and waits for in-flight datagram handlers to finish.
// Safe to call more than once.
func (n *Node) Stop() {
	if n.closed.Swap(true) {
		return
	}
	_ = n.conn.Close()
	n.wg.Wait()
	n.log.Info("gossip node stopped")
}

func (n *Node) recvLoop() {
	defer n.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		sz, raddr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			if n.closed.Load() {
				return
			}
			n.log.Warn("udp receive error", zap.Error(err))
			if errors.Is(err, net.ErrClosed) {
				return
			}
			continue
		}
		payload := make([]byte, sz)
		copy(payload, buf[:sz])
		n.wg.Add(1)
		go n.handle(payload, raddr)
	}
}

// handle processes one inbound datagram. Malformed input from an
// unauthenticated source must never crash or block the listener, so every
// failure path here ends in a drop or a refusal response, never a panic.
func (n *Node) handle(payload []byte, raddr *net.UDPAddr) {
	defer n.wg.Done()
	start := time.Now()

	req, err := wire.DecodeRequest(payload)
	if err != nil {
		// A structurally complete request from a newer protocol still has
		// its nonce at a known offset, so under the reply policy the sender
		// gets told why it was refused instead of waiting out a timeout.
		if errors.Is(err, wire.ErrBadVersion) && len(payload) == wire.RequestSize && n.cfg.Mismatch == MismatchReply {
			telemetry.ObserveHandshake("server", "unsupported_version", time.Since(start))
			n.log.Warn("refusing handshake with unsupported version",
				zap.Stringer("peer_addr", raddr),
				zap.Uint8("version", payload[0]))
			n.send(raddr, wire.Response{
				Version:   wire.Version,
				Network:   n.cfg.Network,
				Responder: n.cfg.Identity,
				Nonce:     binary.BigEndian.Uint64(payload[34:42]),
				Success:   false,
				Code:      wire.CodeUnsupportedVersion,
			})
			return
		}
		telemetry.DecodeDropsTotal.Inc()
		n.log.Debug("dropping malformed datagram",
			zap.Stringer("peer_addr", raddr),
			zap.Int("size", len(payload)),
			zap.Error(err))
		return
	}

	if age := time.Since(time.Unix(int64(req.Timestamp), 0)); age > n.cfg.MaxRequestAge {
		telemetry.StaleRequestsTotal.Inc()
		n.log.Debug("dropping stale request",
			zap.Stringer("peer_addr", raddr),
			zap.Duration("age", age))
		return
	}

	addr := raddr.String()
	n.reg.RecordAttempt(addr, req.Sender)

	if !netid.Compatible(n.cfg.Network, req.Network) {
		n.reg.RecordOutcome(addr, registry.StatusFailed, wire.CodeNetworkMismatch.String())
		telemetry.ObserveHandshake("server", "network_mismatch", time.Since(start))
		n.log.Warn("refusing handshake from wrong network",
			zap.Stringer("peer_addr", raddr),
			zap.String("peer_identity", req.Sender.String()),
			zap.Stringer("local_network", n.cfg.Network),
			zap.Stringer("remote_network", req.Network))
		if n.cfg.Mismatch == MismatchReply {
			n.send(raddr, wire.Response{
				Version:   wire.Version,
				Network:   n.cfg.Network,
				Responder: n.cfg.Identity,
				Nonce:     req.Nonce,
				Success:   false,
				Code:      wire.CodeNetworkMismatch,
			})
		}
		return
	}

	n.reg.RecordOutcome(addr, registry.StatusSucceeded, "")
	n.send(raddr, wire.Response{
		Version:   wire.Version,
		Network:   n.cfg.Network,
		Responder: n.cfg.Identity,
		Nonce:     req.Nonce,
		Success:   true,
		Code:      wire.CodeOK,
	})
	telemetry.ObserveHandshake("server", "succeeded", time.Since(start))
	n.log.Info("handshake accepted",
		zap.Stringer("peer_addr", raddr),
		zap.String("peer_identity", req.Sender.String()),
		zap.Uint64("nonce", req.Nonce))
}

func (n *Node) send(raddr *net.UDPAddr, resp wire.Response) {
	if _, err := n.conn.WriteToUDP(wire.EncodeResponse(resp), raddr); err != nil {
		n.log.Warn("failed to send handshake response",
			zap.Stringer("peer_addr", raddr),
			zap.Error(err))
	}
}
