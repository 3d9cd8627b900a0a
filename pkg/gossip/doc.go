// Package gossip implements the server role of the handshake layer: a node
// that owns one UDP endpoint, listens for inbound handshake requests, and
// replies after checking network compatibility. Every accepted or refused
// handshake is recorded in the peer registry.
//
// Typical usage:
//
//	n, err := gossip.Start("0.0.0.0:8000", cfg, reg, log)
//	if err != nil { ... }
//	defer n.Stop()
//
// Each inbound datagram is processed on its own goroutine so a slow or
// malformed peer never delays responses to others. The node never initiates
// handshakes itself; that is the client role in pkg/client.
package gossip
