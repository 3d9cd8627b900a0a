package gossip

import (
	"encoding/json"
	"net/http"
	"os"
	"time"
)

// Healthz returns 200 OK to indicate the node is alive.
func (n *Node) Healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// Info writes a JSON payload with the process ID, current time, node identity
// and network, and the number of known peers.
func (n *Node) Info(w http.ResponseWriter, _ *http.Request) {
	type resp struct {
		PID      int       `json:"pid"`
		Now      time.Time `json:"now"`
		Identity string    `json:"identity"`
		Network  string    `json:"network"`
		Peers    int       `json:"peers"`
	}
	data, _ := json.Marshal(resp{
		PID:      os.Getpid(),
		Now:      time.Now(),
		Identity: n.cfg.Identity.String(),
		Network:  n.cfg.Network.String(),
		Peers:    n.reg.Count(),
	})
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// Peers dumps the registry snapshot as JSON, most useful for debugging a
// running node.
func (n *Node) Peers(w http.ResponseWriter, _ *http.Request) {
	type peer struct {
		Addr     string    `json:"addr"`
		Identity string    `json:"identity"`
		Status   string    `json:"status"`
		Reason   string    `json:"reason,omitempty"`
		LastSeen time.Time `json:"last_seen"`
		Attempts int       `json:"attempts"`
	}
	snap := n.reg.Snapshot()
	out := make([]peer, 0, len(snap))
	for _, rec := range snap {
		out = append(out, peer{
			Addr:     rec.Addr,
			Identity: rec.Identity.String(),
			Status:   rec.Status.String(),
			Reason:   rec.Reason,
			LastSeen: rec.LastSeen,
			Attempts: rec.Attempts,
		})
	}
	data, _ := json.Marshal(out)
	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}
