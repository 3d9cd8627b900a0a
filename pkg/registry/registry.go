// Package registry keeps the authoritative record of every peer this node has
// exchanged handshakes with. Both the server and client paths write through
// it; records accumulate monotonically and are never deleted during normal
// operation.
package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/driftlabs/peergate/pkg/identity"
)

// Status is the last-known handshake state for a peer.
type Status uint8

const (
	StatusPending Status = iota
	StatusSucceeded
	StatusFailed
	StatusCancelled
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSucceeded:
		return "succeeded"
	case StatusFailed:
		return "failed"
	case StatusCancelled:
		return "cancelled"
	}
	return "unknown"
}

// Record is one peer's handshake history, keyed by transport address.
type Record struct {
	Addr     string
	Identity identity.ID
	Status   Status
	Reason   string // set when Status is StatusFailed
	LastSeen time.Time
	Attempts int
}

// Registry is a concurrent-safe store of peer records. Updates to a single
// address are applied atomically; an update carrying a timestamp older than
// the stored LastSeen is discarded so outcome recency is monotonic per peer.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record

	now func() time.Time // swapped in tests
}

func New() *Registry {
	return &Registry{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

// RecordAttempt notes a new handshake attempt involving addr, creating the
// record on first contact. A zero id leaves any previously observed identity
// in place.
func (r *Registry) RecordAttempt(addr string, id identity.ID) {
	r.apply(addr, func(rec *Record) {
		rec.Status = StatusPending
		rec.Reason = ""
		rec.Attempts++
		if !id.IsZero() {
			rec.Identity = id
		}
	})
}

// RecordOutcome stores the terminal state of the most recent attempt for addr.
// reason is only meaningful for StatusFailed.
func (r *Registry) RecordOutcome(addr string, status Status, reason string) {
	r.apply(addr, func(rec *Record) {
		rec.Status = status
		if status == StatusFailed {
			rec.Reason = reason
		} else {
			rec.Reason = ""
		}
	})
}

// RecordIdentity attaches an observed identity to addr without touching the
// attempt counter, e.g. when a response reveals who answered.
func (r *Registry) RecordIdentity(addr string, id identity.ID) {
	if id.IsZero() {
		return
	}
	r.apply(addr, func(rec *Record) {
		rec.Identity = id
	})
}

func (r *Registry) apply(addr string, update func(*Record)) {
	ts := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[addr]
	if !ok {
		rec = &Record{Addr: addr}
		r.records[addr] = rec
	} else if ts.Before(rec.LastSeen) {
		// Stale update; a newer write already landed for this peer.
		return
	}
	update(rec)
	rec.LastSeen = ts
}

// Get returns a copy of the record for addr.
func (r *Registry) Get(addr string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[addr]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// Snapshot returns a consistent point-in-time copy of all records, sorted by
// address.
func (r *Registry) Snapshot() []Record {
	r.mu.RLock()
	out := make([]Record, 0, len(r.records))
	for _, rec := range r.records {
		out = append(out, *rec)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Addr < out[j].Addr })
	return out
}

// Count returns the number of peers ever recorded.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
