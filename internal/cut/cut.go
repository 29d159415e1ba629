// Package cut implements component K: the atomic cursor barrier across the
// fleet of instrumented processes connected to the collector.
package cut

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/peepsnet/peepsd/internal/changestream"
)

// Ack is one process's reply to a CutRequest.
type Ack struct {
	ConnID string
	Cursor changestream.StreamCursor
}

// Status is the snapshot returned by get_cut_status.
type Status struct {
	CutID            string
	PendingConnIDs   []string
	Acks             []Ack
}

type pending struct {
	connIDs map[string]struct{}
	acks    map[string]changestream.StreamCursor
}

// Registry tracks in-flight cuts. Safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	next    uint64
	pending map[string]*pending
}

// NewRegistry creates an empty cut registry.
func NewRegistry() *Registry {
	return &Registry{pending: make(map[string]*pending)}
}

// Trigger allocates a cut_id and records the set of currently-connected
// conn ids as pending. The caller is responsible for actually sending
// CutRequest to each of them.
func (r *Registry) Trigger(connIDs []string) string {
	id := fmt.Sprintf("cut-%d", atomic.AddUint64(&r.next, 1))
	p := &pending{
		connIDs: make(map[string]struct{}, len(connIDs)),
		acks:    make(map[string]changestream.StreamCursor),
	}
	for _, c := range connIDs {
		p.connIDs[c] = struct{}{}
	}

	r.mu.Lock()
	r.pending[id] = p
	r.mu.Unlock()
	return id
}

// Ack records a CutAck for cutID from connID, moving it out of the pending
// set.
func (r *Registry) Ack(cutID, connID string, cursor changestream.StreamCursor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[cutID]
	if !ok {
		return
	}
	delete(p.connIDs, connID)
	p.acks[connID] = cursor
}

// Drop removes connID from every pending cut's pending set without
// recording an ack, per "until all pending connections either ack or
// drop" — a disconnected process can never ack, so it must not block the
// cut forever.
func (r *Registry) Drop(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.pending {
		delete(p.connIDs, connID)
	}
}

// Status reports the current pending/acked sets for cutID.
func (r *Registry) Status(cutID string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pending[cutID]
	if !ok {
		return Status{}, false
	}
	st := Status{CutID: cutID}
	for c := range p.connIDs {
		st.PendingConnIDs = append(st.PendingConnIDs, c)
	}
	for c, cur := range p.acks {
		st.Acks = append(st.Acks, Ack{ConnID: c, Cursor: cur})
	}
	return st, true
}
