package collector

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/peepsnet/peepsd/internal/cut"
	"github.com/peepsnet/peepsd/internal/wire"
)

// SnapshotFanOutTimeout is how long TriggerSnapshot waits for every
// connected process to reply before completing with whatever it has. A
// var rather than a const so tests can shorten it instead of sleeping the
// full 5s wall-clock wait.
var SnapshotFanOutTimeout = 5 * time.Second

// SnapshotProcessResult is one connected process's reply within a
// completed snapshot fan-out, matching spec.md's S1 scenario shape
// (process_id, process_name, pid, ptime_now_ms, snapshot).
type SnapshotProcessResult struct {
	ProcessID   string
	ProcessName string
	PID         uint32
	PTimeNowMs  uint64
	Snapshot    *wire.StoreSnapshot
}

// TimedOutProcess identifies a connected process that never replied before
// SnapshotFanOutTimeout elapsed, per spec.md's S2 scenario shape.
type TimedOutProcess struct {
	ProcessID   string
	ProcessName string
	PID         uint32
}

// SnapshotCutResponse is the result of a completed snapshot fan-out.
type SnapshotCutResponse struct {
	SnapshotID        uint64
	Processes         []SnapshotProcessResult
	TimedOutProcesses []TimedOutProcess
}

type pendingSnapshot struct {
	id       uint64
	mu       sync.Mutex
	meta     map[string]connMeta
	pending  map[string]struct{}
	replies  map[string]wire.SnapshotReply
	done     chan struct{}
	closedFn sync.Once
}

func newPendingSnapshot(id uint64, conns []connMeta) *pendingSnapshot {
	p := &pendingSnapshot{
		id:      id,
		meta:    make(map[string]connMeta, len(conns)),
		pending: make(map[string]struct{}, len(conns)),
		replies: make(map[string]wire.SnapshotReply, len(conns)),
		done:    make(chan struct{}),
	}
	for _, c := range conns {
		p.meta[c.ID] = c
		p.pending[c.ID] = struct{}{}
	}
	if len(conns) == 0 {
		close(p.done)
	}
	return p
}

func (p *pendingSnapshot) deliver(connID string, reply wire.SnapshotReply) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[connID]; !ok {
		return
	}
	delete(p.pending, connID)
	p.replies[connID] = reply
	if len(p.pending) == 0 {
		p.closedFn.Do(func() { close(p.done) })
	}
}

func (p *pendingSnapshot) disconnect(connID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[connID]; !ok {
		return
	}
	delete(p.pending, connID)
	if len(p.pending) == 0 {
		p.closedFn.Do(func() { close(p.done) })
	}
}

// TriggerSnapshot assigns a snapshot_id, sends SnapshotRequest to every
// currently-connected process (the "point-in-time view at allocation"
// decision: a connection that completes handshake afterward is excluded),
// and waits up to SnapshotFanOutTimeout for every reply. Processes still
// pending at the deadline are reported as timed out; the snapshot
// completes regardless. Requests are sent concurrently via
// golang.org/x/sync/errgroup, bounding the fan-out to one goroutine per
// connection without any unbounded spawn.
func (co *Collector) TriggerSnapshot(ctx context.Context) SnapshotCutResponse {
	id := atomic.AddUint64(&co.nextSnapshotID, 1)
	conns := co.connsMeta()

	p := newPendingSnapshot(id, conns)
	co.snapMu.Lock()
	co.pendingSnapshots[id] = p
	co.snapMu.Unlock()
	defer func() {
		co.snapMu.Lock()
		delete(co.pendingSnapshots, id)
		co.snapMu.Unlock()
	}()

	g, gctx := errgroup.WithContext(ctx)
	for _, cm := range conns {
		connID := cm.ID
		g.Go(func() error {
			c, ok := co.connByID(connID)
			if !ok {
				p.disconnect(connID)
				return nil
			}
			req := wire.SnapshotRequest{SnapshotID: id, TimeoutMs: uint64(SnapshotFanOutTimeout.Milliseconds())}
			if err := c.send(wire.ServerEnvelope{SnapshotRequest: &req}); err != nil {
				p.disconnect(connID)
			}
			return nil
		})
	}
	_ = g.Wait()
	_ = gctx

	select {
	case <-p.done:
	case <-time.After(SnapshotFanOutTimeout):
	case <-ctx.Done():
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	resp := SnapshotCutResponse{SnapshotID: id, Processes: make([]SnapshotProcessResult, 0, len(p.replies))}
	for connID, reply := range p.replies {
		m := p.meta[connID]
		resp.Processes = append(resp.Processes, SnapshotProcessResult{
			ProcessID:   connID,
			ProcessName: m.ProcessName,
			PID:         m.PID,
			PTimeNowMs:  reply.PTimeNowMs,
			Snapshot:    reply.Snapshot,
		})
	}
	for connID := range p.pending {
		m := p.meta[connID]
		resp.TimedOutProcesses = append(resp.TimedOutProcesses, TimedOutProcess{
			ProcessID:   connID,
			ProcessName: m.ProcessName,
			PID:         m.PID,
		})
	}
	return resp
}

func (co *Collector) onSnapshotReply(connID string, reply wire.SnapshotReply) {
	co.snapMu.Lock()
	p, ok := co.pendingSnapshots[reply.SnapshotID]
	co.snapMu.Unlock()
	if !ok {
		return
	}
	p.deliver(connID, reply)
}

func (co *Collector) notifySnapshotsOfDisconnect(connID string) {
	co.snapMu.Lock()
	snaps := make([]*pendingSnapshot, 0, len(co.pendingSnapshots))
	for _, p := range co.pendingSnapshots {
		snaps = append(snaps, p)
	}
	co.snapMu.Unlock()
	for _, p := range snaps {
		p.disconnect(connID)
	}
}

// TriggerCut starts a cut barrier across every currently-connected
// process, returning its cut_id. The caller polls GetCutStatus until every
// pending connection acks or drops.
func (co *Collector) TriggerCut(ctx context.Context) string {
	connIDs := co.connIDs()
	cutID := co.cuts.Trigger(connIDs)

	g, _ := errgroup.WithContext(ctx)
	for _, connID := range connIDs {
		connID := connID
		g.Go(func() error {
			c, ok := co.connByID(connID)
			if !ok {
				co.cuts.Drop(connID)
				return nil
			}
			req := wire.CutRequest{CutID: cutID}
			if err := c.send(wire.ServerEnvelope{CutRequest: &req}); err != nil {
				co.cuts.Drop(connID)
			}
			return nil
		})
	}
	_ = g.Wait()
	return cutID
}

// GetCutStatus reports the pending/acked sets for cutID.
func (co *Collector) GetCutStatus(cutID string) (cut.Status, bool) {
	return co.cuts.Status(cutID)
}
