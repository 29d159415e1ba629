// Package collector implements component H: the TCP ingest server that
// accepts connections from internal/pushloop clients, persists their
// change streams to SQLite, and runs the snapshot/cut fan-out protocols.
package collector

import (
	"context"
	"encoding/json"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/peepsnet/peepsd/internal/cut"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
	"github.com/peepsnet/peepsd/internal/singleton"
	"github.com/peepsnet/peepsd/internal/tracelog"
	"github.com/peepsnet/peepsd/internal/wire"
)

// Collector owns the connection table and dispatches every inbound
// envelope to persistence.
type Collector struct {
	db       *DB
	cuts     *cut.Registry
	resolver *Resolver
	tel      Telemetry

	mu    sync.Mutex
	conns map[string]*conn

	snapMu           sync.Mutex
	nextSnapshotID   uint64
	pendingSnapshots map[uint64]*pendingSnapshot
}

// New creates a collector backed by db. Backtrace frames are persisted
// but not interned or symbolicated until WithResolver attaches a
// Resolver — cmd/collector always does, tests that only exercise
// ingest/persistence need not.
func New(db *DB) *Collector {
	return &Collector{
		db:               db,
		cuts:             cut.NewRegistry(),
		conns:            make(map[string]*conn),
		pendingSnapshots: make(map[uint64]*pendingSnapshot),
	}
}

// WithResolver attaches the frame-catalog/symbolicator pipeline so every
// persisted BacktraceRecord is also interned and resolved. Returns co for
// chaining.
func (co *Collector) WithResolver(r *Resolver) *Collector {
	co.resolver = r
	return co
}

// WithTelemetry attaches otel instrumentation. Returns co for chaining.
func (co *Collector) WithTelemetry(tel Telemetry) *Collector {
	co.tel = tel
	return co
}

// Serve accepts connections on ln until ctx is cancelled.
func (co *Collector) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	for {
		netConn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go co.handleConn(ctx, netConn)
	}
}

func (co *Collector) handleConn(ctx context.Context, netConn net.Conn) {
	defer netConn.Close()

	if err := wire.ReadMagic(netConn); err != nil {
		return
	}

	c := &conn{id: uuid.New().String(), net: netConn}

	defer co.deregister(ctx, c)

	for {
		payload, err := wire.ReadFrame(netConn)
		if err != nil {
			return
		}
		var env wire.ClientEnvelope
		if err := json.Unmarshal(payload, &env); err != nil {
			return
		}
		if err := c.gate.Admit(env); err != nil {
			return
		}
		if err := co.dispatch(ctx, c, env); err != nil {
			return
		}
	}
}

func (co *Collector) dispatch(ctx context.Context, c *conn, env wire.ClientEnvelope) error {
	switch {
	case env.Handshake != nil:
		return co.onHandshake(ctx, c, *env.Handshake)
	case env.DeltaBatch != nil:
		if err := co.db.ApplyChanges(ctx, c.id, string(env.DeltaBatch.StreamID), env.DeltaBatch.Changes); err != nil {
			return err
		}
		if co.tel != nil {
			co.tel.AddDeltaChanges(int64(len(env.DeltaBatch.Changes)))
		}
		return nil
	case env.BacktraceRecord != nil:
		return co.onBacktraceRecord(ctx, c, *env.BacktraceRecord)
	case env.SnapshotReply != nil:
		co.onSnapshotReply(c.id, *env.SnapshotReply)
		return nil
	case env.CutAck != nil:
		co.cuts.Ack(env.CutAck.CutID, c.id, env.CutAck.Cursor)
		return nil
	case env.Error != nil:
		lastFrame := ""
		if env.Error.LastFrameUTF8 != nil {
			lastFrame = *env.Error.LastFrameUTF8
		}
		tracelog.Error("client %s (%s pid=%d) stage=%s: %s last_frame=%q",
			c.id, env.Error.ProcessName, env.Error.PID, env.Error.Stage, env.Error.Error, lastFrame)
		return nil
	default:
		return nil
	}
}

func (co *Collector) onHandshake(ctx context.Context, c *conn, hs wire.Handshake) error {
	if err := hs.Validate(); err != nil {
		return err
	}
	c.processName = hs.ProcessName
	c.pid = hs.PID
	c.manifest = make(map[ids.ID]modmanifest.Entry, len(hs.ModuleManifest))
	for _, e := range hs.ModuleManifest {
		c.manifest[e.ModuleID] = e
	}

	co.mu.Lock()
	co.conns[c.id] = c
	co.mu.Unlock()
	if co.tel != nil {
		co.tel.IncConnections()
	}

	return co.db.InsertConnection(ctx, c.id, hs.ProcessName, hs.PID, hs.ModuleManifest)
}

func (co *Collector) onBacktraceRecord(ctx context.Context, c *conn, rec wire.BacktraceRecordMsg) error {
	resolved := wireRecord{ID: string(rec.ID)}
	for _, f := range rec.Frames {
		entry, ok := c.manifestEntryFor(f.ModuleID)
		if !ok {
			return &UnknownModuleError{ModuleID: f.ModuleID}
		}
		resolved.Frames = append(resolved.Frames, wireFrame{
			ModulePath:     entry.ModulePath,
			ModuleIdentity: string(entry.Identity),
			RelPC:          f.RelPC,
		})
	}
	if err := co.db.InsertBacktraceFrames(ctx, c.id, resolved); err != nil {
		return err
	}
	if co.resolver == nil {
		return nil
	}
	// Interning and symbolication happen off the connection's read loop so
	// a slow DWARF resolution never stalls ingest of the next frame.
	connID, backtraceID := c.id, rec.ID
	go func() {
		if _, err := co.resolver.InternAndResolve(context.Background(), connID, backtraceID); err != nil {
			singleton.AbortOnInvariantViolation(err)
			tracelog.Error("intern/resolve backtrace %s for conn %s: %v", backtraceID, connID, err)
		}
	}()
	return nil
}

func (co *Collector) deregister(ctx context.Context, c *conn) {
	co.mu.Lock()
	delete(co.conns, c.id)
	co.mu.Unlock()

	co.cuts.Drop(c.id)
	co.notifySnapshotsOfDisconnect(c.id)

	if c.processName != "" {
		_ = co.db.CloseConnection(ctx, c.id)
		if co.tel != nil {
			co.tel.DecConnections()
		}
	}
}

// connIDs returns the ids of every currently-connected, handshaken
// connection.
func (co *Collector) connIDs() []string {
	co.mu.Lock()
	defer co.mu.Unlock()
	out := make([]string, 0, len(co.conns))
	for id := range co.conns {
		out = append(out, id)
	}
	return out
}

// connMeta is a point-in-time copy of a connection's handshake identity,
// safe to retain after the connection itself has deregistered (e.g. to
// label a timed-out process in a SnapshotCutResponse).
type connMeta struct {
	ID          string
	ProcessName string
	PID         uint32
}

// connsMeta returns the handshake identity of every currently-connected
// process, captured under the connection-table lock.
func (co *Collector) connsMeta() []connMeta {
	co.mu.Lock()
	defer co.mu.Unlock()
	out := make([]connMeta, 0, len(co.conns))
	for id, c := range co.conns {
		out = append(out, connMeta{ID: id, ProcessName: c.processName, PID: c.pid})
	}
	return out
}

func (co *Collector) connByID(id string) (*conn, bool) {
	co.mu.Lock()
	defer co.mu.Unlock()
	c, ok := co.conns[id]
	return c, ok
}
