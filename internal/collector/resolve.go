package collector

import (
	"context"
	"fmt"

	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/symbolicator"
)

// Resolver ties the persisted backtrace store, the process-global frame
// catalog, and the symbolication engine together into the pipeline §4.I
// describes: load a connection's raw frames for a backtrace, intern each
// into a stable FrameId, then resolve any still-pending ids through DWARF
// and merge the result back into the catalog for the websocket stream in
// internal/symbolicator/stream.go to observe.
type Resolver struct {
	db      *DB
	catalog *framecatalog.Catalog
	engine  *symbolicator.Engine
}

// NewResolver builds a Resolver sharing db's connection pool, catalog's
// frame-id registry, and engine's module cache.
func NewResolver(db *DB, catalog *framecatalog.Catalog, engine *symbolicator.Engine) *Resolver {
	return &Resolver{db: db, catalog: catalog, engine: engine}
}

// InternBacktrace loads the raw frames persisted for (connID, backtraceID)
// and interns each one, returning their stable FrameIds in frame order.
// Calling this more than once for the same backtrace is safe: Intern is
// itself idempotent per key.
func (r *Resolver) InternBacktrace(ctx context.Context, connID string, backtraceID ids.ID) ([]ids.ID, error) {
	raw, err := r.db.LoadBacktraceFrames(ctx, connID, string(backtraceID))
	if err != nil {
		return nil, fmt.Errorf("collector: load backtrace frames: %w", err)
	}
	out := make([]ids.ID, len(raw))
	for i, f := range raw {
		key := framecatalog.Key{ModuleIdentity: f.ModuleIdentity, ModulePath: f.ModulePath, RelPC: f.RelPC}
		id, err := r.catalog.Intern(key)
		if err != nil {
			return nil, fmt.Errorf("collector: intern frame %d of %s: %w", i, backtraceID, err)
		}
		out[i] = id
	}
	return out, nil
}

// ResolvePending symbolicates whichever of frameIDs are still in the
// pending-unresolved state and merges the results into the catalog. Ids
// already resolved, or not found, are skipped. Errors from an individual
// module load are recorded as an unresolved reason rather than aborting
// the whole batch, matching §7's "Symbolication: record unresolved
// reason on the frame; continue streaming."
func (r *Resolver) ResolvePending(ctx context.Context, frameIDs []ids.ID) error {
	type pendingEntry struct {
		id  ids.ID
		key framecatalog.Key
	}
	var pending []pendingEntry
	for _, id := range frameIDs {
		key, state, ok := r.catalog.Lookup(id)
		if !ok || !(state.Kind == framecatalog.StateUnresolved && state.Pending) {
			continue
		}
		pending = append(pending, pendingEntry{id: id, key: key})
	}
	if len(pending) == 0 {
		return nil
	}

	batch := make([]symbolicator.PendingFrame, len(pending))
	for i, p := range pending {
		batch[i] = symbolicator.PendingFrame{
			ModuleIdentity: p.key.ModuleIdentity,
			ModulePath:     p.key.ModulePath,
			RelPC:          p.key.RelPC,
			RuntimeBase:    0,
			IP:             p.key.RelPC,
		}
	}

	resolved, err := r.engine.SymbolicatePendingFrames(ctx, batch)
	if err != nil {
		return fmt.Errorf("collector: symbolicate: %w", err)
	}

	for i, rf := range resolved {
		state := framecatalog.FrameState{
			Kind:    framecatalog.StateUnresolved,
			Pending: false,
			Reason:  rf.UnresolvedReason,
		}
		if rf.UnresolvedReason == "" {
			state = framecatalog.FrameState{
				Kind:         framecatalog.StateResolved,
				FunctionName: rf.FunctionName,
				SourceFile:   rf.SourceFilePath,
				SourceLine:   rf.SourceLine,
			}
		}
		if err := r.catalog.Merge(pending[i].id, state); err != nil {
			return fmt.Errorf("collector: merge frame %s: %w", pending[i].id, err)
		}
	}
	return nil
}

// InternAndResolve is the convenience path the dispatcher calls right
// after persisting a BacktraceRecord: intern every frame, kick off
// resolution for whichever are new, and return the resulting FrameIds so
// the caller can associate them with the backtrace for later snapshot
// lookups.
func (r *Resolver) InternAndResolve(ctx context.Context, connID string, backtraceID ids.ID) ([]ids.ID, error) {
	frameIDs, err := r.InternBacktrace(ctx, connID, backtraceID)
	if err != nil {
		return nil, err
	}
	if err := r.ResolvePending(ctx, frameIDs); err != nil {
		return nil, err
	}
	return frameIDs, nil
}
