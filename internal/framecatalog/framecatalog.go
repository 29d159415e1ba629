// Package framecatalog implements component I: the process-global,
// cross-connection registry that assigns a stable FrameId to every
// (module_identity, module_path, rel_pc) key ever observed across any
// snapshot, and merges the resolved/unresolved states reported for it.
package framecatalog

import (
	"fmt"
	"sync"

	"github.com/peepsnet/peepsd/internal/ids"
)

// Key identifies one symbolication unit: a specific relative program
// counter within a specific build of a specific module.
type Key struct {
	ModuleIdentity string
	ModulePath     string
	RelPC          uint64
}

// FrameStateKind is the closed set of per-frame symbolication states.
type FrameStateKind string

const (
	StateResolved   FrameStateKind = "resolved"
	StateUnresolved FrameStateKind = "unresolved"
)

// rank orders states by resolution: Resolved > non-pending Unresolved >
// pending Unresolved, per §4.I's frame-state merge rule.
func (s FrameState) rank() int {
	switch {
	case s.Kind == StateResolved:
		return 2
	case s.Kind == StateUnresolved && !s.Pending:
		return 1
	default:
		return 0
	}
}

// FrameState is the closed tagged union a SnapshotBacktraceFrame carries.
type FrameState struct {
	Kind FrameStateKind

	// Resolved
	FunctionName string
	SourceFile   string
	SourceLine   int

	// Unresolved
	Pending bool
	Reason  string
}

// ConflictError reports two different resolved states claiming the same
// FrameId, or a collision between two distinct keys mapping to the same
// id — both invariant violations per the spec.
type ConflictError struct {
	Reason string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("framecatalog: invariant violation: %s", e.Reason)
}

type entry struct {
	key   Key
	state FrameState
}

// Catalog is the process-global frame registry. Safe for concurrent use: it
// holds its own mutex, one of the four guarded singletons the spec's lock
// order names (store -> module_state -> backtrace_records ->
// frame_id_registry) — callers must never acquire it before one of the
// earlier three.
type Catalog struct {
	gen *ids.Generator

	mu    sync.Mutex
	byKey map[Key]ids.ID
	byID  map[ids.ID]*entry
}

// New creates an empty catalog.
func New(gen *ids.Generator) *Catalog {
	return &Catalog{
		gen:   gen,
		byKey: make(map[Key]ids.ID),
		byID:  make(map[ids.ID]*entry),
	}
}

// Intern returns the stable FrameId for key, allocating one on first
// sight. Collisions (two keys somehow mapping to the same counter value)
// cannot occur through this path since ids are allocated fresh, but the
// check remains explicit to document the invariant the generator relies
// on — a collision here would mean Generator itself regressed.
func (c *Catalog) Intern(key Key) (ids.ID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.byKey[key]; ok {
		return id, nil
	}
	id, err := c.gen.Next(ids.KindFrame)
	if err != nil {
		return "", err
	}
	if _, exists := c.byID[id]; exists {
		return "", &ConflictError{Reason: fmt.Sprintf("frame id %s already claimed by a different key", id)}
	}
	c.byKey[key] = id
	c.byID[id] = &entry{key: key, state: FrameState{Kind: StateUnresolved, Pending: true, Reason: "symbolication pending"}}
	return id, nil
}

// Merge applies a newly-observed state for id, keeping the
// higher-resolution state per the rank ordering. Two distinct Resolved
// states for the same id is an invariant violation.
func (c *Catalog) Merge(id ids.ID, state FrameState) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return &ConflictError{Reason: fmt.Sprintf("merge for unknown frame id %s", id)}
	}
	if e.state.Kind == StateResolved && state.Kind == StateResolved {
		if e.state.FunctionName != state.FunctionName || e.state.SourceFile != state.SourceFile || e.state.SourceLine != state.SourceLine {
			return &ConflictError{Reason: fmt.Sprintf("conflicting resolved states for frame id %s", id)}
		}
		return nil
	}
	if state.rank() > e.state.rank() {
		e.state = state
	}
	return nil
}

// Lookup returns the key and current state for id.
func (c *Catalog) Lookup(id ids.ID) (Key, FrameState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.byID[id]
	if !ok {
		return Key{}, FrameState{}, false
	}
	return e.key, e.state, true
}

// SnapshotFrame returns the wire-facing Resolved/Unresolved variant for
// id, matching §4.I's SnapshotBacktraceFrame.
type SnapshotFrame struct {
	ModulePath   string
	Resolved     bool
	FunctionName string
	SourceFile   string
	SourceLine   int
	RelPC        uint64
	Reason       string
}

// SnapshotFrameFor builds the wire-facing view for id.
func (c *Catalog) SnapshotFrameFor(id ids.ID) (SnapshotFrame, bool) {
	key, state, ok := c.Lookup(id)
	if !ok {
		return SnapshotFrame{}, false
	}
	if state.Kind == StateResolved {
		return SnapshotFrame{
			ModulePath:   key.ModulePath,
			Resolved:     true,
			FunctionName: state.FunctionName,
			SourceFile:   state.SourceFile,
			SourceLine:   state.SourceLine,
		}, true
	}
	return SnapshotFrame{
		ModulePath: key.ModulePath,
		Resolved:   false,
		RelPC:      key.RelPC,
		Reason:     state.Reason,
	}, true
}
