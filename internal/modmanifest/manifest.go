// Package modmanifest implements component C: the process-wide registry
// mapping (runtime_base, path) to a global module id, published to the
// collector in each handshake. Observing a new module bumps the revision;
// modules first seen after a handshake are not sent until the next one.
package modmanifest

import (
	"fmt"
	"sync"

	"github.com/peepsnet/peepsd/internal/backtrace"
	"github.com/peepsnet/peepsd/internal/ids"
)

// Identity is a module's build identity: a BuildId or DebugId when the
// platform's toolchain provides one, else a stable synthetic placeholder.
type Identity string

// Entry is one row of the module manifest.
type Entry struct {
	ModuleID    ids.ID  `json:"module_id"`
	ModulePath  string  `json:"module_path"`
	RuntimeBase uint64  `json:"runtime_base"`
	Identity    Identity `json:"identity"`
	Arch        string  `json:"arch"`
}

type key struct {
	runtimeBase uint64
	path        string
}

// Manifest is the process-wide module table. Safe for concurrent use.
//
// It also owns the per-process backtrace-records table (spec §3
// BacktraceRecord / §4.D's "every entity, scope, edge, and event references
// a BacktraceId present in the backtrace table"): remapping a capture's
// local module ids to global ones and recording the resulting immutable
// record happen under the same lock, so a record is never visible before
// its modules are.
type Manifest struct {
	gen *ids.Generator

	mu       sync.Mutex
	byKey    map[key]ids.ID
	entries  map[ids.ID]Entry
	revision uint64
	arch     string

	records map[ids.ID]GlobalRecord
}

// New creates an empty manifest. arch is the runtime architecture string
// (e.g. "x86_64", "aarch64") recorded on every entry.
func New(gen *ids.Generator, arch string) *Manifest {
	return &Manifest{
		gen:     gen,
		byKey:   make(map[key]ids.ID),
		entries: make(map[ids.ID]Entry),
		arch:    arch,
		records: make(map[ids.ID]GlobalRecord),
	}
}

// DuplicateRecordError reports a re-insertion of an existing backtrace id
// with a different frame list, the invariant violation spec §3 names
// explicitly ("inserting an existing id with a different frame list is an
// invariant violation").
type DuplicateRecordError struct {
	ID ids.ID
}

func (e *DuplicateRecordError) Error() string {
	return fmt.Sprintf("modmanifest: invariant violated: backtrace %s re-inserted with a different frame list", e.ID)
}

func sameFrames(a, b []GlobalFrame) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// computeIdentity derives the stable identity string for a module. Real
// build-id/debug-id extraction (reading an ELF .note.gnu.build-id section
// or a Mach-O LC_UUID load command) lives in internal/symbolicator, which
// already opens the object file; this package accepts a pre-computed
// identity so it never needs to touch the file system itself.
func computeIdentity(buildID, debugID string, runtimeBase uint64, path string) Identity {
	switch {
	case buildID != "":
		return Identity("buildid:" + buildID)
	case debugID != "":
		return Identity("debugid:" + debugID)
	default:
		return Identity(fmt.Sprintf("runtime:%x:%s", runtimeBase, path))
	}
}

// GlobalFrame is a FrameKey after global remapping: the module component is
// a process-global ids.ID rather than a per-capture local index.
type GlobalFrame struct {
	ModuleID ids.ID `json:"module_id"`
	RelPC    uint64 `json:"rel_pc"`
}

// GlobalRecord is a BacktraceRecord whose frames carry global module ids,
// ready for insertion into the graph store / wire codec.
type GlobalRecord struct {
	ID     ids.ID        `json:"id"`
	Frames []GlobalFrame `json:"frames"`
}

// RemapAndRegister allocates or reuses a global module id for every local
// module the capture observed, then rewrites the backtrace's FrameKeys to
// use those global ids. It bumps the manifest revision whenever a module is
// seen for the first time.
func (m *Manifest) RemapAndRegister(captured backtrace.CapturedBacktrace, buildIDs, debugIDs map[backtrace.LocalModuleID]string) (GlobalRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	remap := make(map[backtrace.LocalModuleID]ids.ID, len(captured.Modules))
	for _, mod := range captured.Modules {
		k := key{runtimeBase: mod.RuntimeBase, path: mod.Path}
		globalID, ok := m.byKey[k]
		if !ok {
			var err error
			globalID, err = m.gen.Next(ids.KindModule)
			if err != nil {
				return GlobalRecord{}, err
			}
			identity := computeIdentity(buildIDs[mod.LocalID], debugIDs[mod.LocalID], mod.RuntimeBase, mod.Path)
			m.byKey[k] = globalID
			m.entries[globalID] = Entry{
				ModuleID:    globalID,
				ModulePath:  mod.Path,
				RuntimeBase: mod.RuntimeBase,
				Identity:    identity,
				Arch:        m.arch,
			}
			m.revision++
		}
		remap[mod.LocalID] = globalID
	}

	frames := make([]GlobalFrame, 0, len(captured.Record.Frames))
	for _, f := range captured.Record.Frames {
		frames = append(frames, GlobalFrame{ModuleID: remap[f.ModuleID], RelPC: f.RelPC})
	}

	return GlobalRecord{ID: captured.Record.ID, Frames: frames}, nil
}

// StoreRecord inserts record into the process-wide backtrace table so a
// later reference to record.ID (from an entity, scope, edge, or event) can
// be resolved back to its frames without recapturing. Calling StoreRecord
// again with the same ID and an identical frame list is a no-op; calling it
// with a different frame list is the invariant violation spec §3 names.
// Callers typically pass the GlobalRecord RemapAndRegister just returned.
func (m *Manifest) StoreRecord(record GlobalRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.records[record.ID]; ok {
		if !sameFrames(existing.Frames, record.Frames) {
			return &DuplicateRecordError{ID: record.ID}
		}
		return nil
	}
	m.records[record.ID] = record
	return nil
}

// Record looks up a previously-stored backtrace by id, for the push loop to
// decide whether it still needs to send a BacktraceRecord for a
// newly-observed reference.
func (m *Manifest) Record(id ids.ID) (GlobalRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

// Snapshot returns the current revision and every entry, for handshake and
// resyncs.
func (m *Manifest) Snapshot() (uint64, []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return m.revision, out
}

// Lookup resolves a module id to its manifest entry.
func (m *Manifest) Lookup(id ids.ID) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// Revision returns the current manifest revision without a full snapshot.
func (m *Manifest) Revision() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revision
}
