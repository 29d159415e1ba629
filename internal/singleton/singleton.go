// Package singleton models the process-wide "global mutable singleton"
// pattern §9 calls out (graph store, module manifest, backtrace table,
// process scope, push loop): rather than hidden package-level ambient
// state, each is a field on one Process handle created by init_once and
// threaded explicitly to the pieces that need it. This is the direct
// generalization of the teacher's internal/lockfile + internal/daemonrunner
// "acquire the one thing that represents this running process" shape,
// applied here to in-memory resources instead of an on-disk lock.
package singleton

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/peepsnet/peepsd/internal/backtrace"
	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
)

// Process is the one-per-process bundle of singletons every instrumented
// call site needs: the id generator, clock, graph store, and module
// manifest (which also owns the backtrace-records table, see
// internal/modmanifest.Manifest.StoreRecord).
type Process struct {
	Clock    *ids.Clock
	Gen      *ids.Generator
	Store    *graphstore.Store
	Manifest *modmanifest.Manifest

	ScopeID ids.ID // the Process scope created at Init
}

var (
	once    sync.Once
	current *Process
	initErr error
)

// Init installs the process-wide Process exactly once; subsequent calls
// return the first call's result (or error), matching sync.Once semantics
// for every other caller racing to initialize. It runs the one-shot
// frame-pointer validation (§4.B) first: a platform that fails it aborts
// the process here, before any graph state exists, rather than failing
// confusingly deep inside a later capture.
func Init(pid int, arch string) (*Process, error) {
	once.Do(func() {
		if err := backtrace.ValidateFramePointers(); err != nil {
			fmt.Fprintf(os.Stderr,
				"peepsd: frame-pointer validation failed: %v\n"+
					"peepsd: this runtime requires frame pointers; rebuild without "+
					"-fomit-frame-pointer (or the equivalent toolchain flag) and try again.\n", err)
			os.Exit(1)
		}

		clock := &ids.Clock{}
		clock.Now() // anchor immediately, matching PTime::now()'s first-call semantics
		gen := ids.NewGenerator(pid, time.Now())

		store, err := graphstore.New(gen)
		if err != nil {
			initErr = err
			return
		}
		manifest := modmanifest.New(gen, arch)

		scopeID, err := gen.Next(ids.KindScope)
		if err != nil {
			initErr = err
			return
		}
		if err := store.UpsertScope(graphstore.Scope{
			ID:     scopeID,
			Birth:  clock.Now(),
			Source: "singleton.Init",
			Name:   "process",
			Body:   graphstore.ScopeBody{Kind: graphstore.ScopeProcess, PID: uint32(pid)},
		}); err != nil {
			initErr = err
			return
		}

		current = &Process{Clock: clock, Gen: gen, Store: store, Manifest: manifest, ScopeID: scopeID}
	})
	return current, initErr
}

// AbortOnInvariantViolation terminates the process immediately if err wraps
// one of the core's declared invariant violations (spec.md §7): ID
// overflow (ids.ErrIDOverflow), a poisoned graphstore mutex
// (*graphstore.MutexPoisoned), any other graphstore invariant breach
// (*graphstore.InvariantViolation), a frame-catalog conflict
// (*framecatalog.ConflictError, e.g. two different resolved symbols or two
// distinct keys claiming the same frame id), or a duplicate backtrace
// record with a different payload (*modmanifest.DuplicateRecordError). An
// InvariantViolation is fatal — the graph must be consistent or absent,
// never partial — so this is the one place in the call graph every
// component discarding such an error should route through, the same way
// Init aborts on a failed frame-pointer validation above. Any other error
// is left untouched and returned to the caller.
func AbortOnInvariantViolation(err error) error {
	if err == nil {
		return nil
	}
	var poisoned *graphstore.MutexPoisoned
	var invariant *graphstore.InvariantViolation
	var conflict *framecatalog.ConflictError
	var duplicate *modmanifest.DuplicateRecordError
	fatal := errors.Is(err, ids.ErrIDOverflow) ||
		errors.As(err, &poisoned) ||
		errors.As(err, &invariant) ||
		errors.As(err, &conflict) ||
		errors.As(err, &duplicate)
	if fatal {
		fmt.Fprintf(os.Stderr, "peepsd: invariant violation, aborting: %v\n", err)
		os.Exit(1)
	}
	return err
}

// Current returns the process installed by Init, or nil if Init has not
// been called yet (callers in this repo always call Init first, in
// cmd/peerd-demo's main).
func Current() *Process {
	return current
}

// CaptureAndRegister captures the current call stack, remaps it to global
// module ids via the process's manifest, and stores the resulting record
// so it can later be pushed to the collector the first time something
// references it. It returns the BacktraceId callers should attach to the
// entity/scope/edge/event they are about to upsert.
func (p *Process) CaptureAndRegister(opts backtrace.Options) (ids.ID, error) {
	btID, err := p.Gen.Next(ids.KindBacktrace)
	if err != nil {
		return "", err
	}
	captured, err := backtrace.CaptureCurrent(btID, opts)
	if err != nil {
		return "", err
	}
	record, err := p.Manifest.RemapAndRegister(captured, nil, nil)
	if err != nil {
		return "", err
	}
	if err := p.Manifest.StoreRecord(record); err != nil {
		return "", err
	}
	return btID, nil
}
