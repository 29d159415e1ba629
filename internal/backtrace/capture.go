// Package backtrace implements component B: capturing the current call
// stack at an instrumentation site and resolving each instruction pointer
// to a (module, relative program counter) pair, deduplicating modules
// within a single capture.
//
// The reference runtime walks the frame-pointer chain by hand (reading
// *(fp+8) for the return address and *fp for the parent frame) because it
// targets a language without a safe stack-walking API. Go already performs
// exactly that walk inside runtime.Callers — frame pointers are kept by the
// Go compiler on amd64/arm64 for this very purpose — so this package uses
// runtime.Callers for the walk itself and focuses its own logic on what the
// spec actually cares about: per-capture module dedup, rel_pc derivation,
// and the same closed set of failure modes.
package backtrace

import (
	"fmt"
	"runtime"

	"github.com/peepsnet/peepsd/internal/ids"
)

// LocalModuleID identifies a module within a single capture, starting at 1.
// internal/modmanifest remaps these to process-global ModuleIds.
type LocalModuleID uint32

// FrameKey is (module_id, rel_pc) exactly as defined in spec §3.
type FrameKey struct {
	ModuleID LocalModuleID `json:"module_id"`
	RelPC    uint64        `json:"rel_pc"`
}

// BacktraceRecord is the immutable, ordered list of frames captured at a
// site. Once inserted into a store, re-inserting the same id with a
// different frame list is an invariant violation (see internal/graphstore).
type BacktraceRecord struct {
	ID     ids.ID     `json:"id"`
	Frames []FrameKey `json:"frames"`
}

// CapturedModule is a module observed during a single capture, local to
// that capture until internal/modmanifest assigns it a global identity.
type CapturedModule struct {
	LocalID     LocalModuleID
	Path        string
	RuntimeBase uint64
}

// CapturedBacktrace is the result of a single capture_current call.
type CapturedBacktrace struct {
	Record  BacktraceRecord
	Modules []CapturedModule
}

// Options bounds a single capture.
type Options struct {
	MaxFrames  int // values <= 0 fall back to DefaultOptions().MaxFrames
	SkipFrames int
}

// DefaultOptions mirrors the Rust source's CaptureOptions::default().
func DefaultOptions() Options {
	return Options{MaxFrames: 256, SkipFrames: 0}
}

// CaptureError is the closed set of ways a capture can fail. None of these
// are recoverable mid-capture: the caller discards the partial capture.
type CaptureError struct {
	Kind string
	IP   uint64
	Base uint64
}

func (e *CaptureError) Error() string {
	switch e.Kind {
	case errUnsupportedPlatform:
		return "backtrace: unsupported platform for trace capture"
	case errEmptyBacktrace:
		return "backtrace: invariant violated: captured backtrace must be non-empty"
	case errMissingModuleInfo:
		return fmt.Sprintf("backtrace: invariant violated: no module info for ip=0x%x", e.IP)
	case errMissingModulePath:
		return fmt.Sprintf("backtrace: invariant violated: module path required for ip=0x%x", e.IP)
	case errZeroModuleBase:
		return fmt.Sprintf("backtrace: invariant violated: module base must be non-zero for ip=0x%x", e.IP)
	case errIPBeforeModuleBase:
		return fmt.Sprintf("backtrace: invariant violated: ip=0x%x is below module base=0x%x", e.IP, e.Base)
	case errModuleIDOverflow:
		return "backtrace: invariant violated: module id overflow while capturing backtrace"
	default:
		return "backtrace: capture error"
	}
}

const (
	errUnsupportedPlatform = "unsupported_platform"
	errEmptyBacktrace      = "empty_backtrace"
	errMissingModuleInfo   = "missing_module_info"
	errMissingModulePath   = "missing_module_path"
	errZeroModuleBase      = "zero_module_base"
	errIPBeforeModuleBase  = "ip_before_module_base"
	errModuleIDOverflow    = "module_id_overflow"
)

// ErrUnsupportedPlatform is raised on platforms with no module-resolution
// backend (see resolver_other.go).
var ErrUnsupportedPlatform = &CaptureError{Kind: errUnsupportedPlatform}

// moduleResolver maps a raw instruction pointer to the module that contains
// it. Implementations are platform-specific (see resolver_linux.go and
// resolver_other.go).
type moduleResolver interface {
	resolve(ip uintptr) (path string, runtimeBase uint64, ok bool)
}

// CaptureCurrent walks the current call stack, respecting options, and
// returns the captured frames plus the modules they reference, deduplicated
// within this capture starting at local module id 1.
func CaptureCurrent(id ids.ID, opts Options) (CapturedBacktrace, error) {
	if opts.MaxFrames <= 0 {
		opts.MaxFrames = DefaultOptions().MaxFrames
	}

	resolver := defaultResolver()
	if resolver == nil {
		return CapturedBacktrace{}, ErrUnsupportedPlatform
	}

	// +3 skips runtime.Callers itself, this function, and the caller's
	// direct instrumentation wrapper, matching the spec's "skip_frames is
	// relative to the instrumentation site" contract.
	pcs := make([]uintptr, opts.MaxFrames)
	n := runtime.Callers(3+opts.SkipFrames, pcs)
	if n == 0 {
		return CapturedBacktrace{}, &CaptureError{Kind: errEmptyBacktrace}
	}
	pcs = pcs[:n]

	modByKey := make(map[moduleKey]LocalModuleID)
	var modules []CapturedModule
	frames := make([]FrameKey, 0, n)

	for _, pc := range pcs {
		// runtime.Callers returns return addresses; back up by one byte to
		// land inside the calling instruction, matching the Rust capture's
		// "return address" convention for rel_pc derivation.
		ip := uint64(pc) - 1

		path, base, ok := resolver.resolve(pc)
		if !ok {
			return CapturedBacktrace{}, &CaptureError{Kind: errMissingModuleInfo, IP: ip}
		}
		if path == "" {
			return CapturedBacktrace{}, &CaptureError{Kind: errMissingModulePath, IP: ip}
		}
		if base == 0 {
			return CapturedBacktrace{}, &CaptureError{Kind: errZeroModuleBase, IP: ip}
		}
		if ip < base {
			return CapturedBacktrace{}, &CaptureError{Kind: errIPBeforeModuleBase, IP: ip, Base: base}
		}

		key := moduleKey{path: path, base: base}
		localID, seen := modByKey[key]
		if !seen {
			if len(modules) >= (1<<32 - 1) {
				return CapturedBacktrace{}, &CaptureError{Kind: errModuleIDOverflow}
			}
			localID = LocalModuleID(len(modules) + 1)
			modByKey[key] = localID
			modules = append(modules, CapturedModule{LocalID: localID, Path: path, RuntimeBase: base})
		}

		frames = append(frames, FrameKey{ModuleID: localID, RelPC: ip - base})
	}

	if len(frames) == 0 {
		return CapturedBacktrace{}, &CaptureError{Kind: errEmptyBacktrace}
	}

	return CapturedBacktrace{
		Record:  BacktraceRecord{ID: id, Frames: frames},
		Modules: modules,
	}, nil
}

type moduleKey struct {
	path string
	base uint64
}

// Capabilities reports the negotiated trace_capabilities handshake field
// (spec §4.F Handshake, supplemented per SPEC_FULL.md item 3).
type Capabilities struct {
	TraceV1                 bool `json:"trace_v1"`
	RequiresFramePointers    bool `json:"requires_frame_pointers"`
	SamplingSupported        bool `json:"sampling_supported"`
	AllocTrackingSupported   bool `json:"alloc_tracking_supported"`
}

// CurrentCapabilities reports this build's capture capabilities.
func CurrentCapabilities() Capabilities {
	return Capabilities{
		TraceV1:               defaultResolver() != nil,
		RequiresFramePointers: true,
		SamplingSupported:      false,
		AllocTrackingSupported: false,
	}
}
