//go:build !linux && unix

package backtrace

import (
	"os"
	"sync"
)

// singleModuleResolver is the capture backend for Unix platforms that have
// no /proc/self/maps (Darwin, the BSDs). It treats the running executable
// as a single module, using a synthetic runtime base of 1 — never 0, so the
// "runtime base nonzero" invariant still holds — since these platforms
// would otherwise require a dladdr cgo bridge this module intentionally
// avoids (see SPEC_FULL.md's DWARF/ASLR-stripping discussion: Mach-O base
// resolution happens at symbolication time against the on-disk image, not
// capture time).
type singleModuleResolver struct {
	once sync.Once
	path string
}

func defaultResolver() moduleResolver {
	return &singleModuleResolver{}
}

func (r *singleModuleResolver) resolve(ip uintptr) (string, uint64, bool) {
	r.once.Do(func() {
		if exe, err := os.Executable(); err == nil {
			r.path = exe
		}
	})
	if r.path == "" {
		return "", 0, false
	}
	return r.path, 1, true
}
