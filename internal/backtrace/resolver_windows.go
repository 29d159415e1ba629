//go:build windows

package backtrace

// Windows has no frame-pointer-walking/dladdr-equivalent backend in this
// build — the spec's capture algorithm (§4.B) is defined for Unix x86_64 and
// aarch64 only. CaptureCurrent returns ErrUnsupportedPlatform here.
func defaultResolver() moduleResolver {
	return nil
}
