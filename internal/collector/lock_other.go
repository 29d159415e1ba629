//go:build !unix

package collector

import "os"

// flockExclusive is a no-op outside unix, matching the teacher's
// internal/lockfile wasm build's single-process assumption — Windows
// collector deployments are expected to be one-per-database-path by
// external process supervision instead.
func flockExclusive(f *os.File) error {
	return nil
}

func flockUnlock(f *os.File) error {
	return nil
}
