//go:build unix

package collector

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockExclusive acquires a non-blocking exclusive lock on f, matching the
// teacher's internal/daemonrunner.flockExclusive / internal/lockfile
// single-instance guard.
func flockExclusive(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrDatabaseLocked
	}
	return err
}

func flockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
