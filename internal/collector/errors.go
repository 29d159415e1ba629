package collector

import (
	"errors"
	"fmt"

	"github.com/peepsnet/peepsd/internal/ids"
)

// ErrDatabaseLocked is returned by Open when another process already holds
// the exclusive lock on the same SQLite database path.
var ErrDatabaseLocked = errors.New("collector: database already locked by another process")

// UnknownModuleError reports a BacktraceRecord frame referencing a module
// id absent from the connection's handshake manifest.
type UnknownModuleError struct {
	ModuleID ids.ID
}

func (e *UnknownModuleError) Error() string {
	return fmt.Sprintf("collector: backtrace frame references unknown module %s", e.ModuleID)
}
