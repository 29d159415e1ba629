package graphstore

import "fmt"

// InvariantViolation signals state the store must never reach; per the
// ambient error-handling convention, the caller (internal/singleton) treats
// this as fatal rather than attempting to continue with a store that may
// have applied a partial update.
type InvariantViolation struct {
	Reason string
}

func (e *InvariantViolation) Error() string {
	return fmt.Sprintf("graphstore: invariant violation: %s", e.Reason)
}

// MutexPoisoned reports that a prior panic left the store's lock held in an
// inconsistent state. The spec requires the store not survive a partial
// update, so Store recovers any panic raised while the lock is held and
// latches this error for every subsequent call instead of silently
// continuing.
type MutexPoisoned struct{}

func (e *MutexPoisoned) Error() string {
	return "graphstore: mutex poisoned by a prior panic, store is no longer usable"
}
