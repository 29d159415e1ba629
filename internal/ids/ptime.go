package ids

import (
	"sync"
	"time"
)

// Clock is a process-relative monotonic millisecond clock. The anchor is
// recorded once, on the first call to Now, exactly as PTime::now() installs
// its anchor in the originating Rust runtime.
type Clock struct {
	once   sync.Once
	anchor time.Time
}

// PTime is the wire representation: milliseconds since the clock's anchor.
type PTime uint64

// Now returns milliseconds elapsed since the first call to Now on this
// Clock. The very first call therefore always returns 0.
func (c *Clock) Now() PTime {
	c.once.Do(func() {
		c.anchor = time.Now()
	})
	return PTime(time.Since(c.anchor).Milliseconds())
}

// Anchor returns the wall-clock instant the clock was anchored at, the zero
// time if Now has never been called.
func (c *Clock) Anchor() time.Time {
	return c.anchor
}
