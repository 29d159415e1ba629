// Package tracelog is the collector and runtime library's structured
// logging wrapper. It follows the teacher's internal/debug package — a
// package-level conditional logger gated by an environment variable
// (there: BD_DEBUG; here: PEEPSD_DEBUG) — but adds level tagging, since
// the collector is a long-lived service whose operators need to
// distinguish warnings from routine info, not just a single verbose/quiet
// toggle.
package tracelog

import (
	"fmt"
	"log"
	"os"
	"sync"
)

var (
	debugEnabled = os.Getenv("PEEPSD_DEBUG") != ""
	mu           sync.Mutex
	logger       = log.New(os.Stderr, "", log.LstdFlags)
)

// SetDebug overrides the PEEPSD_DEBUG environment toggle, for tests and for
// a --debug CLI flag.
func SetDebug(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debugEnabled = enabled
}

// DebugEnabled reports whether Debug-level messages are currently logged.
func DebugEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return debugEnabled
}

func logf(level, format string, args ...interface{}) {
	mu.Lock()
	l := logger
	mu.Unlock()
	l.Printf("%s "+format, append([]interface{}{level}, args...)...)
}

// Info logs a routine, always-on informational message.
func Info(format string, args ...interface{}) { logf("info", format, args...) }

// Warn logs a recoverable, operator-relevant condition (a dropped
// connection, a timed-out snapshot reply).
func Warn(format string, args ...interface{}) { logf("warn", format, args...) }

// Error logs a failed operation the caller is continuing past (matching
// §7's "terminate connection, log" recovery for most wire-level errors).
func Error(format string, args ...interface{}) { logf("error", format, args...) }

// Debug logs a message only when PEEPSD_DEBUG is set or SetDebug(true) has
// been called, mirroring the teacher's debug.Logf gate.
func Debug(format string, args ...interface{}) {
	if !DebugEnabled() {
		return
	}
	logf("debug", format, args...)
}

// Fields renders a short key=value suffix for structured context, e.g.
// tracelog.Warn("connection dropped%s", tracelog.Fields{"conn_id": id}).
type Fields map[string]interface{}

func (f Fields) String() string {
	s := ""
	for k, v := range f {
		s += fmt.Sprintf(" %s=%v", k, v)
	}
	return s
}
