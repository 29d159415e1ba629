// Package ids implements the process-unique identifier and process-relative
// clock primitives described in component A: every entity, scope, edge,
// event, backtrace, module and frame in the graph is named by a textual
// token of the form "<KIND>#<u53-decimal>", and every timestamp recorded in
// the graph is expressed relative to a single per-process clock anchor.
package ids

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Kind is the closed set of identifier namespaces in the graph.
type Kind string

const (
	KindEntity    Kind = "ENTITY"
	KindScope     Kind = "SCOPE"
	KindEdge      Kind = "EDGE"
	KindBacktrace Kind = "BACKTRACE"
	KindModule    Kind = "MODULE"
	KindFrame     Kind = "FRAME"
	KindEvent     Kind = "EVENT"
	KindProcess   Kind = "PROCESS"
	KindConn      Kind = "CONN"
)

// MaxSafeInteger is the largest integer a JavaScript double can represent
// exactly: 2^53 - 1. Every numeric ID component, and every rel_pc, must fit.
const MaxSafeInteger uint64 = (1 << 53) - 1

// counterBits is how many low bits of a generated value are reserved for the
// monotonic counter; the remaining high bits (up to 53) hold the process
// prefix. 37 counter bits is ~137 billion values per process per kind,
// comfortably beyond what a single process lifetime will ever emit.
const counterBits = 37
const counterMask = (uint64(1) << counterBits) - 1
const maxPrefix = (uint64(1) << (53 - counterBits)) - 1 // 0xFFFF, i.e. 16 bits

// ErrIDOverflow is returned when the numeric component of a generated ID
// would exceed MaxSafeInteger.
var ErrIDOverflow = errors.New("ids: numeric component would exceed 2^53-1")

// ID is an opaque textual token, e.g. "ENTITY#12345".
type ID string

// Kind returns the namespace of the token, or "" if it is malformed.
func (id ID) Kind() Kind {
	k, _, ok := splitID(string(id))
	if !ok {
		return ""
	}
	return Kind(k)
}

// Numeric returns the decimal numeric component of the token.
func (id ID) Numeric() (uint64, error) {
	_, num, ok := splitID(string(id))
	if !ok {
		return 0, fmt.Errorf("ids: malformed id %q", id)
	}
	return strconv.ParseUint(num, 10, 64)
}

// Valid reports whether id has the form "<KIND>#<digits>" with a JS-safe
// numeric component.
func (id ID) Valid() bool {
	n, err := id.Numeric()
	if err != nil {
		return false
	}
	return n <= MaxSafeInteger
}

func splitID(s string) (kind string, numeric string, ok bool) {
	i := strings.IndexByte(s, '#')
	if i < 0 || i == 0 || i == len(s)-1 {
		return "", "", false
	}
	return s[:i], s[i+1:], true
}

func format(kind Kind, numeric uint64) ID {
	return ID(fmt.Sprintf("%s#%d", kind, numeric))
}

// Generator produces IDs from a process-local monotonically-increasing
// counter, one per Kind, all seeded from the same 16-bit process prefix so
// that snapshots colliding across processes are rare (though never assumed
// unique — see internal/framecatalog for the cross-process-stable scheme).
type Generator struct {
	prefix   uint64
	mu       sync.Mutex
	counters map[Kind]*uint64
}

// NewGenerator creates a Generator seeded from pid and the current time.
func NewGenerator(pid int, seedTime time.Time) *Generator {
	seed := deriveSeed(pid, seedTime)
	return &Generator{
		prefix:   seed,
		counters: make(map[Kind]*uint64),
	}
}

func deriveSeed(pid int, t time.Time) uint64 {
	h := uint64(pid)*2654435761 + uint64(t.UnixNano())
	return h & maxPrefix
}

// Next allocates the next ID for kind. Returns ErrIDOverflow once the
// per-kind counter would exceed the space reserved by the process prefix.
func (g *Generator) Next(kind Kind) (ID, error) {
	g.mu.Lock()
	counter, ok := g.counters[kind]
	if !ok {
		var zero uint64
		counter = &zero
		g.counters[kind] = counter
	}
	g.mu.Unlock()

	next := atomic.AddUint64(counter, 1)
	if next > counterMask {
		return "", ErrIDOverflow
	}
	value := (g.prefix << counterBits) | next
	if value > MaxSafeInteger {
		return "", ErrIDOverflow
	}
	return format(kind, value), nil
}
