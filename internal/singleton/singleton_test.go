package singleton

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/backtrace"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
)

// newTestProcess builds a Process without going through Init, so tests can
// exercise CaptureAndRegister without risking the real frame-pointer
// validation's os.Exit path on an unknown CI platform.
func newTestProcess(t *testing.T) *Process {
	t.Helper()
	gen := ids.NewGenerator(1234, time.Now())
	store, err := graphstore.New(gen)
	require.NoError(t, err)
	return &Process{
		Clock:    &ids.Clock{},
		Gen:      gen,
		Store:    store,
		Manifest: modmanifest.New(gen, "x86_64"),
	}
}

func TestCaptureAndRegisterStoresAQueryableRecord(t *testing.T) {
	p := newTestProcess(t)

	btID, err := p.CaptureAndRegister(backtrace.DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, ids.KindBacktrace, btID.Kind())

	record, ok := p.Manifest.Record(btID)
	require.True(t, ok)
	assert.NotEmpty(t, record.Frames)
}

func TestCaptureAndRegisterAllocatesFreshIDPerCapture(t *testing.T) {
	p := newTestProcess(t)

	id1, err := p.CaptureAndRegister(backtrace.DefaultOptions())
	require.NoError(t, err)
	id2, err := p.CaptureAndRegister(backtrace.DefaultOptions())
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2, "each capture allocates a fresh backtrace id")

	_, ok1 := p.Manifest.Record(id1)
	_, ok2 := p.Manifest.Record(id2)
	assert.True(t, ok1)
	assert.True(t, ok2)
}

func TestAbortOnInvariantViolationPassesThroughOrdinaryErrors(t *testing.T) {
	assert.NoError(t, AbortOnInvariantViolation(nil))

	ordinary := errors.New("a plain, non-fatal error")
	assert.Same(t, ordinary, AbortOnInvariantViolation(ordinary))

	wrapped := errors.New("load failed")
	wrappedErr := errors.New("wrapping: " + wrapped.Error())
	assert.Equal(t, wrappedErr, AbortOnInvariantViolation(wrappedErr))
}
