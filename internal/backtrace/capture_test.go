package backtrace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/ids"
)

func TestCaptureCurrentNonEmpty(t *testing.T) {
	captured, err := CaptureCurrent(ids.ID("BACKTRACE#1"), DefaultOptions())
	if err == ErrUnsupportedPlatform {
		t.Skip("no capture backend on this platform")
	}
	require.NoError(t, err)
	assert.NotEmpty(t, captured.Record.Frames)
	assert.NotEmpty(t, captured.Modules)

	for _, f := range captured.Record.Frames {
		assert.Less(t, f.RelPC, uint64(1)<<53)
		assert.GreaterOrEqual(t, int(f.ModuleID), 1)
		assert.LessOrEqual(t, int(f.ModuleID), len(captured.Modules))
	}
}

func TestCaptureCurrentRespectsMaxFrames(t *testing.T) {
	captured, err := CaptureCurrent(ids.ID("BACKTRACE#2"), Options{MaxFrames: 2})
	if err == ErrUnsupportedPlatform {
		t.Skip("no capture backend on this platform")
	}
	require.NoError(t, err)
	assert.LessOrEqual(t, len(captured.Record.Frames), 2)
}

func TestCaptureCurrentDeduplicatesModules(t *testing.T) {
	captured, err := CaptureCurrent(ids.ID("BACKTRACE#3"), DefaultOptions())
	if err == ErrUnsupportedPlatform {
		t.Skip("no capture backend on this platform")
	}
	require.NoError(t, err)

	seen := make(map[LocalModuleID]bool)
	for _, m := range captured.Modules {
		assert.False(t, seen[m.LocalID], "duplicate local module id %d", m.LocalID)
		seen[m.LocalID] = true
		assert.NotZero(t, m.RuntimeBase)
		assert.NotEmpty(t, m.Path)
	}
}

func TestCapabilitiesRequiresFramePointers(t *testing.T) {
	caps := CurrentCapabilities()
	assert.True(t, caps.RequiresFramePointers)
	assert.False(t, caps.SamplingSupported)
	assert.False(t, caps.AllocTrackingSupported)
}
