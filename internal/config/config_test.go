package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsResolve(t *testing.T) {
	v := New()
	c := ResolveCollector(v)
	assert.Equal(t, "127.0.0.1:7433", c.ListenAddr)
	assert.Equal(t, 5000*time.Millisecond, c.SnapshotTimeout)
	assert.Equal(t, 100, c.StallTicksLimit)
}

func TestEnvOverridesDefault(t *testing.T) {
	t.Setenv("PEEPSD_LISTEN_ADDR", "0.0.0.0:9999")
	v := New()
	c := ResolveCollector(v)
	assert.Equal(t, "0.0.0.0:9999", c.ListenAddr)
}

func TestResolvePeerUsesProcessName(t *testing.T) {
	v := New()
	p := ResolvePeer(v, "demo")
	assert.Equal(t, "demo", p.ProcessName)
	assert.Equal(t, uint32(2048), p.PushMaxChanges)
}

func TestWatchFileIsNoOpForEmptyPath(t *testing.T) {
	v := New()
	require.NoError(t, WatchFile(v, "", func() { t.Fatal("onChange must not run") }))
}

func TestWatchFileFiresOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collector.yaml")
	require.NoError(t, os.WriteFile(path, []byte("stall-ticks-limit: 50\n"), 0o644))

	v := New()
	require.NoError(t, LoadFile(v, path))

	changed := make(chan struct{}, 1)
	require.NoError(t, WatchFile(v, path, func() { changed <- struct{}{} }))

	require.NoError(t, os.WriteFile(path, []byte("stall-ticks-limit: 75\n"), 0o644))

	select {
	case <-changed:
	case <-time.After(2 * time.Second):
		t.Fatal("onChange was not called after file write")
	}
	assert.Equal(t, 75, v.GetInt(KeyStallTicksLimit))
}
