package collector

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/symbolicator"
)

func newTestResolver(t *testing.T) *Resolver {
	t.Helper()
	db := openTestDB(t)
	gen := ids.NewGenerator(7, time.Now())
	catalog := framecatalog.New(gen)

	cache, cacheDB, err := symbolicator.NewStandaloneCache(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { cacheDB.Close() })

	engine := symbolicator.NewEngine(cache).WithOpener(func(path string) (*symbolicator.Module, error) {
		return nil, assert.AnError
	})
	return NewResolver(db, catalog, engine)
}

func TestInternBacktraceAssignsFrameIDsInOrder(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	rec := wireRecord{
		ID: "BACKTRACE#1",
		Frames: []wireFrame{
			{ModulePath: "/bin/demo", ModuleIdentity: "buildid:abc", RelPC: 0x10},
			{ModulePath: "/bin/demo", ModuleIdentity: "buildid:abc", RelPC: 0x20},
		},
	}
	require.NoError(t, r.db.InsertBacktraceFrames(ctx, "conn-1", rec))

	frameIDs, err := r.InternBacktrace(ctx, "conn-1", "BACKTRACE#1")
	require.NoError(t, err)
	require.Len(t, frameIDs, 2)
	assert.NotEqual(t, frameIDs[0], frameIDs[1])

	again, err := r.InternBacktrace(ctx, "conn-1", "BACKTRACE#1")
	require.NoError(t, err)
	assert.Equal(t, frameIDs, again, "re-interning the same backtrace returns the same frame ids")
}

func TestResolvePendingMarksUnresolvedOnModuleLoadFailure(t *testing.T) {
	r := newTestResolver(t)
	ctx := context.Background()

	rec := wireRecord{
		ID:     "BACKTRACE#2",
		Frames: []wireFrame{{ModulePath: "/bin/missing", ModuleIdentity: "buildid:xyz", RelPC: 0x40}},
	}
	require.NoError(t, r.db.InsertBacktraceFrames(ctx, "conn-1", rec))

	frameIDs, err := r.InternAndResolve(ctx, "conn-1", "BACKTRACE#2")
	require.NoError(t, err)
	require.Len(t, frameIDs, 1)

	snap, ok := r.catalog.SnapshotFrameFor(frameIDs[0])
	require.True(t, ok)
	assert.False(t, snap.Resolved)
	assert.NotEmpty(t, snap.Reason)
}
