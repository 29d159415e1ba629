package changestream

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
)

func TestPullChangesSinceWrapsStore(t *testing.T) {
	gen := ids.NewGenerator(7, time.Now())
	store, err := graphstore.New(gen)
	require.NoError(t, err)

	id, err := gen.Next(ids.KindEntity)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEntity(graphstore.ScopeContext{}, graphstore.Entity{ID: id}))

	resp := PullChangesSince(store, 0, 10)
	assert.Equal(t, store.StreamID(), resp.StreamID)
	assert.False(t, resp.Truncated)
	assert.Len(t, resp.Changes, 1)
	assert.Nil(t, resp.CompactedBeforeSeqNo)
}

func TestCursorReflectsCurrentPosition(t *testing.T) {
	gen := ids.NewGenerator(8, time.Now())
	store, err := graphstore.New(gen)
	require.NoError(t, err)

	c0 := Cursor(store)
	assert.Equal(t, graphstore.SeqNo(0), c0.NextSeqNo)

	id, err := gen.Next(ids.KindEntity)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEntity(graphstore.ScopeContext{}, graphstore.Entity{ID: id}))

	c1 := Cursor(store)
	assert.Equal(t, graphstore.SeqNo(1), c1.NextSeqNo)
}
