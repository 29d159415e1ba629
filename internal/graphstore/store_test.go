package graphstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/ids"
)

func newTestStore(t *testing.T) (*Store, *ids.Generator) {
	t.Helper()
	gen := ids.NewGenerator(1, time.Now())
	s, err := New(gen)
	require.NoError(t, err)
	return s, gen
}

func mustID(t *testing.T, gen *ids.Generator, kind ids.Kind) ids.ID {
	t.Helper()
	id, err := gen.Next(kind)
	require.NoError(t, err)
	return id
}

func TestUpsertEntityAutoLinksProcessScope(t *testing.T) {
	s, gen := newTestStore(t)
	procScope := mustID(t, gen, ids.KindScope)
	entityID := mustID(t, gen, ids.KindEntity)

	sc := ScopeContext{ProcessScopeID: procScope}
	err := s.UpsertEntity(sc, Entity{ID: entityID, Name: "fut", Body: EntityBody{Kind: BodyFuture}})
	require.NoError(t, err)

	e, ok, err := s.Entity(entityID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "fut", e.Name)
}

func TestUpsertEntityLazilyCreatesTaskScope(t *testing.T) {
	s, gen := newTestStore(t)
	procScope := mustID(t, gen, ids.KindScope)
	entityID := mustID(t, gen, ids.KindEntity)

	sc := ScopeContext{ProcessScopeID: procScope, TaskKey: "task-1"}
	err := s.UpsertEntity(sc, Entity{ID: entityID, Body: EntityBody{Kind: BodyFuture}})
	require.NoError(t, err)

	s.mu.Lock()
	taskScopeID, ok := s.taskScopeIDs["task-1"]
	s.mu.Unlock()
	require.True(t, ok)

	// calling again with the same task key must not create a second scope
	entityID2 := mustID(t, gen, ids.KindEntity)
	err = s.UpsertEntity(sc, Entity{ID: entityID2, Body: EntityBody{Kind: BodyFuture}})
	require.NoError(t, err)

	s.mu.Lock()
	taskScopeID2 := s.taskScopeIDs["task-1"]
	s.mu.Unlock()
	assert.Equal(t, taskScopeID, taskScopeID2)
}

func TestMutateEntityBodyAndMaybeUpsertOnlyEmitsOnChange(t *testing.T) {
	s, gen := newTestStore(t)
	entityID := mustID(t, gen, ids.KindEntity)
	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: entityID, Body: EntityBody{Kind: BodyLock, LockKind: LockMutex}}))

	_, _, _, _, before, err := s.Len()
	_ = before
	require.NoError(t, err)

	emitted, err := s.MutateEntityBodyAndMaybeUpsert(entityID, func(b EntityBody) EntityBody {
		return b // identical body
	})
	require.NoError(t, err)
	assert.False(t, emitted)

	emitted, err = s.MutateEntityBodyAndMaybeUpsert(entityID, func(b EntityBody) EntityBody {
		b.LockKind = LockRwLock
		return b
	})
	require.NoError(t, err)
	assert.True(t, emitted)
}

func TestRemoveEntityCascades(t *testing.T) {
	s, gen := newTestStore(t)
	a := mustID(t, gen, ids.KindEntity)
	b := mustID(t, gen, ids.KindEntity)
	scopeID := mustID(t, gen, ids.KindScope)

	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: a}))
	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: b}))
	require.NoError(t, s.LinkEntityToScope(a, scopeID))
	require.NoError(t, s.UpsertEdge(ScopeContext{}, a, b, EdgeNeeds, nil, 0, "", ""))

	require.NoError(t, s.RemoveEntity(a))

	s.mu.Lock()
	_, stillLinked := s.entityScopeLinks[EntityScopeLink{EntityID: a, ScopeID: scopeID}]
	_, stillEdged := s.edges[EdgeKey{Src: a, Dst: b, Kind: EdgeNeeds}]
	_, stillEntity := s.entities[a]
	s.mu.Unlock()

	assert.False(t, stillLinked)
	assert.False(t, stillEdged)
	assert.False(t, stillEntity)
}

func TestUpsertEdgeIdempotentAndAutoLinks(t *testing.T) {
	s, gen := newTestStore(t)
	procScope := mustID(t, gen, ids.KindScope)
	a := mustID(t, gen, ids.KindEntity)
	b := mustID(t, gen, ids.KindEntity)
	sc := ScopeContext{ProcessScopeID: procScope}

	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: a}))
	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: b}))

	require.NoError(t, s.UpsertEdge(sc, a, b, EdgeHolds, nil, 1, "t", ""))
	require.NoError(t, s.UpsertEdge(sc, a, b, EdgeHolds, nil, 2, "t", ""))

	s.mu.Lock()
	_, linkedA := s.entityScopeLinks[EntityScopeLink{EntityID: a, ScopeID: procScope}]
	_, linkedB := s.entityScopeLinks[EntityScopeLink{EntityID: b, ScopeID: procScope}]
	edge := s.edges[EdgeKey{Src: a, Dst: b, Kind: EdgeHolds}]
	s.mu.Unlock()

	assert.True(t, linkedA)
	assert.True(t, linkedB)
	assert.Equal(t, int64(2), edge.UpdatedAtNs)
}

func TestRecordEventEvictsOldestOnOverflow(t *testing.T) {
	gen := ids.NewGenerator(2, time.Now())
	s, err := New(gen)
	require.NoError(t, err)
	s.events = newEventRing(2)

	require.NoError(t, s.RecordEvent(Event{ID: "EVENT#1"}))
	require.NoError(t, s.RecordEvent(Event{ID: "EVENT#2"}))
	require.NoError(t, s.RecordEvent(Event{ID: "EVENT#3"}))

	snap := s.events.snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, ids.ID("EVENT#2"), snap[0].ID)
	assert.Equal(t, ids.ID("EVENT#3"), snap[1].ID)
}

func TestPullChangesSinceTruncates(t *testing.T) {
	s, gen := newTestStore(t)
	for i := 0; i < 5; i++ {
		id := mustID(t, gen, ids.KindEntity)
		require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: id}))
	}

	changes, next, truncated, _, err := s.PullChangesSince(0, 2)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, changes, 2)
	assert.Equal(t, SeqNo(2), next)

	changes, next, truncated, _, err = s.PullChangesSince(next, 100)
	require.NoError(t, err)
	assert.False(t, truncated)
	assert.Len(t, changes, 3)
	assert.Equal(t, SeqNo(5), next)
}

func TestCompactionKeepsLatestChangeForEntity(t *testing.T) {
	s, gen := newTestStore(t)
	entityID := mustID(t, gen, ids.KindEntity)
	require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: entityID, Name: "v0"}))

	for i := 0; i < 100; i++ {
		require.NoError(t, s.UpsertEntity(ScopeContext{}, Entity{ID: entityID, Name: "v"}))
	}
	require.NoError(t, s.RemoveEntity(entityID))

	s.mu.Lock()
	s.compact()
	last := s.changes[len(s.changes)-1]
	s.mu.Unlock()

	assert.Equal(t, ChangeRemoveEntity, last.Change.Kind)
}
