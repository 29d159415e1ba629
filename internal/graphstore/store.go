package graphstore

import (
	"sync"

	"github.com/peepsnet/peepsd/internal/ids"
)

// MaxEvents is the capacity of the event ring; oldest events are dropped on
// overflow.
const MaxEvents = 16384

// MaxChangesBeforeCompact triggers compaction once the change log exceeds
// this many retained entries.
const MaxChangesBeforeCompact = 64 * 1024

// CompactTargetChanges is how many entries compaction keeps.
const CompactTargetChanges = 8192

// ScopeContext carries the "current Process scope" and "current Task" that
// Tokio task-locals provide implicitly in the source runtime. Go has no
// equivalent of an async task-local, so callers (e.g. cmd/peerd-demo)
// build one and pass it to every store mutation explicitly.
type ScopeContext struct {
	ProcessScopeID ids.ID
	TaskKey        string
}

// Store is the single process-wide graph of entities, scopes, edges and
// events described in component D. All operations are atomic under one
// mutex, matching the teacher's internal/eventbus.Bus single-lock design
// rather than a sharded or lock-free structure, since the spec explicitly
// calls for one mutex guarding the whole store.
type Store struct {
	gen *ids.Generator

	mu       sync.Mutex
	poisoned bool

	streamID ids.ID

	entities         map[ids.ID]Entity
	scopes           map[ids.ID]Scope
	taskScopeIDs     map[string]ids.ID
	entityScopeLinks map[EntityScopeLink]struct{}
	edges            map[EdgeKey]Edge

	events *eventRing

	changes              []StampedChange
	nextSeqNo            SeqNo
	compactedBeforeSeqNo SeqNo
}

// New creates an empty store. gen allocates ids for lazily-created task
// scopes; the stream id identifies this store's change stream to pull
// requests and cut acks.
func New(gen *ids.Generator) (*Store, error) {
	streamID, err := gen.Next(ids.KindProcess)
	if err != nil {
		return nil, err
	}
	return &Store{
		gen:              gen,
		streamID:         streamID,
		entities:         make(map[ids.ID]Entity),
		scopes:           make(map[ids.ID]Scope),
		taskScopeIDs:     make(map[string]ids.ID),
		entityScopeLinks: make(map[EntityScopeLink]struct{}),
		edges:            make(map[EdgeKey]Edge),
		events:           newEventRing(MaxEvents),
	}, nil
}

// StreamID identifies this store's change stream.
func (s *Store) StreamID() ids.ID { return s.streamID }

// locked runs fn under the store's mutex, turning any panic raised while
// the lock is held into a latched MutexPoisoned so the store never serves a
// partially-applied mutation again.
func (s *Store) locked(fn func() error) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.poisoned {
		return &MutexPoisoned{}
	}
	defer func() {
		if r := recover(); r != nil {
			s.poisoned = true
			err = &MutexPoisoned{}
		}
	}()
	return fn()
}

// pushChange assigns the next sequence number, appends to the log, and
// compacts if the log has grown past MaxChangesBeforeCompact. Caller must
// hold s.mu.
func (s *Store) pushChange(c Change) StampedChange {
	sc := StampedChange{SeqNo: s.nextSeqNo, Change: c}
	s.nextSeqNo++
	s.changes = append(s.changes, sc)
	if len(s.changes) > MaxChangesBeforeCompact {
		s.compact()
	}
	return sc
}

// compact walks the log newest-to-oldest, keeping every AppendEvent change
// and the newest Upsert*/Remove* per compaction key, until the kept set
// reaches CompactTargetChanges or the scan exhausts. Caller must hold s.mu.
func (s *Store) compact() {
	kept := make([]StampedChange, 0, CompactTargetChanges)
	seen := make(map[compactKey]bool, CompactTargetChanges)

	for i := len(s.changes) - 1; i >= 0 && len(kept) < CompactTargetChanges; i-- {
		sc := s.changes[i]
		if sc.Change.Kind == ChangeAppendEvent {
			kept = append(kept, sc)
			continue
		}
		key, ok := keyOf(sc.Change)
		if !ok || seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, sc)
	}

	// kept was built newest-first; reverse to restore ascending seq_no order.
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}

	if len(kept) > 0 {
		front := kept[0].SeqNo
		if front > s.compactedBeforeSeqNo {
			s.compactedBeforeSeqNo = front
		}
	} else {
		// everything was elided; the log is caught up to the next seq_no.
		if s.nextSeqNo > s.compactedBeforeSeqNo {
			s.compactedBeforeSeqNo = s.nextSeqNo
		}
	}
	s.changes = kept
}

// UpsertEntity inserts or replaces e, links it to the current process
// scope, and — if e.Body.Kind is BodyFuture — to the current task scope,
// lazily creating the task scope if sc.TaskKey has none yet.
func (s *Store) UpsertEntity(sc ScopeContext, e Entity) error {
	return s.locked(func() error {
		s.entities[e.ID] = e
		s.pushChange(Change{Kind: ChangeUpsertEntity, Entity: &e})

		if sc.ProcessScopeID != "" {
			s.linkLocked(e.ID, sc.ProcessScopeID)
		}
		if e.Body.Kind == BodyFuture && sc.TaskKey != "" {
			taskScopeID, err := s.taskScopeLocked(sc.TaskKey, e.Birth, e.Source)
			if err != nil {
				return err
			}
			s.linkLocked(e.ID, taskScopeID)
		}
		return nil
	})
}

// taskScopeLocked returns the scope id for taskKey, creating a Task scope
// on first use. Caller must hold s.mu.
func (s *Store) taskScopeLocked(taskKey string, birth ids.PTime, source string) (ids.ID, error) {
	if id, ok := s.taskScopeIDs[taskKey]; ok {
		return id, nil
	}
	id, err := s.gen.Next(ids.KindScope)
	if err != nil {
		return "", err
	}
	scope := Scope{
		ID:     id,
		Birth:  birth,
		Source: source,
		Name:   taskKey,
		Body:   ScopeBody{Kind: ScopeTask, TaskKey: taskKey},
	}
	s.scopes[id] = scope
	s.taskScopeIDs[taskKey] = id
	s.pushChange(Change{Kind: ChangeUpsertScope, Scope: &scope})
	return id, nil
}

// MutateEntityBodyAndMaybeUpsert applies f to id's current body, emitting
// an UpsertEntity change only if the body's content fingerprint changed.
// Returns whether a change was emitted.
func (s *Store) MutateEntityBodyAndMaybeUpsert(id ids.ID, f func(EntityBody) EntityBody) (bool, error) {
	var emitted bool
	err := s.locked(func() error {
		e, ok := s.entities[id]
		if !ok {
			return &InvariantViolation{Reason: "mutate_entity_body_and_maybe_upsert: unknown entity " + string(id)}
		}
		before := fingerprintBody(e.Body)
		e.Body = f(e.Body)
		after := fingerprintBody(e.Body)
		if before == after {
			return nil
		}
		s.entities[id] = e
		s.pushChange(Change{Kind: ChangeUpsertEntity, Entity: &e})
		emitted = true
		return nil
	})
	return emitted, err
}

// RemoveEntity removes id and cascades to every entity-scope link and edge
// that touches it, each emitting its own Remove* change, before finally
// emitting RemoveEntity.
func (s *Store) RemoveEntity(id ids.ID) error {
	return s.locked(func() error {
		if _, ok := s.entities[id]; !ok {
			return nil
		}
		for link := range s.entityScopeLinks {
			if link.EntityID == id {
				delete(s.entityScopeLinks, link)
				l := link
				s.pushChange(Change{Kind: ChangeRemoveEntityScopeLink, Link: &l})
			}
		}
		for key := range s.edges {
			if key.Src == id || key.Dst == id {
				delete(s.edges, key)
				k := key
				s.pushChange(Change{Kind: ChangeRemoveEdge, EdgeKey: &k})
			}
		}
		delete(s.entities, id)
		s.pushChange(Change{Kind: ChangeRemoveEntity, EntityID: id})
		return nil
	})
}

// UpsertScope inserts or replaces sc.
func (s *Store) UpsertScope(sc Scope) error {
	return s.locked(func() error {
		s.scopes[sc.ID] = sc
		if sc.Body.Kind == ScopeTask && sc.Body.TaskKey != "" {
			s.taskScopeIDs[sc.Body.TaskKey] = sc.ID
		}
		s.pushChange(Change{Kind: ChangeUpsertScope, Scope: &sc})
		return nil
	})
}

// RemoveScope removes id, dropping every link referencing it and its
// task-scope-id mapping if it was one.
func (s *Store) RemoveScope(id ids.ID) error {
	return s.locked(func() error {
		scope, ok := s.scopes[id]
		if !ok {
			return nil
		}
		for link := range s.entityScopeLinks {
			if link.ScopeID == id {
				delete(s.entityScopeLinks, link)
				l := link
				s.pushChange(Change{Kind: ChangeRemoveEntityScopeLink, Link: &l})
			}
		}
		if scope.Body.Kind == ScopeTask {
			delete(s.taskScopeIDs, scope.Body.TaskKey)
		}
		delete(s.scopes, id)
		s.pushChange(Change{Kind: ChangeRemoveScope, ScopeID: id})
		return nil
	})
}

// LinkEntityToScope idempotently links entityID to scopeID.
func (s *Store) LinkEntityToScope(entityID, scopeID ids.ID) error {
	return s.locked(func() error {
		s.linkLocked(entityID, scopeID)
		return nil
	})
}

func (s *Store) linkLocked(entityID, scopeID ids.ID) {
	link := EntityScopeLink{EntityID: entityID, ScopeID: scopeID}
	if _, ok := s.entityScopeLinks[link]; ok {
		return
	}
	s.entityScopeLinks[link] = struct{}{}
	s.pushChange(Change{Kind: ChangeUpsertEntityScopeLink, Link: &link})
}

// UnlinkEntityToScope idempotently removes the link between entityID and
// scopeID, emitting RemoveEntityScopeLink only if it existed.
func (s *Store) UnlinkEntityToScope(entityID, scopeID ids.ID) error {
	return s.locked(func() error {
		link := EntityScopeLink{EntityID: entityID, ScopeID: scopeID}
		if _, ok := s.entityScopeLinks[link]; !ok {
			return nil
		}
		delete(s.entityScopeLinks, link)
		s.pushChange(Change{Kind: ChangeRemoveEntityScopeLink, Link: &link})
		return nil
	})
}

// UpsertEdge idempotently inserts or refreshes the edge (src,dst,kind). On
// first insertion it auto-links both endpoints to the process scope if
// they are known entities.
func (s *Store) UpsertEdge(sc ScopeContext, src, dst ids.ID, kind EdgeKind, meta []byte, updatedAtNs int64, source string, backtrace ids.ID) error {
	return s.locked(func() error {
		key := EdgeKey{Src: src, Dst: dst, Kind: kind}
		_, existed := s.edges[key]
		e := Edge{EdgeKey: key, Source: source, Backtrace: backtrace, UpdatedAtNs: updatedAtNs, Meta: meta}
		s.edges[key] = e
		s.pushChange(Change{Kind: ChangeUpsertEdge, Edge: &e})

		if !existed && sc.ProcessScopeID != "" {
			if _, ok := s.entities[src]; ok {
				s.linkLocked(src, sc.ProcessScopeID)
			}
			if _, ok := s.entities[dst]; ok {
				s.linkLocked(dst, sc.ProcessScopeID)
			}
		}
		return nil
	})
}

// RemoveEdge removes the edge (src,dst,kind), emitting RemoveEdge iff the
// key was present.
func (s *Store) RemoveEdge(src, dst ids.ID, kind EdgeKind) error {
	return s.locked(func() error {
		key := EdgeKey{Src: src, Dst: dst, Kind: kind}
		if _, ok := s.edges[key]; !ok {
			return nil
		}
		delete(s.edges, key)
		s.pushChange(Change{Kind: ChangeRemoveEdge, EdgeKey: &key})
		return nil
	})
}

// RecordEvent appends ev to the bounded event ring, evicting the oldest
// entry if at capacity, and emits AppendEvent.
func (s *Store) RecordEvent(ev Event) error {
	return s.locked(func() error {
		s.events.push(ev)
		s.pushChange(Change{Kind: ChangeAppendEvent, Event: &ev})
		return nil
	})
}

// Entity returns a copy of the entity with id, if present.
func (s *Store) Entity(id ids.ID) (Entity, bool, error) {
	var e Entity
	var ok bool
	err := s.locked(func() error {
		e, ok = s.entities[id]
		return nil
	})
	return e, ok, err
}

// PullChangesSince returns up to max changes with seq_no >=
// max(from, compacted_before_seq_no). If more remain after max, truncated
// is true and the caller should re-issue immediately starting at
// nextSeqNo. Requests below compacted_before_seq_no implicitly advance to
// it, since the elided entries no longer exist in the log.
func (s *Store) PullChangesSince(from SeqNo, max uint32) (changes []StampedChange, nextFrom SeqNo, truncated bool, compactedBefore SeqNo, err error) {
	err = s.locked(func() error {
		effectiveFrom := from
		if effectiveFrom < s.compactedBeforeSeqNo {
			effectiveFrom = s.compactedBeforeSeqNo
		}

		start := len(s.changes)
		for i, sc := range s.changes {
			if sc.SeqNo >= effectiveFrom {
				start = i
				break
			}
		}

		remaining := s.changes[start:]
		if uint32(len(remaining)) > max {
			remaining = remaining[:max]
			truncated = true
		}

		changes = make([]StampedChange, len(remaining))
		copy(changes, remaining)
		if truncated {
			nextFrom = changes[len(changes)-1].SeqNo + 1
		} else {
			// caught up to the log's current head, not just the last
			// returned entry, so the caller's cursor tracks next_seq_no.
			nextFrom = s.nextSeqNo
		}
		compactedBefore = s.compactedBeforeSeqNo
		return nil
	})
	return
}

// Cursor returns the store's current next_seq_no, the position a CutAck or
// handshake reports without pulling any changes.
func (s *Store) Cursor() (SeqNo, error) {
	var next SeqNo
	err := s.locked(func() error {
		next = s.nextSeqNo
		return nil
	})
	return next, err
}

// Snapshot atomically materializes every entity, scope, edge, event, and
// entity-scope link currently in the store — the payload of a
// SnapshotReply in the dashboard push loop's SnapshotRequest handler.
func (s *Store) Snapshot() (entities []Entity, scopes []Scope, edges []Edge, events []Event, links []EntityScopeLink, err error) {
	err = s.locked(func() error {
		for _, e := range s.entities {
			entities = append(entities, e)
		}
		for _, sc := range s.scopes {
			scopes = append(scopes, sc)
		}
		for _, e := range s.edges {
			edges = append(edges, e)
		}
		events = s.events.snapshot()
		for l := range s.entityScopeLinks {
			links = append(links, l)
		}
		return nil
	})
	return
}

// Len reports the current size of entities, scopes, edges and the change
// log, useful for tests and metrics.
func (s *Store) Len() (entities, scopes, edges, events, changes int, err error) {
	err = s.locked(func() error {
		entities = len(s.entities)
		scopes = len(s.scopes)
		edges = len(s.edges)
		events = s.events.len()
		changes = len(s.changes)
		return nil
	})
	return
}
