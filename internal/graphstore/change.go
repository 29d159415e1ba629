package graphstore

import "github.com/peepsnet/peepsd/internal/ids"

// SeqNo is a per-stream, strictly monotonic change sequence number.
type SeqNo uint64

// ChangeKind is the closed set of change-log variants.
type ChangeKind string

const (
	ChangeUpsertEntity          ChangeKind = "upsert_entity"
	ChangeRemoveEntity          ChangeKind = "remove_entity"
	ChangeUpsertScope           ChangeKind = "upsert_scope"
	ChangeRemoveScope           ChangeKind = "remove_scope"
	ChangeUpsertEntityScopeLink ChangeKind = "upsert_entity_scope_link"
	ChangeRemoveEntityScopeLink ChangeKind = "remove_entity_scope_link"
	ChangeUpsertEdge            ChangeKind = "upsert_edge"
	ChangeRemoveEdge            ChangeKind = "remove_edge"
	ChangeAppendEvent           ChangeKind = "append_event"
)

// Change is the closed tagged union of graph mutations. Exactly one of the
// pointer fields matching Kind is populated. Unlike the internal
// StampedChange the spec describes as carrying pre-serialized bytes, this
// already holds fully materialized values — the wire codec (internal/wire)
// marshals them directly, and pull_changes_since never needs a second
// deserialize/reserialize pass.
type Change struct {
	Kind ChangeKind `json:"kind"`

	Entity *Entity `json:"entity,omitempty"`
	EntityID ids.ID `json:"entity_id,omitempty"`

	Scope   *Scope `json:"scope,omitempty"`
	ScopeID ids.ID `json:"scope_id,omitempty"`

	Link *EntityScopeLink `json:"link,omitempty"`

	Edge    *Edge    `json:"edge,omitempty"`
	EdgeKey *EdgeKey `json:"edge_key,omitempty"`

	Event *Event `json:"event,omitempty"`
}

// StampedChange is a Change with its assigned sequence number.
type StampedChange struct {
	SeqNo SeqNo  `json:"seq_no"`
	Change Change `json:"change"`
}

// compactKey identifies what a change targets for compaction purposes; two
// changes with the same non-empty compactKey may be collapsed to the newer.
// group distinguishes the entity namespace from the scope, link, and edge
// namespaces so that, say, an entity id and a scope id never collide.
type compactKey struct {
	group string
	a, b, c ids.ID
}

func keyOf(ch Change) (compactKey, bool) {
	switch ch.Kind {
	case ChangeUpsertEntity, ChangeRemoveEntity:
		id := ch.EntityID
		if ch.Entity != nil {
			id = ch.Entity.ID
		}
		return compactKey{group: "entity", a: id}, true
	case ChangeUpsertScope, ChangeRemoveScope:
		id := ch.ScopeID
		if ch.Scope != nil {
			id = ch.Scope.ID
		}
		return compactKey{group: "scope", a: id}, true
	case ChangeUpsertEntityScopeLink, ChangeRemoveEntityScopeLink:
		l := ch.Link
		return compactKey{group: "link", a: l.EntityID, b: l.ScopeID}, true
	case ChangeUpsertEdge, ChangeRemoveEdge:
		var k EdgeKey
		if ch.Edge != nil {
			k = ch.Edge.EdgeKey
		} else if ch.EdgeKey != nil {
			k = *ch.EdgeKey
		}
		return compactKey{group: "edge", a: k.Src, b: k.Dst, c: ids.ID(k.Kind)}, true
	default:
		return compactKey{}, false
	}
}
