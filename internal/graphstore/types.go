// Package graphstore implements component D: the single process-wide graph
// of entities, scopes, edges and events, backed by an append-only,
// sequence-numbered, compactable change log (component E lives in
// internal/changestream and reads this log).
package graphstore

import (
	"encoding/json"

	"github.com/peepsnet/peepsd/internal/ids"
)

// EntityBodyKind is the closed set of entity body variants (spec §3).
type EntityBodyKind string

const (
	BodyFuture         EntityBodyKind = "future"
	BodyLock           EntityBodyKind = "lock"
	BodyChannelTx      EntityBodyKind = "channel_tx"
	BodyChannelRx      EntityBodyKind = "channel_rx"
	BodySemaphore      EntityBodyKind = "semaphore"
	BodyNotify         EntityBodyKind = "notify"
	BodyOnceCell       EntityBodyKind = "once_cell"
	BodyCommand        EntityBodyKind = "command"
	BodyFileOp         EntityBodyKind = "file_op"
	BodyNetConnect     EntityBodyKind = "net_connect"
	BodyNetAccept      EntityBodyKind = "net_accept"
	BodyNetRead        EntityBodyKind = "net_read"
	BodyNetWrite       EntityBodyKind = "net_write"
	BodyRequest        EntityBodyKind = "request"
	BodyResponse       EntityBodyKind = "response"
	BodyAether         EntityBodyKind = "aether"
)

// LockKind is the closed set of lock flavors.
type LockKind string

const (
	LockMutex LockKind = "mutex"
	LockRwLock LockKind = "rwlock"
	LockOther  LockKind = "other"
)

// ChannelDetailsKind is the closed set of channel-detail variants.
type ChannelDetailsKind string

const (
	ChannelMpsc      ChannelDetailsKind = "mpsc"
	ChannelBroadcast ChannelDetailsKind = "broadcast"
	ChannelWatch     ChannelDetailsKind = "watch"
	ChannelOneshot   ChannelDetailsKind = "oneshot"
)

// ChannelDetails is the tagged union carried by ChannelTx/ChannelRx bodies.
type ChannelDetails struct {
	Kind ChannelDetailsKind `json:"kind"`

	// Mpsc
	Capacity  *uint32 `json:"capacity,omitempty"`
	QueueLen  uint32  `json:"queue_len,omitempty"`

	// Watch
	LastUpdateAt *ids.PTime `json:"last_update_at,omitempty"`

	// Oneshot
	Sent     bool `json:"sent,omitempty"`
	Received bool `json:"received,omitempty"`
}

// EntityBody is the closed tagged union of what an entity represents.
// Exactly the fields relevant to Kind are populated; this mirrors the
// teacher's convention of a single struct with a string discriminator
// (see internal/types in the teacher repo) rather than an interface
// hierarchy, since the variant set is closed and never extended by
// third-party code.
type EntityBody struct {
	Kind EntityBodyKind `json:"kind"`

	// Lock
	LockKind LockKind `json:"lock_kind,omitempty"`

	// ChannelTx / ChannelRx
	Channel *ChannelDetails `json:"channel,omitempty"`

	// Semaphore
	MaxPermits       uint32 `json:"max_permits,omitempty"`
	HandedOutPermits uint32 `json:"handed_out_permits,omitempty"`

	// Notify / OnceCell
	WaiterCount uint32 `json:"waiter_count,omitempty"`
	Initialized bool   `json:"initialized,omitempty"`

	// Command
	Program string   `json:"program,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`

	// FileOp
	Op   string `json:"op,omitempty"`
	Path string `json:"path,omitempty"`

	// Net*
	Addr string `json:"addr,omitempty"`

	// Request/Response
	Method      string `json:"method,omitempty"`
	ArgsPreview string `json:"args_preview,omitempty"`
	Status      string `json:"status,omitempty"`

	// Aether
	TaskID ids.ID `json:"task_id,omitempty"`
}

// Entity is a runtime thing that exists over time.
type Entity struct {
	ID         ids.ID      `json:"id"`
	Birth      ids.PTime   `json:"birth"`
	Source     string      `json:"source"`
	Name       string      `json:"name"`
	Body       EntityBody  `json:"body"`
	Meta       json.RawMessage `json:"meta,omitempty"`
	Backtrace  ids.ID      `json:"backtrace"`
}

// ScopeBodyKind is the closed set of scope body variants.
type ScopeBodyKind string

const (
	ScopeProcess ScopeBodyKind = "process"
	ScopeTask    ScopeBodyKind = "task"
)

// ScopeBody is the closed tagged union for scope kinds.
type ScopeBody struct {
	Kind ScopeBodyKind `json:"kind"`
	PID     uint32 `json:"pid,omitempty"`
	TaskKey string `json:"task_key,omitempty"`
}

// Scope is an execution container that groups entities.
type Scope struct {
	ID        ids.ID    `json:"id"`
	Birth     ids.PTime `json:"birth"`
	Source    string    `json:"source"`
	Name      string    `json:"name"`
	Body      ScopeBody `json:"body"`
	Backtrace ids.ID    `json:"backtrace"`
}

// EdgeKind is the closed set of causal edge relationships.
type EdgeKind string

const (
	EdgeNeeds       EdgeKind = "needs"
	EdgePolls       EdgeKind = "polls"
	EdgeHolds       EdgeKind = "holds"
	EdgeTouches     EdgeKind = "touches"
	EdgeSpawned     EdgeKind = "spawned"
	EdgeClosedBy    EdgeKind = "closed_by"
	EdgeChannelLink EdgeKind = "channel_link"
	EdgePairedWith  EdgeKind = "paired_with"
)

// EdgeKey is the composite primary key of an edge.
type EdgeKey struct {
	Src  ids.ID   `json:"src"`
	Dst  ids.ID   `json:"dst"`
	Kind EdgeKind `json:"kind"`
}

// Edge is a directed causal relationship between two entities.
type Edge struct {
	EdgeKey
	Source       string          `json:"source"`
	Backtrace    ids.ID          `json:"backtrace"`
	UpdatedAtNs  int64           `json:"updated_at_ns"`
	Meta         json.RawMessage `json:"meta,omitempty"`
}

// EventTargetKind distinguishes what an event is attached to.
type EventTargetKind string

const (
	TargetEntity EventTargetKind = "entity"
	TargetScope  EventTargetKind = "scope"
	TargetGlobal EventTargetKind = "global"
)

// EventTarget is the closed union of event targets.
type EventTarget struct {
	Kind EventTargetKind `json:"kind"`
	ID   ids.ID          `json:"id,omitempty"`
}

// EventKind is the closed set of event kinds.
type EventKind string

const (
	EventChannelSent        EventKind = "channel_sent"
	EventChannelReceived    EventKind = "channel_received"
	EventChannelWaitStarted EventKind = "channel_wait_started"
	EventChannelWaitEnded   EventKind = "channel_wait_ended"
	EventChannelClosed      EventKind = "channel_closed"
	EventStateChanged       EventKind = "state_changed"
	EventCustom             EventKind = "custom"
)

// Event is a timestamped occurrence targeting an entity, scope, or the
// process as a whole.
type Event struct {
	ID      ids.ID          `json:"id"`
	At      ids.PTime       `json:"at"`
	Target  EventTarget     `json:"target"`
	Kind    EventKind       `json:"kind"`
	CustomKind        string `json:"custom_kind,omitempty"`
	CustomDisplayName string `json:"custom_display_name,omitempty"`
	CustomPayload     json.RawMessage `json:"custom_payload,omitempty"`
	Source  string          `json:"source"`
	Backtrace ids.ID        `json:"backtrace"`
}

// EntityScopeLink is the (entity, scope) membership relation.
type EntityScopeLink struct {
	EntityID ids.ID `json:"entity_id"`
	ScopeID  ids.ID `json:"scope_id"`
}
