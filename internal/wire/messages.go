package wire

import (
	"github.com/peepsnet/peepsd/internal/changestream"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
)

// TraceCapabilities mirrors backtrace.Capabilities on the wire; kept as its
// own type here (rather than importing internal/backtrace) so the wire
// schema does not change shape if the capture package's internal
// representation does.
type TraceCapabilities struct {
	TraceV1                bool `json:"trace_v1"`
	RequiresFramePointers  bool `json:"requires_frame_pointers"`
	SamplingSupported      bool `json:"sampling_supported"`
	AllocTrackingSupported bool `json:"alloc_tracking_supported"`
}

// Handshake is the mandatory first client->server message.
type Handshake struct {
	ProcessName      string                `json:"process_name"`
	PID              uint32                `json:"pid"`
	Capabilities     TraceCapabilities     `json:"trace_capabilities"`
	ModuleManifest   []modmanifest.Entry   `json:"module_manifest"`
}

// Validate enforces the non-empty/absolute-path/nonzero-base rules the
// spec attaches to a handshake and every manifest entry within it.
func (h Handshake) Validate() error {
	if h.ProcessName == "" {
		return &HandshakeError{Field: "process_name", Reason: "must be non-empty"}
	}
	for i, e := range h.ModuleManifest {
		if e.ModulePath == "" || e.ModulePath[0] != '/' {
			return &HandshakeError{Field: "module_manifest[].module_path", Reason: "must be absolute", Index: i}
		}
		if e.RuntimeBase == 0 {
			return &HandshakeError{Field: "module_manifest[].runtime_base", Reason: "must be nonzero", Index: i}
		}
		if e.Arch == "" {
			return &HandshakeError{Field: "module_manifest[].arch", Reason: "must be non-empty", Index: i}
		}
		if e.Identity == "" {
			return &HandshakeError{Field: "module_manifest[].identity", Reason: "must be non-empty", Index: i}
		}
	}
	return nil
}

// HandshakeError reports a rejected handshake.
type HandshakeError struct {
	Field  string
	Reason string
	Index  int
}

func (e *HandshakeError) Error() string {
	return "wire: invalid handshake field " + e.Field + ": " + e.Reason
}

// SnapshotReply answers a SnapshotRequest.
type SnapshotReply struct {
	SnapshotID  uint64          `json:"snapshot_id"`
	PTimeNowMs  uint64          `json:"ptime_now_ms"`
	Snapshot    *StoreSnapshot  `json:"snapshot,omitempty"`
}

// StoreSnapshot is the full materialized content of a graph store at one
// instant, the payload of a SnapshotReply.
type StoreSnapshot struct {
	Entities         []graphstore.Entity          `json:"entities"`
	Scopes           []graphstore.Scope           `json:"scopes"`
	Edges            []graphstore.Edge            `json:"edges"`
	Events           []graphstore.Event           `json:"events"`
	EntityScopeLinks []graphstore.EntityScopeLink `json:"entity_scope_links"`
}

// DeltaBatch is a pull-changes response pushed unsolicited on the push-loop
// interval.
type DeltaBatch = changestream.PullChangesResponse

// CutAck answers a CutRequest with the stream's position at reply time.
type CutAck struct {
	CutID  string                      `json:"cut_id"`
	Cursor changestream.StreamCursor   `json:"cursor"`
}

// BacktraceRecordMsg carries one remapped backtrace.
type BacktraceRecordMsg struct {
	ID     ids.ID                    `json:"id"`
	Frames []modmanifest.GlobalFrame `json:"frames"`
}

// ErrorMsg reports a client-side error condition to the collector.
type ErrorMsg struct {
	ProcessName   string  `json:"process_name"`
	PID           uint32  `json:"pid"`
	Stage         string  `json:"stage"`
	Error         string  `json:"error"`
	LastFrameUTF8 *string `json:"last_frame_utf8,omitempty"`
}

// SnapshotRequest is sent server->client to trigger a snapshot reply.
type SnapshotRequest struct {
	SnapshotID uint64 `json:"snapshot_id"`
	TimeoutMs  uint64 `json:"timeout_ms"`
}

// CutRequest is sent server->client to trigger a CutAck.
type CutRequest struct {
	CutID string `json:"cut_id"`
}
