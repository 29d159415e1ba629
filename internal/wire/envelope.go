package wire

import (
	"encoding/json"
	"fmt"
)

// ClientEnvelope is the closed tagged union of messages an instrumented
// process may send. Exactly one field is non-nil. On the wire it is a
// single-key JSON object, e.g. {"handshake": {...}} — there is no
// discriminator key alongside the payload, so Marshal/Unmarshal do the
// tagging themselves rather than relying on a Kind string field the way
// internal/graphstore's Change does; a wire envelope's shape is dictated by
// §6 of the spec, not by this codebase's own convention.
type ClientEnvelope struct {
	Handshake       *Handshake          `json:"-"`
	SnapshotReply   *SnapshotReply      `json:"-"`
	DeltaBatch      *DeltaBatch         `json:"-"`
	CutAck          *CutAck             `json:"-"`
	BacktraceRecord *BacktraceRecordMsg `json:"-"`
	Error           *ErrorMsg           `json:"-"`
}

// MarshalJSON emits the single populated field under its snake_case tag.
func (e ClientEnvelope) MarshalJSON() ([]byte, error) {
	switch {
	case e.Handshake != nil:
		return marshalTagged("handshake", e.Handshake)
	case e.SnapshotReply != nil:
		return marshalTagged("snapshot_reply", e.SnapshotReply)
	case e.DeltaBatch != nil:
		return marshalTagged("delta_batch", e.DeltaBatch)
	case e.CutAck != nil:
		return marshalTagged("cut_ack", e.CutAck)
	case e.BacktraceRecord != nil:
		return marshalTagged("backtrace_record", e.BacktraceRecord)
	case e.Error != nil:
		return marshalTagged("error", e.Error)
	default:
		return nil, fmt.Errorf("wire: empty ClientEnvelope")
	}
}

// UnmarshalJSON decodes a single-key tagged object into the matching field.
func (e *ClientEnvelope) UnmarshalJSON(data []byte) error {
	tag, payload, err := untag(data)
	if err != nil {
		return err
	}
	switch tag {
	case "handshake":
		e.Handshake = new(Handshake)
		return json.Unmarshal(payload, e.Handshake)
	case "snapshot_reply":
		e.SnapshotReply = new(SnapshotReply)
		return json.Unmarshal(payload, e.SnapshotReply)
	case "delta_batch":
		e.DeltaBatch = new(DeltaBatch)
		return json.Unmarshal(payload, e.DeltaBatch)
	case "cut_ack":
		e.CutAck = new(CutAck)
		return json.Unmarshal(payload, e.CutAck)
	case "backtrace_record":
		e.BacktraceRecord = new(BacktraceRecordMsg)
		return json.Unmarshal(payload, e.BacktraceRecord)
	case "error":
		e.Error = new(ErrorMsg)
		return json.Unmarshal(payload, e.Error)
	default:
		return fmt.Errorf("wire: unknown client envelope tag %q", tag)
	}
}

// ServerEnvelope is the closed tagged union of messages the collector may
// send to an instrumented process.
type ServerEnvelope struct {
	SnapshotRequest *SnapshotRequest `json:"-"`
	CutRequest      *CutRequest      `json:"-"`
}

func (e ServerEnvelope) MarshalJSON() ([]byte, error) {
	switch {
	case e.SnapshotRequest != nil:
		return marshalTagged("snapshot_request", e.SnapshotRequest)
	case e.CutRequest != nil:
		return marshalTagged("cut_request", e.CutRequest)
	default:
		return nil, fmt.Errorf("wire: empty ServerEnvelope")
	}
}

func (e *ServerEnvelope) UnmarshalJSON(data []byte) error {
	tag, payload, err := untag(data)
	if err != nil {
		return err
	}
	switch tag {
	case "snapshot_request":
		e.SnapshotRequest = new(SnapshotRequest)
		return json.Unmarshal(payload, e.SnapshotRequest)
	case "cut_request":
		e.CutRequest = new(CutRequest)
		return json.Unmarshal(payload, e.CutRequest)
	default:
		return fmt.Errorf("wire: unknown server envelope tag %q", tag)
	}
}

func marshalTagged(tag string, payload interface{}) ([]byte, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(map[string]json.RawMessage{tag: body})
}

func untag(data []byte) (tag string, payload json.RawMessage, err error) {
	var m map[string]json.RawMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return "", nil, err
	}
	if len(m) != 1 {
		return "", nil, fmt.Errorf("wire: envelope must have exactly one tag, got %d", len(m))
	}
	for k, v := range m {
		return k, v, nil
	}
	return "", nil, fmt.Errorf("wire: unreachable")
}
