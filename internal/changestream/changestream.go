// Package changestream implements component E: the client-facing view of a
// graph store's change log (internal/graphstore owns the log itself; this
// package names the request/response contract that internal/pushloop and
// internal/collector speak over the wire).
package changestream

import (
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
)

// StreamCursor identifies a position in a specific stream's change log.
type StreamCursor struct {
	StreamID  ids.ID             `json:"stream_id"`
	NextSeqNo graphstore.SeqNo   `json:"next_seq_no"`
}

// PullChangesResponse is the result of pulling changes from a store.
type PullChangesResponse struct {
	StreamID              ids.ID                     `json:"stream_id"`
	FromSeqNo             graphstore.SeqNo           `json:"from_seq_no"`
	NextSeqNo             graphstore.SeqNo           `json:"next_seq_no"`
	Changes               []graphstore.StampedChange `json:"changes"`
	Truncated             bool                       `json:"truncated"`
	CompactedBeforeSeqNo  *graphstore.SeqNo          `json:"compacted_before_seq_no,omitempty"`
}

// PullChangesSince wraps Store.PullChangesSince with the wire-facing
// response envelope, matching the shape pushed in DeltaBatch messages.
func PullChangesSince(store *graphstore.Store, from graphstore.SeqNo, max uint32) PullChangesResponse {
	changes, next, truncated, compactedBefore, err := store.PullChangesSince(from, max)
	if err != nil {
		// A poisoned store's caller (internal/pushloop) treats this as fatal;
		// returning an empty, non-truncated response here would mask that.
		panic(err)
	}

	resp := PullChangesResponse{
		StreamID:  store.StreamID(),
		FromSeqNo: from,
		NextSeqNo: next,
		Changes:   changes,
		Truncated: truncated,
	}
	if compactedBefore > 0 {
		cb := compactedBefore
		resp.CompactedBeforeSeqNo = &cb
	}
	return resp
}

// Cursor returns the stream's current position, for handshakes and acks.
func Cursor(store *graphstore.Store) StreamCursor {
	next, err := store.Cursor()
	if err != nil {
		panic(err)
	}
	return StreamCursor{StreamID: store.StreamID(), NextSeqNo: next}
}
