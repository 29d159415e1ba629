package symbolicator

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/singleton"
)

// PollInterval is how often a stream session checks the catalog for
// progress and writes an update, per §5's "100 ms poll tick". A var,
// not a const, so tests can shorten it instead of running for real time.
var PollInterval = 100 * time.Millisecond

// StallTicksLimit is SYMBOLICATION_STREAM_STALL_TICKS_LIMIT: a stream
// with this many consecutive ticks of no progress finalizes early.
var StallTicksLimit = 100

const stalledReason = "symbolication stalled: no progress before stream timeout"

// Update is the wire shape of SnapshotSymbolicationUpdate.
type Update struct {
	SnapshotID      string                      `json:"snapshot_id"`
	TotalFrames     int                         `json:"total_frames"`
	CompletedFrames int                         `json:"completed_frames"`
	Done            bool                        `json:"done"`
	UpdatedFrames   []framecatalog.SnapshotFrame `json:"updated_frames"`
}

// StreamSession drives one WebSocket connection's symbolication progress
// feed for snapshotID, reading frameIDs' current state from catalog and
// writing an Update every PollInterval (UpdatedFrames lists only the frames
// that changed since the previous one), until every frame is resolved or
// progress stalls for StallTicksLimit consecutive ticks, at which point the
// unresolved frames are finalized with the stall reason — matching §4.J's
// streaming contract.
func StreamSession(ctx context.Context, conn *websocket.Conn, snapshotID string, catalog *framecatalog.Catalog, frameIDs []ids.ID) error {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()

	last := make(map[ids.ID]framecatalog.SnapshotFrame, len(frameIDs))
	stallTicks := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		completed := 0
		var updated []framecatalog.SnapshotFrame
		for _, id := range frameIDs {
			sf, ok := catalog.SnapshotFrameFor(id)
			if !ok {
				continue
			}
			if sf.Resolved || sf.Reason == stalledReason {
				completed++
			}
			if prev, seen := last[id]; !seen || prev != sf {
				updated = append(updated, sf)
				last[id] = sf
			}
		}

		if len(updated) == 0 {
			stallTicks++
		} else {
			stallTicks = 0
		}

		done := completed == len(frameIDs)
		if !done && stallTicks >= StallTicksLimit {
			for _, id := range frameIDs {
				sf, ok := catalog.SnapshotFrameFor(id)
				if !ok || sf.Resolved {
					continue
				}
				if err := catalog.Merge(id, framecatalog.FrameState{
					Kind:    framecatalog.StateUnresolved,
					Pending: false,
					Reason:  stalledReason,
				}); err != nil {
					singleton.AbortOnInvariantViolation(err)
				}
				sf.Reason = stalledReason
				last[id] = sf
				updated = append(updated, sf)
			}
			completed = len(frameIDs)
			done = true
		}

		update := Update{
			SnapshotID:      snapshotID,
			TotalFrames:     len(frameIDs),
			CompletedFrames: completed,
			Done:            done,
			UpdatedFrames:   updated,
		}
		payload, err := json.Marshal(update)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}
