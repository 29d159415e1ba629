package cut

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/changestream"
)

func TestTriggerAckAndStatus(t *testing.T) {
	r := NewRegistry()
	id := r.Trigger([]string{"A", "B"})

	r.Ack(id, "A", changestream.StreamCursor{NextSeqNo: 5})
	r.Ack(id, "B", changestream.StreamCursor{NextSeqNo: 11})

	st, ok := r.Status(id)
	require.True(t, ok)
	assert.Empty(t, st.PendingConnIDs)
	assert.Len(t, st.Acks, 2)
}

func TestDropRemovesFromPendingWithoutAck(t *testing.T) {
	r := NewRegistry()
	id := r.Trigger([]string{"A", "B"})
	r.Drop("A")

	st, ok := r.Status(id)
	require.True(t, ok)
	assert.Equal(t, []string{"B"}, st.PendingConnIDs)
	assert.Empty(t, st.Acks)
}

func TestStatusUnknownCutID(t *testing.T) {
	r := NewRegistry()
	_, ok := r.Status("nope")
	assert.False(t, ok)
}
