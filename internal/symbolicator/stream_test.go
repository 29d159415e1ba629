package symbolicator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/ids"
)

var testUpgrader = websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024}

func TestStreamSessionEmitsDoneOnceAllFramesResolved(t *testing.T) {
	gen := ids.NewGenerator(1, time.Now())
	cat := framecatalog.New(gen)
	id, err := cat.Intern(framecatalog.Key{ModuleIdentity: "x", ModulePath: "/a", RelPC: 1})
	require.NoError(t, err)

	origPoll := PollInterval
	PollInterval = 5 * time.Millisecond
	defer func() { PollInterval = origPoll }()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		time.AfterFunc(20*time.Millisecond, func() {
			_ = cat.Merge(id, framecatalog.FrameState{Kind: framecatalog.StateResolved, FunctionName: "foo"})
		})

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = StreamSession(ctx, conn, "snap-1", cat, []ids.ID{id})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last Update
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var u Update
		require.NoError(t, json.Unmarshal(payload, &u))
		last = u
		if u.Done {
			break
		}
	}

	require.True(t, last.Done)
	require.Equal(t, 1, last.CompletedFrames)
	require.Equal(t, "snap-1", last.SnapshotID)
}

func TestStreamSessionFinalizesOnStall(t *testing.T) {
	gen := ids.NewGenerator(2, time.Now())
	cat := framecatalog.New(gen)
	id, err := cat.Intern(framecatalog.Key{ModuleIdentity: "x", ModulePath: "/a", RelPC: 1})
	require.NoError(t, err)

	origPoll, origLimit := PollInterval, StallTicksLimit
	PollInterval = 2 * time.Millisecond
	StallTicksLimit = 3
	defer func() {
		PollInterval = origPoll
		StallTicksLimit = origLimit
	}()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := testUpgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = StreamSession(ctx, conn, "snap-2", cat, []ids.ID{id})
	}))
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var last Update
	for {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, payload, err := conn.ReadMessage()
		require.NoError(t, err)
		var u Update
		require.NoError(t, json.Unmarshal(payload, &u))
		last = u
		if u.Done {
			break
		}
	}

	require.True(t, last.Done)
	require.Len(t, last.UpdatedFrames, 1)
	require.Equal(t, "symbolication stalled: no progress before stream timeout", last.UpdatedFrames[0].Reason)
}
