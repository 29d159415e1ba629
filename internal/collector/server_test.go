package collector

import (
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/changestream"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
	"github.com/peepsnet/peepsd/internal/wire"
)

func startTestCollector(t *testing.T) (*Collector, net.Listener) {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "collector.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	co := New(db)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go co.Serve(ctx, ln)
	return co, ln
}

func sendClientEnv(t *testing.T, conn net.Conn, env wire.ClientEnvelope) {
	t.Helper()
	payload, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, payload))
}

func TestCollectorHandshakeThenDeltaBatch(t *testing.T) {
	_, ln := startTestCollector(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMagic(conn))
	sendClientEnv(t, conn, wire.ClientEnvelope{Handshake: &wire.Handshake{
		ProcessName: "demo",
		PID:         7,
		ModuleManifest: []modmanifest.Entry{
			{ModuleID: "MODULE#1", ModulePath: "/bin/demo", RuntimeBase: 0x1000, Identity: "buildid:a", Arch: "x86_64"},
		},
	}})

	entity := graphstore.Entity{ID: "ENTITY#1", Name: "fut"}
	batch := changestream.PullChangesResponse{
		StreamID: "PROCESS#1",
		Changes: []graphstore.StampedChange{
			{SeqNo: 0, Change: graphstore.Change{Kind: graphstore.ChangeUpsertEntity, Entity: &entity}},
		},
		NextSeqNo: 1,
	}
	sendClientEnv(t, conn, wire.ClientEnvelope{DeltaBatch: &batch})

	// give the server goroutine time to process both frames
	time.Sleep(50 * time.Millisecond)
}

func TestCollectorRejectsNonHandshakeFirst(t *testing.T) {
	_, ln := startTestCollector(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMagic(conn))
	sendClientEnv(t, conn, wire.ClientEnvelope{Error: &wire.ErrorMsg{ProcessName: "x"}})

	// server closes the connection on a protocol violation
	conn.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	assert.Error(t, err)
}

func TestTriggerSnapshotTimesOutWithNoReply(t *testing.T) {
	co, ln := startTestCollector(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMagic(conn))
	sendClientEnv(t, conn, wire.ClientEnvelope{Handshake: &wire.Handshake{ProcessName: "demo", PID: 7}})
	time.Sleep(20 * time.Millisecond)

	orig := SnapshotFanOutTimeout
	SnapshotFanOutTimeout = 50 * time.Millisecond
	defer func() { SnapshotFanOutTimeout = orig }()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp := co.TriggerSnapshot(ctx)
	require.Len(t, resp.TimedOutProcesses, 1)
	assert.Equal(t, "demo", resp.TimedOutProcesses[0].ProcessName)
	assert.Equal(t, uint32(7), resp.TimedOutProcesses[0].PID)
	assert.Empty(t, resp.Processes)
}

func TestTriggerSnapshotSurfacesProcessIdentityAndSnapshotContent(t *testing.T) {
	co, ln := startTestCollector(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMagic(conn))
	sendClientEnv(t, conn, wire.ClientEnvelope{Handshake: &wire.Handshake{ProcessName: "p1", PID: 1}})
	time.Sleep(20 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	respCh := make(chan SnapshotCutResponse, 1)
	go func() { respCh <- co.TriggerSnapshot(ctx) }()

	// read the server's SnapshotRequest so we know a snapshot_id was
	// assigned, then reply as the instrumented process would.
	var serverEnv wire.ServerEnvelope
	require.NoError(t, readServerEnv(t, conn, &serverEnv))
	require.NotNil(t, serverEnv.SnapshotRequest)

	entity := graphstore.Entity{ID: "ENTITY#1", Name: "fut"}
	reply := wire.SnapshotReply{
		SnapshotID: serverEnv.SnapshotRequest.SnapshotID,
		PTimeNowMs: 42,
		Snapshot:   &wire.StoreSnapshot{Entities: []graphstore.Entity{entity}},
	}
	sendClientEnv(t, conn, wire.ClientEnvelope{SnapshotReply: &reply})

	resp := <-respCh
	require.Len(t, resp.Processes, 1)
	assert.Equal(t, "p1", resp.Processes[0].ProcessName)
	assert.Equal(t, uint32(1), resp.Processes[0].PID)
	assert.Equal(t, uint64(42), resp.Processes[0].PTimeNowMs)
	require.NotNil(t, resp.Processes[0].Snapshot)
	assert.Len(t, resp.Processes[0].Snapshot.Entities, 1)
	assert.Empty(t, resp.TimedOutProcesses)
}

func readServerEnv(t *testing.T, conn net.Conn, out *wire.ServerEnvelope) error {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(time.Second))
	payload, err := wire.ReadFrame(conn)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func TestCutTriggerAndStatus(t *testing.T) {
	co, ln := startTestCollector(t)

	conn, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, wire.WriteMagic(conn))
	sendClientEnv(t, conn, wire.ClientEnvelope{Handshake: &wire.Handshake{ProcessName: "demo"}})
	time.Sleep(20 * time.Millisecond)

	cutID := co.TriggerCut(context.Background())

	// client acks
	sendClientEnv(t, conn, wire.ClientEnvelope{CutAck: &wire.CutAck{
		CutID:  cutID,
		Cursor: changestream.StreamCursor{StreamID: ids.ID("PROCESS#1"), NextSeqNo: 5},
	}})
	time.Sleep(30 * time.Millisecond)

	st, ok := co.GetCutStatus(cutID)
	require.True(t, ok)
	assert.Empty(t, st.PendingConnIDs)
	require.Len(t, st.Acks, 1)
	assert.Equal(t, graphstore.SeqNo(5), st.Acks[0].Cursor.NextSeqNo)
}
