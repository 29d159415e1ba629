package pushloop

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
	"github.com/peepsnet/peepsd/internal/wire"
)

func TestLoopHandshakesAndPushesDeltas(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	var gotHandshake wire.Handshake
	var gotDelta wire.DeltaBatch

	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if err := wire.ReadMagic(conn); err != nil {
			return
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		var env wire.ClientEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.Handshake == nil {
			return
		}
		gotHandshake = *env.Handshake

		payload, err = wire.ReadFrame(conn)
		if err != nil {
			return
		}
		var env2 wire.ClientEnvelope
		if err := json.Unmarshal(payload, &env2); err != nil || env2.DeltaBatch == nil {
			return
		}
		gotDelta = *env2.DeltaBatch
	}()

	gen := ids.NewGenerator(42, time.Now())
	store, err := graphstore.New(gen)
	require.NoError(t, err)
	manifest := modmanifest.New(gen, "x86_64")

	entityID, err := gen.Next(ids.KindEntity)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEntity(graphstore.ScopeContext{}, graphstore.Entity{ID: entityID}))

	cfg := DefaultConfig()
	cfg.CollectorAddr = ln.Addr().String()
	cfg.ProcessName = "demo-proc"
	cfg.PushInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = Loop(ctx, cfg, store, manifest, &ids.Clock{})

	<-serverDone
	assert.Equal(t, "demo-proc", gotHandshake.ProcessName)
	assert.NotEmpty(t, gotDelta.Changes)
}

func TestLoopSendsBacktraceRecordBeforeReferencingDelta(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	serverDone := make(chan struct{})
	var gotBacktrace wire.BacktraceRecordMsg
	var gotDelta wire.DeltaBatch

	go func() {
		defer close(serverDone)
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		if err := wire.ReadMagic(conn); err != nil {
			return
		}
		if _, err := wire.ReadFrame(conn); err != nil { // handshake
			return
		}
		payload, err := wire.ReadFrame(conn)
		if err != nil {
			return
		}
		var env wire.ClientEnvelope
		if err := json.Unmarshal(payload, &env); err != nil || env.BacktraceRecord == nil {
			return
		}
		gotBacktrace = *env.BacktraceRecord

		payload, err = wire.ReadFrame(conn)
		if err != nil {
			return
		}
		var env2 wire.ClientEnvelope
		if err := json.Unmarshal(payload, &env2); err != nil || env2.DeltaBatch == nil {
			return
		}
		gotDelta = *env2.DeltaBatch
	}()

	gen := ids.NewGenerator(43, time.Now())
	store, err := graphstore.New(gen)
	require.NoError(t, err)
	manifest := modmanifest.New(gen, "x86_64")

	btID, err := gen.Next(ids.KindBacktrace)
	require.NoError(t, err)
	modID, err := gen.Next(ids.KindModule)
	require.NoError(t, err)
	record := modmanifest.GlobalRecord{ID: btID, Frames: []modmanifest.GlobalFrame{{ModuleID: modID, RelPC: 0x10}}}
	require.NoError(t, manifest.StoreRecord(record))

	entityID, err := gen.Next(ids.KindEntity)
	require.NoError(t, err)
	require.NoError(t, store.UpsertEntity(graphstore.ScopeContext{}, graphstore.Entity{ID: entityID, Backtrace: btID}))

	cfg := DefaultConfig()
	cfg.CollectorAddr = ln.Addr().String()
	cfg.ProcessName = "demo-proc-2"
	cfg.PushInterval = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_ = Loop(ctx, cfg, store, manifest, &ids.Clock{})

	<-serverDone
	assert.Equal(t, btID, gotBacktrace.ID)
	assert.Equal(t, record.Frames, gotBacktrace.Frames)
	assert.NotEmpty(t, gotDelta.Changes)
}
