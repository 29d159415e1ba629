// Package pushloop implements component G: the per-process background
// task that connects to the collector, performs the handshake, and then
// alternates periodic delta pushes with handling inbound server requests.
package pushloop

import (
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/peepsnet/peepsd/internal/backtrace"
	"github.com/peepsnet/peepsd/internal/changestream"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/modmanifest"
	"github.com/peepsnet/peepsd/internal/wire"
)

// Config holds the push loop's tunables, all overridable per
// internal/config's flags>env>file>default layering.
type Config struct {
	CollectorAddr  string
	ProcessName    string
	PID            uint32
	ReconnectDelay time.Duration // default 500ms
	PushInterval   time.Duration // default 100ms
	PushMaxChanges uint32        // default 2048
}

// DefaultConfig returns the spec's documented defaults.
func DefaultConfig() Config {
	return Config{
		ReconnectDelay: 500 * time.Millisecond,
		PushInterval:   100 * time.Millisecond,
		PushMaxChanges: 2048,
	}
}

// Loop drives the connect/handshake/push/reconnect cycle until ctx is
// cancelled. Before each reconnect it waits one randomized interval around
// cfg.ReconnectDelay, drawn from a fresh exponential backoff (grounded on
// the teacher's dolt store server-mode retry, internal/storage/dolt/store.go
// newServerRetryBackoff). Because the backoff is rebuilt per attempt, the
// wait does not grow across attempts, and the loop retries until ctx ends.
func Loop(ctx context.Context, cfg Config, store *graphstore.Store, manifest *modmanifest.Manifest, clock *ids.Clock) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := runOnce(ctx, cfg, store, manifest, clock)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		_ = err // connection errors trigger a reconnect, never abort the loop

		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = cfg.ReconnectDelay
		bo.Reset()
		select {
		case <-time.After(bo.NextBackOff()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func runOnce(ctx context.Context, cfg Config, store *graphstore.Store, manifest *modmanifest.Manifest, clock *ids.Clock) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", cfg.CollectorAddr)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := wire.WriteMagic(conn); err != nil {
		return err
	}
	_, entries := manifest.Snapshot()
	hs := wire.Handshake{
		ProcessName:    cfg.ProcessName,
		PID:            cfg.PID,
		Capabilities:   wireCapabilities(backtrace.CurrentCapabilities()),
		ModuleManifest: entries,
	}
	if err := sendClient(conn, wire.ClientEnvelope{Handshake: &hs}); err != nil {
		return err
	}

	inbound := make(chan wire.ServerEnvelope)
	errc := make(chan error, 2)
	go func() {
		for {
			payload, err := wire.ReadFrame(conn)
			if err != nil {
				errc <- err
				return
			}
			var env wire.ServerEnvelope
			if err := json.Unmarshal(payload, &env); err != nil {
				errc <- err
				return
			}
			select {
			case inbound <- env:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(cfg.PushInterval)
	defer ticker.Stop()

	var cursor graphstore.SeqNo
	sentBacktraces := make(map[ids.ID]struct{})
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errc:
			return err
		case <-ticker.C:
			resp := changestream.PullChangesSince(store, cursor, cfg.PushMaxChanges)
			cursor = resp.NextSeqNo
			for _, id := range referencedBacktraces(resp.Changes) {
				if _, ok := sentBacktraces[id]; ok {
					continue
				}
				record, ok := manifest.Record(id)
				if !ok {
					continue
				}
				sentBacktraces[id] = struct{}{}
				msg := wire.BacktraceRecordMsg{ID: record.ID, Frames: record.Frames}
				if err := sendClient(conn, wire.ClientEnvelope{BacktraceRecord: &msg}); err != nil {
					return err
				}
			}
			if err := sendClient(conn, wire.ClientEnvelope{DeltaBatch: &resp}); err != nil {
				return err
			}
		case env := <-inbound:
			if err := handleServerEnvelope(conn, store, clock, env); err != nil {
				return err
			}
		}
	}
}

// referencedBacktraces collects the distinct BacktraceIds carried by a
// batch of upsert/append changes, in order of first appearance, so the
// caller can send any not-yet-seen BacktraceRecord ahead of the DeltaBatch
// that references it (§4.G step 3).
func referencedBacktraces(changes []changestream.StampedChange) []ids.ID {
	var out []ids.ID
	seen := make(map[ids.ID]struct{})
	add := func(id ids.ID) {
		if id == "" {
			return
		}
		if _, ok := seen[id]; ok {
			return
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	for _, sc := range changes {
		ch := sc.Change
		switch {
		case ch.Entity != nil:
			add(ch.Entity.Backtrace)
		case ch.Scope != nil:
			add(ch.Scope.Backtrace)
		case ch.Edge != nil:
			add(ch.Edge.Backtrace)
		case ch.Event != nil:
			add(ch.Event.Backtrace)
		}
	}
	return out
}

func handleServerEnvelope(conn net.Conn, store *graphstore.Store, clock *ids.Clock, env wire.ServerEnvelope) error {
	switch {
	case env.SnapshotRequest != nil:
		snap := snapshotStore(store)
		reply := wire.SnapshotReply{
			SnapshotID: env.SnapshotRequest.SnapshotID,
			PTimeNowMs: uint64(clock.Now()),
			Snapshot:   &snap,
		}
		return sendClient(conn, wire.ClientEnvelope{SnapshotReply: &reply})
	case env.CutRequest != nil:
		cursor := changestream.Cursor(store)
		ack := wire.CutAck{CutID: env.CutRequest.CutID, Cursor: cursor}
		return sendClient(conn, wire.ClientEnvelope{CutAck: &ack})
	default:
		return nil
	}
}

func sendClient(conn net.Conn, env wire.ClientEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return wire.WriteFrame(conn, payload)
}

func snapshotStore(store *graphstore.Store) wire.StoreSnapshot {
	entities, scopes, edges, events, links, err := store.Snapshot()
	if err != nil {
		panic(err)
	}
	return wire.StoreSnapshot{
		Entities:         entities,
		Scopes:           scopes,
		Edges:            edges,
		Events:           events,
		EntityScopeLinks: links,
	}
}

func wireCapabilities(c backtrace.Capabilities) wire.TraceCapabilities {
	return wire.TraceCapabilities{
		TraceV1:                true,
		RequiresFramePointers:  c.RequiresFramePointers,
		SamplingSupported:      c.SamplingSupported,
		AllocTrackingSupported: c.AllocTrackingSupported,
	}
}
