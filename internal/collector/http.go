package collector

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/symbolicator"
	"github.com/peepsnet/peepsd/internal/tracelog"
	"github.com/peepsnet/peepsd/internal/wire"
)

// Telemetry is the subset of internal/telemetry.Provider the HTTP surface
// needs, kept as an interface so this package doesn't have to import
// telemetry directly. NewHTTPHandler accepts a nil Telemetry and simply
// skips instrumentation, matching the teacher's HTTPServer which works
// with or without its optional dependencies configured.
type Telemetry interface {
	PromHandlerFunc(w http.ResponseWriter, r *http.Request)
	ObserveSnapshotLatency(seconds float64)
	ObserveCutLatency(seconds float64)
	IncConnections()
	DecConnections()
	AddDeltaChanges(n int64)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HTTPHandler is the collector's operator-facing surface: health/metrics
// endpoints plus snapshot/cut trigger endpoints and the websocket
// symbolication progress stream, grounded on the teacher's
// internal/rpc.HTTPServer (health/readiness/metrics mux plus one handler
// per RPC-ish operation).
type HTTPHandler struct {
	co  *Collector
	tel Telemetry

	mu           sync.Mutex
	snapFrameIDs map[uint64][]ids.ID
}

// NewHTTPHandler builds the collector's net/http.Handler. tel may be nil.
func NewHTTPHandler(co *Collector, tel Telemetry) *HTTPHandler {
	return &HTTPHandler{co: co, tel: tel, snapFrameIDs: make(map[uint64][]ids.ID)}
}

// Mux builds the http.ServeMux wiring every endpoint to this handler.
func (h *HTTPHandler) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", h.handleHealthz)
	mux.HandleFunc("/metrics", h.handleMetrics)
	mux.HandleFunc("/snapshot", h.handleSnapshot)
	mux.HandleFunc("/cut", h.handleCut)
	mux.HandleFunc("/cut/status", h.handleCutStatus)
	mux.HandleFunc("/ws/symbolicate", h.handleSymbolicateStream)
	return mux
}

func (h *HTTPHandler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *HTTPHandler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.tel == nil {
		http.Error(w, "telemetry not configured", http.StatusNotFound)
		return
	}
	h.tel.PromHandlerFunc(w, r)
}

// snapshotResponse is the JSON body of a completed fan-out, mirroring
// §4.H's SnapshotCutResponse plus the frame_ids this handler interns so a
// client can immediately open the websocket stream for them.
type snapshotResponse struct {
	SnapshotID        uint64         `json:"snapshot_id"`
	Processes         []procView     `json:"processes"`
	TimedOutProcesses []timedOutView `json:"timed_out_processes"`
	FrameIDs          []ids.ID       `json:"frame_ids"`
}

type procView struct {
	ProcessID   string              `json:"process_id"`
	ProcessName string              `json:"process_name"`
	PID         uint32              `json:"pid"`
	PTimeNowMs  uint64              `json:"ptime_now_ms"`
	Snapshot    *wire.StoreSnapshot `json:"snapshot,omitempty"`
}

type timedOutView struct {
	ProcessID   string `json:"process_id"`
	ProcessName string `json:"process_name"`
	PID         uint32 `json:"pid"`
}

func (h *HTTPHandler) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	resp := h.co.TriggerSnapshot(r.Context())
	if h.tel != nil {
		h.tel.ObserveSnapshotLatency(time.Since(start).Seconds())
	}

	out := snapshotResponse{
		SnapshotID: resp.SnapshotID,
		Processes:  make([]procView, 0, len(resp.Processes)),
	}
	for _, p := range resp.TimedOutProcesses {
		out.TimedOutProcesses = append(out.TimedOutProcesses, timedOutView{
			ProcessID:   p.ProcessID,
			ProcessName: p.ProcessName,
			PID:         p.PID,
		})
	}

	var frameIDs []ids.ID
	for _, p := range resp.Processes {
		out.Processes = append(out.Processes, procView{
			ProcessID:   p.ProcessID,
			ProcessName: p.ProcessName,
			PID:         p.PID,
			PTimeNowMs:  p.PTimeNowMs,
			Snapshot:    p.Snapshot,
		})
		if h.co.resolver == nil {
			continue
		}
		for _, btID := range backtraceIDsOf(p.Snapshot) {
			resolved, err := h.co.resolver.InternAndResolve(r.Context(), p.ProcessID, btID)
			if err != nil {
				tracelog.Warn("snapshot %d: intern backtrace %s on %s: %v", resp.SnapshotID, btID, p.ProcessID, err)
				continue
			}
			frameIDs = append(frameIDs, resolved...)
		}
	}
	if len(frameIDs) > 0 {
		h.mu.Lock()
		h.snapFrameIDs[resp.SnapshotID] = frameIDs
		h.mu.Unlock()
	}
	out.FrameIDs = frameIDs

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(out)
}

// backtraceIDsOf collects every distinct BacktraceId referenced anywhere
// in a snapshot reply's materialized store content, for the resolver to
// intern and resolve.
func backtraceIDsOf(snap *wire.StoreSnapshot) []ids.ID {
	if snap == nil {
		return nil
	}
	seen := make(map[ids.ID]struct{})
	var out []ids.ID
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
	for _, e := range snap.Entities {
		add(e.Backtrace)
	}
	for _, s := range snap.Scopes {
		add(s.Backtrace)
	}
	for _, e := range snap.Edges {
		add(e.Backtrace)
	}
	for _, ev := range snap.Events {
		add(ev.Backtrace)
	}
	return out
}

func (h *HTTPHandler) handleCut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	start := time.Now()
	cutID := h.co.TriggerCut(r.Context())
	if h.tel != nil {
		h.tel.ObserveCutLatency(time.Since(start).Seconds())
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"cut_id": cutID})
}

func (h *HTTPHandler) handleCutStatus(w http.ResponseWriter, r *http.Request) {
	cutID := r.URL.Query().Get("id")
	status, ok := h.co.GetCutStatus(cutID)
	if !ok {
		http.Error(w, "unknown cut_id", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}

func (h *HTTPHandler) handleSymbolicateStream(w http.ResponseWriter, r *http.Request) {
	snapshotIDStr := r.URL.Query().Get("snapshot_id")
	var id uint64
	if _, err := fmt.Sscan(snapshotIDStr, &id); err != nil || h.co.resolver == nil {
		http.Error(w, "unknown or missing snapshot_id", http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	frameIDs := h.snapFrameIDs[id]
	h.mu.Unlock()
	if len(frameIDs) == 0 {
		http.Error(w, "snapshot has no pending frames", http.StatusNotFound)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		tracelog.Warn("symbolicate stream upgrade: %v", err)
		return
	}
	defer conn.Close()

	if err := symbolicator.StreamSession(r.Context(), conn, snapshotIDStr, h.co.resolver.catalog, frameIDs); err != nil {
		tracelog.Warn("symbolicate stream %s: %v", snapshotIDStr, err)
	}
}
