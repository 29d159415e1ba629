// Package telemetry wires otel metrics and tracing for the collector: a
// Prometheus-scrapeable MeterProvider (grounded on
// Sumatoshi-tech-codefang's internal/observability/prometheus.go, which
// attaches go.opentelemetry.io/otel/exporters/prometheus to an SDK
// MeterProvider and serves it via promhttp) and a TracerProvider whose
// spans follow the teacher's internal/hooks usage of otel.Tracer(...).Start
// around a fire-and-forget operation (hook execution there; snapshot
// fan-out and symbolication here).
//
// The teacher's own otel stack additionally ships both a stdout exporter
// (local debugging) and an OTLP-over-HTTP exporter (shipping to a
// collector backend) alongside its Prometheus scrape endpoint; Setup wires
// the same pair in as optional extra periodic metric readers selected by
// ExporterKind, so an operator can point a running collector at an OTLP
// backend or dump metrics to stdout without dropping the Prometheus
// endpoint the HTTP surface depends on.
package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ExporterKind selects an additional metric reader layered on top of the
// always-on Prometheus scrape endpoint.
type ExporterKind string

const (
	// ExporterNone adds no extra reader; Prometheus scraping only.
	ExporterNone ExporterKind = "none"
	// ExporterOTLP pushes metrics to an OTLP-over-HTTP endpoint on a
	// periodic interval (OTEL_EXPORTER_OTLP_ENDPOINT env var, per the
	// exporter's own defaulting).
	ExporterOTLP ExporterKind = "otlp"
	// ExporterStdout dumps metrics as JSON to stdout on a periodic
	// interval; useful for local debugging without standing up a
	// collector backend.
	ExporterStdout ExporterKind = "stdout"
)

// instrumentationName is the otel instrumentation-scope name for every
// tracer/meter this package hands out, following the teacher's
// "github.com/steveyegge/beads/hooks"-style fully-qualified scope name.
const instrumentationName = "github.com/peepsnet/peepsd/collector"

// Provider bundles the collector's metrics and tracing handles plus the
// HTTP handler operators scrape.
type Provider struct {
	MeterProvider  *sdkmetric.MeterProvider
	TracerProvider *sdktrace.TracerProvider
	PromHandler    http.Handler

	Connections     metric.Int64UpDownCounter
	DeltaChanges    metric.Int64Counter
	SnapshotLatency metric.Float64Histogram
	CutLatency      metric.Float64Histogram
}

// Setup creates a Prometheus-backed MeterProvider (one independent registry
// per call, matching the teacher's PrometheusHandler to avoid collector
// registration conflicts across repeated setup in tests) and a
// TracerProvider, registers both as the otel globals, and returns the
// collector-specific instruments. extra optionally layers a second,
// push-based periodic reader (OTLP-HTTP or stdout) alongside the
// always-present Prometheus scrape reader.
func Setup(extra ExporterKind) (*Provider, error) {
	registry := prometheus.NewRegistry()
	exporter, err := promexporter.New(promexporter.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: create prometheus exporter: %w", err)
	}

	opts := []sdkmetric.Option{sdkmetric.WithReader(exporter)}
	extraReader, err := newExtraReader(extra)
	if err != nil {
		return nil, err
	}
	if extraReader != nil {
		opts = append(opts, sdkmetric.WithReader(extraReader))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)

	meter := mp.Meter(instrumentationName)

	conns, err := meter.Int64UpDownCounter("peepsd_collector_connections",
		metric.WithDescription("Currently connected instrumented processes"))
	if err != nil {
		return nil, err
	}
	deltas, err := meter.Int64Counter("peepsd_collector_delta_changes_total",
		metric.WithDescription("Total changes persisted from DeltaBatch messages"))
	if err != nil {
		return nil, err
	}
	snapLatency, err := meter.Float64Histogram("peepsd_collector_snapshot_latency_seconds",
		metric.WithDescription("Snapshot fan-out completion latency"))
	if err != nil {
		return nil, err
	}
	cutLatency, err := meter.Float64Histogram("peepsd_collector_cut_latency_seconds",
		metric.WithDescription("Cut barrier completion latency"))
	if err != nil {
		return nil, err
	}

	return &Provider{
		MeterProvider:   mp,
		TracerProvider:  tp,
		PromHandler:     promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Connections:     conns,
		DeltaChanges:    deltas,
		SnapshotLatency: snapLatency,
		CutLatency:      cutLatency,
	}, nil
}

// newExtraReader builds the optional push-based periodic reader for extra,
// or returns a nil reader for ExporterNone (and the zero value).
func newExtraReader(extra ExporterKind) (sdkmetric.Reader, error) {
	switch extra {
	case "", ExporterNone:
		return nil, nil
	case ExporterOTLP:
		exp, err := otlpmetrichttp.New(context.Background())
		if err != nil {
			return nil, fmt.Errorf("telemetry: create otlp metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	case ExporterStdout:
		exp, err := stdoutmetric.New(stdoutmetric.WithWriter(os.Stdout))
		if err != nil {
			return nil, fmt.Errorf("telemetry: create stdout metric exporter: %w", err)
		}
		return sdkmetric.NewPeriodicReader(exp), nil
	default:
		return nil, fmt.Errorf("telemetry: unknown exporter kind %q", extra)
	}
}

// Tracer returns the collector's shared tracer, for spans around snapshot
// fan-out and symbolication batches.
func (p *Provider) Tracer() trace.Tracer {
	return p.TracerProvider.Tracer(instrumentationName)
}

// PromHandlerFunc adapts PromHandler to http.HandlerFunc's signature so
// internal/collector can satisfy its Telemetry interface without
// importing net/http's ResponseWriter/Request types twice.
func (p *Provider) PromHandlerFunc(w http.ResponseWriter, r *http.Request) {
	p.PromHandler.ServeHTTP(w, r)
}

// ObserveSnapshotLatency records one snapshot fan-out's wall-clock
// duration.
func (p *Provider) ObserveSnapshotLatency(seconds float64) {
	p.SnapshotLatency.Record(context.Background(), seconds)
}

// ObserveCutLatency records one cut-trigger call's wall-clock duration
// (the time to send CutRequest to every connection, not the time to full
// barrier completion, which callers poll for separately via
// GetCutStatus).
func (p *Provider) ObserveCutLatency(seconds float64) {
	p.CutLatency.Record(context.Background(), seconds)
}

// IncConnections and DecConnections track the connections gauge across a
// connection's handshake and teardown.
func (p *Provider) IncConnections() { p.Connections.Add(context.Background(), 1) }
func (p *Provider) DecConnections() { p.Connections.Add(context.Background(), -1) }

// AddDeltaChanges accumulates the total-changes-persisted counter by n.
func (p *Provider) AddDeltaChanges(n int64) {
	p.DeltaChanges.Add(context.Background(), n)
}

// Shutdown flushes and releases both providers. Safe to call with a nil
// Provider (no-op), so callers can defer it unconditionally from main.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	if err := p.TracerProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.MeterProvider.Shutdown(ctx)
}
