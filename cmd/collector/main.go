// collector is the aggregation process: it accepts TCP connections from
// instrumented peepsd-embedding processes (internal/pushloop clients),
// persists their change streams and backtraces to SQLite, symbolicates
// captured frames against DWARF debug info, and serves an HTTP surface
// for triggering snapshots/cuts and streaming symbolication progress.
// Modeled on the teacher's cmd/bd/serve.go + internal/rpc.HTTPServer
// pairing: a cobra root command wiring a TCP listener and an HTTP mux
// side by side under one context.
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peepsnet/peepsd/internal/collector"
	"github.com/peepsnet/peepsd/internal/config"
	"github.com/peepsnet/peepsd/internal/framecatalog"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/symbolicator"
	"github.com/peepsnet/peepsd/internal/telemetry"
	"github.com/peepsnet/peepsd/internal/tracelog"
)

var rootCmd = &cobra.Command{
	Use:   "collector",
	Short: "Run the peepsd collector: TCP ingest, SQLite persistence, symbolication, and the operator HTTP surface",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String(config.KeyListenAddr, "127.0.0.1:7433", "TCP address instrumented processes dial")
	rootCmd.Flags().String(config.KeyHTTPAddr, "127.0.0.1:7434", "HTTP address for health/metrics/snapshot/cut/websocket endpoints")
	rootCmd.Flags().String(config.KeySQLitePath, "peepsd.db", "path to the collector's SQLite database")
	rootCmd.Flags().Int(config.KeySnapshotTimeoutMs, 5000, "snapshot fan-out deadline in milliseconds")
	rootCmd.Flags().Int(config.KeyStallTicksLimit, 100, "consecutive unchanged symbolication ticks before a stream stalls out")
	rootCmd.Flags().String(config.KeyConfigFile, "", "optional config file")
	rootCmd.Flags().String(config.KeyMetricsExporter, "none", "additional metrics reader: none, otlp, or stdout (Prometheus scraping is always on)")
	rootCmd.Flags().Bool("debug", false, "enable debug logging")
}

func run(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd); err != nil {
		return err
	}
	configFile, _ := cmd.Flags().GetString(config.KeyConfigFile)
	if configFile != "" {
		if err := config.LoadFile(v, configFile); err != nil {
			return err
		}
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		tracelog.SetDebug(true)
	}
	cfg := config.ResolveCollector(v)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := collector.Open(cfg.SQLitePath)
	if err != nil {
		return fmt.Errorf("collector: open database: %w", err)
	}
	defer db.Close()

	tel, err := telemetry.Setup(telemetry.ExporterKind(cfg.MetricsExporter))
	if err != nil {
		return fmt.Errorf("collector: telemetry setup: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tel.Shutdown(shutdownCtx)
	}()

	gen := ids.NewGenerator(os.Getpid(), time.Now())
	catalog := framecatalog.New(gen)
	cache := symbolicator.NewCache(db.SQL())
	engine := symbolicator.NewEngine(cache)
	resolver := collector.NewResolver(db, catalog, engine)

	collector.SnapshotFanOutTimeout = cfg.SnapshotTimeout
	symbolicator.StallTicksLimit = cfg.StallTicksLimit

	// The snapshot deadline and stall-tick limit can be tuned without a
	// restart: an operator editing --config-file's yaml takes effect on
	// the next write.
	if err := config.WatchFile(v, configFile, func() {
		reloaded := config.ResolveCollector(v)
		collector.SnapshotFanOutTimeout = reloaded.SnapshotTimeout
		symbolicator.StallTicksLimit = reloaded.StallTicksLimit
		tracelog.Info("collector config reloaded from %s", configFile)
	}); err != nil {
		return fmt.Errorf("collector: watch config file: %w", err)
	}

	co := collector.New(db).WithResolver(resolver).WithTelemetry(tel)

	ln, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("collector: listen %s: %w", cfg.ListenAddr, err)
	}
	tracelog.Info("collector listening for instrumented processes on %s", ln.Addr())

	httpHandler := collector.NewHTTPHandler(co, tel)
	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpHandler.Mux(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		errCh <- co.Serve(ctx, ln)
	}()
	go func() {
		tracelog.Info("collector HTTP surface on http://%s", cfg.HTTPAddr)
		err := httpSrv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpSrv.Shutdown(shutdownCtx)
	}()

	select {
	case err := <-errCh:
		if err != nil && ctx.Err() == nil {
			return err
		}
	case <-ctx.Done():
	}
	tracelog.Info("collector shutting down")
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
