// peerd-demo is a minimal instrumented process: it stands up the process
// singleton, synthesizes a handful of graph entities with real captured
// backtraces, and pushes them to a collector over the wire protocol —
// exercising components A through G end to end the way a real
// instrumented binary would, without needing an actual async runtime to
// hook into.
package main

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/peepsnet/peepsd/internal/backtrace"
	"github.com/peepsnet/peepsd/internal/config"
	"github.com/peepsnet/peepsd/internal/graphstore"
	"github.com/peepsnet/peepsd/internal/ids"
	"github.com/peepsnet/peepsd/internal/pushloop"
	"github.com/peepsnet/peepsd/internal/singleton"
	"github.com/peepsnet/peepsd/internal/tracelog"
)

var processName string

var rootCmd = &cobra.Command{
	Use:   "peerd-demo",
	Short: "Run a synthetic instrumented process that streams to a peepsd collector",
	RunE:  run,
}

func init() {
	rootCmd.Flags().String(config.KeyCollectorAddr, "127.0.0.1:7433", "collector address to dial")
	rootCmd.Flags().Int(config.KeyPushIntervalMs, 100, "push interval in milliseconds")
	rootCmd.Flags().Int(config.KeyPushMaxChanges, 2048, "max changes per delta batch")
	rootCmd.Flags().Int(config.KeyReconnectDelayMs, 500, "initial reconnect backoff in milliseconds")
	rootCmd.Flags().String(config.KeyConfigFile, "", "optional config file")
	rootCmd.Flags().StringVar(&processName, "process-name", fmt.Sprintf("peerd-demo-%d", os.Getpid()), "process name reported at handshake")
}

func run(cmd *cobra.Command, args []string) error {
	v := config.New()
	if err := config.BindFlags(v, cmd); err != nil {
		return err
	}
	if path, _ := cmd.Flags().GetString(config.KeyConfigFile); path != "" {
		if err := config.LoadFile(v, path); err != nil {
			return err
		}
	}
	peerCfg := config.ResolvePeer(v, processName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	proc, err := singleton.Init(os.Getpid(), runtime.GOARCH)
	if err != nil {
		return fmt.Errorf("peerd-demo: init: %w", err)
	}

	cfg := pushloop.Config{
		CollectorAddr:  peerCfg.CollectorAddr,
		ProcessName:    peerCfg.ProcessName,
		PID:            uint32(os.Getpid()),
		ReconnectDelay: peerCfg.ReconnectDelay,
		PushInterval:   peerCfg.PushInterval,
		PushMaxChanges: peerCfg.PushMaxChanges,
	}

	go func() {
		if err := pushloop.Loop(ctx, cfg, proc.Store, proc.Manifest, proc.Clock); err != nil && ctx.Err() == nil {
			tracelog.Error("push loop exited: %v", err)
		}
	}()

	tracelog.Info("peerd-demo %q streaming to %s", peerCfg.ProcessName, peerCfg.CollectorAddr)
	synthesizeForever(ctx, proc)
	tracelog.Info("shutting down")
	return nil
}

// synthesizeForever periodically upserts a small, evolving set of
// entities (a future, a mutex, a spawned task scope) so the push loop
// always has something new to report, each tagged with a real captured
// backtrace so the collector's symbolication pipeline has real DWARF
// addresses to resolve.
func synthesizeForever(ctx context.Context, proc *singleton.Process) {
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	sc := graphstore.ScopeContext{ProcessScopeID: proc.ScopeID}
	n := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n++
		if err := emitSample(proc, sc, n); err != nil {
			if abortErr := singleton.AbortOnInvariantViolation(err); abortErr != nil {
				tracelog.Warn("emit sample %d: %v", n, abortErr)
			}
		}
	}
}

func emitSample(proc *singleton.Process, sc graphstore.ScopeContext, n int) error {
	btID, err := proc.CaptureAndRegister(backtrace.DefaultOptions())
	if err != nil {
		return err
	}

	entityID, err := proc.Gen.Next(ids.KindEntity)
	if err != nil {
		return err
	}

	entity := graphstore.Entity{
		ID:        entityID,
		Birth:     proc.Clock.Now(),
		Source:    "peerd-demo.emitSample",
		Name:      fmt.Sprintf("sample-%d", n),
		Backtrace: btID,
	}
	if n%2 == 0 {
		entity.Body = graphstore.EntityBody{Kind: graphstore.BodyFuture, WaiterCount: uint32(rand.Intn(3))}
	} else {
		entity.Body = graphstore.EntityBody{Kind: graphstore.BodyLock, LockKind: graphstore.LockMutex}
	}

	return proc.Store.UpsertEntity(sc, entity)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
