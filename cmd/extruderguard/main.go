// Package main — cmd/extruderguard/main.go
//
// extruderguard agent entrypoint.
//
// `extruderguard start` startup sequence:
//  1. Load and validate config from the given path (and env overlay).
//  2. Initialise structured logger (zap).
//  3. Open BoltDB storage.
//  4. Prune stale records.
//  5. If CLEAN_SLATE_ON_STARTUP is set, wipe alarms/tickets before the
//     first poll.
//  6. Start Prometheus metrics server.
//  7. Construct the pipeline Manager and start the historian poller.
//  8. Start the operator admin socket (if enabled).
//  9. Register SIGHUP handler that re-reads and only validates config.
// 10. Block on SIGINT/SIGTERM for graceful shutdown.
//
// `extruderguard stop|seed-demo|reset-state|status` instead dial the
// operator socket of an already-running `start` process and issue one
// JSON command (internal/operator.SendCommand).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/extruderguard/core/internal/config"
	"github.com/extruderguard/core/internal/eventbus"
	"github.com/extruderguard/core/internal/observability"
	"github.com/extruderguard/core/internal/operator"
	"github.com/extruderguard/core/internal/pipeline"
	"github.com/extruderguard/core/internal/storage"
	"github.com/extruderguard/core/internal/telemetry"
)

const eventBusBufferSize = 256

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	switch cmd {
	case "start":
		runStart(args)
	case "stop", "seed-demo", "reset-state", "status":
		runClientCommand(cmd, args)
	case "-h", "--help", "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "extruderguard: unknown command %q\n", cmd)
		usage()
		os.Exit(2)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: extruderguard <start|stop|seed-demo|reset-state|status> [-config path]")
}

// runStart runs the full agent: config, logger, storage, metrics,
// pipeline, operator socket, then blocks for shutdown.
func runStart(args []string) {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	configPath := fs.String("config", "/etc/extruderguard/config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

	// ── Load config ───────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	// ── Initialise logger ─────────────────────────────────────────────────
	log, err := telemetry.NewLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync() //nolint:errcheck

	log.Info("extruderguard starting",
		zap.String("node_id", cfg.NodeID),
		zap.String("config", *configPath),
		zap.String("machine_id", cfg.Historian.MachineID),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Open BoltDB ───────────────────────────────────────────────────────
	db, err := storage.Open(cfg.Storage.DBPath, cfg.Storage.RetentionDays)
	if err != nil {
		log.Fatal("BoltDB open failed", zap.Error(err), zap.String("path", cfg.Storage.DBPath))
	}
	defer db.Close() //nolint:errcheck
	log.Info("BoltDB opened", zap.String("path", cfg.Storage.DBPath))

	pruned, err := db.PruneOldRecords()
	if err != nil {
		log.Warn("record pruning failed", zap.Error(err))
	} else {
		log.Info("old records pruned", zap.Int("deleted", pruned))
	}

	// ── Prometheus metrics ────────────────────────────────────────────────
	metrics := observability.NewMetrics()
	go func() {
		if err := metrics.ServeMetrics(ctx, cfg.Observability.MetricsAddr); err != nil {
			log.Error("metrics server error", zap.Error(err))
		}
	}()
	log.Info("metrics server started", zap.String("addr", cfg.Observability.MetricsAddr))

	// ── Event bus ─────────────────────────────────────────────────────────
	bus := eventbus.New(eventBusBufferSize)

	// ── Pipeline manager ──────────────────────────────────────────────────
	mgr := pipeline.New(*cfg, db, bus, log, metrics)
	if cfg.CleanSlateOnStartup {
		if err := mgr.ResetState(ctx); err != nil {
			log.Error("CLEAN_SLATE_ON_STARTUP reset failed", zap.Error(err))
		} else {
			log.Warn("CLEAN_SLATE_ON_STARTUP: alarms, tickets, and in-memory state wiped before first poll")
		}
	}
	if err := mgr.Start(ctx); err != nil {
		log.Fatal("pipeline failed to start", zap.Error(err))
	}
	log.Info("pipeline started")

	// ── Operator admin socket ─────────────────────────────────────────────
	var opSrv *operator.Server
	if cfg.Operator.Enabled {
		opSrv = operator.NewServer(cfg.Operator.SocketPath, mgr, log, cfg.Operator.AllowPublicSystemReset)
		go func() {
			if err := opSrv.ListenAndServe(ctx); err != nil {
				log.Error("operator server error", zap.Error(err))
			}
		}()
		log.Info("operator socket listening", zap.String("path", cfg.Operator.SocketPath))
	} else {
		log.Info("operator socket disabled")
	}

	// ── SIGHUP hot-reload ─────────────────────────────────────────────────
	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received — reloading config...")
			newCfg, err := config.Load(*configPath)
			if err != nil {
				log.Error("config hot-reload failed — retaining old config", zap.Error(err))
				continue
			}
			// The new config is only validated here, not applied: the
			// running components keep the config they were
			// constructed with. Historian connection parameters are
			// refreshed separately by the poller's own Settings-store
			// polling loop (internal/historian).
			log.Info("config hot-reload successful", zap.String("node_id", newCfg.NodeID))
		}
	}()

	// ── Block for shutdown signal ─────────────────────────────────────────
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", zap.String("signal", sig.String()))

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := mgr.Stop(shutdownCtx); err != nil {
		log.Warn("pipeline stop reported an error", zap.Error(err))
	}

	log.Info("extruderguard shutdown complete")
}

// runClientCommand dials an already-running agent's operator socket
// and issues a single command.
func runClientCommand(cmd string, args []string) {
	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	configPath := fs.String("config", "/etc/extruderguard/config.yaml", "Path to config.yaml")
	_ = fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "extruderguard: config load failed: %v\n", err)
		os.Exit(1)
	}

	resp, err := operator.SendCommand(cfg.Operator.SocketPath, operator.Request{Cmd: cmd, Role: "admin"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "extruderguard: %v\n", err)
		os.Exit(1)
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "extruderguard: %s failed: %s\n", cmd, resp.Error)
		os.Exit(1)
	}
	if resp.Message != "" {
		fmt.Println(resp.Message)
	}
	for k, v := range resp.Status {
		fmt.Printf("%s: %v\n", k, v)
	}
}
