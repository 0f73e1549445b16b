// matchcore — a futures-style exchange core.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine + server, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: recovery, storage pipeline, matching, fanout wiring
//	router/router.go      — order router: pre-trade risk → WAL → book → trade gateway
//	book/book.go          — per-instrument price-time-priority matching
//	account/manager.go    — cash, margin, and position bookkeeping
//	wal / memtable / sstable / compaction — the log-structured store
//	snapshot/manager.go   — per-client differential snapshot with merge-patch long-poll
//	notify/broker.go      — priority-banded, deduplicated notification fanout
//	replication/follower.go — follower role: pull the primary's log and apply it
//	marketdata/generator.go — top-of-book snapshots and K-line bars
//	server/server.go      — the aid-discriminated JSON wire protocol over WebSocket
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/exchange-core/matchcore/internal/config"
	"github.com/exchange-core/matchcore/internal/engine"
	"github.com/exchange-core/matchcore/internal/server"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("EXC_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	srv := server.NewServer(cfg.Server, eng.Router, eng.Snapshots, eng.Market, eng.Gateway, logger)
	go func() {
		if err := srv.Start(); err != nil {
			logger.Error("server failed", "error", err)
		}
	}()

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("exchange core started",
		"role", cfg.Replication.Role,
		"port", cfg.Server.Port,
		"url", fmt.Sprintf("ws://localhost:%d/ws", cfg.Server.Port),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if err := srv.Stop(); err != nil {
		logger.Error("failed to stop server", "error", err)
	}
	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
