package main

import (
	"log/slog"
	"os"

	"github.com/llmgatewayhq/gateway/internal/config"
	"github.com/llmgatewayhq/gateway/internal/events"
	"github.com/llmgatewayhq/gateway/internal/server"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/transport"
)

var version = "dev"

func main() {
	// Load configuration
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}

	// Setup logging with ring buffer handler
	level := slog.LevelInfo
	switch cfg.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	logHandler := events.NewLogHandler(level, 1000)
	slog.SetDefault(slog.New(logHandler))
	slog.Info("gateway starting", "version", version)

	// Open SQLite database (audit rows, ledger, durable shared-state fallback)
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		slog.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer st.Close()
	slog.Info("database ready", "path", cfg.DBPath)

	// Shared state: redis when configured, guarded by a fail-through
	// breaker over the sqlite store; sqlite alone otherwise.
	var shared server.SharedStores
	if cfg.RedisURL != "" {
		rs, err := store.NewRedisStore(cfg.RedisURL)
		if err != nil {
			slog.Error("redis init failed", "error", err)
			os.Exit(1)
		}
		defer rs.Close()
		ft := store.NewFailThrough(rs, st)
		shared = server.SharedStores{Circuit: ft, Counters: ft, Sticky: ft, Instructions: ft}
		slog.Info("shared state: redis with sqlite fail-through")
	} else {
		shared = server.SharedStores{Circuit: st, Counters: st, Sticky: st, Instructions: st}
		slog.Info("shared state: sqlite only")
	}

	// Transport pool (per-egress utls clients)
	tm := transport.NewManager(cfg.RequestTimeout)
	defer tm.Close()

	// Event bus for the live dashboard stream
	bus := events.NewBus(200)

	srv, err := server.New(cfg, st, shared, tm, bus, logHandler, version)
	if err != nil {
		slog.Error("server init failed", "error", err)
		os.Exit(1)
	}
	if err := srv.Run(); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}
