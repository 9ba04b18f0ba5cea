// Package server wires every collaborator into the gateway's HTTP
// surface: the proxy endpoint, the live session state read API, and a
// health check. The full dependency graph is constructed inside New;
// Run is the single blocking entry point.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/llmgatewayhq/gateway/internal/authn"
	"github.com/llmgatewayhq/gateway/internal/breaker"
	"github.com/llmgatewayhq/gateway/internal/config"
	"github.com/llmgatewayhq/gateway/internal/events"
	"github.com/llmgatewayhq/gateway/internal/forwarder"
	"github.com/llmgatewayhq/gateway/internal/pricing"
	"github.com/llmgatewayhq/gateway/internal/ratelimit"
	"github.com/llmgatewayhq/gateway/internal/response"
	"github.com/llmgatewayhq/gateway/internal/selector"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/taskmgr"
	"github.com/llmgatewayhq/gateway/internal/tracker"
	"github.com/llmgatewayhq/gateway/internal/transform"
	"github.com/llmgatewayhq/gateway/internal/transport"
)

// Server is the gateway's HTTP surface: authentication, the proxy
// endpoint, the live session state API and a health check.
type Server struct {
	cfg   *config.Config
	st    *store.SQLiteStore
	bus   *events.Bus
	logs  *events.LogHandler
	auth  *authn.Authenticator
	sel   *selector.Selector
	br    *breaker.Manager
	fwd   *forwarder.Forwarder
	guard *ratelimit.Guard
	resp  *response.Handler
	trk   *tracker.Tracker
	tasks *taskmgr.Manager

	httpServer *http.Server
	version    string
	startTime  time.Time
}

// New builds a Server with every collaborator constructed from cfg and
// the shared stores.
func New(cfg *config.Config, st *store.SQLiteStore, shared SharedStores, tm *transport.Manager, bus *events.Bus, lh *events.LogHandler, version string) (*Server, error) {
	hasher := authn.NewHasher(cfg.HashKey)
	authenticator := authn.New(st, hasher)

	brMgr := breaker.NewManager(shared.Circuit, breaker.Config{
		FailureThreshold:         cfg.DefaultFailureThreshold,
		OpenDuration:             cfg.DefaultOpenDuration,
		HalfOpenSuccessThreshold: cfg.DefaultHalfOpenSuccessThreshold,
	})
	sel := selector.New(st, brMgr, shared.Sticky)
	sel.SetHalfOpenWeight(cfg.HalfOpenWeightMultiplier)
	reg := transform.NewRegistry()

	hotSpend := store.NewTTLMap[float64]()
	guard := ratelimit.New(shared.Counters, hotSpend, time.Local, cfg.EstimatedCostUSD)

	fwdCfg := forwarder.Config{
		MaxProviderSwitches:   cfg.MaxProviderSwitches,
		MaxAttemptsPerTry:     cfg.MaxAttemptsPerTry,
		PerAttemptTimeout:     cfg.PerAttemptTimeout,
		SystemErrorRetryDelay: cfg.SystemErrorRetryDelay,
		StickyTTL:             cfg.SessionTTL,
		InstructionsCacheTTL:  cfg.InstructionsCacheTTL,
	}
	fwd := forwarder.New(fwdCfg, sel, brMgr, reg, tm, shared.Sticky, shared.Instructions, guard)

	prices, err := st.LoadPrices(context.Background())
	if err != nil {
		return nil, fmt.Errorf("server: load prices: %w", err)
	}
	priceTable := pricing.NewMemTable(prices)

	trk := tracker.New(cfg.SessionTTL)
	tasks := taskmgr.New()
	resp := response.New(priceTable, st, st, guard, trk, tasks, reg, bus)

	srv := &Server{
		cfg:       cfg,
		st:        st,
		bus:       bus,
		logs:      lh,
		auth:      authenticator,
		sel:       sel,
		br:        brMgr,
		fwd:       fwd,
		guard:     guard,
		resp:      resp,
		trk:       trk,
		tasks:     tasks,
		version:   version,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}
	return srv, nil
}

// SharedStores bundles the shared-state collaborators the forwarder and
// guard depend on, so main can choose sqlite-only or sqlite+redis wiring
// without server.go caring which.
type SharedStores struct {
	Circuit      store.CircuitStore
	Counters     store.CounterStore
	Sticky       store.StickyStore
	Instructions store.InstructionsCache
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.trk.RunCleanup(ctx.Done(), time.Minute)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr, "version", s.version)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		s.tasks.CancelAll()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

// requestLogger logs every incoming request at debug level.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}
