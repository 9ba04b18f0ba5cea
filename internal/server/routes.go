package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/principal"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/wire"
)

type ctxKey int

const principalCtxKey ctxKey = iota

func (s *Server) registerRoutes(mux *http.ServeMux) {
	auth := s.authenticate

	mux.Handle("POST /v1/messages", auth(http.HandlerFunc(s.handleProxy)))
	mux.Handle("POST /v1/responses", auth(http.HandlerFunc(s.handleProxy)))
	mux.Handle("POST /v1/chat/completions", auth(http.HandlerFunc(s.handleProxy)))

	mux.HandleFunc("GET /sessions/{id}", s.handleSessionState)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /events", s.handleEvents)
}

// handleEvents streams the live event bus as SSE for the dashboard.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	for _, rec := range s.logs.Recent() {
		data, _ := json.Marshal(rec)
		fmt.Fprintf(w, "event: log\ndata: %s\n\n", data)
	}
	flusher.Flush()

	ch, unsubscribe := s.bus.Subscribe()
	defer unsubscribe()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			data, _ := json.Marshal(ev)
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
			flusher.Flush()
		}
	}
}

// authenticate implements the bearer-credential check shared by every
// proxy route, attaching the resolved Principal to the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, gerr := s.auth.Authenticate(r.Context(), extractBearer(r))
		if gerr != nil {
			writeError(w, gerr)
			return
		}
		ctx := context.WithValue(r.Context(), principalCtxKey, p)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func principalFrom(ctx context.Context) *principal.Principal {
	p, _ := ctx.Value(principalCtxKey).(*principal.Principal)
	return p
}

// extractBearer implements the credential extraction order:
// x-api-key first, then a Bearer-prefixed Authorization header.
func extractBearer(r *http.Request) string {
	if key := r.Header.Get("x-api-key"); key != "" {
		return key
	}
	if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	return ""
}

// clientFormatForPath infers the client wire format from the request path:
// /v1/messages -> claude, /v1/responses -> codex, /v1/chat/completions -> openai.
func clientFormatForPath(path string) (wire.Format, bool) {
	switch path {
	case "/v1/messages":
		return wire.FormatClaude, true
	case "/v1/responses":
		return wire.FormatCodex, true
	case "/v1/chat/completions":
		return wire.FormatOpenAI, true
	default:
		return "", false
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.st.Ping(r.Context()); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "store": err.Error()})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": s.version})
}

// sessionStateView is the live session state read API shape: bound
// provider, aggregate tokens, accumulated cost, last status, last model,
// provider chain. Dashboard-only, never read by the proxy path.
type sessionStateView struct {
	SessionID     string                    `json:"sessionId"`
	BoundProvider string                    `json:"boundProviderId"`
	InputTokens   int                       `json:"inputTokens"`
	OutputTokens  int                       `json:"outputTokens"`
	CostUSD       float64                   `json:"costUsd"`
	LastStatus    int                       `json:"lastStatus"`
	LastModel     string                    `json:"lastModel"`
	ProviderChain []store.ProviderChainItem `json:"providerChain"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := s.trk.Get(id)
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	view := sessionStateView{
		SessionID:     id,
		BoundProvider: st.BoundProviderID,
		InputTokens:   st.InputTokens,
		OutputTokens:  st.OutputTokens,
		CostUSD:       st.CostUSD,
		LastStatus:    st.LastStatus,
		LastModel:     st.LastModel,
		ProviderChain: st.ProviderChain,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(view)
}

// writeError renders a *gwerrors.Error as the client-facing error envelope,
// setting X-RateLimit-Type and Retry-After on a 429.
func writeError(w http.ResponseWriter, gerr *gwerrors.Error) {
	if gerr.RateLimitScope != "" {
		w.Header().Set("X-RateLimit-Type", gerr.RateLimitScope)
	}
	if gerr.Status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", gwerrors.RetryAfterSeconds)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(gerr.Status)
	w.Write(gerr.JSON())
}
