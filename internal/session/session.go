// Package session models the per-request Session — the one shared
// mutable structure threaded through the pipeline — and its construction
// from an inbound HTTP request.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/wire"
)

// PaymentPlan is the pre-dispatch billing split, recomputed at finalization.
type PaymentPlan struct {
	FromPackage float64
	FromBalance float64
	Source      string // package | balance | mixed
}

// Session is the single mutable structure shared across the pipeline for
// one request. It is not accessed concurrently from multiple
// goroutines without explicit handoff — callers that fan out (streaming
// tee) must only read the fields they were handed, not mutate shared
// ones without the session's lock.
type Session struct {
	mu sync.Mutex

	ID               string // stable sessionId derived from the conversation context
	MessageRequestID string // id of the audit row created when forwarding starts

	Method  string
	URL     string
	Headers http.Header

	RawBody    []byte
	Body       *wire.Body // nil if JSON decode failed
	DecodeNote string     // diagnostic note when decode failed

	UserAgent     string
	OriginalModel string
	CurrentModel  string
	ProviderGroup string // the authenticated user's group affinity, set after auth

	ClientFormat   wire.Format
	ProviderFormat wire.Format

	BoundProviderID       string
	BoundProviderPriority int // priority of the provider BoundProviderID names, for smart-binding comparisons

	ProviderChain []store.ProviderChainItem

	Plan PaymentPlan // pre-dispatch decision; finalization recomputes from actual cost

	StartTime time.Time

	ctx    context.Context
	cancel context.CancelFunc
}

// New constructs a Session from an inbound HTTP request: it reads method,
// URL and headers, clones the body into a buffer, attempts a JSON decode
// (falling back to a raw-text diagnostic note on failure), extracts the
// User-Agent and model, derives the sessionId, and attaches the client's
// cancellation signal.
func New(r *http.Request, clientFormat wire.Format) (*Session, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body.Close()

	ctx, cancel := context.WithCancel(r.Context())

	s := &Session{
		Method:         r.Method,
		URL:            r.URL.String(),
		Headers:        r.Header.Clone(),
		RawBody:        raw,
		UserAgent:      r.UserAgent(),
		ClientFormat:   clientFormat,
		ProviderFormat: clientFormat,
		StartTime:      time.Now(),
		ctx:            ctx,
		cancel:         cancel,
	}

	body, perr := wire.ParseBody(clientFormat, raw)
	if perr != nil {
		s.DecodeNote = "body is not valid JSON: " + perr.Error()
	} else {
		s.Body = body
		if m, ok := body.Model(); ok {
			s.OriginalModel = m
			s.CurrentModel = m
		}
	}

	s.ID = deriveSessionID(raw, clientFormat)
	return s, nil
}

// Context returns the request-scoped context carrying the client's
// cancellation signal; every downstream suspension point must observe it.
func (s *Session) Context() context.Context { return s.ctx }

// Cancel fires the client-abort signal, used when the gateway itself
// detects a terminal condition that should stop all in-flight work.
func (s *Session) Cancel() { s.cancel() }

// AppendChainItem atomically appends an immutable provider-chain step.
func (s *Session) AppendChainItem(item store.ProviderChainItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item.Attempt = len(s.chainForProvider(item.ProviderID)) + 1
	s.ProviderChain = append(s.ProviderChain, item)
}

// ChainSnapshot returns a copy of the provider chain recorded so far,
// safe to read concurrently with in-flight AppendChainItem calls.
func (s *Session) ChainSnapshot() []store.ProviderChainItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]store.ProviderChainItem, len(s.ProviderChain))
	copy(out, s.ProviderChain)
	return out
}

func (s *Session) chainForProvider(providerID string) []store.ProviderChainItem {
	var out []store.ProviderChainItem
	for _, it := range s.ProviderChain {
		if it.ProviderID == providerID {
			out = append(out, it)
		}
	}
	return out
}

// IsProbeRequest reports whether the conversation is a single-message
// body whose trimmed, lower-cased content is exactly "foo" or "count" —
// the canary requests whose failures must not count against the circuit
// breaker.
func (s *Session) IsProbeRequest() bool {
	if s.Body == nil {
		return false
	}
	messages, ok := s.Body.Messages()
	if !ok {
		if input, ok := s.Body.Input(); ok {
			messages = input
		} else {
			return false
		}
	}
	if len(messages) != 1 {
		return false
	}
	text := firstMessageText(messages[0])
	text = strings.ToLower(strings.TrimSpace(text))
	return text == "foo" || text == "count"
}

func firstMessageText(msg any) string {
	m, ok := msg.(map[string]any)
	if !ok {
		return ""
	}
	switch content := m["content"].(type) {
	case string:
		return content
	case []any:
		if len(content) == 0 {
			return ""
		}
		if block, ok := content[0].(map[string]any); ok {
			if t, ok := block["text"].(string); ok {
				return t
			}
		}
	}
	return ""
}

// IsMultiTurn reports whether the conversation holds more than one
// message, the condition under which the session-reuse rule applies.
func (s *Session) IsMultiTurn() bool {
	if s.Body == nil {
		return false
	}
	if messages, ok := s.Body.Messages(); ok {
		return len(messages) > 1
	}
	if input, ok := s.Body.Input(); ok {
		return len(input) > 1
	}
	return false
}

// deriveSessionID hashes enough of the conversation's leading context to
// produce a stable id across subsequent requests in the same
// conversation: the client-supplied metadata user_id when present,
// otherwise the leading system/instructions text plus the first message
// — that prefix is what stays constant as a conversation grows. With no
// distinguishing signal at all, every request gets a fresh id: a shared
// constant id would fuse unrelated sessions' sticky bindings and live
// state together.
func deriveSessionID(raw []byte, format wire.Format) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return uuid.NewString()
	}
	if meta, ok := m["metadata"].(map[string]any); ok {
		if uid, ok := meta["user_id"].(string); ok && uid != "" {
			return hashHex(uid)
		}
	}
	h := sha256.New()
	h.Write([]byte(format))
	hashed := false
	if sys, ok := m["system"]; ok {
		h.Write([]byte(truncate(stringify(sys), 200)))
		hashed = true
	}
	if instr, ok := m["instructions"].(string); ok {
		h.Write([]byte(truncate(instr, 200)))
		hashed = true
	}
	if first, ok := firstConversationItem(m); ok {
		h.Write([]byte(truncate(stringify(first), 200)))
		hashed = true
	}
	if !hashed {
		return uuid.NewString()
	}
	return hex.EncodeToString(h.Sum(nil))[:32]
}

func firstConversationItem(m map[string]any) (any, bool) {
	for _, field := range []string{"messages", "input"} {
		if list, ok := m[field].([]any); ok && len(list) > 0 {
			return list[0], true
		}
	}
	return nil, false
}

func hashHex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}

func stringify(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
