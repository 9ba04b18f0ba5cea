// Package forwarder implements the forward/retry loop: two nested
// bounded loops over provider switches and per-provider attempts, driven
// by the error taxonomy, with the Codex instructions auto-repair path and
// smart-binding on success.
package forwarder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/llmgatewayhq/gateway/internal/breaker"
	"github.com/llmgatewayhq/gateway/internal/catalog"
	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/ratelimit"
	"github.com/llmgatewayhq/gateway/internal/selector"
	"github.com/llmgatewayhq/gateway/internal/session"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/transform"
	"github.com/llmgatewayhq/gateway/internal/transport"
	"github.com/llmgatewayhq/gateway/internal/wire"
)

// officialCodexInstructions is the built-in default used by the
// auto-repair path when no cached instructions string exists yet.
const officialCodexInstructions = "You are Codex, a coding agent based on the user's configured model, running in the Codex CLI."

// errSnippetMaxLen bounds how much of an upstream error body is carried
// in the provider chain for operator diagnostics.
const errSnippetMaxLen = 2000

// Config is the forwarder's tunables, read once at startup from the
// ambient Config.
type Config struct {
	MaxProviderSwitches   int
	MaxAttemptsPerTry     int
	PerAttemptTimeout     time.Duration
	SystemErrorRetryDelay time.Duration
	StickyTTL             time.Duration
	InstructionsCacheTTL  time.Duration
}

// Forwarder wires the selector, breaker, transform registry and
// transport manager into the retry loop. Every dependency is passed in
// explicitly at construction, per the design note's no-global-singletons
// rule.
type Forwarder struct {
	cfg          Config
	sel          *selector.Selector
	br           *breaker.Manager
	reg          *transform.Registry
	tm           *transport.Manager
	sticky       store.StickyStore
	instructions store.InstructionsCache
	guard        *ratelimit.Guard
}

// New builds a Forwarder.
func New(cfg Config, sel *selector.Selector, br *breaker.Manager, reg *transform.Registry, tm *transport.Manager, sticky store.StickyStore, instructions store.InstructionsCache, guard *ratelimit.Guard) *Forwarder {
	return &Forwarder{cfg: cfg, sel: sel, br: br, reg: reg, tm: tm, sticky: sticky, instructions: instructions, guard: guard}
}

// Result is what the forwarder hands back to the response handler on
// success: the upstream response (body still open) and the provider that
// served it, plus a release function the handler must call once it is
// done reading the body.
type Result struct {
	Response          *http.Response
	Provider          *catalog.Provider
	ReleaseConcurrency func()
}

// ErrAllProvidersFailed is the abstract exhaustion outcome: the
// gateway surfaces a generic 503 and never leaks provider identity.
var ErrAllProvidersFailed = gwerrors.New(gwerrors.KindSelectionEmpty, "no provider could serve this request").WithStatus(http.StatusServiceUnavailable)

// Forward runs the outer/inner retry loop against sess, returning the
// first successful upstream response or the abstract exhaustion error.
func (f *Forwarder) Forward(ctx context.Context, sess *session.Session) (*Result, *gwerrors.Error) {
	exclude := map[string]bool{}
	isProbe := sess.IsProbeRequest()
	var lastErr *gwerrors.Error

	// The smart-binding rule compares a success against the binding that
	// existed BEFORE this request started forwarding, not anything this
	// call itself sets — fetch it once, up front.
	var preboundProvider *catalog.Provider
	if boundID, ok, err := f.sticky.GetSticky(ctx, sess.ID); err == nil && ok {
		preboundProvider, _ = f.sel.Get(ctx, boundID)
		sess.BoundProviderID = boundID
		if preboundProvider != nil {
			sess.BoundProviderPriority = preboundProvider.Priority
		}
	}

	for providerSwitch := 0; providerSwitch < f.cfg.MaxProviderSwitches; providerSwitch++ {
		if ctx.Err() != nil {
			return nil, gwerrors.New(gwerrors.KindClientAbort, "client disconnected").WithStatus(499)
		}

		sel, selErr := f.sel.Select(ctx, f.selectInput(sess, exclude))
		if selErr != nil {
			return nil, selErr
		}
		provider := sel.Provider

		// Providers may override the manager-wide circuit defaults.
		if provider.FailureThreshold > 0 {
			f.br.Configure(provider.ID, breaker.Config{
				FailureThreshold:         provider.FailureThreshold,
				OpenDuration:             time.Duration(provider.OpenDurationMs) * time.Millisecond,
				HalfOpenSuccessThreshold: provider.HalfOpenSuccessThreshold,
			})
		}

		allowed, err := f.guard.AcquireConcurrency(ctx, provider.ID, provider.LimitConcurrentSessions)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternalError, "concurrency check failed", err).WithStatus(500)
		}
		if !allowed {
			exclude[provider.ID] = true
			sess.AppendChainItem(store.ProviderChainItem{ProviderID: provider.ID, Reason: "concurrency_denied"})
			continue
		}

		resp, releaseErr := f.runProviderAttempts(ctx, sess, provider, providerSwitch == 0, isProbe, preboundProvider)
		if resp != nil {
			return &Result{
				Response: resp,
				Provider: provider,
				ReleaseConcurrency: func() { _ = f.guard.ReleaseConcurrency(context.Background(), provider.ID) },
			}, nil
		}

		_ = f.guard.ReleaseConcurrency(ctx, provider.ID)

		if releaseErr.Kind == gwerrors.KindClientAbort {
			return nil, releaseErr
		}
		lastErr = releaseErr
		exclude[provider.ID] = true
	}

	if lastErr != nil {
		slog.Error("forwarder exhausted all provider switches", "error", lastErr)
	}
	return nil, ErrAllProvidersFailed
}

func (f *Forwarder) selectInput(sess *session.Session, exclude map[string]bool) selector.Input {
	return selector.Input{
		SessionID:      sess.ID,
		Model:          sess.CurrentModel,
		ClientFormat:   string(sess.ClientFormat),
		UserAgent:      sess.UserAgent,
		ProviderGroup:  sess.ProviderGroup,
		IsOfficialCLI:  isOfficialClaudeCLI(sess.UserAgent),
		IsMultiTurn:    sess.IsMultiTurn(),
		ExcludeSet:     exclude,
		HadBoundBefore: sess.BoundProviderID != "",
	}
}

// runProviderAttempts implements the inner loop for one provider: up to
// MaxAttemptsPerTry attempts, with the system-error-retry-once and the
// Codex instructions-repair-once exceptions folded in as extra chances
// within the same provider rather than extra outer-loop switches.
func (f *Forwarder) runProviderAttempts(ctx context.Context, sess *session.Session, provider *catalog.Provider, firstAttemptOverall bool, isProbe bool, preboundProvider *catalog.Provider) (*http.Response, *gwerrors.Error) {
	instructionsRepaired := false

	for attempt := 1; attempt <= f.cfg.MaxAttemptsPerTry; attempt++ {
		if ctx.Err() != nil {
			return nil, gwerrors.New(gwerrors.KindClientAbort, "client disconnected").WithStatus(499)
		}

		resp, gerr := f.attemptOnce(ctx, sess, provider)
		if gerr == nil {
			f.onSuccess(ctx, sess, provider, attempt, firstAttemptOverall, preboundProvider, resp.StatusCode)
			return resp, nil
		}

		switch gerr.Kind {
		case gwerrors.KindClientAbort:
			sess.AppendChainItem(store.ProviderChainItem{ProviderID: provider.ID, Reason: "system_error", ErrorCode: "CLIENT_ABORT"})
			return nil, gerr

		case gwerrors.KindSystemError:
			sess.AppendChainItem(store.ProviderChainItem{ProviderID: provider.ID, Reason: "system_error", ErrorCode: "SYSTEM_ERROR", ErrorDetail: gerr.Message})
			if attempt < f.cfg.MaxAttemptsPerTry {
				time.Sleep(f.cfg.SystemErrorRetryDelay)
				continue
			}
			return nil, gerr

		case gwerrors.KindProviderError:
			if f.isInstructionsRepairable(provider, gerr) && !instructionsRepaired {
				instructionsRepaired = true
				reason, repairErr := f.repairInstructions(ctx, sess, provider)
				if repairErr == nil {
					sess.AppendChainItem(store.ProviderChainItem{ProviderID: provider.ID, Reason: reason, StatusCode: gerr.Status})
					continue // retry same provider with repaired instructions, same attempt budget
				}
			}

			if !isProbe && gerr.CountsFail {
				_ = f.br.RecordFailure(ctx, provider.ID)
			}
			failureCount, _ := f.br.FailureCount(ctx, provider.ID)
			state, _ := f.br.State(ctx, provider.ID)

			sess.AppendChainItem(store.ProviderChainItem{
				ProviderID: provider.ID, Reason: "retry_failed", Attempt: attempt,
				CircuitState: state, CircuitFailureCount: failureCount,
				StatusCode: gerr.Status, ErrorDetail: truncate(gerr.Message, errSnippetMaxLen),
			})
			return nil, gerr

		default:
			return nil, gerr
		}
	}
	return nil, gwerrors.New(gwerrors.KindProviderError, "attempts exhausted").WithStatus(http.StatusBadGateway)
}

func (f *Forwarder) isInstructionsRepairable(provider *catalog.Provider, gerr *gwerrors.Error) bool {
	return provider.Type == catalog.TypeCodex &&
		provider.CodexInstructionsStrategy == catalog.InstructionsAuto &&
		gerr.Status == http.StatusBadRequest &&
		strings.Contains(gerr.Message, "Instructions are not valid")
}

func (f *Forwarder) repairInstructions(ctx context.Context, sess *session.Session, provider *catalog.Provider) (reason string, err error) {
	if sess.Body == nil {
		return "", errors.New("forwarder: no parsed body to repair")
	}
	cached, ok, cacheErr := f.instructions.GetInstructions(ctx, provider.ID, sess.CurrentModel)
	if cacheErr == nil && ok && cached != "" {
		sess.Body.SetInstructions(cached)
		return "retry_with_cached_instructions", nil
	}
	sess.Body.SetInstructions(officialCodexInstructions)
	return "retry_with_official_instructions", nil
}

func (f *Forwarder) onSuccess(ctx context.Context, sess *session.Session, provider *catalog.Provider, attempt int, firstAttemptOverall bool, preboundProvider *catalog.Provider, statusCode int) {
	if !sess.IsProbeRequest() {
		_ = f.br.RecordSuccess(ctx, provider.ID)
	}

	if provider.Type == catalog.TypeCodex && provider.CodexInstructionsStrategy == catalog.InstructionsAuto {
		if instr, ok := sess.Body.Instructions(); ok && instr != "" {
			_ = f.instructions.SetInstructions(ctx, provider.ID, sess.CurrentModel, instr, f.cfg.InstructionsCacheTTL)
		}
	}

	firstAttempt := firstAttemptOverall && attempt == 1
	var oldProvider *catalog.Provider
	if preboundProvider != nil && preboundProvider.ID != provider.ID {
		oldProvider = preboundProvider
	}
	if err := selector.ApplyBinding(ctx, f.sticky, sess.ID, firstAttempt, provider, oldProvider, f.cfg.StickyTTL); err == nil {
		sess.BoundProviderID = provider.ID
		sess.BoundProviderPriority = provider.Priority
	}

	reason := "request_success"
	if attempt > 1 {
		reason = "retry_success"
	}
	sess.AppendChainItem(store.ProviderChainItem{ProviderID: provider.ID, Reason: reason, StatusCode: statusCode})
}

// attemptOnce performs the per-attempt work, in order: redirects,
// transform, Codex normalization, path/header rewrite, dispatch,
// response classification.
func (f *Forwarder) attemptOnce(ctx context.Context, sess *session.Session, provider *catalog.Provider) (*http.Response, *gwerrors.Error) {
	attemptCtx, cancel := context.WithTimeout(ctx, f.cfg.PerAttemptTimeout)
	defer cancel()

	if sess.Body == nil {
		return nil, gwerrors.New(gwerrors.KindInternalError, sess.DecodeNote).WithStatus(http.StatusBadRequest).WithRetry(false, false)
	}

	redirected, changed := provider.RedirectModel(sess.OriginalModel)
	if changed {
		sess.CurrentModel = redirected
	} else {
		sess.CurrentModel = sess.OriginalModel
	}
	sess.Body.SetModel(sess.CurrentModel)

	providerFormat := providerWireFormat(provider.Type)
	sess.ProviderFormat = providerFormat

	body := sess.Body
	if sess.ClientFormat != providerFormat {
		reqT, err := f.reg.Request(sess.ClientFormat, providerFormat)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternalError, "no transformer available", err).WithStatus(500)
		}
		transformed, err := reqT(body, sess.CurrentModel)
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindInternalError, "request transform failed", err).WithStatus(500)
		}
		body = transformed
	}

	if providerFormat == wire.FormatCodex {
		normalizeCodexBody(body, provider, isOfficialClaudeCLI(sess.UserAgent))
	}

	upstreamURL, path, err := buildUpstreamURL(provider, providerFormat, sess.URL)
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "bad upstream url", err).WithStatus(500)
	}
	_ = path

	payload, err := body.Marshal()
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "failed to encode request", err).WithStatus(500)
	}

	req, err := http.NewRequestWithContext(attemptCtx, sess.Method, upstreamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, gwerrors.Wrap(gwerrors.KindInternalError, "failed to build upstream request", err).WithStatus(500)
	}
	rewriteHeaders(req, sess, provider, providerFormat, len(payload))

	client := f.tm.ClientFor(provider)
	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, gwerrors.New(gwerrors.KindClientAbort, "client disconnected").WithStatus(499)
		}
		if provider.ProxyFallbackToDirect && transport.IsProxyError(err) {
			direct := f.tm.DirectClient()
			req2, berr := http.NewRequestWithContext(attemptCtx, sess.Method, upstreamURL, bytes.NewReader(payload))
			if berr == nil {
				rewriteHeaders(req2, sess, provider, providerFormat, len(payload))
				resp, err = direct.Do(req2)
			}
		}
		if err != nil {
			return nil, gwerrors.Wrap(gwerrors.KindSystemError, "upstream dispatch failed", err).WithStatus(http.StatusBadGateway).WithRetry(true, false)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errSnippetMaxLen))
		resp.Body.Close()
		return nil, gwerrors.New(gwerrors.KindProviderError, string(snippet)).WithStatus(resp.StatusCode).WithRetry(true, true)
	}

	return resp, nil
}

func providerWireFormat(pt catalog.ProviderType) wire.Format {
	switch pt {
	case catalog.TypeCodex:
		return wire.FormatCodex
	case catalog.TypeOpenAI:
		return wire.FormatOpenAI
	default:
		return wire.FormatClaude
	}
}

// normalizeCodexBody drops Claude-only fields unsupported upstream and
// applies the provider's instructions strategy, unless the traffic is
// from the official CLI with strategy=auto, which bypasses normalization
// entirely.
func normalizeCodexBody(body *wire.Body, provider *catalog.Provider, isOfficialCLI bool) {
	if isOfficialCLI && provider.CodexInstructionsStrategy == catalog.InstructionsAuto {
		return
	}
	delete(body.Raw, "max_tokens")
	delete(body.Raw, "temperature")
	delete(body.Raw, "top_p")
	delete(body.Raw, "top_k")

	switch provider.CodexInstructionsStrategy {
	case catalog.InstructionsForceOfficial:
		body.SetInstructions(officialCodexInstructions)
	case catalog.InstructionsKeepOriginal:
		// leave as-is
	default: // auto: fill in official default only if absent
		if instr, ok := body.Instructions(); !ok || instr == "" {
			body.SetInstructions(officialCodexInstructions)
		}
	}
}

// buildUpstreamURL rewrites the path for Codex to /v1/responses and
// joins the provider's base URL with the (possibly rewritten) path.
func buildUpstreamURL(provider *catalog.Provider, format wire.Format, originalPath string) (full string, path string, err error) {
	base, err := url.Parse(provider.URL)
	if err != nil {
		return "", "", fmt.Errorf("forwarder: invalid provider url: %w", err)
	}
	path = originalPath
	if format == wire.FormatCodex {
		path = "/v1/responses"
	}
	ref, err := url.Parse(path)
	if err != nil {
		return "", "", fmt.Errorf("forwarder: invalid request path: %w", err)
	}
	return base.ResolveReference(ref).String(), path, nil
}

// rewriteHeaders rewrites the outbound headers: strip content-length, set the
// provider's own credentials, force identity encoding, set host from the
// provider URL, and fill a Codex user-agent only when the client sent
// none.
func rewriteHeaders(req *http.Request, sess *session.Session, provider *catalog.Provider, format wire.Format, bodyLen int) {
	h := make(http.Header, len(sess.Headers))
	for k, v := range sess.Headers {
		lk := strings.ToLower(k)
		if lk == "content-length" || lk == "host" || lk == "authorization" || lk == "x-api-key" {
			continue
		}
		h[k] = append([]string(nil), v...)
	}
	req.Header = h

	req.Header.Set("Authorization", "Bearer "+provider.Key)
	if provider.Type != catalog.TypeClaudeAuth {
		req.Header.Set("x-api-key", provider.Key)
	}
	req.Header.Set("Accept-Encoding", "identity")
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(bodyLen)

	if u, err := url.Parse(provider.URL); err == nil {
		req.Host = u.Host
	}
	if req.Header.Get("User-Agent") == "" && format == wire.FormatCodex {
		req.Header.Set("User-Agent", "codex-cli/1.0")
	}
	if sess.Body.IsStream() {
		req.Header.Set("Accept", "text/event-stream")
	}
}

// isOfficialClaudeCLI recognizes the official Claude Code CLI's
// user-agent, the only traffic class allowed onto onlyClaudeCli
// providers and exempted from Codex instructions normalization.
func isOfficialClaudeCLI(userAgent string) bool {
	return strings.Contains(strings.ToLower(userAgent), "claude-cli")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
