// Package response implements the response handler and metering:
// writing the upstream response through to the client (non-stream or
// SSE tee) while a background task extracts usage, prices it, recomputes
// the payment plan against the actual cost, and updates the durable
// audit row, ledger and rate-limit counters.
package response

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/llmgatewayhq/gateway/internal/catalog"
	"github.com/llmgatewayhq/gateway/internal/events"
	"github.com/llmgatewayhq/gateway/internal/pricing"
	"github.com/llmgatewayhq/gateway/internal/principal"
	"github.com/llmgatewayhq/gateway/internal/ratelimit"
	"github.com/llmgatewayhq/gateway/internal/session"
	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/taskmgr"
	"github.com/llmgatewayhq/gateway/internal/tracker"
	"github.com/llmgatewayhq/gateway/internal/transform"
	"github.com/llmgatewayhq/gateway/internal/wire"
)

// usageMeterTimeout bounds how long the non-stream and stream paths wait
// for the background usage extraction before finalizing without usage.
const usageMeterTimeout = 5 * time.Second

// Handler writes the upstream response through to the client and
// schedules metering. It holds only the collaborators the
// finalization sequence needs; request-side concerns live in forwarder.
type Handler struct {
	prices   pricing.Table
	messages store.MessageRequestStore
	ledger   store.BalanceLedger
	guard    *ratelimit.Guard
	tracker  *tracker.Tracker
	tasks    *taskmgr.Manager
	reg      *transform.Registry
	bus      *events.Bus
}

// New builds a Handler. bus receives a "message_finalized" event per
// completed request, for the dashboard's live event stream.
func New(prices pricing.Table, messages store.MessageRequestStore, ledger store.BalanceLedger, guard *ratelimit.Guard, trk *tracker.Tracker, tasks *taskmgr.Manager, reg *transform.Registry, bus *events.Bus) *Handler {
	return &Handler{prices: prices, messages: messages, ledger: ledger, guard: guard, tracker: trk, tasks: tasks, reg: reg, bus: bus}
}

// Handle writes resp through to w, transformed to the client's wire
// format if it differs from the provider's, and finalizes metering in a
// background task on both the non-stream and the stream path. Callers
// must have already created sess.MessageRequestID's audit row.
func (h *Handler) Handle(ctx context.Context, sess *session.Session, p *principal.Principal, provider *catalog.Provider, resp *http.Response, w http.ResponseWriter) {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length")
	w.Header().Set("Content-Encoding", "identity")

	if sess.Body != nil && sess.Body.IsStream() {
		h.handleStream(ctx, sess, p, provider, resp, w)
		return
	}
	h.handleNonStream(ctx, sess, p, provider, resp, w)
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		lk := strings.ToLower(k)
		if lk == "content-length" || lk == "content-encoding" || lk == "connection" {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

// handleNonStream reads the full upstream body, transforms it to the
// client's format if needed, writes it, and finalizes metering in a
// background task — the full body is already in hand, so finalize does
// no further I/O against the provider.
func (h *Handler) handleNonStream(ctx context.Context, sess *session.Session, p *principal.Principal, provider *catalog.Provider, resp *http.Response, w http.ResponseWriter) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("response: read upstream body failed", "error", err, "session", sess.ID)
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	outBody := body
	var parsed map[string]any
	if json.Unmarshal(body, &parsed) == nil {
		if sess.ClientFormat != sess.ProviderFormat {
			if respT, terr := h.reg.Response(sess.ProviderFormat, sess.ClientFormat); terr == nil {
				if transformed, terr2 := respT(parsed); terr2 == nil {
					if b, merr := json.Marshal(transformed); merr == nil {
						outBody = b
					}
				} else {
					slog.Warn("response: non-stream transform failed, passing through raw", "error", terr2)
				}
			}
		}
	}

	w.WriteHeader(resp.StatusCode)
	if _, err := w.Write(outBody); err != nil {
		slog.Warn("response: write to client failed", "error", err, "session", sess.ID)
	}

	statusCode := resp.StatusCode
	h.tasks.Spawn(context.Background(), "finalize-nonstream", func(bgCtx context.Context) {
		usage, ok := wire.ExtractUsage(parsed)
		h.finalize(bgCtx, sess, p, provider, statusCode, usage, ok)
	})
}

// handleStream tees the upstream SSE body: the main goroutine transforms
// and forwards each complete event to the client as it arrives, while a
// background task reads the untransformed tee to extract usage from the
// provider-native completion event, independent of whatever shape the
// client-facing transform produces.
func (h *Handler) handleStream(ctx context.Context, sess *session.Session, p *principal.Principal, provider *catalog.Provider, resp *http.Response, w http.ResponseWriter) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.handleNonStream(ctx, sess, p, provider, resp, w)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(resp.StatusCode)

	pr, pw := io.Pipe()
	tee := io.TeeReader(resp.Body, pw)

	usageCh := make(chan wire.Usage, 1)
	h.tasks.Spawn(ctx, "stream-meter", func(bgCtx context.Context) {
		meterStream(pr, usageCh)
	})

	st, streamErr := h.reg.Stream(sess.ProviderFormat, sess.ClientFormat)
	var state transform.State
	if streamErr != nil {
		slog.Warn("response: no stream transformer, passing through raw", "error", streamErr)
	} else {
		state = st.Init()
	}

	scanner := bufio.NewScanner(tee)
	scanner.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

	var block strings.Builder
	completed := true
	flushBlock := func() {
		if block.Len() == 0 {
			return
		}
		chunk := []byte(block.String())
		block.Reset()

		var outBytes []byte
		if streamErr == nil {
			var events []transform.SSEEvent
			state, events = st.Transform(state, chunk)
			for _, ev := range events {
				outBytes = append(outBytes, ev.Bytes()...)
			}
		} else {
			outBytes = chunk
		}
		if len(outBytes) == 0 {
			return
		}
		if _, err := w.Write(outBytes); err != nil {
			slog.Warn("response: stream write to client failed", "error", err, "session", sess.ID)
			completed = false
		}
		flusher.Flush()
	}

	for scanner.Scan() {
		if ctx.Err() != nil {
			completed = false
			break
		}
		line := scanner.Text()
		block.WriteString(line)
		block.WriteByte('\n')
		if line == "" {
			flushBlock()
		}
	}
	flushBlock()

	pw.Close()
	resp.Body.Close()

	if ctx.Err() != nil {
		sess.AppendChainItem(store.ProviderChainItem{
			ProviderID: sess.BoundProviderID, Reason: "system_error", ErrorCode: "CLIENT_ABORT",
		})
	}

	var usage wire.Usage
	usageOK := false
	select {
	case u, ok := <-usageCh:
		usage, usageOK = u, ok
	case <-time.After(usageMeterTimeout):
		slog.Warn("response: stream usage meter timed out", "session", sess.ID)
	}

	statusCode := resp.StatusCode
	h.tasks.Spawn(context.Background(), "finalize-stream", func(bgCtx context.Context) {
		h.finalizeIncomplete(bgCtx, sess, p, provider, statusCode, usage, usageOK, !completed)
	})
}

// meterStream reads the raw, untransformed provider SSE body, looking
// for the provider-native completion event carrying usage (Codex
// response.completed or Claude message_delta), and sends it once found.
// It always drains to EOF so the upstream TeeReader never blocks, and
// always closes usageCh so the receiver's select never needs a second
// fallback beyond its own timeout.
func meterStream(r io.Reader, usageCh chan<- wire.Usage) {
	defer close(usageCh)

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 256*1024), 4*1024*1024)

	var data strings.Builder
	var eventType string
	sent := false

	flush := func() {
		raw := data.String()
		data.Reset()
		evType := eventType
		eventType = ""
		if raw == "" || sent {
			return
		}
		var payload map[string]any
		if json.Unmarshal([]byte(raw), &payload) != nil {
			return
		}
		switch evType {
		case "response.completed":
			if resp, ok := payload["response"].(map[string]any); ok {
				if u, ok := wire.ExtractUsage(map[string]any{"response": resp}); ok {
					sent = true
					usageCh <- u
				}
			}
		case "message_delta", "":
			if u, ok := wire.ExtractUsage(payload); ok {
				sent = true
				usageCh <- u
			}
		}
	}

	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			flush()
		}
	}
}

func (h *Handler) finalize(ctx context.Context, sess *session.Session, p *principal.Principal, provider *catalog.Provider, statusCode int, usage wire.Usage, usageOK bool) {
	h.finalizeIncomplete(ctx, sess, p, provider, statusCode, usage, usageOK, false)
}

// finalizeIncomplete runs the finalization sequence: duration,
// price lookup (falling back from the redirected model to the original
// if unpriced), cost, payment-plan recompute, ledger debit, audit-row
// update, rate-limit counter increments, and a tracker refresh. usage is
// skipped (treated as zero cost) when incomplete is set — a client
// disconnect mid-stream means the usage event may never have arrived.
func (h *Handler) finalizeIncomplete(ctx context.Context, sess *session.Session, p *principal.Principal, provider *catalog.Provider, statusCode int, usage wire.Usage, usageOK bool, incomplete bool) {
	row := &store.MessageRequestRow{
		ID:            sess.MessageRequestID,
		UserID:        p.User.ID,
		KeyHash:       p.Key.Hash(),
		ProviderID:    provider.ID,
		SessionID:     sess.ID,
		Model:         sess.CurrentModel,
		OriginalModel: sess.OriginalModel,
		StatusCode:    statusCode,
		DurationMs:    time.Since(sess.StartTime).Milliseconds(),
		ProviderChain: sess.ChainSnapshot(),
		UpdatedAt:     time.Now().UTC(),
	}

	if usageOK && !incomplete {
		row.InputTokens = usage.InputTokens
		row.OutputTokens = usage.OutputTokens
		row.CacheCreationInputTokens = usage.CacheCreationInputTokens
		row.CacheReadInputTokens = usage.CacheReadInputTokens
		h.applyCost(ctx, row, p, provider, usage)
	}

	if err := h.messages.Update(ctx, row); err != nil {
		slog.Error("response: message row update failed", "error", err, "session", sess.ID)
	}

	h.tracker.Update(sess.ID, func(st *tracker.State) {
		st.BoundProviderID = sess.BoundProviderID
		st.InputTokens = row.InputTokens
		st.OutputTokens = row.OutputTokens
		st.CostUSD = row.CostUSD
		st.LastStatus = statusCode
		st.LastModel = sess.CurrentModel
		st.ProviderChain = row.ProviderChain
	})

	h.bus.Publish(events.Event{Type: "message_finalized", Data: row})
}

// applyCost prices usage, recomputes the payment plan against the
// actual cost, debits the balance portion, and records the package
// portion against the rate-limit counters.
func (h *Handler) applyCost(ctx context.Context, row *store.MessageRequestRow, p *principal.Principal, provider *catalog.Provider, usage wire.Usage) {
	price, found, err := h.prices.PriceFor(ctx, row.OriginalModel, time.Now())
	if (err != nil || !found) && row.Model != row.OriginalModel {
		price, found, err = h.prices.PriceFor(ctx, row.Model, time.Now())
	}
	if err != nil {
		slog.Error("response: price lookup failed", "error", err, "model", row.OriginalModel)
		return
	}
	if !found {
		slog.Warn("response: no price record for model, cost not billed", "model", row.OriginalModel)
		return
	}

	cost := pricing.Cost(pricing.Usage{
		InputTokens:              usage.InputTokens,
		OutputTokens:             usage.OutputTokens,
		CacheCreationInputTokens: usage.CacheCreationInputTokens,
		CacheReadInputTokens:     usage.CacheReadInputTokens,
	}, price, provider.CostMultiplier)
	row.CostUSD = cost
	row.CostMultiplier = provider.CostMultiplier

	plan, gerr := h.guard.RecomputePlan(ctx, p, cost)
	if gerr != nil {
		slog.Error("response: payment plan recompute failed", "error", gerr)
		return
	}
	row.PackageCostUSD = pricing.Round6(plan.FromPackage)
	row.BalanceCostUSD = pricing.Round6(plan.FromBalance)
	row.PaymentSource = plan.Source

	if plan.FromBalance > 0 {
		if _, derr := h.ledger.Debit(ctx, p.User.ID, plan.FromBalance, "gateway usage", row.ID); derr != nil {
			slog.Error("response: ledger debit failed", "error", derr, "user", p.User.ID)
		}
	}
	if plan.FromPackage > 0 {
		if rerr := h.guard.RecordUsage(ctx, p, plan.FromPackage); rerr != nil {
			slog.Error("response: rate-limit usage write failed", "error", rerr, "user", p.User.ID)
		}
	}
}
