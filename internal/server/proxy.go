package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/llmgatewayhq/gateway/internal/gwerrors"
	"github.com/llmgatewayhq/gateway/internal/session"
	"github.com/llmgatewayhq/gateway/internal/store"
)

// handleProxy implements the proxy endpoint: any path under /v1/**,
// client format inferred from the path, guarded by the payment-plan
// check, forwarded through the retry loop, then written through by
// the response handler.
func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	clientFormat, ok := clientFormatForPath(r.URL.Path)
	if !ok {
		writeError(w, gwerrors.New(gwerrors.KindInternalError, "unrecognized proxy path").WithStatus(http.StatusNotFound))
		return
	}

	p := principalFrom(r.Context())
	if p == nil {
		writeError(w, gwerrors.New(gwerrors.KindAuthDenied, "not authenticated"))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, int64(s.cfg.MaxRequestBodyMB)<<20)

	sess, err := session.New(r, clientFormat)
	if err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.KindInternalError, "failed to read request body", err).WithStatus(http.StatusBadRequest))
		return
	}

	sess.ProviderGroup = p.User.ProviderGroup

	decision := s.guard.Guard(sess.Context(), p)
	if !decision.Allowed {
		writeError(w, decision.Deny)
		return
	}
	sess.Plan = decision.Plan

	row := &store.MessageRequestRow{
		ID:            uuid.NewString(),
		UserID:        p.User.ID,
		KeyHash:       p.Key.Hash(),
		SessionID:     sess.ID,
		Model:         sess.CurrentModel,
		OriginalModel: sess.OriginalModel,
		PaymentSource: decision.Plan.Source,
		CreatedAt:     sess.StartTime,
		UpdatedAt:     sess.StartTime,
	}
	if err := s.st.Create(sess.Context(), row); err != nil {
		writeError(w, gwerrors.Wrap(gwerrors.KindInternalError, "failed to create audit row", err).WithStatus(http.StatusInternalServerError))
		return
	}
	sess.MessageRequestID = row.ID

	result, gerr := s.fwd.Forward(sess.Context(), sess)
	if gerr != nil {
		// Client aborts included: the row still gets its status code and
		// provider chain for auditability, just never a cost.
		s.finalizeFailure(sess, gerr)
		writeError(w, gerr)
		return
	}
	defer result.ReleaseConcurrency()

	s.resp.Handle(sess.Context(), sess, p, result.Provider, result.Response, w)
}

// finalizeFailure records the abstract exhaustion outcome (or a
// pre-dispatch internal error, or a client abort) against the audit row,
// since no provider response exists for the response handler to meter.
// It writes under its own context: on a client abort the session context
// is already cancelled, and the audit write must still land.
func (s *Server) finalizeFailure(sess *session.Session, gerr *gwerrors.Error) {
	row := &store.MessageRequestRow{
		ID:            sess.MessageRequestID,
		StatusCode:    gerr.Status,
		DurationMs:    time.Since(sess.StartTime).Milliseconds(),
		ErrorMessage:  gerr.Message,
		ProviderChain: sess.ChainSnapshot(),
		UpdatedAt:     time.Now(),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.st.Update(ctx, row); err != nil {
		slog.Error("proxy: failure audit write failed", "error", err, "session", sess.ID)
	}
}
