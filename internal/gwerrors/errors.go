// Package gwerrors defines the gateway's error taxonomy and the wire
// representation clients receive when a request fails.
package gwerrors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Kind classifies a failure into one of the gateway's outcome buckets.
// Every terminal response maps back to exactly one of these.
type Kind string

const (
	KindClientAbort    Kind = "client_abort"
	KindSystemError    Kind = "system_error"
	KindProviderError  Kind = "provider_error"
	KindQuotaDenied    Kind = "quota_denied"
	KindAuthDenied     Kind = "auth_denied"
	KindSelectionEmpty Kind = "selection_empty"
	KindInternalError  Kind = "internal_error"
)

// Error is the gateway's canonical error value. It carries enough
// information to pick an HTTP status and a client-facing JSON body.
type Error struct {
	Kind           Kind
	Status         int
	Message        string
	Retryable      bool   // whether the forwarder may attempt another provider
	CountsFail     bool   // whether this counts as a circuit breaker failure
	RateLimitScope string // user|key|provider, X-RateLimit-Type on a 429
	Cause          error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// kindStatus is the default status-code per kind when one is not given
// explicitly by the call site (a provider_error, for instance, usually
// carries its own upstream status).
var kindStatus = map[Kind]int{
	KindClientAbort:    499,
	KindSystemError:    http.StatusBadGateway,
	KindProviderError:  http.StatusBadGateway,
	KindQuotaDenied:    http.StatusTooManyRequests,
	KindAuthDenied:     http.StatusUnauthorized,
	KindSelectionEmpty: http.StatusServiceUnavailable,
	KindInternalError:  http.StatusInternalServerError,
}

// New builds an Error of the given kind with the default status for that
// kind and no retry/circuit-breaker side effects.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Status: kindStatus[kind], Message: message}
}

// Wrap builds an Error of the given kind around an underlying cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Status: kindStatus[kind], Message: message, Cause: cause}
}

// WithStatus overrides the HTTP status (used when forwarding an upstream
// status code verbatim for provider_error).
func (e *Error) WithStatus(status int) *Error {
	e.Status = status
	return e
}

// WithRateLimitScope annotates a 429 with the X-RateLimit-Type header
// value.
func (e *Error) WithRateLimitScope(scope string) *Error {
	e.RateLimitScope = scope
	return e
}

// RetryAfterSeconds is the fixed Retry-After value for a 429.
const RetryAfterSeconds = "3600"

// WithRetry marks whether the forwarder should attempt another provider
// and whether this outcome should count against the circuit breaker.
func (e *Error) WithRetry(retryable, countsFail bool) *Error {
	e.Retryable = retryable
	e.CountsFail = countsFail
	return e
}

// body is the JSON shape clients receive on failure, per the gateway's
// error envelope: {"type":"error","error":{"type":...,"message":...}}.
type body struct {
	Type  string    `json:"type"`
	Error errorBody `json:"error"`
}

type errorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// clientKind maps an HTTP status to the client-visible error kind.
// This is distinct from Kind: Kind is the internal taxonomy used for
// control flow and audit rows; clientKind is only what the client sees.
func clientKind(status int) string {
	switch {
	case status == 400:
		return "invalid_request_error"
	case status == 401 || status == 403:
		return "authentication_error"
	case status == 429:
		return "rate_limit_error"
	case status == 499:
		return "client_closed"
	case status == 529:
		return "overloaded_error"
	case status == 500 || status == 502 || status == 503:
		return "api_error"
	default:
		return "api_error"
	}
}

// JSON renders the client-facing error envelope for e, using the
// status-to-kind mapping rather than the internal Kind taxonomy — a
// quota_denied, for instance, surfaces to the client as
// invalid_request_error or rate_limit_error depending on its status, and
// never leaks the internal taxonomy name.
func (e *Error) JSON() []byte {
	b := body{Type: "error", Error: errorBody{Type: clientKind(e.Status), Message: e.Message}}
	out, err := json.Marshal(b)
	if err != nil {
		return []byte(`{"type":"error","error":{"type":"internal_error","message":"failed to encode error"}}`)
	}
	return out
}

// SSE renders e as an SSE "event: error" block for mid-stream failures.
func (e *Error) SSE() []byte {
	payload := e.JSON()
	return []byte(fmt.Sprintf("event: error\ndata: %s\n\n", payload))
}

// As attempts to coerce a generic error into a *Error, defaulting to
// internal_error when it isn't already one.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if ge, ok := err.(*Error); ok {
		return ge
	}
	return Wrap(KindInternalError, "unexpected error", err)
}
