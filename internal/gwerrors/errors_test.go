package gwerrors

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestDefaultStatusPerKind(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindClientAbort, 499},
		{KindSystemError, 502},
		{KindProviderError, 502},
		{KindQuotaDenied, 429},
		{KindAuthDenied, 401},
		{KindSelectionEmpty, 503},
		{KindInternalError, 500},
	}
	for _, tc := range cases {
		if got := New(tc.kind, "x").Status; got != tc.want {
			t.Errorf("default status for %s = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestClientEnvelopeKindMapping(t *testing.T) {
	cases := []struct {
		status int
		want   string
	}{
		{400, "invalid_request_error"},
		{401, "authentication_error"},
		{403, "authentication_error"},
		{429, "rate_limit_error"},
		{499, "client_closed"},
		{500, "api_error"},
		{502, "api_error"},
		{503, "api_error"},
		{529, "overloaded_error"},
		{418, "api_error"},
	}
	for _, tc := range cases {
		e := New(KindProviderError, "upstream trouble").WithStatus(tc.status)
		var envelope struct {
			Type  string `json:"type"`
			Error struct {
				Type    string `json:"type"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(e.JSON(), &envelope); err != nil {
			t.Fatalf("envelope for %d is not JSON: %v", tc.status, err)
		}
		if envelope.Type != "error" {
			t.Fatalf("envelope type = %q", envelope.Type)
		}
		if envelope.Error.Type != tc.want {
			t.Errorf("kind for %d = %q, want %q", tc.status, envelope.Error.Type, tc.want)
		}
		if envelope.Error.Message != "upstream trouble" {
			t.Errorf("message = %q", envelope.Error.Message)
		}
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("socket closed")
	e := Wrap(KindSystemError, "dispatch failed", cause)
	if !errors.Is(e, cause) {
		t.Fatal("wrapped cause must unwrap")
	}
	if !strings.Contains(e.Error(), "socket closed") {
		t.Fatalf("error text = %q", e.Error())
	}
}

func TestAsCoercesGenericErrors(t *testing.T) {
	plain := errors.New("oops")
	e := As(plain)
	if e.Kind != KindInternalError {
		t.Fatalf("kind = %s, want internal_error", e.Kind)
	}
	already := New(KindQuotaDenied, "limit")
	if As(already) != already {
		t.Fatal("existing *Error must pass through unchanged")
	}
	if As(nil) != nil {
		t.Fatal("nil in, nil out")
	}
}

func TestSSERendering(t *testing.T) {
	e := New(KindProviderError, "x").WithStatus(502)
	s := string(e.SSE())
	if !strings.HasPrefix(s, "event: error\ndata: ") || !strings.HasSuffix(s, "\n\n") {
		t.Fatalf("sse framing = %q", s)
	}
}
