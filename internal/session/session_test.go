package session

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/llmgatewayhq/gateway/internal/store"
	"github.com/llmgatewayhq/gateway/internal/wire"
)

func newSession(t *testing.T, body string) *Session {
	t.Helper()
	r := httptest.NewRequest("POST", "/v1/messages", strings.NewReader(body))
	r.Header.Set("User-Agent", "claude-cli/1.0.0")
	s, err := New(r, wire.FormatClaude)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func TestNewSessionParsesBody(t *testing.T) {
	s := newSession(t, `{"model":"m1","messages":[{"role":"user","content":"hello"}]}`)
	if s.Body == nil {
		t.Fatal("body should parse")
	}
	if s.OriginalModel != "m1" || s.CurrentModel != "m1" {
		t.Fatalf("model = (%q, %q), want m1", s.OriginalModel, s.CurrentModel)
	}
	if s.UserAgent != "claude-cli/1.0.0" {
		t.Fatalf("user agent = %q", s.UserAgent)
	}
	if s.ID == "" {
		t.Fatal("session id must be derived")
	}
}

func TestNewSessionKeepsRawOnDecodeFailure(t *testing.T) {
	s := newSession(t, `not json at all`)
	if s.Body != nil {
		t.Fatal("body should be nil for malformed JSON")
	}
	if s.DecodeNote == "" {
		t.Fatal("decode failure must record a diagnostic note")
	}
	if string(s.RawBody) != "not json at all" {
		t.Fatal("raw body must be preserved")
	}
}

func TestSessionIDStableForSameConversation(t *testing.T) {
	body := `{"model":"m1","metadata":{"user_id":"conv-42"},"messages":[{"role":"user","content":"a"}]}`
	s1 := newSession(t, body)
	s2 := newSession(t, `{"model":"m1","metadata":{"user_id":"conv-42"},"messages":[{"role":"user","content":"b"},{"role":"assistant","content":"c"}]}`)
	if s1.ID != s2.ID {
		t.Fatalf("ids differ for same conversation: %s vs %s", s1.ID, s2.ID)
	}

	s3 := newSession(t, `{"model":"m1","metadata":{"user_id":"conv-43"},"messages":[{"role":"user","content":"a"}]}`)
	if s1.ID == s3.ID {
		t.Fatal("different conversations must not share a session id")
	}
}

func TestSessionIDWithoutMetadataUsesLeadingContext(t *testing.T) {
	// Same conversation growing by one turn keeps its id: the first
	// message is the stable prefix.
	s1 := newSession(t, `{"model":"m1","messages":[{"role":"user","content":"plan my week"}]}`)
	s2 := newSession(t, `{"model":"m1","messages":[{"role":"user","content":"plan my week"},{"role":"assistant","content":"sure"}]}`)
	if s1.ID != s2.ID {
		t.Fatalf("growing conversation changed id: %s vs %s", s1.ID, s2.ID)
	}

	// Unrelated conversations must not collapse onto one id.
	s3 := newSession(t, `{"model":"m1","messages":[{"role":"user","content":"summarize this"}]}`)
	if s1.ID == s3.ID {
		t.Fatal("unrelated conversations share a session id")
	}
}

func TestSessionIDFreshWhenNoSignal(t *testing.T) {
	s1 := newSession(t, `{"model":"m1"}`)
	s2 := newSession(t, `{"model":"m1"}`)
	if s1.ID == s2.ID {
		t.Fatal("bodies with no conversation context must get distinct ids")
	}
}

func TestIsProbeRequest(t *testing.T) {
	cases := []struct {
		name string
		body string
		want bool
	}{
		{"foo string content", `{"messages":[{"role":"user","content":"foo"}]}`, true},
		{"count upper trimmed", `{"messages":[{"role":"user","content":"  COUNT "}]}`, true},
		{"block content foo", `{"messages":[{"role":"user","content":[{"type":"text","text":"foo"}]}]}`, true},
		{"ordinary text", `{"messages":[{"role":"user","content":"hello"}]}`, false},
		{"multi message", `{"messages":[{"role":"user","content":"foo"},{"role":"assistant","content":"bar"}]}`, false},
		{"codex input shape", `{"input":[{"role":"user","content":[{"type":"input_text","text":"count"}]}]}`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newSession(t, tc.body)
			if got := s.IsProbeRequest(); got != tc.want {
				t.Fatalf("IsProbeRequest = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestIsMultiTurn(t *testing.T) {
	single := newSession(t, `{"messages":[{"role":"user","content":"a"}]}`)
	if single.IsMultiTurn() {
		t.Fatal("single message is not multi-turn")
	}
	multi := newSession(t, `{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`)
	if !multi.IsMultiTurn() {
		t.Fatal("two messages is multi-turn")
	}
}

func TestChainAppendNumbersAttemptsPerProvider(t *testing.T) {
	s := newSession(t, `{"messages":[{"role":"user","content":"a"}]}`)

	s.AppendChainItem(store.ProviderChainItem{ProviderID: "a", Reason: "retry_failed"})
	s.AppendChainItem(store.ProviderChainItem{ProviderID: "a", Reason: "retry_failed"})
	s.AppendChainItem(store.ProviderChainItem{ProviderID: "b", Reason: "request_success"})

	chain := s.ChainSnapshot()
	if len(chain) != 3 {
		t.Fatalf("chain length = %d", len(chain))
	}
	if chain[0].Attempt != 1 || chain[1].Attempt != 2 {
		t.Fatalf("attempts for provider a = (%d, %d), want (1, 2)", chain[0].Attempt, chain[1].Attempt)
	}
	if chain[2].Attempt != 1 {
		t.Fatalf("attempt for provider b = %d, want 1", chain[2].Attempt)
	}

	// Snapshot is a copy: mutating it must not affect the session.
	chain[0].Reason = "mutated"
	if s.ChainSnapshot()[0].Reason != "retry_failed" {
		t.Fatal("snapshot must be isolated from the session's chain")
	}
}
