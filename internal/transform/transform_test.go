package transform

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/llmgatewayhq/gateway/internal/wire"
)

func parseClaude(t *testing.T, raw string) *wire.Body {
	t.Helper()
	b, err := wire.ParseBody(wire.FormatClaude, []byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return b
}

func TestRegistryHasIdentityPairs(t *testing.T) {
	r := NewRegistry()
	for _, f := range []wire.Format{wire.FormatClaude, wire.FormatCodex, wire.FormatOpenAI} {
		if _, err := r.Request(f, f); err != nil {
			t.Fatalf("missing identity request transformer for %s: %v", f, err)
		}
		if _, err := r.Response(f, f); err != nil {
			t.Fatalf("missing identity response transformer for %s: %v", f, err)
		}
		if _, err := r.Stream(f, f); err != nil {
			t.Fatalf("missing identity stream transformer for %s: %v", f, err)
		}
	}
}

func TestClaudeCodexRequestRoundTrip(t *testing.T) {
	in := parseClaude(t, `{
		"model": "m1",
		"system": "be concise",
		"messages": [
			{"role": "user", "content": [{"type": "text", "text": "list files"}]},
			{"role": "assistant", "content": [{"type": "tool_use", "id": "call_1", "name": "ls", "input": {"path": "/tmp"}}]},
			{"role": "user", "content": [{"type": "tool_result", "tool_use_id": "call_1", "content": "a.txt"}]}
		],
		"tools": [{"name": "ls", "description": "list", "input_schema": {"type": "object"}}]
	}`)

	r := NewRegistry()
	toCodex, _ := r.Request(wire.FormatClaude, wire.FormatCodex)
	toClaude, _ := r.Request(wire.FormatCodex, wire.FormatClaude)

	codex, err := toCodex(in, "m1")
	if err != nil {
		t.Fatalf("claude->codex: %v", err)
	}
	if instr, _ := codex.Instructions(); instr != "be concise" {
		t.Fatalf("instructions = %q", instr)
	}
	if _, ok := codex.Input(); !ok {
		t.Fatal("codex body must carry input array")
	}

	back, err := toClaude(codex, "m1")
	if err != nil {
		t.Fatalf("codex->claude: %v", err)
	}

	if m, _ := back.Model(); m != "m1" {
		t.Fatalf("model = %q", m)
	}
	if sys, _ := back.System(); sys != "be concise" {
		t.Fatalf("system = %v", sys)
	}

	messages, ok := back.Messages()
	if !ok || len(messages) != 3 {
		t.Fatalf("messages = %v", messages)
	}
	first := messages[0].(map[string]any)
	blocks := first["content"].([]any)
	if tb := blocks[0].(map[string]any); tb["type"] != "text" || tb["text"] != "list files" {
		t.Fatalf("text block = %v", tb)
	}
	second := messages[1].(map[string]any)
	tu := second["content"].([]any)[0].(map[string]any)
	if tu["type"] != "tool_use" || tu["id"] != "call_1" || tu["name"] != "ls" {
		t.Fatalf("tool_use block = %v", tu)
	}
	third := messages[2].(map[string]any)
	tr := third["content"].([]any)[0].(map[string]any)
	if tr["type"] != "tool_result" || tr["tool_use_id"] != "call_1" || tr["content"] != "a.txt" {
		t.Fatalf("tool_result block = %v", tr)
	}

	tools, ok := back.Tools()
	if !ok || len(tools) != 1 {
		t.Fatalf("tools = %v", tools)
	}
	tool := tools[0].(map[string]any)
	if tool["name"] != "ls" || tool["input_schema"] == nil {
		t.Fatalf("tool = %v", tool)
	}
}

func TestRepairedInstructionsWinOverSystem(t *testing.T) {
	in := parseClaude(t, `{"model":"m1","system":"original","messages":[{"role":"user","content":"hi"}]}`)
	in.SetInstructions("repaired")

	r := NewRegistry()
	toCodex, _ := r.Request(wire.FormatClaude, wire.FormatCodex)
	codex, err := toCodex(in, "m1")
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	if instr, _ := codex.Instructions(); instr != "repaired" {
		t.Fatalf("instructions = %q, want the repaired string", instr)
	}
}

func TestCodexToClaudeResponsePreservesUsage(t *testing.T) {
	body := map[string]any{"response": map[string]any{
		"model": "m1",
		"output": []any{
			map[string]any{"type": "output_text", "text": "hello"},
		},
		"usage": map[string]any{
			"input_tokens":         float64(10),
			"output_tokens":        float64(20),
			"input_tokens_details": map[string]any{"cached_tokens": float64(3)},
		},
	}}

	out, err := codexToClaudeResponse(body)
	if err != nil {
		t.Fatalf("transform: %v", err)
	}
	u, ok := wire.ExtractUsage(out)
	if !ok {
		t.Fatal("usage lost in translation")
	}
	if u.InputTokens != 10 || u.OutputTokens != 20 || u.CacheReadInputTokens != 3 {
		t.Fatalf("usage = %+v", u)
	}
	content := out["content"].([]any)
	if tb := content[0].(map[string]any); tb["type"] != "text" || tb["text"] != "hello" {
		t.Fatalf("content = %v", tb)
	}
}

func TestCodexToClaudeStreamTransducer(t *testing.T) {
	st := codexToClaudeStream()
	state := st.Init()

	feed := func(chunk string) []SSEEvent {
		var evs []SSEEvent
		state, evs = st.Transform(state, []byte(chunk))
		return evs
	}

	evs := feed("event: response.created\ndata: {\"response\":{\"id\":\"resp_1\"}}\n\n")
	if len(evs) != 1 || evs[0].Event != "message_start" {
		t.Fatalf("created -> %v", evs)
	}
	if !strings.Contains(evs[0].Data, "resp_1") {
		t.Fatalf("message_start should carry the id, got %s", evs[0].Data)
	}

	evs = feed("event: response.output_text.delta\ndata: {\"delta\":\"hel\"}\n\n")
	if len(evs) != 1 || evs[0].Event != "content_block_delta" {
		t.Fatalf("delta -> %v", evs)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(evs[0].Data), &payload); err != nil {
		t.Fatalf("unmarshal delta: %v", err)
	}
	delta := payload["delta"].(map[string]any)
	if delta["text"] != "hel" {
		t.Fatalf("delta = %v", delta)
	}

	evs = feed("event: response.completed\ndata: {\"response\":{\"usage\":{\"input_tokens\":7,\"output_tokens\":9}}}\n\n")
	if len(evs) != 1 || evs[0].Event != "message_delta" {
		t.Fatalf("completed -> %v", evs)
	}
	if err := json.Unmarshal([]byte(evs[0].Data), &payload); err != nil {
		t.Fatalf("unmarshal completed: %v", err)
	}
	usage := payload["usage"].(map[string]any)
	if usage["input_tokens"] != float64(7) || usage["output_tokens"] != float64(9) {
		t.Fatalf("usage = %v", usage)
	}
}

func TestStreamTransducerPassesThroughOnBadJSON(t *testing.T) {
	st := codexToClaudeStream()
	state := st.Init()

	_, evs := st.Transform(state, []byte("event: response.output_text.delta\ndata: {broken\n\n"))
	if len(evs) != 1 {
		t.Fatalf("events = %v, want raw passthrough", evs)
	}
	if evs[0].Event != "response.output_text.delta" || evs[0].Data != "{broken" {
		t.Fatalf("raw chunk altered: %+v", evs[0])
	}
}

func TestSSEEventBytesFraming(t *testing.T) {
	e := SSEEvent{Event: "message_start", Data: "{\"a\":1}"}
	got := string(e.Bytes())
	want := "event: message_start\ndata: {\"a\":1}\n\n"
	if got != want {
		t.Fatalf("framing = %q, want %q", got, want)
	}

	multi := SSEEvent{Data: "line1\nline2"}
	if s := string(multi.Bytes()); s != "data: line1\ndata: line2\n\n" {
		t.Fatalf("multiline framing = %q", s)
	}
}
