package transform

import (
	"bufio"
	"encoding/json"
	"strings"
)

// SSEEvent is one complete server-sent event.
type SSEEvent struct {
	Event string
	Data  string
}

// Bytes renders the event in wire form, terminated by a blank line.
func (e SSEEvent) Bytes() []byte {
	var b strings.Builder
	if e.Event != "" {
		b.WriteString("event: ")
		b.WriteString(e.Event)
		b.WriteByte('\n')
	}
	for _, line := range strings.Split(e.Data, "\n") {
		b.WriteString("data: ")
		b.WriteString(line)
		b.WriteByte('\n')
	}
	b.WriteByte('\n')
	return []byte(b.String())
}

// State is the opaque per-stream value a StreamTransformer threads across
// chunks, per the design note's init/transform pair (rather than
// inheritance-based transducer classes).
type State any

// StreamTransformer is a pair of functions: Init builds the initial State
// for a stream, Transform consumes one input chunk (possibly a fragment
// of an SSE event) against the current State and returns the updated
// State plus zero or more complete output events. Errors are the
// transducer's own business — on a transform error the raw chunk must
// still reach the client, so Transform should recover internally rather
// than propagate.
type StreamTransformer struct {
	Init      func() State
	Transform func(State, []byte) (State, []SSEEvent)
}

func identityPassthrough(s State, chunk []byte) (State, []SSEEvent) {
	events := parseSSEChunk(chunk)
	return s, events
}

var identityStream = StreamTransformer{
	Init:      func() State { return nil },
	Transform: identityPassthrough,
}

// parseSSEChunk parses whatever complete "event:\ndata:\n\n" blocks are
// present in chunk. It does not buffer partial events across calls —
// callers feed it line-buffered input (the response handler's SSE
// scanner already splits on blank lines), so a chunk is always one
// complete event here.
func parseSSEChunk(chunk []byte) []SSEEvent {
	sc := bufio.NewScanner(strings.NewReader(string(chunk)))
	var ev SSEEvent
	var data []string
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if len(data) == 0 && ev.Event == "" {
		return nil
	}
	ev.Data = strings.Join(data, "\n")
	return []SSEEvent{ev}
}

// codexStreamState accumulates what's needed to emit Claude-shaped
// events from a Codex SSE stream: the message id and role are assigned
// once, at message_start.
type codexStreamState struct {
	started bool
	msgID   string
}

// codexToClaudeStream builds the Codex->Claude stream transducer. It
// recognizes response.output_text.delta as Claude content_block_delta,
// and response.completed as message_delta carrying usage.
func codexToClaudeStream() StreamTransformer {
	return StreamTransformer{
		Init: func() State { return &codexStreamState{} },
		Transform: func(s State, chunk []byte) (State, []SSEEvent) {
			st, _ := s.(*codexStreamState)
			if st == nil {
				st = &codexStreamState{}
			}
			in := parseSSEChunk(chunk)
			var out []SSEEvent
			for _, e := range in {
				var payload map[string]any
				if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
					out = append(out, e) // pass through raw on parse failure
					continue
				}
				switch e.Event {
				case "response.created":
					st.started = true
					if resp, ok := payload["response"].(map[string]any); ok {
						if id, ok := resp["id"].(string); ok {
							st.msgID = id
						}
					}
					out = append(out, claudeEvent("message_start", map[string]any{
						"type": "message_start",
						"message": map[string]any{
							"id": st.msgID, "type": "message", "role": "assistant",
						},
					}))
				case "response.output_text.delta":
					delta, _ := payload["delta"].(string)
					out = append(out, claudeEvent("content_block_delta", map[string]any{
						"type":  "content_block_delta",
						"delta": map[string]any{"type": "text_delta", "text": delta},
					}))
				case "response.completed":
					usage := map[string]any{}
					if resp, ok := payload["response"].(map[string]any); ok {
						if u, ok := resp["usage"]; ok {
							usage = normalizeUsageToFlat(u)
						}
					}
					out = append(out, claudeEvent("message_delta", map[string]any{
						"type":  "message_delta",
						"usage": usage,
					}))
				default:
					out = append(out, e)
				}
			}
			return st, out
		},
	}
}

// claudeToCodexStream builds the Claude->Codex stream transducer,
// mirroring codexToClaudeStream in the opposite direction.
func claudeToCodexStream() StreamTransformer {
	return StreamTransformer{
		Init: func() State { return &codexStreamState{} },
		Transform: func(s State, chunk []byte) (State, []SSEEvent) {
			in := parseSSEChunk(chunk)
			var out []SSEEvent
			for _, e := range in {
				var payload map[string]any
				if err := json.Unmarshal([]byte(e.Data), &payload); err != nil {
					out = append(out, e)
					continue
				}
				switch e.Event {
				case "content_block_delta":
					delta, _ := payload["delta"].(map[string]any)
					text, _ := delta["text"].(string)
					out = append(out, claudeEvent("response.output_text.delta", map[string]any{
						"delta": text,
					}))
				case "message_delta":
					usage, _ := payload["usage"].(map[string]any)
					out = append(out, claudeEvent("response.completed", map[string]any{
						"response": map[string]any{"usage": usage},
					}))
				default:
					out = append(out, e)
				}
			}
			return s, out
		},
	}
}

func claudeEvent(eventType string, payload map[string]any) SSEEvent {
	b, err := json.Marshal(payload)
	if err != nil {
		return SSEEvent{Event: eventType, Data: "{}"}
	}
	return SSEEvent{Event: eventType, Data: string(b)}
}
