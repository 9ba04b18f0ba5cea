package transform

import "github.com/llmgatewayhq/gateway/internal/wire"

// claudeToOpenAIRequest converts a Claude messages-API body into an
// OpenAI chat-completions body: system becomes a leading "system" role
// message; each message's content collapses to a plain string made of its
// text blocks. tool_use and tool_result blocks carry no text and are
// dropped, so tool-use references are not translated.
func claudeToOpenAIRequest(body *wire.Body, targetModel string) (*wire.Body, error) {
	out := map[string]any{"model": targetModel}
	messages := []any{}

	if sys, ok := body.System(); ok {
		if s := systemToString(sys); s != "" {
			messages = append(messages, map[string]any{"role": "system", "content": s})
		}
	}
	if claudeMessages, ok := body.Messages(); ok {
		for _, msg := range claudeMessages {
			m, ok := msg.(map[string]any)
			if !ok {
				continue
			}
			messages = append(messages, map[string]any{
				"role":    m["role"],
				"content": flattenContent(m["content"]),
			})
		}
	}
	out["messages"] = messages

	if tools, ok := body.Tools(); ok {
		list := make([]any, 0, len(tools))
		for _, t := range tools {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			list = append(list, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        tm["name"],
					"description": tm["description"],
					"parameters":  tm["input_schema"],
				},
			})
		}
		out["tools"] = list
	}
	if stream, ok := body.Raw["stream"]; ok {
		out["stream"] = stream
	}
	if maxTokens, ok := body.Raw["max_tokens"]; ok {
		out["max_tokens"] = maxTokens
	}

	return &wire.Body{Format: wire.FormatOpenAI, Raw: out}, nil
}

// openAIToClaudeRequest converts an OpenAI chat-completions body into a
// Claude messages-API body, lifting a system message out to the
// top-level "system" field. Each other message's content is wrapped as a
// single text block; assistant tool_calls are not carried over, and
// tool-role messages keep their role unchanged.
func openAIToClaudeRequest(body *wire.Body, targetModel string) (*wire.Body, error) {
	out := map[string]any{"model": targetModel}
	messages, _ := body.Raw["messages"].([]any)

	claudeMessages := make([]any, 0, len(messages))
	for _, msg := range messages {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}
		if m["role"] == "system" {
			out["system"] = m["content"]
			continue
		}
		claudeMessages = append(claudeMessages, map[string]any{
			"role":    m["role"],
			"content": []any{map[string]any{"type": "text", "text": m["content"]}},
		})
	}
	out["messages"] = claudeMessages

	if tools, ok := body.Raw["tools"].([]any); ok {
		list := make([]any, 0, len(tools))
		for _, t := range tools {
			tm, ok := t.(map[string]any)
			if !ok {
				continue
			}
			fn, _ := tm["function"].(map[string]any)
			list = append(list, map[string]any{
				"name":         fn["name"],
				"description":  fn["description"],
				"input_schema": fn["parameters"],
			})
		}
		out["tools"] = list
	}
	if stream, ok := body.Raw["stream"]; ok {
		out["stream"] = stream
	}
	if maxTokens, ok := body.Raw["max_tokens"]; ok {
		out["max_tokens"] = maxTokens
	}

	return &wire.Body{Format: wire.FormatClaude, Raw: out}, nil
}

func flattenContent(content any) string {
	switch v := content.(type) {
	case string:
		return v
	case []any:
		out := ""
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					out += t
				}
			}
		}
		return out
	default:
		return ""
	}
}

// openAIToClaudeResponse converts a completed OpenAI chat-completions
// response into a Claude-shaped message body.
func openAIToClaudeResponse(body map[string]any) (map[string]any, error) {
	out := map[string]any{"type": "message", "role": "assistant"}
	choices, _ := body["choices"].([]any)
	if len(choices) > 0 {
		if choice, ok := choices[0].(map[string]any); ok {
			if msg, ok := choice["message"].(map[string]any); ok {
				text := flattenContent(msg["content"])
				out["content"] = []any{map[string]any{"type": "text", "text": text}}
			}
		}
	}
	if usage, ok := body["usage"]; ok {
		out["usage"] = usage
	}
	if model, ok := body["model"]; ok {
		out["model"] = model
	}
	return out, nil
}

// claudeToOpenAIResponse converts a completed Claude response body into
// an OpenAI chat-completions shaped body.
func claudeToOpenAIResponse(body map[string]any) (map[string]any, error) {
	text := ""
	if content, ok := body["content"].([]any); ok {
		text = flattenContent(content)
	}
	out := map[string]any{
		"choices": []any{
			map[string]any{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": text},
				"finish_reason": "stop",
			},
		},
	}
	if usage, ok := body["usage"]; ok {
		out["usage"] = usage
	}
	if model, ok := body["model"]; ok {
		out["model"] = model
	}
	return out, nil
}
