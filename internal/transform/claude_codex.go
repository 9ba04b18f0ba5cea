package transform

import (
	"github.com/llmgatewayhq/gateway/internal/wire"
)

// claudeToCodexRequest converts a Claude messages-API body into a Codex
// Responses-API body: messages -> input, system -> instructions, and
// per-message content-block renames (text becomes input_text; tool_use/
// tool_result get Codex's function_call/function_call_output shape).
func claudeToCodexRequest(body *wire.Body, targetModel string) (*wire.Body, error) {
	out := map[string]any{"model": targetModel}

	// An explicit instructions field (set by the auto-repair path) wins
	// over the system prompt.
	if instr, ok := body.Instructions(); ok {
		out["instructions"] = instr
	} else if sys, ok := body.System(); ok {
		out["instructions"] = systemToString(sys)
	}

	if messages, ok := body.Messages(); ok {
		out["input"] = convertMessagesToInput(messages)
	}

	if tools, ok := body.Tools(); ok {
		out["tools"] = convertToolsClaudeToCodex(tools)
	}

	if stream, ok := body.Raw["stream"]; ok {
		out["stream"] = stream
	}
	if maxTokens, ok := body.Raw["max_tokens"]; ok {
		out["max_output_tokens"] = maxTokens
	}

	return &wire.Body{Format: wire.FormatCodex, Raw: out}, nil
}

// codexToClaudeRequest converts a Codex Responses-API body into a Claude
// messages-API body: input -> messages, instructions -> system.
func codexToClaudeRequest(body *wire.Body, targetModel string) (*wire.Body, error) {
	out := map[string]any{"model": targetModel}

	if instr, ok := body.Instructions(); ok {
		out["system"] = instr
	}
	if input, ok := body.Input(); ok {
		out["messages"] = convertInputToMessages(input)
	}
	if tools, ok := body.Tools(); ok {
		out["tools"] = convertToolsCodexToClaude(tools)
	}
	if stream, ok := body.Raw["stream"]; ok {
		out["stream"] = stream
	}
	if maxOut, ok := body.Raw["max_output_tokens"]; ok {
		out["max_tokens"] = maxOut
	}

	return &wire.Body{Format: wire.FormatClaude, Raw: out}, nil
}

func systemToString(sys any) string {
	switch v := sys.(type) {
	case string:
		return v
	case []any:
		out := ""
		for _, block := range v {
			if m, ok := block.(map[string]any); ok {
				if t, ok := m["text"].(string); ok {
					if out != "" {
						out += "\n"
					}
					out += t
				}
			}
		}
		return out
	default:
		return ""
	}
}

func convertMessagesToInput(messages []any) []any {
	out := make([]any, 0, len(messages))
	for _, msg := range messages {
		m, ok := msg.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		switch content := m["content"].(type) {
		case string:
			out = append(out, map[string]any{
				"role":    role,
				"content": []any{map[string]any{"type": "input_text", "text": content}},
			})
		case []any:
			items := make([]any, 0, len(content))
			for _, block := range content {
				bm, ok := block.(map[string]any)
				if !ok {
					continue
				}
				items = append(items, convertContentBlockToCodex(bm))
			}
			out = append(out, map[string]any{"role": role, "content": items})
		}
	}
	return out
}

func convertContentBlockToCodex(bm map[string]any) map[string]any {
	switch bm["type"] {
	case "text":
		return map[string]any{"type": "input_text", "text": bm["text"]}
	case "tool_use":
		return map[string]any{
			"type":      "function_call",
			"name":      bm["name"],
			"call_id":   bm["id"],
			"arguments": bm["input"],
		}
	case "tool_result":
		return map[string]any{
			"type":    "function_call_output",
			"call_id": bm["tool_use_id"],
			"output":  bm["content"],
		}
	default:
		return bm
	}
}

func convertInputToMessages(input []any) []any {
	out := make([]any, 0, len(input))
	for _, item := range input {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		role, _ := m["role"].(string)
		content, _ := m["content"].([]any)
		blocks := make([]any, 0, len(content))
		for _, c := range content {
			cm, ok := c.(map[string]any)
			if !ok {
				continue
			}
			blocks = append(blocks, convertContentBlockToClaude(cm))
		}
		out = append(out, map[string]any{"role": role, "content": blocks})
	}
	return out
}

func convertContentBlockToClaude(cm map[string]any) map[string]any {
	switch cm["type"] {
	case "input_text", "output_text":
		return map[string]any{"type": "text", "text": cm["text"]}
	case "function_call":
		return map[string]any{
			"type":  "tool_use",
			"id":    cm["call_id"],
			"name":  cm["name"],
			"input": cm["arguments"],
		}
	case "function_call_output":
		return map[string]any{
			"type":        "tool_result",
			"tool_use_id": cm["call_id"],
			"content":     cm["output"],
		}
	default:
		return cm
	}
}

func convertToolsClaudeToCodex(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"type":        "function",
			"name":        tm["name"],
			"description": tm["description"],
			"parameters":  tm["input_schema"],
		})
	}
	return out
}

func convertToolsCodexToClaude(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		out = append(out, map[string]any{
			"name":         tm["name"],
			"description":  tm["description"],
			"input_schema": tm["parameters"],
		})
	}
	return out
}

// codexToClaudeResponse converts a completed Codex response body into a
// Claude-shaped message body, preserving usage counts.
func codexToClaudeResponse(body map[string]any) (map[string]any, error) {
	out := map[string]any{"type": "message", "role": "assistant"}
	if resp, ok := body["response"].(map[string]any); ok {
		if output, ok := resp["output"].([]any); ok {
			content := make([]any, 0, len(output))
			for _, item := range output {
				if m, ok := item.(map[string]any); ok {
					content = append(content, convertContentBlockToClaude(m))
				}
			}
			out["content"] = content
		}
		if usage, ok := resp["usage"]; ok {
			out["usage"] = normalizeUsageToFlat(usage)
		}
		if model, ok := resp["model"]; ok {
			out["model"] = model
		}
	}
	return out, nil
}

// claudeToCodexResponse converts a completed Claude response body into a
// Codex Responses-API shaped body, preserving usage counts.
func claudeToCodexResponse(body map[string]any) (map[string]any, error) {
	out := map[string]any{}
	response := map[string]any{}
	if content, ok := body["content"].([]any); ok {
		items := make([]any, 0, len(content))
		for _, c := range content {
			if m, ok := c.(map[string]any); ok {
				items = append(items, convertContentBlockToCodex(m))
			}
		}
		response["output"] = items
	}
	if usage, ok := body["usage"]; ok {
		response["usage"] = usage
	}
	if model, ok := body["model"]; ok {
		response["model"] = model
	}
	out["response"] = response
	return out, nil
}

// normalizeUsageToFlat maps a Codex usage object (which may carry the
// nested input_tokens_details.cached_tokens shape) onto the flat Claude
// usage field set, using wire.ExtractUsage's precedence rule.
func normalizeUsageToFlat(raw any) map[string]any {
	m, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{}
	}
	u, _ := wire.ExtractUsage(map[string]any{"usage": m})
	return map[string]any{
		"input_tokens":                u.InputTokens,
		"output_tokens":               u.OutputTokens,
		"cache_creation_input_tokens": u.CacheCreationInputTokens,
		"cache_read_input_tokens":     u.CacheReadInputTokens,
	}
}
