// Package wire models the heterogeneous JSON request/response bodies that
// flow between clients and upstream providers as a tagged sum with typed
// accessors for the fields the gateway cares about, while retaining the
// raw tree for everything else so passthrough fields survive untouched.
package wire

import "encoding/json"

// Format identifies which provider wire protocol a body is shaped as.
type Format string

const (
	FormatClaude Format = "claude"
	FormatCodex  Format = "codex"
	FormatOpenAI Format = "openai"
)

// Body is a parsed request or response payload. Raw holds the full decoded
// tree (so unknown/passthrough fields are never dropped); the accessor
// methods below are typed views that read and write Raw directly.
type Body struct {
	Format Format
	Raw    map[string]any
}

// ParseBody decodes raw JSON bytes into a Body tagged with the given
// format. On decode failure the caller should keep the raw bytes instead;
// this package does not try to recover from malformed JSON.
func ParseBody(format Format, data []byte) (*Body, error) {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return &Body{Format: format, Raw: m}, nil
}

// Marshal serializes the body back to JSON.
func (b *Body) Marshal() ([]byte, error) {
	return json.Marshal(b.Raw)
}

// Model returns the "model" field, present in all three formats.
func (b *Body) Model() (string, bool) {
	m, ok := b.Raw["model"].(string)
	return m, ok
}

// SetModel overwrites the "model" field.
func (b *Body) SetModel(model string) {
	b.Raw["model"] = model
}

// Messages returns the Claude-style "messages" array, if present.
func (b *Body) Messages() ([]any, bool) {
	m, ok := b.Raw["messages"].([]any)
	return m, ok
}

// Input returns the Codex-style "input" array, if present.
func (b *Body) Input() ([]any, bool) {
	m, ok := b.Raw["input"].([]any)
	return m, ok
}

// System returns the Claude-style "system" field (string or block array).
func (b *Body) System() (any, bool) {
	v, ok := b.Raw["system"]
	return v, ok
}

// Instructions returns the Codex-style "instructions" string field.
func (b *Body) Instructions() (string, bool) {
	v, ok := b.Raw["instructions"].(string)
	return v, ok
}

// SetInstructions overwrites the "instructions" field, used by the
// Codex auto-repair path.
func (b *Body) SetInstructions(s string) {
	b.Raw["instructions"] = s
}

// Tools returns the "tools" array shared (with different inner shape)
// across all three formats.
func (b *Body) Tools() ([]any, bool) {
	t, ok := b.Raw["tools"].([]any)
	return t, ok
}

// IsStream reports whether the request asked for a streamed response.
func (b *Body) IsStream() bool {
	v, _ := b.Raw["stream"].(bool)
	return v
}

// Usage holds extracted token counts, independent of which shape (flat or
// nested) the source payload used.
type Usage struct {
	InputTokens              int
	OutputTokens             int
	CacheCreationInputTokens int
	CacheReadInputTokens     int
}

// ExtractUsage finds a usage object in a parsed response body at either
// the Claude top-level "usage" path or the Codex "response.usage" path,
// and normalizes the flat vs. nested (OpenAI Response API) field shapes
// per the cache-read-token rule: the nested
// usage.input_tokens_details.cached_tokens value only fills
// CacheReadInputTokens when the flat field is absent.
func ExtractUsage(body map[string]any) (Usage, bool) {
	raw, ok := body["usage"].(map[string]any)
	if !ok {
		if resp, ok2 := body["response"].(map[string]any); ok2 {
			raw, ok = resp["usage"].(map[string]any)
		}
	}
	if !ok {
		return Usage{}, false
	}
	u := Usage{
		InputTokens:              intField(raw, "input_tokens"),
		OutputTokens:             intField(raw, "output_tokens"),
		CacheCreationInputTokens: intField(raw, "cache_creation_input_tokens"),
		CacheReadInputTokens:     intField(raw, "cache_read_input_tokens"),
	}
	if _, present := raw["cache_read_input_tokens"]; !present {
		if details, ok := raw["input_tokens_details"].(map[string]any); ok {
			u.CacheReadInputTokens = intField(details, "cached_tokens")
		}
	}
	return u, true
}

func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
