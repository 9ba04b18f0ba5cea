// Package transform implements the format transformer registry:
// request/response conversion between claude, codex and openai wire
// shapes, plus the stateful SSE stream transducer.
package transform

import (
	"fmt"

	"github.com/llmgatewayhq/gateway/internal/wire"
)

// RequestTransformer converts a parsed request body from one wire format
// to another for the given target model. It must preserve semantic
// content (messages, tools, tool-use references, system prompts) while
// translating container shapes and renaming fields. The claude<->openai
// request transformers carry message text only; tool-use references are
// not translated on those pairs.
type RequestTransformer func(body *wire.Body, targetModel string) (*wire.Body, error)

// ResponseTransformer converts a parsed, complete (non-streamed)
// response body, preserving usage counts.
type ResponseTransformer func(body map[string]any) (map[string]any, error)

type pairKey struct{ from, to wire.Format }

// Registry dispatches on (fromTag, toTag) pairs; an identity pair exists
// for every from=to combination.
type Registry struct {
	requests  map[pairKey]RequestTransformer
	responses map[pairKey]ResponseTransformer
	streams   map[pairKey]StreamTransformer
}

// NewRegistry builds a Registry pre-populated with identity transforms
// and the claude<->codex<->openai pairs implemented in this package.
func NewRegistry() *Registry {
	r := &Registry{
		requests:  make(map[pairKey]RequestTransformer),
		responses: make(map[pairKey]ResponseTransformer),
		streams:   make(map[pairKey]StreamTransformer),
	}
	for _, f := range []wire.Format{wire.FormatClaude, wire.FormatCodex, wire.FormatOpenAI} {
		r.requests[pairKey{f, f}] = identityRequest
		r.responses[pairKey{f, f}] = identityResponse
		r.streams[pairKey{f, f}] = identityStream
	}

	r.requests[pairKey{wire.FormatClaude, wire.FormatCodex}] = claudeToCodexRequest
	r.requests[pairKey{wire.FormatCodex, wire.FormatClaude}] = codexToClaudeRequest
	r.responses[pairKey{wire.FormatCodex, wire.FormatClaude}] = codexToClaudeResponse
	r.responses[pairKey{wire.FormatClaude, wire.FormatCodex}] = claudeToCodexResponse
	r.streams[pairKey{wire.FormatCodex, wire.FormatClaude}] = codexToClaudeStream()
	r.streams[pairKey{wire.FormatClaude, wire.FormatCodex}] = claudeToCodexStream()

	r.requests[pairKey{wire.FormatClaude, wire.FormatOpenAI}] = claudeToOpenAIRequest
	r.requests[pairKey{wire.FormatOpenAI, wire.FormatClaude}] = openAIToClaudeRequest
	r.responses[pairKey{wire.FormatOpenAI, wire.FormatClaude}] = openAIToClaudeResponse
	r.responses[pairKey{wire.FormatClaude, wire.FormatOpenAI}] = claudeToOpenAIResponse
	r.streams[pairKey{wire.FormatOpenAI, wire.FormatClaude}] = identityStream
	r.streams[pairKey{wire.FormatClaude, wire.FormatOpenAI}] = identityStream

	// codex<->openai pivot through the claude shape, so every (from, to)
	// pair resolves.
	r.requests[pairKey{wire.FormatCodex, wire.FormatOpenAI}] = chainRequest(codexToClaudeRequest, claudeToOpenAIRequest)
	r.requests[pairKey{wire.FormatOpenAI, wire.FormatCodex}] = chainRequest(openAIToClaudeRequest, claudeToCodexRequest)
	r.responses[pairKey{wire.FormatCodex, wire.FormatOpenAI}] = chainResponse(codexToClaudeResponse, claudeToOpenAIResponse)
	r.responses[pairKey{wire.FormatOpenAI, wire.FormatCodex}] = chainResponse(openAIToClaudeResponse, claudeToCodexResponse)
	r.streams[pairKey{wire.FormatCodex, wire.FormatOpenAI}] = identityStream
	r.streams[pairKey{wire.FormatOpenAI, wire.FormatCodex}] = identityStream

	return r
}

func chainRequest(first, second RequestTransformer) RequestTransformer {
	return func(body *wire.Body, targetModel string) (*wire.Body, error) {
		mid, err := first(body, targetModel)
		if err != nil {
			return nil, err
		}
		return second(mid, targetModel)
	}
}

func chainResponse(first, second ResponseTransformer) ResponseTransformer {
	return func(body map[string]any) (map[string]any, error) {
		mid, err := first(body)
		if err != nil {
			return nil, err
		}
		return second(mid)
	}
}

// Request looks up the request transformer for (from, to).
func (r *Registry) Request(from, to wire.Format) (RequestTransformer, error) {
	if t, ok := r.requests[pairKey{from, to}]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transform: no request transformer for %s->%s", from, to)
}

// Response looks up the non-stream response transformer for (from, to).
func (r *Registry) Response(from, to wire.Format) (ResponseTransformer, error) {
	if t, ok := r.responses[pairKey{from, to}]; ok {
		return t, nil
	}
	return nil, fmt.Errorf("transform: no response transformer for %s->%s", from, to)
}

// Stream looks up the stream transducer for (from, to).
func (r *Registry) Stream(from, to wire.Format) (StreamTransformer, error) {
	if t, ok := r.streams[pairKey{from, to}]; ok {
		return t, nil
	}
	return StreamTransformer{}, fmt.Errorf("transform: no stream transformer for %s->%s", from, to)
}

func identityRequest(body *wire.Body, targetModel string) (*wire.Body, error) {
	body.SetModel(targetModel)
	return body, nil
}

func identityResponse(body map[string]any) (map[string]any, error) {
	return body, nil
}
