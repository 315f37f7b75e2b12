// Package provider implements the model provider registry. A provider wraps
// one way of producing completions (deterministic stub, local Ollama server,
// or a peer coordinator reached over the mesh) behind a uniform interface the
// router and the agent retry loop consume.
//
// Generate never returns a Go error: failures come back as error-marked
// results so callers treat a dead provider exactly like a bad completion,
// which is what the retry loop wants.
package provider

import (
	"context"
	"strings"
)

// Kind identifies a provider implementation.
type Kind string

const (
	KindStub            Kind = "stub"
	KindLocalLLM        Kind = "local-llm"
	KindPeerEdge        Kind = "peer-llm-edge"
	KindPeerCoordinator Kind = "peer-llm-coordinator"
)

// KindForParamSize maps a model's parameter count (in billions) to the peer
// tier that should serve it. Sub-2B models belong on edge devices; 7B and up
// belong on coordinator-class hardware. Sizes in between default to edge.
func KindForParamSize(paramSizeB float64) Kind {
	if paramSizeB >= 7 {
		return KindPeerCoordinator
	}
	return KindPeerEdge
}

// Request is one completion request.
type Request struct {
	Prompt      string
	System      string
	MaxTokens   int
	Temperature float64
	Stop        []string

	// OnDelta, when non-nil, receives streamed content chunks as they
	// arrive. The full text is still returned on the Result.
	OnDelta func(delta string)
}

// Result is the outcome of one Generate call. A failed call carries the
// failure in Err and an empty Text; Failed distinguishes the two.
type Result struct {
	Text      string
	Kind      Kind
	Model     string
	LatencyMs int64
	Err       string
}

// Failed reports whether the provider could not produce a completion.
func (r *Result) Failed() bool {
	return r.Err != ""
}

// errResult builds an error-marked result for the given provider.
func errResult(kind Kind, model string, err error) *Result {
	return &Result{Kind: kind, Model: model, Err: err.Error()}
}

// Provider produces completions. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Generate produces a completion. It never returns a Go error;
	// failures are error-marked results.
	Generate(ctx context.Context, req Request) *Result

	// Healthy reports whether the provider can currently serve requests.
	Healthy(ctx context.Context) bool

	// Kind returns the provider's kind.
	Kind() Kind

	// Model returns the model identifier this provider serves, or "" when
	// the provider is model-agnostic.
	Model() string
}

// ExtractCode strips markdown code fences from a model completion and trims
// whitespace. When the completion contains a fenced block the block's body
// wins; otherwise the whole text is returned trimmed.
func ExtractCode(text string) string {
	trimmed := strings.TrimSpace(text)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return trimmed
	}
	rest := trimmed[start+3:]
	// Drop the info string (```python, ```js) up to the first newline.
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		first := strings.TrimSpace(rest[:nl])
		if len(first) <= 20 && !strings.ContainsAny(first, " \t") {
			rest = rest[nl+1:]
		}
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
