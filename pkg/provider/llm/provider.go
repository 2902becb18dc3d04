// Package llm defines the Provider interface for the language-model backend
// used by LLM-backed enrichment handlers (intent/keyword extraction, topic
// extraction).
//
// The pipeline needs far less from a model than a chat application does: a
// single-shot Generate call, a model inventory so the worker's model manager
// can confirm a handler's model is available, and a health probe. Streaming,
// tool calling, and conversation state are deliberately absent.
//
// Implementations must be safe for concurrent use.
package llm

import "context"

// GenerateRequest carries one single-shot prompt.
type GenerateRequest struct {
	// Model is the backend model id (e.g. "phi3:mini"). Empty selects the
	// provider's configured default.
	Model string

	// Prompt is the user prompt.
	Prompt string

	// System is an optional system instruction injected before the prompt.
	System string

	// Temperature controls randomness. Enrichment handlers run low
	// (<= 0.3) for reproducible output.
	Temperature float64

	// MaxTokens caps the completion length. Zero means provider default.
	MaxTokens int
}

// Provider is the abstraction over any LLM backend.
type Provider interface {
	// Generate sends a single-shot prompt and returns the full completion
	// text. Must honour ctx cancellation and deadlines.
	Generate(ctx context.Context, req GenerateRequest) (string, error)

	// Models lists the model ids available on the backend. Backends without
	// an inventory API return their configured model only.
	Models(ctx context.Context) ([]string, error)

	// Healthy reports whether the backend is reachable.
	Healthy(ctx context.Context) bool
}
