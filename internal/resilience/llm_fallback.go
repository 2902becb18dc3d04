package resilience

import (
	"context"

	"github.com/pcurie/loquax/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across LLM
// backends. Each backend has its own circuit breaker; when the primary fails
// or its breaker is open, the next healthy fallback is tried. Enrichment
// handlers stay oblivious: a task only fails once every backend has.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate sends the prompt to the first healthy backend and returns its
// completion.
func (f *LLMFallback) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (string, error) {
		return p.Generate(ctx, req)
	})
}

// Models lists the first healthy backend's model inventory.
func (f *LLMFallback) Models(ctx context.Context) ([]string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) ([]string, error) {
		return p.Models(ctx)
	})
}

// Healthy reports whether any backend in the group is reachable.
func (f *LLMFallback) Healthy(ctx context.Context) bool {
	for i := range f.group.entries {
		if f.group.entries[i].value.Healthy(ctx) {
			return true
		}
	}
	return false
}
