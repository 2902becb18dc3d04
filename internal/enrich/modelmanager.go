package enrich

import (
	"context"
	"fmt"
	"sync"

	"github.com/pcurie/loquax/pkg/provider/llm"
)

// ModelManager verifies that LLM models are loaded before handler batches
// run against them, caching confirmations so the model list is only fetched
// on cache misses. All methods are safe for concurrent use.
type ModelManager struct {
	provider llm.Provider

	mu   sync.Mutex
	warm map[string]struct{}
}

// NewModelManager creates a manager over the given provider.
func NewModelManager(provider llm.Provider) *ModelManager {
	return &ModelManager{
		provider: provider,
		warm:     make(map[string]struct{}),
	}
}

// Ensure confirms modelID is available on the provider. Confirmed models are
// cached for the manager's lifetime.
func (m *ModelManager) Ensure(ctx context.Context, modelID string) error {
	m.mu.Lock()
	_, ok := m.warm[modelID]
	m.mu.Unlock()
	if ok {
		return nil
	}

	models, err := m.provider.Models(ctx)
	if err != nil {
		return fmt.Errorf("model manager: list models: %w", err)
	}
	for _, id := range models {
		if id == modelID {
			m.mu.Lock()
			m.warm[modelID] = struct{}{}
			m.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("model manager: model %q not available", modelID)
}

// Forget drops a cached confirmation, forcing the next Ensure to re-check.
// Called when a handler batch fails with provider errors.
func (m *ModelManager) Forget(modelID string) {
	m.mu.Lock()
	delete(m.warm, modelID)
	m.mu.Unlock()
}
