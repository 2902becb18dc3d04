// Package mock provides a configurable in-memory embeddings.Provider for
// tests.
package mock

import (
	"context"
	"sync"

	"github.com/pcurie/loquax/pkg/provider/embeddings"
)

// Compile-time assertion that Provider satisfies embeddings.Provider.
var _ embeddings.Provider = (*Provider)(nil)

// Provider is a test double for embeddings.Provider. The zero value returns
// empty vectors; set the value fields or EmbedFunc to script behaviour. All
// methods are safe for concurrent use.
type Provider struct {
	// EmbedFunc, when non-nil, handles Embed calls and takes precedence
	// over EmbedResult and EmbedErr.
	EmbedFunc func(ctx context.Context, text string) ([]float32, error)

	// EmbedResult is returned by Embed when EmbedFunc is nil.
	EmbedResult []float32

	// EmbedErr, if non-nil, is returned as the error from Embed when
	// EmbedFunc is nil.
	EmbedErr error

	// DimensionsValue is returned by Dimensions.
	DimensionsValue int

	// ModelIDValue is returned by ModelID. Defaults to "mock".
	ModelIDValue string

	mu    sync.Mutex
	texts []string
}

// Embed records the text and returns the scripted vector.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.texts = append(p.texts, text)
	p.mu.Unlock()
	if p.EmbedFunc != nil {
		return p.EmbedFunc(ctx, text)
	}
	if p.EmbedErr != nil {
		return nil, p.EmbedErr
	}
	return p.EmbedResult, nil
}

// EmbedBatch embeds each text through Embed, so scripted per-text behaviour
// applies to batches too. The first failure aborts the batch.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	vectors := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := p.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		vectors[i] = v
	}
	return vectors, nil
}

// Dimensions implements embeddings.Provider.
func (p *Provider) Dimensions() int { return p.DimensionsValue }

// ModelID implements embeddings.Provider.
func (p *Provider) ModelID() string {
	if p.ModelIDValue != "" {
		return p.ModelIDValue
	}
	return "mock"
}

// Texts returns a copy of every string submitted for embedding, in order.
func (p *Provider) Texts() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.texts))
	copy(out, p.texts)
	return out
}
