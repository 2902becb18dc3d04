// Package mock provides a scriptable test double for the llm.Provider
// interface.
package mock

import (
	"context"
	"sync"

	"github.com/pcurie/loquax/pkg/provider/llm"
)

// Compile-time assertion that Provider satisfies llm.Provider.
var _ llm.Provider = (*Provider)(nil)

// Provider is a mock implementation of llm.Provider. The zero value returns
// empty completions; set GenerateFunc to script behaviour. All methods are
// safe for concurrent use.
type Provider struct {
	// GenerateFunc, when non-nil, handles Generate calls.
	GenerateFunc func(ctx context.Context, req llm.GenerateRequest) (string, error)

	// ModelsValue is returned by Models. Defaults to ["mock-model"].
	ModelsValue []string

	// ModelsErr, if non-nil, is returned as the error from Models.
	ModelsErr error

	// HealthyValue is returned by Healthy when HealthySet is true;
	// otherwise Healthy returns true.
	HealthyValue bool
	HealthySet   bool

	mu            sync.Mutex
	generateCalls []llm.GenerateRequest
	modelsCalls   int
}

// Generate records the call and delegates to GenerateFunc.
func (p *Provider) Generate(ctx context.Context, req llm.GenerateRequest) (string, error) {
	p.mu.Lock()
	p.generateCalls = append(p.generateCalls, req)
	p.mu.Unlock()
	if p.GenerateFunc != nil {
		return p.GenerateFunc(ctx, req)
	}
	return "", nil
}

// Models implements llm.Provider.
func (p *Provider) Models(_ context.Context) ([]string, error) {
	p.mu.Lock()
	p.modelsCalls++
	p.mu.Unlock()
	if p.ModelsErr != nil {
		return nil, p.ModelsErr
	}
	if p.ModelsValue != nil {
		return p.ModelsValue, nil
	}
	return []string{"mock-model"}, nil
}

// Healthy implements llm.Provider.
func (p *Provider) Healthy(_ context.Context) bool {
	if p.HealthySet {
		return p.HealthyValue
	}
	return true
}

// GenerateCalls returns a copy of all recorded Generate requests.
func (p *Provider) GenerateCalls() []llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]llm.GenerateRequest, len(p.generateCalls))
	copy(out, p.generateCalls)
	return out
}

// ModelsCalls returns how many times Models has been called.
func (p *Provider) ModelsCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.modelsCalls
}
