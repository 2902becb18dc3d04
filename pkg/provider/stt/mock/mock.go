// Package mock provides a configurable in-memory stt.Provider for tests.
package mock

import (
	"context"
	"sync"

	"github.com/pcurie/loquax/pkg/provider/stt"
)

// Compile-time assertion that Provider satisfies stt.Provider.
var _ stt.Provider = (*Provider)(nil)

// Call records the input of one Transcribe invocation.
type Call struct {
	Samples    []float32
	SampleRate int
}

// Provider is a test double for stt.Provider. The zero value returns empty
// results; set TranscribeFunc to script behaviour. All methods are safe for
// concurrent use.
type Provider struct {
	// NameValue is returned by Name. Defaults to "mock".
	NameValue string

	// TranscribeFunc, when non-nil, handles Transcribe calls.
	TranscribeFunc func(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error)

	// TranscribeFileFunc, when non-nil, handles TranscribeFile calls.
	TranscribeFileFunc func(ctx context.Context, path string) (stt.Result, error)

	mu     sync.Mutex
	calls  []Call
	closed bool
}

// Transcribe implements stt.Provider.
func (p *Provider) Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error) {
	p.mu.Lock()
	p.calls = append(p.calls, Call{Samples: samples, SampleRate: sampleRate})
	p.mu.Unlock()
	if p.TranscribeFunc != nil {
		return p.TranscribeFunc(ctx, samples, sampleRate)
	}
	return stt.Result{}, nil
}

// TranscribeFile implements stt.Provider.
func (p *Provider) TranscribeFile(ctx context.Context, path string) (stt.Result, error) {
	if p.TranscribeFileFunc != nil {
		return p.TranscribeFileFunc(ctx, path)
	}
	return stt.Result{}, nil
}

// Name implements stt.Provider.
func (p *Provider) Name() string {
	if p.NameValue != "" {
		return p.NameValue
	}
	return "mock"
}

// Close implements stt.Provider and records that it was called.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Calls returns a copy of all recorded Transcribe inputs.
func (p *Provider) Calls() []Call {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Call, len(p.calls))
	copy(out, p.calls)
	return out
}

// Closed reports whether Close has been called.
func (p *Provider) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}
