package resilience

import (
	"context"
	"errors"

	"github.com/pcurie/loquax/pkg/provider/stt"
)

// STTFallback implements [stt.Provider] with automatic failover across
// transcription backends. Each backend has its own circuit breaker; when the
// primary fails or its breaker is open, the next healthy fallback is tried.
// A chunk is only ever transcribed by one backend per attempt, so failover
// never duplicates utterances.
type STTFallback struct {
	group *FallbackGroup[stt.Provider]
}

// Compile-time interface assertion.
var _ stt.Provider = (*STTFallback)(nil)

// NewSTTFallback creates an [STTFallback] with primary as the preferred
// backend.
func NewSTTFallback(primary stt.Provider, primaryName string, cfg FallbackConfig) *STTFallback {
	return &STTFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional transcription provider as a fallback.
func (f *STTFallback) AddFallback(name string, provider stt.Provider) {
	f.group.AddFallback(name, provider)
}

// Transcribe runs the samples through the first healthy backend.
func (f *STTFallback) Transcribe(ctx context.Context, samples []float32, sampleRate int) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.Transcribe(ctx, samples, sampleRate)
	})
}

// TranscribeFile runs the WAV file through the first healthy backend.
func (f *STTFallback) TranscribeFile(ctx context.Context, path string) (stt.Result, error) {
	return ExecuteWithResult(f.group, func(p stt.Provider) (stt.Result, error) {
		return p.TranscribeFile(ctx, path)
	})
}

// Name reports the primary backend's name; failover is transparent to logs
// beyond the group's own warnings.
func (f *STTFallback) Name() string {
	return f.group.entries[0].value.Name()
}

// Close closes every backend in the group, joining any errors.
func (f *STTFallback) Close() error {
	var errs []error
	for i := range f.group.entries {
		if err := f.group.entries[i].value.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
