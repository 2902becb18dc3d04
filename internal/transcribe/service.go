// Package transcribe turns drained audio buffers into persisted utterances.
// It sits between the ingress buffering stage and the conversation store:
// audio comes in per (channel, speaker), goes through the configured
// speech-to-text provider, gets acoustic features attached, and leaves as an
// immutable utterance row handed to the boundary stage.
package transcribe

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pcurie/loquax/internal/audio"
	"github.com/pcurie/loquax/internal/conv"
	"github.com/pcurie/loquax/internal/observe"
	pcm "github.com/pcurie/loquax/pkg/audio"
	"github.com/pcurie/loquax/pkg/provider/stt"
)

// UtteranceStore persists transcribed utterances.
type UtteranceStore interface {
	Insert(ctx context.Context, u conv.Utterance) (conv.Utterance, error)
}

// SessionResolver maps a voice channel to its live session and records
// session activity. Implemented by the session manager.
type SessionResolver interface {
	ByChannel(channelID string) (conv.Session, bool)
	Touch(channelID string)
}

// Observer is notified after each utterance commit, in per-speaker order.
// Implemented by the boundary detector.
type Observer interface {
	UtteranceAdded(ctx context.Context, u conv.Utterance)
}

// Config holds the transcription stage parameters.
type Config struct {
	// SampleRate of buffered audio in Hz.
	SampleRate int

	// MinDuration is the drained audio length in seconds below which the
	// chunk is discarded instead of transcribed.
	MinDuration float64

	// SilenceRMS discards a drained chunk whose overall RMS falls below it.
	// Voice gating on append is per-chunk, so a buffer can fill with trailing
	// near-silence that no provider should see; providers hallucinate text on
	// such input. Zero disables the check.
	SilenceRMS float64

	// Timeout bounds one provider call. Zero means no bound beyond the
	// caller's context.
	Timeout time.Duration
}

// Service drains audio buffers through the speech-to-text provider and
// persists the results. All methods are safe for concurrent use; flushes of
// the same buffer are serialised so a ready-triggered flush and a
// silence-triggered flush can never double-transcribe one chunk.
type Service struct {
	cfg        Config
	manager    *audio.Manager
	sessions   SessionResolver
	utterances UtteranceStore
	observer   Observer
	metrics    *observe.Metrics

	// provMu guards the provider reference; swapMu serialises hot swaps.
	provMu   sync.RWMutex
	provider stt.Provider
	swapMu   sync.Mutex

	locks sync.Map // audio.Key -> *sync.Mutex
}

// NewService creates the transcription stage. observer and metrics may be
// nil.
func NewService(cfg Config, manager *audio.Manager, provider stt.Provider, sessions SessionResolver, utterances UtteranceStore, observer Observer, metrics *observe.Metrics) *Service {
	return &Service{
		cfg:        cfg,
		manager:    manager,
		sessions:   sessions,
		utterances: utterances,
		observer:   observer,
		metrics:    metrics,
		provider:   provider,
	}
}

// Provider returns the currently active speech-to-text provider.
func (s *Service) Provider() stt.Provider {
	s.provMu.RLock()
	defer s.provMu.RUnlock()
	return s.provider
}

// Ingest appends a decoded mono chunk to the speaker's buffer and flushes it
// when it reaches the ready length. Chunks dropped by the per-channel bound
// are counted, not errors.
func (s *Service) Ingest(ctx context.Context, key audio.Key, username, displayName string, chunk []float32) error {
	ready, err := s.manager.Append(key, username, displayName, chunk)
	if err != nil {
		s.discard(ctx, "channel_full")
		return nil
	}
	if !ready {
		return nil
	}
	return s.Flush(ctx, key)
}

// Flush drains the speaker's buffer and, when the chunk survives the discard
// rules, transcribes and persists it. A missing or empty buffer is a no-op.
func (s *Service) Flush(ctx context.Context, key audio.Key) error {
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()

	drained, ok := s.manager.Drain(key)
	if !ok {
		return nil
	}
	return s.process(ctx, drained)
}

// DrainAll flushes every buffer, empty ones included. Used at shutdown and
// before a provider swap; errors are joined per key into the log, and the
// first one is returned.
func (s *Service) DrainAll(ctx context.Context) error {
	var firstErr error
	for _, key := range s.manager.Keys() {
		if err := s.Flush(ctx, key); err != nil {
			slog.Error("transcribe: drain failed", "channel_id", key.ChannelID, "user_id", key.UserID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// SwapProvider replaces the speech-to-text provider at runtime. All buffered
// audio is first drained through the current provider so no chunk is split
// across engines, then the reference is swapped and the old provider closed.
func (s *Service) SwapProvider(ctx context.Context, next stt.Provider) error {
	s.swapMu.Lock()
	defer s.swapMu.Unlock()

	if err := s.DrainAll(ctx); err != nil {
		return fmt.Errorf("transcribe: drain before swap: %w", err)
	}

	s.provMu.Lock()
	old := s.provider
	s.provider = next
	s.provMu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			slog.Warn("transcribe: closing replaced provider", "provider", old.Name(), "error", err)
		}
	}
	slog.Info("transcribe: provider swapped", "provider", next.Name())
	return nil
}

// process applies the discard rules and persists one drained chunk.
func (s *Service) process(ctx context.Context, d audio.Drained) error {
	session, ok := s.sessions.ByChannel(d.Key.ChannelID)
	if !ok {
		s.discard(ctx, "no_session")
		return nil
	}

	duration := d.Duration(s.cfg.SampleRate)
	if duration < s.cfg.MinDuration {
		s.discard(ctx, "too_short")
		return nil
	}
	if s.cfg.SilenceRMS > 0 && pcm.RMS(d.Samples) < s.cfg.SilenceRMS {
		s.discard(ctx, "silence")
		return nil
	}

	provider := s.Provider()
	tctx := ctx
	if s.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		tctx, cancel = context.WithTimeout(ctx, s.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	result, err := provider.Transcribe(tctx, d.Samples, s.cfg.SampleRate)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordProviderError(ctx, provider.Name(), "stt")
		}
		return fmt.Errorf("transcribe: %s: %w", provider.Name(), err)
	}

	text := strings.TrimSpace(result.Text)
	if text == "" {
		s.discard(ctx, "empty_text")
		return nil
	}

	u := conv.Utterance{
		SessionID:     session.ID,
		UserID:        d.Key.UserID,
		Username:      d.Username,
		DisplayName:   d.DisplayName,
		Text:          text,
		StartedAt:     d.StartedAt,
		EndedAt:       d.EndedAt,
		Confidence:    result.Confidence,
		AudioDuration: duration,
		Prosody:       audio.ExtractProsody(d.Samples, s.cfg.SampleRate),
	}
	u, err = s.utterances.Insert(ctx, u)
	if err != nil {
		return fmt.Errorf("transcribe: persist utterance: %w", err)
	}

	s.sessions.Touch(d.Key.ChannelID)
	if s.metrics != nil {
		s.metrics.RecordTranscription(ctx, provider.Name(), time.Since(start).Seconds())
	}
	slog.Debug("transcribe: utterance persisted",
		"session_id", u.SessionID, "user_id", u.UserID, "seq", u.SequenceNum,
		"duration", duration, "confidence", u.Confidence)

	if s.observer != nil {
		s.observer.UtteranceAdded(ctx, u)
	}
	return nil
}

// keyLock returns the per-buffer flush lock, creating it on first use.
func (s *Service) keyLock(key audio.Key) *sync.Mutex {
	if mu, ok := s.locks.Load(key); ok {
		return mu.(*sync.Mutex)
	}
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Service) discard(ctx context.Context, reason string) {
	if s.metrics != nil {
		s.metrics.RecordDiscard(ctx, reason)
	}
	slog.Debug("transcribe: chunk discarded", "reason", reason)
}
