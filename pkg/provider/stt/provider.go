// Package stt defines the Provider interface for speech-to-text backends.
//
// A transcription provider converts a finished chunk of mono float32 audio
// into text. Providers are responsible for their own resampling, internal
// voice-activity filtering, and language bias; callers hand over samples at a
// declared rate and receive a normalised [Result].
//
// Implementations must be safe for concurrent use; the transcription stage
// additionally serialises calls per speaker, so providers never see
// interleaved audio for one speaker.
package stt

import "context"

// Result is the normalised output of one transcription call.
type Result struct {
	// Text is the recognised text. Empty or whitespace-only text means the
	// audio contained no usable speech; callers discard such results.
	Text string

	// Confidence is the provider's confidence in [0, 1]. Providers without a
	// native confidence signal report 1.0.
	Confidence float64

	// Language is the detected or configured BCP-47 language code, when the
	// backend reports one.
	Language string

	// Duration is the audio length in seconds as measured by the provider.
	// Zero when the backend does not report it; callers fall back to the
	// sample count.
	Duration float64
}

// Provider is the abstraction over any speech-to-text backend.
//
// All methods must honour ctx cancellation. Implementations must be safe for
// concurrent use.
type Provider interface {
	// Transcribe converts mono float32 samples in [-1, 1] at the given rate
	// into text. Returns an error only for backend failures; silent or
	// unintelligible audio yields an empty Result, not an error.
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Result, error)

	// TranscribeFile transcribes a 16-bit PCM WAV file from disk.
	TranscribeFile(ctx context.Context, path string) (Result, error)

	// Name identifies the provider in logs and the hot-swap command
	// (e.g. "whisper", "vosk").
	Name() string

	// Close releases any models or connections held by the provider.
	Close() error
}
