// Package audio implements the per-speaker buffering stage of the pipeline:
// one [Buffer] per (channel, speaker) accumulating mono float32 samples with
// RMS voice-activity gating, a [Manager] owning the buffer map and its
// locks, and a [Monitor] that flushes buffers gone stale in silence.
package audio

import (
	"time"

	pcm "github.com/pcurie/loquax/pkg/audio"
)

// Buffer accumulates PCM samples for one (channel, speaker) until a
// transcription-worthy unit is assembled. Voice-activity gating applies to
// the lastVoicedAt timestamp only; samples are always retained so the
// transcription provider sees natural pauses.
//
// Buffer is not safe for concurrent use; the [Manager] guards each buffer
// with a per-entry lock.
type Buffer struct {
	sampleRate   int
	vadThreshold float64

	chunks  [][]float32
	samples int

	startedAt    time.Time
	lastVoicedAt time.Time

	now func() time.Time
}

// NewBuffer creates an empty buffer for samples at the given rate.
// vadThreshold is the normalised RMS amplitude above which a chunk counts as
// voiced.
func NewBuffer(sampleRate int, vadThreshold float64) *Buffer {
	return &Buffer{
		sampleRate:   sampleRate,
		vadThreshold: vadThreshold,
		now:          time.Now,
	}
}

// Append records a chunk. The first append stamps startedAt; lastVoicedAt
// advances only when the chunk's RMS clears the VAD threshold, so trailing
// silence ages the buffer toward staleness without discarding samples.
func (b *Buffer) Append(chunk []float32) {
	if len(chunk) == 0 {
		return
	}
	now := b.now()
	if b.samples == 0 {
		b.startedAt = now
		b.lastVoicedAt = now
	}
	b.chunks = append(b.chunks, chunk)
	b.samples += len(chunk)
	if pcm.RMS(chunk) >= b.vadThreshold {
		b.lastVoicedAt = now
	}
}

// Duration returns the buffered audio length in seconds.
func (b *Buffer) Duration() float64 {
	return pcm.Duration(b.samples, b.sampleRate)
}

// Empty reports whether the buffer holds no samples.
func (b *Buffer) Empty() bool { return b.samples == 0 }

// Ready reports whether enough audio has accumulated for a flush.
func (b *Buffer) Ready(chunkDuration time.Duration) bool {
	return b.Duration() >= chunkDuration.Seconds()
}

// Stale reports whether the buffer is nonempty and no voiced chunk has
// arrived for at least silenceThreshold.
func (b *Buffer) Stale(silenceThreshold time.Duration) bool {
	if b.samples == 0 {
		return false
	}
	return b.now().Sub(b.lastVoicedAt) >= silenceThreshold
}

// Drain returns the combined samples with the buffered time span and resets
// the buffer. Draining an empty buffer returns nil samples and zero times.
func (b *Buffer) Drain() (samples []float32, startedAt, endedAt time.Time) {
	if b.samples == 0 {
		return nil, time.Time{}, time.Time{}
	}
	out := make([]float32, 0, b.samples)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	startedAt = b.startedAt
	endedAt = b.now()

	b.chunks = nil
	b.samples = 0
	b.startedAt = time.Time{}
	b.lastVoicedAt = time.Time{}
	return out, startedAt, endedAt
}
