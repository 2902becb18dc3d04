package audio

import (
	"testing"
	"time"
)

// fakeClock scripts the buffer's notion of now.
type fakeClock struct {
	t time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) now() time.Time { return c.t }

func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func loudChunk(n int) []float32 {
	chunk := make([]float32, n)
	for i := range chunk {
		if i%2 == 0 {
			chunk[i] = 0.5
		} else {
			chunk[i] = -0.5
		}
	}
	return chunk
}

func TestBufferReady(t *testing.T) {
	b := NewBuffer(48000, 0.01)
	if b.Ready(5 * time.Second) {
		t.Fatal("empty buffer should not be ready")
	}
	b.Append(loudChunk(4 * 48000))
	if b.Ready(5 * time.Second) {
		t.Fatalf("4s of audio should not be ready at 5s threshold, duration %f", b.Duration())
	}
	b.Append(loudChunk(48000))
	if !b.Ready(5 * time.Second) {
		t.Fatalf("5s of audio should be ready, duration %f", b.Duration())
	}
}

func TestBufferStaleOnlyAfterSilence(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(48000, 0.01)
	b.now = clock.now

	if b.Stale(2 * time.Second) {
		t.Fatal("empty buffer must never be stale")
	}

	b.Append(loudChunk(4800))
	clock.advance(1 * time.Second)
	if b.Stale(2 * time.Second) {
		t.Fatal("buffer stale after 1s, want 2s threshold")
	}
	clock.advance(1 * time.Second)
	if !b.Stale(2 * time.Second) {
		t.Fatal("buffer should be stale after 2s of silence")
	}
}

func TestBufferVoicedChunkResetsStaleness(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(48000, 0.01)
	b.now = clock.now

	b.Append(loudChunk(4800))
	clock.advance(1900 * time.Millisecond)

	// A silent chunk must not push lastVoicedAt forward.
	b.Append(make([]float32, 4800))
	clock.advance(100 * time.Millisecond)
	if !b.Stale(2 * time.Second) {
		t.Fatal("silent chunk should not reset staleness")
	}

	// A voiced chunk does.
	b.Append(loudChunk(4800))
	if b.Stale(2 * time.Second) {
		t.Fatal("voiced chunk should reset staleness")
	}
}

func TestBufferDrainResets(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(48000, 0.01)
	b.now = clock.now

	start := clock.t
	b.Append(loudChunk(4800))
	b.Append(loudChunk(4800))
	clock.advance(200 * time.Millisecond)

	samples, startedAt, endedAt := b.Drain()
	if len(samples) != 9600 {
		t.Fatalf("drained %d samples, want 9600", len(samples))
	}
	if !startedAt.Equal(start) {
		t.Errorf("startedAt = %v, want %v", startedAt, start)
	}
	if !endedAt.Equal(clock.t) {
		t.Errorf("endedAt = %v, want %v", endedAt, clock.t)
	}
	if !b.Empty() {
		t.Fatal("buffer not empty after drain")
	}

	// Drain, append nothing, drain again: the second drain is a no-op.
	b.Append(nil)
	samples, _, _ = b.Drain()
	if samples != nil {
		t.Fatalf("second drain returned %d samples, want none", len(samples))
	}
	if b.Stale(0) {
		t.Fatal("drained buffer must not report stale")
	}
}

func TestBufferFirstAppendStampsStart(t *testing.T) {
	clock := newFakeClock()
	b := NewBuffer(48000, 0.01)
	b.now = clock.now

	clock.advance(5 * time.Second)
	first := clock.t
	b.Append(loudChunk(480))
	clock.advance(time.Second)
	b.Append(loudChunk(480))

	_, startedAt, _ := b.Drain()
	if !startedAt.Equal(first) {
		t.Fatalf("startedAt = %v, want first append time %v", startedAt, first)
	}
}
