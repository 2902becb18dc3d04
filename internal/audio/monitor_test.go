package audio

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMonitorFlushesStaleBuffers(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testManagerConfig())
	m.now = clock.now

	key := Key{ChannelID: "chan-1", UserID: "user-1"}
	if _, err := m.Append(key, "u", "u", loudChunk(4800)); err != nil {
		t.Fatal(err)
	}
	clock.advance(3 * time.Second)

	var mu sync.Mutex
	var got []Key
	done := make(chan struct{})
	mon := NewMonitor(m, time.Millisecond, func(_ context.Context, k Key) {
		mu.Lock()
		got = append(got, k)
		mu.Unlock()
		m.Drain(k)
		close(done)
	})

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- mon.Run(ctx) }()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("monitor never flushed the stale buffer")
	}
	cancel()
	if err := <-errc; !errors.Is(err, context.Canceled) {
		t.Fatalf("Run returned %v, want context.Canceled", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != key {
		t.Fatalf("processed keys = %v, want [%v]", got, key)
	}
}

func TestMonitorIgnoresFreshBuffers(t *testing.T) {
	m := NewManager(testManagerConfig())
	key := Key{ChannelID: "chan-1", UserID: "user-1"}
	if _, err := m.Append(key, "u", "u", loudChunk(4800)); err != nil {
		t.Fatal(err)
	}

	called := make(chan Key, 1)
	mon := NewMonitor(m, time.Millisecond, func(_ context.Context, k Key) {
		called <- k
	})

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()
	_ = mon.Run(ctx)

	select {
	case k := <-called:
		t.Fatalf("fresh buffer %v was flushed", k)
	default:
	}
}
