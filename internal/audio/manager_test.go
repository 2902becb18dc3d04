package audio

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func testManagerConfig() Config {
	return Config{
		SampleRate:       48000,
		VADThreshold:     0.01,
		ChunkDuration:    5 * time.Second,
		SilenceThreshold: 2 * time.Second,
	}
}

func TestManagerAppendReportsReady(t *testing.T) {
	m := NewManager(testManagerConfig())
	key := Key{ChannelID: "chan-1", UserID: "user-1"}

	ready, err := m.Append(key, "ada", "Ada", loudChunk(4*48000))
	if err != nil {
		t.Fatal(err)
	}
	if ready {
		t.Fatal("4s buffer reported ready at 5s threshold")
	}
	ready, err = m.Append(key, "ada", "Ada", loudChunk(48000))
	if err != nil {
		t.Fatal(err)
	}
	if !ready {
		t.Fatal("5s buffer not reported ready")
	}
}

func TestManagerDrainCarriesIdentity(t *testing.T) {
	m := NewManager(testManagerConfig())
	key := Key{ChannelID: "chan-1", UserID: "user-1"}

	if _, err := m.Append(key, "ada", "Ada Lovelace", loudChunk(4800)); err != nil {
		t.Fatal(err)
	}
	d, ok := m.Drain(key)
	if !ok {
		t.Fatal("drain of nonempty buffer reported nothing")
	}
	if d.Username != "ada" || d.DisplayName != "Ada Lovelace" {
		t.Errorf("identity = %q/%q, want ada/Ada Lovelace", d.Username, d.DisplayName)
	}
	if got := len(d.Samples); got != 4800 {
		t.Errorf("drained %d samples, want 4800", got)
	}
	if d.Duration(48000) != 0.1 {
		t.Errorf("duration = %f, want 0.1", d.Duration(48000))
	}

	// Empty and missing buffers both report !ok.
	if _, ok := m.Drain(key); ok {
		t.Error("second drain should report nothing")
	}
	if _, ok := m.Drain(Key{ChannelID: "chan-1", UserID: "ghost"}); ok {
		t.Error("drain of unknown key should report nothing")
	}
}

func TestManagerChannelBound(t *testing.T) {
	cfg := testManagerConfig()
	cfg.MaxBuffersPerChannel = 2
	m := NewManager(cfg)

	for _, uid := range []string{"a", "b"} {
		if _, err := m.Append(Key{ChannelID: "chan-1", UserID: uid}, uid, uid, loudChunk(480)); err != nil {
			t.Fatal(err)
		}
	}
	_, err := m.Append(Key{ChannelID: "chan-1", UserID: "c"}, "c", "c", loudChunk(480))
	if !errors.Is(err, ErrChannelFull) {
		t.Fatalf("err = %v, want ErrChannelFull", err)
	}

	// Existing speakers keep appending, and other channels are unaffected.
	if _, err := m.Append(Key{ChannelID: "chan-1", UserID: "a"}, "a", "a", loudChunk(480)); err != nil {
		t.Fatalf("append to existing buffer failed: %v", err)
	}
	if _, err := m.Append(Key{ChannelID: "chan-2", UserID: "c"}, "c", "c", loudChunk(480)); err != nil {
		t.Fatalf("append on another channel failed: %v", err)
	}
}

func TestManagerStaleKeys(t *testing.T) {
	clock := newFakeClock()
	m := NewManager(testManagerConfig())
	m.now = clock.now

	quiet := Key{ChannelID: "chan-1", UserID: "quiet"}
	active := Key{ChannelID: "chan-1", UserID: "active"}
	if _, err := m.Append(quiet, "q", "q", loudChunk(4800)); err != nil {
		t.Fatal(err)
	}
	clock.advance(2 * time.Second)
	if _, err := m.Append(active, "a", "a", loudChunk(4800)); err != nil {
		t.Fatal(err)
	}

	stale := m.StaleKeys()
	if len(stale) != 1 || stale[0] != quiet {
		t.Fatalf("stale = %v, want [%v]", stale, quiet)
	}
}

func TestManagerRemoveChannel(t *testing.T) {
	m := NewManager(testManagerConfig())
	for _, k := range []Key{
		{ChannelID: "chan-1", UserID: "a"},
		{ChannelID: "chan-1", UserID: "b"},
		{ChannelID: "chan-2", UserID: "a"},
	} {
		if _, err := m.Append(k, "u", "u", loudChunk(480)); err != nil {
			t.Fatal(err)
		}
	}
	m.RemoveChannel("chan-1")
	if got := m.Count(); got != 1 {
		t.Fatalf("count after remove = %d, want 1", got)
	}
	if _, ok := m.Drain(Key{ChannelID: "chan-2", UserID: "a"}); !ok {
		t.Fatal("surviving channel buffer lost")
	}
}

func TestManagerConcurrentAppend(t *testing.T) {
	m := NewManager(testManagerConfig())
	key := Key{ChannelID: "chan-1", UserID: "user-1"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				if _, err := m.Append(key, "u", "u", loudChunk(100)); err != nil {
					t.Error(err)
					return
				}
			}
		}()
	}
	wg.Wait()

	d, ok := m.Drain(key)
	if !ok {
		t.Fatal("drain reported nothing")
	}
	if got, want := len(d.Samples), 8*50*100; got != want {
		t.Fatalf("drained %d samples, want %d", got, want)
	}
}
