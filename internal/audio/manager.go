package audio

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	pcm "github.com/pcurie/loquax/pkg/audio"
)

// ErrChannelFull is returned by Append when a channel already carries the
// configured maximum number of speaker buffers.
var ErrChannelFull = errors.New("audio: too many buffers for channel")

// Key addresses one speaker's buffer within one voice channel.
type Key struct {
	ChannelID string
	UserID    string
}

// Drained is the output of one buffer drain: the combined samples, the
// buffered time span, and the speaker identity captured at append time.
type Drained struct {
	Key         Key
	Username    string
	DisplayName string
	Samples     []float32
	StartedAt   time.Time
	EndedAt     time.Time
}

// Duration returns the drained audio length in seconds.
func (d Drained) Duration(sampleRate int) float64 {
	return pcm.Duration(len(d.Samples), sampleRate)
}

// Config holds the buffering parameters.
type Config struct {
	// SampleRate of incoming samples in Hz.
	SampleRate int

	// VADThreshold is the normalised RMS above which a chunk counts as
	// voiced.
	VADThreshold float64

	// ChunkDuration is the accumulated audio length at which a buffer
	// becomes ready.
	ChunkDuration time.Duration

	// SilenceThreshold is the unvoiced age at which a nonempty buffer
	// becomes stale.
	SilenceThreshold time.Duration

	// MaxBuffersPerChannel bounds concurrent speaker buffers per channel.
	// Zero means unlimited.
	MaxBuffersPerChannel int
}

// entry pairs a buffer with its lock and the speaker identity last seen on
// the ingress side.
type entry struct {
	mu          sync.Mutex
	buf         *Buffer
	username    string
	displayName string
}

// Manager owns the per-(channel, speaker) buffer map. The map itself is
// guarded by a top-level mutex; each buffer has its own lock held only for
// the brief append or drain. All methods are safe for concurrent use.
type Manager struct {
	cfg Config

	mu      sync.Mutex
	entries map[Key]*entry

	now func() time.Time
}

// NewManager creates a Manager with the given buffering parameters.
func NewManager(cfg Config) *Manager {
	return &Manager{
		cfg:     cfg,
		entries: make(map[Key]*entry),
		now:     time.Now,
	}
}

// Append adds a chunk of mono samples to the speaker's buffer, creating it
// on first use, and reports whether the buffer is now ready for a flush.
// Returns ErrChannelFull when a new buffer would exceed the per-channel
// bound; the chunk is dropped in that case.
func (m *Manager) Append(key Key, username, displayName string, chunk []float32) (ready bool, err error) {
	e, err := m.entry(key)
	if err != nil {
		return false, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.username = username
	e.displayName = displayName
	e.buf.Append(chunk)
	return e.buf.Ready(m.cfg.ChunkDuration), nil
}

// entry returns the speaker's entry, creating it under the map lock.
func (m *Manager) entry(key Key) (*entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[key]; ok {
		return e, nil
	}
	if m.cfg.MaxBuffersPerChannel > 0 {
		n := 0
		for k := range m.entries {
			if k.ChannelID == key.ChannelID {
				n++
			}
		}
		if n >= m.cfg.MaxBuffersPerChannel {
			slog.Warn("audio: dropping chunk, channel buffer limit reached",
				"channel_id", key.ChannelID, "user_id", key.UserID, "limit", m.cfg.MaxBuffersPerChannel)
			return nil, ErrChannelFull
		}
	}
	b := NewBuffer(m.cfg.SampleRate, m.cfg.VADThreshold)
	b.now = m.now
	e := &entry{buf: b}
	m.entries[key] = e
	return e, nil
}

// Drain atomically empties the speaker's buffer. ok is false when the
// buffer does not exist or holds no samples.
func (m *Manager) Drain(key Key) (Drained, bool) {
	m.mu.Lock()
	e, exists := m.entries[key]
	m.mu.Unlock()
	if !exists {
		return Drained{}, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	samples, startedAt, endedAt := e.buf.Drain()
	if len(samples) == 0 {
		return Drained{}, false
	}
	return Drained{
		Key:         key,
		Username:    e.username,
		DisplayName: e.displayName,
		Samples:     samples,
		StartedAt:   startedAt,
		EndedAt:     endedAt,
	}, true
}

// StaleKeys returns the keys of all currently stale, nonempty buffers.
func (m *Manager) StaleKeys() []Key {
	m.mu.Lock()
	snapshot := make(map[Key]*entry, len(m.entries))
	for k, e := range m.entries {
		snapshot[k] = e
	}
	m.mu.Unlock()

	var stale []Key
	for k, e := range snapshot {
		e.mu.Lock()
		if e.buf.Stale(m.cfg.SilenceThreshold) {
			stale = append(stale, k)
		}
		e.mu.Unlock()
	}
	return stale
}

// Keys returns all buffer keys, empty buffers included. Used by the
// hot-swap drain and graceful shutdown.
func (m *Manager) Keys() []Key {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	return keys
}

// RemoveChannel discards all buffers for one channel, typically after its
// session ends.
func (m *Manager) RemoveChannel(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if k.ChannelID == channelID {
			delete(m.entries, k)
		}
	}
}

// Count reports the number of live buffers; exported as a gauge.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
