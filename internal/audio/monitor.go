package audio

import (
	"context"
	"log/slog"
	"time"
)

// ProcessFunc is invoked by the monitor for each stale buffer. It is the
// transcription stage's per-key entry point; implementations serialise per
// key internally.
type ProcessFunc func(ctx context.Context, key Key)

// Monitor is the cooperative tick that flushes buffers left stale by
// silence. It polls the [Manager] at a fixed interval and hands each stale
// key to the process function.
type Monitor struct {
	manager  *Manager
	interval time.Duration
	process  ProcessFunc
}

// NewMonitor creates a monitor polling manager every interval.
func NewMonitor(manager *Manager, interval time.Duration, process ProcessFunc) *Monitor {
	if interval <= 0 {
		interval = time.Second
	}
	return &Monitor{manager: manager, interval: interval, process: process}
}

// Run polls until ctx is cancelled, returning within one tick of
// cancellation.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	slog.Debug("audio monitor started", "interval", m.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Debug("audio monitor stopped")
			return ctx.Err()
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

// tick flushes every currently stale buffer.
func (m *Monitor) tick(ctx context.Context) {
	for _, key := range m.manager.StaleKeys() {
		if ctx.Err() != nil {
			return
		}
		m.process(ctx, key)
	}
}
