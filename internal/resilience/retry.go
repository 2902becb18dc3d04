package resilience

import (
	"context"
	"time"
)

// RetryConfig bounds a [Retry] loop.
type RetryConfig struct {
	// Attempts is the total number of tries, including the first. Default: 3.
	Attempts int

	// BaseDelay is the sleep before the first retry; it doubles after every
	// failed attempt. Default: 100ms.
	BaseDelay time.Duration

	// MaxDelay caps the backoff. Default: 2s.
	MaxDelay time.Duration
}

func (c *RetryConfig) withDefaults() {
	if c.Attempts <= 0 {
		c.Attempts = 3
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 100 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 2 * time.Second
	}
}

// Retry runs fn up to cfg.Attempts times with doubling backoff between
// tries. It returns nil on the first success, the last error once the
// attempts are exhausted, or ctx.Err() when the context is cancelled while
// waiting. Intended for transient I/O against the stores; permanent errors
// simply burn the attempt budget, so keep Attempts small.
func Retry(ctx context.Context, cfg RetryConfig, fn func(ctx context.Context) error) error {
	cfg.withDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 0; attempt < cfg.Attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
		if lastErr = fn(ctx); lastErr == nil {
			return nil
		}
	}
	return lastErr
}
