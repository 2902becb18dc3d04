// Package resilience provides the failure-handling primitives used around
// the pipeline's provider calls: a three-state circuit breaker, a
// [FallbackGroup] that routes around a tripped primary provider, and a
// bounded-backoff [Retry] for transient store I/O.
//
// All types are safe for concurrent use.
package resilience

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// State is a [CircuitBreaker] operating mode.
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen rejects every call with [ErrCircuitOpen] until the reset
	// timeout elapses.
	StateOpen

	// StateHalfOpen lets a bounded number of probe calls through to decide
	// between closing and re-opening.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig tunes a [CircuitBreaker]. Zero fields take the
// defaults noted below.
type CircuitBreakerConfig struct {
	// Name labels the breaker in logs, e.g. the provider it guards.
	Name string

	// MaxFailures is the consecutive-failure count that trips the breaker.
	// Default 5.
	MaxFailures int

	// ResetTimeout is how long a tripped breaker rejects calls before
	// probing again. Default 30s.
	ResetTimeout time.Duration

	// HalfOpenMax is the probe budget: the breaker closes after this many
	// successful probes and stops admitting calls once the budget is spent.
	// Default 3.
	HalfOpenMax int
}

// CircuitBreaker trips after consecutive failures and recovers through a
// bounded probe phase. A single failed probe re-opens it.
type CircuitBreaker struct {
	name         string
	maxFailures  int
	resetTimeout time.Duration
	halfOpenMax  int

	mu         sync.Mutex
	state      State
	failures   int // consecutive, while closed
	trippedAt  time.Time
	probes     int // calls admitted while half-open
	probeFails int
}

// NewCircuitBreaker creates a breaker from cfg, filling in defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 3
	}
	return &CircuitBreaker{
		name:         cfg.Name,
		maxFailures:  cfg.MaxFailures,
		resetTimeout: cfg.ResetTimeout,
		halfOpenMax:  cfg.HalfOpenMax,
	}
}

// Execute runs fn unless the breaker rejects the call. fn's own error is
// returned unwrapped so callers can inspect it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if err := cb.admit(); err != nil {
		return err
	}
	err := fn()
	cb.settle(err)
	return err
}

// admit decides whether a call may proceed, performing the open → half-open
// transition when the reset timeout has elapsed.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.trippedAt) < cb.resetTimeout {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 0
		cb.probeFails = 0
		slog.Info("circuit breaker probing", "name", cb.name)
	case StateHalfOpen:
		if cb.probes >= cb.halfOpenMax {
			return ErrCircuitOpen
		}
	}
	if cb.state == StateHalfOpen {
		cb.probes++
	}
	return nil
}

// settle books the outcome of an admitted call.
func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	probing := cb.state == StateHalfOpen

	if err != nil {
		cb.trippedAt = time.Now()
		if probing {
			// One failed probe is enough evidence to re-open.
			cb.probeFails++
			cb.state = StateOpen
			cb.failures = cb.maxFailures
			slog.Warn("circuit breaker re-opened", "name", cb.name)
			return
		}
		cb.failures++
		if cb.failures >= cb.maxFailures {
			cb.state = StateOpen
			slog.Warn("circuit breaker opened", "name", cb.name, "consecutive_failures", cb.failures)
		}
		return
	}

	if probing {
		if cb.probes-cb.probeFails >= cb.halfOpenMax {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			cb.probeFails = 0
			slog.Info("circuit breaker closed", "name", cb.name)
		}
		return
	}
	cb.failures = 0
}

// State reports the breaker's mode. An open breaker whose reset timeout has
// elapsed reads as half-open; the stored transition happens on the next
// Execute.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && time.Since(cb.trippedAt) >= cb.resetTimeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed and clears its counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = StateClosed
	cb.failures = 0
	cb.probes = 0
	cb.probeFails = 0
	slog.Info("circuit breaker reset", "name", cb.name)
}
