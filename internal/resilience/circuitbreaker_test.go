package resilience

import (
	"errors"
	"testing"
	"time"
)

var errBoom = errors.New("boom")

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{Name: "test", MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
			t.Fatalf("attempt %d: err = %v, want boom", i, err)
		}
	}
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State = %v, want open", got)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
}

func TestCircuitBreakerSuccessResetsCounter(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour})

	_ = cb.Execute(func() error { return errBoom })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return errBoom })

	if got := cb.State(); got != StateClosed {
		t.Fatalf("State = %v, want closed after interleaved success", got)
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1})

	_ = cb.Execute(func() error { return errBoom })
	if got := cb.State(); got != StateOpen {
		t.Fatalf("State = %v, want open", got)
	}

	time.Sleep(5 * time.Millisecond)
	if got := cb.State(); got != StateHalfOpen {
		t.Fatalf("State = %v, want half-open after reset timeout", got)
	}

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("probe call: %v", err)
	}
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State = %v, want closed after successful probe", got)
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Millisecond, HalfOpenMax: 1})

	_ = cb.Execute(func() error { return errBoom })
	time.Sleep(5 * time.Millisecond)

	if err := cb.Execute(func() error { return errBoom }); !errors.Is(err, errBoom) {
		t.Fatalf("probe err = %v, want boom", err)
	}
	if err := cb.Execute(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen after failed probe", err)
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	_ = cb.Execute(func() error { return errBoom })
	cb.Reset()
	if got := cb.State(); got != StateClosed {
		t.Fatalf("State = %v, want closed after Reset", got)
	}
}
