package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFallbackGroupPrefersPrimary(t *testing.T) {
	var primaryCalls, fallbackCalls int
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	err := fg.Execute(func(name string) error {
		if name == "primary" {
			primaryCalls++
			return nil
		}
		fallbackCalls++
		return nil
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if primaryCalls != 1 || fallbackCalls != 0 {
		t.Errorf("calls = primary %d fallback %d, want 1/0", primaryCalls, fallbackCalls)
	}
}

func TestFallbackGroupFailsOver(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{})
	fg.AddFallback("secondary", "secondary")

	got, err := ExecuteWithResult(fg, func(name string) (string, error) {
		if name == "primary" {
			return "", errBoom
		}
		return "from " + name, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "from secondary" {
		t.Errorf("result = %q", got)
	}
}

func TestFallbackGroupAllFailed(t *testing.T) {
	fg := NewFallbackGroup("only", "only", FallbackConfig{})
	err := fg.Execute(func(string) error { return errBoom })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestFallbackGroupSkipsOpenBreaker(t *testing.T) {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
	})
	fg.AddFallback("secondary", "secondary")

	// Trip the primary's breaker.
	_, _ = ExecuteWithResult(fg, func(name string) (string, error) {
		if name == "primary" {
			return "", errBoom
		}
		return name, nil
	})

	var tried []string
	got, err := ExecuteWithResult(fg, func(name string) (string, error) {
		tried = append(tried, name)
		return name, nil
	})
	if err != nil {
		t.Fatalf("ExecuteWithResult: %v", err)
	}
	if got != "secondary" {
		t.Errorf("result = %q, want secondary", got)
	}
	if len(tried) != 1 || tried[0] != "secondary" {
		t.Errorf("tried = %v, want only secondary while primary breaker is open", tried)
	}
}

func TestRetrySucceedsAfterTransientFailures(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 3, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		if calls < 3 {
			return errBoom
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), RetryConfig{Attempts: 2, BaseDelay: time.Millisecond}, func(context.Context) error {
		calls++
		return errBoom
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestRetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, RetryConfig{Attempts: 5, BaseDelay: time.Minute}, func(context.Context) error {
		return errBoom
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}
