package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestRetrySucceedsAfterFailures(t *testing.T) {
	attempts := 0
	var slept []time.Duration
	p := NewRetryPolicy(2, 50*time.Millisecond)
	p.Sleep = func(d time.Duration) { slept = append(slept, d) }

	err := p.Do(context.Background(), func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", attempts)
	}
	if len(slept) != 2 || slept[0] != 50*time.Millisecond {
		t.Fatalf("expected two fixed delays, got %v", slept)
	}
}

func TestRetryExhaustedReturnsLastError(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(1, time.Millisecond)
	p.Sleep = func(time.Duration) {}
	last := errors.New("still broken")
	err := p.Do(context.Background(), func() error {
		attempts++
		return last
	})
	if !errors.Is(err, last) {
		t.Fatalf("expected last error, got %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestRetryStopsOnNonRetryable(t *testing.T) {
	attempts := 0
	p := NewRetryPolicy(3, time.Millisecond)
	p.Sleep = func(time.Duration) {}
	p.IsRetryable = func(error) bool { return false }
	err := p.Do(context.Background(), func() error {
		attempts++
		return errors.New("fatal")
	})
	if err == nil || attempts != 1 {
		t.Fatalf("expected single failed attempt, got attempts=%d err=%v", attempts, err)
	}
}

func TestRetryHonorsCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p := NewRetryPolicy(3, time.Millisecond)
	err := p.Do(ctx, func() error { return errors.New("never") })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}
