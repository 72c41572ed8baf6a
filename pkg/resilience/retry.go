package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryPolicy re-issues a call a bounded number of times with a fixed delay
// between attempts. IsRetryable short-circuits for failures that must be
// surfaced immediately (validation errors, filtered content).
type RetryPolicy struct {
	MaxRetries  int
	Backoff     time.Duration
	IsRetryable func(error) bool
	Sleep       func(time.Duration)
}

func NewRetryPolicy(maxRetries int, backoff time.Duration) RetryPolicy {
	if maxRetries < 0 {
		maxRetries = 0
	}
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	return RetryPolicy{MaxRetries: maxRetries, Backoff: backoff}
}

func (r RetryPolicy) Do(ctx context.Context, fn func() error) error {
	retryable := r.IsRetryable
	if retryable == nil {
		retryable = DefaultIsRetryable
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	var err error
	for i := 0; i <= r.MaxRetries; i++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err = fn()
		if err == nil {
			return nil
		}
		if !retryable(err) || i == r.MaxRetries {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			sleep(r.Backoff)
		}
	}
	return err
}

// DefaultIsRetryable treats everything except cancellation as transient.
func DefaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}
