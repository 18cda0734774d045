package retry

import (
	"context"
	"fmt"
	"time"
)

// BackoffFunc maps a 1-based attempt number to the delay before the next
// attempt.
type BackoffFunc func(attempt int) time.Duration

// LinearBackoff grows the delay by step per attempt: step, 2*step, 3*step...
func LinearBackoff(step time.Duration) BackoffFunc {
	return func(attempt int) time.Duration {
		return time.Duration(attempt) * step
	}
}

// Policy describes how an operation is retried. RetryIf decides whether an
// error is worth another attempt; when nil, only errors implementing
// interface{ Retryable() bool } and reporting true are retried.
type Policy struct {
	MaxAttempts int
	Backoff     BackoffFunc
	RetryIf     func(error) bool
}

// DefaultPolicy matches the pipeline's network call sites: three attempts
// with linearly increasing backoff.
var DefaultPolicy = Policy{
	MaxAttempts: 3,
	Backoff:     LinearBackoff(100 * time.Millisecond),
}

type retryable interface {
	Retryable() bool
}

// IsRetryable reports whether err is marked transient.
func IsRetryable(err error) bool {
	if r, ok := err.(retryable); ok {
		return r.Retryable()
	}
	return false
}

func (p Policy) shouldRetry(err error) bool {
	if p.RetryIf != nil {
		return p.RetryIf(err)
	}
	return IsRetryable(err)
}

// Do runs fn up to p.MaxAttempts times, sleeping per p.Backoff between
// attempts. Non-retryable errors are surfaced immediately.
func Do[T any](ctx context.Context, p Policy, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		default:
		}

		v, err := fn(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err

		if !p.shouldRetry(err) || attempt == attempts {
			break
		}
		if p.Backoff != nil {
			select {
			case <-time.After(p.Backoff(attempt)):
			case <-ctx.Done():
				return zero, ctx.Err()
			}
		}
	}
	return zero, lastErr
}

// TimeoutError reports that an operation missed its deadline. It is
// transient from the caller's perspective and therefore retryable.
type TimeoutError struct {
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("Timeout after %dms", e.After.Milliseconds())
}

// Retryable marks deadline misses as transient.
func (e *TimeoutError) Retryable() bool { return true }

// WithTimeout runs fn and abandons it once d elapses. fn receives a context
// that is cancelled on timeout so in-flight work can release resources; the
// goroutine's eventual result is discarded after the deadline.
func WithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	fnCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(fnCtx)
		done <- result{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.v, r.err
	case <-timer.C:
		return zero, &TimeoutError{After: d}
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
