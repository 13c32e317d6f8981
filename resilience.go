package qcflow

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// RetryFunction re-executes an inspection function that returned an error.
// Panics are not retried.
type RetryFunction struct {
	fn          InspectionFunction
	maxAttempts int
	shouldRetry func(error) bool
	backoff     func(attempt int) time.Duration
}

// RetryOption is a function that configures a RetryFunction.
type RetryOption func(*RetryFunction)

// WithShouldRetry adds a predicate to determine if an error should be retried.
func WithShouldRetry(shouldRetry func(error) bool) RetryOption {
	return func(r *RetryFunction) {
		if shouldRetry != nil {
			r.shouldRetry = shouldRetry
		}
	}
}

// WithBackoff sets the delay before attempt+1.
func WithBackoff(backoff func(attempt int) time.Duration) RetryOption {
	return func(r *RetryFunction) {
		if backoff != nil {
			r.backoff = backoff
		}
	}
}

// ConstantBackoff waits d between attempts.
func ConstantBackoff(d time.Duration) func(int) time.Duration {
	return func(int) time.Duration { return d }
}

// ExponentialBackoff doubles base after every attempt, capped at maxDelay.
func ExponentialBackoff(base, maxDelay time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base << attempt
		if d <= 0 || (maxDelay > 0 && d > maxDelay) {
			return maxDelay
		}
		return d
	}
}

// NewRetryFunction wraps fn so it runs up to maxAttempts times.
func NewRetryFunction(fn InspectionFunction, maxAttempts int, options ...RetryOption) *RetryFunction {
	if fn == nil {
		panic("qcflow.NewRetryFunction: fn cannot be nil")
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	r := &RetryFunction{
		fn:          fn,
		maxAttempts: maxAttempts,
		shouldRetry: func(err error) bool { return !errors.Is(err, ErrCircuitOpen) },
		backoff:     ConstantBackoff(0),
	}
	for _, option := range options {
		option(r)
	}
	return r
}

// Execute implements InspectionFunction.
func (r *RetryFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	var lastErr error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if ctx.Err() != nil {
			if lastErr != nil {
				return InspectionResult{}, fmt.Errorf("retry failed after %d attempts: %w (context cancelled: %w)",
					attempt, lastErr, ctx.Err())
			}
			return InspectionResult{}, ctx.Err()
		}

		result, err := r.fn.Execute(ctx, msg)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if !r.shouldRetry(err) {
			return InspectionResult{}, fmt.Errorf("retry giving up after %d attempts: %w", attempt+1, err)
		}

		if attempt < r.maxAttempts-1 {
			if delay := r.backoff(attempt); delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return InspectionResult{}, fmt.Errorf("retry interrupted during backoff: %w", ctx.Err())
				case <-timer.C:
				}
			}
		}
	}
	return InspectionResult{}, fmt.Errorf("retry exhausted %d attempts: %w", r.maxAttempts, lastErr)
}

// Name returns the name of the wrapped function.
func (r *RetryFunction) Name() string {
	return functionName(r.fn, "")
}

// TimeoutFunction bounds each execution of an inspection function. The
// wrapped function must honor context cancellation for the bound to hold.
type TimeoutFunction struct {
	fn      InspectionFunction
	timeout time.Duration
}

// NewTimeoutFunction wraps fn with a per-execution deadline.
func NewTimeoutFunction(fn InspectionFunction, timeout time.Duration) *TimeoutFunction {
	if fn == nil {
		panic("qcflow.NewTimeoutFunction: fn cannot be nil")
	}
	return &TimeoutFunction{fn: fn, timeout: timeout}
}

// Execute implements InspectionFunction.
func (t *TimeoutFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	result, err := t.fn.Execute(ctx, msg)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return InspectionResult{}, fmt.Errorf("inspection timed out after %v: %w", t.timeout, err)
		}
		return InspectionResult{}, err
	}
	return result, nil
}

// Name returns the name of the wrapped function.
func (t *TimeoutFunction) Name() string {
	return functionName(t.fn, "")
}
