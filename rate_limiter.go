package qcflow

import (
	"context"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles the inspection functions it wraps. One RateLimiter
// can wrap every pooled instance of a function so they share the same budget.
type RateLimiter struct {
	limiter *rate.Limiter
	timeout time.Duration
}

// RateLimiterOption is a function that configures a RateLimiter.
type RateLimiterOption func(*RateLimiter)

// WithLimiterTimeout bounds how long an execution waits for a token.
// Zero waits as long as the execution context allows.
func WithLimiterTimeout(timeout time.Duration) RateLimiterOption {
	return func(rl *RateLimiter) {
		rl.timeout = timeout
	}
}

// NewRateLimiter creates a limiter allowing r executions per second with burst b.
func NewRateLimiter(r rate.Limit, b int, options ...RateLimiterOption) *RateLimiter {
	rl := &RateLimiter{
		limiter: rate.NewLimiter(r, b),
		timeout: time.Second,
	}
	for _, option := range options {
		option(rl)
	}
	return rl
}

// Wrap returns fn throttled by this limiter.
func (rl *RateLimiter) Wrap(fn InspectionFunction) InspectionFunction {
	return &rateLimitedFunction{fn: fn, rl: rl}
}

// SetLimit updates the rate limit.
func (rl *RateLimiter) SetLimit(r rate.Limit) {
	rl.limiter.SetLimit(r)
}

// SetBurst updates the burst limit.
func (rl *RateLimiter) SetBurst(b int) {
	rl.limiter.SetBurst(b)
}

// Allow checks if an execution can run without waiting.
func (rl *RateLimiter) Allow() bool {
	return rl.limiter.Allow()
}

func (rl *RateLimiter) wait(ctx context.Context) error {
	if rl.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rl.timeout)
		defer cancel()
	}
	return rl.limiter.Wait(ctx)
}

type rateLimitedFunction struct {
	fn InspectionFunction
	rl *RateLimiter
}

func (f *rateLimitedFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	if err := f.rl.wait(ctx); err != nil {
		return InspectionResult{}, err
	}
	return f.fn.Execute(ctx, msg)
}

func (f *rateLimitedFunction) Name() string {
	return functionName(f.fn, "")
}
