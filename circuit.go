package qcflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState int

const (
	// CircuitClosed is the normal state where executions are allowed through.
	CircuitClosed CircuitBreakerState = iota
	// CircuitOpen is the state where executions are rejected.
	CircuitOpen
	// CircuitHalfOpen lets a limited number of executions probe the function.
	CircuitHalfOpen
)

// String returns the name of the state.
func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open and executions are rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// CircuitBreaker stops calling an inspection function that keeps failing.
// The state is shared by every function wrapped with Wrap, so all pooled
// instances of one function trip together.
type CircuitBreaker struct {
	failureThreshold int
	resetTimeout     time.Duration
	halfOpenMax      int
	successThreshold int
	now              func() time.Time

	mu                   sync.Mutex
	state                CircuitBreakerState
	failures             int
	lastError            error
	openTime             time.Time
	halfOpenCount        int
	consecutiveSuccesses int
}

// CircuitBreakerOption is a function that configures a CircuitBreaker.
type CircuitBreakerOption func(*CircuitBreaker)

// WithSuccessThreshold sets the number of consecutive successes needed to close the circuit.
func WithSuccessThreshold(threshold int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if threshold > 0 {
			cb.successThreshold = threshold
		}
	}
}

// WithHalfOpenMaxRequests sets the maximum number of executions allowed when half-open.
func WithHalfOpenMaxRequests(maxReq int) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if maxReq > 0 {
			cb.halfOpenMax = maxReq
		}
	}
}

// WithCircuitClock overrides time.Now.
func WithCircuitClock(now func() time.Time) CircuitBreakerOption {
	return func(cb *CircuitBreaker) {
		if now != nil {
			cb.now = now
		}
	}
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(failureThreshold int, resetTimeout time.Duration, options ...CircuitBreakerOption) *CircuitBreaker {
	cb := &CircuitBreaker{
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		halfOpenMax:      1,
		successThreshold: 1,
		now:              time.Now,
		state:            CircuitClosed,
	}
	for _, option := range options {
		option(cb)
	}
	return cb
}

// Wrap returns fn guarded by this circuit breaker.
func (cb *CircuitBreaker) Wrap(fn InspectionFunction) InspectionFunction {
	return &breakerFunction{fn: fn, cb: cb}
}

// allowRequest checks if an execution should be let through and reserves a
// half-open slot when it is.
func (cb *CircuitBreaker) allowRequest() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitOpen && cb.now().Sub(cb.openTime) > cb.resetTimeout {
		cb.state = CircuitHalfOpen
		cb.halfOpenCount = 0
		cb.consecutiveSuccesses = 0
	}

	switch cb.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		if cb.halfOpenCount >= cb.halfOpenMax {
			return false
		}
		cb.halfOpenCount++
		return true
	default:
		return false
	}
}

// recordResult updates the circuit state based on the outcome of an execution.
func (cb *CircuitBreaker) recordResult(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err != nil {
		cb.lastError = err
		cb.consecutiveSuccesses = 0
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.failureThreshold {
				cb.tripOpen()
			}
		case CircuitHalfOpen:
			cb.tripOpen()
		case CircuitOpen:
		}
		return
	}

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0
	case CircuitHalfOpen:
		cb.consecutiveSuccesses++
		if cb.consecutiveSuccesses >= cb.successThreshold {
			cb.closeCircuit()
		} else {
			cb.halfOpenCount--
		}
	case CircuitOpen:
	}
}

func (cb *CircuitBreaker) tripOpen() {
	cb.state = CircuitOpen
	cb.openTime = cb.now()
	cb.halfOpenCount = 0
	cb.consecutiveSuccesses = 0
}

func (cb *CircuitBreaker) closeCircuit() {
	cb.state = CircuitClosed
	cb.failures = 0
	cb.halfOpenCount = 0
	cb.consecutiveSuccesses = 0
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// LastError returns the last error recorded.
func (cb *CircuitBreaker) LastError() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.lastError
}

// Reset forces the circuit breaker back to the closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.closeCircuit()
	cb.lastError = nil
}

type breakerFunction struct {
	fn InspectionFunction
	cb *CircuitBreaker
}

func (f *breakerFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	if !f.cb.allowRequest() {
		return InspectionResult{}, ErrCircuitOpen
	}
	defer func() {
		if r := recover(); r != nil {
			f.cb.recordResult(fmt.Errorf("panic: %v", r))
			panic(r)
		}
	}()

	result, err := f.fn.Execute(ctx, msg)
	f.cb.recordResult(err)
	return result, err
}

func (f *breakerFunction) Name() string {
	return functionName(f.fn, "")
}
