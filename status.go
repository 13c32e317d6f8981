package qcflow

import (
	"fmt"
	"sync"
)

// Status is the lifecycle state shared by pipelines and their blocks.
type Status int

const (
	// StatusInitial is the state of a freshly built pipeline or block.
	StatusInitial Status = iota
	// StatusOpened admits new pieces and allows execution.
	StatusOpened
	// StatusClosed stops admitting new pieces; queued work keeps draining.
	StatusClosed
	// StatusPurging short-circuits every dequeued item without executing it.
	StatusPurging
	// StatusCompleted is reached once all work has drained.
	StatusCompleted
)

// String returns the name of the status.
func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "Initial"
	case StatusOpened:
		return "Opened"
	case StatusClosed:
		return "Closed"
	case StatusPurging:
		return "Purging"
	case StatusCompleted:
		return "Completed"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// allowsExecution reports whether a block in this status may invoke its function.
func (s Status) allowsExecution() bool {
	return s == StatusOpened || s == StatusClosed
}

// StatusValidator is a finite-state-machine transition table.
//
// Requesting an unregistered transition is not an error: GoToState returns the
// source state unchanged and TryGoToState returns false. Self-transitions are
// invalid unless explicitly registered.
type StatusValidator[T comparable] struct {
	mu          sync.RWMutex
	transitions map[T]map[T]struct{}
	listeners   []func(from, to T)
}

// NewStatusValidator creates an empty transition table.
func NewStatusValidator[T comparable]() *StatusValidator[T] {
	return &StatusValidator[T]{
		transitions: make(map[T]map[T]struct{}),
	}
}

// NewCycleStatusValidator returns the transition table used by pipelines and blocks.
func NewCycleStatusValidator() *StatusValidator[Status] {
	v := NewStatusValidator[Status]()
	v.AddTransition(StatusInitial, StatusOpened)
	v.AddTransition(StatusOpened, StatusClosed)
	v.AddTransition(StatusOpened, StatusPurging)
	v.AddTransition(StatusClosed, StatusPurging)
	v.AddTransition(StatusClosed, StatusCompleted)
	v.AddTransition(StatusPurging, StatusCompleted)
	v.AddTransition(StatusCompleted, StatusOpened)
	return v
}

// AddTransition registers the directed edge src -> dst.
func (v *StatusValidator[T]) AddTransition(src, dst T) {
	v.mu.Lock()
	defer v.mu.Unlock()
	dests, ok := v.transitions[src]
	if !ok {
		dests = make(map[T]struct{})
		v.transitions[src] = dests
	}
	dests[dst] = struct{}{}
}

// IsValidTransition reports whether src -> dst was registered.
func (v *StatusValidator[T]) IsValidTransition(src, dst T) bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	_, ok := v.transitions[src][dst]
	return ok
}

// OnStateChanged subscribes fn to every successful transition.
func (v *StatusValidator[T]) OnStateChanged(fn func(from, to T)) {
	if fn == nil {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.listeners = append(v.listeners, fn)
}

// GoToState runs action and returns dst if src -> dst is registered.
// Otherwise it returns src and does nothing.
func (v *StatusValidator[T]) GoToState(src, dst T, action func()) T {
	if !v.IsValidTransition(src, dst) {
		return src
	}
	if action != nil {
		action()
	}
	v.notify(src, dst)
	return dst
}

// TryGoToState is GoToState writing the new state through src.
func (v *StatusValidator[T]) TryGoToState(src *T, dst T, action func()) bool {
	if src == nil || !v.IsValidTransition(*src, dst) {
		return false
	}
	from := *src
	if action != nil {
		action()
	}
	*src = dst
	v.notify(from, dst)
	return true
}

func (v *StatusValidator[T]) notify(from, to T) {
	v.mu.RLock()
	listeners := make([]func(from, to T), len(v.listeners))
	copy(listeners, v.listeners)
	v.mu.RUnlock()

	for _, fn := range listeners {
		fn(from, to)
	}
}

// statusCell is a mutex-guarded Status driven by a shared validator.
type statusCell struct {
	mu        sync.Mutex
	current   Status
	validator *StatusValidator[Status]
}

func newStatusCell(validator *StatusValidator[Status]) *statusCell {
	return &statusCell{current: StatusInitial, validator: validator}
}

func (c *statusCell) get() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// transition moves to dst when the edge is registered; action runs under the cell lock.
func (c *statusCell) transition(dst Status, action func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validator.TryGoToState(&c.current, dst, action)
}

// transitionFrom only moves if the current state is one of from.
func (c *statusCell) transitionFrom(dst Status, action func(), from ...Status) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range from {
		if c.current == s {
			return c.validator.TryGoToState(&c.current, dst, action)
		}
	}
	return false
}
