package qcflow

import (
	"fmt"
	"io"
	"log"
	"runtime/debug"
	"sync"
)

// Events fans pipeline notifications out to subscribers.
//
// Each subscriber is invoked synchronously and independently: a panicking
// subscriber is recovered and logged, and the remaining subscribers still run.
// Subscribers are called on block worker goroutines, so a slow subscriber slows
// the block that published the event.
type Events struct {
	mu            sync.RWMutex
	newInspection []func(InspectionResult)
	finishedPiece []func(pieceIndex int64)
	exception     []func(error)
	freedPipeline []func(pieceIndex int64)
	logger        *log.Logger
}

// NewEvents creates an empty event bus. A nil logger discards output.
func NewEvents(logger *log.Logger) *Events {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Events{logger: logger}
}

// OnNewInspection subscribes to every produced inspection result.
func (e *Events) OnNewInspection(fn func(InspectionResult)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.newInspection = append(e.newInspection, fn)
}

// OnNewFinishedProcess subscribes to pieces reaching a terminal block.
func (e *Events) OnNewFinishedProcess(fn func(pieceIndex int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.finishedPiece = append(e.finishedPiece, fn)
}

// OnExceptionRaised subscribes to inspection faults.
func (e *Events) OnExceptionRaised(fn func(error)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.exception = append(e.exception, fn)
}

// OnFreedPipeline subscribes to pipelines completing a cycle.
func (e *Events) OnFreedPipeline(fn func(pieceIndex int64)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.freedPipeline = append(e.freedPipeline, fn)
}

func (e *Events) publishNewInspection(r InspectionResult) {
	e.mu.RLock()
	subs := e.newInspection
	e.mu.RUnlock()
	for _, fn := range subs {
		e.safeCall("NewInspection", func() { fn(r) })
	}
}

func (e *Events) publishFinishedProcess(pieceIndex int64) {
	e.mu.RLock()
	subs := e.finishedPiece
	e.mu.RUnlock()
	for _, fn := range subs {
		e.safeCall("NewFinishedProcess", func() { fn(pieceIndex) })
	}
}

func (e *Events) publishException(err error) {
	e.mu.RLock()
	subs := e.exception
	e.mu.RUnlock()
	for _, fn := range subs {
		e.safeCall("ExceptionRaised", func() { fn(err) })
	}
}

func (e *Events) publishFreedPipeline(pieceIndex int64) {
	e.mu.RLock()
	subs := e.freedPipeline
	e.mu.RUnlock()
	for _, fn := range subs {
		e.safeCall("FreedPipeline", func() { fn(pieceIndex) })
	}
}

func (e *Events) safeCall(event string, call func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Printf("ERROR: qcflow.Events %s subscriber panicked: %v\n%s",
				event, fmt.Sprint(r), debug.Stack())
		}
	}()
	call()
}
