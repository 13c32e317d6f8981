package qcflow

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// PipelinePool lends a fixed set of started pipelines, one cycle at a time.
type PipelinePool struct {
	free chan *Pipeline
	all  map[*Pipeline]struct{}

	mu     sync.Mutex
	held   map[*Pipeline]struct{}
	closed bool
	done   chan struct{}
}

// NewPipelinePool creates a pool lending the given pipelines.
func NewPipelinePool(pipelines ...*Pipeline) *PipelinePool {
	pp := &PipelinePool{
		free: make(chan *Pipeline, len(pipelines)),
		all:  make(map[*Pipeline]struct{}, len(pipelines)),
		held: make(map[*Pipeline]struct{}),
		done: make(chan struct{}),
	}
	for _, p := range pipelines {
		if p == nil {
			continue
		}
		if _, dup := pp.all[p]; dup {
			continue
		}
		pp.all[p] = struct{}{}
		pp.free <- p
	}
	return pp
}

// Size returns the number of pipelines managed by the pool.
func (pp *PipelinePool) Size() int { return len(pp.all) }

// Available returns the number of pipelines ready to be held.
func (pp *PipelinePool) Available() int { return len(pp.free) }

// Hold blocks until a pipeline is free, ctx is done or the pool is closed.
func (pp *PipelinePool) Hold(ctx context.Context) (*Pipeline, error) {
	select {
	case <-pp.done:
		return nil, ErrPoolClosed
	default:
	}

	select {
	case p := <-pp.free:
		pp.mu.Lock()
		pp.held[p] = struct{}{}
		pp.mu.Unlock()
		return p, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-pp.done:
		return nil, ErrPoolClosed
	}
}

// Release gives a held pipeline back. The pipeline must be idle: Initial or
// Completed.
func (pp *PipelinePool) Release(p *Pipeline) error {
	if _, ok := pp.all[p]; !ok {
		return errors.New("qcflow: pipeline does not belong to this pool")
	}

	pp.mu.Lock()
	defer pp.mu.Unlock()
	if _, ok := pp.held[p]; !ok {
		return fmt.Errorf("qcflow: pipeline %q is not held", p.Name())
	}
	if status := p.Status(); status != StatusInitial && status != StatusCompleted {
		return NewPipelineLifecycleError("release", fmt.Sprintf("pipeline %q is %s", p.Name(), status), nil)
	}
	delete(pp.held, p)
	pp.free <- p
	return nil
}

// Close refuses further Hold calls and stops every pipeline.
func (pp *PipelinePool) Close(ctx context.Context) error {
	pp.mu.Lock()
	if pp.closed {
		pp.mu.Unlock()
		return nil
	}
	pp.closed = true
	close(pp.done)
	pp.mu.Unlock()

	var errs []error
	for p := range pp.all {
		if err := p.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
