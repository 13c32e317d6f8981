package qcflow

import "context"

// Starter is implemented by components that launch goroutines, such as blocks
// and pipelines. Start must be called before any item is admitted.
type Starter interface {
	Start(ctx context.Context) error
}

// Stopper is implemented by components that need to release their workers.
// Stop waits for the workers to exit or for ctx to be done.
type Stopper interface {
	Stop(ctx context.Context) error
}

// HealthCheckable defines an interface for components that can report their
// operational health.
//
// The HealthStatus method should return nil if the component is healthy,
// or an error describing the problem if it's unhealthy.
type HealthCheckable interface {
	HealthStatus(ctx context.Context) error
}

var (
	_ Starter         = (*Block)(nil)
	_ Stopper         = (*Block)(nil)
	_ Starter         = (*Pipeline)(nil)
	_ Stopper         = (*Pipeline)(nil)
	_ HealthCheckable = (*Pipeline)(nil)
)
