package qcflow

import (
	"context"
	"time"
)

// MetricsCollector defines an interface for collecting metrics about pipeline operations.
// This allows for integration with various monitoring systems like Prometheus.
type MetricsCollector interface {
	// --- Block worker metrics ---

	// BlockWorkerConcurrency reports the configured parallelism of a block.
	BlockWorkerConcurrency(ctx context.Context, blockName string, workers int)
	// BlockItemProcessed is called when a block has handled one item.
	BlockItemProcessed(ctx context.Context, blockName string, duration time.Duration)
	// BlockItemFaulted is called when the inspection function returned an error or panicked.
	BlockItemFaulted(ctx context.Context, blockName string, err error)
	// BlockItemShortCircuited is called when the block status forbade execution.
	BlockItemShortCircuited(ctx context.Context, blockName string, status Status)
	// BlockItemDropped is called when a broadcast mailbox overwrote an undelivered item.
	BlockItemDropped(ctx context.Context, blockName string)

	// --- Cycle metrics ---

	// CycleStarted is called when a pipeline opens a new cycle.
	CycleStarted(ctx context.Context, pipelineName string)
	// CycleCompleted is called when a pipeline reaches Completed.
	CycleCompleted(ctx context.Context, pipelineName string, duration time.Duration)

	// --- Composer metrics ---

	// PieceFinished is called when a piece verdict has been computed.
	PieceFinished(ctx context.Context, pieceIndex int64, result bool)
	// PieceExtracted is called when a finished piece leaves the composer.
	PieceExtracted(ctx context.Context, pieceIndex int64)
	// PiecesReaped is called when stale pieces were removed.
	PiecesReaped(ctx context.Context, count int)
}

// NoopMetricsCollector is a metrics collector that does nothing.
// It's useful as a default when no metrics collection is needed.
type NoopMetricsCollector struct{}

// Ensure NoopMetricsCollector implements MetricsCollector
var _ MetricsCollector = (*NoopMetricsCollector)(nil)

// BlockWorkerConcurrency implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) BlockWorkerConcurrency(_ context.Context, _ string, _ int) {}

// BlockItemProcessed implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) BlockItemProcessed(_ context.Context, _ string, _ time.Duration) {}

// BlockItemFaulted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) BlockItemFaulted(_ context.Context, _ string, _ error) {}

// BlockItemShortCircuited implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) BlockItemShortCircuited(_ context.Context, _ string, _ Status) {}

// BlockItemDropped implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) BlockItemDropped(_ context.Context, _ string) {}

// CycleStarted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) CycleStarted(_ context.Context, _ string) {}

// CycleCompleted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) CycleCompleted(_ context.Context, _ string, _ time.Duration) {}

// PieceFinished implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PieceFinished(_ context.Context, _ int64, _ bool) {}

// PieceExtracted implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PieceExtracted(_ context.Context, _ int64) {}

// PiecesReaped implements MetricsCollector interface for NoopMetricsCollector.
func (*NoopMetricsCollector) PiecesReaped(_ context.Context, _ int) {}

// DefaultMetricsCollector is the default metrics collector used when none is provided.
var DefaultMetricsCollector MetricsCollector = &NoopMetricsCollector{}

// MetricatedFunction wraps an InspectionFunction and reports its executions
// under its own name, independently of the block running it.
type MetricatedFunction struct {
	fn               InspectionFunction
	name             string
	metricsCollector MetricsCollector
}

// MetricatedFunctionOption is a function that configures a MetricatedFunction.
type MetricatedFunctionOption func(*MetricatedFunction)

// WithFunctionMetricsCollector sets the collector of a MetricatedFunction.
func WithFunctionMetricsCollector(collector MetricsCollector) MetricatedFunctionOption {
	return func(mf *MetricatedFunction) {
		if collector != nil {
			mf.metricsCollector = collector
		}
	}
}

// WithFunctionMetricsName sets the name reported by a MetricatedFunction.
func WithFunctionMetricsName(name string) MetricatedFunctionOption {
	return func(mf *MetricatedFunction) {
		if name != "" {
			mf.name = name
		}
	}
}

// NewMetricatedFunction creates a MetricatedFunction wrapping fn.
func NewMetricatedFunction(fn InspectionFunction, options ...MetricatedFunctionOption) *MetricatedFunction {
	if fn == nil {
		panic("qcflow.NewMetricatedFunction: fn cannot be nil")
	}
	mf := &MetricatedFunction{
		fn:               fn,
		name:             "metricated_function",
		metricsCollector: DefaultMetricsCollector,
	}
	for _, option := range options {
		option(mf)
	}
	return mf
}

// Execute implements InspectionFunction.
func (mf *MetricatedFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	startTime := time.Now()
	result, err := mf.fn.Execute(ctx, msg)
	if err != nil {
		mf.metricsCollector.BlockItemFaulted(ctx, mf.name, err)
	} else {
		mf.metricsCollector.BlockItemProcessed(ctx, mf.name, time.Since(startTime))
	}
	return result, err
}

// Name returns the name of the wrapped function.
func (mf *MetricatedFunction) Name() string {
	return functionName(mf.fn, "")
}
