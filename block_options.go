package qcflow

import (
	"log"

	"golang.org/x/time/rate"
)

const (
	// DefaultBlockCapacity is the queue capacity of a block.
	DefaultBlockCapacity = 16
	// DefaultBlockParallelism is the number of workers of a block.
	DefaultBlockParallelism = 1
)

// BlockOption configures a Block.
type BlockOption func(*Block)

// WithCapacity sets the queue capacity. Enqueue blocks while the queue is full.
func WithCapacity(capacity int) BlockOption {
	return func(b *Block) {
		if capacity > 0 {
			b.capacity = capacity
		}
	}
}

// WithParallelism sets the number of concurrent workers.
func WithParallelism(workers int) BlockOption {
	return func(b *Block) {
		if workers > 0 {
			b.parallelism = workers
		}
	}
}

// WithRateLimit throttles function executions to r per second with burst b.
func WithRateLimit(r rate.Limit, burst int) BlockOption {
	return func(b *Block) {
		if r > 0 {
			if burst < 1 {
				burst = 1
			}
			b.limiter = rate.NewLimiter(r, burst)
		}
	}
}

// WithIncludeInResult controls whether the block's inspections take part in
// the piece verdict. Defaults to true.
func WithIncludeInResult(include bool) BlockOption {
	return func(b *Block) {
		b.includeInResult = include
	}
}

// WithExpand sets the expansion policy of a one-to-many block.
func WithExpand(expand ExpandFunc) BlockOption {
	return func(b *Block) {
		if expand != nil {
			b.expand = expand
		}
	}
}

// WithJoinExpected sets how many branch messages a join block waits for.
// By default it waits for one message per incoming link.
func WithJoinExpected(n int) BlockOption {
	return func(b *Block) {
		if n > 0 {
			b.joinExpected = n
		}
	}
}

// WithBlockTracerProvider overrides the pipeline tracer provider for this block.
func WithBlockTracerProvider(provider TracerProvider) BlockOption {
	return func(b *Block) {
		if provider != nil {
			b.tracerProvider = provider
		}
	}
}

// WithBlockLogger overrides the pipeline logger for this block.
func WithBlockLogger(logger *log.Logger) BlockOption {
	return func(b *Block) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithBlockMetrics overrides the pipeline metrics collector for this block.
func WithBlockMetrics(collector MetricsCollector) BlockOption {
	return func(b *Block) {
		if collector != nil {
			b.metrics = collector
		}
	}
}
