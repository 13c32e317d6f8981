package qcflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sort"
	"sync"

	"golang.org/x/time/rate"
)

// Error messages
const (
	ErrFunctionExists = "inspection function '%s' is already registered"
	ErrExpandExists   = "expand policy '%s' is already registered"
)

// FunctionFactory creates one instance of an inspection function. The pool
// calls it each time it needs a fresh instance.
type FunctionFactory func() InspectionFunction

// Registry holds the named inspection functions and expand policies a
// configuration can refer to.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]FunctionFactory
	expands   map[string]ExpandFunc
}

// NewRegistry creates a registry knowing the built-in expand policies
// "always", "on_pass" and "per_image".
func NewRegistry() *Registry {
	return &Registry{
		functions: make(map[string]FunctionFactory),
		expands: map[string]ExpandFunc{
			"always":    ExpandAlways,
			"on_pass":   ExpandOnPass,
			"per_image": ExpandPerImage,
		},
	}
}

// RegisterFunction adds a named inspection function factory.
func (r *Registry) RegisterFunction(name string, factory FunctionFactory) error {
	if factory == nil {
		return fmt.Errorf("inspection function '%s': nil factory", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[name]; exists {
		return fmt.Errorf(ErrFunctionExists, name)
	}
	r.functions[name] = factory
	return nil
}

// GetFunction retrieves a registered function factory by name.
func (r *Registry) GetFunction(name string) (FunctionFactory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	factory, ok := r.functions[name]
	return factory, ok
}

// FunctionNames returns the registered function names, sorted.
func (r *Registry) FunctionNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.functions))
	for name := range r.functions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterExpand adds a named expand policy for one-to-many blocks.
func (r *Registry) RegisterExpand(name string, expand ExpandFunc) error {
	if expand == nil {
		return fmt.Errorf("expand policy '%s': nil function", name)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.expands[name]; exists {
		return fmt.Errorf(ErrExpandExists, name)
	}
	r.expands[name] = expand
	return nil
}

// GetExpand retrieves an expand policy by name.
func (r *Registry) GetExpand(name string) (ExpandFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	expand, ok := r.expands[name]
	return expand, ok
}

// BuildContext holds the observability components shared by every block of a
// pipeline built from configuration.
type BuildContext struct {
	Logger           *log.Logger
	MetricsCollector MetricsCollector
	TracerProvider   TracerProvider
	Events           *Events
}

// BuildOption customizes BuildPipelineFromConfig.
type BuildOption func(*BuildContext)

// WithBuildLogger sets the logger of the pipeline, its blocks and its composer.
func WithBuildLogger(logger *log.Logger) BuildOption {
	return func(bc *BuildContext) {
		bc.Logger = logger
	}
}

// WithBuildMetrics overrides the metrics collector the configuration selects.
func WithBuildMetrics(collector MetricsCollector) BuildOption {
	return func(bc *BuildContext) {
		bc.MetricsCollector = collector
	}
}

// WithBuildTracerProvider overrides the tracer provider the configuration selects.
func WithBuildTracerProvider(provider TracerProvider) BuildOption {
	return func(bc *BuildContext) {
		bc.TracerProvider = provider
	}
}

// WithBuildEvents makes the pipeline publish on an existing event bus.
func WithBuildEvents(events *Events) BuildOption {
	return func(bc *BuildContext) {
		bc.Events = events
	}
}

// BuiltPipeline is a pipeline assembled from configuration together with the
// components created for it.
type BuiltPipeline struct {
	Pipeline       *Pipeline
	Composer       *ResultComposer
	Pool           *ObjectFunctionPool
	Metrics        MetricsCollector
	TracerProvider TracerProvider
	Breakers       map[string]*CircuitBreaker // Keyed by block name
}

// Shutdown stops the pipeline and flushes the tracer provider when it exports spans.
func (bp *BuiltPipeline) Shutdown(ctx context.Context) error {
	var errs []error
	if bp.Pipeline.isStarted() {
		errs = append(errs, bp.Pipeline.Stop(ctx))
	}
	if otlp, ok := bp.TracerProvider.(*OTLPTracerProvider); ok {
		errs = append(errs, otlp.Shutdown(ctx))
	}
	return errors.Join(errs...)
}

// BuildPipelineFromConfig validates config and assembles a pipeline from it.
// The returned pipeline is not started.
func BuildPipelineFromConfig(
	ctx context.Context,
	config *PipelineConfig,
	registry *Registry,
	options ...BuildOption,
) (*BuiltPipeline, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline configuration: %w", err)
	}
	if registry == nil {
		return nil, errors.New("registry cannot be nil")
	}

	buildContext, err := createBuildContext(ctx, config, options...)
	if err != nil {
		return nil, fmt.Errorf("failed to create build context: %w", err)
	}

	composerOpts := []ComposerOption{
		WithComposerLogger(buildContext.Logger),
		WithComposerMetrics(buildContext.MetricsCollector),
	}
	if config.Composer.MaxDuration > 0 {
		composerOpts = append(composerOpts, WithMaxDuration(config.Composer.MaxDuration))
	}
	composer := NewResultComposer(composerOpts...)
	pool := NewObjectFunctionPool()

	pipeline := NewPipeline(config.Name, composer, pool,
		WithPipelineLogger(buildContext.Logger),
		WithPipelineMetrics(buildContext.MetricsCollector),
		WithPipelineTracerProvider(buildContext.TracerProvider),
		WithPipelineEvents(buildContext.Events),
		WithReaperInterval(config.Composer.ReapInterval),
	)

	built := &BuiltPipeline{
		Pipeline:       pipeline,
		Composer:       composer,
		Pool:           pool,
		Metrics:        buildContext.MetricsCollector,
		TracerProvider: buildContext.TracerProvider,
		Breakers:       make(map[string]*CircuitBreaker),
	}

	for i := range config.Blocks {
		blockConfig := &config.Blocks[i]
		block, errBuild := buildBlock(i, blockConfig, registry, pool, buildContext, built)
		if errBuild != nil {
			return nil, fmt.Errorf("failed to build block #%d ('%s'): %w", i, blockConfig.Name, errBuild)
		}
		if err := pipeline.AddBlock(block); err != nil {
			return nil, err
		}
	}

	for _, blockConfig := range config.Blocks {
		for _, next := range blockConfig.Next {
			if err := pipeline.Link(blockConfig.Name, next); err != nil {
				return nil, err
			}
		}
	}
	if err := pipeline.SetEntry(config.Entry); err != nil {
		return nil, err
	}
	if err := pipeline.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pipeline graph: %w", err)
	}
	return built, nil
}

func createBuildContext(ctx context.Context, config *PipelineConfig, options ...BuildOption) (*BuildContext, error) {
	buildContext := &BuildContext{}
	for _, option := range options {
		option(buildContext)
	}
	if buildContext.Logger == nil {
		buildContext.Logger = log.New(io.Discard, "", 0)
	}

	factory := NewObservabilityFactory(buildContext.Logger)
	if buildContext.MetricsCollector == nil {
		collector, err := factory.CreateMetricsCollector(config.Metrics)
		if err != nil {
			return nil, fmt.Errorf("failed to create metrics collector: %w", err)
		}
		buildContext.MetricsCollector = collector
	}
	if buildContext.TracerProvider == nil {
		provider, err := factory.CreateTracerProvider(ctx, config.Tracing, config.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create tracer provider: %w", err)
		}
		buildContext.TracerProvider = provider
	}
	if buildContext.Events == nil {
		buildContext.Events = NewEvents(buildContext.Logger)
	}
	return buildContext, nil
}

func buildBlock(
	functionIndex int,
	blockConfig *BlockConfig,
	registry *Registry,
	pool *ObjectFunctionPool,
	buildContext *BuildContext,
	built *BuiltPipeline,
) (*Block, error) {
	kind, err := ParseBlockKind(blockConfig.Kind)
	if err != nil {
		return nil, err
	}

	var opts []BlockOption
	if blockConfig.Capacity > 0 {
		opts = append(opts, WithCapacity(blockConfig.Capacity))
	}
	if blockConfig.Parallelism > 0 {
		opts = append(opts, WithParallelism(blockConfig.Parallelism))
	}

	switch props := blockConfig.Properties.(type) {
	case *FunctionProperties:
		factory, ok := registry.GetFunction(props.Function)
		if !ok {
			return nil, fmt.Errorf("inspection function '%s' not found in registry", props.Function)
		}
		factory = wrapWithObservability(blockConfig.Name, props, factory, buildContext, built)
		if err := pool.Register(functionIndex, props.Function, factory); err != nil {
			return nil, err
		}

		if props.IncludeInResult != nil {
			opts = append(opts, WithIncludeInResult(*props.IncludeInResult))
		}
		if props.RateLimit > 0 {
			burst := props.Burst
			if burst == 0 {
				burst = 1
			}
			opts = append(opts, WithRateLimit(rate.Limit(props.RateLimit), burst))
		}
		if props.Expand != "" {
			expand, ok := registry.GetExpand(props.Expand)
			if !ok {
				return nil, fmt.Errorf("expand policy '%s' not found in registry", props.Expand)
			}
			opts = append(opts, WithExpand(expand))
		}
	case *JoinProperties:
		if props.Expected > 0 {
			opts = append(opts, WithJoinExpected(props.Expected))
		}
	}

	switch kind {
	case KindOneToOne:
		return NewOneToOneBlock(blockConfig.Name, functionIndex, opts...), nil
	case KindOneToMany:
		return NewOneToManyBlock(blockConfig.Name, functionIndex, opts...), nil
	case KindSink:
		return NewSinkBlock(blockConfig.Name, functionIndex, opts...), nil
	case KindBuffer:
		return NewBufferBlock(blockConfig.Name, opts...), nil
	case KindBroadcast:
		return NewBroadcastBlock(blockConfig.Name, opts...), nil
	case KindJoin:
		return NewJoinBlock(blockConfig.Name, opts...), nil
	default:
		return nil, fmt.Errorf("unsupported block kind %s", kind)
	}
}

// wrapWithObservability decorates every instance the factory creates,
// innermost first: timeout, retry, circuit breaker, metrics, tracing. The
// breaker is created once so all pooled instances share its state.
func wrapWithObservability(
	blockName string,
	props *FunctionProperties,
	factory FunctionFactory,
	buildContext *BuildContext,
	built *BuiltPipeline,
) FunctionFactory {
	var breaker *CircuitBreaker
	if cfg := props.CircuitBreaker; cfg != nil {
		breaker = NewCircuitBreaker(cfg.FailureThreshold, cfg.ResetTimeout,
			WithSuccessThreshold(cfg.SuccessThreshold),
			WithHalfOpenMaxRequests(cfg.HalfOpenMax),
		)
		built.Breakers[blockName] = breaker
	}

	name := blockName + "." + props.Function
	return func() InspectionFunction {
		fn := factory()
		if props.Timeout > 0 {
			fn = NewTimeoutFunction(fn, props.Timeout)
		}
		if cfg := props.Retry; cfg != nil {
			backoff := ConstantBackoff(cfg.Backoff)
			if cfg.MaxBackoff > 0 {
				backoff = ExponentialBackoff(cfg.Backoff, cfg.MaxBackoff)
			}
			fn = NewRetryFunction(fn, cfg.MaxAttempts, WithBackoff(backoff))
		}
		if breaker != nil {
			fn = breaker.Wrap(fn)
		}
		if props.Metrics {
			fn = NewMetricatedFunction(fn,
				WithFunctionMetricsCollector(buildContext.MetricsCollector),
				WithFunctionMetricsName(name),
			)
		}
		if props.Tracing {
			fn = NewTracedFunction(fn,
				WithTracedFunctionName(name),
				WithTracedFunctionProvider(buildContext.TracerProvider),
			)
		}
		return fn
	}
}
