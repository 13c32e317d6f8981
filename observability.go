package qcflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// ServiceVersion is reported as the service version of exported traces.
const ServiceVersion = "1.0.0"

// ObservabilityFactory creates observability components from pipeline configuration.
type ObservabilityFactory struct {
	logger *log.Logger
}

// NewObservabilityFactory creates a new factory for observability components.
// The logger backs the logging metrics collector; nil discards.
func NewObservabilityFactory(logger *log.Logger) *ObservabilityFactory {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &ObservabilityFactory{logger: logger}
}

// CreateMetricsCollector creates a MetricsCollector based on the metrics configuration.
func (f *ObservabilityFactory) CreateMetricsCollector(config MetricsConfig) (MetricsCollector, error) {
	if !config.Enabled {
		return DefaultMetricsCollector, nil
	}

	switch config.Type {
	case MetricsTypeNoop, "":
		return DefaultMetricsCollector, nil
	case MetricsTypeLogging:
		return NewLoggingMetricsCollector(f.logger), nil
	case MetricsTypePrometheus:
		return NewPrometheusMetricsCollector(config.Namespace, nil), nil
	default:
		return nil, fmt.Errorf("unsupported metrics type: %s", config.Type)
	}
}

// CreateTracerProvider creates a TracerProvider based on the tracing configuration.
func (f *ObservabilityFactory) CreateTracerProvider(
	ctx context.Context,
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if !config.Enabled {
		return NoopTracerProvider{}, nil
	}

	switch config.Type {
	case TracingTypeNoop, "":
		return NoopTracerProvider{}, nil
	case TracingTypeOTLP:
		return f.createOTLPTracerProvider(ctx, config, serviceName)
	default:
		return nil, fmt.Errorf("unsupported tracing type: %s", config.Type)
	}
}

func (f *ObservabilityFactory) createOTLPTracerProvider(
	ctx context.Context,
	config TracingConfig,
	serviceName string,
) (TracerProvider, error) {
	if config.Endpoint == "" {
		return nil, errors.New("otlp endpoint is required")
	}

	exporterOptions := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(config.Endpoint)}
	if config.Insecure {
		exporterOptions = append(exporterOptions, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, exporterOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(
		ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(ServiceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	return &OTLPTracerProvider{tp: tp}, nil
}

// OTLPTracerProvider exports spans over OTLP/gRPC.
type OTLPTracerProvider struct {
	tp *sdktrace.TracerProvider
}

// Tracer implements TracerProvider.
func (p *OTLPTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return p.tp.Tracer(name, options...)
}

// Shutdown flushes and stops the exporter.
func (p *OTLPTracerProvider) Shutdown(ctx context.Context) error {
	return p.tp.Shutdown(ctx)
}

// LoggingMetricsCollector writes every metric event to a logger.
type LoggingMetricsCollector struct {
	logger *log.Logger
}

// NewLoggingMetricsCollector creates a collector logging to logger.
func NewLoggingMetricsCollector(logger *log.Logger) *LoggingMetricsCollector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &LoggingMetricsCollector{logger: logger}
}

var _ MetricsCollector = (*LoggingMetricsCollector)(nil)

// BlockWorkerConcurrency implements MetricsCollector.
func (l *LoggingMetricsCollector) BlockWorkerConcurrency(_ context.Context, blockName string, workers int) {
	l.logger.Printf("METRIC: block %q runs %d workers", blockName, workers)
}

// BlockItemProcessed implements MetricsCollector.
func (l *LoggingMetricsCollector) BlockItemProcessed(_ context.Context, blockName string, duration time.Duration) {
	l.logger.Printf("METRIC: block %q processed an item in %s", blockName, duration)
}

// BlockItemFaulted implements MetricsCollector.
func (l *LoggingMetricsCollector) BlockItemFaulted(_ context.Context, blockName string, err error) {
	l.logger.Printf("METRIC: block %q faulted: %v", blockName, err)
}

// BlockItemShortCircuited implements MetricsCollector.
func (l *LoggingMetricsCollector) BlockItemShortCircuited(_ context.Context, blockName string, status Status) {
	l.logger.Printf("METRIC: block %q short-circuited an item in status %s", blockName, status)
}

// BlockItemDropped implements MetricsCollector.
func (l *LoggingMetricsCollector) BlockItemDropped(_ context.Context, blockName string) {
	l.logger.Printf("METRIC: block %q overwrote an undelivered item", blockName)
}

// CycleStarted implements MetricsCollector.
func (l *LoggingMetricsCollector) CycleStarted(_ context.Context, pipelineName string) {
	l.logger.Printf("METRIC: pipeline %q started a cycle", pipelineName)
}

// CycleCompleted implements MetricsCollector.
func (l *LoggingMetricsCollector) CycleCompleted(_ context.Context, pipelineName string, duration time.Duration) {
	l.logger.Printf("METRIC: pipeline %q completed a cycle in %s", pipelineName, duration)
}

// PieceFinished implements MetricsCollector.
func (l *LoggingMetricsCollector) PieceFinished(_ context.Context, pieceIndex int64, result bool) {
	l.logger.Printf("METRIC: piece %d finished, result=%t", pieceIndex, result)
}

// PieceExtracted implements MetricsCollector.
func (l *LoggingMetricsCollector) PieceExtracted(_ context.Context, pieceIndex int64) {
	l.logger.Printf("METRIC: piece %d extracted", pieceIndex)
}

// PiecesReaped implements MetricsCollector.
func (l *LoggingMetricsCollector) PiecesReaped(_ context.Context, count int) {
	l.logger.Printf("METRIC: %d obsolete pieces reaped", count)
}

// PrometheusMetricsCollector exposes pipeline metrics to Prometheus.
type PrometheusMetricsCollector struct {
	registry *prometheus.Registry

	blockWorkers       *prometheus.GaugeVec
	blockItems         *prometheus.CounterVec
	blockItemDuration  *prometheus.HistogramVec
	blockFaults        *prometheus.CounterVec
	blockShortCircuits *prometheus.CounterVec
	blockDropped       *prometheus.CounterVec
	cyclesStarted      *prometheus.CounterVec
	cycleDuration      *prometheus.HistogramVec
	piecesFinished     *prometheus.CounterVec
	piecesExtracted    prometheus.Counter
	piecesReaped       prometheus.Counter
}

// NewPrometheusMetricsCollector registers the qcflow metrics on registry, or on
// a fresh registry when nil. An empty namespace defaults to "qcflow".
func NewPrometheusMetricsCollector(namespace string, registry *prometheus.Registry) *PrometheusMetricsCollector {
	if namespace == "" {
		namespace = "qcflow"
	}
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	factory := promauto.With(registry)

	return &PrometheusMetricsCollector{
		registry: registry,
		blockWorkers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "block_workers",
			Help:      "Configured number of workers per block.",
		}, []string{"block"}),
		blockItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_items_processed_total",
			Help:      "Items handled per block.",
		}, []string{"block"}),
		blockItemDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "block_item_duration_seconds",
			Help:      "Time spent handling one item per block.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"block"}),
		blockFaults: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_faults_total",
			Help:      "Inspection functions that returned an error or panicked, per block.",
		}, []string{"block"}),
		blockShortCircuits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_short_circuits_total",
			Help:      "Items not executed because of the block status.",
		}, []string{"block", "status"}),
		blockDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "block_dropped_total",
			Help:      "Broadcast items overwritten before delivery.",
		}, []string{"block"}),
		cyclesStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_started_total",
			Help:      "Cycles opened per pipeline.",
		}, []string{"pipeline"}),
		cycleDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Time from StartCycle to Completed per pipeline.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"pipeline"}),
		piecesFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_finished_total",
			Help:      "Pieces whose verdict was computed, by verdict.",
		}, []string{"result"}),
		piecesExtracted: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_extracted_total",
			Help:      "Finished pieces removed from the composer.",
		}),
		piecesReaped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pieces_reaped_total",
			Help:      "Obsolete pieces removed from the composer.",
		}),
	}
}

var _ MetricsCollector = (*PrometheusMetricsCollector)(nil)

// Registry returns the registry holding the collector's metrics.
func (p *PrometheusMetricsCollector) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (p *PrometheusMetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}

// BlockWorkerConcurrency implements MetricsCollector.
func (p *PrometheusMetricsCollector) BlockWorkerConcurrency(_ context.Context, blockName string, workers int) {
	p.blockWorkers.WithLabelValues(blockName).Set(float64(workers))
}

// BlockItemProcessed implements MetricsCollector.
func (p *PrometheusMetricsCollector) BlockItemProcessed(_ context.Context, blockName string, duration time.Duration) {
	p.blockItems.WithLabelValues(blockName).Inc()
	p.blockItemDuration.WithLabelValues(blockName).Observe(duration.Seconds())
}

// BlockItemFaulted implements MetricsCollector.
func (p *PrometheusMetricsCollector) BlockItemFaulted(_ context.Context, blockName string, _ error) {
	p.blockFaults.WithLabelValues(blockName).Inc()
}

// BlockItemShortCircuited implements MetricsCollector.
func (p *PrometheusMetricsCollector) BlockItemShortCircuited(_ context.Context, blockName string, status Status) {
	p.blockShortCircuits.WithLabelValues(blockName, status.String()).Inc()
}

// BlockItemDropped implements MetricsCollector.
func (p *PrometheusMetricsCollector) BlockItemDropped(_ context.Context, blockName string) {
	p.blockDropped.WithLabelValues(blockName).Inc()
}

// CycleStarted implements MetricsCollector.
func (p *PrometheusMetricsCollector) CycleStarted(_ context.Context, pipelineName string) {
	p.cyclesStarted.WithLabelValues(pipelineName).Inc()
}

// CycleCompleted implements MetricsCollector.
func (p *PrometheusMetricsCollector) CycleCompleted(_ context.Context, pipelineName string, duration time.Duration) {
	p.cycleDuration.WithLabelValues(pipelineName).Observe(duration.Seconds())
}

// PieceFinished implements MetricsCollector.
func (p *PrometheusMetricsCollector) PieceFinished(_ context.Context, _ int64, result bool) {
	p.piecesFinished.WithLabelValues(strconv.FormatBool(result)).Inc()
}

// PieceExtracted implements MetricsCollector.
func (p *PrometheusMetricsCollector) PieceExtracted(_ context.Context, _ int64) {
	p.piecesExtracted.Inc()
}

// PiecesReaped implements MetricsCollector.
func (p *PrometheusMetricsCollector) PiecesReaped(_ context.Context, count int) {
	p.piecesReaped.Add(float64(count))
}
