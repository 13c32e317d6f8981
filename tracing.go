package qcflow

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/synoptiq/go-qcflow"

// TracerProvider hands out tracers. It is satisfied by the otel SDK provider.
type TracerProvider interface {
	Tracer(name string, options ...trace.TracerOption) trace.Tracer
}

type globalTracerProvider struct{}

func (globalTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return otel.GetTracerProvider().Tracer(name, options...)
}

// DefaultTracerProvider delegates to the otel global provider at call time.
var DefaultTracerProvider TracerProvider = globalTracerProvider{}

// NoopTracerProvider produces tracers that record nothing.
type NoopTracerProvider struct{}

// Tracer implements TracerProvider.
func (NoopTracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return noop.NewTracerProvider().Tracer(name, options...)
}

// TracedFunction wraps an InspectionFunction with an OpenTelemetry span per call.
type TracedFunction struct {
	fn         InspectionFunction
	name       string
	tracer     trace.Tracer
	attributes []attribute.KeyValue
}

// TracedFunctionOption is a function that configures a TracedFunction.
type TracedFunctionOption func(*TracedFunction)

// WithTracedFunctionName sets the span name.
func WithTracedFunctionName(name string) TracedFunctionOption {
	return func(tf *TracedFunction) {
		if name != "" {
			tf.name = name
		}
	}
}

// WithTracedFunctionProvider sets the provider used to obtain the tracer.
func WithTracedFunctionProvider(provider TracerProvider) TracedFunctionOption {
	return func(tf *TracedFunction) {
		if provider != nil {
			tf.tracer = provider.Tracer(instrumentationName)
		}
	}
}

// WithTracedFunctionAttributes adds attributes to every span.
func WithTracedFunctionAttributes(attrs ...attribute.KeyValue) TracedFunctionOption {
	return func(tf *TracedFunction) {
		tf.attributes = append(tf.attributes, attrs...)
	}
}

// NewTracedFunction creates a TracedFunction wrapping fn.
func NewTracedFunction(fn InspectionFunction, options ...TracedFunctionOption) *TracedFunction {
	if fn == nil {
		panic("qcflow.NewTracedFunction: fn cannot be nil")
	}
	tf := &TracedFunction{
		fn:     fn,
		name:   "qcflow.function",
		tracer: DefaultTracerProvider.Tracer(instrumentationName),
	}
	for _, option := range options {
		option(tf)
	}
	return tf
}

// Execute implements InspectionFunction.
func (tf *TracedFunction) Execute(ctx context.Context, msg *Message) (InspectionResult, error) {
	attrs := append([]attribute.KeyValue{
		attribute.Int64("qcflow.piece_index", msg.PieceIndex),
		attribute.String("qcflow.system_source", msg.SystemSource),
	}, tf.attributes...)

	ctx, span := tf.tracer.Start(ctx, tf.name, trace.WithAttributes(attrs...))
	defer span.End()

	startTime := time.Now()
	result, err := tf.fn.Execute(ctx, msg)
	span.SetAttributes(
		attribute.Float64("duration_ms", float64(time.Since(startTime).Milliseconds())),
		attribute.Bool("qcflow.result", result.Result),
	)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	return result, err
}

// Name returns the name of the wrapped function.
func (tf *TracedFunction) Name() string {
	return functionName(tf.fn, "")
}
