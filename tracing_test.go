package qcflow_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/synoptiq/go-qcflow"
)

// Create a test-ready tracer provider recording every ended span.
func createTestTracer() (*tracetest.SpanRecorder, *sdktrace.TracerProvider) {
	spanRecorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(spanRecorder),
	)
	return spanRecorder, provider
}

// Helper function to find a span by name
func findSpanByName(spans []sdktrace.ReadOnlySpan, name string) sdktrace.ReadOnlySpan {
	for _, span := range spans {
		if span.Name() == name {
			return span
		}
	}
	return nil
}

func spanAttribute(span sdktrace.ReadOnlySpan, key attribute.Key) (attribute.Value, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value, true
		}
	}
	return attribute.Value{}, false
}

func TestTracedFunction(t *testing.T) {
	recorder, provider := createTestTracer()

	fn := qcflow.InspectionFunc(func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
		if msg.PieceIndex < 0 {
			return qcflow.InspectionResult{}, errors.New("negative piece")
		}
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	})
	traced := qcflow.NewTracedFunction(fn,
		qcflow.WithTracedFunctionName("measure.width"),
		qcflow.WithTracedFunctionProvider(provider),
		qcflow.WithTracedFunctionAttributes(attribute.String("station", "A")),
	)

	_, err := traced.Execute(context.Background(), qcflow.NewMessage("line-1", 42, nil, nil))
	require.NoError(t, err)
	_, err = traced.Execute(context.Background(), qcflow.NewMessage("line-1", -1, nil, nil))
	require.Error(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 2)

	ok := spans[0]
	assert.Equal(t, "measure.width", ok.Name())
	assert.Equal(t, codes.Ok, ok.Status().Code)
	piece, found := spanAttribute(ok, "qcflow.piece_index")
	require.True(t, found)
	assert.Equal(t, int64(42), piece.AsInt64())
	station, found := spanAttribute(ok, "station")
	require.True(t, found)
	assert.Equal(t, "A", station.AsString())
	result, found := spanAttribute(ok, "qcflow.result")
	require.True(t, found)
	assert.True(t, result.AsBool())

	failed := spans[1]
	assert.Equal(t, codes.Error, failed.Status().Code)
	assert.Equal(t, "negative piece", failed.Status().Description)
	require.NotEmpty(t, failed.Events(), "the error is recorded as a span event")
}

func TestNoopTracerProvider(t *testing.T) {
	fn := qcflow.InspectionFunc(func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		return qcflow.InspectionResult{Result: true}, nil
	})
	traced := qcflow.NewTracedFunction(fn, qcflow.WithTracedFunctionProvider(qcflow.NoopTracerProvider{}))

	result, err := traced.Execute(context.Background(), qcflow.NewMessage("s", 1, nil, nil))
	require.NoError(t, err)
	assert.True(t, result.Result)
}

func TestObservabilityFactoryTracing(t *testing.T) {
	factory := qcflow.NewObservabilityFactory(nil)

	provider, err := factory.CreateTracerProvider(context.Background(), qcflow.TracingConfig{}, "qc")
	require.NoError(t, err)
	assert.IsType(t, qcflow.NoopTracerProvider{}, provider)

	_, err = factory.CreateTracerProvider(context.Background(),
		qcflow.TracingConfig{Enabled: true, Type: qcflow.TracingTypeOTLP}, "qc")
	assert.Error(t, err, "otlp requires an endpoint")

	_, err = factory.CreateTracerProvider(context.Background(),
		qcflow.TracingConfig{Enabled: true, Type: "jaeger"}, "qc")
	assert.Error(t, err)
}
