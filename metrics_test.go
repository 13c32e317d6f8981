package qcflow_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synoptiq/go-qcflow"
)

// recordingCollector counts every metric event by kind and by block.
type recordingCollector struct {
	mu     sync.Mutex
	counts map[string]int64
	blocks map[string]int64
}

func newRecordingCollector() *recordingCollector {
	return &recordingCollector{
		counts: make(map[string]int64),
		blocks: make(map[string]int64),
	}
}

var _ qcflow.MetricsCollector = (*recordingCollector)(nil)

func (r *recordingCollector) add(kind, block string, n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[kind] += n
	if block != "" {
		r.blocks[kind+"/"+block] += n
	}
}

func (r *recordingCollector) count(kind string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[kind]
}

func (r *recordingCollector) blockCount(kind, block string) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blocks[kind+"/"+block]
}

func (r *recordingCollector) BlockWorkerConcurrency(_ context.Context, block string, workers int) {
	r.add("workers", block, int64(workers))
}

func (r *recordingCollector) BlockItemProcessed(_ context.Context, block string, _ time.Duration) {
	r.add("processed", block, 1)
}

func (r *recordingCollector) BlockItemFaulted(_ context.Context, block string, _ error) {
	r.add("faulted", block, 1)
}

func (r *recordingCollector) BlockItemShortCircuited(_ context.Context, block string, _ qcflow.Status) {
	r.add("short_circuited", block, 1)
}

func (r *recordingCollector) BlockItemDropped(_ context.Context, block string) {
	r.add("dropped", block, 1)
}

func (r *recordingCollector) CycleStarted(_ context.Context, _ string) {
	r.add("cycle_started", "", 1)
}

func (r *recordingCollector) CycleCompleted(_ context.Context, _ string, _ time.Duration) {
	r.add("cycle_completed", "", 1)
}

func (r *recordingCollector) PieceFinished(_ context.Context, _ int64, _ bool) {
	r.add("piece_finished", "", 1)
}

func (r *recordingCollector) PieceExtracted(_ context.Context, _ int64) {
	r.add("piece_extracted", "", 1)
}

func (r *recordingCollector) PiecesReaped(_ context.Context, count int) {
	r.add("pieces_reaped", "", int64(count))
}

func TestMetricatedFunction(t *testing.T) {
	collector := newRecordingCollector()
	calls := 0
	fn := qcflow.InspectionFunc(func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		calls++
		if calls == 2 {
			return qcflow.InspectionResult{}, errors.New("camera timeout")
		}
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	})

	mf := qcflow.NewMetricatedFunction(fn,
		qcflow.WithFunctionMetricsCollector(collector),
		qcflow.WithFunctionMetricsName("measure"),
	)
	msg := qcflow.NewMessage("s", 1, nil, nil)

	_, err := mf.Execute(context.Background(), msg)
	require.NoError(t, err)
	_, err = mf.Execute(context.Background(), msg)
	require.Error(t, err)

	assert.Equal(t, int64(1), collector.blockCount("processed", "measure"))
	assert.Equal(t, int64(1), collector.blockCount("faulted", "measure"))
}

func TestLoggingMetricsCollector(t *testing.T) {
	var buf bytes.Buffer
	collector := qcflow.NewLoggingMetricsCollector(log.New(&buf, "", 0))

	collector.BlockItemShortCircuited(context.Background(), "F1", qcflow.StatusPurging)
	collector.PiecesReaped(context.Background(), 3)

	out := buf.String()
	assert.Contains(t, out, `METRIC: block "F1" short-circuited an item in status Purging`)
	assert.Contains(t, out, "METRIC: 3 obsolete pieces reaped")
}

func TestPrometheusMetricsCollector(t *testing.T) {
	collector := qcflow.NewPrometheusMetricsCollector("", nil)
	ctx := context.Background()

	collector.PieceFinished(ctx, 1, true)
	collector.PieceFinished(ctx, 2, true)
	collector.PieceFinished(ctx, 3, false)
	collector.BlockItemProcessed(ctx, "F1", 5*time.Millisecond)
	collector.BlockItemProcessed(ctx, "F2", 5*time.Millisecond)
	collector.BlockItemShortCircuited(ctx, "F2", qcflow.StatusPurging)
	collector.PiecesReaped(ctx, 3)

	expected := `
# HELP qcflow_pieces_finished_total Pieces whose verdict was computed, by verdict.
# TYPE qcflow_pieces_finished_total counter
qcflow_pieces_finished_total{result="false"} 1
qcflow_pieces_finished_total{result="true"} 2
# HELP qcflow_block_short_circuits_total Items not executed because of the block status.
# TYPE qcflow_block_short_circuits_total counter
qcflow_block_short_circuits_total{block="F2",status="Purging"} 1
`
	err := testutil.GatherAndCompare(collector.Registry(), strings.NewReader(expected),
		"qcflow_pieces_finished_total", "qcflow_block_short_circuits_total")
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(collector.Registry(), "qcflow_block_items_processed_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	server := httptest.NewServer(collector.Handler())
	defer server.Close()
	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "qcflow_pieces_reaped_total 3")
}

func TestObservabilityFactoryMetrics(t *testing.T) {
	factory := qcflow.NewObservabilityFactory(nil)

	collector, err := factory.CreateMetricsCollector(qcflow.MetricsConfig{})
	require.NoError(t, err)
	assert.Equal(t, qcflow.DefaultMetricsCollector, collector)

	collector, err = factory.CreateMetricsCollector(qcflow.MetricsConfig{Enabled: true, Type: qcflow.MetricsTypeLogging})
	require.NoError(t, err)
	assert.IsType(t, &qcflow.LoggingMetricsCollector{}, collector)

	collector, err = factory.CreateMetricsCollector(qcflow.MetricsConfig{
		Enabled:   true,
		Type:      qcflow.MetricsTypePrometheus,
		Namespace: "line",
	})
	require.NoError(t, err)
	prom, ok := collector.(*qcflow.PrometheusMetricsCollector)
	require.True(t, ok)
	prom.PiecesReaped(context.Background(), 1)
	count, err := testutil.GatherAndCount(prom.Registry(), "line_pieces_reaped_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = factory.CreateMetricsCollector(qcflow.MetricsConfig{Enabled: true, Type: "statsd"})
	assert.Error(t, err)
}
