package qcflow_test

import (
	"bytes"
	"context"
	"errors"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/synoptiq/go-qcflow"
)

const waitTimeout = 5 * time.Second

// testFunction is a named inspection function backed by a closure.
type testFunction struct {
	name string
	exec func(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error)
}

func (f *testFunction) Execute(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	return f.exec(ctx, msg)
}

func (f *testFunction) Name() string { return f.name }

func passing(name string, outputs ...qcflow.Parameter) *testFunction {
	return &testFunction{name: name, exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		return qcflow.InspectionResult{Result: true, Success: true, Enabled: true, Outputs: outputs}, nil
	}}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// eventRecorder collects everything published on an event bus.
type eventRecorder struct {
	mu          sync.Mutex
	inspections []qcflow.InspectionResult
	finished    []int64
	exceptions  []error
	freed       []int64
}

func recordEvents(events *qcflow.Events) *eventRecorder {
	r := &eventRecorder{}
	events.OnNewInspection(func(in qcflow.InspectionResult) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.inspections = append(r.inspections, in)
	})
	events.OnNewFinishedProcess(func(piece int64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.finished = append(r.finished, piece)
	})
	events.OnExceptionRaised(func(err error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.exceptions = append(r.exceptions, err)
	})
	events.OnFreedPipeline(func(piece int64) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.freed = append(r.freed, piece)
	})
	return r
}

func (r *eventRecorder) Finished() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.finished...)
}

// awaitFinished waits for n NewFinishedProcess events, which are published
// after the finishing block released its item.
func (r *eventRecorder) awaitFinished(t *testing.T, n int) []int64 {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.Finished()) >= n }, waitTimeout, time.Millisecond)
	return r.Finished()
}

func (r *eventRecorder) Exceptions() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.exceptions...)
}

func (r *eventRecorder) Freed() []int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int64(nil), r.freed...)
}

func (r *eventRecorder) InspectionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inspections)
}

type testPipeline struct {
	*qcflow.Pipeline
	composer *qcflow.ResultComposer
	pool     *qcflow.ObjectFunctionPool
	metrics  *recordingCollector
	events   *eventRecorder
}

func newTestPipeline(t *testing.T, options ...qcflow.PipelineOption) *testPipeline {
	t.Helper()
	composer := qcflow.NewResultComposer()
	pool := qcflow.NewObjectFunctionPool()
	metrics := newRecordingCollector()
	opts := append([]qcflow.PipelineOption{
		qcflow.WithPipelineMetrics(metrics),
		qcflow.WithPipelineTracerProvider(qcflow.NoopTracerProvider{}),
	}, options...)
	p := qcflow.NewPipeline("inspection", composer, pool, opts...)
	return &testPipeline{
		Pipeline: p,
		composer: composer,
		pool:     pool,
		metrics:  metrics,
		events:   recordEvents(p.Events()),
	}
}

func (tp *testPipeline) register(t *testing.T, index int, fn *testFunction) {
	t.Helper()
	require.NoError(t, tp.pool.Register(index, fn.name, func() qcflow.InspectionFunction { return fn }))
}

func (tp *testPipeline) add(t *testing.T, blocks ...*qcflow.Block) {
	t.Helper()
	for _, b := range blocks {
		require.NoError(t, tp.AddBlock(b))
	}
}

func (tp *testPipeline) link(t *testing.T, pairs ...[2]string) {
	t.Helper()
	for _, pair := range pairs {
		require.NoError(t, tp.Link(pair[0], pair[1]))
	}
}

func (tp *testPipeline) start(t *testing.T, entry string) {
	t.Helper()
	require.NoError(t, tp.SetEntry(entry))
	require.NoError(t, tp.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		assert.NoError(t, tp.Stop(ctx))
	})
	require.NoError(t, tp.StartCycle())
}

func (tp *testPipeline) enqueue(t *testing.T, pieces ...int64) {
	t.Helper()
	for _, piece := range pieces {
		require.NoError(t, tp.EnqueueToExecution(context.Background(), "line-1", piece, nil,
			qcflow.Images{"top": piece}, qcflow.Int("lot", 7)))
	}
}

func (tp *testPipeline) finish(t *testing.T) {
	t.Helper()
	require.NoError(t, tp.EndCycle())
	tp.wait(t)
}

func (tp *testPipeline) wait(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	require.NoError(t, tp.WaitFinished(ctx, time.Millisecond))
}

func TestPipelineOneToOneIntoSink(t *testing.T) {
	tp := newTestPipeline(t)

	var seen *qcflow.Message
	tp.register(t, 0, passing("F1", qcflow.Float("width", 12.5)))
	tp.register(t, 1, &testFunction{name: "F2", exec: func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
		seen = msg
		return qcflow.InspectionResult{Result: true, Success: true, Enabled: true}, nil
	}})
	tp.add(t, qcflow.NewOneToOneBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
	tp.link(t, [2]string{"F1", "F2"})
	tp.start(t, "F1")

	tp.enqueue(t, 42)
	tp.finish(t)

	product, ok := tp.composer.TryExtract(42)
	require.True(t, ok)
	require.Len(t, product.Inspections, 2)
	assert.Equal(t, "F1", product.Inspections[0].FunctionName)
	assert.Equal(t, "F2", product.Inspections[1].FunctionName)
	assert.True(t, product.Info.Result)
	assert.True(t, product.Info.Success)
	assert.Equal(t, qcflow.Parameters{qcflow.Float("width", 12.5)}, product.Measurables)
	assert.Equal(t, qcflow.Parameters{qcflow.Int("lot", 7)}, product.Features)

	require.NotNil(t, seen)
	assert.Equal(t, "F1", seen.PrevFunctionName)
	width, ok := seen.Result("width")
	require.True(t, ok)
	assert.Equal(t, 12.5, width.Value)

	assert.Equal(t, []int64{42}, tp.events.awaitFinished(t, 1))
	assert.Equal(t, 2, tp.events.InspectionCount())
	assert.Equal(t, []int64{42}, tp.events.Freed())
	assert.Equal(t, qcflow.StatusCompleted, tp.Status())
	assert.Zero(t, tp.pool.Outstanding())
}

func TestPipelineEmptyExpandFinishesOnce(t *testing.T) {
	tp := newTestPipeline(t)

	sinkRuns := 0
	tp.register(t, 0, &testFunction{name: "gate", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		return qcflow.InspectionResult{Result: false, Success: true, Enabled: true}, nil
	}})
	tp.register(t, 1, &testFunction{name: "sink", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		sinkRuns++
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}})
	tp.add(t,
		qcflow.NewOneToManyBlock("gate", 0, qcflow.WithExpand(qcflow.ExpandOnPass)),
		qcflow.NewSinkBlock("sink", 1),
	)
	tp.link(t, [2]string{"gate", "sink"})
	tp.start(t, "gate")

	tp.enqueue(t, 5)
	tp.finish(t)

	assert.Equal(t, []int64{5}, tp.events.awaitFinished(t, 1))
	assert.Zero(t, sinkRuns, "a dropped piece never reaches the sink")

	product, ok := tp.composer.TryExtract(5)
	require.True(t, ok)
	assert.Len(t, product.Inspections, 1)
	assert.False(t, product.Info.Result)
}

func TestPipelineExpandPerImageNotifiesOnce(t *testing.T) {
	tp := newTestPipeline(t)

	var mu sync.Mutex
	var sinkImages []string
	tp.register(t, 0, passing("split"))
	tp.register(t, 1, &testFunction{name: "sink", exec: func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
		keys := msg.Images.Keys()
		mu.Lock()
		sinkImages = append(sinkImages, keys...)
		mu.Unlock()
		// Only the right image is out of tolerance.
		_, right := msg.Images.Image("right")
		return qcflow.InspectionResult{Result: !right, Success: true, Enabled: true}, nil
	}})
	tp.add(t,
		qcflow.NewOneToManyBlock("split", 0, qcflow.WithExpand(qcflow.ExpandPerImage)),
		qcflow.NewSinkBlock("sink", 1),
	)
	tp.link(t, [2]string{"split", "sink"})
	tp.start(t, "split")

	require.NoError(t, tp.EnqueueToExecution(context.Background(), "line-1", 1, nil,
		qcflow.Images{"left": 1, "right": 2}))
	tp.finish(t)

	mu.Lock()
	assert.ElementsMatch(t, []string{"left", "right"}, sinkImages)
	mu.Unlock()
	assert.Equal(t, []int64{1}, tp.events.awaitFinished(t, 1), "only the last sink call notifies")

	product, ok := tp.composer.TryExtract(1)
	require.True(t, ok)
	require.Len(t, product.Inspections, 3, "split and both sink calls")
	assert.False(t, product.Info.Result, "the failing right image fails the piece")
	assert.True(t, product.Info.Success)
	assert.Equal(t, []int64{1}, tp.events.Finished())
}

func TestPipelineFanOutToOneSinkWaitsForEveryBranch(t *testing.T) {
	tp := newTestPipeline(t)

	slow := make(chan struct{})
	tp.register(t, 0, &testFunction{name: "verdict", exec: func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
		if msg.PrevFunctionName == "slow" {
			return qcflow.InspectionResult{Result: false, Success: true, Enabled: true}, nil
		}
		return qcflow.InspectionResult{Result: true, Success: true, Enabled: true}, nil
	}})
	tp.register(t, 1, passing("fast"))
	tp.register(t, 2, &testFunction{name: "slow", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		<-slow
		return qcflow.InspectionResult{Result: true, Success: true, Enabled: true}, nil
	}})
	tp.add(t,
		qcflow.NewBufferBlock("split"),
		qcflow.NewOneToOneBlock("fast", 1),
		qcflow.NewOneToOneBlock("slow", 2),
		qcflow.NewSinkBlock("verdict", 0),
	)
	tp.link(t,
		[2]string{"split", "fast"},
		[2]string{"split", "slow"},
		[2]string{"fast", "verdict"},
		[2]string{"slow", "verdict"},
	)
	tp.start(t, "split")

	tp.enqueue(t, 6)
	require.Eventually(t, func() bool { return tp.events.InspectionCount() == 2 }, waitTimeout, time.Millisecond)
	status, ok := tp.composer.Status(6)
	require.True(t, ok)
	assert.Equal(t, qcflow.ProductProcessing, status, "the slow branch is still in flight")
	assert.Empty(t, tp.events.Finished())

	close(slow)
	tp.finish(t)

	assert.Equal(t, []int64{6}, tp.events.awaitFinished(t, 1))
	product, ok := tp.composer.TryExtract(6)
	require.True(t, ok)
	assert.Len(t, product.Inspections, 4)
	assert.False(t, product.Info.Result)
}

func TestPipelineFaults(t *testing.T) {
	tests := []struct {
		name    string
		exec    func(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error)
		errText string
	}{
		{
			name: "Error",
			exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
				return qcflow.InspectionResult{}, errors.New("camera offline")
			},
			errText: "camera offline",
		},
		{
			name: "Panic",
			exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
				panic("lens cracked")
			},
			errText: "panic: lens cracked",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &syncBuffer{}
			tp := newTestPipeline(t, qcflow.WithPipelineLogger(log.New(logs, "", 0)))

			tp.register(t, 0, &testFunction{name: "F1", exec: tt.exec})
			tp.register(t, 1, passing("F2"))
			tp.add(t, qcflow.NewOneToOneBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
			tp.link(t, [2]string{"F1", "F2"})
			tp.start(t, "F1")

			tp.enqueue(t, 3)
			tp.finish(t)

			exceptions := tp.events.Exceptions()
			require.Len(t, exceptions, 1)
			var fault *qcflow.InspectionFault
			require.True(t, errors.As(exceptions[0], &fault))
			assert.Equal(t, "F1", fault.BlockName)
			assert.Equal(t, int64(3), fault.PieceIndex)
			assert.Contains(t, fault.Error(), tt.errText)

			product, ok := tp.composer.TryExtract(3)
			require.True(t, ok)
			require.Len(t, product.Inspections, 2, "the piece still reaches the sink")
			assert.True(t, product.Inspections[0].HasError())
			assert.False(t, product.Info.Success)
			assert.False(t, product.Info.Result)
			assert.Contains(t, product.Info.Error, tt.errText)

			assert.Equal(t, int64(1), tp.metrics.blockCount("faulted", "F1"))
			assert.Zero(t, tp.pool.Outstanding(), "the function instance is released")
			assert.Contains(t, logs.String(), "ERROR: qcflow.Block")
		})
	}
}

func TestPipelineExcludedInspectionDoesNotFailPiece(t *testing.T) {
	tp := newTestPipeline(t)

	tp.register(t, 0, &testFunction{name: "cosmetic", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		return qcflow.InspectionResult{Result: false, Success: true, Enabled: true}, nil
	}})
	tp.register(t, 1, passing("dimension"))
	tp.add(t,
		qcflow.NewOneToOneBlock("cosmetic", 0, qcflow.WithIncludeInResult(false)),
		qcflow.NewSinkBlock("dimension", 1),
	)
	tp.link(t, [2]string{"cosmetic", "dimension"})
	tp.start(t, "cosmetic")

	tp.enqueue(t, 1)
	tp.finish(t)

	product, ok := tp.composer.TryExtract(1)
	require.True(t, ok)
	assert.True(t, product.Info.Result)
	assert.False(t, product.Inspections[0].IncludeInResult)
}

func TestPipelinePurgeShortCircuits(t *testing.T) {
	tp := newTestPipeline(t)

	started := make(chan struct{}, 1)
	gate := make(chan struct{})
	tp.register(t, 0, &testFunction{name: "F1", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-gate
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}})
	tp.register(t, 1, passing("F2"))
	tp.add(t, qcflow.NewOneToOneBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
	tp.link(t, [2]string{"F1", "F2"})
	tp.start(t, "F1")

	tp.enqueue(t, 1, 2)
	select {
	case <-started:
	case <-time.After(waitTimeout):
		t.Fatal("F1 never started")
	}

	require.NoError(t, tp.Purge())
	assert.Equal(t, qcflow.StatusPurging, tp.Status())
	assert.ErrorIs(t, tp.EnqueueToExecution(context.Background(), "line-1", 3, nil, nil), qcflow.ErrPipelineNotOpened)

	close(gate)
	tp.wait(t)

	assert.ElementsMatch(t, []int64{1, 2}, tp.events.awaitFinished(t, 2))
	products := tp.composer.ExtractFinished()
	require.Len(t, products, 2)
	for _, product := range products {
		assert.Contains(t, product.Info.Error, "status Purging does not allow execution")
		assert.False(t, product.Info.Result)
	}

	// Piece 1 was executing at F1 and short-circuits at F2; piece 2 short-circuits at F1.
	assert.Len(t, products[0].Inspections, 2)
	assert.Len(t, products[1].Inspections, 1)
	assert.Equal(t, int64(2), tp.metrics.count("short_circuited"))
	assert.Equal(t, []int64{2}, tp.events.Freed())
}

func TestPipelineJoin(t *testing.T) {
	tp := newTestPipeline(t)

	var joined *qcflow.Message
	tp.register(t, 0, passing("left", qcflow.Int("left_count", 1)))
	tp.register(t, 1, passing("right", qcflow.Int("right_count", 2)))
	tp.register(t, 2, &testFunction{name: "verdict", exec: func(_ context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
		joined = msg
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}})
	tp.add(t,
		qcflow.NewBufferBlock("split"),
		qcflow.NewOneToOneBlock("left", 0),
		qcflow.NewOneToOneBlock("right", 1),
		qcflow.NewJoinBlock("merge"),
		qcflow.NewSinkBlock("verdict", 2),
	)
	tp.link(t,
		[2]string{"split", "left"},
		[2]string{"split", "right"},
		[2]string{"left", "merge"},
		[2]string{"right", "merge"},
		[2]string{"merge", "verdict"},
	)
	tp.start(t, "split")

	tp.enqueue(t, 10)
	tp.finish(t)

	require.NotNil(t, joined)
	_, ok := joined.Result("left_count")
	assert.True(t, ok)
	_, ok = joined.Result("right_count")
	assert.True(t, ok)

	product, ok := tp.composer.TryExtract(10)
	require.True(t, ok)
	assert.Len(t, product.Inspections, 3)
	assert.Equal(t, []int64{10}, tp.events.awaitFinished(t, 1))
}

func TestPipelinePurgeFlushesJoin(t *testing.T) {
	tp := newTestPipeline(t)

	gate := make(chan struct{})
	tp.register(t, 0, passing("left"))
	tp.register(t, 1, passing("verdict"))
	tp.register(t, 2, &testFunction{name: "right", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		<-gate
		return qcflow.InspectionResult{Result: true, Success: true, Enabled: true}, nil
	}})
	tp.add(t,
		qcflow.NewBufferBlock("split"),
		qcflow.NewOneToOneBlock("left", 0),
		qcflow.NewOneToOneBlock("right", 2),
		qcflow.NewJoinBlock("merge"),
		qcflow.NewSinkBlock("verdict", 1),
	)
	tp.link(t,
		[2]string{"split", "left"},
		[2]string{"split", "right"},
		[2]string{"left", "merge"},
		[2]string{"right", "merge"},
		[2]string{"merge", "verdict"},
	)
	tp.start(t, "split")

	tp.enqueue(t, 4)
	merge, ok := tp.Block("merge")
	require.True(t, ok)
	require.Eventually(t, func() bool { return merge.ProcessCount() == 1 }, waitTimeout, time.Millisecond,
		"the left branch is held while the right one runs")
	assert.False(t, tp.IsInspectionCompleted())

	require.NoError(t, tp.Purge())
	assert.Zero(t, merge.ProcessCount(), "the held branch is flushed")
	close(gate)
	tp.wait(t)

	assert.Equal(t, []int64{4}, tp.events.awaitFinished(t, 1))
	product, ok := tp.composer.TryExtract(4)
	require.True(t, ok)
	assert.Contains(t, product.Info.Error, `block "merge": status Purging`)
	assert.False(t, product.Info.Result)
	assert.Equal(t, []int64{4}, tp.events.Finished())
}

func TestPipelineJoinEvictsPieceWhenBranchEnds(t *testing.T) {
	tp := newTestPipeline(t)

	verdictRuns := 0
	tp.register(t, 0, &testFunction{name: "presence", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		return qcflow.InspectionResult{Result: false, Success: true, Enabled: true}, nil
	}})
	tp.register(t, 1, passing("width"))
	tp.register(t, 2, &testFunction{name: "verdict", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		verdictRuns++
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}})
	tp.add(t,
		qcflow.NewBufferBlock("split"),
		qcflow.NewOneToManyBlock("presence", 0, qcflow.WithExpand(qcflow.ExpandOnPass)),
		qcflow.NewOneToOneBlock("width", 1),
		qcflow.NewJoinBlock("merge"),
		qcflow.NewSinkBlock("verdict", 2),
	)
	tp.link(t,
		[2]string{"split", "presence"},
		[2]string{"split", "width"},
		[2]string{"presence", "merge"},
		[2]string{"width", "merge"},
		[2]string{"merge", "verdict"},
	)
	tp.start(t, "split")

	tp.enqueue(t, 7)
	tp.finish(t)

	merge, ok := tp.Block("merge")
	require.True(t, ok)
	assert.Zero(t, merge.ProcessCount(), "the surviving branch is not held")
	assert.Zero(t, verdictRuns)
	assert.Equal(t, []int64{7}, tp.events.awaitFinished(t, 1))

	product, ok := tp.composer.TryExtract(7)
	require.True(t, ok)
	require.Len(t, product.Inspections, 3, "presence, width and the eviction")
	assert.False(t, product.Info.Result)
	assert.Contains(t, product.Info.Error, `block "merge": joined 1 of 2 messages`)
	assert.Equal(t, []int64{7}, tp.events.Finished())
}

func TestPipelineForwardFailureFinishesPiece(t *testing.T) {
	logs := &syncBuffer{}
	tp := newTestPipeline(t, qcflow.WithPipelineLogger(log.New(logs, "", 0)))

	tp.register(t, 0, passing("F1"))
	tp.register(t, 1, passing("F2"))
	tp.add(t, qcflow.NewOneToOneBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
	tp.link(t, [2]string{"F1", "F2"})
	tp.start(t, "F1")

	downstream, ok := tp.Block("F2")
	require.True(t, ok)
	require.NoError(t, downstream.Stop(context.Background()))

	tp.enqueue(t, 8)
	tp.finish(t)

	exceptions := tp.events.Exceptions()
	require.Len(t, exceptions, 1)
	assert.ErrorIs(t, exceptions[0], qcflow.ErrBlockStopped)
	var blockErr *qcflow.BlockError
	require.ErrorAs(t, exceptions[0], &blockErr)
	assert.Equal(t, "F1", blockErr.BlockName)

	assert.Equal(t, []int64{8}, tp.events.awaitFinished(t, 1))
	product, ok := tp.composer.TryExtract(8)
	require.True(t, ok)
	require.Len(t, product.Inspections, 2, "F1 and the refused delivery")
	assert.True(t, product.Inspections[1].HasError())
	assert.False(t, product.Info.Result)
	assert.False(t, product.Info.Success)
	assert.Contains(t, product.Info.Error, `block "F1": failed to forward to "F2"`)
	assert.Contains(t, logs.String(), `failed to forward piece 8 to "F2"`)
}

func TestPipelineBroadcastDropsUndelivered(t *testing.T) {
	tp := newTestPipeline(t)

	gate := make(chan struct{})
	tp.register(t, 0, &testFunction{name: "display", exec: func(_ context.Context, _ *qcflow.Message) (qcflow.InspectionResult, error) {
		<-gate
		return qcflow.InspectionResult{Result: true, Success: true}, nil
	}})
	tp.add(t,
		qcflow.NewBroadcastBlock("latest"),
		qcflow.NewSinkBlock("display", 0, qcflow.WithCapacity(1)),
	)
	tp.link(t, [2]string{"latest", "display"})
	tp.start(t, "latest")

	tp.enqueue(t, 1, 2, 3, 4, 5)

	latest, ok := tp.Block("latest")
	require.True(t, ok)
	require.Eventually(t, func() bool { return latest.Dropped() >= 1 }, waitTimeout, time.Millisecond)

	close(gate)
	tp.finish(t)

	finished := tp.composer.ExtractFinished()
	require.Len(t, finished, 5, "dropped pieces finish too")
	var superseded int64
	for _, product := range finished {
		assert.Empty(t, product.Info.Error)
		require.Len(t, product.Inspections, 1)
		if product.Inspections[0].BlockName == "latest" {
			superseded++
			assert.False(t, product.Inspections[0].Enabled, "piece %d was never displayed", product.Info.PieceIndex)
		}
	}
	assert.Equal(t, latest.Dropped(), superseded)
	assert.Equal(t, latest.Dropped(), tp.metrics.blockCount("dropped", "latest"))
	assert.Zero(t, tp.composer.Len())
	assert.Len(t, tp.events.awaitFinished(t, 5), 5)
}

func TestPipelineCycles(t *testing.T) {
	tp := newTestPipeline(t)
	tp.register(t, 0, passing("F1"))
	tp.add(t, qcflow.NewSinkBlock("F1", 0))

	require.ErrorIs(t, tp.StartCycle(), qcflow.ErrPipelineNotStarted)
	require.ErrorIs(t, tp.HealthStatus(context.Background()), qcflow.ErrPipelineNotStarted)

	tp.start(t, "F1")
	require.NoError(t, tp.HealthStatus(context.Background()))
	first := tp.CycleID()

	tp.enqueue(t, 1, 2)
	tp.finish(t)
	assert.True(t, tp.IsFinished(), "IsFinished keeps holding once completed")
	assert.Equal(t, []int64{2}, tp.events.Freed())
	assert.Equal(t, int64(2), tp.LastPieceIndex())

	err := tp.EnqueueToExecution(context.Background(), "line-1", 3, nil, nil)
	assert.ErrorIs(t, err, qcflow.ErrPipelineNotOpened)
	assert.Error(t, tp.EndCycle(), "a completed cycle cannot be closed")

	require.NoError(t, tp.StartCycle())
	assert.NotEqual(t, first, tp.CycleID())
	tp.enqueue(t, 3)
	tp.finish(t)

	assert.Equal(t, []int64{2, 3}, tp.events.Freed())
	assert.Equal(t, int64(2), tp.metrics.count("cycle_started"))
	assert.Equal(t, int64(2), tp.metrics.count("cycle_completed"))
	assert.Len(t, tp.composer.ExtractFinished(), 3)
}

func TestPipelineIsFinishedBeforeEndCycle(t *testing.T) {
	tp := newTestPipeline(t)
	tp.register(t, 0, passing("F1"))
	tp.add(t, qcflow.NewSinkBlock("F1", 0))
	tp.start(t, "F1")

	tp.enqueue(t, 1)
	require.Eventually(t, tp.IsInspectionCompleted, waitTimeout, time.Millisecond)
	assert.False(t, tp.IsFinished(), "an opened pipeline is never finished")
	assert.Equal(t, qcflow.StatusOpened, tp.Status())
}

func TestPipelineGraphValidation(t *testing.T) {
	newPipeline := func() *testPipeline {
		tp := newTestPipeline(t)
		tp.register(t, 0, passing("F1"))
		tp.register(t, 1, passing("F2"))
		return tp
	}

	t.Run("NoEntry", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewSinkBlock("F1", 0))
		assert.ErrorIs(t, tp.Validate(), qcflow.ErrNoEntryBlock)
		assert.ErrorIs(t, tp.Start(context.Background()), qcflow.ErrNoEntryBlock)
	})

	t.Run("DuplicateBlock", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewSinkBlock("F1", 0))
		assert.ErrorIs(t, tp.AddBlock(qcflow.NewSinkBlock("F1", 1)), qcflow.ErrBlockExists)
	})

	t.Run("Unreachable", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewSinkBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
		require.NoError(t, tp.SetEntry("F1"))
		assert.ErrorContains(t, tp.Validate(), "not reachable")
	})

	t.Run("MissingSuccessor", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewOneToOneBlock("F1", 0))
		require.NoError(t, tp.SetEntry("F1"))
		assert.ErrorContains(t, tp.Validate(), "no successor")
	})

	t.Run("SinkCannotLink", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewSinkBlock("F1", 0), qcflow.NewSinkBlock("F2", 1))
		assert.Error(t, tp.Link("F1", "F2"))
	})

	t.Run("CycleRefused", func(t *testing.T) {
		tp := newPipeline()
		tp.add(t, qcflow.NewOneToOneBlock("F1", 0), qcflow.NewOneToOneBlock("F2", 1))
		require.NoError(t, tp.Link("F1", "F2"))
		assert.Error(t, tp.Link("F2", "F1"))
	})

	t.Run("UnknownBlock", func(t *testing.T) {
		tp := newPipeline()
		assert.ErrorIs(t, tp.SetEntry("nope"), qcflow.ErrBlockNotFound)
		assert.ErrorIs(t, tp.Link("a", "b"), qcflow.ErrBlockNotFound)
	})
}

func TestPipelineTopologyAndDOT(t *testing.T) {
	tp := newTestPipeline(t)
	tp.register(t, 0, passing("capture"))
	tp.register(t, 1, passing("measure"))
	tp.add(t,
		qcflow.NewOneToOneBlock("capture", 0),
		qcflow.NewBufferBlock("queue"),
		qcflow.NewSinkBlock("measure", 1),
	)
	tp.link(t, [2]string{"capture", "queue"}, [2]string{"queue", "measure"})

	order, err := tp.Topology()
	require.NoError(t, err)
	assert.Equal(t, []string{"capture", "queue", "measure"}, order)

	var buf bytes.Buffer
	require.NoError(t, tp.WriteDOT(&buf))
	assert.Contains(t, buf.String(), "digraph")
	assert.Contains(t, buf.String(), "capture")
}

func TestPipelineTracing(t *testing.T) {
	recorder, provider := createTestTracer()
	tp := newTestPipeline(t, qcflow.WithPipelineTracerProvider(provider))
	tp.register(t, 0, passing("F1"))
	tp.add(t, qcflow.NewSinkBlock("F1", 0))
	tp.start(t, "F1")

	tp.enqueue(t, 9)
	tp.finish(t)

	var span sdktrace.ReadOnlySpan
	require.Eventually(t, func() bool {
		span = findSpanByName(recorder.Ended(), "F1.execute")
		return span != nil
	}, waitTimeout, time.Millisecond)
	piece, ok := spanAttribute(span, "qcflow.piece_index")
	require.True(t, ok)
	assert.Equal(t, int64(9), piece.AsInt64())
	kind, ok := spanAttribute(span, "qcflow.block_kind")
	require.True(t, ok)
	assert.Equal(t, "sink", kind.AsString())
}

func TestPipelineSubscriberPanicIsContained(t *testing.T) {
	tp := newTestPipeline(t)
	tp.Events().OnNewFinishedProcess(func(int64) { panic("subscriber bug") })

	tp.register(t, 0, passing("F1"))
	tp.add(t, qcflow.NewSinkBlock("F1", 0))
	tp.start(t, "F1")

	tp.enqueue(t, 1)
	tp.finish(t)

	assert.Equal(t, []int64{1}, tp.events.awaitFinished(t, 1), "the other subscribers still run")
}

func TestPipelineRateLimitedBlock(t *testing.T) {
	tp := newTestPipeline(t)
	tp.register(t, 0, passing("F1"))
	tp.add(t, qcflow.NewSinkBlock("F1", 0, qcflow.WithRateLimit(1000, 1)))
	tp.start(t, "F1")

	tp.enqueue(t, 1, 2, 3)
	tp.finish(t)

	assert.Len(t, tp.composer.ExtractFinished(), 3)
}
