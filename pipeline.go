package qcflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/dominikbraun/graph"
	"github.com/dominikbraun/graph/draw"
	"github.com/google/uuid"
)

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithPipelineLogger sets the logger of the pipeline and, unless they set
// their own, of its blocks. If nil is provided, logging is discarded.
func WithPipelineLogger(logger *log.Logger) PipelineOption {
	return func(p *Pipeline) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// WithPipelineMetrics sets the metrics collector of the pipeline and its blocks.
func WithPipelineMetrics(collector MetricsCollector) PipelineOption {
	return func(p *Pipeline) {
		if collector != nil {
			p.metrics = collector
		}
	}
}

// WithPipelineTracerProvider sets the tracer provider used for per-item block spans.
// Default: DefaultTracerProvider.
func WithPipelineTracerProvider(provider TracerProvider) PipelineOption {
	return func(p *Pipeline) {
		if provider != nil {
			p.tracerProvider = provider
		}
	}
}

// WithPipelineEvents makes the pipeline publish on an existing event bus, so
// several pipelines can share subscribers.
func WithPipelineEvents(events *Events) PipelineOption {
	return func(p *Pipeline) {
		if events != nil {
			p.events = events
		}
	}
}

// WithReaperInterval runs ResultComposer.RemoveObsolete every interval while
// the pipeline is started. Zero disables the reaper.
func WithReaperInterval(interval time.Duration) PipelineOption {
	return func(p *Pipeline) {
		p.reaperInterval = interval
	}
}

// Pipeline is a named DAG of blocks sharing one ResultComposer, one function
// pool and one event bus.
//
// A pipeline is started once and then runs cycles: StartCycle opens it,
// EnqueueToExecution admits pieces, EndCycle closes admission and IsFinished is
// polled until the queued work has drained. A completed pipeline can be
// reopened with StartCycle.
type Pipeline struct {
	name     string
	composer *ResultComposer
	pool     FunctionPool
	events   *Events
	env      *blockEnv

	logger         *log.Logger
	metrics        MetricsCollector
	tracerProvider TracerProvider
	reaperInterval time.Duration

	graph  graph.Graph[string, string]
	blocks map[string]*Block
	order  []*Block
	entry  *Block

	validator *StatusValidator[Status]
	status    *statusCell

	// admitMu orders piece admission against EndCycle and Purge.
	admitMu sync.RWMutex

	mu             sync.Mutex
	started        bool
	reaperCancel   context.CancelFunc
	cycleID        uuid.UUID
	cycleStarted   time.Time
	lastPieceIndex int64
	internalIndex  int64
}

// NewPipeline creates an empty pipeline. composer and pool are required.
func NewPipeline(name string, composer *ResultComposer, pool FunctionPool, options ...PipelineOption) *Pipeline {
	if composer == nil {
		panic("qcflow.NewPipeline: composer cannot be nil")
	}
	if pool == nil {
		panic("qcflow.NewPipeline: pool cannot be nil")
	}

	validator := NewCycleStatusValidator()
	p := &Pipeline{
		name:           name,
		composer:       composer,
		pool:           pool,
		logger:         log.New(io.Discard, "", 0),
		metrics:        DefaultMetricsCollector,
		tracerProvider: DefaultTracerProvider,
		graph:          graph.New(graph.StringHash, graph.Directed(), graph.PreventCycles()),
		blocks:         make(map[string]*Block),
		validator:      validator,
		status:         newStatusCell(validator),
	}
	for _, option := range options {
		option(p)
	}
	if p.events == nil {
		p.events = NewEvents(p.logger)
	}
	p.env = &blockEnv{pool: p.pool, composer: p.composer, events: p.events}
	return p
}

// Name returns the pipeline name.
func (p *Pipeline) Name() string { return p.name }

// Events returns the event bus the pipeline publishes on.
func (p *Pipeline) Events() *Events { return p.events }

// Composer returns the result composer.
func (p *Pipeline) Composer() *ResultComposer { return p.composer }

// Status returns the pipeline status.
func (p *Pipeline) Status() Status { return p.status.get() }

// StatusValidator returns the transition table driving the pipeline status.
// Listeners registered with OnStateChanged run while the status is locked and
// must not call back into the pipeline.
func (p *Pipeline) StatusValidator() *StatusValidator[Status] { return p.validator }

// CycleID identifies the current cycle. It is the zero UUID before the first cycle.
func (p *Pipeline) CycleID() uuid.UUID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycleID
}

// LastPieceIndex returns the piece index most recently admitted.
func (p *Pipeline) LastPieceIndex() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastPieceIndex
}

// Block returns the named block.
func (p *Pipeline) Block(name string) (*Block, bool) {
	b, ok := p.blocks[name]
	return b, ok
}

// Blocks returns the blocks in the order they were added.
func (p *Pipeline) Blocks() []*Block {
	out := make([]*Block, len(p.order))
	copy(out, p.order)
	return out
}

func (p *Pipeline) isStarted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// AddBlock adds b to the pipeline. Blocks cannot be added once started.
func (p *Pipeline) AddBlock(b *Block) error {
	if b == nil {
		return errors.New("qcflow: nil block")
	}
	if p.isStarted() {
		return NewBlockError(b.name, ErrPipelineAlreadyStarted)
	}
	if _, exists := p.blocks[b.name]; exists {
		return NewBlockError(b.name, ErrBlockExists)
	}
	if err := p.graph.AddVertex(b.name); err != nil {
		return NewBlockError(b.name, err)
	}

	b.attach(p.env, p.logger, p.metrics, p.tracerProvider)
	p.blocks[b.name] = b
	p.order = append(p.order, b)
	return nil
}

// Link makes to a successor of from. Links that would close a cycle are refused.
func (p *Pipeline) Link(from, to string) error {
	if p.isStarted() {
		return NewPipelineLifecycleError("link", fmt.Sprintf("%q -> %q", from, to), ErrPipelineAlreadyStarted)
	}
	src, ok := p.blocks[from]
	if !ok {
		return NewBlockError(from, ErrBlockNotFound)
	}
	dst, ok := p.blocks[to]
	if !ok {
		return NewBlockError(to, ErrBlockNotFound)
	}
	if src.kind == KindSink {
		return NewBlockError(from, errors.New("a sink block cannot have successors"))
	}
	if err := p.graph.AddEdge(from, to); err != nil {
		return fmt.Errorf("link %q -> %q: %w", from, to, err)
	}
	src.successors = append(src.successors, dst)
	return nil
}

// SetEntry selects the block receiving the messages of EnqueueToExecution.
func (p *Pipeline) SetEntry(name string) error {
	b, ok := p.blocks[name]
	if !ok {
		return NewBlockError(name, ErrBlockNotFound)
	}
	p.entry = b
	return nil
}

// Topology returns the block names in a deterministic topological order.
func (p *Pipeline) Topology() ([]string, error) {
	return graph.StableTopologicalSort(p.graph, func(a, b string) bool { return a < b })
}

// WriteDOT writes the block graph in Graphviz DOT format.
func (p *Pipeline) WriteDOT(w io.Writer) error {
	return draw.DOT(p.graph, w)
}

// Validate checks that the graph can run: an entry is set, every block is
// reachable from it and every non-sink block has a successor.
func (p *Pipeline) Validate() error {
	if p.entry == nil {
		return ErrNoEntryBlock
	}

	reached := make(map[string]bool, len(p.blocks))
	err := graph.BFS(p.graph, p.entry.name, func(name string) bool {
		reached[name] = true
		return false
	})
	if err != nil {
		return fmt.Errorf("walk from entry %q: %w", p.entry.name, err)
	}

	for _, b := range p.order {
		if !reached[b.name] {
			return NewBlockError(b.name, fmt.Errorf("not reachable from entry %q", p.entry.name))
		}
		if b.kind != KindSink && len(b.successors) == 0 {
			return NewBlockError(b.name, errors.New("block has no successor"))
		}
	}
	return nil
}

// Start validates the graph and launches the workers of every block. Workers
// run until Stop is called or ctx is done.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPipelineAlreadyStarted
	}
	if err := p.Validate(); err != nil {
		return NewPipelineLifecycleError("start", "invalid graph", err)
	}

	predecessors, err := p.graph.PredecessorMap()
	if err != nil {
		return NewPipelineLifecycleError("start", "invalid graph", err)
	}
	var joins []*Block
	for _, b := range p.order {
		if b.kind == KindJoin {
			b.joinWant = b.joinExpected
			if b.joinWant == 0 {
				b.joinWant = len(predecessors[b.name])
			}
			joins = append(joins, b)
		}
	}
	p.env.joins = joins

	p.logger.Printf("DEBUG: qcflow.Pipeline %q starting %d blocks", p.name, len(p.order))
	for i, b := range p.order {
		if err := b.Start(ctx); err != nil {
			p.logger.Printf("ERROR: qcflow.Pipeline %q failed to start block %q: %v. Attempting cleanup...", p.name, b.name, err)
			for j := i - 1; j >= 0; j-- {
				if stopErr := p.order[j].Stop(ctx); stopErr != nil {
					p.logger.Printf("ERROR: qcflow.Pipeline %q failed to stop block %q: %v", p.name, p.order[j].name, stopErr)
				}
			}
			return NewPipelineLifecycleError("start", fmt.Sprintf("block %q failed to start", b.name), err)
		}
	}

	if p.reaperInterval > 0 {
		reaperCtx, cancel := context.WithCancel(ctx)
		p.reaperCancel = cancel
		go p.composer.RunReaper(reaperCtx, p.reaperInterval)
	}

	p.started = true
	p.logger.Printf("INFO: qcflow.Pipeline %q started", p.name)
	return nil
}

// Stop stops the workers of every block, upstream first. Items still queued
// are abandoned. Calling Stop on a stopped pipeline does nothing.
func (p *Pipeline) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.started {
		p.mu.Unlock()
		return nil
	}
	p.started = false
	if p.reaperCancel != nil {
		p.reaperCancel()
		p.reaperCancel = nil
	}
	p.mu.Unlock()

	order, err := p.Topology()
	if err != nil {
		order = make([]string, 0, len(p.order))
		for _, b := range p.order {
			order = append(order, b.name)
		}
	}

	var errs []error
	for _, name := range order {
		if stopErr := p.blocks[name].Stop(ctx); stopErr != nil {
			p.logger.Printf("ERROR: qcflow.Pipeline %q failed to stop block %q: %v", p.name, name, stopErr)
			errs = append(errs, NewBlockError(name, stopErr))
		}
	}
	p.logger.Printf("INFO: qcflow.Pipeline %q stopped", p.name)
	return errors.Join(errs...)
}

// HealthStatus reports ErrPipelineNotStarted when the workers are not running.
func (p *Pipeline) HealthStatus(_ context.Context) error {
	if !p.isStarted() {
		return ErrPipelineNotStarted
	}
	return nil
}

func (p *Pipeline) setBlocksStatus(dst Status) {
	for _, b := range p.order {
		b.setStatus(dst)
	}
}

// StartCycle opens the pipeline for a new cycle from Initial or Completed.
func (p *Pipeline) StartCycle() error {
	if !p.isStarted() {
		return NewPipelineLifecycleError("start_cycle", p.name, ErrPipelineNotStarted)
	}

	opened := p.status.transitionFrom(StatusOpened, func() {
		p.setBlocksStatus(StatusOpened)
		p.mu.Lock()
		p.cycleID = uuid.New()
		p.cycleStarted = time.Now()
		p.internalIndex = 0
		p.mu.Unlock()
	}, StatusInitial, StatusCompleted)
	if !opened {
		return NewPipelineLifecycleError("start_cycle", fmt.Sprintf("cannot open from status %s", p.status.get()), nil)
	}

	p.metrics.CycleStarted(context.Background(), p.name)
	p.logger.Printf("INFO: qcflow.Pipeline %q opened cycle %s", p.name, p.CycleID())
	return nil
}

// EnqueueToExecution registers the piece in the composer and hands its entry
// message to the entry block, blocking while that block is full. It fails with
// ErrPipelineNotOpened outside the Opened status. A piece the entry block
// refuses is finished with an error result.
func (p *Pipeline) EnqueueToExecution(
	ctx context.Context,
	systemSource string,
	pieceIndex int64,
	step Parameters,
	images ImageCollection,
	features ...Parameter,
) error {
	p.admitMu.RLock()
	defer p.admitMu.RUnlock()

	if status := p.status.get(); status != StatusOpened {
		return fmt.Errorf("piece %d in status %s: %w", pieceIndex, status, ErrPipelineNotOpened)
	}

	p.mu.Lock()
	p.internalIndex++
	internalIndex := p.internalIndex
	p.lastPieceIndex = pieceIndex
	p.mu.Unlock()

	feats := p.composer.Init(systemSource, pieceIndex, internalIndex, time.Now(), features...)
	p.composer.account(pieceIndex, 1, 0)
	msg := NewMessage(systemSource, pieceIndex, step, images, feats...)
	if err := p.entry.Enqueue(ctx, msg); err != nil {
		r := errorResult(p.entry.name, p.entry.name, pieceIndex,
			fmt.Sprintf("block %q: admission failed: %v", p.entry.name, err))
		r.IncludeInResult = p.entry.includeInResult
		p.composer.addInspectionOutcome(r)
		p.events.publishNewInspection(r)
		finished, stalled := p.composer.account(pieceIndex, -1, 0)
		if finished {
			p.events.publishFinishedProcess(pieceIndex)
		} else if stalled {
			p.env.evict(pieceIndex)
		}
		return fmt.Errorf("enqueue piece %d: %w", pieceIndex, err)
	}
	return nil
}

// EndCycle stops admitting pieces. Queued work keeps draining.
func (p *Pipeline) EndCycle() error {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()

	closed := p.status.transitionFrom(StatusClosed, func() {
		p.setBlocksStatus(StatusClosed)
	}, StatusOpened)
	if !closed {
		return NewPipelineLifecycleError("end_cycle", fmt.Sprintf("cannot close from status %s", p.status.get()), nil)
	}
	p.logger.Printf("INFO: qcflow.Pipeline %q closed cycle %s", p.name, p.CycleID())
	return nil
}

// Purge stops admitting pieces and short-circuits every queued item, which
// finishes its piece with an error result.
func (p *Pipeline) Purge() error {
	p.admitMu.Lock()
	defer p.admitMu.Unlock()

	purging := p.status.transitionFrom(StatusPurging, func() {
		p.setBlocksStatus(StatusPurging)
	}, StatusOpened, StatusClosed)
	if !purging {
		return NewPipelineLifecycleError("purge", fmt.Sprintf("cannot purge from status %s", p.status.get()), nil)
	}

	for _, b := range p.order {
		if b.kind == KindJoin {
			b.flushPending(context.Background())
		}
	}
	p.logger.Printf("WARN: qcflow.Pipeline %q purging cycle %s", p.name, p.CycleID())
	return nil
}

// IsInspectionCompleted reports whether every block is idle.
func (p *Pipeline) IsInspectionCompleted() bool {
	for _, b := range p.order {
		if !b.IsBlockCompleted() {
			return false
		}
	}
	return true
}

// IsFinished is meant to be polled after EndCycle or Purge. Once the blocks
// are idle it moves the pipeline to Completed, publishes FreedPipeline with
// the last admitted piece index and keeps returning true until reopened.
func (p *Pipeline) IsFinished() bool {
	switch p.status.get() {
	case StatusCompleted:
		return true
	case StatusClosed, StatusPurging:
	default:
		return false
	}
	if !p.IsInspectionCompleted() {
		return false
	}

	var lastPiece int64
	var elapsed time.Duration
	completed := p.status.transitionFrom(StatusCompleted, func() {
		p.setBlocksStatus(StatusCompleted)
		p.mu.Lock()
		lastPiece = p.lastPieceIndex
		elapsed = time.Since(p.cycleStarted)
		p.mu.Unlock()
	}, StatusClosed, StatusPurging)

	if completed {
		p.metrics.CycleCompleted(context.Background(), p.name, elapsed)
		p.logger.Printf("INFO: qcflow.Pipeline %q completed cycle in %s", p.name, elapsed)
		p.events.publishFreedPipeline(lastPiece)
	}
	return p.status.get() == StatusCompleted
}

// WaitFinished polls IsFinished every interval until it holds or ctx is done.
func (p *Pipeline) WaitFinished(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for !p.IsFinished() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}
