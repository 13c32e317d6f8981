package qcflow

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// BlockKind is the shape of a block.
type BlockKind int

const (
	// KindOneToOne executes a function and forwards exactly one derived message.
	KindOneToOne BlockKind = iota
	// KindOneToMany executes a function and forwards the messages of its ExpandFunc.
	KindOneToMany
	// KindSink executes a function and retires the message. The piece finishes
	// when its last message is retired.
	KindSink
	// KindBuffer is a FIFO pass-through.
	KindBuffer
	// KindBroadcast hands every message to each successor through a one-slot mailbox.
	KindBroadcast
	// KindJoin merges the branch messages of a piece into one.
	KindJoin
)

var blockKindNames = map[BlockKind]string{
	KindOneToOne:  "one_to_one",
	KindOneToMany: "one_to_many",
	KindSink:      "sink",
	KindBuffer:    "buffer",
	KindBroadcast: "broadcast",
	KindJoin:      "join",
}

// String returns the configuration name of the kind.
func (k BlockKind) String() string {
	if name, ok := blockKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("unknown(%d)", int(k))
}

// ParseBlockKind is the inverse of BlockKind.String.
func ParseBlockKind(s string) (BlockKind, error) {
	for kind, name := range blockKindNames {
		if name == s {
			return kind, nil
		}
	}
	return 0, fmt.Errorf("unknown block kind %q", s)
}

func (k BlockKind) executes() bool {
	return k == KindOneToOne || k == KindOneToMany || k == KindSink
}

// ExpandFunc derives the messages a one-to-many block forwards. An empty
// result drops the message at this block. Derived messages keep the piece
// index of msg.
type ExpandFunc func(msg *Message, result InspectionResult) []*Message

// ExpandAlways forwards one derived message whatever the verdict.
func ExpandAlways(msg *Message, result InspectionResult) []*Message {
	return []*Message{msg.Next(result.FunctionName, nil, result.Outputs...)}
}

// ExpandOnPass forwards one derived message only for a passing, error-free inspection.
func ExpandOnPass(msg *Message, result InspectionResult) []*Message {
	if !result.Result || result.HasError() {
		return nil
	}
	return ExpandAlways(msg, result)
}

// ExpandPerImage forwards one message per image of the input, each carrying that image only.
func ExpandPerImage(msg *Message, result InspectionResult) []*Message {
	if msg.Images == nil {
		return nil
	}
	keys := msg.Images.Keys()
	out := make([]*Message, 0, len(keys))
	for _, key := range keys {
		img, ok := msg.Images.Image(key)
		if !ok {
			continue
		}
		next := msg.Next(result.FunctionName, nil, result.Outputs...)
		next.Images = Images{key: img}
		out = append(out, next)
	}
	return out
}

// NamedFunction is implemented by inspection functions that report their own name.
type NamedFunction interface {
	Name() string
}

func functionName(fn InspectionFunction, fallback string) string {
	if named, ok := fn.(NamedFunction); ok && named.Name() != "" {
		return named.Name()
	}
	return fallback
}

func statusNotAllowed(blockName string, status Status) string {
	return fmt.Sprintf("block %q: status %s does not allow execution", blockName, status)
}

// blockEnv is what a block shares with the pipeline it belongs to.
type blockEnv struct {
	pool     FunctionPool
	composer *ResultComposer
	events   *Events

	// joins is set when the pipeline starts.
	joins []*Block
}

// evict takes a stalled piece out of every join holding its messages.
func (e *blockEnv) evict(pieceIndex int64) {
	for _, j := range e.joins {
		if j.evict(pieceIndex) {
			e.events.publishFinishedProcess(pieceIndex)
		}
	}
}

// Block is one stage of a pipeline: a bounded queue drained by a pool of workers.
type Block struct {
	name          string
	kind          BlockKind
	functionIndex int

	capacity        int
	parallelism     int
	includeInResult bool
	joinExpected    int
	joinWant        int
	expand          ExpandFunc
	limiter         *rate.Limiter

	tracerProvider TracerProvider
	tracer         trace.Tracer
	logger         *log.Logger
	metrics        MetricsCollector

	status       *statusCell
	queue        chan *Message
	processCount atomic.Int64
	dropped      atomic.Int64

	env        *blockEnv
	successors []*Block
	mailboxes  []*mailbox

	joinMu  sync.Mutex
	pending map[int64][]*Message

	runMu   sync.Mutex
	running bool
	stopped chan struct{}
	cancel  context.CancelFunc
	group   *errgroup.Group
}

func newBlock(name string, kind BlockKind, functionIndex int, options ...BlockOption) *Block {
	b := &Block{
		name:            name,
		kind:            kind,
		functionIndex:   functionIndex,
		capacity:        DefaultBlockCapacity,
		parallelism:     DefaultBlockParallelism,
		includeInResult: true,
		expand:          ExpandAlways,
		status:          newStatusCell(NewCycleStatusValidator()),
		pending:         make(map[int64][]*Message),
	}
	for _, option := range options {
		option(b)
	}
	b.queue = make(chan *Message, b.capacity)
	return b
}

// NewOneToOneBlock creates a block forwarding one derived message per input.
func NewOneToOneBlock(name string, functionIndex int, options ...BlockOption) *Block {
	return newBlock(name, KindOneToOne, functionIndex, options...)
}

// NewOneToManyBlock creates a block forwarding the messages produced by its
// ExpandFunc, ExpandAlways unless WithExpand is given.
func NewOneToManyBlock(name string, functionIndex int, options ...BlockOption) *Block {
	return newBlock(name, KindOneToMany, functionIndex, options...)
}

// NewSinkBlock creates a terminal block.
func NewSinkBlock(name string, functionIndex int, options ...BlockOption) *Block {
	return newBlock(name, KindSink, functionIndex, options...)
}

// NewBufferBlock creates a FIFO pass-through block.
func NewBufferBlock(name string, options ...BlockOption) *Block {
	return newBlock(name, KindBuffer, -1, options...)
}

// NewBroadcastBlock creates a latest-value-wins fan-out block. A successor that
// is slower than the producer only observes the most recent message; the
// overwritten ones are counted by Dropped.
func NewBroadcastBlock(name string, options ...BlockOption) *Block {
	return newBlock(name, KindBroadcast, -1, options...)
}

// NewJoinBlock creates a block merging the branch messages of each piece.
func NewJoinBlock(name string, options ...BlockOption) *Block {
	return newBlock(name, KindJoin, -1, options...)
}

// Name returns the block name.
func (b *Block) Name() string { return b.name }

// Kind returns the block shape.
func (b *Block) Kind() BlockKind { return b.kind }

// FunctionIndex returns the pooled function index, -1 for pass-through blocks.
func (b *Block) FunctionIndex() int { return b.functionIndex }

// Status returns the current block status.
func (b *Block) Status() Status { return b.status.get() }

// ProcessCount returns the number of admitted items not yet fully handled.
func (b *Block) ProcessCount() int64 { return b.processCount.Load() }

// Dropped returns how many broadcast messages were overwritten before delivery.
func (b *Block) Dropped() int64 { return b.dropped.Load() }

// IsBlockCompleted reports whether the block holds no work.
func (b *Block) IsBlockCompleted() bool {
	return b.processCount.Load() == 0 && len(b.queue) == 0
}

// Successors returns the names of the linked successors.
func (b *Block) Successors() []string {
	names := make([]string, len(b.successors))
	for i, s := range b.successors {
		names[i] = s.name
	}
	return names
}

func (b *Block) attach(env *blockEnv, logger *log.Logger, metrics MetricsCollector, provider TracerProvider) {
	b.env = env
	if b.logger == nil {
		b.logger = logger
	}
	if b.metrics == nil {
		b.metrics = metrics
	}
	if b.tracerProvider == nil {
		b.tracerProvider = provider
	}
	b.tracer = b.tracerProvider.Tracer(instrumentationName)
}

func (b *Block) setStatus(dst Status) bool {
	return b.status.transition(dst, nil)
}

// Start launches the workers, plus one mailbox pump per successor for broadcast blocks.
func (b *Block) Start(ctx context.Context) error {
	b.runMu.Lock()
	defer b.runMu.Unlock()

	if b.running {
		return NewBlockError(b.name, ErrPipelineAlreadyStarted)
	}
	if b.env == nil {
		return NewBlockError(b.name, errors.New("block is not attached to a pipeline"))
	}

	if b.kind == KindBroadcast && len(b.mailboxes) != len(b.successors) {
		b.mailboxes = make([]*mailbox, len(b.successors))
		for i := range b.mailboxes {
			b.mailboxes[i] = newMailbox()
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < b.parallelism; i++ {
		g.Go(func() error { return b.work(gctx) })
	}
	for i, mb := range b.mailboxes {
		mb := mb
		to := b.successors[i]
		g.Go(func() error { return b.pump(gctx, mb, to) })
	}

	b.metrics.BlockWorkerConcurrency(ctx, b.name, b.parallelism)
	b.group = g
	b.cancel = cancel
	b.stopped = make(chan struct{})
	b.running = true
	return nil
}

// Stop cancels the workers and waits for them, or for ctx.
// Items still queued stay counted.
func (b *Block) Stop(ctx context.Context) error {
	b.runMu.Lock()
	if !b.running {
		b.runMu.Unlock()
		return nil
	}
	b.running = false
	close(b.stopped)
	cancel, g := b.cancel, b.group
	b.runMu.Unlock()

	cancel()
	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue admits msg, blocking while the queue is full.
func (b *Block) Enqueue(ctx context.Context, msg *Message) error {
	if msg == nil {
		return NewBlockError(b.name, errors.New("nil message"))
	}

	b.runMu.Lock()
	running, stopped := b.running, b.stopped
	b.runMu.Unlock()
	if !running {
		return NewBlockError(b.name, ErrBlockStopped)
	}

	b.processCount.Add(1)
	select {
	case b.queue <- msg:
		return nil
	case <-ctx.Done():
		b.release(1)
		return ctx.Err()
	case <-stopped:
		b.release(1)
		return NewBlockError(b.name, ErrBlockStopped)
	}
}

func (b *Block) release(n int64) {
	b.processCount.Add(-n)
}

func (b *Block) work(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-b.queue:
			b.handle(ctx, msg)
		}
	}
}

func (b *Block) handle(ctx context.Context, msg *Message) {
	startTime := time.Now()
	switch b.kind {
	case KindBuffer:
		if b.fanOut(ctx, msg.PieceIndex, 1, 0, msg) {
			b.release(1)
		} else {
			b.settle(msg.PieceIndex, 1, 0, 1)
		}
	case KindBroadcast:
		b.broadcast(ctx, msg)
		b.release(1)
	case KindJoin:
		b.join(ctx, msg)
	default:
		b.execute(ctx, msg)
	}
	b.metrics.BlockItemProcessed(ctx, b.name, time.Since(startTime))
}

func (b *Block) execute(ctx context.Context, msg *Message) {
	status := b.status.get()
	if !status.allowsExecution() {
		b.shortCircuit(ctx, msg.PieceIndex, status, 1, 0)
		return
	}

	ctx, span := b.tracer.Start(ctx, b.name+".execute", trace.WithAttributes(
		attribute.String("qcflow.block", b.name),
		attribute.String("qcflow.block_kind", b.kind.String()),
		attribute.Int64("qcflow.piece_index", msg.PieceIndex),
	))
	defer span.End()

	result := b.run(ctx, msg)
	span.SetAttributes(attribute.Bool("qcflow.result", result.Result))
	if result.HasError() {
		span.RecordError(errors.New(result.Error))
		span.SetStatus(codes.Error, result.Error)
	} else {
		span.SetStatus(codes.Ok, "")
	}

	// The result is recorded before forwarding so a downstream sink never
	// finishes the piece without it.
	b.env.composer.addInspectionOutcome(result)

	var outputs []*Message
	switch b.kind {
	case KindOneToOne:
		outputs = []*Message{msg.Next(result.FunctionName, nil, result.Outputs...)}
	case KindOneToMany:
		outputs = b.expandSafely(msg, result)
	}
	if b.fanOut(ctx, msg.PieceIndex, 1, 0, outputs...) {
		b.env.events.publishNewInspection(result)
		b.release(1)
		return
	}
	b.env.events.publishNewInspection(result)
	b.settle(msg.PieceIndex, 1, 0, 1)
}

// run executes the pooled function and turns every fault into an error result.
func (b *Block) run(ctx context.Context, msg *Message) InspectionResult {
	started := time.Now()

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			fault := &InspectionFault{BlockName: b.name, FunctionName: b.name, PieceIndex: msg.PieceIndex, OriginalError: err}
			return b.fault(ctx, fault, started)
		}
	}

	result, name, err := b.invoke(ctx, msg)
	if err != nil {
		var fault *InspectionFault
		if !errors.As(err, &fault) {
			fault = &InspectionFault{BlockName: b.name, FunctionName: name, PieceIndex: msg.PieceIndex, OriginalError: err}
		}
		return b.fault(ctx, fault, started)
	}

	if result.FunctionName == "" {
		result.FunctionName = name
	}
	result.BlockName = b.name
	result.PieceIndex = msg.PieceIndex
	result.IncludeInResult = b.includeInResult
	result.Started = started
	result.Duration = time.Since(started)
	return result
}

// invoke borrows a function instance, runs it and gives it back exactly once,
// panics included.
func (b *Block) invoke(ctx context.Context, msg *Message) (result InspectionResult, name string, err error) {
	fn, err := b.env.pool.GetFromPool(b.functionIndex)
	if err != nil {
		return InspectionResult{}, b.name, err
	}
	name = functionName(fn, b.name)
	defer b.env.pool.Release(b.functionIndex, fn)

	defer func() {
		if r := recover(); r != nil {
			err = &InspectionFault{
				BlockName:    b.name,
				FunctionName: name,
				PieceIndex:   msg.PieceIndex,
				PanicValue:   r,
				StackTrace:   string(debug.Stack()),
			}
		}
	}()

	result, err = fn.Execute(ctx, msg)
	return result, name, err
}

func (b *Block) fault(ctx context.Context, fault *InspectionFault, started time.Time) InspectionResult {
	b.logger.Printf("ERROR: qcflow.Block %q: %v", b.name, fault)
	b.metrics.BlockItemFaulted(ctx, b.name, fault)
	b.env.events.publishException(fault)

	r := errorResult(b.name, fault.FunctionName, fault.PieceIndex, fault.Error())
	r.IncludeInResult = b.includeInResult
	r.Started = started
	r.Duration = time.Since(started)
	return r
}

func (b *Block) expandSafely(msg *Message, result InspectionResult) (out []*Message) {
	defer func() {
		if r := recover(); r != nil {
			fault := &InspectionFault{
				BlockName:    b.name,
				FunctionName: result.FunctionName,
				PieceIndex:   msg.PieceIndex,
				PanicValue:   r,
				StackTrace:   string(debug.Stack()),
			}
			b.logger.Printf("ERROR: qcflow.Block %q expand: %v", b.name, fault)
			b.env.events.publishException(fault)
			out = nil
		}
	}()
	derived := b.expand(msg, result)
	out = derived[:0]
	for _, d := range derived {
		if d == nil {
			continue
		}
		d.PieceIndex = msg.PieceIndex
		out = append(out, d)
	}
	return out
}

// shortCircuit records an error result for consumed messages of a piece that
// may not execute here, unparked of them held by this join, and retires them.
func (b *Block) shortCircuit(ctx context.Context, pieceIndex int64, status Status, consumed, unparked int) {
	r := errorResult(b.name, b.name, pieceIndex, statusNotAllowed(b.name, status))
	r.IncludeInResult = b.includeInResult
	b.metrics.BlockItemShortCircuited(ctx, b.name, status)
	b.env.composer.addInspectionOutcome(r)
	b.env.events.publishNewInspection(r)
	b.settle(pieceIndex, consumed, unparked, int64(consumed))
}

// settle retires consumed messages of a piece, unparked of them held by a join,
// releases n items, then notifies. Only the call retiring the last message of
// the piece notifies. A piece left with parked messages only is evicted.
func (b *Block) settle(pieceIndex int64, consumed, unparked int, n int64) {
	finished, stalled := b.env.composer.account(pieceIndex, -consumed, -unparked)
	b.release(n)
	if finished {
		b.env.events.publishFinishedProcess(pieceIndex)
		return
	}
	if stalled {
		b.env.evict(pieceIndex)
	}
}

// fanOut hands every message to every successor. The consumed input messages
// are swapped for the delivered ones in the piece count before any delivery,
// so the piece cannot finish under a slower branch. It reports false, leaving
// the inputs to the caller, when there is nothing to deliver.
func (b *Block) fanOut(ctx context.Context, pieceIndex int64, consumed, unparked int, msgs ...*Message) bool {
	n := len(msgs) * len(b.successors)
	if n == 0 {
		return false
	}
	b.env.composer.account(pieceIndex, n-consumed, -unparked)
	for _, msg := range msgs {
		for _, s := range b.successors {
			if err := s.Enqueue(ctx, msg); err != nil {
				b.undelivered(msg, s, err)
			}
		}
	}
	return true
}

// undelivered turns a message a successor refused into an error result of
// its piece and retires it. The refused Enqueue has released its own count.
func (b *Block) undelivered(msg *Message, to *Block, err error) {
	b.logger.Printf("ERROR: qcflow.Block %q failed to forward piece %d to %q: %v",
		b.name, msg.PieceIndex, to.name, err)
	b.env.events.publishException(NewBlockError(b.name,
		fmt.Errorf("forward piece %d to %q: %w", msg.PieceIndex, to.name, err)))

	r := errorResult(b.name, b.name, msg.PieceIndex,
		fmt.Sprintf("block %q: failed to forward to %q: %v", b.name, to.name, err))
	r.IncludeInResult = b.includeInResult
	b.env.composer.addInspectionOutcome(r)
	b.env.events.publishNewInspection(r)
	b.settle(msg.PieceIndex, 1, 0, 0)
}

func (b *Block) broadcast(ctx context.Context, msg *Message) {
	if len(b.mailboxes) == 0 {
		b.settle(msg.PieceIndex, 1, 0, 0)
		return
	}
	b.env.composer.account(msg.PieceIndex, len(b.mailboxes)-1, 0)
	for _, mb := range b.mailboxes {
		old := mb.put(msg, func() { b.processCount.Add(1) })
		if old == nil {
			continue
		}
		b.dropped.Add(1)
		b.metrics.BlockItemDropped(ctx, b.name)
		b.superseded(old)
	}
}

// superseded records a disabled, error-free result for a message overwritten
// in a mailbox before delivery and retires it.
func (b *Block) superseded(msg *Message) {
	r := InspectionResult{
		FunctionName: b.name,
		BlockName:    b.name,
		PieceIndex:   msg.PieceIndex,
		Result:       true,
		Success:      true,
		Started:      time.Now(),
	}
	b.env.composer.addInspectionOutcome(r)
	b.env.events.publishNewInspection(r)
	b.settle(msg.PieceIndex, 1, 0, 0)
}

func (b *Block) pump(ctx context.Context, mb *mailbox, to *Block) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-mb.ready:
			msg := mb.take()
			if msg == nil {
				continue
			}
			if err := to.Enqueue(ctx, msg); err != nil {
				b.undelivered(msg, to, err)
			}
			b.release(1)
		}
	}
}

func (b *Block) join(ctx context.Context, msg *Message) {
	piece := msg.PieceIndex

	// Checked under joinMu so nothing is held after flushPending ran.
	b.joinMu.Lock()
	if status := b.status.get(); status == StatusPurging {
		b.joinMu.Unlock()
		b.shortCircuit(ctx, piece, status, 1, 0)
		return
	}
	held := append(b.pending[piece], msg)
	if len(held) < b.joinWant {
		b.pending[piece] = held
		_, stalled := b.env.composer.account(piece, 0, 1)
		b.joinMu.Unlock()
		if stalled {
			b.env.evict(piece)
		}
		return
	}
	delete(b.pending, piece)
	b.joinMu.Unlock()

	// Every held message but msg was parked.
	parked := len(held) - 1
	joined, err := JoinMessages(&piece, held...)
	if err != nil {
		b.logger.Printf("ERROR: qcflow.Block %q failed to join piece %d: %v", b.name, piece, err)
		b.env.events.publishException(NewBlockError(b.name, err))
		r := errorResult(b.name, b.name, piece, err.Error())
		r.IncludeInResult = b.includeInResult
		b.env.composer.addInspectionOutcome(r)
		b.env.events.publishNewInspection(r)
		b.settle(piece, len(held), parked, int64(len(held)))
		return
	}
	if !b.fanOut(ctx, piece, len(held), parked, joined) {
		b.settle(piece, len(held), parked, int64(len(held)))
		return
	}
	b.release(int64(len(held)))
}

// evict drops the messages this join holds for a piece that can no longer
// complete, with an error result, and reports whether that finished it.
func (b *Block) evict(pieceIndex int64) bool {
	b.joinMu.Lock()
	held, ok := b.pending[pieceIndex]
	delete(b.pending, pieceIndex)
	b.joinMu.Unlock()
	if !ok {
		return false
	}

	n := len(held)
	r := errorResult(b.name, b.name, pieceIndex,
		fmt.Sprintf("block %q: joined %d of %d messages, no other branch is in flight", b.name, n, b.joinWant))
	r.IncludeInResult = b.includeInResult
	b.env.composer.addInspectionOutcome(r)
	b.env.events.publishNewInspection(r)

	finished, _ := b.env.composer.account(pieceIndex, -n, -n)
	b.release(int64(n))
	return finished
}

// flushPending terminates every piece a join block is still waiting on.
func (b *Block) flushPending(ctx context.Context) {
	b.joinMu.Lock()
	pending := b.pending
	b.pending = make(map[int64][]*Message)
	b.joinMu.Unlock()

	for piece, held := range pending {
		b.shortCircuit(ctx, piece, StatusPurging, len(held), len(held))
	}
}

// mailbox is a one-slot, latest-value-wins hand-off.
type mailbox struct {
	mu    sync.Mutex
	msg   *Message
	ready chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{ready: make(chan struct{}, 1)}
}

// put stores msg and returns the undelivered message it overwrote, if any.
// hold runs under the mailbox lock when the slot was empty.
func (m *mailbox) put(msg *Message, hold func()) *Message {
	m.mu.Lock()
	old := m.msg
	if old == nil {
		hold()
	}
	m.msg = msg
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
	return old
}

func (m *mailbox) take() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg := m.msg
	m.msg = nil
	return msg
}
