package qcflow

import (
	"context"
	"fmt"
	"io"
	"log"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProductStatus is the aggregation state of a piece in the ResultComposer.
type ProductStatus int

const (
	// ProductProcessing accepts new inspections, images and measurables.
	ProductProcessing ProductStatus = iota
	// ProductFinished is immutable and waits to be extracted.
	ProductFinished
)

// String returns the name of the product status.
func (s ProductStatus) String() string {
	switch s {
	case ProductProcessing:
		return "Processing"
	case ProductFinished:
		return "Finished"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// ProductInfo is the summary of a piece's aggregated result.
type ProductInfo struct {
	SystemSource  string
	PieceIndex    int64
	InternalIndex int64
	CreatedAt     time.Time
	FinishedAt    time.Time

	Result  bool
	Success bool
	Enabled bool
	Error   string
}

// ProductResult is the final record of one piece.
type ProductResult struct {
	Status      ProductStatus
	Info        ProductInfo
	Inspections []InspectionResult
	Images      []ImageCollection
	Measurables Parameters
	Features    Parameters
}

// ErrorSeparator joins per-inspection errors in ProductInfo.Error.
const ErrorSeparator = "; "

type composerEntry struct {
	product   *ProductResult
	createdAt time.Time

	// inFlight counts the piece's messages not yet settled by a terminal
	// block, parked those of them held by a join.
	inFlight int
	parked   int
}

// ComposerOption configures a ResultComposer.
type ComposerOption func(*ResultComposer)

// WithMaxDuration sets the age after which RemoveObsolete reaps an entry.
func WithMaxDuration(d time.Duration) ComposerOption {
	return func(c *ResultComposer) {
		if d > 0 {
			c.maxDuration = d
		}
	}
}

// WithComposerLogger sets the logger. A nil logger discards output.
func WithComposerLogger(logger *log.Logger) ComposerOption {
	return func(c *ResultComposer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithComposerMetrics sets the metrics collector.
func WithComposerMetrics(collector MetricsCollector) ComposerOption {
	return func(c *ResultComposer) {
		if collector != nil {
			c.metrics = collector
		}
	}
}

// WithComposerClock overrides time.Now, used for staleness checks.
func WithComposerClock(now func() time.Time) ComposerOption {
	return func(c *ResultComposer) {
		if now != nil {
			c.now = now
		}
	}
}

// ResultComposer aggregates per-piece inspection results.
//
// One mutex guards the whole map and every entry, so at most one operation
// touches a given piece at any time. The lock is deliberately coarse and is the
// main contention point under many concurrent blocks.
type ResultComposer struct {
	mu          sync.Mutex
	pieces      map[int64]*composerEntry
	maxDuration time.Duration
	now         func() time.Time
	logger      *log.Logger
	metrics     MetricsCollector
}

// DefaultMaxDuration is the default staleness limit of a composer entry.
const DefaultMaxDuration = time.Minute

// NewResultComposer creates an empty composer.
func NewResultComposer(options ...ComposerOption) *ResultComposer {
	c := &ResultComposer{
		pieces:      make(map[int64]*composerEntry),
		maxDuration: DefaultMaxDuration,
		now:         time.Now,
		logger:      log.New(io.Discard, "", 0),
		metrics:     DefaultMetricsCollector,
	}
	for _, option := range options {
		option(c)
	}
	return c
}

// Init creates a Processing entry for pieceIndex and returns its features.
// If the piece already exists its features are returned unchanged.
func (c *ResultComposer) Init(
	systemSource string,
	pieceIndex, internalIndex int64,
	createdAt time.Time,
	features ...Parameter,
) Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.pieces[pieceIndex]; ok {
		return entry.product.Features.Clone()
	}

	feats := Parameters(features).Clone()
	c.pieces[pieceIndex] = &composerEntry{
		createdAt: createdAt,
		product: &ProductResult{
			Status: ProductProcessing,
			Info: ProductInfo{
				SystemSource:  systemSource,
				PieceIndex:    pieceIndex,
				InternalIndex: internalIndex,
				CreatedAt:     createdAt,
			},
			Features: feats,
		},
	}
	return feats.Clone()
}

// update runs fn on a Processing piece under the composer lock.
func (c *ResultComposer) update(pieceIndex int64, fn func(p *ProductResult)) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pieces[pieceIndex]
	if !ok || entry.product.Status != ProductProcessing {
		return false
	}
	fn(entry.product)
	return true
}

// TryAddInspection appends r to a Processing piece.
func (c *ResultComposer) TryAddInspection(pieceIndex int64, r InspectionResult) bool {
	return c.update(pieceIndex, func(p *ProductResult) {
		p.Inspections = append(p.Inspections, r)
	})
}

// TryAddImages appends image collections to a Processing piece.
func (c *ResultComposer) TryAddImages(pieceIndex int64, images ...ImageCollection) bool {
	return c.update(pieceIndex, func(p *ProductResult) {
		for _, im := range images {
			if im != nil {
				p.Images = append(p.Images, im)
			}
		}
	})
}

// TryAddMeasurable appends measured parameters to a Processing piece.
func (c *ResultComposer) TryAddMeasurable(pieceIndex int64, measurables ...Parameter) bool {
	return c.update(pieceIndex, func(p *ProductResult) {
		p.Measurables = append(p.Measurables, measurables...)
	})
}

// addInspectionOutcome records an inspection together with its outputs and images.
func (c *ResultComposer) addInspectionOutcome(r InspectionResult) bool {
	return c.update(r.PieceIndex, func(p *ProductResult) {
		p.Inspections = append(p.Inspections, r)
		p.Measurables = append(p.Measurables, r.Outputs...)
		if len(r.Images) > 0 {
			p.Images = append(p.Images, r.Images)
		}
	})
}

// Finish moves a piece from Processing to Finished and computes its summary.
func (c *ResultComposer) Finish(pieceIndex int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pieces[pieceIndex]
	if !ok {
		return fmt.Errorf("piece %d: %w", pieceIndex, ErrPieceNotFound)
	}
	if entry.product.Status != ProductProcessing {
		return fmt.Errorf("piece %d: %w", pieceIndex, ErrPieceNotProcessing)
	}
	c.finishLocked(pieceIndex, entry)
	return nil
}

func (c *ResultComposer) finishLocked(pieceIndex int64, entry *composerEntry) {
	summarize(entry.product)
	entry.product.Status = ProductFinished
	entry.product.Info.FinishedAt = c.now()
	c.metrics.PieceFinished(context.Background(), pieceIndex, entry.product.Info.Result)
}

// account adds delta to the in-flight messages of a Processing piece and
// parkedDelta to those held by joins. The piece is finished once no message
// is left in flight. stalled reports that every remaining message is parked,
// so no join holding them can ever complete.
func (c *ResultComposer) account(pieceIndex int64, delta, parkedDelta int) (finished, stalled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pieces[pieceIndex]
	if !ok || entry.product.Status != ProductProcessing {
		return false, false
	}
	entry.inFlight += delta
	entry.parked += parkedDelta
	if entry.inFlight <= 0 {
		c.finishLocked(pieceIndex, entry)
		return true, false
	}
	return false, entry.parked > 0 && entry.parked >= entry.inFlight
}

// TryFinish is Finish reporting only success.
func (c *ResultComposer) TryFinish(pieceIndex int64) bool {
	return c.Finish(pieceIndex) == nil
}

// summarize computes the piece verdict. Every operator is commutative, and
// errors are sorted before joining, so arrival order does not matter.
func summarize(p *ProductResult) {
	result, success, enabled := true, true, false
	var errs []string
	for _, in := range p.Inspections {
		if in.IncludeInResult {
			result = result && in.Result
		}
		success = success && in.Success
		enabled = enabled || in.Enabled
		if in.Error != "" {
			errs = append(errs, in.Error)
		}
	}
	sort.Strings(errs)

	p.Info.Result = result
	p.Info.Success = success
	p.Info.Enabled = enabled
	p.Info.Error = strings.Join(errs, ErrorSeparator)
}

// TryExtract removes and returns a Finished piece. It fails for unknown or
// still Processing pieces, so each finished result is delivered once.
func (c *ResultComposer) TryExtract(pieceIndex int64) (ProductResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.pieces[pieceIndex]
	if !ok || entry.product.Status != ProductFinished {
		return ProductResult{}, false
	}
	delete(c.pieces, pieceIndex)
	c.metrics.PieceExtracted(context.Background(), pieceIndex)
	return *entry.product, true
}

// ExtractFinished removes and returns every Finished piece ordered by piece index.
func (c *ResultComposer) ExtractFinished() []ProductResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []ProductResult
	for idx, entry := range c.pieces {
		if entry.product.Status != ProductFinished {
			continue
		}
		out = append(out, *entry.product)
		delete(c.pieces, idx)
		c.metrics.PieceExtracted(context.Background(), idx)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Info.PieceIndex < out[j].Info.PieceIndex })
	return out
}

// Exists reports whether the piece is held by the composer.
func (c *ResultComposer) Exists(pieceIndex int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pieces[pieceIndex]
	return ok
}

// Status returns the product status of a piece.
func (c *ResultComposer) Status(pieceIndex int64) (ProductStatus, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pieces[pieceIndex]
	if !ok {
		return 0, false
	}
	return entry.product.Status, true
}

// TryGetPieceFeatures returns the features recorded by Init.
func (c *ResultComposer) TryGetPieceFeatures(pieceIndex int64) (Parameters, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.pieces[pieceIndex]
	if !ok {
		return nil, false
	}
	return entry.product.Features.Clone(), true
}

// Len returns the number of held pieces.
func (c *ResultComposer) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pieces)
}

// RemoveObsolete reaps every entry, whatever its status, older than the
// configured max duration, and returns the reaped piece indexes.
func (c *ResultComposer) RemoveObsolete() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var reaped []int64
	for idx, entry := range c.pieces {
		if now.Sub(entry.createdAt) > c.maxDuration {
			delete(c.pieces, idx)
			reaped = append(reaped, idx)
		}
	}
	if len(reaped) > 0 {
		sort.Slice(reaped, func(i, j int) bool { return reaped[i] < reaped[j] })
		c.logger.Printf("WARN: qcflow.ResultComposer reaped %d obsolete pieces: %v", len(reaped), reaped)
		c.metrics.PiecesReaped(context.Background(), len(reaped))
	}
	return reaped
}

// RunReaper calls RemoveObsolete every interval until ctx is done.
func (c *ResultComposer) RunReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = c.maxDuration
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RemoveObsolete()
		}
	}
}
