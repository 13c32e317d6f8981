package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synoptiq/go-qcflow"
	"github.com/synoptiq/go-qcflow/internal/demo"
	"github.com/synoptiq/go-qcflow/internal/resultstore"
)

// --- 1. The dependency of the inspection function ---

// ToleranceRepository gives the width limits of a production lot.
type ToleranceRepository interface {
	WidthLimits(ctx context.Context, lot int64) (demo.Limits, error)
}

// --- 2. An inspection function with an injected dependency ---

// LotToleranceCheck judges the measured width against the limits of the lot
// the piece belongs to. The lot is a feature of the piece.
type LotToleranceCheck struct {
	repo ToleranceRepository
}

func NewLotToleranceCheck(repo ToleranceRepository) *LotToleranceCheck {
	if repo == nil {
		panic("ToleranceRepository cannot be nil")
	}
	return &LotToleranceCheck{repo: repo}
}

func (c *LotToleranceCheck) Name() string { return "lot_tolerance" }

func (c *LotToleranceCheck) Execute(ctx context.Context, msg *qcflow.Message) (qcflow.InspectionResult, error) {
	lot, ok := msg.Features.Get("lot")
	if !ok {
		return qcflow.InspectionResult{}, fmt.Errorf("piece %d has no lot", msg.PieceIndex)
	}
	width, ok := msg.Result("width")
	if !ok {
		return qcflow.InspectionResult{}, fmt.Errorf("piece %d was not measured", msg.PieceIndex)
	}

	limits, err := c.repo.WidthLimits(ctx, lot.Value.(int64))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return qcflow.InspectionResult{}, fmt.Errorf("lot %d not found", lot.Value)
		}
		return qcflow.InspectionResult{}, fmt.Errorf("failed to get limits of lot %d: %w", lot.Value, err)
	}

	w := width.Value.(float64)
	return qcflow.InspectionResult{
		Result:  w >= limits.Min && w <= limits.Max,
		Success: true,
		Enabled: true,
	}, nil
}

var _ qcflow.InspectionFunction = (*LotToleranceCheck)(nil)

// --- 3a. SQLite implementation ---

type SQLiteToleranceRepository struct {
	db *sql.DB
}

func NewSQLiteToleranceRepository(db *sql.DB) *SQLiteToleranceRepository {
	if db == nil {
		panic("sql.DB cannot be nil")
	}
	return &SQLiteToleranceRepository{db: db}
}

func (r *SQLiteToleranceRepository) WidthLimits(ctx context.Context, lot int64) (demo.Limits, error) {
	var limits demo.Limits
	row := r.db.QueryRowContext(ctx, "SELECT width_min, width_max FROM lots WHERE id = ?", lot)
	if err := row.Scan(&limits.Min, &limits.Max); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return demo.Limits{}, sql.ErrNoRows
		}
		return demo.Limits{}, fmt.Errorf("query lot %d failed: %w", lot, err)
	}
	return limits, nil
}

// --- 3b. Mock implementation, safe for concurrent blocks ---

type MockToleranceRepository struct {
	mu   sync.RWMutex
	lots map[int64]demo.Limits

	WidthLimitsFunc func(ctx context.Context, lot int64) (demo.Limits, error)
}

func NewMockToleranceRepository() *MockToleranceRepository {
	m := &MockToleranceRepository{
		lots: map[int64]demo.Limits{
			1: {Min: 11.6, Max: 12.4},
			2: {Min: 11.9, Max: 12.1},
		},
	}
	m.WidthLimitsFunc = func(_ context.Context, lot int64) (demo.Limits, error) {
		m.mu.RLock()
		defer m.mu.RUnlock()
		limits, exists := m.lots[lot]
		if !exists {
			return demo.Limits{}, sql.ErrNoRows
		}
		return limits, nil
	}
	return m
}

func (m *MockToleranceRepository) WidthLimits(ctx context.Context, lot int64) (demo.Limits, error) {
	return m.WidthLimitsFunc(ctx, lot)
}

// --- 4. Database setup ---

const dbFile = "./qcflow_lots_example.db"

func setupDatabase(ctx context.Context) (*sql.DB, error) {
	_ = os.Remove(dbFile)
	db, err := sql.Open("sqlite3", dbFile+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	createTableSQL := `
	CREATE TABLE lots (
		id INTEGER PRIMARY KEY,
		width_min REAL NOT NULL,
		width_max REAL NOT NULL
	);`
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create lots table: %w", err)
	}
	if _, err := db.ExecContext(ctx,
		"INSERT INTO lots (id, width_min, width_max) VALUES (1, 11.6, 12.4), (2, 11.9, 12.1)"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to insert lots: %w", err)
	}
	return db, nil
}

// --- 5. The pipeline ---

// buildPipeline wires caliper -> lot check. Pieces of lot 3 are unknown to
// the repository.
func buildPipeline(repo ToleranceRepository) (*qcflow.Pipeline, error) {
	pool := qcflow.NewObjectFunctionPool()
	if err := pool.Register(0, "measure_width", func() qcflow.InspectionFunction {
		return &demo.Caliper{Dimension: "width", Nominal: 12.0, Spread: 1.2}
	}); err != nil {
		return nil, err
	}
	if err := pool.Register(1, "lot_tolerance", func() qcflow.InspectionFunction {
		return NewLotToleranceCheck(repo)
	}); err != nil {
		return nil, err
	}

	p := qcflow.NewPipeline("lots", qcflow.NewResultComposer(), pool)
	if err := p.AddBlock(qcflow.NewOneToOneBlock("width", 0)); err != nil {
		return nil, err
	}
	if err := p.AddBlock(qcflow.NewSinkBlock("tolerance", 1, qcflow.WithParallelism(4))); err != nil {
		return nil, err
	}
	if err := p.Link("width", "tolerance"); err != nil {
		return nil, err
	}
	return p, p.SetEntry("width")
}

// runCycle inspects pieces 1..count, spread over lots 1 to 3, and saves the
// products through results.
func runCycle(ctx context.Context, p *qcflow.Pipeline, results resultstore.Repository, count int64) (uuid.UUID, error) {
	if err := p.StartCycle(); err != nil {
		return uuid.Nil, err
	}
	for piece := int64(1); piece <= count; piece++ {
		lot := qcflow.Int("lot", piece%3+1)
		if err := p.EnqueueToExecution(ctx, "db-example", piece, nil, nil, lot); err != nil {
			return uuid.Nil, err
		}
	}
	if err := p.EndCycle(); err != nil {
		return uuid.Nil, err
	}

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := p.WaitFinished(waitCtx, 5*time.Millisecond); err != nil {
		return uuid.Nil, err
	}

	cycleID := p.CycleID()
	if _, err := resultstore.Drain(ctx, results, p.Composer(), cycleID); err != nil {
		return uuid.Nil, err
	}
	return cycleID, nil
}

func main() {
	fmt.Println("🚀 qcflow Dependency Injection Example (with SQLite)")
	fmt.Println("====================================================")

	ctx := context.Background()

	db, err := setupDatabase(ctx)
	if err != nil {
		log.Fatalf("Database setup failed: %v", err)
	}
	defer db.Close()
	defer os.Remove(dbFile)

	store, err := resultstore.Open(ctx, "./qcflow_results_example.db")
	if err != nil {
		log.Fatalf("Result store setup failed: %v", err)
	}
	defer store.Close()
	defer os.Remove("./qcflow_results_example.db")

	p, err := buildPipeline(NewSQLiteToleranceRepository(db))
	if err != nil {
		log.Fatalf("Failed to build pipeline: %v", err)
	}
	if err := p.Start(ctx); err != nil {
		log.Fatalf("Failed to start pipeline: %v", err)
	}
	defer p.Stop(ctx)

	startTime := time.Now()
	cycleID, err := runCycle(ctx, p, store, 30)
	if err != nil {
		log.Fatalf("Cycle failed: %v", err)
	}
	fmt.Printf("Cycle %s finished in %v\n", cycleID, time.Since(startTime))

	summary, err := store.Summary(ctx, cycleID)
	if err != nil {
		log.Fatalf("Failed to summarize: %v", err)
	}
	fmt.Printf("\n✅ %d passed, ❌ %d failed, ⚠️  %d with errors (of %d)\n",
		summary.Passed, summary.Failed, summary.Errored, summary.Total)

	rec, err := store.Product(ctx, cycleID, 2)
	if err != nil {
		log.Fatalf("Failed to load piece 2: %v", err)
	}
	fmt.Printf("Piece 2 (lot 3): %s\n", rec.Info.Error)
}
