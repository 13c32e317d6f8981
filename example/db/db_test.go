package main

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/synoptiq/go-qcflow"
	"github.com/synoptiq/go-qcflow/internal/demo"
	"github.com/synoptiq/go-qcflow/internal/resultstore"
)

// memoryResults is a resultstore.Repository keeping everything in memory.
type memoryResults struct {
	mu       sync.Mutex
	products map[uuid.UUID][]qcflow.ProductResult
}

func (m *memoryResults) SaveCycle(_ context.Context, cycleID uuid.UUID, products []qcflow.ProductResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.products == nil {
		m.products = make(map[uuid.UUID][]qcflow.ProductResult)
	}
	m.products[cycleID] = append(m.products[cycleID], products...)
	return nil
}

func (m *memoryResults) Summary(_ context.Context, cycleID uuid.UUID) (resultstore.Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	summary := resultstore.Summary{Total: len(m.products[cycleID])}
	for _, p := range m.products[cycleID] {
		if p.Info.Result {
			summary.Passed++
		}
		if p.Info.Error != "" {
			summary.Errored++
		}
	}
	summary.Failed = summary.Total - summary.Passed
	return summary, nil
}

func TestLotToleranceCheck(t *testing.T) {
	mockRepo := NewMockToleranceRepository()
	check := NewLotToleranceCheck(mockRepo)
	ctx := context.Background()

	piece := func(lot int64, width float64) *qcflow.Message {
		return qcflow.NewMessage("s", 1, nil, nil, qcflow.Int("lot", lot)).
			Next("measure_width", nil, qcflow.Float("width", width))
	}

	t.Run("WithinLimits", func(t *testing.T) {
		result, err := check.Execute(ctx, piece(1, 12.0))
		require.NoError(t, err)
		assert.True(t, result.Result)
	})

	t.Run("TighterLot", func(t *testing.T) {
		result, err := check.Execute(ctx, piece(2, 12.3))
		require.NoError(t, err)
		assert.False(t, result.Result)
	})

	t.Run("LotNotFound", func(t *testing.T) {
		_, err := check.Execute(ctx, piece(3, 12.0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "lot 3 not found")
	})

	t.Run("RepositoryError", func(t *testing.T) {
		original := mockRepo.WidthLimitsFunc
		simulatedErr := errors.New("simulated DB connection error")
		mockRepo.WidthLimitsFunc = func(context.Context, int64) (demo.Limits, error) {
			return demo.Limits{}, simulatedErr
		}
		defer func() { mockRepo.WidthLimitsFunc = original }()

		_, err := check.Execute(ctx, piece(1, 12.0))
		require.Error(t, err)
		assert.ErrorIs(t, err, simulatedErr)
	})
}

func TestSQLiteToleranceRepository(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	defer db.Close()
	db.SetMaxOpenConns(1)

	_, err = db.Exec("CREATE TABLE lots (id INTEGER PRIMARY KEY, width_min REAL, width_max REAL)")
	require.NoError(t, err)
	_, err = db.Exec("INSERT INTO lots VALUES (1, 11.5, 12.5)")
	require.NoError(t, err)

	repo := NewSQLiteToleranceRepository(db)
	limits, err := repo.WidthLimits(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, demo.Limits{Min: 11.5, Max: 12.5}, limits)

	_, err = repo.WidthLimits(context.Background(), 9)
	assert.ErrorIs(t, err, sql.ErrNoRows)
}

func TestLotPipeline(t *testing.T) {
	p, err := buildPipeline(NewMockToleranceRepository())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, p.Start(ctx))
	defer p.Stop(ctx)

	results := &memoryResults{}
	cycleID, err := runCycle(ctx, p, results, 30)
	require.NoError(t, err)

	summary, err := results.Summary(ctx, cycleID)
	require.NoError(t, err)
	assert.Equal(t, 30, summary.Total)
	assert.Equal(t, 10, summary.Errored, "every lot 3 piece is unknown to the repository")
	assert.LessOrEqual(t, summary.Passed, 20)
}
