// Package resultstore persists the product results of inspection cycles in SQLite.
package resultstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/synoptiq/go-qcflow"
)

// ErrNotFound is returned when no product matches a lookup.
var ErrNotFound = errors.New("resultstore: product not found")

const schema = `
CREATE TABLE IF NOT EXISTS products (
	cycle_id       TEXT    NOT NULL,
	piece_index    INTEGER NOT NULL,
	internal_index INTEGER NOT NULL,
	system_source  TEXT    NOT NULL,
	result         INTEGER NOT NULL,
	success        INTEGER NOT NULL,
	enabled        INTEGER NOT NULL,
	error          TEXT    NOT NULL,
	created_at     TEXT    NOT NULL,
	finished_at    TEXT    NOT NULL,
	measurables    TEXT    NOT NULL,
	features       TEXT    NOT NULL,
	PRIMARY KEY (cycle_id, piece_index)
);
CREATE TABLE IF NOT EXISTS inspections (
	cycle_id    TEXT    NOT NULL,
	piece_index INTEGER NOT NULL,
	seq         INTEGER NOT NULL,
	block       TEXT    NOT NULL,
	function    TEXT    NOT NULL,
	result      INTEGER NOT NULL,
	success     INTEGER NOT NULL,
	included    INTEGER NOT NULL,
	error       TEXT    NOT NULL,
	duration_ns INTEGER NOT NULL,
	PRIMARY KEY (cycle_id, piece_index, seq)
);`

// Repository is what a cycle needs to persist its results.
type Repository interface {
	SaveCycle(ctx context.Context, cycleID uuid.UUID, products []qcflow.ProductResult) error
	Summary(ctx context.Context, cycleID uuid.UUID) (Summary, error)
}

// Summary counts the products of one cycle.
type Summary struct {
	Total   int
	Passed  int
	Failed  int
	Errored int // Products with at least one error, passed or not
}

// Record is a stored product.
type Record struct {
	CycleID     uuid.UUID
	Info        qcflow.ProductInfo
	Measurables map[string]any
	Inspections []InspectionRecord
}

// InspectionRecord is a stored inspection result.
type InspectionRecord struct {
	Block    string
	Function string
	Result   bool
	Success  bool
	Included bool
	Error    string
	Duration time.Duration
}

// Store is a Repository backed by a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ Repository = (*Store)(nil)

// Open opens or creates the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveCycle stores the products of a cycle in one transaction. Saving a piece
// twice for the same cycle fails and stores nothing.
func (s *Store) SaveCycle(ctx context.Context, cycleID uuid.UUID, products []qcflow.ProductResult) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, p := range products {
		if err = insertProduct(ctx, tx, cycleID, p); err != nil {
			return err
		}
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit cycle %s: %w", cycleID, err)
	}
	return nil
}

func insertProduct(ctx context.Context, tx *sql.Tx, cycleID uuid.UUID, p qcflow.ProductResult) error {
	measurables, err := encodeParameters(p.Measurables)
	if err != nil {
		return err
	}
	features, err := encodeParameters(p.Features)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO products (cycle_id, piece_index, internal_index, system_source, result, success,
			enabled, error, created_at, finished_at, measurables, features)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		cycleID.String(), p.Info.PieceIndex, p.Info.InternalIndex, p.Info.SystemSource,
		p.Info.Result, p.Info.Success, p.Info.Enabled, p.Info.Error,
		p.Info.CreatedAt.Format(time.RFC3339Nano), p.Info.FinishedAt.Format(time.RFC3339Nano),
		measurables, features,
	)
	if err != nil {
		return fmt.Errorf("insert piece %d: %w", p.Info.PieceIndex, err)
	}

	for seq, in := range p.Inspections {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO inspections (cycle_id, piece_index, seq, block, function, result, success,
				included, error, duration_ns)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			cycleID.String(), p.Info.PieceIndex, seq, in.BlockName, in.FunctionName,
			in.Result, in.Success, in.IncludeInResult, in.Error, in.Duration.Nanoseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert inspection %d of piece %d: %w", seq, p.Info.PieceIndex, err)
		}
	}
	return nil
}

func encodeParameters(ps qcflow.Parameters) (string, error) {
	values := make(map[string]any, len(ps))
	for _, p := range ps {
		values[p.Name] = p.Value
	}
	data, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode parameters: %w", err)
	}
	return string(data), nil
}

// Summary counts the stored products of a cycle.
func (s *Store) Summary(ctx context.Context, cycleID uuid.UUID) (Summary, error) {
	var sum Summary
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN result = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN error <> '' THEN 1 ELSE 0 END), 0)
		FROM products WHERE cycle_id = ?`, cycleID.String())
	if err := row.Scan(&sum.Total, &sum.Passed, &sum.Errored); err != nil {
		return Summary{}, fmt.Errorf("summarize cycle %s: %w", cycleID, err)
	}
	sum.Failed = sum.Total - sum.Passed
	return sum, nil
}

// Product loads one stored product with its inspections in execution order.
func (s *Store) Product(ctx context.Context, cycleID uuid.UUID, pieceIndex int64) (*Record, error) {
	var (
		rec                   = Record{CycleID: cycleID}
		createdAt, finishedAt string
		measurables           string
	)
	row := s.db.QueryRowContext(ctx,
		`SELECT piece_index, internal_index, system_source, result, success, enabled, error,
			created_at, finished_at, measurables
		FROM products WHERE cycle_id = ? AND piece_index = ?`, cycleID.String(), pieceIndex)
	err := row.Scan(&rec.Info.PieceIndex, &rec.Info.InternalIndex, &rec.Info.SystemSource,
		&rec.Info.Result, &rec.Info.Success, &rec.Info.Enabled, &rec.Info.Error,
		&createdAt, &finishedAt, &measurables)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("piece %d of cycle %s: %w", pieceIndex, cycleID, ErrNotFound)
		}
		return nil, fmt.Errorf("query piece %d: %w", pieceIndex, err)
	}

	if rec.Info.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at '%s' of piece %d failed: %w", createdAt, pieceIndex, err)
	}
	if rec.Info.FinishedAt, err = time.Parse(time.RFC3339Nano, finishedAt); err != nil {
		return nil, fmt.Errorf("parsing finished_at '%s' of piece %d failed: %w", finishedAt, pieceIndex, err)
	}
	if err := json.Unmarshal([]byte(measurables), &rec.Measurables); err != nil {
		return nil, fmt.Errorf("decode measurables of piece %d: %w", pieceIndex, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT block, function, result, success, included, error, duration_ns
		FROM inspections WHERE cycle_id = ? AND piece_index = ? ORDER BY seq`, cycleID.String(), pieceIndex)
	if err != nil {
		return nil, fmt.Errorf("query inspections of piece %d: %w", pieceIndex, err)
	}
	defer rows.Close()
	for rows.Next() {
		var in InspectionRecord
		var durationNs int64
		if err := rows.Scan(&in.Block, &in.Function, &in.Result, &in.Success, &in.Included, &in.Error, &durationNs); err != nil {
			return nil, fmt.Errorf("scan inspection of piece %d: %w", pieceIndex, err)
		}
		in.Duration = time.Duration(durationNs)
		rec.Inspections = append(rec.Inspections, in)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inspections of piece %d: %w", pieceIndex, err)
	}
	return &rec, nil
}

// Drain extracts every finished product of composer and saves it under
// cycleID. It returns the number of products saved.
func Drain(ctx context.Context, repo Repository, composer *qcflow.ResultComposer, cycleID uuid.UUID) (int, error) {
	products := composer.ExtractFinished()
	if len(products) == 0 {
		return 0, nil
	}
	if err := repo.SaveCycle(ctx, cycleID, products); err != nil {
		return 0, err
	}
	return len(products), nil
}
