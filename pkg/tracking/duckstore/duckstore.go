// Package duckstore records runs and their metrics in a local DuckDB file.
package duckstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/marcboeker/go-duckdb/v2" // registers the duckdb driver

	"github.com/polisai/nbrun/pkg/tracking"
)

// Backend is the name this backend registers under.
const Backend = "duckdb"

const (
	kindScalar = "scalar"
	kindList   = "list"
)

// Options configure the DuckDB store.
type Options struct {
	Path     string
	Notebook string
}

// Metric is one stored row.
type Metric struct {
	Name  string
	Kind  string
	Value string
	TS    time.Time
}

// Store is a run handle backed by a DuckDB database.
type Store struct {
	db    *sql.DB
	runID uuid.UUID
}

var _ tracking.RunHandle = (*Store)(nil)

// Probe attaches when a database path is configured and the database opens.
func Probe(opts Options) tracking.Probe {
	return tracking.Probe{
		Backend: Backend,
		Find: func(ctx context.Context) (tracking.RunHandle, bool, error) {
			if opts.Path == "" {
				return nil, false, nil
			}
			store, err := Open(ctx, opts)
			if err != nil {
				return nil, false, err
			}
			return store, true, nil
		},
	}
}

// Open opens (or creates) the database, prepares the schema and starts a run.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("duckdb path is required")
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, fmt.Errorf("create duckdb directory: %w", err)
	}

	db, err := sql.Open("duckdb", opts.Path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb %s: %w", opts.Path, err)
	}

	if err := PrepareSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	runID, err := uuid.NewV7()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	if _, err := db.ExecContext(ctx,
		"INSERT INTO runs (id, notebook, started) VALUES (?::UUID, ?, ?)",
		runID.String(), opts.Notebook, time.Now().UTC(),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("insert run: %w", err)
	}

	return &Store{db: db, runID: runID}, nil
}

// PrepareSchema creates the runs and metrics tables when missing.
func PrepareSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS runs (id UUID PRIMARY KEY, notebook TEXT NOT NULL, started TIMESTAMP NOT NULL)"); err != nil {
		return fmt.Errorf("create runs table: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS metrics (id UUID PRIMARY KEY, run_id UUID NOT NULL, name TEXT NOT NULL, ts TIMESTAMP NOT NULL, kind TEXT NOT NULL, value JSON NOT NULL)"); err != nil {
		return fmt.Errorf("create metrics table: %w", err)
	}
	return nil
}

// RunID returns the id of the run started by Open.
func (s *Store) RunID() uuid.UUID {
	return s.runID
}

// LogScalar stores value as a JSON string.
func (s *Store) LogScalar(ctx context.Context, name, value string) error {
	return s.insert(ctx, name, kindScalar, value)
}

// LogList stores values as a JSON array.
func (s *Store) LogList(ctx context.Context, name string, values []float64) error {
	return s.insert(ctx, name, kindList, values)
}

// Metrics returns the metrics of the current run in insertion order.
func (s *Store) Metrics(ctx context.Context) ([]Metric, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT name, kind, CAST(value AS VARCHAR), ts FROM metrics WHERE run_id = ?::UUID ORDER BY id",
		s.runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Metric
	for rows.Next() {
		var m Metric
		if err := rows.Scan(&m.Name, &m.Kind, &m.Value, &m.TS); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) insert(ctx context.Context, name, kind string, value any) error {
	encoded, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode metric %s: %w", name, err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate metric id: %w", err)
	}

	if _, err := s.db.ExecContext(ctx,
		"INSERT INTO metrics (id, run_id, name, ts, kind, value) VALUES (?::UUID, ?::UUID, ?, ?, ?, ?::JSON)",
		id.String(), s.runID.String(), name, time.Now().UTC(), kind, string(encoded),
	); err != nil {
		return fmt.Errorf("insert metric %s: %w", name, err)
	}
	return nil
}
