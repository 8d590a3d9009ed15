// Package postgres implements warden.RunStore backed by PostgreSQL
// via pgx.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	warden "github.com/opencellcw/warden"
)

// StoreOption configures a Postgres Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements warden.RunStore backed by a PostgreSQL database.
// Step results are stored as JSONB.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ warden.RunStore = (*Store)(nil)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New connects to the database at connString.
func New(ctx context.Context, connString string, opts ...StoreOption) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	started_at  TIMESTAMPTZ NOT NULL,
	finished_at TIMESTAMPTZ NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, started_at DESC);
CREATE TABLE IF NOT EXISTS run_steps (
	run_id  TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	status  TEXT NOT NULL,
	result  JSONB,
	error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, step_id)
);`)
	if err != nil {
		return fmt.Errorf("postgres: init schema: %w", err)
	}
	return nil
}

// SaveRun stores a run and its step outcomes in one transaction.
func (s *Store) SaveRun(ctx context.Context, run warden.RunRecord, steps []warden.StepRecord) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
INSERT INTO runs (run_id, workflow, user_id, request_id, started_at, finished_at, status, error)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (run_id) DO UPDATE SET
	finished_at = EXCLUDED.finished_at, status = EXCLUDED.status, error = EXCLUDED.error`,
		run.RunID, run.Workflow, run.UserID, run.RequestID,
		run.StartedAt, run.FinishedAt, run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("postgres: insert run: %w", err)
	}

	for _, step := range steps {
		var result []byte
		if step.Result != nil {
			result, err = json.Marshal(step.Result)
			if err != nil {
				return fmt.Errorf("postgres: marshal result for step %s: %w", step.StepID, err)
			}
		}
		_, err = tx.Exec(ctx, `
INSERT INTO run_steps (run_id, step_id, status, result, error)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (run_id, step_id) DO UPDATE SET
	status = EXCLUDED.status, result = EXCLUDED.result, error = EXCLUDED.error`,
			run.RunID, step.StepID, step.Status, result, step.Error)
		if err != nil {
			return fmt.Errorf("postgres: insert step %s: %w", step.StepID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	s.logger.Debug("postgres: run saved", "run_id", run.RunID, "steps", len(steps))
	return nil
}

// GetRun loads one run and its step outcomes.
func (s *Store) GetRun(ctx context.Context, runID string) (warden.RunRecord, []warden.StepRecord, error) {
	var run warden.RunRecord
	err := s.pool.QueryRow(ctx, `
SELECT run_id, workflow, user_id, request_id, started_at, finished_at, status, error
FROM runs WHERE run_id = $1`, runID).Scan(
		&run.RunID, &run.Workflow, &run.UserID, &run.RequestID,
		&run.StartedAt, &run.FinishedAt, &run.Status, &run.Error)
	if err != nil {
		return warden.RunRecord{}, nil, fmt.Errorf("postgres: get run %s: %w", runID, err)
	}

	rows, err := s.pool.Query(ctx, `
SELECT step_id, status, result, error FROM run_steps WHERE run_id = $1 ORDER BY step_id`, runID)
	if err != nil {
		return warden.RunRecord{}, nil, fmt.Errorf("postgres: get steps for %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []warden.StepRecord
	for rows.Next() {
		step := warden.StepRecord{RunID: runID}
		var result []byte
		if err := rows.Scan(&step.StepID, &step.Status, &result, &step.Error); err != nil {
			return warden.RunRecord{}, nil, fmt.Errorf("postgres: scan step: %w", err)
		}
		if len(result) > 0 {
			var v any
			if err := json.Unmarshal(result, &v); err == nil {
				step.Result = v
			}
		}
		steps = append(steps, step)
	}
	return run, steps, rows.Err()
}

// ListRuns returns the most recent runs for a workflow, newest first.
// An empty workflow matches all workflows.
func (s *Store) ListRuns(ctx context.Context, workflow string, limit int) ([]warden.RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
SELECT run_id, workflow, user_id, request_id, started_at, finished_at, status, error
FROM runs WHERE ($1 = '' OR workflow = $1) ORDER BY started_at DESC LIMIT $2`, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs: %w", err)
	}
	defer rows.Close()

	runs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (warden.RunRecord, error) {
		var run warden.RunRecord
		err := row.Scan(&run.RunID, &run.Workflow, &run.UserID, &run.RequestID,
			&run.StartedAt, &run.FinishedAt, &run.Status, &run.Error)
		return run, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres: scan runs: %w", err)
	}
	return runs, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
