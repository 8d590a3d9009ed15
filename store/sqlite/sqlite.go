// Package sqlite implements warden.RunStore using pure-Go SQLite.
// Zero CGO required.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	warden "github.com/opencellcw/warden"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs when it is opened and when a run is saved; Init,
// GetRun, ListRuns and Close do not log. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements warden.RunStore backed by a local SQLite file.
// Step results are stored as JSON text.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ warden.RunStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
// It opens a single shared connection pool with SetMaxOpenConns(1) so
// that all goroutines serialize through one connection, eliminating
// SQLITE_BUSY errors caused by concurrent writers.
func New(dbPath string, opts ...StoreOption) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// Init creates the schema if it does not exist.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS runs (
	run_id      TEXT PRIMARY KEY,
	workflow    TEXT NOT NULL,
	user_id     TEXT NOT NULL DEFAULT '',
	request_id  TEXT NOT NULL DEFAULT '',
	started_at  INTEGER NOT NULL,
	finished_at INTEGER NOT NULL,
	status      TEXT NOT NULL,
	error       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow, started_at DESC);
CREATE TABLE IF NOT EXISTS run_steps (
	run_id  TEXT NOT NULL REFERENCES runs(run_id) ON DELETE CASCADE,
	step_id TEXT NOT NULL,
	status  TEXT NOT NULL,
	result  TEXT,
	error   TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (run_id, step_id)
);`)
	if err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// SaveRun stores a run and its step outcomes in one transaction.
func (s *Store) SaveRun(ctx context.Context, run warden.RunRecord, steps []warden.StepRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO runs (run_id, workflow, user_id, request_id, started_at, finished_at, status, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.Workflow, run.UserID, run.RequestID,
		run.StartedAt.UnixMilli(), run.FinishedAt.UnixMilli(), run.Status, run.Error)
	if err != nil {
		return fmt.Errorf("sqlite: insert run: %w", err)
	}

	for _, step := range steps {
		var result any
		if step.Result != nil {
			b, err := json.Marshal(step.Result)
			if err != nil {
				return fmt.Errorf("sqlite: marshal result for step %s: %w", step.StepID, err)
			}
			result = string(b)
		}
		_, err = tx.ExecContext(ctx, `
INSERT OR REPLACE INTO run_steps (run_id, step_id, status, result, error)
VALUES (?, ?, ?, ?, ?)`,
			run.RunID, step.StepID, step.Status, result, step.Error)
		if err != nil {
			return fmt.Errorf("sqlite: insert step %s: %w", step.StepID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger.Debug("sqlite: run saved", "run_id", run.RunID, "steps", len(steps))
	return nil
}

// GetRun loads one run and its step outcomes.
func (s *Store) GetRun(ctx context.Context, runID string) (warden.RunRecord, []warden.StepRecord, error) {
	var (
		run                  warden.RunRecord
		startedMs, finishedMs int64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT run_id, workflow, user_id, request_id, started_at, finished_at, status, error
FROM runs WHERE run_id = ?`, runID).Scan(
		&run.RunID, &run.Workflow, &run.UserID, &run.RequestID,
		&startedMs, &finishedMs, &run.Status, &run.Error)
	if err != nil {
		return warden.RunRecord{}, nil, fmt.Errorf("sqlite: get run %s: %w", runID, err)
	}
	run.StartedAt = msToTime(startedMs)
	run.FinishedAt = msToTime(finishedMs)

	rows, err := s.db.QueryContext(ctx, `
SELECT step_id, status, result, error FROM run_steps WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return warden.RunRecord{}, nil, fmt.Errorf("sqlite: get steps for %s: %w", runID, err)
	}
	defer rows.Close()

	var steps []warden.StepRecord
	for rows.Next() {
		step := warden.StepRecord{RunID: runID}
		var result sql.NullString
		if err := rows.Scan(&step.StepID, &step.Status, &result, &step.Error); err != nil {
			return warden.RunRecord{}, nil, fmt.Errorf("sqlite: scan step: %w", err)
		}
		if result.Valid {
			var v any
			if err := json.Unmarshal([]byte(result.String), &v); err == nil {
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
	query := `
SELECT run_id, workflow, user_id, request_id, started_at, finished_at, status, error
FROM runs WHERE (? = '' OR workflow = ?) ORDER BY started_at DESC LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, workflow, workflow, limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var runs []warden.RunRecord
	for rows.Next() {
		var (
			run                  warden.RunRecord
			startedMs, finishedMs int64
		)
		if err := rows.Scan(&run.RunID, &run.Workflow, &run.UserID, &run.RequestID,
			&startedMs, &finishedMs, &run.Status, &run.Error); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		run.StartedAt = msToTime(startedMs)
		run.FinishedAt = msToTime(finishedMs)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// msToTime converts Unix milliseconds to time.Time.
func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms)
}
