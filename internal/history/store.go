// Package history keeps a SQLite ledger of every agent run.
package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harrison/autobuild/internal/models"
)

// Outcome is the final state of a run.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeSucceeded   Outcome = "succeeded"
	OutcomeFailed      Outcome = "failed"
	OutcomeRateLimited Outcome = "rate_limited"
	OutcomeAuthFailed  Outcome = "auth_failed"
	OutcomeStopped     Outcome = "stopped"
)

// Run is one row of the ledger.
type Run struct {
	ID        int64
	RunID     string
	TaskID    string
	SpawnID   uint64
	RunKind   models.RunKind
	StartedAt time.Time
	EndedAt   *time.Time
	ExitCode  *int
	Outcome   Outcome
	Message   string
}

// Duration is the run time, or the time so far for open runs.
func (r Run) Duration(now time.Time) time.Duration {
	if r.EndedAt != nil {
		return r.EndedAt.Sub(r.StartedAt)
	}
	return now.Sub(r.StartedAt)
}

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "Initial run ledger",
		SQL: `
CREATE TABLE IF NOT EXISTS runs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL UNIQUE,
    task_id TEXT NOT NULL,
    spawn_id INTEGER NOT NULL,
    run_kind TEXT NOT NULL,
    started_at TIMESTAMP NOT NULL,
    ended_at TIMESTAMP,
    exit_code INTEGER,
    outcome TEXT NOT NULL DEFAULT 'running',
    message TEXT
);

CREATE INDEX IF NOT EXISTS idx_runs_task ON runs(task_id);
CREATE INDEX IF NOT EXISTS idx_runs_started ON runs(started_at DESC);
`,
	},
}

// Store manages the run ledger database.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore opens (creating when needed) the ledger at dbPath. ":memory:"
// opens a private in-memory ledger.
func NewStore(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	// busy_timeout goes first so the remaining pragmas wait on locks.
	pragmas := []string{
		"PRAGMA busy_timeout=5000",
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if err := execWithRetry(db, pragma, 5, 10*time.Millisecond); err != nil {
			db.Close()
			return nil, fmt.Errorf("set %s: %w", pragma, err)
		}
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.applyMigrations(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return s, nil
}

// execWithRetry retries statements that hit "database is locked" with
// exponential backoff.
func execWithRetry(db *sql.DB, stmt string, maxRetries int, baseDelay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		_, err := db.Exec(stmt)
		if err == nil {
			return nil
		}
		if !strings.Contains(err.Error(), "database is locked") {
			return err
		}
		lastErr = err
		time.Sleep(baseDelay * time.Duration(1<<attempt))
	}
	return lastErr
}

func (s *Store) applyMigrations(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("ensure schema_version table: %w", err)
	}

	for _, m := range migrations {
		var n int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_version WHERE version = ?`, m.Version).Scan(&n); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if n > 0 {
			continue
		}
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			return fmt.Errorf("apply migration %d (%s): %w", m.Version, m.Description, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES (?)`, m.Version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
	}
	return tx.Commit()
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// RecordStart opens a run. Earlier open runs of the same task are closed as
// stopped, since a task has at most one live run. Recording the same run id
// twice is a no-op.
func (s *Store) RecordStart(ctx context.Context, r Run) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ?`, r.RunID).Scan(&exists); err != nil {
		return fmt.Errorf("check run: %w", err)
	}
	if exists > 0 {
		return nil
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, ended_at = ? WHERE task_id = ? AND outcome = ?`,
		OutcomeStopped, r.StartedAt.UTC(), r.TaskID, OutcomeRunning); err != nil {
		return fmt.Errorf("close previous runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (run_id, task_id, spawn_id, run_kind, started_at, outcome) VALUES (?, ?, ?, ?, ?, ?)`,
		r.RunID, r.TaskID, int64(r.SpawnID), string(r.RunKind), r.StartedAt.UTC(), OutcomeRunning); err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return tx.Commit()
}

// SetMessage attaches a message to a run and optionally its pending outcome.
// The outcome is kept when the run later exits non-zero.
func (s *Store) SetMessage(ctx context.Context, runID string, outcome Outcome, message string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET message = ?, outcome = CASE WHEN ? = '' THEN outcome ELSE ? END WHERE run_id = ?`,
		message, string(outcome), string(outcome), runID)
	if err != nil {
		return fmt.Errorf("update run message: %w", err)
	}
	return nil
}

// RecordExit closes a run with its exit code. A zero code is a success; a
// non-zero code keeps a more specific outcome set earlier.
func (s *Store) RecordExit(ctx context.Context, runID string, exitCode int, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET
		ended_at = ?,
		exit_code = ?,
		outcome = CASE
			WHEN ? = 0 THEN ?
			WHEN outcome IN (?, ?) THEN outcome
			ELSE ? END
		WHERE run_id = ?`,
		at.UTC(), exitCode,
		exitCode, OutcomeSucceeded,
		OutcomeRateLimited, OutcomeAuthFailed,
		OutcomeFailed, runID)
	if err != nil {
		return fmt.Errorf("record exit: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record exit: unknown run %s", runID)
	}
	return nil
}

// CloseOpen marks every open run of taskID as stopped.
func (s *Store) CloseOpen(ctx context.Context, taskID string, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET outcome = ?, ended_at = ? WHERE task_id = ? AND outcome = ?`,
		OutcomeStopped, at.UTC(), taskID, OutcomeRunning)
	if err != nil {
		return fmt.Errorf("close open runs: %w", err)
	}
	return nil
}

const runColumns = `id, run_id, task_id, spawn_id, run_kind, started_at, ended_at, exit_code, outcome, COALESCE(message, '')`

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRun(sc scanner) (Run, error) {
	var (
		r        Run
		spawnID  int64
		kind     string
		outcome  string
		endedAt  sql.NullTime
		exitCode sql.NullInt64
	)
	if err := sc.Scan(&r.ID, &r.RunID, &r.TaskID, &spawnID, &kind, &r.StartedAt, &endedAt, &exitCode, &outcome, &r.Message); err != nil {
		return Run{}, err
	}
	r.SpawnID = uint64(spawnID)
	r.RunKind = models.RunKind(kind)
	r.Outcome = Outcome(outcome)
	if endedAt.Valid {
		t := endedAt.Time
		r.EndedAt = &t
	}
	if exitCode.Valid {
		c := int(exitCode.Int64)
		r.ExitCode = &c
	}
	return r, nil
}

// ListRuns returns the runs of taskID, newest first. An empty taskID lists
// every task. limit <= 0 means no limit.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit int) ([]Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	var args []interface{}
	if taskID != "" {
		query += ` WHERE task_id = ?`
		args = append(args, taskID)
	}
	query += ` ORDER BY started_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ErrRunNotFound is returned by GetRun for unknown run ids.
var ErrRunNotFound = errors.New("run not found")

// GetRun returns a single run by its run id.
func (s *Store) GetRun(ctx context.Context, runID string) (Run, error) {
	r, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID))
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return Run{}, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}
