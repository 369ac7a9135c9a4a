// Package history keeps a SQLite ledger of finished swarm executions.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/msageha/devswarm/internal/model"
)

// openDB is a package-level var to allow test injection.
var openDB = sql.Open

// ErrNotFound is returned by Get for an unknown execution id.
var ErrNotFound = errors.New("execution not found")

// Summary is one row of the executions table.
type Summary struct {
	ExecutionID         string                `json:"execution_id"`
	Status              model.ExecutionStatus `json:"status"`
	StartTime           time.Time             `json:"start_time"`
	TotalDuration       time.Duration         `json:"total_duration"`
	SuccessCount        int                   `json:"success_count"`
	FailureCount        int                   `json:"failure_count"`
	ParallelismVerified bool                  `json:"parallelism_verified"`
}

type Store struct {
	db *sql.DB
}

// Open creates or opens the ledger at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("history: create dir: %w", err)
	}
	db, err := openDB("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("history: pragma %q: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migration: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
		CREATE TABLE IF NOT EXISTS executions (
			id                   TEXT PRIMARY KEY,
			status               TEXT    NOT NULL,
			started_at           TEXT    NOT NULL,
			ended_at             TEXT    NOT NULL,
			total_ns             INTEGER NOT NULL,
			success_count        INTEGER NOT NULL,
			failure_count        INTEGER NOT NULL,
			parallelism_verified INTEGER NOT NULL,
			average_task_ns      INTEGER,
			error                TEXT    NOT NULL DEFAULT ''
		);

		CREATE TABLE IF NOT EXISTS task_results (
			execution_id    TEXT    NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			position        INTEGER NOT NULL,
			node_id         TEXT    NOT NULL,
			story_id        TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			started_at      TEXT    NOT NULL,
			ended_at        TEXT    NOT NULL,
			duration_ns     INTEGER NOT NULL,
			tasks_completed INTEGER NOT NULL,
			files_modified  TEXT    NOT NULL,
			error           TEXT    NOT NULL DEFAULT '',
			logs            TEXT    NOT NULL,
			PRIMARY KEY (execution_id, position)
		);

		CREATE INDEX IF NOT EXISTS idx_executions_started ON executions(started_at);
		CREATE INDEX IF NOT EXISTS idx_task_results_story ON task_results(story_id);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Record stores a finished execution and its per-story results atomically.
func (s *Store) Record(ctx context.Context, r model.SwarmExecutionResult) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	var avg sql.NullInt64
	if r.AverageSingleTaskTime != nil {
		avg = sql.NullInt64{Int64: int64(*r.AverageSingleTaskTime), Valid: true}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO executions (id, status, started_at, ended_at, total_ns, success_count, failure_count, parallelism_verified, average_task_ns, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExecutionID, string(r.Status), formatTime(r.StartTime), formatTime(r.EndTime), int64(r.TotalDuration),
		r.SuccessCount, r.FailureCount, boolInt(r.ParallelismVerified), avg, r.Error)
	if err != nil {
		return fmt.Errorf("history: insert execution %s: %w", r.ExecutionID, err)
	}

	for i, nr := range r.NodeResults {
		files, err := json.Marshal(nonNil(nr.FilesModified))
		if err != nil {
			return fmt.Errorf("history: encode files: %w", err)
		}
		logs, err := json.Marshal(nonNil(nr.Logs))
		if err != nil {
			return fmt.Errorf("history: encode logs: %w", err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO task_results (execution_id, position, node_id, story_id, status, started_at, ended_at, duration_ns, tasks_completed, files_modified, error, logs)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ExecutionID, i, nr.NodeID, nr.StoryID, string(nr.Status), formatTime(nr.StartTime), formatTime(nr.EndTime),
			int64(nr.Duration), nr.TasksCompleted, string(files), nr.Error, string(logs))
		if err != nil {
			return fmt.Errorf("history: insert result %d of %s: %w", i, r.ExecutionID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("history: commit: %w", err)
	}
	return nil
}

// Recent returns up to limit executions, newest first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Summary, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, started_at, total_ns, success_count, failure_count, parallelism_verified
		 FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("history: query executions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			sum      Summary
			status   string
			started  string
			totalNs  int64
			verified int
		)
		if err := rows.Scan(&sum.ExecutionID, &status, &started, &totalNs, &sum.SuccessCount, &sum.FailureCount, &verified); err != nil {
			return nil, fmt.Errorf("history: scan execution: %w", err)
		}
		sum.Status = model.ExecutionStatus(status)
		sum.StartTime = parseTime(started)
		sum.TotalDuration = time.Duration(totalNs)
		sum.ParallelismVerified = verified != 0
		out = append(out, sum)
	}
	return out, rows.Err()
}

// Get loads a full execution with its results in input order.
func (s *Store) Get(ctx context.Context, id string) (model.SwarmExecutionResult, error) {
	var (
		r              model.SwarmExecutionResult
		status         string
		started, ended string
		totalNs        int64
		verified       int
		avg            sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, started_at, ended_at, total_ns, success_count, failure_count, parallelism_verified, average_task_ns, error
		 FROM executions WHERE id = ?`, id).
		Scan(&r.ExecutionID, &status, &started, &ended, &totalNs, &r.SuccessCount, &r.FailureCount, &verified, &avg, &r.Error)
	if errors.Is(err, sql.ErrNoRows) {
		return r, fmt.Errorf("history: %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return r, fmt.Errorf("history: query execution %s: %w", id, err)
	}
	r.Status = model.ExecutionStatus(status)
	r.StartTime = parseTime(started)
	r.EndTime = parseTime(ended)
	r.TotalDuration = time.Duration(totalNs)
	r.ParallelismVerified = verified != 0
	if avg.Valid {
		d := time.Duration(avg.Int64)
		r.AverageSingleTaskTime = &d
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT node_id, story_id, status, started_at, ended_at, duration_ns, tasks_completed, files_modified, error, logs
		 FROM task_results WHERE execution_id = ? ORDER BY position`, id)
	if err != nil {
		return r, fmt.Errorf("history: query results of %s: %w", id, err)
	}
	defer rows.Close()

	r.NodeResults = []model.DeveloperTaskResult{}
	for rows.Next() {
		var (
			nr             model.DeveloperTaskResult
			status         string
			started, ended string
			durNs          int64
			files, logs    string
		)
		if err := rows.Scan(&nr.NodeID, &nr.StoryID, &status, &started, &ended, &durNs, &nr.TasksCompleted, &files, &nr.Error, &logs); err != nil {
			return r, fmt.Errorf("history: scan result: %w", err)
		}
		nr.Status = model.TaskStatus(status)
		nr.StartTime = parseTime(started)
		nr.EndTime = parseTime(ended)
		nr.Duration = time.Duration(durNs)
		if err := json.Unmarshal([]byte(files), &nr.FilesModified); err != nil {
			return r, fmt.Errorf("history: decode files: %w", err)
		}
		if err := json.Unmarshal([]byte(logs), &nr.Logs); err != nil {
			return r, fmt.Errorf("history: decode logs: %w", err)
		}
		r.NodeResults = append(r.NodeResults, nr)
	}
	return r, rows.Err()
}

// Prune deletes all but the newest keep executions and returns how many went.
func (s *Store) Prune(ctx context.Context, keep int) (int64, error) {
	keep = max(keep, 0)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("history: begin: %w", err)
	}
	defer tx.Rollback()

	const stale = `SELECT id FROM executions WHERE id NOT IN (
		SELECT id FROM executions ORDER BY started_at DESC, rowid DESC LIMIT ?)`
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE execution_id IN (`+stale+`)`, keep); err != nil {
		return 0, fmt.Errorf("history: prune results: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM executions WHERE id IN (`+stale+`)`, keep)
	if err != nil {
		return 0, fmt.Errorf("history: prune: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
