// SPDX-License-Identifier: Apache-2.0

// Package store persists terminal executions to SQLite for audit and
// metric queries that survive process restarts. The engine works without
// it; a nil *Store disables persistence.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kusari-oss/runbook/internal/core/models"
	"github.com/kusari-oss/runbook/internal/metrics"
)

// ErrNotFound is returned when an execution id is unknown.
var ErrNotFound = errors.New("store: not found")

// Store is a SQLite-backed execution history store.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the execution database at path with WAL mode, a
// 5 second busy timeout, and foreign keys enabled.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: %s: %w", p, err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS executions (
			id            TEXT PRIMARY KEY,
			playbook_id   TEXT NOT NULL,
			playbook_name TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL,
			triggered_by  TEXT NOT NULL DEFAULT '',
			created_at    TEXT NOT NULL,
			started_at    TEXT NOT NULL DEFAULT '',
			completed_at  TEXT NOT NULL DEFAULT '',
			duration_ms   INTEGER NOT NULL DEFAULT 0,
			error         TEXT NOT NULL DEFAULT '',
			detail        TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS step_failures (
			execution_id TEXT NOT NULL REFERENCES executions(id) ON DELETE CASCADE,
			playbook_id  TEXT NOT NULL,
			step_id      TEXT NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			created_at   TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_playbook ON executions(playbook_id)`,
		`CREATE INDEX IF NOT EXISTS idx_step_failures_step ON step_failures(playbook_id, step_id)`,
	}
	for _, ddl := range tables {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: create table: %w", err)
		}
	}

	return &Store{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// SaveExecution persists a terminal execution, replacing any previous row
// with the same id. Failed step results are indexed into step_failures for
// the failure-point queries.
func (s *Store) SaveExecution(exec *models.Execution) error {
	detail, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("store: serialize execution: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.Exec(
		`INSERT OR REPLACE INTO executions
			(id, playbook_id, playbook_name, status, triggered_by, created_at, started_at, completed_at, duration_ms, error, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		exec.PlaybookID,
		exec.PlaybookName,
		string(exec.Status),
		exec.TriggeredBy,
		exec.CreatedAt.UTC().Format(time.RFC3339),
		formatTime(exec.StartedAt),
		formatTime(exec.CompletedAt),
		exec.Duration().Milliseconds(),
		exec.Error,
		string(detail),
	)
	if err != nil {
		return fmt.Errorf("store: insert execution: %w", err)
	}

	if _, err := tx.Exec(`DELETE FROM step_failures WHERE execution_id = ?`, exec.ID); err != nil {
		return fmt.Errorf("store: clear step failures: %w", err)
	}
	for stepID, result := range exec.StepResults {
		if result.Status != models.StepStatusFailed {
			continue
		}
		_, err := tx.Exec(
			`INSERT INTO step_failures (execution_id, playbook_id, step_id, error, created_at)
			 VALUES (?, ?, ?, ?, ?)`,
			exec.ID, exec.PlaybookID, stepID, result.Error,
			exec.CreatedAt.UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("store: insert step failure: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// GetExecution loads one execution by id.
func (s *Store) GetExecution(id string) (*models.Execution, error) {
	var detail string
	err := s.db.QueryRow(`SELECT detail FROM executions WHERE id = ?`, id).Scan(&detail)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get execution: %w", err)
	}

	var exec models.Execution
	if err := json.Unmarshal([]byte(detail), &exec); err != nil {
		return nil, fmt.Errorf("store: decode execution: %w", err)
	}
	return &exec, nil
}

// ListExecutions returns stored executions matching the filter, newest
// first.
func (s *Store) ListExecutions(filter models.ExecutionFilter) ([]*models.Execution, error) {
	query := `SELECT detail FROM executions WHERE 1=1`
	var args []any

	if filter.PlaybookID != "" {
		query += ` AND playbook_id = ?`
		args = append(args, filter.PlaybookID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if filter.TriggeredBy != "" {
		query += ` AND triggered_by = ?`
		args = append(args, filter.TriggeredBy)
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(time.RFC3339))
	}
	if filter.Until != nil {
		query += ` AND created_at <= ?`
		args = append(args, filter.Until.UTC().Format(time.RFC3339))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()

	var out []*models.Execution
	for rows.Next() {
		var detail string
		if err := rows.Scan(&detail); err != nil {
			return nil, fmt.Errorf("store: scan execution: %w", err)
		}
		var exec models.Execution
		if err := json.Unmarshal([]byte(detail), &exec); err != nil {
			return nil, fmt.Errorf("store: decode execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

// MostUsed returns the n playbooks with the most stored executions.
func (s *Store) MostUsed(n int) ([]metrics.Stats, error) {
	rows, err := s.db.Query(
		`SELECT playbook_id, MAX(playbook_name),
			COUNT(*) AS total,
			SUM(CASE WHEN status = 'completed' THEN 1 ELSE 0 END),
			AVG(duration_ms)
		 FROM executions
		 GROUP BY playbook_id
		 ORDER BY total DESC, playbook_id ASC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: most used: %w", err)
	}
	defer rows.Close()

	var out []metrics.Stats
	for rows.Next() {
		var st metrics.Stats
		var completed int
		var avgMs float64
		if err := rows.Scan(&st.PlaybookID, &st.PlaybookName, &st.ExecutionCount, &completed, &avgMs); err != nil {
			return nil, fmt.Errorf("store: scan most used: %w", err)
		}
		if st.ExecutionCount > 0 {
			st.SuccessRate = float64(completed) / float64(st.ExecutionCount)
		}
		st.AverageDuration = time.Duration(avgMs) * time.Millisecond
		out = append(out, st)
	}
	return out, rows.Err()
}

// TrendByDay returns daily execution counts, oldest first. An empty
// playbook id aggregates across all playbooks.
func (s *Store) TrendByDay(playbookID string) ([]metrics.TrendPoint, error) {
	query := `SELECT substr(created_at, 1, 10) AS day, COUNT(*)
		 FROM executions`
	var args []any
	if playbookID != "" {
		query += ` WHERE playbook_id = ?`
		args = append(args, playbookID)
	}
	query += ` GROUP BY day ORDER BY day ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: trend: %w", err)
	}
	defer rows.Close()

	var out []metrics.TrendPoint
	for rows.Next() {
		var p metrics.TrendPoint
		if err := rows.Scan(&p.Date, &p.Count); err != nil {
			return nil, fmt.Errorf("store: scan trend: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CommonFailures returns the n most frequent step failure points.
func (s *Store) CommonFailures(n int) ([]metrics.FailurePoint, error) {
	rows, err := s.db.Query(
		`SELECT playbook_id, step_id, error, COUNT(*) AS total
		 FROM step_failures
		 GROUP BY playbook_id, step_id, error
		 ORDER BY total DESC, step_id ASC
		 LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("store: common failures: %w", err)
	}
	defer rows.Close()

	var out []metrics.FailurePoint
	for rows.Next() {
		var p metrics.FailurePoint
		if err := rows.Scan(&p.PlaybookID, &p.StepID, &p.ErrorPattern, &p.Count); err != nil {
			return nil, fmt.Errorf("store: scan failure: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
