// Package tasks implements the background Task Queue: a persistent,
// single-table sqlite store plus a single FIFO worker that runs each
// submitted goal through its own Orchestrator instance. Grounded on
// haasonsaas-nexus's internal/tasks/cockroach.go CRUD shape, re-targeted at
// modernc.org/sqlite per spec.md §4.12 and §6's WAL-mode requirement.
package tasks

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hama-jp/open-harness/pkg/models"
)

// Store is the single-table sqlite-backed persistence layer for tasks.
type Store struct {
	db *sql.DB
}

// Open opens (creating if absent) the sqlite database at path, sets WAL
// mode, and ensures the tasks table exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("tasks: open database: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer worker; avoid sqlite lock contention

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("tasks: set WAL mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			status TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			started_at DATETIME,
			finished_at DATETIME,
			log_path TEXT NOT NULL,
			result_text TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("tasks: create table: %w", err)
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create inserts a new queued task.
func (s *Store) Create(ctx context.Context, t *models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, goal, status, created_at, log_path)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Goal, string(t.Status), t.CreatedAt, t.LogPath)
	if err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// Get retrieves a task by id, returning (nil, nil) if it does not exist.
func (s *Store) Get(ctx context.Context, id string) (*models.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, goal, status, created_at, started_at, finished_at, log_path, result_text
		FROM tasks WHERE id = ?
	`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	return t, nil
}

// List returns every task ordered oldest-first.
func (s *Store) List(ctx context.Context) ([]*models.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, goal, status, created_at, started_at, finished_at, log_path, result_text
		FROM tasks ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("tasks: list: %w", err)
	}
	defer rows.Close()

	var out []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("tasks: scan: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// MarkRunning transitions a task to running and stamps started_at.
func (s *Store) MarkRunning(ctx context.Context, id string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, started_at = ? WHERE id = ?
	`, string(models.TaskRunning), now, id)
	if err != nil {
		return fmt.Errorf("tasks: mark running: %w", err)
	}
	return nil
}

// Finish transitions a task to a terminal status, stamps finished_at, and
// records its result text.
func (s *Store) Finish(ctx context.Context, id string, status models.TaskStatus, resultText string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, finished_at = ?, result_text = ? WHERE id = ?
	`, string(status), now, resultText, id)
	if err != nil {
		return fmt.Errorf("tasks: finish: %w", err)
	}
	return nil
}

// ScrubRunning implements the crash-recovery step: any task still marked
// running when the store is opened belongs to a worker that never got to
// finish it, so it is force-failed.
func (s *Store) ScrubRunning(ctx context.Context) (int, error) {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, finished_at = ?, result_text = ?
		WHERE status = ?
	`, string(models.TaskFailed), now, "worker restarted mid-task", string(models.TaskRunning))
	if err != nil {
		return 0, fmt.Errorf("tasks: scrub running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("tasks: scrub running rows affected: %w", err)
	}
	return int(n), nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*models.Task, error) {
	var (
		t          models.Task
		status     string
		startedAt  sql.NullTime
		finishedAt sql.NullTime
		resultText sql.NullString
	)
	err := row.Scan(&t.ID, &t.Goal, &status, &t.CreatedAt, &startedAt, &finishedAt, &t.LogPath, &resultText)
	if err != nil {
		return nil, err
	}
	t.Status = models.TaskStatus(status)
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if finishedAt.Valid {
		t.FinishedAt = &finishedAt.Time
	}
	if resultText.Valid {
		t.ResultText = resultText.String
	}
	return &t, nil
}
