// Vigil - Application Security Monitoring and Issue Ledger
// Copyright 2026 Vigil Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/vigilsec/vigil

package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/vigilsec/vigil/internal/logging"
)

// TaskStore is the persistence contract of the queue.
type TaskStore interface {
	InsertTask(ctx context.Context, task *Task) error

	// DueTasks returns pending/retry tasks whose next attempt time has
	// passed, oldest first.
	DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error)

	// ClaimTask atomically transitions a task from pending/retry to
	// sending. Returns false when another pass already claimed it.
	ClaimTask(ctx context.Context, id string) (bool, error)

	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time, errMsg string) error
	MarkFailed(ctx context.Context, id string, errMsg string) error

	GetTask(ctx context.Context, id string) (*Task, error)

	// ListTasks returns tasks newest first, optionally filtered by status.
	ListTasks(ctx context.Context, status string, limit, offset int) ([]Task, error)

	// ReviveTask transitions a failed task back to pending for another
	// delivery cycle. Returns false when the task is not failed.
	ReviveTask(ctx context.Context, id string, nextAttempt time.Time) (bool, error)

	CountByStatus(ctx context.Context) (map[string]int64, error)

	// PurgeTerminal deletes sent/failed tasks older than the cutoff.
	PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error)
}

// DuckDBStore implements TaskStore using DuckDB as the backend storage.
type DuckDBStore struct {
	db *sql.DB
}

// NewDuckDBStore creates a new DuckDB-backed task store.
func NewDuckDBStore(db *sql.DB) *DuckDBStore {
	return &DuckDBStore{db: db}
}

const taskSelectColumns = `id, channel_name, issue_id, status, message, context_blob,
	retry_count, next_attempt_at, last_attempt, sent_at, error_message, created_at`

// InitSchema creates the notification_tasks table if it doesn't exist.
func (s *DuckDBStore) InitSchema(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS notification_tasks (
			id TEXT PRIMARY KEY,
			channel_name TEXT NOT NULL,
			issue_id BIGINT NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			message JSON NOT NULL,
			context_blob JSON,
			retry_count INTEGER DEFAULT 0,
			next_attempt_at TIMESTAMP NOT NULL,
			last_attempt TIMESTAMP,
			sent_at TIMESTAMP,
			error_message TEXT,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON notification_tasks(status)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_next_attempt ON notification_tasks(next_attempt_at)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_issue ON notification_tasks(issue_id)`,
	}

	for _, query := range queries {
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("failed to execute schema query: %w", err)
		}
	}

	// Force a checkpoint after creating tables to flush the WAL.
	if _, err := s.db.ExecContext(ctx, "CHECKPOINT"); err != nil {
		logging.Warn().Err(err).Msg("Failed to checkpoint after dispatch schema initialization")
	}

	return nil
}

// InsertTask persists a new task.
func (s *DuckDBStore) InsertTask(ctx context.Context, task *Task) error {
	query := `INSERT INTO notification_tasks
		(id, channel_name, issue_id, status, message, context_blob, retry_count, next_attempt_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`

	// Cast blobs to []byte to avoid DuckDB driver issue with json.RawMessage
	var message, contextBlob []byte
	if task.Message != nil {
		message = []byte(task.Message)
	}
	if task.Context != nil {
		contextBlob = []byte(task.Context)
	}

	_, err := s.db.ExecContext(ctx, query,
		task.ID,
		task.ChannelName,
		task.IssueID,
		task.Status,
		message,
		contextBlob,
		task.RetryCount,
		task.NextAttemptAt,
		task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification task: %w", err)
	}

	return nil
}

// DueTasks returns tasks ready for a delivery attempt, oldest first.
func (s *DuckDBStore) DueTasks(ctx context.Context, now time.Time, limit int) ([]Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM notification_tasks
		WHERE status IN (?, ?) AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
		LIMIT ?`, taskSelectColumns)

	rows, err := s.db.QueryContext(ctx, query, StatusPending, StatusRetry, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetTask returns a task by id, or nil when it doesn't exist.
func (s *DuckDBStore) GetTask(ctx context.Context, id string) (*Task, error) {
	query := fmt.Sprintf(`SELECT %s FROM notification_tasks WHERE id = ?`, taskSelectColumns)

	var task Task
	err := scanTaskRow(s.db.QueryRowContext(ctx, query, id), &task)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get notification task: %w", err)
	}
	return &task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (s *DuckDBStore) ListTasks(ctx context.Context, status string, limit, offset int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`SELECT %s FROM notification_tasks`, taskSelectColumns)
	args := []interface{}{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notification tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ReviveTask moves a failed task back to pending with a reset retry
// budget.
func (s *DuckDBStore) ReviveTask(ctx context.Context, id string, nextAttempt time.Time) (bool, error) {
	query := `UPDATE notification_tasks
		SET status = ?, retry_count = 0, next_attempt_at = ?, error_message = NULL
		WHERE id = ? AND status = ?`

	result, err := s.db.ExecContext(ctx, query, StatusPending, nextAttempt, id, StatusFailed)
	if err != nil {
		return false, fmt.Errorf("failed to revive task: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read revive result: %w", err)
	}
	return affected == 1, nil
}

// ClaimTask atomically transitions pending/retry to sending, so a
// concurrent processing pass never double-delivers the same task.
func (s *DuckDBStore) ClaimTask(ctx context.Context, id string) (bool, error) {
	query := `UPDATE notification_tasks
		SET status = ?, last_attempt = ?
		WHERE id = ? AND status IN (?, ?)`

	result, err := s.db.ExecContext(ctx, query, StatusSending, time.Now().UTC(), id, StatusPending, StatusRetry)
	if err != nil {
		return false, fmt.Errorf("failed to claim task: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read claim result: %w", err)
	}
	return affected == 1, nil
}

// MarkSent records a successful delivery.
func (s *DuckDBStore) MarkSent(ctx context.Context, id string, at time.Time) error {
	query := `UPDATE notification_tasks SET status = ?, sent_at = ?, error_message = NULL WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusSent, at, id); err != nil {
		return fmt.Errorf("failed to mark task sent: %w", err)
	}
	return nil
}

// MarkRetry schedules a transient failure for another attempt.
func (s *DuckDBStore) MarkRetry(ctx context.Context, id string, retryCount int, nextAttempt time.Time, errMsg string) error {
	query := `UPDATE notification_tasks
		SET status = ?, retry_count = ?, next_attempt_at = ?, error_message = ?
		WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusRetry, retryCount, nextAttempt, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark task for retry: %w", err)
	}
	return nil
}

// MarkFailed records a permanent failure with its error text.
func (s *DuckDBStore) MarkFailed(ctx context.Context, id string, errMsg string) error {
	query := `UPDATE notification_tasks SET status = ?, error_message = ? WHERE id = ?`
	if _, err := s.db.ExecContext(ctx, query, StatusFailed, errMsg, id); err != nil {
		return fmt.Errorf("failed to mark task failed: %w", err)
	}
	return nil
}

// CountByStatus returns task counts grouped by status.
func (s *DuckDBStore) CountByStatus(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM notification_tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64)
	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan task count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// PurgeTerminal deletes terminal tasks whose creation predates the cutoff.
func (s *DuckDBStore) PurgeTerminal(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM notification_tasks
		WHERE status IN (?, ?) AND created_at < ?`

	result, err := s.db.ExecContext(ctx, query, StatusSent, StatusFailed, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to purge terminal tasks: %w", err)
	}

	removed, err := result.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return removed, nil
}

// scanTaskRow scans a single task row with nullable fields handling.
func scanTaskRow(scanner interface {
	Scan(dest ...interface{}) error
}, task *Task) error {
	var lastAttempt, sentAt sql.NullTime
	var errorMessage sql.NullString
	var message, contextBlob interface{} // DuckDB returns JSON as map values

	if err := scanner.Scan(
		&task.ID,
		&task.ChannelName,
		&task.IssueID,
		&task.Status,
		&message,
		&contextBlob,
		&task.RetryCount,
		&task.NextAttemptAt,
		&lastAttempt,
		&sentAt,
		&errorMessage,
		&task.CreatedAt,
	); err != nil {
		return err
	}

	if lastAttempt.Valid {
		task.LastAttempt = lastAttempt.Time
	}
	if sentAt.Valid {
		task.SentAt = sentAt.Time
	}
	task.ErrorMessage = errorMessage.String

	if message != nil {
		if msgBytes, err := json.Marshal(message); err == nil {
			task.Message = msgBytes
		}
	}
	if contextBlob != nil {
		if ctxBytes, err := json.Marshal(contextBlob); err == nil {
			task.Context = ctxBytes
		}
	}

	return nil
}

func scanTasks(rows *sql.Rows) ([]Task, error) {
	var tasks []Task
	for rows.Next() {
		var task Task
		if err := scanTaskRow(rows, &task); err != nil {
			return nil, fmt.Errorf("failed to scan notification task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}
