package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// InsertTask persists a new task in todo status.
func (s *Store) InsertTask(ctx context.Context, t *Task) error {
	now := millis(s.now())
	var runAfter any
	if t.RunAfter != nil {
		runAfter = millis(*t.RunAfter)
	}
	input := string(t.Input)
	if input == "" {
		input = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, type, input, file_path, status, version, attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'todo', 0, 0, ?, ?, ?)`,
		t.ID, t.Type, input, t.FilePath, runAfter, now, now)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns a task by id, or nil if unknown.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// NextEligibleTask returns the oldest task that is todo, or failed with
// run_after due, optionally filtered to the given types. Returns nil when
// nothing is eligible.
func (s *Store) NextEligibleTask(ctx context.Context, types []string) (*Task, error) {
	now := millis(s.now())
	query := taskSelect + `
		WHERE (status = 'todo' OR (status = 'failed' AND run_after IS NOT NULL AND run_after <= ?))`
	args := []any{now}

	if len(types) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(types)), ",")
		query += ` AND type IN (` + placeholders + `)`
		for _, tp := range types {
			args = append(args, tp)
		}
	}
	query += ` ORDER BY created_at LIMIT 1`

	row := s.db.QueryRowContext(ctx, query, args...)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next eligible task: %w", err)
	}
	return t, nil
}

// ClaimTask attempts the optimistic claim: the update succeeds only if the
// row's (status, version) still match what the caller read, guaranteeing at
// most one worker executes a given task even under concurrent pollers.
// Returns errors.ClaimConflict when another worker won the race.
func (s *Store) ClaimTask(ctx context.Context, t *Task) (*Task, error) {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET status = 'in-progress', version = version + 1, last_attempt_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND version = ?`,
		now, now, t.ID, t.Status, t.Version)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
	}
	if n == 0 {
		return nil, pipeerrors.ClaimConflict
	}
	return s.GetTask(ctx, t.ID)
}

// CompleteTask records a successful execution.
func (s *Store) CompleteTask(ctx context.Context, id string, output string) error {
	now := millis(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'success', output = ?, error = NULL, completed_at = ?, updated_at = ?
		WHERE id = ? AND status = 'in-progress'`,
		output, now, now, id)
	if err != nil {
		return fmt.Errorf("complete task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete task %s: not in progress", id)
	}
	return nil
}

// FailTask records a handler failure, increments attempts, and pushes
// run_after forward so the task becomes eligible again later. A nil
// runAfter clears eligibility: the task stays failed permanently until
// re-enqueued manually.
func (s *Store) FailTask(ctx context.Context, id string, errMsg string, runAfter *time.Time) error {
	now := millis(s.now())
	var due any
	if runAfter != nil {
		due = millis(*runAfter)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'failed', error = ?, attempts = attempts + 1, run_after = ?, updated_at = ?
		WHERE id = ? AND status = 'in-progress'`,
		errMsg, due, now, id)
	if err != nil {
		return fmt.Errorf("fail task %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("fail task %s: not in progress", id)
	}
	return nil
}

// ReapStaleTasks sweeps abandoned in-progress tasks (last attempt older than
// the liveness timeout) back to todo so surviving workers can pick them up.
// Returns the number of reclaimed tasks.
func (s *Store) ReapStaleTasks(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := millis(s.now().Add(-olderThan))
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = 'todo', version = version + 1, updated_at = ?
		WHERE status = 'in-progress' AND last_attempt_at IS NOT NULL AND last_attempt_at < ?`,
		millis(s.now()), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reap stale tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// ListTasksForFile returns tasks referencing a path, newest first.
func (s *Store) ListTasksForFile(ctx context.Context, filePath string) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, taskSelect+` WHERE file_path = ? ORDER BY created_at DESC`, filePath)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", filePath, err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListRecentTasks returns the newest tasks up to limit, optionally filtered
// by status.
func (s *Store) ListRecentTasks(ctx context.Context, status TaskStatus, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 50
	}
	query := taskSelect
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list recent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

const taskSelect = `
	SELECT id, type, input, file_path, status, version, attempts, last_attempt_at,
	       output, error, run_after, created_at, updated_at, completed_at
	FROM tasks`

func scanTask(r rowScanner) (*Task, error) {
	var t Task
	var input string
	var lastAttemptAt, runAfter, completedAt sql.NullInt64
	var createdAt, updatedAt int64
	if err := r.Scan(&t.ID, &t.Type, &input, &t.FilePath, &t.Status, &t.Version,
		&t.Attempts, &lastAttemptAt, &t.Output, &t.Error, &runAfter,
		&createdAt, &updatedAt, &completedAt); err != nil {
		return nil, err
	}
	t.Input = []byte(input)
	if lastAttemptAt.Valid {
		v := fromMillis(lastAttemptAt.Int64)
		t.LastAttemptAt = &v
	}
	if runAfter.Valid {
		v := fromMillis(runAfter.Int64)
		t.RunAfter = &v
	}
	if completedAt.Valid {
		v := fromMillis(completedAt.Int64)
		t.CompletedAt = &v
	}
	t.CreatedAt = fromMillis(createdAt)
	t.UpdatedAt = fromMillis(updatedAt)
	return &t, nil
}
