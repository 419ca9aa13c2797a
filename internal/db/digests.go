package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// EnsureDigestPlaceholders creates todo rows for the given (file, digester)
// pairs that do not exist yet. Existing rows are left untouched.
func (s *Store) EnsureDigestPlaceholders(ctx context.Context, filePath string, digesters []string) error {
	if len(digesters) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := millis(s.now())
	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO digests (file_path, digester, status, created_at, updated_at)
		VALUES (?, ?, 'todo', ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare placeholder insert: %w", err)
	}
	defer stmt.Close()

	for _, d := range digesters {
		if _, err := stmt.ExecContext(ctx, filePath, d, now, now); err != nil {
			return fmt.Errorf("placeholder %s/%s: %w", filePath, d, err)
		}
	}
	return tx.Commit()
}

// GetDigests returns all digest rows for a file in digester-name order.
func (s *Store) GetDigests(ctx context.Context, filePath string) ([]*Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, digester, status, content, sqlar_name, error, attempts, created_at, updated_at
		FROM digests WHERE file_path = ? ORDER BY digester`, filePath)
	if err != nil {
		return nil, fmt.Errorf("query digests for %s: %w", filePath, err)
	}
	defer rows.Close()

	var digests []*Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

// GetDigest returns one digest row, or nil if it does not exist.
func (s *Store) GetDigest(ctx context.Context, filePath, digester string) (*Digest, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT file_path, digester, status, content, sqlar_name, error, attempts, created_at, updated_at
		FROM digests WHERE file_path = ? AND digester = ?`, filePath, digester)

	d, err := scanDigest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get digest %s/%s: %w", filePath, digester, err)
	}
	return d, nil
}

// MarkDigestInProgress transitions a digest row to in-progress.
func (s *Store) MarkDigestInProgress(ctx context.Context, filePath, digester string) error {
	return s.updateDigest(ctx, `
		UPDATE digests SET status = 'in-progress', updated_at = ?
		WHERE file_path = ? AND digester = ?`, millis(s.now()), filePath, digester)
}

// CompleteDigest records a successful digest run, clearing any prior error.
func (s *Store) CompleteDigest(ctx context.Context, filePath, digester string, content, sqlarName *string) error {
	return s.updateDigest(ctx, `
		UPDATE digests SET status = 'completed', content = ?, sqlar_name = ?, error = NULL, updated_at = ?
		WHERE file_path = ? AND digester = ?`,
		content, sqlarName, millis(s.now()), filePath, digester)
}

// SkipDigest marks a digest as deliberately skipped.
func (s *Store) SkipDigest(ctx context.Context, filePath, digester string) error {
	return s.updateDigest(ctx, `
		UPDATE digests SET status = 'skipped', error = NULL, updated_at = ?
		WHERE file_path = ? AND digester = ?`, millis(s.now()), filePath, digester)
}

// FailDigest records a digester failure on its own row, incrementing the
// attempt counter. Sibling digesters are unaffected.
func (s *Store) FailDigest(ctx context.Context, filePath, digester, errMsg string) error {
	return s.updateDigest(ctx, `
		UPDATE digests SET status = 'failed', error = ?, attempts = attempts + 1, updated_at = ?
		WHERE file_path = ? AND digester = ?`, errMsg, millis(s.now()), filePath, digester)
}

// ResetDigestsForFile resets every digester's row for a file back to todo,
// except the named one. Previous content is kept so the next completion can
// still be compared against it for cascade decisions.
func (s *Store) ResetDigestsForFile(ctx context.Context, filePath, except string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE digests SET status = 'todo', error = NULL, attempts = 0, updated_at = ?
		WHERE file_path = ? AND digester != ?`, millis(s.now()), filePath, except)
	if err != nil {
		return fmt.Errorf("reset digests for %s: %w", filePath, err)
	}
	return nil
}

// ResetDigestToTodo resets a single digest row back to todo.
func (s *Store) ResetDigestToTodo(ctx context.Context, filePath, digester string) error {
	return s.updateDigest(ctx, `
		UPDATE digests SET status = 'todo', error = NULL, attempts = 0, updated_at = ?
		WHERE file_path = ? AND digester = ?`, millis(s.now()), filePath, digester)
}

// ResetDigester deletes all rows for one digester across all files and
// recreates todo placeholders for every existing regular file. This backs
// the administrative "reprocess everything with digester X" operation.
func (s *Store) ResetDigester(ctx context.Context, digester string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM digests WHERE digester = ?`, digester); err != nil {
		return 0, fmt.Errorf("delete digester rows %s: %w", digester, err)
	}

	now := millis(s.now())
	res, err := tx.ExecContext(ctx, `
		INSERT INTO digests (file_path, digester, status, created_at, updated_at)
		SELECT path, ?, 'todo', ?, ? FROM files WHERE is_folder = 0`, digester, now, now)
	if err != nil {
		return 0, fmt.Errorf("recreate placeholders for %s: %w", digester, err)
	}

	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return int(n), nil
}

// ListDigestsByStatus returns digest rows in a given status, oldest first.
func (s *Store) ListDigestsByStatus(ctx context.Context, status DigestStatus, limit int) ([]*Digest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT file_path, digester, status, content, sqlar_name, error, attempts, created_at, updated_at
		FROM digests WHERE status = ? ORDER BY updated_at LIMIT ?`, status, limit)
	if err != nil {
		return nil, fmt.Errorf("query digests by status: %w", err)
	}
	defer rows.Close()

	var digests []*Digest
	for rows.Next() {
		d, err := scanDigest(rows)
		if err != nil {
			return nil, err
		}
		digests = append(digests, d)
	}
	return digests, rows.Err()
}

func (s *Store) updateDigest(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update digest: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update digest: no such row")
	}
	return nil
}

func scanDigest(r rowScanner) (*Digest, error) {
	var d Digest
	var createdAt, updatedAt int64
	if err := r.Scan(&d.FilePath, &d.Digester, &d.Status, &d.Content,
		&d.SqlarName, &d.Error, &d.Attempts, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	d.CreatedAt = fromMillis(createdAt)
	d.UpdatedAt = fromMillis(updatedAt)
	return &d, nil
}
