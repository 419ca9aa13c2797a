package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// WriteBlob stores a binary digester artifact in the sqlar table. Names are
// namespaced under the owning file's path (e.g. "notes/a.md/screenshot.png")
// so the delete cascade can remove them by prefix.
func (s *Store) WriteBlob(ctx context.Context, name string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sqlar (name, mode, mtime, sz, data)
		VALUES (?, 420, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			mtime = excluded.mtime,
			sz = excluded.sz,
			data = excluded.data`,
		name, s.now().Unix(), len(data), data)
	if err != nil {
		return fmt.Errorf("write blob %s: %w", name, err)
	}
	return nil
}

// ReadBlob returns a stored artifact, or nil if absent.
func (s *Store) ReadBlob(ctx context.Context, name string) ([]byte, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx, `SELECT data FROM sqlar WHERE name = ?`, name).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", name, err)
	}
	return data, nil
}
