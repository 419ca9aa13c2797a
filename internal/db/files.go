package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// UpsertFile inserts or updates a file record keyed by path, preserving the
// original created_at on update.
func (s *Store) UpsertFile(ctx context.Context, f *FileRecord) error {
	now := millis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO files (path, name, is_folder, size, mime_type, hash, text_preview, modified_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET
			name = excluded.name,
			is_folder = excluded.is_folder,
			size = excluded.size,
			mime_type = excluded.mime_type,
			hash = excluded.hash,
			text_preview = excluded.text_preview,
			modified_at = excluded.modified_at,
			updated_at = excluded.updated_at`,
		f.Path, f.Name, boolToInt(f.IsFolder), f.Size, f.MimeType, f.Hash,
		f.TextPreview, millis(f.ModifiedAt), now, now)
	if err != nil {
		return fmt.Errorf("upsert file %s: %w", f.Path, err)
	}
	return nil
}

// GetFile returns the record for a path, or nil if the path was never
// tracked.
func (s *Store) GetFile(ctx context.Context, path string) (*FileRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT path, name, is_folder, size, mime_type, hash, text_preview, modified_at, created_at, updated_at
		FROM files WHERE path = ?`, path)

	f, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get file %s: %w", path, err)
	}
	return f, nil
}

// ListFiles returns all tracked file records ordered by path.
func (s *Store) ListFiles(ctx context.Context) ([]*FileRecord, error) {
	return s.queryFiles(ctx, `
		SELECT path, name, is_folder, size, mime_type, hash, text_preview, modified_at, created_at, updated_at
		FROM files ORDER BY path`)
}

// ListFilesUnder returns file records whose path is under the given folder
// prefix (not including the folder itself).
func (s *Store) ListFilesUnder(ctx context.Context, prefix string) ([]*FileRecord, error) {
	return s.queryFiles(ctx, `
		SELECT path, name, is_folder, size, mime_type, hash, text_preview, modified_at, created_at, updated_at
		FROM files WHERE path LIKE ? ESCAPE '\' ORDER BY path`, likePrefix(prefix+"/"))
}

// ListRegularFiles returns all non-folder records ordered by path.
// Used for placeholder creation and administrative digester resets.
func (s *Store) ListRegularFiles(ctx context.Context) ([]*FileRecord, error) {
	return s.queryFiles(ctx, `
		SELECT path, name, is_folder, size, mime_type, hash, text_preview, modified_at, created_at, updated_at
		FROM files WHERE is_folder = 0 ORDER BY path`)
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]*FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query files: %w", err)
	}
	defer rows.Close()

	var files []*FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		files = append(files, f)
	}
	return files, rows.Err()
}

// scanner abstracts *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(r rowScanner) (*FileRecord, error) {
	var f FileRecord
	var isFolder int
	var modifiedAt, createdAt, updatedAt int64
	if err := r.Scan(&f.Path, &f.Name, &isFolder, &f.Size, &f.MimeType,
		&f.Hash, &f.TextPreview, &modifiedAt, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	f.IsFolder = isFolder != 0
	f.ModifiedAt = fromMillis(modifiedAt)
	f.CreatedAt = fromMillis(createdAt)
	f.UpdatedAt = fromMillis(updatedAt)
	return &f, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
