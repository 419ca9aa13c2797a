package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// UpsertSyncRecord creates or refreshes a search-sync record with content
// mirrored from digests. Both engine status fields reset to pending when the
// content hash changed; they are left alone otherwise, so an unchanged
// re-completion never perturbs engine state.
func (s *Store) UpsertSyncRecord(ctx context.Context, r *SearchSyncRecord) error {
	now := millis(s.now())
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO search_sync (doc_id, file_path, content, summary, tags, content_hash,
			keyword_status, vector_status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'pending', 'pending', ?, ?)
		ON CONFLICT(doc_id) DO UPDATE SET
			file_path = excluded.file_path,
			content = excluded.content,
			summary = excluded.summary,
			tags = excluded.tags,
			keyword_status = CASE WHEN search_sync.content_hash != excluded.content_hash
				THEN 'pending' ELSE search_sync.keyword_status END,
			vector_status = CASE WHEN search_sync.content_hash != excluded.content_hash
				THEN 'pending' ELSE search_sync.vector_status END,
			content_hash = excluded.content_hash,
			updated_at = excluded.updated_at`,
		r.DocID, r.FilePath, r.Content, r.Summary, r.Tags, r.ContentHash, now, now)
	if err != nil {
		return fmt.Errorf("upsert sync record %s: %w", r.DocID, err)
	}
	return nil
}

// GetSyncRecord returns a record by document id, or nil if unknown.
func (s *Store) GetSyncRecord(ctx context.Context, docID string) (*SearchSyncRecord, error) {
	row := s.db.QueryRowContext(ctx, syncSelect+` WHERE doc_id = ?`, docID)
	r, err := scanSyncRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync record %s: %w", docID, err)
	}
	return r, nil
}

// GetSyncRecords returns records for a batch of document ids.
func (s *Store) GetSyncRecords(ctx context.Context, docIDs []string) ([]*SearchSyncRecord, error) {
	if len(docIDs) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(docIDs)), ",")
	args := make([]any, len(docIDs))
	for i, id := range docIDs {
		args[i] = id
	}

	rows, err := s.db.QueryContext(ctx, syncSelect+` WHERE doc_id IN (`+placeholders+`) ORDER BY doc_id`, args...)
	if err != nil {
		return nil, fmt.Errorf("get sync records: %w", err)
	}
	defer rows.Close()

	var records []*SearchSyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SyncRecordsForFile returns the records owned by a file path.
func (s *Store) SyncRecordsForFile(ctx context.Context, filePath string) ([]*SearchSyncRecord, error) {
	rows, err := s.db.QueryContext(ctx, syncSelect+` WHERE file_path = ? ORDER BY doc_id`, filePath)
	if err != nil {
		return nil, fmt.Errorf("sync records for %s: %w", filePath, err)
	}
	defer rows.Close()

	var records []*SearchSyncRecord
	for rows.Next() {
		r, err := scanSyncRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// SyncDocIDsUnder returns the document ids owned by a path or any of its
// descendants. Called before the delete cascade so engine-side deletions
// can still be enqueued.
func (s *Store) SyncDocIDsUnder(ctx context.Context, path string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT doc_id FROM search_sync WHERE file_path = ? OR file_path LIKE ? ESCAPE '\' ORDER BY doc_id`,
		path, likePrefix(path+"/"))
	if err != nil {
		return nil, fmt.Errorf("sync doc ids under %s: %w", path, err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SetEngineStatus updates one engine's status fields on a batch of records.
// Only the named engine's columns change; the other engine is untouched.
func (s *Store) SetEngineStatus(ctx context.Context, engine Engine, docIDs []string, status SyncStatus, taskID, errMsg *string) error {
	if len(docIDs) == 0 {
		return nil
	}

	var statusCol, taskCol, errCol string
	switch engine {
	case EngineKeyword:
		statusCol, taskCol, errCol = "keyword_status", "keyword_task_id", "keyword_error"
	case EngineVector:
		statusCol, taskCol, errCol = "vector_status", "vector_task_id", "vector_error"
	default:
		return fmt.Errorf("unknown engine %q", engine)
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(docIDs)), ",")
	args := []any{status, taskID, errMsg, millis(s.now())}
	for _, id := range docIDs {
		args = append(args, id)
	}

	query := fmt.Sprintf(`
		UPDATE search_sync SET %s = ?, %s = ?, %s = ?, updated_at = ?
		WHERE doc_id IN (%s)`, statusCol, taskCol, errCol, placeholders)
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("set %s status: %w", engine, err)
	}
	return nil
}

// ClearSyncStatuses resets one engine's status to pending on every record.
// Backs the administrative reset of a search digester.
func (s *Store) ClearSyncStatuses(ctx context.Context, engine Engine) error {
	var statusCol, taskCol, errCol string
	switch engine {
	case EngineKeyword:
		statusCol, taskCol, errCol = "keyword_status", "keyword_task_id", "keyword_error"
	case EngineVector:
		statusCol, taskCol, errCol = "vector_status", "vector_task_id", "vector_error"
	default:
		return fmt.Errorf("unknown engine %q", engine)
	}
	query := fmt.Sprintf(`
		UPDATE search_sync SET %s = 'pending', %s = NULL, %s = NULL, updated_at = ?`,
		statusCol, taskCol, errCol)
	if _, err := s.db.ExecContext(ctx, query, millis(s.now())); err != nil {
		return fmt.Errorf("clear %s statuses: %w", engine, err)
	}
	return nil
}

const syncSelect = `
	SELECT doc_id, file_path, content, summary, tags, content_hash,
	       keyword_status, keyword_task_id, keyword_error,
	       vector_status, vector_task_id, vector_error,
	       created_at, updated_at
	FROM search_sync`

func scanSyncRecord(r rowScanner) (*SearchSyncRecord, error) {
	var rec SearchSyncRecord
	var createdAt, updatedAt int64
	if err := r.Scan(&rec.DocID, &rec.FilePath, &rec.Content, &rec.Summary,
		&rec.Tags, &rec.ContentHash,
		&rec.KeywordStatus, &rec.KeywordTaskID, &rec.KeywordError,
		&rec.VectorStatus, &rec.VectorTaskID, &rec.VectorError,
		&createdAt, &updatedAt); err != nil {
		return nil, err
	}
	rec.CreatedAt = fromMillis(createdAt)
	rec.UpdatedAt = fromMillis(updatedAt)
	return &rec, nil
}
