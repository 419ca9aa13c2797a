package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// Store is the SQLite-backed metadata store.
type Store struct {
	db   *sql.DB
	path string

	// now is injectable for deterministic timestamps in tests.
	now func() time.Time
}

// Open opens (or creates) the metadata store at path.
// If path is empty, an in-memory store is created for testing.
// WAL mode allows concurrent readers while the single writer connection
// serializes writes.
func Open(path string) (*Store, error) {
	dsn := ":memory:"
	if path != "" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(0)

	// DSN params may be ignored by modernc.org/sqlite; set pragmas explicitly
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := sqlDB.Exec(pragma); err != nil {
			_ = sqlDB.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &Store{db: sqlDB, path: path, now: time.Now}
	if err := s.initSchema(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// initSchema creates all tables. updated_at columns exist for observability
// only; concurrency control is the version column on tasks and the
// unique-key upserts on files/digests.
func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS files (
		path         TEXT PRIMARY KEY,
		name         TEXT NOT NULL,
		is_folder    INTEGER NOT NULL DEFAULT 0,
		size         INTEGER NOT NULL DEFAULT 0,
		mime_type    TEXT NOT NULL DEFAULT '',
		hash         TEXT NOT NULL DEFAULT '',
		text_preview TEXT NOT NULL DEFAULT '',
		modified_at  INTEGER NOT NULL DEFAULT 0,
		created_at   INTEGER NOT NULL,
		updated_at   INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS digests (
		file_path  TEXT NOT NULL,
		digester   TEXT NOT NULL,
		status     TEXT NOT NULL DEFAULT 'todo',
		content    TEXT,
		sqlar_name TEXT,
		error      TEXT,
		attempts   INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL,
		UNIQUE(file_path, digester)
	);
	CREATE INDEX IF NOT EXISTS idx_digests_status ON digests(status);

	CREATE TABLE IF NOT EXISTS tasks (
		id              TEXT PRIMARY KEY,
		type            TEXT NOT NULL,
		input           TEXT NOT NULL DEFAULT '{}',
		file_path       TEXT NOT NULL DEFAULT '',
		status          TEXT NOT NULL DEFAULT 'todo',
		version         INTEGER NOT NULL DEFAULT 0,
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_attempt_at INTEGER,
		output          TEXT,
		error           TEXT,
		run_after       INTEGER,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL,
		completed_at    INTEGER
	);
	CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, run_after, created_at);
	CREATE INDEX IF NOT EXISTS idx_tasks_file_path ON tasks(file_path);

	CREATE TABLE IF NOT EXISTS search_sync (
		doc_id          TEXT PRIMARY KEY,
		file_path       TEXT NOT NULL,
		content         TEXT NOT NULL DEFAULT '',
		summary         TEXT NOT NULL DEFAULT '',
		tags            TEXT NOT NULL DEFAULT '',
		content_hash    TEXT NOT NULL DEFAULT '',
		keyword_status  TEXT NOT NULL DEFAULT 'pending',
		keyword_task_id TEXT,
		keyword_error   TEXT,
		vector_status   TEXT NOT NULL DEFAULT 'pending',
		vector_task_id  TEXT,
		vector_error    TEXT,
		created_at      INTEGER NOT NULL,
		updated_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_search_sync_file_path ON search_sync(file_path);

	-- SQLite Archive table for binary digester artifacts (screenshots etc.)
	CREATE TABLE IF NOT EXISTS sqlar (
		name  TEXT PRIMARY KEY,
		mode  INTEGER NOT NULL DEFAULT 420,
		mtime INTEGER NOT NULL,
		sz    INTEGER NOT NULL,
		data  BLOB
	);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the store, checkpointing the WAL first.
func (s *Store) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// DeletePath removes a file (or folder and every descendant) and everything
// derived from it: digests, tasks referencing the path, search-sync records,
// and sqlar blobs under the path's namespace. This is the centralized delete
// operation; every deletion in the pipeline goes through it.
func (s *Store) DeletePath(ctx context.Context, path string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	prefix := path + "/"
	stmts := []struct {
		query string
		args  []any
	}{
		{`DELETE FROM files WHERE path = ? OR path LIKE ? ESCAPE '\'`, []any{path, likePrefix(prefix)}},
		{`DELETE FROM digests WHERE file_path = ? OR file_path LIKE ? ESCAPE '\'`, []any{path, likePrefix(prefix)}},
		{`DELETE FROM tasks WHERE file_path = ? OR file_path LIKE ? ESCAPE '\'`, []any{path, likePrefix(prefix)}},
		{`DELETE FROM search_sync WHERE file_path = ? OR file_path LIKE ? ESCAPE '\'`, []any{path, likePrefix(prefix)}},
		{`DELETE FROM sqlar WHERE name = ? OR name LIKE ? ESCAPE '\'`, []any{path, likePrefix(prefix)}},
	}
	for _, st := range stmts {
		if _, err := tx.ExecContext(ctx, st.query, st.args...); err != nil {
			return fmt.Errorf("delete cascade for %s: %w", path, err)
		}
	}

	return tx.Commit()
}

// likePrefix escapes LIKE metacharacters in a literal prefix and appends
// the wildcard, so paths containing % or _ cascade correctly.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}
