// Package db provides the metadata store: durable SQLite persistence for
// file records, digest records, task records, and search-sync records.
// It is the single arbiter of truth for the pipeline; all cross-component
// coordination is expressed as row-level compare-and-swap or unique-key
// upserts against it.
package db

import (
	"encoding/json"
	"time"
)

// FileRecord is a tracked file or folder, keyed by its POSIX-style path
// relative to the storage root.
type FileRecord struct {
	Path        string
	Name        string
	IsFolder    bool
	Size        int64
	MimeType    string
	Hash        string // content fingerprint; empty above the size threshold
	TextPreview string // first N lines, text-like files only
	ModifiedAt  time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// DigestStatus represents the status of a digest row.
type DigestStatus string

const (
	DigestStatusTodo       DigestStatus = "todo"
	DigestStatusInProgress DigestStatus = "in-progress"
	DigestStatusCompleted  DigestStatus = "completed"
	DigestStatusFailed     DigestStatus = "failed"
	DigestStatusSkipped    DigestStatus = "skipped"
)

// Digest is one digester's state and output for one file.
// Identity is (FilePath, Digester), enforced unique.
type Digest struct {
	FilePath  string
	Digester  string
	Status    DigestStatus
	Content   *string // structured text/JSON produced by the digester
	SqlarName *string // pointer into the sqlar blob table for binary artifacts
	Error     *string
	Attempts  int
	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskStatus represents the status of a queued task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusSuccess    TaskStatus = "success"
	TaskStatusFailed     TaskStatus = "failed"
)

// Task is a durable asynchronous job. Version is the optimistic-concurrency
// counter checked at claim time: the claiming UPDATE only succeeds if the
// row's version still matches what the worker read.
type Task struct {
	ID            string
	Type          string
	Input         json.RawMessage
	FilePath      string // owning file path for delete cascades; empty if none
	Status        TaskStatus
	Version       int
	Attempts      int
	LastAttemptAt *time.Time
	Output        *string
	Error         *string
	RunAfter      *time.Time // earliest eligible execution time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// SyncStatus represents one engine's view of an indexable document.
type SyncStatus string

const (
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusIndexing SyncStatus = "indexing"
	SyncStatusIndexed  SyncStatus = "indexed"
	SyncStatusDeleting SyncStatus = "deleting"
	SyncStatusDeleted  SyncStatus = "deleted"
	SyncStatusError    SyncStatus = "error"
)

// SearchSyncRecord tracks whether a document is reflected in each external
// search engine. The two status fields are independent so one engine's
// outage never blocks the other. Status fields are driven only by
// synchronizer task outcomes, never optimistically by the producer.
type SearchSyncRecord struct {
	DocID         string
	FilePath      string
	Content       string
	Summary       string
	Tags          string
	ContentHash   string
	KeywordStatus SyncStatus
	KeywordTaskID *string
	KeywordError  *string
	VectorStatus  SyncStatus
	VectorTaskID  *string
	VectorError   *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Engine identifies one of the two external search engines.
type Engine string

const (
	EngineKeyword Engine = "keyword"
	EngineVector  Engine = "vector"
)

// StrPtr returns a pointer to s. Convenience for nullable columns.
func StrPtr(s string) *string { return &s }

// millis converts a time to the unix-millisecond representation stored in
// SQLite. Zero times map to 0.
func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMillis converts stored unix milliseconds back to a time.
func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
