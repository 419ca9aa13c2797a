package digest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
)

// SearchDigester mirrors a file's textual content into a SearchSyncRecord
// and enqueues a synchronization task for one engine. The sync record's
// status fields stay pending here; only synchronizer task outcomes move
// them, never this producer.
type SearchDigester struct {
	name     string
	engine   db.Engine
	taskType string
	store    *db.Store
	tasks    Enqueuer
}

// NewSearchDigester creates a search digester for one engine. taskType is
// the queue task type of that engine's index handler.
func NewSearchDigester(name string, engine db.Engine, taskType string, store *db.Store, tasks Enqueuer) *SearchDigester {
	return &SearchDigester{
		name:     name,
		engine:   engine,
		taskType: taskType,
		store:    store,
		tasks:    tasks,
	}
}

func (s *SearchDigester) Name() string { return s.name }

func (s *SearchDigester) CanDigest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) (bool, error) {
	return textFor(file, existing) != "", nil
}

type searchContent struct {
	DocumentIDs []string `json:"documentIds"`
}

// SyncInput is the payload of an engine index/delete task.
type SyncInput struct {
	DocumentIDs []string `json:"documentIds"`
}

func (s *SearchDigester) Digest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) ([]Output, error) {
	text := textFor(file, existing)

	sum := sha256.Sum256([]byte(text))
	record := &db.SearchSyncRecord{
		DocID:       file.Path,
		FilePath:    file.Path,
		Content:     text,
		Summary:     summaryFor(existing),
		Tags:        tagsFor(existing),
		ContentHash: hex.EncodeToString(sum[:]),
	}
	if err := s.store.UpsertSyncRecord(ctx, record); err != nil {
		return nil, err
	}

	if _, err := s.tasks.Enqueue(ctx, s.taskType,
		SyncInput{DocumentIDs: []string{record.DocID}},
		queue.WithFilePath(file.Path)); err != nil {
		return nil, err
	}

	content, err := json.Marshal(searchContent{DocumentIDs: []string{record.DocID}})
	if err != nil {
		return nil, err
	}
	return []Output{{Content: db.StrPtr(string(content))}}, nil
}

// summaryFor pulls the display title from the slug digest, if completed.
func summaryFor(existing []*db.Digest) string {
	sc := CompletedContent(existing, "slug")
	if sc == nil {
		return ""
	}
	var parsed slugContent
	if err := json.Unmarshal([]byte(*sc), &parsed); err != nil {
		return ""
	}
	return parsed.Title
}

// tagsFor pulls the tag list from the tags digest as a JSON array string.
func tagsFor(existing []*db.Digest) string {
	tc := CompletedContent(existing, "tags")
	if tc == nil {
		return ""
	}
	var parsed tagsContent
	if err := json.Unmarshal([]byte(*tc), &parsed); err != nil || len(parsed.Tags) == 0 {
		return ""
	}
	encoded, err := json.Marshal(parsed.Tags)
	if err != nil {
		return ""
	}
	return string(encoded)
}
