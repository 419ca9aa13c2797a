package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
)

// fakeEngine records calls and resolves jobs according to jobErr.
type fakeEngine struct {
	mu       sync.Mutex
	indexed  [][]Document
	deleted  [][]string
	cleared  bool
	indexErr error
	jobErr   error
	jobSeq   int
}

func (f *fakeEngine) Name() string { return "fake" }

func (f *fakeEngine) IndexDocuments(ctx context.Context, docs []Document) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.indexErr != nil {
		return "", f.indexErr
	}
	f.indexed = append(f.indexed, docs)
	f.jobSeq++
	return fmt.Sprintf("job-%d", f.jobSeq), nil
}

func (f *fakeEngine) DeleteDocuments(ctx context.Context, ids []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, ids)
	f.jobSeq++
	return fmt.Sprintf("job-%d", f.jobSeq), nil
}

func (f *fakeEngine) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) error {
	return f.jobErr
}

func (f *fakeEngine) Clear(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = true
	return nil
}

func (f *fakeEngine) Close() error { return nil }

type fakeEmbedder struct {
	texts []string
	err   error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.texts = texts
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{float32(i), 1}
	}
	return out, nil
}

type fakeEnqueuer struct {
	types []string
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, taskType string, input any, opts ...queue.EnqueueOption) (string, error) {
	f.types = append(f.types, taskType)
	return fmt.Sprintf("task-%d", len(f.types)), nil
}

func newSyncerFixture(t *testing.T) (*Syncer, *db.Store, *fakeEngine, *fakeEngine, *fakeEmbedder) {
	t.Helper()
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	keyword := &fakeEngine{}
	vector := &fakeEngine{}
	embedder := &fakeEmbedder{}
	s := NewSyncer(store, keyword, vector, embedder, &fakeEnqueuer{}, time.Second)
	return s, store, keyword, vector, embedder
}

func seedRecord(t *testing.T, store *db.Store, docID string) {
	t.Helper()
	require.NoError(t, store.UpsertSyncRecord(t.Context(), &db.SearchSyncRecord{
		DocID:       docID,
		FilePath:    docID,
		Content:     "content of " + docID,
		Summary:     "summary",
		Tags:        "tag1, tag2",
		ContentHash: "hash-" + docID,
	}))
}

func syncTask(id string, docIDs ...string) *db.Task {
	payload, _ := json.Marshal(SyncInput{DocumentIDs: docIDs})
	return &db.Task{ID: id, Input: payload}
}

func TestIndexHandler_MarksIndexedAfterJobResolves(t *testing.T) {
	// Given a pending sync record
	s, store, keyword, _, _ := newSyncerFixture(t)
	ctx := t.Context()
	seedRecord(t, store, "notes/a.md")

	// When the keyword index task runs
	out, err := s.indexHandler(db.EngineKeyword, keyword)(ctx, syncTask("t1", "notes/a.md"))

	// Then the engine saw the document and the record is indexed with the
	// engine job id recorded
	require.NoError(t, err)
	assert.Equal(t, SyncOutput{Count: 1, JobID: "job-1"}, out)
	require.Len(t, keyword.indexed, 1)
	assert.Equal(t, "notes/a.md", keyword.indexed[0][0].ID)

	rec, err := store.GetSyncRecord(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, db.SyncStatusIndexed, rec.KeywordStatus)
	require.NotNil(t, rec.KeywordTaskID)
	assert.Equal(t, "job-1", *rec.KeywordTaskID)
	// The vector side is untouched
	assert.Equal(t, db.SyncStatusPending, rec.VectorStatus)
}

func TestIndexHandler_EmptyBatchShortCircuits(t *testing.T) {
	s, _, keyword, _, _ := newSyncerFixture(t)

	out, err := s.indexHandler(db.EngineKeyword, keyword)(t.Context(), syncTask("t1"))

	require.NoError(t, err)
	assert.Equal(t, SyncOutput{Count: 0}, out)
	assert.Empty(t, keyword.indexed)
}

func TestIndexHandler_DedupesAndDropsMissingRecords(t *testing.T) {
	// Given one live record and a task naming it twice plus a vanished id
	s, store, keyword, _, _ := newSyncerFixture(t)
	seedRecord(t, store, "notes/a.md")

	out, err := s.indexHandler(db.EngineKeyword, keyword)(t.Context(),
		syncTask("t1", "notes/a.md", "notes/a.md", "notes/gone.md"))

	require.NoError(t, err)
	assert.Equal(t, SyncOutput{Count: 1, JobID: "job-1"}, out)
	require.Len(t, keyword.indexed, 1)
	assert.Len(t, keyword.indexed[0], 1)
}

func TestIndexHandler_EngineFailureMarksErrorAndIsTerminal(t *testing.T) {
	// Given an engine whose job resolves with a failure
	s, store, keyword, _, _ := newSyncerFixture(t)
	ctx := t.Context()
	seedRecord(t, store, "notes/a.md")
	keyword.jobErr = errors.New("shard unavailable")

	_, err := s.indexHandler(db.EngineKeyword, keyword)(ctx, syncTask("t1", "notes/a.md"))

	// Then the handler fails terminally and the record carries the error
	require.Error(t, err)
	assert.False(t, pipeerrors.IsRetryable(err))

	rec, gerr := store.GetSyncRecord(ctx, "notes/a.md")
	require.NoError(t, gerr)
	assert.Equal(t, db.SyncStatusError, rec.KeywordStatus)
	require.NotNil(t, rec.KeywordError)
	assert.Contains(t, *rec.KeywordError, "shard unavailable")
}

func TestIndexHandler_VectorPathEmbedsBeforeIndexing(t *testing.T) {
	// Given a record with summary and content
	s, store, _, vector, embedder := newSyncerFixture(t)
	seedRecord(t, store, "notes/a.md")

	out, err := s.indexHandler(db.EngineVector, vector)(t.Context(), syncTask("t1", "notes/a.md"))

	// Then the embedder saw summary-prefixed text and the engine received
	// the vector
	require.NoError(t, err)
	assert.Equal(t, SyncOutput{Count: 1, JobID: "job-1"}, out)
	require.Len(t, embedder.texts, 1)
	assert.Contains(t, embedder.texts[0], "summary")
	require.Len(t, vector.indexed, 1)
	assert.NotEmpty(t, vector.indexed[0][0].Vector)
}

func TestIndexHandler_EmbedFailureMarksError(t *testing.T) {
	s, store, _, vector, embedder := newSyncerFixture(t)
	ctx := t.Context()
	seedRecord(t, store, "notes/a.md")
	embedder.err = errors.New("model not loaded")

	_, err := s.indexHandler(db.EngineVector, vector)(ctx, syncTask("t1", "notes/a.md"))

	require.Error(t, err)
	assert.Empty(t, vector.indexed)

	rec, gerr := store.GetSyncRecord(ctx, "notes/a.md")
	require.NoError(t, gerr)
	assert.Equal(t, db.SyncStatusError, rec.VectorStatus)
}

func TestDeleteHandler_DeletesEvenWithoutLocalRecords(t *testing.T) {
	// Given no local record for the id (file already deleted)
	s, _, keyword, _, _ := newSyncerFixture(t)

	out, err := s.deleteHandler(db.EngineKeyword, keyword)(t.Context(), syncTask("t1", "notes/gone.md"))

	// Then the engine is still told to drop the document
	require.NoError(t, err)
	assert.Equal(t, SyncOutput{Count: 1, JobID: "job-1"}, out)
	require.Len(t, keyword.deleted, 1)
	assert.Equal(t, []string{"notes/gone.md"}, keyword.deleted[0])
}

func TestDeleteHandler_MarksDeleted(t *testing.T) {
	s, store, keyword, _, _ := newSyncerFixture(t)
	ctx := t.Context()
	seedRecord(t, store, "notes/a.md")

	_, err := s.deleteHandler(db.EngineKeyword, keyword)(ctx, syncTask("t1", "notes/a.md"))
	require.NoError(t, err)

	rec, gerr := store.GetSyncRecord(ctx, "notes/a.md")
	require.NoError(t, gerr)
	assert.Equal(t, db.SyncStatusDeleted, rec.KeywordStatus)
}

func TestEnqueueDelete_CreatesTasksForBothEngines(t *testing.T) {
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tasks := &fakeEnqueuer{}
	s := NewSyncer(store, &fakeEngine{}, &fakeEngine{}, &fakeEmbedder{}, tasks, time.Second)

	require.NoError(t, s.EnqueueDelete(t.Context(), []string{"a", "a", ""}))

	assert.Equal(t, []string{TaskTypeKeywordDelete, TaskTypeVectorDelete}, tasks.types)
}

func TestEnqueueDelete_EmptyBatchEnqueuesNothing(t *testing.T) {
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tasks := &fakeEnqueuer{}
	s := NewSyncer(store, &fakeEngine{}, &fakeEngine{}, &fakeEmbedder{}, tasks, time.Second)

	require.NoError(t, s.EnqueueDelete(t.Context(), []string{"", ""}))

	assert.Empty(t, tasks.types)
}

func TestClearEngine_WipesEngineAndResetsStatuses(t *testing.T) {
	// Given an indexed record
	s, store, keyword, _, _ := newSyncerFixture(t)
	ctx := t.Context()
	seedRecord(t, store, "notes/a.md")
	_, err := s.indexHandler(db.EngineKeyword, keyword)(ctx, syncTask("t1", "notes/a.md"))
	require.NoError(t, err)

	// When the keyword engine is administratively cleared
	require.NoError(t, s.ClearEngine(ctx, db.EngineKeyword))

	// Then the engine was wiped and the record is back to pending
	assert.True(t, keyword.cleared)
	rec, gerr := store.GetSyncRecord(ctx, "notes/a.md")
	require.NoError(t, gerr)
	assert.Equal(t, db.SyncStatusPending, rec.KeywordStatus)
	assert.Nil(t, rec.KeywordTaskID)
}
