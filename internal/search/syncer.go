package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
)

// Task types handled by the synchronizer. Index tasks are produced by the
// search digesters; delete tasks by the file-deletion path and by EnqueueDelete.
const (
	TaskTypeKeywordIndex  = "search.keyword.index"
	TaskTypeKeywordDelete = "search.keyword.delete"
	TaskTypeVectorIndex   = "search.vector.index"
	TaskTypeVectorDelete  = "search.vector.delete"
)

// SyncInput is the payload of every synchronizer task.
type SyncInput struct {
	DocumentIDs []string `json:"documentIds"`
}

// SyncOutput is recorded as the task output.
type SyncOutput struct {
	Count int    `json:"count"`
	JobID string `json:"jobId,omitempty"`
}

// Embedder produces embedding vectors for a batch of texts.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// Enqueuer is the slice of the task queue the syncer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, input any, opts ...queue.EnqueueOption) (string, error)
}

// Syncer reconciles local sync records with the two engines. Each task
// handler drives one engine for one direction; a record's status field
// only moves when that engine's job resolves.
type Syncer struct {
	store      *db.Store
	keyword    Engine
	vector     Engine
	embedder   Embedder
	tasks      Enqueuer
	jobTimeout time.Duration
}

// NewSyncer wires the syncer. embedder is only consulted on the vector
// index path.
func NewSyncer(store *db.Store, keyword, vector Engine, embedder Embedder, tasks Enqueuer, jobTimeout time.Duration) *Syncer {
	if jobTimeout <= 0 {
		jobTimeout = 2 * time.Minute
	}
	return &Syncer{
		store:      store,
		keyword:    keyword,
		vector:     vector,
		embedder:   embedder,
		tasks:      tasks,
		jobTimeout: jobTimeout,
	}
}

// RegisterHandlers attaches the four engine task handlers to the queue.
// MaxAttempts is 1 on all of them: engine failures are recorded on the
// sync record, and re-enqueueing is the digest cascade's job, not the
// queue's.
func (s *Syncer) RegisterHandlers(q *queue.Queue) error {
	handlers := map[string]queue.Handler{
		TaskTypeKeywordIndex:  s.indexHandler(db.EngineKeyword, s.keyword),
		TaskTypeKeywordDelete: s.deleteHandler(db.EngineKeyword, s.keyword),
		TaskTypeVectorIndex:   s.indexHandler(db.EngineVector, s.vector),
		TaskTypeVectorDelete:  s.deleteHandler(db.EngineVector, s.vector),
	}
	for taskType, h := range handlers {
		if err := q.Register(taskType, queue.HandlerSpec{Handler: h, MaxAttempts: 1}); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueIndex creates index tasks for both engines.
func (s *Syncer) EnqueueIndex(ctx context.Context, docIDs []string) error {
	return s.enqueuePair(ctx, TaskTypeKeywordIndex, TaskTypeVectorIndex, docIDs)
}

// EnqueueDelete creates delete tasks for both engines. The local sync
// records may already be gone by the time the tasks run; the engines are
// still told to drop the documents.
func (s *Syncer) EnqueueDelete(ctx context.Context, docIDs []string) error {
	return s.enqueuePair(ctx, TaskTypeKeywordDelete, TaskTypeVectorDelete, docIDs)
}

func (s *Syncer) enqueuePair(ctx context.Context, keywordType, vectorType string, docIDs []string) error {
	docIDs = dedupe(docIDs)
	if len(docIDs) == 0 {
		return nil
	}
	input := SyncInput{DocumentIDs: docIDs}
	if _, err := s.tasks.Enqueue(ctx, keywordType, input); err != nil {
		return err
	}
	_, err := s.tasks.Enqueue(ctx, vectorType, input)
	return err
}

// ClearEngine wipes one engine's data and resets its status on every sync
// record. Backs the administrative reset of a search digester.
func (s *Syncer) ClearEngine(ctx context.Context, engine db.Engine) error {
	eng, err := s.engineFor(engine)
	if err != nil {
		return err
	}
	if err := eng.Clear(ctx); err != nil {
		return err
	}
	return s.store.ClearSyncStatuses(ctx, engine)
}

func (s *Syncer) engineFor(engine db.Engine) (Engine, error) {
	switch engine {
	case db.EngineKeyword:
		return s.keyword, nil
	case db.EngineVector:
		return s.vector, nil
	default:
		return nil, fmt.Errorf("unknown engine %q", engine)
	}
}

func (s *Syncer) indexHandler(engine db.Engine, eng Engine) queue.Handler {
	return func(ctx context.Context, task *db.Task) (any, error) {
		docIDs, err := decodeIDs(task.Input)
		if err != nil {
			return nil, err
		}
		if len(docIDs) == 0 {
			return SyncOutput{Count: 0}, nil
		}

		records, err := s.store.GetSyncRecords(ctx, docIDs)
		if err != nil {
			return nil, err
		}
		if len(records) < len(docIDs) {
			// Records can vanish between enqueue and execution when the
			// owning file is deleted. Index only what still exists.
			slog.Debug("sync records missing at index time",
				slog.String("engine", string(engine)),
				slog.Int("requested", len(docIDs)),
				slog.Int("found", len(records)))
		}
		if len(records) == 0 {
			return SyncOutput{Count: 0}, nil
		}

		docs := make([]Document, 0, len(records))
		liveIDs := make([]string, 0, len(records))
		for _, r := range records {
			docs = append(docs, Document{
				ID:      r.DocID,
				Content: r.Content,
				Summary: r.Summary,
				Tags:    r.Tags,
			})
			liveIDs = append(liveIDs, r.DocID)
		}

		if engine == db.EngineVector {
			if err := s.embedDocs(ctx, docs); err != nil {
				return nil, s.recordFailure(ctx, engine, liveIDs, task.ID, err)
			}
		}

		if err := s.store.SetEngineStatus(ctx, engine, liveIDs, db.SyncStatusIndexing, db.StrPtr(task.ID), nil); err != nil {
			return nil, err
		}

		jobID, err := eng.IndexDocuments(ctx, docs)
		if err != nil {
			return nil, s.recordFailure(ctx, engine, liveIDs, task.ID, err)
		}
		if err := eng.WaitForJob(ctx, jobID, s.jobTimeout); err != nil {
			return nil, s.recordFailure(ctx, engine, liveIDs, task.ID, err)
		}

		// The engine confirmed; only now do the records move to indexed.
		// The engine's job id is kept on the record for inspection.
		if err := s.store.SetEngineStatus(ctx, engine, liveIDs, db.SyncStatusIndexed, db.StrPtr(jobID), nil); err != nil {
			return nil, err
		}
		return SyncOutput{Count: len(liveIDs), JobID: jobID}, nil
	}
}

func (s *Syncer) deleteHandler(engine db.Engine, eng Engine) queue.Handler {
	return func(ctx context.Context, task *db.Task) (any, error) {
		docIDs, err := decodeIDs(task.Input)
		if err != nil {
			return nil, err
		}
		if len(docIDs) == 0 {
			return SyncOutput{Count: 0}, nil
		}

		// Deletes run even when the local records are already gone;
		// status updates then touch zero rows, which is fine.
		if err := s.store.SetEngineStatus(ctx, engine, docIDs, db.SyncStatusDeleting, db.StrPtr(task.ID), nil); err != nil {
			return nil, err
		}

		jobID, err := eng.DeleteDocuments(ctx, docIDs)
		if err != nil {
			return nil, s.recordFailure(ctx, engine, docIDs, task.ID, err)
		}
		if err := eng.WaitForJob(ctx, jobID, s.jobTimeout); err != nil {
			return nil, s.recordFailure(ctx, engine, docIDs, task.ID, err)
		}

		if err := s.store.SetEngineStatus(ctx, engine, docIDs, db.SyncStatusDeleted, db.StrPtr(jobID), nil); err != nil {
			return nil, err
		}
		return SyncOutput{Count: len(docIDs), JobID: jobID}, nil
	}
}

// embedDocs fills each document's vector from its content plus summary.
func (s *Syncer) embedDocs(ctx context.Context, docs []Document) error {
	texts := make([]string, len(docs))
	for i, d := range docs {
		text := d.Content
		if d.Summary != "" {
			text = d.Summary + "\n" + text
		}
		texts[i] = text
	}
	vectors, err := s.embedder.Embed(ctx, texts)
	if err != nil {
		return err
	}
	if len(vectors) != len(docs) {
		return fmt.Errorf("embedder returned %d vectors for %d documents", len(vectors), len(docs))
	}
	for i := range docs {
		docs[i].Vector = vectors[i]
	}
	return nil
}

// recordFailure marks the records error and converts err into the terminal
// task error. The synchronizer never retries internally: the record stays
// in error until the next digest cascade re-enqueues it.
func (s *Syncer) recordFailure(ctx context.Context, engine db.Engine, docIDs []string, taskID string, cause error) error {
	msg := cause.Error()
	if err := s.store.SetEngineStatus(ctx, engine, docIDs, db.SyncStatusError, db.StrPtr(taskID), db.StrPtr(msg)); err != nil {
		slog.Error("failed to record engine error",
			slog.String("engine", string(engine)),
			slog.String("error", err.Error()))
	}
	return pipeerrors.New(pipeerrors.ErrCodeEngineJobFailed,
		fmt.Sprintf("%s engine sync failed", engine), cause)
}

func decodeIDs(input json.RawMessage) ([]string, error) {
	var in SyncInput
	if len(input) > 0 {
		if err := json.Unmarshal(input, &in); err != nil {
			return nil, pipeerrors.ValidationError("malformed sync payload")
		}
	}
	return dedupe(in.DocumentIDs), nil
}

// dedupe drops empty and repeated ids, preserving first-seen order.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := ids[:0:0]
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
