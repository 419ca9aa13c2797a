// Package search keeps the two external search engines consistent with
// local truth. Engines accept bulk index/delete calls and answer with a job
// handle; the synchronizer awaits the engine's own completion signal before
// moving any sync-status field. The keyword engine is embedded (bleve); the
// vector engine is selected by configuration between an embedded HNSW graph
// and a remote Qdrant instance.
package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// Document is one indexable unit handed to an engine. Vector is only
// populated on the vector path.
type Document struct {
	ID      string
	Content string
	Summary string
	Tags    string
	Vector  []float32
}

// Engine is the contract both search engines implement. IndexDocuments and
// DeleteDocuments return immediately with a job handle; WaitForJob blocks
// until the engine confirms completion, the timeout elapses, or ctx is
// cancelled. Callers must never treat a job as done before WaitForJob
// resolves.
type Engine interface {
	Name() string
	IndexDocuments(ctx context.Context, docs []Document) (jobID string, err error)
	DeleteDocuments(ctx context.Context, ids []string) (jobID string, err error)
	WaitForJob(ctx context.Context, jobID string, timeout time.Duration) error
	Clear(ctx context.Context) error
	Close() error
}

// NewVectorEngine selects the vector backend from configuration.
func NewVectorEngine(cfg config.SearchConfig) (Engine, error) {
	switch cfg.VectorBackend {
	case "", "hnsw":
		return NewHNSWEngine(cfg.Dimensions), nil
	case "qdrant":
		return NewQdrantEngine(cfg)
	default:
		return nil, pipeerrors.New(pipeerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("unknown vector backend %q", cfg.VectorBackend), nil)
	}
}

// jobLedger tracks asynchronous engine jobs. Each submitted job runs on its
// own goroutine; completion is signalled through the job's done channel.
type jobLedger struct {
	mu   sync.Mutex
	jobs map[string]*jobEntry
}

type jobEntry struct {
	done chan struct{}
	err  error
}

func newJobLedger() *jobLedger {
	return &jobLedger{jobs: make(map[string]*jobEntry)}
}

// submit starts fn asynchronously and returns its job id.
func (l *jobLedger) submit(fn func() error) string {
	id := uuid.NewString()
	entry := &jobEntry{done: make(chan struct{})}

	l.mu.Lock()
	l.jobs[id] = entry
	l.mu.Unlock()

	go func() {
		entry.err = fn()
		close(entry.done)
	}()
	return id
}

// wait blocks until the job resolves. The entry is removed once observed,
// timed out, or cancelled; abandoned jobs are never re-waited.
func (l *jobLedger) wait(ctx context.Context, engine, jobID string, timeout time.Duration) error {
	l.mu.Lock()
	entry, ok := l.jobs[jobID]
	l.mu.Unlock()
	if !ok {
		return pipeerrors.EngineError(engine, fmt.Sprintf("unknown job %s", jobID), nil)
	}

	select {
	case <-entry.done:
		l.remove(jobID)
		if entry.err != nil {
			return pipeerrors.EngineError(engine, "job failed", entry.err)
		}
		return nil
	case <-time.After(timeout):
		// An abandoned job is never re-waited, so drop the entry instead
		// of leaking it.
		l.remove(jobID)
		return pipeerrors.New(pipeerrors.ErrCodeEngineJobTimeout,
			fmt.Sprintf("%s job %s did not resolve within %s", engine, jobID, timeout), nil)
	case <-ctx.Done():
		l.remove(jobID)
		return ctx.Err()
	}
}

func (l *jobLedger) remove(jobID string) {
	l.mu.Lock()
	delete(l.jobs, jobID)
	l.mu.Unlock()
}
