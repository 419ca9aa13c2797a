package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"

	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// keywordDoc is the shape handed to bleve for full-text indexing.
type keywordDoc struct {
	Content string `json:"content"`
	Summary string `json:"summary"`
	Tags    string `json:"tags"`
}

// KeywordEngine is the embedded full-text engine backed by bleve. Batches
// run asynchronously through the job ledger so the synchronizer observes
// the same handle-then-wait contract as the remote backends.
type KeywordEngine struct {
	mu     sync.Mutex
	index  bleve.Index
	path   string
	jobs   *jobLedger
	closed bool
}

// NewKeywordEngine opens (or creates) the bleve index at path. An empty
// path yields an in-memory index, used in tests.
func NewKeywordEngine(path string) (*KeywordEngine, error) {
	idx, err := openKeywordIndex(path)
	if err != nil {
		return nil, pipeerrors.New(pipeerrors.ErrCodeEngineUnavailable,
			fmt.Sprintf("open keyword index at %q", path), err)
	}
	return &KeywordEngine{index: idx, path: path, jobs: newJobLedger()}, nil
}

func openKeywordIndex(path string) (bleve.Index, error) {
	m := keywordMapping()
	if path == "" {
		return bleve.NewMemOnly(m)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		return bleve.New(path, m)
	}
	return idx, err
}

func keywordMapping() *mapping.IndexMappingImpl {
	m := bleve.NewIndexMapping()
	m.DefaultAnalyzer = standard.Name
	return m
}

func (e *KeywordEngine) Name() string { return "keyword" }

// IndexDocuments submits one bleve batch covering all docs and returns its
// job handle.
func (e *KeywordEngine) IndexDocuments(ctx context.Context, docs []Document) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", pipeerrors.EngineError(e.Name(), "engine closed", nil)
	}

	return e.jobs.submit(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return fmt.Errorf("engine closed")
		}
		batch := e.index.NewBatch()
		for _, doc := range docs {
			kd := keywordDoc{Content: doc.Content, Summary: doc.Summary, Tags: doc.Tags}
			if err := batch.Index(doc.ID, kd); err != nil {
				return fmt.Errorf("batch %s: %w", doc.ID, err)
			}
		}
		return e.index.Batch(batch)
	}), nil
}

// DeleteDocuments submits one batch deleting all ids. Deleting an id the
// index never held is a no-op in bleve, matching the idempotent contract.
func (e *KeywordEngine) DeleteDocuments(ctx context.Context, ids []string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return "", pipeerrors.EngineError(e.Name(), "engine closed", nil)
	}

	return e.jobs.submit(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.closed {
			return fmt.Errorf("engine closed")
		}
		batch := e.index.NewBatch()
		for _, id := range ids {
			batch.Delete(id)
		}
		return e.index.Batch(batch)
	}), nil
}

func (e *KeywordEngine) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) error {
	return e.jobs.wait(ctx, e.Name(), jobID, timeout)
}

// Clear drops every document by recreating the index.
func (e *KeywordEngine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return pipeerrors.EngineError(e.Name(), "engine closed", nil)
	}
	if err := e.index.Close(); err != nil {
		return pipeerrors.EngineError(e.Name(), "close index for clear", err)
	}
	if e.path != "" {
		if err := os.RemoveAll(e.path); err != nil {
			return pipeerrors.EngineError(e.Name(), "remove index for clear", err)
		}
	}
	idx, err := openKeywordIndex(e.path)
	if err != nil {
		return pipeerrors.New(pipeerrors.ErrCodeEngineUnavailable, "recreate keyword index", err)
	}
	e.index = idx
	return nil
}

// DocCount reports the number of indexed documents.
func (e *KeywordEngine) DocCount() (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.index.DocCount()
}

func (e *KeywordEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return e.index.Close()
}
