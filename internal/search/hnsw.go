package search

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/coder/hnsw"

	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// HNSWEngine is the embedded vector engine. It keeps an in-process HNSW
// graph with cosine distance and maps document ids to internal graph keys.
// Deletion is lazy: the id mapping is dropped and the orphaned node stays
// in the graph until a rebuild.
type HNSWEngine struct {
	mu      sync.Mutex
	graph   *hnsw.Graph[uint64]
	idMap   map[string]uint64
	keyMap  map[uint64]string
	nextKey uint64
	dims    int
	jobs    *jobLedger
}

// NewHNSWEngine builds an empty graph for vectors of the given dimension.
func NewHNSWEngine(dims int) *HNSWEngine {
	return &HNSWEngine{
		graph:  newVectorGraph(),
		idMap:  make(map[string]uint64),
		keyMap: make(map[uint64]string),
		dims:   dims,
		jobs:   newJobLedger(),
	}
}

func newVectorGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.Distance = hnsw.CosineDistance
	g.M = 16
	g.EfSearch = 64
	g.Ml = 0.25
	return g
}

func (e *HNSWEngine) Name() string { return "vector" }

// IndexDocuments inserts each document's vector into the graph. Re-indexing
// an existing id orphans the old node and assigns a fresh key.
func (e *HNSWEngine) IndexDocuments(ctx context.Context, docs []Document) (string, error) {
	for _, doc := range docs {
		if e.dims > 0 && len(doc.Vector) != e.dims {
			return "", pipeerrors.EngineError(e.Name(),
				fmt.Sprintf("document %s: vector has %d dims, want %d", doc.ID, len(doc.Vector), e.dims), nil)
		}
	}

	return e.jobs.submit(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, doc := range docs {
			if oldKey, ok := e.idMap[doc.ID]; ok {
				delete(e.keyMap, oldKey)
				delete(e.idMap, doc.ID)
			}
			key := e.nextKey
			e.nextKey++
			e.graph.Add(hnsw.MakeNode(key, doc.Vector))
			e.idMap[doc.ID] = key
			e.keyMap[key] = doc.ID
		}
		return nil
	}), nil
}

// DeleteDocuments drops the id mappings. Unknown ids are ignored.
func (e *HNSWEngine) DeleteDocuments(ctx context.Context, ids []string) (string, error) {
	return e.jobs.submit(func() error {
		e.mu.Lock()
		defer e.mu.Unlock()
		for _, id := range ids {
			if key, ok := e.idMap[id]; ok {
				delete(e.keyMap, key)
				delete(e.idMap, id)
			}
		}
		return nil
	}), nil
}

func (e *HNSWEngine) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) error {
	return e.jobs.wait(ctx, e.Name(), jobID, timeout)
}

// Clear rebuilds an empty graph, discarding lazy-deleted orphans with it.
func (e *HNSWEngine) Clear(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.graph = newVectorGraph()
	e.idMap = make(map[string]uint64)
	e.keyMap = make(map[uint64]string)
	e.nextKey = 0
	return nil
}

// Count reports the number of live documents, excluding orphaned nodes.
func (e *HNSWEngine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.idMap)
}

// Has reports whether id is currently indexed.
func (e *HNSWEngine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.idMap[id]
	return ok
}

func (e *HNSWEngine) Close() error { return nil }
