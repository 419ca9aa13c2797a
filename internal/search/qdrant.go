package search

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/config"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// QdrantEngine is the remote vector engine. Point ids are deterministic
// UUIDs derived from the document id, with the original id carried in the
// payload, so repeated upserts of the same document always hit the same
// point.
type QdrantEngine struct {
	client     *qdrant.Client
	collection string
	dims       int
	jobs       *jobLedger

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantEngine dials the Qdrant instance at cfg.QdrantURL. The gRPC
// port is derived as HTTP port + 1.
func NewQdrantEngine(cfg config.SearchConfig) (*QdrantEngine, error) {
	parsed, err := url.Parse(cfg.QdrantURL)
	if err != nil {
		return nil, pipeerrors.New(pipeerrors.ErrCodeConfigInvalid,
			fmt.Sprintf("invalid qdrant url %q", cfg.QdrantURL), err)
	}
	host := parsed.Hostname()
	if host == "" {
		host = "localhost"
	}
	port := 6334
	if p := parsed.Port(); p != "" {
		if httpPort, err := strconv.Atoi(p); err == nil {
			port = httpPort + 1
		}
	}

	client, err := qdrant.NewClient(&qdrant.Config{Host: host, Port: port})
	if err != nil {
		return nil, pipeerrors.New(pipeerrors.ErrCodeEngineUnavailable, "create qdrant client", err)
	}

	return &QdrantEngine{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dimensions,
		jobs:       newJobLedger(),
	}, nil
}

func (e *QdrantEngine) Name() string { return "vector" }

// pointID maps a document id onto a stable UUID point id.
func pointID(docID string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(docID)).String()
}

// ensureCollection creates the collection on first use.
func (e *QdrantEngine) ensureCollection(ctx context.Context) error {
	e.ensureOnce.Do(func() {
		exists, err := e.client.CollectionExists(ctx, e.collection)
		if err != nil {
			e.ensureErr = fmt.Errorf("check collection %s: %w", e.collection, err)
			return
		}
		if exists {
			return
		}
		e.ensureErr = e.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: e.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     uint64(e.dims),
				Distance: qdrant.Distance_Cosine,
			}),
		})
	})
	return e.ensureErr
}

// IndexDocuments upserts one point per document asynchronously.
func (e *QdrantEngine) IndexDocuments(ctx context.Context, docs []Document) (string, error) {
	for _, doc := range docs {
		if e.dims > 0 && len(doc.Vector) != e.dims {
			return "", pipeerrors.EngineError(e.Name(),
				fmt.Sprintf("document %s: vector has %d dims, want %d", doc.ID, len(doc.Vector), e.dims), nil)
		}
	}

	run := context.WithoutCancel(ctx)
	return e.jobs.submit(func() error {
		if err := e.ensureCollection(run); err != nil {
			return err
		}
		points := make([]*qdrant.PointStruct, 0, len(docs))
		for _, doc := range docs {
			points = append(points, &qdrant.PointStruct{
				Id:      qdrant.NewID(pointID(doc.ID)),
				Vectors: qdrant.NewVectors(doc.Vector...),
				Payload: qdrant.NewValueMap(map[string]any{
					"doc_id":  doc.ID,
					"summary": doc.Summary,
					"tags":    doc.Tags,
				}),
			})
		}
		_, err := e.client.Upsert(run, &qdrant.UpsertPoints{
			CollectionName: e.collection,
			Points:         points,
		})
		if err != nil {
			return fmt.Errorf("upsert %d points: %w", len(points), err)
		}
		return nil
	}), nil
}

// DeleteDocuments removes the points for ids. Unknown points are ignored
// by Qdrant, matching the idempotent contract.
func (e *QdrantEngine) DeleteDocuments(ctx context.Context, ids []string) (string, error) {
	run := context.WithoutCancel(ctx)
	return e.jobs.submit(func() error {
		if err := e.ensureCollection(run); err != nil {
			return err
		}
		qids := make([]*qdrant.PointId, 0, len(ids))
		for _, id := range ids {
			qids = append(qids, qdrant.NewID(pointID(id)))
		}
		_, err := e.client.Delete(run, &qdrant.DeletePoints{
			CollectionName: e.collection,
			Points:         qdrant.NewPointsSelector(qids...),
		})
		if err != nil {
			return fmt.Errorf("delete %d points: %w", len(qids), err)
		}
		return nil
	}), nil
}

func (e *QdrantEngine) WaitForJob(ctx context.Context, jobID string, timeout time.Duration) error {
	return e.jobs.wait(ctx, e.Name(), jobID, timeout)
}

// Clear drops and recreates the collection.
func (e *QdrantEngine) Clear(ctx context.Context) error {
	if err := e.client.DeleteCollection(ctx, e.collection); err != nil {
		return pipeerrors.EngineError(e.Name(), fmt.Sprintf("drop collection %s", e.collection), err)
	}
	e.ensureOnce = sync.Once{}
	e.ensureErr = nil
	return e.ensureCollection(ctx)
}

func (e *QdrantEngine) Close() error {
	return e.client.Close()
}
