package digest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

func TestSearchDigester_UpsertsRecordAndEnqueuesSync(t *testing.T) {
	// Given: a file with a text preview and completed slug and tags digests
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	tasks := &fakeEnqueuer{}

	d := NewSearchDigester("search-keyword", db.EngineKeyword, "search.keyword.index", store, tasks)
	file := &db.FileRecord{Path: "notes/a.md", TextPreview: "hello world"}
	existing := []*db.Digest{
		{
			FilePath: file.Path, Digester: "slug",
			Status:  db.DigestStatusCompleted,
			Content: db.StrPtr(`{"slug":"hello","title":"hello"}`),
		},
		{
			FilePath: file.Path, Digester: "tags",
			Status:  db.DigestStatusCompleted,
			Content: db.StrPtr(`{"tags":["greetings"]}`),
		},
	}

	// When: the digester runs
	outputs, err := d.Digest(context.Background(), file, existing)
	require.NoError(t, err)
	require.Len(t, outputs, 1)

	// Then: a sync record exists in pending with mirrored content
	rec, err := store.GetSyncRecord(context.Background(), "notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, db.SyncStatusPending, rec.KeywordStatus)
	assert.Equal(t, "hello world", rec.Content)
	assert.Equal(t, "hello", rec.Summary)
	assert.Equal(t, `["greetings"]`, rec.Tags)
	assert.NotEmpty(t, rec.ContentHash)

	// And: an index task for the keyword engine was enqueued
	assert.Equal(t, []string{"search.keyword.index"}, tasks.enqueued())
}

func TestSearchDigester_RequiresText(t *testing.T) {
	store, err := db.Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	d := NewSearchDigester("search-semantic", db.EngineVector, "search.vector.index", store, &fakeEnqueuer{})
	can, err := d.CanDigest(context.Background(), &db.FileRecord{Path: "img.png", MimeType: "image/png"}, nil)
	require.NoError(t, err)
	assert.False(t, can)
}
