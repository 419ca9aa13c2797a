package db

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestUpsertFile_InsertThenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	f := &FileRecord{
		Path:       "notes/a.md",
		Name:       "a.md",
		Size:       5,
		MimeType:   "text/markdown",
		Hash:       "h1",
		ModifiedAt: time.Now(),
	}
	require.NoError(t, s.UpsertFile(ctx, f))

	got, err := s.GetFile(ctx, "notes/a.md")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "h1", got.Hash)
	created := got.CreatedAt

	f.Hash = "h2"
	f.Size = 9
	require.NoError(t, s.UpsertFile(ctx, f))

	got, err = s.GetFile(ctx, "notes/a.md")
	require.NoError(t, err)
	assert.Equal(t, "h2", got.Hash)
	assert.Equal(t, int64(9), got.Size)
	assert.Equal(t, created, got.CreatedAt, "created_at preserved across upsert")
}

func TestGetFile_UnknownReturnsNil(t *testing.T) {
	s := newTestStore(t)

	got, err := s.GetFile(t.Context(), "never/seen.txt")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeletePath_CascadesByPrefix(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	for _, p := range []string{"docs", "docs/a.md", "docs/sub/b.md", "docsissimo/c.md"} {
		require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: p, Name: p, IsFolder: p == "docs"}))
	}
	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "docs/a.md", []string{"slug"}))
	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "docsissimo/c.md", []string{"slug"}))
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "t1", Type: "digest.process", FilePath: "docs/a.md"}))
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "t2", Type: "digest.process", FilePath: "docsissimo/c.md"}))
	require.NoError(t, s.UpsertSyncRecord(ctx, &SearchSyncRecord{DocID: "docs/a.md", FilePath: "docs/a.md", ContentHash: "x"}))
	require.NoError(t, s.WriteBlob(ctx, "docs/a.md/shot.png", []byte{1, 2}))

	require.NoError(t, s.DeletePath(ctx, "docs"))

	for _, p := range []string{"docs", "docs/a.md", "docs/sub/b.md"} {
		got, err := s.GetFile(ctx, p)
		require.NoError(t, err)
		assert.Nil(t, got, p)
	}
	// Sibling with shared name prefix survives
	got, err := s.GetFile(ctx, "docsissimo/c.md")
	require.NoError(t, err)
	assert.NotNil(t, got)

	digests, err := s.GetDigests(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Empty(t, digests)

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.Nil(t, task)
	task, err = s.GetTask(ctx, "t2")
	require.NoError(t, err)
	assert.NotNil(t, task)

	rec, err := s.GetSyncRecord(ctx, "docs/a.md")
	require.NoError(t, err)
	assert.Nil(t, rec)

	blob, err := s.ReadBlob(ctx, "docs/a.md/shot.png")
	require.NoError(t, err)
	assert.Nil(t, blob)
}

func TestEnsureDigestPlaceholders_Idempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "a.md", []string{"slug", "tags"}))

	// Complete one, then re-ensure: completed row must not be reset
	require.NoError(t, s.CompleteDigest(ctx, "a.md", "slug", StrPtr(`{"slug":"a"}`), nil))
	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "a.md", []string{"slug", "tags"}))

	digests, err := s.GetDigests(ctx, "a.md")
	require.NoError(t, err)
	require.Len(t, digests, 2, "at most one row per (file, digester)")

	byName := map[string]*Digest{}
	for _, d := range digests {
		byName[d.Digester] = d
	}
	assert.Equal(t, DigestStatusCompleted, byName["slug"].Status)
	assert.Equal(t, DigestStatusTodo, byName["tags"].Status)
}

func TestFailDigest_IncrementsAttempts(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "a.md", []string{"speech-recognition"}))
	require.NoError(t, s.FailDigest(ctx, "a.md", "speech-recognition", "network error"))
	require.NoError(t, s.FailDigest(ctx, "a.md", "speech-recognition", "network error again"))

	d, err := s.GetDigest(ctx, "a.md", "speech-recognition")
	require.NoError(t, err)
	assert.Equal(t, DigestStatusFailed, d.Status)
	assert.Equal(t, 2, d.Attempts)
	require.NotNil(t, d.Error)
	assert.Equal(t, "network error again", *d.Error)
}

func TestResetDigestsForFile_KeepsContentAndException(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "a.md", []string{"slug", "tags", "search-keyword"}))
	require.NoError(t, s.CompleteDigest(ctx, "a.md", "slug", StrPtr("s1"), nil))
	require.NoError(t, s.CompleteDigest(ctx, "a.md", "tags", StrPtr("t1"), nil))

	require.NoError(t, s.ResetDigestsForFile(ctx, "a.md", "slug"))

	slug, err := s.GetDigest(ctx, "a.md", "slug")
	require.NoError(t, err)
	assert.Equal(t, DigestStatusCompleted, slug.Status)

	tags, err := s.GetDigest(ctx, "a.md", "tags")
	require.NoError(t, err)
	assert.Equal(t, DigestStatusTodo, tags.Status)
	require.NotNil(t, tags.Content)
	assert.Equal(t, "t1", *tags.Content, "previous content kept for cascade comparison")
}

func TestResetDigester_RecreatesPlaceholders(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "a.md", Name: "a.md"}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "b.md", Name: "b.md"}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "dir", Name: "dir", IsFolder: true}))
	require.NoError(t, s.EnsureDigestPlaceholders(ctx, "a.md", []string{"tags"}))
	require.NoError(t, s.CompleteDigest(ctx, "a.md", "tags", StrPtr("old"), nil))

	n, err := s.ResetDigester(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, 2, n, "placeholders for regular files only")

	d, err := s.GetDigest(ctx, "a.md", "tags")
	require.NoError(t, err)
	assert.Equal(t, DigestStatusTodo, d.Status)
	assert.Nil(t, d.Content)
}

func TestClaimTask_ExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.InsertTask(ctx, &Task{ID: "t1", Type: "digest.process"}))

	snapshot, err := s.NextEligibleTask(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, snapshot)

	// Two workers race from the same snapshot.
	claimed, err := s.ClaimTask(ctx, snapshot)
	require.NoError(t, err)
	assert.Equal(t, TaskStatusInProgress, claimed.Status)
	assert.Equal(t, 1, claimed.Version)

	_, err = s.ClaimTask(ctx, snapshot)
	require.Error(t, err)
	assert.Equal(t, pipeerrors.ErrCodeClaimConflict, pipeerrors.GetCode(err))
}

func TestFailTask_BackoffControlsEligibility(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.InsertTask(ctx, &Task{ID: "t1", Type: "digest.process"}))
	snapshot, err := s.NextEligibleTask(ctx, nil)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, snapshot)
	require.NoError(t, err)

	// Fail with run_after in the future: not eligible.
	due := time.Now().Add(time.Hour)
	require.NoError(t, s.FailTask(ctx, "t1", "boom", &due))
	next, err := s.NextEligibleTask(ctx, nil)
	require.NoError(t, err)
	assert.Nil(t, next)

	// Rewind the clock: failed task with due run_after becomes eligible again.
	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	next, err = s.NextEligibleTask(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "t1", next.ID)
	assert.Equal(t, 1, next.Attempts)
}

func TestNextEligibleTask_TypeFilterAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	base := time.Now()
	s.now = func() time.Time { return base }
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "old", Type: "search.keyword.index"}))
	s.now = func() time.Time { return base.Add(time.Second) }
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "new", Type: "search.keyword.index"}))
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "other", Type: "digest.process"}))

	next, err := s.NextEligibleTask(ctx, []string{"search.keyword.index"})
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "old", next.ID, "oldest eligible first")
}

func TestReapStaleTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.InsertTask(ctx, &Task{ID: "stale", Type: "digest.process"}))
	snapshot, err := s.NextEligibleTask(ctx, nil)
	require.NoError(t, err)
	_, err = s.ClaimTask(ctx, snapshot)
	require.NoError(t, err)

	// Young claim: not reaped.
	n, err := s.ReapStaleTasks(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	// Advance the clock past the liveness timeout.
	s.now = func() time.Time { return time.Now().Add(time.Hour) }
	n, err = s.ReapStaleTasks(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	task, err := s.GetTask(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, TaskStatusTodo, task.Status)
	assert.Equal(t, 2, task.Version, "reap bumps version so stale claimants cannot complete")
}

func TestTaskInputRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	input := json.RawMessage(`{"file_path":"notes/a.md","digester":"slug"}`)
	require.NoError(t, s.InsertTask(ctx, &Task{ID: "t1", Type: "digest.process", Input: input, FilePath: "notes/a.md"}))

	task, err := s.GetTask(ctx, "t1")
	require.NoError(t, err)
	assert.JSONEq(t, string(input), string(task.Input))
}

func TestUpsertSyncRecord_UnchangedHashKeepsStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	rec := &SearchSyncRecord{DocID: "a.md", FilePath: "a.md", Content: "hello", ContentHash: "h1"}
	require.NoError(t, s.UpsertSyncRecord(ctx, rec))
	require.NoError(t, s.SetEngineStatus(ctx, EngineKeyword, []string{"a.md"}, SyncStatusIndexed, StrPtr("task-1"), nil))

	// Same hash: keyword status must survive the upsert.
	require.NoError(t, s.UpsertSyncRecord(ctx, rec))
	got, err := s.GetSyncRecord(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, SyncStatusIndexed, got.KeywordStatus)

	// Changed hash: both engines drop back to pending.
	rec.Content = "hello world"
	rec.ContentHash = "h2"
	require.NoError(t, s.UpsertSyncRecord(ctx, rec))
	got, err = s.GetSyncRecord(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, SyncStatusPending, got.KeywordStatus)
	assert.Equal(t, SyncStatusPending, got.VectorStatus)
}

func TestSetEngineStatus_EnginesIndependent(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertSyncRecord(ctx, &SearchSyncRecord{DocID: "a.md", FilePath: "a.md", ContentHash: "h"}))
	require.NoError(t, s.SetEngineStatus(ctx, EngineKeyword, []string{"a.md"}, SyncStatusIndexed, StrPtr("kt"), nil))
	require.NoError(t, s.SetEngineStatus(ctx, EngineVector, []string{"a.md"}, SyncStatusError, StrPtr("vt"), StrPtr("engine down")))

	got, err := s.GetSyncRecord(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, SyncStatusIndexed, got.KeywordStatus)
	assert.Equal(t, SyncStatusError, got.VectorStatus)
	require.NotNil(t, got.VectorError)
	assert.Equal(t, "engine down", *got.VectorError)
	assert.Nil(t, got.KeywordError)
}

func TestClearSyncStatuses(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertSyncRecord(ctx, &SearchSyncRecord{DocID: "a.md", FilePath: "a.md", ContentHash: "h"}))
	require.NoError(t, s.SetEngineStatus(ctx, EngineKeyword, []string{"a.md"}, SyncStatusIndexed, StrPtr("kt"), nil))

	require.NoError(t, s.ClearSyncStatuses(ctx, EngineKeyword))

	got, err := s.GetSyncRecord(ctx, "a.md")
	require.NoError(t, err)
	assert.Equal(t, SyncStatusPending, got.KeywordStatus)
	assert.Nil(t, got.KeywordTaskID)
}

func TestBlobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.WriteBlob(ctx, "a.md/shot.png", []byte{0xde, 0xad}))
	data, err := s.ReadBlob(ctx, "a.md/shot.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad}, data)

	// Overwrite
	require.NoError(t, s.WriteBlob(ctx, "a.md/shot.png", []byte{0xbe, 0xef}))
	data, err = s.ReadBlob(ctx, "a.md/shot.png")
	require.NoError(t, err)
	assert.Equal(t, []byte{0xbe, 0xef}, data)
}

func TestLikePrefix_EscapesMetacharacters(t *testing.T) {
	s := newTestStore(t)
	ctx := t.Context()

	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "odd_dir", Name: "odd_dir", IsFolder: true}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "odd_dir/f.txt", Name: "f.txt"}))
	require.NoError(t, s.UpsertFile(ctx, &FileRecord{Path: "oddXdir/g.txt", Name: "g.txt"}))

	require.NoError(t, s.DeletePath(ctx, "odd_dir"))

	got, err := s.GetFile(ctx, "oddXdir/g.txt")
	require.NoError(t, err)
	assert.NotNil(t, got, "underscore must not act as a wildcard")
}
