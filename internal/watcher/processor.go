package watcher

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// hashCacheSize bounds the (path, mtime, size) -> hash memo.
const hashCacheSize = 4096

type hashCacheKey struct {
	path  string
	mtime int64
	size  int64
}

// Processor turns a debounced raw signal into metadata-store truth: it stats
// the path, fingerprints content, diffs against the stored record, upserts,
// and reports the logical change. Missing paths that were tracked go through
// the centralized delete cascade.
type Processor struct {
	root   string
	store  *db.Store
	opts   Options
	notify DeleteNotifier

	hashCache *lru.Cache[hashCacheKey, string]
}

// DeleteNotifier is told which indexable documents are about to vanish so
// engine-side deletions can be enqueued before the local records are gone.
type DeleteNotifier interface {
	EnqueueDelete(ctx context.Context, docIDs []string) error
}

// NewProcessor creates a processor for the given storage root.
func NewProcessor(root string, store *db.Store, opts Options) (*Processor, error) {
	cache, err := lru.New[hashCacheKey, string](hashCacheSize)
	if err != nil {
		return nil, err
	}
	return &Processor{
		root:      root,
		store:     store,
		opts:      opts.WithDefaults(),
		hashCache: cache,
	}, nil
}

// SetDeleteNotifier registers the engine-delete hook. Optional; without it
// deletions are local only.
func (p *Processor) SetDeleteNotifier(n DeleteNotifier) {
	p.notify = n
}

// Process evaluates one path and returns the logical change, or nil when
// nothing observable happened (untracked temp file vanished, folder upsert,
// unchanged re-observation of a folder). Stat and read errors are logged
// and dropped: a later real filesystem event or the periodic scan
// re-triggers evaluation.
func (p *Processor) Process(ctx context.Context, relPath string) (*FileChangeEvent, error) {
	absPath := filepath.Join(p.root, filepath.FromSlash(relPath))

	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, p.processAbsent(ctx, relPath)
		}
		ioErr := pipeerrors.TransientIO("stat "+relPath, err)
		slog.Warn("stat failed, dropping event",
			slog.String("path", relPath),
			slog.String("code", ioErr.Code),
			slog.String("error", ioErr.Error()))
		return nil, nil
	}

	if info.IsDir() {
		// Folders are tracked but never digested.
		return nil, p.store.UpsertFile(ctx, &db.FileRecord{
			Path:       relPath,
			Name:       filepath.Base(relPath),
			IsFolder:   true,
			ModifiedAt: info.ModTime(),
		})
	}

	return p.processFile(ctx, relPath, absPath, info)
}

// processFile fingerprints a regular file and upserts its record.
func (p *Processor) processFile(ctx context.Context, relPath, absPath string, info os.FileInfo) (*FileChangeEvent, error) {
	prev, err := p.store.GetFile(ctx, relPath)
	if err != nil {
		return nil, err
	}

	record := &db.FileRecord{
		Path:       relPath,
		Name:       filepath.Base(relPath),
		Size:       info.Size(),
		MimeType:   mimeTypeFor(relPath),
		ModifiedAt: info.ModTime(),
	}

	// Hash below the threshold; size is the change-detection fallback
	// above it.
	if info.Size() <= p.opts.HashSizeThreshold {
		hash, err := p.hashFile(absPath, info)
		if err != nil {
			ioErr := pipeerrors.TransientIO("hash "+relPath, err)
			slog.Warn("hash failed, dropping event",
				slog.String("path", relPath),
				slog.String("code", ioErr.Code),
				slog.String("error", ioErr.Error()))
			return nil, nil
		}
		record.Hash = hash
	}

	if isTextLike(record.MimeType) {
		preview, err := readPreview(absPath, p.opts.PreviewLines)
		if err != nil {
			slog.Warn("preview read failed",
				slog.String("path", relPath),
				slog.String("error", err.Error()))
		} else {
			record.TextPreview = preview
		}
	}

	event := &FileChangeEvent{
		FilePath:       relPath,
		IsNew:          prev == nil,
		ContentChanged: contentChanged(prev, record),
	}
	event.ShouldInvalidateDigests = event.ContentChanged

	if !event.IsNew && !event.ContentChanged && sameMeta(prev, record) {
		// Pure re-observation: nothing to persist, nothing to emit.
		return nil, nil
	}

	if err := p.store.UpsertFile(ctx, record); err != nil {
		return nil, err
	}
	return event, nil
}

// processAbsent handles a path that no longer exists on disk. Paths that
// were never tracked are a no-op (transient temp files); tracked paths go
// through the centralized delete cascade, which for folders cascades by
// path prefix to every descendant.
func (p *Processor) processAbsent(ctx context.Context, relPath string) error {
	prev, err := p.store.GetFile(ctx, relPath)
	if err != nil {
		return err
	}
	if prev == nil {
		return nil
	}

	slog.Info("path removed, cascading delete",
		slog.String("path", relPath),
		slog.Bool("is_folder", prev.IsFolder))
	return p.cascadeDelete(ctx, relPath)
}

// cascadeDelete runs the centralized delete for a tracked path, telling the
// notifier about disappearing documents first.
func (p *Processor) cascadeDelete(ctx context.Context, relPath string) error {
	if p.notify != nil {
		ids, err := p.store.SyncDocIDsUnder(ctx, relPath)
		if err != nil {
			return err
		}
		if len(ids) > 0 {
			// Enqueued before the cascade so the doc ids still exist;
			// the delete tasks themselves carry no file path and survive it.
			if err := p.notify.EnqueueDelete(ctx, ids); err != nil {
				slog.Warn("failed to enqueue engine deletes",
					slog.String("path", relPath),
					slog.String("error", err.Error()))
			}
		}
	}
	return p.store.DeletePath(ctx, relPath)
}

// contentChanged diffs the fingerprint: hash when both sides have one,
// size otherwise. A new file has no prior fingerprint and reports false.
func contentChanged(prev, next *db.FileRecord) bool {
	if prev == nil {
		return false
	}
	if prev.Hash != "" && next.Hash != "" {
		return prev.Hash != next.Hash
	}
	return prev.Size != next.Size
}

// sameMeta reports whether the observable metadata is unchanged. Mtimes
// are compared at millisecond precision, matching storage precision.
func sameMeta(prev, next *db.FileRecord) bool {
	return prev.Size == next.Size &&
		prev.Hash == next.Hash &&
		prev.ModifiedAt.UnixMilli() == next.ModifiedAt.UnixMilli()
}

// hashFile computes the SHA-256 content fingerprint, memoized on
// (path, mtime, size) so unchanged files are not re-read.
func (p *Processor) hashFile(absPath string, info os.FileInfo) (string, error) {
	key := hashCacheKey{path: absPath, mtime: info.ModTime().UnixNano(), size: info.Size()}
	if hash, ok := p.hashCache.Get(key); ok {
		return hash, nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	hash := hex.EncodeToString(h.Sum(nil))

	p.hashCache.Add(key, hash)
	return hash, nil
}

// readPreview returns the first n lines of a file.
func readPreview(absPath string, n int) (string, error) {
	if n <= 0 {
		return "", nil
	}

	f, err := os.Open(absPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for len(lines) < n && scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return strings.Join(lines, "\n"), nil
}

// mimeTypeFor resolves a MIME type from the file extension.
func mimeTypeFor(relPath string) string {
	ext := strings.ToLower(filepath.Ext(relPath))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case "":
		return "application/octet-stream"
	}
	mt := mime.TypeByExtension(ext)
	if mt == "" {
		return "application/octet-stream"
	}
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return mt
}

// isTextLike reports whether a preview should be extracted.
func isTextLike(mimeType string) bool {
	if strings.HasPrefix(mimeType, "text/") {
		return true
	}
	switch mimeType {
	case "application/json", "application/xml", "application/x-yaml", "application/javascript":
		return true
	}
	return false
}
