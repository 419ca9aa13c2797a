package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"path/filepath"
	"runtime"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

// Scanner walks the full storage tree and reconciles it against the
// metadata store. It is the backstop for signals fsnotify missed: paths
// on disk are re-evaluated through the processor, and tracked records
// whose paths have vanished go through the delete cascade.
type Scanner struct {
	root      string
	store     *db.Store
	processor *Processor
	opts      Options
}

// NewScanner creates a scanner over root backed by the given store.
func NewScanner(root string, store *db.Store, opts Options) (*Scanner, error) {
	opts = opts.WithDefaults()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	processor, err := NewProcessor(absRoot, store, opts)
	if err != nil {
		return nil, err
	}
	return &Scanner{
		root:      absRoot,
		store:     store,
		processor: processor,
		opts:      opts,
	}, nil
}

// SetDeleteNotifier registers the engine-delete hook on the scanner's
// processor.
func (s *Scanner) SetDeleteNotifier(n DeleteNotifier) {
	s.processor.SetDeleteNotifier(n)
}

// Scan reconciles the tree once. Each logical change found is passed to
// emit, which must be safe for concurrent use. Evaluation runs in parallel
// across paths; per-path work is a single evaluation so no sequencing is
// needed here.
func (s *Scanner) Scan(ctx context.Context, emit func(*FileChangeEvent)) error {
	start := time.Now()

	seen := make(map[string]struct{})

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())

	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			slog.Warn("skipping path during scan",
				slog.String("path", path),
				slog.String("error", err.Error()))
			return nil
		}

		relPath, relErr := filepath.Rel(s.root, path)
		if relErr != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return nil
		}
		if ignored(relPath, s.opts.ReservedFolders) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		seen[relPath] = struct{}{}

		g.Go(func() error {
			event, perr := s.processor.Process(gctx, relPath)
			if perr != nil {
				return perr
			}
			if event != nil {
				emit(event)
			}
			return nil
		})
		return gctx.Err()
	})
	if err != nil {
		return err
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := s.reapVanished(ctx, seen); err != nil {
		return err
	}

	slog.Info("scan complete",
		slog.Int("paths", len(seen)),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// reapVanished cascades deletes for tracked records no longer on disk.
// Folder cascades cover their descendants, so a record is skipped when an
// already-deleted ancestor has taken it out. Deletions need no change
// event: the cascade removes every derived row directly.
func (s *Scanner) reapVanished(ctx context.Context, seen map[string]struct{}) error {
	records, err := s.store.ListFiles(ctx)
	if err != nil {
		return err
	}

	deleted := make(map[string]struct{})
	for _, rec := range records {
		if _, ok := seen[rec.Path]; ok {
			continue
		}
		if underDeleted(rec.Path, deleted) {
			continue
		}

		slog.Info("tracked path missing on disk, cascading delete",
			slog.String("path", rec.Path))
		if err := s.processor.cascadeDelete(ctx, rec.Path); err != nil {
			return err
		}
		deleted[rec.Path] = struct{}{}
	}
	return nil
}

// underDeleted reports whether path falls under an already-deleted folder.
func underDeleted(path string, deleted map[string]struct{}) bool {
	for p := range deleted {
		if len(path) > len(p) && path[:len(p)] == p && path[len(p)] == '/' {
			return true
		}
	}
	return false
}
