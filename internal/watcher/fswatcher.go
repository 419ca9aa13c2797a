package watcher

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
)

// Watcher observes the storage root with fsnotify, debounces raw signals,
// and pipes each surviving signal through the keyed sequencer into the
// processor. Logical changes come out of Events().
type Watcher struct {
	root      string
	opts      Options
	fsWatcher *fsnotify.Watcher
	debouncer *Debouncer
	sequencer *Sequencer
	processor *Processor

	events  chan *FileChangeEvent
	errors  chan error
	ready   chan struct{}
	stopCh  chan struct{}
	mu      sync.RWMutex
	stopped bool

	droppedEvents atomic.Uint64
}

// New creates a watcher over root backed by the given store.
func New(root string, store *db.Store, opts Options) (*Watcher, error) {
	opts = opts.WithDefaults()

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve absolute path: %w", err)
	}

	processor, err := NewProcessor(absRoot, store, opts)
	if err != nil {
		return nil, err
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}

	return &Watcher{
		root:      absRoot,
		opts:      opts,
		fsWatcher: fsw,
		debouncer: NewDebouncer(opts.DebounceWindow),
		sequencer: NewSequencer(),
		processor: processor,
		events:    make(chan *FileChangeEvent, opts.EventBufferSize),
		errors:    make(chan error, 10),
		ready:     make(chan struct{}),
		stopCh:    make(chan struct{}),
	}, nil
}

// Start begins watching. It blocks until ctx is cancelled or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.addRecursive(w.root); err != nil {
		return fmt.Errorf("add directories to watcher: %w", err)
	}
	close(w.ready)

	go w.consumeBatches(ctx)

	for {
		select {
		case <-ctx.Done():
			_ = w.Stop()
			return ctx.Err()
		case <-w.stopCh:
			return nil
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return nil
			}
			w.handleFsnotifyEvent(event)
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.emitError(err)
		}
	}
}

// handleFsnotifyEvent converts and filters raw fsnotify events.
func (w *Watcher) handleFsnotifyEvent(event fsnotify.Event) {
	relPath, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}
	relPath = filepath.ToSlash(relPath)

	if ignored(relPath, w.opts.ReservedFolders) {
		return
	}

	var op Operation
	switch {
	case event.Op&fsnotify.Create != 0:
		op = OpCreate
		// New directories need their own fsnotify registration.
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsWatcher.Add(event.Name)
		}
	case event.Op&fsnotify.Write != 0:
		op = OpModify
	case event.Op&fsnotify.Remove != 0:
		op = OpDelete
	case event.Op&fsnotify.Rename != 0:
		op = OpRename
	default:
		// Chmod and unknown ops carry no content signal.
		return
	}

	w.debouncer.Add(RawEvent{
		Path:      relPath,
		Operation: op,
		Timestamp: time.Now(),
	})
}

// consumeBatches drains debounced batches into the per-path sequencer.
// Each path is evaluated sequentially in arrival order; distinct paths
// run in parallel.
func (w *Watcher) consumeBatches(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case batch, ok := <-w.debouncer.Output():
			if !ok {
				return
			}
			for _, raw := range batch {
				path := raw.Path
				w.sequencer.Do(path, func() {
					w.evaluate(ctx, path)
				})
			}
		}
	}
}

// evaluate runs the processor for one path and emits the resulting change.
func (w *Watcher) evaluate(ctx context.Context, relPath string) {
	event, err := w.processor.Process(ctx, relPath)
	if err != nil {
		w.emitError(err)
		return
	}
	if event != nil {
		w.emitEvent(event)
	}
}

// addRecursive registers every non-ignored directory under root.
func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // Skip directories we can't access
		}
		if !d.IsDir() {
			return nil
		}

		relPath, _ := filepath.Rel(root, path)
		relPath = filepath.ToSlash(relPath)
		if relPath == "." {
			return w.fsWatcher.Add(path)
		}
		if ignored(relPath, w.opts.ReservedFolders) {
			return filepath.SkipDir
		}
		return w.fsWatcher.Add(path)
	})
}

// emitEvent sends one logical change to the output channel.
func (w *Watcher) emitEvent(event *FileChangeEvent) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case w.events <- event:
	default:
		count := w.droppedEvents.Add(1)
		slog.Warn("change event buffer full, dropping event",
			slog.String("path", event.FilePath),
			slog.Uint64("total_dropped", count))
	}
}

// emitError sends an error to the error channel.
func (w *Watcher) emitError(err error) {
	w.mu.RLock()
	stopped := w.stopped
	w.mu.RUnlock()

	if stopped {
		return
	}

	select {
	case w.errors <- err:
	default:
	}
}

// Stop stops the watcher, drains in-flight per-path work, and releases
// resources. Safe to call multiple times.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.stopped = true
	close(w.stopCh)
	w.mu.Unlock()

	w.debouncer.Stop()
	_ = w.fsWatcher.Close()
	w.sequencer.Close()

	close(w.events)
	close(w.errors)
	return nil
}

// SetDeleteNotifier registers the engine-delete hook on the watcher's
// processor.
func (w *Watcher) SetDeleteNotifier(n DeleteNotifier) {
	w.processor.SetDeleteNotifier(n)
}

// Ready is closed once every directory is registered with fsnotify, i.e.
// when changes can no longer be missed.
func (w *Watcher) Ready() <-chan struct{} {
	return w.ready
}

// Events returns the channel of logical file changes.
func (w *Watcher) Events() <-chan *FileChangeEvent {
	return w.events
}

// Errors returns the channel of watcher errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// DroppedEvents returns the number of events dropped due to buffer overflow.
func (w *Watcher) DroppedEvents() uint64 {
	return w.droppedEvents.Load()
}

// IsHealthy reports whether the watcher is running.
func (w *Watcher) IsHealthy() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return !w.stopped
}
