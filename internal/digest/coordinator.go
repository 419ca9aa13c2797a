package digest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/queue"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/watcher"
)

// TaskTypeProcess is the task type driving digest orchestration for a file.
const TaskTypeProcess = "digest.process"

// ProcessInput is the payload of a digest.process task.
type ProcessInput struct {
	FilePath string `json:"filePath"`
	// Digester scopes execution to one named digester; empty runs all.
	Digester string `json:"digester,omitempty"`
}

// ProcessResult summarizes one orchestration pass for the task output.
type ProcessResult struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Enqueuer is the slice of the task queue the coordinator needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, taskType string, input any, opts ...queue.EnqueueOption) (string, error)
}

// Coordinator orchestrates digesters for files. Digesters for one file run
// sequentially in registration order inside a single task; different files
// digest in parallel across queue workers.
type Coordinator struct {
	store    *db.Store
	registry *Registry
	tasks    Enqueuer
}

// NewCoordinator creates a coordinator over the given registry.
func NewCoordinator(store *db.Store, registry *Registry, tasks Enqueuer) *Coordinator {
	return &Coordinator{store: store, registry: registry, tasks: tasks}
}

// RegisterHandlers binds the coordinator's task handler to the queue.
func (c *Coordinator) RegisterHandlers(q *queue.Queue) error {
	return q.Register(TaskTypeProcess, queue.HandlerSpec{
		Handler:     c.handleProcessTask,
		MaxAttempts: MaxAttempts,
	})
}

func (c *Coordinator) handleProcessTask(ctx context.Context, task *db.Task) (any, error) {
	var in ProcessInput
	if err := json.Unmarshal(task.Input, &in); err != nil {
		return nil, pipeerrors.ValidationError(fmt.Sprintf("malformed digest.process input: %v", err))
	}
	if in.FilePath == "" {
		return nil, pipeerrors.ValidationError("digest.process input missing filePath")
	}
	return c.ProcessFile(ctx, in.FilePath, in.Digester)
}

// HandleFileChange reacts to one logical file change: resets digests when
// the content fingerprint moved, ensures placeholder rows, and enqueues an
// orchestration task. Returns the enqueued task id.
func (c *Coordinator) HandleFileChange(ctx context.Context, event *watcher.FileChangeEvent) (string, error) {
	if event.ShouldInvalidateDigests {
		if err := c.store.ResetDigestsForFile(ctx, event.FilePath, ""); err != nil {
			return "", err
		}
		slog.Info("digests invalidated by content change",
			slog.String("path", event.FilePath))
	}

	if err := c.store.EnsureDigestPlaceholders(ctx, event.FilePath, c.registry.Names()); err != nil {
		return "", err
	}

	return c.tasks.Enqueue(ctx, TaskTypeProcess,
		ProcessInput{FilePath: event.FilePath},
		queue.WithFilePath(event.FilePath))
}

// ProcessFile runs one orchestration pass (or several, when a cascade
// resets earlier digesters) for a file. only, when non-empty, scopes
// execution to that single digester and disables the re-pass loop.
//
// A retryable error is returned when at least one digester failed with
// attempts remaining, so the queue reschedules the task with backoff.
func (c *Coordinator) ProcessFile(ctx context.Context, filePath, only string) (*ProcessResult, error) {
	file, err := c.store.GetFile(ctx, filePath)
	if err != nil {
		return nil, err
	}
	if file == nil {
		return nil, pipeerrors.UnknownFile(filePath)
	}
	if file.IsFolder {
		return nil, pipeerrors.ValidationError(fmt.Sprintf("cannot digest folder %s", filePath))
	}
	if only != "" && c.registry.Get(only) == nil {
		return nil, pipeerrors.ValidationError(fmt.Sprintf("unknown digester %q", only))
	}

	if err := c.store.EnsureDigestPlaceholders(ctx, filePath, c.registry.Names()); err != nil {
		return nil, err
	}

	result := &ProcessResult{}
	// The cascade re-pass is bounded: each extra pass requires a content
	// change in some digester, and a stable pipeline converges quickly.
	maxPasses := len(c.registry.All()) + 1
	for pass := 0; pass < maxPasses; pass++ {
		cascaded, err := c.runPass(ctx, file, only, result)
		if err != nil {
			return nil, err
		}
		if !cascaded || only != "" {
			break
		}
	}

	// Every failure that actually ran this pass surfaces to the caller, the
	// final attempt included. A later run where exhausted rows are simply
	// skipped reports success.
	if result.Failed > 0 {
		return result, pipeerrors.New(pipeerrors.ErrCodeDigesterFailed,
			fmt.Sprintf("%d digester(s) failed for %s", result.Failed, filePath), nil)
	}
	return result, nil
}

// runPass runs every eligible digester once, in registration order.
// Returns true when some completion changed content and cascaded a reset.
func (c *Coordinator) runPass(ctx context.Context, file *db.FileRecord, only string, result *ProcessResult) (bool, error) {
	cascaded := false

	for _, d := range c.registry.All() {
		if only != "" && d.Name() != only {
			continue
		}

		existing, err := c.store.GetDigests(ctx, file.Path)
		if err != nil {
			return cascaded, err
		}

		row := FindDigest(existing, d.Name())
		if row == nil || !eligible(row) {
			continue
		}

		can, err := d.CanDigest(ctx, file, existing)
		if err != nil {
			slog.Warn("canDigest failed",
				slog.String("path", file.Path),
				slog.String("digester", d.Name()),
				slog.String("error", err.Error()))
			continue
		}
		if !can {
			// Not applicable to this content version. A cascade reset puts
			// the row back to todo for re-evaluation.
			result.Skipped++
			if err := c.store.SkipDigest(ctx, file.Path, d.Name()); err != nil {
				return cascaded, err
			}
			continue
		}

		changed, err := c.runDigester(ctx, d, file, existing, row, result)
		if err != nil {
			return cascaded, err
		}
		if changed {
			if err := c.store.ResetDigestsForFile(ctx, file.Path, d.Name()); err != nil {
				return cascaded, err
			}
			slog.Info("digest content changed, cascading reset",
				slog.String("path", file.Path),
				slog.String("digester", d.Name()))
			cascaded = true
		}
	}
	return cascaded, nil
}

// runDigester executes one digester with panic isolation and persists the
// outcome on its own row. Returns whether the primary output's content
// differs from the previous completed value.
func (c *Coordinator) runDigester(ctx context.Context, d Digester, file *db.FileRecord, existing []*db.Digest, row *db.Digest, result *ProcessResult) (bool, error) {
	// Previous content survives resets, so cascade decisions compare
	// against the last completed value rather than always firing.
	prev := row.Content

	if err := c.store.MarkDigestInProgress(ctx, file.Path, d.Name()); err != nil {
		return false, err
	}

	outputs, digErr := invokeDigester(ctx, d, file, existing)
	if digErr != nil {
		result.Failed++
		ferr := pipeerrors.DigesterFailed(d.Name(), digErr)
		slog.Warn("digester failed",
			slog.String("path", file.Path),
			slog.String("digester", d.Name()),
			slog.Int("attempts", row.Attempts+1),
			slog.String("error", digErr.Error()))
		return false, c.store.FailDigest(ctx, file.Path, d.Name(), ferr.Error())
	}

	if outputs == nil {
		// Not applicable right now: put the row back to todo untouched.
		result.Skipped++
		return false, c.store.ResetDigestToTodo(ctx, file.Path, d.Name())
	}

	// An empty successful result still completes the row so downstream
	// cascades are not blocked indefinitely.
	var primary *string
	sawPrimary := false
	for i := range outputs {
		out := &outputs[i]
		name := out.Digester
		if name == "" {
			name = d.Name()
		}
		if out.SqlarName != nil && out.SqlarData != nil {
			if err := c.store.WriteBlob(ctx, *out.SqlarName, out.SqlarData); err != nil {
				return false, err
			}
		}
		if name != d.Name() {
			if err := c.store.EnsureDigestPlaceholders(ctx, file.Path, []string{name}); err != nil {
				return false, err
			}
		}
		if err := c.store.CompleteDigest(ctx, file.Path, name, out.Content, out.SqlarName); err != nil {
			return false, err
		}
		if name == d.Name() {
			primary = out.Content
			sawPrimary = true
		}
	}
	if !sawPrimary {
		if err := c.store.CompleteDigest(ctx, file.Path, d.Name(), nil, nil); err != nil {
			return false, err
		}
	}
	result.Completed++

	// A first-ever completion has no stale dependents: rows are still todo
	// and run in this same pass, so only a changed prior value cascades.
	return prev != nil && !contentEqual(prev, primary), nil
}

// invokeDigester calls Digest with panic recovery so one digester cannot
// take down the worker or its siblings.
func invokeDigester(ctx context.Context, d Digester, file *db.FileRecord, existing []*db.Digest) (outputs []Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("digester panic",
				slog.String("digester", d.Name()),
				slog.String("path", file.Path),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			outputs = nil
			err = fmt.Errorf("digester panic: %v", r)
		}
	}()
	return d.Digest(ctx, file, existing)
}

// KnownDigester reports whether a digester name is registered. Boundary
// layers use it to reject bad names before any work is enqueued.
func (c *Coordinator) KnownDigester(name string) bool {
	return c.registry.Get(name) != nil
}

// ResetDigester deletes every row for one digester and recreates todo
// placeholders, then enqueues an orchestration task per file. Backs the
// administrative "reprocess everything with digester X" operation.
func (c *Coordinator) ResetDigester(ctx context.Context, name string) (int, error) {
	if c.registry.Get(name) == nil {
		return 0, pipeerrors.ValidationError(fmt.Sprintf("unknown digester %q", name))
	}

	n, err := c.store.ResetDigester(ctx, name)
	if err != nil {
		return 0, err
	}

	files, err := c.store.ListRegularFiles(ctx)
	if err != nil {
		return n, err
	}
	for _, f := range files {
		if _, err := c.tasks.Enqueue(ctx, TaskTypeProcess,
			ProcessInput{FilePath: f.Path},
			queue.WithFilePath(f.Path)); err != nil {
			return n, err
		}
	}

	slog.Info("digester reset",
		slog.String("digester", name),
		slog.Int("placeholders", n))
	return n, nil
}

// eligible reports whether a digest row is due for execution.
func eligible(row *db.Digest) bool {
	switch row.Status {
	case db.DigestStatusTodo:
		return true
	case db.DigestStatusFailed:
		return row.Attempts < MaxAttempts
	default:
		return false
	}
}

// contentEqual compares two nullable content values.
func contentEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
