// Package queue is the durable asynchronous job runner driving both digest
// orchestration and search-index synchronization. Tasks live in the metadata
// store; workers claim them with an optimistic compare-and-swap, so at most
// one worker executes a given task even under concurrent pollers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/panjf2000/ants/v2"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// DefaultMaxAttempts bounds retries for handlers that do not set their own.
const DefaultMaxAttempts = 3

// Handler executes one claimed task. The returned output is marshalled and
// stored on the task row. A returned error marks the task failed; retryable
// errors are re-scheduled with backoff up to the handler's attempts policy.
type Handler func(ctx context.Context, task *db.Task) (output any, err error)

// HandlerSpec is a registered handler and its retry policy.
type HandlerSpec struct {
	Handler     Handler
	MaxAttempts int // 0 means DefaultMaxAttempts
}

// Options configures the queue runtime.
type Options struct {
	// Workers bounds handler concurrency. Default: 4.
	Workers int

	// PollInterval is the idle wait between claim sweeps. Default: 500ms.
	PollInterval time.Duration

	// ShutdownGrace bounds the wait for in-flight handlers at stop.
	// Default: 10s.
	ShutdownGrace time.Duration

	// RetryBackoff is the initial retry delay after a failure; it doubles
	// per attempt up to MaxRetryBackoff. Defaults: 30s, 10m.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// StaleClaimTimeout is the liveness cutoff for the stale-claim reaper:
	// in-progress tasks whose last attempt is older are swept back to todo.
	// Zero disables the reaper. Default: 15m.
	StaleClaimTimeout time.Duration
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.ShutdownGrace <= 0 {
		o.ShutdownGrace = 10 * time.Second
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 30 * time.Second
	}
	if o.MaxRetryBackoff <= 0 {
		o.MaxRetryBackoff = 10 * time.Minute
	}
	return o
}

// Queue claims eligible tasks and dispatches them to registered handlers
// on a bounded worker pool.
type Queue struct {
	store *db.Store
	opts  Options
	pool  *ants.Pool

	mu       sync.RWMutex
	handlers map[string]HandlerSpec
	types    []string

	inflight sync.WaitGroup
	backoff  pipeerrors.RetryConfig
}

// New creates a queue over the given store.
func New(store *db.Store, opts Options) (*Queue, error) {
	opts = opts.WithDefaults()

	pool, err := ants.NewPool(opts.Workers)
	if err != nil {
		return nil, fmt.Errorf("create worker pool: %w", err)
	}

	return &Queue{
		store:    store,
		opts:     opts,
		pool:     pool,
		handlers: make(map[string]HandlerSpec),
		backoff: pipeerrors.RetryConfig{
			InitialDelay: opts.RetryBackoff,
			MaxDelay:     opts.MaxRetryBackoff,
			Multiplier:   2,
		},
	}, nil
}

// Register binds a handler to a task type. Only registered types are
// claimed from the store. Must be called before Run.
func (q *Queue) Register(taskType string, spec HandlerSpec) error {
	if spec.Handler == nil {
		return pipeerrors.ValidationError("handler must not be nil")
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = DefaultMaxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.handlers[taskType]; dup {
		return pipeerrors.ValidationError(fmt.Sprintf("handler for %q already registered", taskType))
	}
	q.handlers[taskType] = spec
	q.types = append(q.types, taskType)
	return nil
}

// EnqueueOption customizes a task at enqueue time.
type EnqueueOption func(*db.Task)

// WithFilePath ties the task to a file path so path deletes cascade to it.
func WithFilePath(path string) EnqueueOption {
	return func(t *db.Task) { t.FilePath = path }
}

// WithRunAfter defers first eligibility.
func WithRunAfter(at time.Time) EnqueueOption {
	return func(t *db.Task) { t.RunAfter = &at }
}

// Enqueue persists a new task and returns its id. The input is marshalled
// to JSON and handed to the handler as-is at execution time.
func (q *Queue) Enqueue(ctx context.Context, taskType string, input any, opts ...EnqueueOption) (string, error) {
	payload, err := json.Marshal(input)
	if err != nil {
		return "", pipeerrors.ValidationError(fmt.Sprintf("marshal task input: %v", err))
	}

	task := &db.Task{
		ID:    uuid.NewString(),
		Type:  taskType,
		Input: payload,
	}
	for _, opt := range opts {
		opt(task)
	}

	if err := q.store.InsertTask(ctx, task); err != nil {
		return "", err
	}
	slog.Debug("task enqueued",
		slog.String("task_id", task.ID),
		slog.String("type", taskType))
	return task.ID, nil
}

// Run polls for eligible tasks until ctx is cancelled, then drains
// in-flight handlers within the shutdown grace period. Handlers still
// running when the grace period elapses are abandoned in place; the
// stale-claim reaper recovers their rows later.
func (q *Queue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	var reapTick <-chan time.Time
	if q.opts.StaleClaimTimeout > 0 {
		reaper := time.NewTicker(q.opts.StaleClaimTimeout / 3)
		defer reaper.Stop()
		reapTick = reaper.C
	}

	for {
		select {
		case <-ctx.Done():
			return q.drain()
		case <-ticker.C:
			q.sweep(ctx)
		case <-reapTick:
			q.reap(ctx)
		}
	}
}

// sweep claims and dispatches eligible tasks until the store runs dry or
// the pool is saturated.
func (q *Queue) sweep(ctx context.Context) {
	for {
		if ctx.Err() != nil || q.pool.Free() == 0 {
			return
		}

		snapshot, err := q.store.NextEligibleTask(ctx, q.registeredTypes())
		if err != nil {
			slog.Error("task poll failed", slog.String("error", err.Error()))
			return
		}
		if snapshot == nil {
			return
		}

		claimed, err := q.store.ClaimTask(ctx, snapshot)
		if err != nil {
			// A losing racer just moves on to the next eligible task.
			if pipeerrors.GetCode(err) == pipeerrors.ErrCodeClaimConflict {
				continue
			}
			slog.Error("task claim failed",
				slog.String("task_id", snapshot.ID),
				slog.String("error", err.Error()))
			return
		}

		q.inflight.Add(1)
		task := claimed
		// Handlers outlive poll cancellation so the shutdown grace period
		// can let them finish.
		execCtx := context.WithoutCancel(ctx)
		if err := q.pool.Submit(func() {
			defer q.inflight.Done()
			q.execute(execCtx, task)
		}); err != nil {
			q.inflight.Done()
			// Pool is closed or saturated; leave the row in-progress for
			// the reaper rather than double-claiming.
			slog.Warn("worker pool rejected task",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()))
			return
		}
	}
}

// execute runs one claimed task to completion. A handler panic is caught
// and treated as a terminal failure.
func (q *Queue) execute(ctx context.Context, task *db.Task) {
	spec, ok := q.handler(task.Type)
	if !ok {
		// Types are filtered at claim time, so this is a programming error.
		slog.Error("no handler for claimed task", slog.String("type", task.Type))
		return
	}

	started := time.Now()
	output, err := q.invoke(ctx, spec.Handler, task)
	if err != nil {
		q.recordFailure(ctx, task, spec, err)
		return
	}

	encoded, merr := json.Marshal(output)
	if merr != nil {
		encoded = []byte(fmt.Sprintf("%q", fmt.Sprint(output)))
	}
	if err := q.store.CompleteTask(ctx, task.ID, string(encoded)); err != nil {
		slog.Error("failed to record task success",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}
	slog.Info("task complete",
		slog.String("task_id", task.ID),
		slog.String("type", task.Type),
		slog.Duration("elapsed", time.Since(started)))
}

// invoke runs the handler with panic isolation.
func (q *Queue) invoke(ctx context.Context, h Handler, task *db.Task) (output any, err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("handler panic",
				slog.String("task_id", task.ID),
				slog.String("type", task.Type),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = pipeerrors.New(pipeerrors.ErrCodeInternal, fmt.Sprintf("handler panic: %v", r), nil)
		}
	}()
	return h(ctx, task)
}

// recordFailure marks the task failed, scheduling a retry with exponential
// backoff while attempts remain and the error is retryable.
func (q *Queue) recordFailure(ctx context.Context, task *db.Task, spec HandlerSpec, taskErr error) {
	attempts := task.Attempts + 1
	var runAfter *time.Time
	if attempts < spec.MaxAttempts && retryable(taskErr) {
		due := time.Now().Add(q.backoff.Backoff(attempts))
		runAfter = &due
	}

	if err := q.store.FailTask(ctx, task.ID, taskErr.Error(), runAfter); err != nil {
		slog.Error("failed to record task failure",
			slog.String("task_id", task.ID),
			slog.String("error", err.Error()))
		return
	}

	if runAfter != nil {
		slog.Warn("task failed, retry scheduled",
			slog.String("task_id", task.ID),
			slog.String("type", task.Type),
			slog.Int("attempts", attempts),
			slog.Time("run_after", *runAfter),
			slog.String("error", taskErr.Error()))
	} else {
		slog.Error("task failed permanently",
			slog.String("task_id", task.ID),
			slog.String("type", task.Type),
			slog.Int("attempts", attempts),
			slog.String("category", string(pipeerrors.GetCategory(taskErr))),
			slog.String("error", taskErr.Error()))
	}
}

// reap sweeps abandoned in-progress tasks back to todo.
func (q *Queue) reap(ctx context.Context) {
	n, err := q.store.ReapStaleTasks(ctx, q.opts.StaleClaimTimeout)
	if err != nil {
		slog.Error("stale-claim reap failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		slog.Warn("reclaimed stale tasks", slog.Int("count", n))
	}
}

// drain waits for in-flight handlers up to the shutdown grace period, then
// releases the pool. Rows still in-progress are left in place.
func (q *Queue) drain() error {
	done := make(chan struct{})
	go func() {
		q.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(q.opts.ShutdownGrace):
		slog.Warn("shutdown grace elapsed, abandoning in-flight tasks")
	}

	q.pool.Release()
	return nil
}

// retryable reports whether a handler error deserves another attempt.
// Classified pipeline errors carry their own retryability; anything
// unclassified is assumed transient.
func retryable(err error) bool {
	var pe *pipeerrors.PipelineError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

func (q *Queue) handler(taskType string) (HandlerSpec, bool) {
	q.mu.RLock()
	defer q.mu.RUnlock()
	spec, ok := q.handlers[taskType]
	return spec, ok
}

func (q *Queue) registeredTypes() []string {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return append([]string(nil), q.types...)
}
