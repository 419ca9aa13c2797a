package supervisor

import (
	"context"
	"log/slog"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/digest"
	"github.com/xiaoyuanzhu-com/my-life-db/internal/watcher"
)

// ChangeHandler turns a logical file change into pipeline work and returns
// the id of the task it enqueued.
type ChangeHandler interface {
	HandleFileChange(ctx context.Context, event *watcher.FileChangeEvent) (string, error)
}

// DigestRunner runs orchestration synchronously for one file.
type DigestRunner interface {
	ProcessFile(ctx context.Context, filePath, only string) (*digest.ProcessResult, error)
}

// PipelineWorker is the supervised watcher/digest actor. It owns the
// filesystem watcher for its lifetime: file changes flow out as protocol
// messages after being handed to the change handler, and inbound digest
// messages run orchestration synchronously.
type PipelineWorker struct {
	watcher *watcher.Watcher
	changes ChangeHandler
	digests DigestRunner
}

// NewPipelineWorker wires a worker over its collaborators.
func NewPipelineWorker(w *watcher.Watcher, changes ChangeHandler, digests DigestRunner) *PipelineWorker {
	return &PipelineWorker{watcher: w, changes: changes, digests: digests}
}

// Run implements Worker. The watcher failing to start or dying is fatal to
// the worker; the supervisor's restart policy is the recovery path.
func (w *PipelineWorker) Run(ctx context.Context, inbox <-chan Message, outbox chan<- Message) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	go func() { watchErr <- w.watcher.Start(runCtx) }()

	// Announce readiness only once the watcher covers the tree; changes made
	// after ready must never be missed.
	select {
	case <-w.watcher.Ready():
		emit(outbox, Message{Type: MsgReady})
	case err := <-watchErr:
		return err
	case <-ctx.Done():
		_ = w.watcher.Stop()
		return ctx.Err()
	}

	for {
		select {
		case err := <-watchErr:
			return err

		case event, ok := <-w.watcher.Events():
			if !ok {
				continue
			}
			taskID, err := w.changes.HandleFileChange(ctx, event)
			if err != nil {
				slog.Error("file change handling failed",
					slog.String("path", event.FilePath),
					slog.String("error", err.Error()))
				continue
			}
			emit(outbox, Message{Type: MsgFileChange, Path: event.FilePath, TaskID: taskID})

		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			switch msg.Type {
			case MsgShutdown:
				cancel()
				_ = w.watcher.Stop()
				emit(outbox, Message{Type: MsgShutdownComplete})
				return nil

			case MsgDigest:
				emit(outbox, Message{Type: MsgDigestStarted, Path: msg.Path, Digester: msg.Digester})
				_, err := w.digests.ProcessFile(ctx, msg.Path, msg.Digester)
				complete := Message{Type: MsgDigestComplete, Path: msg.Path, Digester: msg.Digester}
				if err != nil {
					complete.Error = err.Error()
				}
				emit(outbox, complete)

			default:
				slog.Warn("unexpected message for worker", slog.String("type", string(msg.Type)))
			}

		case <-ctx.Done():
			_ = w.watcher.Stop()
			return ctx.Err()
		}
	}
}

// emit never blocks the worker loop on a slow host.
func emit(outbox chan<- Message, msg Message) {
	select {
	case outbox <- msg:
	default:
		slog.Warn("supervisor event buffer full, dropping message",
			slog.String("type", string(msg.Type)))
	}
}
