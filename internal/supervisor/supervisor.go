// Package supervisor isolates the watcher/digest subsystem behind a small
// typed message protocol and restarts it on unexpected exit. The worker is
// an in-process actor; the protocol stays wire-encodable so the worker can
// move out of process without changing either side.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// MessageType enumerates the host/worker protocol.
type MessageType string

const (
	MsgReady            MessageType = "ready"
	MsgDigest           MessageType = "digest"
	MsgDigestStarted    MessageType = "digest-started"
	MsgDigestComplete   MessageType = "digest-complete"
	MsgFileChange       MessageType = "file-change"
	MsgShutdown         MessageType = "shutdown"
	MsgShutdownComplete MessageType = "shutdown-complete"
)

// Message is one protocol frame. Only Type is always set.
type Message struct {
	Type     MessageType `json:"type"`
	Path     string      `json:"path,omitempty"`
	Digester string      `json:"digester,omitempty"`
	TaskID   string      `json:"taskId,omitempty"`
	Error    string      `json:"error,omitempty"`
}

// Worker is the supervised unit. Run consumes inbound protocol messages and
// emits outbound ones; it must send ready once started and
// shutdown-complete after seeing shutdown. Returning a non-nil error (or
// panicking) counts as an unexpected exit.
type Worker interface {
	Run(ctx context.Context, inbox <-chan Message, outbox chan<- Message) error
}

// WorkerFunc adapts a plain function to the Worker interface.
type WorkerFunc func(ctx context.Context, inbox <-chan Message, outbox chan<- Message) error

func (f WorkerFunc) Run(ctx context.Context, inbox <-chan Message, outbox chan<- Message) error {
	return f(ctx, inbox, outbox)
}

// RestartBackoff is the fixed delay before a crashed worker is restarted.
const RestartBackoff = 2 * time.Second

// Supervisor hosts a worker, forwards messages both ways, and restarts the
// worker after a fixed backoff on unexpected exit unless a shutdown is in
// progress.
type Supervisor struct {
	factory func() Worker
	backoff time.Duration

	inbox  chan Message
	events chan Message

	shuttingDown atomic.Bool
	restarts     atomic.Int64
	done         chan struct{}
	stopOnce     sync.Once
}

// New creates a supervisor over a worker factory. Each (re)start calls the
// factory for a fresh worker.
func New(factory func() Worker, backoff time.Duration) *Supervisor {
	if backoff <= 0 {
		backoff = RestartBackoff
	}
	return &Supervisor{
		factory: factory,
		backoff: backoff,
		inbox:   make(chan Message, 64),
		events:  make(chan Message, 64),
		done:    make(chan struct{}),
	}
}

// Run supervises until ctx is cancelled or a shutdown completes. It blocks;
// callers run it on its own goroutine (typically via errgroup).
func (s *Supervisor) Run(ctx context.Context) error {
	defer close(s.done)

	for {
		err := s.runOnce(ctx)

		if s.shuttingDown.Load() || ctx.Err() != nil {
			return ctx.Err()
		}

		s.restarts.Add(1)
		slog.Error("worker exited unexpectedly, restarting",
			slog.String("error", errString(err)),
			slog.Duration("backoff", s.backoff))

		select {
		case <-time.After(s.backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runOnce runs one worker instance to completion, converting panics into
// errors so a crashing worker never takes the host down.
func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker panic: %v", r)
		}
	}()
	return s.factory().Run(ctx, s.inbox, s.events)
}

// Send delivers a message to the worker. Returns false when the inbox is
// full or the supervisor has stopped.
func (s *Supervisor) Send(msg Message) bool {
	select {
	case <-s.done:
		return false
	case s.inbox <- msg:
		return true
	default:
		slog.Warn("worker inbox full, dropping message", slog.String("type", string(msg.Type)))
		return false
	}
}

// Events returns the stream of messages emitted by the worker.
func (s *Supervisor) Events() <-chan Message {
	return s.events
}

// Shutdown asks the worker to stop and waits for it to acknowledge, bounded
// by ctx. After Shutdown the supervisor never restarts the worker.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.shuttingDown.Store(true)
	s.stopOnce.Do(func() {
		select {
		case s.inbox <- Message{Type: MsgShutdown}:
		default:
		}
	})

	for {
		select {
		case msg := <-s.events:
			if msg.Type == MsgShutdownComplete {
				return nil
			}
		case <-s.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Restarts reports how many times the worker was restarted.
func (s *Supervisor) Restarts() int64 {
	return s.restarts.Load()
}

func errString(err error) string {
	if err == nil {
		return "clean exit"
	}
	return err.Error()
}
