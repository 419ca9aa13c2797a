package watcher

import (
	"log/slog"
	"sync"
	"time"
)

// Debouncer coalesces rapid file signals to avoid acting on partial writes.
// Signals for the same path within the window are merged:
//   - CREATE + MODIFY = CREATE (file is still new)
//   - CREATE + DELETE = nothing (file never really existed)
//   - MODIFY + DELETE = DELETE (file is gone)
//   - DELETE + CREATE = MODIFY (file was replaced)
type Debouncer struct {
	window  time.Duration
	pending map[string]*pendingEvent
	mu      sync.Mutex
	output  chan []RawEvent
	timer   *time.Timer
	stopped bool
}

type pendingEvent struct {
	event   RawEvent
	firstOp Operation
}

// NewDebouncer creates a new debouncer with the given window duration.
func NewDebouncer(window time.Duration) *Debouncer {
	return &Debouncer{
		window:  window,
		pending: make(map[string]*pendingEvent),
		output:  make(chan []RawEvent, 10),
	}
}

// Add adds a signal to be debounced.
func (d *Debouncer) Add(event RawEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if existing, ok := d.pending[event.Path]; ok {
		coalesced := coalesce(existing, event)
		if coalesced == nil {
			delete(d.pending, event.Path)
		} else {
			existing.event = *coalesced
		}
	} else {
		d.pending[event.Path] = &pendingEvent{
			event:   event,
			firstOp: event.Operation,
		}
	}

	d.scheduleFlush()
}

// coalesce merges two signals for one path.
// Returns nil if the signals cancel each other out.
func coalesce(existing *pendingEvent, next RawEvent) *RawEvent {
	switch existing.firstOp {
	case OpCreate:
		switch next.Operation {
		case OpModify:
			return &existing.event
		case OpDelete:
			return nil
		default:
			return &next
		}

	case OpDelete:
		if next.Operation == OpCreate {
			result := next
			result.Operation = OpModify
			return &result
		}
		return &next

	default:
		return &next
	}
}

// scheduleFlush restarts the window timer.
func (d *Debouncer) scheduleFlush() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.flush)
}

// flush emits all pending signals as one batch.
func (d *Debouncer) flush() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped || len(d.pending) == 0 {
		return
	}

	events := make([]RawEvent, 0, len(d.pending))
	for _, pe := range d.pending {
		events = append(events, pe.event)
	}
	d.pending = make(map[string]*pendingEvent)

	select {
	case d.output <- events:
	default:
		slog.Warn("debouncer output full, dropping batch",
			slog.Int("batch_size", len(events)))
	}
}

// Output returns the channel of debounced signal batches.
func (d *Debouncer) Output() <-chan []RawEvent {
	return d.output
}

// Stop stops the debouncer and closes the output channel.
// Safe to call multiple times.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
	close(d.output)
}
