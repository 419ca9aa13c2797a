package watcher

import (
	"sync"
)

// Sequencer runs work sequentially per key while unrelated keys run in
// parallel. Each active key owns a FIFO queue drained by one goroutine;
// the goroutine tears down when its queue empties. Work submitted for a key
// already being processed is appended to that key's queue rather than run
// concurrently with it.
type Sequencer struct {
	mu     sync.Mutex
	queues map[string][]func()
	wg     sync.WaitGroup
	closed bool
}

// NewSequencer creates an empty keyed sequencer.
func NewSequencer() *Sequencer {
	return &Sequencer{
		queues: make(map[string][]func()),
	}
}

// Do schedules fn under key. Returns false if the sequencer is closed.
func (s *Sequencer) Do(key string, fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false
	}

	if queue, active := s.queues[key]; active {
		s.queues[key] = append(queue, fn)
		return true
	}

	// First entry for this key: start its runner.
	s.queues[key] = nil
	s.wg.Add(1)
	go s.run(key, fn)
	return true
}

// run executes fn, then drains the key's queue until it empties.
func (s *Sequencer) run(key string, fn func()) {
	defer s.wg.Done()

	for {
		fn()

		s.mu.Lock()
		queue := s.queues[key]
		if len(queue) == 0 {
			delete(s.queues, key)
			s.mu.Unlock()
			return
		}
		fn = queue[0]
		s.queues[key] = queue[1:]
		s.mu.Unlock()
	}
}

// Close stops accepting work and waits for all in-flight queues to drain.
// Work queued before Close still runs.
func (s *Sequencer) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.wg.Wait()
}

// Active returns the number of keys currently being processed.
func (s *Sequencer) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues)
}
