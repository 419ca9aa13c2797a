package watcher

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDebouncer_SingleEvent_PassesThrough(t *testing.T) {
	// Given: a debouncer with short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: a single signal is added
	d.Add(RawEvent{
		Path:      "notes/today.md",
		Operation: OpCreate,
		Timestamp: time.Now(),
	})

	// Then: the signal passes through after the window
	select {
	case events := <-d.Output():
		require.Len(t, events, 1)
		assert.Equal(t, "notes/today.md", events[0].Path)
		assert.Equal(t, OpCreate, events[0].Operation)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for debounced event")
	}
}

func TestDebouncer_CreateThenModify_StaysCreate(t *testing.T) {
	// Given: a debouncer with short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: CREATE followed by MODIFY for the same path
	d.Add(RawEvent{Path: "a.txt", Operation: OpCreate, Timestamp: time.Now()})
	d.Add(RawEvent{Path: "a.txt", Operation: OpModify, Timestamp: time.Now()})

	// Then: one CREATE comes out (the path is still new)
	select {
	case events := <-d.Output():
		require.Len(t, events, 1)
		assert.Equal(t, OpCreate, events[0].Operation)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for debounced event")
	}
}

func TestDebouncer_CreateThenDelete_NoEvent(t *testing.T) {
	// Given: a debouncer with short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: CREATE followed by DELETE for the same path
	d.Add(RawEvent{Path: "temp.txt", Operation: OpCreate, Timestamp: time.Now()})
	d.Add(RawEvent{Path: "temp.txt", Operation: OpDelete, Timestamp: time.Now()})

	// Then: nothing is emitted (the path never really existed)
	select {
	case events := <-d.Output():
		assert.Empty(t, events)
	case <-time.After(200 * time.Millisecond):
		// No event is also acceptable
	}
}

func TestDebouncer_DeleteThenCreate_BecomesModify(t *testing.T) {
	// Given: a debouncer with short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: DELETE followed by CREATE (atomic replace pattern)
	d.Add(RawEvent{Path: "a.txt", Operation: OpDelete, Timestamp: time.Now()})
	d.Add(RawEvent{Path: "a.txt", Operation: OpCreate, Timestamp: time.Now()})

	// Then: one MODIFY comes out
	select {
	case events := <-d.Output():
		require.Len(t, events, 1)
		assert.Equal(t, OpModify, events[0].Operation)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for debounced event")
	}
}

func TestDebouncer_DistinctPaths_SeparateEvents(t *testing.T) {
	// Given: a debouncer with short window
	d := NewDebouncer(50 * time.Millisecond)
	defer d.Stop()

	// When: signals for two paths arrive in the same window
	d.Add(RawEvent{Path: "a.txt", Operation: OpModify, Timestamp: time.Now()})
	d.Add(RawEvent{Path: "b.txt", Operation: OpModify, Timestamp: time.Now()})

	// Then: both survive in one batch
	select {
	case events := <-d.Output():
		require.Len(t, events, 2)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for debounced events")
	}
}

func TestSequencer_SameKey_RunsInOrder(t *testing.T) {
	// Given: a sequencer
	s := NewSequencer()

	// When: work is queued for one key with deliberate stalls
	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		ok := s.Do("notes/today.md", func() {
			time.Sleep(time.Millisecond)
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		})
		require.True(t, ok)
	}
	s.Close()

	// Then: every entry ran, in submission order
	require.Len(t, order, 10)
	for i, v := range order {
		assert.Equal(t, i, v)
	}
}

func TestSequencer_DistinctKeys_RunInParallel(t *testing.T) {
	// Given: a sequencer with one blocked key
	s := NewSequencer()
	release := make(chan struct{})
	blockedDone := make(chan struct{})
	otherDone := make(chan struct{})

	s.Do("slow.txt", func() {
		<-release
		close(blockedDone)
	})

	// When: work on another key is submitted
	s.Do("fast.txt", func() {
		close(otherDone)
	})

	// Then: the other key completes while the first is still blocked
	select {
	case <-otherDone:
	case <-time.After(time.Second):
		t.Fatal("independent key was blocked")
	}

	close(release)
	<-blockedDone
	s.Close()
	assert.Equal(t, 0, s.Active())
}

func TestSequencer_Close_RejectsNewWork(t *testing.T) {
	// Given: a closed sequencer
	s := NewSequencer()
	s.Close()

	// When/Then: new work is rejected
	ok := s.Do("a.txt", func() { t.Fatal("must not run") })
	assert.False(t, ok)
}

func TestIgnored_ReservedAndDotfiles(t *testing.T) {
	reserved := []string{".mylifedb", ".git", ".trash"}

	tests := []struct {
		path string
		want bool
	}{
		{"notes/today.md", false},
		{".mylifedb", true},
		{".mylifedb/db.sqlite", true},
		{".git/HEAD", true},
		{".trash/old.txt", true},
		{"notes/.hidden", true},
		{"notes/.cache/x.bin", true},
		{".env", true},
		{"", true},
		{".", true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ignored(tt.path, reserved), "path %q", tt.path)
	}
}
