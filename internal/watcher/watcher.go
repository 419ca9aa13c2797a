// Package watcher observes the storage tree, classifies observed paths as
// present or absent, computes change fingerprints, and emits one
// FileChangeEvent per logical change. Raw filesystem signals are debounced
// over a stabilization window, then serialized per path through a keyed
// sequencer: signals for one path apply in arrival order while unrelated
// paths process fully in parallel.
package watcher

import (
	"strings"
	"time"
)

// Operation represents a raw file system operation type.
type Operation int

const (
	// OpCreate indicates a new file or directory was created.
	OpCreate Operation = iota
	// OpModify indicates an existing file was modified.
	OpModify
	// OpDelete indicates a file or directory was deleted.
	OpDelete
	// OpRename indicates a file or directory was renamed away.
	OpRename
)

// String returns a human-readable representation of the operation.
func (op Operation) String() string {
	switch op {
	case OpCreate:
		return "CREATE"
	case OpModify:
		return "MODIFY"
	case OpDelete:
		return "DELETE"
	case OpRename:
		return "RENAME"
	default:
		return "UNKNOWN"
	}
}

// RawEvent is a debounced filesystem signal for one path. It only says that
// the path needs re-evaluation; the processor stats the path to decide what
// actually happened.
type RawEvent struct {
	// Path is the path relative to the storage root.
	Path string

	// Operation is the coalesced file system operation.
	Operation Operation

	// Timestamp is when the event was detected.
	Timestamp time.Time
}

// FileChangeEvent is one logical change, emitted after the processor has
// statted, fingerprinted, and upserted the path.
type FileChangeEvent struct {
	// FilePath is the path relative to the storage root.
	FilePath string

	// IsNew reports whether the path was not previously tracked.
	IsNew bool

	// ContentChanged reports whether the content fingerprint differs from
	// the stored record (hash below the size threshold, size above it).
	ContentChanged bool

	// ShouldInvalidateDigests requests a cascading digest reset. Set only
	// when content actually changed, never on a pure re-observation.
	ShouldInvalidateDigests bool
}

// Options configures the watcher behavior.
type Options struct {
	// DebounceWindow is the stabilization window before acting on raw
	// signals, so partial writes coalesce. Default: 200ms.
	DebounceWindow time.Duration

	// HashSizeThreshold is the maximum size for content hashing; larger
	// files fall back to size comparison. Default: 10 MiB.
	HashSizeThreshold int64

	// PreviewLines is the number of leading lines kept as text preview
	// for text-like files. Default: 10.
	PreviewLines int

	// EventBufferSize is the change event channel buffer. Default: 1000.
	EventBufferSize int

	// ReservedFolders are top-level folders that are never observed.
	ReservedFolders []string
}

// DefaultOptions returns the default watcher options.
func DefaultOptions() Options {
	return Options{
		DebounceWindow:    200 * time.Millisecond,
		HashSizeThreshold: 10 * 1024 * 1024,
		PreviewLines:      10,
		EventBufferSize:   1000,
	}
}

// WithDefaults returns options with defaults applied for zero values.
func (o Options) WithDefaults() Options {
	defaults := DefaultOptions()
	if o.DebounceWindow == 0 {
		o.DebounceWindow = defaults.DebounceWindow
	}
	if o.HashSizeThreshold == 0 {
		o.HashSizeThreshold = defaults.HashSizeThreshold
	}
	if o.PreviewLines == 0 {
		o.PreviewLines = defaults.PreviewLines
	}
	if o.EventBufferSize == 0 {
		o.EventBufferSize = defaults.EventBufferSize
	}
	return o
}

// ignored reports whether a relative path is excluded from observation:
// reserved top-level folders and dotfiles at any depth.
func ignored(relPath string, reserved []string) bool {
	if relPath == "." || relPath == "" {
		return true
	}
	top := relPath
	if i := strings.IndexByte(relPath, '/'); i >= 0 {
		top = relPath[:i]
	}
	for _, r := range reserved {
		if top == r {
			return true
		}
	}
	for _, segment := range strings.Split(relPath, "/") {
		if strings.HasPrefix(segment, ".") {
			return true
		}
	}
	return false
}
