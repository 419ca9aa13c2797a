// Package digest holds the pluggable enrichment stages and the coordinator
// that runs them. Digesters are registered once at startup by name; for a
// given file the coordinator decides which apply, runs them sequentially in
// registration order, and cascades invalidation when an upstream output
// actually changes.
package digest

import (
	"context"
	"fmt"

	"github.com/xiaoyuanzhu-com/my-life-db/internal/db"
	pipeerrors "github.com/xiaoyuanzhu-com/my-life-db/internal/errors"
)

// MaxAttempts bounds retries per (file, digester) row before the row is
// left failed permanently.
const MaxAttempts = 3

// Output is one enrichment artifact produced by a digester run. Digester
// defaults to the producing digester's name when empty; SqlarData, when
// set, is written to the blob archive under SqlarName.
type Output struct {
	Digester  string
	Content   *string
	SqlarName *string
	SqlarData []byte
}

// Digester is a named, pluggable pipeline stage.
//
// CanDigest must be cheap and side-effect-free. Digest performs the
// possibly expensive work and returns zero or more outputs to persist as
// completed. A nil slice with a nil error means "not applicable right now";
// an empty non-nil slice means "ran, found nothing, still completed", which
// keeps downstream cascades from blocking indefinitely.
type Digester interface {
	Name() string
	CanDigest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) (bool, error)
	Digest(ctx context.Context, file *db.FileRecord, existing []*db.Digest) ([]Output, error)
}

// Registry holds digesters in a fixed registration order. The order
// matters: later digesters may read the persisted output of earlier ones.
type Registry struct {
	digesters []Digester
	byName    map[string]Digester
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]Digester)}
}

// Register appends a digester. Duplicate names are rejected.
func (r *Registry) Register(d Digester) error {
	if _, dup := r.byName[d.Name()]; dup {
		return pipeerrors.ValidationError(fmt.Sprintf("digester %q already registered", d.Name()))
	}
	r.digesters = append(r.digesters, d)
	r.byName[d.Name()] = d
	return nil
}

// All returns digesters in registration order.
func (r *Registry) All() []Digester {
	return r.digesters
}

// Get returns a digester by name, or nil.
func (r *Registry) Get(name string) Digester {
	return r.byName[name]
}

// Names returns registered names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.digesters))
	for i, d := range r.digesters {
		names[i] = d.Name()
	}
	return names
}

// FindDigest returns the row for one digester from a loaded set, or nil.
func FindDigest(existing []*db.Digest, name string) *db.Digest {
	for _, d := range existing {
		if d.Digester == name {
			return d
		}
	}
	return nil
}

// CompletedContent returns the content of a completed digest from a loaded
// set, or nil when absent or not completed.
func CompletedContent(existing []*db.Digest, name string) *string {
	d := FindDigest(existing, name)
	if d == nil || d.Status != db.DigestStatusCompleted {
		return nil
	}
	return d.Content
}
