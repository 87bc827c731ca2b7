// Package persist stores review decisions in two places, a device-local
// cache and a remote store, and merges them on load.
//
// Merging is a pure per-segment function ([Merge]); wall-clock timestamps
// play no part in it. A [Syncer] writes every decision to the local store
// synchronously and queues it for the remote store, so a failing or slow
// remote never delays the reviewer.
package persist

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/takewright/internal/review"
)

// ErrNotFound is returned by [Store.Load] when nothing was ever saved for
// a production.
var ErrNotFound = errors.New("persist: not found")

// Store is one persistence location for pick states, scoped by production.
// Implementations must be safe for concurrent use.
type Store interface {
	// Load returns every saved state of production, ordered by segment.
	Load(ctx context.Context, production string) ([]review.PickState, error)

	// Save upserts states. Each state replaces the stored state of its
	// segment; other segments are untouched.
	Save(ctx context.Context, production string, states ...review.PickState) error
}

// Collection is the JSON document exchanged with the remote store.
type Collection struct {
	Production string             `json:"production"`
	States     []review.PickState `json:"states"`
	SavedAt    time.Time          `json:"saved_at,omitzero"`
}

// Validate checks every state of the collection and rejects duplicate
// segments.
func (c Collection) Validate() error {
	seen := make(map[int]struct{}, len(c.States))
	var errs []error
	for _, s := range c.States {
		if err := s.Validate(); err != nil {
			errs = append(errs, err)
			continue
		}
		if _, dup := seen[s.Segment]; dup {
			errs = append(errs, errors.New("persist: duplicate segment in collection"))
		}
		seen[s.Segment] = struct{}{}
	}
	return errors.Join(errs...)
}
