// Package takestore persists synthesized candidates ("takes") and the
// per-segment metadata record written alongside them.
//
// Candidates are write-once. A candidate becomes visible to [Store.List]
// only after both its audio and its metadata have been written completely,
// so a crash mid-write leaves the version absent rather than half-present.
package takestore

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// ErrNotFound is returned when a candidate or segment record does not exist.
var ErrNotFound = errors.New("takestore: not found")

// SegmentRecord is the per-segment metadata record.
type SegmentRecord struct {
	Index     int       `json:"index"`
	Text      string    `json:"text"`
	CharCount int       `json:"char_count"`
	Requested int       `json:"requested"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store persists candidates for one or more productions.
// Implementations must be safe for concurrent use.
type Store interface {
	// Put stores clip as candidate c of segment seg and returns c with
	// AudioRef, Duration and SampleRate filled in.
	Put(ctx context.Context, production string, seg types.Segment, c types.Candidate, clip audio.Clip) (types.Candidate, error)

	// List returns the candidates of a segment ordered by GenIndex. A
	// segment without candidates yields an empty slice and no error.
	List(ctx context.Context, production string, segment int) ([]types.Candidate, error)

	// LoadAudio returns the audio of a stored candidate.
	LoadAudio(ctx context.Context, production string, c types.Candidate) (audio.Clip, error)

	// PutSegment writes the per-segment metadata record.
	PutSegment(ctx context.Context, production string, rec SegmentRecord) error

	// Segment reads the per-segment metadata record.
	Segment(ctx context.Context, production string, index int) (SegmentRecord, error)
}
