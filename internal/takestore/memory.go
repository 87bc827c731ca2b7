package takestore

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

type segKey struct {
	production string
	segment    int
}

type memTake struct {
	cand types.Candidate
	clip audio.Clip
}

// Memory is an in-process [Store] used by tests and dry runs.
type Memory struct {
	mu       sync.RWMutex
	takes    map[segKey]map[string]memTake
	segments map[segKey]SegmentRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		takes:    make(map[segKey]map[string]memTake),
		segments: make(map[segKey]SegmentRecord),
	}
}

// Put implements [Store].
func (m *Memory) Put(ctx context.Context, production string, seg types.Segment, c types.Candidate, clip audio.Clip) (types.Candidate, error) {
	if err := ctx.Err(); err != nil {
		return types.Candidate{}, err
	}
	if len(clip.Samples) == 0 {
		return types.Candidate{}, errors.New("takestore: refusing to store empty audio")
	}
	c.SegmentIndex = seg.Index
	if c.Version == "" {
		c.Version = types.VersionID(c.GenIndex)
	}
	c.AudioRef = fmt.Sprintf("mem://%s/%d/%s", production, seg.Index, c.Version)
	c.Duration = clip.Duration()
	c.SampleRate = clip.SampleRate

	k := segKey{production, seg.Index}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.takes[k] == nil {
		m.takes[k] = make(map[string]memTake)
	}
	m.takes[k][c.Version] = memTake{cand: c, clip: audio.Clip{Samples: slices.Clone(clip.Samples), SampleRate: clip.SampleRate}}
	return c, nil
}

// List implements [Store].
func (m *Memory) List(_ context.Context, production string, segment int) ([]types.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	takes := m.takes[segKey{production, segment}]
	out := make([]types.Candidate, 0, len(takes))
	for _, t := range takes {
		out = append(out, t.cand)
	}
	slices.SortFunc(out, func(a, b types.Candidate) int { return cmp.Compare(a.GenIndex, b.GenIndex) })
	return out, nil
}

// LoadAudio implements [Store]. The returned clip is a copy.
func (m *Memory) LoadAudio(_ context.Context, production string, c types.Candidate) (audio.Clip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.takes[segKey{production, c.SegmentIndex}][c.Version]
	if !ok {
		return audio.Clip{}, fmt.Errorf("%w: segment %d %s", ErrNotFound, c.SegmentIndex, c.Version)
	}
	return audio.Clip{Samples: slices.Clone(t.clip.Samples), SampleRate: t.clip.SampleRate}, nil
}

// PutSegment implements [Store].
func (m *Memory) PutSegment(_ context.Context, production string, rec SegmentRecord) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.segments[segKey{production, rec.Index}] = rec
	return nil
}

// Segment implements [Store].
func (m *Memory) Segment(_ context.Context, production string, index int) (SegmentRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.segments[segKey{production, index}]
	if !ok {
		return SegmentRecord{}, fmt.Errorf("%w: segment %d", ErrNotFound, index)
	}
	return rec, nil
}
