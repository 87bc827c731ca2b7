package persist

import (
	"context"
	"slices"
	"sync"

	"github.com/MrWong99/takewright/internal/review"
)

// Compile-time interface assertion.
var _ Store = (*Memory)(nil)

// Memory is an in-process [Store].
type Memory struct {
	mu     sync.Mutex
	states map[string]map[int]review.PickState
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{states: make(map[string]map[int]review.PickState)}
}

// Load implements [Store].
func (m *Memory) Load(_ context.Context, production string) ([]review.PickState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs, ok := m.states[production]
	if !ok || len(segs) == 0 {
		return nil, ErrNotFound
	}
	out := make([]review.PickState, 0, len(segs))
	for _, s := range segs {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b review.PickState) int { return a.Segment - b.Segment })
	return out, nil
}

// Save implements [Store].
func (m *Memory) Save(_ context.Context, production string, states ...review.PickState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	segs, ok := m.states[production]
	if !ok {
		segs = make(map[int]review.PickState)
		m.states[production] = segs
	}
	for _, s := range states {
		segs[s.Segment] = s.Clone()
	}
	return nil
}
