// Package production holds the whole-production state: the ordered
// segments, their pick states, and running generation counters.
//
// A [Manifest] is saved next to the candidate audio so counters accumulate
// across runs. Segments are fixed when the manifest is created; a script
// edited afterwards is refused by [Manifest.CheckSegments].
package production

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/MrWong99/takewright/internal/generate"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/pkg/types"
)

// ErrSegmentsChanged is returned when a script no longer matches the
// segments the production was started with.
var ErrSegmentsChanged = errors.New("production: segments changed after the production started")

// Counters are the accumulated generation totals of a production.
type Counters struct {
	Requests   int64   `json:"requests"`
	Characters int64   `json:"characters"`
	Generated  int64   `json:"candidates_generated"`
	Absent     int64   `json:"candidates_absent"`
	Cost       float64 `json:"cost_estimate"`
}

// Add accumulates the totals of one generator run.
func (c *Counters) Add(g generate.Counters) {
	c.Requests += g.Requests
	c.Characters += g.Chars
	c.Generated += g.Candidates
	c.Absent += g.Absent
	c.Cost += g.Cost
}

// SegmentState is one segment with its triage status and pick state.
type SegmentState struct {
	Segment    types.Segment       `json:"segment"`
	Status     types.SegmentStatus `json:"status"`
	Candidates int                 `json:"candidates"`
	Pick       review.PickState    `json:"pick"`
}

// Manifest is the state of a whole production.
type Manifest struct {
	Production string         `json:"production"`
	Segments   []SegmentState `json:"segments"`
	Counters   Counters       `json:"counters"`

	// MergedAt is when pick states were last merged from the stores.
	MergedAt time.Time `json:"merged_at,omitzero"`

	// StatsVersion and RegistryVersion pin the scoring inputs of the last
	// triage run.
	StatsVersion    string `json:"stats_version,omitempty"`
	RegistryVersion int64  `json:"registry_version"`
}

// New creates the manifest of a production starting with segs.
func New(production string, segs []types.Segment) *Manifest {
	m := &Manifest{Production: production, Segments: make([]SegmentState, len(segs))}
	for i, s := range segs {
		m.Segments[i] = SegmentState{Segment: s, Pick: review.NewPickState(s.Index)}
	}
	return m
}

// Path returns the manifest location under the candidate store root.
func Path(root, production string) string {
	return filepath.Join(root, production, "manifest.json")
}

// Load reads a manifest saved by [Manifest.Save].
func Load(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("production: read manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("production: decode manifest %s: %w", path, err)
	}
	return &m, nil
}

// LoadOrNew loads the manifest at path, or creates one from segs when none
// exists yet. An existing manifest must match segs.
func LoadOrNew(path, production string, segs []types.Segment) (*Manifest, error) {
	m, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return New(production, segs), nil
	}
	if err != nil {
		return nil, err
	}
	if err := m.CheckSegments(segs); err != nil {
		return nil, err
	}
	return m, nil
}

// Save writes the manifest atomically.
func (m *Manifest) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("production: encode manifest: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("production: create dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("production: write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("production: write manifest: %w", err)
	}
	return nil
}

// CheckSegments verifies that segs are exactly the segments of m, pause
// markers included.
func (m *Manifest) CheckSegments(segs []types.Segment) error {
	if len(segs) != len(m.Segments) {
		return fmt.Errorf("%w: %d segments, started with %d", ErrSegmentsChanged, len(segs), len(m.Segments))
	}
	for i, s := range segs {
		if s != m.Segments[i].Segment {
			return fmt.Errorf("%w: segment %d differs", ErrSegmentsChanged, s.Index)
		}
	}
	return nil
}

// SegmentList returns the segments in order.
func (m *Manifest) SegmentList() []types.Segment {
	out := make([]types.Segment, len(m.Segments))
	for i, s := range m.Segments {
		out[i] = s.Segment
	}
	return out
}

// Segment returns the segment with index i.
func (m *Manifest) Segment(i int) (types.Segment, bool) {
	if i < 0 || i >= len(m.Segments) {
		return types.Segment{}, false
	}
	return m.Segments[i].Segment, true
}

// ApplyPicks installs merged pick states. States of unknown segments are
// ignored and their indexes returned.
func (m *Manifest) ApplyPicks(states []review.PickState, mergedAt time.Time) []int {
	var unknown []int
	for _, st := range states {
		if st.Segment < 0 || st.Segment >= len(m.Segments) {
			unknown = append(unknown, st.Segment)
			continue
		}
		m.Segments[st.Segment].Pick = st.Clone()
	}
	m.MergedAt = mergedAt.UTC()
	return unknown
}

// Picks returns the pick state of every segment.
func (m *Manifest) Picks() []review.PickState {
	out := make([]review.PickState, len(m.Segments))
	for i, s := range m.Segments {
		out[i] = s.Pick.Clone()
	}
	return out
}

// SetStatus records the triage result of segment i.
func (m *Manifest) SetStatus(i int, status types.SegmentStatus, candidates int) {
	if i < 0 || i >= len(m.Segments) {
		return
	}
	m.Segments[i].Status = status
	m.Segments[i].Candidates = candidates
}

// Winners maps every segment decided with a winner to its version.
func (m *Manifest) Winners() map[int]string {
	out := make(map[int]string, len(m.Segments))
	for _, s := range m.Segments {
		if s.Pick.HasWinner() {
			out[s.Segment.Index] = s.Pick.Winner
		}
	}
	return out
}

// Unresolved lists the segments without a winner, in order.
func (m *Manifest) Unresolved() []int {
	var out []int
	for _, s := range m.Segments {
		if !s.Pick.HasWinner() {
			out = append(out, s.Segment.Index)
		}
	}
	return out
}

// Summary counts segments by review outcome.
type Summary struct {
	Segments     int
	Decided      int
	NoSurvivor   int
	InProgress   int
	Unstarted    int
	Unresolvable int
}

// Summarize counts the segments of m by review outcome.
func (m *Manifest) Summarize() Summary {
	sum := Summary{Segments: len(m.Segments)}
	for _, s := range m.Segments {
		switch {
		case s.Pick.HasWinner():
			sum.Decided++
		case s.Pick.NoSurvivor():
			sum.NoSurvivor++
		case s.Pick.Phase == review.PhaseUnstarted:
			sum.Unstarted++
		default:
			sum.InProgress++
		}
		if s.Status == types.StatusUnresolvable {
			sum.Unresolvable++
		}
	}
	return sum
}

// ExportFormat identifies the export document layout.
const ExportFormat = "takewright.picks/v1"

// ExportDocument is the portable decision set of a production.
type ExportDocument struct {
	Format     string          `json:"format"`
	Production string          `json:"production"`
	ExportedAt time.Time       `json:"exported_at"`
	Counters   Counters        `json:"counters"`
	Segments   []ExportSegment `json:"segments"`
}

// ExportSegment is one segment of an [ExportDocument].
type ExportSegment struct {
	Index          int                      `json:"index"`
	Text           string                   `json:"text"`
	SilenceAfterMS int64                    `json:"silence_after_ms"`
	Status         string                   `json:"status"`
	Phase          review.Phase             `json:"phase"`
	Winner         *string                  `json:"winner"`
	Rejected       []string                 `json:"rejected"`
	Reasons        map[string]review.Reason `json:"reasons,omitempty"`
	Notes          string                   `json:"notes,omitempty"`
}

// Export writes the full decision set as indented JSON. A segment without
// a winner has "winner": null.
func (m *Manifest) Export(w io.Writer, now time.Time) error {
	doc := ExportDocument{
		Format:     ExportFormat,
		Production: m.Production,
		ExportedAt: now.UTC(),
		Counters:   m.Counters,
		Segments:   make([]ExportSegment, len(m.Segments)),
	}
	for i, s := range m.Segments {
		es := ExportSegment{
			Index:          s.Segment.Index,
			Text:           s.Segment.Text,
			SilenceAfterMS: s.Segment.SilenceAfter.Milliseconds(),
			Status:         s.Status.String(),
			Phase:          s.Pick.Phase,
			Rejected:       slices.Clone(s.Pick.Rejected),
			Reasons:        s.Pick.Reasons,
			Notes:          s.Pick.Notes,
		}
		if es.Rejected == nil {
			es.Rejected = []string{}
		}
		if s.Pick.HasWinner() {
			winner := s.Pick.Winner
			es.Winner = &winner
		}
		doc.Segments[i] = es
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("production: export: %w", err)
	}
	return nil
}
