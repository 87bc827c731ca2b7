package triage

import (
	"cmp"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/pkg/types"
)

// Kind labels how a ranking was produced.
type Kind int

const (
	// KindNormal ranks the candidates that survived elimination.
	KindNormal Kind = iota

	// KindUnfilteredFallback ranks the full pool because every candidate
	// was filtered. It must never be treated as a normal ranking.
	KindUnfilteredFallback
)

// String returns a human-readable label for the kind.
func (k Kind) String() string {
	switch k {
	case KindNormal:
		return "normal"
	case KindUnfilteredFallback:
		return "unfiltered fallback"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Weights are the composite score weights.
type Weights struct {
	Quality          float64
	Echo             float64
	Hiss             float64
	Tonal            float64
	RejectionPenalty float64
	KnownGoodBonus   float64
}

// RankConfig configures a [Ranker].
type RankConfig struct {
	Weights Weights

	// TonalTiebreakOnly excludes tonal distance from the score and uses it
	// only to order equal scores.
	TonalTiebreakOnly bool

	// ProfileTolerance is the default profile match radius.
	ProfileTolerance float64
}

// Entry is one ranked candidate.
type Entry struct {
	Candidate types.Candidate
	Score     float64
}

// Ranking is the ordered candidate list of one segment.
type Ranking struct {
	Segment int
	Kind    Kind
	Status  types.SegmentStatus
	Entries []Entry

	// RegistryVersion is the profile snapshot version used.
	RegistryVersion int64
}

// Versions returns the ranked version ids, best first.
func (r Ranking) Versions() []string {
	out := make([]string, len(r.Entries))
	for i, e := range r.Entries {
		out[i] = e.Candidate.Version
	}
	return out
}

// Top returns the best entry.
func (r Ranking) Top() (Entry, bool) {
	if len(r.Entries) == 0 {
		return Entry{}, false
	}
	return r.Entries[0], true
}

// Ranker orders candidate pools. Its configuration can be replaced at
// runtime; each call to [Ranker.Rank] uses one consistent configuration.
type Ranker struct {
	mu  sync.RWMutex
	cfg RankConfig
}

// NewRanker creates a Ranker with cfg.
func NewRanker(cfg RankConfig) *Ranker {
	return &Ranker{cfg: cfg}
}

// SetConfig replaces the configuration used by subsequent calls.
func (r *Ranker) SetConfig(cfg RankConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Config returns the configuration in use.
func (r *Ranker) Config() RankConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Score computes the composite score of c.
func (r *Ranker) Score(c types.Candidate, snap profile.Snapshot) float64 {
	return score(r.Config(), c, snap)
}

func score(cfg RankConfig, c types.Candidate, snap profile.Snapshot) float64 {
	w := cfg.Weights
	fv := c.Features
	s := w.Quality*fv.Quality - w.Echo*fv.Z.EchoRisk - w.Hiss*fv.Z.Hiss
	if !cfg.TonalTiebreakOnly && fv.TonalKnown {
		s -= w.Tonal * fv.TonalDistance
	}
	if m, ok := snap.NearestRejection(fv.Z, cfg.ProfileTolerance); ok {
		s -= w.RejectionPenalty * m.Similarity(cfg.ProfileTolerance)
	}
	if m, ok := snap.NearestKnownGood(fv.Z, cfg.ProfileTolerance); ok {
		s += w.KnownGoodBonus * m.Similarity(cfg.ProfileTolerance)
	}
	return s
}

// Rank orders the non-filtered candidates of a filtered pool by descending
// score. Ties are broken by ascending tonal distance (unknown distances
// last), then by version id.
//
// When every candidate is filtered the full pool is ranked instead, and the
// result carries [KindUnfilteredFallback] and [types.StatusUnresolvable].
func (r *Ranker) Rank(segment int, cands []types.Candidate, snap profile.Snapshot) Ranking {
	cfg := r.Config()
	rk := Ranking{
		Segment:         segment,
		Kind:            KindNormal,
		Status:          Status(cands),
		RegistryVersion: snap.Version,
	}

	pool := make([]types.Candidate, 0, len(cands))
	for _, c := range cands {
		if !c.Filtered {
			pool = append(pool, c)
		}
	}
	if len(pool) == 0 && len(cands) > 0 {
		rk.Kind = KindUnfilteredFallback
		pool = cands
	}

	rk.Entries = make([]Entry, len(pool))
	for i, c := range pool {
		rk.Entries[i] = Entry{Candidate: c, Score: score(cfg, c, snap)}
	}
	slices.SortStableFunc(rk.Entries, compareEntries)
	return rk
}

func compareEntries(a, b Entry) int {
	if c := cmp.Compare(b.Score, a.Score); c != 0 {
		return c
	}
	ak, bk := a.Candidate.Features.TonalKnown, b.Candidate.Features.TonalKnown
	switch {
	case ak && bk:
		if c := cmp.Compare(a.Candidate.Features.TonalDistance, b.Candidate.Features.TonalDistance); c != 0 {
			return c
		}
	case ak:
		return -1
	case bk:
		return 1
	}
	return cmp.Compare(a.Candidate.Version, b.Candidate.Version)
}
