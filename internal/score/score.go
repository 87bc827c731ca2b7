// Package score computes candidate feature vectors.
//
// Raw measurements come from [Measure]. They are standardised against a
// versioned [ReferenceStats] so that ranking weights keep their meaning as
// the corpus grows, and every [types.FeatureVector] records the statistics
// version it was computed with.
//
// Tonal distance depends on the neighbouring segment's chosen candidate and
// is therefore not part of [Scorer.Score]. It is filled in lazily by
// [WithTonal] once a neighbour has been decided.
package score

import (
	"context"
	"fmt"
	"math"

	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// Scorer computes feature vectors against fixed reference statistics.
// It holds no mutable state and is safe for concurrent use.
type Scorer struct {
	stats ReferenceStats
}

// New creates a Scorer using stats.
func New(stats ReferenceStats) *Scorer {
	return &Scorer{stats: stats}
}

// Stats returns the reference statistics in use.
func (s *Scorer) Stats() ReferenceStats { return s.stats }

// Features computes the feature vector of clip for a segment of charCount
// characters. TonalKnown is always false in the result.
func (s *Scorer) Features(clip audio.Clip, charCount int) types.FeatureVector {
	raw := Measure(clip, charCount)
	z := s.stats.Z(raw)
	fv := types.FeatureVector{
		Raw:          raw,
		Z:            z,
		Quality:      Quality(z),
		StatsVersion: s.stats.Version,
	}
	if s.stats.Mean.SecondsPerChar > 0 {
		fv.DurationRatio = raw.SecondsPerChar / s.stats.Mean.SecondsPerChar
	}
	return fv
}

// Score returns c with its feature vector computed from clip. Filter
// verdicts are cleared, since they derive from the previous features.
func (s *Scorer) Score(c types.Candidate, clip audio.Clip, charCount int) types.Candidate {
	c.Features = s.Features(clip, charCount)
	c.Filtered = false
	c.FilterReason = ""
	return c
}

// ScoreSegment loads and scores every stored candidate of seg, in GenIndex
// order. When neighbour is non-nil the tonal distance is filled in too.
func (s *Scorer) ScoreSegment(ctx context.Context, store takestore.Store, production string, seg types.Segment, neighbour *Timbre) ([]types.Candidate, error) {
	cands, err := store.List(ctx, production, seg.Index)
	if err != nil {
		return nil, fmt.Errorf("score: segment %d: %w", seg.Index, err)
	}
	for i, c := range cands {
		clip, err := store.LoadAudio(ctx, production, c)
		if err != nil {
			return nil, fmt.Errorf("score: segment %d %s: %w", seg.Index, c.Version, err)
		}
		cands[i] = s.Score(c, clip, seg.CharCount)
		if neighbour != nil {
			cands[i] = WithTonal(cands[i], MeasureTimbre(clip), *neighbour)
		}
	}
	return cands, nil
}

// Quality combines the standardised pacing, truncation and clipping
// measurements into one value where higher is better and zero is a
// typical candidate. Pacing is penalised in both directions; truncation
// and clipping only above the reference mean.
func Quality(z types.Metrics) float64 {
	return -(math.Abs(z.SecondsPerChar) + math.Max(0, z.TailEnergy) + math.Max(0, z.Clipping))
}
