// Package triage implements the elimination filter and the ranker.
//
// Both are pure functions of the candidate pool, the configured thresholds
// or weights, and an explicit [profile.Snapshot]. Filtering is advisory: it
// sets [types.Candidate.Filtered] and never drops a candidate from the pool.
package triage

import (
	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/pkg/types"
)

// Filter reasons recorded in [types.Candidate.FilterReason].
const (
	ReasonKnownGood = "known_good"
	ReasonRejection = "rejection_profile"
	ReasonTooLong   = "duration_long"
	ReasonTooShort  = "duration_short"
	ReasonHiss      = "hiss"
	ReasonEcho      = "echo"
	ReasonTruncated = "cut_short"
	ReasonClipping  = "clipping"
)

// Thresholds are the hard elimination limits. A zero limit is disabled.
type Thresholds struct {
	// MaxDurationRatio and MinDurationRatio bound the candidate's seconds
	// per character relative to the reference mean.
	MaxDurationRatio float64
	MinDurationRatio float64

	// Ceilings on raw measurements.
	HissCeiling       float64
	EchoCeiling       float64
	TailEnergyCeiling float64
	ClippingCeiling   float64

	// ProfileTolerance is the default profile match radius.
	ProfileTolerance float64
}

// FilterCandidate returns c with Filtered and FilterReason set.
//
// A candidate matching a known-good profile is never filtered. Otherwise a
// match with a rejection profile filters it, and failing that the hard
// thresholds are applied in a fixed order.
func FilterCandidate(c types.Candidate, th Thresholds, snap profile.Snapshot) types.Candidate {
	z := c.Features.Z
	if m, ok := snap.NearestKnownGood(z, th.ProfileTolerance); ok && m.Within {
		c.Filtered, c.FilterReason = false, ReasonKnownGood
		return c
	}
	if m, ok := snap.NearestRejection(z, th.ProfileTolerance); ok && m.Within {
		c.Filtered, c.FilterReason = true, ReasonRejection
		return c
	}
	if reason := thresholdReason(c.Features, th); reason != "" {
		c.Filtered, c.FilterReason = true, reason
		return c
	}
	c.Filtered, c.FilterReason = false, ""
	return c
}

func thresholdReason(fv types.FeatureVector, th Thresholds) string {
	switch {
	case th.MaxDurationRatio > 0 && fv.DurationRatio > th.MaxDurationRatio:
		return ReasonTooLong
	case th.MinDurationRatio > 0 && fv.DurationRatio < th.MinDurationRatio:
		return ReasonTooShort
	case th.TailEnergyCeiling > 0 && fv.Raw.TailEnergy > th.TailEnergyCeiling:
		return ReasonTruncated
	case th.HissCeiling > 0 && fv.Raw.Hiss > th.HissCeiling:
		return ReasonHiss
	case th.EchoCeiling > 0 && fv.Raw.EchoRisk > th.EchoCeiling:
		return ReasonEcho
	case th.ClippingCeiling > 0 && fv.Raw.Clipping > th.ClippingCeiling:
		return ReasonClipping
	}
	return ""
}

// Filter applies [FilterCandidate] to every candidate and reports the
// resulting segment status. The input slice is not modified.
func Filter(cands []types.Candidate, th Thresholds, snap profile.Snapshot) ([]types.Candidate, types.SegmentStatus) {
	out := make([]types.Candidate, len(cands))
	for i, c := range cands {
		out[i] = FilterCandidate(c, th, snap)
	}
	return out, Status(out)
}

// Status derives the segment status from a filtered pool: pending when the
// pool is empty, unresolvable when every candidate is filtered.
func Status(cands []types.Candidate) types.SegmentStatus {
	if len(cands) == 0 {
		return types.StatusPending
	}
	for _, c := range cands {
		if !c.Filtered {
			return types.StatusReady
		}
	}
	return types.StatusUnresolvable
}
