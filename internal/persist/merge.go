package persist

import (
	"slices"

	"github.com/MrWong99/takewright/internal/review"
)

// Merge resolves the local and remote state of one segment:
//
//   - a decided state beats an undecided one, whichever side it is on;
//   - when both are decided, local wins;
//   - when neither is decided, the one with more rejections wins, local on
//     a tie.
//
// Merge is pure: the same inputs always give the same result.
func Merge(local, remote review.PickState) review.PickState {
	switch {
	case local.Decided():
		return local.Clone()
	case remote.Decided():
		return remote.Clone()
	case len(remote.Rejected) > len(local.Rejected):
		return remote.Clone()
	default:
		return local.Clone()
	}
}

// MergeAll merges two state collections segment by segment. A segment
// present on one side only is taken as is. The result is ordered by
// segment.
func MergeAll(local, remote []review.PickState) []review.PickState {
	bySeg := make(map[int]review.PickState, len(local)+len(remote))
	for _, s := range remote {
		bySeg[s.Segment] = s
	}
	for _, l := range local {
		if r, ok := bySeg[l.Segment]; ok {
			bySeg[l.Segment] = Merge(l, r)
			continue
		}
		bySeg[l.Segment] = l
	}
	out := make([]review.PickState, 0, len(bySeg))
	for _, s := range bySeg {
		out = append(out, s.Clone())
	}
	slices.SortFunc(out, func(a, b review.PickState) int { return a.Segment - b.Segment })
	return out
}
