// Package review implements the per-segment tournament a human reviewer
// uses to pick one candidate.
//
// [PickState] is mutated only through [Transition] and [Enter]; both are
// pure functions. A segment moves from unstarted to comparing two
// candidates, possibly to a solo survivor, and ends decided. A decided
// segment either has a winner or explicitly has none ([PickState.NoSurvivor]).
// Only [ActionRepick] leaves the decided phase.
package review

import (
	"errors"
	"fmt"
	"slices"
)

var (
	// ErrInvalidTransition is returned for an action that is not allowed
	// in the current phase.
	ErrInvalidTransition = errors.New("review: invalid transition")

	// ErrNoCandidates is returned when a tournament is started on a segment
	// without candidates.
	ErrNoCandidates = errors.New("review: no candidates")
)

// Phase is the tournament phase of a segment.
type Phase string

const (
	PhaseUnstarted Phase = "unstarted"
	PhaseComparing Phase = "comparing"
	PhaseSolo      Phase = "solo"
	PhaseDecided   Phase = "decided"
)

// Action is a reviewer decision.
type Action string

const (
	// ActionPickA chooses the champion (left) in the comparing phase.
	ActionPickA Action = "pick_a"

	// ActionPickB chooses the challenger (right) in the comparing phase.
	ActionPickB Action = "pick_b"

	// ActionRejectBoth rejects both presented candidates.
	ActionRejectBoth Action = "reject_both"

	// ActionAccept accepts the solo survivor.
	ActionAccept Action = "accept"

	// ActionReject rejects the solo survivor.
	ActionReject Action = "reject"

	// ActionRepick discards a decision and restarts from the full pool.
	ActionRepick Action = "repick"
)

// NoWinner is the Winner value of a segment that is not decided or was
// decided without a survivor. Version ids are never empty, so it cannot be
// confused with the first candidate.
const NoWinner = ""

// PickState is the review state of one segment.
type PickState struct {
	Segment int   `json:"segment"`
	Phase   Phase `json:"phase"`

	// Champion is the left candidate while comparing, or the survivor in
	// the solo phase.
	Champion string `json:"champion,omitempty"`

	// Challenger is the right candidate while comparing.
	Challenger string `json:"challenger,omitempty"`

	// Remaining lists the not yet rejected candidates in rank order.
	Remaining []string `json:"remaining"`

	// Rejected lists rejected candidates in rejection order.
	Rejected []string `json:"rejected"`

	// Winner is the chosen version, or [NoWinner].
	Winner string `json:"winner,omitempty"`

	// Notes is free text kept across re-picks.
	Notes string `json:"notes,omitempty"`

	// Reasons holds the rejection tag per candidate version.
	Reasons map[string]Reason `json:"reasons,omitempty"`

	// AwaitingReason lists candidates rejected by the last transition. The
	// reviewer is prompted for each; answering is optional.
	AwaitingReason []string `json:"awaiting_reason,omitempty"`
}

// NewPickState returns the unstarted state of a segment.
func NewPickState(segment int) PickState {
	return PickState{Segment: segment, Phase: PhaseUnstarted}
}

// Decided reports whether the segment is in the decided phase.
func (s PickState) Decided() bool { return s.Phase == PhaseDecided }

// HasWinner reports whether the segment was decided with a winner.
func (s PickState) HasWinner() bool { return s.Decided() && s.Winner != NoWinner }

// NoSurvivor reports whether the segment was decided without a winner.
func (s PickState) NoSurvivor() bool { return s.Decided() && s.Winner == NoWinner }

// IsRejected reports whether version was rejected.
func (s PickState) IsRejected(version string) bool { return slices.Contains(s.Rejected, version) }

// Clone returns a deep copy of s.
func (s PickState) Clone() PickState {
	s.Remaining = slices.Clone(s.Remaining)
	s.Rejected = slices.Clone(s.Rejected)
	s.AwaitingReason = slices.Clone(s.AwaitingReason)
	if s.Reasons != nil {
		m := make(map[string]Reason, len(s.Reasons))
		for k, v := range s.Reasons {
			m[k] = v
		}
		s.Reasons = m
	}
	return s
}

// Enter brings s up to date with the current ranking, given best first.
// An unstarted segment starts its tournament. A comparing or solo segment
// presents the best two non-rejected candidates of the fresh ranking.
// A decided segment is returned unchanged.
func Enter(s PickState, ranked []string) (PickState, error) {
	if s.Decided() {
		return s.Clone(), nil
	}
	if s.Phase == PhaseUnstarted && len(ranked) == 0 {
		return s, fmt.Errorf("%w: segment %d", ErrNoCandidates, s.Segment)
	}
	s = s.Clone()
	s.AwaitingReason = nil
	return present(s, ranked), nil
}

// present moves s to the phase implied by the non-rejected candidates.
func present(s PickState, ranked []string) PickState {
	s.Remaining = s.Remaining[:0]
	for _, v := range ranked {
		if !s.IsRejected(v) {
			s.Remaining = append(s.Remaining, v)
		}
	}
	s.Champion, s.Challenger = "", ""
	switch len(s.Remaining) {
	case 0:
		s.Phase, s.Winner = PhaseDecided, NoWinner
	case 1:
		s.Phase = PhaseSolo
		s.Champion = s.Remaining[0]
	default:
		s.Phase = PhaseComparing
		s.Champion, s.Challenger = s.Remaining[0], s.Remaining[1]
	}
	return s
}

// Transition applies action to s. ranked is the current ranking, best
// first; it is consulted when new candidates must be presented.
func Transition(s PickState, action Action, ranked []string) (PickState, error) {
	s = s.Clone()
	s.AwaitingReason = nil

	switch {
	case s.Phase == PhaseComparing && action == ActionPickA:
		return decide(s, s.Champion, s.Challenger), nil
	case s.Phase == PhaseComparing && action == ActionPickB:
		return decide(s, s.Challenger, s.Champion), nil
	case s.Phase == PhaseComparing && action == ActionRejectBoth:
		s = reject(s, s.Champion, s.Challenger)
		return present(s, ranked), nil
	case s.Phase == PhaseSolo && action == ActionAccept:
		return decide(s, s.Champion), nil
	case s.Phase == PhaseSolo && action == ActionReject:
		s = reject(s, s.Champion)
		s.Champion = ""
		s.Remaining = s.Remaining[:0]
		s.Phase, s.Winner = PhaseDecided, NoWinner
		return s, nil
	case s.Phase == PhaseDecided && action == ActionRepick:
		if len(ranked) == 0 {
			return s, fmt.Errorf("%w: segment %d", ErrNoCandidates, s.Segment)
		}
		s.Rejected = s.Rejected[:0]
		s.Winner = NoWinner
		return present(s, ranked), nil
	}
	return s, fmt.Errorf("%w: %s in phase %s (segment %d)", ErrInvalidTransition, action, s.Phase, s.Segment)
}

// decide ends the tournament with winner and rejects the losers.
func decide(s PickState, winner string, losers ...string) PickState {
	s = reject(s, losers...)
	s.Phase = PhaseDecided
	s.Winner = winner
	s.Champion, s.Challenger = "", ""
	s.Remaining = s.Remaining[:0]
	return s
}

func reject(s PickState, versions ...string) PickState {
	for _, v := range versions {
		if v == "" || s.IsRejected(v) {
			continue
		}
		s.Rejected = append(s.Rejected, v)
		s.AwaitingReason = append(s.AwaitingReason, v)
	}
	return s
}

// SetReason records a rejection tag for a rejected candidate and clears its
// pending prompt.
func SetReason(s PickState, version string, r Reason) (PickState, error) {
	if !s.IsRejected(version) {
		return s, fmt.Errorf("%w: %s is not rejected in segment %d", ErrInvalidTransition, version, s.Segment)
	}
	if !r.IsValid() {
		return s, fmt.Errorf("review: unknown reason %q", r)
	}
	s = s.Clone()
	if s.Reasons == nil {
		s.Reasons = make(map[string]Reason)
	}
	s.Reasons[version] = r
	s.AwaitingReason = slices.DeleteFunc(s.AwaitingReason, func(v string) bool { return v == version })
	return s, nil
}

// Validate checks that s is a well-formed state, as received from a store.
func (s PickState) Validate() error {
	if s.Segment < 0 {
		return fmt.Errorf("review: negative segment %d", s.Segment)
	}
	switch s.Phase {
	case PhaseUnstarted, PhaseSolo, PhaseDecided:
	case PhaseComparing:
		if s.Champion == "" || s.Challenger == "" {
			return fmt.Errorf("review: segment %d: comparing without two candidates", s.Segment)
		}
	default:
		return fmt.Errorf("review: segment %d: unknown phase %q", s.Segment, s.Phase)
	}
	if s.Phase != PhaseDecided && s.Winner != NoWinner {
		return fmt.Errorf("review: segment %d: winner set in phase %s", s.Segment, s.Phase)
	}
	if s.Winner != NoWinner && s.IsRejected(s.Winner) {
		return fmt.Errorf("review: segment %d: winner %s is rejected", s.Segment, s.Winner)
	}
	for v, r := range s.Reasons {
		if !r.IsValid() {
			return fmt.Errorf("review: segment %d: unknown reason %q for %s", s.Segment, r, v)
		}
	}
	return nil
}
