package review

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/types"
)

// ErrUnresolvable is returned by [Session.Enter] and [Session.Decide] for a
// segment whose every candidate was filtered, unless fallback review was
// enabled. The state of the segment is left unchanged.
var ErrUnresolvable = errors.New("review: segment is unresolvable")

// Saver persists a pick state after every decision.
type Saver interface {
	Save(ctx context.Context, production string, s PickState) error
}

// RankFunc returns the current ranking of a segment. It is called every
// time the tournament needs candidate order, so rescoring is picked up
// immediately.
type RankFunc func(ctx context.Context, segment int) (triage.Ranking, error)

// View is what the reviewer sees for one segment.
type View struct {
	State   PickState
	Ranking triage.Ranking

	// Left and Right are the presented candidates. Right is nil in the solo
	// phase; both are nil once decided.
	Left, Right *types.Candidate
}

// Outcome is the result of a decision.
type Outcome struct {
	View

	// Prompt lists the candidates just rejected. The reviewer must be
	// offered a reason prompt for each.
	Prompt []string

	// SaveErr is the error of the save attempted after the decision. The
	// decision stands regardless.
	SaveErr error
}

// Option is a functional option for [NewSession].
type Option func(*Session)

// WithRegistry records known-good and rejection profiles from decisions.
func WithRegistry(r profile.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithFallbackReview allows reviewing unresolvable segments from their
// unfiltered fallback ranking.
func WithFallbackReview(allow bool) Option {
	return func(s *Session) { s.allowFallback = allow }
}

// Session drives the tournaments of one production. One reviewer works on
// one segment at a time; the mutex only guards against accidental misuse.
type Session struct {
	production    string
	rank          RankFunc
	saver         Saver
	registry      profile.Registry
	metrics       *observe.Metrics
	parser        *ReasonParser
	allowFallback bool

	mu       sync.Mutex
	states   map[int]PickState
	rankings map[int]triage.Ranking
}

// NewSession creates a review session for production.
func NewSession(production string, rank RankFunc, saver Saver, opts ...Option) *Session {
	s := &Session{
		production: production,
		rank:       rank,
		saver:      saver,
		parser:     NewReasonParser(),
		states:     make(map[int]PickState),
		rankings:   make(map[int]triage.Ranking),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Load installs previously saved states, typically the merged result of
// the local and remote stores.
func (s *Session) Load(states []PickState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range states {
		s.states[st.Segment] = st.Clone()
	}
}

// State returns the state of segment.
func (s *Session) State(segment int) PickState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stateLocked(segment)
}

func (s *Session) stateLocked(segment int) PickState {
	if st, ok := s.states[segment]; ok {
		return st.Clone()
	}
	return NewPickState(segment)
}

// States returns every known state ordered by segment.
func (s *Session) States() []PickState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PickState, 0, len(s.states))
	for _, st := range s.states {
		out = append(out, st.Clone())
	}
	slices.SortFunc(out, func(a, b PickState) int { return a.Segment - b.Segment })
	return out
}

// Enter focuses segment: the ranking is recomputed and the state brought up
// to date with it.
func (s *Session) Enter(ctx context.Context, segment int) (View, error) {
	rk, err := s.rank(ctx, segment)
	if err != nil {
		return View{}, fmt.Errorf("review: rank segment %d: %w", segment, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.rankings[segment] = rk
	st := s.stateLocked(segment)

	if s.unresolvable(rk, st, "") {
		return View{State: st, Ranking: rk}, fmt.Errorf("%w: segment %d", ErrUnresolvable, segment)
	}
	next, err := Enter(st, rk.Versions())
	if err != nil {
		return View{State: st, Ranking: rk}, err
	}
	s.states[segment] = next
	return s.viewLocked(next, rk), nil
}

// Decide applies action to segment, saves the new state and records
// profiles. Only an invalid action or an unresolvable segment returns an
// error; save and registry failures are reported in the outcome and logged.
func (s *Session) Decide(ctx context.Context, segment int, action Action) (Outcome, error) {
	rk, err := s.rankingFor(ctx, segment, action)
	if err != nil {
		return Outcome{}, err
	}

	s.mu.Lock()
	st := s.stateLocked(segment)
	if s.unresolvable(rk, st, action) {
		view := s.viewLocked(st, s.rankings[segment])
		s.mu.Unlock()
		return Outcome{View: view}, fmt.Errorf("%w: segment %d", ErrUnresolvable, segment)
	}
	next, err := Transition(st, action, rk.Versions())
	if err != nil {
		s.mu.Unlock()
		return Outcome{View: s.View(segment)}, err
	}
	s.states[segment] = next
	s.rankings[segment] = rk
	out := Outcome{View: s.viewLocked(next, rk), Prompt: slices.Clone(next.AwaitingReason)}
	s.mu.Unlock()

	s.metrics.RecordDecision(ctx, string(action))
	out.SaveErr = s.save(ctx, next)
	for _, v := range next.AwaitingReason {
		if c, ok := findCandidate(rk, v); ok {
			s.record(ctx, profile.KindRejection, c, "")
		}
	}
	if next.HasWinner() {
		if c, ok := findCandidate(rk, next.Winner); ok {
			s.record(ctx, profile.KindKnownGood, c, "")
		}
	}
	return out, nil
}

// unresolvable reports whether st may not be advanced on rk. A fallback
// ranking is only reviewable when enabled; a decided segment may still be
// shown unless action would restart its tournament on the fallback pool.
func (s *Session) unresolvable(rk triage.Ranking, st PickState, action Action) bool {
	if rk.Kind != triage.KindUnfilteredFallback || s.allowFallback {
		return false
	}
	return !st.Decided() || action == ActionRepick
}

// rankingFor returns a fresh ranking when the action presents new
// candidates, and the ranking of the last entry otherwise.
func (s *Session) rankingFor(ctx context.Context, segment int, action Action) (triage.Ranking, error) {
	s.mu.Lock()
	rk, ok := s.rankings[segment]
	s.mu.Unlock()
	if ok && action != ActionRejectBoth && action != ActionRepick {
		return rk, nil
	}
	rk, err := s.rank(ctx, segment)
	if err != nil {
		return triage.Ranking{}, fmt.Errorf("review: rank segment %d: %w", segment, err)
	}
	return rk, nil
}

// Tag parses text into a rejection reason for version, saves the state and
// records a rejection profile carrying the reason, which supersedes the
// untagged one recorded by [Session.Decide]. Text that matches no tag is
// stored as [ReasonOther] and appended to the notes.
//
// A failed save is returned together with the reason: the tag stands and
// only its persistence failed. Any other error returns an empty reason.
func (s *Session) Tag(ctx context.Context, segment int, version, text string) (Reason, error) {
	reason, matched := s.parser.Parse(text)

	s.mu.Lock()
	st := s.stateLocked(segment)
	next, err := SetReason(st, version, reason)
	if err != nil {
		s.mu.Unlock()
		return "", err
	}
	if !matched && text != "" {
		next.Notes = appendNote(next.Notes, version+": "+text)
	}
	s.states[segment] = next
	rk := s.rankings[segment]
	s.mu.Unlock()

	saveErr := s.save(ctx, next)
	if c, ok := findCandidate(rk, version); ok {
		s.record(ctx, profile.KindRejection, c, string(reason))
	}
	if saveErr != nil {
		return reason, fmt.Errorf("review: save tag of %s: %w", version, saveErr)
	}
	return reason, nil
}

// Note replaces the free-text notes of segment and saves the state.
func (s *Session) Note(ctx context.Context, segment int, notes string) error {
	s.mu.Lock()
	st := s.stateLocked(segment)
	st.Notes = notes
	s.states[segment] = st
	s.mu.Unlock()
	return s.save(ctx, st)
}

// View returns the current view of segment without recomputing the ranking.
func (s *Session) View(segment int) View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.viewLocked(s.stateLocked(segment), s.rankings[segment])
}

func (s *Session) viewLocked(st PickState, rk triage.Ranking) View {
	v := View{State: st.Clone(), Ranking: rk}
	if c, ok := findCandidate(rk, st.Champion); ok && st.Champion != "" {
		v.Left = &c
	}
	if c, ok := findCandidate(rk, st.Challenger); ok && st.Challenger != "" {
		v.Right = &c
	}
	return v
}

func (s *Session) save(ctx context.Context, st PickState) error {
	if s.saver == nil {
		return nil
	}
	if err := s.saver.Save(ctx, s.production, st); err != nil {
		observe.Logger(ctx).Warn("pick state save failed; decision kept",
			"production", s.production,
			"segment", st.Segment,
			"err", err,
		)
		return err
	}
	return nil
}

func (s *Session) record(ctx context.Context, kind profile.Kind, c types.Candidate, reason string) {
	if s.registry == nil {
		return
	}
	_, err := s.registry.Append(ctx, profile.Profile{
		Kind:         kind,
		Fingerprint:  c.Features.Z,
		Reason:       reason,
		Production:   s.production,
		Segment:      c.SegmentIndex,
		Version:      c.Version,
		StatsVersion: c.Features.StatsVersion,
	})
	if err != nil {
		observe.Logger(ctx).Warn("failed to record profile",
			"kind", kind,
			"segment", c.SegmentIndex,
			"version", c.Version,
			"err", err,
		)
	}
}

func findCandidate(rk triage.Ranking, version string) (types.Candidate, bool) {
	for _, e := range rk.Entries {
		if e.Candidate.Version == version {
			return e.Candidate, true
		}
	}
	return types.Candidate{}, false
}

func appendNote(notes, note string) string {
	if notes == "" {
		return note
	}
	return notes + "\n" + note
}
