package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/MrWong99/takewright/internal/generate"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/production"
	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/internal/score"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/types"
)

// ErrNoProvider is returned by stages that synthesize when no provider is
// configured.
var ErrNoProvider = errors.New("app: no synthesis provider configured")

// GenerateResult summarises a generation run.
type GenerateResult struct {
	Reports  []generate.Report
	Summary  production.Summary
	Counters production.Counters
}

// Generate fills the candidate pool of every segment, then scores and
// filters the pools and records the segment statuses in the manifest.
func (a *App) Generate(ctx context.Context) (GenerateResult, error) {
	if a.generator == nil {
		return GenerateResult{}, ErrNoProvider
	}
	ctx, span := observe.StartSpan(ctx, "app.generate")
	defer span.End()

	reports, err := a.generator.GenerateAll(ctx, a.segments)
	res := GenerateResult{Reports: reports}
	for _, r := range reports {
		if len(r.Absent) > 0 {
			observe.Logger(ctx).Warn("candidates absent after retries",
				"segment", r.Segment, "absent", len(r.Absent), "generated", len(r.Generated))
		}
	}
	if err != nil {
		a.mu.Lock()
		_ = a.saveManifestLocked()
		a.mu.Unlock()
		return res, fmt.Errorf("app: generate: %w", err)
	}
	if err := a.Triage(ctx); err != nil {
		return res, err
	}
	a.mu.Lock()
	res.Summary = a.manifest.Summarize()
	res.Counters = a.manifest.Counters
	a.mu.Unlock()
	return res, nil
}

// Triage scores and filters every segment and records the statuses.
func (a *App) Triage(ctx context.Context) error {
	snap, err := a.registry.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("app: registry snapshot: %w", err)
	}
	a.mu.Lock()
	th := a.filter
	a.mu.Unlock()

	statuses := make([]types.SegmentStatus, len(a.segments))
	counts := make([]int, len(a.segments))
	for i, seg := range a.segments {
		cands, err := a.scorer.ScoreSegment(ctx, a.takes, a.Production(), seg, nil)
		if err != nil {
			return fmt.Errorf("app: %w", err)
		}
		filtered, status := triage.Filter(cands, th, snap)
		for _, c := range filtered {
			if c.Filtered {
				a.metrics.RecordFiltered(ctx, c.FilterReason)
			}
		}
		if status == types.StatusUnresolvable {
			a.metrics.UnresolvableSegments.Add(ctx, 1)
			observe.Logger(ctx).Warn("segment unresolvable: every candidate filtered",
				"segment", seg.Index, "candidates", len(cands))
		}
		statuses[i], counts[i] = status, len(cands)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	for i, seg := range a.segments {
		a.manifest.SetStatus(seg.Index, statuses[i], counts[i])
	}
	a.manifest.StatsVersion = a.scorer.Stats().Version
	a.manifest.RegistryVersion = snap.Version
	return a.saveManifestLocked()
}

// Rank returns the current ranking of segment against the latest registry
// snapshot. It implements [review.RankFunc].
func (a *App) Rank(ctx context.Context, segment int) (triage.Ranking, error) {
	snap, err := a.registry.Snapshot(ctx)
	if err != nil {
		return triage.Ranking{}, fmt.Errorf("app: registry snapshot: %w", err)
	}
	return a.rankWith(ctx, segment, snap)
}

// rankWith scores, filters and ranks one segment. Tonal distance to the
// previous segment's winner is only measured when it can change the
// order: always in weighted mode, and for tied scores in tiebreak mode.
func (a *App) rankWith(ctx context.Context, segment int, snap profile.Snapshot) (triage.Ranking, error) {
	seg, ok := a.segment(segment)
	if !ok {
		return triage.Ranking{}, fmt.Errorf("app: unknown segment %d", segment)
	}
	a.mu.Lock()
	th := a.filter
	a.mu.Unlock()

	cands, err := a.scorer.ScoreSegment(ctx, a.takes, a.Production(), seg, nil)
	if err != nil {
		return triage.Ranking{}, fmt.Errorf("app: %w", err)
	}
	cands, _ = triage.Filter(cands, th, snap)
	rk := a.ranker.Rank(segment, cands, snap)
	if !a.needsTonal(rk) {
		return rk, nil
	}
	nb, ok, err := a.neighbourTimbre(ctx, segment)
	if err != nil || !ok {
		return rk, err
	}
	cands, err = a.scorer.ScoreSegment(ctx, a.takes, a.Production(), seg, &nb)
	if err != nil {
		return triage.Ranking{}, fmt.Errorf("app: %w", err)
	}
	cands, _ = triage.Filter(cands, th, snap)
	return a.ranker.Rank(segment, cands, snap), nil
}

func (a *App) needsTonal(rk triage.Ranking) bool {
	if len(rk.Entries) < 2 {
		return false
	}
	if !a.ranker.Config().TonalTiebreakOnly {
		return true
	}
	for i := 1; i < len(rk.Entries); i++ {
		if rk.Entries[i].Score == rk.Entries[i-1].Score {
			return true
		}
	}
	return false
}

// neighbourTimbre measures the winner of the preceding segment.
func (a *App) neighbourTimbre(ctx context.Context, segment int) (score.Timbre, bool, error) {
	if segment == 0 {
		return score.Timbre{}, false, nil
	}
	a.mu.Lock()
	prev := a.manifest.Segments[segment-1].Pick
	a.mu.Unlock()
	if !prev.HasWinner() {
		return score.Timbre{}, false, nil
	}
	cands, err := a.takes.List(ctx, a.Production(), segment-1)
	if err != nil {
		return score.Timbre{}, false, fmt.Errorf("app: %w", err)
	}
	i := slices.IndexFunc(cands, func(c types.Candidate) bool { return c.Version == prev.Winner })
	if i < 0 {
		return score.Timbre{}, false, nil
	}
	clip, err := a.takes.LoadAudio(ctx, a.Production(), cands[i])
	if err != nil {
		return score.Timbre{}, false, fmt.Errorf("app: %w", err)
	}
	return score.MeasureTimbre(clip), true, nil
}

func (a *App) segment(i int) (types.Segment, bool) {
	if i < 0 || i >= len(a.segments) {
		return types.Segment{}, false
	}
	return a.segments[i], true
}

// ReviewSession merges the stored pick states and returns a review session
// saving every decision through the dual store.
func (a *App) ReviewSession(ctx context.Context, opts ...review.Option) (*review.Session, error) {
	states, err := a.SyncPicks(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]review.Option{
		review.WithRegistry(a.registry),
		review.WithMetrics(a.metrics),
	}, opts...)
	s := review.NewSession(a.Production(), a.Rank, a.syncer, opts...)
	s.Load(states)
	return s, nil
}

// SyncPicks loads and merges the local and remote pick states and records
// the result in the manifest.
func (a *App) SyncPicks(ctx context.Context) ([]review.PickState, error) {
	states, err := a.syncer.Load(ctx, a.Production())
	if err != nil {
		return nil, fmt.Errorf("app: load picks: %w", err)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if unknown := a.manifest.ApplyPicks(states, a.now()); len(unknown) > 0 {
		slog.Warn("ignoring pick states of unknown segments", "segments", unknown)
	}
	if err := a.saveManifestLocked(); err != nil {
		return states, fmt.Errorf("app: %w", err)
	}
	return a.manifest.Picks(), nil
}

// Export writes the merged decision set as JSON.
func (a *App) Export(ctx context.Context, w io.Writer) error {
	if _, err := a.SyncPicks(ctx); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.manifest.Export(w, a.now()); err != nil {
		return fmt.Errorf("app: export: %w", err)
	}
	return nil
}
