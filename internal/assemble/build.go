package assemble

import (
	"context"
	"fmt"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/pkg/types"
)

const loadConcurrency = 8

// Select returns the version to assemble per segment. Every segment must be
// decided with a winner, otherwise an [*UnresolvedError] lists the
// offenders. Overrides then replace individual winners.
func Select(segs []types.Segment, picks []review.PickState, overrides map[int]string) (map[int]string, error) {
	bySeg := make(map[int]review.PickState, len(picks))
	for _, p := range picks {
		bySeg[p.Segment] = p
	}
	versions := make(map[int]string, len(segs))
	var unresolved []int
	for _, s := range segs {
		p, ok := bySeg[s.Index]
		if !ok || !p.HasWinner() {
			unresolved = append(unresolved, s.Index)
			continue
		}
		versions[s.Index] = p.Winner
	}
	if len(unresolved) > 0 {
		return nil, &UnresolvedError{Segments: unresolved}
	}
	for seg, v := range overrides {
		if _, ok := versions[seg]; !ok {
			return nil, fmt.Errorf("assemble: override for unknown segment %d", seg)
		}
		versions[seg] = v
	}
	return versions, nil
}

// Plan is the input of one build.
type Plan struct {
	Production string
	Segments   []types.Segment
	Picks      []review.PickState

	// Overrides are build-scoped replacement winners chosen by an automatic
	// rebuild. They never change the pick states.
	Overrides map[int]string
}

// Builder loads chosen audio from the candidate store and assembles it.
type Builder struct {
	store   takestore.Store
	cfg     Config
	metrics *observe.Metrics
}

// BuilderOption is a functional option for [NewBuilder].
type BuilderOption func(*Builder)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) BuilderOption {
	return func(b *Builder) { b.metrics = m }
}

// NewBuilder creates a Builder.
func NewBuilder(store takestore.Store, cfg Config, opts ...BuilderOption) (*Builder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	b := &Builder{store: store, cfg: cfg}
	for _, o := range opts {
		o(b)
	}
	if b.metrics == nil {
		b.metrics = observe.DefaultMetrics()
	}
	return b, nil
}

// Build assembles plan. It fails with [*UnresolvedError] before touching
// any audio when a segment has no winner.
func (b *Builder) Build(ctx context.Context, plan Plan) (Result, error) {
	ctx, span := observe.StartSpan(ctx, "assemble.build")
	defer span.End()
	start := time.Now()

	versions, err := Select(plan.Segments, plan.Picks, plan.Overrides)
	if err != nil {
		return Result{}, err
	}

	inputs := make([]Input, len(plan.Segments))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for i, seg := range plan.Segments {
		g.Go(func() error {
			in, err := b.load(gctx, plan.Production, seg, versions[seg.Index])
			if err != nil {
				return err
			}
			inputs[i] = in
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	res, err := Assemble(inputs, b.cfg)
	if err != nil {
		return Result{}, err
	}
	for i := range res.Placements {
		if _, ok := plan.Overrides[res.Placements[i].Segment]; ok {
			res.Placements[i].Override = true
		}
	}
	observe.Logger(ctx).Info("track assembled",
		"production", plan.Production,
		"segments", len(inputs),
		"duration", res.Track.Duration(),
		"gain_db", res.GainDB,
		"overrides", len(plan.Overrides),
		"elapsed", time.Since(start),
	)
	return res, nil
}

func (b *Builder) load(ctx context.Context, production string, seg types.Segment, version string) (Input, error) {
	cands, err := b.store.List(ctx, production, seg.Index)
	if err != nil {
		return Input{}, fmt.Errorf("assemble: segment %d: %w", seg.Index, err)
	}
	i := slices.IndexFunc(cands, func(c types.Candidate) bool { return c.Version == version })
	if i < 0 {
		return Input{}, fmt.Errorf("assemble: segment %d: chosen version %s not in store", seg.Index, version)
	}
	clip, err := b.store.LoadAudio(ctx, production, cands[i])
	if err != nil {
		return Input{}, fmt.Errorf("assemble: segment %d %s: %w", seg.Index, version, err)
	}
	return Input{Segment: seg, Candidate: cands[i], Clip: clip}, nil
}
