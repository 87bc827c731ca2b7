// Package generate produces the candidate pool for each segment.
//
// A [Generator] issues one synthesis request per missing candidate version,
// bounded by a global concurrency ceiling shared by every segment. Requests
// over the ceiling wait for a slot; they are never dropped. Failed requests
// are retried with exponential backoff and jitter. A version whose retries
// are exhausted is simply absent: the segment ends up with fewer candidates,
// never with a placeholder.
//
// Generation is resumable. Versions already present in the take store are
// not requested again, so rerunning Generate after a crash or a partial
// failure only fills the gaps.
package generate

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/resilience"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/pkg/provider/tts"
	"github.com/MrWong99/takewright/pkg/types"
)

// errAbandoned ends the attempts of a version whose segment was abandoned.
var errAbandoned = errors.New("generate: segment abandoned")

// Config controls a [Generator].
type Config struct {
	// Production scopes every take store write.
	Production string

	// Voice is passed to every synthesis request.
	Voice tts.VoiceProfile

	// Candidates is the target pool size per segment.
	Candidates int

	// MaxConcurrency is the ceiling on in-flight provider requests across
	// all segments. Defaults to 4.
	MaxConcurrency int

	// RequestsPerMinute paces request starts. Zero disables pacing.
	RequestsPerMinute float64

	// Retry is applied to each request individually.
	Retry resilience.RetryPolicy

	// RequestTimeout bounds one provider call. Zero means no timeout.
	RequestTimeout time.Duration

	// CostPer1kChars prices successful requests for the cost estimate.
	CostPer1kChars float64
}

// Report describes the outcome of generating one segment.
type Report struct {
	// Segment is the segment index.
	Segment int

	// Existing counts versions that were already in the store.
	Existing int

	// Generated holds the candidates written by this call, by GenIndex.
	Generated []types.Candidate

	// Absent lists the GenIndexes given up after exhausting retries.
	Absent []int

	// Abandoned is set when the segment was abandoned while generating.
	// Results that arrived afterwards were discarded.
	Abandoned bool
}

// Counters are the running totals of a [Generator].
type Counters struct {
	// Requests counts provider calls, retries included.
	Requests int64

	// Chars counts characters of successful requests.
	Chars int64

	// Candidates counts candidates written to the store.
	Candidates int64

	// Absent counts versions given up after exhausting retries.
	Absent int64

	// Cost is the estimated provider cost of the successful requests.
	Cost float64
}

// Option is a functional option for [New].
type Option func(*Generator)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(g *Generator) { g.metrics = m }
}

// WithClock overrides the timestamp source for CreatedAt.
func WithClock(now func() time.Time) Option {
	return func(g *Generator) { g.now = now }
}

// Generator fills candidate pools. It is safe for concurrent use; the
// concurrency ceiling applies across all concurrent calls.
type Generator struct {
	provider tts.Provider
	store    takestore.Store
	cfg      Config
	sem      *semaphore.Weighted
	limiter  *rate.Limiter
	metrics  *observe.Metrics
	now      func() time.Time

	mu     sync.Mutex
	epochs map[int]uint64

	requests   atomic.Int64
	chars      atomic.Int64
	candidates atomic.Int64
	absent     atomic.Int64
}

// New creates a Generator that synthesizes with provider and persists to store.
func New(provider tts.Provider, store takestore.Store, cfg Config, opts ...Option) (*Generator, error) {
	if provider == nil {
		return nil, errors.New("generate: provider must not be nil")
	}
	if store == nil {
		return nil, errors.New("generate: store must not be nil")
	}
	if cfg.Candidates <= 0 {
		return nil, fmt.Errorf("generate: candidates must be positive, got %d", cfg.Candidates)
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 4
	}
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Limit(cfg.RequestsPerMinute / 60)
	}
	g := &Generator{
		provider: provider,
		store:    store,
		cfg:      cfg,
		sem:      semaphore.NewWeighted(int64(cfg.MaxConcurrency)),
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
		epochs:   make(map[int]uint64),
	}
	for _, o := range opts {
		o(g)
	}
	if g.metrics == nil {
		g.metrics = observe.DefaultMetrics()
	}
	return g, nil
}

// Abandon drops the segment from generation. Requests already sent to the
// provider run to completion and their results are discarded; queued
// requests for the segment are not sent. A later call to [Generator.Generate]
// for the same segment starts afresh.
func (g *Generator) Abandon(segment int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.epochs[segment]++
}

func (g *Generator) epoch(segment int) uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.epochs[segment]
}

func (g *Generator) abandoned(segment int, epoch uint64) bool {
	return g.epoch(segment) != epoch
}

// Counters returns a snapshot of the running totals.
func (g *Generator) Counters() Counters {
	chars := g.chars.Load()
	return Counters{
		Requests:   g.requests.Load(),
		Chars:      chars,
		Candidates: g.candidates.Load(),
		Absent:     g.absent.Load(),
		Cost:       float64(chars) * g.cfg.CostPer1kChars / 1000,
	}
}

// Missing returns the GenIndexes in [0, want) not present in existing.
func Missing(existing []types.Candidate, want int) []int {
	have := make(map[int]bool, len(existing))
	for _, c := range existing {
		have[c.GenIndex] = true
	}
	var out []int
	for i := range want {
		if !have[i] {
			out = append(out, i)
		}
	}
	return out
}

// Generate fills the candidate pool of seg up to the configured size.
// The returned error is non-nil only for store failures or cancellation;
// provider failures show up as [Report.Absent].
func (g *Generator) Generate(ctx context.Context, seg types.Segment) (Report, error) {
	return g.generate(ctx, seg, nil)
}

// Regenerate requests extra versions for seg beyond those already stored,
// regardless of the configured pool size. It is used by the rebuild loop to
// obtain fresh candidates for implicated segments.
func (g *Generator) Regenerate(ctx context.Context, seg types.Segment, count int) (Report, error) {
	existing, err := g.store.List(ctx, g.cfg.Production, seg.Index)
	if err != nil {
		return Report{Segment: seg.Index}, fmt.Errorf("generate: segment %d: %w", seg.Index, err)
	}
	next := 0
	for _, c := range existing {
		next = max(next, c.GenIndex+1)
	}
	want := make([]int, count)
	for i := range want {
		want[i] = next + i
	}
	return g.generate(ctx, seg, want)
}

func (g *Generator) generate(ctx context.Context, seg types.Segment, want []int) (Report, error) {
	ctx, span := observe.StartSpan(observe.WithProduction(ctx, g.cfg.Production), "generate.segment")
	defer span.End()
	log := observe.Logger(ctx).With("segment", seg.Index)

	epoch := g.epoch(seg.Index)
	rep := Report{Segment: seg.Index}

	existing, err := g.store.List(ctx, g.cfg.Production, seg.Index)
	if err != nil {
		return rep, fmt.Errorf("generate: segment %d: %w", seg.Index, err)
	}
	rep.Existing = len(existing)
	requested := g.cfg.Candidates
	if want == nil {
		want = Missing(existing, g.cfg.Candidates)
	} else {
		requested = len(existing) + len(want)
	}
	if err := g.store.PutSegment(ctx, g.cfg.Production, takestore.SegmentRecord{
		Index:     seg.Index,
		Text:      seg.Text,
		CharCount: seg.CharCount,
		Requested: requested,
	}); err != nil {
		return rep, fmt.Errorf("generate: segment %d: %w", seg.Index, err)
	}
	if len(want) == 0 {
		log.Debug("candidate pool complete", "existing", rep.Existing)
		return rep, nil
	}

	var mu sync.Mutex
	eg, egCtx := errgroup.WithContext(ctx)
	for _, gi := range want {
		eg.Go(func() error {
			// A slot is held per attempt so backoff waits do not count
			// against the ceiling.
			res, err := resilience.Retry(egCtx, g.cfg.Retry, func(ctx context.Context) (tts.Result, error) {
				if err := g.sem.Acquire(ctx, 1); err != nil {
					return tts.Result{}, err
				}
				defer g.sem.Release(1)
				if g.abandoned(seg.Index, epoch) {
					return tts.Result{}, errAbandoned
				}
				return g.synthesize(ctx, seg)
			})
			if errors.Is(err, errAbandoned) {
				return nil
			}
			if err != nil {
				if egCtx.Err() != nil {
					return egCtx.Err()
				}
				g.absent.Add(1)
				g.metrics.CandidatesAbsent.Add(ctx, 1)
				log.Warn("candidate absent after retries", "version", types.VersionID(gi), "err", err)
				mu.Lock()
				rep.Absent = append(rep.Absent, gi)
				mu.Unlock()
				return nil
			}
			if g.abandoned(seg.Index, epoch) {
				log.Debug("discarding result for abandoned segment", "version", types.VersionID(gi))
				return nil
			}

			c, err := g.store.Put(egCtx, g.cfg.Production, seg, types.Candidate{
				GenIndex:  gi,
				Provider:  res.Provider,
				CreatedAt: g.now().UTC(),
			}, res.Audio)
			if err != nil {
				return fmt.Errorf("generate: segment %d %s: %w", seg.Index, types.VersionID(gi), err)
			}
			g.candidates.Add(1)
			g.metrics.CandidatesGenerated.Add(ctx, 1)
			mu.Lock()
			rep.Generated = append(rep.Generated, c)
			mu.Unlock()
			return nil
		})
	}
	err = eg.Wait()

	slices.SortFunc(rep.Generated, func(a, b types.Candidate) int { return a.GenIndex - b.GenIndex })
	slices.Sort(rep.Absent)
	rep.Abandoned = g.abandoned(seg.Index, epoch)
	if err != nil {
		return rep, err
	}
	log.Info("generated candidates",
		"generated", len(rep.Generated),
		"absent", len(rep.Absent),
		"existing", rep.Existing,
		"abandoned", rep.Abandoned,
	)
	return rep, nil
}

// synthesize performs one paced provider call.
func (g *Generator) synthesize(ctx context.Context, seg types.Segment) (tts.Result, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return tts.Result{}, err
	}
	parent := ctx
	if g.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.RequestTimeout)
		defer cancel()
	}

	g.requests.Add(1)
	start := time.Now()
	res, err := g.provider.Synthesize(ctx, seg.Text, g.cfg.Voice)
	name := res.Provider
	if name == "" {
		name = "provider"
	}
	if err == nil && len(res.Audio.Samples) == 0 {
		err = fmt.Errorf("generate: provider returned empty audio: %w", tts.ErrTransient)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && parent.Err() == nil {
			err = fmt.Errorf("generate: request timeout: %w: %w", tts.ErrTransient, err)
		}
		g.metrics.RecordProviderRequest(parent, name, "error")
		g.metrics.RecordProviderError(parent, name, errorKind(err))
		return tts.Result{}, err
	}

	g.metrics.SynthesisDuration.Record(parent, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("provider", name)))
	g.metrics.RecordProviderRequest(parent, name, "ok")
	chars := seg.CharCount
	if chars == 0 {
		chars = utf8.RuneCountInString(seg.Text)
	}
	g.chars.Add(int64(chars))
	return res, nil
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, tts.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, tts.ErrTransient):
		return "transient"
	default:
		return "permanent"
	}
}

// GenerateAll generates every segment, sharing the concurrency ceiling.
// Reports are returned in the order of segs.
func (g *Generator) GenerateAll(ctx context.Context, segs []types.Segment) ([]Report, error) {
	reports := make([]Report, len(segs))
	eg, egCtx := errgroup.WithContext(ctx)
	for i, seg := range segs {
		eg.Go(func() error {
			rep, err := g.Generate(egCtx, seg)
			reports[i] = rep
			return err
		})
	}
	if err := eg.Wait(); err != nil {
		return reports, err
	}
	return reports, nil
}
