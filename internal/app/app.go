// Package app wires all takewright subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects the
// stores, scorer, ranker and generator, the pipeline methods run the
// stages of a production, and Shutdown tears everything down in order.
//
// For testing, inject implementations via functional options
// (WithTakeStore, WithRegistry, etc.). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/takewright/internal/config"
	"github.com/MrWong99/takewright/internal/generate"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/production"
	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/internal/qa"
	"github.com/MrWong99/takewright/internal/resilience"
	"github.com/MrWong99/takewright/internal/score"
	"github.com/MrWong99/takewright/internal/script"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/provider/tts"
	"github.com/MrWong99/takewright/pkg/types"
)

// Providers holds the synthesis provider. Populated by main.go via the
// config registry, see [ProvidersFromConfig].
type Providers struct {
	TTS tts.Provider
}

// App owns all subsystem lifetimes of one production.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics

	takes     takestore.Store
	registry  profile.Registry
	local     persist.Store
	remote    persist.Store
	syncer    *persist.Syncer
	scorer    *score.Scorer
	ranker    *triage.Ranker
	generator *generate.Generator
	builds    *BuildManager

	// mu guards the hot-reloadable settings and the manifest.
	mu         sync.Mutex
	filter     triage.Thresholds
	thresholds qa.Thresholds
	maxStrikes int
	segments   []types.Segment
	manifest   *production.Manifest
	counted    generate.Counters

	now func() time.Time

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTakeStore injects a candidate store instead of creating the disk store.
func WithTakeStore(s takestore.Store) Option {
	return func(a *App) { a.takes = s }
}

// WithRegistry injects a profile registry instead of creating one from config.
func WithRegistry(r profile.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithLocalStore injects the device-local pick store instead of SQLite.
func WithLocalStore(s persist.Store) Option {
	return func(a *App) { a.local = s }
}

// WithRemoteStore injects the remote pick store instead of the HTTP client.
func WithRemoteStore(s persist.Store) Option {
	return func(a *App) { a.remote = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithSegments injects the production segments instead of parsing the
// configured script.
func WithSegments(segs []types.Segment) Option {
	return func(a *App) { a.segments = segs }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *App) { a.now = now }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go and may be nil for commands that never synthesize.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil {
		providers = &Providers{}
	}
	a := &App{
		cfg:        cfg,
		providers:  providers,
		now:        time.Now,
		filter:     filterThresholds(cfg),
		thresholds: qa.ThresholdsFromConfig(cfg.QA.Thresholds),
		maxStrikes: cfg.QA.MaxStrikes,
		ranker:     triage.NewRanker(rankConfig(cfg)),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.builds = NewBuildManager(a.metrics)

	// ── 1. Script + manifest ─────────────────────────────────────────────
	if err := a.initProduction(); err != nil {
		return nil, fmt.Errorf("app: init production: %w", err)
	}

	// ── 2. Candidate store ───────────────────────────────────────────────
	if err := a.initTakes(); err != nil {
		return nil, fmt.Errorf("app: init take store: %w", err)
	}

	// ── 3. Profile registry ──────────────────────────────────────────────
	if err := a.initRegistry(ctx); err != nil {
		return nil, fmt.Errorf("app: init registry: %w", err)
	}

	// ── 4. Pick stores ───────────────────────────────────────────────────
	if err := a.initPickStores(); err != nil {
		return nil, fmt.Errorf("app: init pick stores: %w", err)
	}

	// ── 5. Scorer ────────────────────────────────────────────────────────
	if err := a.initScorer(); err != nil {
		return nil, fmt.Errorf("app: init scorer: %w", err)
	}

	// ── 6. Generator ─────────────────────────────────────────────────────
	if err := a.initGenerator(); err != nil {
		return nil, fmt.Errorf("app: init generator: %w", err)
	}

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

// initProduction parses the script and loads or creates the manifest.
func (a *App) initProduction() error {
	id := a.cfg.Production.ID
	if id == "" {
		return errors.New("production.id is required")
	}
	if a.segments == nil {
		segs, err := script.ParseFile(a.cfg.Production.Script, script.Options{
			DefaultPause:    a.cfg.Production.DefaultPause,
			MinSegmentChars: a.cfg.Production.MinSegmentChars,
		})
		if err != nil {
			return err
		}
		a.segments = segs
	}
	m, err := production.LoadOrNew(a.manifestPath(), id, a.segments)
	if err != nil {
		return err
	}
	a.manifest = m
	slog.Info("production loaded", "production", id, "segments", len(a.segments))
	return nil
}

// initTakes opens the on-disk candidate store unless one was injected.
func (a *App) initTakes() error {
	if a.takes != nil {
		return nil
	}
	d, err := takestore.NewDisk(a.cfg.Storage.CandidatesDir, a.cfg.Storage.Compression)
	if err != nil {
		return err
	}
	a.takes = d
	a.closers = append(a.closers, d.Close)
	return nil
}

// initRegistry opens the file or PostgreSQL profile registry.
func (a *App) initRegistry(ctx context.Context) error {
	if a.registry != nil {
		return nil
	}
	switch a.cfg.Storage.Registry {
	case "postgres":
		r, err := profile.NewPostgresRegistry(ctx, a.cfg.Storage.PostgresDSN)
		if err != nil {
			return err
		}
		if err := r.Migrate(ctx); err != nil {
			r.Close()
			return err
		}
		a.registry = r
		a.closers = append(a.closers, func() error { r.Close(); return nil })
	default:
		r, err := profile.NewFileRegistry(a.cfg.Storage.RegistryPath)
		if err != nil {
			return err
		}
		a.registry = r
	}
	return nil
}

// initPickStores opens the SQLite cache and the optional remote client and
// starts the syncer between them.
func (a *App) initPickStores() error {
	if a.local == nil {
		s, err := persist.NewSQLiteStore(a.cfg.Storage.LocalCachePath)
		if err != nil {
			return err
		}
		a.local = s
		a.closers = append(a.closers, s.Close)
	}
	if a.remote == nil && a.cfg.Storage.RemoteURL != "" {
		c, err := persist.NewRemoteClient(a.cfg.Storage.RemoteURL, a.cfg.Storage.RemoteToken)
		if err != nil {
			return err
		}
		a.remote = c
	}
	a.syncer = persist.NewSyncer(a.local, a.remote, persist.WithSyncMetrics(a.metrics))
	// The syncer flushes pending remote writes; it runs before the local
	// store closes.
	a.closers = append([]func() error{func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return a.syncer.Close(ctx)
	}}, a.closers...)
	return nil
}

// initScorer loads the reference statistics.
func (a *App) initScorer() error {
	stats := score.Builtin()
	if p := a.cfg.Scoring.ReferenceStatsPath; p != "" {
		s, err := score.LoadReferenceStats(p)
		if err != nil {
			return err
		}
		stats = s
	}
	a.scorer = score.New(stats)
	slog.Info("reference statistics loaded", "version", stats.Version)
	return nil
}

// initGenerator creates the candidate generator when a provider is
// configured.
func (a *App) initGenerator() error {
	if a.providers.TTS == nil {
		return nil
	}
	g := a.cfg.Generation
	gen, err := generate.New(a.providers.TTS, a.takes, generate.Config{
		Production:        a.cfg.Production.ID,
		Voice:             configVoiceProfile(a.cfg.Production.Voice),
		Candidates:        g.CandidatesPerSegment,
		MaxConcurrency:    g.MaxConcurrency,
		RequestsPerMinute: g.RequestsPerMinute,
		Retry: resilience.RetryPolicy{
			MaxRetries:  g.MaxRetries,
			BaseBackoff: g.BaseBackoff,
			MaxBackoff:  g.MaxBackoff,
		},
		RequestTimeout: g.RequestTimeout,
		CostPer1kChars: g.CostPer1kChars,
	}, generate.WithMetrics(a.metrics))
	if err != nil {
		return err
	}
	a.generator = gen
	return nil
}

// ProvidersFromConfig creates the configured synthesis provider. When
// fallbacks are configured, every provider is wrapped in its own circuit
// breaker and tried in order.
func ProvidersFromConfig(cfg *config.Config, reg *config.Registry) (*Providers, error) {
	primary, err := reg.CreateTTS(cfg.Providers.TTS)
	if err != nil {
		return nil, fmt.Errorf("app: create tts provider %q: %w", cfg.Providers.TTS.Name, err)
	}
	if len(cfg.Providers.Fallbacks) == 0 {
		return &Providers{TTS: primary}, nil
	}
	cb := cfg.Generation.CircuitBreaker
	chain := resilience.NewSynthChain(primary, cfg.Providers.TTS.Name, resilience.ChainConfig{
		Breaker: resilience.BreakerConfig{
			MaxFailures:  cb.MaxFailures,
			ResetTimeout: cb.ResetTimeout,
			OnStateChange: func(name string, _, to resilience.State) {
				if to == resilience.StateOpen {
					observe.DefaultMetrics().RecordProviderError(context.Background(), name, "circuit_open")
				}
			},
		},
	})
	for _, entry := range cfg.Providers.Fallbacks {
		p, err := reg.CreateTTS(entry)
		if err != nil {
			return nil, fmt.Errorf("app: create fallback provider %q: %w", entry.Name, err)
		}
		chain.Add(entry.Name, p)
	}
	return &Providers{TTS: chain}, nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Production returns the production id.
func (a *App) Production() string { return a.cfg.Production.ID }

// Segments returns the production segments.
func (a *App) Segments() []types.Segment { return a.segments }

// TakeStore returns the candidate store.
func (a *App) TakeStore() takestore.Store { return a.takes }

// Syncer returns the dual pick store.
func (a *App) Syncer() *persist.Syncer { return a.syncer }

// Builds returns the build manager.
func (a *App) Builds() *BuildManager { return a.builds }

// Manifest returns a copy of the production manifest.
func (a *App) Manifest() production.Manifest {
	a.mu.Lock()
	defer a.mu.Unlock()
	m := *a.manifest
	m.Segments = make([]production.SegmentState, len(a.manifest.Segments))
	for i, st := range a.manifest.Segments {
		st.Pick = st.Pick.Clone()
		m.Segments[i] = st
	}
	return m
}

func (a *App) manifestPath() string {
	return production.Path(a.cfg.Storage.CandidatesDir, a.cfg.Production.ID)
}

// saveManifestLocked writes the manifest, folding in new generator totals.
// a.mu must be held.
func (a *App) saveManifestLocked() error {
	if a.generator != nil {
		now := a.generator.Counters()
		a.manifest.Counters.Add(generate.Counters{
			Requests:   now.Requests - a.counted.Requests,
			Chars:      now.Chars - a.counted.Chars,
			Candidates: now.Candidates - a.counted.Candidates,
			Absent:     now.Absent - a.counted.Absent,
			Cost:       now.Cost - a.counted.Cost,
		})
		a.counted = now
	}
	return a.manifest.Save(a.manifestPath())
}

// ─── Hot reload ──────────────────────────────────────────────────────────────

// ApplyConfig applies the ranking, filter and QA sections of a reloaded
// config. Other sections are only read at startup, except that a changed
// script abandons generation of the segments it no longer matches.
func (a *App) ApplyConfig(old, new *config.Config) {
	d := config.Diff(old, new)
	if d.RankingChanged {
		a.ranker.SetConfig(rankConfig(new))
		slog.Info("ranking weights reloaded", "tonal_mode", new.Ranking.TonalMode)
	}
	a.mu.Lock()
	if d.FilterChanged {
		a.filter = filterThresholds(new)
		slog.Info("filter thresholds reloaded")
	}
	if d.QAChanged {
		a.thresholds = qa.ThresholdsFromConfig(new.QA.Thresholds)
		a.maxStrikes = new.QA.MaxStrikes
		slog.Info("qa settings reloaded", "max_strikes", a.maxStrikes)
	}
	a.mu.Unlock()

	if scriptChanged(old, new) {
		segs, err := script.ParseFile(new.Production.Script, script.Options{
			DefaultPause:    new.Production.DefaultPause,
			MinSegmentChars: new.Production.MinSegmentChars,
		})
		if err != nil {
			slog.Warn("reloaded script not parsed; keeping the current plan", "script", new.Production.Script, "err", err)
			return
		}
		if _, err := a.ReloadScript(segs); err != nil {
			slog.Warn("script changed after the production started; restart with a new production id to use it", "err", err)
		}
	}
}

func scriptChanged(old, new *config.Config) bool {
	o, n := old.Production, new.Production
	return o.Script != n.Script || o.DefaultPause != n.DefaultPause || o.MinSegmentChars != n.MinSegmentChars
}

// ReloadScript compares a re-parsed script with the production plan. Every
// planned segment that is missing from segs or whose text, pause or
// position changed is abandoned by the generator, so in-flight requests for
// it are discarded and queued ones never sent. The plan itself is kept; the
// abandoned indexes are returned together with [production.ErrSegmentsChanged].
func (a *App) ReloadScript(segs []types.Segment) ([]int, error) {
	a.mu.Lock()
	err := a.manifest.CheckSegments(segs)
	var dropped []int
	if err != nil {
		for i, st := range a.manifest.Segments {
			if i >= len(segs) || segs[i] != st.Segment {
				dropped = append(dropped, st.Segment.Index)
			}
		}
	}
	a.mu.Unlock()

	if a.generator != nil {
		for _, idx := range dropped {
			a.generator.Abandon(idx)
		}
	}
	if len(dropped) > 0 {
		slog.Info("abandoned generation for changed segments", "segments", dropped)
	}
	return dropped, err
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers
// are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Debug("shutting down", "closers", len(a.closers))
		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
	})
	return shutdownErr
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

// configVoiceProfile converts a config.VoiceConfig to tts.VoiceProfile.
func configVoiceProfile(vc config.VoiceConfig) tts.VoiceProfile {
	return tts.VoiceProfile{
		ID:          vc.VoiceID,
		SpeedFactor: vc.SpeedFactor,
		Stability:   vc.Stability,
	}
}

func filterThresholds(cfg *config.Config) triage.Thresholds {
	f := cfg.Filter
	return triage.Thresholds{
		MaxDurationRatio:  f.MaxDurationRatio,
		MinDurationRatio:  f.MinDurationRatio,
		HissCeiling:       f.HissCeiling,
		EchoCeiling:       f.EchoCeiling,
		TailEnergyCeiling: f.TailEnergyCeiling,
		ClippingCeiling:   f.ClippingCeiling,
		ProfileTolerance:  f.ProfileTolerance,
	}
}

func rankConfig(cfg *config.Config) triage.RankConfig {
	w := cfg.Ranking.Weights
	return triage.RankConfig{
		Weights: triage.Weights{
			Quality:          w.Quality,
			Echo:             w.Echo,
			Hiss:             w.Hiss,
			Tonal:            w.Tonal,
			RejectionPenalty: w.RejectionPenalty,
			KnownGoodBonus:   w.KnownGoodBonus,
		},
		TonalTiebreakOnly: cfg.Ranking.TonalMode != config.TonalWeighted,
		ProfileTolerance:  cfg.Filter.ProfileTolerance,
	}
}
