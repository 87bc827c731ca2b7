package app_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/takewright/internal/app"
	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/internal/config"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/persist"
	"github.com/MrWong99/takewright/internal/production"
	"github.com/MrWong99/takewright/internal/profile"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/internal/triage"
	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/provider/tts"
	ttsmock "github.com/MrWong99/takewright/pkg/provider/tts/mock"
	"github.com/MrWong99/takewright/pkg/types"
)

// testConfig returns a config with defaults, elimination disabled and all
// paths inside a temporary directory.
func testConfig(t *testing.T, candidates int) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.Config{
		Production: config.ProductionConfig{ID: "ep01"},
		Generation: config.GenerationConfig{CandidatesPerSegment: candidates, MaxRetries: 1, BaseBackoff: time.Millisecond},
		Storage: config.StorageConfig{
			CandidatesDir: filepath.Join(dir, "takes"),
		},
		Assembly: config.AssemblyConfig{OutputDir: filepath.Join(dir, "out"), DisableOpus: true},
	}
	config.ApplyDefaults(cfg)
	cfg.Filter = config.FilterConfig{}
	return cfg
}

func testSegments() []types.Segment {
	texts := []string{"The tide rolls in.", "Gulls circle overhead.", "Night falls over the harbour."}
	segs := make([]types.Segment, len(texts))
	for i, txt := range texts {
		segs[i] = types.Segment{Index: i, Text: txt, CharCount: len(txt), SilenceAfter: 400 * time.Millisecond}
	}
	segs[0].IsOpening = true
	segs[len(segs)-1].IsClosing = true
	return segs
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewManualReader()))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

type fixture struct {
	app    *app.App
	cfg    *config.Config
	takes  *takestore.Memory
	local  *persist.Memory
	remote *persist.Memory
}

func newFixture(t *testing.T, cfg *config.Config, provider tts.Provider) *fixture {
	t.Helper()
	reg, err := profile.NewFileRegistry("")
	if err != nil {
		t.Fatal(err)
	}
	f := &fixture{cfg: cfg, takes: takestore.NewMemory(), local: persist.NewMemory(), remote: persist.NewMemory()}
	var providers *app.Providers
	if provider != nil {
		providers = &app.Providers{TTS: provider}
	}
	a, err := app.New(context.Background(), cfg, providers,
		app.WithSegments(testSegments()),
		app.WithTakeStore(f.takes),
		app.WithRegistry(reg),
		app.WithLocalStore(f.local),
		app.WithRemoteStore(f.remote),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	f.app = a
	return f
}

// decideAll picks the champion of every tournament until each segment is
// decided.
func decideAll(t *testing.T, s *review.Session, segs int) {
	t.Helper()
	ctx := context.Background()
	for seg := range segs {
		v, err := s.Enter(ctx, seg)
		if err != nil {
			t.Fatalf("Enter %d: %v", seg, err)
		}
		for !v.State.Decided() {
			action := review.ActionPickA
			if v.State.Phase == review.PhaseSolo {
				action = review.ActionAccept
			}
			out, err := s.Decide(ctx, seg, action)
			if err != nil {
				t.Fatalf("Decide %d: %v", seg, err)
			}
			v = out.View
		}
	}
}

func TestNew_RequiresProductionID(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 2)
	cfg.Production.ID = ""
	_, err := app.New(context.Background(), cfg, nil,
		app.WithSegments(testSegments()),
		app.WithTakeStore(takestore.NewMemory()),
		app.WithLocalStore(persist.NewMemory()),
	)
	if err == nil {
		t.Fatal("expected error for missing production id")
	}
}

func TestGenerate_WithoutProvider(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t, 2), nil)
	if _, err := f.app.Generate(context.Background()); !errors.Is(err, app.ErrNoProvider) {
		t.Errorf("err = %v, want ErrNoProvider", err)
	}
}

func TestGenerate_FillsPoolsAndManifest(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 3)
	cfg.Generation.CostPer1kChars = 0.3
	p := &ttsmock.Provider{}
	f := newFixture(t, cfg, p)
	ctx := context.Background()

	res, err := f.app.Generate(ctx)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(res.Reports) != 3 {
		t.Fatalf("reports = %d", len(res.Reports))
	}
	for _, seg := range testSegments() {
		cands, err := f.takes.List(ctx, "ep01", seg.Index)
		if err != nil || len(cands) != 3 {
			t.Errorf("segment %d: %d candidates, err %v", seg.Index, len(cands), err)
		}
	}
	if res.Counters.Generated != 9 || res.Counters.Requests != 9 {
		t.Errorf("counters = %+v", res.Counters)
	}
	if res.Counters.Cost <= 0 {
		t.Errorf("cost estimate = %v", res.Counters.Cost)
	}
	if res.Summary.Segments != 3 || res.Summary.Unstarted != 3 {
		t.Errorf("summary = %+v", res.Summary)
	}

	m, err := production.Load(production.Path(cfg.Storage.CandidatesDir, "ep01"))
	if err != nil {
		t.Fatalf("manifest not saved: %v", err)
	}
	for _, s := range m.Segments {
		if s.Status != types.StatusReady || s.Candidates != 3 {
			t.Errorf("segment %d: status %v, candidates %d", s.Segment.Index, s.Status, s.Candidates)
		}
	}

	// Running again only tops up what is missing.
	if _, err := f.app.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(p.Calls()); n != 9 {
		t.Errorf("provider calls after second run = %d, want 9", n)
	}
}

func TestReviewBuildExport(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 2)
	f := newFixture(t, cfg, &ttsmock.Provider{})
	ctx := context.Background()

	if _, err := f.app.Generate(ctx); err != nil {
		t.Fatal(err)
	}

	var ue *assemble.UnresolvedError
	if _, err := f.app.Build(ctx); !errors.As(err, &ue) || len(ue.Segments) != 3 {
		t.Fatalf("build before review: err = %v, want UnresolvedError for 3 segments", err)
	}

	sess, err := f.app.ReviewSession(ctx)
	if err != nil {
		t.Fatalf("ReviewSession: %v", err)
	}
	decideAll(t, sess, 3)
	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := f.app.Syncer().Flush(ctx); err != nil {
			t.Fatalf("Flush: %v", err)
		}
		remote, _ := f.remote.Load(ctx, "ep01")
		if len(remote) == 3 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("remote store has %d states, want 3", len(remote))
		}
		time.Sleep(10 * time.Millisecond)
	}

	res, err := f.app.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v (report %v)", err, res.Report.Failures())
	}
	if res.Artifact == nil || res.Attempts != 1 || len(res.Overrides) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := os.Stat(res.Artifact.WAVPath); err != nil {
		t.Errorf("wav missing: %v", err)
	}
	m, err := assemble.ReadManifest(res.Artifact.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if m.BuildID != res.Info.BuildID || len(m.Segments) != 3 {
		t.Errorf("artifact manifest = %+v", m)
	}
	rec, err := os.ReadFile(res.ReportPath)
	if err != nil || !bytes.Contains(rec, []byte(`"passed": true`)) {
		t.Errorf("qa record = %s, err %v", rec, err)
	}

	var buf bytes.Buffer
	if err := f.app.Export(ctx, &buf); err != nil {
		t.Fatalf("Export: %v", err)
	}
	var doc production.ExportDocument
	if err := json.Unmarshal(buf.Bytes(), &doc); err != nil {
		t.Fatalf("decode export: %v", err)
	}
	if doc.Format != production.ExportFormat || len(doc.Segments) != 3 {
		t.Fatalf("export = %+v", doc)
	}
	for _, s := range doc.Segments {
		if s.Winner == nil {
			t.Errorf("segment %d exported without winner", s.Index)
		}
	}
}

// badOnce returns a clip with a long dead tail for the first request of
// one text and clean tones otherwise.
type badOnce struct {
	mu   sync.Mutex
	text string
	seen bool
}

func (b *badOnce) synthesize(_ context.Context, text string, _ tts.VoiceProfile, _ int) (tts.Result, error) {
	clip := ttsmock.Tone(text, 0)
	b.mu.Lock()
	defer b.mu.Unlock()
	if text == b.text && !b.seen {
		b.seen = true
		clip.Samples = append(clip.Samples, make([]int16, audio.SamplesFor(800*time.Millisecond, clip.SampleRate))...)
	}
	return tts.Result{Audio: clip, Provider: "mock"}, nil
}

func TestBuild_RebuildsImplicatedSegmentOnly(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 1)
	segs := testSegments()
	bad := &badOnce{text: segs[1].Text}
	p := &ttsmock.Provider{SynthesizeFunc: bad.synthesize}
	f := newFixture(t, cfg, p)
	ctx := context.Background()

	if _, err := f.app.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := f.app.ReviewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	decideAll(t, sess, 3)
	before := len(p.Calls())

	res, err := f.app.Build(ctx)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if res.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", res.Attempts)
	}
	if len(res.Overrides) != 1 || res.Overrides[1] == "" || res.Overrides[1] == "v00" {
		t.Errorf("overrides = %v, want a fresh version for segment 1", res.Overrides)
	}
	calls := p.Calls()[before:]
	for _, c := range calls {
		if c.Text != segs[1].Text {
			t.Errorf("rebuild synthesized %q", c.Text)
		}
	}
	if len(calls) == 0 {
		t.Error("rebuild did not regenerate")
	}

	// Pick states still name the reviewed winner.
	states, err := f.local.Load(ctx, "ep01")
	if err != nil {
		t.Fatal(err)
	}
	for _, st := range states {
		if st.Winner != "v00" {
			t.Errorf("segment %d winner changed to %s", st.Segment, st.Winner)
		}
	}
	m, err := assemble.ReadManifest(res.Artifact.ManifestPath)
	if err != nil {
		t.Fatal(err)
	}
	if m.Attempt != 2 || m.Overrides[1] != res.Overrides[1] || !m.Segments[1].Override {
		t.Errorf("artifact manifest = %+v", m)
	}
}

func TestBuild_EscalationWritesRecord(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 1)
	cfg.Production.TargetDuration = 10 * time.Minute
	f := newFixture(t, cfg, &ttsmock.Provider{})
	ctx := context.Background()
	if _, err := f.app.Generate(ctx); err != nil {
		t.Fatal(err)
	}
	sess, err := f.app.ReviewSession(ctx)
	if err != nil {
		t.Fatal(err)
	}
	decideAll(t, sess, 3)

	res, err := f.app.Build(ctx)
	if err == nil || !strings.Contains(err.Error(), "duration_tolerance") {
		t.Fatalf("err = %v, want duration escalation", err)
	}
	if res.Artifact != nil {
		t.Error("escalated build wrote an artifact")
	}
	rec, rerr := os.ReadFile(res.ReportPath)
	if rerr != nil {
		t.Fatal(rerr)
	}
	if !bytes.Contains(rec, []byte(`"gate": "duration_tolerance"`)) {
		t.Errorf("qa record lacks escalation: %s", rec)
	}
}

func TestApplyConfig_HotReload(t *testing.T) {
	t.Parallel()
	cfg := testConfig(t, 2)
	f := newFixture(t, cfg, &ttsmock.Provider{})
	ctx := context.Background()
	if _, err := f.app.Generate(ctx); err != nil {
		t.Fatal(err)
	}

	next := *cfg
	next.Filter.MaxDurationRatio = 0.01
	f.app.ApplyConfig(cfg, &next)

	rk, err := f.app.Rank(ctx, 0)
	if err != nil {
		t.Fatal(err)
	}
	if rk.Status != types.StatusUnresolvable {
		t.Errorf("status after tightening filter = %v, want UNRESOLVABLE", rk.Status)
	}
	if rk.Kind != triage.KindUnfilteredFallback {
		t.Errorf("kind = %v", rk.Kind)
	}
}

func TestProvidersFromConfig(t *testing.T) {
	t.Parallel()
	reg := config.NewRegistry()
	reg.RegisterTTS("mock", func(config.ProviderEntry) (tts.Provider, error) { return &ttsmock.Provider{}, nil })

	cfg := &config.Config{Providers: config.ProvidersConfig{TTS: config.ProviderEntry{Name: "mock"}}}
	p, err := app.ProvidersFromConfig(cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := p.TTS.(*ttsmock.Provider); !ok {
		t.Errorf("provider = %T, want *mock.Provider", p.TTS)
	}

	cfg.Providers.Fallbacks = []config.ProviderEntry{{Name: "mock"}}
	p, err = app.ProvidersFromConfig(cfg, reg)
	if err != nil {
		t.Fatal(err)
	}
	res, err := p.TTS.Synthesize(context.Background(), "hi", tts.VoiceProfile{})
	if err != nil || len(res.Audio.Samples) == 0 {
		t.Errorf("fallback chain synthesize: %v", err)
	}

	cfg.Providers.Fallbacks = []config.ProviderEntry{{Name: "missing"}}
	if _, err := app.ProvidersFromConfig(cfg, reg); err == nil {
		t.Error("unknown fallback: expected error")
	}
}

func TestReloadScript_AbandonsRemovedSegment(t *testing.T) {
	t.Parallel()
	segs := testSegments()
	dropped := segs[2].Text
	started := make(chan struct{}, 4)
	release := make(chan struct{})
	p := &ttsmock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile, _ int) (tts.Result, error) {
			if text == dropped {
				started <- struct{}{}
				<-release
			}
			return tts.Result{Audio: ttsmock.Tone(text, 0), Provider: "mock"}, nil
		},
	}
	f := newFixture(t, testConfig(t, 2), p)
	ctx := context.Background()

	done := make(chan app.GenerateResult, 1)
	go func() {
		res, _ := f.app.Generate(ctx)
		done <- res
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("generation of the last segment never started")
	}
	abandoned, err := f.app.ReloadScript(segs[:2])
	if !errors.Is(err, production.ErrSegmentsChanged) {
		t.Errorf("ReloadScript err = %v, want ErrSegmentsChanged", err)
	}
	if len(abandoned) != 1 || abandoned[0] != 2 {
		t.Errorf("abandoned = %v, want [2]", abandoned)
	}
	close(release)

	var res app.GenerateResult
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return")
	}
	if len(res.Reports) != 3 {
		t.Fatalf("reports = %d, want 3", len(res.Reports))
	}
	if !res.Reports[2].Abandoned || len(res.Reports[2].Generated) != 0 {
		t.Errorf("report of removed segment = %+v, want abandoned with nothing generated", res.Reports[2])
	}
	if res.Reports[0].Abandoned || len(res.Reports[0].Generated) != 2 {
		t.Errorf("report of kept segment = %+v", res.Reports[0])
	}
	stored, _ := f.takes.List(ctx, "ep01", 2)
	if len(stored) != 0 {
		t.Errorf("stored %d candidates for the removed segment", len(stored))
	}
	if m := f.app.Manifest(); len(m.Segments) != 3 {
		t.Errorf("manifest segments = %d, the plan must be kept", len(m.Segments))
	}
}

func TestReloadScript_UnchangedAbandonsNothing(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t, 2), &ttsmock.Provider{})
	abandoned, err := f.app.ReloadScript(testSegments())
	if err != nil || len(abandoned) != 0 {
		t.Errorf("ReloadScript = %v, %v, want nothing abandoned", abandoned, err)
	}
}

func TestManifest_ReturnsIndependentPicks(t *testing.T) {
	t.Parallel()
	f := newFixture(t, testConfig(t, 2), nil)
	ctx := context.Background()

	st := review.NewPickState(0)
	st.Phase, st.Winner = review.PhaseDecided, "v01"
	st.Rejected = []string{"v00"}
	st.Reasons = map[string]review.Reason{"v00": review.ReasonEcho}
	if err := f.local.Save(ctx, "ep01", st); err != nil {
		t.Fatal(err)
	}
	if _, err := f.app.SyncPicks(ctx); err != nil {
		t.Fatal(err)
	}

	m := f.app.Manifest()
	m.Segments[0].Pick.Reasons["v00"] = review.ReasonOther
	m.Segments[0].Pick.Rejected[0] = "v09"

	again := f.app.Manifest()
	if got := again.Segments[0].Pick.Reasons["v00"]; got != review.ReasonEcho {
		t.Errorf("reason after mutating a copy = %q, want %q", got, review.ReasonEcho)
	}
	if got := again.Segments[0].Pick.Rejected[0]; got != "v00" {
		t.Errorf("rejected after mutating a copy = %q, want v00", got)
	}
}
