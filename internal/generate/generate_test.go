package generate

import (
	"context"
	"errors"
	"math"
	"slices"
	"sync/atomic"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/resilience"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/pkg/provider/tts"
	"github.com/MrWong99/takewright/pkg/provider/tts/mock"
	"github.com/MrWong99/takewright/pkg/types"
)

var errPermanent = errors.New("voice not found")

var testSegment = types.Segment{Index: 4, Text: "Let it go.", CharCount: 10}

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

func newGenerator(t *testing.T, p tts.Provider, store takestore.Store, cfg Config) *Generator {
	t.Helper()
	if cfg.Production == "" {
		cfg.Production = "prod"
	}
	if cfg.Retry.BaseBackoff == 0 {
		cfg.Retry.BaseBackoff = time.Millisecond
		cfg.Retry.MaxBackoff = 2 * time.Millisecond
	}
	g, err := New(p, store, cfg, WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return g
}

func genIndexes(cs []types.Candidate) []int {
	out := make([]int, len(cs))
	for i, c := range cs {
		out[i] = c.GenIndex
	}
	return out
}

func TestGenerate_FillsPool(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{}
	store := takestore.NewMemory()
	g := newGenerator(t, p, store, Config{Candidates: 5})

	rep, err := g.Generate(context.Background(), testSegment)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if got := genIndexes(rep.Generated); !slices.Equal(got, []int{0, 1, 2, 3, 4}) {
		t.Errorf("generated = %v", got)
	}
	if len(p.Calls()) != 5 {
		t.Errorf("provider calls = %d, want 5", len(p.Calls()))
	}
	stored, _ := store.List(context.Background(), "prod", testSegment.Index)
	if len(stored) != 5 {
		t.Errorf("stored = %d, want 5", len(stored))
	}
	rec, err := store.Segment(context.Background(), "prod", testSegment.Index)
	if err != nil {
		t.Fatalf("Segment record: %v", err)
	}
	if rec.Requested != 5 || rec.Text != testSegment.Text {
		t.Errorf("segment record = %+v", rec)
	}
}

func TestGenerate_ResumesMissingVersions(t *testing.T) {
	t.Parallel()
	store := takestore.NewMemory()
	ctx := context.Background()
	for _, gi := range []int{0, 2} {
		if _, err := store.Put(ctx, "prod", testSegment, types.Candidate{GenIndex: gi}, mock.Tone("x", 0)); err != nil {
			t.Fatal(err)
		}
	}
	p := &mock.Provider{}
	g := newGenerator(t, p, store, Config{Candidates: 4})

	rep, err := g.Generate(ctx, testSegment)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if rep.Existing != 2 {
		t.Errorf("Existing = %d, want 2", rep.Existing)
	}
	if got := genIndexes(rep.Generated); !slices.Equal(got, []int{1, 3}) {
		t.Errorf("generated = %v, want [1 3]", got)
	}
	if len(p.Calls()) != 2 {
		t.Errorf("provider calls = %d, want 2", len(p.Calls()))
	}

	// A second run has nothing left to do.
	rep, err = g.Generate(ctx, testSegment)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Generated) != 0 || len(p.Calls()) != 2 {
		t.Errorf("second run generated %d, calls %d", len(rep.Generated), len(p.Calls()))
	}
}

func TestGenerate_RetriesTransientFailures(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Errs: []error{tts.ErrRateLimited, tts.ErrTransient}}
	g := newGenerator(t, p, takestore.NewMemory(), Config{
		Candidates:     1,
		MaxConcurrency: 1,
		Retry:          resilience.RetryPolicy{MaxRetries: 3, BaseBackoff: time.Millisecond},
	})

	rep, err := g.Generate(context.Background(), testSegment)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rep.Generated) != 1 || len(rep.Absent) != 0 {
		t.Errorf("report = %+v", rep)
	}
	if c := g.Counters(); c.Requests != 3 || c.Candidates != 1 {
		t.Errorf("counters = %+v, want 3 requests and 1 candidate", c)
	}
}

func TestGenerate_ExhaustedRetriesLeaveVersionAbsent(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		err       error
		retries   int
		wantCalls int
	}{
		{name: "permanent error is not retried", err: errPermanent, retries: 3, wantCalls: 3},
		{name: "transient error exhausts budget", err: tts.ErrTransient, retries: 2, wantCalls: 9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			p := &mock.Provider{Err: tt.err}
			store := takestore.NewMemory()
			g := newGenerator(t, p, store, Config{
				Candidates: 3,
				Retry:      resilience.RetryPolicy{MaxRetries: tt.retries, BaseBackoff: time.Millisecond},
			})

			rep, err := g.Generate(context.Background(), testSegment)
			if err != nil {
				t.Fatalf("Generate: %v", err)
			}
			if !slices.Equal(rep.Absent, []int{0, 1, 2}) {
				t.Errorf("Absent = %v", rep.Absent)
			}
			if len(p.Calls()) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", len(p.Calls()), tt.wantCalls)
			}
			stored, _ := store.List(context.Background(), "prod", testSegment.Index)
			if len(stored) != 0 {
				t.Errorf("stored %d candidates, want none", len(stored))
			}
			if c := g.Counters(); c.Absent != 3 || c.Cost != 0 {
				t.Errorf("counters = %+v", c)
			}
		})
	}
}

func TestGenerate_EmptyAudioIsNeverStored(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{
		SynthesizeFunc: func(context.Context, string, tts.VoiceProfile, int) (tts.Result, error) {
			return tts.Result{Provider: "mock"}, nil
		},
	}
	store := takestore.NewMemory()
	g := newGenerator(t, p, store, Config{Candidates: 2, Retry: resilience.RetryPolicy{MaxRetries: 1}})

	rep, err := g.Generate(context.Background(), testSegment)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rep.Generated) != 0 || len(rep.Absent) != 2 {
		t.Errorf("report = %+v", rep)
	}
	if len(p.Calls()) != 4 {
		t.Errorf("calls = %d, want 4 (empty audio is retried)", len(p.Calls()))
	}
}

func TestGenerate_ConcurrencyCeilingQueues(t *testing.T) {
	t.Parallel()
	var inFlight, peak atomic.Int32
	p := &mock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile, _ int) (tts.Result, error) {
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			return tts.Result{Audio: mock.Tone(text, 0), Provider: "mock"}, nil
		},
	}
	g := newGenerator(t, p, takestore.NewMemory(), Config{Candidates: 6, MaxConcurrency: 2})

	segs := []types.Segment{testSegment, {Index: 5, Text: "Again.", CharCount: 6}}
	reports, err := g.GenerateAll(context.Background(), segs)
	if err != nil {
		t.Fatalf("GenerateAll: %v", err)
	}
	for i, rep := range reports {
		if rep.Segment != segs[i].Index || len(rep.Generated) != 6 {
			t.Errorf("report %d = segment %d with %d candidates", i, rep.Segment, len(rep.Generated))
		}
	}
	if got := peak.Load(); got > 2 {
		t.Errorf("peak in-flight = %d, want <= 2", got)
	}
}

func TestGenerate_AbandonDiscardsInFlightAndSkipsQueued(t *testing.T) {
	t.Parallel()
	started := make(chan struct{}, 1)
	release := make(chan struct{})
	p := &mock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile, _ int) (tts.Result, error) {
			started <- struct{}{}
			<-release
			return tts.Result{Audio: mock.Tone(text, 0), Provider: "mock"}, nil
		},
	}
	store := takestore.NewMemory()
	g := newGenerator(t, p, store, Config{Candidates: 3, MaxConcurrency: 1})

	done := make(chan Report, 1)
	go func() {
		rep, err := g.Generate(context.Background(), testSegment)
		if err != nil {
			t.Errorf("Generate: %v", err)
		}
		done <- rep
	}()

	<-started
	g.Abandon(testSegment.Index)
	close(release)

	select {
	case rep := <-done:
		if !rep.Abandoned {
			t.Error("Abandoned = false")
		}
		if len(rep.Generated) != 0 {
			t.Errorf("generated %d candidates after abandon", len(rep.Generated))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return")
	}
	if len(p.Calls()) != 1 {
		t.Errorf("calls = %d, want 1 (queued requests skipped)", len(p.Calls()))
	}
	stored, _ := store.List(context.Background(), "prod", testSegment.Index)
	if len(stored) != 0 {
		t.Errorf("stored %d candidates after abandon", len(stored))
	}

	// The segment can be generated again afterwards.
	p.SynthesizeFunc = nil
	rep, err := g.Generate(context.Background(), testSegment)
	if err != nil {
		t.Fatal(err)
	}
	if len(rep.Generated) != 3 || rep.Abandoned {
		t.Errorf("regenerate after abandon = %+v", rep)
	}
}

func TestGenerate_CostEstimate(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Errs: []error{errPermanent}}
	g := newGenerator(t, p, takestore.NewMemory(), Config{Candidates: 4, MaxConcurrency: 1, CostPer1kChars: 0.3})

	if _, err := g.Generate(context.Background(), testSegment); err != nil {
		t.Fatal(err)
	}
	c := g.Counters()
	if c.Chars != 30 {
		t.Errorf("Chars = %d, want 30 (three successful requests of 10)", c.Chars)
	}
	if math.Abs(c.Cost-0.009) > 1e-12 {
		t.Errorf("Cost = %v, want 0.009", c.Cost)
	}
}

func TestRegenerate_AppendsFreshVersions(t *testing.T) {
	t.Parallel()
	store := takestore.NewMemory()
	p := &mock.Provider{}
	g := newGenerator(t, p, store, Config{Candidates: 2})
	ctx := context.Background()

	if _, err := g.Generate(ctx, testSegment); err != nil {
		t.Fatal(err)
	}
	rep, err := g.Regenerate(ctx, testSegment, 2)
	if err != nil {
		t.Fatalf("Regenerate: %v", err)
	}
	if got := genIndexes(rep.Generated); !slices.Equal(got, []int{2, 3}) {
		t.Errorf("regenerated = %v, want [2 3]", got)
	}
	rec, _ := store.Segment(ctx, "prod", testSegment.Index)
	if rec.Requested != 4 {
		t.Errorf("Requested = %d, want 4", rec.Requested)
	}
}

func TestGenerate_CancelledContext(t *testing.T) {
	t.Parallel()
	p := &mock.Provider{Delay: time.Second}
	g := newGenerator(t, p, takestore.NewMemory(), Config{Candidates: 2})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	if _, err := g.Generate(ctx, testSegment); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v, want DeadlineExceeded", err)
	}
	if g.Counters().Absent != 0 {
		t.Error("cancellation must not count as absent")
	}
}

func TestMissing(t *testing.T) {
	t.Parallel()
	existing := []types.Candidate{{GenIndex: 1}, {GenIndex: 3}, {GenIndex: 7}}
	if got := Missing(existing, 5); !slices.Equal(got, []int{0, 2, 4}) {
		t.Errorf("Missing = %v", got)
	}
	if got := Missing(nil, 0); len(got) != 0 {
		t.Errorf("Missing(nil, 0) = %v", got)
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()
	if _, err := New(nil, takestore.NewMemory(), Config{Candidates: 1}); err == nil {
		t.Error("nil provider: expected error")
	}
	if _, err := New(&mock.Provider{}, nil, Config{Candidates: 1}); err == nil {
		t.Error("nil store: expected error")
	}
	if _, err := New(&mock.Provider{}, takestore.NewMemory(), Config{}); err == nil {
		t.Error("zero candidates: expected error")
	}
}

func TestGenerate_BackoffReleasesSlot(t *testing.T) {
	t.Parallel()
	var calls atomic.Int32
	succeeded := make(chan struct{}, 2)
	p := &mock.Provider{
		SynthesizeFunc: func(_ context.Context, text string, _ tts.VoiceProfile, _ int) (tts.Result, error) {
			if calls.Add(1) == 1 {
				return tts.Result{}, tts.ErrTransient
			}
			succeeded <- struct{}{}
			return tts.Result{Audio: mock.Tone(text, 0), Provider: "mock"}, nil
		},
	}
	g := newGenerator(t, p, takestore.NewMemory(), Config{
		Candidates:     2,
		MaxConcurrency: 1,
		Retry:          resilience.RetryPolicy{MaxRetries: 1, BaseBackoff: time.Hour, MaxBackoff: time.Hour},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := g.Generate(ctx, testSegment)
		done <- err
	}()

	// The failed version waits an hour before retrying; the other version
	// must get the only slot meanwhile.
	select {
	case <-succeeded:
	case <-time.After(5 * time.Second):
		t.Fatal("second version never ran while the first was backing off")
	}
	cancel()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Generate after cancel = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Generate did not return after cancel")
	}
}
