package qa

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/internal/observe"
	"github.com/MrWong99/takewright/internal/review"
	"github.com/MrWong99/takewright/internal/takestore"
	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

func newTestMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter sums the data points of name, restricted to gate when set.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name, gate string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", name)
			}
			for _, dp := range sum.DataPoints {
				if v, ok := dp.Attributes.Value(attribute.Key("gate")); gate != "" && (!ok || v.AsString() != gate) {
					continue
				}
				total += dp.Value
			}
		}
	}
	return total
}

// production is a store-backed fixture where every segment has a decided
// v00 winner.
type production struct {
	store   *takestore.Memory
	segs    []types.Segment
	picks   []review.PickState
	builder *assemble.Builder
}

func newProduction(t *testing.T, n int, bad ...int) *production {
	t.Helper()
	ctx := context.Background()
	p := &production{store: takestore.NewMemory()}
	for i := range n {
		seg := types.Segment{Index: i, Text: fmt.Sprintf("line %d", i), SilenceAfter: 300 * time.Millisecond}
		clip := tone(500*time.Millisecond, 10000)
		if slices.Contains(bad, i) {
			clip = badClip()
		}
		if _, err := p.store.Put(ctx, "ep01", seg, types.Candidate{GenIndex: 0}, audio.Clip{Samples: clip, SampleRate: rate}); err != nil {
			t.Fatalf("Put: %v", err)
		}
		p.segs = append(p.segs, seg)
		p.picks = append(p.picks, review.PickState{Segment: i, Phase: review.PhaseDecided, Winner: "v00"})
	}
	b, err := assemble.NewBuilder(p.store, assemble.Config{})
	if err != nil {
		t.Fatal(err)
	}
	p.builder = b
	return p
}

// badClip carries a long dead tail that breaks the following pause.
func badClip() []int16 {
	return concat(tone(500*time.Millisecond, 10000), make([]int16, audio.SamplesFor(600*time.Millisecond, rate)))
}

func (p *production) build(ctx context.Context, overrides map[int]string) (assemble.Result, error) {
	return p.builder.Build(ctx, assemble.Plan{Production: "ep01", Segments: p.segs, Picks: p.picks, Overrides: overrides})
}

// regenerate stores a new take per segment, clean unless stillBad.
func (p *production) regenerate(t *testing.T, calls *[][]int, stillBad bool) RegenerateFunc {
	return func(ctx context.Context, segments []int) (map[int]string, error) {
		*calls = append(*calls, slices.Clone(segments))
		out := map[int]string{}
		for _, s := range segments {
			existing, err := p.store.List(ctx, "ep01", s)
			if err != nil {
				return nil, err
			}
			clip := tone(500*time.Millisecond, 10000)
			if stillBad {
				clip = badClip()
			}
			c, err := p.store.Put(ctx, "ep01", p.segs[s], types.Candidate{GenIndex: len(existing)}, audio.Clip{Samples: clip, SampleRate: rate})
			if err != nil {
				t.Errorf("Put: %v", err)
				return nil, err
			}
			out[s] = c.Version
		}
		return out, nil
	}
}

func (p *production) storedAudio(t *testing.T, seg int, version string) []int16 {
	t.Helper()
	clip, err := p.store.LoadAudio(context.Background(), "ep01", types.Candidate{SegmentIndex: seg, Version: version})
	if err != nil {
		t.Fatalf("LoadAudio %d/%s: %v", seg, version, err)
	}
	return clip.Samples
}

func TestRebuilder_RegeneratesOnlyImplicatedSegment(t *testing.T) {
	t.Parallel()
	const bad = 17
	p := newProduction(t, 50, bad)
	before := make(map[int][]int16, len(p.segs))
	for _, s := range p.segs {
		before[s.Index] = p.storedAudio(t, s.Index, "v00")
	}
	picksBefore := slices.Clone(p.picks)

	m, reader := newTestMetrics(t)
	var calls [][]int
	r := &Rebuilder{
		Thresholds: DefaultThresholds(),
		MaxStrikes: 3,
		Build:      p.build,
		Regenerate: p.regenerate(t, &calls, false),
		Metrics:    m,
	}
	out, err := r.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !out.Report.Pass() {
		t.Fatalf("final report failed: %v", out.Report.Failures())
	}
	if out.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", out.Attempts)
	}
	if !reflect.DeepEqual(calls, [][]int{{bad}}) {
		t.Errorf("regenerate calls = %v, want [[%d]]", calls, bad)
	}
	if !reflect.DeepEqual(out.Overrides, map[int]string{bad: "v01"}) {
		t.Errorf("overrides = %v", out.Overrides)
	}

	for _, pl := range out.Result.Placements {
		if pl.Segment == bad {
			if pl.Version != "v01" || !pl.Override {
				t.Errorf("segment %d placement = %+v", bad, pl)
			}
			continue
		}
		if pl.Version != "v00" || pl.Override {
			t.Errorf("segment %d placement changed: %+v", pl.Segment, pl)
		}
		if !slices.Equal(p.storedAudio(t, pl.Segment, pl.Version), before[pl.Segment]) {
			t.Errorf("segment %d stored audio changed", pl.Segment)
		}
	}
	if !reflect.DeepEqual(p.picks, picksBefore) {
		t.Error("pick states were modified by the rebuild")
	}

	if got := counter(t, reader, "takewright.qa.rebuilds", ""); got != 1 {
		t.Errorf("rebuilds = %d, want 1", got)
	}
	if got := counter(t, reader, "takewright.qa.gate_failures", GateSilenceIntegrity); got != 1 {
		t.Errorf("silence gate failures = %d, want 1", got)
	}
}

func TestRebuilder_EscalatesAfterStrikeLimit(t *testing.T) {
	t.Parallel()
	p := newProduction(t, 4, 2)
	m, reader := newTestMetrics(t)
	var calls [][]int
	r := &Rebuilder{
		Thresholds: DefaultThresholds(),
		MaxStrikes: 2,
		Build:      p.build,
		Regenerate: p.regenerate(t, &calls, true),
		Metrics:    m,
	}
	out, err := r.Run(context.Background())
	var esc *EscalationError
	if !errors.As(err, &esc) {
		t.Fatalf("err = %v, want *EscalationError", err)
	}
	if esc.Gate != GateSilenceIntegrity || esc.Attempts != 3 || !reflect.DeepEqual(esc.Segments, []int{2}) {
		t.Errorf("escalation = %+v", esc)
	}
	if esc.Measured <= esc.Threshold {
		t.Errorf("measured %v not above threshold %v", esc.Measured, esc.Threshold)
	}
	if out.Attempts != 3 || len(calls) != 2 {
		t.Errorf("attempts = %d, regenerations = %d", out.Attempts, len(calls))
	}
	if got := counter(t, reader, "takewright.qa.escalations", ""); got != 1 {
		t.Errorf("escalations = %d", got)
	}
	if got := counter(t, reader, "takewright.qa.rebuilds", ""); got != 2 {
		t.Errorf("rebuilds = %d", got)
	}
}

func TestRebuilder_UnfixableGateEscalatesImmediately(t *testing.T) {
	t.Parallel()
	p := newProduction(t, 3)
	var calls [][]int
	r := &Rebuilder{
		Thresholds: DefaultThresholds(),
		Target:     time.Minute,
		Build:      p.build,
		Regenerate: p.regenerate(t, &calls, false),
		Metrics:    func() *observe.Metrics { m, _ := newTestMetrics(t); return m }(),
	}
	_, err := r.Run(context.Background())
	var esc *EscalationError
	if !errors.As(err, &esc) || esc.Gate != GateDurationTolerance || esc.Attempts != 1 {
		t.Fatalf("err = %v", err)
	}
	if len(calls) != 0 {
		t.Errorf("regenerate called %v", calls)
	}
}

func TestRebuilder_NoReplacementEscalates(t *testing.T) {
	t.Parallel()
	p := newProduction(t, 3, 1)
	m, _ := newTestMetrics(t)
	r := &Rebuilder{
		Thresholds: DefaultThresholds(),
		Build:      p.build,
		Regenerate: func(context.Context, []int) (map[int]string, error) { return nil, nil },
		Metrics:    m,
	}
	out, err := r.Run(context.Background())
	var esc *EscalationError
	if !errors.As(err, &esc) || out.Attempts != 1 {
		t.Fatalf("err = %v, attempts = %d", err, out.Attempts)
	}
}

func TestRebuilder_Errors(t *testing.T) {
	t.Parallel()
	p := newProduction(t, 3, 1)
	m, _ := newTestMetrics(t)
	boom := errors.New("provider down")

	r := &Rebuilder{
		Thresholds: DefaultThresholds(),
		Build:      p.build,
		Regenerate: func(context.Context, []int) (map[int]string, error) { return nil, boom },
		Metrics:    m,
	}
	if _, err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("regenerate error = %v", err)
	}

	r.Build = func(context.Context, map[int]string) (assemble.Result, error) { return assemble.Result{}, boom }
	if _, err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Errorf("build error = %v", err)
	}

	if _, err := (&Rebuilder{}).Run(context.Background()); err == nil {
		t.Error("missing callbacks: expected error")
	}
}
