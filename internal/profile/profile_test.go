package profile

import (
	"context"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MrWong99/takewright/pkg/types"
)

func TestDistanceAndSimilarity(t *testing.T) {
	t.Parallel()
	a := types.Metrics{Hiss: 3}
	b := types.Metrics{Hiss: 0, EchoRisk: 4}
	if d := Distance(a, b); d != 5 {
		t.Errorf("Distance = %v, want 5", d)
	}

	tests := []struct {
		name   string
		m      Match
		defTol float64
		want   float64
	}{
		{name: "identical", m: Match{Distance: 0}, defTol: 1, want: 1},
		{name: "half way", m: Match{Distance: 0.5}, defTol: 1, want: 0.5},
		{name: "beyond tolerance", m: Match{Distance: 2}, defTol: 1, want: 0},
		{name: "profile tolerance wins", m: Match{Profile: Profile{Tolerance: 4}, Distance: 2}, defTol: 1, want: 0.5},
		{name: "no tolerance", m: Match{Distance: 0}, defTol: 0, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := tt.m.Similarity(tt.defTol); math.Abs(got-tt.want) > 1e-12 {
				t.Errorf("Similarity = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSnapshot_Nearest(t *testing.T) {
	t.Parallel()
	s := NewSnapshot([]Profile{
		{Seq: 1, Kind: KindKnownGood, Fingerprint: types.Metrics{Hiss: 1}},
		{Seq: 2, Kind: KindRejection, Fingerprint: types.Metrics{EchoRisk: 3}, Reason: "echo"},
		{Seq: 3, Kind: KindKnownGood, Fingerprint: types.Metrics{Hiss: -1}, Tolerance: 0.1},
	}, -1)
	if s.Version != 3 || len(s.KnownGood) != 2 || len(s.Rejections) != 1 {
		t.Fatalf("snapshot = %+v", s)
	}

	m, ok := s.NearestKnownGood(types.Metrics{Hiss: -0.5}, 1)
	if !ok || m.Profile.Seq != 3 {
		t.Fatalf("nearest known-good = %+v, %v", m, ok)
	}
	if m.Within {
		t.Error("distance 0.5 is outside the profile's own tolerance 0.1")
	}

	m, ok = s.NearestRejection(types.Metrics{EchoRisk: 2.5}, 1)
	if !ok || !m.Within || m.Profile.Reason != "echo" {
		t.Errorf("nearest rejection = %+v, %v", m, ok)
	}

	if _, ok := (Snapshot{}).NearestRejection(types.Metrics{}, 1); ok {
		t.Error("empty snapshot must not match")
	}
}

func TestNewSnapshot_PinnedVersion(t *testing.T) {
	t.Parallel()
	profiles := []Profile{
		{Seq: 1, Kind: KindKnownGood},
		{Seq: 2, Kind: KindRejection},
		{Seq: 3, Kind: KindRejection},
	}
	s := NewSnapshot(profiles, 2)
	if s.Version != 2 || len(s.KnownGood) != 1 || len(s.Rejections) != 1 {
		t.Errorf("snapshot at 2 = %+v", s)
	}
	if s := NewSnapshot(profiles, 0); s.Version != 0 || len(s.KnownGood)+len(s.Rejections) != 0 {
		t.Errorf("snapshot at 0 = %+v", s)
	}
}

func TestNewSnapshot_LaterVerdictSupersedes(t *testing.T) {
	t.Parallel()
	profiles := []Profile{
		{Seq: 1, Kind: KindRejection, Production: "ep01", Segment: 2, Version: "v00"},
		{Seq: 2, Kind: KindRejection, Production: "ep01", Segment: 2, Version: "v01"},
		{Seq: 3, Kind: KindRejection, Production: "ep01", Segment: 2, Version: "v00", Reason: "echo"},
		{Seq: 4, Kind: KindRejection, Production: "ep02", Segment: 2, Version: "v00"},
		{Seq: 5, Kind: KindKnownGood, Production: "ep01", Segment: 2, Version: "v00"},
	}

	s := NewSnapshot(profiles, -1)
	if len(s.Rejections) != 3 || len(s.KnownGood) != 1 {
		t.Fatalf("snapshot = %+v", s)
	}
	if got := s.Rejections[0]; got.Seq != 3 || got.Reason != "echo" {
		t.Errorf("first rejection = %+v, want the tagged one in its place", got)
	}
	if s.Version != 5 {
		t.Errorf("Version = %d", s.Version)
	}

	// Pinned before the tag, the untagged verdict is still in force.
	if got := NewSnapshot(profiles, 2).Rejections[0]; got.Seq != 1 || got.Reason != "" {
		t.Errorf("pinned rejection = %+v", got)
	}
}

func TestProfile_Validate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		p       Profile
		wantErr bool
	}{
		{name: "valid", p: Profile{Kind: KindRejection, Reason: "hiss"}},
		{name: "bad kind", p: Profile{Kind: "maybe"}, wantErr: true},
		{name: "nan", p: Profile{Kind: KindKnownGood, Fingerprint: types.Metrics{Hiss: math.NaN()}}, wantErr: true},
		{name: "negative tolerance", p: Profile{Kind: KindKnownGood, Tolerance: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.p.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestFileRegistry_AppendAndReload(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "profiles.jsonl")

	r, err := NewFileRegistry(path)
	if err != nil {
		t.Fatalf("NewFileRegistry: %v", err)
	}
	first, err := r.Append(ctx, Profile{Kind: KindKnownGood, Fingerprint: types.Metrics{Hiss: 0.2}, Segment: 3, Version: "v01"})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if first.Seq != 1 || first.ID == "" || first.CreatedAt.IsZero() {
		t.Errorf("first = %+v", first)
	}
	second, err := r.Append(ctx, Profile{Kind: KindRejection, Reason: "echo"})
	if err != nil {
		t.Fatal(err)
	}
	if second.Seq != 2 {
		t.Errorf("second.Seq = %d", second.Seq)
	}
	if _, err := r.Append(ctx, Profile{Kind: "bogus"}); err == nil {
		t.Error("invalid profile: expected error")
	}

	reopened, err := NewFileRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	s, err := reopened.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if s.Version != 2 || len(s.KnownGood) != 1 || s.KnownGood[0].Fingerprint.Hiss != 0.2 {
		t.Errorf("reloaded snapshot = %+v", s)
	}
	pinned, _ := reopened.SnapshotAt(ctx, 1)
	if len(pinned.Rejections) != 0 {
		t.Error("pinned snapshot includes a later profile")
	}

	third, err := reopened.Append(ctx, Profile{Kind: KindRejection})
	if err != nil {
		t.Fatal(err)
	}
	if third.Seq != 3 {
		t.Errorf("sequence after reload = %d, want 3", third.Seq)
	}
}

func TestFileRegistry_SnapshotIsImmutable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, _ := NewFileRegistry("")
	if _, err := r.Append(ctx, Profile{Kind: KindKnownGood}); err != nil {
		t.Fatal(err)
	}
	s, _ := r.Snapshot(ctx)
	if _, err := r.Append(ctx, Profile{Kind: KindKnownGood}); err != nil {
		t.Fatal(err)
	}
	if s.Version != 1 || len(s.KnownGood) != 1 {
		t.Errorf("earlier snapshot changed: %+v", s)
	}
}

func TestFileRegistry_ConcurrentAppend(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	r, err := NewFileRegistry(filepath.Join(t.TempDir(), "p.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	for range 20 {
		wg.Go(func() {
			if _, err := r.Append(ctx, Profile{Kind: KindRejection}); err != nil {
				t.Errorf("Append: %v", err)
			}
		})
	}
	wg.Wait()
	s, _ := r.Snapshot(ctx)
	if s.Version != 20 || len(s.Rejections) != 20 {
		t.Errorf("snapshot = version %d with %d rejections", s.Version, len(s.Rejections))
	}
}

func TestNewFileRegistry_CorruptLine(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "p.jsonl")
	if err := os.WriteFile(path, []byte("{\"seq\":1,\"kind\":\"known_good\"}\nnot json\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewFileRegistry(path); err == nil {
		t.Error("expected error for corrupt line")
	}
}
