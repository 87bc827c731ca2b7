// Package profile is the registry of human verdicts on candidate features.
//
// A known-good profile is the z-scored fingerprint of a candidate a reviewer
// chose; a rejection profile that of a candidate a reviewer rejected, with
// the reason once one is given. The registry is append-only and versioned by
// sequence number; a later verdict on the same candidate supersedes the
// earlier one in snapshots.
// Filtering and ranking never consult a registry directly; they take an
// explicit [Snapshot], so a result can be reproduced against the registry
// version it was computed with.
package profile

import (
	"context"
	"errors"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/takewright/pkg/types"
)

// Kind distinguishes positive and negative profiles.
type Kind string

const (
	KindKnownGood Kind = "known_good"
	KindRejection Kind = "rejection"
)

// IsValid reports whether k is a recognised kind.
func (k Kind) IsValid() bool { return k == KindKnownGood || k == KindRejection }

// Profile is one recorded verdict.
type Profile struct {
	// ID is a UUID assigned on append.
	ID string `json:"id"`

	// Seq is the registry sequence number assigned on append. It starts at 1.
	Seq int64 `json:"seq"`

	Kind Kind `json:"kind"`

	// Fingerprint is the z-scored metric vector of the judged candidate.
	Fingerprint types.Metrics `json:"fingerprint"`

	// Tolerance is the match radius. Zero means the caller's default.
	Tolerance float64 `json:"tolerance,omitempty"`

	// Reason is the rejection tag, empty for known-good profiles.
	Reason string `json:"reason,omitempty"`

	// Source of the verdict.
	Production   string `json:"production"`
	Segment      int    `json:"segment"`
	Version      string `json:"version"`
	StatsVersion string `json:"stats_version"`

	CreatedAt time.Time `json:"created_at"`
}

// Validate checks the fields required before appending.
func (p Profile) Validate() error {
	if !p.Kind.IsValid() {
		return errors.New("profile: invalid kind " + string(p.Kind))
	}
	for _, v := range p.Fingerprint.Vector() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.New("profile: fingerprint must be finite")
		}
	}
	if p.Tolerance < 0 {
		return errors.New("profile: tolerance must not be negative")
	}
	return nil
}

// Registry is an append-only profile store.
// Implementations must be safe for concurrent use.
type Registry interface {
	// Append records p and returns it with ID, Seq and CreatedAt assigned.
	Append(ctx context.Context, p Profile) (Profile, error)

	// Snapshot returns every profile recorded so far.
	Snapshot(ctx context.Context) (Snapshot, error)

	// SnapshotAt returns the profiles with Seq <= version.
	SnapshotAt(ctx context.Context, version int64) (Snapshot, error)
}

// Snapshot is an immutable view of the registry at one version.
type Snapshot struct {
	// Version is the highest Seq included; zero for an empty registry.
	Version    int64     `json:"version"`
	KnownGood  []Profile `json:"known_good"`
	Rejections []Profile `json:"rejections"`
}

// NewSnapshot builds a snapshot from profiles ordered by Seq, keeping
// those with Seq <= version. A negative version keeps all of them.
//
// Profiles naming a candidate version are keyed by kind, production,
// segment and version: a later one replaces the earlier in place, so a
// tagged rejection supersedes the untagged one recorded at decision time.
// Profiles without a version are always kept.
func NewSnapshot(profiles []Profile, version int64) Snapshot {
	type key struct {
		kind       Kind
		production string
		segment    int
		version    string
	}
	var s Snapshot
	seen := make(map[key]int)
	for _, p := range profiles {
		if version >= 0 && p.Seq > version {
			continue
		}
		s.Version = max(s.Version, p.Seq)
		var list *[]Profile
		switch p.Kind {
		case KindKnownGood:
			list = &s.KnownGood
		case KindRejection:
			list = &s.Rejections
		default:
			continue
		}
		if p.Version == "" {
			*list = append(*list, p)
			continue
		}
		k := key{p.Kind, p.Production, p.Segment, p.Version}
		if i, ok := seen[k]; ok {
			(*list)[i] = p
			continue
		}
		seen[k] = len(*list)
		*list = append(*list, p)
	}
	return s
}

// Match is the nearest profile to a fingerprint.
type Match struct {
	Profile  Profile
	Distance float64

	// Within reports whether Distance is inside the profile's tolerance.
	Within bool
}

// Similarity maps the match onto [0, 1]: 1 for an identical fingerprint,
// 0 at or beyond the tolerance.
func (m Match) Similarity(defaultTol float64) float64 {
	tol := tolerance(m.Profile, defaultTol)
	if tol <= 0 {
		return 0
	}
	return max(0, 1-m.Distance/tol)
}

// NearestKnownGood returns the known-good profile closest to z.
func (s Snapshot) NearestKnownGood(z types.Metrics, defaultTol float64) (Match, bool) {
	return nearest(s.KnownGood, z, defaultTol)
}

// NearestRejection returns the rejection profile closest to z.
func (s Snapshot) NearestRejection(z types.Metrics, defaultTol float64) (Match, bool) {
	return nearest(s.Rejections, z, defaultTol)
}

func nearest(profiles []Profile, z types.Metrics, defaultTol float64) (Match, bool) {
	if len(profiles) == 0 {
		return Match{}, false
	}
	best := Match{Distance: math.Inf(1)}
	for _, p := range profiles {
		d := Distance(p.Fingerprint, z)
		if d < best.Distance {
			best = Match{Profile: p, Distance: d}
		}
	}
	best.Within = best.Distance <= tolerance(best.Profile, defaultTol)
	return best, true
}

func tolerance(p Profile, defaultTol float64) float64 {
	if p.Tolerance > 0 {
		return p.Tolerance
	}
	return defaultTol
}

// Distance is the Euclidean distance between two fingerprints.
func Distance(a, b types.Metrics) float64 {
	av, bv := a.Vector(), b.Vector()
	var sum float64
	for i := range av {
		d := av[i] - bv[i]
		sum += d * d
	}
	return math.Sqrt(sum)
}

// fingerprint32 converts a fingerprint to the float32 form stored in vector
// columns.
func fingerprint32(m types.Metrics) []float32 {
	v := m.Vector()
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}

func fingerprint64(v []float32) types.Metrics {
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = float64(x)
	}
	return types.MetricsFromVector(out)
}

func cloneProfiles(ps []Profile) []Profile { return slices.Clone(ps) }
