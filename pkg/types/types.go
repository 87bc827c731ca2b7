// Package types defines the shared data model used across all takewright
// packages.
//
// Segments and Candidates are write-once: they are produced by the script
// parser, the generator and the scorer, and never edited afterwards except
// for the advisory filter flag and derived scores. Cross-cutting data
// structures live here to avoid circular imports between the pipeline stages.
package types

import (
	"fmt"
	"time"
)

// Segment is one ordered unit of source text within a production.
type Segment struct {
	// Index is the stable, 0-based position of the segment in the production.
	Index int `json:"index"`

	// Text is the source text sent to the synthesis provider.
	Text string `json:"text"`

	// CharCount is the number of characters (runes) in Text.
	CharCount int `json:"char_count"`

	// IsOpening marks the first segment of the production.
	IsOpening bool `json:"is_opening,omitempty"`

	// IsClosing marks the last segment of the production.
	IsClosing bool `json:"is_closing,omitempty"`

	// SilenceAfter is the target silence inserted between this segment and
	// the next one. Zero for the closing segment.
	SilenceAfter time.Duration `json:"silence_after"`
}

// Candidate is one synthesis attempt for a [Segment].
type Candidate struct {
	// SegmentIndex is the [Segment.Index] this candidate belongs to.
	SegmentIndex int `json:"segment_index"`

	// Version is the stable identifier of the candidate within its segment,
	// derived from GenIndex (see [VersionID]).
	Version string `json:"version"`

	// GenIndex is the generation slot this candidate fills (0..N-1).
	GenIndex int `json:"gen_index"`

	// AudioRef locates the raw audio in the candidate store.
	AudioRef string `json:"audio_ref"`

	// Duration is the length of the synthesized audio.
	Duration time.Duration `json:"duration"`

	// SampleRate of the stored PCM in Hz.
	SampleRate int `json:"sample_rate"`

	// Provider is the name of the synthesis provider that produced the audio.
	Provider string `json:"provider,omitempty"`

	// CreatedAt is when the synthesis request completed.
	CreatedAt time.Time `json:"created_at"`

	// Features is the scored feature vector. Zero until scored.
	Features FeatureVector `json:"features"`

	// Filtered is set by the elimination filter. Advisory only: a filtered
	// candidate is hidden from the default ranking, never deleted.
	Filtered bool `json:"filtered"`

	// FilterReason names the rule that set Filtered, or "known_good" when a
	// known-good profile bypassed all rules.
	FilterReason string `json:"filter_reason,omitempty"`
}

// VersionID returns the canonical version identifier for a generation slot.
func VersionID(genIndex int) string {
	return fmt.Sprintf("v%02d", genIndex)
}

// Metrics is a fixed tuple of scalar audio measurements.
//
// The same struct carries raw measurements and their z-scored counterparts
// (see [FeatureVector]).
type Metrics struct {
	// SecondsPerChar is the audio duration divided by the segment's
	// character count.
	SecondsPerChar float64 `json:"seconds_per_char"`

	// Hiss is the share of high-frequency energy in non-speech frames (0..1).
	Hiss float64 `json:"hiss"`

	// EchoRisk is the peak normalised autocorrelation of the loudness
	// envelope at reverberation lags (0..1).
	EchoRisk float64 `json:"echo_risk"`

	// TailEnergy is the loudness of the final 50 ms relative to the median
	// speech loudness. High values indicate audio that stops mid-word.
	TailEnergy float64 `json:"tail_energy"`

	// Clipping is the fraction of samples at or near full scale.
	Clipping float64 `json:"clipping"`

	// LoudnessDBFS is the overall RMS level in dBFS.
	LoudnessDBFS float64 `json:"loudness_dbfs"`
}

// MetricNames lists the metric names in the order used by [Metrics.Vector].
var MetricNames = []string{
	"seconds_per_char",
	"hiss",
	"echo_risk",
	"tail_energy",
	"clipping",
	"loudness_dbfs",
}

// Vector returns the metrics as a slice ordered like [MetricNames].
func (m Metrics) Vector() []float64 {
	return []float64{m.SecondsPerChar, m.Hiss, m.EchoRisk, m.TailEnergy, m.Clipping, m.LoudnessDBFS}
}

// MetricsFromVector is the inverse of [Metrics.Vector]. Missing trailing
// entries are left at zero.
func MetricsFromVector(v []float64) Metrics {
	var m Metrics
	fields := []*float64{&m.SecondsPerChar, &m.Hiss, &m.EchoRisk, &m.TailEnergy, &m.Clipping, &m.LoudnessDBFS}
	for i := range fields {
		if i < len(v) {
			*fields[i] = v[i]
		}
	}
	return m
}

// FeatureVector holds the scored features of a [Candidate].
type FeatureVector struct {
	// Raw holds the measurements as taken from the audio.
	Raw Metrics `json:"raw"`

	// Z holds Raw z-scored against the reference population named by
	// StatsVersion.
	Z Metrics `json:"z"`

	// DurationRatio is Raw.SecondsPerChar divided by the reference mean.
	// 1.0 means typical pacing.
	DurationRatio float64 `json:"duration_ratio"`

	// Quality is a composite where higher is better, derived from the
	// z-scored pacing, truncation and clipping measurements.
	Quality float64 `json:"quality"`

	// TonalDistance to the neighbouring segment's chosen candidate. Only
	// meaningful when TonalKnown is true.
	TonalDistance float64 `json:"tonal_distance"`

	// TonalKnown reports whether TonalDistance has been computed against a
	// chosen neighbour.
	TonalKnown bool `json:"tonal_known"`

	// StatsVersion names the reference statistics used for Z.
	StatsVersion string `json:"stats_version"`
}

// SegmentStatus is the triage status of a segment's candidate pool.
type SegmentStatus int

const (
	// StatusPending means no candidates exist yet.
	StatusPending SegmentStatus = iota

	// StatusReady means at least one candidate survived elimination.
	StatusReady

	// StatusUnresolvable means every candidate was filtered. The segment
	// needs regeneration or relaxed thresholds; it is never auto-resolved.
	StatusUnresolvable
)

// String returns a human-readable label for the status.
func (s SegmentStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusUnresolvable:
		return "UNRESOLVABLE"
	default:
		return fmt.Sprintf("SegmentStatus(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s SegmentStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements [encoding.TextUnmarshaler].
func (s *SegmentStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "PENDING":
		*s = StatusPending
	case "READY":
		*s = StatusReady
	case "UNRESOLVABLE":
		*s = StatusUnresolvable
	default:
		return fmt.Errorf("types: unknown segment status %q", b)
	}
	return nil
}
