// Package assemble splices the chosen candidate of every segment into the
// final track.
//
// Each segment clip gets a short fade at both edges, is followed by its
// configured silence, and the concatenation is normalised by exactly one
// whole-track gain stage. Fades shape existing samples and never overlap
// neighbours, so the track is exactly as long as the clips plus the
// silences. An optional ambient bed is looped underneath afterwards.
package assemble

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

const (
	// DefaultSampleRate is the assembly rate.
	DefaultSampleRate = 48000

	// DefaultCrossfade is the edge fade length.
	DefaultCrossfade = 20 * time.Millisecond

	// MaxCrossfade bounds the edge fade length.
	MaxCrossfade = 200 * time.Millisecond

	DefaultTargetLoudnessDBFS = -20.0
	DefaultPeakCeilingDBFS    = -1.0
)

// UnresolvedError lists the segments that block assembly because they have
// no winner.
type UnresolvedError struct {
	Segments []int
}

func (e *UnresolvedError) Error() string {
	ids := make([]string, len(e.Segments))
	for i, s := range e.Segments {
		ids[i] = strconv.Itoa(s)
	}
	return fmt.Sprintf("assemble: %d segment(s) without a winner: %s", len(e.Segments), strings.Join(ids, ", "))
}

// Config controls splicing and normalisation.
type Config struct {
	// SampleRate of the assembled track. Zero selects DefaultSampleRate.
	SampleRate int

	// Crossfade is the fade length at each splice edge. Zero selects
	// DefaultCrossfade; negative disables fades.
	Crossfade time.Duration

	// TargetLoudnessDBFS is the speech RMS level the track is normalised to.
	TargetLoudnessDBFS float64

	// PeakCeilingDBFS limits the normalisation gain.
	PeakCeilingDBFS float64

	// Bed is an optional ambient loop mixed under the whole track.
	Bed *audio.Clip

	// BedGainDB is the bed level relative to full scale.
	BedGainDB float64
}

func (c Config) withDefaults() Config {
	if c.SampleRate == 0 {
		c.SampleRate = DefaultSampleRate
	}
	if c.Crossfade == 0 {
		c.Crossfade = DefaultCrossfade
	}
	if c.TargetLoudnessDBFS == 0 {
		c.TargetLoudnessDBFS = DefaultTargetLoudnessDBFS
	}
	if c.PeakCeilingDBFS == 0 {
		c.PeakCeilingDBFS = DefaultPeakCeilingDBFS
	}
	return c
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []error
	if c.SampleRate < 0 {
		errs = append(errs, errors.New("assemble: sample rate must not be negative"))
	}
	if c.Crossfade > MaxCrossfade {
		errs = append(errs, fmt.Errorf("assemble: crossfade %v exceeds %v", c.Crossfade, MaxCrossfade))
	}
	if c.PeakCeilingDBFS > 0 {
		errs = append(errs, errors.New("assemble: peak ceiling must be <= 0 dBFS"))
	}
	if c.Bed != nil && len(c.Bed.Samples) == 0 {
		errs = append(errs, errors.New("assemble: ambient bed is empty"))
	}
	return errors.Join(errs...)
}

// Input is the chosen audio of one segment.
type Input struct {
	Segment   types.Segment
	Candidate types.Candidate
	Clip      audio.Clip
}

// Placement locates one segment in the assembled track.
type Placement struct {
	Segment int           `json:"segment"`
	Version string        `json:"version"`
	Start   time.Duration `json:"start"`
	End     time.Duration `json:"end"`
	Silence time.Duration `json:"silence_after"`

	// StartSample and EndSample are the exact sample offsets of the clip.
	StartSample int `json:"start_sample"`
	EndSample   int `json:"end_sample"`

	// Override is set when the version was chosen by an automatic rebuild
	// rather than by the reviewer.
	Override bool `json:"override,omitempty"`
}

// Result is an assembled track.
type Result struct {
	// Narration is the normalised speech and silences without the bed.
	Narration audio.Clip

	// Track is the final mix. Equal to Narration when there is no bed.
	Track audio.Clip

	// Bed is the looped bed as mixed, or nil.
	Bed []int16

	Placements []Placement

	// GainDB is the single normalisation gain applied.
	GainDB float64

	// LoudnessDBFS is the speech RMS level after normalisation.
	LoudnessDBFS float64
}

// Assemble splices inputs, which must be in segment order.
func Assemble(inputs []Input, cfg Config) (Result, error) {
	if err := cfg.Validate(); err != nil {
		return Result{}, err
	}
	cfg = cfg.withDefaults()
	if len(inputs) == 0 {
		return Result{}, errors.New("assemble: no segments")
	}

	rate := cfg.SampleRate
	clips := make([][]int16, len(inputs))
	total := 0
	for i, in := range inputs {
		if i > 0 && in.Segment.Index <= inputs[i-1].Segment.Index {
			return Result{}, fmt.Errorf("assemble: segment %d out of order", in.Segment.Index)
		}
		if len(in.Clip.Samples) == 0 {
			return Result{}, fmt.Errorf("assemble: segment %d: empty audio for %s", in.Segment.Index, in.Candidate.Version)
		}
		s := audio.Resample(in.Clip.Samples, in.Clip.SampleRate, rate)
		if in.Clip.SampleRate == rate {
			s = append([]int16(nil), s...)
		}
		clips[i] = s
		total += len(s)
		if i < len(inputs)-1 {
			total += audio.SamplesFor(in.Segment.SilenceAfter, rate)
		}
	}

	track := make([]int16, 0, total)
	placements := make([]Placement, len(inputs))
	var speech []int16
	for i, in := range inputs {
		s := clips[i]
		if cfg.Crossfade > 0 {
			fadeEdges(s, audio.SamplesFor(cfg.Crossfade, rate))
		}
		start := len(track)
		track = append(track, s...)
		speech = append(speech, s...)
		p := Placement{
			Segment: in.Segment.Index,
			Version: in.Candidate.Version,
			Start:   samplesToDuration(start, rate),
			End:     samplesToDuration(len(track), rate),

			StartSample: start,
			EndSample:   len(track),
		}
		if i < len(inputs)-1 {
			n := audio.SamplesFor(in.Segment.SilenceAfter, rate)
			track = append(track, make([]int16, n)...)
			p.Silence = samplesToDuration(n, rate)
		}
		placements[i] = p
	}

	gainDB := normalizationGain(speech, cfg.TargetLoudnessDBFS, cfg.PeakCeilingDBFS)
	audio.Gain(track, audio.FromDBFS(gainDB))

	res := Result{
		Narration:  audio.Clip{Samples: track, SampleRate: rate},
		Placements: placements,
		GainDB:     gainDB,
	}
	res.LoudnessDBFS = speechLoudness(track, placements)
	res.Track = res.Narration

	if cfg.Bed != nil {
		bed := loopBed(*cfg.Bed, rate, len(track))
		audio.Gain(bed, audio.FromDBFS(cfg.BedGainDB))
		mixed := append([]int16(nil), track...)
		audio.Mix(mixed, bed, 0, 1)
		res.Bed = bed
		res.Track = audio.Clip{Samples: mixed, SampleRate: rate}
	}
	return res, nil
}

// fadeEdges applies a linear fade-in over the first n samples and a
// fade-out over the last n, limited to a quarter of the clip each.
func fadeEdges(s []int16, n int) {
	n = min(n, len(s)/4)
	if n <= 0 {
		return
	}
	for i := range n {
		g := float64(i) / float64(n)
		s[i] = int16(math.Round(float64(s[i]) * g))
		j := len(s) - 1 - i
		s[j] = int16(math.Round(float64(s[j]) * g))
	}
}

// normalizationGain returns the gain in dB that brings the speech RMS to
// target without pushing the peak above ceiling.
func normalizationGain(speech []int16, target, ceiling float64) float64 {
	rms := audio.RMS(speech)
	if rms == 0 {
		return 0
	}
	gain := target - audio.DBFS(rms)
	if peak := audio.Peak(speech); peak > 0 {
		gain = min(gain, ceiling-audio.DBFS(peak))
	}
	return gain
}

func speechLoudness(track []int16, placements []Placement) float64 {
	var speech []int16
	for _, p := range placements {
		speech = append(speech, track[p.StartSample:p.EndSample]...)
	}
	return audio.DBFS(audio.RMS(speech))
}

// loopBed repeats the bed until it covers n samples.
func loopBed(bed audio.Clip, rate, n int) []int16 {
	src := audio.Resample(bed.Samples, bed.SampleRate, rate)
	out := make([]int16, n)
	if len(src) == 0 {
		return out
	}
	for i := 0; i < n; i += len(src) {
		copy(out[i:], src)
	}
	return out
}

func samplesToDuration(n, rate int) time.Duration {
	return time.Duration(int64(n) * int64(time.Second) / int64(rate))
}
