// Package qa runs the acceptance gates over an assembled track and drives
// the bounded rebuild loop around them.
//
// The gates run in a fixed order and independently of each other; every
// gate reports pass or fail with the measured value, the threshold and the
// segments it implicates. A failing gate that implicates no segment cannot
// be fixed by regenerating audio and escalates straight to a human.
package qa

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/pkg/audio"
)

// Gate names, in run order.
const (
	GateSpliceClicks        = "splice_clicks"
	GateLoudnessConsistency = "loudness_consistency"
	GateHFNoise             = "hf_noise"
	GateSilenceIntegrity    = "silence_integrity"
	GateDurationTolerance   = "duration_tolerance"
	GateAmbientContinuity   = "ambient_continuity"
)

const (
	clickWindow  = 5 * time.Millisecond
	rmsWindow    = 10 * time.Millisecond
	frameLen     = 10 * time.Millisecond
	speechGate   = -40.0
	digitalFloor = -90.0
)

// Thresholds are the gate limits.
type Thresholds struct {
	ClickStepRatio    float64
	LoudnessSpreadDB  float64
	HFNoiseCeiling    float64
	SilenceFloorDBFS  float64
	SilenceTolerance  time.Duration
	DurationTolerance float64
	BedFloorDBFS      float64
}

// DefaultThresholds are uncalibrated starting values.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ClickStepRatio:    8,
		LoudnessSpreadDB:  6,
		HFNoiseCeiling:    0.45,
		SilenceFloorDBFS:  -55,
		SilenceTolerance:  350 * time.Millisecond,
		DurationTolerance: 0.1,
		BedFloorDBFS:      -70,
	}
}

// Subject is what the gates inspect.
type Subject struct {
	// Narration is the normalised speech track without the bed.
	Narration audio.Clip

	// Track is the final mix.
	Track audio.Clip

	Placements []assemble.Placement

	// HasBed reports whether an ambient bed was mixed in.
	HasBed bool

	// Target is the declared production length; zero skips the duration
	// gate.
	Target time.Duration
}

// SubjectFromResult wraps an assembly result.
func SubjectFromResult(res assemble.Result, target time.Duration) Subject {
	return Subject{
		Narration:  res.Narration,
		Track:      res.Track,
		Placements: res.Placements,
		HasBed:     res.Bed != nil,
		Target:     target,
	}
}

// Result is the outcome of one gate.
type Result struct {
	Gate      string  `json:"gate"`
	Pass      bool    `json:"pass"`
	Measured  float64 `json:"measured"`
	Threshold float64 `json:"threshold"`
	Segments  []int   `json:"segments,omitempty"`
	Detail    string  `json:"detail,omitempty"`
}

func (r Result) String() string {
	status := "PASS"
	if !r.Pass {
		status = "FAIL"
	}
	s := fmt.Sprintf("%s %s measured=%.4g threshold=%.4g", r.Gate, status, r.Measured, r.Threshold)
	if len(r.Segments) > 0 {
		s += fmt.Sprintf(" segments=%v", r.Segments)
	}
	if r.Detail != "" {
		s += " (" + r.Detail + ")"
	}
	return s
}

// Gate is one acceptance check.
type Gate struct {
	Name  string
	Check func(s Subject, th Thresholds) Result
}

// Gates is the fixed, ordered gate list.
var Gates = []Gate{
	{GateSpliceClicks, checkSpliceClicks},
	{GateLoudnessConsistency, checkLoudnessConsistency},
	{GateHFNoise, checkHFNoise},
	{GateSilenceIntegrity, checkSilenceIntegrity},
	{GateDurationTolerance, checkDurationTolerance},
	{GateAmbientContinuity, checkAmbientContinuity},
}

// checkSpliceClicks compares the largest sample step near every clip edge
// with the RMS of the sample steps around it. A smooth signal scores about
// 1.4; a discontinuity scores far higher.
func checkSpliceClicks(s Subject, th Thresholds) Result {
	r := Result{Gate: GateSpliceClicks, Threshold: th.ClickStepRatio}
	rate := s.Narration.SampleRate
	win := audio.SamplesFor(clickWindow, rate)
	rmsWin := audio.SamplesFor(rmsWindow, rate)
	samples := s.Narration.Samples

	for _, p := range s.Placements {
		for _, edge := range []int{p.StartSample, p.EndSample} {
			lo, hi := max(0, edge-win), min(len(samples), edge+win)
			if hi-lo < 2 {
				continue
			}
			step := audio.MaxStep(samples[lo:hi])
			if step == 0 {
				continue
			}
			local := stepRMS(samples[max(0, edge-rmsWin):min(len(samples), edge+rmsWin)])
			ratio := step / local
			r.Measured = max(r.Measured, ratio)
			if ratio > th.ClickStepRatio {
				r.Segments = appendUnique(r.Segments, p.Segment)
			}
		}
	}
	r.Pass = len(r.Segments) == 0
	return r
}

// stepRMS is the RMS of the first difference, normalised to full scale.
func stepRMS(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	var sum float64
	for i := 1; i < len(samples); i++ {
		d := float64(int32(samples[i])-int32(samples[i-1])) / 32768
		sum += d * d
	}
	return math.Sqrt(sum / float64(len(samples)-1))
}

// checkLoudnessConsistency measures how far each segment's speech level
// strays from the median segment level.
func checkLoudnessConsistency(s Subject, th Thresholds) Result {
	r := Result{Gate: GateLoudnessConsistency, Threshold: th.LoudnessSpreadDB}
	levels := make([]float64, len(s.Placements))
	for i, p := range s.Placements {
		levels[i] = speechLevel(clipOf(s.Narration, p))
	}
	med := median(levels)
	for i, p := range s.Placements {
		dev := math.Abs(levels[i] - med)
		r.Measured = max(r.Measured, dev)
		if dev > th.LoudnessSpreadDB {
			r.Segments = append(r.Segments, p.Segment)
		}
	}
	r.Pass = len(r.Segments) == 0
	return r
}

// checkHFNoise measures the high-frequency share of the quiet, non-speech
// frames inside each clip. Digital silence is ignored.
func checkHFNoise(s Subject, th Thresholds) Result {
	r := Result{Gate: GateHFNoise, Threshold: th.HFNoiseCeiling}
	for _, p := range s.Placements {
		c := clipOf(s.Narration, p)
		n := audio.SamplesFor(frameLen, c.SampleRate)
		if n <= 0 {
			continue
		}
		var quiet []int16
		for i := 0; i+n <= len(c.Samples); i += n {
			f := c.Samples[i : i+n]
			db := audio.DBFS(audio.RMS(f))
			if db < speechGate && db > digitalFloor {
				quiet = append(quiet, f...)
			}
		}
		if len(quiet) == 0 {
			continue
		}
		hf := audio.HFRatio(quiet)
		r.Measured = max(r.Measured, hf)
		if hf > th.HFNoiseCeiling {
			r.Segments = append(r.Segments, p.Segment)
		}
	}
	r.Pass = len(r.Segments) == 0
	return r
}

// checkSilenceIntegrity verifies every pause of the un-mixed narration: the
// inserted gap must be silent, and the effective pause (trailing silence of
// the clip before, the gap, leading silence of the clip after) must not
// exceed the configured length by more than the tolerance. The clip with
// the longer silent edge is implicated.
func checkSilenceIntegrity(s Subject, th Thresholds) Result {
	r := Result{Gate: GateSilenceIntegrity, Threshold: th.SilenceTolerance.Seconds()}
	for i := 0; i+1 < len(s.Placements); i++ {
		prev, next := s.Placements[i], s.Placements[i+1]
		gap := s.Narration.Samples[prev.EndSample:next.StartSample]
		if audio.DBFS(audio.Peak(gap)) > th.SilenceFloorDBFS {
			r.Segments = appendUnique(r.Segments, prev.Segment)
			r.Detail = fmt.Sprintf("sound inside the pause after segment %d", prev.Segment)
			continue
		}
		trail := audio.TrailingSilence(clipOf(s.Narration, prev), th.SilenceFloorDBFS)
		lead := audio.LeadingSilence(clipOf(s.Narration, next), th.SilenceFloorDBFS)
		excess := trail + lead
		r.Measured = max(r.Measured, excess.Seconds())
		if excess > th.SilenceTolerance {
			if trail >= lead {
				r.Segments = appendUnique(r.Segments, prev.Segment)
			} else {
				r.Segments = appendUnique(r.Segments, next.Segment)
			}
		}
	}
	r.Pass = len(r.Segments) == 0
	return r
}

// checkDurationTolerance compares the track length with the target.
func checkDurationTolerance(s Subject, th Thresholds) Result {
	r := Result{Gate: GateDurationTolerance, Threshold: th.DurationTolerance, Pass: true}
	if s.Target <= 0 {
		r.Detail = "no target duration"
		return r
	}
	got := s.Track.Duration()
	r.Measured = math.Abs(got.Seconds()-s.Target.Seconds()) / s.Target.Seconds()
	r.Pass = r.Measured <= th.DurationTolerance
	if !r.Pass {
		r.Detail = fmt.Sprintf("track is %v, target %v", got.Round(time.Millisecond), s.Target)
	}
	return r
}

// checkAmbientContinuity verifies that the bed is audible throughout every
// pause of the mix. Passes when no bed is configured.
func checkAmbientContinuity(s Subject, th Thresholds) Result {
	r := Result{Gate: GateAmbientContinuity, Threshold: th.BedFloorDBFS, Pass: true}
	if !s.HasBed {
		r.Detail = "no ambient bed"
		return r
	}
	r.Measured = math.Inf(1)
	n := audio.SamplesFor(frameLen, s.Track.SampleRate)
	for i := 0; i+1 < len(s.Placements); i++ {
		gap := s.Track.Samples[s.Placements[i].EndSample:s.Placements[i+1].StartSample]
		for j := 0; j+n <= len(gap); j += n {
			r.Measured = min(r.Measured, audio.DBFS(audio.RMS(gap[j:j+n])))
		}
	}
	if math.IsInf(r.Measured, 1) {
		r.Measured = 0
		r.Detail = "no pauses"
		return r
	}
	r.Pass = r.Measured >= th.BedFloorDBFS
	if !r.Pass {
		r.Detail = "ambient bed drops out inside a pause"
	}
	return r
}

func clipOf(c audio.Clip, p assemble.Placement) audio.Clip {
	return audio.Clip{Samples: c.Samples[p.StartSample:p.EndSample], SampleRate: c.SampleRate}
}

// speechLevel is the RMS level of the frames above the speech gate, or of
// the whole clip when none are.
func speechLevel(c audio.Clip) float64 {
	n := audio.SamplesFor(frameLen, c.SampleRate)
	var speech []int16
	for i := 0; n > 0 && i+n <= len(c.Samples); i += n {
		f := c.Samples[i : i+n]
		if audio.DBFS(audio.RMS(f)) >= speechGate {
			speech = append(speech, f...)
		}
	}
	if len(speech) == 0 {
		speech = c.Samples
	}
	return audio.DBFS(audio.RMS(speech))
}

func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	s := slices.Clone(xs)
	slices.Sort(s)
	m := len(s) / 2
	if len(s)%2 == 1 {
		return s[m]
	}
	return (s[m-1] + s[m]) / 2
}

func appendUnique(xs []int, x int) []int {
	if slices.Contains(xs, x) {
		return xs
	}
	return append(xs, x)
}
