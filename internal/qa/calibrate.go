package qa

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/MrWong99/takewright/internal/assemble"
	"github.com/MrWong99/takewright/pkg/audio"
)

// DefaultMargin is the headroom applied to calibration suggestions.
const DefaultMargin = 1.25

// KnownGood is one artifact held out as a calibration reference.
type KnownGood struct {
	Name    string
	Subject Subject
}

// LoadKnownGood reads every <name>.manifest.json in dir together with its
// <name>.wav and, when the manifest declares an ambient bed,
// <name>.narration.wav.
func LoadKnownGood(dir string) ([]KnownGood, error) {
	paths, err := filepath.Glob(filepath.Join(dir, "*.manifest.json"))
	if err != nil {
		return nil, fmt.Errorf("qa: list known-good artifacts: %w", err)
	}
	sort.Strings(paths)
	var out []KnownGood
	for _, p := range paths {
		name := strings.TrimSuffix(filepath.Base(p), ".manifest.json")
		kg, err := loadArtifact(dir, name, p)
		if err != nil {
			return nil, err
		}
		out = append(out, kg)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("qa: no known-good artifacts in %s", dir)
	}
	return out, nil
}

func loadArtifact(dir, name, manifestPath string) (KnownGood, error) {
	m, err := assemble.ReadManifest(manifestPath)
	if err != nil {
		return KnownGood{}, err
	}
	track, err := readWAV(filepath.Join(dir, name+".wav"))
	if err != nil {
		return KnownGood{}, err
	}
	narration := track
	if m.AmbientBed {
		if narration, err = readWAV(filepath.Join(dir, name+".narration.wav")); err != nil {
			return KnownGood{}, err
		}
	}
	for _, p := range m.Segments {
		if p.StartSample < 0 || p.EndSample < p.StartSample || p.EndSample > len(narration.Samples) {
			return KnownGood{}, fmt.Errorf("qa: %s: segment %d lies outside the audio", name, p.Segment)
		}
	}
	return KnownGood{
		Name: name,
		Subject: Subject{
			Narration:  narration,
			Track:      track,
			Placements: m.Segments,
			HasBed:     m.AmbientBed,
			Target:     m.TargetDuration,
		},
	}, nil
}

func readWAV(path string) (audio.Clip, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("qa: %w", err)
	}
	c, err := audio.DecodeWAV(data)
	if err != nil {
		return audio.Clip{}, fmt.Errorf("qa: %s: %w", filepath.Base(path), err)
	}
	return c, nil
}

// Firing is a gate that failed on a known-good artifact. Every firing is a
// calibration bug.
type Firing struct {
	Artifact string
	Result   Result
}

// Calibration summarises a gate run over known-good artifacts.
type Calibration struct {
	Artifacts int
	Fired     []Firing

	// Worst holds the worst measured value per gate.
	Worst map[string]float64

	// Suggested are thresholds that would pass every artifact with the
	// requested margin. Gates without data keep the current value.
	Suggested Thresholds
}

// Calibrate runs every gate over the known-good set.
func Calibrate(set []KnownGood, th Thresholds, margin float64) (Calibration, error) {
	if len(set) == 0 {
		return Calibration{}, errors.New("qa: calibration needs at least one artifact")
	}
	if margin < 1 {
		margin = DefaultMargin
	}
	cal := Calibration{Artifacts: len(set), Worst: map[string]float64{}, Suggested: th}
	for _, kg := range set {
		for _, res := range Run(kg.Subject, th).Results {
			if !res.Pass {
				cal.Fired = append(cal.Fired, Firing{Artifact: kg.Name, Result: res})
			}
			if skipped(res) {
				continue
			}
			worst, seen := cal.Worst[res.Gate]
			switch {
			case !seen:
				cal.Worst[res.Gate] = res.Measured
			case res.Gate == GateAmbientContinuity:
				cal.Worst[res.Gate] = math.Min(worst, res.Measured)
			default:
				cal.Worst[res.Gate] = math.Max(worst, res.Measured)
			}
		}
	}

	s := &cal.Suggested
	for gate, worst := range cal.Worst {
		if worst == 0 && gate != GateAmbientContinuity {
			continue
		}
		switch gate {
		case GateSpliceClicks:
			s.ClickStepRatio = worst * margin
		case GateLoudnessConsistency:
			s.LoudnessSpreadDB = worst * margin
		case GateHFNoise:
			s.HFNoiseCeiling = math.Min(1, worst*margin)
		case GateSilenceIntegrity:
			s.SilenceTolerance = durationFromSeconds(worst * margin)
		case GateDurationTolerance:
			s.DurationTolerance = worst * margin
		case GateAmbientContinuity:
			s.BedFloorDBFS = worst - 20*math.Log10(margin)
		}
	}
	return cal, nil
}

// skipped reports gates that had nothing to measure.
func skipped(r Result) bool {
	switch r.Gate {
	case GateDurationTolerance, GateAmbientContinuity:
		return r.Pass && r.Measured == 0 && r.Detail != ""
	}
	return false
}

func durationFromSeconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second)).Round(time.Millisecond)
}
