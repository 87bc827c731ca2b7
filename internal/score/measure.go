package score

import (
	"math"
	"slices"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

const (
	// frameLen is the analysis frame used for every envelope measurement.
	frameLen = 10 * time.Millisecond

	// speechGateDBFS separates speech frames from pauses and breaths.
	speechGateDBFS = -40.0

	// floorGateDBFS excludes digital silence from the hiss estimate.
	floorGateDBFS = -90.0

	// tailLen is the trailing window examined for truncation.
	tailLen = 50 * time.Millisecond

	// clipLevel is the absolute sample value treated as full scale.
	clipLevel = 32700
)

// echoLags is the range of envelope lags, in frames, searched for
// reverberant repetition.
var echoLags = [2]int{5, 30}

// Measure computes the raw metrics of clip for a segment of charCount
// characters. It is deterministic for identical samples.
func Measure(clip audio.Clip, charCount int) types.Metrics {
	if len(clip.Samples) == 0 || clip.SampleRate <= 0 {
		return types.Metrics{LoudnessDBFS: audio.SilenceFloorDBFS}
	}
	chars := max(charCount, 1)
	env := audio.FrameRMS(clip, frameLen)

	return types.Metrics{
		SecondsPerChar: clip.Duration().Seconds() / float64(chars),
		Hiss:           hiss(clip, env),
		EchoRisk:       echoRisk(env),
		TailEnergy:     tailEnergy(clip, env),
		Clipping:       clipping(clip.Samples),
		LoudnessDBFS:   audio.DBFS(audio.RMS(clip.Samples)),
	}
}

// hiss averages the high-frequency ratio over frames that are neither
// speech nor digital silence.
func hiss(clip audio.Clip, env []float64) float64 {
	n := audio.SamplesFor(frameLen, clip.SampleRate)
	var sum float64
	var count int
	for i, lvl := range env {
		db := audio.DBFS(lvl)
		if db >= speechGateDBFS || db < floorGateDBFS {
			continue
		}
		start := i * n
		end := min(start+n, len(clip.Samples))
		sum += audio.HFRatio(clip.Samples[start:end])
		count++
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// echoRisk is the peak envelope autocorrelation at reverberation lags,
// clamped to [0, 1].
func echoRisk(env []float64) float64 {
	var peak float64
	for lag := echoLags[0]; lag <= echoLags[1]; lag++ {
		peak = math.Max(peak, audio.Autocorrelation(env, lag))
	}
	return math.Min(1, peak)
}

// tailEnergy is the level of the final 50 ms relative to the median speech
// frame level.
func tailEnergy(clip audio.Clip, env []float64) float64 {
	var speech []float64
	for _, lvl := range env {
		if audio.DBFS(lvl) >= speechGateDBFS {
			speech = append(speech, lvl)
		}
	}
	if len(speech) == 0 {
		return 0
	}
	slices.Sort(speech)
	median := speech[len(speech)/2]

	tail := clip.Slice(clip.Duration()-tailLen, clip.Duration())
	return audio.RMS(tail.Samples) / median
}

func clipping(samples []int16) float64 {
	var n int
	for _, s := range samples {
		if s >= clipLevel || s <= -clipLevel {
			n++
		}
	}
	return float64(n) / float64(len(samples))
}
