package audio

import (
	"math"
	"time"
)

// SilenceFloorDBFS is the level reported for digital silence.
const SilenceFloorDBFS = -120.0

// Region is a half-open time interval [Start, End) within a clip.
type Region struct {
	Start time.Duration `json:"start"`
	End   time.Duration `json:"end"`
}

// Len returns the length of the region.
func (r Region) Len() time.Duration { return r.End - r.Start }

// RMS returns the root-mean-square level of samples normalised to full scale
// (1.0 = a full-scale square wave).
func RMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// DBFS converts a normalised amplitude to decibels relative to full scale.
// Zero maps to [SilenceFloorDBFS].
func DBFS(amplitude float64) float64 {
	if amplitude <= 0 {
		return SilenceFloorDBFS
	}
	db := 20 * math.Log10(amplitude)
	if db < SilenceFloorDBFS {
		return SilenceFloorDBFS
	}
	return db
}

// FromDBFS is the inverse of [DBFS].
func FromDBFS(db float64) float64 {
	return math.Pow(10, db/20)
}

// Peak returns the largest absolute sample value normalised to full scale.
func Peak(samples []int16) float64 {
	var peak int32
	for _, s := range samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / 32768
}

// FrameRMS splits c into consecutive frames of the given length and returns
// the RMS level of each. A trailing partial frame is included.
func FrameRMS(c Clip, frame time.Duration) []float64 {
	n := SamplesFor(frame, c.SampleRate)
	if n <= 0 || len(c.Samples) == 0 {
		return nil
	}
	out := make([]float64, 0, len(c.Samples)/n+1)
	for i := 0; i < len(c.Samples); i += n {
		end := min(i+n, len(c.Samples))
		out = append(out, RMS(c.Samples[i:end]))
	}
	return out
}

// HFRatio estimates the share of high-frequency energy in samples by
// comparing the energy of the first difference with the signal energy. White
// noise scores close to 1; voiced speech, dominated by low frequencies,
// scores well below. The result is clamped to [0, 1].
func HFRatio(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	var energy, diff float64
	for i, s := range samples {
		v := float64(s)
		energy += v * v
		if i > 0 {
			d := v - float64(samples[i-1])
			diff += d * d
		}
	}
	if energy == 0 {
		return 0
	}
	r := diff / (2 * energy)
	return math.Min(1, r)
}

// MaxStep returns the largest absolute difference between consecutive
// samples, normalised to full scale.
func MaxStep(samples []int16) float64 {
	var step int32
	for i := 1; i < len(samples); i++ {
		d := int32(samples[i]) - int32(samples[i-1])
		if d < 0 {
			d = -d
		}
		if d > step {
			step = d
		}
	}
	return float64(step) / 32768
}

// SilentRegions returns every run of frames quieter than thresholdDBFS that
// lasts at least minLen. Frames are 10 ms.
func SilentRegions(c Clip, thresholdDBFS float64, minLen time.Duration) []Region {
	const frame = 10 * time.Millisecond
	levels := FrameRMS(c, frame)
	var regions []Region
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		r := Region{Start: time.Duration(start) * frame, End: time.Duration(end) * frame}
		if r.End > c.Duration() {
			r.End = c.Duration()
		}
		if r.Len() >= minLen {
			regions = append(regions, r)
		}
		start = -1
	}
	for i, lvl := range levels {
		if DBFS(lvl) < thresholdDBFS {
			if start < 0 {
				start = i
			}
			continue
		}
		flush(i)
	}
	flush(len(levels))
	return regions
}

// LeadingSilence returns how long c stays below thresholdDBFS from its start.
func LeadingSilence(c Clip, thresholdDBFS float64) time.Duration {
	const frame = 10 * time.Millisecond
	levels := FrameRMS(c, frame)
	for i, lvl := range levels {
		if DBFS(lvl) >= thresholdDBFS {
			return time.Duration(i) * frame
		}
	}
	return c.Duration()
}

// TrailingSilence returns how long c stays below thresholdDBFS before its
// end.
func TrailingSilence(c Clip, thresholdDBFS float64) time.Duration {
	const frame = 10 * time.Millisecond
	n := SamplesFor(frame, c.SampleRate)
	if n <= 0 {
		return 0
	}
	var silent int
	for end := len(c.Samples); end > 0; end -= n {
		start := max(0, end-n)
		if DBFS(RMS(c.Samples[start:end])) >= thresholdDBFS {
			break
		}
		silent += end - start
	}
	return time.Duration(silent) * time.Second / time.Duration(c.SampleRate)
}

// Autocorrelation returns the normalised autocorrelation of xs (mean removed)
// at the given lag. The result lies in [-1, 1]; 0 is returned for degenerate
// input.
func Autocorrelation(xs []float64, lag int) float64 {
	if lag <= 0 || lag >= len(xs) {
		return 0
	}
	var mean float64
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	var num, den float64
	for i, x := range xs {
		d := x - mean
		den += d * d
		if i+lag < len(xs) {
			num += d * (xs[i+lag] - mean)
		}
	}
	if den == 0 {
		return 0
	}
	return num / den
}

// ZeroCrossingRate returns the fraction of consecutive sample pairs that
// change sign.
func ZeroCrossingRate(samples []int16) float64 {
	if len(samples) < 2 {
		return 0
	}
	var n int
	for i := 1; i < len(samples); i++ {
		if (samples[i-1] >= 0) != (samples[i] >= 0) {
			n++
		}
	}
	return float64(n) / float64(len(samples)-1)
}
