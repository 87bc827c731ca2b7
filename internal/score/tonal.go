package score

import (
	"math"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/types"
)

// Timbre is a coarse tonal fingerprint of the voiced part of a clip.
type Timbre struct {
	// LoudnessDBFS is the mean level of speech frames.
	LoudnessDBFS float64 `json:"loudness_dbfs"`

	// Brightness is the high-frequency ratio of speech frames.
	Brightness float64 `json:"brightness"`

	// ZeroCrossings is the zero-crossing rate of speech frames.
	ZeroCrossings float64 `json:"zero_crossings"`
}

// Scales that bring the timbre dimensions to comparable units.
const (
	loudnessScale      = 6.0
	brightnessScale    = 0.1
	zeroCrossingsScale = 0.05
)

// MeasureTimbre computes the timbre of the speech frames in clip.
func MeasureTimbre(clip audio.Clip) Timbre {
	n := audio.SamplesFor(frameLen, clip.SampleRate)
	if n <= 0 {
		return Timbre{LoudnessDBFS: audio.SilenceFloorDBFS}
	}
	var speech []int16
	for i := 0; i < len(clip.Samples); i += n {
		frame := clip.Samples[i:min(i+n, len(clip.Samples))]
		if audio.DBFS(audio.RMS(frame)) >= speechGateDBFS {
			speech = append(speech, frame...)
		}
	}
	if len(speech) == 0 {
		return Timbre{LoudnessDBFS: audio.SilenceFloorDBFS}
	}
	return Timbre{
		LoudnessDBFS:  audio.DBFS(audio.RMS(speech)),
		Brightness:    audio.HFRatio(speech),
		ZeroCrossings: audio.ZeroCrossingRate(speech),
	}
}

// TonalDistance is the scaled Euclidean distance between two timbres.
func TonalDistance(a, b Timbre) float64 {
	dl := (a.LoudnessDBFS - b.LoudnessDBFS) / loudnessScale
	db := (a.Brightness - b.Brightness) / brightnessScale
	dz := (a.ZeroCrossings - b.ZeroCrossings) / zeroCrossingsScale
	return math.Sqrt(dl*dl + db*db + dz*dz)
}

// WithTonal returns c with its tonal distance to neighbour set.
func WithTonal(c types.Candidate, own, neighbour Timbre) types.Candidate {
	c.Features.TonalDistance = TonalDistance(own, neighbour)
	c.Features.TonalKnown = true
	return c
}
