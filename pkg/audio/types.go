// Package audio holds the mono PCM clip type and the signal helpers the
// pipeline is built on: WAV coding, resampling, gain, mixing, level and
// silence analysis.
package audio

import (
	"time"
)

// Clip is a finite block of mono 16-bit PCM audio.
//
// Samples are held decoded as int16 so that analysis and mixing code can work
// on them directly; use [Clip.Bytes] for the little-endian wire form.
type Clip struct {
	// Samples are mono int16 PCM samples.
	Samples []int16

	// SampleRate in Hz (e.g., 24000 for OpenAI speech, 48000 for assembly).
	SampleRate int
}

// Format describes the sample rate and channel count of raw PCM.
type Format struct {
	SampleRate int
	Channels   int
}

// Duration returns the playback length of the clip.
func (c Clip) Duration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(c.Samples)) * time.Second / time.Duration(c.SampleRate)
}

// Bytes returns the samples as little-endian int16 PCM.
func (c Clip) Bytes() []byte {
	return Int16ToBytes(c.Samples)
}

// Slice returns the sub-clip between from and to, clamped to the clip bounds.
// The returned clip shares the underlying sample array.
func (c Clip) Slice(from, to time.Duration) Clip {
	lo := c.SampleIndex(from)
	hi := c.SampleIndex(to)
	if hi < lo {
		hi = lo
	}
	return Clip{Samples: c.Samples[lo:hi], SampleRate: c.SampleRate}
}

// SampleIndex converts a time offset into a sample index clamped to
// [0, len(Samples)].
func (c Clip) SampleIndex(d time.Duration) int {
	i := int(int64(d) * int64(c.SampleRate) / int64(time.Second))
	if i < 0 {
		return 0
	}
	if i > len(c.Samples) {
		return len(c.Samples)
	}
	return i
}

// SamplesFor returns the number of samples that d spans at rate.
func SamplesFor(d time.Duration, rate int) int {
	return int(int64(d) * int64(rate) / int64(time.Second))
}

// ClipFromPCM decodes little-endian int16 PCM with the given format into a
// mono clip, downmixing multi-channel input.
func ClipFromPCM(pcm []byte, f Format) Clip {
	samples := BytesToInt16(pcm)
	if f.Channels > 1 {
		samples = Downmix(samples, f.Channels)
	}
	return Clip{Samples: samples, SampleRate: f.SampleRate}
}
