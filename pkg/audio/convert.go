package audio

// Int16ToBytes converts int16 samples to little-endian bytes.
func Int16ToBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// BytesToInt16 converts little-endian bytes to int16 samples. A trailing odd
// byte is ignored.
func BytesToInt16(b []byte) []int16 {
	samples := make([]int16, len(b)/2)
	for i := range samples {
		samples[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return samples
}

// Downmix averages interleaved frames of the given channel count into mono.
// Uses int32 arithmetic so that the sum cannot overflow.
func Downmix(interleaved []int16, channels int) []int16 {
	if channels <= 1 {
		return interleaved
	}
	frames := len(interleaved) / channels
	out := make([]int16, frames)
	for i := range frames {
		var sum int32
		for ch := range channels {
			sum += int32(interleaved[i*channels+ch])
		}
		out[i] = clamp16(sum / int32(channels))
	}
	return out
}

// Resample converts mono samples from srcRate to dstRate using linear
// interpolation. When the rates match the input is returned unchanged.
func Resample(samples []int16, srcRate, dstRate int) []int16 {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(samples) == 0 {
		return samples
	}
	n := int(int64(len(samples)) * int64(dstRate) / int64(srcRate))
	if n == 0 {
		return nil
	}

	out := make([]int16, n)
	ratio := float64(srcRate) / float64(dstRate)
	last := len(samples) - 1
	for i := range n {
		pos := float64(i) * ratio
		idx := int(pos)
		if idx > last {
			idx = last
		}
		frac := pos - float64(idx)
		s0 := float64(samples[idx])
		s1 := s0
		if idx < last {
			s1 = float64(samples[idx+1])
		}
		out[i] = int16(s0*(1-frac) + s1*frac)
	}
	return out
}

// ResampleClip returns c converted to rate. The original clip is not modified.
func ResampleClip(c Clip, rate int) Clip {
	return Clip{Samples: Resample(c.Samples, c.SampleRate, rate), SampleRate: rate}
}

// Gain multiplies every sample by factor in place, clamping to the int16
// range.
func Gain(samples []int16, factor float64) {
	for i, s := range samples {
		samples[i] = clampFloat(float64(s) * factor)
	}
}

// Mix adds src into dst starting at offset, scaled by gain, clamping to the
// int16 range. Samples of src that fall beyond dst are dropped.
func Mix(dst []int16, src []int16, offset int, gain float64) {
	for i, s := range src {
		j := offset + i
		if j < 0 {
			continue
		}
		if j >= len(dst) {
			return
		}
		dst[j] = clampFloat(float64(dst[j]) + float64(s)*gain)
	}
}

func clamp16(v int32) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}

func clampFloat(v float64) int16 {
	if v > 32767 {
		return 32767
	}
	if v < -32768 {
		return -32768
	}
	return int16(v)
}
