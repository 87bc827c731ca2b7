package audio_test

import (
	"math"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
)

// tone returns a sine wave of the given frequency and amplitude (0..1).
func tone(rate int, d time.Duration, freq, amp float64) []int16 {
	n := audio.SamplesFor(d, rate)
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(amp * 32767 * math.Sin(2*math.Pi*freq*float64(i)/float64(rate)))
	}
	return out
}

func noise(n int, amp float64, seed uint64) []int16 {
	r := rand.New(rand.NewPCG(seed, seed))
	out := make([]int16, n)
	for i := range out {
		out[i] = int16((r.Float64()*2 - 1) * amp * 32767)
	}
	return out
}

func TestRMSAndDBFS(t *testing.T) {
	t.Parallel()

	s := tone(48000, time.Second, 440, 1)
	rms := audio.RMS(s)
	if math.Abs(rms-1/math.Sqrt2) > 0.01 {
		t.Errorf("RMS = %f, want ~0.707", rms)
	}
	if db := audio.DBFS(rms); math.Abs(db+3.01) > 0.1 {
		t.Errorf("DBFS = %f, want ~-3.01", db)
	}
	if db := audio.DBFS(0); db != audio.SilenceFloorDBFS {
		t.Errorf("DBFS(0) = %f, want floor", db)
	}
	if got := audio.FromDBFS(-6.0206); math.Abs(got-0.5) > 0.001 {
		t.Errorf("FromDBFS(-6) = %f, want 0.5", got)
	}
}

func TestHFRatio(t *testing.T) {
	t.Parallel()

	low := audio.HFRatio(tone(48000, 200*time.Millisecond, 200, 0.5))
	white := audio.HFRatio(noise(9600, 0.5, 1))
	if low > 0.01 {
		t.Errorf("low tone HFRatio = %f, want < 0.01", low)
	}
	if white < 0.8 {
		t.Errorf("white noise HFRatio = %f, want > 0.8", white)
	}
	if audio.HFRatio(make([]int16, 100)) != 0 {
		t.Error("silence HFRatio should be 0")
	}
}

func TestSilenceDetection(t *testing.T) {
	t.Parallel()

	const rate = 16000
	var s []int16
	s = append(s, make([]int16, audio.SamplesFor(300*time.Millisecond, rate))...)
	s = append(s, tone(rate, 500*time.Millisecond, 300, 0.5)...)
	s = append(s, make([]int16, audio.SamplesFor(400*time.Millisecond, rate))...)
	s = append(s, tone(rate, 200*time.Millisecond, 300, 0.5)...)
	c := audio.Clip{Samples: s, SampleRate: rate}

	if got := audio.LeadingSilence(c, -60); got != 300*time.Millisecond {
		t.Errorf("LeadingSilence = %v, want 300ms", got)
	}
	if got := audio.TrailingSilence(c, -60); got != 0 {
		t.Errorf("TrailingSilence = %v, want 0", got)
	}

	regions := audio.SilentRegions(c, -60, 250*time.Millisecond)
	if len(regions) != 2 {
		t.Fatalf("regions = %v, want 2", regions)
	}
	if regions[1].Start != 800*time.Millisecond || regions[1].Len() != 400*time.Millisecond {
		t.Errorf("second region = %+v, want start 800ms len 400ms", regions[1])
	}

	tail := audio.Clip{Samples: append(tone(rate, 100*time.Millisecond, 300, 0.5), make([]int16, rate/2)...), SampleRate: rate}
	if got := audio.TrailingSilence(tail, -60); got != 500*time.Millisecond {
		t.Errorf("TrailingSilence = %v, want 500ms", got)
	}
}

func TestAutocorrelation(t *testing.T) {
	t.Parallel()

	xs := make([]float64, 200)
	for i := range xs {
		if (i/10)%2 == 0 {
			xs[i] = 1
		}
	}
	if r := audio.Autocorrelation(xs, 20); r < 0.8 {
		t.Errorf("period lag autocorrelation = %f, want > 0.8", r)
	}
	if r := audio.Autocorrelation(xs, 10); r > -0.8 {
		t.Errorf("half period autocorrelation = %f, want < -0.8", r)
	}
	if r := audio.Autocorrelation(make([]float64, 10), 2); r != 0 {
		t.Errorf("constant input = %f, want 0", r)
	}
}

func TestPeakAndMaxStep(t *testing.T) {
	t.Parallel()

	s := []int16{0, 16384, -16384, 0}
	if p := audio.Peak(s); p != 0.5 {
		t.Errorf("Peak = %f, want 0.5", p)
	}
	if st := audio.MaxStep(s); st != 1 {
		t.Errorf("MaxStep = %f, want 1", st)
	}
}
