// Package mock provides a test double for the tts.Provider interface.
//
// Provider returns a configurable clip (or a generated tone) and records every
// call. Per-call errors let tests script retry sequences:
//
//	p := &mock.Provider{
//	    Errs: []error{tts.ErrRateLimited, nil},
//	}
//	res, err := p.Synthesize(ctx, "hello", voice) // rate limited
//	res, err = p.Synthesize(ctx, "hello", voice)  // succeeds
package mock

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/MrWong99/takewright/pkg/audio"
	"github.com/MrWong99/takewright/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the text passed to Synthesize.
	Text string
	// Voice is the VoiceProfile passed to Synthesize.
	Voice tts.VoiceProfile
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Name is reported in Result.Provider. Default: "mock".
	Name string

	// Clip, if non-empty, is returned by every successful Synthesize call.
	// Otherwise a 220 Hz tone lasting SecondsPerChar per character is
	// generated at 24 kHz.
	Clip audio.Clip

	// SecondsPerChar controls the generated tone length. Default: 0.06.
	SecondsPerChar float64

	// Err, if non-nil, is returned by every call once Errs is exhausted.
	Err error

	// Errs is consumed one entry per call; a nil entry means success.
	Errs []error

	// Delay is waited before answering, honouring ctx cancellation.
	Delay time.Duration

	// SynthesizeFunc, if set, replaces the built-in behaviour. call is the
	// 0-based call number.
	SynthesizeFunc func(ctx context.Context, text string, voice tts.VoiceProfile, call int) (tts.Result, error)

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeCalls records every call to Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ListVoicesCalls counts calls to ListVoices.
	ListVoicesCalls int
}

// Synthesize records the call and returns the scripted result.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Result, error) {
	p.mu.Lock()
	call := len(p.SynthesizeCalls)
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Text: text, Voice: voice})
	fn := p.SynthesizeFunc
	var err error
	if len(p.Errs) > 0 {
		err = p.Errs[0]
		p.Errs = p.Errs[1:]
	} else {
		err = p.Err
	}
	clip := p.Clip
	spc := p.SecondsPerChar
	name := p.Name
	delay := p.Delay
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return tts.Result{}, ctx.Err()
		}
	}
	if fn != nil {
		return fn(ctx, text, voice, call)
	}
	if err != nil {
		return tts.Result{}, err
	}
	if name == "" {
		name = "mock"
	}
	if len(clip.Samples) == 0 {
		clip = Tone(text, spc)
	}
	return tts.Result{Audio: clip, Provider: name}, nil
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(_ context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls++
	return p.ListVoicesResult, p.ListVoicesErr
}

// Calls returns a copy of the recorded Synthesize calls. Thread-safe.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]SynthesizeCall(nil), p.SynthesizeCalls...)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ListVoicesCalls = 0
}

// Tone generates a 24 kHz 220 Hz tone whose length is proportional to the
// rune count of text.
func Tone(text string, secondsPerChar float64) audio.Clip {
	const rate = 24000
	if secondsPerChar <= 0 {
		secondsPerChar = 0.06
	}
	n := int(float64(len([]rune(text))) * secondsPerChar * rate)
	samples := make([]int16, max(n, rate/10))
	for i := range samples {
		samples[i] = int16(6000 * math.Sin(2*math.Pi*220*float64(i)/rate))
	}
	return audio.Clip{Samples: samples, SampleRate: rate}
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
