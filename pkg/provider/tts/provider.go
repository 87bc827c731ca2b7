// Package tts defines the Provider interface for text-to-speech backends.
//
// A provider wraps an external synthesis service and presents it as an
// opaque one-shot function: text and a voice go in, a finite audio clip comes
// out. Output is non-deterministic; two calls with identical input usually
// yield different audio, which is what the candidate pool relies on.
//
// Implementations must be safe for concurrent use and must classify failures
// with [ErrRateLimited] and [ErrTransient] so that callers can decide whether
// a retry is safe.
package tts

import (
	"context"

	"github.com/MrWong99/takewright/pkg/audio"
)

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize renders text with the given voice and returns the complete
	// audio. The returned clip must be non-empty on success; providers return
	// an error instead of silence.
	//
	// Retrying a failed call must be safe: synthesis has no side effects on
	// the provider beyond usage accounting.
	Synthesize(ctx context.Context, text string, voice VoiceProfile) (Result, error)

	// ListVoices returns the voices available from this provider.
	ListVoices(ctx context.Context) ([]VoiceProfile, error)
}

// Result is the outcome of one successful synthesis call.
type Result struct {
	// Audio is the synthesized speech as mono PCM.
	Audio audio.Clip

	// Provider names the backend that produced the audio. Set by
	// fallback wrappers to the provider that actually answered.
	Provider string
}
