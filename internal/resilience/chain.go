package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MrWong99/takewright/pkg/provider/tts"
)

// ErrAllFailed is returned when no provider of a [SynthChain] answered. The
// individual provider errors are joined to it, so errors.Is still sees a
// rate limit or transient failure of any of them.
var ErrAllFailed = errors.New("resilience: all providers failed")

// ChainConfig configures the breaker created for every provider of a
// [SynthChain]. Breaker.Name is set per provider.
type ChainConfig struct {
	Breaker BreakerConfig
}

type link struct {
	name     string
	provider tts.Provider
	breaker  *Breaker
}

// SynthChain implements [tts.Provider] on top of an ordered list of
// providers. A request goes to the first provider whose circuit is not open
// and moves on to the next one when it fails.
//
// The answering provider is named in [tts.Result.Provider], so every
// candidate records which backend produced it.
//
// Providers must be added before the chain is shared between goroutines.
type SynthChain struct {
	cfg   ChainConfig
	links []link
}

// Compile-time interface assertion.
var _ tts.Provider = (*SynthChain)(nil)

// NewSynthChain returns a chain with primary as its first provider.
func NewSynthChain(primary tts.Provider, name string, cfg ChainConfig) *SynthChain {
	c := &SynthChain{cfg: cfg}
	c.Add(name, primary)
	return c
}

// Add appends a fallback provider.
func (c *SynthChain) Add(name string, p tts.Provider) {
	bc := c.cfg.Breaker
	bc.Name = name
	c.links = append(c.links, link{name: name, provider: p, breaker: NewBreaker(bc)})
}

// Len returns the number of providers, primary included.
func (c *SynthChain) Len() int { return len(c.links) }

// States returns the circuit state of every provider by name.
func (c *SynthChain) States() map[string]State {
	out := make(map[string]State, len(c.links))
	for _, l := range c.links {
		out[l.name] = l.breaker.State()
	}
	return out
}

// Synthesize renders text with the first provider that answers.
func (c *SynthChain) Synthesize(ctx context.Context, text string, voice tts.VoiceProfile) (tts.Result, error) {
	return first(ctx, c, func(l link) (tts.Result, error) {
		res, err := l.provider.Synthesize(ctx, text, voice)
		if err == nil && res.Provider == "" {
			res.Provider = l.name
		}
		return res, err
	})
}

// ListVoices lists the voices of the first provider that answers.
func (c *SynthChain) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	return first(ctx, c, func(l link) ([]tts.VoiceProfile, error) {
		return l.provider.ListVoices(ctx)
	})
}

func first[R any](ctx context.Context, c *SynthChain, call func(link) (R, error)) (R, error) {
	var (
		zero R
		errs []error
	)
	for _, l := range c.links {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		var res R
		err := l.breaker.Do(func() error {
			var err error
			res, err = call(l)
			return err
		})
		switch {
		case err == nil:
			return res, nil
		case errors.Is(err, context.Canceled):
			return zero, err
		case errors.Is(err, ErrCircuitOpen):
			slog.Debug("skipping provider with open circuit", "provider", l.name)
		default:
			slog.Warn("provider failed, trying next", "provider", l.name, "err", err)
		}
		errs = append(errs, fmt.Errorf("%s: %w", l.name, err))
	}
	return zero, fmt.Errorf("%w: %w", ErrAllFailed, errors.Join(errs...))
}
