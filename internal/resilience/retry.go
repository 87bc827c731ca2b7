package resilience

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/MrWong99/takewright/pkg/provider/tts"
)

const (
	defaultBaseBackoff = 500 * time.Millisecond
	defaultMaxBackoff  = 30 * time.Second
)

// RetryPolicy controls [Retry].
type RetryPolicy struct {
	// MaxRetries is the number of retries after the first attempt. Zero
	// means a single attempt.
	MaxRetries int

	// BaseBackoff is the delay before the first retry. It doubles per
	// attempt up to MaxBackoff. Defaults to 500ms if zero.
	BaseBackoff time.Duration

	// MaxBackoff caps a single computed delay. Defaults to 30s if zero.
	// A provider's Retry-After may exceed it.
	MaxBackoff time.Duration

	// Retryable decides whether an error is worth another attempt.
	// Defaults to [tts.Retryable].
	Retryable func(error) bool

	// OnRetry, if set, is called before each wait with the 1-based retry
	// number, the delay and the error that caused it.
	OnRetry func(attempt int, delay time.Duration, err error)

	// jitter returns a value in [0, 1). Overridden in tests.
	jitter func() float64
}

// Delay returns the wait before retry number attempt (1-based) after err.
// The exponential delay is jittered to between 50% and 100% of its value;
// a provider-supplied Retry-After is used when it is longer.
func (p RetryPolicy) Delay(attempt int, err error) time.Duration {
	base, ceiling := p.BaseBackoff, p.MaxBackoff
	if base <= 0 {
		base = defaultBaseBackoff
	}
	if ceiling <= 0 {
		ceiling = defaultMaxBackoff
	}
	d := base
	for i := 1; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	d = min(d, ceiling)

	jitter := p.jitter
	if jitter == nil {
		jitter = rand.Float64
	}
	d = d/2 + time.Duration(jitter()*float64(d/2))

	if ra := tts.RetryAfter(err); ra > d {
		d = ra
	}
	return d
}

// Retry calls fn until it succeeds, returns a non-retryable error, the retry
// budget is spent or ctx is done. The last error is returned unchanged.
func Retry[R any](ctx context.Context, p RetryPolicy, fn func(context.Context) (R, error)) (R, error) {
	retryable := p.Retryable
	if retryable == nil {
		retryable = tts.Retryable
	}

	for attempt := 0; ; attempt++ {
		res, err := fn(ctx)
		if err == nil {
			return res, nil
		}
		if ctx.Err() != nil || attempt >= p.MaxRetries || !retryable(err) {
			return res, err
		}

		delay := p.Delay(attempt+1, err)
		if p.OnRetry != nil {
			p.OnRetry(attempt+1, delay, err)
		}
		slog.Debug("retrying after provider failure",
			"attempt", attempt+1,
			"delay", delay,
			"err", err,
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			var zero R
			return zero, ctx.Err()
		case <-t.C:
		}
	}
}
