package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/takewright/pkg/provider/tts"
)

func fixedJitter(v float64) func() float64 { return func() float64 { return v } }

func TestRetryPolicy_Delay(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		attempt int
		jitter  float64
		err     error
		want    time.Duration
	}{
		{name: "first", attempt: 1, jitter: 1, err: tts.ErrTransient, want: 100 * time.Millisecond},
		{name: "second doubles", attempt: 2, jitter: 1, err: tts.ErrTransient, want: 200 * time.Millisecond},
		{name: "capped", attempt: 10, jitter: 1, err: tts.ErrTransient, want: time.Second},
		{name: "zero jitter halves", attempt: 1, jitter: 0, err: tts.ErrTransient, want: 50 * time.Millisecond},
		{
			name:    "retry-after wins",
			attempt: 1,
			jitter:  1,
			err:     &tts.APIError{StatusCode: 429, RetryAfter: 5 * time.Second},
			want:    5 * time.Second,
		},
		{
			name:    "shorter retry-after ignored",
			attempt: 3,
			jitter:  1,
			err:     &tts.APIError{StatusCode: 429, RetryAfter: 10 * time.Millisecond},
			want:    400 * time.Millisecond,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p := RetryPolicy{
				BaseBackoff: 100 * time.Millisecond,
				MaxBackoff:  time.Second,
				jitter:      fixedJitter(tc.jitter),
			}
			if got := p.Delay(tc.attempt, tc.err); got != tc.want {
				t.Errorf("Delay(%d) = %s, want %s", tc.attempt, got, tc.want)
			}
		})
	}
}

func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	t.Parallel()

	errs := []error{tts.ErrRateLimited, tts.ErrTransient, nil}
	calls := 0
	var retries []int
	p := RetryPolicy{
		MaxRetries:  4,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  time.Millisecond,
		OnRetry:     func(attempt int, _ time.Duration, _ error) { retries = append(retries, attempt) },
	}

	got, err := Retry(context.Background(), p, func(context.Context) (string, error) {
		err := errs[calls]
		calls++
		if err != nil {
			return "", err
		}
		return "take", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "take" || calls != 3 {
		t.Fatalf("got %q after %d calls, want take after 3", got, calls)
	}
	if len(retries) != 2 || retries[0] != 1 || retries[1] != 2 {
		t.Fatalf("retries = %v, want [1 2]", retries)
	}
}

func TestRetry_StopsOnPermanentError(t *testing.T) {
	t.Parallel()

	permanent := &tts.APIError{Provider: "x", StatusCode: 400}
	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxRetries: 5, BaseBackoff: time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			return 0, permanent
		})
	if !errors.Is(err, permanent) || calls != 1 {
		t.Fatalf("err = %v after %d calls, want permanent error after 1", err, calls)
	}
}

func TestRetry_ExhaustsBudget(t *testing.T) {
	t.Parallel()

	calls := 0
	_, err := Retry(context.Background(), RetryPolicy{MaxRetries: 2, BaseBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
		func(context.Context) (int, error) {
			calls++
			return 0, tts.ErrTransient
		})
	if !errors.Is(err, tts.ErrTransient) || calls != 3 {
		t.Fatalf("err = %v after %d calls, want ErrTransient after 3", err, calls)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Retry(ctx, RetryPolicy{MaxRetries: 3, BaseBackoff: time.Hour, MaxBackoff: time.Hour},
		func(context.Context) (int, error) {
			calls++
			cancel()
			return 0, tts.ErrRateLimited
		})
	if calls != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
	if !errors.Is(err, tts.ErrRateLimited) && !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}
