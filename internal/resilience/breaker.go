// Package resilience keeps candidate generation going when synthesis
// providers misbehave.
//
// [Retry] repeats a synthesis call with jittered exponential backoff while
// the provider reports a retryable failure. [Breaker] stops sending requests
// to a provider that keeps failing and probes it again after a cool-down.
// [SynthChain] puts a breaker in front of every configured provider and
// fails over from the primary to the fallbacks in order.
//
// All types are safe for concurrent use.
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/takewright/pkg/provider/tts"
)

// ErrCircuitOpen is returned when a breaker refuses a call.
var ErrCircuitOpen = errors.New("resilience: circuit open")

// State is the operating mode of a [Breaker].
type State int

const (
	// StateClosed forwards every call.
	StateClosed State = iota

	// StateOpen refuses calls until the reset timeout has passed.
	StateOpen

	// StateHalfOpen lets one probe call through at a time.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a [Breaker]. Zero values select the defaults.
type BreakerConfig struct {
	// Name labels log lines and state change callbacks.
	Name string

	// MaxFailures is the number of consecutive counted failures that open
	// the circuit. Default 5.
	MaxFailures int

	// ResetTimeout is how long the circuit stays open. Default 30s.
	ResetTimeout time.Duration

	// Probes is the number of successful half-open calls that close the
	// circuit again. Default 2.
	Probes int

	// Counts decides whether an error counts against the provider.
	// Defaults to [ProviderFault].
	Counts func(error) bool

	// OnStateChange is called after every transition, outside the lock.
	OnStateChange func(name string, from, to State)
}

// Breaker is a three-state circuit breaker.
type Breaker struct {
	cfg BreakerConfig
	now func() time.Time

	mu        sync.Mutex
	state     State
	failures  int
	openedAt  time.Time
	probing   bool
	successes int
}

// NewBreaker returns a closed breaker.
func NewBreaker(cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 5
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = 30 * time.Second
	}
	if cfg.Probes <= 0 {
		cfg.Probes = 2
	}
	if cfg.Counts == nil {
		cfg.Counts = ProviderFault
	}
	return &Breaker{cfg: cfg, now: time.Now}
}

// ProviderFault reports whether err says something about the health of the
// provider rather than about the request. Rate limits, server errors,
// network failures and rejected credentials count; a request the provider
// refused on its merits and caller cancellation do not.
func ProviderFault(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if tts.Retryable(err) {
		return true
	}
	var apiErr *tts.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusUnauthorized || apiErr.StatusCode == http.StatusForbidden
	}
	return true
}

// Do runs fn unless the circuit is open.
func (b *Breaker) Do(fn func() error) error {
	probe, err := b.allow()
	if err != nil {
		return err
	}
	err = fn()
	b.report(probe, err)
	return err
}

// allow admits a call. probe is set for the single half-open call.
func (b *Breaker) allow() (probe bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if b.state == StateOpen {
		if b.now().Sub(b.openedAt) < b.cfg.ResetTimeout {
			return false, ErrCircuitOpen
		}
		changed = b.setLocked(StateHalfOpen)
	}
	if b.state == StateHalfOpen {
		if b.probing {
			return false, ErrCircuitOpen
		}
		b.probing = true
		return true, nil
	}
	return false, nil
}

func (b *Breaker) report(probe bool, err error) {
	b.mu.Lock()
	var changed func()
	defer func() {
		b.mu.Unlock()
		if changed != nil {
			changed()
		}
	}()

	if probe {
		b.probing = false
	}
	counted := err != nil && b.cfg.Counts(err)
	switch {
	case probe && counted:
		changed = b.setLocked(StateOpen)
	case probe && err == nil:
		b.successes++
		if b.successes >= b.cfg.Probes {
			changed = b.setLocked(StateClosed)
		}
	case counted:
		b.failures++
		if b.state == StateClosed && b.failures >= b.cfg.MaxFailures {
			changed = b.setLocked(StateOpen)
		}
	case err == nil && b.state == StateClosed:
		b.failures = 0
	}
}

// setLocked moves to state and returns the notification to run after the
// lock is released. b.mu must be held.
func (b *Breaker) setLocked(to State) func() {
	from := b.state
	b.state = to
	b.failures, b.successes = 0, 0
	if to == StateOpen {
		b.openedAt = b.now()
	}
	if from == to {
		return nil
	}
	name, cb := b.cfg.Name, b.cfg.OnStateChange
	return func() {
		if to == StateOpen {
			slog.Warn("provider circuit opened", "provider", name, "from", from.String(), "retry_in", b.cfg.ResetTimeout)
		} else {
			slog.Info("provider circuit state changed", "provider", name, "from", from.String(), "to", to.String())
		}
		if cb != nil {
			cb(name, from, to)
		}
	}
}

// State returns the current state. An open circuit whose timeout has
// passed reports half-open; the transition happens with the next call.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.ResetTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Reset closes the circuit.
func (b *Breaker) Reset() {
	b.mu.Lock()
	changed := b.setLocked(StateClosed)
	b.probing = false
	b.mu.Unlock()
	if changed != nil {
		changed()
	}
}
