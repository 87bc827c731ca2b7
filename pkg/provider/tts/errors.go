package tts

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

var (
	// ErrRateLimited reports that the provider refused the request because of
	// a rate or concurrency limit (HTTP 429 or equivalent). Safe to retry.
	ErrRateLimited = errors.New("tts: rate limited")

	// ErrTransient reports a temporary provider or network failure. Safe to
	// retry.
	ErrTransient = errors.New("tts: transient failure")
)

// APIError describes a non-success response from a provider.
type APIError struct {
	// Provider is the backend name, e.g. "elevenlabs".
	Provider string

	// StatusCode is the HTTP (or HTTP-equivalent) status.
	StatusCode int

	// Message is the provider's error text, truncated.
	Message string

	// RetryAfter is the server's requested delay, if it sent one.
	RetryAfter time.Duration
}

// Error implements error.
func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: status %d", e.Provider, e.StatusCode)
	}
	return fmt.Sprintf("%s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Unwrap maps the status code onto [ErrRateLimited] or [ErrTransient] so that
// errors.Is works on wrapped API errors. Permanent failures unwrap to nil.
func (e *APIError) Unwrap() error {
	switch {
	case e.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case e.StatusCode == http.StatusRequestTimeout, e.StatusCode >= 500:
		return ErrTransient
	default:
		return nil
	}
}

// NewAPIError builds an [APIError] from an HTTP response status, body and
// headers. The body is truncated to 256 bytes.
func NewAPIError(provider string, status int, body []byte, header http.Header) *APIError {
	msg := string(body)
	if len(msg) > 256 {
		msg = msg[:256]
	}
	e := &APIError{Provider: provider, StatusCode: status, Message: msg}
	if header != nil {
		if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
		}
	}
	return e
}

// Retryable reports whether err is safe and useful to retry.
func Retryable(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransient)
}

// RetryAfter returns the delay requested by the provider, or zero.
func RetryAfter(err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.RetryAfter
	}
	return 0
}
