package client

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/quoteline/orderbook-client/pkg/breaker"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during
	// a retry backoff.
	ErrContextCancelled = errors.New("context cancelled")
)

// FetchError is the generic fetch failure: an unexpected status or an
// uninterpretable response, with a truncated body snippet for diagnosis.
type FetchError struct {
	StatusCode int
	URL        string
	Snippet    string
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Snippet != "" {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Snippet)
	}
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// CircuitOpenError is returned without any transport attempt while the
// breaker rejects calls. It carries the latest metrics so callers can
// degrade gracefully, e.g. serve the last good snapshot with a 503.
type CircuitOpenError struct {
	Breaker breaker.Status
	Metrics Metrics
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	if e.Breaker.RetryAfter > 0 {
		return fmt.Sprintf("circuit open: %s (retry in %v)", e.Breaker.OpenedReason, e.Breaker.RetryAfter)
	}
	return fmt.Sprintf("circuit open: %s", e.Breaker.OpenedReason)
}

// Unwrap lets errors.Is(err, breaker.ErrOpen) hold.
func (e *CircuitOpenError) Unwrap() error {
	return breaker.ErrOpen
}

// isRetryableStatus reports whether a response status is transient backend
// instability: 5xx and 429. Other 4xx are client errors, returned normally
// and never retried.
func isRetryableStatus(status int) bool {
	return status >= 500 || status == http.StatusTooManyRequests
}

// errorClass buckets a failed attempt for logs and metrics.
func errorClass(status int, err error) string {
	switch {
	case err != nil:
		return "network"
	case status == http.StatusTooManyRequests:
		return "rate_limit"
	case status >= 500:
		return "server"
	case status >= 400:
		return "client"
	default:
		return ""
	}
}
