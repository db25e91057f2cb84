package rpcfetch

import (
	"context"
	"errors"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Class is the outcome of one attempt.
type Class int

// Attempt outcomes.
const (
	ClassSuccess Class = iota
	ClassRetryable
	ClassFatal
)

// String returns the class name, used as a metric label.
func (c Class) String() string {
	switch c {
	case ClassSuccess:
		return "success"
	case ClassRetryable:
		return "retryable"
	default:
		return "fatal"
	}
}

// JSON-RPC error codes some providers use to signal throttling.
const (
	rpcCodeTooManyRequests     = 429
	rpcCodeProviderRateLimited = -32429
)

// Classify maps the error of a single attempt to its outcome. It is pure:
// the same error always yields the same class.
//
// Retryable: network I/O errors, attempt timeouts, HTTP 5xx, HTTP 429 and
// JSON-RPC rate-limit codes. Fatal: cancellation, other HTTP 4xx, malformed
// bodies and any other JSON-RPC error.
func Classify(err error) Class {
	if err == nil {
		return ClassSuccess
	}

	if errors.Is(err, context.Canceled) ||
		errors.Is(err, ErrNoEndpoints) ||
		errors.Is(err, ErrClosed) {
		return ClassFatal
	}

	if isRateLimited(err) {
		return ClassRetryable
	}

	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return ClassFatal
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.StatusCode >= http.StatusInternalServerError {
			return ClassRetryable
		}
		return ClassFatal
	}

	if errors.Is(err, ErrMalformedData) {
		return ClassFatal
	}

	// Timeouts and every other transport-level failure.
	return ClassRetryable
}

// isRateLimited reports whether the endpoint asked us to slow down.
func isRateLimited(err error) bool {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == http.StatusTooManyRequests {
		return true
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code == rpcCodeTooManyRequests || rpcErr.Code == rpcCodeProviderRateLimited
	}
	return false
}

// isTimeout reports whether err is an attempt or overall deadline.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// kindOf maps a failed attempt to its terminal error kind.
func kindOf(err error) error {
	switch {
	case isRateLimited(err):
		return ErrRateLimitExhausted
	case isTimeout(err):
		return ErrTimeout
	case errors.Is(err, ErrRemote):
		return ErrRemote
	case errors.Is(err, ErrMalformedData):
		return ErrMalformedData
	default:
		return ErrTransportFailure
	}
}

// backoffDelay returns base doubled per completed attempt, capped at max.
// attempt is 1 for the delay after the first failure.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay <= 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

// equalJitter keeps half of d and randomizes the other half.
func equalJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(d-half)+1))
}

// retryAfter extracts a server-requested delay from err.
func retryAfter(err error) time.Duration {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.RetryAfter
	}
	return 0
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}
