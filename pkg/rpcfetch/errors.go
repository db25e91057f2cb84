package rpcfetch

import (
	"errors"
	"fmt"
	"time"

	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

// Package errors.
var (
	// ErrNoEndpoints is returned when no RPC endpoints are configured.
	ErrNoEndpoints = errors.New("no RPC endpoints available")

	// ErrClosed is returned when operating on a closed fetcher.
	ErrClosed = errors.New("fetcher is closed")

	// ErrInvalidConfig is returned when a Config fails validation.
	ErrInvalidConfig = errors.New("invalid fetcher config")

	// ErrInvalidRequest is returned for a malformed fetch request, such as
	// an inverted slot range or an unparsable validator identity.
	ErrInvalidRequest = errors.New("invalid fetch request")

	// ErrValidatorNotFound is returned by FetchValidator when the identity
	// had no leader slots in the range.
	ErrValidatorNotFound = errors.New("validator not found in block production")
)

// Terminal error kinds. A failed call's *FetchError carries exactly one of
// these as its Kind. errors.Is also sees the cause, so a call that ran out of
// attempts on a JSON-RPC rate-limit code matches both ErrRateLimitExhausted
// and ErrRemote. Read FetchError.Kind when a single answer is needed.
var (
	// ErrTransportFailure covers connection-level and HTTP failures.
	ErrTransportFailure = errors.New("transport failure")

	// ErrRemote is matched by every *RPCError.
	ErrRemote = errors.New("remote RPC error")

	// ErrTimeout is returned when an attempt or the whole fetch ran out of
	// time.
	ErrTimeout = errors.New("timeout exceeded")

	// ErrRateLimitExhausted is returned when attempts ran out while the
	// endpoint kept rate limiting.
	ErrRateLimitExhausted = errors.New("rate limit exhausted")

	// ErrMalformedData is returned when the response violates the expected
	// schema or fails normalization.
	ErrMalformedData = skiprate.ErrMalformedData
)

// RPCError represents a JSON-RPC error response.
type RPCError struct {
	Code    int
	Message string
	Data    []byte
}

// Error implements the error interface.
func (e *RPCError) Error() string {
	return fmt.Sprintf("RPC error %d: %s", e.Code, e.Message)
}

// Is matches ErrRemote.
func (e *RPCError) Is(target error) bool {
	return target == ErrRemote
}

// HTTPError is a non-200 HTTP response.
type HTTPError struct {
	StatusCode int
	Body       string

	// RetryAfter is the parsed Retry-After header, zero when absent.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d", e.StatusCode)
	}
	return fmt.Sprintf("http status %d: %s", e.StatusCode, e.Body)
}

// MalformedError describes a response that could not be decoded. Fragment
// holds the offending raw bytes, truncated.
type MalformedError struct {
	Reason   string
	Fragment string
}

// Error implements the error interface.
func (e *MalformedError) Error() string {
	if e.Fragment == "" {
		return fmt.Sprintf("%v: %s", ErrMalformedData, e.Reason)
	}
	return fmt.Sprintf("%v: %s: %s", ErrMalformedData, e.Reason, e.Fragment)
}

// Unwrap returns ErrMalformedData.
func (e *MalformedError) Unwrap() error {
	return ErrMalformedData
}

const maxFragment = 256

func malformed(reason string, raw []byte) *MalformedError {
	return &MalformedError{Reason: reason, Fragment: truncate(raw, maxFragment)}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

// FetchError is the terminal error of a call. It matches its Kind and the
// underlying cause with errors.Is and errors.As.
type FetchError struct {
	Kind     error
	Method   string
	Attempts int
	Err      error
}

// Error implements the error interface.
func (e *FetchError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v after %d attempts", e.Method, e.Kind, e.Attempts)
	}
	return fmt.Sprintf("%s: %v after %d attempts: %v", e.Method, e.Kind, e.Attempts, e.Err)
}

// Unwrap exposes both the kind and the cause.
func (e *FetchError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsRetryable returns true if the error is likely transient and worth retrying.
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
