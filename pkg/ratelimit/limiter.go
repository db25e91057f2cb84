// Package ratelimit bounds the outbound request rate to an RPC endpoint.
//
// A Limiter is a token bucket: tokens refill continuously at the configured
// rate up to the burst size, and Acquire waits for one. Callers are served in
// reservation order, so a waiter is never starved by later arrivals.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/time/rate"
)

// ErrInvalidRate is returned by New for a non-positive rate or burst.
var ErrInvalidRate = errors.New("rate limiter: rate and burst must be positive")

// Limiter is a token-bucket rate limiter safe for concurrent use.
type Limiter struct {
	lim   *rate.Limiter
	clock clock.Clock

	throttled atomic.Uint64
	waited    atomic.Int64
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock sets the time source. Tests pass clock.NewMock().
func WithClock(c clock.Clock) Option {
	return func(l *Limiter) {
		l.clock = c
	}
}

// New creates a limiter allowing rps requests per second with the given
// burst capacity. The bucket starts full.
func New(rps float64, burst int, opts ...Option) (*Limiter, error) {
	if rps <= 0 || burst < 1 {
		return nil, fmt.Errorf("%w: rps=%v burst=%d", ErrInvalidRate, rps, burst)
	}
	l := &Limiter{
		lim:   rate.NewLimiter(rate.Limit(rps), burst),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Acquire blocks until a token is available. It only fails when ctx is done
// first, in which case the reserved token is handed back.
func (l *Limiter) Acquire(ctx context.Context) error {
	_, err := l.AcquireWait(ctx)
	return err
}

// AcquireWait is Acquire that also reports how long the caller waited.
func (l *Limiter) AcquireWait(ctx context.Context) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := l.clock.Now()
	r := l.lim.ReserveN(now, 1)
	if !r.OK() {
		// Only possible with burst < 1, which New rejects.
		return 0, ErrInvalidRate
	}

	delay := r.DelayFrom(now)
	if delay <= 0 {
		return 0, nil
	}

	l.throttled.Add(1)
	timer := l.clock.Timer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		l.waited.Add(int64(delay))
		return delay, nil
	case <-ctx.Done():
		r.CancelAt(l.clock.Now())
		return 0, ctx.Err()
	}
}

// Rate returns the configured requests per second.
func (l *Limiter) Rate() float64 {
	return float64(l.lim.Limit())
}

// Burst returns the bucket capacity.
func (l *Limiter) Burst() int {
	return l.lim.Burst()
}

// Throttled returns how many acquisitions had to wait.
func (l *Limiter) Throttled() uint64 {
	return l.throttled.Load()
}

// Waited returns the total time spent waiting for tokens.
func (l *Limiter) Waited() time.Duration {
	return time.Duration(l.waited.Load())
}
