package rpcfetch

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Gate bounds the number of calls in flight.
type Gate struct {
	sem  *semaphore.Weighted
	size int

	inFlight atomic.Int64
	peak     atomic.Int64
}

// NewGate creates a gate admitting at most n concurrent calls.
func NewGate(n int) (*Gate, error) {
	if n < 1 {
		return nil, fmt.Errorf("%w: gate size must be at least 1, got %d", ErrInvalidConfig, n)
	}
	return &Gate{
		sem:  semaphore.NewWeighted(int64(n)),
		size: n,
	}, nil
}

// Do runs fn once a slot is free. The slot is released when fn returns,
// whatever the outcome. If ctx is done first, fn is not run and ctx.Err()
// is returned.
func (g *Gate) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer g.sem.Release(1)

	n := g.inFlight.Add(1)
	defer g.inFlight.Add(-1)
	for {
		peak := g.peak.Load()
		if n <= peak || g.peak.CompareAndSwap(peak, n) {
			break
		}
	}

	return fn(ctx)
}

// InFlight returns the number of calls currently holding a slot.
func (g *Gate) InFlight() int {
	return int(g.inFlight.Load())
}

// Peak returns the highest InFlight value observed.
func (g *Gate) Peak() int {
	return int(g.peak.Load())
}

// Size returns the gate capacity.
func (g *Gate) Size() int {
	return g.size
}
