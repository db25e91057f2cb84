package rpcfetch

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Endpoint is a snapshot of an RPC endpoint's health.
type Endpoint struct {
	URL         string
	Healthy     bool
	Failures    int
	LastError   error
	LastSuccess time.Time
	Latency     time.Duration
}

// Pool hands out endpoints and tracks their health.
type Pool interface {
	// GetEndpoint returns the endpoint for the next attempt.
	GetEndpoint(ctx context.Context) (Endpoint, error)

	// MarkUnhealthy records a transport failure.
	MarkUnhealthy(url string, err error)

	// MarkHealthy records a successful attempt.
	MarkHealthy(url string, latency time.Duration)

	// GetHealthyCount returns the number of currently healthy endpoints.
	GetHealthyCount() int

	// Close releases any resources held by the pool.
	Close() error
}

// SimplePool rotates round-robin over healthy endpoints. When every endpoint
// is unhealthy it returns the one with the fewest consecutive failures, so a
// recovered endpoint is found again.
type SimplePool struct {
	endpoints []*Endpoint
	clock     clock.Clock
	mu        sync.RWMutex
	idx       int
}

// PoolOption configures a SimplePool.
type PoolOption func(*SimplePool)

// WithPoolClock sets the clock used to stamp successes.
func WithPoolClock(c clock.Clock) PoolOption {
	return func(p *SimplePool) { p.clock = c }
}

// NewSimplePool creates a new SimplePool with the given endpoints.
func NewSimplePool(urls []string, opts ...PoolOption) *SimplePool {
	endpoints := make([]*Endpoint, len(urls))
	for i, url := range urls {
		endpoints[i] = &Endpoint{
			URL:     url,
			Healthy: true,
		}
	}
	p := &SimplePool{
		endpoints: endpoints,
		clock:     clock.New(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetEndpoint returns the next healthy endpoint using round-robin.
func (p *SimplePool) GetEndpoint(ctx context.Context) (Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return Endpoint{}, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.endpoints) == 0 {
		return Endpoint{}, ErrNoEndpoints
	}

	for i := 0; i < len(p.endpoints); i++ {
		idx := (p.idx + i) % len(p.endpoints)
		ep := p.endpoints[idx]
		if ep.Healthy {
			p.idx = (idx + 1) % len(p.endpoints)
			return *ep, nil
		}
	}

	best := p.endpoints[0]
	for _, ep := range p.endpoints[1:] {
		if ep.Failures < best.Failures {
			best = ep
		}
	}
	return *best, nil
}

// MarkUnhealthy marks an endpoint as unhealthy.
func (p *SimplePool) MarkUnhealthy(url string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep := p.find(url); ep != nil {
		ep.Healthy = false
		ep.Failures++
		ep.LastError = err
	}
}

// MarkHealthy marks an endpoint as healthy.
func (p *SimplePool) MarkHealthy(url string, latency time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ep := p.find(url); ep != nil {
		ep.Healthy = true
		ep.Failures = 0
		ep.LastSuccess = p.clock.Now()
		ep.Latency = latency
		ep.LastError = nil
	}
}

func (p *SimplePool) find(url string) *Endpoint {
	for _, ep := range p.endpoints {
		if ep.URL == url {
			return ep
		}
	}
	return nil
}

// GetHealthyCount returns the number of healthy endpoints.
func (p *SimplePool) GetHealthyCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	count := 0
	for _, ep := range p.endpoints {
		if ep.Healthy {
			count++
		}
	}
	return count
}

// Endpoints returns a copy of every endpoint's state.
func (p *SimplePool) Endpoints() []Endpoint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]Endpoint, len(p.endpoints))
	for i, ep := range p.endpoints {
		out[i] = *ep
	}
	return out
}

// Close is a no-op for SimplePool.
func (p *SimplePool) Close() error {
	return nil
}
