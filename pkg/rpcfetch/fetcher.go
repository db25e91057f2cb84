package rpcfetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/stratus-skiprate/internal/types"
	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

const (
	methodGetBlockProduction = "getBlockProduction"
	methodGetHealth          = "getHealth"
)

// Fetcher retrieves block production and turns it into analytics
// snapshots. Each Fetcher owns its limiter, gate and client; independent
// Fetchers share nothing.
type Fetcher struct {
	cfg     Config
	client  *RPCClient
	gate    *Gate
	clock   clock.Clock
	log     logrus.FieldLogger
	metrics *Metrics
	http    *http.Client

	closed atomic.Bool
}

// NewFetcher creates a fetcher for cfg. The config is validated and
// ErrInvalidConfig returned on failure.
func NewFetcher(cfg Config, opts ...Option) (*Fetcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)

	client, err := newRPCClient(cfg, o)
	if err != nil {
		return nil, err
	}
	gate, err := NewGate(cfg.MaxConcurrentRequests)
	if err != nil {
		return nil, err
	}

	return &Fetcher{
		cfg:     cfg,
		client:  client,
		gate:    gate,
		clock:   o.clock,
		log:     o.logger,
		metrics: o.metrics,
		http:    o.httpClient,
	}, nil
}

// Request selects what Fetch retrieves.
type Request struct {
	// Range restricts the observation window. Nil uses the node's default,
	// the current epoch up to the latest slot.
	Range *skiprate.SlotRange

	// Identities restricts the result to these validators, one call each.
	Identities []string

	// Commitment overrides Config.Commitment.
	Commitment string

	// Previous is the prior snapshot's statistics, used for metric-card
	// trends.
	Previous *skiprate.NetworkStatistics
}

// DebugSnapshot is a snapshot plus a record of every RPC call behind it.
type DebugSnapshot struct {
	Snapshot *skiprate.Snapshot `json:"snapshot"`
	Calls    []CallRecord       `json:"calls"`
	Duration time.Duration      `json:"duration"`
	Stats    FetcherStats       `json:"stats"`
}

// FetcherStats reports transport counters.
type FetcherStats struct {
	Throttled        uint64        `json:"throttled"`
	RateLimitWaited  time.Duration `json:"rate_limit_waited"`
	InFlight         int           `json:"in_flight"`
	PeakInFlight     int           `json:"peak_in_flight"`
	HealthyEndpoints int           `json:"healthy_endpoints"`
}

// Fetch retrieves block production for req and returns the analytics
// snapshot. If any call fails the whole fetch fails; partial data is never
// returned.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*skiprate.Snapshot, error) {
	snap, _, err := f.fetch(ctx, req)
	return snap, err
}

// FetchDebug is Fetch that also returns the per-call records.
func (f *Fetcher) FetchDebug(ctx context.Context, req Request) (*DebugSnapshot, error) {
	start := f.clock.Now()
	snap, calls, err := f.fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	return &DebugSnapshot{
		Snapshot: snap,
		Calls:    calls,
		Duration: f.clock.Since(start),
		Stats:    f.Stats(),
	}, nil
}

// FetchValidator returns a single validator's record over rng.
func (f *Fetcher) FetchValidator(ctx context.Context, identity string, rng *skiprate.SlotRange) (*skiprate.ValidatorRecord, error) {
	snap, err := f.Fetch(ctx, Request{Range: rng, Identities: []string{identity}})
	if err != nil {
		return nil, err
	}
	for _, v := range snap.Validators {
		if v.Pubkey == identity {
			rec := v
			return &rec, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrValidatorNotFound, identity)
}

// TestConnection makes one getHealth attempt and reports whether the node
// answered "ok". It never returns an error.
func (f *Fetcher) TestConnection(ctx context.Context) bool {
	if f.closed.Load() {
		return false
	}
	var status string
	rec, err := f.client.call(ctx, methodGetHealth, nil, &status, 1)
	if err != nil {
		f.log.WithError(err).WithField("endpoint", rec.Endpoint).Warn("connection test failed")
		return false
	}
	f.log.WithFields(logrus.Fields{
		"endpoint": rec.Endpoint,
		"status":   status,
		"duration": rec.Duration,
	}).Debug("connection test")
	return status == "ok"
}

// Stats returns current transport counters.
func (f *Fetcher) Stats() FetcherStats {
	return FetcherStats{
		Throttled:        f.client.limiter.Throttled(),
		RateLimitWaited:  f.client.limiter.Waited(),
		InFlight:         f.gate.InFlight(),
		PeakInFlight:     f.gate.Peak(),
		HealthyEndpoints: f.client.pool.GetHealthyCount(),
	}
}

// Config returns the fetcher's configuration.
func (f *Fetcher) Config() Config {
	return f.cfg
}

// Close releases the endpoint pool and idle connections.
func (f *Fetcher) Close() error {
	if f.closed.Swap(true) {
		return nil
	}
	f.http.CloseIdleConnections()
	return f.client.pool.Close()
}

// callSpec is one getBlockProduction call of a fetch plan.
type callSpec struct {
	identity   string
	rng        *skiprate.SlotRange
	commitment string
}

func (s callSpec) params() []interface{} {
	cfg := map[string]interface{}{
		"commitment": s.commitment,
	}
	if s.identity != "" {
		cfg["identity"] = s.identity
	}
	if s.rng != nil {
		cfg["range"] = map[string]interface{}{
			"firstSlot": s.rng.FirstSlot,
			"lastSlot":  s.rng.LastSlot,
		}
	}
	return []interface{}{cfg}
}

// blockProductionResult is the getBlockProduction response.
type blockProductionResult struct {
	Context struct {
		Slot uint64 `json:"slot"`
	} `json:"context"`
	Value *blockProductionValue `json:"value"`
}

type blockProductionValue struct {
	ByIdentity map[string]json.RawMessage `json:"byIdentity"`
	Range      struct {
		FirstSlot uint64 `json:"firstSlot"`
		LastSlot  uint64 `json:"lastSlot"`
	} `json:"range"`
}

type callResult struct {
	record *CallRecord
	result blockProductionResult
}

func (f *Fetcher) fetch(ctx context.Context, req Request) (*skiprate.Snapshot, []CallRecord, error) {
	if f.closed.Load() {
		return nil, nil, ErrClosed
	}
	plan, err := f.plan(req)
	if err != nil {
		return nil, nil, err
	}

	if f.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = f.clock.WithTimeout(ctx, f.cfg.FetchTimeout)
		defer cancel()
	}

	start := f.clock.Now()
	log := f.log.WithFields(logrus.Fields{
		"calls":      len(plan),
		"identities": len(req.Identities),
	})
	if req.Range != nil {
		log = log.WithField("range", req.Range.String())
	}

	results := make([]callResult, len(plan))
	g, gctx := errgroup.WithContext(ctx)
	for i := range plan {
		i := i
		g.Go(func() error {
			return f.gate.Do(gctx, func(ctx context.Context) error {
				f.metrics.trackInFlight(1)
				defer f.metrics.trackInFlight(-1)

				var res blockProductionResult
				rec, err := f.client.Call(ctx, methodGetBlockProduction, plan[i].params(), &res)
				results[i] = callResult{record: rec, result: res}
				return err
			})
		})
	}
	err = g.Wait()

	calls := make([]CallRecord, 0, len(results))
	for _, r := range results {
		if r.record != nil {
			calls = append(calls, *r.record)
		}
	}

	if err != nil {
		err = fetchError(ctx, err)
		f.metrics.observeFetch(err, 0, 0, 0)
		log.WithError(err).Error("block production fetch failed")
		return nil, calls, err
	}

	entries, rng, err := mergeResults(results)
	if err != nil {
		f.metrics.observeFetch(err, 0, 0, 0)
		return nil, calls, err
	}

	policy := skiprate.PolicyClamp
	if f.cfg.StrictRecords {
		policy = skiprate.PolicyReject
	}
	records, err := skiprate.Normalize(entries, policy)
	if err != nil {
		f.metrics.observeFetch(err, 0, 0, 0)
		return nil, calls, err
	}

	snap := skiprate.BuildSnapshot(records, rng, f.clock.Now().UTC(), req.Previous)
	f.metrics.observeFetch(nil, len(records), snap.NetworkHealth.HealthScore, snap.Statistics.OverallSkipRatePercent)

	log.WithFields(logrus.Fields{
		"validators": len(records),
		"slots":      rng.String(),
		"skip_rate":  fmt.Sprintf("%.2f", snap.Statistics.OverallSkipRatePercent),
		"duration":   f.clock.Since(start),
	}).Info("fetched block production")

	return snap, calls, nil
}

// plan validates req and expands it into calls: one per identity (or a
// single unfiltered one) per range chunk.
func (f *Fetcher) plan(req Request) ([]callSpec, error) {
	commitment := f.cfg.Commitment
	if req.Commitment != "" {
		switch req.Commitment {
		case "processed", "confirmed", "finalized":
			commitment = req.Commitment
		default:
			return nil, fmt.Errorf("%w: unknown commitment %q", ErrInvalidRequest, req.Commitment)
		}
	}

	chunks := []*skiprate.SlotRange{nil}
	if req.Range != nil {
		if err := req.Range.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
		}
		chunks = chunks[:0]
		for _, c := range req.Range.Split(f.cfg.ChunkSlots) {
			c := c
			chunks = append(chunks, &c)
		}
	}

	identities := []string{""}
	if len(req.Identities) > 0 {
		identities = identities[:0]
		seen := make(map[string]bool, len(req.Identities))
		for _, id := range req.Identities {
			if err := types.ValidatePubkey(id); err != nil {
				return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
			}
			if !seen[id] {
				seen[id] = true
				identities = append(identities, id)
			}
		}
	}

	plan := make([]callSpec, 0, len(identities)*len(chunks))
	for _, id := range identities {
		for _, c := range chunks {
			plan = append(plan, callSpec{identity: id, rng: c, commitment: commitment})
		}
	}
	return plan, nil
}

// fetchError maps a fan-out failure onto the error kinds. A deadline that
// expired outside any call, e.g. while waiting for the gate, is a timeout.
func fetchError(ctx context.Context, err error) error {
	var fe *FetchError
	if errors.As(err, &fe) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &FetchError{Kind: ErrTimeout, Method: methodGetBlockProduction, Err: err}
	}
	return err
}

// mergeResults sums per-identity counters across calls and reports the
// slot range the node actually covered.
func mergeResults(results []callResult) ([]skiprate.RawEntry, skiprate.SlotRange, error) {
	var (
		rng    skiprate.SlotRange
		totals = make(map[string]*skiprate.RawEntry)
		order  []string
	)

	for i, res := range results {
		v := res.result.Value
		if v == nil {
			var raw []byte
			if res.record != nil {
				raw = res.record.Response
			}
			return nil, rng, malformed("getBlockProduction result has no value", raw)
		}

		r := skiprate.SlotRange{FirstSlot: v.Range.FirstSlot, LastSlot: v.Range.LastSlot}
		if err := r.Validate(); err != nil {
			return nil, rng, malformed(err.Error(), nil)
		}
		if i == 0 {
			rng = r
		} else {
			rng = rng.Union(r)
		}

		for pubkey, raw := range v.ByIdentity {
			leader, produced, err := parseCounters(raw)
			if err != nil {
				return nil, rng, malformed(fmt.Sprintf("byIdentity[%s]: %v", pubkey, err), raw)
			}
			e, ok := totals[pubkey]
			if !ok {
				e = &skiprate.RawEntry{Pubkey: pubkey}
				totals[pubkey] = e
				order = append(order, pubkey)
			}
			e.LeaderSlots += leader
			e.BlocksProduced += produced
		}
	}

	entries := make([]skiprate.RawEntry, 0, len(order))
	for _, pubkey := range order {
		entries = append(entries, *totals[pubkey])
	}
	return entries, rng, nil
}

// parseCounters decodes a [leaderSlots, blocksProduced] tuple.
func parseCounters(raw json.RawMessage) (uint64, uint64, error) {
	var tuple []json.Number
	if err := json.Unmarshal(raw, &tuple); err != nil {
		return 0, 0, fmt.Errorf("expected [leaderSlots, blocksProduced]: %w", err)
	}
	if len(tuple) != 2 {
		return 0, 0, fmt.Errorf("expected 2 counters, got %d", len(tuple))
	}
	leader, err := strconv.ParseUint(tuple[0].String(), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("leader slots: %w", err)
	}
	produced, err := strconv.ParseUint(tuple[1].String(), 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("blocks produced: %w", err)
	}
	return leader, produced, nil
}
