package rpcfetch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/stratus-skiprate/pkg/skiprate"
)

const (
	identityA = "Vote111111111111111111111111111111111111111"
	identityB = "Stake11111111111111111111111111111111111111"
)

// mockRPCServer creates a mock RPC server for testing. A handler error of
// type *RPCError is sent with its own code, any other error as -32000.
func mockRPCServer(t *testing.T, handler func(method string, params []interface{}) (interface{}, error)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			JSONRPC string          `json:"jsonrpc"`
			ID      json.RawMessage `json:"id"`
			Method  string          `json:"method"`
			Params  []interface{}   `json:"params"`
		}

		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("Failed to decode request: %v", err)
			http.Error(w, "Bad request", http.StatusBadRequest)
			return
		}

		result, err := handler(req.Method, req.Params)

		resp := map[string]interface{}{
			"jsonrpc": "2.0",
			"id":      req.ID,
		}

		if err != nil {
			code, msg := -32000, err.Error()
			var rpcErr *RPCError
			if errors.As(err, &rpcErr) {
				code, msg = rpcErr.Code, rpcErr.Message
			}
			resp["error"] = map[string]interface{}{
				"code":    code,
				"message": msg,
			}
		} else {
			resp["result"] = result
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// statusServer answers every request with the status returned by fn, which
// receives the 1-based request number.
func statusServer(t *testing.T, fn func(n int32, w http.ResponseWriter) int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := fn(hits.Add(1), w)
		if status == http.StatusOK {
			w.Write([]byte(`{"jsonrpc":"2.0","id":"x","result":"ok"}`))
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func blockProduction(first, last uint64, byIdentity map[string][2]uint64) map[string]interface{} {
	return map[string]interface{}{
		"context": map[string]interface{}{"slot": last},
		"value": map[string]interface{}{
			"byIdentity": byIdentity,
			"range": map[string]interface{}{
				"firstSlot": first,
				"lastSlot":  last,
			},
		},
	}
}

// callParams extracts the getBlockProduction config object.
func callParams(params []interface{}) (identity string, first, last uint64, hasRange bool) {
	if len(params) == 0 {
		return "", 0, 0, false
	}
	cfg, _ := params[0].(map[string]interface{})
	identity, _ = cfg["identity"].(string)
	if r, ok := cfg["range"].(map[string]interface{}); ok {
		return identity, uint64(r["firstSlot"].(float64)), uint64(r["lastSlot"].(float64)), true
	}
	return identity, 0, 0, false
}

// stallingServer answers no request. The handler drains the body first so
// the server notices client disconnects, and gives up after two seconds so
// Close never blocks.
func stallingServer(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits != nil {
			hits.Add(1)
		}
		io.Copy(io.Discard, r.Body)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testConfig(urls ...string) Config {
	cfg := DefaultConfig()
	cfg.Endpoint = urls[0]
	cfg.FallbackEndpoints = urls[1:]
	cfg.RequestTimeout = 2 * time.Second
	cfg.FetchTimeout = 0
	cfg.MaxAttempts = 3
	cfg.RetryDelay = time.Millisecond
	cfg.MaxRetryDelay = 5 * time.Millisecond
	cfg.RequestsPerSecond = 1000
	cfg.Burst = 100
	cfg.MaxConcurrentRequests = 4
	return cfg
}

func noJitter(d time.Duration) time.Duration { return d }

func newTestFetcher(t *testing.T, cfg Config, opts ...Option) *Fetcher {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithJitter(noJitter)}, opts...)
	f, err := NewFetcher(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { f.Close() })
	return f
}

func newTestClient(t *testing.T, cfg Config, opts ...Option) *RPCClient {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger()), WithJitter(noJitter)}, opts...)
	c, err := NewRPCClient(cfg, opts...)
	require.NoError(t, err)
	return c
}

func TestSimplePool(t *testing.T) {
	urls := []string{"http://localhost:8899", "http://localhost:8900"}
	pool := NewSimplePool(urls)
	ctx := context.Background()

	ep1, err := pool.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, urls[0], ep1.URL)

	ep2, err := pool.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, urls[1], ep2.URL)

	ep3, err := pool.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, urls[0], ep3.URL, "round-robin")

	pool.MarkUnhealthy(urls[0], errors.New("boom"))
	assert.Equal(t, 1, pool.GetHealthyCount())
	for i := 0; i < 3; i++ {
		ep, err := pool.GetEndpoint(ctx)
		require.NoError(t, err)
		assert.Equal(t, urls[1], ep.URL, "unhealthy endpoint skipped")
	}

	pool.MarkUnhealthy(urls[1], errors.New("boom"))
	pool.MarkUnhealthy(urls[1], errors.New("boom"))
	ep, err := pool.GetEndpoint(ctx)
	require.NoError(t, err)
	assert.Equal(t, urls[0], ep.URL, "fewest failures when none healthy")

	pool.MarkHealthy(urls[0], 10*time.Millisecond)
	assert.Equal(t, 1, pool.GetHealthyCount())
	state := pool.Endpoints()
	assert.Equal(t, 10*time.Millisecond, state[0].Latency)
	assert.Zero(t, state[0].Failures)
	assert.Equal(t, 2, state[1].Failures)

	_, err = NewSimplePool(nil).GetEndpoint(ctx)
	assert.ErrorIs(t, err, ErrNoEndpoints)
}

func TestSimplePoolUsesClientClock(t *testing.T) {
	mock := clock.NewMock()
	mock.Add(time.Hour)

	o := buildOptions(testConfig("http://localhost:8899"), []Option{WithClock(mock)})
	pool, ok := o.pool.(*SimplePool)
	require.True(t, ok)

	pool.MarkHealthy("http://localhost:8899", time.Millisecond)
	assert.True(t, pool.Endpoints()[0].LastSuccess.Equal(mock.Now()))

	mock.Add(time.Minute)
	pool.MarkHealthy("http://localhost:8899", time.Millisecond)
	assert.True(t, pool.Endpoints()[0].LastSuccess.Equal(mock.Now()))
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassSuccess},
		{"http 500", &HTTPError{StatusCode: 500}, ClassRetryable},
		{"http 503", &HTTPError{StatusCode: 503}, ClassRetryable},
		{"http 429", &HTTPError{StatusCode: 429}, ClassRetryable},
		{"http 400", &HTTPError{StatusCode: 400}, ClassFatal},
		{"http 404", &HTTPError{StatusCode: 404}, ClassFatal},
		{"rpc rate limit", &RPCError{Code: 429}, ClassRetryable},
		{"rpc provider rate limit", &RPCError{Code: -32429}, ClassRetryable},
		{"rpc error", &RPCError{Code: -32602, Message: "invalid params"}, ClassFatal},
		{"malformed", malformed("bad", []byte("{")), ClassFatal},
		{"attempt timeout", context.DeadlineExceeded, ClassRetryable},
		{"canceled", context.Canceled, ClassFatal},
		{"transport", errors.New("connection refused"), ClassRetryable},
		{"no endpoints", ErrNoEndpoints, ClassFatal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
			assert.Equal(t, tt.want, Classify(tt.err), "pure")
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrRateLimitExhausted, kindOf(&HTTPError{StatusCode: 429}))
	assert.Equal(t, ErrRateLimitExhausted, kindOf(&RPCError{Code: -32429}))
	assert.Equal(t, ErrTimeout, kindOf(context.DeadlineExceeded))
	assert.Equal(t, ErrRemote, kindOf(&RPCError{Code: -32000}))
	assert.Equal(t, ErrMalformedData, kindOf(malformed("x", nil)))
	assert.Equal(t, ErrTransportFailure, kindOf(&HTTPError{StatusCode: 502}))
	assert.Equal(t, ErrTransportFailure, kindOf(errors.New("reset")))
}

func TestBackoffDelay(t *testing.T) {
	base, max := 100*time.Millisecond, time.Second
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{80, time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, backoffDelay(tt.attempt, base, max), "attempt %d", tt.attempt)
	}
	assert.Zero(t, backoffDelay(3, 0, max))

	for i := 0; i < 100; i++ {
		d := equalJitter(800 * time.Millisecond)
		assert.GreaterOrEqual(t, d, 400*time.Millisecond)
		assert.LessOrEqual(t, d, 800*time.Millisecond)
	}
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, 3*time.Second, parseRetryAfter("3", now))
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("-1", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 10*time.Second, parseRetryAfter(now.Add(10*time.Second).Format(http.TimeFormat), now))
}

func TestCallRetriesUpToMaxAttempts(t *testing.T) {
	srv, hits := statusServer(t, func(int32, http.ResponseWriter) int {
		return http.StatusServiceUnavailable
	})
	for _, attempts := range []int{1, 2, 5} {
		hits.Store(0)
		cfg := testConfig(srv.URL)
		cfg.MaxAttempts = attempts
		c := newTestClient(t, cfg)

		rec, err := c.Call(context.Background(), "getHealth", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrTransportFailure)
		assert.Equal(t, int32(attempts), hits.Load())
		assert.Equal(t, attempts, rec.Attempts)

		var fe *FetchError
		require.ErrorAs(t, err, &fe)
		assert.Equal(t, attempts, fe.Attempts)
		var he *HTTPError
		require.ErrorAs(t, err, &he)
		assert.Equal(t, http.StatusServiceUnavailable, he.StatusCode)
	}
}

func TestCallRecoversAfterTransientFailures(t *testing.T) {
	srv, hits := statusServer(t, func(n int32, _ http.ResponseWriter) int {
		if n < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	c := newTestClient(t, testConfig(srv.URL))

	var status string
	rec, err := c.Call(context.Background(), "getHealth", nil, &status)
	require.NoError(t, err)
	assert.Equal(t, "ok", status)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, int32(3), hits.Load())
	assert.JSONEq(t, `"ok"`, string(rec.Response))
}

func TestCallRateLimitExhausted(t *testing.T) {
	srv, hits := statusServer(t, func(int32, http.ResponseWriter) int {
		return http.StatusTooManyRequests
	})
	c := newTestClient(t, testConfig(srv.URL))

	rec, err := c.Call(context.Background(), "getHealth", nil, nil)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.NotErrorIs(t, err, ErrTransportFailure)
	assert.True(t, rec.RateLimited)
	assert.Equal(t, int32(3), hits.Load())
}

func TestCallHonoursRetryAfter(t *testing.T) {
	srv, _ := statusServer(t, func(n int32, w http.ResponseWriter) int {
		if n == 1 {
			w.Header().Set("Retry-After", "1")
			return http.StatusTooManyRequests
		}
		return http.StatusOK
	})
	cfg := testConfig(srv.URL)
	cfg.MaxRetryDelay = 50 * time.Millisecond
	c := newTestClient(t, cfg)

	start := time.Now()
	_, err := c.Call(context.Background(), "getHealth", nil, nil)
	require.NoError(t, err)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 50*time.Millisecond, "hint applied")
	assert.Less(t, elapsed, time.Second, "hint capped")
}

func TestCallRPCRateLimitCodeRetried(t *testing.T) {
	var hits atomic.Int32
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		hits.Add(1)
		return nil, &RPCError{Code: -32429, Message: "too many requests"}
	})
	c := newTestClient(t, testConfig(srv.URL))

	_, err := c.Call(context.Background(), "getHealth", nil, nil)
	assert.ErrorIs(t, err, ErrRateLimitExhausted)
	assert.Equal(t, int32(3), hits.Load())

	// The cause stays reachable, so the remote kind matches as well.
	assert.ErrorIs(t, err, ErrRemote)
	var fe *FetchError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, ErrRateLimitExhausted, fe.Kind)
	var rpcErr *RPCError
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, -32429, rpcErr.Code)
}

func TestCallFatalErrorsNotRetried(t *testing.T) {
	t.Run("client error", func(t *testing.T) {
		srv, hits := statusServer(t, func(int32, http.ResponseWriter) int {
			return http.StatusForbidden
		})
		c := newTestClient(t, testConfig(srv.URL))

		rec, err := c.Call(context.Background(), "getHealth", nil, nil)
		assert.ErrorIs(t, err, ErrTransportFailure)
		assert.Equal(t, int32(1), hits.Load())
		assert.Equal(t, 1, rec.Attempts)
	})

	t.Run("rpc error", func(t *testing.T) {
		var hits atomic.Int32
		srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
			hits.Add(1)
			return nil, &RPCError{Code: -32009, Message: "slot skipped"}
		})
		c := newTestClient(t, testConfig(srv.URL))

		_, err := c.Call(context.Background(), "getHealth", nil, nil)
		assert.ErrorIs(t, err, ErrRemote)
		var rpcErr *RPCError
		require.ErrorAs(t, err, &rpcErr)
		assert.Equal(t, -32009, rpcErr.Code)
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("malformed body", func(t *testing.T) {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			w.Write([]byte("<html>gateway</html>"))
		}))
		defer srv.Close()
		c := newTestClient(t, testConfig(srv.URL))

		_, err := c.Call(context.Background(), "getHealth", nil, nil)
		assert.ErrorIs(t, err, ErrMalformedData)
		var me *MalformedError
		require.ErrorAs(t, err, &me)
		assert.Contains(t, me.Fragment, "gateway")
		assert.Equal(t, int32(1), hits.Load())
	})
}

func TestCallAttemptTimeout(t *testing.T) {
	var hits atomic.Int32
	srv := stallingServer(t, &hits)

	cfg := testConfig(srv.URL)
	cfg.RequestTimeout = 30 * time.Millisecond
	cfg.MaxAttempts = 2
	c := newTestClient(t, cfg)

	_, err := c.Call(context.Background(), "getHealth", nil, nil)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, int32(2), hits.Load())
}

func TestCallCancelled(t *testing.T) {
	srv := stallingServer(t, nil)
	c := newTestClient(t, testConfig(srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := c.Call(ctx, "getHealth", nil, nil)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ErrTimeout)
}

func TestCallSendsHeaders(t *testing.T) {
	var (
		mu      sync.Mutex
		headers http.Header
		id      string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		json.NewDecoder(r.Body).Decode(&req)
		mu.Lock()
		headers, id = r.Header.Clone(), req.ID
		mu.Unlock()
		w.Write([]byte(`{"jsonrpc":"2.0","id":"` + req.ID + `","result":"ok"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.Headers = map[string]string{"X-Api-Key": "secret"}
	c := newTestClient(t, cfg)

	rec, err := c.Call(context.Background(), "getHealth", nil, nil)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "secret", headers.Get("X-Api-Key"))
	assert.Equal(t, DefaultUserAgent, headers.Get("User-Agent"))
	assert.Equal(t, "application/json", headers.Get("Content-Type"))
	assert.Equal(t, rec.ID, id)
	_, err = uuid.Parse(id)
	assert.NoError(t, err)
}

func TestCallFailsOverToFallback(t *testing.T) {
	primary, primaryHits := statusServer(t, func(int32, http.ResponseWriter) int {
		return http.StatusServiceUnavailable
	})
	fallback, _ := statusServer(t, func(int32, http.ResponseWriter) int {
		return http.StatusOK
	})
	c := newTestClient(t, testConfig(primary.URL, fallback.URL))

	rec, err := c.Call(context.Background(), "getHealth", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, fallback.URL, rec.Endpoint)
	assert.Equal(t, 2, rec.Attempts)
	assert.Equal(t, int32(1), primaryHits.Load())
	assert.Equal(t, 1, c.Pool().GetHealthyCount())
}

func TestGateBoundsConcurrency(t *testing.T) {
	_, err := NewGate(0)
	assert.ErrorIs(t, err, ErrInvalidConfig)

	g, err := NewGate(3)
	require.NoError(t, err)

	var (
		current atomic.Int32
		max     atomic.Int32
		wg      sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := g.Do(context.Background(), func(context.Context) error {
				n := current.Add(1)
				defer current.Add(-1)
				for {
					m := max.Load()
					if n <= m || max.CompareAndSwap(m, n) {
						break
					}
				}
				time.Sleep(5 * time.Millisecond)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, max.Load(), int32(3))
	assert.LessOrEqual(t, g.Peak(), 3)
	assert.Zero(t, g.InFlight())
	assert.Equal(t, 3, g.Size())
}

func TestGateReleasesOnError(t *testing.T) {
	g, err := NewGate(1)
	require.NoError(t, err)

	boom := errors.New("boom")
	assert.ErrorIs(t, g.Do(context.Background(), func(context.Context) error { return boom }), boom)
	assert.NoError(t, g.Do(context.Background(), func(context.Context) error { return nil }))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	release := make(chan struct{})
	go g.Do(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.Eventually(t, func() bool { return g.InFlight() == 1 }, time.Second, time.Millisecond)

	ran := false
	err = g.Do(ctx, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, ran)
	close(release)
}

func TestFetchSnapshot(t *testing.T) {
	srv := mockRPCServer(t, func(method string, params []interface{}) (interface{}, error) {
		assert.Equal(t, "getBlockProduction", method)
		return blockProduction(1000, 1431, map[string][2]uint64{
			"A": {100, 90},
			"B": {0, 0},
			"C": {50, 50},
		}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	snap, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, skiprate.SlotRange{FirstSlot: 1000, LastSlot: 1431}, snap.SlotRange)
	require.Len(t, snap.Validators, 3)
	assert.Equal(t, "B", snap.Validators[0].Pubkey)
	assert.Equal(t, "C", snap.Validators[1].Pubkey)
	assert.Equal(t, "A", snap.Validators[2].Pubkey)
	assert.Equal(t, uint64(10), snap.Validators[2].MissedSlots)

	assert.Equal(t, 3, snap.Statistics.TotalValidators)
	assert.Equal(t, uint64(150), snap.Statistics.TotalLeaderSlots)
	assert.Equal(t, 3, snap.Distribution.TotalCount())
	assert.Len(t, snap.PerformanceSnapshots, 3)
	assert.False(t, snap.Fingerprint.IsZero())
}

func TestFetchEmptyResult(t *testing.T) {
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		return blockProduction(5, 9, map[string][2]uint64{}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	snap, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	assert.Empty(t, snap.Validators)
	assert.Equal(t, 100.0, snap.NetworkHealth.HealthScore)
	assert.Empty(t, snap.NetworkHealth.Alerts)
}

func TestFetchSumsChunks(t *testing.T) {
	var calls atomic.Int32
	srv := mockRPCServer(t, func(_ string, params []interface{}) (interface{}, error) {
		calls.Add(1)
		_, first, last, ok := callParams(params)
		assert.True(t, ok)
		n := last - first + 1
		return blockProduction(first, last, map[string][2]uint64{
			"A": {n, n - 1},
			"B": {4, 4},
		}), nil
	})
	cfg := testConfig(srv.URL)
	cfg.ChunkSlots = 10
	f := newTestFetcher(t, cfg)

	snap, err := f.Fetch(context.Background(), Request{Range: &skiprate.SlotRange{FirstSlot: 0, LastSlot: 24}})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, skiprate.SlotRange{FirstSlot: 0, LastSlot: 24}, snap.SlotRange)

	byKey := map[string]skiprate.ValidatorRecord{}
	for _, v := range snap.Validators {
		byKey[v.Pubkey] = v
	}
	assert.Equal(t, uint64(25), byKey["A"].LeaderSlots)
	assert.Equal(t, uint64(22), byKey["A"].BlocksProduced)
	assert.Equal(t, uint64(12), byKey["B"].LeaderSlots)
}

func TestFetchIdentitiesFanOut(t *testing.T) {
	var (
		mu   sync.Mutex
		seen []string
	)
	srv := mockRPCServer(t, func(_ string, params []interface{}) (interface{}, error) {
		identity, _, _, _ := callParams(params)
		mu.Lock()
		seen = append(seen, identity)
		mu.Unlock()
		return blockProduction(0, 99, map[string][2]uint64{identity: {10, 9}}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	snap, err := f.Fetch(context.Background(), Request{Identities: []string{identityA, identityB, identityA}})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{identityA, identityB}, seen, "one call per distinct identity")
	assert.Len(t, snap.Validators, 2)

	rec, err := f.FetchValidator(context.Background(), identityB, nil)
	require.NoError(t, err)
	assert.Equal(t, identityB, rec.Pubkey)
	assert.InDelta(t, 10.0, rec.SkipRatePercent, 1e-9)
}

func TestFetchValidatorNotFound(t *testing.T) {
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		return blockProduction(0, 99, map[string][2]uint64{}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	_, err := f.FetchValidator(context.Background(), identityA, nil)
	assert.ErrorIs(t, err, ErrValidatorNotFound)
}

func TestFetchInvalidRequest(t *testing.T) {
	var hits atomic.Int32
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		hits.Add(1)
		return blockProduction(0, 1, nil), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	tests := []struct {
		name string
		req  Request
	}{
		{"inverted range", Request{Range: &skiprate.SlotRange{FirstSlot: 10, LastSlot: 9}}},
		{"bad identity", Request{Identities: []string{"not-a-pubkey"}}},
		{"empty identity", Request{Identities: []string{""}}},
		{"bad commitment", Request{Commitment: "eventually"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Fetch(context.Background(), tt.req)
			assert.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	assert.Zero(t, hits.Load())
}

func TestFetchOneFailureFailsAll(t *testing.T) {
	srv := mockRPCServer(t, func(_ string, params []interface{}) (interface{}, error) {
		identity, _, _, _ := callParams(params)
		if identity == identityB {
			return nil, &RPCError{Code: -32602, Message: "invalid identity"}
		}
		return blockProduction(0, 99, map[string][2]uint64{identity: {10, 10}}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	snap, err := f.Fetch(context.Background(), Request{Identities: []string{identityA, identityB}})
	assert.Nil(t, snap)
	assert.ErrorIs(t, err, ErrRemote)
}

func TestFetchMalformedData(t *testing.T) {
	tests := []struct {
		name   string
		result interface{}
	}{
		{"null result", nil},
		{"short tuple", map[string]interface{}{
			"value": map[string]interface{}{
				"byIdentity": map[string]interface{}{"A": []int{5}},
				"range":      map[string]interface{}{"firstSlot": 0, "lastSlot": 9},
			},
		}},
		{"negative counter", map[string]interface{}{
			"value": map[string]interface{}{
				"byIdentity": map[string]interface{}{"A": []int{-1, 0}},
				"range":      map[string]interface{}{"firstSlot": 0, "lastSlot": 9},
			},
		}},
		{"fractional counter", map[string]interface{}{
			"value": map[string]interface{}{
				"byIdentity": map[string]interface{}{"A": []float64{1.5, 1}},
				"range":      map[string]interface{}{"firstSlot": 0, "lastSlot": 9},
			},
		}},
		{"wrong shape", map[string]interface{}{
			"value": map[string]interface{}{"byIdentity": []int{1, 2}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
				return tt.result, nil
			})
			f := newTestFetcher(t, testConfig(srv.URL))

			_, err := f.Fetch(context.Background(), Request{})
			assert.ErrorIs(t, err, ErrMalformedData)
		})
	}
}

func TestFetchConsistencyPolicy(t *testing.T) {
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		return blockProduction(0, 9, map[string][2]uint64{"A": {10, 12}}), nil
	})

	f := newTestFetcher(t, testConfig(srv.URL))
	snap, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.Validators[0].BlocksProduced)
	assert.Zero(t, snap.Validators[0].MissedSlots)

	cfg := testConfig(srv.URL)
	cfg.StrictRecords = true
	strict := newTestFetcher(t, cfg)
	_, err = strict.Fetch(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrMalformedData)
}

func TestFetchRespectsGate(t *testing.T) {
	var current, max atomic.Int32
	srv := mockRPCServer(t, func(_ string, params []interface{}) (interface{}, error) {
		n := current.Add(1)
		defer current.Add(-1)
		for {
			m := max.Load()
			if n <= m || max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		_, first, last, _ := callParams(params)
		return blockProduction(first, last, map[string][2]uint64{"A": {1, 1}}), nil
	})

	cfg := testConfig(srv.URL)
	cfg.ChunkSlots = 1
	cfg.MaxConcurrentRequests = 2
	f := newTestFetcher(t, cfg)

	snap, err := f.Fetch(context.Background(), Request{Range: &skiprate.SlotRange{FirstSlot: 0, LastSlot: 9}})
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.Validators[0].LeaderSlots)
	assert.LessOrEqual(t, max.Load(), int32(2))
	assert.LessOrEqual(t, f.Stats().PeakInFlight, 2)
	assert.Zero(t, f.Stats().InFlight)
}

func TestFetchTimeout(t *testing.T) {
	srv := stallingServer(t, nil)

	cfg := testConfig(srv.URL)
	cfg.FetchTimeout = 50 * time.Millisecond
	f := newTestFetcher(t, cfg)

	start := time.Now()
	_, err := f.Fetch(context.Background(), Request{})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestFetchDebugMatchesFetch(t *testing.T) {
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		return blockProduction(0, 99, map[string][2]uint64{
			"A": {40, 38},
			"B": {60, 60},
		}), nil
	})
	f := newTestFetcher(t, testConfig(srv.URL))

	plain, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)
	debug, err := f.FetchDebug(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, plain.Validators, debug.Snapshot.Validators)
	assert.Equal(t, plain.Statistics, debug.Snapshot.Statistics)
	assert.Equal(t, plain.Fingerprint, debug.Snapshot.Fingerprint)

	require.Len(t, debug.Calls, 1)
	call := debug.Calls[0]
	assert.Equal(t, "getBlockProduction", call.Method)
	assert.Equal(t, srv.URL, call.Endpoint)
	assert.Equal(t, 1, call.Attempts)
	assert.NotEmpty(t, call.ID)
	assert.Contains(t, string(call.Params), `"commitment":"finalized"`)
	assert.Contains(t, string(call.Response), "byIdentity")
}

func TestTestConnection(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		srv := mockRPCServer(t, func(method string, _ []interface{}) (interface{}, error) {
			assert.Equal(t, "getHealth", method)
			return "ok", nil
		})
		assert.True(t, newTestFetcher(t, testConfig(srv.URL)).TestConnection(context.Background()))
	})

	t.Run("node behind", func(t *testing.T) {
		srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
			return nil, &RPCError{Code: -32005, Message: "Node is behind by 42 slots"}
		})
		assert.False(t, newTestFetcher(t, testConfig(srv.URL)).TestConnection(context.Background()))
	})

	t.Run("single attempt", func(t *testing.T) {
		srv, hits := statusServer(t, func(int32, http.ResponseWriter) int {
			return http.StatusServiceUnavailable
		})
		assert.False(t, newTestFetcher(t, testConfig(srv.URL)).TestConnection(context.Background()))
		assert.Equal(t, int32(1), hits.Load())
	})

	t.Run("closed", func(t *testing.T) {
		srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) { return "ok", nil })
		f := newTestFetcher(t, testConfig(srv.URL))
		require.NoError(t, f.Close())
		assert.False(t, f.TestConnection(context.Background()))
		_, err := f.Fetch(context.Background(), Request{})
		assert.ErrorIs(t, err, ErrClosed)
	})
}

func TestMetricsRecorded(t *testing.T) {
	srv, _ := statusServer(t, func(n int32, _ http.ResponseWriter) int {
		if n == 1 {
			return http.StatusInternalServerError
		}
		return http.StatusOK
	})
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	c := newTestClient(t, testConfig(srv.URL), WithMetrics(m))

	_, err := c.Call(context.Background(), "getHealth", nil, nil)
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("getHealth", "retryable")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.requests.WithLabelValues("getHealth", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.retries.WithLabelValues("getHealth")))

	var nilMetrics *Metrics
	assert.NotPanics(t, func() {
		nilMetrics.observeAttempt("x", ClassSuccess, time.Second)
		nilMetrics.observeFetch(nil, 1, 100, 0)
	})
}

func TestFetchMetricsRecorded(t *testing.T) {
	srv := mockRPCServer(t, func(string, []interface{}) (interface{}, error) {
		return blockProduction(0, 99, map[string][2]uint64{
			identityA: {100, 90},
			identityB: {300, 300},
		}), nil
	})
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	f := newTestFetcher(t, testConfig(srv.URL), WithMetrics(m))

	snap, err := f.Fetch(context.Background(), Request{})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.fetches.WithLabelValues("success")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.validators))
	assert.InDelta(t, 2.5, snap.Statistics.OverallSkipRatePercent, 1e-9)
	assert.InDelta(t, snap.Statistics.OverallSkipRatePercent, testutil.ToFloat64(m.skipRate), 1e-9)
	assert.InDelta(t, snap.NetworkHealth.HealthScore, testutil.ToFloat64(m.healthScore), 1e-9)
}
