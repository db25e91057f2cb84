package rpcfetch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fortiblox/stratus-skiprate/pkg/ratelimit"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 64 << 20

// Option configures an RPCClient or Fetcher.
type Option func(*options)

type options struct {
	httpClient *http.Client
	clock      clock.Clock
	logger     logrus.FieldLogger
	metrics    *Metrics
	pool       Pool
	jitter     func(time.Duration) time.Duration
}

// WithHTTPClient sets the HTTP client. Per-attempt timeouts are applied
// through the request context, not http.Client.Timeout.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithClock sets the time source for the limiter, backoff and timestamps.
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger. Defaults to logrus.StandardLogger().
func WithLogger(l logrus.FieldLogger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics records attempts, retries and waits into m.
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

// WithPool replaces the SimplePool built from the configured endpoints.
func WithPool(p Pool) Option {
	return func(o *options) { o.pool = p }
}

// WithJitter replaces the backoff jitter. Tests pass an identity function.
func WithJitter(fn func(time.Duration) time.Duration) Option {
	return func(o *options) { o.jitter = fn }
}

func buildOptions(cfg Config, opts []Option) options {
	o := options{
		clock:  clock.New(),
		logger: logrus.StandardLogger(),
		jitter: equalJitter,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{}
	}
	if o.pool == nil {
		o.pool = NewSimplePool(cfg.Endpoints(), WithPoolClock(o.clock))
	}
	return o
}

// RPCClient sends JSON-RPC calls with rate limiting, per-attempt timeouts,
// retry with backoff and endpoint failover.
type RPCClient struct {
	cfg        Config
	httpClient *http.Client
	pool       Pool
	limiter    *ratelimit.Limiter
	clock      clock.Clock
	log        logrus.FieldLogger
	metrics    *Metrics
	jitter     func(time.Duration) time.Duration
}

// NewRPCClient creates a client for cfg. The config is validated.
func NewRPCClient(cfg Config, opts ...Option) (*RPCClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := buildOptions(cfg, opts)
	return newRPCClient(cfg, o)
}

func newRPCClient(cfg Config, o options) (*RPCClient, error) {
	limiter, err := ratelimit.New(cfg.RequestsPerSecond, cfg.Burst, ratelimit.WithClock(o.clock))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	return &RPCClient{
		cfg:        cfg,
		httpClient: o.httpClient,
		pool:       o.pool,
		limiter:    limiter,
		clock:      o.clock,
		log:        o.logger,
		metrics:    o.metrics,
		jitter:     o.jitter,
	}, nil
}

// rpcRequest represents a JSON-RPC 2.0 request.
type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      string        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

// rpcResponse represents a JSON-RPC 2.0 response.
type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// rpcError represents a JSON-RPC error.
type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// CallRecord describes one logical call, retries included.
type CallRecord struct {
	ID            string          `json:"id"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
	Endpoint      string          `json:"endpoint"`
	Attempts      int             `json:"attempts"`
	Duration      time.Duration   `json:"duration"`
	RateLimitWait time.Duration   `json:"rate_limit_wait"`
	RateLimited   bool            `json:"rate_limited"`
	Response      json.RawMessage `json:"response,omitempty"`
}

// Call invokes method and decodes the JSON-RPC result into result, which may
// be nil. The returned CallRecord is never nil.
func (c *RPCClient) Call(ctx context.Context, method string, params []interface{}, result interface{}) (*CallRecord, error) {
	return c.call(ctx, method, params, result, c.cfg.MaxAttempts)
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, result interface{}, maxAttempts int) (*CallRecord, error) {
	id := uuid.NewString()
	info := &CallRecord{ID: id, Method: method}
	start := c.clock.Now()
	defer func() { info.Duration = c.clock.Since(start) }()

	if p, err := json.Marshal(params); err == nil && params != nil {
		info.Params = p
	}
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return info, fmt.Errorf("%w: marshal %s params: %v", ErrInvalidRequest, method, err)
	}

	log := c.log.WithFields(logrus.Fields{
		"request_id": id,
		"method":     method,
	})

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return info, c.abort(method, info.Attempts, lastErr, err)
		}

		wait, err := c.limiter.AcquireWait(ctx)
		if err != nil {
			return info, c.abort(method, info.Attempts, lastErr, err)
		}
		info.RateLimitWait += wait
		c.metrics.observeWait(wait)
		info.Attempts = attempt

		attemptStart := c.clock.Now()
		raw, endpoint, err := c.attempt(ctx, body)
		class := Classify(err)
		c.metrics.observeAttempt(method, class, c.clock.Since(attemptStart))
		info.Endpoint = endpoint

		if class == ClassSuccess {
			info.Response = raw
			if result != nil {
				if err := json.Unmarshal(raw, result); err != nil {
					merr := malformed("decode "+method+" result: "+err.Error(), raw)
					return info, &FetchError{Kind: ErrMalformedData, Method: method, Attempts: attempt, Err: merr}
				}
			}
			return info, nil
		}

		lastErr = err
		if isRateLimited(err) {
			info.RateLimited = true
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return info, c.abort(method, attempt, lastErr, ctxErr)
		}
		if class == ClassFatal {
			return info, &FetchError{Kind: kindOf(err), Method: method, Attempts: attempt, Err: err}
		}
		if attempt == maxAttempts {
			break
		}

		delay := c.retryDelay(attempt, err)
		log.WithFields(logrus.Fields{
			"endpoint": endpoint,
			"attempt":  attempt,
			"delay":    delay,
		}).WithError(err).Debug("RPC attempt failed, retrying")
		c.metrics.observeRetry(method)

		if delay > 0 {
			timer := c.clock.Timer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return info, c.abort(method, attempt, lastErr, ctx.Err())
			case <-timer.C:
			}
		}
	}

	log.WithField("attempts", info.Attempts).WithError(lastErr).Warn("RPC call failed")
	return info, &FetchError{Kind: kindOf(lastErr), Method: method, Attempts: info.Attempts, Err: lastErr}
}

// attempt performs one HTTP round trip and returns the raw JSON-RPC result.
func (c *RPCClient) attempt(ctx context.Context, body []byte) (json.RawMessage, string, error) {
	endpoint, err := c.pool.GetEndpoint(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("get endpoint: %w", err)
	}

	actx, cancel := c.clock.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(actx, http.MethodPost, endpoint.URL, bytes.NewReader(body))
	if err != nil {
		return nil, endpoint.URL, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	for k, v := range c.cfg.Headers {
		httpReq.Header.Set(k, v)
	}

	start := c.clock.Now()
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("attempt timed out after %v: %w", c.cfg.RequestTimeout, context.DeadlineExceeded)
		}
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return nil, endpoint.URL, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		c.pool.MarkUnhealthy(endpoint.URL, err)
		return nil, endpoint.URL, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		httpErr := &HTTPError{
			StatusCode: resp.StatusCode,
			Body:       truncate(respBody, maxFragment),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.clock.Now()),
		}
		if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
			c.pool.MarkUnhealthy(endpoint.URL, httpErr)
		}
		return nil, endpoint.URL, httpErr
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, endpoint.URL, malformed("decode response envelope: "+err.Error(), respBody)
	}

	if rpcResp.Error != nil {
		// RPC errors are not endpoint health issues
		return nil, endpoint.URL, &RPCError{
			Code:    rpcResp.Error.Code,
			Message: rpcResp.Error.Message,
			Data:    rpcResp.Error.Data,
		}
	}

	if len(rpcResp.Result) == 0 {
		return nil, endpoint.URL, malformed("response has neither result nor error", respBody)
	}

	c.pool.MarkHealthy(endpoint.URL, c.clock.Since(start))
	return rpcResp.Result, endpoint.URL, nil
}

// retryDelay is the backoff before the attempt after attempt, honouring a
// Retry-After hint when it asks for longer.
func (c *RPCClient) retryDelay(attempt int, err error) time.Duration {
	delay := c.jitter(backoffDelay(attempt, c.cfg.RetryDelay, c.cfg.MaxRetryDelay))
	if hint := retryAfter(err); hint > delay {
		delay = hint
	}
	if delay > c.cfg.MaxRetryDelay {
		delay = c.cfg.MaxRetryDelay
	}
	return delay
}

// abort builds the error for a call stopped by its context.
func (c *RPCClient) abort(method string, attempts int, lastErr, ctxErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		return &FetchError{Kind: ErrTimeout, Method: method, Attempts: attempts, Err: errors.Join(ctxErr, lastErr)}
	}
	return &FetchError{Kind: ctxErr, Method: method, Attempts: attempts, Err: lastErr}
}

// Limiter returns the client's rate limiter.
func (c *RPCClient) Limiter() *ratelimit.Limiter {
	return c.limiter
}

// Pool returns the client's endpoint pool.
func (c *RPCClient) Pool() Pool {
	return c.pool
}
