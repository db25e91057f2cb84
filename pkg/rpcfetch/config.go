package rpcfetch

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultEndpoint is the public mainnet RPC endpoint.
	DefaultEndpoint = "https://api.mainnet-beta.solana.com"

	// DefaultRequestTimeout is the default timeout for one RPC attempt.
	DefaultRequestTimeout = 30 * time.Second

	// DefaultFetchTimeout bounds a whole Fetch, retries included.
	DefaultFetchTimeout = 5 * time.Minute

	// DefaultMaxAttempts is the default attempt ceiling per call.
	DefaultMaxAttempts = 3

	// DefaultRetryDelay is the initial delay between attempts.
	DefaultRetryDelay = 500 * time.Millisecond

	// DefaultMaxRetryDelay is the maximum delay between attempts.
	DefaultMaxRetryDelay = 30 * time.Second

	// DefaultRequestsPerSecond is the default outbound request rate.
	DefaultRequestsPerSecond = 10

	// DefaultBurst is the default token bucket capacity.
	DefaultBurst = 1

	// DefaultMaxConcurrentRequests is the default concurrency gate size.
	DefaultMaxConcurrentRequests = 10

	// DefaultCommitment is the commitment level sent with getBlockProduction.
	DefaultCommitment = "finalized"

	// DefaultUserAgent is sent with every request.
	DefaultUserAgent = "stratus-skiprate/1.0"
)

// Config holds configuration for the Fetcher.
type Config struct {
	// Endpoint is the primary JSON-RPC URL.
	Endpoint string

	// FallbackEndpoints are tried round-robin alongside the primary when it
	// is marked unhealthy.
	FallbackEndpoints []string

	// RequestTimeout is the timeout for a single attempt.
	RequestTimeout time.Duration

	// FetchTimeout bounds the whole Fetch. Zero disables the bound.
	FetchTimeout time.Duration

	// MaxAttempts is the maximum number of attempts per call, first try
	// included.
	MaxAttempts int

	// RetryDelay is the initial delay between attempts.
	RetryDelay time.Duration

	// MaxRetryDelay caps the backoff and any Retry-After hint.
	MaxRetryDelay time.Duration

	// RequestsPerSecond is the sustained outbound request rate.
	RequestsPerSecond float64

	// Burst is the token bucket capacity.
	Burst int

	// MaxConcurrentRequests is the number of calls allowed in flight.
	MaxConcurrentRequests int

	// Commitment is sent with every getBlockProduction call.
	// One of "processed", "confirmed" or "finalized".
	Commitment string

	// Headers are added to every HTTP request, e.g. provider API keys.
	Headers map[string]string

	// UserAgent overrides DefaultUserAgent.
	UserAgent string

	// ChunkSlots splits an explicit slot range into chunks of this many
	// slots, fetched concurrently. Zero disables chunking.
	ChunkSlots uint64

	// StrictRecords rejects responses where a validator produced more
	// blocks than it had leader slots instead of clamping.
	StrictRecords bool
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Endpoint:              DefaultEndpoint,
		RequestTimeout:        DefaultRequestTimeout,
		FetchTimeout:          DefaultFetchTimeout,
		MaxAttempts:           DefaultMaxAttempts,
		RetryDelay:            DefaultRetryDelay,
		MaxRetryDelay:         DefaultMaxRetryDelay,
		RequestsPerSecond:     DefaultRequestsPerSecond,
		Burst:                 DefaultBurst,
		MaxConcurrentRequests: DefaultMaxConcurrentRequests,
		Commitment:            DefaultCommitment,
		UserAgent:             DefaultUserAgent,
	}
}

// WithDefaults applies default values for any unset fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.Endpoint == "" {
		c.Endpoint = defaults.Endpoint
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = defaults.RequestTimeout
	}
	if c.MaxAttempts == 0 {
		c.MaxAttempts = defaults.MaxAttempts
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = defaults.RetryDelay
	}
	if c.MaxRetryDelay == 0 {
		c.MaxRetryDelay = defaults.MaxRetryDelay
	}
	if c.RequestsPerSecond == 0 {
		c.RequestsPerSecond = defaults.RequestsPerSecond
	}
	if c.Burst == 0 {
		c.Burst = defaults.Burst
	}
	if c.MaxConcurrentRequests == 0 {
		c.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}
	if c.Commitment == "" {
		c.Commitment = defaults.Commitment
	}
	if c.UserAgent == "" {
		c.UserAgent = defaults.UserAgent
	}

	return c
}

// Endpoints returns the primary endpoint followed by the fallbacks.
func (c Config) Endpoints() []string {
	urls := make([]string, 0, 1+len(c.FallbackEndpoints))
	if c.Endpoint != "" {
		urls = append(urls, c.Endpoint)
	}
	for _, u := range c.FallbackEndpoints {
		if u != "" && u != c.Endpoint {
			urls = append(urls, u)
		}
	}
	return urls
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error

	if len(c.Endpoints()) == 0 {
		errs = append(errs, ErrNoEndpoints)
	}
	for _, u := range c.Endpoints() {
		if err := validateURL(u); err != nil {
			errs = append(errs, err)
		}
	}
	if c.RequestTimeout <= 0 {
		errs = append(errs, fmt.Errorf("request timeout must be positive, got %v", c.RequestTimeout))
	}
	if c.FetchTimeout < 0 {
		errs = append(errs, fmt.Errorf("fetch timeout must not be negative, got %v", c.FetchTimeout))
	}
	if c.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", c.MaxAttempts))
	}
	if c.RetryDelay < 0 {
		errs = append(errs, fmt.Errorf("retry delay must not be negative, got %v", c.RetryDelay))
	}
	if c.MaxRetryDelay < c.RetryDelay {
		errs = append(errs, fmt.Errorf("max retry delay %v is below retry delay %v", c.MaxRetryDelay, c.RetryDelay))
	}
	if c.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Errorf("requests per second must be positive, got %v", c.RequestsPerSecond))
	}
	if c.Burst < 1 {
		errs = append(errs, fmt.Errorf("burst must be at least 1, got %d", c.Burst))
	}
	if c.MaxConcurrentRequests < 1 {
		errs = append(errs, fmt.Errorf("max concurrent requests must be at least 1, got %d", c.MaxConcurrentRequests))
	}
	switch c.Commitment {
	case "", "processed", "confirmed", "finalized":
	default:
		errs = append(errs, fmt.Errorf("unknown commitment %q", c.Commitment))
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("endpoint %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q: missing host", raw)
	}
	return nil
}

// Preset names a tuned configuration for a class of endpoint.
type Preset string

// Known presets.
const (
	PresetPublic        Preset = "public"
	PresetPrivate       Preset = "private"
	PresetHighFrequency Preset = "high_frequency"
	PresetBatch         Preset = "batch"
	PresetDevelopment   Preset = "development"
	PresetEnterprise    Preset = "enterprise"
	PresetHelius        Preset = "helius"
	PresetQuickNode     Preset = "quicknode"
	PresetAlchemy       Preset = "alchemy"
)

type presetValues struct {
	timeout     time.Duration
	attempts    int
	rps         float64
	concurrency int
}

var presets = map[Preset]presetValues{
	PresetPublic:        {60 * time.Second, 5, 2, 5},
	PresetPrivate:       {30 * time.Second, 3, 10, 20},
	PresetHighFrequency: {15 * time.Second, 2, 50, 50},
	PresetBatch:         {120 * time.Second, 5, 5, 100},
	PresetDevelopment:   {60 * time.Second, 1, 1, 5},
	PresetEnterprise:    {45 * time.Second, 3, 25, 30},
	PresetHelius:        {30 * time.Second, 3, 20, 25},
	PresetQuickNode:     {30 * time.Second, 3, 15, 20},
	PresetAlchemy:       {30 * time.Second, 3, 25, 30},
}

// Presets returns the known preset names.
func Presets() []Preset {
	return []Preset{
		PresetPublic, PresetPrivate, PresetHighFrequency, PresetBatch, PresetDevelopment,
		PresetEnterprise, PresetHelius, PresetQuickNode, PresetAlchemy,
	}
}

// NewConfig returns DefaultConfig tuned by preset for endpoint. An empty
// preset is chosen with PresetForEndpoint.
func NewConfig(endpoint string, preset Preset) (Config, error) {
	if preset == "" {
		preset = PresetForEndpoint(endpoint)
	}
	v, ok := presets[preset]
	if !ok {
		return Config{}, fmt.Errorf("%w: unknown preset %q", ErrInvalidConfig, preset)
	}

	cfg := DefaultConfig()
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	cfg.RequestTimeout = v.timeout
	cfg.MaxAttempts = v.attempts
	cfg.RequestsPerSecond = v.rps
	cfg.MaxConcurrentRequests = v.concurrency
	return cfg, nil
}

// PresetForEndpoint picks a preset from well-known provider hostnames.
func PresetForEndpoint(endpoint string) Preset {
	e := strings.ToLower(endpoint)
	switch {
	case strings.Contains(e, "helius"):
		return PresetHelius
	case strings.Contains(e, "quiknode") || strings.Contains(e, "quicknode"):
		return PresetQuickNode
	case strings.Contains(e, "alchemy"):
		return PresetAlchemy
	case strings.Contains(e, "localhost") || strings.Contains(e, "127.0.0.1"):
		return PresetDevelopment
	case strings.Contains(e, "api.mainnet-beta.solana.com"),
		strings.Contains(e, "api.devnet.solana.com"),
		strings.Contains(e, "api.testnet.solana.com"):
		return PresetPublic
	default:
		return PresetPrivate
	}
}
