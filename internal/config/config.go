// Package config loads the skiprate CLI configuration from a YAML file and
// the environment.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/fortiblox/stratus-skiprate/pkg/rpcfetch"
)

//go:embed default.yml
var defaultConfigYml []byte

// Config is the CLI configuration.
type Config struct {
	Logging   LoggingConfig   `yaml:"logging"`
	RPC       RPCConfig       `yaml:"rpc"`
	Storage   StorageConfig   `yaml:"storage"`
	Watch     WatchConfig     `yaml:"watch"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// LoggingConfig selects the log level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level" envconfig:"SKIPRATE_LOG_LEVEL"`
	Format string `yaml:"format" envconfig:"SKIPRATE_LOG_FORMAT"`
}

// RPCConfig overrides the preset-derived fetcher configuration. Zero values
// keep the preset's setting.
type RPCConfig struct {
	Endpoint          string            `yaml:"endpoint" envconfig:"SKIPRATE_RPC_ENDPOINT"`
	FallbackEndpoints []string          `yaml:"fallbackEndpoints" envconfig:"SKIPRATE_RPC_FALLBACK_ENDPOINTS"`
	Preset            string            `yaml:"preset" envconfig:"SKIPRATE_RPC_PRESET"`
	Commitment        string            `yaml:"commitment" envconfig:"SKIPRATE_RPC_COMMITMENT"`
	Headers           map[string]string `yaml:"headers" envconfig:"SKIPRATE_RPC_HEADERS"`

	RequestTimeout time.Duration `yaml:"requestTimeout" envconfig:"SKIPRATE_RPC_REQUEST_TIMEOUT"`
	FetchTimeout   time.Duration `yaml:"fetchTimeout" envconfig:"SKIPRATE_RPC_FETCH_TIMEOUT"`
	MaxAttempts    int           `yaml:"maxAttempts" envconfig:"SKIPRATE_RPC_MAX_ATTEMPTS"`
	RetryDelay     time.Duration `yaml:"retryDelay" envconfig:"SKIPRATE_RPC_RETRY_DELAY"`
	MaxRetryDelay  time.Duration `yaml:"maxRetryDelay" envconfig:"SKIPRATE_RPC_MAX_RETRY_DELAY"`

	RequestsPerSecond     float64 `yaml:"requestsPerSecond" envconfig:"SKIPRATE_RPC_REQUESTS_PER_SECOND"`
	Burst                 int     `yaml:"burst" envconfig:"SKIPRATE_RPC_BURST"`
	MaxConcurrentRequests int     `yaml:"maxConcurrentRequests" envconfig:"SKIPRATE_RPC_MAX_CONCURRENT_REQUESTS"`

	ChunkSlots    uint64 `yaml:"chunkSlots" envconfig:"SKIPRATE_RPC_CHUNK_SLOTS"`
	StrictRecords bool   `yaml:"strictRecords" envconfig:"SKIPRATE_RPC_STRICT_RECORDS"`
}

// StorageConfig locates the snapshot and performance history stores.
type StorageConfig struct {
	DataDir          string        `yaml:"dataDir" envconfig:"SKIPRATE_DATA_DIR"`
	SnapshotRetain   int           `yaml:"snapshotRetain" envconfig:"SKIPRATE_SNAPSHOT_RETAIN"`
	HistoryRetention time.Duration `yaml:"historyRetention" envconfig:"SKIPRATE_HISTORY_RETENTION"`
}

// SnapshotPath is the bbolt file holding saved snapshots.
func (s StorageConfig) SnapshotPath() string {
	return filepath.Join(s.DataDir, "snapshots.db")
}

// HistoryPath is the badger directory holding validator history.
func (s StorageConfig) HistoryPath() string {
	return filepath.Join(s.DataDir, "history")
}

// WatchConfig configures the watch loop.
type WatchConfig struct {
	Interval    time.Duration `yaml:"interval" envconfig:"SKIPRATE_WATCH_INTERVAL"`
	MetricsAddr string        `yaml:"metricsAddr" envconfig:"SKIPRATE_METRICS_ADDR"`
}

// DashboardConfig configures the JSON API served by the watch loop.
type DashboardConfig struct {
	Enabled     bool   `yaml:"enabled" envconfig:"SKIPRATE_DASHBOARD_ENABLED"`
	BindAddress string `yaml:"bindAddress" envconfig:"SKIPRATE_DASHBOARD_BIND_ADDRESS"`
	Port        int    `yaml:"port" envconfig:"SKIPRATE_DASHBOARD_PORT"`
}

// ReadConfig fills cfg from the built-in defaults, the file at path (if
// any) and finally SKIPRATE_* environment variables.
func ReadConfig(cfg *Config, path string) error {
	if err := yaml.Unmarshal(defaultConfigYml, cfg); err != nil {
		return fmt.Errorf("error decoding default config: %w", err)
	}
	if err := readConfigFile(cfg, path); err != nil {
		return err
	}
	if err := readConfigEnv(cfg); err != nil {
		return fmt.Errorf("error reading environment: %w", err)
	}
	return cfg.Validate()
}

func readConfigFile(cfg *Config, path string) error {
	if path == "" {
		return nil
	}

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("error opening config file %v: %w", path, err)
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	decoder.KnownFields(true)
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("error decoding config file %v: %w", path, err)
	}
	return nil
}

func readConfigEnv(cfg *Config) error {
	return envconfig.Process("", cfg)
}

// Validate checks the logging, storage and fetcher settings.
func (c *Config) Validate() error {
	var errs []error
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("unknown log format %q", c.Logging.Format))
	}
	if c.Storage.DataDir == "" {
		errs = append(errs, errors.New("storage.dataDir must be set"))
	}
	if c.Storage.SnapshotRetain < 0 {
		errs = append(errs, errors.New("storage.snapshotRetain must not be negative"))
	}
	if c.Watch.Interval <= 0 {
		errs = append(errs, errors.New("watch.interval must be positive"))
	}
	if c.Dashboard.Port < 0 || c.Dashboard.Port > 65535 {
		errs = append(errs, fmt.Errorf("dashboard.port %d out of range", c.Dashboard.Port))
	}
	if _, err := c.FetcherConfig(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// FetcherConfig builds the rpcfetch configuration: the preset for the
// endpoint, overridden by every non-zero RPC setting.
func (c *Config) FetcherConfig() (rpcfetch.Config, error) {
	r := c.RPC
	cfg, err := rpcfetch.NewConfig(r.Endpoint, rpcfetch.Preset(strings.ToLower(r.Preset)))
	if err != nil {
		return rpcfetch.Config{}, err
	}

	cfg.FallbackEndpoints = r.FallbackEndpoints
	cfg.Headers = r.Headers
	cfg.ChunkSlots = r.ChunkSlots
	cfg.StrictRecords = r.StrictRecords
	if r.Commitment != "" {
		cfg.Commitment = r.Commitment
	}
	if r.RequestTimeout > 0 {
		cfg.RequestTimeout = r.RequestTimeout
	}
	if r.FetchTimeout > 0 {
		cfg.FetchTimeout = r.FetchTimeout
	}
	if r.MaxAttempts > 0 {
		cfg.MaxAttempts = r.MaxAttempts
	}
	if r.RetryDelay > 0 {
		cfg.RetryDelay = r.RetryDelay
	}
	if r.MaxRetryDelay > 0 {
		cfg.MaxRetryDelay = r.MaxRetryDelay
	}
	if r.RequestsPerSecond > 0 {
		cfg.RequestsPerSecond = r.RequestsPerSecond
	}
	if r.Burst > 0 {
		cfg.Burst = r.Burst
	}
	if r.MaxConcurrentRequests > 0 {
		cfg.MaxConcurrentRequests = r.MaxConcurrentRequests
	}

	if err := cfg.Validate(); err != nil {
		return rpcfetch.Config{}, err
	}
	return cfg, nil
}

// NewLogger returns a logrus logger writing to stderr with the given level
// and format ("text" or "json").
func NewLogger(level, format string) (*logrus.Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(lvl)
	switch format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{})
	case "text", "":
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return logger, nil
}
