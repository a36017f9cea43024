package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Errors
var (
	ErrNoRPCURL              = errors.New("must specify an RPC endpoint with --rpc-url or ETH_RPC_URL")
	ErrInvalidWorkers        = errors.New("workers must be positive")
	ErrInvalidBatchSize      = errors.New("batch size must be positive")
	ErrInvalidMaxOutstanding = errors.New("max outstanding requests must be positive")
	ErrInvalidTimeout        = errors.New("rpc timeout must be positive")
	ErrInvalidMaxRetries     = errors.New("max retries must be at least 1")
	ErrInvalidLogLevel       = errors.New("unknown log level")
)

// Config holds the application configuration
type Config struct {
	RPCURL         string        `yaml:"rpc_url"`
	ProviderName   string        `yaml:"provider_name"`
	Workers        int           `yaml:"workers"`
	BatchSize      int           `yaml:"batch_size"`
	RPCTimeout     time.Duration `yaml:"rpc_timeout"`
	MaxOutstanding int           `yaml:"rpc_max_outstanding"`
	MaxRetries     int           `yaml:"rpc_max_retries"`
	MaxRetryTime   time.Duration `yaml:"rpc_max_retry_time"`

	StatsRefreshInterval time.Duration `yaml:"stats_refresh_interval"`
	StatsSaveInterval    time.Duration `yaml:"stats_save_interval"`
	OutputDir            string        `yaml:"output_dir"`
	HitsFilename         string        `yaml:"hits_filename"`
	StatsFilename        string        `yaml:"stats_filename"` // empty disables lifetime stats

	Seed                  string        `yaml:"seed"`
	FailureCooldown       time.Duration `yaml:"failure_cooldown"`
	AdvanceBatchOnFailure bool          `yaml:"advance_batch_on_failure"`

	LogLevel    string `yaml:"log_level"`
	LogFile     string `yaml:"log_file"`
	NoDashboard bool   `yaml:"no_dashboard"`
	MetricsAddr string `yaml:"metrics_addr"`
}

// NewConfig creates a new configuration with default values
func NewConfig() *Config {
	return &Config{
		ProviderName:         "ethereum",
		Workers:              4,
		BatchSize:            512,
		RPCTimeout:           30 * time.Second,
		MaxOutstanding:       8,
		MaxRetries:           5,
		MaxRetryTime:         60 * time.Second,
		StatsRefreshInterval: 250 * time.Millisecond,
		StatsSaveInterval:    5 * time.Second,
		OutputDir:            "output",
		HitsFilename:         "eth_hits.csv",
		StatsFilename:        "stats.json",
		FailureCooldown:      time.Second,
		LogLevel:             "info",
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if strings.TrimSpace(c.RPCURL) == "" {
		return ErrNoRPCURL
	}
	if c.Workers <= 0 {
		return ErrInvalidWorkers
	}
	if c.BatchSize <= 0 {
		return ErrInvalidBatchSize
	}
	if c.MaxOutstanding <= 0 {
		return ErrInvalidMaxOutstanding
	}
	if c.RPCTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if c.MaxRetries < 1 {
		return ErrInvalidMaxRetries
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}
	return nil
}

// HitsPath returns the CSV file hits are appended to
func (c *Config) HitsPath() string {
	return filepath.Join(c.OutputDir, c.HitsFilename)
}

// StatsPath returns the lifetime stats file, or "" when persistence is off
func (c *Config) StatsPath() string {
	if c.StatsFilename == "" {
		return ""
	}
	return filepath.Join(c.OutputDir, c.StatsFilename)
}

// RedactedRPCURL returns the endpoint without credentials, path or query,
// which often carry API keys
func (c *Config) RedactedRPCURL() string {
	u, err := url.Parse(c.RPCURL)
	if err != nil || u.Host == "" {
		return "<invalid>"
	}
	return u.Scheme + "://" + u.Host
}

// LoadFile merges a YAML file into the configuration. Keys absent from the
// file keep their current values; unknown keys are rejected.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

// Environment variable names
const (
	EnvRPCURL               = "ETH_RPC_URL"
	EnvProviderName         = "PROVIDER_NAME"
	EnvWorkers              = "WORKERS"
	EnvBatchSize            = "BATCH_SIZE"
	EnvRPCTimeout           = "RPC_TIMEOUT"
	EnvMaxOutstanding       = "RPC_MAX_OUTSTANDING"
	EnvMaxRetries           = "RPC_MAX_RETRIES"
	EnvStatsRefreshInterval = "STATS_REFRESH_INTERVAL"
	EnvOutputDir            = "OUTPUT_DIR"
	EnvHitsFilename         = "HITS_FILENAME"
	EnvStatsFilename        = "STATS_FILENAME"
	EnvSeed                 = "SEED"
	EnvLogLevel             = "LOG_LEVEL"
	EnvMetricsAddr          = "METRICS_ADDR"
)

// ApplyEnv overrides fields from environment variables. Unset and empty
// variables are ignored.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup(key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	strs := map[string]*string{
		EnvRPCURL:        &c.RPCURL,
		EnvProviderName:  &c.ProviderName,
		EnvOutputDir:     &c.OutputDir,
		EnvHitsFilename:  &c.HitsFilename,
		EnvStatsFilename: &c.StatsFilename,
		EnvSeed:          &c.Seed,
		EnvLogLevel:      &c.LogLevel,
		EnvMetricsAddr:   &c.MetricsAddr,
	}
	for key, dst := range strs {
		if v, ok := get(key); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		EnvWorkers:        &c.Workers,
		EnvBatchSize:      &c.BatchSize,
		EnvMaxOutstanding: &c.MaxOutstanding,
		EnvMaxRetries:     &c.MaxRetries,
	}
	for key, dst := range ints {
		if v, ok := get(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		EnvRPCTimeout:           &c.RPCTimeout,
		EnvStatsRefreshInterval: &c.StatsRefreshInterval,
	}
	for key, dst := range durations {
		if v, ok := get(key); ok {
			d, err := ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", key, err)
			}
			*dst = d
		}
	}
	return nil
}

// ParseDuration accepts Go duration syntax ("250ms") or a plain number of
// seconds ("0.25")
func ParseDuration(s string) (time.Duration, error) {
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	return time.ParseDuration(s)
}
