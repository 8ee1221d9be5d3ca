package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config values can be written as "60s"
// or "5m" in YAML.
type Duration time.Duration

// UnmarshalYAML parses a Go duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration back as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config represents the complete listsyncd configuration
type Config struct {
	Source SourceConfig `yaml:"source"`
	Paths  PathsConfig  `yaml:"paths"`
	HTTP   HTTPConfig   `yaml:"http"`
	Sync   SyncConfig   `yaml:"sync"`
	Serve  ServeConfig  `yaml:"serve"`
}

// SourceConfig configures the remote listing page
type SourceConfig struct {
	URL          string   `yaml:"url"`
	Patterns     []string `yaml:"patterns"`
	FetchDigests *bool    `yaml:"fetch_digests"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	DownloadDir string `yaml:"download_dir"`
	StateDir    string `yaml:"state_dir"`
}

// HTTPConfig configures transport behavior for listing and file requests
type HTTPConfig struct {
	Timeout            Duration `yaml:"timeout"`
	Retries            int      `yaml:"retries"`
	RetryWait          Duration `yaml:"retry_wait"`
	RateLimit          float64  `yaml:"rate_limit"`
	RateBurst          int      `yaml:"rate_burst"`
	UserAgent          string   `yaml:"user_agent"`
	InsecureSkipVerify bool     `yaml:"insecure_skip_verify"`
}

// SyncConfig configures reconciliation behavior
type SyncConfig struct {
	Concurrency int      `yaml:"concurrency"`
	RunTimeout  Duration `yaml:"run_timeout"`
	VerifyGzip  *bool    `yaml:"verify_gzip"`
}

// ServeConfig configures daemon mode: periodic runs plus a trigger endpoint
type ServeConfig struct {
	Enabled           bool     `yaml:"enabled"`
	ListenAddr        string   `yaml:"listen_addr"`
	Interval          Duration `yaml:"interval"`
	WebhookSecretFile string   `yaml:"webhook_secret_file"`
}

// Defaults applied by applyDefaults when the file leaves a field unset.
const (
	DefaultTimeout     = 60 * time.Second
	DefaultRetries     = 3
	DefaultRetryWait   = 5 * time.Second
	DefaultRateLimit   = 2.0
	DefaultRateBurst   = 1
	DefaultConcurrency = 4
	DefaultRunTimeout  = 15 * time.Minute
	DefaultInterval    = 6 * time.Hour
	DefaultUserAgent   = "listsyncd/1.0"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Source.URL = os.ExpandEnv(c.Source.URL)
	for i, p := range c.Source.Patterns {
		c.Source.Patterns[i] = os.ExpandEnv(p)
	}
	c.Paths.DownloadDir = os.ExpandEnv(c.Paths.DownloadDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.HTTP.UserAgent = os.ExpandEnv(c.HTTP.UserAgent)
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.WebhookSecretFile = os.ExpandEnv(c.Serve.WebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.HTTP.Timeout == 0 {
		c.HTTP.Timeout = Duration(DefaultTimeout)
	}
	if c.HTTP.Retries == 0 {
		c.HTTP.Retries = DefaultRetries
	}
	if c.HTTP.RetryWait == 0 {
		c.HTTP.RetryWait = Duration(DefaultRetryWait)
	}
	if c.HTTP.RateLimit == 0 {
		c.HTTP.RateLimit = DefaultRateLimit
	}
	if c.HTTP.RateBurst == 0 {
		c.HTTP.RateBurst = DefaultRateBurst
	}
	if c.HTTP.UserAgent == "" {
		c.HTTP.UserAgent = DefaultUserAgent
	}
	if c.Sync.Concurrency == 0 {
		c.Sync.Concurrency = DefaultConcurrency
	}
	if c.Sync.RunTimeout == 0 {
		c.Sync.RunTimeout = Duration(DefaultRunTimeout)
	}
	if c.Sync.VerifyGzip == nil {
		on := true
		c.Sync.VerifyGzip = &on
	}
	if c.Source.FetchDigests == nil {
		on := true
		c.Source.FetchDigests = &on
	}
	if c.Serve.Interval == 0 {
		c.Serve.Interval = Duration(DefaultInterval)
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Source.URL == "" {
		return fmt.Errorf("source.url is required")
	}
	u, err := url.Parse(c.Source.URL)
	if err != nil {
		return fmt.Errorf("source.url is not a valid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("source.url must use http or https scheme: %s", c.Source.URL)
	}

	if len(c.Source.Patterns) == 0 {
		return fmt.Errorf("source.patterns requires at least one filename pattern")
	}
	for _, p := range c.Source.Patterns {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid filename pattern: %s", p)
		}
	}

	if c.Paths.DownloadDir == "" {
		return fmt.Errorf("paths.download_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	if !filepath.IsAbs(c.Paths.DownloadDir) {
		return fmt.Errorf("paths.download_dir must be an absolute path: %s", c.Paths.DownloadDir)
	}
	if !filepath.IsAbs(c.Paths.StateDir) {
		return fmt.Errorf("paths.state_dir must be an absolute path: %s", c.Paths.StateDir)
	}

	if c.HTTP.Retries < 1 {
		return fmt.Errorf("http.retries must be at least 1")
	}
	if c.HTTP.RateLimit < 0 {
		return fmt.Errorf("http.rate_limit must not be negative")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}

	if c.Serve.Enabled {
		if c.Serve.ListenAddr == "" {
			return fmt.Errorf("serve.listen_addr is required when serve is enabled")
		}
		if c.Serve.WebhookSecretFile == "" {
			return fmt.Errorf("serve.webhook_secret_file is required when serve is enabled")
		}
		if c.Serve.Interval.Std() < time.Minute {
			return fmt.Errorf("serve.interval must be at least 1m")
		}
	}

	return nil
}

// RegistryPath returns the path to the metadata registry file
func (c *Config) RegistryPath() string {
	return filepath.Join(c.Paths.StateDir, "registry.json")
}

// FetchDigestsEnabled reports whether digest sidecar entries should be
// resolved before diffing.
func (c *Config) FetchDigestsEnabled() bool {
	return c.Source.FetchDigests == nil || *c.Source.FetchDigests
}

// VerifyGzipEnabled reports whether downloaded .gz payloads get a
// decompression probe before commit.
func (c *Config) VerifyGzipEnabled() bool {
	return c.Sync.VerifyGzip == nil || *c.Sync.VerifyGzip
}
