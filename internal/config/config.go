package config

import (
	"fmt"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey overrides mailchimp.api_key when set
const EnvAPIKey = "LISTSYNC_MAILCHIMP_API_KEY"

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Mailchimp MailchimpConfig `yaml:"mailchimp"`
	Cache     CacheConfig     `yaml:"cache"`
	Storage   StorageConfig   `yaml:"storage"`
	Outbox    OutboxConfig    `yaml:"outbox"`
	DLQ       DLQConfig       `yaml:"dlq"`
	Notify    NotifyConfig    `yaml:"notify"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`          // Admin routes key (empty = admin routes open)
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Max submission body size (default: 1MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access admin routes (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"`      // Take the client address from X-Forwarded-For
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig contains HTTPS settings for the API listener
type TLSConfig struct {
	CertFile string     `yaml:"cert_file"`
	KeyFile  string     `yaml:"key_file"`
	ACME     ACMEConfig `yaml:"acme"`
}

// Enabled reports whether the API listener serves HTTPS
func (t TLSConfig) Enabled() bool {
	return t.ACME.Enabled || t.CertFile != ""
}

// ACMEConfig contains Let's Encrypt settings
type ACMEConfig struct {
	Enabled  bool     `yaml:"enabled"`
	Email    string   `yaml:"email"`
	Domains  []string `yaml:"domains"`
	CacheDir string   `yaml:"cache_dir"` // Default: certs/ next to the database
	HTTPAddr string   `yaml:"http_addr"` // HTTP-01 challenge listener (default: :80)
}

// MailchimpConfig contains Mailchimp API settings
type MailchimpConfig struct {
	APIKey     string        `yaml:"api_key"`  // Bootstrap key for the default site
	BaseURL    string        `yaml:"base_url"` // Override the data-center URL derived from the key
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"` // In-request retries for 429/5xx/network errors
	PageSize   int           `yaml:"page_size"`
}

// CacheConfig contains metadata cache settings
type CacheConfig struct {
	Backend string        `yaml:"backend"` // memory, redis
	TTL     time.Duration `yaml:"ttl"`     // 0 = no expiry
	Redis   RedisConfig   `yaml:"redis"`
}

// RedisConfig contains Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Path      string           `yaml:"path"`
	Retention *RetentionConfig `yaml:"retention"`
}

// RetentionConfig contains delivered entry retention settings
type RetentionConfig struct {
	DeliveredMaxAge time.Duration `yaml:"delivered_max_age"` // Delete delivered entries older than this (0 = keep forever)
	CleanupInterval time.Duration `yaml:"cleanup_interval"`  // How often to run cleanup
}

// OutboxConfig contains retry queue processor settings
type OutboxConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Workers         int           `yaml:"workers"`
	RetryInterval   time.Duration `yaml:"retry_interval"`
	MaxRetries      int           `yaml:"max_retries"`
	ProcessInterval time.Duration `yaml:"process_interval"`
}

// DLQConfig contains Dead Letter Queue settings
type DLQConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // Delete DLQ entries older than this (0 = keep forever)
	MaxCount        int           `yaml:"max_count"`        // Max entries in DLQ (0 = unlimited)
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // How often to run DLQ cleanup
}

// NotifyConfig contains admin notification settings
type NotifyConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	TLS           string        `yaml:"tls"` // none, starttls, tls
	TLSSkipVerify bool          `yaml:"tls_skip_verify"`
	From          string        `yaml:"from"`
	To            []string      `yaml:"to"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	Timeout       time.Duration `yaml:"timeout"`
	DKIM          DKIMConfig    `yaml:"dkim"`
}

// DKIMConfig contains DKIM signing settings for notifications
type DKIMConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Selector string `yaml:"selector"`
	KeyFile  string `yaml:"key_file"`
	Domain   string `yaml:"domain"`
}

// RateLimitConfig contains submission rate limiting settings
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`

	// Global limits (for entire server)
	Global *LimitValues `yaml:"global,omitempty"`

	// Default limits per site
	DefaultSite *LimitValues `yaml:"default_site,omitempty"`

	// Default limits per page
	DefaultPage *LimitValues `yaml:"default_page,omitempty"`

	// Default limits per client IP
	DefaultIP *LimitValues `yaml:"default_ip,omitempty"`
}

// LimitValues contains rate limit values
type LimitValues struct {
	SubmissionsPerHour int `yaml:"submissions_per_hour"`
	SubmissionsPerDay  int `yaml:"submissions_per_day"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled"`
	ListenAddr    string        `yaml:"listen_addr"`    // Default: :9090
	Path          string        `yaml:"path"`           // Default: /metrics
	FlushInterval time.Duration `yaml:"flush_interval"` // Default: 10s
	AllowedIPs    []string      `yaml:"allowed_ips"`    // IP addresses/CIDRs allowed to access metrics
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes YAML configuration, applies the environment override and
// defaults, then validates the result
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if key := strings.TrimSpace(os.Getenv(EnvAPIKey)); key != "" {
		cfg.Mailchimp.APIKey = key
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 1 << 20
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Mailchimp.Timeout == 0 {
		c.Mailchimp.Timeout = 30 * time.Second
	}
	if c.Mailchimp.MaxRetries == 0 {
		c.Mailchimp.MaxRetries = 2
	}
	if c.Mailchimp.PageSize == 0 {
		c.Mailchimp.PageSize = 100
	}

	if c.Cache.Backend == "" {
		c.Cache.Backend = "memory"
	}
	if c.Cache.Redis.Addr == "" {
		c.Cache.Redis.Addr = "localhost:6379"
	}

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/listsync/listsync.db"
	}
	if acme := &c.API.TLS.ACME; acme.Enabled {
		if acme.CacheDir == "" {
			acme.CacheDir = filepath.Join(filepath.Dir(c.Storage.Path), "certs")
		}
		if acme.HTTPAddr == "" {
			acme.HTTPAddr = ":80"
		}
	}
	if c.Storage.Retention == nil {
		c.Storage.Retention = &RetentionConfig{}
	}
	if c.Storage.Retention.CleanupInterval == 0 {
		c.Storage.Retention.CleanupInterval = time.Hour
	}

	if c.Outbox.Workers == 0 {
		c.Outbox.Workers = 2
	}
	if c.Outbox.RetryInterval == 0 {
		c.Outbox.RetryInterval = 5 * time.Minute
	}
	if c.Outbox.MaxRetries == 0 {
		c.Outbox.MaxRetries = 8
	}
	if c.Outbox.ProcessInterval == 0 {
		c.Outbox.ProcessInterval = 10 * time.Second
	}

	if c.DLQ.CleanupInterval == 0 {
		c.DLQ.CleanupInterval = time.Hour
	}

	if c.Notify.Port == 0 {
		c.Notify.Port = 587
	}
	if c.Notify.TLS == "" {
		c.Notify.TLS = "starttls"
	}
	if c.Notify.Timeout == 0 {
		c.Notify.Timeout = 30 * time.Second
	}
	if c.Notify.DKIM.Enabled && c.Notify.DKIM.Domain == "" {
		if addr, err := mail.ParseAddress(c.Notify.From); err == nil {
			if i := strings.LastIndex(addr.Address, "@"); i >= 0 {
				c.Notify.DKIM.Domain = addr.Address[i+1:]
			}
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Metrics.FlushInterval == 0 {
		c.Metrics.FlushInterval = 10 * time.Second
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("invalid cache.backend: %s (must be memory or redis)", c.Cache.Backend)
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("cache.ttl must not be negative")
	}

	if c.Outbox.Workers < 0 || c.Outbox.MaxRetries < 0 {
		return fmt.Errorf("outbox.workers and outbox.max_retries must not be negative")
	}

	if err := c.validateTLS(); err != nil {
		return err
	}

	if err := c.validateNotify(); err != nil {
		return err
	}

	return nil
}

// validateTLS validates API listener TLS configuration
func (c *Config) validateTLS() error {
	t := c.API.TLS
	if (t.CertFile == "") != (t.KeyFile == "") {
		return fmt.Errorf("api.tls.cert_file and api.tls.key_file must be set together")
	}
	if !t.ACME.Enabled {
		return nil
	}
	if t.CertFile != "" {
		return fmt.Errorf("api.tls.acme cannot be combined with cert_file")
	}
	if len(t.ACME.Domains) == 0 {
		return fmt.Errorf("api.tls.acme.domains must not be empty when ACME is enabled")
	}
	if t.ACME.Email == "" {
		return fmt.Errorf("api.tls.acme.email is required when ACME is enabled")
	}
	return nil
}

// validateNotify validates admin notification configuration
func (c *Config) validateNotify() error {
	n := c.Notify
	if !n.Enabled {
		return nil
	}

	if n.Host == "" {
		return fmt.Errorf("notify.host is required when notifications are enabled")
	}
	if n.From == "" {
		return fmt.Errorf("notify.from is required when notifications are enabled")
	}
	if _, err := mail.ParseAddress(n.From); err != nil {
		return fmt.Errorf("invalid notify.from: %w", err)
	}
	if len(n.To) == 0 {
		return fmt.Errorf("notify.to must not be empty when notifications are enabled")
	}
	for _, to := range n.To {
		if _, err := mail.ParseAddress(to); err != nil {
			return fmt.Errorf("invalid notify.to address %q: %w", to, err)
		}
	}

	switch n.TLS {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("invalid notify.tls: %s (must be none, starttls or tls)", n.TLS)
	}

	if n.DKIM.Enabled {
		if n.DKIM.Selector == "" {
			return fmt.Errorf("notify.dkim.selector is required when DKIM is enabled")
		}
		if n.DKIM.KeyFile == "" {
			return fmt.Errorf("notify.dkim.key_file is required when DKIM is enabled")
		}
		if n.DKIM.Domain == "" {
			return fmt.Errorf("notify.dkim.domain is required when DKIM is enabled")
		}
	}

	return nil
}
