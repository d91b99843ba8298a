// Package config loads and validates the YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/salonhq/outreach/internal/channel"
)

// Config is the main configuration structure
type Config struct {
	API       APIConfig               `yaml:"api"`
	Storage   StorageConfig           `yaml:"storage"`
	Dispatch  DispatchConfig          `yaml:"dispatch"`
	Channels  ChannelsConfig          `yaml:"channels"` // Default provider credentials
	Tenants   map[string]TenantConfig `yaml:"tenants"`  // Per-tenant overrides
	Plan      PlanConfig              `yaml:"plan"`
	Metrics   MetricsConfig           `yaml:"metrics"`
	Logging   LoggingConfig           `yaml:"logging"`
	Retention RetentionConfig         `yaml:"retention"`
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
}

// StorageConfig contains persistence settings
type StorageConfig struct {
	Path string `yaml:"path"`
}

// DispatchConfig contains batch processing settings
type DispatchConfig struct {
	BatchSize     int           `yaml:"batch_size"`     // Recipients per batch (default: 50)
	Concurrency   int           `yaml:"concurrency"`    // Concurrent sends within a batch (default: 10)
	BatchDelay    time.Duration `yaml:"batch_delay"`    // Pause between batches (default: 1s)
	MaxRetries    int           `yaml:"max_retries"`    // Attempts per job (default: 3)
	RetryInterval time.Duration `yaml:"retry_interval"` // Base backoff (default: 1m)
	RetryPoll     time.Duration `yaml:"retry_poll"`     // Deferred-job poll interval (default: 15s)
}

// ChannelsConfig contains provider credentials for each channel.
// Channels left unconfigured get no adapter.
type ChannelsConfig struct {
	SMS       *channel.SMSConfig       `yaml:"sms,omitempty"`
	Email     *channel.EmailConfig     `yaml:"email,omitempty"`
	Line      *channel.LineConfig      `yaml:"line,omitempty"`
	Instagram *channel.InstagramConfig `yaml:"instagram,omitempty"`
}

// TenantConfig contains per-tenant settings: the API key that
// authenticates as this tenant (bcrypt hash), an optional monthly
// send limit, and optional provider credential overrides.
type TenantConfig struct {
	APIKeyHash   string          `yaml:"api_key_hash"`
	MonthlyLimit int64           `yaml:"monthly_limit,omitempty"` // 0 = plan default
	Channels     *ChannelsConfig `yaml:"channels,omitempty"`
}

// PlanConfig contains plan limit settings
type PlanConfig struct {
	DefaultMonthlyLimit int64 `yaml:"default_monthly_limit"` // 0 = unlimited
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool   `yaml:"enabled"`
	ListenAddr string `yaml:"listen_addr"` // Default: :9090
	Path       string `yaml:"path"`        // Default: /metrics
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// RetentionConfig contains delivery record retention settings
type RetentionConfig struct {
	MaxAge          time.Duration `yaml:"max_age"`          // 0 = keep forever
	CleanupInterval time.Duration `yaml:"cleanup_interval"` // Default: 1h
}

// Load reads, defaults, and validates a config file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
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

	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/outreach/outreach.db"
	}

	if c.Dispatch.BatchSize == 0 {
		c.Dispatch.BatchSize = 50
	}
	if c.Dispatch.Concurrency == 0 {
		c.Dispatch.Concurrency = 10
	}
	if c.Dispatch.BatchDelay == 0 {
		c.Dispatch.BatchDelay = time.Second
	}
	if c.Dispatch.MaxRetries == 0 {
		c.Dispatch.MaxRetries = 3
	}
	if c.Dispatch.RetryInterval == 0 {
		c.Dispatch.RetryInterval = time.Minute
	}
	if c.Dispatch.RetryPoll == 0 {
		c.Dispatch.RetryPoll = 15 * time.Second
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

	if c.Retention.CleanupInterval == 0 {
		c.Retention.CleanupInterval = time.Hour
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

	if c.Dispatch.BatchSize < 0 {
		return fmt.Errorf("dispatch.batch_size must be positive")
	}

	if len(c.Tenants) == 0 {
		return fmt.Errorf("at least one tenant must be configured")
	}
	for id, tenant := range c.Tenants {
		if tenant.APIKeyHash == "" {
			return fmt.Errorf("tenants.%s.api_key_hash is required", id)
		}
	}

	if err := c.Channels.validate("channels"); err != nil {
		return err
	}
	for id, tenant := range c.Tenants {
		if tenant.Channels != nil {
			if err := tenant.Channels.validate("tenants." + id + ".channels"); err != nil {
				return err
			}
		}
	}

	return nil
}

func (cc *ChannelsConfig) validate(prefix string) error {
	if cc.SMS != nil && cc.SMS.APIURL == "" {
		return fmt.Errorf("%s.sms.api_url is required", prefix)
	}
	if cc.Email != nil && cc.Email.Host == "" {
		return fmt.Errorf("%s.email.host is required", prefix)
	}
	if cc.Line != nil && cc.Line.ChannelAccessToken == "" {
		return fmt.Errorf("%s.line.channel_access_token is required", prefix)
	}
	if cc.Instagram != nil && (cc.Instagram.AccountID == "" || cc.Instagram.AccessToken == "") {
		return fmt.Errorf("%s.instagram.account_id and access_token are required", prefix)
	}
	return nil
}

// MonthlyLimit returns the tenant's effective monthly send limit.
// 0 means unlimited.
func (c *Config) MonthlyLimit(tenantID string) int64 {
	if tenant, ok := c.Tenants[tenantID]; ok && tenant.MonthlyLimit > 0 {
		return tenant.MonthlyLimit
	}
	return c.Plan.DefaultMonthlyLimit
}
