// Package config loads and validates the app usage service configuration using Viper.
//
// Configuration is layered: built-in defaults < YAML config file < environment
// variables. Environment variables use the GAU_ prefix (e.g., GAU_GITHUB_TOKEN
// overrides github.token in the YAML), so the same binary runs from a config.yaml
// locally and from pure environment variables in a container.
//
// The GitHub token may also be written as ${VAR} in the YAML file; it is expanded
// after loading so the secret itself never has to live in the file.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Bounds on the inactivity window accepted from callers, in days.
const (
	MinInactiveDays     = 1
	MaxInactiveDays     = 180
	DefaultInactiveDays = 90
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	GitHub    GitHubConfig    `mapstructure:"github"`
	Usage     UsageConfig     `mapstructure:"usage"`
	Security  SecurityConfig  `mapstructure:"security"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout of zero disables the deadline. Progress streams stay open for the
	// whole scan, so any non-zero value must exceed the longest expected scan.
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// GitHubConfig holds the upstream GitHub API settings
type GitHubConfig struct {
	// APIURL is the REST root. For GitHub Enterprise Server use
	// https://<host>/api/v3.
	APIURL string `mapstructure:"api_url"`
	// Token is the fallback credential when a request carries no bearer token.
	Token          string        `mapstructure:"token"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// UsageConfig tunes the audit log scanner
type UsageConfig struct {
	// Strategy is "bulk" (one pass over the whole log) or "per_app" (one filtered
	// query per app).
	Strategy            string        `mapstructure:"strategy"`
	DefaultInactiveDays int           `mapstructure:"default_inactive_days"`
	PageSize            int           `mapstructure:"page_size"`
	MaxEntries          int           `mapstructure:"max_entries"`
	StalePageLimit      int           `mapstructure:"stale_page_limit"`
	PageTimeout         time.Duration `mapstructure:"page_timeout"`
	ScanTimeout         time.Duration `mapstructure:"scan_timeout"`
	Retry               RetryConfig   `mapstructure:"retry"`
}

// RetryConfig bounds retries of transient audit log failures
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	CORS         CORSConfig         `mapstructure:"cors"`
	RateLimiting RateLimitingConfig `mapstructure:"rate_limiting"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	AllowedMethods []string `mapstructure:"allowed_methods"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled           bool `mapstructure:"enabled"`
	RequestsPerMinute int  `mapstructure:"requests_per_minute"`
	Burst             int  `mapstructure:"burst"`
	// RedisURL switches the limiter to a Redis-backed one shared by every replica,
	// e.g. redis://localhost:6379/0. Empty keeps the in-process limiter.
	RedisURL string `mapstructure:"redis_url"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// TelemetryConfig holds observability configuration
type TelemetryConfig struct {
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	PrometheusPort int  `mapstructure:"prometheus_port"`
}

// bindEnvVars explicitly binds environment variables to config keys.
// This is necessary because AutomaticEnv() doesn't work well with nested structs during Unmarshal.
func bindEnvVars(v *viper.Viper) error {
	keys := []string{
		// Server
		"server.host",
		"server.port",
		"server.read_timeout",
		"server.write_timeout",
		"server.shutdown_timeout",

		// GitHub
		"github.api_url",
		"github.token",
		"github.request_timeout",

		// Usage scanning
		"usage.strategy",
		"usage.default_inactive_days",
		"usage.page_size",
		"usage.max_entries",
		"usage.stale_page_limit",
		"usage.page_timeout",
		"usage.scan_timeout",
		"usage.retry.max_attempts",
		"usage.retry.base_delay",
		"usage.retry.max_delay",

		// Security
		"security.cors.allowed_origins",
		"security.cors.allowed_methods",
		"security.rate_limiting.enabled",
		"security.rate_limiting.requests_per_minute",
		"security.rate_limiting.burst",
		"security.rate_limiting.redis_url",

		// Logging
		"logging.level",
		"logging.format",

		// Telemetry
		"telemetry.metrics.enabled",
		"telemetry.metrics.prometheus_port",
	}
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("failed to bind env var %q: %w", key, err)
		}
	}
	return nil
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v, err := newViper(configPath)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

// Watch re-reads the config file whenever it changes and passes every valid
// result to apply. Invalid edits are logged and skipped. It does nothing when no
// config file is in use.
func Watch(configPath string, apply func(*Config)) error {
	v, err := newViper(configPath)
	if err != nil {
		return err
	}
	if v.ConfigFileUsed() == "" {
		return nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(v)
		if err != nil {
			slog.Warn("ignoring invalid config change", "file", e.Name, "error", err)
			return
		}
		slog.Info("config file changed", "file", e.Name)
		apply(cfg)
	})
	v.WatchConfig()
	return nil
}

func newViper(configPath string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/app-usage")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// No config file; defaults and environment only
	}

	v.SetEnvPrefix("GAU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := bindEnvVars(v); err != nil {
		return nil, err
	}
	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	cfg.GitHub.Token = expandEnv(cfg.GitHub.Token)
	cfg.Security.RateLimiting.RedisURL = expandEnv(cfg.Security.RateLimiting.RedisURL)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "0s")
	v.SetDefault("server.shutdown_timeout", "30s")

	// GitHub
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.request_timeout", "30s")

	// Usage scanning
	v.SetDefault("usage.strategy", "bulk")
	v.SetDefault("usage.default_inactive_days", DefaultInactiveDays)
	v.SetDefault("usage.page_size", 100)
	v.SetDefault("usage.max_entries", 10000)
	v.SetDefault("usage.stale_page_limit", 3)
	v.SetDefault("usage.page_timeout", "30s")
	v.SetDefault("usage.scan_timeout", "10m")
	v.SetDefault("usage.retry.max_attempts", 3)
	v.SetDefault("usage.retry.base_delay", "500ms")
	v.SetDefault("usage.retry.max_delay", "5s")

	// Security
	v.SetDefault("security.cors.allowed_origins", []string{"*"})
	v.SetDefault("security.cors.allowed_methods", []string{"GET", "POST", "OPTIONS"})
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.requests_per_minute", 60)
	v.SetDefault("security.rate_limiting.burst", 10)

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Telemetry
	v.SetDefault("telemetry.metrics.enabled", true)
	v.SetDefault("telemetry.metrics.prometheus_port", 9090)
}

// expandEnv expands environment variables in the format ${VAR_NAME}
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server.write_timeout must not be negative")
	}

	if u, err := url.Parse(c.GitHub.APIURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("github.api_url must be an absolute http(s) URL, got %q", c.GitHub.APIURL)
	}

	switch c.Usage.Strategy {
	case "bulk", "per_app":
	default:
		return fmt.Errorf("invalid usage.strategy: %s (must be bulk or per_app)", c.Usage.Strategy)
	}
	if c.Usage.DefaultInactiveDays < MinInactiveDays || c.Usage.DefaultInactiveDays > MaxInactiveDays {
		return fmt.Errorf("usage.default_inactive_days must be between %d and %d, got %d",
			MinInactiveDays, MaxInactiveDays, c.Usage.DefaultInactiveDays)
	}
	if c.Usage.PageSize < 1 || c.Usage.PageSize > 100 {
		return fmt.Errorf("usage.page_size must be between 1 and 100, got %d", c.Usage.PageSize)
	}
	if c.Usage.MaxEntries < 1 {
		return fmt.Errorf("usage.max_entries must be positive")
	}
	if c.Usage.StalePageLimit < 1 {
		return fmt.Errorf("usage.stale_page_limit must be positive")
	}
	if c.Usage.ScanTimeout < 0 {
		return fmt.Errorf("usage.scan_timeout must not be negative")
	}
	if c.Usage.Retry.MaxAttempts < 1 {
		return fmt.Errorf("usage.retry.max_attempts must be at least 1")
	}

	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMinute < 1 {
		return fmt.Errorf("security.rate_limiting.requests_per_minute must be positive when rate limiting is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	return nil
}

// GetAddress returns the server address in host:port format
func (c *ServerConfig) GetAddress() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ClampInactiveDays turns a requested inactivity window into one inside
// [MinInactiveDays, MaxInactiveDays]. Zero or negative requests mean "use the
// default"; out-of-range requests are clamped rather than rejected.
func (c *UsageConfig) ClampInactiveDays(requested int) int {
	if requested <= 0 {
		requested = c.DefaultInactiveDays
		if requested <= 0 {
			requested = DefaultInactiveDays
		}
	}
	return min(max(requested, MinInactiveDays), MaxInactiveDays)
}

// InactiveThreshold converts days to a duration.
func InactiveThreshold(days int) time.Duration {
	return time.Duration(days) * 24 * time.Hour
}
