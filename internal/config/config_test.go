package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// ---------------------------------------------------------------------------
// ServerConfig.GetAddress
// ---------------------------------------------------------------------------

func TestGetAddress(t *testing.T) {
	tests := []struct {
		name string
		cfg  ServerConfig
		want string
	}{
		{"default", ServerConfig{Host: "0.0.0.0", Port: 8080}, "0.0.0.0:8080"},
		{"localhost", ServerConfig{Host: "localhost", Port: 3000}, "localhost:3000"},
		{"empty host", ServerConfig{Host: "", Port: 8080}, ":8080"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cfg.GetAddress(); got != tt.want {
				t.Errorf("GetAddress() = %q, want %q", got, tt.want)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Config.Validate
// ---------------------------------------------------------------------------

func minimalValidConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		GitHub: GitHubConfig{APIURL: "https://api.github.com"},
		Usage: UsageConfig{
			Strategy:            "bulk",
			DefaultInactiveDays: 90,
			PageSize:            100,
			MaxEntries:          10000,
			StalePageLimit:      3,
			Retry:               RetryConfig{MaxAttempts: 3},
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

func TestValidate(t *testing.T) {
	t.Run("valid minimal config passes", func(t *testing.T) {
		if err := minimalValidConfig().Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"server port 0", func(c *Config) { c.Server.Port = 0 }},
		{"server port 70000", func(c *Config) { c.Server.Port = 70000 }},
		{"negative write timeout", func(c *Config) { c.Server.WriteTimeout = -time.Second }},
		{"relative api url", func(c *Config) { c.GitHub.APIURL = "api.github.com" }},
		{"empty api url", func(c *Config) { c.GitHub.APIURL = "" }},
		{"unknown strategy", func(c *Config) { c.Usage.Strategy = "everything" }},
		{"inactive days 0", func(c *Config) { c.Usage.DefaultInactiveDays = 0 }},
		{"inactive days 181", func(c *Config) { c.Usage.DefaultInactiveDays = 181 }},
		{"page size 101", func(c *Config) { c.Usage.PageSize = 101 }},
		{"max entries 0", func(c *Config) { c.Usage.MaxEntries = 0 }},
		{"stale page limit 0", func(c *Config) { c.Usage.StalePageLimit = 0 }},
		{"retry attempts 0", func(c *Config) { c.Usage.Retry.MaxAttempts = 0 }},
		{"negative scan timeout", func(c *Config) { c.Usage.ScanTimeout = -time.Second }},
		{"rate limit without rate", func(c *Config) {
			c.Security.RateLimiting.Enabled = true
			c.Security.RateLimiting.RequestsPerMinute = 0
		}},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := minimalValidConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Validate() expected error for %s, got nil", tt.name)
			}
		})
	}

	t.Run("per_app strategy accepted", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.Usage.Strategy = "per_app"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})

	t.Run("enterprise api url accepted", func(t *testing.T) {
		cfg := minimalValidConfig()
		cfg.GitHub.APIURL = "https://ghe.example.com/api/v3"
		if err := cfg.Validate(); err != nil {
			t.Errorf("Validate() unexpected error: %v", err)
		}
	})
}

// ---------------------------------------------------------------------------
// UsageConfig.ClampInactiveDays
// ---------------------------------------------------------------------------

func TestClampInactiveDays(t *testing.T) {
	u := UsageConfig{DefaultInactiveDays: 30}
	tests := []struct {
		requested int
		want      int
	}{
		{0, 30},
		{-5, 30},
		{1, 1},
		{45, 45},
		{180, 180},
		{181, 180},
		{100000, 180},
	}
	for _, tt := range tests {
		if got := u.ClampInactiveDays(tt.requested); got != tt.want {
			t.Errorf("ClampInactiveDays(%d) = %d, want %d", tt.requested, got, tt.want)
		}
	}

	var unset UsageConfig
	if got := unset.ClampInactiveDays(0); got != DefaultInactiveDays {
		t.Errorf("ClampInactiveDays(0) with no default = %d, want %d", got, DefaultInactiveDays)
	}
}

func TestInactiveThreshold(t *testing.T) {
	if got := InactiveThreshold(90); got != 90*24*time.Hour {
		t.Errorf("InactiveThreshold(90) = %v", got)
	}
}

// ---------------------------------------------------------------------------
// expandEnv
// ---------------------------------------------------------------------------

func TestExpandEnv(t *testing.T) {
	t.Run("expands ${VAR} syntax", func(t *testing.T) {
		t.Setenv("CONFIG_TEST_SECRET", "super-secret")
		if got := expandEnv("${CONFIG_TEST_SECRET}"); got != "super-secret" {
			t.Errorf("expandEnv() = %q, want %q", got, "super-secret")
		}
	})

	t.Run("plain string passthrough", func(t *testing.T) {
		if got := expandEnv("no-vars-here"); got != "no-vars-here" {
			t.Errorf("expandEnv() = %q, want %q", got, "no-vars-here")
		}
	})

	t.Run("unset variable expands to empty string", func(t *testing.T) {
		os.Unsetenv("CONFIG_TEST_DEFINITELY_UNSET_12345")
		if got := expandEnv("${CONFIG_TEST_DEFINITELY_UNSET_12345}"); got != "" {
			t.Errorf("expandEnv() = %q, want empty string", got)
		}
	})
}

// ---------------------------------------------------------------------------
// Load
// ---------------------------------------------------------------------------

// writeTempConfig creates a temp YAML file and registers a cleanup to remove it.
func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	f, err := os.CreateTemp("", "config-test-*.yaml")
	if err != nil {
		t.Fatal("CreateTemp:", err)
	}
	t.Cleanup(func() { os.Remove(f.Name()) })
	if _, err := f.WriteString(content); err != nil {
		t.Fatal("WriteString:", err)
	}
	f.Close()
	return f.Name()
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil || !strings.Contains(err.Error(), "error reading config file") {
		t.Fatalf("Load() error = %v, want error reading config file", err)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	path := writeTempConfig(t, "logging:\n  level: \"warn\"\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("default server port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Server.WriteTimeout != 0 {
		t.Errorf("default write timeout = %v, want 0 for streaming", cfg.Server.WriteTimeout)
	}
	if cfg.GitHub.APIURL != "https://api.github.com" {
		t.Errorf("default api url = %q", cfg.GitHub.APIURL)
	}
	if cfg.Usage.Strategy != "bulk" {
		t.Errorf("default strategy = %q, want bulk", cfg.Usage.Strategy)
	}
	if cfg.Usage.DefaultInactiveDays != 90 {
		t.Errorf("default inactive days = %d, want 90", cfg.Usage.DefaultInactiveDays)
	}
	if cfg.Usage.PageSize != 100 || cfg.Usage.MaxEntries != 10000 || cfg.Usage.StalePageLimit != 3 {
		t.Errorf("default scan bounds = %d/%d/%d, want 100/10000/3",
			cfg.Usage.PageSize, cfg.Usage.MaxEntries, cfg.Usage.StalePageLimit)
	}
	if cfg.Usage.ScanTimeout != 10*time.Minute {
		t.Errorf("default scan timeout = %v, want 10m", cfg.Usage.ScanTimeout)
	}
	if cfg.Usage.Retry.BaseDelay != 500*time.Millisecond {
		t.Errorf("default retry base delay = %v, want 500ms", cfg.Usage.Retry.BaseDelay)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("Logging.Level = %q, want warn", cfg.Logging.Level)
	}
}

func TestLoad_WithConfigFile(t *testing.T) {
	const content = `
server:
  host: "testhost"
  port: 9999
github:
  api_url: "https://ghe.example.com/api/v3"
usage:
  strategy: "per_app"
  default_inactive_days: 30
security:
  rate_limiting:
    redis_url: "redis://cache:6379/1"
`
	cfg, err := Load(writeTempConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Host != "testhost" || cfg.Server.Port != 9999 {
		t.Errorf("Server = %s:%d, want testhost:9999", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.GitHub.APIURL != "https://ghe.example.com/api/v3" {
		t.Errorf("GitHub.APIURL = %q", cfg.GitHub.APIURL)
	}
	if cfg.Usage.Strategy != "per_app" {
		t.Errorf("Usage.Strategy = %q, want per_app", cfg.Usage.Strategy)
	}
	if cfg.Usage.DefaultInactiveDays != 30 {
		t.Errorf("Usage.DefaultInactiveDays = %d, want 30", cfg.Usage.DefaultInactiveDays)
	}
	if cfg.Security.RateLimiting.RedisURL != "redis://cache:6379/1" {
		t.Errorf("RedisURL = %q", cfg.Security.RateLimiting.RedisURL)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("GAU_SERVER_PORT", "7070")
	t.Setenv("GAU_USAGE_STRATEGY", "per_app")
	t.Setenv("GAU_GITHUB_TOKEN", "ghp_fromenv")

	cfg, err := Load(writeTempConfig(t, "server:\n  port: 8081\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070", cfg.Server.Port)
	}
	if cfg.Usage.Strategy != "per_app" {
		t.Errorf("Usage.Strategy = %q, want per_app", cfg.Usage.Strategy)
	}
	if cfg.GitHub.Token != "ghp_fromenv" {
		t.Errorf("GitHub.Token = %q, want ghp_fromenv", cfg.GitHub.Token)
	}
}

func TestLoad_TokenExpansion(t *testing.T) {
	t.Setenv("TEST_GITHUB_PAT", "ghp_secret")
	cfg, err := Load(writeTempConfig(t, "github:\n  token: \"${TEST_GITHUB_PAT}\"\n"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.GitHub.Token != "ghp_secret" {
		t.Errorf("GitHub.Token = %q, want ghp_secret", cfg.GitHub.Token)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeTempConfig(t, "server: [unclosed")); err == nil {
		t.Error("Load() expected error for invalid YAML, got nil")
	}
}

func TestLoad_InvalidStrategy(t *testing.T) {
	_, err := Load(writeTempConfig(t, "usage:\n  strategy: \"sideways\"\n"))
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("Load() error = %v, want invalid configuration", err)
	}
}

// ---------------------------------------------------------------------------
// Watch
// ---------------------------------------------------------------------------

func TestWatch_AppliesValidChanges(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600); err != nil {
		t.Fatal("WriteFile:", err)
	}

	levels := make(chan string, 8)
	if err := Watch(path, func(cfg *Config) { levels <- cfg.Logging.Level }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}

	// An invalid edit is skipped; the following valid one is applied.
	if err := os.WriteFile(path, []byte("logging:\n  level: chatty\n"), 0o600); err != nil {
		t.Fatal("WriteFile:", err)
	}
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal("WriteFile:", err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case level := <-levels:
			if level == "chatty" {
				t.Fatal("invalid config was applied")
			}
			if level == "debug" {
				return
			}
		case <-deadline:
			t.Fatal("config change was not applied")
		}
	}
}

func TestWatch_NoFileIsNoop(t *testing.T) {
	t.Chdir(t.TempDir())
	if err := Watch("", func(*Config) { t.Error("apply called without a config file") }); err != nil {
		t.Fatalf("Watch() error: %v", err)
	}
}

func TestWatch_MissingExplicitFile(t *testing.T) {
	if err := Watch("/nonexistent/path/config.yaml", func(*Config) {}); err == nil {
		t.Error("Watch() expected error for a missing file")
	}
}

// ---------------------------------------------------------------------------
// UsageConfig.ScanOptions
// ---------------------------------------------------------------------------

func TestScanOptions(t *testing.T) {
	u := minimalValidConfig().Usage
	u.Strategy = "per_app"
	u.PageSize = 50
	u.PageTimeout = 5 * time.Second
	u.Retry = RetryConfig{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 10 * time.Second}

	opts, err := u.ScanOptions()
	if err != nil {
		t.Fatalf("ScanOptions() error: %v", err)
	}
	if opts.Strategy != "per_app" || opts.PageSize != 50 || opts.MaxEntries != 10000 || opts.StalePageLimit != 3 {
		t.Errorf("ScanOptions() = %+v", opts)
	}
	if opts.PageTimeout != 5*time.Second {
		t.Errorf("PageTimeout = %v, want 5s", opts.PageTimeout)
	}
	if opts.Retry.MaxAttempts != 5 || opts.Retry.BaseDelay != time.Second || opts.Retry.MaxDelay != 10*time.Second {
		t.Errorf("Retry = %+v", opts.Retry)
	}
	if opts.Now == nil {
		t.Error("Now must default to time.Now")
	}

	u.Strategy = "sideways"
	if _, err := u.ScanOptions(); err == nil {
		t.Error("ScanOptions() accepted an unknown strategy")
	}
}
