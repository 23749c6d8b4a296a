// Package config loads tenantsync settings from YAML, .env files and
// TENANTSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const envPrefix = "TENANTSYNC_"

type ClientConfig struct {
	BaseURL string `yaml:"base_url"`
	Token   string `yaml:"token"`
	UserID  string `yaml:"user_id"`
	// Tenant or Subdomain selects the initial tenant. Both empty means the
	// last session's tenant.
	Tenant            string        `yaml:"tenant"`
	Subdomain         string        `yaml:"subdomain"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	TenantsTTL        time.Duration `yaml:"tenants_ttl"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	JWTSecret       string        `yaml:"jwt_secret"`
	StateDSN        string        `yaml:"state_dsn"`
	RateLimitMax    int           `yaml:"rate_limit_max"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type SyncConfig struct {
	DebounceWindow   time.Duration `yaml:"debounce_window"`
	ProtectionWindow time.Duration `yaml:"protection_window"`
	IdleFallback     time.Duration `yaml:"idle_fallback"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	LoadTimeout      time.Duration `yaml:"load_timeout"`
}

type CacheConfig struct {
	DSN   string `yaml:"dsn"`
	Watch bool   `yaml:"watch"`
}

type PushConfig struct {
	Enabled    bool          `yaml:"enabled"`
	URL        string        `yaml:"url"`
	JoinDelay  time.Duration `yaml:"join_delay"`
	MinBackoff time.Duration `yaml:"min_backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type Config struct {
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	Sync    SyncConfig    `yaml:"sync"`
	Cache   CacheConfig   `yaml:"cache"`
	Push    PushConfig    `yaml:"push"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// DefaultCacheDSN places the file cache under the XDG cache directory.
func DefaultCacheDSN() string {
	return "file://" + filepath.Join(xdg.CacheHome, "tenantsync")
}

func Default() *Config {
	return &Config{
		Client: ClientConfig{
			BaseURL:           "http://127.0.0.1:8080",
			RequestTimeout:    15 * time.Second,
			ReconcileInterval: 5 * time.Minute,
			TenantsTTL:        5 * time.Minute,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimitWindow: time.Minute,
			MaxBodyBytes:    1 << 20,
			ShutdownTimeout: 10 * time.Second,
		},
		Sync: SyncConfig{
			DebounceWindow:   150 * time.Millisecond,
			ProtectionWindow: 3 * time.Second,
			IdleFallback:     2 * time.Second,
			WriteTimeout:     15 * time.Second,
			LoadTimeout:      30 * time.Second,
		},
		Cache: CacheConfig{
			DSN:   DefaultCacheDSN(),
			Watch: true,
		},
		Push: PushConfig{
			Enabled:    true,
			JoinDelay:  3 * time.Second,
			MinBackoff: 250 * time.Millisecond,
			MaxBackoff: 30 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
			Path: "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads path over the defaults, then applies environment overrides
// and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}
	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// LoadDotEnv loads the given .env files into the process environment.
// Missing files are skipped; variables already set win.
func LoadDotEnv(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

type envBinding struct {
	name  string
	apply func(string) error
}

func stringVar(dst *string) func(string) error {
	return func(v string) error {
		*dst = v
		return nil
	}
}

func durationVar(dst *time.Duration) func(string) error {
	return func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst = d
		return nil
	}
}

func boolVar(dst *bool) func(string) error {
	return func(v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst = b
		return nil
	}
}

func intVar(dst *int) func(string) error {
	return func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst = n
		return nil
	}
}

// ApplyEnv overrides cfg with TENANTSYNC_* variables found by lookup.
func ApplyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	bindings := []envBinding{
		{"BASE_URL", stringVar(&cfg.Client.BaseURL)},
		{"TOKEN", stringVar(&cfg.Client.Token)},
		{"USER_ID", stringVar(&cfg.Client.UserID)},
		{"TENANT", stringVar(&cfg.Client.Tenant)},
		{"SUBDOMAIN", stringVar(&cfg.Client.Subdomain)},
		{"REQUEST_TIMEOUT", durationVar(&cfg.Client.RequestTimeout)},
		{"RECONCILE_INTERVAL", durationVar(&cfg.Client.ReconcileInterval)},
		{"SERVER_ADDR", stringVar(&cfg.Server.Addr)},
		{"JWT_SECRET", stringVar(&cfg.Server.JWTSecret)},
		{"STATE_DSN", stringVar(&cfg.Server.StateDSN)},
		{"RATE_LIMIT_MAX", intVar(&cfg.Server.RateLimitMax)},
		{"DEBOUNCE_WINDOW", durationVar(&cfg.Sync.DebounceWindow)},
		{"PROTECTION_WINDOW", durationVar(&cfg.Sync.ProtectionWindow)},
		{"CACHE_DSN", stringVar(&cfg.Cache.DSN)},
		{"CACHE_WATCH", boolVar(&cfg.Cache.Watch)},
		{"PUSH_ENABLED", boolVar(&cfg.Push.Enabled)},
		{"PUSH_URL", stringVar(&cfg.Push.URL)},
		{"PUSH_JOIN_DELAY", durationVar(&cfg.Push.JoinDelay)},
		{"METRICS_ENABLED", boolVar(&cfg.Metrics.Enabled)},
		{"METRICS_ADDR", stringVar(&cfg.Metrics.Addr)},
		{"LOG_LEVEL", stringVar(&cfg.Logging.Level)},
		{"LOG_FORMAT", stringVar(&cfg.Logging.Format)},
	}
	for _, b := range bindings {
		v, ok := lookup(envPrefix + b.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := b.apply(strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s%s: %w", envPrefix, b.name, err)
		}
	}
	return nil
}

func (c *Config) Validate() error {
	if _, err := url.ParseRequestURI(c.Client.BaseURL); err != nil {
		return fmt.Errorf("client.base_url: %w", err)
	}
	if c.Sync.DebounceWindow <= 0 {
		return errors.New("sync.debounce_window must be positive")
	}
	if c.Sync.ProtectionWindow <= 0 {
		return errors.New("sync.protection_window must be positive")
	}
	if c.Sync.WriteTimeout <= 0 || c.Sync.LoadTimeout <= 0 {
		return errors.New("sync timeouts must be positive")
	}
	if c.Client.ReconcileInterval < 0 {
		return errors.New("client.reconcile_interval must not be negative")
	}
	if strings.TrimSpace(c.Cache.DSN) == "" {
		return errors.New("cache.dsn is required")
	}
	if c.Push.MaxBackoff > 0 && c.Push.MinBackoff > c.Push.MaxBackoff {
		return errors.New("push.min_backoff exceeds push.max_backoff")
	}
	if c.Server.RateLimitMax < 0 {
		return errors.New("server.rate_limit_max must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format must be json or console, got %q", c.Logging.Format)
	}
	return nil
}

// PushURL returns the websocket URL, derived from the base URL when unset.
func (c *Config) PushURL() string {
	if c.Push.URL != "" {
		return c.Push.URL
	}
	base := strings.TrimRight(c.Client.BaseURL, "/")
	switch {
	case strings.HasPrefix(base, "https://"):
		base = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		base = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return base + "/v1/push"
}

// NewLogger builds the process logger.
func (l LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(l.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if l.Format == "console" || level == zapcore.DebugLevel {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	if l.Format != "" {
		zc.Encoding = l.Format
	}
	return zc.Build()
}
