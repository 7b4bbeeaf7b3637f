package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Bus      BusConfig      `yaml:"bus"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Security SecurityConfig `yaml:"security"`
	Store    StoreConfig    `yaml:"store"`
	Includes []string       `yaml:"includes,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"`
}

// BusConfig holds event bus settings.
type BusConfig struct {
	DefaultGrantExpiration time.Duration `yaml:"default_grant_expiration"`
	HealthInterval         string        `yaml:"health_interval"` // cron expression or duration
	HighFrequencyThreshold int           `yaml:"high_frequency_threshold"` // publishes per minute
	SlowEventThreshold     time.Duration `yaml:"slow_event_threshold"`
}

// GatewayConfig holds WebSocket gateway settings.
type GatewayConfig struct {
	Enabled           bool               `yaml:"enabled"`
	Addr              string             `yaml:"addr"`
	Auth              AuthConfig         `yaml:"auth"`
	RequestsPerMinute int                `yaml:"requests_per_minute"` // per connection
	Burst             int                `yaml:"burst"`
	UpgradesPerMinute int                `yaml:"upgrades_per_minute"` // per client IP
	Notifications     NotificationConfig `yaml:"notifications"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig holds a single gateway auth token.
type TokenConfig struct {
	Token string   `yaml:"token"`
	Name  string   `yaml:"name"`
	Roles []string `yaml:"roles"`
}

// NotificationConfig tunes push-notification delivery to gateway clients.
type NotificationConfig struct {
	QueueSize      int           `yaml:"queue_size"`
	MaxFailures    uint32        `yaml:"max_failures"`
	BreakerTimeout time.Duration `yaml:"breaker_timeout"`
}

// SecurityConfig holds security log settings.
type SecurityConfig struct {
	Audit AuditConfig `yaml:"audit"`
}

// AuditConfig controls where security events are written and how long they are kept.
type AuditConfig struct {
	Enabled           bool          `yaml:"enabled"`
	Sink              string        `yaml:"sink"` // "file", "log", "both"
	Path              string        `yaml:"path"`
	MaxAge            time.Duration `yaml:"max_age"`
	MaxSize           string        `yaml:"max_size"` // e.g. "100MB"
	RetentionSchedule string        `yaml:"retention_schedule"`
}

// StoreConfig holds persona/memory store settings.
type StoreConfig struct {
	Path string `yaml:"path"` // SQLite database file
}

// defaultDataDir returns the persistent data directory under $HOME/.personahub/data.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".personahub", "data")
}

// Defaults returns a Config populated with default values.
func Defaults() *Config {
	dataDir := defaultDataDir()
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Bus: BusConfig{
			DefaultGrantExpiration: 60 * time.Minute,
			HealthInterval:         "1m",
			HighFrequencyThreshold: 100,
			SlowEventThreshold:     time.Second,
		},
		Gateway: GatewayConfig{
			Enabled:           false,
			Addr:              "127.0.0.1:8765",
			RequestsPerMinute: 600,
			Burst:             50,
			UpgradesPerMinute: 30,
			Notifications: NotificationConfig{
				QueueSize:      64,
				MaxFailures:    5,
				BreakerTimeout: 30 * time.Second,
			},
		},
		Security: SecurityConfig{
			Audit: AuditConfig{
				Enabled:           true,
				Sink:              "log",
				Path:              filepath.Join(dataDir, "security.jsonl"),
				MaxAge:            30 * 24 * time.Hour,
				MaxSize:           "100MB",
				RetentionSchedule: "@daily",
			},
		},
		Store: StoreConfig{
			Path: filepath.Join(dataDir, "personahub.db"),
		},
	}
}

// Load reads a YAML config file, merges includes, applies env var overrides,
// and validates the result. A missing file yields defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if len(cfg.Includes) > 0 {
		if err := applyIncludes(cfg, absPath); err != nil {
			return nil, err
		}
		// The main file wins over anything it includes.
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (second pass): %w", err)
		}
		cfg.Includes = nil
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps PERSONAHUB_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PERSONAHUB_LOG_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("PERSONAHUB_LOG_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("PERSONAHUB_LOG_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}

	if v := os.Getenv("PERSONAHUB_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	} else if v == "false" {
		cfg.Tracer.Enabled = false
	}
	if v := os.Getenv("PERSONAHUB_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}

	if v := os.Getenv("PERSONAHUB_BUS_DEFAULT_GRANT_EXPIRATION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bus.DefaultGrantExpiration = d
		}
	}
	if v := os.Getenv("PERSONAHUB_BUS_HEALTH_INTERVAL"); v != "" {
		cfg.Bus.HealthInterval = v
	}
	if v := os.Getenv("PERSONAHUB_BUS_HIGH_FREQUENCY_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Bus.HighFrequencyThreshold = n
		}
	}
	if v := os.Getenv("PERSONAHUB_BUS_SLOW_EVENT_THRESHOLD"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Bus.SlowEventThreshold = d
		}
	}

	if v := os.Getenv("PERSONAHUB_GATEWAY_ENABLED"); v == "true" {
		cfg.Gateway.Enabled = true
	} else if v == "false" {
		cfg.Gateway.Enabled = false
	}
	if v := os.Getenv("PERSONAHUB_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	// A single admin token can be supplied without a config file.
	if v := os.Getenv("PERSONAHUB_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{
			Token: v,
			Name:  "env",
			Roles: []string{"admin"},
		})
	}

	if v := os.Getenv("PERSONAHUB_AUDIT_ENABLED"); v == "true" {
		cfg.Security.Audit.Enabled = true
	} else if v == "false" {
		cfg.Security.Audit.Enabled = false
	}
	if v := os.Getenv("PERSONAHUB_AUDIT_SINK"); v != "" {
		cfg.Security.Audit.Sink = v
	}
	if v := os.Getenv("PERSONAHUB_AUDIT_PATH"); v != "" {
		cfg.Security.Audit.Path = v
	}

	if v := os.Getenv("PERSONAHUB_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
}

// ParseSize parses a human-readable size string (e.g. "100MB", "1GB").
// The empty string is 0 (no limit).
func ParseSize(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	s = strings.ToUpper(strings.TrimSpace(s))

	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "GB"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "GB")
	case strings.HasSuffix(s, "MB"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "MB")
	case strings.HasSuffix(s, "KB"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "KB")
	case strings.HasSuffix(s, "B"):
		s = strings.TrimSuffix(s, "B")
	}

	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse size %q: %w", s, err)
	}
	if n < 0 {
		return 0, fmt.Errorf("parse size %q: negative", s)
	}
	return n * multiplier, nil
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
