package config

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateBus(cfg, ve)
	validateGateway(cfg, ve)
	validateSecurity(cfg, ve)
	validateStore(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

func validateLogger(cfg *Config, ve *ValidationError) {
	if !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (want debug, info, warn, error)", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want text or json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want stdout or noop)", cfg.Tracer.Exporter)
	}
}

func validateBus(cfg *Config, ve *ValidationError) {
	b := cfg.Bus
	if b.DefaultGrantExpiration <= 0 {
		ve.Add("bus.default_grant_expiration must be > 0")
	}
	if b.HighFrequencyThreshold <= 0 {
		ve.Add("bus.high_frequency_threshold must be > 0")
	}
	if b.SlowEventThreshold <= 0 {
		ve.Add("bus.slow_event_threshold must be > 0")
	}
	if err := validSchedule(b.HealthInterval); err != nil {
		ve.Add("bus.health_interval: %v", err)
	}
}

// ValidRoles lists the gateway roles understood by the RPC layer.
var ValidRoles = map[string]bool{"admin": true, "plugin": true, "viewer": true}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is invalid: %v", g.Addr, err)
	}
	if len(g.Auth.Tokens) == 0 {
		ve.Add("gateway.auth.tokens must contain at least one token when the gateway is enabled")
	}
	seen := make(map[string]bool, len(g.Auth.Tokens))
	for i, tok := range g.Auth.Tokens {
		if tok.Token == "" {
			ve.Add("gateway.auth.tokens[%d].token must not be empty", i)
		}
		if seen[tok.Token] {
			ve.Add("gateway.auth.tokens[%d] duplicates an earlier token", i)
		}
		seen[tok.Token] = true
		if tok.Name == "" {
			ve.Add("gateway.auth.tokens[%d].name must not be empty", i)
		}
		for _, r := range tok.Roles {
			if !ValidRoles[r] {
				ve.Add("gateway.auth.tokens[%d] has unknown role %q", i, r)
			}
		}
	}
	if g.RequestsPerMinute <= 0 {
		ve.Add("gateway.requests_per_minute must be > 0")
	}
	if g.Burst <= 0 {
		ve.Add("gateway.burst must be > 0")
	}
	if g.UpgradesPerMinute <= 0 {
		ve.Add("gateway.upgrades_per_minute must be > 0")
	}
	if g.Notifications.QueueSize <= 0 {
		ve.Add("gateway.notifications.queue_size must be > 0")
	}
}

func validateSecurity(cfg *Config, ve *ValidationError) {
	a := cfg.Security.Audit
	if !a.Enabled {
		return
	}
	switch a.Sink {
	case "log":
	case "file", "both":
		if a.Path == "" {
			ve.Add("security.audit.path must be set when sink is %q", a.Sink)
		}
	default:
		ve.Add("security.audit.sink %q is invalid (want file, log, both)", a.Sink)
	}
	if a.MaxAge < 0 {
		ve.Add("security.audit.max_age must be >= 0")
	}
	if _, err := ParseSize(a.MaxSize); err != nil {
		ve.Add("security.audit.max_size: %v", err)
	}
	if a.RetentionSchedule != "" {
		if err := validSchedule(a.RetentionSchedule); err != nil {
			ve.Add("security.audit.retention_schedule: %v", err)
		}
	}
}

func validateStore(cfg *Config, ve *ValidationError) {
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

// validSchedule accepts a cron expression, a descriptor like "@every 1m",
// or a positive Go duration.
func validSchedule(s string) error {
	if s == "" {
		return fmt.Errorf("empty schedule")
	}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(s); err == nil {
		return nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("not a valid cron expression or duration: %q", s)
	}
	if d <= 0 {
		return fmt.Errorf("duration must be positive: %q", s)
	}
	return nil
}
