// Package daemon installs personahub as a host service: a systemd unit on
// Linux, a launchd agent on macOS. Units run `personahub serve` against an
// explicit config file and, when the gateway is enabled, are only considered
// started once /healthz answers.
package daemon

import (
	"fmt"
	"net"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"persona-hub/internal/infra/config"
)

const (
	serviceName          = "personahub"
	labelPrefix          = "io.personahub."
	defaultHealthTimeout = 30 * time.Second
)

// Unit describes the installed service.
type Unit struct {
	Name       string
	Binary     string
	ConfigPath string
	WorkDir    string
	User       string
	LogDir     string
	Home       string
	// HealthURL is the gateway /healthz endpoint polled after start.
	// Empty when the gateway is disabled or bound to an ephemeral port.
	HealthURL     string
	HealthTimeout time.Duration
}

// NewUnit builds the unit for cfg loaded from configPath.
func NewUnit(cfg *config.Config, configPath string) Unit {
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/personahub"
	}
	home, username := "/root", "root"
	if u, err := user.Current(); err == nil {
		home, username = u.HomeDir, u.Username
	}
	base := filepath.Join(home, ".personahub")

	u := Unit{
		Name:          serviceName,
		Binary:        binary,
		ConfigPath:    configPath,
		WorkDir:       base,
		User:          username,
		LogDir:        filepath.Join(base, "logs"),
		Home:          home,
		HealthTimeout: defaultHealthTimeout,
	}
	if cfg != nil && cfg.Gateway.Enabled {
		u.HealthURL = HealthURL(cfg.Gateway.Addr)
	}
	return u
}

// Label returns the launchd job label.
func (u Unit) Label() string { return labelPrefix + u.Name }

// LogFile is where the service's stdout and stderr are appended.
func (u Unit) LogFile() string { return filepath.Join(u.LogDir, u.Name+".log") }

// HealthURL maps a gateway listen address to the URL a local health check should
// use. Wildcard hosts resolve to loopback; port 0 cannot be checked.
func HealthURL(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil || port == "" || port == "0" {
		return ""
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port) + "/healthz"
}

// Validate checks the unit before anything is written to the host.
func (u Unit) Validate() error {
	if u.Name == "" {
		return fmt.Errorf("daemon name is required")
	}
	if strings.ContainsAny(u.Name, "/ \t\n") {
		return fmt.Errorf("daemon name %q must not contain slashes or whitespace", u.Name)
	}
	if u.Binary == "" {
		return fmt.Errorf("binary path is required")
	}
	info, err := os.Stat(u.Binary)
	if err != nil {
		return fmt.Errorf("binary %q: %w", u.Binary, err)
	}
	if info.Mode()&0o111 == 0 {
		return fmt.Errorf("binary %q is not executable", u.Binary)
	}
	// The service has no working-directory relationship with the caller.
	if !filepath.IsAbs(u.ConfigPath) {
		return fmt.Errorf("config path %q must be absolute", u.ConfigPath)
	}
	if _, err := os.Stat(u.ConfigPath); err != nil {
		return fmt.Errorf("config %q: %w", u.ConfigPath, err)
	}
	if u.HealthTimeout < 0 {
		return fmt.Errorf("health timeout must not be negative")
	}
	return nil
}
