package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"persona-hub/internal/adapter/gateway"
	"persona-hub/internal/adapter/store"
	"persona-hub/internal/infra/config"
	"persona-hub/internal/usecase/eventbus"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

func newDoctorCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "doctor",
		GroupID: "server",
		Short:   "Check configuration, store, security log and gateway settings",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.OutOrStdout(), root.configPath)
		},
	}
}

// runDoctor executes all health checks and reports results.
func runDoctor(w io.Writer, cfgPath string) error {
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Event schemas", Fn: checkSchemas},
		{Name: "Store", Fn: checkStore},
		{Name: "Security log", Fn: checkSecurityLog},
		{Name: "Gateway", Fn: checkGateway},
		{Name: "Disk space", Fn: checkDiskSpace},
	}

	fmt.Fprintln(w, "personahub doctor")
	fmt.Fprintln(w, strings.Repeat("=", 50))
	fmt.Fprintln(w)

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Fprintf(w, "  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Fprintf(w, "      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 50))
	fmt.Fprintf(w, "Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

var noConfigResult = CheckResult{Status: StatusFail, Message: "cannot check: config not loaded"}

// checkConfigFile reports on the config file. A missing file is a warning
// since defaults and env overrides still apply.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     fmt.Sprintf("Fix %s; it must be valid YAML and not group/world readable", cfgPath),
			}
		}
		if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults and PERSONAHUB_* overrides", cfgPath),
				Fix:     "Create a config.yaml or pass --config",
			}
		}
		return CheckResult{Status: StatusPass, Message: fmt.Sprintf("config loaded from %s", cfgPath)}
	}
}

func checkSchemas(_ *config.Config) CheckResult {
	reg, err := eventbus.NewSchemaRegistry()
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("built-in schemas do not compile: %v", err)}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%d event types registered", len(reg.EventTypes()))}
}

// checkStore opens the database, which also applies migrations.
func checkStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	path := cfg.Store.Path
	if path == ":memory:" {
		return CheckResult{Status: StatusWarn, Message: "in-memory store; personas and memories are lost on restart"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("store directory cannot be created: %v", err),
			Fix:     "Set store.path to a writable location",
		}
	}
	st, err := store.Open(path)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error(), Fix: "Check store.path permissions"}
	}
	st.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("sqlite store at %s", path)}
}

func checkSecurityLog(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	audit := cfg.Security.Audit
	if !audit.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "security log disabled; access violations are not recorded",
			Fix:     "Set security.audit.enabled: true",
		}
	}
	if audit.Sink != "file" && audit.Sink != "both" {
		return CheckResult{Status: StatusPass, Message: "security events go to the application log"}
	}

	dir := filepath.Dir(audit.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("cannot create %s: %v", dir, err)}
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Set security.audit.path to a writable location",
		}
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("security log at %s", audit.Path)}
}

func checkGateway(cfg *config.Config) CheckResult {
	if cfg == nil {
		return noConfigResult
	}
	gw := cfg.Gateway
	if !gw.Enabled {
		return CheckResult{
			Status:  StatusWarn,
			Message: "gateway disabled; plugins cannot connect",
			Fix:     "Set gateway.enabled: true or run 'personahub serve --addr host:port'",
		}
	}
	if len(gw.Auth.Tokens) == 0 {
		return CheckResult{
			Status:  StatusFail,
			Message: "gateway enabled without tokens; every connection is rejected",
			Fix:     "Add gateway.auth.tokens or set PERSONAHUB_GATEWAY_TOKEN",
		}
	}
	hasAdmin := slices.ContainsFunc(gw.Auth.Tokens, func(t config.TokenConfig) bool {
		return slices.Contains(t.Roles, gateway.RoleAdmin)
	})

	ln, err := net.Listen("tcp", gw.Addr)
	if err != nil {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("%s is not available (%v); is personahub already running?", gw.Addr, err),
		}
	}
	ln.Close()

	if !hasAdmin {
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("listening on %s, but no token has the admin role; grants cannot be issued remotely", gw.Addr),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s with %d token(s)", gw.Addr, len(gw.Auth.Tokens))}
}

// checkDiskSpace inspects the partition holding the store.
func checkDiskSpace(cfg *config.Config) CheckResult {
	if cfg == nil || cfg.Store.Path == ":memory:" {
		return CheckResult{Status: StatusPass, Message: "no on-disk store; space check skipped"}
	}
	dir := filepath.Dir(cfg.Store.Path)
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return CheckResult{Status: StatusPass, Message: "data directory does not exist yet; space check skipped"}
	}

	out, err := exec.Command("df", "-h", dir).Output()
	if err != nil {
		return CheckResult{Status: StatusWarn, Message: "could not determine disk space (df command failed)"}
	}
	return diskResult(string(out))
}

// diskResult interprets df -h output.
func diskResult(out string) CheckResult {
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) < 2 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}
	fields := strings.Fields(lines[len(lines)-1])
	if len(fields) < 5 {
		return CheckResult{Status: StatusWarn, Message: "unexpected df output format"}
	}

	available, usePercent := fields[3], fields[4]
	var pct int
	fmt.Sscanf(strings.TrimSuffix(usePercent, "%"), "%d", &pct)

	switch {
	case pct >= 95:
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("disk almost full: %s used, %s available", usePercent, available),
			Fix:     "Free up disk space or move store.path to another partition",
		}
	case pct >= 85:
		return CheckResult{
			Status:  StatusWarn,
			Message: fmt.Sprintf("disk usage high: %s used, %s available", usePercent, available),
		}
	}
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("disk usage: %s used, %s available", usePercent, available)}
}
