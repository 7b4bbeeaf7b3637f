package main

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"persona-hub/internal/infra/config"
)

func TestCheckConfigFile(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(existing, []byte("logger:\n  level: debug\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		path string
		err  error
		want CheckStatus
	}{
		{"missing file uses defaults", filepath.Join(dir, "nope.yaml"), nil, StatusWarn},
		{"load error", existing, &config.ValidationError{Errors: []string{"bad"}}, StatusFail},
		{"valid", existing, nil, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := checkConfigFile(tt.path, tt.err)(nil)
			if r.Status != tt.want {
				t.Fatalf("status = %s (%s), want %s", r.Status, r.Message, tt.want)
			}
			if r.Status != StatusPass && r.Fix == "" {
				t.Error("expected a fix suggestion")
			}
		})
	}
}

func TestChecksNeedConfig(t *testing.T) {
	for name, fn := range map[string]func(*config.Config) CheckResult{
		"store":        checkStore,
		"security log": checkSecurityLog,
		"gateway":      checkGateway,
	} {
		if r := fn(nil); r.Status != StatusFail {
			t.Errorf("%s with nil config = %s, want FAIL", name, r.Status)
		}
	}
}

func TestCheckSchemas(t *testing.T) {
	r := checkSchemas(nil)
	if r.Status != StatusPass || !strings.HasPrefix(r.Message, "11 ") {
		t.Fatalf("checkSchemas = %+v", r)
	}
}

func TestCheckStore(t *testing.T) {
	cfg := config.Defaults()
	cfg.Store.Path = filepath.Join(t.TempDir(), "nested", "hub.db")
	if r := checkStore(cfg); r.Status != StatusPass {
		t.Fatalf("checkStore = %+v", r)
	}
	if _, err := os.Stat(cfg.Store.Path); err != nil {
		t.Fatalf("database not created: %v", err)
	}

	cfg.Store.Path = ":memory:"
	if r := checkStore(cfg); r.Status != StatusWarn {
		t.Fatalf("in-memory store = %s, want WARN", r.Status)
	}
}

func TestCheckSecurityLog(t *testing.T) {
	cfg := config.Defaults()
	cfg.Security.Audit.Enabled = false
	if r := checkSecurityLog(cfg); r.Status != StatusWarn {
		t.Errorf("disabled = %s, want WARN", r.Status)
	}

	cfg.Security.Audit.Enabled = true
	cfg.Security.Audit.Sink = "log"
	if r := checkSecurityLog(cfg); r.Status != StatusPass {
		t.Errorf("log sink = %s, want PASS", r.Status)
	}

	cfg.Security.Audit.Sink = "file"
	cfg.Security.Audit.Path = filepath.Join(t.TempDir(), "audit", "security.jsonl")
	if r := checkSecurityLog(cfg); r.Status != StatusPass {
		t.Errorf("file sink = %+v, want PASS", r)
	}
	entries, _ := os.ReadDir(filepath.Dir(cfg.Security.Audit.Path))
	if len(entries) != 0 {
		t.Errorf("temp file left behind: %v", entries)
	}
}

func TestCheckGateway(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	admin := []config.TokenConfig{{Token: "a", Name: "op", Roles: []string{"admin"}}}
	viewer := []config.TokenConfig{{Token: "v", Name: "dash"}}

	tests := []struct {
		name    string
		enabled bool
		addr    string
		tokens  []config.TokenConfig
		want    CheckStatus
	}{
		{"disabled", false, "127.0.0.1:0", admin, StatusWarn},
		{"no tokens", true, "127.0.0.1:0", nil, StatusFail},
		{"no admin", true, "127.0.0.1:0", viewer, StatusWarn},
		{"address in use", true, busy.Addr().String(), admin, StatusWarn},
		{"ok", true, "127.0.0.1:0", admin, StatusPass},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.Defaults()
			cfg.Gateway.Enabled = tt.enabled
			cfg.Gateway.Addr = tt.addr
			cfg.Gateway.Auth.Tokens = tt.tokens
			if r := checkGateway(cfg); r.Status != tt.want {
				t.Fatalf("status = %s (%s), want %s", r.Status, r.Message, tt.want)
			}
		})
	}
}

func TestDiskResult(t *testing.T) {
	const header = "Filesystem      Size  Used Avail Use% Mounted on\n"
	tests := []struct {
		out  string
		want CheckStatus
	}{
		{header + "/dev/sda1        50G   10G   40G  20% /", StatusPass},
		{header + "/dev/sda1        50G   44G    6G  88% /", StatusWarn},
		{header + "/dev/sda1        50G   49G    1G  98% /", StatusFail},
		{"garbage", StatusWarn},
		{header + "short line", StatusWarn},
	}
	for _, tt := range tests {
		if r := diskResult(tt.out); r.Status != tt.want {
			t.Errorf("diskResult(%q) = %s, want %s", tt.out, r.Status, tt.want)
		}
	}
}

func TestRunDoctorReportsFailures(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	// An enabled gateway without tokens does not validate.
	yaml := "gateway:\n  enabled: true\n  addr: 127.0.0.1:0\nstore:\n  path: " + filepath.Join(dir, "hub.db") + "\n"
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PERSONAHUB_GATEWAY_TOKEN", "")

	var out bytes.Buffer
	err := runDoctor(&out, cfgPath)
	if err == nil || !strings.Contains(err.Error(), "check(s) failed") {
		t.Fatalf("runDoctor = %v\n%s", err, out.String())
	}
	for _, want := range []string{"[FAIL] Config file", "[PASS] Event schemas", "Results:"} {
		if !strings.Contains(out.String(), want) {
			t.Errorf("output missing %q:\n%s", want, out.String())
		}
	}
}
