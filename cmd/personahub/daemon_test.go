package main

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"persona-hub/cmd/personahub/daemon"
	"persona-hub/internal/adapter/gateway"
	"persona-hub/internal/domain"
)

func TestDaemonInstallStopsOnDoctorFailure(t *testing.T) {
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("gateway:\n  enabled: true\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	out, err := execute(t, "daemon", "install", "--config", cfgPath)
	if err == nil || !strings.Contains(err.Error(), "--skip-checks") {
		t.Fatalf("install = %v, want doctor failure", err)
	}
	if !strings.Contains(out, "[FAIL] Config file") {
		t.Errorf("doctor report not printed:\n%s", out)
	}
	if strings.Contains(out, "installed") {
		t.Errorf("service installed despite failed checks:\n%s", out)
	}
}

func TestPrintDaemonStatus(t *testing.T) {
	unit := daemon.Unit{Name: "personahub", HealthURL: "http://127.0.0.1:8765/healthz"}
	healthy := &daemon.Status{Running: true, PID: 7, Health: &gateway.HealthResponse{
		Status:        "ok",
		UptimeSeconds: 90,
		Connections:   2,
		Subscriptions: &domain.SubscriptionStats{TotalSubscriptions: 5},
	}}

	tests := []struct {
		name     string
		unit     daemon.Unit
		status   *daemon.Status
		healthErr error
		want     []string
	}{
		{"stopped", unit, &daemon.Status{}, nil, []string{"personahub: not running"}},
		{"healthy", unit, healthy, nil, []string{"running (pid 7)", "gateway: ok, up 1m30s, 2 connections, 5 subscriptions"}},
		{"unhealthy", unit, &daemon.Status{Running: true, PID: 7}, errors.New("connection refused"), []string{"gateway: unhealthy: connection refused"}},
		{"no gateway", daemon.Unit{Name: "personahub"}, &daemon.Status{Running: true, PID: 7}, nil, []string{"gateway: disabled"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			printDaemonStatus(&buf, tt.unit, tt.status, tt.healthErr)
			for _, want := range tt.want {
				if !strings.Contains(buf.String(), want) {
					t.Errorf("output missing %q:\n%s", want, buf.String())
				}
			}
		})
	}
}
