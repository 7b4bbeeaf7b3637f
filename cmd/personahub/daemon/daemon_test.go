package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"persona-hub/internal/adapter/gateway"
	"persona-hub/internal/infra/config"
)

func testUnit() Unit {
	return Unit{
		Name:          "personahub",
		Binary:        "/usr/local/bin/personahub",
		ConfigPath:    "/etc/personahub/config.yaml",
		WorkDir:       "/var/lib/personahub",
		User:          "personahub",
		LogDir:        "/var/log/personahub",
		Home:          "/home/personahub",
		HealthURL:     "http://127.0.0.1:8765/healthz",
		HealthTimeout: 20 * time.Second,
	}
}

// fakeRunner records commands and fails the ones listed in fail.
type fakeRunner struct {
	calls []string
	fail  map[string]bool
	out   map[string]string
}

func (f *fakeRunner) run(name string, args ...string) ([]byte, error) {
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	if f.fail[line] {
		return []byte("boom"), errors.New("exit status 1")
	}
	return []byte(f.out[line]), nil
}

func TestRenderSystemdUnit(t *testing.T) {
	content, err := RenderSystemdUnit(testUnit())
	if err != nil {
		t.Fatalf("RenderSystemdUnit: %v", err)
	}
	for _, want := range []string{
		"Description=personahub persona event bus",
		"ExecStart=/usr/local/bin/personahub serve --config /etc/personahub/config.yaml",
		"ExecStartPost=/usr/local/bin/personahub daemon wait --url http://127.0.0.1:8765/healthz --timeout 20s",
		"TimeoutStartSec=30",
		"StandardOutput=append:/var/log/personahub/personahub.log",
		"Environment=PERSONAHUB_CONFIG=/etc/personahub/config.yaml",
		"KillSignal=SIGTERM",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("unit missing %q:\n%s", want, content)
		}
	}
}

func TestRenderSystemdUnitWithoutGateway(t *testing.T) {
	u := testUnit()
	u.HealthURL = ""
	content, err := RenderSystemdUnit(u)
	if err != nil {
		t.Fatalf("RenderSystemdUnit: %v", err)
	}
	if strings.Contains(content, "ExecStartPost") || strings.Contains(content, "TimeoutStartSec") {
		t.Errorf("unit without gateway must not wait on health:\n%s", content)
	}
}

func TestRenderLaunchdPlist(t *testing.T) {
	content, err := RenderLaunchdPlist(testUnit())
	if err != nil {
		t.Fatalf("RenderLaunchdPlist: %v", err)
	}
	for _, want := range []string{
		"<string>io.personahub.personahub</string>",
		"<string>serve</string>",
		"<string>/etc/personahub/config.yaml</string>",
		"<key>SuccessfulExit</key>",
		"<string>/var/log/personahub/personahub.log</string>",
		"PERSONAHUB_CONFIG",
	} {
		if !strings.Contains(content, want) {
			t.Errorf("plist missing %q:\n%s", want, content)
		}
	}
}

func TestHealthURL(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"127.0.0.1:8765", "http://127.0.0.1:8765/healthz"},
		{":8765", "http://127.0.0.1:8765/healthz"},
		{"0.0.0.0:9000", "http://127.0.0.1:9000/healthz"},
		{"[::]:9000", "http://127.0.0.1:9000/healthz"},
		{"[::1]:9000", "http://[::1]:9000/healthz"},
		{"127.0.0.1:0", ""},
		{"bogus", ""},
	}
	for _, tt := range tests {
		if got := HealthURL(tt.addr); got != tt.want {
			t.Errorf("HealthURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestNewUnitFollowsGatewayConfig(t *testing.T) {
	cfg := config.Defaults()
	cfg.Gateway.Enabled = true
	cfg.Gateway.Addr = "127.0.0.1:8765"

	u := NewUnit(cfg, "/etc/personahub/config.yaml")
	if u.Name != "personahub" || u.Label() != "io.personahub.personahub" {
		t.Errorf("Name = %q, Label = %q", u.Name, u.Label())
	}
	if u.HealthURL != "http://127.0.0.1:8765/healthz" {
		t.Errorf("HealthURL = %q", u.HealthURL)
	}
	if u.Binary == "" || u.HealthTimeout != defaultHealthTimeout {
		t.Errorf("defaults not applied: %+v", u)
	}

	cfg.Gateway.Enabled = false
	if u := NewUnit(cfg, "/x.yaml"); u.HealthURL != "" {
		t.Errorf("disabled gateway HealthURL = %q", u.HealthURL)
	}
}

func TestUnitValidate(t *testing.T) {
	exe, err := os.Executable()
	if err != nil {
		t.Skipf("cannot determine executable: %v", err)
	}
	dir := t.TempDir()
	notExec := filepath.Join(dir, "notexec")
	cfgPath := filepath.Join(dir, "config.yaml")
	for _, p := range []string{notExec, cfgPath} {
		if err := os.WriteFile(p, nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	valid := Unit{Name: "personahub", Binary: exe, ConfigPath: cfgPath}

	tests := []struct {
		name    string
		mutate  func(*Unit)
		wantErr string
	}{
		{"valid", func(*Unit) {}, ""},
		{"empty name", func(u *Unit) { u.Name = "" }, "name is required"},
		{"bad name", func(u *Unit) { u.Name = "a/b" }, "must not contain"},
		{"empty binary", func(u *Unit) { u.Binary = "" }, "binary path is required"},
		{"missing binary", func(u *Unit) { u.Binary = "/nonexistent/binary" }, "/nonexistent/binary"},
		{"not executable", func(u *Unit) { u.Binary = notExec }, "not executable"},
		{"relative config", func(u *Unit) { u.ConfigPath = "config.yaml" }, "must be absolute"},
		{"missing config", func(u *Unit) { u.ConfigPath = filepath.Join(dir, "missing.yaml") }, "missing.yaml"},
		{"negative timeout", func(u *Unit) { u.HealthTimeout = -time.Second }, "must not be negative"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u := valid
			tt.mutate(&u)
			err := u.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestManagerForUnsupportedPlatform(t *testing.T) {
	_, err := managerFor("plan9", execRunner)
	if err == nil || !strings.Contains(err.Error(), "unsupported platform: plan9") {
		t.Fatalf("managerFor = %v", err)
	}
}

func TestSystemdInstallAndUninstall(t *testing.T) {
	run := &fakeRunner{}
	s := &systemd{run: run.run, unitDir: t.TempDir()}

	if err := s.install(testUnit()); err != nil {
		t.Fatalf("install: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(s.unitDir, "personahub.service"))
	if err != nil {
		t.Fatalf("unit file: %v", err)
	}
	if !strings.Contains(string(data), "ExecStartPost=") {
		t.Errorf("unit file lacks health wait:\n%s", data)
	}
	want := []string{"systemctl daemon-reload", "systemctl enable --now personahub"}
	if strings.Join(run.calls, "|") != strings.Join(want, "|") {
		t.Errorf("calls = %q, want %q", run.calls, want)
	}

	run.calls = nil
	if err := s.uninstall("personahub"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.unitDir, "personahub.service")); !os.IsNotExist(err) {
		t.Errorf("unit file still present: %v", err)
	}
	if len(run.calls) != 2 || run.calls[0] != "systemctl disable --now personahub" {
		t.Errorf("uninstall calls = %q", run.calls)
	}
}

func TestSystemdInstallReportsFailedStart(t *testing.T) {
	run := &fakeRunner{fail: map[string]bool{"systemctl enable --now personahub": true}}
	s := &systemd{run: run.run, unitDir: t.TempDir()}

	err := s.install(testUnit())
	if err == nil || !strings.Contains(err.Error(), "enable --now personahub: boom") {
		t.Fatalf("install = %v", err)
	}
}

func TestSystemdUninstallWithoutUnitFile(t *testing.T) {
	run := &fakeRunner{fail: map[string]bool{"systemctl disable --now personahub": true}}
	s := &systemd{run: run.run, unitDir: t.TempDir()}
	if err := s.uninstall("personahub"); err != nil {
		t.Fatalf("uninstall of absent unit: %v", err)
	}
}

func TestParseSystemdShow(t *testing.T) {
	st := parseSystemdShow([]byte("MainPID=4242\nActiveState=active\n"))
	if !st.Running || st.PID != 4242 {
		t.Errorf("active: %+v", st)
	}
	st = parseSystemdShow([]byte("MainPID=0\nActiveState=failed\n"))
	if st.Running || st.PID != 0 {
		t.Errorf("failed: %+v", st)
	}
}

func TestParseLaunchctlList(t *testing.T) {
	out := `{
	"LimitLoadToSessionType" = "Aqua";
	"Label" = "io.personahub.personahub";
	"PID" = 812;
	"LastExitStatus" = 0;
};`
	st := parseLaunchctlList([]byte(out))
	if !st.Running || st.PID != 812 {
		t.Errorf("loaded: %+v", st)
	}
	st = parseLaunchctlList([]byte(`{ "Label" = "io.personahub.personahub"; "LastExitStatus" = 256; };`))
	if st.Running {
		t.Errorf("agent without pid reported running: %+v", st)
	}
}

func healthServer(t *testing.T, healthyAfter int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := gateway.HealthResponse{Status: "ok", Connections: 1}
		if hits.Add(1) <= healthyAfter {
			resp.Status = "degraded"
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestLaunchdInstallWaitsForHealth(t *testing.T) {
	srv, hits := healthServer(t, 2)
	run := &fakeRunner{}
	l := &launchd{run: run.run, agentDir: filepath.Join(t.TempDir(), "LaunchAgents"), client: srv.Client()}

	u := testUnit()
	u.HealthURL = srv.URL + "/healthz"
	u.HealthTimeout = 5 * time.Second
	if err := l.install(u); err != nil {
		t.Fatalf("install: %v", err)
	}
	if hits.Load() != 3 {
		t.Errorf("health checks = %d, want 3", hits.Load())
	}
	path := filepath.Join(l.agentDir, "io.personahub.personahub.plist")
	if _, err := os.Stat(path); err != nil {
		t.Errorf("plist: %v", err)
	}
	if len(run.calls) != 1 || run.calls[0] != "launchctl load -w "+path {
		t.Errorf("calls = %q", run.calls)
	}

	run.calls = nil
	if err := l.uninstall("personahub"); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("plist still present: %v", err)
	}
}

func TestLaunchdInstallUnhealthy(t *testing.T) {
	srv, _ := healthServer(t, 1<<30)
	l := &launchd{run: (&fakeRunner{}).run, agentDir: t.TempDir(), client: srv.Client()}

	u := testUnit()
	u.HealthURL = srv.URL + "/healthz"
	u.HealthTimeout = 300 * time.Millisecond
	err := l.install(u)
	if err == nil || !strings.Contains(err.Error(), "not healthy") || !strings.Contains(err.Error(), "degraded") {
		t.Fatalf("install = %v, want unhealthy error", err)
	}
}

func TestFetchHealth(t *testing.T) {
	srv, _ := healthServer(t, 1)

	health, err := FetchHealth(context.Background(), srv.Client(), srv.URL)
	if err == nil || health == nil || health.Status != "degraded" {
		t.Fatalf("first check = %+v, %v; want degraded", health, err)
	}
	health, err = FetchHealth(context.Background(), srv.Client(), srv.URL)
	if err != nil || health.Connections != 1 {
		t.Fatalf("second check = %+v, %v", health, err)
	}
}

func TestWaitHealthyUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := WaitHealthy(ctx, nil, url, 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("WaitHealthy = %v, want deadline exceeded", err)
	}
}
