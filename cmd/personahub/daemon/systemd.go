package daemon

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
)

// ExecStartPost blocks the start job until /healthz answers, so
// `systemctl start` fails when the gateway never comes up.
var systemdTemplate = template.Must(template.New("systemd").Parse(`[Unit]
Description={{.Name}} persona event bus
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{.Binary}} serve --config {{.ConfigPath}}
{{- if .HealthURL}}
ExecStartPost={{.Binary}} daemon wait --url {{.HealthURL}} --timeout {{.HealthTimeout}}
TimeoutStartSec={{.StartTimeout}}
{{- end}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogFile}}
StandardError=append:{{.LogFile}}
Environment=HOME={{.Home}}
Environment=PERSONAHUB_CONFIG={{.ConfigPath}}
KillSignal=SIGTERM
TimeoutStopSec=15

[Install]
WantedBy=multi-user.target
`))

type systemdView struct {
	Unit
	LogFile      string
	StartTimeout int
}

// RenderSystemdUnit renders the service file for u.
func RenderSystemdUnit(u Unit) (string, error) {
	view := systemdView{
		Unit:    u,
		LogFile: u.LogFile(),
		// Headroom past the health wait for the serve process to bind.
		StartTimeout: int(u.HealthTimeout.Seconds()) + 10,
	}
	var buf bytes.Buffer
	if err := systemdTemplate.Execute(&buf, view); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type systemd struct {
	run     runner
	unitDir string
}

func (s *systemd) unitPath(name string) string {
	return filepath.Join(s.unitDir, name+".service")
}

func (s *systemd) install(u Unit) error {
	content, err := RenderSystemdUnit(u)
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.unitPath(u.Name), []byte(content), 0o644); err != nil {
		return fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"daemon-reload"},
		{"enable", "--now", u.Name},
	} {
		if out, err := s.run("systemctl", args...); err != nil {
			return fmt.Errorf("systemctl %s: %s: %w", strings.Join(args, " "), bytes.TrimSpace(out), err)
		}
	}
	return nil
}

func (s *systemd) uninstall(name string) error {
	// Stopping an absent unit fails; removal still proceeds.
	s.run("systemctl", "disable", "--now", name)
	if err := removeIfExists(s.unitPath(name)); err != nil {
		return fmt.Errorf("remove unit file: %w", err)
	}
	if out, err := s.run("systemctl", "daemon-reload"); err != nil {
		return fmt.Errorf("systemctl daemon-reload: %s: %w", bytes.TrimSpace(out), err)
	}
	return nil
}

func (s *systemd) status(name string) (*Status, error) {
	out, err := s.run("systemctl", "show", "--property=ActiveState,MainPID", name)
	if err != nil {
		return &Status{}, nil
	}
	return parseSystemdShow(out), nil
}

// parseSystemdShow reads `systemctl show` key=value output.
func parseSystemdShow(out []byte) *Status {
	st := &Status{}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		switch key {
		case "ActiveState":
			st.Running = value == "active"
		case "MainPID":
			st.PID, _ = strconv.Atoi(value)
		}
	}
	return st
}
