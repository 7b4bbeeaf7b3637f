package daemon

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"
	"time"
)

// KeepAlive restarts serve only after a crash; a clean exit on SIGTERM stays down.
var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>{{.Label}}</string>
    <key>ProgramArguments</key>
    <array>
        <string>{{.Binary}}</string>
        <string>serve</string>
        <string>--config</string>
        <string>{{.ConfigPath}}</string>
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <dict>
        <key>SuccessfulExit</key>
        <false/>
    </dict>
    <key>ThrottleInterval</key>
    <integer>5</integer>
    <key>ExitTimeOut</key>
    <integer>15</integer>
    <key>StandardOutPath</key>
    <string>{{.LogFile}}</string>
    <key>StandardErrorPath</key>
    <string>{{.LogFile}}</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.Home}}</string>
        <key>PERSONAHUB_CONFIG</key>
        <string>{{.ConfigPath}}</string>
    </dict>
</dict>
</plist>
`))

type launchdView struct {
	Unit
	Label   string
	LogFile string
}

// RenderLaunchdPlist renders the agent plist for u.
func RenderLaunchdPlist(u Unit) (string, error) {
	var buf bytes.Buffer
	if err := launchdTemplate.Execute(&buf, launchdView{Unit: u, Label: u.Label(), LogFile: u.LogFile()}); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type launchd struct {
	run      runner
	agentDir string
	client   *http.Client
}

func (l *launchd) plistPath(name string) string {
	return filepath.Join(l.agentDir, labelPrefix+name+".plist")
}

// install loads the agent, then waits on /healthz itself since launchd has no
// post-start hook.
func (l *launchd) install(u Unit) error {
	content, err := RenderLaunchdPlist(u)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(l.agentDir, 0o755); err != nil {
		return fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	path := l.plistPath(u.Name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write plist: %w", err)
	}
	if out, err := l.run("launchctl", "load", "-w", path); err != nil {
		return fmt.Errorf("launchctl load: %s: %w", bytes.TrimSpace(out), err)
	}
	if u.HealthURL == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), u.HealthTimeout)
	defer cancel()
	if _, err := WaitHealthy(ctx, l.client, u.HealthURL, 500*time.Millisecond); err != nil {
		return fmt.Errorf("service loaded but not healthy (see %s): %w", u.LogFile(), err)
	}
	return nil
}

func (l *launchd) uninstall(name string) error {
	path := l.plistPath(name)
	// Unloading an agent that is not loaded fails; removal still proceeds.
	l.run("launchctl", "unload", "-w", path)
	if err := removeIfExists(path); err != nil {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (l *launchd) status(name string) (*Status, error) {
	out, err := l.run("launchctl", "list", labelPrefix+name)
	if err != nil {
		return &Status{}, nil
	}
	return parseLaunchctlList(out), nil
}

// parseLaunchctlList reads the plist-style dictionary printed by
// `launchctl list <label>`. A loaded agent without a PID is not running.
func parseLaunchctlList(out []byte) *Status {
	st := &Status{}
	for _, line := range strings.Split(string(out), "\n") {
		key, value, ok := strings.Cut(line, "=")
		if !ok || strings.Trim(strings.TrimSpace(key), `"`) != "PID" {
			continue
		}
		pid, err := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(value), ";"))
		if err == nil && pid > 0 {
			st.PID, st.Running = pid, true
		}
	}
	return st
}
