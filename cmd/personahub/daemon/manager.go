package daemon

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"persona-hub/internal/adapter/gateway"
)

// Status reports an installed service.
type Status struct {
	Running bool
	PID     int
	// Health is set by the caller after probing the unit's HealthURL.
	Health *gateway.HealthResponse
}

// runner executes a service-manager command and returns its combined output.
type runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

type manager interface {
	install(u Unit) error
	uninstall(name string) error
	status(name string) (*Status, error)
}

func managerFor(goos string, run runner) (manager, error) {
	switch goos {
	case "linux":
		return &systemd{run: run, unitDir: "/etc/systemd/system"}, nil
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, err
		}
		return &launchd{run: run, agentDir: filepath.Join(home, "Library", "LaunchAgents")}, nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", goos)
	}
}

// Install writes the service definition and starts it. With a HealthURL the
// call returns only after the gateway reports healthy.
func Install(u Unit) error {
	if err := u.Validate(); err != nil {
		return err
	}
	m, err := managerFor(runtime.GOOS, execRunner)
	if err != nil {
		return err
	}
	for _, dir := range []string{u.LogDir, u.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return m.install(u)
}

// Uninstall stops the service and removes its definition.
func Uninstall(name string) error {
	m, err := managerFor(runtime.GOOS, execRunner)
	if err != nil {
		return err
	}
	return m.uninstall(name)
}

// QueryStatus asks the platform service manager about name.
func QueryStatus(name string) (*Status, error) {
	m, err := managerFor(runtime.GOOS, execRunner)
	if err != nil {
		return nil, err
	}
	return m.status(name)
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
