package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"persona-hub/cmd/personahub/daemon"
)

func newDaemonCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "daemon",
		GroupID: "server",
		Short:   "Install personahub as a systemd or launchd service",
	}
	cmd.AddCommand(
		newDaemonInstallCmd(root),
		newDaemonUninstallCmd(),
		newDaemonStatusCmd(root),
		newDaemonWaitCmd(),
	)
	return cmd
}

func newDaemonInstallCmd(root *rootOptions) *cobra.Command {
	var (
		skipChecks    bool
		healthTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "install",
		Short: "Run doctor, then install and start the service using --config",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			abs, err := filepath.Abs(root.configPath)
			if err != nil {
				return err
			}
			if !skipChecks {
				if err := runDoctor(cmd.ErrOrStderr(), abs); err != nil {
					return fmt.Errorf("doctor: %w (fix the failures or pass --skip-checks)", err)
				}
			}
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			unit := daemon.NewUnit(cfg, abs)
			unit.HealthTimeout = healthTimeout
			if err := daemon.Install(unit); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "installed %s (config %s)\n", unit.Name, unit.ConfigPath)
			if unit.HealthURL != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "gateway healthy at %s\n", unit.HealthURL)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&skipChecks, "skip-checks", false, "install even if doctor reports failures")
	cmd.Flags().DurationVar(&healthTimeout, "health-timeout", 30*time.Second, "how long to wait for /healthz after start")
	return cmd
}

func newDaemonUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name := daemon.NewUnit(nil, "").Name
			if err := daemon.Uninstall(name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uninstalled %s\n", name)
			return nil
		},
	}
}

func newDaemonStatusCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the service is running and its gateway is healthy",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			unit := daemon.NewUnit(cfg, root.configPath)
			st, err := daemon.QueryStatus(unit.Name)
			if err != nil {
				return err
			}
			if st.Running && unit.HealthURL != "" {
				ctx, cancel := context.WithTimeout(cmd.Context(), 3*time.Second)
				defer cancel()
				st.Health, err = daemon.FetchHealth(ctx, nil, unit.HealthURL)
			}
			printDaemonStatus(cmd.OutOrStdout(), unit, st, err)
			return nil
		},
	}
}

// printDaemonStatus reports st; healthErr is the /healthz failure, if any.
func printDaemonStatus(w io.Writer, unit daemon.Unit, st *daemon.Status, healthErr error) {
	if !st.Running {
		fmt.Fprintf(w, "%s: not running\n", unit.Name)
		return
	}
	fmt.Fprintf(w, "%s: running (pid %d)\n", unit.Name, st.PID)
	switch {
	case unit.HealthURL == "":
		fmt.Fprintln(w, "gateway: disabled")
	case healthErr != nil:
		fmt.Fprintf(w, "gateway: unhealthy: %v\n", healthErr)
	default:
		h := st.Health
		active := 0
		if h.Subscriptions != nil {
			active = h.Subscriptions.TotalSubscriptions
		}
		fmt.Fprintf(w, "gateway: %s, up %s, %d connections, %d subscriptions\n",
			h.Status, time.Duration(h.UptimeSeconds)*time.Second, h.Connections, active)
	}
}

// newDaemonWaitCmd is the unit's ExecStartPost hook.
func newDaemonWaitCmd() *cobra.Command {
	var (
		url     string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:    "wait",
		Short:  "Block until the gateway /healthz reports ok",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			_, err := daemon.WaitHealthy(ctx, nil, url, 500*time.Millisecond)
			return err
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "health endpoint")
	cmd.Flags().DurationVar(&timeout, "timeout", 30*time.Second, "maximum wait")
	cmd.MarkFlagRequired("url")
	return cmd
}
