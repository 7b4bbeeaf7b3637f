package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"persona-hub/internal/infra/config"
)

// rootOptions holds the persistent flags.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "personahub",
		Short: "Persona event bus with plugin access control",
		Long: `personahub hosts an event bus for persona and memory events. Plugins
subscribe over a WebSocket gateway with scoped, expiring access tokens;
every payload is validated against the event type's JSON schema.`,
		Version:       fmt.Sprintf("%s (%s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetVersionTemplate("personahub {{.Version}}\n")

	root.AddGroup(
		&cobra.Group{ID: "server", Title: "Server Commands:"},
		&cobra.Group{ID: "client", Title: "Client Commands:"},
	)
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath(),
		"config file (env PERSONAHUB_CONFIG)")

	root.AddCommand(
		newServeCmd(opts),
		newDoctorCmd(opts),
		newDaemonCmd(opts),
		newSchemasCmd(),
		newValidateCmd(),
		newTokenCmd(),
		newStatsCmd(),
		newWatchCmd(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("PERSONAHUB_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

// loadConfig reads the config file. A missing file yields defaults plus env
// overrides.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}
