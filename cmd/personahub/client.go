package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"persona-hub/internal/domain"
	"persona-hub/internal/usecase/bridge"
	"persona-hub/pkg/busclient"
)

const defaultGatewayURL = "ws://127.0.0.1:8765/ws"

// clientOptions are the connection flags shared by client commands.
type clientOptions struct {
	url     string
	token   string
	timeout time.Duration
}

func (o *clientOptions) bind(cmd *cobra.Command) {
	url := os.Getenv("PERSONAHUB_URL")
	if url == "" {
		url = defaultGatewayURL
	}
	cmd.PersistentFlags().StringVar(&o.url, "url", url, "gateway WebSocket URL (env PERSONAHUB_URL)")
	cmd.PersistentFlags().StringVar(&o.token, "token", os.Getenv("PERSONAHUB_TOKEN"), "gateway token (env PERSONAHUB_TOKEN)")
	cmd.PersistentFlags().DurationVar(&o.timeout, "timeout", 10*time.Second, "dial and call timeout")
}

func (o *clientOptions) dial(ctx context.Context, opts ...busclient.Option) (*busclient.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("a gateway token is required (--token or PERSONAHUB_TOKEN)")
	}
	dialCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return busclient.Dial(dialCtx, o.url, o.token, opts...)
}

// call runs fn against a fresh connection bounded by the call timeout.
func (o *clientOptions) call(ctx context.Context, fn func(ctx context.Context, c *busclient.Client) error) error {
	c, err := o.dial(ctx)
	if err != nil {
		return err
	}
	defer c.Close()
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	return fn(callCtx, c)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newTokenCmd() *cobra.Command {
	opts := &clientOptions{}
	cmd := &cobra.Command{
		Use:     "token",
		GroupID: "client",
		Short:   "Grant and revoke plugin access tokens on a running bus",
	}
	opts.bind(cmd)

	var (
		perms   []string
		expires time.Duration
	)
	grant := &cobra.Command{
		Use:   "grant <plugin-id> <persona-id>",
		Short: "Grant a plugin access to a persona and print the token",
		Example: `  personahub token grant notes persona-1 --perm read --perm memory.read --expires 2h`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if expires < 0 {
				return fmt.Errorf("--expires must not be negative")
			}
			return opts.call(cmd.Context(), func(ctx context.Context, c *busclient.Client) error {
				token, err := c.GrantPluginAccess(ctx, bridge.GrantAccessRequest{
					PluginID:          args[0],
					PersonaID:         args[1],
					Permissions:       perms,
					ExpirationMinutes: int(expires / time.Minute),
				})
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), token)
				return nil
			})
		},
	}
	grant.Flags().StringSliceVar(&perms, "perm", []string{string(domain.PermRead)}, "permission to grant (repeatable)")
	grant.Flags().DurationVar(&expires, "expires", 0, "grant lifetime, rounded down to minutes (0 uses the server default)")

	revoke := &cobra.Command{
		Use:   "revoke <plugin-id> [persona-id]",
		Short: "Revoke a plugin's grants, for one persona or all",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			req := bridge.RevokeAccessRequest{PluginID: args[0]}
			if len(args) == 2 {
				req.PersonaID = args[1]
			}
			return opts.call(cmd.Context(), func(ctx context.Context, c *busclient.Client) error {
				resp, err := c.RevokePluginAccess(ctx, req)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), resp.Revoked)
			})
		},
	}

	cmd.AddCommand(grant, revoke)
	return cmd
}

func newStatsCmd() *cobra.Command {
	opts := &clientOptions{}
	var eventType string
	cmd := &cobra.Command{
		Use:     "stats",
		GroupID: "client",
		Short:   "Print subscription statistics and performance metrics",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return opts.call(cmd.Context(), func(ctx context.Context, c *busclient.Client) error {
				subs, err := c.SubscriptionStats(ctx)
				if err != nil {
					return err
				}
				metrics, err := c.PerformanceMetrics(ctx, bridge.PerformanceMetricsRequest{EventType: domain.EventType(eventType)})
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), map[string]any{
					"subscriptions": subs.Stats,
					"metrics":       metrics.Metrics,
				})
			})
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&eventType, "type", "", "limit metrics to one event type")
	return cmd
}

func newWatchCmd() *cobra.Command {
	opts := &clientOptions{}
	var (
		pluginID    string
		accessToken string
	)
	cmd := &cobra.Command{
		Use:     "watch <event-type>...",
		GroupID: "client",
		Short:   "Subscribe to event types and print notifications as JSON lines",
		Example: `  personahub watch persona.updated memory.added --plugin notes --access-token "$GRANT"`,
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if pluginID == "" || accessToken == "" {
				return fmt.Errorf("--plugin and --access-token are required")
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			c, err := opts.dial(cmd.Context(), busclient.WithNotificationHandler(func(n bridge.Notification) {
				enc.Encode(n)
			}))
			if err != nil {
				return err
			}
			defer c.Close()

			for _, t := range args {
				callCtx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
				_, err := c.Subscribe(callCtx, bridge.SubscribeRequest{
					EventType:   domain.EventType(t),
					PluginID:    pluginID,
					AccessToken: accessToken,
				}, nil)
				cancel()
				if err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "watching %s\n", strings.Join(args, ", "))

			select {
			case <-cmd.Context().Done():
				return nil
			case <-c.Done():
				return c.Err()
			}
		},
	}
	opts.bind(cmd)
	cmd.Flags().StringVar(&pluginID, "plugin", "", "plugin id the access token was granted to")
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access token from 'personahub token grant'")
	return cmd
}
