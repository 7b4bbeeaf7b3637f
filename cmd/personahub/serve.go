package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"persona-hub/internal/adapter/gateway"
	"persona-hub/internal/adapter/store"
	"persona-hub/internal/domain"
	"persona-hub/internal/infra/config"
	"persona-hub/internal/infra/logger"
	"persona-hub/internal/infra/tracer"
	"persona-hub/internal/security"
	"persona-hub/internal/usecase/bridge"
	"persona-hub/internal/usecase/eventbus"
	"persona-hub/internal/usecase/integration"
	"persona-hub/internal/usecase/scheduling"
)

func newServeCmd(root *rootOptions) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:     "serve",
		GroupID: "server",
		Short:   "Run the event bus and its WebSocket gateway",
		Example: `  personahub serve --config /etc/personahub/config.yaml
  PERSONAHUB_GATEWAY_TOKEN=secret personahub serve --addr 127.0.0.1:8765`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Gateway.Enabled = true
				cfg.Gateway.Addr = addr
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "gateway listen address (enables the gateway)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(context.Background())

	h, err := startHub(ctx, cfg, log)
	if err != nil {
		return err
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-h.gatewayErr:
		log.Error("gateway stopped", "error", serveErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return errors.Join(serveErr, h.Close(shutdownCtx))
}

// hub is a running bus with its store, adapters, scheduler and gateway.
type hub struct {
	log       *slog.Logger
	audit     domain.SecurityLogger
	bus       *eventbus.Bus
	store     *store.SQLiteStore
	personas  *integration.PersonaEvents
	memories  *integration.MemoryEvents
	plugins   *integration.PluginAccess
	scheduler *scheduling.Scheduler
	gateway   *gateway.Server

	gatewayErr chan error
}

// startHub wires every component and starts the scheduler and, when enabled,
// the gateway. On error everything started so far is closed.
func startHub(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *hub, err error) {
	h := &hub{log: log, gatewayErr: make(chan error, 1)}
	defer func() {
		if err != nil {
			h.Close(context.Background())
		}
	}()

	audit, auditFile, err := security.FromConfig(cfg.Security.Audit, log)
	if err != nil {
		return nil, fmt.Errorf("security log: %w", err)
	}
	h.audit = audit

	h.bus, err = eventbus.New(eventbus.Config{
		DefaultGrantExpiration: cfg.Bus.DefaultGrantExpiration,
		HighFrequencyThreshold: cfg.Bus.HighFrequencyThreshold,
		SlowEventThreshold:     cfg.Bus.SlowEventThreshold,
	}, audit, log)
	if err != nil {
		return nil, fmt.Errorf("event bus: %w", err)
	}

	if cfg.Store.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o700); err != nil {
			return nil, fmt.Errorf("store dir: %w", err)
		}
	}
	h.store, err = store.Open(cfg.Store.Path)
	if err != nil {
		return nil, err
	}
	h.personas = integration.NewPersonaEvents(h.bus, h.store, log)
	h.memories = integration.NewMemoryEvents(h.bus, h.store, log)
	h.plugins = integration.NewPluginAccess(h.bus, h.bus.Access(), log)

	h.scheduler = scheduling.NewScheduler(log)
	jobs := scheduling.Jobs{
		Health:         h.bus.Monitor(),
		HealthSchedule: cfg.Bus.HealthInterval,
		Grants:         h.bus.Access(),
		GrantsSchedule: cfg.Bus.HealthInterval,
	}
	if auditFile != nil {
		jobs.Audit = auditFile
		jobs.AuditSchedule = cfg.Security.Audit.RetentionSchedule
	}
	if err := jobs.Register(h.scheduler); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}
	if err := h.scheduler.Start(ctx); err != nil {
		return nil, fmt.Errorf("scheduler: %w", err)
	}

	if cfg.Gateway.Enabled {
		h.gateway = newGateway(cfg, h, log)
		go func() {
			if err := h.gateway.Start(ctx); err != nil {
				h.gatewayErr <- err
			}
		}()
	}

	log.Info("personahub started",
		"event_types", len(h.bus.EventTypes()),
		"gateway", cfg.Gateway.Enabled,
		"store", cfg.Store.Path,
		"jobs", h.scheduler.Tasks())
	return h, nil
}

func newGateway(cfg *config.Config, h *hub, log *slog.Logger) *gateway.Server {
	n := cfg.Gateway.Notifications
	b := bridge.New(h.bus, log, bridge.WithBreaker(bridge.BreakerConfig{
		MaxFailures: n.MaxFailures,
		Timeout:     n.BreakerTimeout,
	}))
	srv := gateway.NewServer(b, gateway.NewStaticTokenAuth(cfg.Gateway.Auth.Tokens), h.audit, gateway.Options{
		Addr:              cfg.Gateway.Addr,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		Burst:             cfg.Gateway.Burst,
		UpgradesPerMinute: cfg.Gateway.UpgradesPerMinute,
		QueueSize:         n.QueueSize,
	}, log)
	srv.RegisterHTTPRoute("/metrics", srv.MetricsHandler())
	srv.RegisterDomainHandlers(gateway.DomainServices{
		Personas: h.personas,
		Memories: h.memories,
		Plugins:  h.plugins,
	})
	return srv
}

// Close stops the gateway first so no new work arrives, then drains the bus.
func (h *hub) Close(ctx context.Context) error {
	var errs []error
	if h.gateway != nil {
		errs = append(errs, h.gateway.Stop(ctx))
	}
	if h.scheduler != nil {
		errs = append(errs, h.scheduler.Stop())
	}
	if h.personas != nil {
		h.personas.Close(ctx)
		h.memories.Close(ctx)
		h.plugins.Close(ctx)
	}
	if h.bus != nil {
		errs = append(errs, h.bus.Shutdown(ctx))
	}
	if h.store != nil {
		errs = append(errs, h.store.Close())
	}
	if h.audit != nil {
		errs = append(errs, h.audit.Close())
	}
	h.log.Info("personahub stopped")
	return errors.Join(errs...)
}
