package scheduling

import (
	"context"
	"log/slog"

	"persona-hub/internal/usecase/eventbus"
)

// HealthSweeper reports high-frequency and slow event types.
type HealthSweeper interface {
	Sweep(ctx context.Context) eventbus.SweepReport
}

// GrantPurger reclaims expired access grants.
type GrantPurger interface {
	PurgeExpired(ctx context.Context) int
}

// RetentionEnforcer trims the security log.
type RetentionEnforcer interface {
	EnforceRetention(ctx context.Context) (int, error)
}

// Jobs wires the bus housekeeping tasks. A nil dependency or an empty
// schedule leaves that job out.
type Jobs struct {
	Health         HealthSweeper
	HealthSchedule string

	Grants         GrantPurger
	GrantsSchedule string

	Audit         RetentionEnforcer
	AuditSchedule string
}

// Register adds the configured jobs to s.
func (j Jobs) Register(s *Scheduler) error {
	logger := s.logger

	if j.Health != nil && j.HealthSchedule != "" {
		s.RegisterAction(ActionHealthSweep, func(ctx context.Context) error {
			r := j.Health.Sweep(ctx)
			if n := len(r.HighFrequency) + len(r.Slow); n > 0 {
				logger.Info("health sweep found issues", "high_frequency", len(r.HighFrequency), "slow", len(r.Slow))
			}
			return nil
		})
		if err := s.AddTask(ScheduledTask{Name: "health-sweep", Schedule: j.HealthSchedule, Action: ActionHealthSweep}); err != nil {
			return err
		}
	}

	if j.Grants != nil && j.GrantsSchedule != "" {
		s.RegisterAction(ActionGrantPurge, func(ctx context.Context) error {
			if n := j.Grants.PurgeExpired(ctx); n > 0 {
				logger.Info("expired grants purged", "count", n)
			}
			return nil
		})
		if err := s.AddTask(ScheduledTask{Name: "grant-purge", Schedule: j.GrantsSchedule, Action: ActionGrantPurge}); err != nil {
			return err
		}
	}

	if j.Audit != nil && j.AuditSchedule != "" {
		s.RegisterAction(ActionAuditRetention, func(ctx context.Context) error {
			n, err := j.Audit.EnforceRetention(ctx)
			if err != nil {
				return err
			}
			if n > 0 {
				logger.Info("security log trimmed", slog.Int("removed", n))
			}
			return nil
		})
		if err := s.AddTask(ScheduledTask{Name: "audit-retention", Schedule: j.AuditSchedule, Action: ActionAuditRetention}); err != nil {
			return err
		}
	}
	return nil
}
