package scheduling

import (
	"context"
	"fmt"

	"trustcore/internal/usecase/compliance"
)

// ErasureSweeper erases identities whose retention horizon has passed.
type ErasureSweeper interface {
	RunScheduledSweep(ctx context.Context) ([]compliance.ErasedIdentity, error)
}

// AuditMaintainer prunes expired audit events and replays parked ones.
type AuditMaintainer interface {
	SweepExpired(ctx context.Context) (int, error)
	RecoverEmergency(ctx context.Context) (int, error)
}

// Schedules holds the cron expressions or durations of the maintenance jobs.
// An empty schedule leaves the job registered for RunNow but unscheduled.
type Schedules struct {
	ErasureSweep    string
	AuditRetention  string
	EmergencyReplay string
}

// RegisterMaintenance registers the maintenance actions on s and schedules
// those with a non-empty schedule.
func RegisterMaintenance(s *Scheduler, erasure ErasureSweeper, audit AuditMaintainer, sched Schedules) error {
	s.RegisterAction(ActionErasureSweep, func(ctx context.Context) error {
		erased, err := erasure.RunScheduledSweep(ctx)
		if err != nil {
			return fmt.Errorf("erasure sweep: %w", err)
		}
		s.logger.Debug("erasure sweep finished", "erased", len(erased))
		return nil
	})
	s.RegisterAction(ActionAuditRetention, func(ctx context.Context) error {
		if _, err := audit.SweepExpired(ctx); err != nil {
			return fmt.Errorf("audit retention: %w", err)
		}
		return nil
	})
	s.RegisterAction(ActionEmergencyReplay, func(ctx context.Context) error {
		if _, err := audit.RecoverEmergency(ctx); err != nil {
			return fmt.Errorf("emergency replay: %w", err)
		}
		return nil
	})

	tasks := []ScheduledTask{
		{Name: "erasure-sweep", Schedule: sched.ErasureSweep, Action: ActionErasureSweep},
		{Name: "audit-retention", Schedule: sched.AuditRetention, Action: ActionAuditRetention},
		{Name: "emergency-replay", Schedule: sched.EmergencyReplay, Action: ActionEmergencyReplay},
	}
	for _, task := range tasks {
		if task.Schedule == "" {
			continue
		}
		if err := s.AddTask(task); err != nil {
			return err
		}
	}
	return nil
}
