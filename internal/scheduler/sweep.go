package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"farmfeed/internal/eventbus"
	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

const reasonMissed = "Missed scheduled time"

// sweepOverdue fails scheduled events whose time passed more than
// OverdueAfter ago. They are never dispatched.
func (s *Service) sweepOverdue(ctx context.Context, cfg Config) error {
	now := s.clock.Now()
	overdue, err := s.store.FindOverdue(ctx, now.Add(-cfg.OverdueAfter))
	if err != nil {
		return fmt.Errorf("find overdue: %w", err)
	}

	var errs []error
	for _, ev := range overdue {
		if ev.Immediate || ev.Status != feeding.StatusScheduled {
			continue
		}
		late := now.Sub(ev.ScheduledTime).Truncate(time.Second)
		out, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
			IfStatus:      feeding.StatusScheduled,
			Status:        feeding.Ptr(feeding.StatusFailed),
			FailureReason: feeding.Ptr(reasonMissed),
			ErrorDetails:  feeding.Ptr(fmt.Sprintf("scheduled for %s, %s late", ev.ScheduledTime.UTC().Format(time.RFC3339), late)),
		})
		if err != nil {
			if errors.Is(err, feeding.ErrConflict) {
				continue
			}
			errs = append(errs, fmt.Errorf("sweep %s: %w", ev.ID, err))
			continue
		}
		s.metrics.Overdue()
		s.log.Warn("overdue event failed", logx.String("event", ev.ID), logx.Duration("late", late))
		eventbus.Emit(s.bus, eventbus.FeedingOverdue, *out)
		s.finish(*out, feeding.OutcomeFailed, reasonMissed)
	}
	return errors.Join(errs...)
}
