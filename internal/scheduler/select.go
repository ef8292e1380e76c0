package scheduler

import (
	"context"
	"errors"
	"fmt"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

// dispatchDue selects due events and runs them one by one, oldest first.
func (s *Service) dispatchDue(ctx context.Context, cfg Config) error {
	now := s.clock.Now()
	due, err := s.store.FindDue(ctx, now, cfg.DueTolerance)
	if err != nil {
		return fmt.Errorf("find due: %w", err)
	}
	if len(due) > 0 {
		s.log.Debug("due events selected", logx.Int("count", len(due)))
	}

	for _, ev := range due {
		if ev.Immediate || ev.Status != feeding.StatusScheduled || !ev.RetriesLeft() {
			continue
		}
		now = s.clock.Now()
		if ev.ScheduledTime.After(now.Add(cfg.EarlyTolerance)) {
			s.log.Debug("event not due yet", logx.String("event", ev.ID), logx.Time("scheduled", ev.ScheduledTime))
			continue
		}
		if !s.dedup.Mark(dedupKey(ev), now) {
			s.log.Debug("event recently dispatched; skipping", logx.String("event", ev.ID))
			continue
		}

		_, err := s.execute(ctx, ev, cfg)
		switch {
		case err == nil:
		case errors.Is(err, feeding.ErrConflict), errors.Is(err, feeding.ErrNotFound):
			s.log.Debug("event already claimed", logx.String("event", ev.ID), logx.Err(err))
		default:
			s.log.Error("feeding attempt not resolved", logx.String("event", ev.ID), logx.Err(err))
		}
	}
	return nil
}
