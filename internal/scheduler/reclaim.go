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

const (
	reasonRecovered      = "Recovered from stuck processing state"
	reasonStuckExhausted = "Retries exhausted while stuck in processing"
)

// reclaim returns events left in processing past StuckAfter to the retry
// budget, or fails them when the budget is spent.
func (s *Service) reclaim(ctx context.Context, cfg Config) error {
	now := s.clock.Now()
	stuck, err := s.store.FindProcessingOlderThan(ctx, now.Add(-cfg.StuckAfter))
	if err != nil {
		return fmt.Errorf("find stuck: %w", err)
	}

	var errs []error
	for _, ev := range stuck {
		if ev.Immediate || ev.Status != feeding.StatusProcessing {
			continue
		}
		if err := s.reclaimOne(ctx, ev, now, cfg); err != nil {
			if errors.Is(err, feeding.ErrConflict) {
				s.log.Debug("stuck event moved on before reclaim", logx.String("event", ev.ID))
				continue
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *Service) reclaimOne(ctx context.Context, ev feeding.Event, now time.Time, cfg Config) error {
	log := s.log.With(logx.String("event", ev.ID), logx.Int("attempts", ev.AttemptCount), logx.Int("max", ev.MaxRetries))

	if ev.RetriesLeft() {
		next := now.Add(cfg.RetryDelay)
		out, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
			IfStatus:      feeding.StatusProcessing,
			Status:        feeding.Ptr(feeding.StatusScheduled),
			ScheduledTime: feeding.Ptr(next),
			FailureReason: feeding.Ptr(reasonRecovered),
		})
		if err != nil {
			return fmt.Errorf("reclaim %s: %w", ev.ID, err)
		}
		s.metrics.Reclaimed("rescheduled")
		log.Warn("stuck event rescheduled", logx.Time("at", next))
		eventbus.Emit(s.bus, eventbus.FeedingReclaimed, *out)
		return nil
	}

	out, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
		IfStatus:      feeding.StatusProcessing,
		Status:        feeding.Ptr(feeding.StatusFailed),
		FailureReason: feeding.Ptr(reasonStuckExhausted),
	})
	if err != nil {
		return fmt.Errorf("reclaim %s: %w", ev.ID, err)
	}
	s.metrics.Reclaimed("failed")
	log.Warn("stuck event failed; retries exhausted")
	eventbus.Emit(s.bus, eventbus.FeedingReclaimed, *out)
	s.finish(*out, feeding.OutcomeFailed, reasonStuckExhausted)
	return nil
}
