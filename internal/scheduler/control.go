package scheduler

import (
	"context"
	"errors"
	"fmt"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

// ForceExecute runs one attempt for id now, outside the due window and the
// dedup guard. Immediate events are accepted. Events that are processing or
// terminal return feeding.ErrNotSchedulable.
//
// The attempt is not tied to ctx cancellation once the event is claimed.
func (s *Service) ForceExecute(ctx context.Context, id string) (*feeding.Event, error) {
	ev, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("force execute %s: %w", id, err)
	}
	if ev.Status != feeding.StatusScheduled || ev.AttemptCount > ev.MaxRetries {
		return nil, fmt.Errorf("force execute %s (status %s): %w", id, ev.Status, feeding.ErrNotSchedulable)
	}

	s.log.Info("force execute", logx.String("event", id), logx.Bool("immediate", ev.Immediate))
	out, err := s.execute(context.WithoutCancel(ctx), *ev, s.config())
	if errors.Is(err, feeding.ErrConflict) {
		return nil, fmt.Errorf("force execute %s: %w", id, errors.Join(feeding.ErrNotSchedulable, err))
	}
	return out, err
}

// NextScheduledFeeding returns the earliest upcoming automatic feeding,
// or nil when there is none.
func (s *Service) NextScheduledFeeding(ctx context.Context) (*feeding.Event, error) {
	return s.store.NextScheduled(ctx, s.clock.Now())
}

func (s *Service) SetDeviceAddress(addr string) { s.device.SetAddress(addr) }

func (s *Service) DeviceAddress() string { return s.device.Address() }
