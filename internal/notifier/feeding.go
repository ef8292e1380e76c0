package notifier

import (
	"context"
	"errors"
	"fmt"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

// FeedingOutcome implements feeding.Emitter. It only enqueues.
func (s *Service) FeedingOutcome(ev feeding.Event, outcome feeding.Outcome, detail string) {
	m := outcomeMessage(ev, outcome, detail)
	err := s.Notify(context.Background(), m)
	if err != nil && !errors.Is(err, ErrDisabled) {
		s.log.Warn("feeding notification not queued", logx.String("event", ev.ID), logx.String("outcome", string(outcome)), logx.Err(err))
	}
}

func outcomeMessage(ev feeding.Event, outcome feeding.Outcome, detail string) Message {
	zone := ev.ZoneID
	if zone == "" {
		zone = "-"
	}
	m := Message{
		Key:     "feeding:" + ev.ID + ":" + string(outcome),
		EventID: ev.ID,
		Outcome: string(outcome),
		Fields: map[string]any{
			"zone_id":        ev.ZoneID,
			"feed_id":        ev.FeedID,
			"quantity":       ev.Quantity,
			"attempt_count":  ev.AttemptCount,
			"max_retries":    ev.MaxRetries,
			"device_status":  string(ev.DeviceStatus),
			"network_status": string(ev.NetworkStatus),
			"scheduled_time": ev.ScheduledTime,
		},
	}

	switch outcome {
	case feeding.OutcomeCompleted:
		m.Level = LevelInfo
		m.Title = "Feeding completed"
		m.Text = fmt.Sprintf("Zone %s: dispensed %g of %s (device %s).", zone, ev.Quantity, ev.FeedID, ev.DeviceStatus)
		if ev.ExecutedAt != nil {
			m.At = *ev.ExecutedAt
		}
	default:
		m.Level = LevelAlert
		m.Title = "Feeding failed"
		reason := ev.FailureReason
		if reason == "" {
			reason = detail
		}
		m.Text = fmt.Sprintf("Zone %s: %g of %s was not dispensed. %s", zone, ev.Quantity, ev.FeedID, reason)
		m.Fields["failure_reason"] = ev.FailureReason
		m.Fields["error_details"] = ev.ErrorDetails
	}
	if detail != "" {
		m.Fields["detail"] = detail
	}
	return m
}
