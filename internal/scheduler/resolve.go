package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"farmfeed/internal/eventbus"
	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

const reasonInsufficientStock = "Insufficient feed stock"

// attempt carries what one claimed run has learned so far. The fault path
// uses it to record diagnostics and to keep StockReduced truthful.
type attempt struct {
	ev      feeding.Event // as claimed
	network feeding.LinkStatus
	device  feeding.LinkStatus
	reduced bool
	log     logx.Logger
}

// execute claims ev (scheduled -> processing) and drives it to its next state.
// feeding.ErrConflict means another pass claimed it first.
func (s *Service) execute(ctx context.Context, ev feeding.Event, cfg Config) (out *feeding.Event, err error) {
	now := s.clock.Now()
	claimed, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
		IfStatus:      feeding.StatusScheduled,
		Status:        feeding.Ptr(feeding.StatusProcessing),
		AttemptCount:  feeding.Ptr(ev.AttemptCount + 1),
		LastAttemptAt: feeding.Ptr(now),
	})
	if err != nil {
		return nil, fmt.Errorf("claim %s: %w", ev.ID, err)
	}
	eventbus.Emit(s.bus, eventbus.FeedingClaimed, *claimed)

	a := &attempt{
		ev:      *claimed,
		network: feeding.LinkUnknown,
		device:  feeding.LinkUnknown,
		log:     s.log.With(logx.String("event", ev.ID), logx.Int("attempt", claimed.AttemptCount)),
	}
	a.log.Debug("feeding claimed", logx.String("feed", ev.FeedID), logx.Float64("qty", ev.Quantity))

	defer func() {
		if r := recover(); r != nil {
			a.log.Error("feeding attempt panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out, err = s.resolveFault(ctx, a, fmt.Errorf("panic: %v", r), cfg)
		}
	}()

	out, err = s.run(ctx, a, cfg)
	if err != nil {
		a.log.Error("feeding attempt error", logx.Err(err))
		return s.resolveFault(ctx, a, err, cfg)
	}
	return out, nil
}

func (s *Service) run(ctx context.Context, a *attempt, cfg Config) (*feeding.Event, error) {
	ev := a.ev
	if !ev.StockReduced {
		remaining, err := s.ledger.Remaining(ctx, ev.FeedID)
		if err != nil && !errors.Is(err, feeding.ErrUnknownFeed) {
			return nil, fmt.Errorf("stock lookup %s: %w", ev.FeedID, err)
		}
		if remaining < ev.Quantity {
			return s.failInsufficient(ctx, a, remaining)
		}
	}

	a.network = s.device.Probe(ctx)
	start := time.Now()
	res := s.device.Dispense(ctx, ev.Quantity)
	s.metrics.ObserveDispatch(res.Success, string(res.DeviceStatus), time.Since(start))
	a.device = res.DeviceStatus

	if !res.Success {
		a.log.Warn("dispense failed", logx.String("detail", res.Detail), logx.String("device", string(res.DeviceStatus)), logx.String("network", string(a.network)))
		return s.retryOrFail(ctx, a, res.Detail, cfg)
	}
	return s.complete(ctx, a, res.Detail)
}

func (s *Service) failInsufficient(ctx context.Context, a *attempt, remaining float64) (*feeding.Event, error) {
	ev := a.ev
	detail := fmt.Sprintf("need %g of %s, %g remaining", ev.Quantity, ev.FeedID, remaining)
	out, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
		IfStatus:      feeding.StatusProcessing,
		Status:        feeding.Ptr(feeding.StatusFailed),
		AttemptCount:  feeding.Ptr(ev.AttemptCount - 1),
		FailureReason: feeding.Ptr(reasonInsufficientStock),
		ErrorDetails:  feeding.Ptr(detail),
		NetworkStatus: feeding.Ptr(feeding.LinkNotApplicable),
		DeviceStatus:  feeding.Ptr(feeding.LinkNotApplicable),
	})
	if err != nil {
		return nil, fmt.Errorf("record insufficient stock: %w", err)
	}
	a.log.Warn("feeding failed: insufficient stock", logx.String("detail", detail))
	s.finish(*out, feeding.OutcomeFailed, reasonInsufficientStock+": "+detail)
	return out, nil
}

func (s *Service) complete(ctx context.Context, a *attempt, detail string) (*feeding.Event, error) {
	ev := a.ev
	if !ev.StockReduced {
		if err := s.ledger.Decrement(ctx, ev.FeedID, ev.Quantity); err != nil {
			return nil, fmt.Errorf("decrement stock %s: %w", ev.FeedID, err)
		}
		a.reduced = true
	}

	out, err := s.store.UpdateByID(ctx, ev.ID, feeding.Patch{
		IfStatus:      feeding.StatusProcessing,
		Status:        feeding.Ptr(feeding.StatusCompleted),
		StockReduced:  feeding.Ptr(true),
		ExecutedAt:    feeding.Ptr(s.clock.Now()),
		DeviceStatus:  feeding.Ptr(a.device),
		NetworkStatus: feeding.Ptr(a.network),
		FailureReason: feeding.Ptr(""),
		ErrorDetails:  feeding.Ptr(""),
	})
	if err != nil {
		return nil, fmt.Errorf("record completion: %w", err)
	}
	a.log.Info("feeding completed", logx.String("feed", ev.FeedID), logx.Float64("qty", ev.Quantity), logx.String("device", string(a.device)))
	s.finish(*out, feeding.OutcomeCompleted, detail)
	return out, nil
}

// retryOrFail reschedules the event while retries remain, otherwise fails it.
func (s *Service) retryOrFail(ctx context.Context, a *attempt, cause string, cfg Config) (*feeding.Event, error) {
	ev := a.ev
	n := ev.AttemptCount
	p := feeding.Patch{
		IfStatus:      feeding.StatusProcessing,
		ErrorDetails:  feeding.Ptr(cause),
		DeviceStatus:  feeding.Ptr(a.device),
		NetworkStatus: feeding.Ptr(a.network),
	}
	if a.reduced {
		p.StockReduced = feeding.Ptr(true)
	}

	if n < ev.MaxRetries {
		next := s.clock.Now().Add(cfg.RetryDelay)
		p.Status = feeding.Ptr(feeding.StatusScheduled)
		p.ScheduledTime = feeding.Ptr(next)
		p.FailureReason = feeding.Ptr(fmt.Sprintf("Attempt %d failed: %s", n, cause))
		out, err := s.store.UpdateByID(ctx, ev.ID, p)
		if err != nil {
			return nil, fmt.Errorf("schedule retry: %w", err)
		}
		s.metrics.Outcome("retry")
		a.log.Info("feeding retry scheduled", logx.Time("at", next), logx.Int("max", ev.MaxRetries))
		eventbus.Emit(s.bus, eventbus.FeedingRetry, *out)
		return out, nil
	}

	reason := fmt.Sprintf("Failed after %d attempts: %s", n, cause)
	p.Status = feeding.Ptr(feeding.StatusFailed)
	p.FailureReason = feeding.Ptr(reason)
	out, err := s.store.UpdateByID(ctx, ev.ID, p)
	if err != nil {
		return nil, fmt.Errorf("record failure: %w", err)
	}
	a.log.Warn("feeding failed", logx.String("reason", reason))
	s.finish(*out, feeding.OutcomeFailed, reason)
	return out, nil
}

// resolveFault handles errors and panics raised after the claim. The event is
// reloaded: still processing goes through retryOrFail, any other
// non-terminal state is forced to failed.
func (s *Service) resolveFault(ctx context.Context, a *attempt, cause error, cfg Config) (*feeding.Event, error) {
	cur, err := s.store.Get(ctx, a.ev.ID)
	if err != nil {
		return nil, errors.Join(cause, fmt.Errorf("reload after fault: %w", err))
	}
	switch {
	case cur.Status == feeding.StatusProcessing:
		return s.retryOrFail(ctx, a, cause.Error(), cfg)
	case cur.Status.Terminal():
		return cur, nil
	}

	reason := "Unexpected error: " + cause.Error()
	out, err := s.store.UpdateByID(ctx, a.ev.ID, feeding.Patch{
		IfStatus:      cur.Status,
		Status:        feeding.Ptr(feeding.StatusFailed),
		FailureReason: feeding.Ptr(reason),
		ErrorDetails:  feeding.Ptr(cause.Error()),
	})
	if err != nil {
		return nil, errors.Join(cause, fmt.Errorf("force failed: %w", err))
	}
	s.finish(*out, feeding.OutcomeFailed, reason)
	return out, nil
}

// finish records a terminal outcome and hands it to the emitter.
func (s *Service) finish(ev feeding.Event, outcome feeding.Outcome, detail string) {
	s.metrics.Outcome(string(outcome))
	if outcome == feeding.OutcomeCompleted {
		eventbus.Emit(s.bus, eventbus.FeedingCompleted, ev)
	} else {
		eventbus.Emit(s.bus, eventbus.FeedingFailed, ev)
	}
	s.notify(ev, outcome, detail)
}

func (s *Service) notify(ev feeding.Event, outcome feeding.Outcome, detail string) {
	if s.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("emitter panic", logx.String("event", ev.ID), logx.Any("panic", r))
		}
	}()
	s.emitter.FeedingOutcome(ev, outcome, detail)
}
