package notifier

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"farmfeed/internal/eventbus"
	rtsup "farmfeed/internal/runtime/supervisor"
	logx "farmfeed/pkg/logx"
)

var (
	ErrDisabled  = errors.New("notifier disabled")
	ErrQueueFull = errors.New("notifier queue full")
	ErrStopped   = errors.New("notifier stopped")
)

const sendTimeout = 10 * time.Second

type job struct {
	m Message
	// dedupKey is computed at enqueue time for cheap per-worker processing.
	dedupKey string
}

// Service implements an async notification pipeline:
// queue + worker pool + rate limit + retry + dedup.
//
// It is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log   logx.Logger
	sinks []Sink
	bus   eventbus.Bus
	store DedupStore

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *rtsup.Supervisor
	stopDone chan struct{} // non-nil while stopping

	// In-memory dedup cache: key -> suppress until
	dmu   sync.Mutex
	dedup map[string]time.Time

	// Optional persistent dedup writes (best-effort)
	persistCh chan dedupWrite

	hmu     sync.Mutex
	history []HistoryItem
}

type dedupWrite struct {
	key   string
	until time.Time
}

func New(cfg Config, sinks []Sink, log logx.Logger, bus eventbus.Bus, store DedupStore) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		sinks: sinks,
		log:   log,
		bus:   bus,
		store: store,
		dedup: map[string]time.Time{},
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

// Apply swaps config. Worker count and queue size take effect on the next Start.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

// SetSinks replaces the delivery targets. Jobs already queued use the new set.
func (s *Service) SetSinks(sinks []Sink) {
	s.mu.Lock()
	s.sinks = append([]Sink(nil), sinks...)
	s.mu.Unlock()
}

func (s *Service) Sinks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.sinks))
	for _, sk := range s.sinks {
		out = append(out, sk.Name())
	}
	return out
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	if cfg.DedupWindow < 0 {
		cfg.DedupWindow = 0
	}
	if cfg.DedupMaxEntries <= 0 {
		cfg.DedupMaxEntries = 2000
	}

	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block too hard.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	// If stopping, wait for it to finish before restarting.
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil || !s.cfg.Enabled {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	if s.cfg.PersistDedup && s.store != nil {
		s.persistCh = make(chan dedupWrite, 1024)
	}

	s.sup = rtsup.New(ctx,
		rtsup.WithLogger(s.log),
		// notifier failures should not take down the whole app; treat as best-effort.
		rtsup.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	pch := s.persistCh
	st := s.store
	s.mu.Unlock()

	if pch != nil {
		sup.GoRestart("dedup.persist", func(c context.Context) error {
			s.persistLoop(c, pch, st)
			return s.loopExit(c, "notifier persist loop exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}

	for i := 0; i < workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.workerLoop(c, q)
			return s.loopExit(c, "notifier worker exited unexpectedly")
		}, rtsup.WithPublishFirstError(true))
	}
	s.log.Info("notifier started", logx.Int("workers", workers), logx.Any("sinks", s.Sinks()))
}

// loopExit classifies a loop return: clean on shutdown, an error otherwise
// so the supervisor restarts it.
func (s *Service) loopExit(c context.Context, msg string) error {
	s.mu.Lock()
	stopping := s.stopDone != nil
	s.mu.Unlock()
	if stopping {
		return context.Canceled
	}
	if c.Err() != nil {
		return c.Err()
	}
	return errors.New(msg)
}

// Stop stops intake and drains the queue best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	pch := s.persistCh
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}

	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	go func() {
		defer close(done)
		// Wait for in-flight enqueues, then close the queue so workers drain it.
		s.sendWG.Wait()
		if pch != nil {
			close(pch)
		}
		close(q)
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.persistCh = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("notifier stopped")
	case <-ctx.Done():
		// Force-stop internal loops.
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("notifier stop timed out; queue dropped")
	}
}

// Notify enqueues m. It never waits for delivery.
func (s *Service) Notify(ctx context.Context, m Message) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if !s.cfg.Enabled {
		s.mu.Unlock()
		return ErrDisabled
	}
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	dedupWindow := s.cfg.DedupWindow
	dedupMax := s.cfg.DedupMaxEntries
	persist := s.cfg.PersistDedup
	st := s.store
	pch := s.persistCh
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	if m.At.IsZero() {
		m.At = time.Now()
	}
	key := dedupKey(m)
	ne := NotificationEvent{Key: key, EventID: m.EventID, At: time.Now()}

	if dedupWindow > 0 && key != "" {
		if !s.dedupAllow(ctx, key, dedupWindow, dedupMax, persist, st, pch) {
			eventbus.Emit(s.bus, eventbus.NotifierDeduped, ne)
			return nil
		}
	}

	select {
	case q <- job{m: m, dedupKey: key}:
		eventbus.Emit(s.bus, eventbus.NotifierQueued, ne)
		return nil
	default:
		ne.Error = ErrQueueFull.Error()
		eventbus.Emit(s.bus, eventbus.NotifierDropped, ne)
		return ErrQueueFull
	}
}

// Snapshot returns recently delivered notifications, oldest first.
func (s *Service) Snapshot() []HistoryItem {
	s.hmu.Lock()
	out := append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return out
}

func (s *Service) appendHistory(sink string, m Message) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), Sink: sink, Title: m.Title, Text: m.Text})
	if len(s.history) > 300 {
		s.history = s.history[len(s.history)-300:]
	}
	s.hmu.Unlock()
}

func (s *Service) persistLoop(ctx context.Context, ch <-chan dedupWrite, st DedupStore) {
	for {
		select {
		case <-ctx.Done():
			return
		case w, ok := <-ch:
			if !ok {
				return
			}
			cctx, cancel := context.WithTimeout(ctx, 250*time.Millisecond)
			if err := st.PutDedup(cctx, w.key, w.until); err != nil {
				s.log.Debug("dedup persist failed", logx.Err(err))
			}
			cancel()
		}
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.mu.Lock()
			sinks := s.sinks
			s.mu.Unlock()
			for _, sk := range sinks {
				s.sendWithRetry(ctx, j, sk)
			}
		}
	}
}

func (s *Service) sendWithRetry(ctx context.Context, j job, sk Sink) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.RetryBase
	b.MaxInterval = cfg.RetryMaxDelay
	b.RandomizationFactor = 0.3

	attempts := 0
	op := func() (struct{}, error) {
		attempts++
		if err := lim.Wait(ctx); err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		cctx, cancel := context.WithTimeout(ctx, sendTimeout)
		defer cancel()
		return struct{}{}, sk.Send(cctx, j.m)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.RetryMax+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.log.Debug("notify send failed; retrying", logx.String("sink", sk.Name()), logx.Err(err), logx.Duration("in", next))
		}),
	)

	ne := NotificationEvent{Sink: sk.Name(), Key: j.dedupKey, EventID: j.m.EventID, At: time.Now()}
	if err != nil {
		ne.Error = err.Error()
		s.log.Warn("notification not delivered", logx.String("sink", sk.Name()), logx.Int("attempts", attempts), logx.Err(err))
		eventbus.Emit(s.bus, eventbus.NotifierFailed, ne)
		return
	}
	s.appendHistory(sk.Name(), j.m)
	eventbus.Emit(s.bus, eventbus.NotifierSent, ne)
}

func dedupKey(m Message) string {
	if m.Key != "" {
		return m.Key
	}
	if m.Title == "" && m.Text == "" {
		return ""
	}
	h := fnv.New64a()
	_, _ = fmt.Fprintf(h, "%d|%s|%s", m.Level, m.Title, m.Text)
	return fmt.Sprintf("%x", h.Sum64())
}

func (s *Service) dedupAllow(ctx context.Context, key string, window time.Duration, max int, persist bool, st DedupStore, pch chan dedupWrite) bool {
	now := time.Now()

	// 1) In-memory check.
	s.dmu.Lock()
	if until, ok := s.dedup[key]; ok && now.Before(until) {
		s.dmu.Unlock()
		return false
	}
	s.dmu.Unlock()

	// 2) Persistent check (best-effort) for cross-restart dedup.
	if persist && st != nil {
		cctx, cancel := context.WithTimeout(ctx, 25*time.Millisecond)
		until, ok, err := st.GetDedup(cctx, key)
		cancel()
		if err == nil && ok && now.Before(until) {
			s.dmu.Lock()
			s.dedup[key] = until
			s.dmu.Unlock()
			return false
		}
	}

	// 3) Allow and set new window.
	until := now.Add(window)
	s.dmu.Lock()
	s.dedup[key] = until
	for k, u := range s.dedup {
		if !now.Before(u) {
			delete(s.dedup, k)
		}
	}
	// Over the cap: drop the entries that expire first.
	for max > 0 && len(s.dedup) > max {
		var (
			minKey string
			minT   time.Time
		)
		for k, t := range s.dedup {
			if minKey == "" || t.Before(minT) {
				minKey, minT = k, t
			}
		}
		delete(s.dedup, minKey)
	}
	s.dmu.Unlock()

	// 4) Persist new suppress-until asynchronously (best-effort).
	if pch != nil {
		select {
		case pch <- dedupWrite{key: key, until: until}:
		default:
		}
	}
	return true
}
