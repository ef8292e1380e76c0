package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"farmfeed/internal/eventbus"
	logx "farmfeed/pkg/logx"
)

func New(cfg Config, deps Deps) *Service {
	cfg = withDefaults(cfg)
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = ClockFunc(time.Now)
	}
	return &Service{
		cfg:     cfg,
		log:     log,
		store:   deps.Store,
		ledger:  deps.Ledger,
		device:  deps.Device,
		emitter: deps.Emitter,
		bus:     deps.Bus,
		metrics: deps.Metrics,
		clock:   clock,
		dedup:   newDedupGuard(cfg.DedupTTL),
	}
}

// Enabled reports the current config flag.
func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Apply swaps the config. A running loop picks up new cadences by
// re-creating its cron; the first run under the new cadence is not immediate.
func (s *Service) Apply(cfg Config) {
	cfg = withDefaults(cfg)
	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.cfg
	s.cfg = cfg
	s.dedup.SetTTL(cfg.DedupTTL)

	if s.c == nil {
		return
	}
	if old.PollInterval != cfg.PollInterval || old.SweepInterval != cfg.SweepInterval {
		s.restartLocked()
	}
}

// Start registers the poll and sweep jobs and runs each once right away.
// Calling Start on a running service does nothing.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		s.log.Debug("start ignored; already running")
		return
	}

	s.runCtx = context.WithoutCancel(ctx)
	s.c = cron.New()
	s.registerLocked()
	s.c.Start()

	kicks := &sync.WaitGroup{}
	s.kicks = kicks
	kicks.Add(2)
	go func() {
		defer kicks.Done()
		s.pollJob()
	}()
	go func() {
		defer kicks.Done()
		s.sweepJob()
	}()

	s.metrics.SetRunning(true)
	s.log.Info("scheduler started",
		logx.Duration("poll", s.cfg.PollInterval),
		logx.Duration("sweep", s.cfg.SweepInterval),
		logx.String("device", s.device.Address()),
	)
	eventbus.Emit(s.bus, eventbus.SchedulerStarted, s.statusLocked())
}

// Stop cancels both timers and waits for an in-flight pass until ctx ends.
// In-flight dispatches are never aborted. Stopping a stopped service only logs.
func (s *Service) Stop(ctx context.Context) {
	start := time.Now()
	s.mu.Lock()
	c, kicks := s.c, s.kicks
	if c == nil {
		s.mu.Unlock()
		s.log.Info("stop ignored; scheduler not running")
		return
	}
	s.c, s.kicks = nil, nil
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		<-c.Stop().Done()
		if kicks != nil {
			kicks.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		s.log.Info("scheduler stopped", logx.Duration("took", time.Since(start)))
	case <-ctx.Done():
		s.log.Warn("scheduler stop timed out; in-flight pass continues", logx.Duration("took", time.Since(start)))
	}
	s.metrics.SetRunning(false)
	eventbus.Emit(s.bus, eventbus.SchedulerStopped, nil)
}

func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c != nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Service) statusLocked() Status {
	st := Status{
		Running:        s.c != nil,
		PollInterval:   s.cfg.PollInterval,
		PollIntervalMs: s.cfg.PollInterval.Milliseconds(),
	}
	if s.c == nil {
		return st
	}
	next := s.c.Entry(s.pollID).Next
	if next.IsZero() {
		next = cron.Every(s.cfg.PollInterval).Next(s.clock.Now())
	}
	st.NextCheck = &next
	return st
}

func (s *Service) registerLocked() {
	s.pollID = s.c.Schedule(cron.Every(s.cfg.PollInterval), cron.FuncJob(s.pollJob))
	s.c.Schedule(cron.Every(s.cfg.SweepInterval), cron.FuncJob(s.sweepJob))
}

// restartLocked does not wait for the old cron's running jobs: they may
// need s.mu. The per-job guards keep passes from overlapping.
func (s *Service) restartLocked() {
	s.c.Stop()
	s.c = cron.New()
	s.registerLocked()
	s.c.Start()
	s.log.Info("scheduler restarted", logx.Duration("poll", s.cfg.PollInterval), logx.Duration("sweep", s.cfg.SweepInterval))
}

func (s *Service) tickContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runCtx == nil {
		return context.Background()
	}
	return s.runCtx
}

func (s *Service) pollJob() {
	if !s.polling.CompareAndSwap(false, true) {
		s.log.Debug("poll skipped; previous pass still running")
		return
	}
	defer s.polling.Store(false)
	defer s.recoverJob("poll")
	s.PollOnce(s.tickContext())
}

func (s *Service) sweepJob() {
	if !s.sweep.CompareAndSwap(false, true) {
		s.log.Debug("sweep skipped; previous pass still running")
		return
	}
	defer s.sweep.Store(false)
	defer s.recoverJob("sweep")
	s.SweepOnce(s.tickContext())
}

func (s *Service) recoverJob(job string) {
	if r := recover(); r != nil {
		s.metrics.TickError(job)
		s.log.Error("scheduler job panic", logx.String("job", job), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
	}
}

// PollOnce runs one reclaim + dispatch pass. Errors are logged, never returned.
func (s *Service) PollOnce(ctx context.Context) {
	cfg := s.config()
	if err := s.reclaim(ctx, cfg); err != nil {
		s.metrics.TickError("reclaim")
		s.log.Error("reclaim pass failed", logx.Err(err))
	}
	if err := s.dispatchDue(ctx, cfg); err != nil {
		s.metrics.TickError("poll")
		s.log.Error("dispatch pass failed", logx.Err(err))
	}
}

// SweepOnce runs one overdue sweep pass.
func (s *Service) SweepOnce(ctx context.Context) {
	if err := s.sweepOverdue(ctx, s.config()); err != nil {
		s.metrics.TickError("sweep")
		s.log.Error("overdue sweep failed", logx.Err(err))
	}
}
