package app

import (
	"context"
	"fmt"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"farmfeed/internal/config"
	"farmfeed/internal/device"
	"farmfeed/internal/eventbus"
	"farmfeed/internal/metrics"
	"farmfeed/internal/notifier"
	"farmfeed/internal/ops"
	"farmfeed/internal/runtime/supervisor"
	"farmfeed/internal/scheduler"
	"farmfeed/internal/storage"
	logx "farmfeed/pkg/logx"
)

// StopReason is logged on shutdown.
type StopReason string

const (
	StopUnknown    StopReason = "unknown"
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	reg   *prometheus.Registry

	device *device.Client
	sched  *scheduler.Service
	notif  *notifier.Service
	ops    *ops.Service
}

// NewApp loads the config at cfgPath and wires every component. Nothing runs
// until Start.
func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a, err := build(cfg, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a.cfgm = cfgm
	a.logs = logSvc
	return a, nil
}

// build wires the components from an already validated config.
func build(cfg *config.Config, root logx.Logger) (*App, error) {
	log := root.With(logx.String("comp", "app"))
	bus := eventbus.New()

	sc, _ := mapStorageConfig(cfg)
	store, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	dc, _ := mapDeviceConfig(cfg)
	dev := device.New(dc, root.With(logx.String("comp", "device")))

	ncfg, _ := mapNotifierConfig(cfg)
	sinks, err := buildSinks(cfg, root.With(logx.String("comp", "notify.log")))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	notif := notifier.New(ncfg, sinks, root.With(logx.String("comp", "notifier")), bus, store)

	schedCfg, _ := mapSchedulerConfig(cfg)
	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:   store,
		Ledger:  store,
		Device:  dev,
		Emitter: notif,
		Bus:     bus,
		Metrics: m,
		Log:     root.With(logx.String("comp", "scheduler")),
	})

	oc, _ := mapOpsConfig(cfg)
	opsSvc := ops.New(oc, ops.Deps{
		Scheduler: sched,
		History:   notif,
		Gatherer:  reg,
		Log:       root.With(logx.String("comp", "ops")),
	})

	return &App{
		log:    log,
		bus:    bus,
		store:  store,
		reg:    reg,
		device: dev,
		sched:  sched,
		notif:  notif,
		ops:    opsSvc,
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	if a.sched.Enabled() {
		a.sched.Start(a.sup.Context())
	} else {
		a.log.Warn("scheduler disabled via config; no automatic feedings will run")
	}
	if a.ops.Enabled() {
		a.ops.Start(a.sup.Context())
	}

	a.startEventLog()
	if a.cfgm != nil {
		a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
		a.cfgm.SetValidator(validate)
		a.startReload()
		a.sup.Go("config.watch", func(c context.Context) error {
			return a.cfgm.Watch(c)
		})
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("systemd notify failed", logx.Err(err))
	} else if sent {
		a.log.Debug("systemd notified ready")
	}
	a.log.Info("app started", logx.String("device", a.device.Address()))
	return nil
}

func (a *App) startEventLog() {
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// never extend the caller's deadline
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			if took := time.Since(start); took >= 500*time.Millisecond {
				a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
			} else {
				a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
			}
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// ops first so no forced execution races the scheduler shutdown.
	step("ops", time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	// A dispatch can take the full device command timeout.
	step("scheduler", 20*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
