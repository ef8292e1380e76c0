package app

import (
	"context"
	"slices"
	"strings"
	"time"

	"farmfeed/internal/config"
	logx "farmfeed/pkg/logx"
)

func (a *App) startReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
}

// applyConfig fans a validated config out to the live components.
func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	changed := func(s string) bool { return slices.Contains(sections, s) }

	if changed("storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}

	if changed("logging") && a.logs != nil {
		a.logs.Apply(mapLoggingConfig(next))
	}

	// The config address wins over one set at runtime only when the device
	// section itself changed.
	if changed("device") {
		if dc, err := mapDeviceConfig(next); err != nil {
			a.log.Warn("invalid device config; keeping previous", logx.Err(err))
		} else {
			a.device.Apply(dc)
		}
	}

	if changed("notifier") {
		a.applyNotifier(ctx, next)
	}

	if changed("scheduler") {
		a.applyScheduler(ctx, next)
	}

	if changed("ops") {
		if oc, err := mapOpsConfig(next); err != nil {
			a.log.Warn("invalid ops config; keeping previous", logx.Err(err))
		} else {
			a.ops.Reconfigure(ctx, oc)
		}
	}

	a.log.Info("config reloaded", fields...)
}

func (a *App) applyNotifier(ctx context.Context, next *config.Config) {
	ncfg, err := mapNotifierConfig(next)
	if err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
		return
	}
	sinks, err := buildSinks(next, a.log.With(logx.String("comp", "notify.log")))
	if err != nil {
		a.log.Warn("invalid notifier sinks; keeping previous", logx.Err(err))
		return
	}

	wasEnabled := a.notif.Enabled()
	a.notif.SetSinks(sinks)
	a.notif.Apply(ncfg)
	switch {
	case wasEnabled && !ncfg.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !wasEnabled && ncfg.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
}

func (a *App) applyScheduler(ctx context.Context, next *config.Config) {
	sc, err := mapSchedulerConfig(next)
	if err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
		return
	}
	wasEnabled := a.sched.Enabled()
	a.sched.Apply(sc)
	switch {
	case wasEnabled && !sc.Enabled:
		a.log.Info("scheduler disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
		a.sched.Stop(stopCtx)
		cancel()
	case !wasEnabled && sc.Enabled:
		a.log.Info("scheduler enabled via config")
		a.sched.Start(ctx)
	}
}
