package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"farmfeed/internal/config"
	"farmfeed/internal/device"
	"farmfeed/internal/notifier"
	"farmfeed/internal/ops"
	"farmfeed/internal/scheduler"
	"farmfeed/internal/storage"
	logx "farmfeed/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	sc := cfg.Scheduler
	out := scheduler.Config{Enabled: sc.Enabled}

	fields := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"scheduler.poll_interval", sc.PollInterval, &out.PollInterval},
		{"scheduler.sweep_interval", sc.SweepInterval, &out.SweepInterval},
		{"scheduler.due_tolerance", sc.DueTolerance, &out.DueTolerance},
		{"scheduler.early_tolerance", sc.EarlyTolerance, &out.EarlyTolerance},
		{"scheduler.dedup_ttl", sc.DedupTTL, &out.DedupTTL},
		{"scheduler.retry_delay", sc.RetryDelay, &out.RetryDelay},
		{"scheduler.stuck_after", sc.StuckAfter, &out.StuckAfter},
		{"scheduler.overdue_after", sc.OverdueAfter, &out.OverdueAfter},
	}
	for _, f := range fields {
		d, err := config.ParseDurationField(f.key, f.raw)
		if err != nil {
			return scheduler.Config{}, err
		}
		// 0 falls back to the scheduler default.
		*f.dst = d
	}
	return out, nil
}

func mapDeviceConfig(cfg *config.Config) (device.Config, error) {
	dc := cfg.Device
	out := device.Config{Address: dc.Address}
	var err error
	if out.ProbeTimeout, err = config.ParseDurationField("device.probe_timeout", dc.ProbeTimeout); err != nil {
		return device.Config{}, err
	}
	if out.CommandTimeout, err = config.ParseDurationField("device.command_timeout", dc.CommandTimeout); err != nil {
		return device.Config{}, err
	}
	if out.TestDelay, err = config.ParseDurationField("device.test_delay", dc.TestDelay); err != nil {
		return device.Config{}, err
	}
	if out.PoorLatency, err = config.ParseDurationField("device.poor_latency", dc.PoorLatency); err != nil {
		return device.Config{}, err
	}
	return out, nil
}

// mapStorageConfig defaults to the memory driver when the section is omitted.
func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	if cfg.Storage == nil {
		return storage.Config{Driver: "memory"}, nil
	}
	sc := cfg.Storage
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	path := strings.TrimSpace(sc.Path)

	switch driver {
	case "", "memory":
		return storage.Config{Driver: "memory"}, nil
	case "file":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=file")
		}
		return storage.Config{Driver: "file", Path: path}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, err
		}
		return storage.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return storage.Config{}, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		Enabled:         true,
		Workers:         2,
		QueueSize:       512,
		RatePerSec:      3,
		RetryMax:        3,
		RetryBase:       500 * time.Millisecond,
		RetryMaxDelay:   10 * time.Second,
		DedupWindow:     time.Minute,
		DedupMaxEntries: 2000,
	}
	if cfg.Notifier == nil {
		return out, nil
	}
	n := cfg.Notifier
	out.Enabled = n.Enabled
	out.PersistDedup = n.PersistDedup
	if n.Workers != 0 {
		out.Workers = n.Workers
	}
	if n.QueueSize != 0 {
		out.QueueSize = n.QueueSize
	}
	if n.RatePerSec != 0 {
		out.RatePerSec = n.RatePerSec
	}
	if n.RetryMax != 0 {
		out.RetryMax = n.RetryMax
	}
	if n.DedupMaxEntries != 0 {
		out.DedupMaxEntries = n.DedupMaxEntries
	}

	var err error
	if out.RetryBase, err = config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, out.RetryBase); err != nil {
		return notifier.Config{}, err
	}
	if out.RetryMaxDelay, err = config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, out.RetryMaxDelay); err != nil {
		return notifier.Config{}, err
	}
	if out.DedupWindow, err = config.ParseDurationOrDefault("notifier.dedup_window", n.DedupWindow, out.DedupWindow); err != nil {
		return notifier.Config{}, err
	}

	if out.Workers < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.workers must be >= 0")
	}
	if out.QueueSize < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.queue_size must be >= 0")
	}
	if out.RatePerSec < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.rate_per_sec must be >= 0")
	}
	if out.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier.retry_max must be >= 0")
	}
	return out, nil
}

// buildSinks always includes the log sink.
func buildSinks(cfg *config.Config, log logx.Logger) ([]notifier.Sink, error) {
	sinks := []notifier.Sink{notifier.NewLogSink(log)}
	if cfg.Notifier == nil {
		return sinks, nil
	}
	n := cfg.Notifier
	if n.Telegram.Enabled {
		tg, err := notifier.NewTelegramSink(notifier.TelegramConfig{
			Token:    n.Telegram.Token,
			ChatID:   n.Telegram.ChatID,
			ThreadID: n.Telegram.ThreadID,
		})
		if err != nil {
			return nil, fmt.Errorf("notifier.telegram: %w", err)
		}
		sinks = append(sinks, tg)
	}
	if n.Webhook.Enabled {
		timeout, err := config.ParseDurationField("notifier.webhook.timeout", n.Webhook.Timeout)
		if err != nil {
			return nil, err
		}
		wh, err := notifier.NewWebhookSink(notifier.WebhookConfig{URL: n.Webhook.URL, Timeout: timeout})
		if err != nil {
			return nil, fmt.Errorf("notifier.webhook: %w", err)
		}
		sinks = append(sinks, wh)
	}
	return sinks, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	oc := cfg.Ops
	out := ops.Config{
		Enabled:       oc.Enabled,
		Addr:          oc.Addr,
		Token:         strings.TrimSpace(oc.Token),
		AllowInsecure: oc.AllowInsecure,
		Pprof:         oc.Pprof,
		Metrics:       oc.Metrics == nil || *oc.Metrics,
	}
	var err error
	if out.ReadTimeout, err = config.ParseDurationOrDefault("ops.read_timeout", oc.ReadTimeout, 10*time.Second); err != nil {
		return ops.Config{}, err
	}
	// pprof profile/trace stream for up to 30s by default.
	if out.WriteTimeout, err = config.ParseDurationOrDefault("ops.write_timeout", oc.WriteTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	if out.IdleTimeout, err = config.ParseDurationOrDefault("ops.idle_timeout", oc.IdleTimeout, 60*time.Second); err != nil {
		return ops.Config{}, err
	}
	return out, nil
}

// validate rejects a config that any mapping would refuse. Used at boot and
// before a hot reload is committed.
func validate(_ context.Context, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config is empty")
	}
	if _, err := mapSchedulerConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDeviceConfig(cfg); err != nil {
		return err
	}
	if _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	if _, err := buildSinks(cfg, logx.Nop()); err != nil {
		return err
	}
	if _, err := mapOpsConfig(cfg); err != nil {
		return err
	}
	return nil
}
