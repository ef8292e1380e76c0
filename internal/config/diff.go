package config

import (
	"reflect"
	"sort"
	"strings"

	logx "farmfeed/pkg/logx"
)

// SummarizeConfigChange returns a compact list of changed sections and
// safe structured attrs for logging. Tokens and URLs are never included.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 6)
	attrs := make([]logx.Field, 0, 16)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Scheduler, newCfg.Scheduler) {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.Bool("scheduler.enabled", newCfg.Scheduler.Enabled),
			logx.String("scheduler.poll_interval", strings.TrimSpace(newCfg.Scheduler.PollInterval)),
			logx.String("scheduler.sweep_interval", strings.TrimSpace(newCfg.Scheduler.SweepInterval)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Device, newCfg.Device) {
		changed = append(changed, "device")
		attrs = append(attrs,
			logx.String("device.address", strings.TrimSpace(newCfg.Device.Address)),
			logx.String("device.command_timeout", strings.TrimSpace(newCfg.Device.CommandTimeout)),
		)
	}

	var oS, nS StorageConfig
	if oldCfg.Storage != nil {
		oS = *oldCfg.Storage
	}
	if newCfg.Storage != nil {
		nS = *newCfg.Storage
	}
	if strings.TrimSpace(oS.Driver) != strings.TrimSpace(nS.Driver) ||
		strings.TrimSpace(oS.Path) != strings.TrimSpace(nS.Path) ||
		strings.TrimSpace(oS.BusyTimeout) != strings.TrimSpace(nS.BusyTimeout) {
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", strings.TrimSpace(nS.Driver)),
			logx.Bool("storage.path_set", strings.TrimSpace(nS.Path) != ""),
		)
	}

	if !reflect.DeepEqual(oldCfg.Notifier, newCfg.Notifier) {
		changed = append(changed, "notifier")
		n := NotifierConfig{}
		if newCfg.Notifier != nil {
			n = *newCfg.Notifier
		}
		attrs = append(attrs,
			logx.Bool("notifier.enabled", newCfg.Notifier == nil || n.Enabled),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Bool("notifier.telegram", n.Telegram.Enabled),
			logx.Bool("notifier.telegram_token_set", strings.TrimSpace(n.Telegram.Token) != ""),
			logx.Bool("notifier.webhook", n.Webhook.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Ops, newCfg.Ops) {
		changed = append(changed, "ops")
		attrs = append(attrs,
			logx.Bool("ops.enabled", newCfg.Ops.Enabled),
			logx.String("ops.addr", strings.TrimSpace(newCfg.Ops.Addr)),
			logx.Bool("ops.token_set", strings.TrimSpace(newCfg.Ops.Token) != ""),
			logx.Bool("ops.pprof", newCfg.Ops.Pprof),
		)
	}

	sort.Strings(changed)
	return changed, attrs
}
