package config

// Config is the root of the feeder config file (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "30s", "10m").
// Omitted durations fall back to the defaults documented per field.
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Device    DeviceConfig    `json:"device"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Notifier  *NotifierConfig `json:"notifier,omitempty"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the automated feeding loop.
//
// Defaults:
//   - poll_interval: "30s"   (reclaim + select + dispatch)
//   - sweep_interval: "10m"  (overdue sweep)
//   - due_tolerance: "60s"   (coarse due window, both sides of now)
//   - early_tolerance: "10s" (fine check: scheduled_time <= now + this)
//   - dedup_ttl: "2m"
//   - retry_delay: "60s"
//   - stuck_after: "5m"
//   - overdue_after: "10m"
type SchedulerConfig struct {
	Enabled        bool   `json:"enabled"`
	PollInterval   string `json:"poll_interval,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
	DueTolerance   string `json:"due_tolerance,omitempty"`
	EarlyTolerance string `json:"early_tolerance,omitempty"`
	DedupTTL       string `json:"dedup_ttl,omitempty"`
	RetryDelay     string `json:"retry_delay,omitempty"`
	StuckAfter     string `json:"stuck_after,omitempty"`
	OverdueAfter   string `json:"overdue_after,omitempty"`
}

// DeviceConfig points at the feeding device's HTTP endpoint.
//
// Address is "host[:port]" without scheme. "test" or "mock" skips the network.
type DeviceConfig struct {
	Address        string `json:"address"`
	ProbeTimeout   string `json:"probe_timeout,omitempty"`   // default "5s"
	CommandTimeout string `json:"command_timeout,omitempty"` // default "15s"
	TestDelay      string `json:"test_delay,omitempty"`      // default "2s"
	PoorLatency    string `json:"poor_latency,omitempty"`    // default "2s"
}

// StorageConfig controls the event store / stock ledger.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/feeder.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
}

// NotifierConfig controls the async outcome notification pipeline.
// If the whole section is omitted, the notifier runs with defaults and the log sink only.
type NotifierConfig struct {
	Enabled         bool           `json:"enabled"`
	Workers         int            `json:"workers"`
	QueueSize       int            `json:"queue_size"`
	RatePerSec      int            `json:"rate_per_sec"`
	RetryMax        int            `json:"retry_max"`
	RetryBase       string         `json:"retry_base"`
	RetryMaxDelay   string         `json:"retry_max_delay"`
	DedupWindow     string         `json:"dedup_window"`
	DedupMaxEntries int            `json:"dedup_max_entries"`
	PersistDedup    bool           `json:"persist_dedup,omitempty"`
	Telegram        TelegramConfig `json:"telegram,omitempty"`
	Webhook         WebhookConfig  `json:"webhook,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token,omitempty"` // never logged
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url,omitempty"`
	Timeout string `json:"timeout,omitempty"` // default "5s"
}

// OpsConfig controls the optional operations HTTP server.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8081").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
type OpsConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
	Pprof         bool   `json:"pprof,omitempty"`
	Metrics       *bool  `json:"metrics,omitempty"` // default true

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}
