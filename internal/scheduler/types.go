package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"farmfeed/internal/device"
	"farmfeed/internal/eventbus"
	"farmfeed/internal/feeding"
	"farmfeed/internal/metrics"
	logx "farmfeed/pkg/logx"
)

type Config struct {
	Enabled        bool
	PollInterval   time.Duration // reclaim + dispatch cadence, default 30s
	SweepInterval  time.Duration // overdue sweep cadence, default 10m
	DueTolerance   time.Duration // coarse window around now, default 60s
	EarlyTolerance time.Duration // how early an event may be dispatched, default 10s
	DedupTTL       time.Duration // default 2m
	RetryDelay     time.Duration // default 60s
	StuckAfter     time.Duration // default 5m
	OverdueAfter   time.Duration // default 10m
}

func withDefaults(cfg Config) Config {
	def := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	def(&cfg.PollInterval, 30*time.Second)
	def(&cfg.SweepInterval, 10*time.Minute)
	def(&cfg.DueTolerance, 60*time.Second)
	def(&cfg.EarlyTolerance, 10*time.Second)
	def(&cfg.DedupTTL, 2*time.Minute)
	def(&cfg.RetryDelay, 60*time.Second)
	def(&cfg.StuckAfter, 5*time.Minute)
	def(&cfg.OverdueAfter, 10*time.Minute)
	return cfg
}

// Clock is injected so tests can pin "now".
type Clock interface {
	Now() time.Time
}

type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// Dispatcher is the device link. *device.Client implements it.
type Dispatcher interface {
	Probe(ctx context.Context) feeding.LinkStatus
	Dispense(ctx context.Context, quantity float64) device.Result
	SetAddress(addr string)
	Address() string
}

// Deps are the collaborators of a Service. Store, Ledger and Device are
// required; the rest may be left zero.
type Deps struct {
	Store   feeding.EventStore
	Ledger  feeding.StockLedger
	Device  Dispatcher
	Emitter feeding.Emitter
	Bus     eventbus.Bus
	Metrics *metrics.Collector
	Clock   Clock
	Log     logx.Logger
}

// Status is a point-in-time view of the loop.
type Status struct {
	Running        bool          `json:"running"`
	PollInterval   time.Duration `json:"-"`
	PollIntervalMs int64         `json:"poll_interval_ms"`
	NextCheck      *time.Time    `json:"next_check,omitempty"`
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	store   feeding.EventStore
	ledger  feeding.StockLedger
	device  Dispatcher
	emitter feeding.Emitter
	bus     eventbus.Bus
	metrics *metrics.Collector
	clock   Clock

	c       *cron.Cron
	pollID  cron.EntryID
	runCtx  context.Context
	kicks   *sync.WaitGroup
	dedup   *dedupGuard
	polling atomic.Bool
	sweep   atomic.Bool
}
