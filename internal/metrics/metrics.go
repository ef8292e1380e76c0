// Package metrics holds the Prometheus collectors for the feeding scheduler.
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "farmfeed"

type Collector struct {
	dispatches  *prometheus.CounterVec
	dispatchDur *prometheus.HistogramVec
	outcomes    *prometheus.CounterVec
	reclaimed   *prometheus.CounterVec
	overdue     prometheus.Counter
	running     prometheus.Gauge
	tickErrors  *prometheus.CounterVec
}

// New builds the collectors and registers them on reg.
// A nil reg leaves them unregistered, which is what tests usually want.
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispense commands sent to the device, by result.",
		}, []string{"result", "device_status"}),
		dispatchDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Latency of dispense commands.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10), // 50ms to ~25s
		}, []string{"result"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "feeding_outcomes_total",
			Help:      "Resolved feeding attempts by outcome (completed, retry, failed).",
		}, []string{"outcome"}),
		reclaimed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reclaimed_total",
			Help:      "Events recovered from a stuck processing state, by action.",
		}, []string{"action"}),
		overdue: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "overdue_failed_total",
			Help:      "Scheduled events failed by the overdue sweeper.",
		}),
		running: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "scheduler_running",
			Help:      "1 while the scheduler loop is running.",
		}),
		tickErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tick_errors_total",
			Help:      "Scheduler passes that ended with an error, by job.",
		}, []string{"job"}),
	}
	if reg != nil {
		reg.MustRegister(c.dispatches, c.dispatchDur, c.outcomes, c.reclaimed, c.overdue, c.running, c.tickErrors)
	}
	return c
}

func resultLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (c *Collector) ObserveDispatch(ok bool, deviceStatus string, took time.Duration) {
	if c == nil {
		return
	}
	r := resultLabel(ok)
	c.dispatches.WithLabelValues(r, deviceStatus).Inc()
	c.dispatchDur.WithLabelValues(r).Observe(took.Seconds())
}

// Outcome labels: completed, retry, failed.
func (c *Collector) Outcome(outcome string) {
	if c == nil {
		return
	}
	c.outcomes.WithLabelValues(outcome).Inc()
}

// Reclaimed labels: rescheduled, failed.
func (c *Collector) Reclaimed(action string) {
	if c == nil {
		return
	}
	c.reclaimed.WithLabelValues(action).Inc()
}

func (c *Collector) Overdue() {
	if c == nil {
		return
	}
	c.overdue.Inc()
}

func (c *Collector) SetRunning(on bool) {
	if c == nil {
		return
	}
	if on {
		c.running.Set(1)
		return
	}
	c.running.Set(0)
}

func (c *Collector) TickError(job string) {
	if c == nil {
		return
	}
	c.tickErrors.WithLabelValues(job).Inc()
}
