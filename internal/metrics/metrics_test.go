package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorRecords(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	c.ObserveDispatch(true, "Connected", 120*time.Millisecond)
	c.ObserveDispatch(false, "Disconnected", time.Second)
	c.ObserveDispatch(false, "Disconnected", time.Second)
	c.Outcome("completed")
	c.Reclaimed("rescheduled")
	c.Overdue()
	c.SetRunning(true)
	c.TickError("poll")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.dispatches.WithLabelValues("success", "Connected")))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.dispatches.WithLabelValues("failure", "Disconnected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.outcomes.WithLabelValues("completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.reclaimed.WithLabelValues("rescheduled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.overdue))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.running))

	c.SetRunning(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(c.running))

	n, err := testutil.GatherAndCount(reg, "farmfeed_dispatch_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNilCollectorIsNoop(t *testing.T) {
	var c *Collector
	c.ObserveDispatch(true, "Connected", time.Second)
	c.Outcome("failed")
	c.Reclaimed("failed")
	c.Overdue()
	c.SetRunning(true)
	c.TickError("sweep")
}

func TestNilRegistererSkipsRegistration(t *testing.T) {
	a, b := New(nil), New(nil)
	a.Overdue()
	b.Overdue()
	assert.Equal(t, 1.0, testutil.ToFloat64(a.overdue))
}
