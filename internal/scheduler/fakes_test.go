package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"farmfeed/internal/device"
	"farmfeed/internal/eventbus"
	"farmfeed/internal/feeding"
	"farmfeed/internal/metrics"
	"farmfeed/internal/storage"
	logx "farmfeed/pkg/logx"
)

var t0 = time.Date(2026, 3, 14, 6, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// fakeDevice replays results in order; the last one repeats.
type fakeDevice struct {
	mu      sync.Mutex
	addr    string
	results []device.Result
	delay   time.Duration
	panics  bool
	calls   int
	qty     []float64
}

func okDevice() *fakeDevice {
	return &fakeDevice{addr: "10.0.0.5", results: []device.Result{{Success: true, Detail: "OK", DeviceStatus: feeding.LinkConnected}}}
}

func failingDevice() *fakeDevice {
	return &fakeDevice{addr: "10.0.0.5", results: []device.Result{{Detail: "device responded with status 500: jammed", DeviceStatus: feeding.LinkError}}}
}

func (d *fakeDevice) Probe(context.Context) feeding.LinkStatus { return feeding.LinkConnected }

func (d *fakeDevice) Dispense(_ context.Context, qty float64) device.Result {
	d.mu.Lock()
	d.calls++
	d.qty = append(d.qty, qty)
	i := d.calls - 1
	if i >= len(d.results) {
		i = len(d.results) - 1
	}
	res, delay, panics := d.results[i], d.delay, d.panics
	d.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if panics {
		panic("hopper driver crashed")
	}
	return res
}

func (d *fakeDevice) SetAddress(addr string) {
	d.mu.Lock()
	d.addr = addr
	d.mu.Unlock()
}

func (d *fakeDevice) Address() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.addr
}

func (d *fakeDevice) Calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls
}

type outcome struct {
	ID      string
	Outcome feeding.Outcome
	Detail  string
}

type recorder struct {
	mu  sync.Mutex
	got []outcome
}

func (r *recorder) FeedingOutcome(ev feeding.Event, o feeding.Outcome, detail string) {
	r.mu.Lock()
	r.got = append(r.got, outcome{ID: ev.ID, Outcome: o, Detail: detail})
	r.mu.Unlock()
}

func (r *recorder) Outcomes() []outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]outcome(nil), r.got...)
}

// countingLedger counts decrements on top of a real ledger.
type countingLedger struct {
	feeding.StockLedger
	decrements atomic.Int32
	remainErr  error
}

func (l *countingLedger) Remaining(ctx context.Context, feedID string) (float64, error) {
	if l.remainErr != nil {
		return 0, l.remainErr
	}
	return l.StockLedger.Remaining(ctx, feedID)
}

func (l *countingLedger) Decrement(ctx context.Context, feedID string, amount float64) error {
	l.decrements.Add(1)
	return l.StockLedger.Decrement(ctx, feedID, amount)
}

// flakyStore fails the first completion write.
type flakyStore struct {
	feeding.EventStore
	failCompletion atomic.Bool
}

func (f *flakyStore) UpdateByID(ctx context.Context, id string, p feeding.Patch) (*feeding.Event, error) {
	if p.Status != nil && *p.Status == feeding.StatusCompleted && f.failCompletion.CompareAndSwap(true, false) {
		return nil, errors.New("database is locked")
	}
	return f.EventStore.UpdateByID(ctx, id, p)
}

type harness struct {
	svc    *Service
	store  storage.Store
	ledger *countingLedger
	dev    *fakeDevice
	clock  *fakeClock
	rec    *recorder
	bus    eventbus.Bus
}

type harnessOpt func(*Deps)

func newHarness(t *testing.T, dev Dispatcher, opts ...harnessOpt) *harness {
	t.Helper()
	return newHarnessWith(t, storage.NewMemory(), dev, opts...)
}

func newHarnessWith(t *testing.T, st storage.Store, dev Dispatcher, opts ...harnessOpt) *harness {
	t.Helper()
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{
		store:  st,
		ledger: &countingLedger{StockLedger: st},
		clock:  &fakeClock{t: t0},
		rec:    &recorder{},
		bus:    eventbus.New(),
	}
	if fd, ok := dev.(*fakeDevice); ok {
		h.dev = fd
	}
	deps := Deps{
		Store:   st,
		Ledger:  h.ledger,
		Device:  dev,
		Emitter: h.rec,
		Bus:     h.bus,
		Metrics: metrics.New(nil),
		Clock:   h.clock,
		Log:     logx.Nop(),
	}
	for _, o := range opts {
		o(&deps)
	}
	h.svc = New(Config{Enabled: true}, deps)
	return h
}

func (h *harness) stock(t *testing.T, feed string, amount float64) {
	t.Helper()
	require.NoError(t, h.store.SetStock(context.Background(), feed, amount))
}

func (h *harness) insert(t *testing.T, ev feeding.Event) feeding.Event {
	t.Helper()
	if ev.FeedID == "" {
		ev.FeedID = "pellets"
	}
	if ev.Quantity == 0 {
		ev.Quantity = 500
	}
	out, err := h.store.Insert(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func (h *harness) get(t *testing.T, id string) feeding.Event {
	t.Helper()
	ev, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return *ev
}

func (h *harness) remaining(t *testing.T, feed string) float64 {
	t.Helper()
	v, err := h.store.Remaining(context.Background(), feed)
	require.NoError(t, err)
	return v
}
