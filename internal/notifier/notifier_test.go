package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfeed/internal/eventbus"
	"farmfeed/internal/feeding"
	"farmfeed/internal/storage"
	logx "farmfeed/pkg/logx"
)

type memSink struct {
	name    string
	mu      sync.Mutex
	got     []Message
	failN   int32 // fail this many calls first
	calls   atomic.Int32
	perm    bool
	blockCh chan struct{}
	entered chan struct{}
}

func (m *memSink) Name() string { return m.name }

func (m *memSink) Send(ctx context.Context, msg Message) error {
	n := m.calls.Add(1)
	if m.entered != nil {
		select {
		case m.entered <- struct{}{}:
		default:
		}
	}
	if m.blockCh != nil {
		select {
		case <-m.blockCh:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if n <= m.failN {
		if m.perm {
			return backoff.Permanent(errors.New("bad request"))
		}
		return errors.New("temporary outage")
	}
	m.mu.Lock()
	m.got = append(m.got, msg)
	m.mu.Unlock()
	return nil
}

func (m *memSink) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.got...)
}

func fastConfig() Config {
	return Config{
		Enabled:       true,
		Workers:       1,
		RatePerSec:    1000,
		RetryMax:      3,
		RetryBase:     time.Millisecond,
		RetryMaxDelay: 5 * time.Millisecond,
		DedupWindow:   time.Minute,
	}
}

func startService(t *testing.T, cfg Config, store DedupStore, sinks ...Sink) (*Service, eventbus.Bus) {
	t.Helper()
	bus := eventbus.New()
	s := New(cfg, sinks, logx.Nop(), bus, store)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s, bus
}

func stop(t *testing.T, s *Service) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)
}

func TestDeliversToEverySink(t *testing.T) {
	a, b := &memSink{name: "a"}, &memSink{name: "b"}
	s, bus := startService(t, fastConfig(), nil, a, b)
	sub, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Notify(context.Background(), Message{Title: "hello", Text: "barn 2"}))
	stop(t, s)

	assert.Len(t, a.Messages(), 1)
	assert.Len(t, b.Messages(), 1)
	assert.Len(t, s.Snapshot(), 2)

	var sent int
	for len(sub) > 0 {
		if e := <-sub; e.Type == eventbus.NotifierSent {
			sent++
		}
	}
	assert.Equal(t, 2, sent)
}

func TestRetriesTransientFailures(t *testing.T) {
	sk := &memSink{name: "flaky", failN: 2}
	s, _ := startService(t, fastConfig(), nil, sk)

	require.NoError(t, s.Notify(context.Background(), Message{Text: "x"}))
	stop(t, s)

	assert.Equal(t, int32(3), sk.calls.Load())
	assert.Len(t, sk.Messages(), 1)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	sk := &memSink{name: "strict", failN: 10, perm: true}
	s, bus := startService(t, fastConfig(), nil, sk)
	sub, unsub := bus.Subscribe(16)
	defer unsub()

	require.NoError(t, s.Notify(context.Background(), Message{Text: "x"}))
	stop(t, s)

	assert.Equal(t, int32(1), sk.calls.Load())
	var failed bool
	for len(sub) > 0 {
		if e := <-sub; e.Type == eventbus.NotifierFailed {
			failed = true
		}
	}
	assert.True(t, failed)
}

func TestDedupWindowSuppressesRepeats(t *testing.T) {
	sk := &memSink{name: "m"}
	s, _ := startService(t, fastConfig(), nil, sk)

	m := Message{Key: "feeding:e1:failed", Text: "failed"}
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), m))
	require.NoError(t, s.Notify(context.Background(), Message{Key: "feeding:e2:failed", Text: "failed"}))
	stop(t, s)

	assert.Len(t, sk.Messages(), 2)
}

func TestPersistedDedupSurvivesRestart(t *testing.T) {
	st := storage.NewMemory()
	cfg := fastConfig()
	cfg.PersistDedup = true
	m := Message{Key: "feeding:e1:completed", Text: "done"}

	first := &memSink{name: "m"}
	s1, _ := startService(t, cfg, st, first)
	require.NoError(t, s1.Notify(context.Background(), m))
	stop(t, s1)
	require.Len(t, first.Messages(), 1)

	_, ok, err := st.GetDedup(context.Background(), m.Key)
	require.NoError(t, err)
	require.True(t, ok)

	second := &memSink{name: "m"}
	s2, _ := startService(t, cfg, st, second)
	require.NoError(t, s2.Notify(context.Background(), m))
	stop(t, s2)
	assert.Empty(t, second.Messages())
}

func TestNotifyStates(t *testing.T) {
	off := New(Config{}, nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, off.Notify(context.Background(), Message{Text: "x"}), ErrDisabled)

	idle := New(Config{Enabled: true}, nil, logx.Nop(), nil, nil)
	assert.ErrorIs(t, idle.Notify(context.Background(), Message{Text: "x"}), ErrStopped)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, idle.Notify(ctx, Message{Text: "x"}), context.Canceled)
}

func TestQueueFull(t *testing.T) {
	sk := &memSink{name: "slow", blockCh: make(chan struct{}), entered: make(chan struct{}, 1)}
	cfg := fastConfig()
	cfg.QueueSize = 1
	cfg.DedupWindow = 0
	s, _ := startService(t, cfg, nil, sk)

	require.NoError(t, s.Notify(context.Background(), Message{Text: "1"}))
	select {
	case <-sk.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("worker never picked up the first message")
	}
	require.NoError(t, s.Notify(context.Background(), Message{Text: "2"}))
	assert.ErrorIs(t, s.Notify(context.Background(), Message{Text: "3"}), ErrQueueFull)

	close(sk.blockCh)
	stop(t, s)
	assert.Len(t, sk.Messages(), 2)
}

func TestFeedingOutcomeMessages(t *testing.T) {
	exec := time.Date(2026, 3, 14, 6, 0, 2, 0, time.UTC)
	ev := feeding.Event{
		ID: "e1", ZoneID: "barn-2", FeedID: "pellets", Quantity: 2.5,
		AttemptCount: 1, MaxRetries: 3, DeviceStatus: feeding.LinkTestMode, ExecutedAt: &exec,
	}
	m := outcomeMessage(ev, feeding.OutcomeCompleted, "OK")
	assert.Equal(t, "feeding:e1:completed", m.Key)
	assert.Equal(t, LevelInfo, m.Level)
	assert.Equal(t, "Zone barn-2: dispensed 2.5 of pellets (device Test Mode).", m.Text)
	assert.Equal(t, exec, m.At)

	ev.FailureReason = "Insufficient feed stock"
	m = outcomeMessage(ev, feeding.OutcomeFailed, "need 2.5")
	assert.Equal(t, LevelAlert, m.Level)
	assert.Contains(t, m.Text, "was not dispensed. Insufficient feed stock")
	assert.Equal(t, "need 2.5", m.Fields["detail"])

	sk := &memSink{name: "m"}
	s, _ := startService(t, fastConfig(), nil, sk)
	s.FeedingOutcome(ev, feeding.OutcomeFailed, "need 2.5")
	stop(t, s)
	require.Len(t, sk.Messages(), 1)
	assert.Equal(t, "e1", sk.Messages()[0].EventID)
}

func TestWebhookSink(t *testing.T) {
	var calls atomic.Int32
	var got webhookPayload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
	}))
	defer srv.Close()

	wh, err := NewWebhookSink(WebhookConfig{URL: srv.URL})
	require.NoError(t, err)
	s, _ := startService(t, fastConfig(), nil, wh)
	require.NoError(t, s.Notify(context.Background(), Message{Title: "Feeding failed", Text: "x", Level: LevelAlert, EventID: "e9"}))
	stop(t, s)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, "alert", got.Level)
	assert.Equal(t, "e9", got.EventID)

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no", http.StatusBadRequest)
	}))
	defer bad.Close()
	wh, err = NewWebhookSink(WebhookConfig{URL: bad.URL})
	require.NoError(t, err)
	err = wh.Send(context.Background(), Message{Text: "x"})
	var perm *backoff.PermanentError
	assert.ErrorAs(t, err, &perm)

	_, err = NewWebhookSink(WebhookConfig{URL: "ftp://nope"})
	assert.Error(t, err)
}

func TestTelegramSink(t *testing.T) {
	var path string
	var params map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&params)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":42,"type":"group"},"text":"ok"}}`))
	}))
	defer srv.Close()

	tg, err := NewTelegramSink(TelegramConfig{Token: "123:abc", ChatID: 42, ThreadID: 5, APIURL: srv.URL})
	require.NoError(t, err)
	require.NoError(t, tg.Send(context.Background(), Message{Title: "Feeding failed", Text: "barn 2", Level: LevelAlert}))

	assert.Equal(t, "/bot123:abc/sendMessage", path)
	assert.Equal(t, "42", params["chat_id"])
	assert.Equal(t, "[ALERT] Feeding failed\nbarn 2", params["text"])
	assert.Equal(t, "5", params["message_thread_id"])

	_, err = NewTelegramSink(TelegramConfig{ChatID: 1})
	assert.Error(t, err)
}
