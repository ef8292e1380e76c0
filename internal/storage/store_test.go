package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"farmfeed/internal/feeding"
	logx "farmfeed/pkg/logx"
)

var base = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func drivers(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "events.json")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "feeder.db")}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func insert(t *testing.T, s Store, ev feeding.Event) feeding.Event {
	t.Helper()
	if ev.FeedID == "" {
		ev.FeedID = "pellets"
	}
	if ev.Quantity == 0 {
		ev.Quantity = 2.5
	}
	out, err := s.Insert(context.Background(), ev)
	require.NoError(t, err)
	return out
}

func ids(evs []feeding.Event) []string {
	out := make([]string, 0, len(evs))
	for _, ev := range evs {
		out = append(out, ev.ID)
	}
	return out
}

func TestStoreQueries(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			insert(t, s, feeding.Event{ID: "late", ScheduledTime: base.Add(30 * time.Second)})
			insert(t, s, feeding.Event{ID: "early", ScheduledTime: base.Add(-30 * time.Second)})
			insert(t, s, feeding.Event{ID: "manual", ScheduledTime: base, Immediate: true})
			insert(t, s, feeding.Event{ID: "spent", ScheduledTime: base, AttemptCount: 3, MaxRetries: 3})
			insert(t, s, feeding.Event{ID: "far", ScheduledTime: base.Add(2 * time.Minute)})
			insert(t, s, feeding.Event{ID: "old", ScheduledTime: base.Add(-20 * time.Minute)})

			due, err := s.FindDue(ctx, base, time.Minute)
			require.NoError(t, err)
			assert.Equal(t, []string{"early", "late"}, ids(due))

			overdue, err := s.FindOverdue(ctx, base.Add(-10*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{"old"}, ids(overdue))

			next, err := s.NextScheduled(ctx, base)
			require.NoError(t, err)
			require.NotNil(t, next)
			assert.Equal(t, "late", next.ID)

			none, err := s.NextScheduled(ctx, base.Add(time.Hour))
			require.NoError(t, err)
			assert.Nil(t, none)
		})
	}
}

func TestStoreCompareAndSwap(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ev := insert(t, s, feeding.Event{ScheduledTime: base})
			require.NotEmpty(t, ev.ID)
			assert.Equal(t, feeding.StatusScheduled, ev.Status)
			assert.Equal(t, feeding.DefaultMaxRetries, ev.MaxRetries)

			claim := feeding.Patch{
				IfStatus:      feeding.StatusScheduled,
				Status:        feeding.Ptr(feeding.StatusProcessing),
				AttemptCount:  feeding.Ptr(1),
				LastAttemptAt: feeding.Ptr(base),
			}
			got, err := s.UpdateByID(ctx, ev.ID, claim)
			require.NoError(t, err)
			assert.Equal(t, feeding.StatusProcessing, got.Status)
			assert.Equal(t, 1, got.AttemptCount)
			require.NotNil(t, got.LastAttemptAt)
			assert.True(t, got.LastAttemptAt.Equal(base))
			assert.Equal(t, 2.5, got.Quantity)

			_, err = s.UpdateByID(ctx, ev.ID, claim)
			assert.ErrorIs(t, err, feeding.ErrConflict)

			_, err = s.UpdateByID(ctx, "missing", claim)
			assert.ErrorIs(t, err, feeding.ErrNotFound)

			_, err = s.Get(ctx, "missing")
			assert.ErrorIs(t, err, feeding.ErrNotFound)

			stuck, err := s.FindProcessingOlderThan(ctx, base.Add(5*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []string{ev.ID}, ids(stuck))

			done, err := s.UpdateByID(ctx, ev.ID, feeding.Patch{
				Status:        feeding.Ptr(feeding.StatusCompleted),
				StockReduced:  feeding.Ptr(true),
				DeviceStatus:  feeding.Ptr(feeding.LinkTestMode),
				NetworkStatus: feeding.Ptr(feeding.LinkTestMode),
				ExecutedAt:    feeding.Ptr(base.Add(time.Second)),
			})
			require.NoError(t, err)
			assert.True(t, done.StockReduced)
			assert.Equal(t, feeding.LinkTestMode, done.DeviceStatus)
			require.NotNil(t, done.ExecutedAt)
		})
	}
}

func TestStoreLedgerAndDedup(t *testing.T) {
	for name, s := range drivers(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, err := s.Remaining(ctx, "hay")
			assert.ErrorIs(t, err, feeding.ErrUnknownFeed)
			assert.ErrorIs(t, s.Decrement(ctx, "hay", 1), feeding.ErrUnknownFeed)

			require.NoError(t, s.SetStock(ctx, "hay", 10))
			require.NoError(t, s.Decrement(ctx, "hay", 2.5))
			left, err := s.Remaining(ctx, "hay")
			require.NoError(t, err)
			assert.InDelta(t, 7.5, left, 1e-9)

			until := time.Now().Add(time.Hour).Truncate(time.Millisecond)
			require.NoError(t, s.PutDedup(ctx, "k1", until))
			got, ok, err := s.GetDedup(ctx, "k1")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, got.Equal(until))
			_, ok, err = s.GetDedup(ctx, "k2")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	ev := insert(t, s, feeding.Event{ScheduledTime: base})
	require.NoError(t, s.SetStock(ctx, "pellets", 40))
	require.NoError(t, s.Close())

	s2, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s2.Close()
	got, err := s2.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, got.ScheduledTime.Equal(base))
	left, err := s2.Remaining(ctx, "pellets")
	require.NoError(t, err)
	assert.Equal(t, 40.0, left)
}

func TestFileStoreRollsBackFailedSnapshot(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.json")
	ctx := context.Background()

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()
	ev := insert(t, s, feeding.Event{ScheduledTime: base})
	require.NoError(t, s.SetStock(ctx, "pellets", 40))

	// a directory in place of the temp file makes every snapshot fail
	require.NoError(t, os.Mkdir(path+".tmp", 0o755))

	assert.Error(t, s.Decrement(ctx, "pellets", 2.5))
	left, err := s.Remaining(ctx, "pellets")
	require.NoError(t, err)
	assert.Equal(t, 40.0, left)

	assert.Error(t, s.SetStock(ctx, "hay", 10))
	_, err = s.Remaining(ctx, "hay")
	assert.ErrorIs(t, err, feeding.ErrUnknownFeed)

	processing := feeding.StatusProcessing
	got, err := s.UpdateByID(ctx, ev.ID, feeding.Patch{IfStatus: feeding.StatusScheduled, Status: &processing})
	assert.Error(t, err)
	assert.Nil(t, got)
	cur, err := s.Get(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, feeding.StatusScheduled, cur.Status)

	_, err = s.Insert(ctx, feeding.Event{FeedID: "pellets", Quantity: 1, ScheduledTime: base})
	assert.Error(t, err)
	all, err := s.FindDue(ctx, base, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{ev.ID}, ids(all))

	assert.Error(t, s.PutDedup(ctx, "k", time.Now().Add(time.Hour)))
	_, ok, err := s.GetDedup(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, os.Remove(path+".tmp"))
	require.NoError(t, s.Decrement(ctx, "pellets", 2.5))
	left, err = s.Remaining(ctx, "pellets")
	require.NoError(t, err)
	assert.Equal(t, 37.5, left)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()

	_, err := Open(Config{Driver: "mongo"}, logx.Logger{})
	assert.ErrorIs(t, err, ErrUnknownDriver)

	_, err = Open(Config{Driver: "sqlite"}, logx.Nop())
	assert.Error(t, err)

	s, err := Open(Config{}, logx.Nop())
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestInsertValidation(t *testing.T) {
	t.Parallel()

	s := NewMemory()
	_, err := s.Insert(context.Background(), feeding.Event{Quantity: 1})
	assert.Error(t, err)
	_, err = s.Insert(context.Background(), feeding.Event{FeedID: "x"})
	assert.Error(t, err)
}
