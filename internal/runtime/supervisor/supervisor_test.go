package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func TestGoPanicCancelsOnError(t *testing.T) {
	t.Parallel()

	s := New(context.Background(), WithCancelOnError(true))
	s.Go("boom", func(ctx context.Context) error { panic("bad") })

	select {
	case <-s.Context().Done():
	case <-time.After(time.Second):
		t.Fatal("context not canceled after panic")
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("err=%v", err)
	}
	if snap := s.Snapshot(); snap.Counters.Panics != 1 || snap.Counters.Active != 0 {
		t.Fatalf("snapshot=%+v", snap)
	}
}

func TestGoCanceledIsClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	s.Go("loop", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestGoRestartRetriesUntilClean(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("flaky", func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	}, WithRestartBackoff(time.Millisecond, 5*time.Millisecond), WithPublishFirstError(true))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := s.Wait(ctx)
	if runs.Load() != 3 {
		t.Fatalf("runs=%d", runs.Load())
	}
	if err == nil || !strings.Contains(err.Error(), "transient") {
		t.Fatalf("expected first error published, got %v", err)
	}
	if s.Snapshot().Counters.Restarts != 2 {
		t.Fatalf("restarts=%d", s.Snapshot().Counters.Restarts)
	}
}

func TestGoRestartGivesUp(t *testing.T) {
	t.Parallel()

	s := New(context.Background())
	var runs atomic.Int32
	s.GoRestart("dead", func(ctx context.Context) error {
		runs.Add(1)
		return errors.New("nope")
	}, WithRestartBackoff(time.Millisecond, time.Millisecond), WithMaxRestarts(2))

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = s.Wait(ctx)
	if runs.Load() != 3 {
		t.Fatalf("runs=%d", runs.Load())
	}
}
