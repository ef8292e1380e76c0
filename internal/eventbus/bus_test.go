package eventbus

import (
	"testing"
	"time"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	Emit(b, FeedingCompleted, "e1")

	for _, ch := range []<-chan Event{a, c} {
		select {
		case e := <-ch:
			if e.Type != FeedingCompleted || e.Data != "e1" || e.Time.IsZero() {
				t.Fatalf("unexpected event %+v", e)
			}
		case <-time.After(time.Second):
			t.Fatal("event not delivered")
		}
	}
}

func TestPublishNeverBlocksOnSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			b.Publish(Event{Type: FeedingRetry})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked")
	}
	if len(ch) != 1 {
		t.Fatalf("expected buffer to hold 1, got %d", len(ch))
	}
}

func TestUnsubscribeClosesAndIsIdempotent(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(0)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed")
	}
	b.Publish(Event{Type: FeedingFailed})
	Emit(nil, FeedingFailed, nil)
}
