package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event types published by the feeder.
const (
	FeedingClaimed   = "feeding.claimed"
	FeedingCompleted = "feeding.completed"
	FeedingRetry     = "feeding.retry"
	FeedingFailed    = "feeding.failed"
	FeedingReclaimed = "feeding.reclaimed"
	FeedingOverdue   = "feeding.overdue"

	SchedulerStarted = "scheduler.started"
	SchedulerStopped = "scheduler.stopped"

	NotifierQueued  = "notifier.queued"
	NotifierDeduped = "notifier.deduped"
	NotifierDropped = "notifier.dropped"
	NotifierSent    = "notifier.sent"
	NotifierFailed  = "notifier.failed"
)

// Event is a small in-memory signal used to decouple components.
//
// Contract:
//   - Publish never blocks.
//   - Subscribers get buffered channels; a slow subscriber drops events.
type Event struct {
	Type string
	Time time.Time
	Data any
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]chan Event{}}
}

// Emit publishes on b when b is non-nil.
func Emit(b Bus, typ string, data any) {
	if b == nil {
		return
	}
	b.Publish(Event{Type: typ, Time: time.Now(), Data: data})
}

type memBus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	chs := make([]chan Event, 0, len(b.subs))
	for _, ch := range b.subs {
		chs = append(chs, ch)
	}
	b.mu.RUnlock()

	for _, ch := range chs {
		send(ch, e)
	}
}

// send drops on a full channel. A concurrent unsubscribe may close ch;
// the recover covers that window.
func send(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
	}
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}
