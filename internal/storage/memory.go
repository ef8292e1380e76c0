package storage

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"farmfeed/internal/feeding"
)

// memStore keeps everything in maps behind one mutex.
// The file driver embeds it and snapshots after each write.
type memStore struct {
	mu     sync.Mutex
	now    func() time.Time
	events map[string]feeding.Event
	stock  map[string]float64
	dedup  map[string]int64 // unix milli

	// afterWrite runs with mu held after every mutation. When it fails the
	// mutation is rolled back and the error returned.
	afterWrite func() error
}

// NewMemory returns an in-process store. Nothing survives a restart.
func NewMemory() Store { return newMemStore() }

func newMemStore() *memStore {
	return &memStore{
		now:    time.Now,
		events: map[string]feeding.Event{},
		stock:  map[string]float64{},
		dedup:  map[string]int64{},
	}
}

func (s *memStore) written() error {
	if s.afterWrite == nil {
		return nil
	}
	return s.afterWrite()
}

func (s *memStore) Insert(_ context.Context, ev feeding.Event) (feeding.Event, error) {
	if strings.TrimSpace(ev.FeedID) == "" {
		return feeding.Event{}, fmt.Errorf("insert: feed id is required")
	}
	if ev.Quantity <= 0 {
		return feeding.Event{}, fmt.Errorf("insert: quantity must be > 0")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	ev.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.events[ev.ID]; dup {
		return feeding.Event{}, fmt.Errorf("insert %s: duplicate id", ev.ID)
	}
	now := s.now()
	ev.CreatedAt, ev.UpdatedAt = now, now
	s.events[ev.ID] = cloneEvent(ev)
	if err := s.written(); err != nil {
		delete(s.events, ev.ID)
		return feeding.Event{}, fmt.Errorf("insert %s: %w", ev.ID, err)
	}
	return ev, nil
}

func (s *memStore) Get(_ context.Context, id string) (*feeding.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, feeding.ErrNotFound
	}
	out := cloneEvent(ev)
	return &out, nil
}

func (s *memStore) FindDue(_ context.Context, now time.Time, tolerance time.Duration) ([]feeding.Event, error) {
	lo, hi := now.Add(-tolerance), now.Add(tolerance)
	return s.filter(func(ev feeding.Event) bool {
		return ev.Status == feeding.StatusScheduled && !ev.Immediate && ev.RetriesLeft() &&
			!ev.ScheduledTime.Before(lo) && !ev.ScheduledTime.After(hi)
	}), nil
}

func (s *memStore) FindProcessingOlderThan(_ context.Context, before time.Time) ([]feeding.Event, error) {
	return s.filter(func(ev feeding.Event) bool {
		if ev.Status != feeding.StatusProcessing || ev.Immediate {
			return false
		}
		last := ev.UpdatedAt
		if ev.LastAttemptAt != nil {
			last = *ev.LastAttemptAt
		}
		return last.Before(before)
	}), nil
}

func (s *memStore) FindOverdue(_ context.Context, before time.Time) ([]feeding.Event, error) {
	return s.filter(func(ev feeding.Event) bool {
		return ev.Status == feeding.StatusScheduled && !ev.Immediate && ev.ScheduledTime.Before(before)
	}), nil
}

func (s *memStore) NextScheduled(_ context.Context, now time.Time) (*feeding.Event, error) {
	evs := s.filter(func(ev feeding.Event) bool {
		return ev.Status == feeding.StatusScheduled && !ev.Immediate && ev.RetriesLeft() && !ev.ScheduledTime.Before(now)
	})
	if len(evs) == 0 {
		return nil, nil
	}
	return &evs[0], nil
}

// filter returns matching events ordered by scheduled time, then id.
func (s *memStore) filter(keep func(feeding.Event) bool) []feeding.Event {
	s.mu.Lock()
	out := make([]feeding.Event, 0, 8)
	for _, ev := range s.events {
		if keep(ev) {
			out = append(out, cloneEvent(ev))
		}
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].ScheduledTime.Equal(out[j].ScheduledTime) {
			return out[i].ScheduledTime.Before(out[j].ScheduledTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (s *memStore) UpdateByID(_ context.Context, id string, p feeding.Patch) (*feeding.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, feeding.ErrNotFound
	}
	if p.IfStatus != "" && ev.Status != p.IfStatus {
		return nil, fmt.Errorf("update %s: want %s, have %s: %w", id, p.IfStatus, ev.Status, feeding.ErrConflict)
	}
	prev := ev
	ev = cloneEvent(ev)
	p.Apply(&ev)
	ev.UpdatedAt = s.now()
	s.events[id] = ev
	if err := s.written(); err != nil {
		s.events[id] = prev
		return nil, fmt.Errorf("update %s: %w", id, err)
	}
	out := cloneEvent(ev)
	return &out, nil
}

func (s *memStore) Remaining(_ context.Context, feedID string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stock[feedID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", feeding.ErrUnknownFeed, feedID)
	}
	return v, nil
}

func (s *memStore) Decrement(_ context.Context, feedID string, amount float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.stock[feedID]
	if !ok {
		return fmt.Errorf("%w: %s", feeding.ErrUnknownFeed, feedID)
	}
	s.stock[feedID] = v - amount
	if err := s.written(); err != nil {
		s.stock[feedID] = v
		return fmt.Errorf("decrement %s: %w", feedID, err)
	}
	return nil
}

func (s *memStore) SetStock(_ context.Context, feedID string, amount float64) error {
	if strings.TrimSpace(feedID) == "" {
		return fmt.Errorf("set stock: feed id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.stock[feedID]
	s.stock[feedID] = amount
	if err := s.written(); err != nil {
		if had {
			s.stock[feedID] = prev
		} else {
			delete(s.stock, feedID)
		}
		return fmt.Errorf("set stock %s: %w", feedID, err)
	}
	return nil
}

func (s *memStore) PutDedup(_ context.Context, key string, until time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	prev, had := s.dedup[key]
	s.dedup[key] = until.UnixMilli()
	pruneExpiredDedup(s.dedup, s.now())
	if err := s.written(); err != nil {
		if had {
			s.dedup[key] = prev
		} else {
			delete(s.dedup, key)
		}
		return fmt.Errorf("put dedup %s: %w", key, err)
	}
	return nil
}

func (s *memStore) GetDedup(_ context.Context, key string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.dedup[strings.TrimSpace(key)]
	if !ok {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *memStore) Close() error { return nil }

func pruneExpiredDedup(m map[string]int64, now time.Time) {
	ms := now.UnixMilli()
	for k, v := range m {
		if v < ms {
			delete(m, k)
		}
	}
}

func cloneEvent(ev feeding.Event) feeding.Event {
	if ev.LastAttemptAt != nil {
		t := *ev.LastAttemptAt
		ev.LastAttemptAt = &t
	}
	if ev.ExecutedAt != nil {
		t := *ev.ExecutedAt
		ev.ExecutedAt = &t
	}
	return ev
}
