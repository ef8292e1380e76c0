package notifier

import (
	"context"
	"time"
)

// Config controls the async notification pipeline.
type Config struct {
	Enabled         bool
	Workers         int
	QueueSize       int
	RatePerSec      int
	RetryMax        int
	RetryBase       time.Duration
	RetryMaxDelay   time.Duration
	DedupWindow     time.Duration
	DedupMaxEntries int
	PersistDedup    bool
}

type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelAlert
)

func (l Level) String() string {
	switch l {
	case LevelWarn:
		return "warn"
	case LevelAlert:
		return "alert"
	default:
		return "info"
	}
}

// Message is one operator notification.
type Message struct {
	// Key suppresses repeats inside the dedup window. Empty means a
	// content hash is used.
	Key     string
	Level   Level
	Title   string
	Text    string
	EventID string
	Outcome string
	At      time.Time
	Fields  map[string]any
}

// Sink delivers messages somewhere. Send may be retried; return
// backoff.Permanent to stop retries early.
type Sink interface {
	Name() string
	Send(ctx context.Context, m Message) error
}

// DedupStore persists dedup marks across restarts. storage.Store implements it.
type DedupStore interface {
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
}

type HistoryItem struct {
	At    time.Time `json:"at"`
	Sink  string    `json:"sink"`
	Title string    `json:"title"`
	Text  string    `json:"text"`
}

// NotificationEvent is emitted on the event bus for notifier lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type NotificationEvent struct {
	Sink    string    `json:"sink,omitempty"`
	Key     string    `json:"key"`
	EventID string    `json:"event_id,omitempty"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
