package storage

import (
	"context"
	"errors"
	"time"

	"farmfeed/internal/feeding"
)

var (
	ErrDisabled      = errors.New("storage disabled")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local, nothing survives a restart
//   - "file": memory + JSON snapshot rewritten on every change
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API: feeding events, the stock ledger and
// the notifier's dedup marks.
type Store interface {
	feeding.EventStore
	feeding.StockLedger

	// Insert stores a new event. An empty ID is replaced by a UUID.
	Insert(ctx context.Context, ev feeding.Event) (feeding.Event, error)
	// SetStock sets the remaining amount for a feed, creating it if needed.
	SetStock(ctx context.Context, feedID string, amount float64) error

	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)

	Close() error
}
