package feeding

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("feeding event not found")
	ErrConflict       = errors.New("feeding event status changed concurrently")
	ErrNotSchedulable = errors.New("feeding event is not in a schedulable state")
	ErrUnknownFeed    = errors.New("unknown feed")
)

// EventStore is the persistence contract the scheduler relies on.
//
// FindDue returns scheduled, non-immediate events with retries left whose
// scheduled time lies within now±tolerance, oldest first.
type EventStore interface {
	FindDue(ctx context.Context, now time.Time, tolerance time.Duration) ([]Event, error)
	FindProcessingOlderThan(ctx context.Context, before time.Time) ([]Event, error)
	FindOverdue(ctx context.Context, before time.Time) ([]Event, error)
	NextScheduled(ctx context.Context, now time.Time) (*Event, error)
	Get(ctx context.Context, id string) (*Event, error)
	UpdateByID(ctx context.Context, id string, p Patch) (*Event, error)
}

// StockLedger tracks remaining feed per feed type.
type StockLedger interface {
	Remaining(ctx context.Context, feedID string) (float64, error)
	Decrement(ctx context.Context, feedID string, amount float64) error
}

// Emitter receives final outcomes. Implementations must not block the caller.
type Emitter interface {
	FeedingOutcome(ev Event, outcome Outcome, detail string)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ev Event, outcome Outcome, detail string)

func (f EmitterFunc) FeedingOutcome(ev Event, outcome Outcome, detail string) { f(ev, outcome, detail) }
