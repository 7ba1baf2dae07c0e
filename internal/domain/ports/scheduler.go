package ports

import (
	"context"
	"time"
)

// OrderScheduler turns a future due time into a single enqueue of the order
// onto the charge queue. Set replaces any existing timer for the order and
// resets its processed flag; Delete cancels the timer and drops the record.
type OrderScheduler interface {
	Set(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error
	Update(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error
	Delete(ctx context.Context, orderID int64) error
}

// TimerRecord is the durable state behind a scheduled order timer. The
// processed flag is persisted before the enqueue so a redelivered firing
// cannot enqueue twice; generation increments on every Set/Update so a
// stale in-memory timer loses the mark-processed race.
type TimerRecord struct {
	OrderID    int64
	Provider   string
	DueAt      time.Time
	IsRetry    bool
	Processed  bool
	Failed     bool
	Generation int
}

// TimerStore persists scheduler timer records.
type TimerStore interface {
	// UpsertTimer creates or replaces the record with processed=false and a
	// bumped generation; returns the new generation.
	UpsertTimer(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) (int, error)

	// GetTimer returns nil when no record exists (timer canceled).
	GetTimer(ctx context.Context, orderID int64) (*TimerRecord, error)

	// MarkTimerProcessed sets processed=true iff the record still carries
	// the given generation and is not yet processed; reports whether this
	// caller won.
	MarkTimerProcessed(ctx context.Context, orderID int64, generation int) (bool, error)

	MarkTimerFailed(ctx context.Context, orderID int64) error
	DeleteTimer(ctx context.Context, orderID int64) error

	// ListPendingTimers returns all unprocessed records, for re-arming
	// in-memory timers after a restart.
	ListPendingTimers(ctx context.Context) ([]TimerRecord, error)
}
