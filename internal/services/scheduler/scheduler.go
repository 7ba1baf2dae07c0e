// Package scheduler turns future order due times into single enqueues on
// the charge queue. Timers live in memory, backed by durable records; the
// processed flag is persisted before the enqueue so a replayed firing can
// never enqueue twice.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/resilience"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// Scheduler implements ports.OrderScheduler with one in-memory timer per
// order over a durable timer store.
type Scheduler struct {
	timerStore ports.TimerStore
	publisher  ports.ChargePublisher
	backoff    resilience.BackoffStrategy
	maxRetries int
	logger     *zap.Logger

	mu     sync.Mutex
	timers map[int64]*time.Timer
	closed bool
}

var _ ports.OrderScheduler = (*Scheduler)(nil)

// Config tunes the scheduler's enqueue retry loop.
type Config struct {
	// MaxFireRetries is the number of publish attempts per firing before
	// the timer is marked failed for operator reconciliation. Minimum 3.
	MaxFireRetries int
	Backoff        resilience.BackoffStrategy
}

// New creates a scheduler. Call Start to re-arm persisted timers.
func New(timerStore ports.TimerStore, publisher ports.ChargePublisher, cfg Config, logger *zap.Logger) *Scheduler {
	if cfg.MaxFireRetries < 3 {
		cfg.MaxFireRetries = 3
	}
	if cfg.Backoff == nil {
		cfg.Backoff = resilience.DefaultExponentialBackoff()
	}
	return &Scheduler{
		timerStore: timerStore,
		publisher:  publisher,
		backoff:    cfg.Backoff,
		maxRetries: cfg.MaxFireRetries,
		logger:     logger,
		timers:     make(map[int64]*time.Timer),
	}
}

// Start re-arms in-memory timers for every unprocessed record, recovering
// schedules lost to a restart.
func (s *Scheduler) Start(ctx context.Context) error {
	records, err := s.timerStore.ListPendingTimers(ctx)
	if err != nil {
		return err
	}
	for _, rec := range records {
		s.arm(rec.OrderID, rec.DueAt)
	}
	s.logger.Info("scheduler started", zap.Int("rearmed_timers", len(records)))
	return nil
}

// Set creates or replaces the timer for an order. The durable record is
// written first with a bumped generation; an already-armed stale timer for
// the same order then loses the mark-processed race.
func (s *Scheduler) Set(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error {
	if _, err := s.timerStore.UpsertTimer(ctx, orderID, dueAt, provider, isRetry); err != nil {
		return err
	}
	s.arm(orderID, dueAt)
	return nil
}

// Update reschedules an order's timer; identical to Set.
func (s *Scheduler) Update(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error {
	return s.Set(ctx, orderID, dueAt, provider, isRetry)
}

// Delete cancels the timer and drops the durable record.
func (s *Scheduler) Delete(ctx context.Context, orderID int64) error {
	s.mu.Lock()
	if t, ok := s.timers[orderID]; ok {
		t.Stop()
		delete(s.timers, orderID)
		observability.SchedulerTimersActive.Dec()
	}
	s.mu.Unlock()

	return s.timerStore.DeleteTimer(ctx, orderID)
}

// Stop cancels all in-memory timers. Durable records survive, so the next
// Start re-arms them.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
		observability.SchedulerTimersActive.Dec()
	}
	s.logger.Info("scheduler stopped")
	return nil
}

func (s *Scheduler) arm(orderID int64, dueAt time.Time) {
	delay := time.Until(dueAt)
	if delay < 0 {
		delay = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	if old, ok := s.timers[orderID]; ok {
		old.Stop()
		observability.SchedulerTimersActive.Dec()
	}
	s.timers[orderID] = time.AfterFunc(delay, func() {
		s.mu.Lock()
		_, present := s.timers[orderID]
		if present {
			delete(s.timers, orderID)
		}
		s.mu.Unlock()
		if present {
			observability.SchedulerTimersActive.Dec()
		}
		s.Fire(context.Background(), orderID)
	})
	observability.SchedulerTimersActive.Inc()
}

// Fire runs the firing protocol for one order:
//
//  1. Load the record; missing means canceled, processed means a replay.
//  2. Persist processed=true BEFORE the enqueue. The generation check
//     makes this a compare-and-set, so a firing armed before a reschedule
//     loses here instead of enqueueing a stale due time.
//  3. Publish the charge task, retrying with backoff.
//  4. Drop the record, best-effort; the processed flag already guards
//     against duplicates if this fails.
//
// If every publish attempt fails the record is marked failed with
// processed kept true: no further enqueue will happen and operators
// reconcile from the store. A crash between step 2 and a successful
// publish is recovered by the due-order sweeper, which claims the order
// directly from the store.
func (s *Scheduler) Fire(ctx context.Context, orderID int64) {
	rec, err := s.timerStore.GetTimer(ctx, orderID)
	if err != nil {
		s.logger.Error("fire: load timer failed", zap.Int64("order_id", orderID), zap.Error(err))
		observability.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	if rec == nil {
		observability.SchedulerFires.WithLabelValues("canceled").Inc()
		return
	}
	if rec.Processed || rec.Failed {
		observability.SchedulerFires.WithLabelValues("duplicate").Inc()
		return
	}

	won, err := s.timerStore.MarkTimerProcessed(ctx, orderID, rec.Generation)
	if err != nil {
		s.logger.Error("fire: mark processed failed", zap.Int64("order_id", orderID), zap.Error(err))
		observability.SchedulerFires.WithLabelValues("error").Inc()
		return
	}
	if !won {
		// A concurrent firing or a reschedule got here first.
		observability.SchedulerFires.WithLabelValues("duplicate").Inc()
		return
	}

	task := ports.ChargeTask{
		OrderID:  orderID,
		Provider: rec.Provider,
		IsRetry:  rec.IsRetry,
	}

	var publishErr error
	for attempt := 0; attempt < s.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(s.backoff.NextDelay(attempt - 1))
		}
		if publishErr = s.publisher.PublishCharge(ctx, task); publishErr == nil {
			break
		}
		s.logger.Warn("fire: enqueue failed",
			zap.Int64("order_id", orderID),
			zap.Int("attempt", attempt+1),
			zap.Error(publishErr),
		)
	}

	if publishErr != nil {
		observability.SchedulerFires.WithLabelValues("failed").Inc()
		if err := s.timerStore.MarkTimerFailed(ctx, orderID); err != nil {
			s.logger.Error("fire: mark failed failed", zap.Int64("order_id", orderID), zap.Error(err))
		}
		return
	}

	observability.SchedulerFires.WithLabelValues("enqueued").Inc()
	s.logger.Info("order enqueued for charging",
		zap.Int64("order_id", orderID),
		zap.Bool("is_retry", rec.IsRetry),
		zap.Time("due_at", timeutil.ToUTC(rec.DueAt)),
	)

	if err := s.timerStore.DeleteTimer(ctx, orderID); err != nil {
		s.logger.Warn("fire: timer cleanup failed", zap.Int64("order_id", orderID), zap.Error(err))
	}
}
