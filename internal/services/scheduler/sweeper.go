package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// Sweeper is the safety net behind the in-memory timers: on a fixed cadence
// it claims orders whose due time has passed without an enqueue (crashed
// firing, lost timer record, restart gap) and puts them on the charge
// queue. Claiming happens against a cutoff of now minus a grace window so
// the sweeper does not race a live timer that is just about to fire.
type Sweeper struct {
	store     ports.SubscriptionStore
	publisher ports.ChargePublisher
	logger    *zap.Logger

	interval  time.Duration
	batchSize int
	grace     time.Duration

	cron *cron.Cron
}

// SweeperConfig tunes the sweep cadence and claim window.
type SweeperConfig struct {
	Interval  time.Duration
	BatchSize int
	Grace     time.Duration
}

// NewSweeper creates a sweeper; Start schedules it.
func NewSweeper(store ports.SubscriptionStore, publisher ports.ChargePublisher, cfg SweeperConfig, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Sweeper{
		store:     store,
		publisher: publisher,
		logger:    logger,
		interval:  cfg.Interval,
		batchSize: cfg.BatchSize,
		grace:     cfg.Grace,
	}
}

// Start schedules the sweep on its cron cadence.
func (s *Sweeper) Start(ctx context.Context) error {
	s.cron = cron.New()
	spec := fmt.Sprintf("@every %s", s.interval)
	_, err := s.cron.AddFunc(spec, func() {
		s.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.logger.Info("sweeper started",
		zap.Duration("interval", s.interval),
		zap.Duration("grace", s.grace),
	)
	return nil
}

// Stop halts the cron schedule and waits for a running sweep.
func (s *Sweeper) Stop(ctx context.Context) error {
	if s.cron == nil {
		return nil
	}
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep claims one batch of overdue pending orders and one batch of due
// dunning retries, and enqueues them.
func (s *Sweeper) Sweep(ctx context.Context) {
	cutoff := timeutil.Now().Add(-s.grace)

	due, err := s.store.ClaimDueOrders(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: claim due orders failed", zap.Error(err))
	} else {
		s.enqueue(ctx, due, "pending")
	}

	retries, err := s.store.ClaimDueRetries(ctx, cutoff, s.batchSize)
	if err != nil {
		s.logger.Error("sweep: claim due retries failed", zap.Error(err))
	} else {
		s.enqueue(ctx, retries, "retry")
	}
}

func (s *Sweeper) enqueue(ctx context.Context, due []models.DueOrder, kind string) {
	for _, d := range due {
		task := ports.ChargeTask{
			OrderID:  d.OrderID,
			Provider: d.Provider,
			IsRetry:  d.IsRetry,
		}
		if err := s.publisher.PublishCharge(ctx, task); err != nil {
			// The order stays in Processing; the processor's staleness
			// guard will not touch it, so log loudly for reconciliation.
			s.logger.Error("sweep: enqueue failed",
				zap.Int64("order_id", d.OrderID),
				zap.String("kind", kind),
				zap.Error(err),
			)
			continue
		}
		observability.SweeperClaims.WithLabelValues(kind).Inc()
		s.logger.Info("sweeper reclaimed overdue order",
			zap.Int64("order_id", d.OrderID),
			zap.String("kind", kind),
		)
	}
}
