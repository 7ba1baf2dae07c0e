// Package processor consumes charge tasks: it claims the order, charges
// the provider, classifies the outcome, updates the store, emits webhooks,
// and schedules whatever comes next (recurring order, dunning retry, or
// nothing for terminal failures).
package processor

import (
	"context"
	"encoding/json"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/rabbitmq"
	"github.com/kevin07696/billing-engine/internal/billing/classifier"
	"github.com/kevin07696/billing-engine/internal/billing/dunning"
	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/internal/services/webhook"
	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// EventEmitter is the webhook emission dependency.
type EventEmitter interface {
	Emit(ctx context.Context, accountID string, data models.EventData) error
}

// Processor handles charge tasks from the charge queue.
type Processor struct {
	store     ports.SubscriptionStore
	provider  ports.OnchainProvider
	scheduler ports.OrderScheduler
	emitter   EventEmitter
	dunning   dunning.Schedule
	logger    *zap.Logger
}

// New creates a payment processor.
func New(store ports.SubscriptionStore, provider ports.OnchainProvider, scheduler ports.OrderScheduler, emitter EventEmitter, schedule dunning.Schedule, logger *zap.Logger) *Processor {
	return &Processor{
		store:     store,
		provider:  provider,
		scheduler: scheduler,
		emitter:   emitter,
		dunning:   schedule,
		logger:    logger,
	}
}

// Handler adapts HandleChargeTask to the queue consumer.
func (p *Processor) Handler() rabbitmq.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		var task ports.ChargeTask
		if err := json.Unmarshal(d.Body, &task); err != nil {
			p.logger.Error("malformed charge task", zap.Error(err))
			return err
		}
		return p.HandleChargeTask(ctx, task)
	}
}

// HandleChargeTask processes one charge task. Returning nil acks the
// message; returning an error routes it through broker redelivery, which
// is safe because the staleness and idempotency guards below make
// reprocessing a no-op once the charge has settled.
func (p *Processor) HandleChargeTask(ctx context.Context, task ports.ChargeTask) error {
	logger := p.logger.With(zap.Int64("order_id", task.OrderID), zap.Bool("is_retry", task.IsRetry))

	details, err := p.store.GetOrderDetails(ctx, task.OrderID)
	if errors.Is(err, domain.ErrOrderNotFound) {
		logger.Warn("charge task for unknown order, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	// Staleness guards: the order settled, the subscription is done, or a
	// cancellation raced this delivery. A dunning retry legitimately finds
	// its order in Failed, so IsRetry bypasses that check.
	if details.Status == models.OrderStatusPaid {
		logger.Info("order already paid, dropping stale task")
		return nil
	}
	if details.SubscriptionStatus.BillingTerminal() {
		logger.Info("subscription no longer billable, dropping stale task",
			zap.String("subscription_status", string(details.SubscriptionStatus)))
		return nil
	}
	if details.Status == models.OrderStatusFailed && !task.IsRetry {
		logger.Info("order already failed, dropping stale task")
		return nil
	}

	if err := p.store.MarkOrderProcessing(ctx, task.OrderID); err != nil {
		return err
	}

	// Idempotency: a redelivered task after a settled charge whose ack was
	// lost must not charge again.
	txHash, err := p.store.GetSuccessfulTransaction(ctx, task.OrderID)
	if err != nil {
		return err
	}
	if txHash != "" {
		logger.Info("charge already settled, dropping redelivered task",
			zap.String("transaction_hash", txHash))
		return nil
	}

	result, chargeErr := p.provider.Charge(ctx, details.SubscriptionID, details.Amount, details.BeneficiaryAddress)
	if chargeErr != nil {
		return p.handleFailure(ctx, logger, details, chargeErr)
	}

	observability.ChargesTotal.WithLabelValues(string(details.Type), "success").Inc()
	return p.handleSuccess(ctx, logger, details, result.TransactionHash)
}

// handleSuccess settles the charge, schedules the next cycle, and emits
// payment.processed. A GetStatus failure here returns an error for broker
// redelivery; on redelivery the idempotency guard finds the recorded
// transaction, so the charge is not repeated.
func (p *Processor) handleSuccess(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, txHash string) error {
	status, err := p.provider.GetStatus(ctx, details.SubscriptionID)
	if err != nil {
		logger.Warn("status lookup after successful charge failed, retrying via broker", zap.Error(err))
		return err
	}

	next := nextOrderFrom(status)

	nextID, err := p.store.RecordRecurringSuccess(ctx, details.SubscriptionID, details.ID, txHash, next)
	if err != nil {
		return err
	}

	if nextID != 0 && next != nil {
		if err := p.scheduler.Set(ctx, nextID, next.DueAt, details.Provider, false); err != nil {
			// The pending order is durable; the sweeper claims it once due.
			logger.Error("failed to arm timer for next order",
				zap.Int64("next_order_id", nextID), zap.Error(err))
		}
	}

	logger.Info("charge settled",
		zap.String("transaction_hash", txHash),
		zap.Int64("next_order_id", nextID),
	)

	paidOrder := details.Order
	paidOrder.Status = models.OrderStatusPaid
	eventOrder, eventTx := webhook.PaidOrderData(&paidOrder, txHash)
	p.emit(ctx, logger, details.AccountID, models.EventData{
		Subscription: webhook.SubscriptionData(details.SubscriptionID, models.SubStatusActive, details.Amount.String(), details.PeriodSeconds),
		Order:        &eventOrder,
		Transaction:  &eventTx,
	})
	return nil
}

func (p *Processor) handleFailure(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, chargeErr error) error {
	res := classifier.Classify(chargeErr)
	logger.Warn("charge failed",
		zap.String("kind", res.Kind.String()),
		zap.String("code", string(res.Code)),
		zap.Error(chargeErr),
	)
	observability.ChargesTotal.WithLabelValues(string(details.Type), res.Kind.String()).Inc()

	switch res.Kind {
	case classifier.KindTerminal:
		return p.failTerminal(ctx, logger, details, res, chargeErr)
	case classifier.KindRetryablePayment:
		return p.failRetryable(ctx, logger, details, res, chargeErr)
	case classifier.KindUpstreamTransient:
		// No state change, no webhook; broker redelivery retries the whole
		// task once the provider recovers.
		return chargeErr
	default:
		return p.failOther(ctx, logger, details, res, chargeErr)
	}
}

// failTerminal cancels the subscription: the permission is revoked or
// expired, so no future charge can succeed.
func (p *Processor) failTerminal(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, res classifier.Result, chargeErr error) error {
	if _, err := p.store.UpdateOrder(ctx, details.ID, models.OrderStatusFailed, string(res.Code), chargeErr.Error(), ""); err != nil {
		return err
	}
	if err := p.store.CancelSubscription(ctx, details.SubscriptionID); err != nil {
		return err
	}

	canceled, err := p.store.CancelPendingOrders(ctx, details.SubscriptionID)
	if err != nil {
		return err
	}
	for _, id := range append(canceled, details.ID) {
		if err := p.scheduler.Delete(ctx, id); err != nil {
			logger.Warn("failed to drop timer for canceled order",
				zap.Int64("canceled_order_id", id), zap.Error(err))
		}
	}

	observability.SubscriptionsCanceled.WithLabelValues(string(res.Code)).Inc()
	logger.Info("subscription canceled on terminal payment failure",
		zap.String("code", string(res.Code)))

	eventOrder := webhook.FailedOrderData(&details.Order, nil)
	p.emit(ctx, logger, details.AccountID, models.EventData{
		Subscription: webhook.SubscriptionData(details.SubscriptionID, models.SubStatusCanceled, details.Amount.String(), details.PeriodSeconds),
		Order:        &eventOrder,
		Error:        webhook.ErrorData(string(res.Code), classifier.ExposableMessage(res, chargeErr)),
	})
	return nil
}

// failRetryable runs the dunning branch: schedule the next retry on the
// same order, or exhaust into Unpaid once the schedule is spent.
func (p *Processor) failRetryable(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, res classifier.Result, chargeErr error) error {
	if details.Attempts+1 < p.dunning.MaxAttempts() {
		nextRetryAt, ok := p.dunning.NextRetryAt(details.Attempts, timeutil.Now())
		if !ok {
			// Schedule shorter than MaxAttempts implies; treat as spent.
			return p.exhaust(ctx, logger, details, res, chargeErr)
		}

		if err := p.store.ScheduleRetry(ctx, details.ID, details.SubscriptionID, nextRetryAt, string(res.Code), chargeErr.Error()); err != nil {
			return err
		}
		if err := p.scheduler.Set(ctx, details.ID, nextRetryAt, details.Provider, true); err != nil {
			logger.Error("failed to arm dunning timer", zap.Error(err))
		}

		observability.DunningRetriesScheduled.Inc()
		logger.Info("dunning retry scheduled",
			zap.Int("attempts", details.Attempts+1),
			zap.Time("next_retry_at", nextRetryAt),
		)

		eventOrder := webhook.FailedOrderData(&details.Order, &nextRetryAt)
		p.emit(ctx, logger, details.AccountID, models.EventData{
			Subscription: webhook.SubscriptionData(details.SubscriptionID, models.SubStatusPastDue, details.Amount.String(), details.PeriodSeconds),
			Order:        &eventOrder,
			Error:        webhook.ErrorData(string(res.Code), classifier.ExposableMessage(res, chargeErr)),
		})
		return nil
	}

	return p.exhaust(ctx, logger, details, res, chargeErr)
}

func (p *Processor) exhaust(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, res classifier.Result, chargeErr error) error {
	if err := p.store.ExhaustRetries(ctx, details.ID, details.SubscriptionID, string(res.Code), chargeErr.Error()); err != nil {
		return err
	}
	if err := p.scheduler.Delete(ctx, details.ID); err != nil {
		logger.Warn("failed to drop timer for exhausted order", zap.Error(err))
	}

	logger.Info("dunning exhausted, subscription unpaid",
		zap.Int("attempts", details.Attempts+1))

	eventOrder := webhook.FailedOrderData(&details.Order, nil)
	p.emit(ctx, logger, details.AccountID, models.EventData{
		Subscription: webhook.SubscriptionData(details.SubscriptionID, models.SubStatusUnpaid, details.Amount.String(), details.PeriodSeconds),
		Order:        &eventOrder,
		Error:        webhook.ErrorData(string(res.Code), classifier.ExposableMessage(res, chargeErr)),
	})
	return nil
}

// failOther handles unclassified payment errors: the order fails but the
// subscription keeps billing as long as the onchain permission still
// allows it, so the next recurring order is created immediately.
func (p *Processor) failOther(ctx context.Context, logger *zap.Logger, details *models.OrderDetails, res classifier.Result, chargeErr error) error {
	if _, err := p.store.UpdateOrder(ctx, details.ID, models.OrderStatusFailed, string(res.Code), chargeErr.Error(), ""); err != nil {
		return err
	}
	if err := p.scheduler.Delete(ctx, details.ID); err != nil {
		logger.Warn("failed to drop timer for failed order", zap.Error(err))
	}

	status, err := p.provider.GetStatus(ctx, details.SubscriptionID)
	if err != nil {
		logger.Error("status lookup after unclassified failure failed, skipping next order", zap.Error(err))
	} else if next := nextOrderFrom(status); next != nil {
		nextID, err := p.store.CreateOrder(ctx, details.SubscriptionID, *next)
		if err != nil {
			return err
		}
		if err := p.scheduler.Set(ctx, nextID, next.DueAt, details.Provider, false); err != nil {
			logger.Error("failed to arm timer for next order",
				zap.Int64("next_order_id", nextID), zap.Error(err))
		}
	}

	eventOrder := webhook.FailedOrderData(&details.Order, nil)
	p.emit(ctx, logger, details.AccountID, models.EventData{
		Subscription: webhook.SubscriptionData(details.SubscriptionID, models.SubStatusActive, details.Amount.String(), details.PeriodSeconds),
		Order:        &eventOrder,
		Error:        webhook.ErrorData(string(res.Code), classifier.ExposableMessage(res, chargeErr)),
	})
	return nil
}

// nextOrderFrom derives the next recurring order from the provider's view
// of the permission, or nil when the subscription has no further period.
func nextOrderFrom(status *ports.PermissionStatus) *models.NewOrder {
	if status == nil || !status.IsSubscribed || status.NextPeriodStart == nil || status.PeriodInSeconds == nil {
		return nil
	}
	return &models.NewOrder{
		Type:          models.OrderTypeRecurring,
		DueAt:         timeutil.ToUTC(*status.NextPeriodStart),
		Amount:        status.RecurringCharge,
		PeriodSeconds: *status.PeriodInSeconds,
	}
}

// emit fires a webhook without letting delivery problems disturb billing
// state; emission failures are logged and dropped.
func (p *Processor) emit(ctx context.Context, logger *zap.Logger, accountID string, data models.EventData) {
	if err := p.emitter.Emit(ctx, accountID, data); err != nil {
		logger.Error("webhook emission failed", zap.Error(err))
	}
}
