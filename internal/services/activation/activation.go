// Package activation drives subscription registration: synchronous
// validation against the onchain permission up to the HTTP boundary, then
// a supervised background task for the first charge.
package activation

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/billing/classifier"
	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/internal/services/webhook"
	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/resourcemgmt"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// chargeTimeout bounds the detached background activation charge.
const chargeTimeout = 2 * time.Minute

// EventEmitter is the webhook emission dependency.
type EventEmitter interface {
	Emit(ctx context.Context, accountID string, data models.EventData) error
}

// RegisterRequest is a validated registration from the API boundary.
type RegisterRequest struct {
	SubscriptionID string
	Provider       string
	Testnet        bool
	Beneficiary    string
}

// Service orchestrates registration, activation and cancellation.
type Service struct {
	store          ports.SubscriptionStore
	provider       ports.OnchainProvider
	scheduler      ports.OrderScheduler
	emitter        EventEmitter
	tracker        *resourcemgmt.Tracker
	spenderAddress string
	logger         *zap.Logger
}

// New creates the activation service. spenderAddress is the engine's own
// onchain address; registrations for permissions granted to anyone else
// are rejected.
func New(store ports.SubscriptionStore, provider ports.OnchainProvider, scheduler ports.OrderScheduler, emitter EventEmitter, tracker *resourcemgmt.Tracker, spenderAddress string, logger *zap.Logger) *Service {
	return &Service{
		store:          store,
		provider:       provider,
		scheduler:      scheduler,
		emitter:        emitter,
		tracker:        tracker,
		spenderAddress: spenderAddress,
		logger:         logger,
	}
}

// Register validates the permission and persists the subscription, then
// kicks off the activation charge in the background. The caller gets a
// response as soon as the subscription is in Processing.
func (s *Service) Register(ctx context.Context, accountID string, req RegisterRequest) error {
	if !models.ValidSubscriptionID(req.SubscriptionID) {
		return domain.NewDomainError(domain.ErrorCodeInvalidSubscription, "subscription id must be a 0x-prefixed 32-byte hash")
	}

	logger := s.logger.With(
		zap.String("subscription_id", req.SubscriptionID),
		zap.String("account_id", accountID),
	)

	sub := &models.Subscription{
		ID:                 req.SubscriptionID,
		AccountID:          accountID,
		BeneficiaryAddress: req.Beneficiary,
		Provider:           req.Provider,
		Testnet:            req.Testnet,
		Status:             models.SubStatusProcessing,
	}
	// Amount and period are unknown until the permission is read; the
	// activation batch backfills them.
	created, err := s.store.CreateSubscriptionWithOrder(ctx, sub, models.NewOrder{
		Type:  models.OrderTypeInitial,
		DueAt: timeutil.Now(),
	})
	if err != nil {
		return err
	}
	if !created.Created {
		return domain.ErrSubscriptionExists
	}

	status, err := s.checkPermission(ctx, req.SubscriptionID)
	if err != nil {
		if markErr := s.store.MarkSubscriptionIncomplete(ctx, req.SubscriptionID, created.OrderID, string(domain.GetErrorCode(err)), err.Error()); markErr != nil {
			logger.Error("failed to mark subscription incomplete", zap.Error(markErr))
		}
		return err
	}

	s.emit(ctx, logger, accountID, models.EventData{
		Subscription: webhook.SubscriptionData(req.SubscriptionID, models.SubStatusProcessing,
			status.RecurringCharge.String(), *status.PeriodInSeconds),
	})

	logger.Info("subscription registered, activating in background",
		zap.Int64("order_id", created.OrderID))

	charge := func() {
		chargeCtx, cancel := context.WithTimeout(context.Background(), chargeTimeout)
		defer cancel()
		s.activate(chargeCtx, logger, accountID, sub, created, status)
	}
	if !s.tracker.Go("activation_charge", charge) {
		// Draining for shutdown: finish inline so the registration is not
		// left in Processing with no charge ever attempted.
		charge()
	}
	return nil
}

// checkPermission reads the onchain permission and verifies it is usable:
// subscribed, granted to this engine, and carrying a full billing
// configuration.
func (s *Service) checkPermission(ctx context.Context, subscriptionID string) (*ports.PermissionStatus, error) {
	status, err := s.provider.GetStatus(ctx, subscriptionID)
	if err != nil {
		return nil, domain.WrapError(domain.ErrorCodeUpstreamService, "permission lookup failed", err)
	}
	if !status.IsSubscribed {
		return nil, domain.NewDomainError(domain.ErrorCodeSubscriptionInactive, "spend permission is not active onchain")
	}
	if status.SubscriptionOwner != s.spenderAddress {
		return nil, domain.NewDomainError(domain.ErrorCodeForbidden, "spend permission is granted to a different spender")
	}
	if status.RemainingChargeInPeriod == nil || status.CurrentPeriodStart == nil ||
		status.NextPeriodStart == nil || status.PeriodInSeconds == nil ||
		status.RecurringCharge.IsZero() {
		return nil, domain.NewDomainError(domain.ErrorCodeInvalidConfiguration, "spend permission is missing charge or period configuration")
	}
	return status, nil
}

// activate performs the first charge and settles it, or records the
// subscription incomplete. Runs detached from the registration request.
func (s *Service) activate(ctx context.Context, logger *zap.Logger, accountID string, sub *models.Subscription, created *ports.CreateSubscriptionResult, status *ports.PermissionStatus) {
	amount := *status.RemainingChargeInPeriod
	if amount.IsZero() {
		// Nothing left to collect this period; charge the recurring price.
		amount = status.RecurringCharge
	}

	result, chargeErr := s.provider.Charge(ctx, sub.ID, amount, sub.BeneficiaryAddress)
	if chargeErr != nil {
		s.failActivation(ctx, logger, accountID, sub, created, amount, chargeErr)
		return
	}
	observability.ChargesTotal.WithLabelValues(string(models.OrderTypeInitial), "success").Inc()

	paid := models.NewOrder{
		Type:          models.OrderTypeInitial,
		DueAt:         timeutil.ToUTC(*status.CurrentPeriodStart),
		Amount:        amount,
		PeriodSeconds: *status.PeriodInSeconds,
	}
	next := models.NewOrder{
		Type:          models.OrderTypeRecurring,
		DueAt:         timeutil.ToUTC(*status.NextPeriodStart),
		Amount:        status.RecurringCharge,
		PeriodSeconds: *status.PeriodInSeconds,
	}

	nextID, err := s.store.ExecuteSubscriptionActivation(ctx, sub.ID, created.OrderID, result.TransactionHash, paid, next)
	if err != nil {
		// The charge settled onchain but the store write failed. The raw
		// transaction is logged for manual reconciliation.
		logger.Error("activation settlement failed after successful charge",
			zap.String("transaction_hash", result.TransactionHash), zap.Error(err))
		return
	}

	if err := s.scheduler.Set(ctx, nextID, next.DueAt, sub.Provider, false); err != nil {
		logger.Error("failed to arm timer for first recurring order",
			zap.Int64("next_order_id", nextID), zap.Error(err))
	}

	logger.Info("subscription activated",
		zap.String("transaction_hash", result.TransactionHash),
		zap.Int64("next_order_id", nextID),
	)

	paidOrder := models.Order{
		OrderNumber:   created.OrderNumber,
		Type:          models.OrderTypeInitial,
		DueAt:         paid.DueAt,
		Amount:        amount,
		PeriodSeconds: paid.PeriodSeconds,
	}
	eventOrder, eventTx := webhook.PaidOrderData(&paidOrder, result.TransactionHash)
	s.emit(ctx, logger, accountID, models.EventData{
		Subscription: webhook.SubscriptionData(sub.ID, models.SubStatusActive, status.RecurringCharge.String(), *status.PeriodInSeconds),
		Order:        &eventOrder,
		Transaction:  &eventTx,
	})
}

func (s *Service) failActivation(ctx context.Context, logger *zap.Logger, accountID string, sub *models.Subscription, created *ports.CreateSubscriptionResult, amount decimal.Decimal, chargeErr error) {
	res := classifier.Classify(chargeErr)
	observability.ChargesTotal.WithLabelValues(string(models.OrderTypeInitial), res.Kind.String()).Inc()
	logger.Warn("activation charge failed",
		zap.String("code", string(res.Code)),
		zap.Error(chargeErr),
	)

	if err := s.store.MarkSubscriptionIncomplete(ctx, sub.ID, created.OrderID, string(res.Code), chargeErr.Error()); err != nil {
		logger.Error("failed to mark subscription incomplete", zap.Error(err))
	}

	failedOrder := models.Order{
		OrderNumber: created.OrderNumber,
		Type:        models.OrderTypeInitial,
		Amount:      amount,
	}
	eventOrder := webhook.FailedOrderData(&failedOrder, nil)
	s.emit(ctx, logger, accountID, models.EventData{
		Subscription: webhook.SubscriptionData(sub.ID, models.SubStatusIncomplete, amount.String(), 0),
		Order:        &eventOrder,
		Error:        webhook.ErrorData(string(res.Code), classifier.ExposableMessage(res, chargeErr)),
	})
}

// Cancel terminates a subscription: no further charges, pending orders
// failed, timers dropped. In-flight charges observe the canceled status on
// return and ack as stale.
func (s *Service) Cancel(ctx context.Context, accountID, subscriptionID string) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	// Not revealing other accounts' subscriptions.
	if sub.AccountID != accountID {
		return nil, domain.ErrSubscriptionNotFound
	}

	logger := s.logger.With(
		zap.String("subscription_id", subscriptionID),
		zap.String("account_id", accountID),
	)

	if err := s.store.CancelSubscription(ctx, subscriptionID); err != nil {
		return nil, err
	}
	canceled, err := s.store.CancelPendingOrders(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	for _, orderID := range canceled {
		if err := s.scheduler.Delete(ctx, orderID); err != nil {
			logger.Warn("failed to drop timer for canceled order",
				zap.Int64("order_id", orderID), zap.Error(err))
		}
	}

	observability.SubscriptionsCanceled.WithLabelValues(string(domain.ErrorCodeCanceled)).Inc()
	logger.Info("subscription canceled", zap.Int("orders_canceled", len(canceled)))

	sub.Status = models.SubStatusCanceled
	sub.ModifiedAt = timeutil.Now()

	s.emit(ctx, logger, accountID, models.EventData{
		Subscription: webhook.SubscriptionData(subscriptionID, models.SubStatusCanceled, "", 0),
	})
	return sub, nil
}

// Get returns a subscription owned by the account.
func (s *Service) Get(ctx context.Context, accountID, subscriptionID string) (*models.Subscription, error) {
	sub, err := s.store.GetSubscription(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.AccountID != accountID {
		return nil, domain.ErrSubscriptionNotFound
	}
	return sub, nil
}

// ListOrders returns the order history of a subscription owned by the
// account, newest first.
func (s *Service) ListOrders(ctx context.Context, accountID, subscriptionID string) ([]*models.Order, error) {
	if _, err := s.Get(ctx, accountID, subscriptionID); err != nil {
		return nil, err
	}
	return s.store.ListOrders(ctx, subscriptionID)
}

// emit fires a webhook without letting delivery problems disturb the
// registration flow.
func (s *Service) emit(ctx context.Context, logger *zap.Logger, accountID string, data models.EventData) {
	if err := s.emitter.Emit(ctx, accountID, data); err != nil {
		logger.Error("webhook emission failed", zap.Error(err))
	}
}
