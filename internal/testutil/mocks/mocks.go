// Package mocks provides testify mocks for the domain ports, shared by the
// service test suites.
package mocks

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/mock"

	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// SubscriptionStore mocks ports.SubscriptionStore
type SubscriptionStore struct {
	mock.Mock
}

func (m *SubscriptionStore) CreateSubscriptionWithOrder(ctx context.Context, sub *models.Subscription, initial models.NewOrder) (*ports.CreateSubscriptionResult, error) {
	args := m.Called(ctx, sub, initial)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.CreateSubscriptionResult), args.Error(1)
}

func (m *SubscriptionStore) SubscriptionExists(ctx context.Context, id string) (bool, error) {
	args := m.Called(ctx, id)
	return args.Bool(0), args.Error(1)
}

func (m *SubscriptionStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Subscription), args.Error(1)
}

func (m *SubscriptionStore) GetOrderDetails(ctx context.Context, orderID int64) (*models.OrderDetails, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.OrderDetails), args.Error(1)
}

func (m *SubscriptionStore) ListOrders(ctx context.Context, subscriptionID string) ([]*models.Order, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*models.Order), args.Error(1)
}

func (m *SubscriptionStore) ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, paid models.NewOrder, next models.NewOrder) (int64, error) {
	args := m.Called(ctx, subscriptionID, orderID, txHash, paid, next)
	return args.Get(0).(int64), args.Error(1)
}

func (m *SubscriptionStore) RecordRecurringSuccess(ctx context.Context, subscriptionID string, orderID int64, txHash string, next *models.NewOrder) (int64, error) {
	args := m.Called(ctx, subscriptionID, orderID, txHash, next)
	return args.Get(0).(int64), args.Error(1)
}

func (m *SubscriptionStore) MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason, rawError string) error {
	args := m.Called(ctx, subscriptionID, orderID, reason, rawError)
	return args.Error(0)
}

func (m *SubscriptionStore) UpdateOrder(ctx context.Context, orderID int64, status models.OrderStatus, failureReason, rawError, txHash string) (int, error) {
	args := m.Called(ctx, orderID, status, failureReason, rawError, txHash)
	return args.Int(0), args.Error(1)
}

func (m *SubscriptionStore) UpdateSubscription(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error {
	args := m.Called(ctx, subscriptionID, status)
	return args.Error(0)
}

func (m *SubscriptionStore) MarkOrderProcessing(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *SubscriptionStore) CreateOrder(ctx context.Context, subscriptionID string, next models.NewOrder) (int64, error) {
	args := m.Called(ctx, subscriptionID, next)
	return args.Get(0).(int64), args.Error(1)
}

func (m *SubscriptionStore) ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason, rawError string) error {
	args := m.Called(ctx, orderID, subscriptionID, nextRetryAt, reason, rawError)
	return args.Error(0)
}

func (m *SubscriptionStore) ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, reason, rawError string) error {
	args := m.Called(ctx, orderID, subscriptionID, reason, rawError)
	return args.Error(0)
}

func (m *SubscriptionStore) ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error {
	args := m.Called(ctx, orderID, subscriptionID)
	return args.Error(0)
}

func (m *SubscriptionStore) CancelSubscription(ctx context.Context, subscriptionID string) error {
	args := m.Called(ctx, subscriptionID)
	return args.Error(0)
}

func (m *SubscriptionStore) CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]int64), args.Error(1)
}

func (m *SubscriptionStore) ClaimDueOrders(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DueOrder), args.Error(1)
}

func (m *SubscriptionStore) ClaimDueRetries(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.DueOrder), args.Error(1)
}

func (m *SubscriptionStore) GetSuccessfulTransaction(ctx context.Context, orderID int64) (string, error) {
	args := m.Called(ctx, orderID)
	return args.String(0), args.Error(1)
}

// TimerStore mocks ports.TimerStore
type TimerStore struct {
	mock.Mock
}

func (m *TimerStore) UpsertTimer(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) (int, error) {
	args := m.Called(ctx, orderID, dueAt, provider, isRetry)
	return args.Int(0), args.Error(1)
}

func (m *TimerStore) GetTimer(ctx context.Context, orderID int64) (*ports.TimerRecord, error) {
	args := m.Called(ctx, orderID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.TimerRecord), args.Error(1)
}

func (m *TimerStore) MarkTimerProcessed(ctx context.Context, orderID int64, generation int) (bool, error) {
	args := m.Called(ctx, orderID, generation)
	return args.Bool(0), args.Error(1)
}

func (m *TimerStore) MarkTimerFailed(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *TimerStore) DeleteTimer(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

func (m *TimerStore) ListPendingTimers(ctx context.Context) ([]ports.TimerRecord, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ports.TimerRecord), args.Error(1)
}

// ChargePublisher mocks ports.ChargePublisher
type ChargePublisher struct {
	mock.Mock
}

func (m *ChargePublisher) PublishCharge(ctx context.Context, task ports.ChargeTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

// WebhookPublisher mocks ports.WebhookPublisher
type WebhookPublisher struct {
	mock.Mock
}

func (m *WebhookPublisher) PublishWebhook(ctx context.Context, task ports.WebhookTask) error {
	args := m.Called(ctx, task)
	return args.Error(0)
}

// OnchainProvider mocks ports.OnchainProvider
type OnchainProvider struct {
	mock.Mock
}

func (m *OnchainProvider) Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*ports.ChargeResult, error) {
	args := m.Called(ctx, subscriptionID, amount, recipient)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.ChargeResult), args.Error(1)
}

func (m *OnchainProvider) GetStatus(ctx context.Context, subscriptionID string) (*ports.PermissionStatus, error) {
	args := m.Called(ctx, subscriptionID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ports.PermissionStatus), args.Error(1)
}

// OrderScheduler mocks ports.OrderScheduler
type OrderScheduler struct {
	mock.Mock
}

func (m *OrderScheduler) Set(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error {
	args := m.Called(ctx, orderID, dueAt, provider, isRetry)
	return args.Error(0)
}

func (m *OrderScheduler) Update(ctx context.Context, orderID int64, dueAt time.Time, provider string, isRetry bool) error {
	args := m.Called(ctx, orderID, dueAt, provider, isRetry)
	return args.Error(0)
}

func (m *OrderScheduler) Delete(ctx context.Context, orderID int64) error {
	args := m.Called(ctx, orderID)
	return args.Error(0)
}

// WebhookStore mocks ports.WebhookStore
type WebhookStore struct {
	mock.Mock
}

func (m *WebhookStore) UpsertWebhookEndpoint(ctx context.Context, accountID, url, secret string) error {
	args := m.Called(ctx, accountID, url, secret)
	return args.Error(0)
}

func (m *WebhookStore) GetWebhookEndpoint(ctx context.Context, accountID string) (*models.WebhookEndpoint, error) {
	args := m.Called(ctx, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.WebhookEndpoint), args.Error(1)
}

func (m *WebhookStore) DisableWebhookEndpoint(ctx context.Context, accountID string) error {
	args := m.Called(ctx, accountID)
	return args.Error(0)
}

// AccountStore mocks ports.AccountStore
type AccountStore struct {
	mock.Mock
}

func (m *AccountStore) GetAccountIDByAPIKeyHash(ctx context.Context, keyHash string) (string, error) {
	args := m.Called(ctx, keyHash)
	return args.String(0), args.Error(1)
}
