package ports

import (
	"context"
	"time"

	"github.com/kevin07696/billing-engine/internal/domain/models"
)

// CreateSubscriptionResult reports whether the registration batch inserted
// anything; Created=false means the subscription id already existed.
type CreateSubscriptionResult struct {
	Created     bool
	OrderID     int64
	OrderNumber int
}

// SubscriptionStore is the durable state for subscriptions and orders.
//
// Every multi-row operation executes as a single transaction: either all
// writes commit or none do. The claim operations are single-statement
// UPDATE ... WHERE id IN (SELECT ...) RETURNING so two concurrent claimers
// can never obtain the same order.
type SubscriptionStore interface {
	// CreateSubscriptionWithOrder inserts the subscription (status
	// processing) and its initial order (order number 1, status processing)
	// atomically. Returns Created=false on a duplicate subscription id.
	CreateSubscriptionWithOrder(ctx context.Context, sub *models.Subscription, initial models.NewOrder) (*CreateSubscriptionResult, error)

	SubscriptionExists(ctx context.Context, id string) (bool, error)
	GetSubscription(ctx context.Context, id string) (*models.Subscription, error)
	GetOrderDetails(ctx context.Context, orderID int64) (*models.OrderDetails, error)
	ListOrders(ctx context.Context, subscriptionID string) ([]*models.Order, error)

	// ExecuteSubscriptionActivation settles the activation charge in one
	// batch: order paid with txHash (amount and period backfilled), next
	// recurring order inserted as pending, subscription active. Returns the
	// id of the next order.
	ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, paid models.NewOrder, next models.NewOrder) (int64, error)

	// RecordRecurringSuccess settles a recurring charge in one batch: order
	// paid with txHash, subscription active (reactivating from past_due),
	// next recurring order inserted when next is non-nil. Returns the id of
	// the next order, or 0 when none was created.
	RecordRecurringSuccess(ctx context.Context, subscriptionID string, orderID int64, txHash string, next *models.NewOrder) (int64, error)

	// MarkSubscriptionIncomplete records an activation failure: subscription
	// incomplete, order failed with the mapped reason.
	MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason, rawError string) error

	// UpdateOrder sets order status and failure details; returns the order
	// number for webhook payloads.
	UpdateOrder(ctx context.Context, orderID int64, status models.OrderStatus, failureReason, rawError, txHash string) (int, error)

	UpdateSubscription(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error

	// MarkOrderProcessing idempotently transitions an order to processing.
	MarkOrderProcessing(ctx context.Context, orderID int64) error

	// CreateOrder inserts a pending order with the next order number.
	CreateOrder(ctx context.Context, subscriptionID string, next models.NewOrder) (int64, error)

	// ScheduleRetry records a dunning step in one batch: attempts+1, order
	// failed with next_retry_at set, subscription past_due.
	ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason, rawError string) error

	// ExhaustRetries records the final dunning failure in one batch:
	// attempts+1, next_retry_at cleared, order failed, subscription unpaid.
	ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, reason, rawError string) error

	// ReactivateSubscription clears the order's retry deadline and returns
	// the subscription to active, in one batch.
	ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error

	CancelSubscription(ctx context.Context, subscriptionID string) error

	// CancelPendingOrders fails all pending orders of a subscription with
	// reason "canceled" and returns their ids so the scheduler can drop
	// their timers.
	CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error)

	// ClaimDueOrders atomically selects up to limit pending orders due at or
	// before asOf on active subscriptions and moves them to processing.
	ClaimDueOrders(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error)

	// ClaimDueRetries is the dunning counterpart: failed orders on past_due
	// subscriptions whose next_retry_at has passed.
	ClaimDueRetries(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error)

	// GetSuccessfulTransaction returns the recorded transaction hash for an
	// order, or "" if it has never been paid. The processor consults this
	// before charging so a redelivered message cannot double-charge.
	GetSuccessfulTransaction(ctx context.Context, orderID int64) (string, error)
}

// WebhookStore persists per-account webhook endpoints.
type WebhookStore interface {
	UpsertWebhookEndpoint(ctx context.Context, accountID, url, secret string) error
	GetWebhookEndpoint(ctx context.Context, accountID string) (*models.WebhookEndpoint, error)
	DisableWebhookEndpoint(ctx context.Context, accountID string) error
}

// AccountStore resolves API credentials to account ids. Account CRUD itself
// lives outside the engine.
type AccountStore interface {
	GetAccountIDByAPIKeyHash(ctx context.Context, keyHash string) (string, error)
}
