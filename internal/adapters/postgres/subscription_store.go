package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/database"
	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// SubscriptionStore implements ports.SubscriptionStore on PostgreSQL.
//
// Multi-row writes run inside a single transaction via the database
// adapter; claim operations use FOR UPDATE SKIP LOCKED so concurrent
// sweepers never hand the same order to two workers.
type SubscriptionStore struct {
	db     *database.PostgreSQLAdapter
	logger *zap.Logger
}

var _ ports.SubscriptionStore = (*SubscriptionStore)(nil)

// NewSubscriptionStore creates a PostgreSQL-backed subscription store.
func NewSubscriptionStore(db *database.PostgreSQLAdapter, logger *zap.Logger) *SubscriptionStore {
	return &SubscriptionStore{db: db, logger: logger}
}

const orderColumns = `id, subscription_id, order_number, type, due_at, amount,
	period_seconds, status, attempts, next_retry_at, failure_reason,
	raw_error, transaction_hash, created_at`

func scanOrder(row pgx.Row, o *models.Order) error {
	return row.Scan(
		&o.ID, &o.SubscriptionID, &o.OrderNumber, &o.Type, &o.DueAt,
		&o.Amount, &o.PeriodSeconds, &o.Status, &o.Attempts, &o.NextRetryAt,
		&o.FailureReason, &o.RawError, &o.TransactionHash, &o.CreatedAt,
	)
}

// CreateSubscriptionWithOrder inserts the subscription and its initial
// order atomically. The subscription starts in processing and the order is
// number 1, also processing, because the activation charge is dispatched
// immediately rather than scheduled.
func (s *SubscriptionStore) CreateSubscriptionWithOrder(ctx context.Context, sub *models.Subscription, initial models.NewOrder) (*ports.CreateSubscriptionResult, error) {
	result := &ports.CreateSubscriptionResult{}

	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO subscriptions (id, account_id, beneficiary_address, provider, testnet, status)
			VALUES ($1, $2, $3, $4, $5, $6)
			ON CONFLICT (id) DO NOTHING`,
			sub.ID, sub.AccountID, sub.BeneficiaryAddress, sub.Provider, sub.Testnet, models.SubStatusProcessing,
		)
		if err != nil {
			return fmt.Errorf("insert subscription: %w", err)
		}
		if tag.RowsAffected() == 0 {
			result.Created = false
			return nil
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO orders (subscription_id, order_number, type, due_at, amount, period_seconds, status)
			VALUES ($1, 1, $2, $3, $4, $5, $6)
			RETURNING id`,
			sub.ID, initial.Type, initial.DueAt, initial.Amount, initial.PeriodSeconds, models.OrderStatusProcessing,
		).Scan(&result.OrderID)
		if err != nil {
			return fmt.Errorf("insert initial order: %w", err)
		}

		result.Created = true
		result.OrderNumber = 1
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SubscriptionStore) SubscriptionExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM subscriptions WHERE id = $1)`, id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subscription exists: %w", err)
	}
	return exists, nil
}

func (s *SubscriptionStore) GetSubscription(ctx context.Context, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := s.db.Pool().QueryRow(ctx, `
		SELECT id, account_id, beneficiary_address, provider, testnet, status, created_at, modified_at
		FROM subscriptions WHERE id = $1`, id,
	).Scan(
		&sub.ID, &sub.AccountID, &sub.BeneficiaryAddress, &sub.Provider,
		&sub.Testnet, &sub.Status, &sub.CreatedAt, &sub.ModifiedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrSubscriptionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get subscription: %w", err)
	}
	return &sub, nil
}

func (s *SubscriptionStore) GetOrderDetails(ctx context.Context, orderID int64) (*models.OrderDetails, error) {
	var d models.OrderDetails
	err := s.db.Pool().QueryRow(ctx, `
		SELECT o.id, o.subscription_id, o.order_number, o.type, o.due_at, o.amount,
			o.period_seconds, o.status, o.attempts, o.next_retry_at, o.failure_reason,
			o.raw_error, o.transaction_hash, o.created_at,
			s.account_id, s.beneficiary_address, s.provider, s.testnet, s.status
		FROM orders o
		JOIN subscriptions s ON s.id = o.subscription_id
		WHERE o.id = $1`, orderID,
	).Scan(
		&d.ID, &d.SubscriptionID, &d.OrderNumber, &d.Type, &d.DueAt, &d.Amount,
		&d.PeriodSeconds, &d.Status, &d.Attempts, &d.NextRetryAt, &d.FailureReason,
		&d.RawError, &d.TransactionHash, &d.CreatedAt,
		&d.AccountID, &d.BeneficiaryAddress, &d.Provider, &d.Testnet, &d.SubscriptionStatus,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrOrderNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get order details: %w", err)
	}
	return &d, nil
}

func (s *SubscriptionStore) ListOrders(ctx context.Context, subscriptionID string) ([]*models.Order, error) {
	rows, err := s.db.Pool().Query(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE subscription_id = $1 ORDER BY order_number`,
		subscriptionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	var orders []*models.Order
	for rows.Next() {
		var o models.Order
		if err := scanOrder(rows, &o); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, &o)
	}
	return orders, rows.Err()
}

// ExecuteSubscriptionActivation settles the activation charge: the initial
// order is marked paid with the provider's actual amount and period
// backfilled, the next recurring order is inserted, and the subscription
// becomes active. One transaction, so a crash never leaves a paid order
// without its successor.
func (s *SubscriptionStore) ExecuteSubscriptionActivation(ctx context.Context, subscriptionID string, orderID int64, txHash string, paid models.NewOrder, next models.NewOrder) (int64, error) {
	var nextID int64

	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, transaction_hash = $3, amount = $4, period_seconds = $5,
				due_at = $6, next_retry_at = NULL, failure_reason = '', raw_error = ''
			WHERE id = $1`,
			orderID, models.OrderStatusPaid, txHash, paid.Amount, paid.PeriodSeconds, paid.DueAt,
		)
		if err != nil {
			return fmt.Errorf("mark initial order paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOrderNotFound
		}

		nextID, err = insertNextOrder(ctx, tx, subscriptionID, next)
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusActive,
		)
		if err != nil {
			return fmt.Errorf("activate subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nextID, nil
}

// RecordRecurringSuccess settles a recurring charge: order paid,
// subscription back to active (covers past_due recovery), and the next
// order inserted when one is wanted.
func (s *SubscriptionStore) RecordRecurringSuccess(ctx context.Context, subscriptionID string, orderID int64, txHash string, next *models.NewOrder) (int64, error) {
	var nextID int64

	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, transaction_hash = $3, next_retry_at = NULL,
				failure_reason = '', raw_error = ''
			WHERE id = $1`,
			orderID, models.OrderStatusPaid, txHash,
		)
		if err != nil {
			return fmt.Errorf("mark order paid: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return domain.ErrOrderNotFound
		}

		if next != nil {
			nextID, err = insertNextOrder(ctx, tx, subscriptionID, *next)
			if err != nil {
				return err
			}
		}

		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusActive,
		)
		if err != nil {
			return fmt.Errorf("reactivate subscription: %w", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return nextID, nil
}

// insertNextOrder assigns order_number = max+1 inside the INSERT itself so
// concurrent settlements on the same subscription collide on the unique
// constraint instead of silently skipping a number.
func insertNextOrder(ctx context.Context, tx pgx.Tx, subscriptionID string, next models.NewOrder) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO orders (subscription_id, order_number, type, due_at, amount, period_seconds, status)
		SELECT $1, COALESCE(MAX(order_number), 0) + 1, $2, $3, $4, $5, $6
		FROM orders WHERE subscription_id = $1
		RETURNING id`,
		subscriptionID, next.Type, next.DueAt, next.Amount, next.PeriodSeconds, models.OrderStatusPending,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert next order: %w", err)
	}
	return id, nil
}

func (s *SubscriptionStore) MarkSubscriptionIncomplete(ctx context.Context, subscriptionID string, orderID int64, reason, rawError string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE orders SET status = $2, failure_reason = $3, raw_error = $4
			WHERE id = $1`,
			orderID, models.OrderStatusFailed, reason, rawError,
		)
		if err != nil {
			return fmt.Errorf("fail initial order: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusIncomplete,
		)
		if err != nil {
			return fmt.Errorf("mark subscription incomplete: %w", err)
		}
		return nil
	})
}

func (s *SubscriptionStore) UpdateOrder(ctx context.Context, orderID int64, status models.OrderStatus, failureReason, rawError, txHash string) (int, error) {
	var orderNumber int
	err := s.db.Pool().QueryRow(ctx, `
		UPDATE orders
		SET status = $2, failure_reason = $3, raw_error = $4,
			transaction_hash = CASE WHEN $5 <> '' THEN $5 ELSE transaction_hash END
		WHERE id = $1
		RETURNING order_number`,
		orderID, status, failureReason, rawError, txHash,
	).Scan(&orderNumber)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrOrderNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("update order: %w", err)
	}
	return orderNumber, nil
}

func (s *SubscriptionStore) UpdateSubscription(ctx context.Context, subscriptionID string, status models.SubscriptionStatus) error {
	tag, err := s.db.Pool().Exec(ctx,
		`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
		subscriptionID, status,
	)
	if err != nil {
		return fmt.Errorf("update subscription: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSubscriptionNotFound
	}
	return nil
}

func (s *SubscriptionStore) MarkOrderProcessing(ctx context.Context, orderID int64) error {
	_, err := s.db.Pool().Exec(ctx,
		`UPDATE orders SET status = $2 WHERE id = $1 AND status <> $3`,
		orderID, models.OrderStatusProcessing, models.OrderStatusPaid,
	)
	if err != nil {
		return fmt.Errorf("mark order processing: %w", err)
	}
	return nil
}

func (s *SubscriptionStore) CreateOrder(ctx context.Context, subscriptionID string, next models.NewOrder) (int64, error) {
	var id int64
	err := s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		var err error
		id, err = insertNextOrder(ctx, tx, subscriptionID, next)
		return err
	})
	return id, err
}

func (s *SubscriptionStore) ScheduleRetry(ctx context.Context, orderID int64, subscriptionID string, nextRetryAt time.Time, reason, rawError string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, attempts = attempts + 1, next_retry_at = $3,
				failure_reason = $4, raw_error = $5
			WHERE id = $1`,
			orderID, models.OrderStatusFailed, nextRetryAt, reason, rawError,
		)
		if err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusPastDue,
		)
		if err != nil {
			return fmt.Errorf("mark subscription past_due: %w", err)
		}
		return nil
	})
}

func (s *SubscriptionStore) ExhaustRetries(ctx context.Context, orderID int64, subscriptionID string, reason, rawError string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			UPDATE orders
			SET status = $2, attempts = attempts + 1, next_retry_at = NULL,
				failure_reason = $3, raw_error = $4
			WHERE id = $1`,
			orderID, models.OrderStatusFailed, reason, rawError,
		)
		if err != nil {
			return fmt.Errorf("exhaust retries: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusUnpaid,
		)
		if err != nil {
			return fmt.Errorf("mark subscription unpaid: %w", err)
		}
		return nil
	})
}

func (s *SubscriptionStore) ReactivateSubscription(ctx context.Context, orderID int64, subscriptionID string) error {
	return s.db.WithTx(ctx, func(ctx context.Context, tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`UPDATE orders SET next_retry_at = NULL WHERE id = $1`, orderID,
		)
		if err != nil {
			return fmt.Errorf("clear retry deadline: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE subscriptions SET status = $2, modified_at = now() WHERE id = $1`,
			subscriptionID, models.SubStatusActive,
		)
		if err != nil {
			return fmt.Errorf("reactivate subscription: %w", err)
		}
		return nil
	})
}

func (s *SubscriptionStore) CancelSubscription(ctx context.Context, subscriptionID string) error {
	return s.UpdateSubscription(ctx, subscriptionID, models.SubStatusCanceled)
}

// CancelPendingOrders fails every order that would otherwise charge in the
// future: pending orders and failed orders still waiting on a dunning
// retry. Returns their ids so the caller can drop scheduler timers.
func (s *SubscriptionStore) CancelPendingOrders(ctx context.Context, subscriptionID string) ([]int64, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE orders
		SET status = $2, failure_reason = $3, next_retry_at = NULL
		WHERE subscription_id = $1
			AND (status = $4 OR (status = $2 AND next_retry_at IS NOT NULL))
		RETURNING id`,
		subscriptionID, models.OrderStatusFailed, string(domain.ErrorCodeCanceled), models.OrderStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("cancel pending orders: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDueOrders moves up to limit due pending orders on active
// subscriptions to processing and returns them. SKIP LOCKED keeps
// concurrent sweep ticks from claiming the same rows.
func (s *SubscriptionStore) ClaimDueOrders(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE orders o
		SET status = $3
		FROM subscriptions s
		WHERE s.id = o.subscription_id
			AND o.id IN (
				SELECT o2.id FROM orders o2
				JOIN subscriptions s2 ON s2.id = o2.subscription_id
				WHERE o2.status = $4 AND o2.due_at <= $1 AND s2.status = $5
				ORDER BY o2.due_at
				LIMIT $2
				FOR UPDATE OF o2 SKIP LOCKED
			)
		RETURNING o.id, o.subscription_id, s.provider, o.amount, o.attempts, s.testnet`,
		asOf, limit, models.OrderStatusProcessing, models.OrderStatusPending, models.SubStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due orders: %w", err)
	}
	defer rows.Close()

	return scanDueOrders(rows, false)
}

// ClaimDueRetries is the dunning counterpart: failed orders on past_due
// subscriptions whose retry deadline has passed.
func (s *SubscriptionStore) ClaimDueRetries(ctx context.Context, asOf time.Time, limit int) ([]models.DueOrder, error) {
	rows, err := s.db.Pool().Query(ctx, `
		UPDATE orders o
		SET status = $3
		FROM subscriptions s
		WHERE s.id = o.subscription_id
			AND o.id IN (
				SELECT o2.id FROM orders o2
				JOIN subscriptions s2 ON s2.id = o2.subscription_id
				WHERE o2.status = $4 AND o2.next_retry_at IS NOT NULL
					AND o2.next_retry_at <= $1 AND s2.status = $5
				ORDER BY o2.next_retry_at
				LIMIT $2
				FOR UPDATE OF o2 SKIP LOCKED
			)
		RETURNING o.id, o.subscription_id, s.provider, o.amount, o.attempts, s.testnet`,
		asOf, limit, models.OrderStatusProcessing, models.OrderStatusFailed, models.SubStatusPastDue,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due retries: %w", err)
	}
	defer rows.Close()

	return scanDueOrders(rows, true)
}

func scanDueOrders(rows pgx.Rows, isRetry bool) ([]models.DueOrder, error) {
	var due []models.DueOrder
	for rows.Next() {
		var d models.DueOrder
		if err := rows.Scan(&d.OrderID, &d.SubscriptionID, &d.Provider, &d.Amount, &d.Attempts, &d.Testnet); err != nil {
			return nil, err
		}
		d.IsRetry = isRetry
		due = append(due, d)
	}
	return due, rows.Err()
}

// GetSuccessfulTransaction returns the recorded transaction hash when the
// order has already been paid, "" otherwise. Consulted before every charge
// so a redelivered task settles instead of double-charging.
func (s *SubscriptionStore) GetSuccessfulTransaction(ctx context.Context, orderID int64) (string, error) {
	var txHash string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT transaction_hash FROM orders WHERE id = $1 AND status = $2`,
		orderID, models.OrderStatusPaid,
	).Scan(&txHash)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get successful transaction: %w", err)
	}
	return txHash, nil
}
