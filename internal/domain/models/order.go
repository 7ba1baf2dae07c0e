package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderType distinguishes the activation charge from recurring cycles
type OrderType string

const (
	OrderTypeInitial   OrderType = "initial"
	OrderTypeRecurring OrderType = "recurring"
)

// OrderStatus represents the charge lifecycle of an order
type OrderStatus string

const (
	// OrderStatusPending - scheduled, not yet picked up
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing - a charge attempt is in flight
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusPaid - settled onchain
	OrderStatusPaid OrderStatus = "paid"
	// OrderStatusFailed - last attempt failed; may still be retried by dunning
	OrderStatusFailed OrderStatus = "failed"
)

// Order is one billing cycle of a subscription. Order numbers are
// sequential per subscription with no gaps.
type Order struct {
	ID              int64
	SubscriptionID  string
	OrderNumber     int
	Type            OrderType
	DueAt           time.Time
	Amount          decimal.Decimal
	PeriodSeconds   int64
	Status          OrderStatus
	Attempts        int
	NextRetryAt     *time.Time
	FailureReason   string
	RawError        string
	TransactionHash string
	CreatedAt       time.Time
}

// CurrentPeriod returns the billing window this order pays for: it starts
// at the order's due time and runs one period.
func (o *Order) CurrentPeriod() (time.Time, time.Time) {
	start := o.DueAt
	end := start.Add(time.Duration(o.PeriodSeconds) * time.Second)
	return start, end
}

// NewOrder carries the fields needed to insert the next order of a
// subscription; the store assigns id and order number.
type NewOrder struct {
	Type          OrderType
	DueAt         time.Time
	Amount        decimal.Decimal
	PeriodSeconds int64
}

// DueOrder is a claimed order ready to be enqueued for charging.
type DueOrder struct {
	OrderID        int64
	SubscriptionID string
	Provider       string
	Amount         decimal.Decimal
	Attempts       int
	Testnet        bool
	IsRetry        bool
}

// OrderDetails joins an order with the subscription fields the payment
// processor needs for a charge attempt.
type OrderDetails struct {
	Order
	AccountID          string
	BeneficiaryAddress string
	Provider           string
	Testnet            bool
	SubscriptionStatus SubscriptionStatus
}
