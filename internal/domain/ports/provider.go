package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// ChargeResult is the outcome of a successful onchain pull payment.
type ChargeResult struct {
	TransactionHash string
	Success         bool
}

// PermissionStatus is the provider's view of a spend permission.
//
// The indexer returns a discriminated shape: when the permission does not
// exist onchain only IsSubscribed=false and RecurringCharge=0 are present
// and PermissionExists is false. A revoked permission still exists, so the
// engine can tell "not found" from "revoked". Pointer fields are nil when
// the provider omitted them.
type PermissionStatus struct {
	IsSubscribed            bool
	SubscriptionOwner       string
	RemainingChargeInPeriod *decimal.Decimal
	CurrentPeriodStart      *time.Time
	NextPeriodStart         *time.Time
	RecurringCharge         decimal.Decimal
	PeriodInSeconds         *int64
	PermissionExists        bool
}

// OnchainProvider is the uniform capability over the external payment
// provider. Errors are surfaced as opaque messages; translating them into
// the billing taxonomy is the classifier's job.
type OnchainProvider interface {
	// Charge pulls amount from the permission to the recipient address.
	Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*ChargeResult, error)

	// GetStatus fetches the permission's current onchain state.
	GetStatus(ctx context.Context, subscriptionID string) (*PermissionStatus, error)
}
