package models

import (
	"regexp"
	"time"
)

// SubscriptionStatus represents the current state of a subscription
type SubscriptionStatus string

const (
	// SubStatusProcessing - registered, first charge not yet settled
	SubStatusProcessing SubscriptionStatus = "processing"
	// SubStatusActive - billing normally
	SubStatusActive SubscriptionStatus = "active"
	// SubStatusPastDue - a recoverable payment failure is in dunning
	SubStatusPastDue SubscriptionStatus = "past_due"
	// SubStatusUnpaid - dunning exhausted, no further charges attempted
	SubStatusUnpaid SubscriptionStatus = "unpaid"
	// SubStatusIncomplete - activation charge failed, merchant must re-register
	SubStatusIncomplete SubscriptionStatus = "incomplete"
	// SubStatusCanceled - revoked, expired or explicitly canceled
	SubStatusCanceled SubscriptionStatus = "canceled"
)

// BillingTerminal reports whether the engine will never attempt another
// charge for a subscription in this status.
func (s SubscriptionStatus) BillingTerminal() bool {
	return s == SubStatusCanceled || s == SubStatusUnpaid || s == SubStatusIncomplete
}

// Subscription is a registered onchain spending permission the engine
// charges against on a recurring cadence. The ID is the 32-byte permission
// hash assigned by the provider.
type Subscription struct {
	ID                 string
	AccountID          string
	BeneficiaryAddress string
	Provider           string
	Testnet            bool
	Status             SubscriptionStatus
	CreatedAt          time.Time
	ModifiedAt         time.Time
}

var subscriptionIDPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// ValidSubscriptionID reports whether id is a 0x-prefixed 32-byte hex hash.
func ValidSubscriptionID(id string) bool {
	return subscriptionIDPattern.MatchString(id)
}
