package models

import "time"

// Webhook event types. A single envelope type carries every lifecycle
// transition; consumers branch on the embedded statuses.
const (
	EventTypeSubscriptionUpdated = "subscription.updated"
)

// WebhookEndpoint is an account's registered delivery target. The secret
// signs every payload; rotating it only affects events emitted afterwards.
type WebhookEndpoint struct {
	AccountID  string
	URL        string
	Secret     string
	Active     bool
	CreatedAt  time.Time
	ModifiedAt time.Time
}

// Event is the webhook envelope. ID is a UUID assigned at emission and
// stable across delivery retries.
type Event struct {
	ID        string    `json:"id"`
	Type      string    `json:"type"`
	CreatedAt int64     `json:"created_at"`
	Data      EventData `json:"data"`
}

// EventData carries the subscription snapshot plus whichever of order,
// transaction and error apply to the transition.
type EventData struct {
	Subscription EventSubscription `json:"subscription"`
	Order        *EventOrder       `json:"order,omitempty"`
	Transaction  *EventTransaction `json:"transaction,omitempty"`
	Error        *EventError       `json:"error,omitempty"`
}

type EventSubscription struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Amount          string `json:"amount,omitempty"`
	PeriodInSeconds int64  `json:"period_in_seconds,omitempty"`
}

type EventOrder struct {
	Number             int    `json:"number"`
	Type               string `json:"type"`
	Amount             string `json:"amount"`
	Status             string `json:"status"`
	CurrentPeriodStart *int64 `json:"current_period_start,omitempty"`
	CurrentPeriodEnd   *int64 `json:"current_period_end,omitempty"`
	NextRetryAt        *int64 `json:"next_retry_at,omitempty"`
}

type EventTransaction struct {
	Hash        string `json:"hash"`
	Amount      string `json:"amount"`
	ProcessedAt int64  `json:"processed_at"`
}

type EventError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
