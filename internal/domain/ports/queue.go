package ports

import "context"

// ChargeTask is the charge-queue message. IsRetry marks a dunning retry of
// an order already in failed status, so the processor's staleness guard
// lets it through.
type ChargeTask struct {
	OrderID  int64  `json:"order_id"`
	Provider string `json:"provider"`
	IsRetry  bool   `json:"is_retry,omitempty"`
}

// WebhookTask is the webhook-queue message. Payload is the canonical event
// bytes; Signature was computed once at emission and travels with the task
// so every delivery attempt sends identical bytes and headers.
type WebhookTask struct {
	AccountID string
	URL       string
	Payload   []byte
	Signature string
	Timestamp int64
}

// ChargePublisher enqueues charge tasks.
type ChargePublisher interface {
	PublishCharge(ctx context.Context, task ChargeTask) error
}

// WebhookPublisher enqueues signed webhook deliveries.
type WebhookPublisher interface {
	PublishWebhook(ctx context.Context, task WebhookTask) error
}
