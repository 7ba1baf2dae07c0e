package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// Webhook header names. Signature and timestamp travel in AMQP headers so
// the payload body stays byte-identical across redeliveries.
const (
	HeaderAccountID = "x-account-id"
	HeaderURL       = "x-url"
	HeaderSignature = "x-signature"
	HeaderTimestamp = "x-timestamp"
	HeaderRetries   = "x-retry-count"
)

// Publisher publishes charge tasks and webhook deliveries. A single AMQP
// channel is guarded by a mutex; channels are not concurrency-safe.
type Publisher struct {
	mu     sync.Mutex
	ch     *amqp.Channel
	logger *zap.Logger
}

var (
	_ ports.ChargePublisher  = (*Publisher)(nil)
	_ ports.WebhookPublisher = (*Publisher)(nil)
)

// NewPublisher creates a publisher on its own channel.
func NewPublisher(b *Broker, logger *zap.Logger) (*Publisher, error) {
	ch, err := b.Channel()
	if err != nil {
		return nil, err
	}
	return &Publisher{ch: ch, logger: logger}, nil
}

// PublishCharge enqueues a charge task onto the charge queue.
func (p *Publisher) PublishCharge(ctx context.Context, task ports.ChargeTask) error {
	body, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal charge task: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	err = p.ch.PublishWithContext(ctx,
		Exchange,
		ChargeQueue,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish charge task: %w", err)
	}

	p.logger.Debug("published charge task",
		zap.Int64("order_id", task.OrderID),
		zap.Bool("is_retry", task.IsRetry),
	)
	return nil
}

// PublishWebhook enqueues a signed webhook delivery. The payload is the
// message body; url, signature and timestamp ride in headers so delivery
// retries resend exactly the signed bytes.
func (p *Publisher) PublishWebhook(ctx context.Context, task ports.WebhookTask) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	err := p.ch.PublishWithContext(ctx,
		Exchange,
		WebhookQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers: amqp.Table{
				HeaderAccountID: task.AccountID,
				HeaderURL:       task.URL,
				HeaderSignature: task.Signature,
				HeaderTimestamp: task.Timestamp,
			},
			Body: task.Payload,
		},
	)
	if err != nil {
		return fmt.Errorf("publish webhook task: %w", err)
	}

	p.logger.Debug("published webhook task",
		zap.String("account_id", task.AccountID),
	)
	return nil
}

// Close releases the publisher's channel.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ch.Close()
}
