package rabbitmq

import (
	"context"
	"fmt"
	"strconv"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/pkg/observability"
)

// retryOrDead implements broker-level redelivery with backoff. The attempt
// count rides in the x-retry-count header. Messages below the attempt cap
// are republished to the wait queue with a per-message TTL, from where
// they expire back onto the work queue; at the cap they are rejected so
// the queue's dead-letter config routes them to the DLQ. The original
// message is acked after the republish so it is never processed twice.
func (c *Consumer) retryOrDead(ctx context.Context, d amqp.Delivery) error {
	attempt := retryCount(d.Headers)

	if attempt+1 >= c.config.MaxAttempts {
		c.logger.Error("message exhausted retries, dead-lettering",
			zap.String("queue", c.config.Queue),
			zap.Int("attempts", attempt+1),
		)
		if c.config.Queue == WebhookQueue {
			observability.WebhookDeadLettered.Inc()
		}
		return d.Nack(false, false)
	}

	delay := c.config.Backoff.NextDelay(attempt)

	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderRetries] = int32(attempt + 1)

	err := c.ch.PublishWithContext(ctx,
		Exchange,
		c.config.WaitQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  d.ContentType,
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Expiration:   strconv.FormatInt(delay.Milliseconds(), 10),
			Body:         d.Body,
		},
	)
	if err != nil {
		return fmt.Errorf("republish to wait queue: %w", err)
	}

	c.logger.Info("message scheduled for redelivery",
		zap.String("queue", c.config.Queue),
		zap.Int("attempt", attempt+1),
		zap.Duration("delay", delay),
	)

	return d.Ack(false)
}

func retryCount(headers amqp.Table) int {
	raw, ok := headers[HeaderRetries]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
