// Package rabbitmq carries charge tasks and webhook deliveries between the
// scheduler, the payment processor, and the delivery workers.
//
// Topology: one direct exchange for work, one for dead letters. Each work
// queue has a companion wait queue whose messages expire back onto the
// work queue; publishing to the wait queue with a per-message TTL is how
// redelivery backoff is implemented without broker plugins.
package rabbitmq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	Exchange = "billing"
	DLX      = "billing.dlx"

	ChargeQueue     = "billing.charge"
	ChargeWaitQueue = "billing.charge.wait"
	ChargeDLQ       = "billing.charge.dlq"

	WebhookQueue     = "billing.webhook"
	WebhookWaitQueue = "billing.webhook.wait"
	WebhookDLQ       = "billing.webhook.dlq"
)

// Broker owns the AMQP connection and declares the billing topology.
type Broker struct {
	conn   *amqp.Connection
	logger *zap.Logger
}

// Connect dials RabbitMQ and declares the full topology.
func Connect(url string, logger *zap.Logger) (*Broker, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	b := &Broker{conn: conn, logger: logger}
	if err := b.declareTopology(); err != nil {
		conn.Close()
		return nil, err
	}

	logger.Info("RabbitMQ broker initialized",
		zap.String("exchange", Exchange),
		zap.String("dlx", DLX),
	)
	return b, nil
}

// Channel opens a new channel; callers own its lifecycle. Channels are not
// safe for concurrent use, so each consumer and publisher takes its own.
func (b *Broker) Channel() (*amqp.Channel, error) {
	ch, err := b.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	return ch, nil
}

// Ping reports connection health for readiness checks.
func (b *Broker) Ping(ctx context.Context) error {
	if b.conn.IsClosed() {
		return fmt.Errorf("rabbitmq connection is closed")
	}
	return nil
}

// Close shuts the connection down, closing all channels with it.
func (b *Broker) Close(ctx context.Context) error {
	b.logger.Info("Closing RabbitMQ connection")
	return b.conn.Close()
}

func (b *Broker) declareTopology() error {
	ch, err := b.conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open topology channel: %w", err)
	}
	defer ch.Close()

	for _, exchange := range []string{Exchange, DLX} {
		if err := ch.ExchangeDeclare(
			exchange,
			"direct",
			true,  // durable
			false, // auto-delete
			false, // internal
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare exchange %s: %w", exchange, err)
		}
	}

	pairs := []struct {
		work, wait, dlq string
	}{
		{ChargeQueue, ChargeWaitQueue, ChargeDLQ},
		{WebhookQueue, WebhookWaitQueue, WebhookDLQ},
	}

	for _, p := range pairs {
		// Work queue: rejected messages dead-letter straight to the DLQ.
		if err := declareAndBind(ch, p.work, Exchange, amqp.Table{
			"x-dead-letter-exchange":    DLX,
			"x-dead-letter-routing-key": p.dlq,
		}); err != nil {
			return err
		}

		// Wait queue: expired messages return to the work queue. TTL is
		// set per message at publish time.
		if err := declareAndBind(ch, p.wait, Exchange, amqp.Table{
			"x-dead-letter-exchange":    Exchange,
			"x-dead-letter-routing-key": p.work,
		}); err != nil {
			return err
		}

		if err := declareAndBind(ch, p.dlq, DLX, nil); err != nil {
			return err
		}
	}

	return nil
}

func declareAndBind(ch *amqp.Channel, queue, exchange string, args amqp.Table) error {
	if _, err := ch.QueueDeclare(
		queue,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		args,
	); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	if err := ch.QueueBind(queue, queue, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %s: %w", queue, err)
	}
	return nil
}
