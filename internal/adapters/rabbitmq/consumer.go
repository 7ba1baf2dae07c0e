package rabbitmq

import (
	"context"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/pkg/observability"
	"github.com/kevin07696/billing-engine/pkg/resilience"
)

// Handler processes one delivery. Returning nil acks the message;
// returning an error routes it through the retry path (wait queue with
// backoff, then the dead-letter queue once attempts are exhausted).
type Handler func(ctx context.Context, d amqp.Delivery) error

// ConsumerConfig tunes one queue consumer.
type ConsumerConfig struct {
	Queue       string
	WaitQueue   string
	Workers     int
	Prefetch    int
	MaxAttempts int
	Backoff     resilience.BackoffStrategy
}

// Consumer runs N workers over a shared queue with manual acks.
type Consumer struct {
	broker *Broker
	config ConsumerConfig
	logger *zap.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	ch     *amqp.Channel
}

// NewConsumer creates a consumer; Start begins consumption.
func NewConsumer(b *Broker, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	return &Consumer{broker: b, config: cfg, logger: logger}
}

// Start opens a channel, applies prefetch, and spawns the worker pool.
func (c *Consumer) Start(ctx context.Context, handler Handler) error {
	ch, err := c.broker.Channel()
	if err != nil {
		return err
	}
	c.ch = ch

	if err := ch.Qos(c.config.Prefetch, 0, false); err != nil {
		return err
	}

	msgs, err := ch.Consume(
		c.config.Queue,
		"",    // consumer tag: auto-generated
		false, // auto-ack off: retry routing needs manual ack/nack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return err
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.logger.Info("consumer started",
		zap.String("queue", c.config.Queue),
		zap.Int("workers", c.config.Workers),
		zap.Int("prefetch", c.config.Prefetch),
	)

	for i := 0; i < c.config.Workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, msgs, handler)
	}
	return nil
}

func (c *Consumer) worker(ctx context.Context, msgs <-chan amqp.Delivery, handler Handler) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			c.handle(ctx, d, handler)
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, handler Handler) {
	if d.Redelivered {
		observability.QueueRedeliveries.WithLabelValues(c.config.Queue).Inc()
	}

	err := handler(ctx, d)
	if err == nil {
		if ackErr := d.Ack(false); ackErr != nil {
			c.logger.Error("failed to ack message",
				zap.String("queue", c.config.Queue),
				zap.Error(ackErr),
			)
		}
		return
	}

	c.logger.Warn("handler failed, routing to retry",
		zap.String("queue", c.config.Queue),
		zap.Error(err),
	)

	if retryErr := c.retryOrDead(ctx, d); retryErr != nil {
		c.logger.Error("retry routing failed, nacking to DLQ",
			zap.String("queue", c.config.Queue),
			zap.Error(retryErr),
		)
		// Reject without requeue; the queue's dead-letter config takes it.
		_ = d.Nack(false, false)
	}
}

// Stop cancels workers, waits for in-flight handlers, and closes the
// channel so no further deliveries arrive.
func (c *Consumer) Stop(ctx context.Context) error {
	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	if c.ch != nil {
		return c.ch.Close()
	}
	return nil
}
