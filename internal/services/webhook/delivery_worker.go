package webhook

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/rabbitmq"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/pkg/observability"
)

// DeliveryWorker POSTs signed webhook payloads to merchant endpoints. A
// non-2xx response or transport error returns an error, which the queue
// consumer translates into a delayed redelivery and eventually the
// dead-letter queue.
type DeliveryWorker struct {
	client ports.HTTPClient
	logger *zap.Logger
}

// NewDeliveryWorker creates a delivery worker. Pass nil client for a
// default with the per-attempt 10s timeout.
func NewDeliveryWorker(client ports.HTTPClient, logger *zap.Logger) *DeliveryWorker {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &DeliveryWorker{client: client, logger: logger}
}

// Deliver performs one POST attempt with the task's original signature and
// timestamp headers. The payload bytes are sent exactly as signed.
func (w *DeliveryWorker) Deliver(ctx context.Context, task ports.WebhookTask) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, task.URL, bytes.NewReader(task.Payload))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Signature", task.Signature)
	req.Header.Set("X-Timestamp", strconv.FormatInt(task.Timestamp, 10))

	start := time.Now()
	resp, err := w.client.Do(req)
	observability.WebhookDeliveryDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		observability.WebhookDeliveries.WithLabelValues("transport_error").Inc()
		return fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		observability.WebhookDeliveries.WithLabelValues("rejected").Inc()
		return fmt.Errorf("webhook delivery rejected with status %d", resp.StatusCode)
	}

	observability.WebhookDeliveries.WithLabelValues("delivered").Inc()
	w.logger.Info("webhook delivered",
		zap.String("account_id", task.AccountID),
		zap.Int("status", resp.StatusCode),
	)
	return nil
}

// Handler adapts Deliver to the queue consumer, decoding the task from the
// message body and headers.
func (w *DeliveryWorker) Handler() rabbitmq.Handler {
	return func(ctx context.Context, d amqp.Delivery) error {
		task, err := taskFromDelivery(d)
		if err != nil {
			// Malformed message: retrying cannot help, but routing through
			// the retry path lands it in the DLQ for inspection.
			w.logger.Error("malformed webhook task", zap.Error(err))
			return err
		}
		return w.Deliver(ctx, task)
	}
}

func taskFromDelivery(d amqp.Delivery) (ports.WebhookTask, error) {
	task := ports.WebhookTask{Payload: d.Body}

	var ok bool
	if task.AccountID, ok = d.Headers[rabbitmq.HeaderAccountID].(string); !ok {
		return task, fmt.Errorf("missing %s header", rabbitmq.HeaderAccountID)
	}
	if task.URL, ok = d.Headers[rabbitmq.HeaderURL].(string); !ok {
		return task, fmt.Errorf("missing %s header", rabbitmq.HeaderURL)
	}
	if task.Signature, ok = d.Headers[rabbitmq.HeaderSignature].(string); !ok {
		return task, fmt.Errorf("missing %s header", rabbitmq.HeaderSignature)
	}
	switch ts := d.Headers[rabbitmq.HeaderTimestamp].(type) {
	case int64:
		task.Timestamp = ts
	case int32:
		task.Timestamp = int64(ts)
	default:
		return task, fmt.Errorf("missing %s header", rabbitmq.HeaderTimestamp)
	}
	return task, nil
}
