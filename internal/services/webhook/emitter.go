// Package webhook assembles, signs, and delivers merchant webhook events.
//
// Events are signed exactly once at emission: the canonical payload bytes
// and their HMAC travel together through the queue, so every delivery
// attempt presents byte-identical content and signature.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// Emitter builds signed webhook tasks and enqueues them for delivery.
type Emitter struct {
	endpoints ports.WebhookStore
	publisher ports.WebhookPublisher
	logger    *zap.Logger
}

// NewEmitter creates a webhook emitter.
func NewEmitter(endpoints ports.WebhookStore, publisher ports.WebhookPublisher, logger *zap.Logger) *Emitter {
	return &Emitter{
		endpoints: endpoints,
		publisher: publisher,
		logger:    logger,
	}
}

// Emit assembles a subscription.updated event for the account and enqueues
// its delivery. An account without a configured endpoint is a no-op.
// Callers treat emission as best-effort: a failure here never rolls back
// the billing transition it reports.
func (e *Emitter) Emit(ctx context.Context, accountID string, data models.EventData) error {
	endpoint, err := e.endpoints.GetWebhookEndpoint(ctx, accountID)
	if errors.Is(err, domain.ErrWebhookNotConfigured) {
		e.logger.Debug("no webhook endpoint configured", zap.String("account_id", accountID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load webhook endpoint: %w", err)
	}

	now := timeutil.Now()
	event := models.Event{
		ID:        uuid.NewString(),
		Type:      models.EventTypeSubscriptionUpdated,
		CreatedAt: now.Unix(),
		Data:      data,
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	timestamp := now.Unix()
	task := ports.WebhookTask{
		AccountID: accountID,
		URL:       endpoint.URL,
		Payload:   payload,
		Signature: Sign(endpoint.Secret, timestamp, payload),
		Timestamp: timestamp,
	}

	if err := e.publisher.PublishWebhook(ctx, task); err != nil {
		return fmt.Errorf("enqueue webhook: %w", err)
	}

	e.logger.Info("webhook event enqueued",
		zap.String("account_id", accountID),
		zap.String("event_id", event.ID),
		zap.String("subscription_id", data.Subscription.ID),
	)
	return nil
}

// Sign computes the hex HMAC-SHA256 of "timestamp.payload" under the
// endpoint secret. Merchants verify with the same construction.
func Sign(secret string, timestamp int64, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.", timestamp)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}
