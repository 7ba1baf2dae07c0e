package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/database"
	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// WebhookStore persists per-account webhook endpoints.
type WebhookStore struct {
	db     *database.PostgreSQLAdapter
	logger *zap.Logger
}

var _ ports.WebhookStore = (*WebhookStore)(nil)

// NewWebhookStore creates a PostgreSQL-backed webhook endpoint store.
func NewWebhookStore(db *database.PostgreSQLAdapter, logger *zap.Logger) *WebhookStore {
	return &WebhookStore{db: db, logger: logger}
}

func (s *WebhookStore) UpsertWebhookEndpoint(ctx context.Context, accountID, url, secret string) error {
	_, err := s.db.Pool().Exec(ctx, `
		INSERT INTO webhook_endpoints (account_id, url, secret, active)
		VALUES ($1, $2, $3, true)
		ON CONFLICT (account_id) DO UPDATE SET
			url = EXCLUDED.url,
			secret = EXCLUDED.secret,
			active = true,
			modified_at = now()`,
		accountID, url, secret,
	)
	if err != nil {
		return fmt.Errorf("upsert webhook endpoint: %w", err)
	}
	return nil
}

func (s *WebhookStore) GetWebhookEndpoint(ctx context.Context, accountID string) (*models.WebhookEndpoint, error) {
	var ep models.WebhookEndpoint
	err := s.db.Pool().QueryRow(ctx, `
		SELECT account_id, url, secret, active, created_at, modified_at
		FROM webhook_endpoints
		WHERE account_id = $1 AND active = true`,
		accountID,
	).Scan(&ep.AccountID, &ep.URL, &ep.Secret, &ep.Active, &ep.CreatedAt, &ep.ModifiedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrWebhookNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook endpoint: %w", err)
	}
	return &ep, nil
}

func (s *WebhookStore) DisableWebhookEndpoint(ctx context.Context, accountID string) error {
	tag, err := s.db.Pool().Exec(ctx, `
		UPDATE webhook_endpoints SET active = false, modified_at = now()
		WHERE account_id = $1`, accountID,
	)
	if err != nil {
		return fmt.Errorf("disable webhook endpoint: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrWebhookNotConfigured
	}
	return nil
}
