package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/adapters/database"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

// ErrAccountNotFound is returned when no account matches an API key hash.
var ErrAccountNotFound = errors.New("account not found")

// AccountStore resolves API credentials to account ids.
type AccountStore struct {
	db     *database.PostgreSQLAdapter
	logger *zap.Logger
}

var _ ports.AccountStore = (*AccountStore)(nil)

// NewAccountStore creates a PostgreSQL-backed account store.
func NewAccountStore(db *database.PostgreSQLAdapter, logger *zap.Logger) *AccountStore {
	return &AccountStore{db: db, logger: logger}
}

func (s *AccountStore) GetAccountIDByAPIKeyHash(ctx context.Context, keyHash string) (string, error) {
	var accountID string
	err := s.db.Pool().QueryRow(ctx,
		`SELECT id FROM accounts WHERE api_key_hash = $1`, keyHash,
	).Scan(&accountID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrAccountNotFound
	}
	if err != nil {
		return "", fmt.Errorf("lookup account by api key: %w", err)
	}
	return accountID, nil
}
