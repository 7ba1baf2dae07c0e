// Package middleware carries the HTTP cross-cutting concerns: API-key
// authentication and account resolution.
package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
)

type contextKey string

// AccountIDKey holds the authenticated account id in the request context.
const AccountIDKey contextKey = "account_id"

// AccountIDFrom extracts the authenticated account id, or "" if the
// request was not authenticated.
func AccountIDFrom(ctx context.Context) string {
	if id, ok := ctx.Value(AccountIDKey).(string); ok {
		return id
	}
	return ""
}

// HashAPIKey returns the hex SHA-256 of a raw API key; only hashes are
// stored and compared.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// APIKeyAuth resolves X-API-Key to an account and rejects requests that
// carry no valid key.
func APIKeyAuth(accounts ports.AccountStore, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				unauthorized(w)
				return
			}

			accountID, err := accounts.GetAccountIDByAPIKeyHash(r.Context(), HashAPIKey(key))
			if err != nil {
				logger.Warn("api key rejected",
					zap.String("remote_addr", r.RemoteAddr),
					zap.Error(err),
				)
				unauthorized(w)
				return
			}

			ctx := context.WithValue(r.Context(), AccountIDKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}
