package middleware

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/testutil/mocks"
)

func TestAPIKeyAuth(t *testing.T) {
	accounts := new(mocks.AccountStore)
	accounts.On("GetAccountIDByAPIKeyHash", mock.Anything, HashAPIKey("valid-key")).Return("acct_1", nil)
	accounts.On("GetAccountIDByAPIKeyHash", mock.Anything, HashAPIKey("bad-key")).Return("", errors.New("account not found"))

	var gotAccountID string
	handler := APIKeyAuth(accounts, zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAccountID = AccountIDFrom(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	t.Run("valid key resolves the account", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/webhook", nil)
		req.Header.Set("X-API-Key", "valid-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "acct_1", gotAccountID)
	})

	t.Run("unknown key rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/webhook", nil)
		req.Header.Set("X-API-Key", "bad-key")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("missing key rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/v1/webhook", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	assert.Equal(t, HashAPIKey("k"), HashAPIKey("k"))
	assert.NotEqual(t, HashAPIKey("k"), HashAPIKey("k2"))
	assert.Len(t, HashAPIKey("k"), 64)
}
