// Package webhook exposes webhook endpoint management: merchants register
// the URL that receives signed billing events.
package webhook

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/internal/middleware"
)

// Handler serves the /v1/webhook endpoints.
type Handler struct {
	store  ports.WebhookStore
	logger *zap.Logger
}

// NewHandler creates the webhook management handler.
func NewHandler(store ports.WebhookStore, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes attaches the handler to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("PUT /v1/webhook", h.Upsert)
	mux.HandleFunc("GET /v1/webhook", h.Get)
	mux.HandleFunc("DELETE /v1/webhook", h.Disable)
}

type upsertRequest struct {
	URL string `json:"url"`
}

// Upsert handles PUT /v1/webhook. The signing secret is generated here and
// returned exactly once; only its holder can verify event signatures.
func (h *Handler) Upsert(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	var req upsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "request body must be JSON")
		return
	}
	if err := validateEndpointURL(req.URL); err != nil {
		h.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	secret, err := generateSecret()
	if err != nil {
		h.logger.Error("failed to generate webhook secret", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, domain.SanitizedInternalMessage)
		return
	}

	if err := h.store.UpsertWebhookEndpoint(r.Context(), accountID, req.URL, secret); err != nil {
		h.logger.Error("failed to store webhook endpoint", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, domain.SanitizedInternalMessage)
		return
	}

	h.logger.Info("webhook endpoint configured", zap.String("account_id", accountID))
	h.respondJSON(w, http.StatusOK, map[string]string{"url": req.URL, "secret": secret})
}

// Get handles GET /v1/webhook. The secret is never returned after creation.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	endpoint, err := h.store.GetWebhookEndpoint(r.Context(), accountID)
	if errors.Is(err, domain.ErrWebhookNotConfigured) {
		h.respondError(w, http.StatusNotFound, "no webhook endpoint configured")
		return
	}
	if err != nil {
		h.logger.Error("failed to load webhook endpoint", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, domain.SanitizedInternalMessage)
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"url":    endpoint.URL,
		"active": endpoint.Active,
	})
}

// Disable handles DELETE /v1/webhook. Events emitted afterwards are
// silently dropped until a new endpoint is registered.
func (h *Handler) Disable(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	if err := h.store.DisableWebhookEndpoint(r.Context(), accountID); err != nil {
		h.logger.Error("failed to disable webhook endpoint", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, domain.SanitizedInternalMessage)
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]string{"status": "disabled"})
}

func validateEndpointURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return fmt.Errorf("url must be a valid absolute URL")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("url must use https")
	}
	return nil
}

// generateSecret returns a whsec_-prefixed 256-bit random secret.
func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return "whsec_" + hex.EncodeToString(buf), nil
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
