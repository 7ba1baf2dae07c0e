// Package subscription exposes the subscription lifecycle over REST:
// registration, cancellation, and read access to a subscription and its
// order history.
package subscription

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/middleware"
	"github.com/kevin07696/billing-engine/internal/services/activation"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// Handler serves the /v1/subscriptions endpoints.
type Handler struct {
	activation *activation.Service
	logger     *zap.Logger
}

// NewHandler creates the subscription handler.
func NewHandler(activation *activation.Service, logger *zap.Logger) *Handler {
	return &Handler{activation: activation, logger: logger}
}

// RegisterRoutes attaches the handler to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /v1/subscriptions", h.Create)
	mux.HandleFunc("GET /v1/subscriptions/{id}", h.Get)
	mux.HandleFunc("GET /v1/subscriptions/{id}/orders", h.ListOrders)
	mux.HandleFunc("DELETE /v1/subscriptions/{id}", h.Cancel)
}

type createRequest struct {
	SubscriptionID string `json:"subscriptionId"`
	Provider       string `json:"provider"`
	Testnet        bool   `json:"testnet"`
	Beneficiary    string `json:"beneficiary,omitempty"`
}

type subscriptionResponse struct {
	SubscriptionID string `json:"subscriptionId"`
	Status         string `json:"status"`
	Provider       string `json:"provider,omitempty"`
	Testnet        bool   `json:"testnet"`
	CreatedAt      string `json:"created_at,omitempty"`
	ModifiedAt     string `json:"modified_at,omitempty"`
}

type orderResponse struct {
	Number          int    `json:"number"`
	Type            string `json:"type"`
	Status          string `json:"status"`
	Amount          string `json:"amount"`
	DueAt           string `json:"due_at"`
	Attempts        int    `json:"attempts"`
	NextRetryAt     string `json:"next_retry_at,omitempty"`
	FailureReason   string `json:"failure_reason,omitempty"`
	TransactionHash string `json:"transaction_hash,omitempty"`
}

// Create handles POST /v1/subscriptions. A 201 only means the
// registration was accepted; activation completes asynchronously and is
// reported via webhook.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "request body must be JSON")
		return
	}
	if req.SubscriptionID == "" || req.Provider == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "subscriptionId and provider are required")
		return
	}

	err := h.activation.Register(r.Context(), accountID, activation.RegisterRequest{
		SubscriptionID: req.SubscriptionID,
		Provider:       req.Provider,
		Testnet:        req.Testnet,
		Beneficiary:    req.Beneficiary,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	h.respondJSON(w, http.StatusCreated, map[string]string{"status": string(models.SubStatusProcessing)})
}

// Get handles GET /v1/subscriptions/{id}.
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	sub, err := h.activation.Get(r.Context(), accountID, r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

// ListOrders handles GET /v1/subscriptions/{id}/orders.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	orders, err := h.activation.ListOrders(r.Context(), accountID, r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

// Cancel handles DELETE /v1/subscriptions/{id}.
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountIDFrom(r.Context())

	sub, err := h.activation.Cancel(r.Context(), accountID, r.PathValue("id"))
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respondJSON(w, http.StatusOK, toSubscriptionResponse(sub))
}

func toSubscriptionResponse(sub *models.Subscription) subscriptionResponse {
	return subscriptionResponse{
		SubscriptionID: sub.ID,
		Status:         string(sub.Status),
		Provider:       sub.Provider,
		Testnet:        sub.Testnet,
		CreatedAt:      timeutil.ToUTC(sub.CreatedAt).Format("2006-01-02T15:04:05Z"),
		ModifiedAt:     timeutil.ToUTC(sub.ModifiedAt).Format("2006-01-02T15:04:05Z"),
	}
}

func toOrderResponse(o *models.Order) orderResponse {
	resp := orderResponse{
		Number:          o.OrderNumber,
		Type:            string(o.Type),
		Status:          string(o.Status),
		Amount:          o.Amount.String(),
		DueAt:           timeutil.ToUTC(o.DueAt).Format("2006-01-02T15:04:05Z"),
		Attempts:        o.Attempts,
		FailureReason:   o.FailureReason,
		TransactionHash: o.TransactionHash,
	}
	if o.NextRetryAt != nil {
		resp.NextRetryAt = timeutil.ToUTC(*o.NextRetryAt).Format("2006-01-02T15:04:05Z")
	}
	return resp
}

// respondDomainError maps billing error codes to HTTP statuses. Payment
// and registration codes surface their message; anything else is an
// opaque 500.
func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.GetErrorCode(err)

	var status int
	switch {
	case code == domain.ErrorCodeSubscriptionExists:
		status = http.StatusConflict
	case code == domain.ErrorCodeSubscriptionNotFound:
		status = http.StatusNotFound
	case code == domain.ErrorCodeForbidden, code == domain.ErrorCodeSubscriptionInactive:
		status = http.StatusForbidden
	case code == domain.ErrorCodeInvalidSubscription, code == domain.ErrorCodeInvalidConfiguration:
		status = http.StatusBadRequest
	case errors.Is(err, domain.ErrOrderNotFound):
		status = http.StatusNotFound
	default:
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		h.respondError(w, http.StatusInternalServerError, string(domain.ErrorCodeInternal), domain.SanitizedInternalMessage)
		return
	}

	var message string
	if derr := new(domain.DomainError); errors.As(err, &derr) {
		message = derr.Message
	} else {
		message = err.Error()
	}
	h.respondError(w, status, string(code), message)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, map[string]string{"code": code, "error": message})
}
