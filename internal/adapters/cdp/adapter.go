package cdp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/pkg/observability"
)

// Config contains configuration for the CDP spend-permission adapter
type Config struct {
	// BaseURL of the CDP API (e.g. "https://api.cdp.coinbase.com")
	BaseURL string

	// APIKey is the bearer token for authentication
	APIKey string

	// Testnet selects the Base Sepolia network instead of mainnet
	Testnet bool

	// Timeout per request (default: 30s)
	Timeout time.Duration
}

// Adapter implements ports.OnchainProvider against the CDP spend
// permissions API. Errors are returned as opaque messages; the failure
// classifier translates them into the billing taxonomy downstream.
type Adapter struct {
	config     Config
	httpClient ports.HTTPClient
	breaker    *CircuitBreaker
	logger     *zap.Logger
}

var _ ports.OnchainProvider = (*Adapter)(nil)

// NewAdapter creates a CDP adapter with dependency injection. Pass nil
// httpClient to use a default client with the configured timeout.
func NewAdapter(cfg Config, httpClient ports.HTTPClient, logger *zap.Logger) *Adapter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Adapter{
		config:     cfg,
		httpClient: httpClient,
		breaker:    NewCircuitBreaker(DefaultCircuitBreakerConfig()),
		logger:     logger,
	}
}

type chargeRequest struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient"`
	Testnet   bool   `json:"testnet"`
}

type chargeResponse struct {
	TransactionHash string `json:"transactionHash"`
	Status          string `json:"status"`
}

type statusResponse struct {
	IsSubscribed            bool    `json:"isSubscribed"`
	SubscriptionOwner       string  `json:"subscriptionOwner,omitempty"`
	RemainingChargeInPeriod *string `json:"remainingChargeInPeriod,omitempty"`
	CurrentPeriodStart      *string `json:"currentPeriodStart,omitempty"`
	NextPeriodStart         *string `json:"nextPeriodStart,omitempty"`
	RecurringCharge         string  `json:"recurringCharge"`
	PeriodInSeconds         *int64  `json:"periodInSeconds,omitempty"`
}

type errorResponse struct {
	ErrorType    string `json:"errorType"`
	ErrorMessage string `json:"errorMessage"`
}

// Charge pulls amount from the permission to the recipient address.
func (a *Adapter) Charge(ctx context.Context, subscriptionID string, amount decimal.Decimal, recipient string) (*ports.ChargeResult, error) {
	endpoint := fmt.Sprintf("/platform/v2/x402/subscriptions/%s/charge", subscriptionID)

	req := chargeRequest{
		Amount:    amount.String(),
		Recipient: recipient,
		Testnet:   a.config.Testnet,
	}

	a.logger.Info("charging subscription",
		zap.String("subscription_id", subscriptionID),
		zap.String("amount", amount.String()),
	)

	start := time.Now()
	var resp chargeResponse
	err := a.breaker.Call(func() error {
		return a.makeRequest(ctx, http.MethodPost, endpoint, req, &resp)
	})
	observability.ChargeDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	if resp.TransactionHash == "" {
		return nil, fmt.Errorf("charge accepted but no transaction hash returned (status %q)", resp.Status)
	}

	return &ports.ChargeResult{
		TransactionHash: resp.TransactionHash,
		Success:         true,
	}, nil
}

// GetStatus fetches the permission's current onchain state. The indexer
// responds with a discriminated shape: an absent permission carries only
// isSubscribed=false and recurringCharge="0", while revoked-but-existing
// permissions include the period fields. PermissionExists preserves that
// distinction.
func (a *Adapter) GetStatus(ctx context.Context, subscriptionID string) (*ports.PermissionStatus, error) {
	endpoint := fmt.Sprintf("/platform/v2/x402/subscriptions/%s?testnet=%t", subscriptionID, a.config.Testnet)

	var resp statusResponse
	err := a.breaker.Call(func() error {
		return a.makeRequest(ctx, http.MethodGet, endpoint, nil, &resp)
	})
	if err != nil {
		return nil, err
	}

	recurring, err := decimal.NewFromString(resp.RecurringCharge)
	if err != nil {
		return nil, fmt.Errorf("bad recurringCharge %q: %w", resp.RecurringCharge, err)
	}

	status := &ports.PermissionStatus{
		IsSubscribed:      resp.IsSubscribed,
		SubscriptionOwner: resp.SubscriptionOwner,
		RecurringCharge:   recurring,
		PeriodInSeconds:   resp.PeriodInSeconds,
		PermissionExists:  resp.SubscriptionOwner != "" || resp.PeriodInSeconds != nil,
	}

	if resp.RemainingChargeInPeriod != nil {
		remaining, err := decimal.NewFromString(*resp.RemainingChargeInPeriod)
		if err != nil {
			return nil, fmt.Errorf("bad remainingChargeInPeriod %q: %w", *resp.RemainingChargeInPeriod, err)
		}
		status.RemainingChargeInPeriod = &remaining
	}
	if status.CurrentPeriodStart, err = parseTimePtr(resp.CurrentPeriodStart); err != nil {
		return nil, err
	}
	if status.NextPeriodStart, err = parseTimePtr(resp.NextPeriodStart); err != nil {
		return nil, err
	}

	return status, nil
}

func parseTimePtr(s *string) (*time.Time, error) {
	if s == nil {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, *s)
	if err != nil {
		return nil, fmt.Errorf("bad timestamp %q: %w", *s, err)
	}
	return &t, nil
}

func (a *Adapter) makeRequest(ctx context.Context, method, endpoint string, request interface{}, response interface{}) error {
	var payloadBytes []byte
	var err error

	if request != nil {
		payloadBytes, err = json.Marshal(request)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
	}

	url := a.config.BaseURL + endpoint
	httpReq, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payloadBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.config.APIKey)

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		// Transport errors (timeouts, refused connections) keep their
		// message so classification can recognize them as transient.
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if httpResp.StatusCode >= 500 {
		// The status code is embedded in the message because downstream
		// classification matches on "error code: 5".
		return fmt.Errorf("provider request failed with error code: %d: %s", httpResp.StatusCode, truncate(body, 512))
	}

	if httpResp.StatusCode >= 400 {
		var errResp errorResponse
		if json.Unmarshal(body, &errResp) == nil && errResp.ErrorMessage != "" {
			return fmt.Errorf("%s", errResp.ErrorMessage)
		}
		return fmt.Errorf("provider rejected request (%d): %s", httpResp.StatusCode, truncate(body, 512))
	}

	if response != nil {
		if err := json.Unmarshal(body, response); err != nil {
			return fmt.Errorf("failed to unmarshal response: %w", err)
		}
	}

	return nil
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
