package domain

import (
	"errors"
	"fmt"
)

// ErrorCode is a machine-readable billing error code. Codes are stable:
// they appear verbatim in HTTP responses, webhook payloads and the orders
// table, so renaming one is a breaking API change.
type ErrorCode string

const (
	// Registration errors
	ErrorCodeSubscriptionExists   ErrorCode = "subscription_exists"
	ErrorCodeSubscriptionNotFound ErrorCode = "subscription_not_found"
	ErrorCodeSubscriptionInactive ErrorCode = "subscription_not_active"
	ErrorCodeForbidden            ErrorCode = "forbidden"
	ErrorCodeInvalidConfiguration ErrorCode = "invalid_configuration"
	ErrorCodeInvalidSubscription  ErrorCode = "invalid_subscription_id"

	// Payment errors (classifier output)
	ErrorCodePermissionRevoked   ErrorCode = "permission_revoked"
	ErrorCodePermissionExpired   ErrorCode = "permission_expired"
	ErrorCodeInsufficientBalance ErrorCode = "insufficient_balance"
	ErrorCodeUpstreamService     ErrorCode = "upstream_service_error"
	ErrorCodePaymentFailed       ErrorCode = "payment_failed"

	// Cancellation bookkeeping
	ErrorCodeCanceled ErrorCode = "canceled"

	// Internal errors
	ErrorCodeInternal ErrorCode = "internal_error"
)

// SanitizedInternalMessage replaces system-class error details before they
// are exposed to merchants in HTTP responses or webhook payloads.
const SanitizedInternalMessage = "An internal error occurred"

// DomainError is a structured billing error carrying a stable code.
type DomainError struct {
	Err     error
	Code    ErrorCode
	Message string
}

// Error implements the error interface
func (e *DomainError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support
func (e *DomainError) Unwrap() error {
	return e.Err
}

// NewDomainError creates a new domain error
func NewDomainError(code ErrorCode, message string) *DomainError {
	return &DomainError{Code: code, Message: message}
}

// WrapError wraps an existing error with a domain error code
func WrapError(code ErrorCode, message string, err error) *DomainError {
	return &DomainError{Code: code, Message: message, Err: err}
}

// GetErrorCode extracts the code from an error chain; empty if none.
func GetErrorCode(err error) ErrorCode {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Code
	}
	return ""
}

// IsDomainError checks if an error is a DomainError with the given code
func IsDomainError(err error, code ErrorCode) bool {
	return GetErrorCode(err) == code
}

// PaymentClass reports whether a code describes a payment outcome the
// merchant may see verbatim. Everything else is system-class and is
// sanitized before exposure.
func (c ErrorCode) PaymentClass() bool {
	switch c {
	case ErrorCodePermissionRevoked, ErrorCodePermissionExpired,
		ErrorCodeInsufficientBalance, ErrorCodePaymentFailed,
		ErrorCodeSubscriptionExists, ErrorCodeSubscriptionInactive,
		ErrorCodeForbidden, ErrorCodeInvalidConfiguration,
		ErrorCodeInvalidSubscription, ErrorCodeSubscriptionNotFound:
		return true
	}
	return false
}

// Common sentinel errors
var (
	ErrSubscriptionNotFound = NewDomainError(ErrorCodeSubscriptionNotFound, "subscription not found")
	ErrSubscriptionExists   = NewDomainError(ErrorCodeSubscriptionExists, "subscription already registered")
	ErrOrderNotFound        = errors.New("order not found")
	ErrWebhookNotConfigured = errors.New("webhook endpoint not configured")
)
