// Package classifier translates opaque provider error messages into the
// billing taxonomy. Classification is a pure function over the lowercased
// message; match order is load-bearing and pinned by tests.
package classifier

import (
	"strings"

	"github.com/kevin07696/billing-engine/internal/domain"
)

// Kind is the coarse failure category driving the processor's branch.
type Kind int

const (
	// KindTerminal - the permission is gone; cancel the subscription.
	KindTerminal Kind = iota
	// KindRetryablePayment - recoverable payment failure; enter dunning.
	KindRetryablePayment
	// KindUpstreamTransient - provider outage; requeue via the broker.
	KindUpstreamTransient
	// KindOther - unclassified payment error; fail the order, keep billing.
	KindOther
)

func (k Kind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindRetryablePayment:
		return "retryable_payment"
	case KindUpstreamTransient:
		return "upstream_transient"
	default:
		return "other"
	}
}

// Result pairs the failure kind with the stable error code recorded on the
// order and exposed in webhooks.
type Result struct {
	Kind Kind
	Code domain.ErrorCode
}

var (
	terminalRevoked = []string{"revoked"}
	terminalExpired = []string{"expired"}

	insufficientBalance = []string{
		"erc20: transfer amount exceeds balance",
		"insufficient balance",
		"not enough",
	}

	upstreamTransient = []string{
		"error code: 5",
		"timeout",
		"timed out",
		"gateway",
		"unavailable",
		"try again",
		"temporarily",
		"overload",
	}
)

// Classify maps a provider error to its billing category. Earlier groups
// win: terminal before retryable-payment before upstream-transient, so a
// message like "permission revoked, try again" still cancels.
func Classify(err error) Result {
	if err == nil {
		return Result{Kind: KindOther, Code: domain.ErrorCodePaymentFailed}
	}

	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg, terminalRevoked):
		return Result{Kind: KindTerminal, Code: domain.ErrorCodePermissionRevoked}
	case containsAny(msg, terminalExpired):
		return Result{Kind: KindTerminal, Code: domain.ErrorCodePermissionExpired}
	case containsAny(msg, insufficientBalance):
		return Result{Kind: KindRetryablePayment, Code: domain.ErrorCodeInsufficientBalance}
	case containsAny(msg, upstreamTransient):
		return Result{Kind: KindUpstreamTransient, Code: domain.ErrorCodeUpstreamService}
	default:
		return Result{Kind: KindOther, Code: domain.ErrorCodePaymentFailed}
	}
}

// ExposableMessage returns the error text a merchant may see for this
// classification. Payment-class failures expose the provider's message
// verbatim; system-class failures are sanitized.
func ExposableMessage(res Result, err error) string {
	if res.Code.PaymentClass() && err != nil {
		return err.Error()
	}
	return domain.SanitizedInternalMessage
}

func containsAny(msg string, needles []string) bool {
	for _, n := range needles {
		if strings.Contains(msg, n) {
			return true
		}
	}
	return false
}
