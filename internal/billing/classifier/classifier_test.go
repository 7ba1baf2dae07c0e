package classifier

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kevin07696/billing-engine/internal/domain"
)

// Match order is part of the contract: terminal before retryable-payment
// before upstream-transient before other. Every branch is pinned here.
func TestClassify(t *testing.T) {
	tests := []struct {
		name     string
		message  string
		wantKind Kind
		wantCode domain.ErrorCode
	}{
		{
			name:     "revoked permission is terminal",
			message:  "spend permission has been revoked",
			wantKind: KindTerminal,
			wantCode: domain.ErrorCodePermissionRevoked,
		},
		{
			name:     "expired permission is terminal",
			message:  "permission expired at 1700000000",
			wantKind: KindTerminal,
			wantCode: domain.ErrorCodePermissionExpired,
		},
		{
			name:     "erc20 balance revert is retryable payment",
			message:  "execution reverted: ERC20: transfer amount exceeds balance",
			wantKind: KindRetryablePayment,
			wantCode: domain.ErrorCodeInsufficientBalance,
		},
		{
			name:     "insufficient balance is retryable payment",
			message:  "insufficient balance for transfer",
			wantKind: KindRetryablePayment,
			wantCode: domain.ErrorCodeInsufficientBalance,
		},
		{
			name:     "not enough funds is retryable payment",
			message:  "not enough allowance remaining",
			wantKind: KindRetryablePayment,
			wantCode: domain.ErrorCodeInsufficientBalance,
		},
		{
			name:     "5xx status is upstream transient",
			message:  "provider request failed with error code: 502: bad gateway",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "timeout is upstream transient",
			message:  "context deadline exceeded (Client.Timeout exceeded while awaiting headers)",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "timed out is upstream transient",
			message:  "request timed out",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "gateway error is upstream transient",
			message:  "bad gateway",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "unavailable is upstream transient",
			message:  "service unavailable",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "try again is upstream transient",
			message:  "rate limited, try again later",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "circuit breaker open is upstream transient",
			message:  "provider temporarily unavailable: circuit breaker is open",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "overloaded is upstream transient",
			message:  "server overloaded",
			wantKind: KindUpstreamTransient,
			wantCode: domain.ErrorCodeUpstreamService,
		},
		{
			name:     "unknown error is other",
			message:  "execution reverted: 0xdeadbeef",
			wantKind: KindOther,
			wantCode: domain.ErrorCodePaymentFailed,
		},
		{
			name:     "revoked wins over transient wording",
			message:  "permission revoked, try again with a new permission",
			wantKind: KindTerminal,
			wantCode: domain.ErrorCodePermissionRevoked,
		},
		{
			name:     "expired wins over insufficient balance wording",
			message:  "permission expired: not enough time remaining",
			wantKind: KindTerminal,
			wantCode: domain.ErrorCodePermissionExpired,
		},
		{
			name:     "insufficient balance wins over transient wording",
			message:  "insufficient balance, temporarily unable to complete",
			wantKind: KindRetryablePayment,
			wantCode: domain.ErrorCodeInsufficientBalance,
		},
		{
			name:     "matching is case insensitive",
			message:  "Permission REVOKED",
			wantKind: KindTerminal,
			wantCode: domain.ErrorCodePermissionRevoked,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Classify(errors.New(tt.message))
			assert.Equal(t, tt.wantKind, res.Kind)
			assert.Equal(t, tt.wantCode, res.Code)
		})
	}
}

func TestClassify_NilError(t *testing.T) {
	res := Classify(nil)
	assert.Equal(t, KindOther, res.Kind)
	assert.Equal(t, domain.ErrorCodePaymentFailed, res.Code)
}

func TestExposableMessage(t *testing.T) {
	payment := errors.New("insufficient balance for transfer")
	res := Classify(payment)
	assert.Equal(t, "insufficient balance for transfer", ExposableMessage(res, payment))

	system := errors.New("provider request failed with error code: 503")
	res = Classify(system)
	assert.Equal(t, domain.SanitizedInternalMessage, ExposableMessage(res, system))
}
