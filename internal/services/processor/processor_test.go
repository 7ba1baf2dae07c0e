package processor

import (
	"context"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/billing/dunning"
	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/internal/testutil/mocks"
)

const (
	testSubID       = "0x" + "ab" + "cdef0123456789abcdef0123456789abcdef0123456789abcdef0123456789ab"
	testAccountID   = "acct_1"
	testBeneficiary = "0x1111111111111111111111111111111111111111"
)

func deliveryWithBody(b []byte) amqp.Delivery {
	return amqp.Delivery{Body: b}
}

type mockEmitter struct {
	mock.Mock
}

func (m *mockEmitter) Emit(ctx context.Context, accountID string, data models.EventData) error {
	args := m.Called(ctx, accountID, data)
	return args.Error(0)
}

type fixture struct {
	store     *mocks.SubscriptionStore
	provider  *mocks.OnchainProvider
	scheduler *mocks.OrderScheduler
	emitter   *mockEmitter
	proc      *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     new(mocks.SubscriptionStore),
		provider:  new(mocks.OnchainProvider),
		scheduler: new(mocks.OrderScheduler),
		emitter:   new(mockEmitter),
	}
	f.proc = New(f.store, f.provider, f.scheduler, f.emitter, dunning.Default(), zap.NewNop())
	return f
}

func recurringDetails() *models.OrderDetails {
	return &models.OrderDetails{
		Order: models.Order{
			ID:             42,
			SubscriptionID: testSubID,
			OrderNumber:    2,
			Type:           models.OrderTypeRecurring,
			DueAt:          time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC),
			Amount:         decimal.RequireFromString("9.99"),
			PeriodSeconds:  2592000,
			Status:         models.OrderStatusPending,
		},
		AccountID:          testAccountID,
		BeneficiaryAddress: testBeneficiary,
		Provider:           "cdp",
		SubscriptionStatus: models.SubStatusActive,
	}
}

func activeStatus(nextStart time.Time) *ports.PermissionStatus {
	period := int64(2592000)
	return &ports.PermissionStatus{
		IsSubscribed:     true,
		NextPeriodStart:  &nextStart,
		RecurringCharge:  decimal.RequireFromString("9.99"),
		PeriodInSeconds:  &period,
		PermissionExists: true,
	}
}

func TestHandleChargeTask_RecurringSuccess(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	nextStart := details.DueAt.Add(30 * 24 * time.Hour)

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xtx", Success: true}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(activeStatus(nextStart), nil)
	f.store.On("RecordRecurringSuccess", mock.Anything, testSubID, int64(42), "0xtx",
		mock.MatchedBy(func(next *models.NewOrder) bool {
			return next != nil && next.Type == models.OrderTypeRecurring && next.DueAt.Equal(nextStart)
		})).Return(int64(43), nil)
	f.scheduler.On("Set", mock.Anything, int64(43), nextStart, "cdp", false).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	err := f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42})
	require.NoError(t, err)

	f.store.AssertExpectations(t)
	f.scheduler.AssertExpectations(t)
	assert.Equal(t, "active", emitted.Subscription.Status)
	require.NotNil(t, emitted.Order)
	assert.Equal(t, "paid", emitted.Order.Status)
	require.NotNil(t, emitted.Transaction)
	assert.Equal(t, "0xtx", emitted.Transaction.Hash)
	assert.Nil(t, emitted.Error)
}

func TestHandleChargeTask_LastPeriodNoNextOrder(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xtx", Success: true}, nil)
	// Permission has no further period.
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(&ports.PermissionStatus{
		IsSubscribed:     false,
		PermissionExists: true,
	}, nil)
	f.store.On("RecordRecurringSuccess", mock.Anything, testSubID, int64(42), "0xtx",
		(*models.NewOrder)(nil)).Return(int64(0), nil)
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42}))
	f.scheduler.AssertNotCalled(t, "Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChargeTask_UnknownOrderDropped(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetOrderDetails", mock.Anything, int64(7)).Return(nil, domain.ErrOrderNotFound)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 7}))
	f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChargeTask_StaleGuards(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*models.OrderDetails)
		isRetry bool
	}{
		{"order already paid", func(d *models.OrderDetails) { d.Status = models.OrderStatusPaid }, false},
		{"subscription canceled", func(d *models.OrderDetails) { d.SubscriptionStatus = models.SubStatusCanceled }, false},
		{"subscription unpaid", func(d *models.OrderDetails) { d.SubscriptionStatus = models.SubStatusUnpaid }, true},
		{"failed order, not a retry", func(d *models.OrderDetails) { d.Status = models.OrderStatusFailed }, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			details := recurringDetails()
			tc.mutate(details)
			f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)

			err := f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42, IsRetry: tc.isRetry})
			require.NoError(t, err)
			f.store.AssertNotCalled(t, "MarkOrderProcessing", mock.Anything, mock.Anything)
			f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

// A redelivered task whose charge already settled must not charge again.
func TestHandleChargeTask_SettledChargeNotRepeated(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	details.Status = models.OrderStatusProcessing

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("0xsettled", nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42}))
	f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChargeTask_TerminalFailureCancels(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	chargeErr := errors.New("spend permission has been revoked")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)
	f.store.On("UpdateOrder", mock.Anything, int64(42), models.OrderStatusFailed,
		string(domain.ErrorCodePermissionRevoked), chargeErr.Error(), "").Return(2, nil)
	f.store.On("CancelSubscription", mock.Anything, testSubID).Return(nil)
	f.store.On("CancelPendingOrders", mock.Anything, testSubID).Return([]int64{43}, nil)
	f.scheduler.On("Delete", mock.Anything, int64(43)).Return(nil)
	f.scheduler.On("Delete", mock.Anything, int64(42)).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42}))

	f.store.AssertExpectations(t)
	f.scheduler.AssertExpectations(t)
	assert.Equal(t, "canceled", emitted.Subscription.Status)
	require.NotNil(t, emitted.Error)
	assert.Equal(t, string(domain.ErrorCodePermissionRevoked), emitted.Error.Code)
	// Payment-class failures expose the provider message verbatim.
	assert.Equal(t, chargeErr.Error(), emitted.Error.Message)
}

func TestHandleChargeTask_InsufficientBalanceSchedulesRetry(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	chargeErr := errors.New("transfer failed: insufficient balance")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)

	var scheduledAt time.Time
	f.store.On("ScheduleRetry", mock.Anything, int64(42), testSubID, mock.AnythingOfType("time.Time"),
		string(domain.ErrorCodeInsufficientBalance), chargeErr.Error()).
		Run(func(args mock.Arguments) { scheduledAt = args.Get(3).(time.Time) }).Return(nil)
	f.scheduler.On("Set", mock.Anything, int64(42), mock.AnythingOfType("time.Time"), "cdp", true).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42}))

	// First failure waits the first dunning interval.
	assert.WithinDuration(t, time.Now().UTC().Add(24*time.Hour), scheduledAt, 5*time.Second)
	assert.Equal(t, "past_due", emitted.Subscription.Status)
	require.NotNil(t, emitted.Order)
	require.NotNil(t, emitted.Order.NextRetryAt)
	assert.Equal(t, scheduledAt.Unix(), *emitted.Order.NextRetryAt)
}

// The third failure indexes the third dunning interval.
func TestHandleChargeTask_LaterRetryUsesLaterInterval(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	details.Status = models.OrderStatusFailed
	details.Attempts = 2
	chargeErr := errors.New("insufficient balance")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)

	var scheduledAt time.Time
	f.store.On("ScheduleRetry", mock.Anything, int64(42), testSubID, mock.AnythingOfType("time.Time"),
		string(domain.ErrorCodeInsufficientBalance), chargeErr.Error()).
		Run(func(args mock.Arguments) { scheduledAt = args.Get(3).(time.Time) }).Return(nil)
	f.scheduler.On("Set", mock.Anything, int64(42), mock.AnythingOfType("time.Time"), "cdp", true).Return(nil)
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42, IsRetry: true}))
	assert.WithinDuration(t, time.Now().UTC().Add(120*time.Hour), scheduledAt, 5*time.Second)
}

func TestHandleChargeTask_DunningExhaustedGoesUnpaid(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	details.Status = models.OrderStatusFailed
	details.Attempts = 4 // this failure is the fifth and final attempt
	chargeErr := errors.New("insufficient balance")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)
	f.store.On("ExhaustRetries", mock.Anything, int64(42), testSubID,
		string(domain.ErrorCodeInsufficientBalance), chargeErr.Error()).Return(nil)
	f.scheduler.On("Delete", mock.Anything, int64(42)).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42, IsRetry: true}))

	f.store.AssertNotCalled(t, "ScheduleRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	assert.Equal(t, "unpaid", emitted.Subscription.Status)
	require.NotNil(t, emitted.Order)
	assert.Nil(t, emitted.Order.NextRetryAt)
}

func TestHandleChargeTask_UpstreamTransientRequeues(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	chargeErr := errors.New("provider request failed with error code: 503: upstream unavailable")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)

	err := f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42})
	require.ErrorIs(t, err, chargeErr)

	// No billing state changes and no webhook on a provider outage.
	f.store.AssertNotCalled(t, "UpdateOrder", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.store.AssertNotCalled(t, "ScheduleRetry", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	f.emitter.AssertNotCalled(t, "Emit", mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleChargeTask_OtherFailureKeepsBilling(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	nextStart := details.DueAt.Add(30 * 24 * time.Hour)
	chargeErr := errors.New("execution reverted")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).Return(nil, chargeErr)
	f.store.On("UpdateOrder", mock.Anything, int64(42), models.OrderStatusFailed,
		string(domain.ErrorCodePaymentFailed), chargeErr.Error(), "").Return(2, nil)
	f.scheduler.On("Delete", mock.Anything, int64(42)).Return(nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(activeStatus(nextStart), nil)
	f.store.On("CreateOrder", mock.Anything, testSubID, mock.MatchedBy(func(next models.NewOrder) bool {
		return next.Type == models.OrderTypeRecurring && next.DueAt.Equal(nextStart)
	})).Return(int64(44), nil)
	f.scheduler.On("Set", mock.Anything, int64(44), nextStart, "cdp", false).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	require.NoError(t, f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42}))

	f.store.AssertExpectations(t)
	assert.Equal(t, "active", emitted.Subscription.Status)
	require.NotNil(t, emitted.Error)
	assert.Equal(t, string(domain.ErrorCodePaymentFailed), emitted.Error.Code)
}

func TestHandleChargeTask_StatusLookupFailureAfterSuccessRetries(t *testing.T) {
	f := newFixture(t)
	details := recurringDetails()
	statusErr := errors.New("provider request failed: connection reset")

	f.store.On("GetOrderDetails", mock.Anything, int64(42)).Return(details, nil)
	f.store.On("MarkOrderProcessing", mock.Anything, int64(42)).Return(nil)
	f.store.On("GetSuccessfulTransaction", mock.Anything, int64(42)).Return("", nil)
	f.provider.On("Charge", mock.Anything, testSubID, details.Amount, testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xtx", Success: true}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(nil, statusErr)

	err := f.proc.HandleChargeTask(context.Background(), ports.ChargeTask{OrderID: 42})
	require.ErrorIs(t, err, statusErr)
	f.store.AssertNotCalled(t, "RecordRecurringSuccess", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandler_MalformedTaskFails(t *testing.T) {
	f := newFixture(t)
	h := f.proc.Handler()
	err := h(context.Background(), deliveryWithBody([]byte("not json")))
	require.Error(t, err)
}

func TestHandler_DecodesTask(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetOrderDetails", mock.Anything, int64(9)).Return(nil, domain.ErrOrderNotFound)

	h := f.proc.Handler()
	require.NoError(t, h(context.Background(), deliveryWithBody([]byte(`{"order_id":9,"is_retry":true}`))))
	f.store.AssertExpectations(t)
}
