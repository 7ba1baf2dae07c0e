package activation

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/kevin07696/billing-engine/internal/domain"
	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/internal/domain/ports"
	"github.com/kevin07696/billing-engine/internal/testutil/mocks"
	"github.com/kevin07696/billing-engine/pkg/resourcemgmt"
)

const (
	testSubID       = "0xaaaa0123456789abcdef0123456789abcdef0123456789abcdef0123456789ab"
	testAccountID   = "acct_1"
	testSpender     = "0x2222222222222222222222222222222222222222"
	testBeneficiary = "0x1111111111111111111111111111111111111111"
)

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
	tracker   *resourcemgmt.Tracker
	svc       *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:     new(mocks.SubscriptionStore),
		provider:  new(mocks.OnchainProvider),
		scheduler: new(mocks.OrderScheduler),
		emitter:   new(mockEmitter),
		tracker:   resourcemgmt.NewTracker(zap.NewNop()),
	}
	f.svc = New(f.store, f.provider, f.scheduler, f.emitter, f.tracker, testSpender, zap.NewNop())
	return f
}

// drain waits for the background activation charge to finish.
func (f *fixture) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.tracker.Drain(ctx))
}

func registerRequest() RegisterRequest {
	return RegisterRequest{
		SubscriptionID: testSubID,
		Provider:       "cdp",
		Testnet:        false,
		Beneficiary:    testBeneficiary,
	}
}

func fullStatus() *ports.PermissionStatus {
	remaining := decimal.RequireFromString("0.5")
	currentStart := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	nextStart := currentStart.Add(time.Minute)
	period := int64(60)
	return &ports.PermissionStatus{
		IsSubscribed:            true,
		SubscriptionOwner:       testSpender,
		RemainingChargeInPeriod: &remaining,
		CurrentPeriodStart:      &currentStart,
		NextPeriodStart:         &nextStart,
		RecurringCharge:         decimal.RequireFromString("1.0"),
		PeriodInSeconds:         &period,
		PermissionExists:        true,
	}
}

func TestRegister_HappyPath(t *testing.T) {
	f := newFixture(t)
	status := fullStatus()

	f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.MatchedBy(func(sub *models.Subscription) bool {
		return sub.ID == testSubID && sub.Status == models.SubStatusProcessing && sub.AccountID == testAccountID
	}), mock.AnythingOfType("models.NewOrder")).
		Return(&ports.CreateSubscriptionResult{Created: true, OrderID: 1, OrderNumber: 1}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(status, nil)

	// Activation charges the remaining amount for the current period.
	f.provider.On("Charge", mock.Anything, testSubID, decimal.RequireFromString("0.5"), testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xTX1", Success: true}, nil)
	f.store.On("ExecuteSubscriptionActivation", mock.Anything, testSubID, int64(1), "0xTX1",
		mock.MatchedBy(func(paid models.NewOrder) bool {
			return paid.Type == models.OrderTypeInitial && paid.Amount.Equal(decimal.RequireFromString("0.5"))
		}),
		mock.MatchedBy(func(next models.NewOrder) bool {
			return next.Type == models.OrderTypeRecurring &&
				next.Amount.Equal(decimal.RequireFromString("1.0")) &&
				next.DueAt.Equal(*status.NextPeriodStart)
		})).Return(int64(2), nil)
	f.scheduler.On("Set", mock.Anything, int64(2), *status.NextPeriodStart, "cdp", false).Return(nil)

	var events []models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		events = append(events, args.Get(2).(models.EventData))
	}).Return(nil)

	require.NoError(t, f.svc.Register(context.Background(), testAccountID, registerRequest()))
	f.drain(t)

	f.store.AssertExpectations(t)
	f.scheduler.AssertExpectations(t)

	// subscription.created (processing) first, then activated with the tx.
	require.Len(t, events, 2)
	assert.Equal(t, "processing", events[0].Subscription.Status)
	assert.Nil(t, events[0].Transaction)
	assert.Equal(t, "active", events[1].Subscription.Status)
	require.NotNil(t, events[1].Transaction)
	assert.Equal(t, "0xTX1", events[1].Transaction.Hash)
	require.NotNil(t, events[1].Order)
	assert.Equal(t, 1, events[1].Order.Number)
}

// A permission whose period allowance is already spent still activates;
// the first charge falls back to the recurring price.
func TestRegister_ZeroRemainingChargesRecurringPrice(t *testing.T) {
	f := newFixture(t)
	status := fullStatus()
	zero := decimal.Zero
	status.RemainingChargeInPeriod = &zero

	f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(&ports.CreateSubscriptionResult{Created: true, OrderID: 1, OrderNumber: 1}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(status, nil)
	f.provider.On("Charge", mock.Anything, testSubID, decimal.RequireFromString("1.0"), testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xTX1", Success: true}, nil)
	f.store.On("ExecuteSubscriptionActivation", mock.Anything, testSubID, int64(1), "0xTX1",
		mock.MatchedBy(func(paid models.NewOrder) bool {
			return paid.Amount.Equal(decimal.RequireFromString("1.0"))
		}),
		mock.Anything).Return(int64(2), nil)
	f.scheduler.On("Set", mock.Anything, int64(2), mock.AnythingOfType("time.Time"), "cdp", false).Return(nil)
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Return(nil)

	require.NoError(t, f.svc.Register(context.Background(), testAccountID, registerRequest()))
	f.drain(t)

	f.store.AssertExpectations(t)
	f.provider.AssertExpectations(t)
}

func TestRegister_InvalidSubscriptionID(t *testing.T) {
	f := newFixture(t)
	req := registerRequest()
	req.SubscriptionID = "not-a-hash"

	err := f.svc.Register(context.Background(), testAccountID, req)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeInvalidSubscription, domain.GetErrorCode(err))
	f.store.AssertNotCalled(t, "CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything)
}

func TestRegister_Duplicate(t *testing.T) {
	f := newFixture(t)
	f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(&ports.CreateSubscriptionResult{Created: false}, nil)

	err := f.svc.Register(context.Background(), testAccountID, registerRequest())
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeSubscriptionExists, domain.GetErrorCode(err))
	f.provider.AssertNotCalled(t, "GetStatus", mock.Anything, mock.Anything)
}

func TestRegister_PermissionChecks(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*ports.PermissionStatus)
		wantCode domain.ErrorCode
	}{
		{"not subscribed", func(s *ports.PermissionStatus) { s.IsSubscribed = false }, domain.ErrorCodeSubscriptionInactive},
		{"wrong spender", func(s *ports.PermissionStatus) { s.SubscriptionOwner = "0xsomeoneelse" }, domain.ErrorCodeForbidden},
		{"missing remaining charge", func(s *ports.PermissionStatus) { s.RemainingChargeInPeriod = nil }, domain.ErrorCodeInvalidConfiguration},
		{"missing next period", func(s *ports.PermissionStatus) { s.NextPeriodStart = nil }, domain.ErrorCodeInvalidConfiguration},
		{"missing period length", func(s *ports.PermissionStatus) { s.PeriodInSeconds = nil }, domain.ErrorCodeInvalidConfiguration},
		{"zero recurring charge", func(s *ports.PermissionStatus) { s.RecurringCharge = decimal.Zero }, domain.ErrorCodeInvalidConfiguration},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			status := fullStatus()
			tc.mutate(status)

			f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything).
				Return(&ports.CreateSubscriptionResult{Created: true, OrderID: 1, OrderNumber: 1}, nil)
			f.provider.On("GetStatus", mock.Anything, testSubID).Return(status, nil)
			f.store.On("MarkSubscriptionIncomplete", mock.Anything, testSubID, int64(1),
				string(tc.wantCode), mock.AnythingOfType("string")).Return(nil)

			err := f.svc.Register(context.Background(), testAccountID, registerRequest())
			require.Error(t, err)
			assert.Equal(t, tc.wantCode, domain.GetErrorCode(err))
			f.store.AssertExpectations(t)
			f.provider.AssertNotCalled(t, "Charge", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestRegister_ActivationChargeFailure(t *testing.T) {
	f := newFixture(t)
	status := fullStatus()
	chargeErr := errors.New("insufficient balance")

	f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(&ports.CreateSubscriptionResult{Created: true, OrderID: 1, OrderNumber: 1}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(status, nil)
	f.provider.On("Charge", mock.Anything, testSubID, decimal.RequireFromString("0.5"), testBeneficiary).
		Return(nil, chargeErr)
	f.store.On("MarkSubscriptionIncomplete", mock.Anything, testSubID, int64(1),
		string(domain.ErrorCodeInsufficientBalance), chargeErr.Error()).Return(nil)

	var events []models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		events = append(events, args.Get(2).(models.EventData))
	}).Return(nil)

	// Registration itself still succeeds; the failure is asynchronous.
	require.NoError(t, f.svc.Register(context.Background(), testAccountID, registerRequest()))
	f.drain(t)

	f.store.AssertExpectations(t)
	f.store.AssertNotCalled(t, "ExecuteSubscriptionActivation",
		mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)

	require.Len(t, events, 2)
	assert.Equal(t, "incomplete", events[1].Subscription.Status)
	require.NotNil(t, events[1].Error)
	assert.Equal(t, string(domain.ErrorCodeInsufficientBalance), events[1].Error.Code)
	assert.Equal(t, chargeErr.Error(), events[1].Error.Message)
}

// After Drain the charge runs inline instead of being dropped.
func TestRegister_DrainingTrackerRunsInline(t *testing.T) {
	f := newFixture(t)
	status := fullStatus()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.tracker.Drain(ctx))

	f.store.On("CreateSubscriptionWithOrder", mock.Anything, mock.Anything, mock.Anything).
		Return(&ports.CreateSubscriptionResult{Created: true, OrderID: 1, OrderNumber: 1}, nil)
	f.provider.On("GetStatus", mock.Anything, testSubID).Return(status, nil)
	f.provider.On("Charge", mock.Anything, testSubID, decimal.RequireFromString("0.5"), testBeneficiary).
		Return(&ports.ChargeResult{TransactionHash: "0xTX1", Success: true}, nil)
	f.store.On("ExecuteSubscriptionActivation", mock.Anything, testSubID, int64(1), "0xTX1",
		mock.Anything, mock.Anything).Return(int64(2), nil)
	f.scheduler.On("Set", mock.Anything, int64(2), mock.AnythingOfType("time.Time"), "cdp", false).Return(nil)
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Return(nil)

	require.NoError(t, f.svc.Register(context.Background(), testAccountID, registerRequest()))
	// No drain needed: the charge already ran on the calling goroutine.
	f.store.AssertExpectations(t)
}

func TestCancel(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetSubscription", mock.Anything, testSubID).Return(&models.Subscription{
		ID:        testSubID,
		AccountID: testAccountID,
		Status:    models.SubStatusActive,
	}, nil)
	f.store.On("CancelSubscription", mock.Anything, testSubID).Return(nil)
	f.store.On("CancelPendingOrders", mock.Anything, testSubID).Return([]int64{5, 6}, nil)
	f.scheduler.On("Delete", mock.Anything, int64(5)).Return(nil)
	f.scheduler.On("Delete", mock.Anything, int64(6)).Return(nil)

	var emitted models.EventData
	f.emitter.On("Emit", mock.Anything, testAccountID, mock.Anything).Run(func(args mock.Arguments) {
		emitted = args.Get(2).(models.EventData)
	}).Return(nil)

	sub, err := f.svc.Cancel(context.Background(), testAccountID, testSubID)
	require.NoError(t, err)
	assert.Equal(t, models.SubStatusCanceled, sub.Status)
	f.scheduler.AssertExpectations(t)
	assert.Equal(t, "canceled", emitted.Subscription.Status)
}

func TestCancel_OtherAccountsSubscriptionHidden(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetSubscription", mock.Anything, testSubID).Return(&models.Subscription{
		ID:        testSubID,
		AccountID: "acct_other",
		Status:    models.SubStatusActive,
	}, nil)

	_, err := f.svc.Cancel(context.Background(), testAccountID, testSubID)
	require.Error(t, err)
	assert.Equal(t, domain.ErrorCodeSubscriptionNotFound, domain.GetErrorCode(err))
	f.store.AssertNotCalled(t, "CancelSubscription", mock.Anything, mock.Anything)
}

func TestListOrders_ChecksOwnership(t *testing.T) {
	f := newFixture(t)
	f.store.On("GetSubscription", mock.Anything, testSubID).Return(&models.Subscription{
		ID:        testSubID,
		AccountID: testAccountID,
	}, nil)
	f.store.On("ListOrders", mock.Anything, testSubID).Return([]*models.Order{{ID: 1, OrderNumber: 1}}, nil)

	orders, err := f.svc.ListOrders(context.Background(), testAccountID, testSubID)
	require.NoError(t, err)
	require.Len(t, orders, 1)
}
