package webhook

import (
	"time"

	"github.com/kevin07696/billing-engine/internal/domain/models"
	"github.com/kevin07696/billing-engine/pkg/timeutil"
)

// Event payload builders. The period fields always describe the period the
// order pays for: starting at its due time and running one period length.

// SubscriptionData snapshots a subscription for the event envelope.
func SubscriptionData(id string, status models.SubscriptionStatus, amount string, periodSeconds int64) models.EventSubscription {
	return models.EventSubscription{
		ID:              id,
		Status:          string(status),
		Amount:          amount,
		PeriodInSeconds: periodSeconds,
	}
}

// PaidOrderData describes a settled order with its transaction.
func PaidOrderData(order *models.Order, txHash string) (models.EventOrder, models.EventTransaction) {
	start, end := order.CurrentPeriod()
	return models.EventOrder{
			Number:             order.OrderNumber,
			Type:               string(order.Type),
			Amount:             order.Amount.String(),
			Status:             string(models.OrderStatusPaid),
			CurrentPeriodStart: timeutil.UnixPtr(start),
			CurrentPeriodEnd:   timeutil.UnixPtr(end),
		}, models.EventTransaction{
			Hash:        txHash,
			Amount:      order.Amount.String(),
			ProcessedAt: timeutil.Now().Unix(),
		}
}

// FailedOrderData describes a failed order; nextRetryAt is nil once no
// further retry is scheduled.
func FailedOrderData(order *models.Order, nextRetryAt *time.Time) models.EventOrder {
	eo := models.EventOrder{
		Number: order.OrderNumber,
		Type:   string(order.Type),
		Amount: order.Amount.String(),
		Status: string(models.OrderStatusFailed),
	}
	if nextRetryAt != nil {
		eo.NextRetryAt = timeutil.UnixPtr(*nextRetryAt)
	}
	return eo
}

// ErrorData carries the mapped failure code and its exposable message.
func ErrorData(code, message string) *models.EventError {
	return &models.EventError{Code: code, Message: message}
}
