package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/pagevault/pagevault-backend/pkg/db/models"
	"github.com/pagevault/pagevault-backend/pkg/enums"
	"github.com/pagevault/pagevault-backend/pkg/outbox"
)

// PaymentSucceededEvent notifies downstream consumers that a purchase
// completed and an entitlement now exists.
type PaymentSucceededEvent struct {
	MerchantOrderID string    `json:"merchantOrderId"`
	UserID          uuid.UUID `json:"userId"`
	BookID          uuid.UUID `json:"bookId"`
	AmountMinor     int64     `json:"amountMinor"`
	Currency        string    `json:"currency"`
	PaymentMethod   string    `json:"paymentMethod,omitempty"`
	CompletedAt     time.Time `json:"completedAt"`
}

// PaymentFailedEvent notifies downstream consumers of a terminal failure.
type PaymentFailedEvent struct {
	MerchantOrderID string    `json:"merchantOrderId"`
	UserID          uuid.UUID `json:"userId"`
	BookID          uuid.UUID `json:"bookId"`
	ErrorCode       string    `json:"errorCode,omitempty"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
	FailedAt        time.Time `json:"failedAt"`
}

// PaymentRefundedEvent notifies downstream consumers that funds were returned
// and the entitlement revoked.
type PaymentRefundedEvent struct {
	MerchantOrderID string    `json:"merchantOrderId"`
	UserID          uuid.UUID `json:"userId"`
	BookID          uuid.UUID `json:"bookId"`
	RefundID        string    `json:"refundId"`
	AmountMinor     int64     `json:"amountMinor"`
	RefundedAt      time.Time `json:"refundedAt"`
}

// ReconcileRequestedEvent asks the repair job to re-derive a payment's state
// from the gateway, typically after a webhook was acked but not applied.
type ReconcileRequestedEvent struct {
	MerchantOrderID string    `json:"merchantOrderId"`
	Reason          string    `json:"reason"`
	RequestedAt     time.Time `json:"requestedAt"`
}

// Succeeded builds the outbox event for a completed purchase.
func Succeeded(payment *models.Payment, occurredAt time.Time) outbox.DomainEvent {
	method := ""
	if payment.PaymentMethod != nil {
		method = *payment.PaymentMethod
	}
	return outbox.DomainEvent{
		EventType:     enums.EventPaymentSucceeded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		OccurredAt:    occurredAt,
		Data: PaymentSucceededEvent{
			MerchantOrderID: payment.MerchantOrderID,
			UserID:          payment.UserID,
			BookID:          payment.BookID,
			AmountMinor:     payment.AmountMinor,
			Currency:        payment.Currency,
			PaymentMethod:   method,
			CompletedAt:     occurredAt,
		},
	}
}

// Failed builds the outbox event for a terminal failure.
func Failed(payment *models.Payment, errorCode, errorMessage string, occurredAt time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventPaymentFailed,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		OccurredAt:    occurredAt,
		Data: PaymentFailedEvent{
			MerchantOrderID: payment.MerchantOrderID,
			UserID:          payment.UserID,
			BookID:          payment.BookID,
			ErrorCode:       errorCode,
			ErrorMessage:    errorMessage,
			FailedAt:        occurredAt,
		},
	}
}

// Refunded builds the outbox event for a completed refund.
func Refunded(payment *models.Payment, refundID string, amountMinor int64, occurredAt time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventPaymentRefunded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		OccurredAt:    occurredAt,
		Data: PaymentRefundedEvent{
			MerchantOrderID: payment.MerchantOrderID,
			UserID:          payment.UserID,
			BookID:          payment.BookID,
			RefundID:        refundID,
			AmountMinor:     amountMinor,
			RefundedAt:      occurredAt,
		},
	}
}

// ReconcileRequested builds the repair request event for a payment whose
// webhook could not be applied.
func ReconcileRequested(payment *models.Payment, reason string, occurredAt time.Time) outbox.DomainEvent {
	return outbox.DomainEvent{
		EventType:     enums.EventReconcileRequested,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Version:       1,
		OccurredAt:    occurredAt,
		Data: ReconcileRequestedEvent{
			MerchantOrderID: payment.MerchantOrderID,
			Reason:          reason,
			RequestedAt:     occurredAt,
		},
	}
}
