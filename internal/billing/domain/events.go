package domain

import (
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
)

const aggregateType = "Payment"

// PaymentInitiated is emitted when a checkout creates a pending payment.
type PaymentInitiated struct {
	sharedDomain.BaseEvent
	PaymentID       uuid.UUID `json:"payment_id"`
	UserID          uuid.UUID `json:"user_id"`
	Tier            string    `json:"tier"`
	Interval        string    `json:"interval"`
	Amount          int64     `json:"amount"`
	Currency        string    `json:"currency"`
	OrderRef        string    `json:"order_ref,omitempty"`
	SubscriptionRef string    `json:"subscription_ref,omitempty"`
}

// NewPaymentInitiated creates a PaymentInitiated event.
func NewPaymentInitiated(p *Payment) *PaymentInitiated {
	return &PaymentInitiated{
		BaseEvent:       sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.initiated"),
		PaymentID:       p.ID(),
		UserID:          p.UserID(),
		Tier:            p.Tier(),
		Interval:        p.Interval(),
		Amount:          p.Amount().Amount(),
		Currency:        p.Amount().Currency(),
		OrderRef:        p.OrderRef(),
		SubscriptionRef: p.SubscriptionRef(),
	}
}

// PaymentCaptured is emitted when the gateway confirms the capture.
type PaymentCaptured struct {
	sharedDomain.BaseEvent
	PaymentID       uuid.UUID  `json:"payment_id"`
	UserID          uuid.UUID  `json:"user_id"`
	Tier            string     `json:"tier"`
	Interval        string     `json:"interval"`
	Amount          int64      `json:"amount"`
	Currency        string     `json:"currency"`
	OrderRef        string     `json:"order_ref,omitempty"`
	SubscriptionRef string     `json:"subscription_ref,omitempty"`
	CaptureRef      string     `json:"capture_ref,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// NewPaymentCaptured creates a PaymentCaptured event.
func NewPaymentCaptured(p *Payment) *PaymentCaptured {
	return &PaymentCaptured{
		BaseEvent:       sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.succeeded"),
		PaymentID:       p.ID(),
		UserID:          p.UserID(),
		Tier:            p.Tier(),
		Interval:        p.Interval(),
		Amount:          p.Amount().Amount(),
		Currency:        p.Amount().Currency(),
		OrderRef:        p.OrderRef(),
		SubscriptionRef: p.SubscriptionRef(),
		CaptureRef:      p.CaptureRef(),
		CompletedAt:     p.CompletedAt(),
	}
}

// PaymentCaptureFailed is emitted when the gateway reports a failed capture.
type PaymentCaptureFailed struct {
	sharedDomain.BaseEvent
	PaymentID uuid.UUID `json:"payment_id"`
	UserID    uuid.UUID `json:"user_id"`
	OrderRef  string    `json:"order_ref,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// NewPaymentCaptureFailed creates a PaymentCaptureFailed event.
func NewPaymentCaptureFailed(p *Payment, reason string) *PaymentCaptureFailed {
	return &PaymentCaptureFailed{
		BaseEvent: sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.failed"),
		PaymentID: p.ID(),
		UserID:    p.UserID(),
		OrderRef:  p.OrderRef(),
		Reason:    reason,
	}
}

// PaymentVoided is emitted when a pending payment is closed unfulfilled.
type PaymentVoided struct {
	sharedDomain.BaseEvent
	PaymentID uuid.UUID `json:"payment_id"`
	UserID    uuid.UUID `json:"user_id"`
	OrderRef  string    `json:"order_ref,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// NewPaymentVoided creates a PaymentVoided event.
func NewPaymentVoided(p *Payment, reason string) *PaymentVoided {
	return &PaymentVoided{
		BaseEvent: sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.cancelled"),
		PaymentID: p.ID(),
		UserID:    p.UserID(),
		OrderRef:  p.OrderRef(),
		Reason:    reason,
	}
}

// PaymentRefundIssued is emitted for every refund, partial or full.
type PaymentRefundIssued struct {
	sharedDomain.BaseEvent
	PaymentID     uuid.UUID `json:"payment_id"`
	UserID        uuid.UUID `json:"user_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	TotalRefunded int64     `json:"total_refunded"`
	Full          bool      `json:"full"`
	RefundedAt    time.Time `json:"refunded_at"`
}

// NewPaymentRefundIssued creates a PaymentRefundIssued event.
func NewPaymentRefundIssued(p *Payment, amount sharedDomain.Money, full bool, at time.Time) *PaymentRefundIssued {
	return &PaymentRefundIssued{
		BaseEvent:     sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.refunded"),
		PaymentID:     p.ID(),
		UserID:        p.UserID(),
		Amount:        amount.Amount(),
		Currency:      amount.Currency(),
		TotalRefunded: p.RefundedAmount().Amount(),
		Full:          full,
		RefundedAt:    at,
	}
}

// PaymentChargebackOpened is emitted when a captured payment enters a
// chargeback.
type PaymentChargebackOpened struct {
	sharedDomain.BaseEvent
	PaymentID  uuid.UUID `json:"payment_id"`
	UserID     uuid.UUID `json:"user_id"`
	CaptureRef string    `json:"capture_ref,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	DisputedAt time.Time `json:"disputed_at"`
}

// NewPaymentChargebackOpened creates a PaymentChargebackOpened event.
func NewPaymentChargebackOpened(p *Payment, reason string, at time.Time) *PaymentChargebackOpened {
	return &PaymentChargebackOpened{
		BaseEvent:  sharedDomain.NewBaseEvent(p.ID(), aggregateType, "billing.payment.disputed"),
		PaymentID:  p.ID(),
		UserID:     p.UserID(),
		CaptureRef: p.CaptureRef(),
		Reason:     reason,
		DisputedAt: at,
	}
}
