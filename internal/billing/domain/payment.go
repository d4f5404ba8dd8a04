package domain

import (
	"time"

	"github.com/google/uuid"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
)

// PaymentStatus represents the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentSucceeded PaymentStatus = "succeeded"
	PaymentFailed    PaymentStatus = "failed"
	PaymentCancelled PaymentStatus = "cancelled"
	PaymentRefunded  PaymentStatus = "refunded"
	PaymentDisputed  PaymentStatus = "disputed"
)

// IsValid checks if the status is a known lifecycle state.
func (s PaymentStatus) IsValid() bool {
	switch s {
	case PaymentPending, PaymentSucceeded, PaymentFailed, PaymentCancelled, PaymentRefunded, PaymentDisputed:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether the payment can still change state. Succeeded is
// not terminal: captured money can be refunded or disputed.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentFailed, PaymentCancelled, PaymentRefunded, PaymentDisputed:
		return true
	default:
		return false
	}
}

// Payment is the aggregate tracking a single checkout with the payment
// gateway, from the pending order through capture, refunds and disputes. The
// order reference keys webhook deliveries back to the payment, so the state
// machine here is what makes redeliveries idempotent.
type Payment struct {
	sharedDomain.BaseAggregateRoot
	userID          uuid.UUID
	tier            string
	interval        string
	amount          sharedDomain.Money
	status          PaymentStatus
	orderRef        string
	subscriptionRef string
	captureRef      string
	refundedAmount  sharedDomain.Money
	failureReason   string
	completedAt     *time.Time
}

// NewPayment creates a pending payment for a checkout. Tier and interval name
// the plan being bought; they are validated against the catalog upstream and
// recorded here as plain strings. One of orderRef and subscriptionRef is set
// depending on whether the gateway checkout was a one-time order or a
// recurring subscription.
func NewPayment(userID uuid.UUID, tier, interval string, amount sharedDomain.Money, orderRef, subscriptionRef string) (*Payment, error) {
	if userID == uuid.Nil {
		return nil, ErrMissingUser
	}
	if tier == "" || interval == "" {
		return nil, ErrMissingPlan
	}
	if amount.IsZero() {
		return nil, ErrInvalidAmount
	}

	payment := &Payment{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		userID:            userID,
		tier:              tier,
		interval:          interval,
		amount:            amount,
		status:            PaymentPending,
		orderRef:          orderRef,
		subscriptionRef:   subscriptionRef,
		refundedAmount:    sharedDomain.MustMoney(0, amount.Currency()),
	}

	payment.AddDomainEvent(NewPaymentInitiated(payment))

	return payment, nil
}

// Getters
func (p *Payment) UserID() uuid.UUID                  { return p.userID }
func (p *Payment) Tier() string                       { return p.tier }
func (p *Payment) Interval() string                   { return p.interval }
func (p *Payment) Amount() sharedDomain.Money         { return p.amount }
func (p *Payment) Status() PaymentStatus              { return p.status }
func (p *Payment) OrderRef() string                   { return p.orderRef }
func (p *Payment) SubscriptionRef() string            { return p.subscriptionRef }
func (p *Payment) CaptureRef() string                 { return p.captureRef }
func (p *Payment) RefundedAmount() sharedDomain.Money { return p.refundedAmount }
func (p *Payment) FailureReason() string              { return p.failureReason }
func (p *Payment) CompletedAt() *time.Time            { return p.completedAt }

// MarkSucceeded records a completed capture. Only pending payments can
// succeed; webhook redeliveries for an already captured payment must be
// treated as no-ops by the caller.
func (p *Payment) MarkSucceeded(captureRef string, now time.Time) error {
	if p.status != PaymentPending {
		return ErrInvalidTransition
	}

	p.status = PaymentSucceeded
	p.captureRef = captureRef
	completed := now
	p.completedAt = &completed
	p.Touch()

	p.AddDomainEvent(NewPaymentCaptured(p))

	return nil
}

// MarkFailed records a capture failure reported by the gateway.
func (p *Payment) MarkFailed(reason string) error {
	if p.status != PaymentPending {
		return ErrInvalidTransition
	}

	p.status = PaymentFailed
	p.failureReason = reason
	p.Touch()

	p.AddDomainEvent(NewPaymentCaptureFailed(p, reason))

	return nil
}

// MarkCancelled closes a pending payment that will never be captured, such as
// an abandoned checkout found by reconciliation.
func (p *Payment) MarkCancelled(reason string) error {
	if p.status != PaymentPending {
		return ErrInvalidTransition
	}

	p.status = PaymentCancelled
	p.failureReason = reason
	p.Touch()

	p.AddDomainEvent(NewPaymentVoided(p, reason))

	return nil
}

// Refund returns part or all of a captured amount. Partial refunds accumulate
// and the payment stays succeeded until the full amount is returned; refunding
// past the captured amount is rejected.
func (p *Payment) Refund(amount sharedDomain.Money, now time.Time) error {
	if p.status != PaymentSucceeded {
		return ErrInvalidTransition
	}
	if amount.IsZero() {
		return ErrInvalidRefundAmount
	}

	refunded, err := p.refundedAmount.Add(amount)
	if err != nil {
		return err
	}
	if _, err := p.amount.Sub(refunded); err != nil {
		return ErrInvalidRefundAmount
	}

	p.refundedAmount = refunded
	full := refunded.Equals(p.amount)
	if full {
		p.status = PaymentRefunded
	}
	p.Touch()

	p.AddDomainEvent(NewPaymentRefundIssued(p, amount, full, now))

	return nil
}

// MarkDisputed freezes a captured payment under a chargeback. Disputes are
// terminal here; their resolution happens on the gateway side.
func (p *Payment) MarkDisputed(reason string, now time.Time) error {
	if p.status != PaymentSucceeded {
		return ErrInvalidTransition
	}

	p.status = PaymentDisputed
	p.failureReason = reason
	p.Touch()

	p.AddDomainEvent(NewPaymentChargebackOpened(p, reason, now))

	return nil
}

// RehydratePayment recreates a payment from persisted state without
// generating events.
func RehydratePayment(
	id uuid.UUID,
	userID uuid.UUID,
	tier string,
	interval string,
	amount sharedDomain.Money,
	status PaymentStatus,
	orderRef string,
	subscriptionRef string,
	captureRef string,
	refundedAmount sharedDomain.Money,
	failureReason string,
	completedAt *time.Time,
	version int,
	createdAt time.Time,
	updatedAt time.Time,
) *Payment {
	baseEntity := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	baseAggregate := sharedDomain.RehydrateBaseAggregateRoot(baseEntity, version)

	return &Payment{
		BaseAggregateRoot: baseAggregate,
		userID:            userID,
		tier:              tier,
		interval:          interval,
		amount:            amount,
		status:            status,
		orderRef:          orderRef,
		subscriptionRef:   subscriptionRef,
		captureRef:        captureRef,
		refundedAmount:    refundedAmount,
		failureReason:     failureReason,
		completedAt:       completedAt,
	}
}
