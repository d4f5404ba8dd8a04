package commands

import (
	"context"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/application/services"
	"github.com/letterahq/lettera/internal/billing/domain"
)

// OrderCapturer captures an approved one-time order at the gateway.
type OrderCapturer interface {
	CaptureOrder(ctx context.Context, orderRef string) (string, error)
}

// ConfirmPaymentCommand contains the data needed to capture an approved
// checkout. The buyer lands back on the return URL with the order reference.
type ConfirmPaymentCommand struct {
	UserID   uuid.UUID
	OrderRef string
}

// ConfirmPaymentResult contains the result of a confirmation.
// SubscriptionID is uuid.Nil when confirming did not newly grant a plan.
type ConfirmPaymentResult struct {
	PaymentID      uuid.UUID
	Status         string
	SubscriptionID uuid.UUID
}

// ConfirmPaymentHandler handles the ConfirmPaymentCommand: capture the
// approved order, then settle the payment and grant the plan through the same
// resolver the webhook path uses.
//
// A capture that errors leaves the payment pending. The gateway may have
// processed it anyway, so only a gateway-reported outcome (webhook or
// reconciliation) can mark a payment failed.
type ConfirmPaymentHandler struct {
	payments domain.Repository
	gateway  OrderCapturer
	resolver *services.PaymentResolver
}

// NewConfirmPaymentHandler creates a new ConfirmPaymentHandler.
func NewConfirmPaymentHandler(payments domain.Repository, gw OrderCapturer, resolver *services.PaymentResolver) *ConfirmPaymentHandler {
	return &ConfirmPaymentHandler{
		payments: payments,
		gateway:  gw,
		resolver: resolver,
	}
}

// Handle executes the ConfirmPaymentCommand.
func (h *ConfirmPaymentHandler) Handle(ctx context.Context, cmd ConfirmPaymentCommand) (*ConfirmPaymentResult, error) {
	payment, err := h.payments.FindByOrderRef(ctx, cmd.OrderRef)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	if payment.UserID() != cmd.UserID {
		return nil, domain.ErrNotOwner
	}

	switch payment.Status() {
	case domain.PaymentSucceeded, domain.PaymentRefunded, domain.PaymentDisputed:
		// A retried confirm after the capture landed.
		return &ConfirmPaymentResult{PaymentID: payment.ID(), Status: string(payment.Status())}, nil
	case domain.PaymentFailed, domain.PaymentCancelled:
		return nil, domain.ErrInvalidTransition
	}

	captureRef, err := h.gateway.CaptureOrder(ctx, cmd.OrderRef)
	if err != nil {
		return nil, err
	}

	activation, err := h.resolver.ResolveCaptureCompleted(ctx, cmd.OrderRef, captureRef)
	if err != nil {
		return nil, err
	}

	result := &ConfirmPaymentResult{
		PaymentID: payment.ID(),
		Status:    string(domain.PaymentSucceeded),
	}
	if activation != nil {
		result.SubscriptionID = activation.SubscriptionID
	}
	return result, nil
}
