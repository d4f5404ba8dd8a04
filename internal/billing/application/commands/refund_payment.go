package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
)

// CaptureRefunder returns captured money to the buyer at the gateway.
type CaptureRefunder interface {
	RefundCapture(ctx context.Context, captureRef string, amount sharedDomain.Money, reason string) (string, error)
}

// RefundPaymentCommand contains the data needed to refund a captured payment.
// Amount is in minor units; zero refunds everything not yet refunded.
type RefundPaymentCommand struct {
	PaymentID uuid.UUID
	UserID    uuid.UUID
	Amount    int64
	Reason    string
}

// RefundPaymentResult contains the result of a refund.
type RefundPaymentResult struct {
	PaymentID     uuid.UUID
	RefundRef     string
	Status        string
	RefundedTotal int64
}

// RefundPaymentHandler handles the RefundPaymentCommand. The gateway refund
// runs first: recording a refund that never reached the buyer is worse than
// the reverse, which reconciliation can repair from the logged refund
// reference.
type RefundPaymentHandler struct {
	payments   domain.Repository
	gateway    CaptureRefunder
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
	logger     *slog.Logger
}

// NewRefundPaymentHandler creates a new RefundPaymentHandler.
func NewRefundPaymentHandler(
	payments domain.Repository,
	gw CaptureRefunder,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *RefundPaymentHandler {
	return &RefundPaymentHandler{
		payments:   payments,
		gateway:    gw,
		outboxRepo: outboxRepo,
		uow:        uow,
		logger:     logger,
	}
}

// Handle executes the RefundPaymentCommand.
func (h *RefundPaymentHandler) Handle(ctx context.Context, cmd RefundPaymentCommand) (*RefundPaymentResult, error) {
	payment, err := h.payments.FindByID(ctx, cmd.PaymentID)
	if err != nil {
		return nil, err
	}
	if payment == nil {
		return nil, domain.ErrPaymentNotFound
	}
	if payment.UserID() != cmd.UserID {
		return nil, domain.ErrNotOwner
	}
	if payment.Status() != domain.PaymentSucceeded {
		return nil, domain.ErrInvalidTransition
	}
	if payment.CaptureRef() == "" {
		return nil, domain.ErrInvalidTransition
	}

	amount, err := h.refundAmount(payment, cmd.Amount)
	if err != nil {
		return nil, err
	}

	refundRef, err := h.gateway.RefundCapture(ctx, payment.CaptureRef(), amount, cmd.Reason)
	if err != nil {
		return nil, err
	}

	err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		fresh, err := h.payments.FindByID(txCtx, cmd.PaymentID)
		if err != nil {
			return err
		}
		if fresh == nil {
			return domain.ErrPaymentNotFound
		}
		if err := fresh.Refund(amount, time.Now().UTC()); err != nil {
			return err
		}
		if err := h.payments.Save(txCtx, fresh); err != nil {
			return err
		}

		events := fresh.DomainEvents()
		sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(cmd.UserID))
		msgs := make([]*outbox.Message, 0, len(events))
		for _, event := range events {
			msg, err := outbox.NewMessage(event)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		if err := h.outboxRepo.SaveBatch(txCtx, msgs); err != nil {
			return err
		}

		payment = fresh
		return nil
	})
	if err != nil {
		h.logger.Error("gateway refund succeeded but was not recorded, needs reconciliation",
			"payment_id", cmd.PaymentID,
			"capture_ref", payment.CaptureRef(),
			"refund_ref", refundRef,
			"amount", amount.Amount(),
			"error", err,
		)
		return nil, err
	}

	return &RefundPaymentResult{
		PaymentID:     payment.ID(),
		RefundRef:     refundRef,
		Status:        string(payment.Status()),
		RefundedTotal: payment.RefundedAmount().Amount(),
	}, nil
}

// refundAmount resolves the requested minor units against what is still
// refundable. Zero means everything left.
func (h *RefundPaymentHandler) refundAmount(payment *domain.Payment, requested int64) (sharedDomain.Money, error) {
	remaining, err := payment.Amount().Sub(payment.RefundedAmount())
	if err != nil {
		return sharedDomain.Money{}, err
	}
	if requested == 0 {
		return remaining, nil
	}

	amount, err := sharedDomain.NewMoney(requested, payment.Amount().Currency())
	if err != nil {
		return sharedDomain.Money{}, err
	}
	if _, err := remaining.Sub(amount); err != nil {
		return sharedDomain.Money{}, domain.ErrInvalidRefundAmount
	}
	return amount, nil
}
