package commands

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

const defaultCurrency = "EUR"

// CheckoutGateway starts a checkout resource at the payment gateway.
type CheckoutGateway interface {
	CreateOrder(ctx context.Context, amount sharedDomain.Money, description string) (*gateway.CheckoutSession, error)
	CreateSubscription(ctx context.Context, tier, interval string) (*gateway.CheckoutSession, error)
}

// CheckoutCommand contains the data needed to start a checkout.
type CheckoutCommand struct {
	UserID   uuid.UUID
	Tier     string
	Interval string
	// Currency selects the catalog price point; empty means EUR.
	Currency string
}

// CheckoutResult contains the result of starting a checkout. The caller
// redirects the buyer to ApprovalURL; nothing is granted until the gateway
// reports the money moved.
type CheckoutResult struct {
	PaymentID   uuid.UUID
	Kind        gateway.CheckoutKind
	Ref         string
	ApprovalURL string
}

// CheckoutHandler handles the CheckoutCommand. A lifetime plan becomes a
// one-time gateway order, a recurring plan becomes a gateway billing
// agreement; either way a pending payment records the checkout locally.
//
// The gateway resource is created before the local transaction: a payment row
// must carry its gateway reference from the start, and an orphaned gateway
// checkout that never gets a local row simply expires unapproved.
type CheckoutHandler struct {
	payments   domain.Repository
	catalog    subsdomain.Catalog
	gateway    CheckoutGateway
	outboxRepo outbox.Repository
	uow        sharedApplication.UnitOfWork
}

// NewCheckoutHandler creates a new CheckoutHandler.
func NewCheckoutHandler(
	payments domain.Repository,
	catalog subsdomain.Catalog,
	gw CheckoutGateway,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *CheckoutHandler {
	return &CheckoutHandler{
		payments:   payments,
		catalog:    catalog,
		gateway:    gw,
		outboxRepo: outboxRepo,
		uow:        uow,
	}
}

// Handle executes the CheckoutCommand.
func (h *CheckoutHandler) Handle(ctx context.Context, cmd CheckoutCommand) (*CheckoutResult, error) {
	tier := subsdomain.Tier(cmd.Tier)
	if !tier.IsValid() {
		return nil, subsdomain.ErrInvalidTier
	}
	interval := subsdomain.Interval(cmd.Interval)
	if !interval.IsValid() {
		return nil, subsdomain.ErrInvalidInterval
	}
	currency := cmd.Currency
	if currency == "" {
		currency = defaultCurrency
	}

	price, err := h.catalog.PriceOf(tier, interval, currency)
	if err != nil {
		return nil, err
	}

	var session *gateway.CheckoutSession
	if interval.IsRecurring() {
		session, err = h.gateway.CreateSubscription(ctx, cmd.Tier, cmd.Interval)
	} else {
		session, err = h.gateway.CreateOrder(ctx, price, fmt.Sprintf("Lettera %s (%s)", tier, interval))
	}
	if err != nil {
		return nil, err
	}

	var orderRef, subscriptionRef string
	if session.Kind == gateway.OneTimeOrder {
		orderRef = session.Ref
	} else {
		subscriptionRef = session.Ref
	}

	payment, err := domain.NewPayment(cmd.UserID, cmd.Tier, cmd.Interval, price, orderRef, subscriptionRef)
	if err != nil {
		return nil, err
	}

	err = sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		if err := h.payments.Save(txCtx, payment); err != nil {
			return err
		}

		events := payment.DomainEvents()
		sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(cmd.UserID))
		msgs := make([]*outbox.Message, 0, len(events))
		for _, event := range events {
			msg, err := outbox.NewMessage(event)
			if err != nil {
				return err
			}
			msgs = append(msgs, msg)
		}
		return h.outboxRepo.SaveBatch(txCtx, msgs)
	})
	if err != nil {
		return nil, err
	}

	return &CheckoutResult{
		PaymentID:   payment.ID(),
		Kind:        session.Kind,
		Ref:         session.Ref,
		ApprovalURL: session.ApprovalURL,
	}, nil
}
