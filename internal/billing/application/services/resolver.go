package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	subscommands "github.com/letterahq/lettera/internal/subscriptions/application/commands"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
)

// SubscriptionStore is the slice of the subscriptions repository the resolver
// needs to extend or close agreements the gateway reports on.
type SubscriptionStore interface {
	FindBySubscriptionRef(ctx context.Context, ref string) (*subsdomain.Subscription, error)
	Save(ctx context.Context, sub *subsdomain.Subscription) error
}

// Activator grants the plan a settled payment pays for. Its handler joins the
// resolver's transaction, so payment and entitlement move together or not at
// all.
type Activator interface {
	Handle(ctx context.Context, cmd subscommands.ActivateSubscriptionCommand) (*subscommands.ActivateSubscriptionResult, error)
}

// PaymentResolver applies facts reported by the payment gateway to local
// state. Webhook deliveries, the reconciliation sweep and the user-facing
// confirm endpoint all funnel through here, so retries and races resolve the
// same way no matter which path reports first.
//
// Every method is idempotent: a fact that already holds locally is
// acknowledged without a write, and a fact that contradicts a terminal state
// is surfaced as ErrInvalidTransition for a human to look at.
type PaymentResolver struct {
	payments      domain.Repository
	subscriptions SubscriptionStore
	activator     Activator
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
	logger        *slog.Logger
}

// NewPaymentResolver creates a new PaymentResolver.
func NewPaymentResolver(
	payments domain.Repository,
	subscriptions SubscriptionStore,
	activator Activator,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	logger *slog.Logger,
) *PaymentResolver {
	return &PaymentResolver{
		payments:      payments,
		subscriptions: subscriptions,
		activator:     activator,
		outboxRepo:    outboxRepo,
		uow:           uow,
		logger:        logger,
	}
}

// ResolveCaptureCompleted records a successful capture for a one-time order
// and activates the plan it paid for. Trials never apply here: the money has
// already moved.
func (r *PaymentResolver) ResolveCaptureCompleted(ctx context.Context, orderRef, captureRef string) (*subscommands.ActivateSubscriptionResult, error) {
	var result *subscommands.ActivateSubscriptionResult

	err := sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		payment, err := r.payments.FindByOrderRef(txCtx, orderRef)
		if err != nil {
			return err
		}
		if payment == nil {
			r.logger.Warn("capture completed for unknown order", "order_ref", orderRef)
			return nil
		}

		switch payment.Status() {
		case domain.PaymentSucceeded, domain.PaymentRefunded, domain.PaymentDisputed:
			// The capture already landed through another path.
			return nil
		case domain.PaymentFailed, domain.PaymentCancelled:
			r.logger.Error("capture completed for a payment settled the other way",
				"payment_id", payment.ID(),
				"order_ref", orderRef,
				"status", payment.Status(),
			)
			return domain.ErrInvalidTransition
		}

		if err := payment.MarkSucceeded(captureRef, time.Now().UTC()); err != nil {
			return err
		}
		if err := r.payments.Save(txCtx, payment); err != nil {
			return err
		}
		if err := r.drainPaymentEvents(txCtx, payment); err != nil {
			return err
		}

		activation, err := r.activator.Handle(txCtx, subscommands.ActivateSubscriptionCommand{
			UserID:          payment.UserID(),
			Tier:            payment.Tier(),
			Interval:        payment.Interval(),
			OrderRef:        payment.OrderRef(),
			SubscriptionRef: payment.SubscriptionRef(),
		})
		if err != nil {
			return err
		}

		result = activation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// ResolveCaptureFailed records a capture the gateway declined. The payment is
// the only thing touched: a failed charge never grants or revokes a plan.
func (r *PaymentResolver) ResolveCaptureFailed(ctx context.Context, orderRef, reason string) error {
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		payment, err := r.payments.FindByOrderRef(txCtx, orderRef)
		if err != nil {
			return err
		}
		if payment == nil {
			r.logger.Warn("capture failed for unknown order", "order_ref", orderRef)
			return nil
		}

		switch payment.Status() {
		case domain.PaymentFailed, domain.PaymentCancelled:
			return nil
		case domain.PaymentSucceeded, domain.PaymentRefunded, domain.PaymentDisputed:
			r.logger.Error("capture failure reported for a payment that settled",
				"payment_id", payment.ID(),
				"order_ref", orderRef,
				"status", payment.Status(),
			)
			return domain.ErrInvalidTransition
		}

		if err := payment.MarkFailed(reason); err != nil {
			return err
		}
		if err := r.payments.Save(txCtx, payment); err != nil {
			return err
		}
		return r.drainPaymentEvents(txCtx, payment)
	})
}

// ResolveSubscriptionActivated applies an "agreement is live" report from the
// gateway. The first report settles the pending payment and grants the plan
// (trial-eligible: no money moves until the trial converts). Later reports
// with a farther period end are renewal charges and only extend the local
// subscription; no new payment row is recorded for them.
func (r *PaymentResolver) ResolveSubscriptionActivated(ctx context.Context, subscriptionRef string, periodEnd *time.Time, captureRef string) error {
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		payment, err := r.payments.FindBySubscriptionRef(txCtx, subscriptionRef)
		if err != nil {
			return err
		}
		if payment == nil {
			r.logger.Warn("activation reported for unknown agreement", "subscription_ref", subscriptionRef)
			return nil
		}

		sub, err := r.subscriptions.FindBySubscriptionRef(txCtx, subscriptionRef)
		if err != nil {
			return err
		}
		if sub != nil {
			return r.extendAgreement(txCtx, sub, periodEnd)
		}

		switch payment.Status() {
		case domain.PaymentFailed, domain.PaymentCancelled:
			r.logger.Error("activation reported for a payment settled the other way",
				"payment_id", payment.ID(),
				"subscription_ref", subscriptionRef,
				"status", payment.Status(),
			)
			return domain.ErrInvalidTransition
		case domain.PaymentRefunded, domain.PaymentDisputed:
			// Money went back; a stale activation must not re-grant the plan.
			return nil
		case domain.PaymentPending:
			if err := payment.MarkSucceeded(captureRef, time.Now().UTC()); err != nil {
				return err
			}
			if err := r.payments.Save(txCtx, payment); err != nil {
				return err
			}
			if err := r.drainPaymentEvents(txCtx, payment); err != nil {
				return err
			}
		}

		_, err = r.activator.Handle(txCtx, subscommands.ActivateSubscriptionCommand{
			UserID:          payment.UserID(),
			Tier:            payment.Tier(),
			Interval:        payment.Interval(),
			OrderRef:        payment.OrderRef(),
			SubscriptionRef: payment.SubscriptionRef(),
			AllowTrial:      true,
		})
		return err
	})
}

// extendAgreement rolls a live subscription forward to the period end the
// gateway reported. A trial converts to paid; an already-covered period end
// is a redelivery and acknowledged without a write.
func (r *PaymentResolver) extendAgreement(txCtx context.Context, sub *subsdomain.Subscription, periodEnd *time.Time) error {
	if !sub.IsLive() || periodEnd == nil {
		return nil
	}
	current := sub.CurrentPeriodEnd()
	if current != nil && !periodEnd.After(*current) {
		return nil
	}

	now := time.Now().UTC()
	if sub.Status() == subsdomain.StatusTrial {
		if err := sub.ConvertTrial(*periodEnd, now); err != nil {
			return err
		}
	} else if err := sub.Renew(*periodEnd); err != nil {
		return err
	}

	if err := r.subscriptions.Save(txCtx, sub); err != nil {
		return err
	}
	return r.drainSubscriptionEvents(txCtx, sub)
}

// ResolveSubscriptionCancelled applies a gateway-side cancellation, for
// example one the user made in their gateway account. The local subscription
// keeps running until the period the user already paid for ends.
func (r *PaymentResolver) ResolveSubscriptionCancelled(ctx context.Context, subscriptionRef, reason string) error {
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		sub, err := r.subscriptions.FindBySubscriptionRef(txCtx, subscriptionRef)
		if err != nil {
			return err
		}
		if sub == nil {
			r.logger.Warn("cancellation reported for unknown agreement", "subscription_ref", subscriptionRef)
			return nil
		}
		if !sub.IsLive() {
			return nil
		}

		if err := sub.Cancel(false, reason, time.Now().UTC()); err != nil {
			if errors.Is(err, subsdomain.ErrAlreadyCancelled) {
				return nil
			}
			return err
		}
		if err := r.subscriptions.Save(txCtx, sub); err != nil {
			return err
		}
		return r.drainSubscriptionEvents(txCtx, sub)
	})
}

// ResolvePaymentAbandoned closes a pending payment whose checkout will never
// complete: the buyer walked away or the gateway voided the order. Only the
// reconciliation sweep calls this, after asking the gateway.
func (r *PaymentResolver) ResolvePaymentAbandoned(ctx context.Context, paymentID uuid.UUID, reason string) error {
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		payment, err := r.payments.FindByID(txCtx, paymentID)
		if err != nil {
			return err
		}
		if payment == nil || payment.Status() != domain.PaymentPending {
			return nil
		}

		if err := payment.MarkCancelled(reason); err != nil {
			return err
		}
		if err := r.payments.Save(txCtx, payment); err != nil {
			return err
		}
		return r.drainPaymentEvents(txCtx, payment)
	})
}

// ResolveDisputeOpened flags a captured payment the buyer is disputing. The
// plan stays granted while the dispute runs; support decides what happens to
// the entitlement.
func (r *PaymentResolver) ResolveDisputeOpened(ctx context.Context, orderRef, reason string) error {
	return sharedApplication.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		payment, err := r.payments.FindByOrderRef(txCtx, orderRef)
		if err != nil {
			return err
		}
		if payment == nil {
			r.logger.Warn("dispute opened for unknown order", "order_ref", orderRef)
			return nil
		}
		if payment.Status() == domain.PaymentDisputed {
			return nil
		}

		if err := payment.MarkDisputed(reason, time.Now().UTC()); err != nil {
			return err
		}
		if err := r.payments.Save(txCtx, payment); err != nil {
			return err
		}
		return r.drainPaymentEvents(txCtx, payment)
	})
}

func (r *PaymentResolver) drainPaymentEvents(txCtx context.Context, payment *domain.Payment) error {
	events := payment.DomainEvents()
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(payment.UserID()))
	return r.saveEvents(txCtx, events)
}

func (r *PaymentResolver) drainSubscriptionEvents(txCtx context.Context, sub *subsdomain.Subscription) error {
	events := sub.DomainEvents()
	sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(sub.UserID()))
	return r.saveEvents(txCtx, events)
}

func (r *PaymentResolver) saveEvents(txCtx context.Context, events []sharedDomain.DomainEvent) error {
	msgs := make([]*outbox.Message, 0, len(events))
	for _, event := range events {
		msg, err := outbox.NewMessage(event)
		if err != nil {
			return err
		}
		msgs = append(msgs, msg)
	}
	return r.outboxRepo.SaveBatch(txCtx, msgs)
}
