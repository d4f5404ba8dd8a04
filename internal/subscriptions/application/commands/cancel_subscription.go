package commands

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// GatewayCanceller cancels the recurring billing agreement at the payment
// gateway.
type GatewayCanceller interface {
	CancelSubscription(ctx context.Context, subscriptionRef, reason string) error
}

// CancelSubscriptionCommand contains the data needed to cancel a
// subscription.
type CancelSubscriptionCommand struct {
	SubscriptionID uuid.UUID
	UserID         uuid.UUID
	Immediate      bool
	Reason         string
}

// CancelSubscriptionResult contains the result of a cancellation.
type CancelSubscriptionResult struct {
	Status            string
	CancelAtPeriodEnd bool
	EffectiveAt       *time.Time
}

// CancelSubscriptionHandler handles the CancelSubscriptionCommand. Local
// state is authoritative: the subscription is cancelled locally first, then
// the gateway agreement is cancelled best-effort. A failed remote call is
// logged for reconciliation and never blocks the cancellation.
type CancelSubscriptionHandler struct {
	subscriptions domain.Repository
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
	gateway       GatewayCanceller
	logger        *slog.Logger
}

// NewCancelSubscriptionHandler creates a new CancelSubscriptionHandler.
func NewCancelSubscriptionHandler(
	subscriptions domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	gateway GatewayCanceller,
	logger *slog.Logger,
) *CancelSubscriptionHandler {
	return &CancelSubscriptionHandler{
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		uow:           uow,
		gateway:       gateway,
		logger:        logger,
	}
}

// Handle executes the CancelSubscriptionCommand.
func (h *CancelSubscriptionHandler) Handle(ctx context.Context, cmd CancelSubscriptionCommand) (*CancelSubscriptionResult, error) {
	var (
		result          *CancelSubscriptionResult
		subscriptionRef string
		wasRecurring    bool
	)

	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		sub, err := h.subscriptions.FindByID(txCtx, cmd.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}
		if sub.UserID() != cmd.UserID {
			return domain.ErrNotOwner
		}

		if err := sub.Cancel(cmd.Immediate, cmd.Reason, time.Now().UTC()); err != nil {
			return err
		}
		if err := h.subscriptions.Save(txCtx, sub); err != nil {
			return err
		}

		events := sub.DomainEvents()
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

		subscriptionRef = sub.SubscriptionRef()
		wasRecurring = sub.Interval().IsRecurring()
		result = &CancelSubscriptionResult{
			Status:            string(sub.Status()),
			CancelAtPeriodEnd: sub.CancelAtPeriodEnd(),
			EffectiveAt:       sub.CurrentPeriodEnd(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Remote cancellation runs after the local transaction committed so a
	// gateway outage cannot leave the user stuck subscribed.
	if wasRecurring && subscriptionRef != "" {
		if err := h.gateway.CancelSubscription(ctx, subscriptionRef, cmd.Reason); err != nil {
			h.logger.Error("gateway subscription cancellation failed, needs reconciliation",
				"subscription_id", cmd.SubscriptionID,
				"subscription_ref", subscriptionRef,
				"error", err,
			)
		}
	}

	return result, nil
}
