package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// supersededReason marks cancellations caused by a replacing activation.
const supersededReason = "superseded by new subscription"

// UserStore writes the subscription back-reference onto the user record.
type UserStore interface {
	SetActiveSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) error
}

// ActivateSubscriptionCommand contains the data needed to create or replace a
// user's subscription after a confirmed payment.
type ActivateSubscriptionCommand struct {
	UserID          uuid.UUID
	Tier            string
	Interval        string
	OrderRef        string
	SubscriptionRef string
	// AllowTrial starts the subscription as a trial when the catalog grants
	// trial days and the user never subscribed before.
	AllowTrial bool
}

// ActivateSubscriptionResult contains the result of an activation.
type ActivateSubscriptionResult struct {
	SubscriptionID uuid.UUID
	Status         string
	PeriodEnd      *time.Time
}

// ActivateSubscriptionHandler handles the ActivateSubscriptionCommand. Any
// live subscription of the user is superseded: cancelled immediately, with no
// quota carry-over, in the same transaction that creates the replacement.
type ActivateSubscriptionHandler struct {
	subscriptions domain.Repository
	users         UserStore
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
	catalog       domain.Catalog
	resetLoc      *time.Location
}

// NewActivateSubscriptionHandler creates a new ActivateSubscriptionHandler.
func NewActivateSubscriptionHandler(
	subscriptions domain.Repository,
	users UserStore,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	catalog domain.Catalog,
	resetLoc *time.Location,
) *ActivateSubscriptionHandler {
	return &ActivateSubscriptionHandler{
		subscriptions: subscriptions,
		users:         users,
		outboxRepo:    outboxRepo,
		uow:           uow,
		catalog:       catalog,
		resetLoc:      resetLoc,
	}
}

// Handle executes the ActivateSubscriptionCommand.
func (h *ActivateSubscriptionHandler) Handle(ctx context.Context, cmd ActivateSubscriptionCommand) (*ActivateSubscriptionResult, error) {
	tier := domain.Tier(cmd.Tier)
	if !tier.IsValid() {
		return nil, domain.ErrInvalidTier
	}
	interval := domain.Interval(cmd.Interval)
	if !interval.IsValid() {
		return nil, domain.ErrInvalidInterval
	}

	var result *ActivateSubscriptionResult

	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		now := time.Now().UTC()
		var events []sharedDomain.DomainEvent

		// Supersede the previous live subscription. The version CAS on Save
		// plus the store's single-live-row index make the double-submit race
		// fail one of the two transactions instead of creating two.
		existing, err := h.subscriptions.FindLiveByUserID(txCtx, cmd.UserID)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := existing.Cancel(true, supersededReason, now); err != nil {
				return err
			}
			if err := h.subscriptions.Save(txCtx, existing); err != nil {
				return err
			}
			events = append(events, existing.DomainEvents()...)
		}

		sub, err := h.newSubscription(txCtx, cmd, tier, interval, now)
		if err != nil {
			return err
		}
		if err := h.subscriptions.Save(txCtx, sub); err != nil {
			return err
		}
		if err := h.users.SetActiveSubscription(txCtx, cmd.UserID, sub.ID()); err != nil {
			return err
		}
		events = append(events, sub.DomainEvents()...)

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

		result = &ActivateSubscriptionResult{
			SubscriptionID: sub.ID(),
			Status:         string(sub.Status()),
			PeriodEnd:      sub.CurrentPeriodEnd(),
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (h *ActivateSubscriptionHandler) newSubscription(ctx context.Context, cmd ActivateSubscriptionCommand, tier domain.Tier, interval domain.Interval, now time.Time) (*domain.Subscription, error) {
	trialDays := h.catalog.TrialDays(tier)
	if cmd.AllowTrial && trialDays > 0 && interval.IsRecurring() {
		hasPrior, err := h.subscriptions.HasAnyForUser(ctx, cmd.UserID)
		if err != nil {
			return nil, err
		}
		if !hasPrior {
			return domain.NewTrialSubscription(cmd.UserID, tier, interval, cmd.SubscriptionRef, trialDays, now, h.resetLoc)
		}
	}
	return domain.NewSubscription(cmd.UserID, tier, interval, cmd.OrderRef, cmd.SubscriptionRef, now, h.resetLoc)
}
