package commands

import (
	"context"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// RenewSubscriptionCommand extends a subscription's billing period after a
// successful renewal charge. Issued by webhook processing and
// reconciliation, never directly by users.
type RenewSubscriptionCommand struct {
	SubscriptionID uuid.UUID
	NewPeriodEnd   time.Time
}

// RenewSubscriptionResult contains the result of a renewal.
type RenewSubscriptionResult struct {
	SubscriptionID uuid.UUID
	PeriodEnd      time.Time
}

// RenewSubscriptionHandler handles the RenewSubscriptionCommand.
type RenewSubscriptionHandler struct {
	subscriptions domain.Repository
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
}

// NewRenewSubscriptionHandler creates a new RenewSubscriptionHandler.
func NewRenewSubscriptionHandler(
	subscriptions domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *RenewSubscriptionHandler {
	return &RenewSubscriptionHandler{
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		uow:           uow,
	}
}

// Handle executes the RenewSubscriptionCommand.
func (h *RenewSubscriptionHandler) Handle(ctx context.Context, cmd RenewSubscriptionCommand) (*RenewSubscriptionResult, error) {
	var result *RenewSubscriptionResult

	err := sharedApplication.WithUnitOfWork(ctx, h.uow, func(txCtx context.Context) error {
		sub, err := h.subscriptions.FindByID(txCtx, cmd.SubscriptionID)
		if err != nil {
			return err
		}
		if sub == nil {
			return domain.ErrSubscriptionNotFound
		}

		if err := sub.Renew(cmd.NewPeriodEnd); err != nil {
			return err
		}
		if err := h.subscriptions.Save(txCtx, sub); err != nil {
			return err
		}

		events := sub.DomainEvents()
		sharedApplication.ApplyEventMetadata(events, sharedApplication.NewEventMetadata(sub.UserID()))
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

		result = &RenewSubscriptionResult{
			SubscriptionID: sub.ID(),
			PeriodEnd:      cmd.NewPeriodEnd,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
