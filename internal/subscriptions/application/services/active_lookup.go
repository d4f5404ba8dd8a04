package services

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// ActiveLookup resolves a user's live subscription and applies lazy expiry:
// a live row whose period has elapsed is finalized (and persisted) before the
// caller sees it. Every read path goes through here so expiry is derived
// consistently, with the worker sweep covering rows nobody reads.
type ActiveLookup struct {
	subscriptions domain.Repository
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
}

// NewActiveLookup creates a new ActiveLookup.
func NewActiveLookup(
	subscriptions domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
) *ActiveLookup {
	return &ActiveLookup{
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		uow:           uow,
	}
}

// Find returns the user's live subscription, or nil when there is none or
// the last one just lapsed.
func (l *ActiveLookup) Find(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	sub, err := l.subscriptions.FindLiveByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, nil
	}

	if !sub.ExpireIfLapsed(time.Now().UTC()) {
		return sub, nil
	}

	if err := l.finalize(ctx, sub); err != nil {
		// A concurrent reader already finalized the same row. Either way the
		// subscription is no longer live.
		if errors.Is(err, domain.ErrConcurrentUpdate) {
			return nil, nil
		}
		return nil, err
	}
	return nil, nil
}

func (l *ActiveLookup) finalize(ctx context.Context, sub *domain.Subscription) error {
	return sharedApplication.WithUnitOfWork(ctx, l.uow, func(txCtx context.Context) error {
		if err := l.subscriptions.Save(txCtx, sub); err != nil {
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
		return l.outboxRepo.SaveBatch(txCtx, msgs)
	})
}
