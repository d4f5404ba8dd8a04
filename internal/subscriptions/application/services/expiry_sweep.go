package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

// ExpirySweep finalizes live subscriptions whose billing period has elapsed.
// Lazy expiry on the read paths already covers every subscription somebody
// looks at; the sweep converges the rest so their terminal events still fire
// without anyone reading them.
type ExpirySweep struct {
	subscriptions domain.Repository
	outboxRepo    outbox.Repository
	uow           sharedApplication.UnitOfWork
	batchSize     int
	logger        *slog.Logger
}

// NewExpirySweep creates a new ExpirySweep.
func NewExpirySweep(
	subscriptions domain.Repository,
	outboxRepo outbox.Repository,
	uow sharedApplication.UnitOfWork,
	batchSize int,
	logger *slog.Logger,
) *ExpirySweep {
	if logger == nil {
		logger = slog.Default()
	}
	return &ExpirySweep{
		subscriptions: subscriptions,
		outboxRepo:    outboxRepo,
		uow:           uow,
		batchSize:     batchSize,
		logger:        logger,
	}
}

// Run finalizes one batch of lapsed subscriptions. A failure on one row is
// logged and never blocks the rest; whatever stays live is picked up on the
// next sweep or by the lazy read path, whichever fires first.
func (s *ExpirySweep) Run(ctx context.Context) error {
	now := time.Now().UTC()

	lapsed, err := s.subscriptions.FindLapsed(ctx, now, s.batchSize)
	if err != nil {
		return err
	}
	if len(lapsed) == 0 {
		return nil
	}

	finalized := 0
	for _, sub := range lapsed {
		if !sub.ExpireIfLapsed(now) {
			continue
		}
		if err := s.finalize(ctx, sub); err != nil {
			// A concurrent read already finalized this row; nothing left to do.
			if errors.Is(err, domain.ErrConcurrentUpdate) {
				continue
			}
			s.logger.Error("expiry sweep failed for subscription",
				"subscription_id", sub.ID(),
				"user_id", sub.UserID(),
				"error", err,
			)
			continue
		}
		finalized++
	}

	s.logger.Info("expiry sweep completed", "lapsed", len(lapsed), "finalized", finalized)
	return nil
}

func (s *ExpirySweep) finalize(ctx context.Context, sub *domain.Subscription) error {
	return sharedApplication.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		if err := s.subscriptions.Save(txCtx, sub); err != nil {
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
		return s.outboxRepo.SaveBatch(txCtx, msgs)
	})
}
