package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// mockSubscriptionRepo is a mock implementation of domain.Repository.
type mockSubscriptionRepo struct {
	mock.Mock
}

func (m *mockSubscriptionRepo) Save(ctx context.Context, sub *domain.Subscription) error {
	args := m.Called(ctx, sub)
	return args.Error(0)
}

func (m *mockSubscriptionRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *mockSubscriptionRepo) FindLiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *mockSubscriptionRepo) FindBySubscriptionRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	args := m.Called(ctx, ref)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Subscription), args.Error(1)
}

func (m *mockSubscriptionRepo) HasAnyForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	args := m.Called(ctx, userID)
	return args.Bool(0), args.Error(1)
}

func (m *mockSubscriptionRepo) FindLapsed(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error) {
	args := m.Called(ctx, asOf, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Subscription), args.Error(1)
}

func (m *mockSubscriptionRepo) IncrementUsage(ctx context.Context, id uuid.UUID, limit int) (int, error) {
	args := m.Called(ctx, id, limit)
	return args.Int(0), args.Error(1)
}

func (m *mockSubscriptionRepo) ResetUsageIfDue(ctx context.Context, id uuid.UUID, now, nextResetAt time.Time) (bool, error) {
	args := m.Called(ctx, id, now, nextResetAt)
	return args.Bool(0), args.Error(1)
}

// mockOutboxRepo is a mock implementation of outbox.Repository.
type mockOutboxRepo struct {
	mock.Mock
}

func (m *mockOutboxRepo) Save(ctx context.Context, msg *outbox.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockOutboxRepo) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockOutboxRepo) GetUnpublished(ctx context.Context, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockOutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, err, nextRetryAt)
	return args.Error(0)
}

func (m *mockOutboxRepo) MarkDead(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockOutboxRepo) GetFailed(ctx context.Context, maxRetries, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, maxRetries, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockOutboxRepo) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	args := m.Called(ctx, olderThanDays)
	return args.Get(0).(int64), args.Error(1)
}

// mockUnitOfWork is a mock implementation of UnitOfWork.
type mockUnitOfWork struct {
	mock.Mock
}

func (m *mockUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	args := m.Called(ctx)
	return args.Get(0).(context.Context), args.Error(1)
}

func (m *mockUnitOfWork) Commit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockUnitOfWork) Rollback(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func activeSubscription(userID uuid.UUID, used int) *domain.Subscription {
	now := time.Now().UTC()
	start := now.AddDate(0, 0, -10)
	end := now.AddDate(0, 0, 20)
	return domain.RehydrateSubscription(
		uuid.New(), userID, domain.TierPro, domain.IntervalMonthly, domain.StatusActive,
		start, &start, &end, false, true,
		used, domain.NextUsageReset(now, time.UTC),
		"ORD-1", "SUB-1", 1, start, start,
	)
}

func lapsedSubscription(userID uuid.UUID) *domain.Subscription {
	now := time.Now().UTC()
	start := now.AddDate(0, -1, -3)
	end := now.AddDate(0, 0, -3)
	return domain.RehydrateSubscription(
		uuid.New(), userID, domain.TierPro, domain.IntervalMonthly, domain.StatusActive,
		start, &start, &end, false, true,
		7, end,
		"ORD-1", "SUB-1", 2, start, start,
	)
}

func TestActiveLookup_Find(t *testing.T) {
	userID := uuid.New()

	t.Run("returns nil when the user has no live subscription", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		lookup := NewActiveLookup(repo, outboxRepo, uow)

		ctx := context.Background()
		repo.On("FindLiveByUserID", ctx, userID).Return(nil, nil)

		sub, err := lookup.Find(ctx, userID)

		require.NoError(t, err)
		assert.Nil(t, sub)
		repo.AssertExpectations(t)
	})

	t.Run("returns the subscription while the period is current", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		lookup := NewActiveLookup(repo, outboxRepo, uow)

		ctx := context.Background()
		live := activeSubscription(userID, 0)
		repo.On("FindLiveByUserID", ctx, userID).Return(live, nil)

		sub, err := lookup.Find(ctx, userID)

		require.NoError(t, err)
		require.NotNil(t, sub)
		assert.Equal(t, live.ID(), sub.ID())
		assert.Equal(t, domain.StatusActive, sub.Status())
	})

	t.Run("finalizes a lapsed subscription and reports none", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		lookup := NewActiveLookup(repo, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")
		lapsed := lapsedSubscription(userID)

		repo.On("FindLiveByUserID", ctx, userID).Return(lapsed, nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("Save", txCtx, lapsed).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.MatchedBy(func(msgs []*outbox.Message) bool {
			return len(msgs) == 1 && msgs[0].EventType == "subscriptions.subscription.expired"
		})).Return(nil)

		sub, err := lookup.Find(ctx, userID)

		require.NoError(t, err)
		assert.Nil(t, sub)
		assert.Equal(t, domain.StatusExpired, lapsed.Status())

		repo.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("treats a concurrent finalization as already expired", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		lookup := NewActiveLookup(repo, outboxRepo, uow)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")
		lapsed := lapsedSubscription(userID)

		repo.On("FindLiveByUserID", ctx, userID).Return(lapsed, nil)
		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("Save", txCtx, lapsed).Return(domain.ErrConcurrentUpdate)

		sub, err := lookup.Find(ctx, userID)

		require.NoError(t, err)
		assert.Nil(t, sub)
	})

	t.Run("propagates store failures", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		outboxRepo := new(mockOutboxRepo)
		uow := new(mockUnitOfWork)
		lookup := NewActiveLookup(repo, outboxRepo, uow)

		ctx := context.Background()
		repo.On("FindLiveByUserID", ctx, userID).Return(nil, errors.New("db down"))

		sub, err := lookup.Find(ctx, userID)

		assert.Error(t, err)
		assert.Nil(t, sub)
	})
}
