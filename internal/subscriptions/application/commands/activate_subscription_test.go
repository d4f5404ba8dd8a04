package commands

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

// mockUserStore is a mock implementation of UserStore.
type mockUserStore struct {
	mock.Mock
}

func (m *mockUserStore) SetActiveSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) error {
	args := m.Called(ctx, userID, subscriptionID)
	return args.Error(0)
}

// mockSubscriptionOutboxRepo is a mock implementation of outbox.Repository.
type mockSubscriptionOutboxRepo struct {
	mock.Mock
}

func (m *mockSubscriptionOutboxRepo) Save(ctx context.Context, msg *outbox.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *mockSubscriptionOutboxRepo) SaveBatch(ctx context.Context, msgs []*outbox.Message) error {
	args := m.Called(ctx, msgs)
	return args.Error(0)
}

func (m *mockSubscriptionOutboxRepo) GetUnpublished(ctx context.Context, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockSubscriptionOutboxRepo) MarkPublished(ctx context.Context, id int64) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockSubscriptionOutboxRepo) MarkFailed(ctx context.Context, id int64, err string, nextRetryAt time.Time) error {
	args := m.Called(ctx, id, err, nextRetryAt)
	return args.Error(0)
}

func (m *mockSubscriptionOutboxRepo) MarkDead(ctx context.Context, id int64, reason string) error {
	args := m.Called(ctx, id, reason)
	return args.Error(0)
}

func (m *mockSubscriptionOutboxRepo) GetFailed(ctx context.Context, maxRetries, limit int) ([]*outbox.Message, error) {
	args := m.Called(ctx, maxRetries, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*outbox.Message), args.Error(1)
}

func (m *mockSubscriptionOutboxRepo) DeleteOld(ctx context.Context, olderThanDays int) (int64, error) {
	args := m.Called(ctx, olderThanDays)
	return args.Get(0).(int64), args.Error(1)
}

// mockSubscriptionUnitOfWork is a mock implementation of UnitOfWork.
type mockSubscriptionUnitOfWork struct {
	mock.Mock
}

func (m *mockSubscriptionUnitOfWork) Begin(ctx context.Context) (context.Context, error) {
	args := m.Called(ctx)
	return args.Get(0).(context.Context), args.Error(1)
}

func (m *mockSubscriptionUnitOfWork) Commit(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *mockSubscriptionUnitOfWork) Rollback(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// mockGatewayCanceller is a mock implementation of GatewayCanceller.
type mockGatewayCanceller struct {
	mock.Mock
}

func (m *mockGatewayCanceller) CancelSubscription(ctx context.Context, subscriptionRef, reason string) error {
	args := m.Called(ctx, subscriptionRef, reason)
	return args.Error(0)
}

func testPlanCatalog(t *testing.T) domain.Catalog {
	t.Helper()

	catalog, err := domain.NewCatalog(
		nil,
		map[domain.Tier]domain.FeatureLimits{
			domain.TierBasic:   {AIGenerationsPerPeriod: 50, ConcurrentDocuments: 3},
			domain.TierPro:     {AIGenerationsPerPeriod: 300, ConcurrentDocuments: 10},
			domain.TierPremium: {AIGenerationsPerPeriod: domain.UnlimitedUsage, ConcurrentDocuments: domain.UnlimitedUsage},
		},
		map[domain.Tier]int{domain.TierPro: 7, domain.TierPremium: 14},
		domain.FeatureLimits{AIGenerationsPerPeriod: 0, ConcurrentDocuments: 1},
	)
	require.NoError(t, err)
	return catalog
}

func liveSubscription(userID uuid.UUID) *domain.Subscription {
	sub, _ := domain.NewSubscription(userID, domain.TierBasic, domain.IntervalMonthly, "ORD-OLD", "SUB-OLD", time.Now().UTC().Add(-time.Hour), time.UTC)
	sub.ClearDomainEvents()
	return sub
}

func TestActivateSubscriptionHandler_Handle(t *testing.T) {
	userID := uuid.New()

	t.Run("activates a subscription when none exists", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(nil, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil)
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.MatchedBy(func(msgs []*outbox.Message) bool {
			return len(msgs) == 1
		})).Return(nil)

		cmd := ActivateSubscriptionCommand{
			UserID:   userID,
			Tier:     "pro",
			Interval: "monthly",
			OrderRef: "ORD-1",
		}

		result, err := handler.Handle(ctx, cmd)

		require.NoError(t, err)
		require.NotNil(t, result)
		assert.NotEqual(t, uuid.Nil, result.SubscriptionID)
		assert.Equal(t, "active", result.Status)
		require.NotNil(t, result.PeriodEnd)
		assert.WithinDuration(t, time.Now().UTC().AddDate(0, 1, 0), *result.PeriodEnd, time.Minute)

		repo.AssertExpectations(t)
		users.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
		uow.AssertExpectations(t)
	})

	t.Run("supersedes an existing live subscription", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")
		existing := liveSubscription(userID)

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(existing, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil).Twice()
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.MatchedBy(func(msgs []*outbox.Message) bool {
			// One cancellation for the old record, one activation for the new.
			return len(msgs) == 2
		})).Return(nil)

		cmd := ActivateSubscriptionCommand{
			UserID:   userID,
			Tier:     "premium",
			Interval: "yearly",
			OrderRef: "ORD-2",
		}

		result, err := handler.Handle(ctx, cmd)

		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "active", result.Status)
		assert.Equal(t, domain.StatusCancelled, existing.Status(), "old subscription is cancelled immediately")

		repo.AssertExpectations(t)
		outboxRepo.AssertExpectations(t)
	})

	t.Run("starts a trial for a first-time subscriber", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(nil, nil)
		repo.On("HasAnyForUser", txCtx, userID).Return(false, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil)
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.AnythingOfType("[]*outbox.Message")).Return(nil)

		cmd := ActivateSubscriptionCommand{
			UserID:          userID,
			Tier:            "pro",
			Interval:        "monthly",
			SubscriptionRef: "SUB-3",
			AllowTrial:      true,
		}

		result, err := handler.Handle(ctx, cmd)

		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, "trial", result.Status)
		require.NotNil(t, result.PeriodEnd)
		assert.WithinDuration(t, time.Now().UTC().AddDate(0, 0, 7), *result.PeriodEnd, time.Minute)

		repo.AssertExpectations(t)
	})

	t.Run("no trial for a returning subscriber", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(nil, nil)
		repo.On("HasAnyForUser", txCtx, userID).Return(true, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil)
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.AnythingOfType("[]*outbox.Message")).Return(nil)

		cmd := ActivateSubscriptionCommand{
			UserID:     userID,
			Tier:       "pro",
			Interval:   "monthly",
			AllowTrial: true,
		}

		result, err := handler.Handle(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, "active", result.Status)

		repo.AssertExpectations(t)
	})

	t.Run("no trial on lifetime plans", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Commit", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(nil, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil)
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(nil)
		outboxRepo.On("SaveBatch", txCtx, mock.AnythingOfType("[]*outbox.Message")).Return(nil)

		cmd := ActivateSubscriptionCommand{
			UserID:     userID,
			Tier:       "premium",
			Interval:   "lifetime",
			OrderRef:   "ORD-4",
			AllowTrial: true,
		}

		result, err := handler.Handle(ctx, cmd)

		require.NoError(t, err)
		assert.Equal(t, "active", result.Status)
		assert.Nil(t, result.PeriodEnd)

		repo.AssertExpectations(t)
		repo.AssertNotCalled(t, "HasAnyForUser", mock.Anything, mock.Anything)
	})

	t.Run("rejects an unknown tier", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		cmd := ActivateSubscriptionCommand{UserID: userID, Tier: "gold", Interval: "monthly"}

		result, err := handler.Handle(context.Background(), cmd)

		assert.ErrorIs(t, err, domain.ErrInvalidTier)
		assert.Nil(t, result)
	})

	t.Run("rejects an unknown interval", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		cmd := ActivateSubscriptionCommand{UserID: userID, Tier: "pro", Interval: "weekly"}

		result, err := handler.Handle(context.Background(), cmd)

		assert.ErrorIs(t, err, domain.ErrInvalidInterval)
		assert.Nil(t, result)
	})

	t.Run("rolls back when the supersession save conflicts", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")
		existing := liveSubscription(userID)

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(existing, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(domain.ErrConcurrentUpdate)

		cmd := ActivateSubscriptionCommand{UserID: userID, Tier: "pro", Interval: "monthly"}

		result, err := handler.Handle(ctx, cmd)

		assert.ErrorIs(t, err, domain.ErrConcurrentUpdate)
		assert.Nil(t, result)

		uow.AssertExpectations(t)
	})

	t.Run("rolls back when the user back-reference update fails", func(t *testing.T) {
		repo := new(mockSubscriptionRepo)
		users := new(mockUserStore)
		outboxRepo := new(mockSubscriptionOutboxRepo)
		uow := new(mockSubscriptionUnitOfWork)
		handler := NewActivateSubscriptionHandler(repo, users, outboxRepo, uow, testPlanCatalog(t), time.UTC)

		ctx := context.Background()
		txCtx := context.WithValue(ctx, "tx", "transaction")

		uow.On("Begin", ctx).Return(txCtx, nil)
		uow.On("Rollback", txCtx).Return(nil)
		repo.On("FindLiveByUserID", txCtx, userID).Return(nil, nil)
		repo.On("Save", txCtx, mock.AnythingOfType("*domain.Subscription")).Return(nil)
		users.On("SetActiveSubscription", txCtx, userID, mock.AnythingOfType("uuid.UUID")).Return(errors.New("users table unavailable"))

		cmd := ActivateSubscriptionCommand{UserID: userID, Tier: "pro", Interval: "monthly"}

		result, err := handler.Handle(ctx, cmd)

		assert.Error(t, err)
		assert.Nil(t, result)
		assert.Contains(t, err.Error(), "users table unavailable")

		uow.AssertExpectations(t)
	})
}

func TestNewActivateSubscriptionHandler(t *testing.T) {
	handler := NewActivateSubscriptionHandler(
		new(mockSubscriptionRepo),
		new(mockUserStore),
		new(mockSubscriptionOutboxRepo),
		new(mockSubscriptionUnitOfWork),
		testPlanCatalog(t),
		time.UTC,
	)

	require.NotNil(t, handler)
}
