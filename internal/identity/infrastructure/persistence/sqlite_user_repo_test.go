package persistence

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/identity/domain"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database/sqlite"
	"github.com/letterahq/lettera/internal/shared/infrastructure/migrations"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupUserTestDB(t *testing.T) *sql.DB {
	t.Helper()

	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "users_test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	require.NoError(t, migrations.RunSQLiteMigrations(ctx, db))
	return db
}

func newTestUser(t *testing.T, emailAddr string) *domain.User {
	t.Helper()

	email, err := domain.NewEmail(emailAddr)
	require.NoError(t, err)
	name, err := domain.NewName("Ada Lovelace")
	require.NoError(t, err)

	user := domain.NewUser(email, name)
	user.ClearDomainEvents()
	return user
}

func TestSQLiteUserRepository_SaveAndFind(t *testing.T) {
	db := setupUserTestDB(t)
	repo := NewSQLiteUserRepository(db)
	ctx := context.Background()

	user := newTestUser(t, "ada@example.com")
	require.NoError(t, repo.Save(ctx, user))

	t.Run("by id", func(t *testing.T) {
		found, err := repo.FindByID(ctx, user.ID())
		require.NoError(t, err)
		assert.Equal(t, user.ID(), found.ID())
		assert.Equal(t, "ada@example.com", found.Email().String())
		assert.Nil(t, found.ActiveSubscriptionID())
	})

	t.Run("by email", func(t *testing.T) {
		email, err := domain.NewEmail("ada@example.com")
		require.NoError(t, err)

		found, err := repo.FindByEmail(ctx, email)
		require.NoError(t, err)
		assert.Equal(t, user.ID(), found.ID())
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := repo.FindByID(ctx, uuid.New())
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestSQLiteUserRepository_ExistsByEmail(t *testing.T) {
	db := setupUserTestDB(t)
	repo := NewSQLiteUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newTestUser(t, "ada@example.com")))

	email, err := domain.NewEmail("ada@example.com")
	require.NoError(t, err)
	exists, err := repo.ExistsByEmail(ctx, email)
	require.NoError(t, err)
	assert.True(t, exists)

	other, err := domain.NewEmail("grace@example.com")
	require.NoError(t, err)
	exists, err = repo.ExistsByEmail(ctx, other)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSQLiteUserRepository_DuplicateEmailRejected(t *testing.T) {
	db := setupUserTestDB(t)
	repo := NewSQLiteUserRepository(db)
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, newTestUser(t, "ada@example.com")))

	err := repo.Save(ctx, newTestUser(t, "ada@example.com"))
	assert.ErrorIs(t, err, domain.ErrEmailTaken)
}

func TestSQLiteUserRepository_SetActiveSubscription(t *testing.T) {
	db := setupUserTestDB(t)
	repo := NewSQLiteUserRepository(db)
	ctx := context.Background()

	user := newTestUser(t, "ada@example.com")
	require.NoError(t, repo.Save(ctx, user))

	subscriptionID := uuid.New()
	require.NoError(t, repo.SetActiveSubscription(ctx, user.ID(), subscriptionID))

	found, err := repo.FindByID(ctx, user.ID())
	require.NoError(t, err)
	require.NotNil(t, found.ActiveSubscriptionID())
	assert.Equal(t, subscriptionID, *found.ActiveSubscriptionID())

	t.Run("replacing the reference", func(t *testing.T) {
		next := uuid.New()
		require.NoError(t, repo.SetActiveSubscription(ctx, user.ID(), next))

		found, err := repo.FindByID(ctx, user.ID())
		require.NoError(t, err)
		assert.Equal(t, next, *found.ActiveSubscriptionID())
	})

	t.Run("unknown user", func(t *testing.T) {
		err := repo.SetActiveSubscription(ctx, uuid.New(), uuid.New())
		assert.ErrorIs(t, err, domain.ErrUserNotFound)
	})
}

func TestSQLiteUserRepository_SaveUpdatesProfile(t *testing.T) {
	db := setupUserTestDB(t)
	repo := NewSQLiteUserRepository(db)
	ctx := context.Background()

	user := newTestUser(t, "ada@example.com")
	require.NoError(t, repo.Save(ctx, user))

	name, err := domain.NewName("Ada King")
	require.NoError(t, err)
	user.UpdateName(name)
	user.ClearDomainEvents()
	require.NoError(t, repo.Save(ctx, user))

	found, err := repo.FindByID(ctx, user.ID())
	require.NoError(t, err)
	assert.Equal(t, "Ada King", found.Name().String())
}
