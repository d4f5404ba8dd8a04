package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/letterahq/lettera/internal/identity/domain"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
)

const userColumns = `
	id, email, name, active_subscription_id, version, created_at, updated_at
`

// PostgresUserRepository implements domain.UserRepository using PostgreSQL.
type PostgresUserRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresUserRepository creates a new PostgreSQL user repository.
func NewPostgresUserRepository(pool *pgxpool.Pool) *PostgresUserRepository {
	return &PostgresUserRepository{pool: pool}
}

// Save upserts the user guarded by its version.
func (r *PostgresUserRepository) Save(ctx context.Context, user *domain.User) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO users (
			id, email, name, active_subscription_id, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5 + 1, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			active_subscription_id = EXCLUDED.active_subscription_id,
			version = users.version + 1,
			updated_at = NOW()
		WHERE users.version = $5
	`

	result, err := db.Exec(ctx, query,
		user.ID(),
		user.Email().String(),
		user.Name().String(),
		user.ActiveSubscriptionID(),
		user.Version(),
		user.CreatedAt(),
		user.UpdatedAt(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrEmailTaken
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}

	user.IncrementVersion()
	return nil
}

// FindByID retrieves a user by ID.
func (r *PostgresUserRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`

	return r.scanOne(db.QueryRow(ctx, query, id))
}

// FindByEmail retrieves a user by email.
func (r *PostgresUserRepository) FindByEmail(ctx context.Context, email domain.Email) (*domain.User, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT ` + userColumns + ` FROM users WHERE email = $1`

	return r.scanOne(db.QueryRow(ctx, query, email.String()))
}

// ExistsByEmail reports whether a user with the email exists.
func (r *PostgresUserRepository) ExistsByEmail(ctx context.Context, email domain.Email) (bool, error) {
	db := sharedPersistence.Executor(ctx, r.pool)

	var exists bool
	err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)`, email.String()).Scan(&exists)
	return exists, err
}

// SetActiveSubscription writes the subscription back-reference. It runs
// inside the activation transaction, so the pointer and the subscription row
// it points at land together.
func (r *PostgresUserRepository) SetActiveSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	result, err := db.Exec(ctx,
		`UPDATE users SET active_subscription_id = $2, updated_at = NOW() WHERE id = $1`,
		userID, subscriptionID,
	)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func (r *PostgresUserRepository) scanOne(row pgx.Row) (*domain.User, error) {
	var (
		id                   uuid.UUID
		emailStr             string
		nameStr              string
		activeSubscriptionID *uuid.UUID
		version              int
		createdAt            time.Time
		updatedAt            time.Time
	)

	err := row.Scan(&id, &emailStr, &nameStr, &activeSubscriptionID, &version, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}

	email, err := domain.NewEmail(emailStr)
	if err != nil {
		return nil, err
	}
	name, err := domain.NewName(nameStr)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateUser(id, email, name, activeSubscriptionID, version, createdAt, updatedAt), nil
}

var _ domain.UserRepository = (*PostgresUserRepository)(nil)
