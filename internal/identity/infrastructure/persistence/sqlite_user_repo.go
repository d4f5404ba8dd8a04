package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/identity/domain"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
)

// SQLiteUserRepository implements domain.UserRepository with SQLite.
type SQLiteUserRepository struct {
	dbConn *sql.DB
}

// NewSQLiteUserRepository creates a new SQLite user repository.
func NewSQLiteUserRepository(dbConn *sql.DB) *SQLiteUserRepository {
	return &SQLiteUserRepository{dbConn: dbConn}
}

func (r *SQLiteUserRepository) getDB(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return r.dbConn
}

// Save upserts the user guarded by its version, mirroring the PostgreSQL
// repository.
func (r *SQLiteUserRepository) Save(ctx context.Context, user *domain.User) error {
	db := r.getDB(ctx)

	query := `
		INSERT INTO users (
			id, email, name, active_subscription_id, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ? + 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			active_subscription_id = excluded.active_subscription_id,
			version = users.version + 1,
			updated_at = excluded.updated_at
		WHERE users.version = ?
	`

	result, err := db.ExecContext(ctx, query,
		user.ID().String(),
		user.Email().String(),
		user.Name().String(),
		nullableUUID(user.ActiveSubscriptionID()),
		user.Version(),
		user.CreatedAt().UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		user.Version(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrEmailTaken
		}
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}

	user.IncrementVersion()
	return nil
}

// FindByID retrieves a user by ID.
func (r *SQLiteUserRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.User, error) {
	db := r.getDB(ctx)
	query := `SELECT id, email, name, active_subscription_id, version, created_at, updated_at FROM users WHERE id = ?`

	return scanSQLiteUser(db.QueryRowContext(ctx, query, id.String()))
}

// FindByEmail retrieves a user by email.
func (r *SQLiteUserRepository) FindByEmail(ctx context.Context, email domain.Email) (*domain.User, error) {
	db := r.getDB(ctx)
	query := `SELECT id, email, name, active_subscription_id, version, created_at, updated_at FROM users WHERE email = ?`

	return scanSQLiteUser(db.QueryRowContext(ctx, query, email.String()))
}

// ExistsByEmail reports whether a user with the email exists.
func (r *SQLiteUserRepository) ExistsByEmail(ctx context.Context, email domain.Email) (bool, error) {
	db := r.getDB(ctx)

	var count int
	err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM users WHERE email = ?`, email.String()).Scan(&count)
	return count > 0, err
}

// SetActiveSubscription writes the subscription back-reference.
func (r *SQLiteUserRepository) SetActiveSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) error {
	db := r.getDB(ctx)

	result, err := db.ExecContext(ctx,
		`UPDATE users SET active_subscription_id = ?, updated_at = ? WHERE id = ?`,
		subscriptionID.String(),
		time.Now().UTC().Format(time.RFC3339),
		userID.String(),
	)
	if err != nil {
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrUserNotFound
	}
	return nil
}

func nullableUUID(id *uuid.UUID) sql.NullString {
	if id == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: id.String(), Valid: true}
}

func scanSQLiteUser(row *sql.Row) (*domain.User, error) {
	var (
		idStr        string
		emailStr     string
		nameStr      string
		subIDStr     sql.NullString
		version      int
		createdAtStr string
		updatedAtStr string
	)

	err := row.Scan(&idStr, &emailStr, &nameStr, &subIDStr, &version, &createdAtStr, &updatedAtStr)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrUserNotFound
		}
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
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

	var activeSubscriptionID *uuid.UUID
	if subIDStr.Valid {
		subID, err := uuid.Parse(subIDStr.String)
		if err != nil {
			return nil, err
		}
		activeSubscriptionID = &subID
	}

	createdAt, _ := time.Parse(time.RFC3339, createdAtStr)
	updatedAt, _ := time.Parse(time.RFC3339, updatedAtStr)

	return domain.RehydrateUser(id, email, name, activeSubscriptionID, version, createdAt, updatedAt), nil
}

var _ domain.UserRepository = (*SQLiteUserRepository)(nil)
