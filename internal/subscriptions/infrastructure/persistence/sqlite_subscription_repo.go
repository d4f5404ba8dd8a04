package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

const sqliteSubscriptionColumns = `
	id, user_id, tier, billing_interval, status, started_at,
	current_period_start, current_period_end, cancel_at_period_end, auto_renew,
	ai_usage_count, ai_usage_reset_at, order_ref, subscription_ref,
	version, created_at, updated_at
`

// SQLiteSubscriptionRepository implements domain.Repository with SQLite.
type SQLiteSubscriptionRepository struct {
	dbConn *sql.DB
}

// NewSQLiteSubscriptionRepository creates a new SQLite subscription
// repository.
func NewSQLiteSubscriptionRepository(dbConn *sql.DB) *SQLiteSubscriptionRepository {
	return &SQLiteSubscriptionRepository{dbConn: dbConn}
}

// getDB returns the appropriate database connection based on context.
func (r *SQLiteSubscriptionRepository) getDB(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return r.dbConn
}

// Save upserts the subscription guarded by its version, mirroring the
// PostgreSQL repository. Usage counters are excluded from the conflict
// update.
func (r *SQLiteSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	db := r.getDB(ctx)

	query := `
		INSERT INTO subscriptions (
			id, user_id, tier, billing_interval, status, started_at,
			current_period_start, current_period_end, cancel_at_period_end, auto_renew,
			ai_usage_count, ai_usage_reset_at, order_ref, subscription_ref,
			version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? + 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			tier = excluded.tier,
			billing_interval = excluded.billing_interval,
			status = excluded.status,
			current_period_start = excluded.current_period_start,
			current_period_end = excluded.current_period_end,
			cancel_at_period_end = excluded.cancel_at_period_end,
			auto_renew = excluded.auto_renew,
			subscription_ref = excluded.subscription_ref,
			version = subscriptions.version + 1,
			updated_at = excluded.updated_at
		WHERE subscriptions.version = ?
	`

	result, err := db.ExecContext(ctx, query,
		sub.ID().String(),
		sub.UserID().String(),
		string(sub.Tier()),
		string(sub.Interval()),
		string(sub.Status()),
		sub.StartedAt().UTC().Format(time.RFC3339),
		nullableTime(sub.CurrentPeriodStart()),
		nullableTime(sub.CurrentPeriodEnd()),
		sub.CancelAtPeriodEnd(),
		sub.AutoRenew(),
		sub.AIUsageCount(),
		sub.AIUsageResetAt().UTC().Format(time.RFC3339),
		sub.OrderRef(),
		sub.SubscriptionRef(),
		sub.Version(),
		sub.CreatedAt().UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		sub.Version(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.ErrConcurrentUpdate
		}
		return err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return domain.ErrConcurrentUpdate
	}

	sub.IncrementVersion()
	return nil
}

// FindByID retrieves a subscription by its ID.
func (r *SQLiteSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	db := r.getDB(ctx)
	query := `SELECT ` + sqliteSubscriptionColumns + ` FROM subscriptions WHERE id = ?`

	return scanSQLiteSubscription(db.QueryRowContext(ctx, query, id.String()))
}

// FindLiveByUserID retrieves the user's active or trial subscription, nil
// when there is none.
func (r *SQLiteSubscriptionRepository) FindLiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqliteSubscriptionColumns + `
		FROM subscriptions
		WHERE user_id = ? AND status IN ('active', 'trial')
		LIMIT 1
	`

	return scanSQLiteSubscription(db.QueryRowContext(ctx, query, userID.String()))
}

// FindBySubscriptionRef retrieves the subscription carrying the gateway's
// recurring-agreement reference, preferring live rows. An empty ref matches
// nothing: one-time-order rows store '' there.
func (r *SQLiteSubscriptionRepository) FindBySubscriptionRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqliteSubscriptionColumns + `
		FROM subscriptions
		WHERE subscription_ref = ?
		ORDER BY (status IN ('active', 'trial')) DESC, created_at DESC
		LIMIT 1
	`

	return scanSQLiteSubscription(db.QueryRowContext(ctx, query, ref))
}

// HasAnyForUser reports whether the user ever held a subscription.
func (r *SQLiteSubscriptionRepository) HasAnyForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	db := r.getDB(ctx)
	query := `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = ?)`

	var exists bool
	if err := db.QueryRowContext(ctx, query, userID.String()).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindLapsed retrieves live subscriptions whose period already ended, oldest
// first.
func (r *SQLiteSubscriptionRepository) FindLapsed(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error) {
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqliteSubscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('active', 'trial')
		  AND current_period_end IS NOT NULL
		  AND current_period_end <= ?
		ORDER BY current_period_end
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, asOf.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*domain.Subscription, 0)
	for rows.Next() {
		sub, err := scanSQLiteSubscriptionRow(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return subs, nil
}

// IncrementUsage adds one unit of metered usage as a single conditional
// update. A negative limit means unlimited.
func (r *SQLiteSubscriptionRepository) IncrementUsage(ctx context.Context, id uuid.UUID, limit int) (int, error) {
	db := r.getDB(ctx)
	query := `
		UPDATE subscriptions
		SET ai_usage_count = ai_usage_count + 1, updated_at = ?
		WHERE id = ? AND (? < 0 OR ai_usage_count < ?)
		RETURNING ai_usage_count
	`

	var count int
	err := db.QueryRowContext(ctx, query,
		time.Now().UTC().Format(time.RFC3339), id.String(), limit, limit,
	).Scan(&count)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrQuotaExceeded
		}
		return 0, err
	}
	return count, nil
}

// ResetUsageIfDue zeroes the usage counter when the stored reset instant has
// passed.
func (r *SQLiteSubscriptionRepository) ResetUsageIfDue(ctx context.Context, id uuid.UUID, now, nextResetAt time.Time) (bool, error) {
	db := r.getDB(ctx)
	query := `
		UPDATE subscriptions
		SET ai_usage_count = 0, ai_usage_reset_at = ?, updated_at = ?
		WHERE id = ? AND ai_usage_reset_at <= ?
	`

	result, err := db.ExecContext(ctx, query,
		nextResetAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		id.String(),
		now.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

func nullableTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseNullableTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}

type sqliteScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteSubscription(row *sql.Row) (*domain.Subscription, error) {
	sub, err := scanSQLiteSubscriptionRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func scanSQLiteSubscriptionRow(row sqliteScanner) (*domain.Subscription, error) {
	var (
		idStr              string
		userIDStr          string
		tier               string
		billingInterval    string
		status             string
		startedAtStr       string
		currentPeriodStart sql.NullString
		currentPeriodEnd   sql.NullString
		cancelAtPeriodEnd  bool
		autoRenew          bool
		aiUsageCount       int
		aiUsageResetAtStr  string
		orderRef           string
		subscriptionRef    string
		version            int
		createdAtStr       string
		updatedAtStr       string
	)

	err := row.Scan(
		&idStr,
		&userIDStr,
		&tier,
		&billingInterval,
		&status,
		&startedAtStr,
		&currentPeriodStart,
		&currentPeriodEnd,
		&cancelAtPeriodEnd,
		&autoRenew,
		&aiUsageCount,
		&aiUsageResetAtStr,
		&orderRef,
		&subscriptionRef,
		&version,
		&createdAtStr,
		&updatedAtStr,
	)
	if err != nil {
		return nil, err
	}

	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		return nil, err
	}
	startedAt, _ := time.Parse(time.RFC3339, startedAtStr)
	aiUsageResetAt, _ := time.Parse(time.RFC3339, aiUsageResetAtStr)
	createdAt, _ := time.Parse(time.RFC3339, createdAtStr)
	updatedAt, _ := time.Parse(time.RFC3339, updatedAtStr)

	return domain.RehydrateSubscription(
		id,
		userID,
		domain.Tier(tier),
		domain.Interval(billingInterval),
		domain.Status(status),
		startedAt,
		parseNullableTime(currentPeriodStart),
		parseNullableTime(currentPeriodEnd),
		cancelAtPeriodEnd,
		autoRenew,
		aiUsageCount,
		aiUsageResetAt,
		orderRef,
		subscriptionRef,
		version,
		createdAt,
		updatedAt,
	), nil
}

var _ domain.Repository = (*SQLiteSubscriptionRepository)(nil)
