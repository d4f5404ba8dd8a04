package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
	"github.com/letterahq/lettera/internal/subscriptions/domain"
)

const subscriptionColumns = `
	id, user_id, tier, billing_interval, status, started_at,
	current_period_start, current_period_end, cancel_at_period_end, auto_renew,
	ai_usage_count, ai_usage_reset_at, order_ref, subscription_ref,
	version, created_at, updated_at
`

// PostgresSubscriptionRepository implements domain.Repository using
// PostgreSQL.
type PostgresSubscriptionRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSubscriptionRepository creates a new PostgreSQL subscription
// repository.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{pool: pool}
}

// subscriptionRow represents a database row for subscriptions.
type subscriptionRow struct {
	ID                 uuid.UUID
	UserID             uuid.UUID
	Tier               string
	BillingInterval    string
	Status             string
	StartedAt          time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	CancelAtPeriodEnd  bool
	AutoRenew          bool
	AIUsageCount       int
	AIUsageResetAt     time.Time
	OrderRef           string
	SubscriptionRef    string
	Version            int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// Save upserts the subscription guarded by its version. The conflict update
// only applies when the stored version still matches the version the
// aggregate was loaded with; a lost race surfaces as ErrConcurrentUpdate.
// Usage counters are excluded from the update: they belong to IncrementUsage
// and ResetUsageIfDue, so a stale aggregate can never roll them back.
func (r *PostgresSubscriptionRepository) Save(ctx context.Context, sub *domain.Subscription) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO subscriptions (
			id, user_id, tier, billing_interval, status, started_at,
			current_period_start, current_period_end, cancel_at_period_end, auto_renew,
			ai_usage_count, ai_usage_reset_at, order_ref, subscription_ref,
			version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15 + 1, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			tier = EXCLUDED.tier,
			billing_interval = EXCLUDED.billing_interval,
			status = EXCLUDED.status,
			current_period_start = EXCLUDED.current_period_start,
			current_period_end = EXCLUDED.current_period_end,
			cancel_at_period_end = EXCLUDED.cancel_at_period_end,
			auto_renew = EXCLUDED.auto_renew,
			subscription_ref = EXCLUDED.subscription_ref,
			version = subscriptions.version + 1,
			updated_at = NOW()
		WHERE subscriptions.version = $15
	`

	result, err := db.Exec(ctx, query,
		sub.ID(),
		sub.UserID(),
		string(sub.Tier()),
		string(sub.Interval()),
		string(sub.Status()),
		sub.StartedAt(),
		sub.CurrentPeriodStart(),
		sub.CurrentPeriodEnd(),
		sub.CancelAtPeriodEnd(),
		sub.AutoRenew(),
		sub.AIUsageCount(),
		sub.AIUsageResetAt(),
		sub.OrderRef(),
		sub.SubscriptionRef(),
		sub.Version(),
		sub.CreatedAt(),
		sub.UpdatedAt(),
	)
	if err != nil {
		// The partial unique index on live rows per user turns a concurrent
		// double-activation into a visible conflict.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrConcurrentUpdate
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}

	sub.IncrementVersion()
	return nil
}

// FindByID retrieves a subscription by its ID.
func (r *PostgresSubscriptionRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Subscription, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`

	return r.scanOne(db.QueryRow(ctx, query, id))
}

// FindLiveByUserID retrieves the user's active or trial subscription, nil
// when there is none.
func (r *PostgresSubscriptionRepository) FindLiveByUserID(ctx context.Context, userID uuid.UUID) (*domain.Subscription, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1 AND status IN ('active', 'trial')
		LIMIT 1
	`

	return r.scanOne(db.QueryRow(ctx, query, userID))
}

// FindBySubscriptionRef retrieves the subscription carrying the gateway's
// recurring-agreement reference. Live rows win over superseded ones that
// share the reference. An empty ref matches nothing: one-time-order rows
// store '' there.
func (r *PostgresSubscriptionRepository) FindBySubscriptionRef(ctx context.Context, ref string) (*domain.Subscription, error) {
	if ref == "" {
		return nil, nil
	}
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE subscription_ref = $1
		ORDER BY (status IN ('active', 'trial')) DESC, created_at DESC
		LIMIT 1
	`

	return r.scanOne(db.QueryRow(ctx, query, ref))
}

// HasAnyForUser reports whether the user ever held a subscription, in any
// state.
func (r *PostgresSubscriptionRepository) HasAnyForUser(ctx context.Context, userID uuid.UUID) (bool, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT EXISTS (SELECT 1 FROM subscriptions WHERE user_id = $1)`

	var exists bool
	if err := db.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

// FindLapsed retrieves live subscriptions whose period already ended, oldest
// first.
func (r *PostgresSubscriptionRepository) FindLapsed(ctx context.Context, asOf time.Time, limit int) ([]*domain.Subscription, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE status IN ('active', 'trial')
		  AND current_period_end IS NOT NULL
		  AND current_period_end <= $1
		ORDER BY current_period_end
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, asOf, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*domain.Subscription, 0)
	for rows.Next() {
		sub, err := r.scanRow(rows)
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
// update. A negative limit means unlimited. When the row is missing or the
// allowance is used up nothing updates and ErrQuotaExceeded is returned.
func (r *PostgresSubscriptionRepository) IncrementUsage(ctx context.Context, id uuid.UUID, limit int) (int, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		UPDATE subscriptions
		SET ai_usage_count = ai_usage_count + 1, updated_at = NOW()
		WHERE id = $1 AND ($2 < 0 OR ai_usage_count < $2)
		RETURNING ai_usage_count
	`

	var count int
	err := db.QueryRow(ctx, query, id, limit).Scan(&count)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrQuotaExceeded
		}
		return 0, err
	}
	return count, nil
}

// ResetUsageIfDue zeroes the usage counter when the stored reset instant has
// passed. The condition makes concurrent resets apply at most once.
func (r *PostgresSubscriptionRepository) ResetUsageIfDue(ctx context.Context, id uuid.UUID, now, nextResetAt time.Time) (bool, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		UPDATE subscriptions
		SET ai_usage_count = 0, ai_usage_reset_at = $3, updated_at = NOW()
		WHERE id = $1 AND ai_usage_reset_at <= $2
	`

	result, err := db.Exec(ctx, query, id, now, nextResetAt)
	if err != nil {
		return false, err
	}
	return result.RowsAffected() > 0, nil
}

func (r *PostgresSubscriptionRepository) scanOne(row pgx.Row) (*domain.Subscription, error) {
	sub, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return sub, nil
}

func (r *PostgresSubscriptionRepository) scanRow(row pgx.Row) (*domain.Subscription, error) {
	var s subscriptionRow
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.Tier,
		&s.BillingInterval,
		&s.Status,
		&s.StartedAt,
		&s.CurrentPeriodStart,
		&s.CurrentPeriodEnd,
		&s.CancelAtPeriodEnd,
		&s.AutoRenew,
		&s.AIUsageCount,
		&s.AIUsageResetAt,
		&s.OrderRef,
		&s.SubscriptionRef,
		&s.Version,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	return domain.RehydrateSubscription(
		s.ID,
		s.UserID,
		domain.Tier(s.Tier),
		domain.Interval(s.BillingInterval),
		domain.Status(s.Status),
		s.StartedAt,
		s.CurrentPeriodStart,
		s.CurrentPeriodEnd,
		s.CancelAtPeriodEnd,
		s.AutoRenew,
		s.AIUsageCount,
		s.AIUsageResetAt,
		s.OrderRef,
		s.SubscriptionRef,
		s.Version,
		s.CreatedAt,
		s.UpdatedAt,
	), nil
}

var _ domain.Repository = (*PostgresSubscriptionRepository)(nil)
