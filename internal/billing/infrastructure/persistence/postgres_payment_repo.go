package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/letterahq/lettera/internal/billing/domain"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
)

const paymentColumns = `
	id, user_id, tier, billing_interval, amount, currency, status,
	order_ref, subscription_ref, capture_ref, refunded_amount,
	failure_reason, completed_at, version, created_at, updated_at
`

// PostgresPaymentRepository implements domain.Repository using PostgreSQL.
type PostgresPaymentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresPaymentRepository creates a new PostgreSQL payment repository.
func NewPostgresPaymentRepository(pool *pgxpool.Pool) *PostgresPaymentRepository {
	return &PostgresPaymentRepository{pool: pool}
}

// paymentRow represents a database row for payments.
type paymentRow struct {
	ID              uuid.UUID
	UserID          uuid.UUID
	Tier            string
	BillingInterval string
	Amount          int64
	Currency        string
	Status          string
	OrderRef        string
	SubscriptionRef string
	CaptureRef      string
	RefundedAmount  int64
	FailureReason   string
	CompletedAt     *time.Time
	Version         int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Save upserts the payment guarded by its version. The conflict update only
// touches columns the aggregate can actually change after creation; identity
// columns (user, plan, amount, order reference) stay as inserted. A lost race
// surfaces as ErrConcurrentUpdate.
func (r *PostgresPaymentRepository) Save(ctx context.Context, payment *domain.Payment) error {
	db := sharedPersistence.Executor(ctx, r.pool)

	query := `
		INSERT INTO payments (
			id, user_id, tier, billing_interval, amount, currency, status,
			order_ref, subscription_ref, capture_ref, refunded_amount,
			failure_reason, completed_at, version, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14 + 1, $15, $16)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			capture_ref = EXCLUDED.capture_ref,
			refunded_amount = EXCLUDED.refunded_amount,
			failure_reason = EXCLUDED.failure_reason,
			completed_at = EXCLUDED.completed_at,
			version = payments.version + 1,
			updated_at = NOW()
		WHERE payments.version = $14
	`

	result, err := db.Exec(ctx, query,
		payment.ID(),
		payment.UserID(),
		payment.Tier(),
		payment.Interval(),
		payment.Amount().Amount(),
		payment.Amount().Currency(),
		string(payment.Status()),
		payment.OrderRef(),
		payment.SubscriptionRef(),
		payment.CaptureRef(),
		payment.RefundedAmount().Amount(),
		payment.FailureReason(),
		payment.CompletedAt(),
		payment.Version(),
		payment.CreatedAt(),
		payment.UpdatedAt(),
	)
	if err != nil {
		// The partial unique index on order_ref turns two payments racing to
		// record the same gateway order into a visible conflict.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return domain.ErrConcurrentUpdate
		}
		return err
	}
	if result.RowsAffected() == 0 {
		return domain.ErrConcurrentUpdate
	}

	payment.IncrementVersion()
	return nil
}

// FindByID retrieves a payment by its ID.
func (r *PostgresPaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1`

	return r.scanOne(db.QueryRow(ctx, query, id))
}

// FindByOrderRef retrieves the payment created for a gateway order. The
// column defaults to '' on subscription-flow rows, so an empty ref is never
// an identity and matches nothing.
func (r *PostgresPaymentRepository) FindByOrderRef(ctx context.Context, orderRef string) (*domain.Payment, error) {
	if orderRef == "" {
		return nil, nil
	}
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `SELECT ` + paymentColumns + ` FROM payments WHERE order_ref = $1`

	return r.scanOne(db.QueryRow(ctx, query, orderRef))
}

// FindBySubscriptionRef retrieves the most recent payment created for a
// gateway subscription. Renewal charges reuse the agreement reference, so the
// newest row is the one a webhook refers to. An empty ref matches nothing.
func (r *PostgresPaymentRepository) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*domain.Payment, error) {
	if subscriptionRef == "" {
		return nil, nil
	}
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE subscription_ref = $1
		ORDER BY created_at DESC
		LIMIT 1
	`

	return r.scanOne(db.QueryRow(ctx, query, subscriptionRef))
}

// FindByUserID lists a user's payments, newest first.
func (r *PostgresPaymentRepository) FindByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Payment, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := db.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanAll(rows)
}

// FindPendingOlderThan lists payments still pending past the cutoff, oldest
// first, for reconciliation.
func (r *PostgresPaymentRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	db := sharedPersistence.Executor(ctx, r.pool)
	query := `
		SELECT ` + paymentColumns + `
		FROM payments
		WHERE status = 'pending' AND created_at <= $1
		ORDER BY created_at
		LIMIT $2
	`

	rows, err := db.Query(ctx, query, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanAll(rows)
}

func (r *PostgresPaymentRepository) scanAll(rows pgx.Rows) ([]*domain.Payment, error) {
	payments := make([]*domain.Payment, 0)
	for rows.Next() {
		payment, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, payment)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *PostgresPaymentRepository) scanOne(row pgx.Row) (*domain.Payment, error) {
	payment, err := r.scanRow(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payment, nil
}

func (r *PostgresPaymentRepository) scanRow(row pgx.Row) (*domain.Payment, error) {
	var p paymentRow
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.Tier,
		&p.BillingInterval,
		&p.Amount,
		&p.Currency,
		&p.Status,
		&p.OrderRef,
		&p.SubscriptionRef,
		&p.CaptureRef,
		&p.RefundedAmount,
		&p.FailureReason,
		&p.CompletedAt,
		&p.Version,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	amount, err := sharedDomain.NewMoney(p.Amount, p.Currency)
	if err != nil {
		return nil, err
	}
	refunded, err := sharedDomain.NewMoney(p.RefundedAmount, p.Currency)
	if err != nil {
		return nil, err
	}

	return domain.RehydratePayment(
		p.ID,
		p.UserID,
		p.Tier,
		p.BillingInterval,
		amount,
		domain.PaymentStatus(p.Status),
		p.OrderRef,
		p.SubscriptionRef,
		p.CaptureRef,
		refunded,
		p.FailureReason,
		p.CompletedAt,
		p.Version,
		p.CreatedAt,
		p.UpdatedAt,
	), nil
}

var _ domain.Repository = (*PostgresPaymentRepository)(nil)
