package persistence

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/letterahq/lettera/internal/billing/domain"
	sharedDomain "github.com/letterahq/lettera/internal/shared/domain"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
)

const sqlitePaymentColumns = `
	id, user_id, tier, billing_interval, amount, currency, status,
	order_ref, subscription_ref, capture_ref, refunded_amount,
	failure_reason, completed_at, version, created_at, updated_at
`

// SQLitePaymentRepository implements domain.Repository with SQLite.
type SQLitePaymentRepository struct {
	dbConn *sql.DB
}

// NewSQLitePaymentRepository creates a new SQLite payment repository.
func NewSQLitePaymentRepository(dbConn *sql.DB) *SQLitePaymentRepository {
	return &SQLitePaymentRepository{dbConn: dbConn}
}

// getDB returns the appropriate database connection based on context.
func (r *SQLitePaymentRepository) getDB(ctx context.Context) interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
} {
	if info, ok := sharedPersistence.SQLiteTxInfoFromContext(ctx); ok {
		return info.Tx
	}
	return r.dbConn
}

// Save upserts the payment guarded by its version, mirroring the PostgreSQL
// repository. Identity columns stay as inserted; only state the aggregate can
// change is updated on conflict.
func (r *SQLitePaymentRepository) Save(ctx context.Context, payment *domain.Payment) error {
	db := r.getDB(ctx)

	query := `
		INSERT INTO payments (
			id, user_id, tier, billing_interval, amount, currency, status,
			order_ref, subscription_ref, capture_ref, refunded_amount,
			failure_reason, completed_at, version, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ? + 1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			status = excluded.status,
			capture_ref = excluded.capture_ref,
			refunded_amount = excluded.refunded_amount,
			failure_reason = excluded.failure_reason,
			completed_at = excluded.completed_at,
			version = payments.version + 1,
			updated_at = excluded.updated_at
		WHERE payments.version = ?
	`

	result, err := db.ExecContext(ctx, query,
		payment.ID().String(),
		payment.UserID().String(),
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
		nullableTime(payment.CompletedAt()),
		payment.Version(),
		payment.CreatedAt().UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339),
		payment.Version(),
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

	payment.IncrementVersion()
	return nil
}

// FindByID retrieves a payment by its ID.
func (r *SQLitePaymentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	db := r.getDB(ctx)
	query := `SELECT ` + sqlitePaymentColumns + ` FROM payments WHERE id = ?`

	return scanSQLitePayment(db.QueryRowContext(ctx, query, id.String()))
}

// FindByOrderRef retrieves the payment created for a gateway order. The
// column defaults to '' on subscription-flow rows, so an empty ref is never
// an identity and matches nothing.
func (r *SQLitePaymentRepository) FindByOrderRef(ctx context.Context, orderRef string) (*domain.Payment, error) {
	if orderRef == "" {
		return nil, nil
	}
	db := r.getDB(ctx)
	query := `SELECT ` + sqlitePaymentColumns + ` FROM payments WHERE order_ref = ?`

	return scanSQLitePayment(db.QueryRowContext(ctx, query, orderRef))
}

// FindBySubscriptionRef retrieves the most recent payment created for a
// gateway subscription. An empty ref matches nothing.
func (r *SQLitePaymentRepository) FindBySubscriptionRef(ctx context.Context, subscriptionRef string) (*domain.Payment, error) {
	if subscriptionRef == "" {
		return nil, nil
	}
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqlitePaymentColumns + `
		FROM payments
		WHERE subscription_ref = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	return scanSQLitePayment(db.QueryRowContext(ctx, query, subscriptionRef))
}

// FindByUserID lists a user's payments, newest first.
func (r *SQLitePaymentRepository) FindByUserID(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Payment, error) {
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqlitePaymentColumns + `
		FROM payments
		WHERE user_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := db.QueryContext(ctx, query, userID.String(), limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLitePayments(rows)
}

// FindPendingOlderThan lists payments still pending past the cutoff, oldest
// first, for reconciliation.
func (r *SQLitePaymentRepository) FindPendingOlderThan(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Payment, error) {
	db := r.getDB(ctx)
	query := `
		SELECT ` + sqlitePaymentColumns + `
		FROM payments
		WHERE status = 'pending' AND created_at <= ?
		ORDER BY created_at
		LIMIT ?
	`

	rows, err := db.QueryContext(ctx, query, cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanSQLitePayments(rows)
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

func scanSQLitePayment(row *sql.Row) (*domain.Payment, error) {
	payment, err := scanSQLitePaymentRow(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return payment, nil
}

func scanSQLitePayments(rows *sql.Rows) ([]*domain.Payment, error) {
	payments := make([]*domain.Payment, 0)
	for rows.Next() {
		payment, err := scanSQLitePaymentRow(rows)
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

func scanSQLitePaymentRow(row sqliteScanner) (*domain.Payment, error) {
	var (
		idStr           string
		userIDStr       string
		tier            string
		billingInterval string
		amount          int64
		currency        string
		status          string
		orderRef        string
		subscriptionRef string
		captureRef      string
		refundedAmount  int64
		failureReason   string
		completedAt     sql.NullString
		version         int
		createdAtStr    string
		updatedAtStr    string
	)

	err := row.Scan(
		&idStr,
		&userIDStr,
		&tier,
		&billingInterval,
		&amount,
		&currency,
		&status,
		&orderRef,
		&subscriptionRef,
		&captureRef,
		&refundedAmount,
		&failureReason,
		&completedAt,
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
	money, err := sharedDomain.NewMoney(amount, currency)
	if err != nil {
		return nil, err
	}
	refunded, err := sharedDomain.NewMoney(refundedAmount, currency)
	if err != nil {
		return nil, err
	}
	createdAt, _ := time.Parse(time.RFC3339, createdAtStr)
	updatedAt, _ := time.Parse(time.RFC3339, updatedAtStr)

	return domain.RehydratePayment(
		id,
		userID,
		tier,
		billingInterval,
		money,
		domain.PaymentStatus(status),
		orderRef,
		subscriptionRef,
		captureRef,
		refunded,
		failureReason,
		parseNullableTime(completedAt),
		version,
		createdAt,
		updatedAt,
	), nil
}

var _ domain.Repository = (*SQLitePaymentRepository)(nil)
