package app

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	billingdomain "github.com/letterahq/lettera/internal/billing/domain"
	billingPersistence "github.com/letterahq/lettera/internal/billing/infrastructure/persistence"
	identitydomain "github.com/letterahq/lettera/internal/identity/domain"
	identityPersistence "github.com/letterahq/lettera/internal/identity/infrastructure/persistence"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	sharedPersistence "github.com/letterahq/lettera/internal/shared/infrastructure/persistence"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
	subsPersistence "github.com/letterahq/lettera/internal/subscriptions/infrastructure/persistence"
)

// RepositoryFactory creates repositories for the configured database driver.
// Exactly one of pool or db is set.
type RepositoryFactory struct {
	driver database.Driver
	pool   *pgxpool.Pool
	db     *sql.DB
}

// NewPostgresRepositoryFactory creates a factory backed by a pgx pool.
func NewPostgresRepositoryFactory(pool *pgxpool.Pool) *RepositoryFactory {
	return &RepositoryFactory{driver: database.DriverPostgres, pool: pool}
}

// NewSQLiteRepositoryFactory creates a factory backed by a SQLite handle.
func NewSQLiteRepositoryFactory(db *sql.DB) *RepositoryFactory {
	return &RepositoryFactory{driver: database.DriverSQLite, db: db}
}

// Driver returns the database driver type.
func (f *RepositoryFactory) Driver() database.Driver {
	return f.driver
}

// UnitOfWork creates a unit of work for the configured driver.
func (f *RepositoryFactory) UnitOfWork() (sharedApplication.UnitOfWork, error) {
	switch f.driver {
	case database.DriverPostgres:
		return sharedPersistence.NewPostgresUnitOfWork(f.pool), nil
	case database.DriverSQLite:
		return sharedPersistence.NewSQLiteUnitOfWork(f.db), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// PaymentRepository creates a payment repository for the configured driver.
func (f *RepositoryFactory) PaymentRepository() (billingdomain.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return billingPersistence.NewPostgresPaymentRepository(f.pool), nil
	case database.DriverSQLite:
		return billingPersistence.NewSQLitePaymentRepository(f.db), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// SubscriptionRepository creates a subscription repository for the configured driver.
func (f *RepositoryFactory) SubscriptionRepository() (subsdomain.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return subsPersistence.NewPostgresSubscriptionRepository(f.pool), nil
	case database.DriverSQLite:
		return subsPersistence.NewSQLiteSubscriptionRepository(f.db), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// UserRepository creates a user repository for the configured driver.
func (f *RepositoryFactory) UserRepository() (identitydomain.UserRepository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return identityPersistence.NewPostgresUserRepository(f.pool), nil
	case database.DriverSQLite:
		return identityPersistence.NewSQLiteUserRepository(f.db), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}

// OutboxRepository creates an outbox repository for the configured driver.
func (f *RepositoryFactory) OutboxRepository() (outbox.Repository, error) {
	switch f.driver {
	case database.DriverPostgres:
		return outbox.NewPostgresRepository(f.pool), nil
	case database.DriverSQLite:
		return outbox.NewSQLiteRepository(f.db), nil
	default:
		return nil, fmt.Errorf("unsupported driver: %s", f.driver)
	}
}
