// Package app wires configuration, storage, gateway clients and application
// handlers into a runnable container shared by the API server and the worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	billingcommands "github.com/letterahq/lettera/internal/billing/application/commands"
	billingqueries "github.com/letterahq/lettera/internal/billing/application/queries"
	billingservices "github.com/letterahq/lettera/internal/billing/application/services"
	billingdomain "github.com/letterahq/lettera/internal/billing/domain"
	"github.com/letterahq/lettera/internal/billing/infrastructure/dedupe"
	"github.com/letterahq/lettera/internal/billing/infrastructure/gateway"
	genservices "github.com/letterahq/lettera/internal/generation/application/services"
	"github.com/letterahq/lettera/internal/generation/infrastructure/provider"
	identitydomain "github.com/letterahq/lettera/internal/identity/domain"
	sharedApplication "github.com/letterahq/lettera/internal/shared/application"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database/postgres"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database/sqlite"
	"github.com/letterahq/lettera/internal/shared/infrastructure/migrations"
	"github.com/letterahq/lettera/internal/shared/infrastructure/outbox"
	subscommands "github.com/letterahq/lettera/internal/subscriptions/application/commands"
	subsqueries "github.com/letterahq/lettera/internal/subscriptions/application/queries"
	subsservices "github.com/letterahq/lettera/internal/subscriptions/application/services"
	subsdomain "github.com/letterahq/lettera/internal/subscriptions/domain"
	"github.com/letterahq/lettera/internal/subscriptions/infrastructure/catalog"
	"github.com/letterahq/lettera/pkg/config"
	"github.com/letterahq/lettera/pkg/observability"
)

// Container holds the wired application. Postgres backs deployed
// environments; a set SQLITE_PATH (or a sqlite DATABASE_URL) selects the
// zero-config SQLite mode used for local development and tests.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	driver   database.Driver
	pool     *pgxpool.Pool
	sqliteDB *sql.DB
	redis    *redis.Client

	UnitOfWork    sharedApplication.UnitOfWork
	Payments      billingdomain.Repository
	Subscriptions subsdomain.Repository
	Users         identitydomain.UserRepository
	Outbox        outbox.Repository

	Catalog  subsdomain.Catalog
	Gateway  *gateway.Client
	Verifier *gateway.Verifier
	Dedupe   billingservices.DedupeCache

	Resolver         *billingservices.PaymentResolver
	WebhookProcessor *billingservices.WebhookProcessor
	Reconciler       *billingservices.Reconciler
	ExpirySweep      *subsservices.ExpirySweep

	Checkout       *billingcommands.CheckoutHandler
	ConfirmPayment *billingcommands.ConfirmPaymentHandler
	RefundPayment  *billingcommands.RefundPaymentHandler
	ListPayments   *billingqueries.ListPaymentsHandler

	ActivateSubscription  *subscommands.ActivateSubscriptionHandler
	CancelSubscription    *subscommands.CancelSubscriptionHandler
	ActiveLookup          *subsservices.ActiveLookup
	Quota                 *subsservices.QuotaService
	GetActiveSubscription *subsqueries.GetActiveSubscriptionHandler
	GetUsage              *subsqueries.GetUsageHandler

	Generator *genservices.Generator

	Health  *observability.HealthRegistry
	Metrics *observability.PrometheusMetrics
}

// NewContainer builds the application container: opens the database, runs
// migrations and wires every handler. Close releases what it opened.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}

	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Health:  observability.NewHealthRegistry(),
		Metrics: observability.NewPrometheusMetrics(),
	}

	factory, err := c.openDatabase(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := c.buildRepositories(factory); err != nil {
		c.Close()
		return nil, err
	}

	c.Catalog, err = catalog.Load(cfg.PlanCatalogPath)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to load plan catalog: %w", err)
	}

	resetLoc, err := time.LoadLocation(cfg.UsageResetTZ)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("invalid USAGE_RESET_TZ %q: %w", cfg.UsageResetTZ, err)
	}

	c.Gateway = gateway.NewClient(gateway.Config{
		BaseURL:      cfg.GatewayBaseURL,
		ClientID:     cfg.GatewayClientID,
		ClientSecret: cfg.GatewayClientSecret,
		Timeout:      cfg.GatewayTimeout,
		PlanRefs:     cfg.GatewayPlanRefs,
		BrandName:    "Lettera",
		ReturnURL:    cfg.CheckoutReturnURL,
		CancelURL:    cfg.CheckoutCancelURL,
	}, logger)
	c.Verifier = gateway.NewVerifier(cfg.GatewayWebhookSecret, cfg.WebhookTolerance)
	c.Dedupe = c.buildDedupeCache(ctx, cfg)

	c.wireSubscriptions(resetLoc)
	c.wireBilling()
	c.wireGeneration(cfg)

	return c, nil
}

func (c *Container) openDatabase(ctx context.Context, cfg *config.Config) (*RepositoryFactory, error) {
	if cfg.SQLitePath != "" {
		c.driver = database.DriverSQLite
	} else {
		c.driver = database.DetectDriver(cfg.DatabaseURL)
	}

	switch c.driver {
	case database.DriverPostgres:
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		if err := migrations.RunPostgresMigrations(cfg.DatabaseURL); err != nil {
			pool.Close()
			return nil, err
		}
		c.pool = pool
		c.Health.Register("database", observability.DatabaseHealthChecker(func(ctx context.Context) error {
			return pool.Ping(ctx)
		}))
		return NewPostgresRepositoryFactory(pool), nil

	case database.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite: %w", err)
		}
		if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
		c.sqliteDB = db
		c.Health.Register("database", observability.DatabaseHealthChecker(db.PingContext))
		return NewSQLiteRepositoryFactory(db), nil

	default:
		return nil, fmt.Errorf("unsupported database driver: %s", c.driver)
	}
}

func (c *Container) buildRepositories(factory *RepositoryFactory) error {
	var err error
	if c.UnitOfWork, err = factory.UnitOfWork(); err != nil {
		return err
	}
	if c.Payments, err = factory.PaymentRepository(); err != nil {
		return err
	}
	if c.Subscriptions, err = factory.SubscriptionRepository(); err != nil {
		return err
	}
	if c.Users, err = factory.UserRepository(); err != nil {
		return err
	}
	if c.Outbox, err = factory.OutboxRepository(); err != nil {
		return err
	}
	return nil
}

// buildDedupeCache connects to redis for webhook deduplication. Outside
// production an unreachable redis degrades to the in-process cache instead of
// failing startup; the resolver's state checks keep duplicates harmless
// either way.
func (c *Container) buildDedupeCache(ctx context.Context, cfg *config.Config) billingservices.DedupeCache {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		c.Logger.Warn("invalid redis URL, using in-process webhook dedupe", "error", err)
		return dedupe.NewMemoryCache(cfg.WebhookDedupeTTL)
	}

	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		if !cfg.IsProduction() {
			c.Logger.Warn("redis unreachable, using in-process webhook dedupe", "error", err)
			_ = client.Close()
			return dedupe.NewMemoryCache(cfg.WebhookDedupeTTL)
		}
		// Keep the client: the cache is a fast path and redis may recover.
		c.Logger.Warn("redis unreachable at startup", "error", err)
	}

	c.redis = client
	c.Health.Register("redis", observability.RedisHealthChecker(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	return dedupe.NewRedisCache(client, cfg.WebhookDedupeTTL)
}

func (c *Container) wireSubscriptions(resetLoc *time.Location) {
	c.ActiveLookup = subsservices.NewActiveLookup(c.Subscriptions, c.Outbox, c.UnitOfWork)
	c.Quota = subsservices.NewQuotaService(c.ActiveLookup, c.Subscriptions, c.Outbox, c.Catalog, resetLoc)

	c.ActivateSubscription = subscommands.NewActivateSubscriptionHandler(
		c.Subscriptions, c.Users, c.Outbox, c.UnitOfWork, c.Catalog, resetLoc)
	c.CancelSubscription = subscommands.NewCancelSubscriptionHandler(
		c.Subscriptions, c.Outbox, c.UnitOfWork, c.Gateway, c.Logger)

	c.GetActiveSubscription = subsqueries.NewGetActiveSubscriptionHandler(c.ActiveLookup)
	c.GetUsage = subsqueries.NewGetUsageHandler(c.Quota)

	c.ExpirySweep = subsservices.NewExpirySweep(
		c.Subscriptions, c.Outbox, c.UnitOfWork, c.Config.ReconcileBatchSize, c.Logger)
}

func (c *Container) wireBilling() {
	c.Resolver = billingservices.NewPaymentResolver(
		c.Payments, c.Subscriptions, c.ActivateSubscription, c.Outbox, c.UnitOfWork, c.Logger)
	c.WebhookProcessor = billingservices.NewWebhookProcessor(c.Verifier, c.Dedupe, c.Resolver, c.Logger)
	c.Reconciler = billingservices.NewReconciler(
		c.Payments, c.Gateway, c.Resolver,
		c.Config.ReconcilePendingAfter, c.Config.ReconcileBatchSize, c.Logger)

	c.Checkout = billingcommands.NewCheckoutHandler(c.Payments, c.Catalog, c.Gateway, c.Outbox, c.UnitOfWork)
	c.ConfirmPayment = billingcommands.NewConfirmPaymentHandler(c.Payments, c.Gateway, c.Resolver)
	c.RefundPayment = billingcommands.NewRefundPaymentHandler(c.Payments, c.Gateway, c.Outbox, c.UnitOfWork, c.Logger)
	c.ListPayments = billingqueries.NewListPaymentsHandler(c.Payments)
}

func (c *Container) wireGeneration(cfg *config.Config) {
	providerClient := provider.NewClient(provider.Config{
		BaseURL: cfg.AIProviderBaseURL,
		APIKey:  cfg.AIProviderAPIKey,
		Model:   cfg.AIProviderModel,
		Timeout: cfg.GenerationTimeout,
	}, c.Logger)

	c.Generator = genservices.NewGenerator(c.Quota, providerClient, cfg.GenerationTimeout, c.Logger)
}

// Driver returns the active database driver.
func (c *Container) Driver() database.Driver {
	return c.driver
}

// Pool returns the pgx pool, nil in SQLite mode.
func (c *Container) Pool() *pgxpool.Pool {
	return c.pool
}

// Close releases the resources the container opened.
func (c *Container) Close() {
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.Logger.Warn("failed to close redis client", "error", err)
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}
	if c.sqliteDB != nil {
		if err := c.sqliteDB.Close(); err != nil {
			c.Logger.Warn("failed to close sqlite database", "error", err)
		}
	}
}
