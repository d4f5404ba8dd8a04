package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/letterahq/lettera/adapter/api"
	"github.com/letterahq/lettera/internal/app"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database"
	"github.com/letterahq/lettera/internal/shared/infrastructure/database/sqlite"
	"github.com/letterahq/lettera/internal/shared/infrastructure/migrations"
	"github.com/letterahq/lettera/pkg/config"
)

var rootCmd = &cobra.Command{
	Use:   "lettera",
	Short: "Lettera billing and generation service",
	Long: `Lettera sells subscription plans for AI-assisted cover letter and CV
generation. This binary serves the public HTTP API; the companion worker
binary runs the outbox processor and the reconciliation sweeps.`,
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMigrate(cmd.Context())
	},
}

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		cancel()
	}()

	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.IsDevelopment() {
		level = slog.LevelDebug
	}
	if cfg.IsProduction() {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	container, err := app.NewContainer(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize container: %w", err)
	}
	defer container.Close()

	serverCfg := api.DefaultServerConfig()
	serverCfg.Addr = cfg.HTTPAddr

	server := api.NewServer(serverCfg, api.Handlers{
		Billing: api.NewBillingHandler(
			container.Checkout,
			container.ConfirmPayment,
			container.RefundPayment,
			container.ListPayments,
			logger,
		),
		Subscriptions: api.NewSubscriptionHandler(
			container.CancelSubscription,
			container.GetActiveSubscription,
			container.GetUsage,
			logger,
		),
		Generations: api.NewGenerationHandler(container.Generator, logger),
		Webhooks:    api.NewWebhookHandler(container.WebhookProcessor, logger),
	}, container.Health, container.Metrics, logger)

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runMigrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := newLogger(cfg)

	if cfg.SQLitePath != "" || database.DetectDriver(cfg.DatabaseURL) == database.DriverSQLite {
		db, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return fmt.Errorf("open sqlite: %w", err)
		}
		defer db.Close()
		if err := migrations.RunSQLiteMigrations(ctx, db); err != nil {
			return err
		}
		logger.Info("sqlite migrations applied", "path", cfg.SQLitePath)
		return nil
	}

	if err := migrations.RunPostgresMigrations(cfg.DatabaseURL); err != nil {
		return err
	}
	logger.Info("postgres migrations applied")
	return nil
}
