package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/PortNumber53/membership-backend/internal/alerting"
	"github.com/PortNumber53/membership-backend/internal/cache"
	"github.com/PortNumber53/membership-backend/internal/config"
	"github.com/PortNumber53/membership-backend/internal/handlers"
	"github.com/PortNumber53/membership-backend/internal/httpserver"
	"github.com/PortNumber53/membership-backend/internal/logging"
	"github.com/PortNumber53/membership-backend/internal/membership"
	"github.com/PortNumber53/membership-backend/internal/metrics"
	"github.com/PortNumber53/membership-backend/internal/migrations"
	"github.com/PortNumber53/membership-backend/internal/store"
	"github.com/PortNumber53/membership-backend/internal/stripe"
	"github.com/PortNumber53/membership-backend/internal/worker"
)

// reconcileFirstDelay gives sibling webhook events time to land before a
// queued anomaly is re-applied.
const reconcileFirstDelay = 30 * time.Second

func main() {
	// Best-effort: load environment variables from .env-style files in local
	// development. These calls are safe to ignore in production environments.
	_ = godotenv.Load(
		"../.env",
		".env",
	)

	cfg, err := config.Load()
	if err != nil {
		bootLogger := logging.New("info", "json")
		bootLogger.Fatal().Err(err).Msg("failed to load configuration")
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)

	if cfg.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         cfg.SentryDSN,
			Environment: cfg.AppEnv,
		}); err != nil {
			logger.Warn().Err(err).Msg("sentry disabled")
		} else {
			defer sentry.Flush(2 * time.Second)
		}
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open database")
	}
	defer db.Close()

	logDBTarget(logger, "primary", cfg.DatabaseURL)
	configureDB(db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to ping database")
	}

	if err := runMigrationsWithDirtyFix(db, logger); err != nil {
		logger.Fatal().Err(err).Msg("failed to apply database migrations")
	}

	st, err := store.New(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create store")
	}
	jobStore, err := store.NewJobStore(db)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create job store")
	}

	metrics.MustRegister()

	checks := []handlers.HealthCheck{{Name: "database", Check: st.Ping}}

	// A nil interface, not a typed nil, keeps the catalog uncached.
	var planCache membership.PlanCache
	if cfg.RedisURL != "" {
		client, err := cache.Connect(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, plan cache disabled")
		} else {
			defer client.Close()
			planCache = cache.NewPlanCache(client, cfg.PlanCacheTTL, logger)
			checks = append(checks, handlers.HealthCheck{Name: "redis", Check: redisPing(client)})
		}
	}

	gateway := stripe.NewClient(cfg.StripeSecretKey,
		stripe.WithBaseURL(cfg.StripeAPIBase),
		stripe.WithLogger(logger),
	)

	reporter := alerting.NewReporter(logger, sentry.CurrentHub())

	jobWorker := worker.New(worker.DefaultConfig(), jobStore, logger)
	jobWorker.SetInstrumentation(worker.NewInstrumentation(reporter))

	reconciler := membership.NewReconciler(st, gateway, membership.ReconcilerConfig{
		WebhookSecret:  cfg.StripeWebhookSecret,
		Tolerance:      cfg.WebhookTolerance,
		GatewayTimeout: cfg.GatewayTimeout,
		CheckoutTTL:    cfg.CheckoutTTL,
	}, logger,
		membership.WithAnomalyReporter(reporter),
		membership.WithRetryQueue(worker.NewReconcileQueue(jobWorker, cfg.ReconcileMaxAttempts, reconcileFirstDelay)),
	)
	worker.RegisterReconcileJobs(jobWorker, reconciler)

	coordinator := membership.NewCoordinator(st, gateway, membership.CheckoutConfig{
		TTL:            cfg.CheckoutTTL,
		GatewayTimeout: cfg.GatewayTimeout,
		SuccessURL:     cfg.CheckoutSuccessURL(),
		CancelURL:      cfg.CheckoutCancelURL(),
	}, logger)

	srv := httpserver.New(cfg, httpserver.Deps{
		Catalog:    membership.NewCatalog(st, planCache, logger),
		Membership: coordinator,
		Webhook:    reconciler,
		Admin:      st,
		Worker:     jobWorker,
		Checks:     checks,
	}, logger)

	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		<-shutdownCtx.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown failed")
		}
	}()

	logger.Info().Str("addr", cfg.ServerAddress).Str("env", cfg.AppEnv).Msg("backend starting")
	if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("server exited with error")
		os.Exit(1)
	}
}

func configureDB(db *sql.DB) {
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
}

func runMigrationsWithDirtyFix(db *sql.DB, logger zerolog.Logger) error {
	err := migrations.Up(db, logger)
	if err == nil {
		return nil
	}

	_, dirty, statusErr := migrations.Status(db)
	if statusErr != nil || !dirty {
		return err
	}

	logger.Warn().Err(err).Msg("migrations: dirty database detected, attempting to fix")
	if fixErr := migrations.FixDirtyDatabase(db, logger); fixErr != nil {
		logger.Error().Err(fixErr).Msg("migrations: failed to fix dirty database")
		return err
	}
	return migrations.Up(db, logger)
}

func redisPing(client *redis.Client) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}
}

func logDBTarget(logger zerolog.Logger, name, dsn string) {
	// Avoid logging secrets: only log hostname + database path.
	u, err := url.Parse(dsn)
	if err != nil {
		logger.Info().Str("db", name).Err(err).Msg("database configured (dsn parse error)")
		return
	}
	logger.Info().Str("db", name).Str("host", u.Hostname()).Str("database", strings.TrimPrefix(u.Path, "/")).Msg("database target")
}
