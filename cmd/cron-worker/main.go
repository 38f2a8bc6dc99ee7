package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billsplit-backend/internal/cron"
	"github.com/angelmondragon/billsplit-backend/internal/payments"
	"github.com/angelmondragon/billsplit-backend/internal/realtime"
	"github.com/angelmondragon/billsplit-backend/internal/receipts"
	"github.com/angelmondragon/billsplit-backend/pkg/config"
	"github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/keylock"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
	"github.com/angelmondragon/billsplit-backend/pkg/metrics"
	"github.com/angelmondragon/billsplit-backend/pkg/migrate"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
	"github.com/angelmondragon/billsplit-backend/pkg/redis"
)

func main() {
	logg := logger.New(logger.Options{ServiceName: "cron-worker"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	once := flag.Bool("once", false, "run a single cycle and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = "cron-worker"

	logg = logger.New(logger.Options{
		ServiceName: "cron-worker",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
	})

	if err := run(ctx, cfg, logg, *once); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shutting down gracefully")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, once bool) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dbClient.Close())
	}()

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	// The cycle lock lives in redis, so the worker cannot run without it.
	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, redisClient.Close())
	}()

	ledgerMetrics := metrics.NewLedgerMetrics(prometheus.DefaultRegisterer)
	cronMetrics := metrics.NewCronJobMetrics(prometheus.DefaultRegisterer)

	locks := keylock.New()
	outboxRepo := outbox.NewRepository(dbClient.DB())
	emitter := outbox.NewService(outboxRepo, logg)

	// Settlements found by the sweep reach API instances over redis. The
	// local hub has no subscribers of its own.
	hub := realtime.NewHub(cfg.Realtime.SubscriberBuffer, logg, nil)
	defer func() {
		err = multierr.Append(err, hub.Close())
	}()
	notifier, err := realtime.NewRedisBroadcaster(redisClient, hub, logg)
	if err != nil {
		return err
	}

	receiptsService, err := receipts.NewService(receipts.ServiceParams{
		Repo:        receipts.NewRepository(dbClient.DB()),
		Tx:          dbClient,
		Locks:       locks,
		Outbox:      emitter,
		Logger:      logg,
		Metrics:     ledgerMetrics,
		LockTimeout: cfg.Payments.LockTimeout,
	})
	if err != nil {
		return err
	}
	paymentsService, err := payments.NewService(payments.ServiceParams{
		Repo:          payments.NewRepository(dbClient.DB()),
		Tx:            dbClient,
		Locks:         locks,
		Outbox:        emitter,
		Notifier:      notifier,
		Logger:        logg,
		Metrics:       ledgerMetrics,
		LockTimeout:   cfg.Payments.LockTimeout,
		MaxBatchLines: cfg.Payments.MaxBatchLines,
	})
	if err != nil {
		return err
	}

	sweepJob, err := cron.NewSettlementSweepJob(cron.SettlementSweepJobParams{
		Logger:    logg,
		Payments:  paymentsService,
		BatchSize: cfg.Cron.SweepBatchSize,
	})
	if err != nil {
		return err
	}
	draftJob, err := cron.NewStaleDraftJob(cron.StaleDraftJobParams{
		Logger:   logg,
		Receipts: receiptsService,
		TTL:      cfg.Cron.DraftTTL,
	})
	if err != nil {
		return err
	}
	retentionJob, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:       logg,
		DB:           dbClient,
		Repository:   outboxRepo,
		DeadLetters:  outbox.NewDLQRepository(dbClient.DB()),
		Retention:    cfg.Cron.OutboxRetention,
		DLQRetention: cfg.Cron.DLQRetention,
		MinAttempts:  cfg.Outbox.MaxAttempts,
	})
	if err != nil {
		return err
	}

	registry, err := cron.NewRegistry(sweepJob, draftJob, retentionJob)
	if err != nil {
		return err
	}
	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey("cron-worker"), cfg.Cron.LockTTL)
	if err != nil {
		return err
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  cronMetrics,
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	if once {
		logg.Info(ctx, "running single cron cycle")
		return service.RunOnce(ctx)
	}
	logg.Info(ctx, "starting cron worker")
	return service.Run(ctx)
}
