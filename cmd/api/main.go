package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/billsplit-backend/api/routes"
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

const shutdownTimeout = 15 * time.Second

func main() {
	logg := logger.New(logger.Options{ServiceName: "api"})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	logg = logger.New(logger.Options{
		ServiceName: "api",
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
		Format:      cfg.App.LogFormat,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logg); err != nil {
		logg.Error(ctx, "api server stopped unexpectedly", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) (err error) {
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

	var redisClient *redis.Client
	if cfg.Redis.Enabled() {
		redisClient, err = redis.New(ctx, cfg.Redis, logg)
		if err != nil {
			return err
		}
		defer func() {
			err = multierr.Append(err, redisClient.Close())
		}()
	} else {
		logg.Warn(ctx, "redis not configured, running single instance without idempotency or rate limits")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ledgerMetrics := metrics.NewLedgerMetrics(registry)

	locks := keylock.New()
	emitter := outbox.NewService(outbox.NewRepository(dbClient.DB()), logg)

	hub := realtime.NewHub(cfg.Realtime.SubscriberBuffer, logg, ledgerMetrics)
	defer func() {
		err = multierr.Append(err, hub.Close())
	}()

	var notifier payments.Notifier = hub
	if redisClient != nil {
		broadcaster, bErr := startBroadcaster(ctx, redisClient, hub, logg)
		if bErr != nil {
			return bErr
		}
		defer func() {
			err = multierr.Append(err, broadcaster.Close())
		}()
		notifier = broadcaster
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

	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port
	id := os.Getenv("DYNO")
	if id == "" {
		id = "local"
	}
	serverCtx := logg.WithFields(ctx, map[string]any{
		"env":      cfg.App.Env,
		"addr":     addr,
		"instance": id,
	})

	server := &http.Server{
		Addr:              addr,
		Handler:           routes.NewRouter(cfg, logg, dbClient, redisClient, receiptsService, paymentsService, hub, registry),
		ReadHeaderTimeout: 10 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logg.Info(serverCtx, "starting api server")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		logg.Info(serverCtx, "shutting down api server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		// Open event streams only end once the hub closes them.
		server.RegisterOnShutdown(func() { _ = hub.Close() })
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

// startBroadcaster bridges room events between API instances over redis.
func startBroadcaster(ctx context.Context, client *redis.Client, hub *realtime.Hub, logg *logger.Logger) (*realtime.RedisBroadcaster, error) {
	broadcaster, err := realtime.NewRedisBroadcaster(client, hub, logg)
	if err != nil {
		return nil, err
	}
	source, err := client.PSubscribe(ctx, client.RoomChannelPattern())
	if err != nil {
		return nil, err
	}
	if err := broadcaster.Start(ctx, source); err != nil {
		return nil, multierr.Append(err, source.Close())
	}
	return broadcaster, nil
}
