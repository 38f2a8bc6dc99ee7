package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billsplit-backend/pkg/config"
	"github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
	"github.com/angelmondragon/billsplit-backend/pkg/migrate"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox/registry"
	"github.com/angelmondragon/billsplit-backend/pkg/pubsub"
)

type options struct {
	listDLQ bool
	requeue string
}

func main() {
	var opts options
	flag.BoolVar(&opts.listDLQ, "dlq-list", false, "print recent dead letters and exit")
	flag.StringVar(&opts.requeue, "dlq-requeue", "", "put the dead-lettered event with this id back in the outbox and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: "outbox-publisher"})
	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = "outbox-publisher"

	logg = logger.New(logger.Options{
		ServiceName: "outbox-publisher",
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

	if err := run(ctx, cfg, logg, opts); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "outbox publisher stopped unexpectedly", err)
		os.Exit(1)
	}
	logg.Info(ctx, "outbox publisher shut down")
}

func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, opts options) (err error) {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, dbClient.Close())
	}()

	dlq := outbox.NewDLQRepository(dbClient.DB())
	switch {
	case opts.listDLQ:
		return printDeadLetters(ctx, dlq)
	case opts.requeue != "":
		eventID, parseErr := uuid.Parse(opts.requeue)
		if parseErr != nil {
			return fmt.Errorf("invalid -dlq-requeue id: %w", parseErr)
		}
		if err := dlq.Requeue(ctx, eventID); err != nil {
			return err
		}
		logg.Info(logg.WithField(ctx, "event_id", eventID.String()), "dead letter requeued")
		return nil
	}

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return err
	}

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, pubsubClient.Close())
	}()

	eventRegistry, err := registry.NewEventRegistry(cfg.PubSub)
	if err != nil {
		return err
	}
	service, err := NewService(ServiceParams{
		Config:        cfg,
		Logger:        logg,
		DB:            dbClient,
		PubSub:        pubsubClient,
		Repository:    outbox.NewRepository(dbClient.DB()),
		Registry:      eventRegistry,
		DLQRepository: dlq,
	})
	if err != nil {
		return err
	}

	ctx = logg.WithField(ctx, "topics", eventRegistry.Topics())
	logg.Info(ctx, "starting outbox publisher")
	return service.Run(ctx)
}

func printDeadLetters(ctx context.Context, dlq *outbox.DLQRepository) error {
	entries, err := dlq.List(ctx, 0)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EVENT_ID\tTYPE\tREASON\tATTEMPTS\tFAILED_AT\tERROR")
	for _, e := range entries {
		msg := ""
		if e.ErrorMessage != nil {
			msg = *e.ErrorMessage
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			e.EventID, e.EventType, e.ErrorReason, e.AttemptCount, e.FailedAt.Format(time.RFC3339), msg)
	}
	return w.Flush()
}
