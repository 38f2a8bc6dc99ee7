package cron

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

const defaultSweepBatch = 100

type settler interface {
	ListSettleable(ctx context.Context, limit int) ([]uuid.UUID, error)
	Settle(ctx context.Context, receiptID uuid.UUID) (bool, error)
}

type SettlementSweepJobParams struct {
	Logger    *logger.Logger
	Payments  settler
	BatchSize int
}

// NewSettlementSweepJob settles open receipts whose units are all paid but
// which never went through the in-batch settlement check.
func NewSettlementSweepJob(params SettlementSweepJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Payments == nil {
		return nil, fmt.Errorf("payments service required")
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultSweepBatch
	}
	return &settlementSweepJob{logg: params.Logger, payments: params.Payments, batch: batch}, nil
}

type settlementSweepJob struct {
	logg     *logger.Logger
	payments settler
	batch    int
}

func (j *settlementSweepJob) Name() string { return "settlement_sweep" }

func (j *settlementSweepJob) Run(ctx context.Context) (int64, error) {
	ids, err := j.payments.ListSettleable(ctx, j.batch)
	if err != nil {
		return 0, fmt.Errorf("list settleable receipts: %w", err)
	}
	var (
		settled int64
		errs    error
	)
	for _, id := range ids {
		ok, err := j.payments.Settle(ctx, id)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("settle %s: %w", id, err))
			continue
		}
		if ok {
			settled++
			j.logg.Info(j.logg.WithReceiptID(ctx, id.String()), "receipt settled by sweeper")
		}
	}
	return settled, errs
}
