package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

const (
	defaultDraftTTL     = 7 * 24 * time.Hour
	staleDraftBatch     = 200
	staleDraftMaxRounds = 10
)

type draftPurger interface {
	PurgeStaleDrafts(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type StaleDraftJobParams struct {
	Logger   *logger.Logger
	Receipts draftPurger
	TTL      time.Duration
}

// NewStaleDraftJob deletes drafts that were never finalized within TTL.
func NewStaleDraftJob(params StaleDraftJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Receipts == nil {
		return nil, fmt.Errorf("receipts service required")
	}
	ttl := params.TTL
	if ttl <= 0 {
		ttl = defaultDraftTTL
	}
	return &staleDraftJob{
		logg:     params.Logger,
		receipts: params.Receipts,
		ttl:      ttl,
		now:      time.Now,
	}, nil
}

type staleDraftJob struct {
	logg     *logger.Logger
	receipts draftPurger
	ttl      time.Duration
	now      func() time.Time
}

func (j *staleDraftJob) Name() string { return "stale_draft_cleanup" }

// Run deletes in bounded batches so one cycle cannot hold the database for
// long.
func (j *staleDraftJob) Run(ctx context.Context) (int64, error) {
	cutoff := j.now().UTC().Add(-j.ttl)
	var total int64
	for round := 0; round < staleDraftMaxRounds; round++ {
		deleted, err := j.receipts.PurgeStaleDrafts(ctx, cutoff, staleDraftBatch)
		if err != nil {
			return total, fmt.Errorf("purge stale drafts: %w", err)
		}
		total += deleted
		if deleted < staleDraftBatch {
			break
		}
	}
	if total > 0 {
		j.logg.Info(j.logg.WithFields(ctx, map[string]any{
			"cutoff":         cutoff,
			"drafts_deleted": total,
		}), "stale drafts purged")
	}
	return total, nil
}
