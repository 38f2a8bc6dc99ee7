package cron

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

type fakeSettler struct {
	ids     []uuid.UUID
	settled map[uuid.UUID]bool
	fail    map[uuid.UUID]error
	listErr error
	limit   int
}

func (f *fakeSettler) ListSettleable(_ context.Context, limit int) ([]uuid.UUID, error) {
	f.limit = limit
	return f.ids, f.listErr
}

func (f *fakeSettler) Settle(_ context.Context, id uuid.UUID) (bool, error) {
	if err := f.fail[id]; err != nil {
		return false, err
	}
	return f.settled[id], nil
}

func TestSettlementSweepSettlesAndAggregatesErrors(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	payments := &fakeSettler{
		ids:     []uuid.UUID{a, b, c},
		settled: map[uuid.UUID]bool{a: true, c: false},
		fail:    map[uuid.UUID]error{b: errors.New("busy")},
	}
	job, err := NewSettlementSweepJob(SettlementSweepJobParams{Logger: logger.Nop(), Payments: payments, BatchSize: 25})
	require.NoError(t, err)
	assert.Equal(t, "settlement_sweep", job.Name())

	settled, err := job.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), b.String())
	assert.Equal(t, int64(1), settled)
	assert.Equal(t, 25, payments.limit)
}

func TestSettlementSweepListError(t *testing.T) {
	job, err := NewSettlementSweepJob(SettlementSweepJobParams{Logger: logger.Nop(), Payments: &fakeSettler{listErr: errors.New("db")}})
	require.NoError(t, err)
	_, err = job.Run(context.Background())
	require.Error(t, err)
}

type fakePurger struct {
	batches []int64
	calls   int
	cutoff  time.Time
}

func (f *fakePurger) PurgeStaleDrafts(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	f.cutoff = cutoff
	if f.calls >= len(f.batches) {
		return 0, nil
	}
	n := f.batches[f.calls]
	f.calls++
	return n, nil
}

func TestStaleDraftJobPurgesInBatches(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	purger := &fakePurger{batches: []int64{staleDraftBatch, staleDraftBatch, 3}}
	jobIface, err := NewStaleDraftJob(StaleDraftJobParams{Logger: logger.Nop(), Receipts: purger, TTL: 48 * time.Hour})
	require.NoError(t, err)
	job := jobIface.(*staleDraftJob)
	job.now = func() time.Time { return now }

	deleted, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2*staleDraftBatch+3), deleted)
	assert.Equal(t, 3, purger.calls)
	assert.True(t, purger.cutoff.Equal(now.Add(-48*time.Hour)))
}

func TestStaleDraftJobRequiresDependencies(t *testing.T) {
	_, err := NewStaleDraftJob(StaleDraftJobParams{Logger: logger.Nop()})
	assert.Error(t, err)
	_, err = NewSettlementSweepJob(SettlementSweepJobParams{Logger: logger.Nop()})
	assert.Error(t, err)
}

type fakeOutboxRetentionRepo struct {
	lastCutoff  time.Time
	minAttempts int
	called      int
	err         error
}

func (f *fakeOutboxRetentionRepo) DeletePublishedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time, minAttemptCount int) (int64, error) {
	f.called++
	f.lastCutoff = cutoff
	f.minAttempts = minAttemptCount
	if f.err != nil {
		return 0, f.err
	}
	return 7, nil
}

type fakeDeadLetterPruner struct {
	lastCutoff time.Time
	err        error
}

func (f *fakeDeadLetterPruner) DeleteFailedBefore(_ context.Context, _ *gorm.DB, cutoff time.Time) (int64, error) {
	f.lastCutoff = cutoff
	if f.err != nil {
		return 0, f.err
	}
	return 2, nil
}

type passthroughTx struct{}

func (passthroughTx) WithTx(_ context.Context, fn func(tx *gorm.DB) error) error {
	return fn(nil)
}

func newOutboxRetentionJob(t *testing.T, repo *fakeOutboxRetentionRepo) *outboxRetentionJob {
	t.Helper()
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:     logger.New(logger.Options{ServiceName: "test"}),
		DB:         passthroughTx{},
		Repository: repo,
	})
	require.NoError(t, err)
	job, ok := jobIface.(*outboxRetentionJob)
	require.True(t, ok)
	return job
}

func TestOutboxRetentionJobDeletesPublishedRows(t *testing.T) {
	now := time.Date(2026, 2, 10, 0, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	job := newOutboxRetentionJob(t, repo)
	job.now = func() time.Time { return now }

	deleted, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), deleted)
	assert.True(t, repo.lastCutoff.Equal(now.Add(-defaultOutboxRetention)))
	assert.Equal(t, outboxMinAttempts, repo.minAttempts)
	assert.Equal(t, 1, repo.called)
}

func TestOutboxRetentionJobPropagatesError(t *testing.T) {
	job := newOutboxRetentionJob(t, &fakeOutboxRetentionRepo{err: errors.New("boom")})
	_, err := job.Run(context.Background())
	assert.Error(t, err)
}

func TestOutboxRetentionJobPrunesDeadLetters(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	repo := &fakeOutboxRetentionRepo{}
	letters := &fakeDeadLetterPruner{}
	jobIface, err := NewOutboxRetentionJob(OutboxRetentionJobParams{
		Logger:       logger.Nop(),
		DB:           passthroughTx{},
		Repository:   repo,
		DeadLetters:  letters,
		DLQRetention: 48 * time.Hour,
		MinAttempts:  3,
	})
	require.NoError(t, err)
	job := jobIface.(*outboxRetentionJob)
	job.now = func() time.Time { return now }

	deleted, err := job.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(9), deleted)
	assert.True(t, letters.lastCutoff.Equal(now.Add(-48*time.Hour)))
	assert.Equal(t, 3, repo.minAttempts)

	letters.err = errors.New("locked")
	_, err = job.Run(context.Background())
	assert.ErrorContains(t, err, "dead letters")
}
