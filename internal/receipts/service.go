package receipts

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/keylock"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
	"github.com/angelmondragon/billsplit-backend/pkg/metrics"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox/payloads"
)

const (
	tokenBytes         = 16
	maxTokenAttempts   = 3
	defaultLockTimeout = 3 * time.Second
	defaultPurgeBatch  = 100
	receiptLockKind    = "receipt"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service defines the draft lifecycle, finalization and room reads.
type Service interface {
	CreateDraft(ctx context.Context, input CreateDraftInput) (*models.Receipt, error)
	Get(ctx context.Context, receiptID uuid.UUID) (*models.Receipt, error)
	ListItems(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error)
	ReplaceItems(ctx context.Context, receiptID uuid.UUID, items []ItemInput) ([]models.Item, error)
	Finalize(ctx context.Context, receiptID uuid.UUID) (*FinalizeResult, error)
	GetRoom(ctx context.Context, token string) (*Room, error)
	Delete(ctx context.Context, receiptID uuid.UUID) error
	PurgeStaleDrafts(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// CreateDraftInput carries the structured scan result for a new receipt.
type CreateDraftInput struct {
	ImageRef *string
	Items    []ItemInput
}

// FinalizeResult is returned once a draft has been opened for payments.
type FinalizeResult struct {
	Token     string
	Receipt   *models.Receipt
	UnitCount int
}

// Room is the read model shown to everyone holding the sharing token.
type Room struct {
	Receipt    models.Receipt
	Items      []models.Item
	Payments   []models.Payment
	TotalCents int64
	PaidCents  int64
}

// ServiceParams wires the receipts service.
type ServiceParams struct {
	Repo        Repository
	Tx          txRunner
	Locks       *keylock.Table
	Outbox      outbox.Emitter
	Logger      *logger.Logger
	Metrics     *metrics.LedgerMetrics
	LockTimeout time.Duration
	NewToken    func() (string, error)
	Now         func() time.Time
}

type service struct {
	repo        Repository
	tx          txRunner
	locks       *keylock.Table
	outbox      outbox.Emitter
	logg        *logger.Logger
	metrics     *metrics.LedgerMetrics
	lockTimeout time.Duration
	newToken    func() (string, error)
	now         func() time.Time
}

// NewService builds the receipts service with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("receipts repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Locks == nil {
		return nil, fmt.Errorf("lock table required")
	}
	if params.Outbox == nil {
		return nil, fmt.Errorf("outbox emitter required")
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.LockTimeout <= 0 {
		params.LockTimeout = defaultLockTimeout
	}
	if params.NewToken == nil {
		params.NewToken = NewToken
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		repo:        params.Repo,
		tx:          params.Tx,
		locks:       params.Locks,
		outbox:      params.Outbox,
		logg:        params.Logger,
		metrics:     params.Metrics,
		lockTimeout: params.LockTimeout,
		newToken:    params.NewToken,
		now:         params.Now,
	}, nil
}

// NewToken returns a URL-safe token backed by 16 random bytes.
func NewToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func (s *service) CreateDraft(ctx context.Context, input CreateDraftInput) (*models.Receipt, error) {
	items, err := normalizeItems(input.Items)
	if err != nil {
		return nil, err
	}

	now := s.now()
	receipt := &models.Receipt{
		ID:        uuid.New(),
		Status:    enums.ReceiptStatusDraft,
		ImageRef:  input.ImageRef,
		CreatedAt: now,
		UpdatedAt: now,
	}
	rows := buildItems(receipt.ID, items, now)

	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.CreateReceipt(ctx, receipt); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create receipt")
		}
		if err := repo.CreateItems(ctx, rows); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create items")
		}
		return nil
	}); err != nil {
		return nil, err
	}

	receipt.Items = rows
	logCtx := s.logg.WithReceiptID(ctx, receipt.ID.String())
	logCtx = s.logg.WithField(logCtx, "item_count", len(rows))
	s.logg.Info(logCtx, "draft receipt created")
	return receipt, nil
}

func (s *service) Get(ctx context.Context, receiptID uuid.UUID) (*models.Receipt, error) {
	if receiptID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}
	receipt, err := s.repo.FindByID(ctx, receiptID)
	if err != nil {
		return nil, mapLookupError(err, "receipt")
	}
	items, err := s.repo.ListItems(ctx, receiptID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list items")
	}
	receipt.Items = items
	return receipt, nil
}

func (s *service) ListItems(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error) {
	if receiptID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}
	if _, err := s.repo.FindByID(ctx, receiptID); err != nil {
		return nil, mapLookupError(err, "receipt")
	}
	items, err := s.repo.ListItems(ctx, receiptID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list items")
	}
	return items, nil
}

func (s *service) ReplaceItems(ctx context.Context, receiptID uuid.UUID, input []ItemInput) ([]models.Item, error) {
	if receiptID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}
	items, err := normalizeItems(input)
	if err != nil {
		return nil, err
	}

	release, err := s.lockReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	defer release()

	now := s.now()
	rows := buildItems(receiptID, items, now)
	if err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		receipt, err := repo.LockByID(ctx, receiptID)
		if err != nil {
			return mapLookupError(err, "receipt")
		}
		if receipt.Status != enums.ReceiptStatusDraft {
			return notDraftError(receipt.Status)
		}
		if err := repo.DeleteItems(ctx, receiptID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete items")
		}
		if err := repo.CreateItems(ctx, rows); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create items")
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return rows, nil
}

// Finalize opens a draft for payments. Token collisions restart the whole
// transaction, since postgres aborts it on the unique violation.
func (s *service) Finalize(ctx context.Context, receiptID uuid.UUID) (*FinalizeResult, error) {
	if receiptID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}

	release, err := s.lockReceipt(ctx, receiptID)
	if err != nil {
		return nil, err
	}
	defer release()

	logCtx := s.logg.WithReceiptID(ctx, receiptID.String())
	var result *FinalizeResult
	for attempt := 1; attempt <= maxTokenAttempts; attempt++ {
		result, err = s.finalizeOnce(ctx, receiptID)
		if err == nil {
			break
		}
		if !isTokenCollision(err) {
			return nil, err
		}
		s.logg.Warn(s.logg.WithField(logCtx, "attempt", attempt), "receipt token collision")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "could not allocate receipt token")
	}

	s.metrics.IncFinalized()
	logCtx = s.logg.WithRoom(logCtx, result.Token)
	logCtx = s.logg.WithField(logCtx, "unit_count", result.UnitCount)
	s.logg.Info(logCtx, "receipt finalized")
	return result, nil
}

func (s *service) finalizeOnce(ctx context.Context, receiptID uuid.UUID) (*FinalizeResult, error) {
	token, err := s.newToken()
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate receipt token")
	}

	var result *FinalizeResult
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		receipt, err := repo.LockByID(ctx, receiptID)
		if err != nil {
			return mapLookupError(err, "receipt")
		}
		if receipt.Status != enums.ReceiptStatusDraft {
			return notDraftError(receipt.Status)
		}

		items, err := repo.ListItems(ctx, receiptID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list items")
		}

		now := s.now()
		if err := repo.MarkOpen(ctx, receiptID, token, now); err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return pkgerrors.New(pkgerrors.CodeStateConflict, "receipt already finalized")
			}
			if isTokenCollision(err) {
				return err
			}
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "open receipt")
		}

		units := AllocateUnits(items)
		if err := repo.CreateUnits(ctx, units); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create units")
		}

		event := outbox.DomainEvent{
			EventType:     enums.EventReceiptFinalized,
			AggregateType: enums.AggregateReceipt,
			AggregateID:   receiptID,
			OccurredAt:    now,
			Data: payloads.ReceiptFinalizedEvent{
				ReceiptID:   receiptID,
				Token:       token,
				ItemCount:   len(items),
				UnitCount:   len(units),
				FinalizedAt: now,
			},
		}
		if err := s.outbox.Emit(ctx, tx, event); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit receipt finalized")
		}

		receipt.Token = &token
		receipt.Status = enums.ReceiptStatusOpen
		receipt.FinalizedAt = &now
		receipt.UpdatedAt = now
		receipt.Items = items
		result = &FinalizeResult{Token: token, Receipt: receipt, UnitCount: len(units)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *service) GetRoom(ctx context.Context, token string) (*Room, error) {
	if token == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "room token required")
	}
	receipt, err := s.repo.FindByToken(ctx, token)
	if err != nil {
		return nil, mapLookupError(err, "room")
	}
	items, err := s.repo.ListItemsWithUnits(ctx, receipt.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list room items")
	}
	payments, err := s.repo.ListPayments(ctx, receipt.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list room payments")
	}

	room := &Room{
		Receipt:  *receipt,
		Items:    items,
		Payments: payments,
	}
	for _, item := range items {
		for _, unit := range item.Units {
			room.TotalCents += unit.AmountTotalCents
			room.PaidCents += unit.AmountPaidCents
		}
	}
	return room, nil
}

// Delete removes a draft and its items. Finalized receipts are part of the
// payment ledger and cannot be deleted.
func (s *service) Delete(ctx context.Context, receiptID uuid.UUID) error {
	if receiptID == uuid.Nil {
		return pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}
	release, err := s.lockReceipt(ctx, receiptID)
	if err != nil {
		return err
	}
	defer release()

	return s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		receipt, err := repo.LockByID(ctx, receiptID)
		if err != nil {
			return mapLookupError(err, "receipt")
		}
		if receipt.Status != enums.ReceiptStatusDraft {
			return notDraftError(receipt.Status)
		}
		if _, err := repo.Delete(ctx, receiptID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "delete receipt")
		}
		return nil
	})
}

func (s *service) PurgeStaleDrafts(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		limit = defaultPurgeBatch
	}
	deleted, err := s.repo.DeleteDraftsBefore(ctx, cutoff, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "purge stale drafts")
	}
	return deleted, nil
}

func (s *service) lockReceipt(ctx context.Context, receiptID uuid.UUID) (keylock.Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	started := time.Now()
	release, err := s.locks.Lock(waitCtx, keylock.Key(receiptLockKind, receiptID.String()))
	s.metrics.ObserveLockWait(receiptLockKind, time.Since(started))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logg.Warn(s.logg.WithReceiptID(ctx, receiptID.String()), "receipt lock wait exceeded")
		return nil, pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "receipt is busy")
	}
	return release, nil
}

func buildItems(receiptID uuid.UUID, items []ItemInput, now time.Time) []models.Item {
	rows := make([]models.Item, 0, len(items))
	for i, item := range items {
		rows = append(rows, models.Item{
			ID:               uuid.New(),
			ReceiptID:        receiptID,
			Position:         i,
			Name:             item.Name,
			QtyTotal:         item.Qty,
			UnitPriceCents:   item.UnitPriceCents,
			AmountTotalCents: item.AmountTotalCents,
			CreatedAt:        now,
		})
	}
	return rows
}

// isTokenCollision matches the postgres constraint name or the sqlite
// column reference.
func isTokenCollision(err error) bool {
	return dbpkg.IsUniqueViolation(err, "receipts_token_key") ||
		dbpkg.IsUniqueViolation(err, "receipts.token")
}

func notDraftError(status enums.ReceiptStatus) error {
	return pkgerrors.New(pkgerrors.CodeStateConflict, "receipt is not a draft").
		WithDetails(map[string]any{"status": status})
}

func mapLookupError(err error, resource string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, resource+" not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load "+resource)
}
