package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

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
	defaultLockTimeout   = 3 * time.Second
	defaultMaxBatchLines = 50
	maxPayerName         = 100

	receiptLockKind = "receipt"
	unitLockKind    = "unit"

	settleSourcePayment = "payment"
	settleSourceSweeper = "sweeper"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service applies payments to receipt units and settles receipts.
type Service interface {
	PayFull(ctx context.Context, token, payerName string, itemID uuid.UUID) (*models.Payment, error)
	PayPartial(ctx context.Context, token, payerName string, unitID uuid.UUID, amountCents int64) (*models.Payment, error)
	ProcessBatch(ctx context.Context, input BatchInput) (*BatchResult, error)
	Settle(ctx context.Context, receiptID uuid.UUID) (bool, error)
	ListSettleable(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// Line is one requested payment. UnitID and AmountCents apply to partial
// payments only.
type Line struct {
	ItemID      uuid.UUID
	Mode        enums.PaymentMode
	UnitID      uuid.UUID
	AmountCents int64
}

// BatchInput groups the lines one payer submits together.
type BatchInput struct {
	Token     string
	PayerName string
	Lines     []Line
}

// BatchResult lists the appended payments in line order.
type BatchResult struct {
	ReceiptID uuid.UUID
	Payments  []models.Payment
	Settled   bool
}

// ServiceParams wires the payment processor.
type ServiceParams struct {
	Repo          Repository
	Tx            txRunner
	Locks         *keylock.Table
	Outbox        outbox.Emitter
	Notifier      Notifier
	Logger        *logger.Logger
	Metrics       *metrics.LedgerMetrics
	LockTimeout   time.Duration
	MaxBatchLines int
	Now           func() time.Time
}

type service struct {
	repo          Repository
	tx            txRunner
	locks         *keylock.Table
	outbox        outbox.Emitter
	notifier      Notifier
	logg          *logger.Logger
	metrics       *metrics.LedgerMetrics
	lockTimeout   time.Duration
	maxBatchLines int
	now           func() time.Time
}

// NewService builds the payment processor with the required dependencies.
func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("payments repository required")
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
	if params.Notifier == nil {
		params.Notifier = nopNotifier{}
	}
	if params.Logger == nil {
		params.Logger = logger.Nop()
	}
	if params.LockTimeout <= 0 {
		params.LockTimeout = defaultLockTimeout
	}
	if params.MaxBatchLines <= 0 {
		params.MaxBatchLines = defaultMaxBatchLines
	}
	if params.Now == nil {
		params.Now = func() time.Time { return time.Now().UTC() }
	}
	return &service{
		repo:          params.Repo,
		tx:            params.Tx,
		locks:         params.Locks,
		outbox:        params.Outbox,
		notifier:      params.Notifier,
		logg:          params.Logger,
		metrics:       params.Metrics,
		lockTimeout:   params.LockTimeout,
		maxBatchLines: params.MaxBatchLines,
		now:           params.Now,
	}, nil
}

func (s *service) PayFull(ctx context.Context, token, payerName string, itemID uuid.UUID) (*models.Payment, error) {
	res, err := s.ProcessBatch(ctx, BatchInput{
		Token:     token,
		PayerName: payerName,
		Lines:     []Line{{ItemID: itemID, Mode: enums.PaymentModeUnitFull}},
	})
	if err != nil {
		return nil, err
	}
	return &res.Payments[0], nil
}

func (s *service) PayPartial(ctx context.Context, token, payerName string, unitID uuid.UUID, amountCents int64) (*models.Payment, error) {
	res, err := s.ProcessBatch(ctx, BatchInput{
		Token:     token,
		PayerName: payerName,
		Lines: []Line{{
			Mode:        enums.PaymentModeUnitPartial,
			UnitID:      unitID,
			AmountCents: amountCents,
		}},
	})
	if err != nil {
		return nil, err
	}
	return &res.Payments[0], nil
}

// ProcessBatch applies every line in one transaction under the exclusive
// receipt lock, then runs the settlement check before committing.
func (s *service) ProcessBatch(ctx context.Context, input BatchInput) (*BatchResult, error) {
	payer, err := s.validateBatch(input)
	if err != nil {
		return nil, err
	}

	receipt, err := s.repo.FindReceiptByToken(ctx, input.Token)
	if err != nil {
		return nil, mapLookupError(err, "room")
	}

	logCtx := s.logg.WithReceiptID(ctx, receipt.ID.String())
	logCtx = s.logg.WithRoom(logCtx, input.Token)
	logCtx = s.logg.WithPayer(logCtx, payer)

	release, err := s.lockKey(logCtx, receiptLockKind, receipt.ID)
	if err != nil {
		return nil, err
	}
	defer release()

	b := &batch{svc: s, payer: payer, held: make(map[uuid.UUID]keylock.Release)}
	defer b.releaseAll()

	result := &BatchResult{ReceiptID: receipt.ID}
	var totals UnitTotals
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.SetLockTimeout(ctx, s.lockTimeout); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set lock timeout")
		}
		locked, err := repo.LockReceipt(ctx, receipt.ID)
		if err != nil {
			if dbpkg.IsLockTimeout(err) {
				return lockTimeoutError(err)
			}
			return mapLookupError(err, "room")
		}
		if locked.Status != enums.ReceiptStatusOpen {
			return pkgerrors.New(pkgerrors.CodeStateConflict, "receipt is not open").
				WithDetails(map[string]any{"status": locked.Status})
		}
		b.receipt = locked
		b.repo = repo
		b.tx = tx

		for i, line := range input.Lines {
			payment, err := b.apply(ctx, line)
			if err != nil {
				s.metrics.ObservePaymentLine(string(line.Mode), string(pkgerrors.CodeOf(err)), 0)
				return atLine(err, i)
			}
			result.Payments = append(result.Payments, *payment)
		}

		settled, t, err := s.settleLocked(ctx, repo, tx, locked)
		if err != nil {
			return err
		}
		result.Settled = settled
		totals = t
		return nil
	})
	if err != nil {
		if pkgerrors.Is(err, pkgerrors.CodeLockTimeout) {
			s.logg.Warn(logCtx, "payment lock wait exceeded")
		}
		return nil, err
	}

	var collected int64
	for i, payment := range result.Payments {
		collected += payment.AmountCents
		s.metrics.ObservePaymentLine(string(input.Lines[i].Mode), "ok", payment.AmountCents)
	}
	fields := map[string]any{
		"lines":        len(result.Payments),
		"amount_cents": collected,
		"paid_cents":   totals.PaidCents,
		"total_cents":  totals.TotalCents,
	}
	s.logg.Info(s.logg.WithFields(logCtx, fields), "payments recorded")
	if result.Settled {
		s.metrics.IncSettled(settleSourcePayment)
		s.logg.Info(logCtx, "receipt settled")
	}

	s.notify(logCtx, PaymentNotification{
		ReceiptToken: input.Token,
		PayerName:    payer,
		Lines:        len(result.Payments),
		AmountCents:  collected,
		Settled:      result.Settled,
	})
	return result, nil
}

// Settle runs the settlement check on its own. It reports whether this call
// moved the receipt to paid.
func (s *service) Settle(ctx context.Context, receiptID uuid.UUID) (bool, error) {
	if receiptID == uuid.Nil {
		return false, pkgerrors.New(pkgerrors.CodeValidation, "receipt id required")
	}
	logCtx := s.logg.WithReceiptID(ctx, receiptID.String())

	release, err := s.lockKey(logCtx, receiptLockKind, receiptID)
	if err != nil {
		return false, err
	}
	defer release()

	var (
		settled bool
		token   string
	)
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		if err := repo.SetLockTimeout(ctx, s.lockTimeout); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "set lock timeout")
		}
		receipt, err := repo.LockReceipt(ctx, receiptID)
		if err != nil {
			if dbpkg.IsLockTimeout(err) {
				return lockTimeoutError(err)
			}
			return mapLookupError(err, "receipt")
		}
		if receipt.Status != enums.ReceiptStatusOpen {
			return nil
		}
		token = receipt.TokenValue()
		settled, _, err = s.settleLocked(ctx, repo, tx, receipt)
		return err
	})
	if err != nil {
		return false, err
	}
	if settled {
		s.metrics.IncSettled(settleSourceSweeper)
		s.logg.Info(s.logg.WithRoom(logCtx, token), "receipt settled")
		s.notify(logCtx, PaymentNotification{ReceiptToken: token, Settled: true})
	}
	return settled, nil
}

func (s *service) ListSettleable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	ids, err := s.repo.ListSettleable(ctx, limit)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list settleable receipts")
	}
	return ids, nil
}

// settleLocked must run with the receipt row locked in tx.
func (s *service) settleLocked(ctx context.Context, repo Repository, tx *gorm.DB, receipt *models.Receipt) (bool, UnitTotals, error) {
	totals, err := repo.UnitTotals(ctx, receipt.ID)
	if err != nil {
		return false, totals, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count units")
	}
	if !totals.Complete() {
		return false, totals, nil
	}

	now := s.now()
	if err := repo.MarkPaid(ctx, receipt.ID, now); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, totals, nil
		}
		return false, totals, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "settle receipt")
	}
	event := outbox.DomainEvent{
		EventType:     enums.EventReceiptSettled,
		AggregateType: enums.AggregateReceipt,
		AggregateID:   receipt.ID,
		OccurredAt:    now,
		Data: payloads.ReceiptSettledEvent{
			ReceiptID:  receipt.ID,
			Token:      receipt.TokenValue(),
			TotalCents: totals.TotalCents,
			SettledAt:  now,
		},
	}
	if err := s.outbox.Emit(ctx, tx, event); err != nil {
		return false, totals, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit receipt settled")
	}
	receipt.Status = enums.ReceiptStatusPaid
	receipt.SettledAt = &now
	return true, totals, nil
}

func (s *service) validateBatch(input BatchInput) (string, error) {
	if strings.TrimSpace(input.Token) == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "room token required")
	}
	payer := strings.TrimSpace(input.PayerName)
	if payer == "" {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payer name required")
	}
	if utf8.RuneCountInString(payer) > maxPayerName {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "payer name too long").
			WithDetails(map[string]any{"max": maxPayerName})
	}
	if len(input.Lines) == 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "at least one payment line required")
	}
	if len(input.Lines) > s.maxBatchLines {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "too many payment lines").
			WithDetails(map[string]any{"max": s.maxBatchLines})
	}
	for i, line := range input.Lines {
		if err := validateLine(line); err != nil {
			return "", atLine(err, i)
		}
	}
	return payer, nil
}

func validateLine(line Line) error {
	switch line.Mode {
	case enums.PaymentModeUnitFull:
		if line.ItemID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "item id required")
		}
	case enums.PaymentModeUnitPartial:
		if line.UnitID == uuid.Nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "unit id required")
		}
		if line.AmountCents <= 0 {
			return pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount must be positive")
		}
	default:
		return pkgerrors.New(pkgerrors.CodeValidation, "unknown payment mode").
			WithDetails(map[string]any{"mode": line.Mode})
	}
	return nil
}

// lockKey takes an in-process lock, waiting at most lockTimeout.
func (s *service) lockKey(ctx context.Context, kind string, id uuid.UUID) (keylock.Release, error) {
	waitCtx, cancel := context.WithTimeout(ctx, s.lockTimeout)
	defer cancel()
	started := time.Now()
	release, err := s.locks.Lock(waitCtx, keylock.Key(kind, id.String()))
	s.metrics.ObserveLockWait(kind, time.Since(started))
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logg.Warn(s.logg.WithField(ctx, "lock", kind), "lock wait exceeded")
		return nil, lockTimeoutError(err)
	}
	return release, nil
}

func (s *service) notify(ctx context.Context, n PaymentNotification) {
	if n.ReceiptToken == "" {
		return
	}
	if err := s.notifier.NotifyPayment(ctx, n); err != nil {
		s.logg.Error(ctx, "room notification failed", err)
	}
}

func lockTimeoutError(err error) error {
	return pkgerrors.Wrap(pkgerrors.CodeLockTimeout, err, "resource busy")
}

// atLine tags err with the zero-based index of the failing line, keeping any
// details it already carries.
func atLine(err error, line int) error {
	typed := pkgerrors.As(err)
	if typed == nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "payment failed").
			WithDetails(map[string]any{"line": line})
	}
	details := map[string]any{"line": line}
	if existing, ok := typed.Details().(map[string]any); ok {
		for k, v := range existing {
			if k != "line" {
				details[k] = v
			}
		}
	}
	return pkgerrors.Wrap(typed.Code(), err, typed.Message()).WithDetails(details)
}

func mapLookupError(err error, resource string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, resource+" not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load "+resource)
}
