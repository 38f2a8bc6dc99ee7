package payments

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"gorm.io/gorm"

	dbpkg "github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/keylock"
	"github.com/angelmondragon/billsplit-backend/pkg/money"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox/payloads"
)

// batch carries the state of one ProcessBatch transaction. Unit locks taken
// here stay held until the transaction has ended.
type batch struct {
	svc     *service
	payer   string
	receipt *models.Receipt
	repo    Repository
	tx      *gorm.DB
	held    map[uuid.UUID]keylock.Release
}

func (b *batch) apply(ctx context.Context, line Line) (*models.Payment, error) {
	switch line.Mode {
	case enums.PaymentModeUnitFull:
		return b.payFull(ctx, line)
	case enums.PaymentModeUnitPartial:
		return b.payPartial(ctx, line)
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unknown payment mode")
	}
}

// payFull claims the lowest-index unit with a balance that no concurrent
// payment holds, and charges its full remainder.
func (b *batch) payFull(ctx context.Context, line Line) (*models.Payment, error) {
	item, err := b.repo.FindItem(ctx, b.receipt.ID, line.ItemID)
	if err != nil {
		return nil, mapLookupError(err, "item")
	}
	candidates, err := b.repo.ListClaimableUnits(ctx, item.ID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list units")
	}

	for _, candidate := range candidates {
		_, ownHeld := b.held[candidate.ID]
		if !ownHeld {
			release, ok := b.svc.locks.TryLock(keylock.Key(unitLockKind, candidate.ID.String()))
			if !ok {
				continue
			}
			b.held[candidate.ID] = release
		}
		unit, err := b.repo.ClaimUnit(ctx, candidate.ID)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim unit")
		}
		if err != nil || unit.RemainingCents() <= 0 {
			if !ownHeld {
				b.held[candidate.ID]()
				delete(b.held, candidate.ID)
			}
			continue
		}
		return b.record(ctx, unit, enums.PaymentModeUnitFull, unit.RemainingCents())
	}

	return nil, pkgerrors.New(pkgerrors.CodeNoAvailableUnit, "no unpaid units available").
		WithDetails(map[string]any{"item_id": item.ID})
}

// payPartial waits for the named unit, bounded by the lock timeout, and
// charges the requested amount.
func (b *batch) payPartial(ctx context.Context, line Line) (*models.Payment, error) {
	if line.AmountCents <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeInvalidAmount, "amount must be positive")
	}
	if _, ok := b.held[line.UnitID]; !ok {
		release, err := b.svc.lockKey(ctx, unitLockKind, line.UnitID)
		if err != nil {
			return nil, err
		}
		b.held[line.UnitID] = release
	}

	unit, err := b.repo.LockUnit(ctx, b.receipt.ID, line.UnitID)
	if err != nil {
		if dbpkg.IsLockTimeout(err) {
			return nil, lockTimeoutError(err)
		}
		return nil, mapLookupError(err, "unit")
	}
	if line.ItemID != uuid.Nil && unit.ItemID != line.ItemID {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "unit not found").
			WithDetails(map[string]any{"item_id": line.ItemID})
	}
	remaining := unit.RemainingCents()
	if line.AmountCents > remaining {
		return nil, pkgerrors.New(pkgerrors.CodeOverpayment, "payment exceeds remaining balance").
			WithDetails(map[string]any{"remaining": money.Format(remaining)})
	}
	return b.record(ctx, unit, enums.PaymentModeUnitPartial, line.AmountCents)
}

// record moves the unit balance, appends the payment row and queues its
// outbox event, all in the batch transaction.
func (b *batch) record(ctx context.Context, unit *models.ItemUnit, mode enums.PaymentMode, amountCents int64) (*models.Payment, error) {
	now := b.svc.now()
	if err := b.repo.ApplyToUnit(ctx, unit, amountCents, now); err != nil {
		switch {
		case dbpkg.IsCheckViolation(err):
			return nil, pkgerrors.Wrap(pkgerrors.CodeOverpayment, err, "payment exceeds remaining balance")
		case dbpkg.IsLockTimeout(err):
			return nil, lockTimeoutError(err)
		case errors.Is(err, gorm.ErrRecordNotFound):
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "unit changed concurrently")
		default:
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "update unit")
		}
	}

	payment := &models.Payment{
		ID:          uuid.New(),
		ReceiptID:   b.receipt.ID,
		ItemID:      unit.ItemID,
		UnitID:      unit.ID,
		PayerName:   b.payer,
		AmountCents: amountCents,
		CreatedAt:   now,
	}
	if err := b.repo.InsertPayment(ctx, payment); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "insert payment")
	}

	event := outbox.DomainEvent{
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   payment.ID,
		Actor:         &outbox.ActorRef{PayerName: b.payer},
		OccurredAt:    now,
		Data: payloads.PaymentRecordedEvent{
			PaymentID:   payment.ID,
			ReceiptID:   b.receipt.ID,
			Token:       b.receipt.TokenValue(),
			ItemID:      unit.ItemID,
			UnitID:      unit.ID,
			PayerName:   b.payer,
			Mode:        mode,
			AmountCents: amountCents,
			UnitStatus:  unit.Status,
		},
	}
	if err := b.svc.outbox.Emit(ctx, b.tx, event); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "emit payment recorded")
	}
	return payment, nil
}

func (b *batch) releaseAll() {
	for id, release := range b.held {
		release()
		delete(b.held, id)
	}
}
