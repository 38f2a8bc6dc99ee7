package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/billsplit-backend/internal/receipts"
	dbpkg "github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/db/dbtest"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/keylock"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
)

type recordingNotifier struct {
	mu    sync.Mutex
	sent  []PaymentNotification
	fails bool
}

func (n *recordingNotifier) NotifyPayment(_ context.Context, msg PaymentNotification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, msg)
	if n.fails {
		return errors.New("broadcast down")
	}
	return nil
}

func (n *recordingNotifier) all() []PaymentNotification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]PaymentNotification(nil), n.sent...)
}

type harness struct {
	db       *gorm.DB
	locks    *keylock.Table
	receipts receipts.Service
	svc      Service
	notifier *recordingNotifier
}

func newHarness(t *testing.T, lockTimeout time.Duration) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	locks := keylock.New()
	emitter := outbox.NewService(outbox.NewRepository(conn), nil)

	receiptSvc, err := receipts.NewService(receipts.ServiceParams{
		Repo:   receipts.NewRepository(conn),
		Tx:     dbpkg.Wrap(conn),
		Locks:  locks,
		Outbox: emitter,
	})
	require.NoError(t, err)

	notifier := &recordingNotifier{}
	svc, err := NewService(ServiceParams{
		Repo:        NewRepository(conn),
		Tx:          dbpkg.Wrap(conn),
		Locks:       locks,
		Outbox:      emitter,
		Notifier:    notifier,
		LockTimeout: lockTimeout,
	})
	require.NoError(t, err)

	return &harness{db: conn, locks: locks, receipts: receiptSvc, svc: svc, notifier: notifier}
}

// openRoom creates and finalizes a receipt, returning its token and items.
func (h *harness) openRoom(t *testing.T, items ...receipts.ItemInput) (string, []models.Item) {
	t.Helper()
	ctx := context.Background()
	draft, err := h.receipts.CreateDraft(ctx, receipts.CreateDraftInput{Items: items})
	require.NoError(t, err)
	res, err := h.receipts.Finalize(ctx, draft.ID)
	require.NoError(t, err)
	room, err := h.receipts.GetRoom(ctx, res.Token)
	require.NoError(t, err)
	return res.Token, room.Items
}

func (h *harness) unit(t *testing.T, id uuid.UUID) models.ItemUnit {
	t.Helper()
	var unit models.ItemUnit
	require.NoError(t, h.db.Where("id = ?", id).First(&unit).Error)
	return unit
}

func (h *harness) receiptByToken(t *testing.T, token string) models.Receipt {
	t.Helper()
	var receipt models.Receipt
	require.NoError(t, h.db.Where("token = ?", token).First(&receipt).Error)
	return receipt
}

// assertLedgerConsistent checks the balance, status and payment-sum
// properties over every unit and receipt in the database.
func (h *harness) assertLedgerConsistent(t *testing.T) {
	t.Helper()
	var units []models.ItemUnit
	require.NoError(t, h.db.Find(&units).Error)
	for _, unit := range units {
		assert.GreaterOrEqual(t, unit.AmountPaidCents, int64(0))
		assert.LessOrEqual(t, unit.AmountPaidCents, unit.AmountTotalCents)
		assert.Equal(t, enums.UnitStatusFor(unit.AmountPaidCents, unit.AmountTotalCents), unit.Status)

		var sum int64
		require.NoError(t, h.db.Model(&models.Payment{}).
			Where("unit_id = ?", unit.ID).
			Select("COALESCE(SUM(amount_cents), 0)").
			Scan(&sum).Error)
		assert.Equal(t, unit.AmountPaidCents, sum, "payments of unit %d", unit.UnitIndex)
	}

	var receiptRows []models.Receipt
	require.NoError(t, h.db.Where("status <> ?", enums.ReceiptStatusDraft).Find(&receiptRows).Error)
	for _, receipt := range receiptRows {
		totals, err := NewRepository(h.db).UnitTotals(context.Background(), receipt.ID)
		require.NoError(t, err)
		assert.Equal(t, totals.Complete(), receipt.Status == enums.ReceiptStatusPaid)
	}
}

func requireCode(t *testing.T, err error, code pkgerrors.Code) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, pkgerrors.CodeOf(err), "unexpected error: %v", err)
}

func requireLine(t *testing.T, err error, line int) {
	t.Helper()
	details, ok := pkgerrors.As(err).Details().(map[string]any)
	require.True(t, ok, "missing details on %v", err)
	assert.Equal(t, line, details["line"])
}

func threeTens() receipts.ItemInput {
	return receipts.ItemInput{Name: "Burger", Qty: 3, UnitPriceCents: 1000, AmountTotalCents: 3000}
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(ServiceParams{})
	require.Error(t, err)
}

func TestSettlementScenario(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	token, items := h.openRoom(t, threeTens())
	item := items[0]
	require.Len(t, item.Units, 3)
	for _, unit := range item.Units {
		assert.Equal(t, int64(1000), unit.AmountTotalCents)
	}

	p, err := h.svc.PayFull(ctx, token, "A", item.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), p.AmountCents)
	assert.Equal(t, item.Units[0].ID, p.UnitID)
	assert.Equal(t, enums.UnitStatusPaid, h.unit(t, item.Units[0].ID).Status)

	_, err = h.svc.PayPartial(ctx, token, "B", item.Units[1].ID, 400)
	require.NoError(t, err)
	unit1 := h.unit(t, item.Units[1].ID)
	assert.Equal(t, int64(400), unit1.AmountPaidCents)
	assert.Equal(t, enums.UnitStatusPartial, unit1.Status)

	_, err = h.svc.PayPartial(ctx, token, "B", item.Units[1].ID, 600)
	require.NoError(t, err)
	unit1 = h.unit(t, item.Units[1].ID)
	assert.Equal(t, int64(1000), unit1.AmountPaidCents)
	assert.Equal(t, enums.UnitStatusPaid, unit1.Status)
	assert.Equal(t, enums.ReceiptStatusOpen, h.receiptByToken(t, token).Status)

	p, err = h.svc.PayFull(ctx, token, "C", item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Units[2].ID, p.UnitID)
	assert.Equal(t, int64(1000), p.AmountCents)

	receipt := h.receiptByToken(t, token)
	assert.Equal(t, enums.ReceiptStatusPaid, receipt.Status)
	assert.NotNil(t, receipt.SettledAt)
	h.assertLedgerConsistent(t)

	var settledEvents int64
	require.NoError(t, h.db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", enums.EventReceiptSettled).
		Count(&settledEvents).Error)
	assert.Equal(t, int64(1), settledEvents)

	var paymentEvents int64
	require.NoError(t, h.db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", enums.EventPaymentRecorded).
		Count(&paymentEvents).Error)
	assert.Equal(t, int64(4), paymentEvents)

	sent := h.notifier.all()
	require.Len(t, sent, 4)
	assert.Equal(t, token, sent[0].ReceiptToken)
	assert.Equal(t, "A", sent[0].PayerName)
	assert.False(t, sent[2].Settled)
	assert.True(t, sent[3].Settled)

	_, err = h.svc.PayFull(ctx, token, "D", item.ID)
	requireCode(t, err, pkgerrors.CodeStateConflict)
}

func TestConcurrentFullPaymentsClaimDistinctUnits(t *testing.T) {
	h := newHarness(t, 5*time.Second)
	const units = 4
	token, items := h.openRoom(t,
		receipts.ItemInput{Name: "Fries", Qty: units, UnitPriceCents: 500, AmountTotalCents: 2000},
		receipts.ItemInput{Name: "Tip", Qty: 1, UnitPriceCents: 100, AmountTotalCents: 100},
	)
	itemID := items[0].ID

	var wg sync.WaitGroup
	start := make(chan struct{})
	payments := make([]*models.Payment, units+1)
	errs := make([]error, units+1)
	for i := 0; i <= units; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			payments[i], errs[i] = h.svc.PayFull(context.Background(), token, "payer", itemID)
		}(i)
	}
	close(start)
	wg.Wait()

	seen := make(map[uuid.UUID]bool)
	failures := 0
	for i, err := range errs {
		if err != nil {
			failures++
			assert.Equal(t, pkgerrors.CodeNoAvailableUnit, pkgerrors.CodeOf(err))
			continue
		}
		assert.False(t, seen[payments[i].UnitID], "unit charged twice")
		seen[payments[i].UnitID] = true
		assert.Equal(t, int64(500), payments[i].AmountCents)
	}
	assert.Equal(t, 1, failures)
	assert.Len(t, seen, units)
	h.assertLedgerConsistent(t)
	assert.Zero(t, h.locks.Len(), "every lock released")
}

func TestFailedBatchRollsBackEveryLine(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	token, items := h.openRoom(t, threeTens())
	item := items[0]

	_, err := h.svc.ProcessBatch(ctx, BatchInput{
		Token:     token,
		PayerName: "A",
		Lines: []Line{
			{ItemID: item.ID, Mode: enums.PaymentModeUnitFull},
			{ItemID: item.ID, Mode: enums.PaymentModeUnitPartial, UnitID: item.Units[1].ID, AmountCents: 1500},
		},
	})
	requireCode(t, err, pkgerrors.CodeOverpayment)
	requireLine(t, err, 1)

	for _, unit := range item.Units {
		got := h.unit(t, unit.ID)
		assert.Zero(t, got.AmountPaidCents)
		assert.Equal(t, enums.UnitStatusUnpaid, got.Status)
	}
	var count int64
	require.NoError(t, h.db.Model(&models.Payment{}).Count(&count).Error)
	assert.Zero(t, count)
	require.NoError(t, h.db.Model(&models.OutboxEvent{}).
		Where("event_type = ?", enums.EventPaymentRecorded).
		Count(&count).Error)
	assert.Zero(t, count)
	assert.Empty(t, h.notifier.all(), "nothing is broadcast for a failed batch")
	assert.Zero(t, h.locks.Len())
}

func TestBatchSettlesInsideTransaction(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	token, items := h.openRoom(t, threeTens())
	item := items[0]

	res, err := h.svc.ProcessBatch(ctx, BatchInput{
		Token:     token,
		PayerName: "  Group  ",
		Lines: []Line{
			{ItemID: item.ID, Mode: enums.PaymentModeUnitPartial, UnitID: item.Units[0].ID, AmountCents: 250},
			{ItemID: item.ID, Mode: enums.PaymentModeUnitFull},
			{ItemID: item.ID, Mode: enums.PaymentModeUnitFull},
			{ItemID: item.ID, Mode: enums.PaymentModeUnitFull},
		},
	})
	require.NoError(t, err)
	require.Len(t, res.Payments, 4)
	assert.True(t, res.Settled)
	assert.Equal(t, "Group", res.Payments[0].PayerName)
	assert.Equal(t, item.Units[0].ID, res.Payments[1].UnitID, "own partial unit is topped up first")
	assert.Equal(t, int64(750), res.Payments[1].AmountCents)
	assert.Equal(t, enums.ReceiptStatusPaid, h.receiptByToken(t, token).Status)
	h.assertLedgerConsistent(t)
}

func TestPartialOverpaymentLeavesBalance(t *testing.T) {
	h := newHarness(t, time.Second)
	token, items := h.openRoom(t, threeTens())
	unitID := items[0].Units[0].ID

	_, err := h.svc.PayPartial(context.Background(), token, "B", unitID, 1500)
	requireCode(t, err, pkgerrors.CodeOverpayment)
	requireLine(t, err, 0)
	details := pkgerrors.As(err).Details().(map[string]any)
	assert.Equal(t, "10.00", details["remaining"])

	unit := h.unit(t, unitID)
	assert.Zero(t, unit.AmountPaidCents)
	assert.Equal(t, enums.UnitStatusUnpaid, unit.Status)
}

type draftRepository struct {
	Repository
}

func (r draftRepository) WithTx(tx *gorm.DB) Repository {
	return draftRepository{Repository: r.Repository.WithTx(tx)}
}

func (r draftRepository) FindReceiptByToken(context.Context, string) (*models.Receipt, error) {
	return &models.Receipt{ID: uuid.New(), Status: enums.ReceiptStatusDraft}, nil
}

func (r draftRepository) LockReceipt(_ context.Context, id uuid.UUID) (*models.Receipt, error) {
	return &models.Receipt{ID: id, Status: enums.ReceiptStatusDraft}, nil
}

func TestPayFullOnDraftReceiptFails(t *testing.T) {
	conn := dbtest.Open(t)
	svc, err := NewService(ServiceParams{
		Repo:   draftRepository{Repository: NewRepository(conn)},
		Tx:     dbpkg.Wrap(conn),
		Locks:  keylock.New(),
		Outbox: outbox.NewService(outbox.NewRepository(conn), nil),
	})
	require.NoError(t, err)

	_, err = svc.PayFull(context.Background(), "draft-token", "A", uuid.New())
	requireCode(t, err, pkgerrors.CodeStateConflict)

	var count int64
	require.NoError(t, conn.Model(&models.ItemUnit{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDraftReceiptHasNoRoom(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	_, err := h.receipts.CreateDraft(ctx, receipts.CreateDraftInput{Items: []receipts.ItemInput{threeTens()}})
	require.NoError(t, err)

	_, err = h.svc.PayFull(ctx, "unknown", "A", uuid.New())
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestBatchValidation(t *testing.T) {
	h := newHarness(t, time.Second)
	token, items := h.openRoom(t, threeTens())
	item := items[0]
	long := make([]byte, maxPayerName+1)
	for i := range long {
		long[i] = 'x'
	}

	cases := []struct {
		name  string
		input BatchInput
		code  pkgerrors.Code
		line  int
	}{
		{"empty lines", BatchInput{Token: token, PayerName: "A"}, pkgerrors.CodeValidation, -1},
		{"blank payer", BatchInput{Token: token, PayerName: "   ", Lines: []Line{{ItemID: item.ID, Mode: enums.PaymentModeUnitFull}}}, pkgerrors.CodeValidation, -1},
		{"long payer", BatchInput{Token: token, PayerName: string(long), Lines: []Line{{ItemID: item.ID, Mode: enums.PaymentModeUnitFull}}}, pkgerrors.CodeValidation, -1},
		{"zero amount", BatchInput{Token: token, PayerName: "A", Lines: []Line{
			{ItemID: item.ID, Mode: enums.PaymentModeUnitFull},
			{Mode: enums.PaymentModeUnitPartial, UnitID: item.Units[0].ID},
		}}, pkgerrors.CodeInvalidAmount, 1},
		{"negative amount", BatchInput{Token: token, PayerName: "A", Lines: []Line{
			{Mode: enums.PaymentModeUnitPartial, UnitID: item.Units[0].ID, AmountCents: -100},
		}}, pkgerrors.CodeInvalidAmount, 0},
		{"unknown mode", BatchInput{Token: token, PayerName: "A", Lines: []Line{{ItemID: item.ID, Mode: "split"}}}, pkgerrors.CodeValidation, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.svc.ProcessBatch(context.Background(), tc.input)
			requireCode(t, err, tc.code)
			if tc.line >= 0 {
				requireLine(t, err, tc.line)
			}
		})
	}
}

func TestUnitOfAnotherReceiptIsNotFound(t *testing.T) {
	h := newHarness(t, time.Second)
	token, _ := h.openRoom(t, threeTens())
	_, otherItems := h.openRoom(t, threeTens())

	_, err := h.svc.PayPartial(context.Background(), token, "A", otherItems[0].Units[0].ID, 100)
	requireCode(t, err, pkgerrors.CodeNotFound)

	_, err = h.svc.PayFull(context.Background(), token, "A", otherItems[0].ID)
	requireCode(t, err, pkgerrors.CodeNotFound)
}

func TestFullPaymentSkipsUnitHeldElsewhere(t *testing.T) {
	h := newHarness(t, time.Second)
	token, items := h.openRoom(t, threeTens())
	item := items[0]

	release, ok := h.locks.TryLock(keylock.Key(unitLockKind, item.Units[0].ID.String()))
	require.True(t, ok)
	defer release()

	p, err := h.svc.PayFull(context.Background(), token, "A", item.ID)
	require.NoError(t, err)
	assert.Equal(t, item.Units[1].ID, p.UnitID)
}

func TestPartialPaymentTimesOutOnBusyUnit(t *testing.T) {
	h := newHarness(t, 30*time.Millisecond)
	token, items := h.openRoom(t, threeTens())
	unitID := items[0].Units[0].ID

	release, ok := h.locks.TryLock(keylock.Key(unitLockKind, unitID.String()))
	require.True(t, ok)
	defer release()

	_, err := h.svc.PayPartial(context.Background(), token, "A", unitID, 100)
	requireCode(t, err, pkgerrors.CodeLockTimeout)
	requireLine(t, err, 0)
	assert.True(t, pkgerrors.MetadataFor(pkgerrors.CodeOf(err)).Retryable)
	assert.Zero(t, h.unit(t, unitID).AmountPaidCents)
}

func TestNotifierFailureDoesNotFailPayment(t *testing.T) {
	h := newHarness(t, time.Second)
	h.notifier.fails = true
	token, items := h.openRoom(t, threeTens())

	_, err := h.svc.PayFull(context.Background(), token, "A", items[0].ID)
	require.NoError(t, err)
	assert.Len(t, h.notifier.all(), 1)
}

func TestEmptyReceiptNeverSettles(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	draft, err := h.receipts.CreateDraft(ctx, receipts.CreateDraftInput{})
	require.NoError(t, err)
	_, err = h.receipts.Finalize(ctx, draft.ID)
	require.NoError(t, err)

	settled, err := h.svc.Settle(ctx, draft.ID)
	require.NoError(t, err)
	assert.False(t, settled)

	ids, err := h.svc.ListSettleable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestSettleRepairsCompletedReceipt(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()
	token, items := h.openRoom(t, threeTens())
	receipt := h.receiptByToken(t, token)

	require.NoError(t, h.db.Model(&models.ItemUnit{}).
		Where("item_id = ?", items[0].ID).
		Updates(map[string]any{"amount_paid_cents": gorm.Expr("amount_total_cents"), "status": enums.UnitStatusPaid}).Error)

	ids, err := h.svc.ListSettleable(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{receipt.ID}, ids)

	settled, err := h.svc.Settle(ctx, receipt.ID)
	require.NoError(t, err)
	assert.True(t, settled)
	assert.Equal(t, enums.ReceiptStatusPaid, h.receiptByToken(t, token).Status)

	settled, err = h.svc.Settle(ctx, receipt.ID)
	require.NoError(t, err)
	assert.False(t, settled, "settlement happens once")

	sent := h.notifier.all()
	require.Len(t, sent, 1)
	assert.True(t, sent[0].Settled)
	assert.Equal(t, token, sent[0].ReceiptToken)
}

func TestRoomOrdersItemsUnitsAndPayments(t *testing.T) {
	h := newHarness(t, time.Second)
	ctx := context.Background()

	var mu sync.Mutex
	clock := time.Date(2026, 3, 1, 18, 0, 0, 0, time.UTC)
	svc, err := NewService(ServiceParams{
		Repo:        NewRepository(h.db),
		Tx:          dbpkg.Wrap(h.db),
		Locks:       h.locks,
		Outbox:      outbox.NewService(outbox.NewRepository(h.db), nil),
		Notifier:    h.notifier,
		LockTimeout: time.Second,
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Second)
			return clock
		},
	})
	require.NoError(t, err)

	token, items := h.openRoom(t,
		threeTens(),
		receipts.ItemInput{Name: "Fries", Qty: 2, UnitPriceCents: 500, AmountTotalCents: 1000},
	)
	unitID := items[0].Units[0].ID
	for _, payer := range []string{"A", "B", "C"} {
		_, err := svc.ProcessBatch(ctx, BatchInput{
			Token:     token,
			PayerName: payer,
			Lines: []Line{
				{Mode: enums.PaymentModeUnitPartial, UnitID: unitID, AmountCents: 100},
				{Mode: enums.PaymentModeUnitPartial, UnitID: unitID, AmountCents: 200},
			},
		})
		require.NoError(t, err)
	}

	room, err := h.receipts.GetRoom(ctx, token)
	require.NoError(t, err)

	require.Len(t, room.Items, 2)
	assert.Equal(t, "Burger", room.Items[0].Name)
	assert.Equal(t, "Fries", room.Items[1].Name)
	for _, item := range room.Items {
		for i, unit := range item.Units {
			assert.Equal(t, i, unit.UnitIndex, "units of %s out of order", item.Name)
		}
	}

	got := make([]string, 0, len(room.Payments))
	for _, p := range room.Payments {
		got = append(got, fmt.Sprintf("%s%d", p.PayerName, p.AmountCents))
	}
	assert.Equal(t, []string{"C200", "C100", "B200", "B100", "A200", "A100"}, got)
}
