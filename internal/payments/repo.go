package payments

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// Repository exposes the row-level operations the payment processor needs.
// Locking reads only take effect on drivers that support them.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindReceiptByToken(ctx context.Context, token string) (*models.Receipt, error)
	FindReceiptByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	SetLockTimeout(ctx context.Context, timeout time.Duration) error
	LockReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	FindItem(ctx context.Context, receiptID, itemID uuid.UUID) (*models.Item, error)
	ListClaimableUnits(ctx context.Context, itemID uuid.UUID) ([]models.ItemUnit, error)
	ClaimUnit(ctx context.Context, unitID uuid.UUID) (*models.ItemUnit, error)
	LockUnit(ctx context.Context, receiptID, unitID uuid.UUID) (*models.ItemUnit, error)
	ApplyToUnit(ctx context.Context, unit *models.ItemUnit, amountCents int64, at time.Time) error
	InsertPayment(ctx context.Context, payment *models.Payment) error
	UnitTotals(ctx context.Context, receiptID uuid.UUID) (UnitTotals, error)
	MarkPaid(ctx context.Context, receiptID uuid.UUID, at time.Time) error
	ListSettleable(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// UnitTotals summarizes the units of one receipt.
type UnitTotals struct {
	Units      int64 `gorm:"column:units"`
	PaidUnits  int64 `gorm:"column:paid_units"`
	TotalCents int64 `gorm:"column:total_cents"`
	PaidCents  int64 `gorm:"column:paid_cents"`
}

// Complete reports whether the receipt can move to paid.
func (t UnitTotals) Complete() bool {
	return t.Units > 0 && t.PaidUnits == t.Units
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a payments repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindReceiptByToken(ctx context.Context, token string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *repository) FindReceiptByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

// SetLockTimeout bounds every row lock wait for the rest of the transaction.
func (r *repository) SetLockTimeout(ctx context.Context, timeout time.Duration) error {
	if !dbpkg.SupportsRowLocks(r.db) || timeout <= 0 {
		return nil
	}
	stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", timeout.Milliseconds())
	return r.db.WithContext(ctx).Exec(stmt).Error
}

func (r *repository) LockReceipt(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	query := r.db.WithContext(ctx)
	if dbpkg.SupportsRowLocks(query) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var receipt models.Receipt
	if err := query.Where("id = ?", id).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *repository) FindItem(ctx context.Context, receiptID, itemID uuid.UUID) (*models.Item, error) {
	var item models.Item
	if err := r.db.WithContext(ctx).
		Where("id = ? AND receipt_id = ?", itemID, receiptID).
		First(&item).Error; err != nil {
		return nil, err
	}
	return &item, nil
}

// ListClaimableUnits returns the item's units with a remaining balance, lowest
// index first. It does not lock; callers claim candidates one by one.
func (r *repository) ListClaimableUnits(ctx context.Context, itemID uuid.UUID) ([]models.ItemUnit, error) {
	var units []models.ItemUnit
	if err := r.db.WithContext(ctx).
		Where("item_id = ? AND amount_paid_cents < amount_total_cents", itemID).
		Order("unit_index ASC").
		Find(&units).Error; err != nil {
		return nil, err
	}
	return units, nil
}

// ClaimUnit re-reads a candidate unit under FOR UPDATE SKIP LOCKED. A unit held
// by another transaction, or paid off in the meantime, yields
// gorm.ErrRecordNotFound.
func (r *repository) ClaimUnit(ctx context.Context, unitID uuid.UUID) (*models.ItemUnit, error) {
	query := r.db.WithContext(ctx)
	if dbpkg.SupportsRowLocks(query) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
	}
	var unit models.ItemUnit
	if err := query.
		Where("id = ? AND amount_paid_cents < amount_total_cents", unitID).
		First(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

// LockUnit waits for the unit's row lock. The unit must belong to the receipt.
func (r *repository) LockUnit(ctx context.Context, receiptID, unitID uuid.UUID) (*models.ItemUnit, error) {
	query := r.db.WithContext(ctx)
	if dbpkg.SupportsRowLocks(query) {
		query = query.Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "item_units"}})
	}
	var unit models.ItemUnit
	if err := query.
		Joins("JOIN items ON items.id = item_units.item_id").
		Where("item_units.id = ? AND items.receipt_id = ?", unitID, receiptID).
		First(&unit).Error; err != nil {
		return nil, err
	}
	return &unit, nil
}

// ApplyToUnit adds amountCents to the unit balance and refreshes its status.
// The update is guarded on the balance read under lock, so a stale row
// updates nothing and reports gorm.ErrRecordNotFound.
func (r *repository) ApplyToUnit(ctx context.Context, unit *models.ItemUnit, amountCents int64, at time.Time) error {
	paid := unit.AmountPaidCents + amountCents
	status := enums.UnitStatusFor(paid, unit.AmountTotalCents)
	res := r.db.WithContext(ctx).Model(&models.ItemUnit{}).
		Where("id = ? AND amount_paid_cents = ?", unit.ID, unit.AmountPaidCents).
		Updates(map[string]any{
			"amount_paid_cents": paid,
			"status":            status,
			"updated_at":        at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	unit.AmountPaidCents = paid
	unit.Status = status
	unit.UpdatedAt = at
	return nil
}

func (r *repository) InsertPayment(ctx context.Context, payment *models.Payment) error {
	return r.db.WithContext(ctx).Create(payment).Error
}

func (r *repository) UnitTotals(ctx context.Context, receiptID uuid.UUID) (UnitTotals, error) {
	var totals UnitTotals
	err := r.db.WithContext(ctx).
		Table("item_units").
		Select(`COUNT(*) AS units,
			COALESCE(SUM(CASE WHEN item_units.amount_paid_cents >= item_units.amount_total_cents THEN 1 ELSE 0 END), 0) AS paid_units,
			COALESCE(SUM(item_units.amount_total_cents), 0) AS total_cents,
			COALESCE(SUM(item_units.amount_paid_cents), 0) AS paid_cents`).
		Joins("JOIN items ON items.id = item_units.item_id").
		Where("items.receipt_id = ?", receiptID).
		Scan(&totals).Error
	return totals, err
}

// MarkPaid performs the open to paid transition; zero rows means the receipt
// was not open.
func (r *repository) MarkPaid(ctx context.Context, receiptID uuid.UUID, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status = ?", receiptID, enums.ReceiptStatusOpen).
		Updates(map[string]any{
			"status":     enums.ReceiptStatusPaid,
			"settled_at": at,
			"updated_at": at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListSettleable finds open receipts whose units exist and are all paid.
func (r *repository) ListSettleable(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	query := r.db.WithContext(ctx).
		Model(&models.Receipt{}).
		Select("receipts.id").
		Where("receipts.status = ?", enums.ReceiptStatusOpen).
		Where(`EXISTS (SELECT 1 FROM item_units u JOIN items i ON i.id = u.item_id WHERE i.receipt_id = receipts.id)`).
		Where(`NOT EXISTS (SELECT 1 FROM item_units u JOIN items i ON i.id = u.item_id
			WHERE i.receipt_id = receipts.id AND u.amount_paid_cents < u.amount_total_cents)`).
		Order("receipts.finalized_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Pluck("receipts.id", &ids).Error; err != nil {
		return nil, err
	}
	return ids, nil
}
