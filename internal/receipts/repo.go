package receipts

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	dbpkg "github.com/angelmondragon/billsplit-backend/pkg/db"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// Repository manages persistence for receipts and their items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	CreateReceipt(ctx context.Context, receipt *models.Receipt) error
	CreateItems(ctx context.Context, items []models.Item) error
	CreateUnits(ctx context.Context, units []models.ItemUnit) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	FindByToken(ctx context.Context, token string) (*models.Receipt, error)
	LockByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error)
	ListItems(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error)
	ListItemsWithUnits(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error)
	ListPayments(ctx context.Context, receiptID uuid.UUID) ([]models.Payment, error)
	DeleteItems(ctx context.Context, receiptID uuid.UUID) error
	MarkOpen(ctx context.Context, id uuid.UUID, token string, at time.Time) error
	Delete(ctx context.Context, id uuid.UUID) (int64, error)
	DeleteDraftsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a receipts repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) CreateReceipt(ctx context.Context, receipt *models.Receipt) error {
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(receipt).Error
}

func (r *repository) CreateItems(ctx context.Context, items []models.Item) error {
	if len(items) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Omit(clause.Associations).Create(&items).Error
}

func (r *repository) CreateUnits(ctx context.Context, units []models.ItemUnit) error {
	if len(units) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(&units, 500).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

func (r *repository) FindByToken(ctx context.Context, token string) (*models.Receipt, error) {
	var receipt models.Receipt
	if err := r.db.WithContext(ctx).Where("token = ?", token).First(&receipt).Error; err != nil {
		return nil, err
	}
	return &receipt, nil
}

// LockByID reads the receipt holding an exclusive row lock until the
// surrounding transaction ends.
func (r *repository) LockByID(ctx context.Context, id uuid.UUID) (*models.Receipt, error) {
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

func (r *repository) ListItems(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error) {
	var items []models.Item
	if err := r.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("position ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListItemsWithUnits(ctx context.Context, receiptID uuid.UUID) ([]models.Item, error) {
	var items []models.Item
	if err := r.db.WithContext(ctx).
		Preload("Units", func(db *gorm.DB) *gorm.DB {
			return db.Order("unit_index ASC")
		}).
		Where("receipt_id = ?", receiptID).
		Order("position ASC").
		Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repository) ListPayments(ctx context.Context, receiptID uuid.UUID) ([]models.Payment, error) {
	var payments []models.Payment
	if err := r.db.WithContext(ctx).
		Where("receipt_id = ?", receiptID).
		Order("created_at DESC").
		Order("id DESC").
		Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) DeleteItems(ctx context.Context, receiptID uuid.UUID) error {
	return r.db.WithContext(ctx).Where("receipt_id = ?", receiptID).Delete(&models.Item{}).Error
}

// MarkOpen performs the draft to open transition. The status guard makes a
// concurrent second finalize update zero rows.
func (r *repository) MarkOpen(ctx context.Context, id uuid.UUID, token string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&models.Receipt{}).
		Where("id = ? AND status = ?", id, enums.ReceiptStatusDraft).
		Updates(map[string]any{
			"token":        token,
			"status":       enums.ReceiptStatusOpen,
			"finalized_at": at,
			"updated_at":   at,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *repository) Delete(ctx context.Context, id uuid.UUID) (int64, error) {
	res := r.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Receipt{})
	return res.RowsAffected, res.Error
}

// DeleteDraftsBefore removes up to limit draft receipts created before cutoff.
// Items go with them through the foreign key cascade. Candidates are claimed
// with SKIP LOCKED, and the delete re-checks the status, so a receipt being
// finalized by another process is never removed.
func (r *repository) DeleteDraftsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	var deleted int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		query := tx.Model(&models.Receipt{}).
			Where("status = ? AND created_at < ?", enums.ReceiptStatusDraft, cutoff).
			Order("created_at ASC")
		if limit > 0 {
			query = query.Limit(limit)
		}
		if dbpkg.SupportsRowLocks(query) {
			query = query.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"})
		}
		var ids []uuid.UUID
		if err := query.Pluck("id", &ids).Error; err != nil {
			return err
		}
		var err error
		deleted, err = deleteDrafts(tx, ids)
		return err
	})
	return deleted, err
}

func deleteDrafts(tx *gorm.DB, ids []uuid.UUID) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := tx.Where("id IN ? AND status = ?", ids, enums.ReceiptStatusDraft).Delete(&models.Receipt{})
	return res.RowsAffected, res.Error
}
