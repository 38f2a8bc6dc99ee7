package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// ItemUnit is one individually payable slot of an item's quantity.
type ItemUnit struct {
	ID               uuid.UUID        `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ItemID           uuid.UUID        `gorm:"column:item_id;type:uuid;not null;uniqueIndex:item_units_item_id_unit_index_key,priority:1"`
	UnitIndex        int              `gorm:"column:unit_index;not null;uniqueIndex:item_units_item_id_unit_index_key,priority:2"`
	AmountTotalCents int64            `gorm:"column:amount_total_cents;not null"`
	AmountPaidCents  int64            `gorm:"column:amount_paid_cents;not null;default:0"`
	Status           enums.UnitStatus `gorm:"column:status;type:unit_status_enum;not null;default:'unpaid'"`
	UpdatedAt        time.Time        `gorm:"column:updated_at;autoUpdateTime"`
}

func (ItemUnit) TableName() string {
	return "item_units"
}

// RemainingCents is the balance still owed on the unit.
func (u ItemUnit) RemainingCents() int64 {
	return u.AmountTotalCents - u.AmountPaidCents
}
