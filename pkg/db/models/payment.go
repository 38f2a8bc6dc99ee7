package models

import (
	"time"

	"github.com/google/uuid"
)

// Payment is an append-only ledger entry against one unit.
type Payment struct {
	ID          uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ReceiptID   uuid.UUID `gorm:"column:receipt_id;type:uuid;not null"`
	ItemID      uuid.UUID `gorm:"column:item_id;type:uuid;not null"`
	UnitID      uuid.UUID `gorm:"column:unit_id;type:uuid;not null"`
	PayerName   string    `gorm:"column:payer_name;not null"`
	AmountCents int64     `gorm:"column:amount_cents;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}
