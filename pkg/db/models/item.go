package models

import (
	"time"

	"github.com/google/uuid"
)

// Item is one receipt line. It is editable only while its receipt is a draft.
type Item struct {
	ID               uuid.UUID `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	ReceiptID        uuid.UUID `gorm:"column:receipt_id;type:uuid;not null"`
	Position         int       `gorm:"column:position;not null"`
	Name             string    `gorm:"column:name;not null"`
	QtyTotal         int       `gorm:"column:qty_total;not null"`
	UnitPriceCents   int64     `gorm:"column:unit_price_cents;not null"`
	AmountTotalCents int64     `gorm:"column:amount_total_cents;not null"`
	CreatedAt        time.Time `gorm:"column:created_at;autoCreateTime"`

	Units []ItemUnit `gorm:"foreignKey:ItemID;constraint:OnDelete:CASCADE"`
}
