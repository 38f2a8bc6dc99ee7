package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// Receipt is the root aggregate of a shared bill. Token is set exactly when
// the receipt leaves draft.
type Receipt struct {
	ID          uuid.UUID           `gorm:"column:id;type:uuid;default:gen_random_uuid();primaryKey"`
	Token       *string             `gorm:"column:token;type:varchar(64);uniqueIndex"`
	Status      enums.ReceiptStatus `gorm:"column:status;type:receipt_status_enum;not null;default:'draft'"`
	ImageRef    *string             `gorm:"column:image_ref"`
	FinalizedAt *time.Time          `gorm:"column:finalized_at"`
	SettledAt   *time.Time          `gorm:"column:settled_at"`
	CreatedAt   time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time           `gorm:"column:updated_at;autoUpdateTime"`

	Items    []Item    `gorm:"foreignKey:ReceiptID;constraint:OnDelete:CASCADE"`
	Payments []Payment `gorm:"foreignKey:ReceiptID;constraint:OnDelete:CASCADE"`
}

// TokenValue returns the sharing token or an empty string for drafts.
func (r Receipt) TokenValue() string {
	if r.Token == nil {
		return ""
	}
	return *r.Token
}
