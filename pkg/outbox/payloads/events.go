package payloads

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/pkg/enums"
)

// ReceiptFinalizedEvent is emitted when a draft opens for payments.
type ReceiptFinalizedEvent struct {
	ReceiptID   uuid.UUID `json:"receipt_id"`
	Token       string    `json:"token"`
	ItemCount   int       `json:"item_count"`
	UnitCount   int       `json:"unit_count"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// PaymentRecordedEvent mirrors one appended payment row.
type PaymentRecordedEvent struct {
	PaymentID   uuid.UUID         `json:"payment_id"`
	ReceiptID   uuid.UUID         `json:"receipt_id"`
	Token       string            `json:"token"`
	ItemID      uuid.UUID         `json:"item_id"`
	UnitID      uuid.UUID         `json:"unit_id"`
	PayerName   string            `json:"payer_name"`
	Mode        enums.PaymentMode `json:"mode"`
	AmountCents int64             `json:"amount_cents"`
	UnitStatus  enums.UnitStatus  `json:"unit_status"`
}

// ReceiptSettledEvent is emitted once, on the open to paid transition.
type ReceiptSettledEvent struct {
	ReceiptID  uuid.UUID `json:"receipt_id"`
	Token      string    `json:"token"`
	TotalCents int64     `json:"total_cents"`
	SettledAt  time.Time `json:"settled_at"`
}
