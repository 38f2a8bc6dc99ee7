package rooms

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/api/validators"
	"github.com/angelmondragon/billsplit-backend/internal/payments"
	internalreceipts "github.com/angelmondragon/billsplit-backend/internal/receipts"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/money"
)

type paymentLineRequest struct {
	ItemID *uuid.UUID      `json:"item_id"`
	Mode   string          `json:"mode" validate:"required,oneof=unit_full unit_partial"`
	UnitID *uuid.UUID      `json:"unit_id" validate:"required_if=Mode unit_partial"`
	Amount json.RawMessage `json:"amount"`
}

type paymentRequest struct {
	PayerName string               `json:"payer_name" validate:"required,max=100"`
	Lines     []paymentLineRequest `json:"lines" validate:"required,min=1,dive"`
}

func (p paymentRequest) toInput(token string) (payments.BatchInput, error) {
	lines := make([]payments.Line, 0, len(p.Lines))
	for i, raw := range p.Lines {
		mode, err := enums.ParsePaymentMode(raw.Mode)
		if err != nil {
			return payments.BatchInput{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "unknown payment mode").
				WithDetails(map[string]any{"line": i, "field": "mode"})
		}
		line := payments.Line{Mode: mode}
		if raw.ItemID != nil {
			line.ItemID = *raw.ItemID
		}
		if raw.UnitID != nil {
			line.UnitID = *raw.UnitID
		}
		cents, ok, err := validators.ParseLineAmount(raw.Amount, pkgerrors.CodeInvalidAmount, i, "amount")
		if err != nil {
			return payments.BatchInput{}, err
		}
		if line.Mode == enums.PaymentModeUnitPartial && !ok {
			return payments.BatchInput{}, pkgerrors.New(pkgerrors.CodeValidation, "amount required for partial payments").
				WithDetails(map[string]any{"line": i, "field": "amount"})
		}
		line.AmountCents = cents
		lines = append(lines, line)
	}
	return payments.BatchInput{Token: token, PayerName: p.PayerName, Lines: lines}, nil
}

type unitResponse struct {
	ID          uuid.UUID    `json:"id"`
	UnitIndex   int          `json:"unit_index"`
	AmountTotal money.Amount `json:"amount_total"`
	AmountPaid  money.Amount `json:"amount_paid"`
	Remaining   money.Amount `json:"remaining"`
	Status      string       `json:"status"`
}

type roomItemResponse struct {
	ID          uuid.UUID      `json:"id"`
	Position    int            `json:"position"`
	Name        string         `json:"name"`
	QtyTotal    int            `json:"qty_total"`
	UnitPrice   money.Amount   `json:"unit_price"`
	AmountTotal money.Amount   `json:"amount_total"`
	PaidUnits   int            `json:"paid_units"`
	Units       []unitResponse `json:"units"`
}

type paymentResponse struct {
	ID        uuid.UUID    `json:"id"`
	ItemID    uuid.UUID    `json:"item_id"`
	UnitID    uuid.UUID    `json:"unit_id"`
	PayerName string       `json:"payer_name"`
	Amount    money.Amount `json:"amount"`
	CreatedAt time.Time    `json:"created_at"`
}

type roomResponse struct {
	Token       string             `json:"token"`
	Status      string             `json:"status"`
	ImageRef    *string            `json:"image_ref,omitempty"`
	Total       money.Amount       `json:"total"`
	Paid        money.Amount       `json:"paid"`
	Remaining   money.Amount       `json:"remaining"`
	FinalizedAt *time.Time         `json:"finalized_at,omitempty"`
	SettledAt   *time.Time         `json:"settled_at,omitempty"`
	Items       []roomItemResponse `json:"items"`
	Payments    []paymentResponse  `json:"payments"`
}

func newRoomResponse(room *internalreceipts.Room) roomResponse {
	items := make([]roomItemResponse, 0, len(room.Items))
	for _, item := range room.Items {
		units := make([]unitResponse, 0, len(item.Units))
		paidUnits := 0
		for _, unit := range item.Units {
			if unit.Status == enums.UnitStatusPaid {
				paidUnits++
			}
			units = append(units, unitResponse{
				ID:          unit.ID,
				UnitIndex:   unit.UnitIndex,
				AmountTotal: money.FromCents(unit.AmountTotalCents),
				AmountPaid:  money.FromCents(unit.AmountPaidCents),
				Remaining:   money.FromCents(unit.RemainingCents()),
				Status:      string(unit.Status),
			})
		}
		items = append(items, roomItemResponse{
			ID:          item.ID,
			Position:    item.Position,
			Name:        item.Name,
			QtyTotal:    item.QtyTotal,
			UnitPrice:   money.FromCents(item.UnitPriceCents),
			AmountTotal: money.FromCents(item.AmountTotalCents),
			PaidUnits:   paidUnits,
			Units:       units,
		})
	}
	return roomResponse{
		Token:       room.Receipt.TokenValue(),
		Status:      string(room.Receipt.Status),
		ImageRef:    room.Receipt.ImageRef,
		Total:       money.FromCents(room.TotalCents),
		Paid:        money.FromCents(room.PaidCents),
		Remaining:   money.FromCents(room.TotalCents - room.PaidCents),
		FinalizedAt: room.Receipt.FinalizedAt,
		SettledAt:   room.Receipt.SettledAt,
		Items:       items,
		Payments:    newPaymentResponses(room.Payments),
	}
}

func newPaymentResponses(list []models.Payment) []paymentResponse {
	out := make([]paymentResponse, 0, len(list))
	for _, p := range list {
		out = append(out, paymentResponse{
			ID:        p.ID,
			ItemID:    p.ItemID,
			UnitID:    p.UnitID,
			PayerName: p.PayerName,
			Amount:    money.FromCents(p.AmountCents),
			CreatedAt: p.CreatedAt,
		})
	}
	return out
}

type batchResponse struct {
	ReceiptID uuid.UUID         `json:"receipt_id"`
	Settled   bool              `json:"settled"`
	Payments  []paymentResponse `json:"payments"`
}
