package receipts

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/billsplit-backend/api/validators"
	internalreceipts "github.com/angelmondragon/billsplit-backend/internal/receipts"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/money"
)

type itemRequest struct {
	Name        string          `json:"name" validate:"max=200"`
	QtyTotal    int             `json:"qty_total"`
	UnitPrice   json.RawMessage `json:"unit_price"`
	AmountTotal json.RawMessage `json:"amount_total"`
}

type createReceiptRequest struct {
	ImageRef *string       `json:"image_ref" validate:"omitempty,max=2048"`
	Items    []itemRequest `json:"items" validate:"max=500,dive"`
}

type replaceItemsRequest struct {
	Items []itemRequest `json:"items" validate:"max=500,dive"`
}

// toItemInputs converts wire amounts to cents. A missing amount_total
// defaults to qty_total times unit_price.
func toItemInputs(items []itemRequest) ([]internalreceipts.ItemInput, error) {
	out := make([]internalreceipts.ItemInput, 0, len(items))
	for i, item := range items {
		unitPrice, ok, err := validators.ParseLineAmount(item.UnitPrice, pkgerrors.CodeValidation, i, "unit_price")
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "unit price required").
				WithDetails(map[string]any{"line": i, "field": "unit_price"})
		}
		amountTotal, ok, err := validators.ParseLineAmount(item.AmountTotal, pkgerrors.CodeValidation, i, "amount_total")
		if err != nil {
			return nil, err
		}
		if !ok {
			amountTotal = unitPrice * int64(item.QtyTotal)
		}
		out = append(out, internalreceipts.ItemInput{
			Name:             item.Name,
			Qty:              item.QtyTotal,
			UnitPriceCents:   unitPrice,
			AmountTotalCents: amountTotal,
		})
	}
	return out, nil
}

type itemResponse struct {
	ID          uuid.UUID    `json:"id"`
	Position    int          `json:"position"`
	Name        string       `json:"name"`
	QtyTotal    int          `json:"qty_total"`
	UnitPrice   money.Amount `json:"unit_price"`
	AmountTotal money.Amount `json:"amount_total"`
}

func newItemResponse(item models.Item) itemResponse {
	return itemResponse{
		ID:          item.ID,
		Position:    item.Position,
		Name:        item.Name,
		QtyTotal:    item.QtyTotal,
		UnitPrice:   money.FromCents(item.UnitPriceCents),
		AmountTotal: money.FromCents(item.AmountTotalCents),
	}
}

func newItemResponses(items []models.Item) []itemResponse {
	out := make([]itemResponse, 0, len(items))
	for _, item := range items {
		out = append(out, newItemResponse(item))
	}
	return out
}

type receiptResponse struct {
	ID          uuid.UUID      `json:"id"`
	Status      string         `json:"status"`
	Token       *string        `json:"token,omitempty"`
	ImageRef    *string        `json:"image_ref,omitempty"`
	Total       money.Amount   `json:"total"`
	CreatedAt   time.Time      `json:"created_at"`
	FinalizedAt *time.Time     `json:"finalized_at,omitempty"`
	SettledAt   *time.Time     `json:"settled_at,omitempty"`
	Items       []itemResponse `json:"items"`
}

func newReceiptResponse(receipt *models.Receipt) receiptResponse {
	var total int64
	for _, item := range receipt.Items {
		total += item.AmountTotalCents
	}
	return receiptResponse{
		ID:          receipt.ID,
		Status:      string(receipt.Status),
		Token:       receipt.Token,
		ImageRef:    receipt.ImageRef,
		Total:       money.FromCents(total),
		CreatedAt:   receipt.CreatedAt,
		FinalizedAt: receipt.FinalizedAt,
		SettledAt:   receipt.SettledAt,
		Items:       newItemResponses(receipt.Items),
	}
}

type finalizeResponse struct {
	ReceiptID uuid.UUID `json:"receipt_id"`
	Token     string    `json:"token"`
	RoomURL   string    `json:"room_url"`
	UnitCount int       `json:"unit_count"`
}
