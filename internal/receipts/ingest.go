package receipts

import (
	"strings"
	"unicode/utf8"

	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
)

const (
	defaultItemName = "Untitled item"
	maxItemName     = 200
	maxItemQty      = 1000
	maxItems        = 500
)

// ItemInput is one structured line handed over by the scanning collaborator.
// Amounts are already converted to cents.
type ItemInput struct {
	Name             string
	Qty              int
	UnitPriceCents   int64
	AmountTotalCents int64
}

// normalizeItems validates every record and rejects the batch on the first
// malformed one. Nothing is rounded or clamped.
func normalizeItems(items []ItemInput) ([]ItemInput, error) {
	if len(items) > maxItems {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "too many items").
			WithDetails(map[string]any{"max": maxItems})
	}
	out := make([]ItemInput, 0, len(items))
	for i, item := range items {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			name = defaultItemName
		}
		if utf8.RuneCountInString(name) > maxItemName {
			return nil, lineError(i, "name", "name too long")
		}
		if item.Qty <= 0 || item.Qty > maxItemQty {
			return nil, lineError(i, "qty_total", "quantity must be between 1 and 1000")
		}
		if item.UnitPriceCents < 0 {
			return nil, lineError(i, "unit_price", "unit price must not be negative")
		}
		if item.AmountTotalCents < 0 {
			return nil, lineError(i, "amount_total", "amount total must not be negative")
		}
		out = append(out, ItemInput{
			Name:             name,
			Qty:              item.Qty,
			UnitPriceCents:   item.UnitPriceCents,
			AmountTotalCents: item.AmountTotalCents,
		})
	}
	return out, nil
}

// lineError reports a malformed record; all of them are validation failures.
func lineError(line int, field, msg string) error {
	return pkgerrors.New(pkgerrors.CodeValidation, msg).WithDetails(map[string]any{
		"line":  line,
		"field": field,
	})
}
