package validators

import (
	"encoding/json"

	pkgerrors "github.com/angelmondragon/billsplit-backend/pkg/errors"
	"github.com/angelmondragon/billsplit-backend/pkg/money"
)

// ParseLineAmount decodes a raw JSON amount (number or string) into cents.
// Failures carry code plus the zero-based line and the field name. ok is
// false when the field was absent or null.
func ParseLineAmount(raw json.RawMessage, code pkgerrors.Code, line int, field string) (cents int64, ok bool, err error) {
	if len(raw) == 0 {
		return 0, false, nil
	}
	var amount money.Amount
	if err := amount.UnmarshalJSON(raw); err != nil {
		return 0, false, pkgerrors.Wrap(code, err, "malformed amount").
			WithDetails(map[string]any{"line": line, "field": field})
	}
	return amount.Cents, amount.Set, nil
}
