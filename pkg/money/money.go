// Package money converts between 2-decimal fixed-point amounts at the API
// boundary and the integer cents stored in the ledger.
package money

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

const scale = 2

var hundred = decimal.NewFromInt(100)

// ErrMalformed is returned for values that are not plain 2-decimal numbers.
type ErrMalformed struct {
	Raw    string
	Reason string
}

func (e ErrMalformed) Error() string {
	return fmt.Sprintf("malformed amount %q: %s", e.Raw, e.Reason)
}

// ParseCents parses a decimal string such as "10", "4.5" or "6.00" into cents.
// More than two fractional digits are rejected, never rounded.
func ParseCents(raw string) (int64, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return 0, ErrMalformed{Raw: raw, Reason: "empty"}
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return 0, ErrMalformed{Raw: raw, Reason: "not a number"}
	}
	return FromDecimal(d, raw)
}

// FromDecimal converts an already parsed decimal into cents.
func FromDecimal(d decimal.Decimal, raw string) (int64, error) {
	cents := d.Mul(hundred)
	if !cents.IsInteger() {
		return 0, ErrMalformed{Raw: raw, Reason: "more than 2 decimal places"}
	}
	if cents.GreaterThan(decimal.NewFromInt(maxCents)) || cents.LessThan(decimal.NewFromInt(-maxCents)) {
		return 0, ErrMalformed{Raw: raw, Reason: "out of range"}
	}
	return cents.IntPart(), nil
}

// maxCents keeps amounts well inside numeric(12,2).
const maxCents = 99_999_999_999

// Format renders cents as a fixed 2-decimal string.
func Format(cents int64) string {
	return decimal.New(cents, -scale).StringFixed(scale)
}

// Amount is a JSON amount accepted either as a number or as a string and
// always rendered as a 2-decimal string.
type Amount struct {
	Cents int64
	Set   bool
}

// FromCents wraps a cents value for rendering.
func FromCents(cents int64) Amount {
	return Amount{Cents: cents, Set: true}
}

func (a Amount) String() string {
	return Format(a.Cents)
}

// MarshalJSON renders the amount as a quoted 2-decimal string.
func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(Format(a.Cents))
}

// UnmarshalJSON accepts 4.5, "4.50" and null.
func (a *Amount) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" {
		*a = Amount{}
		return nil
	}
	if strings.HasPrefix(raw, `"`) {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return ErrMalformed{Raw: raw, Reason: "not a string"}
		}
		raw = s
	}
	cents, err := ParseCents(raw)
	if err != nil {
		return err
	}
	*a = Amount{Cents: cents, Set: true}
	return nil
}
