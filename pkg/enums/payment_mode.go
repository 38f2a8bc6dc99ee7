package enums

import "fmt"

// PaymentMode selects how a payment line picks and charges its unit.
type PaymentMode string

const (
	PaymentModeUnitFull    PaymentMode = "unit_full"
	PaymentModeUnitPartial PaymentMode = "unit_partial"
)

var validPaymentModes = []PaymentMode{
	PaymentModeUnitFull,
	PaymentModeUnitPartial,
}

func (m PaymentMode) IsValid() bool {
	for _, candidate := range validPaymentModes {
		if candidate == m {
			return true
		}
	}
	return false
}

func ParsePaymentMode(value string) (PaymentMode, error) {
	for _, candidate := range validPaymentModes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment mode %q", value)
}
