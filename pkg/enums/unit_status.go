package enums

// UnitStatus maps to unit_status_enum.
type UnitStatus string

const (
	UnitStatusUnpaid  UnitStatus = "unpaid"
	UnitStatusPartial UnitStatus = "partial"
	UnitStatusPaid    UnitStatus = "paid"
)

var validUnitStatuses = []UnitStatus{
	UnitStatusUnpaid,
	UnitStatusPartial,
	UnitStatusPaid,
}

func (s UnitStatus) String() string {
	return string(s)
}

func (s UnitStatus) IsValid() bool {
	for _, candidate := range validUnitStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// UnitStatusFor derives the status from a unit's balance. It is the only
// place unit status is computed.
func UnitStatusFor(paidCents, totalCents int64) UnitStatus {
	switch {
	case paidCents >= totalCents:
		return UnitStatusPaid
	case paidCents > 0:
		return UnitStatusPartial
	default:
		return UnitStatusUnpaid
	}
}
