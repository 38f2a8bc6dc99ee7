package enums

// ReceiptStatus maps to receipt_status_enum. Transitions only move forward:
// draft -> open -> paid.
type ReceiptStatus string

const (
	ReceiptStatusDraft ReceiptStatus = "draft"
	ReceiptStatusOpen  ReceiptStatus = "open"
	ReceiptStatusPaid  ReceiptStatus = "paid"
)

var validReceiptStatuses = []ReceiptStatus{
	ReceiptStatusDraft,
	ReceiptStatusOpen,
	ReceiptStatusPaid,
}

// String implements fmt.Stringer.
func (s ReceiptStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known receipt status.
func (s ReceiptStatus) IsValid() bool {
	for _, candidate := range validReceiptStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// CanTransitionTo reports whether next is the single legal successor of s.
func (s ReceiptStatus) CanTransitionTo(next ReceiptStatus) bool {
	switch s {
	case ReceiptStatusDraft:
		return next == ReceiptStatusOpen
	case ReceiptStatusOpen:
		return next == ReceiptStatusPaid
	default:
		return false
	}
}
