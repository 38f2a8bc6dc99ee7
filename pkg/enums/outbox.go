package enums

// OutboxAggregateType maps to the aggregate_type enum in Postgres.
type OutboxAggregateType string

const (
	AggregateReceipt OutboxAggregateType = "receipt"
	AggregatePayment OutboxAggregateType = "payment"
)

var validAggregateTypes = []OutboxAggregateType{
	AggregateReceipt,
	AggregatePayment,
}

// IsValid reports whether the value matches the canonical aggregate_type enum.
func (a OutboxAggregateType) IsValid() bool {
	for _, candidate := range validAggregateTypes {
		if candidate == a {
			return true
		}
	}
	return false
}

// OutboxEventType maps to the event_type enum in Postgres.
type OutboxEventType string

const (
	EventReceiptFinalized OutboxEventType = "receipt_finalized"
	EventPaymentRecorded  OutboxEventType = "payment_recorded"
	EventReceiptSettled   OutboxEventType = "receipt_settled"
)

var validEventTypes = []OutboxEventType{
	EventReceiptFinalized,
	EventPaymentRecorded,
	EventReceiptSettled,
}

// IsValid reports whether the value matches the canonical event_type enum.
func (e OutboxEventType) IsValid() bool {
	for _, candidate := range validEventTypes {
		if candidate == e {
			return true
		}
	}
	return false
}

// Aggregate reports which aggregate type an event is keyed by.
func (e OutboxEventType) Aggregate() (OutboxAggregateType, bool) {
	switch e {
	case EventReceiptFinalized, EventReceiptSettled:
		return AggregateReceipt, true
	case EventPaymentRecorded:
		return AggregatePayment, true
	}
	return "", false
}

// OutboxDLQErrorReason maps to outbox_dlq_error_reason_enum. It records why
// the publisher gave up on an event.
type OutboxDLQErrorReason string

const (
	OutboxDLQReasonMaxAttempts  OutboxDLQErrorReason = "max_attempts"
	OutboxDLQReasonNonRetryable OutboxDLQErrorReason = "non_retryable"
)

func (r OutboxDLQErrorReason) IsValid() bool {
	return r == OutboxDLQReasonMaxAttempts || r == OutboxDLQReasonNonRetryable
}
