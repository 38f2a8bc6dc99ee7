package registry

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billsplit-backend/pkg/config"
	"github.com/angelmondragon/billsplit-backend/pkg/db/models"
	"github.com/angelmondragon/billsplit-backend/pkg/enums"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox"
	"github.com/angelmondragon/billsplit-backend/pkg/outbox/payloads"
)

func TestResolvePaymentRecorded(t *testing.T) {
	reg := newTestEventRegistry(t)
	unitID := uuid.New()
	data, err := json.Marshal(payloads.PaymentRecordedEvent{
		PaymentID:   uuid.New(),
		ReceiptID:   uuid.New(),
		Token:       "tok",
		ItemID:      uuid.New(),
		UnitID:      unitID,
		PayerName:   "Ana",
		Mode:        enums.PaymentModeUnitFull,
		AmountCents: 1000,
		UnitStatus:  enums.UnitStatusPaid,
	})
	require.NoError(t, err)

	event := models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventPaymentRecorded,
		AggregateType: enums.AggregatePayment,
		AggregateID:   uuid.New(),
		Payload:       envelopeJSON(t, 1, "", data),
	}

	resolved, err := reg.Resolve(event)
	require.NoError(t, err)
	assert.Equal(t, "ledger-topic", resolved.Descriptor.Topic)
	assert.Equal(t, enums.EventPaymentRecorded, resolved.Descriptor.EventType)
	assert.Equal(t, event.ID.String(), resolved.Envelope.EventID, "missing event id falls back to the row id")
	assert.False(t, resolved.Envelope.OccurredAt.IsZero())

	payload, ok := resolved.Payload.(*payloads.PaymentRecordedEvent)
	require.True(t, ok, "unexpected payload type %T", resolved.Payload)
	assert.Equal(t, unitID, payload.UnitID)
	assert.Equal(t, int64(1000), payload.AmountCents)
}

func TestResolveKeepsEnvelopeEventID(t *testing.T) {
	reg := newTestEventRegistry(t)
	eventID := uuid.NewString()
	resolved, err := reg.Resolve(models.OutboxEvent{
		ID:            uuid.New(),
		EventType:     enums.EventReceiptSettled,
		AggregateType: enums.AggregateReceipt,
		AggregateID:   uuid.New(),
		Payload:       envelopeJSON(t, 1, eventID, []byte(`{"token":"t"}`)),
	})
	require.NoError(t, err)
	assert.Equal(t, eventID, resolved.Envelope.EventID)
}

func TestResolveRejectsBadRows(t *testing.T) {
	reg := newTestEventRegistry(t)
	cases := map[string]models.OutboxEvent{
		"unknown event": {
			EventType:     enums.OutboxEventType("order_created"),
			AggregateType: enums.AggregateReceipt,
			AggregateID:   uuid.New(),
			Payload:       envelopeJSON(t, 1, "", []byte(`{"reason":"none"}`)),
		},
		"aggregate mismatch": {
			EventType:     enums.EventReceiptSettled,
			AggregateType: enums.AggregatePayment,
			AggregateID:   uuid.New(),
			Payload:       envelopeJSON(t, 1, "", []byte(`{"token":"t"}`)),
		},
		"missing aggregate id": {
			EventType:     enums.EventReceiptFinalized,
			AggregateType: enums.AggregateReceipt,
			Payload:       envelopeJSON(t, 1, "", []byte(`{}`)),
		},
		"null data": {
			EventType:     enums.EventReceiptFinalized,
			AggregateType: enums.AggregateReceipt,
			AggregateID:   uuid.New(),
			Payload:       envelopeJSON(t, 1, "", []byte("null")),
		},
		"future envelope version": {
			EventType:     enums.EventReceiptFinalized,
			AggregateType: enums.AggregateReceipt,
			AggregateID:   uuid.New(),
			Payload:       envelopeJSON(t, 2, "", []byte(`{}`)),
		},
		"mistyped payload": {
			EventType:     enums.EventPaymentRecorded,
			AggregateType: enums.AggregatePayment,
			AggregateID:   uuid.New(),
			Payload:       envelopeJSON(t, 1, "", []byte(`{"amount_cents":"lots"}`)),
		},
		"not json": {
			EventType:     enums.EventReceiptFinalized,
			AggregateType: enums.AggregateReceipt,
			AggregateID:   uuid.New(),
			Payload:       json.RawMessage(`{`),
		},
	}
	for name, event := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := reg.Resolve(event)
			require.Error(t, err)
			assert.True(t, IsNonRetryable(err), "expected non-retryable, got %T", err)
		})
	}
}

func TestEventRegistryConfig(t *testing.T) {
	_, err := NewEventRegistry(config.PubSubConfig{})
	assert.Error(t, err)

	assert.Equal(t, []string{"ledger-topic"}, newTestEventRegistry(t).Topics())
}

func newTestEventRegistry(t *testing.T) *EventRegistry {
	t.Helper()
	reg, err := NewEventRegistry(config.PubSubConfig{LedgerTopic: "ledger-topic"})
	require.NoError(t, err)
	return reg
}

func envelopeJSON(t *testing.T, version int, eventID string, data []byte) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(outbox.PayloadEnvelope{
		Version:    version,
		EventID:    eventID,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	require.NoError(t, err)
	return raw
}
