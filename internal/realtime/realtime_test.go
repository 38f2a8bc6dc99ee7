package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/billsplit-backend/internal/payments"
	"github.com/angelmondragon/billsplit-backend/pkg/metrics"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case event, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return event
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestEventsFor(t *testing.T) {
	events := EventsFor(payments.PaymentNotification{ReceiptToken: "tok", PayerName: "Ana", Lines: 2, AmountCents: 1550, Settled: true})
	require.Len(t, events, 2)
	assert.Equal(t, Event{Type: EventTypePayment, Payer: "Ana", Lines: 2, Amount: "15.50"}, events[0])
	assert.Equal(t, Event{Type: EventTypeSettled}, events[1])

	events = EventsFor(payments.PaymentNotification{ReceiptToken: "tok", Settled: true})
	assert.Equal(t, []Event{{Type: EventTypeSettled}}, events)
}

func TestHubDeliversPerRoom(t *testing.T) {
	hub := NewHub(4, nil, nil)
	a, err := hub.Subscribe("room-a")
	require.NoError(t, err)
	b, err := hub.Subscribe("room-b")
	require.NoError(t, err)

	require.NoError(t, hub.NotifyPayment(context.Background(), payments.PaymentNotification{ReceiptToken: "room-a", PayerName: "Ana", Lines: 1, AmountCents: 1000}))

	event := receive(t, a)
	assert.Equal(t, EventTypePayment, event.Type)
	assert.Equal(t, "Ana", event.Payer)
	select {
	case <-b.C:
		t.Fatal("room-b must not see room-a events")
	default:
	}
}

func TestHubDropsForSlowSubscriber(t *testing.T) {
	hub := NewHub(1, nil, nil)
	sub, err := hub.Subscribe("room")
	require.NoError(t, err)

	hub.Broadcast("room", Event{Type: EventTypePayment}, Event{Type: EventTypeSettled})
	assert.Equal(t, int64(1), hub.Dropped())
	assert.Equal(t, EventTypePayment, receive(t, sub).Type)
}

func TestHubSubscriptionLifecycle(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewLedgerMetrics(reg)
	hub := NewHub(2, nil, m)

	first, err := hub.Subscribe("room")
	require.NoError(t, err)
	second, err := hub.Subscribe("room")
	require.NoError(t, err)
	assert.Equal(t, 2, hub.Subscribers("room"))

	first.Close()
	first.Close()
	assert.Equal(t, 1, hub.Subscribers("room"))
	_, ok := <-first.C
	assert.False(t, ok)

	require.NoError(t, hub.Close())
	_, ok = <-second.C
	assert.False(t, ok)
	second.Close()

	_, err = hub.Subscribe("room")
	assert.ErrorIs(t, err, ErrClosed)

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, family := range families {
		if family.GetName() == "realtime_room_subscribers" {
			found = true
			assert.Zero(t, family.GetMetric()[0].GetGauge().GetValue())
		}
	}
	assert.True(t, found)
}

type fakeBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	err       error
}

func (f *fakeBus) Publish(_ context.Context, channel string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	if f.published == nil {
		f.published = make(map[string][][]byte)
	}
	f.published[channel] = append(f.published[channel], payload.([]byte))
	return nil
}

func (f *fakeBus) RoomChannel(token string) string {
	return "bs:room:" + token
}

func (f *fakeBus) RoomTokenFromChannel(channel string) (string, bool) {
	const prefix = "bs:room:"
	if len(channel) <= len(prefix) || channel[:len(prefix)] != prefix {
		return "", false
	}
	return channel[len(prefix):], true
}

type fakeSource struct {
	ch     chan *redis.Message
	closed bool
}

func (f *fakeSource) Channel(...redis.ChannelOption) <-chan *redis.Message {
	return f.ch
}

func (f *fakeSource) Close() error {
	f.closed = true
	return nil
}

func TestRedisBroadcasterPublishesAndBridges(t *testing.T) {
	hub := NewHub(4, nil, nil)
	bus := &fakeBus{}
	broadcaster, err := NewRedisBroadcaster(bus, hub, nil)
	require.NoError(t, err)

	source := &fakeSource{ch: make(chan *redis.Message, 4)}
	require.NoError(t, broadcaster.Start(context.Background(), source))
	require.Error(t, broadcaster.Start(context.Background(), source))

	sub, err := hub.Subscribe("tok")
	require.NoError(t, err)

	notification := payments.PaymentNotification{ReceiptToken: "tok", PayerName: "Ben", Lines: 1, AmountCents: 400, Settled: true}
	require.NoError(t, broadcaster.NotifyPayment(context.Background(), notification))

	bus.mu.Lock()
	payloads := bus.published["bs:room:tok"]
	bus.mu.Unlock()
	require.Len(t, payloads, 1)
	var msg roomMessage
	require.NoError(t, json.Unmarshal(payloads[0], &msg))
	assert.Equal(t, EventsFor(notification), msg.Events)

	source.ch <- &redis.Message{Channel: "other:channel", Payload: string(payloads[0])}
	source.ch <- &redis.Message{Channel: "bs:room:tok", Payload: "not json"}
	source.ch <- &redis.Message{Channel: "bs:room:tok", Payload: string(payloads[0])}

	assert.Equal(t, EventTypePayment, receive(t, sub).Type)
	assert.Equal(t, EventTypeSettled, receive(t, sub).Type)

	require.NoError(t, broadcaster.Close())
	assert.True(t, source.closed)
	require.NoError(t, broadcaster.Close())
}

func TestRedisBroadcasterFallsBackToLocalHub(t *testing.T) {
	hub := NewHub(4, nil, nil)
	bus := &fakeBus{err: errors.New("redis down")}
	broadcaster, err := NewRedisBroadcaster(bus, hub, nil)
	require.NoError(t, err)

	sub, err := hub.Subscribe("tok")
	require.NoError(t, err)

	err = broadcaster.NotifyPayment(context.Background(), payments.PaymentNotification{ReceiptToken: "tok", PayerName: "Cy", Lines: 1, AmountCents: 100})
	require.Error(t, err)
	assert.Equal(t, "Cy", receive(t, sub).Payer)
}
