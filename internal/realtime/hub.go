// Package realtime fans room updates out to connected clients.
package realtime

import (
	"context"
	"errors"
	"sync"

	"github.com/angelmondragon/billsplit-backend/internal/payments"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
	"github.com/angelmondragon/billsplit-backend/pkg/metrics"
	"github.com/angelmondragon/billsplit-backend/pkg/money"
)

const (
	EventTypePayment = "payment"
	EventTypeSettled = "settled"

	defaultBuffer = 16
)

// ErrClosed is returned by Subscribe after the hub has shut down.
var ErrClosed = errors.New("realtime hub closed")

// Event is one message delivered to room subscribers.
type Event struct {
	Type   string `json:"type"`
	Payer  string `json:"payer,omitempty"`
	Lines  int    `json:"lines,omitempty"`
	Amount string `json:"amount,omitempty"`
}

// EventsFor translates a payment notification into room events.
func EventsFor(n payments.PaymentNotification) []Event {
	events := make([]Event, 0, 2)
	if n.PayerName != "" {
		events = append(events, Event{
			Type:   EventTypePayment,
			Payer:  n.PayerName,
			Lines:  n.Lines,
			Amount: money.Format(n.AmountCents),
		})
	}
	if n.Settled {
		events = append(events, Event{Type: EventTypeSettled})
	}
	return events
}

// Subscription receives the events of one room until Close is called or the
// hub shuts down, at which point C is closed.
type Subscription struct {
	C     <-chan Event
	hub   *Hub
	token string
	ch    chan Event
	once  sync.Once
}

// Close detaches the subscription. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.hub.remove(s.token, s.ch)
	})
}

// Hub is an in-process registry of room subscribers. Slow subscribers lose
// events instead of blocking the publisher.
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]map[chan Event]struct{}
	buffer  int
	closed  bool
	dropped int64
	logg    *logger.Logger
	metrics *metrics.LedgerMetrics
}

func NewHub(buffer int, logg *logger.Logger, m *metrics.LedgerMetrics) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &Hub{
		rooms:   make(map[string]map[chan Event]struct{}),
		buffer:  buffer,
		logg:    logg,
		metrics: m,
	}
}

func (h *Hub) Subscribe(token string) (*Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	ch := make(chan Event, h.buffer)
	subs, ok := h.rooms[token]
	if !ok {
		subs = make(map[chan Event]struct{})
		h.rooms[token] = subs
	}
	subs[ch] = struct{}{}
	h.metrics.AddSubscribers(1)
	return &Subscription{C: ch, hub: h, token: token, ch: ch}, nil
}

// Broadcast delivers events to every local subscriber of the room.
func (h *Hub) Broadcast(token string, events ...Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.rooms[token] {
		for _, event := range events {
			select {
			case ch <- event:
			default:
				h.dropped++
			}
		}
	}
}

// NotifyPayment satisfies payments.Notifier for single-instance deployments.
func (h *Hub) NotifyPayment(_ context.Context, n payments.PaymentNotification) error {
	h.Broadcast(n.ReceiptToken, EventsFor(n)...)
	return nil
}

// Subscribers reports the number of local subscribers of a room.
func (h *Hub) Subscribers(token string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms[token])
}

// Dropped reports how many events were discarded for full buffers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// Close ends every subscription. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	count := 0
	for token, subs := range h.rooms {
		for ch := range subs {
			close(ch)
			count++
		}
		delete(h.rooms, token)
	}
	h.metrics.AddSubscribers(-count)
	h.logg.Info(h.logg.WithField(context.Background(), "subscribers", count), "realtime hub closed")
	return nil
}

func (h *Hub) remove(token string, ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.rooms[token]
	if !ok {
		return
	}
	if _, ok := subs[ch]; !ok {
		return
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(h.rooms, token)
	}
	h.metrics.AddSubscribers(-1)
}
