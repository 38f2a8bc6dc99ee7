package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/angelmondragon/billsplit-backend/internal/payments"
	"github.com/angelmondragon/billsplit-backend/pkg/logger"
)

// Bus is the slice of the Redis client the broadcaster publishes through.
type Bus interface {
	Publish(ctx context.Context, channel string, payload any) error
	RoomChannel(token string) string
	RoomTokenFromChannel(channel string) (string, bool)
}

// MessageSource is a pattern subscription; *redis.PubSub satisfies it.
type MessageSource interface {
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type roomMessage struct {
	Events []Event `json:"events"`
}

// RedisBroadcaster publishes room events to Redis so the hub on every API
// instance delivers them. Start runs the bridge that feeds the local hub.
type RedisBroadcaster struct {
	bus  Bus
	hub  *Hub
	logg *logger.Logger

	mu     sync.Mutex
	source MessageSource
	cancel context.CancelFunc
	group  *errgroup.Group
}

func NewRedisBroadcaster(bus Bus, hub *Hub, logg *logger.Logger) (*RedisBroadcaster, error) {
	if bus == nil {
		return nil, errors.New("redis bus required")
	}
	if hub == nil {
		return nil, errors.New("realtime hub required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	return &RedisBroadcaster{bus: bus, hub: hub, logg: logg}, nil
}

// NotifyPayment publishes the room events. When Redis is unavailable the
// local hub still gets them and the error is returned for logging.
func (b *RedisBroadcaster) NotifyPayment(ctx context.Context, n payments.PaymentNotification) error {
	events := EventsFor(n)
	if len(events) == 0 || n.ReceiptToken == "" {
		return nil
	}
	payload, err := json.Marshal(roomMessage{Events: events})
	if err != nil {
		return err
	}
	if err := b.bus.Publish(ctx, b.bus.RoomChannel(n.ReceiptToken), payload); err != nil {
		b.hub.Broadcast(n.ReceiptToken, events...)
		return err
	}
	return nil
}

// Start consumes source until ctx ends or Close is called.
func (b *RedisBroadcaster) Start(ctx context.Context, source MessageSource) error {
	if source == nil {
		return errors.New("message source required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group != nil {
		return errors.New("redis broadcaster already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(runCtx)
	messages := source.Channel()
	group.Go(func() error {
		for {
			select {
			case <-groupCtx.Done():
				return nil
			case msg, ok := <-messages:
				if !ok {
					return nil
				}
				b.deliver(groupCtx, msg)
			}
		}
	})
	b.source = source
	b.cancel = cancel
	b.group = group
	b.logg.Info(ctx, "realtime redis bridge started")
	return nil
}

func (b *RedisBroadcaster) deliver(ctx context.Context, msg *redis.Message) {
	token, ok := b.bus.RoomTokenFromChannel(msg.Channel)
	if !ok {
		return
	}
	var decoded roomMessage
	if err := json.Unmarshal([]byte(msg.Payload), &decoded); err != nil {
		b.logg.Warn(b.logg.WithField(ctx, "channel", msg.Channel), "discarding malformed room message")
		return
	}
	b.hub.Broadcast(token, decoded.Events...)
}

// Close stops the bridge and releases the subscription.
func (b *RedisBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.group == nil {
		return nil
	}
	b.cancel()
	err := b.group.Wait()
	if closeErr := b.source.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	b.group = nil
	b.source = nil
	return err
}
