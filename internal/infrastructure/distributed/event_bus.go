package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"telesignal/internal/core/domain"
	"telesignal/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type EventType string

const EventSignal EventType = "signal"

// Event carries one signaling message between relay instances. Payload is the
// opaque client text, never interpreted.
type Event struct {
	Type       EventType           `json:"type"`
	InstanceID string              `json:"instance_id"`
	Timestamp  time.Time           `json:"timestamp"`
	Origin     domain.ConnectionID `json:"origin,omitempty"`
	Payload    string              `json:"payload"`
}

// EventBus fans signaling messages out to every relay instance sharing a Redis
// channel. Events published by this instance are ignored on receipt.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

var _ ports.MessageRelay = (*EventBus)(nil)

func NewEventBus(
	client *redis.Client,
	instanceID string,
	channel string,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    channel,
		logger:     logger,
	}
}

// PublishSignal publishes a locally received message for the other instances.
func (eb *EventBus) PublishSignal(ctx context.Context, message []byte, origin domain.ConnectionID) error {
	data, err := eb.encode(&Event{
		Type:    EventSignal,
		Origin:  origin,
		Payload: string(message),
	})
	if err != nil {
		return err
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published signal", "origin", origin, "size", len(message))
	return nil
}

func (eb *EventBus) encode(event *Event) ([]byte, error) {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// Subscribe blocks, calling handler for every event from another instance,
// until ctx is cancelled or the subscription is closed.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(context.Context, *Event) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, eb.channel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer eb.Close()

	// Wait for the subscription to be confirmed so no early events are lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", eb.channel, err)
	}
	eb.logger.Infow("subscribed to relay channel", "channel", eb.channel, "instance_id", eb.instanceID)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			eb.dispatch(ctx, msg.Payload, handler)
		}
	}
}

func (eb *EventBus) dispatch(ctx context.Context, payload string, handler func(context.Context, *Event) error) {
	var event Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		eb.logger.Warnw("failed to unmarshal event", "error", err)
		return
	}

	// Skip events from this instance
	if event.InstanceID == eb.instanceID {
		return
	}
	if event.Type != EventSignal {
		eb.logger.Debugw("ignoring unknown event type", "type", event.Type)
		return
	}

	if err := handler(ctx, &event); err != nil {
		eb.logger.Warnw("error handling event",
			"type", event.Type,
			"from_instance", event.InstanceID,
			"error", err,
		)
	}
}

// Close ends the subscription, if any. Safe to call more than once.
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	pubsub := eb.pubsub
	eb.pubsub = nil
	eb.mu.Unlock()

	if pubsub != nil {
		return pubsub.Close()
	}
	return nil
}
