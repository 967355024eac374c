package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/gestibat/gestibat/pkg/logging"
)

const eventChannel = "gestibat:events"

// RedisBus propagates domain events across processes through Redis pub/sub.
// Local subscriptions are matched against messages received on the channel,
// so every process sees the same event stream.
type RedisBus struct {
	client *redis.Client
	local  *MemoryBus
	logger *logging.Logger
}

// NewRedisBus creates a Redis-backed event bus
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client: client,
		local:  NewMemoryBus(),
		logger: logging.GetLogger(),
	}
}

// Subscribe registers a local handler for events from any process
func (b *RedisBus) Subscribe(predicate Predicate, handler Handler) func() {
	return b.local.Subscribe(predicate, handler)
}

// Publish serializes the event onto the shared channel
func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	return b.client.Publish(ctx, eventChannel, payload).Err()
}

// Listen consumes the shared channel until the context is cancelled,
// resubscribing after connection loss.
func (b *RedisBus) Listen(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		pubsub := b.client.Subscribe(ctx, eventChannel)

		if _, err := pubsub.Receive(ctx); err != nil {
			b.logger.Error("Failed to subscribe to event channel",
				"channel", eventChannel,
				"error", err,
			)
			pubsub.Close()
			select {
			case <-ctx.Done():
				return
			case <-time.After(5 * time.Second):
			}
			continue
		}

		ch := pubsub.Channel()

	receive:
		for {
			select {
			case <-ctx.Done():
				pubsub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break receive // channel closed, resubscribe
				}

				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					b.logger.Error("Dropping malformed event payload",
						"payload", msg.Payload,
						"error", err,
					)
					continue
				}

				if err := b.local.Publish(ctx, event); err != nil {
					b.logger.Error("Local event dispatch failed", "error", err)
				}
			}
		}

		pubsub.Close()
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}
