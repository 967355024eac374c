package events

import (
	"context"
	"sync"
	"time"

	"github.com/gestibat/gestibat/pkg/logging"
)

// Handler processes a delivered event
type Handler func(ctx context.Context, event Event)

// Bus is the publish/subscribe surface consumed by the scheduling core
type Bus interface {
	// Subscribe registers a handler for events matching the predicate and
	// returns an unsubscribe function
	Subscribe(predicate Predicate, handler Handler) func()
	// Publish delivers an event to every matching subscriber
	Publish(ctx context.Context, event Event) error
}

// MemoryBus is the in-process bus implementation. Delivery is synchronous and
// per-handler panics are recovered so one subscriber cannot poison the rest.
type MemoryBus struct {
	mu          sync.RWMutex
	nextID      int
	subscribers map[int]subscription
	logger      *logging.Logger
}

type subscription struct {
	predicate Predicate
	handler   Handler
}

// NewMemoryBus creates an in-process event bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subscribers: make(map[int]subscription),
		logger:      logging.GetLogger(),
	}
}

// Subscribe registers a handler; the returned function removes it
func (b *MemoryBus) Subscribe(predicate Predicate, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subscribers[id] = subscription{predicate: predicate, handler: handler}

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subscribers, id)
	}
}

// Publish delivers the event to every matching subscriber
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}

	b.mu.RLock()
	matching := make([]Handler, 0, len(b.subscribers))
	for _, sub := range b.subscribers {
		if sub.predicate == nil || sub.predicate(event) {
			matching = append(matching, sub.handler)
		}
	}
	b.mu.RUnlock()

	for _, handler := range matching {
		b.dispatch(ctx, handler, event)
	}

	return nil
}

func (b *MemoryBus) dispatch(ctx context.Context, handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Event handler panicked",
				"event_type", string(event.Type),
				"entity_id", event.EntityID,
				"panic", r,
			)
		}
	}()

	handler(ctx, event)
}
