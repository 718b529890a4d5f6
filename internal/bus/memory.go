package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrNoTopic is returned when publishing with an empty topic.
var ErrNoTopic = errors.New("bus: empty topic")

// InMemoryBus is a minimal in-process bus for tests and single-node
// runs. Delivery is synchronous, so per-key ordering holds trivially;
// every subscriber of a topic receives every message.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{handlers: make(map[string][]Handler)}
}

// Publish dispatches the message to all handlers of the topic.
func (b *InMemoryBus) Publish(ctx context.Context, topic, key string, payload []byte) error {
	if topic == "" {
		return ErrNoTopic
	}
	b.mu.RLock()
	handlers := append([]Handler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	msg := Message{Topic: topic, Key: key, Payload: payload}
	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, msg); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for a topic. The group is ignored:
// in-process delivery has a single consumer per handler anyway.
func (b *InMemoryBus) Subscribe(_ context.Context, topic, _ string, handler Handler) error {
	if topic == "" {
		return ErrNoTopic
	}
	if handler == nil {
		return errors.New("bus: nil handler")
	}
	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
	return nil
}
