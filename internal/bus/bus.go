// Package bus abstracts the message transport between the command
// subsystem's deployables. Implementations deliver at least once and
// preserve order among messages sharing a partition key.
package bus

import "context"

// Message is a delivered bus message.
type Message struct {
	Topic   string
	Key     string
	Payload []byte
}

// Handler processes one delivered message. Returning an error signals
// the transport to redeliver where it supports that.
type Handler func(ctx context.Context, msg Message) error

// Publisher publishes a message to a topic. Key selects the partition:
// messages sharing a key are delivered in publish order.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload []byte) error
}

// Subscriber registers a handler for a topic. group names the consumer
// group where the transport supports shared consumption.
type Subscriber interface {
	Subscribe(ctx context.Context, topic, group string, handler Handler) error
}

// Bus combines both directions.
type Bus interface {
	Publisher
	Subscriber
}
