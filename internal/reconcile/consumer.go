// Package reconcile consumes acknowledgment events from the command-events
// topic and folds them into the command store, enforcing the forward-only
// status progression.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/Bravos-hub/csms-backend-sub000/internal/bus"
	"github.com/Bravos-hub/csms-backend-sub000/internal/commands/application/messages"
	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
	"github.com/Bravos-hub/csms-backend-sub000/internal/observability/metrics"
)

// CommandApplier applies a candidate status transition to a stored
// command in a single transaction.
type CommandApplier interface {
	ApplyStatus(ctx context.Context, commandID string, candidate commands.Status, event *commands.CommandEvent, errDetail string) (commands.ApplyOutcome, *commands.Command, error)
}

// Consumer handles inbound acknowledgment events. It never returns an
// error from HandleMessage for events it cannot act on: a malformed or
// unactionable event would fail the same way on redelivery, so it is
// logged, counted and dropped instead of wedging the subscription.
type Consumer struct {
	store  CommandApplier
	logger *log.Logger
	now    func() time.Time
}

func NewConsumer(store CommandApplier, logger *log.Logger) (*Consumer, error) {
	if store == nil {
		return nil, fmt.Errorf("reconcile: nil store")
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Consumer{store: store, logger: logger, now: time.Now}, nil
}

// Start subscribes the consumer to the given topic. An empty group keeps
// a single ordered stream per key, which the status progression relies on.
func (c *Consumer) Start(ctx context.Context, sub bus.Subscriber, topic, group string) error {
	if sub == nil {
		return fmt.Errorf("reconcile: nil subscriber")
	}
	return sub.Subscribe(ctx, topic, group, c.HandleMessage)
}

// HandleMessage processes one inbound event.
func (c *Consumer) HandleMessage(ctx context.Context, msg bus.Message) (err error) {
	defer func() {
		if r := recover(); r != nil {
			metrics.IncReconcile(metrics.ReconcileFailed)
			c.logger.Printf("reconcile: panic handling event on %s: %v", msg.Topic, r)
			err = nil
		}
	}()

	metrics.IncReconcile(metrics.ReconcileReceived)

	evt, ok := c.decode(msg)
	if !ok {
		return nil
	}

	status, mapped := commands.StatusForEventType(evt.EventType)
	if !mapped {
		// Not an acknowledgment type; other consumers may care, we do not.
		metrics.IncReconcile(metrics.ReconcileSkipped)
		return nil
	}

	eventID := evt.EventID
	if eventID == "" {
		eventID = uuid.NewString()
	}
	record := &commands.CommandEvent{
		EventID:    eventID,
		CommandID:  evt.CorrelationID,
		Status:     string(status),
		Payload:    msg.Payload,
		OccurredAt: evt.ParsedOccurredAt(c.now().UTC()),
	}

	outcome, cmd, err := c.store.ApplyStatus(ctx, evt.CorrelationID, status, record, evt.ErrorDetail())
	if err != nil {
		metrics.IncReconcile(metrics.ReconcileFailed)
		c.logger.Printf("reconcile: apply %s for command %s: %v", evt.EventType, evt.CorrelationID, err)
		return nil
	}

	switch outcome {
	case commands.ApplyApplied:
		metrics.IncReconcile(metrics.ReconcileApplied)
		if cmd != nil && commands.IsTerminal(cmd.Status) && !cmd.CompletedAt.IsZero() {
			metrics.ObserveCompletion(string(cmd.Status), cmd.CompletedAt.Sub(cmd.RequestedAt))
		}
	case commands.ApplyNotFound:
		metrics.IncReconcile(metrics.ReconcileSkipped)
		c.logger.Printf("reconcile: no command for correlation id %q (event %s)", evt.CorrelationID, evt.EventType)
	default:
		// Duplicate or stale; already counted by the store's decision.
		metrics.IncReconcile(metrics.ReconcileSkipped)
	}
	return nil
}

func (c *Consumer) decode(msg bus.Message) (messages.InboundEvent, bool) {
	var evt messages.InboundEvent
	if err := json.Unmarshal(msg.Payload, &evt); err != nil {
		metrics.IncReconcile(metrics.ReconcileFailed)
		c.logger.Printf("reconcile: undecodable event on %s: %v", msg.Topic, err)
		return evt, false
	}
	if evt.CorrelationID == "" {
		metrics.IncReconcile(metrics.ReconcileSkipped)
		c.logger.Printf("reconcile: event %q missing correlation id", evt.EventType)
		return evt, false
	}
	return evt, true
}
