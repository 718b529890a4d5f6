package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/bus"
	"github.com/Bravos-hub/csms-backend-sub000/internal/commands/application/messages"
	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
	masterdata "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/domain"
	"github.com/Bravos-hub/csms-backend-sub000/internal/observability/metrics"
)

// OutboxStore provides access to claimable outbox rows.
type OutboxStore interface {
	ClaimBatch(ctx context.Context, batchSize int, lockTTL, retryBackoff time.Duration) ([]commands.Outbox, error)
	MarkPublished(ctx context.Context, outboxID, commandID string, wirePayload json.RawMessage, publishedAt time.Time) error
	ScheduleRetry(ctx context.Context, outboxID, commandID, lastError string) error
	MarkDeadLettered(ctx context.Context, outboxID, commandID, lastError string, notice json.RawMessage) error
}

// CommandStore loads the command behind an outbox row.
type CommandStore interface {
	GetByID(ctx context.Context, id string) (*commands.Command, error)
}

// Resolver turns a command target into a routable charge point.
type Resolver interface {
	Resolve(ctx context.Context, stationID, chargePointID string) (*masterdata.ChargePoint, error)
}

// Config tunes the publisher.
type Config struct {
	BatchSize       int
	LockTTL         time.Duration
	RetryBackoff    time.Duration
	MaxAttempts     int
	RequestTopic    string
	DeadLetterTopic string
}

func (c *Config) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 30 * time.Second
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RequestTopic == "" {
		c.RequestTopic = "command-requests"
	}
	if c.DeadLetterTopic == "" {
		c.DeadLetterTopic = "dead-letters"
	}
}

// TickResult summarizes one publisher cycle.
type TickResult struct {
	Skipped      bool
	Claimed      int
	Published    int
	Retried      int
	DeadLettered int
}

// Publisher drains the command outbox onto the bus. Multiple instances
// may run concurrently; the optimistic claim in the store guarantees at
// most one instance wins a row per cycle, and a crashed claimant's lock
// expires after the TTL.
type Publisher struct {
	outbox   OutboxStore
	cmds     CommandStore
	resolver Resolver
	bus      bus.Publisher
	cfg      Config
	logger   *log.Logger
	inFlight atomic.Bool
}

// NewPublisher constructs a publisher.
func NewPublisher(outbox OutboxStore, cmds CommandStore, resolver Resolver, publisher bus.Publisher, cfg Config, logger *log.Logger) (*Publisher, error) {
	if outbox == nil || cmds == nil || resolver == nil || publisher == nil {
		return nil, errors.New("dispatch: nil dependency")
	}
	if logger == nil {
		logger = log.Default()
	}
	cfg.applyDefaults()
	return &Publisher{
		outbox:   outbox,
		cmds:     cmds,
		resolver: resolver,
		bus:      publisher,
		cfg:      cfg,
		logger:   logger,
	}, nil
}

// Tick claims a batch and publishes each claimed row sequentially. A
// tick that overlaps a still-running one is skipped, not queued. A
// failure on one row never aborts the rest of the batch.
func (p *Publisher) Tick(ctx context.Context) (TickResult, error) {
	var result TickResult
	if !p.inFlight.CompareAndSwap(false, true) {
		metrics.IncTickSkipped()
		result.Skipped = true
		return result, nil
	}
	defer p.inFlight.Store(false)

	claimed, err := p.outbox.ClaimBatch(ctx, p.cfg.BatchSize, p.cfg.LockTTL, p.cfg.RetryBackoff)
	if err != nil {
		return result, err
	}
	result.Claimed = len(claimed)
	metrics.AddOutboxClaimed(len(claimed))

	for _, row := range claimed {
		switch p.publish(ctx, row) {
		case metrics.PublishResultPublished:
			result.Published++
		case metrics.PublishResultRetry:
			result.Retried++
		default:
			result.DeadLettered++
		}
	}
	return result, nil
}

// publish delivers one claimed row and settles its outcome. A target
// that cannot be resolved to a real device is a permanent failure:
// retrying cannot change a structurally invalid record.
func (p *Publisher) publish(ctx context.Context, row commands.Outbox) string {
	cmd, err := p.cmds.GetByID(ctx, row.CommandID)
	if err != nil {
		return p.retryOrDeadLetter(ctx, row, "load command: "+err.Error())
	}
	if cmd == nil {
		return p.deadLetter(ctx, row, "command record missing", metrics.PublishResultPermanent)
	}
	if cmd.ChargePointID == "" && cmd.StationID == "" {
		return p.deadLetter(ctx, row, "command has no target identifier", metrics.PublishResultPermanent)
	}

	cp, err := p.resolver.Resolve(ctx, cmd.StationID, cmd.ChargePointID)
	if err != nil {
		if errors.Is(err, masterdata.ErrNotFound) {
			return p.deadLetter(ctx, row, "unresolvable target: "+err.Error(), metrics.PublishResultPermanent)
		}
		return p.retryOrDeadLetter(ctx, row, "resolve target: "+err.Error())
	}

	request := messages.CommandRequest{
		CommandID:     cmd.CommandID,
		CommandType:   cmd.CommandType,
		StationID:     cmd.StationID,
		ChargePointID: cp.ChargePointID,
		ConnectorID:   cmd.ConnectorID,
		Payload:       cmd.Payload,
		RequestedBy:   cmd.RequestedBy,
		RequestedAt:   cmd.RequestedAt,
	}
	payload, err := json.Marshal(request)
	if err != nil {
		return p.deadLetter(ctx, row, "encode request: "+err.Error(), metrics.PublishResultPermanent)
	}

	// Keyed by the resolved device identity to preserve per-device
	// ordering on the bus.
	if err := p.bus.Publish(ctx, p.cfg.RequestTopic, cp.Address, payload); err != nil {
		return p.retryOrDeadLetter(ctx, row, "bus publish: "+err.Error())
	}

	now := time.Now().UTC()
	if err := p.outbox.MarkPublished(ctx, row.OutboxID, row.CommandID, payload, now); err != nil {
		// The message is on the bus; the row stays claimed and the lock
		// TTL makes it reclaimable. Redelivery is safe downstream.
		p.logger.Printf("outbox mark published error outbox=%s: %v", row.OutboxID, err)
		metrics.IncPublishResult(metrics.PublishResultRetry)
		return metrics.PublishResultRetry
	}
	metrics.IncPublishResult(metrics.PublishResultPublished)
	return metrics.PublishResultPublished
}

func (p *Publisher) retryOrDeadLetter(ctx context.Context, row commands.Outbox, cause string) string {
	if row.Attempts >= p.cfg.MaxAttempts {
		return p.deadLetter(ctx, row, cause, metrics.PublishResultDeadLetter)
	}
	if err := p.outbox.ScheduleRetry(ctx, row.OutboxID, row.CommandID, cause); err != nil {
		p.logger.Printf("outbox schedule retry error outbox=%s: %v", row.OutboxID, err)
	}
	p.logger.Printf("outbox retry scheduled outbox=%s command=%s attempts=%d cause=%s",
		row.OutboxID, row.CommandID, row.Attempts, cause)
	metrics.IncPublishResult(metrics.PublishResultRetry)
	return metrics.PublishResultRetry
}

// deadLetter commits the terminal state first; the notification publish
// afterwards is best-effort and never rolls the database back.
func (p *Publisher) deadLetter(ctx context.Context, row commands.Outbox, cause, result string) string {
	notice := messages.DeadLetter{
		OutboxID:   row.OutboxID,
		CommandID:  row.CommandID,
		Attempts:   row.Attempts,
		Error:      cause,
		OccurredAt: time.Now().UTC(),
	}
	payload, _ := json.Marshal(notice)

	if err := p.outbox.MarkDeadLettered(ctx, row.OutboxID, row.CommandID, cause, payload); err != nil {
		p.logger.Printf("outbox dead letter error outbox=%s: %v", row.OutboxID, err)
		metrics.IncPublishResult(metrics.PublishResultRetry)
		return metrics.PublishResultRetry
	}
	p.logger.Printf("outbox dead lettered outbox=%s command=%s attempts=%d cause=%s",
		row.OutboxID, row.CommandID, row.Attempts, cause)

	if err := p.bus.Publish(ctx, p.cfg.DeadLetterTopic, row.CommandID, payload); err != nil {
		p.logger.Printf("dead letter notify error command=%s: %v", row.CommandID, err)
		metrics.IncDeadLetterNotify(metrics.ResultError)
	} else {
		metrics.IncDeadLetterNotify(metrics.ResultSuccess)
	}
	metrics.IncPublishResult(result)
	return result
}
