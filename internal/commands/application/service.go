package application

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
	"github.com/Bravos-hub/csms-backend-sub000/internal/observability/metrics"
)

// EnqueueRequest represents a command enqueue request.
type EnqueueRequest struct {
	StationID     string          `json:"stationId"`
	ChargePointID string          `json:"chargePointId"`
	ConnectorID   int             `json:"connectorId"`
	CommandType   string          `json:"commandType"`
	Payload       json.RawMessage `json:"payload"`
	TimeoutSec    int             `json:"timeoutSec"`
	RequestedBy   string          `json:"requestedBy"`
}

// EnqueueResponse is returned once the command is durably accepted.
type EnqueueResponse struct {
	CommandID   string          `json:"commandId"`
	Status      commands.Status `json:"status"`
	RequestedAt time.Time       `json:"requestedAt"`
}

// CommandStore is the persistence surface the service needs.
type CommandStore interface {
	CreateWithOutbox(ctx context.Context, cmd *commands.Command, outbox *commands.Outbox, event *commands.CommandEvent) error
	GetByID(ctx context.Context, id string) (*commands.Command, error)
	ListByChargePoint(ctx context.Context, chargePointID string, from, to time.Time) ([]commands.Command, error)
	MarkTimeoutBefore(ctx context.Context, now time.Time, defaultTimeoutSec int) (int, error)
}

// EventStore provides read access to the command event history.
type EventStore interface {
	ListByCommand(ctx context.Context, commandID string) ([]commands.CommandEvent, error)
}

// ErrNotFound is returned when a command id is unknown.
var ErrNotFound = errors.New("commands: not found")

// Service handles command submission and queries. Submission is the
// sole write path that originates a command; it never touches the bus.
type Service struct {
	store  CommandStore
	events EventStore
}

// NewService constructs a command service.
func NewService(store CommandStore, events EventStore) (*Service, error) {
	if store == nil {
		return nil, errors.New("commands: nil store")
	}
	if events == nil {
		return nil, errors.New("commands: nil event store")
	}
	return &Service{store: store, events: events}, nil
}

// Enqueue durably creates the command, its outbox row and the initial
// Queued event in one transaction, then returns immediately. Delivery
// happens asynchronously; later failures surface only through polling
// or the event history.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest) (*EnqueueResponse, error) {
	if err := validateEnqueue(req); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	cmd := &commands.Command{
		CommandID:     uuid.NewString(),
		StationID:     req.StationID,
		ChargePointID: req.ChargePointID,
		ConnectorID:   req.ConnectorID,
		CommandType:   req.CommandType,
		Payload:       req.Payload,
		TimeoutSec:    req.TimeoutSec,
		Status:        commands.StatusQueued,
		RequestedBy:   req.RequestedBy,
		RequestedAt:   now,
	}
	outbox := &commands.Outbox{
		OutboxID:  uuid.NewString(),
		CommandID: cmd.CommandID,
		Status:    commands.OutboxQueued,
		UpdatedAt: now,
	}
	event := &commands.CommandEvent{
		EventID:    uuid.NewString(),
		CommandID:  cmd.CommandID,
		Status:     string(commands.StatusQueued),
		Payload:    req.Payload,
		OccurredAt: now,
	}

	if err := s.store.CreateWithOutbox(ctx, cmd, outbox, event); err != nil {
		return nil, err
	}
	metrics.IncCommandEnqueued()

	return &EnqueueResponse{
		CommandID:   cmd.CommandID,
		Status:      commands.StatusQueued,
		RequestedAt: now,
	}, nil
}

// GetCommand fetches a command by id.
func (s *Service) GetCommand(ctx context.Context, id string) (*commands.Command, error) {
	if id == "" {
		return nil, errors.New("commands: command id required")
	}
	cmd, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// ListCommands returns commands for a charge point in a time range.
func (s *Service) ListCommands(ctx context.Context, chargePointID string, from, to time.Time) ([]commands.Command, error) {
	if chargePointID == "" {
		return nil, errors.New("commands: charge point id required")
	}
	return s.store.ListByChargePoint(ctx, chargePointID, from.UTC(), to.UTC())
}

// CommandHistory returns the event trail of a command.
func (s *Service) CommandHistory(ctx context.Context, commandID string) ([]commands.CommandEvent, error) {
	if commandID == "" {
		return nil, errors.New("commands: command id required")
	}
	return s.events.ListByCommand(ctx, commandID)
}

// MarkTimeouts sweeps commands stuck past their timeout into Timeout.
func (s *Service) MarkTimeouts(ctx context.Context, now time.Time, defaultTimeoutSec int) (int, error) {
	count, err := s.store.MarkTimeoutBefore(ctx, now, defaultTimeoutSec)
	if err != nil {
		return count, err
	}
	metrics.AddCommandTimeouts(count)
	return count, nil
}

func validateEnqueue(req EnqueueRequest) error {
	if req.ChargePointID == "" && req.StationID == "" {
		return errors.New("commands: chargePointId or stationId required")
	}
	if req.CommandType == "" {
		return errors.New("commands: commandType required")
	}
	if len(req.Payload) > 0 && !json.Valid(req.Payload) {
		return errors.New("commands: invalid payload")
	}
	if req.TimeoutSec < 0 {
		return errors.New("commands: timeoutSec must not be negative")
	}
	return nil
}
