package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

// EventRepository is a Postgres implementation for the append-only
// command event log.
type EventRepository struct {
	db *sql.DB
}

// NewEventRepository constructs a repository.
func NewEventRepository(db *sql.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append writes an event row. Rows are never updated or deleted; a
// replay of the identical (command, status, occurredAt) triple is a
// silent no-op.
func (r *EventRepository) Append(ctx context.Context, event *commands.CommandEvent) error {
	if r == nil || r.db == nil {
		return errors.New("event repo: nil db")
	}
	if event == nil {
		return errors.New("event repo: nil event")
	}
	return insertEvent(ctx, r.db, event)
}

// Exists reports whether the (command, status, occurredAt) triple was
// already recorded.
func (r *EventRepository) Exists(ctx context.Context, commandID, status string, occurredAt time.Time) (bool, error) {
	if r == nil || r.db == nil {
		return false, errors.New("event repo: nil db")
	}
	var exists bool
	err := r.db.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM command_events
	WHERE command_id = $1 AND status = $2 AND occurred_at = $3
)`, commandID, status, occurredAt).Scan(&exists)
	return exists, err
}

// ListByCommand returns the event history of a command ordered by
// occurrence.
func (r *EventRepository) ListByCommand(ctx context.Context, commandID string) ([]commands.CommandEvent, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("event repo: nil db")
	}
	if commandID == "" {
		return nil, errors.New("event repo: empty command id")
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT event_id, command_id, status, payload, occurred_at
FROM command_events
WHERE command_id = $1
ORDER BY occurred_at ASC, event_id ASC`, commandID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.CommandEvent
	for rows.Next() {
		var event commands.CommandEvent
		var payload []byte
		if err := rows.Scan(&event.EventID, &event.CommandID, &event.Status, &payload, &event.OccurredAt); err != nil {
			return nil, err
		}
		event.Payload = payload
		event.OccurredAt = event.OccurredAt.UTC()
		result = append(result, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEvent(ctx context.Context, db execer, event *commands.CommandEvent) error {
	if event.CommandID == "" || event.Status == "" {
		return errors.New("event repo: incomplete event")
	}
	eventID := event.EventID
	if eventID == "" {
		eventID = uuid.NewString()
		event.EventID = eventID
	}
	payload := event.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	occurredAt := event.OccurredAt
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
		event.OccurredAt = occurredAt
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO command_events (event_id, command_id, status, payload, occurred_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (command_id, status, occurred_at)
DO NOTHING`, eventID, event.CommandID, event.Status, payload, occurredAt)
	return err
}
