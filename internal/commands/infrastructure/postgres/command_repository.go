package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

// CommandRepository is a Postgres implementation for commands.
type CommandRepository struct {
	db *sql.DB
}

// NewCommandRepository constructs a repository.
func NewCommandRepository(db *sql.DB) *CommandRepository {
	return &CommandRepository{db: db}
}

// CreateWithOutbox atomically inserts the command, its outbox row and the
// initial Queued event. This is the sole write path that originates a
// command.
func (r *CommandRepository) CreateWithOutbox(ctx context.Context, cmd *commands.Command, outbox *commands.Outbox, event *commands.CommandEvent) error {
	if r == nil || r.db == nil {
		return errors.New("command repo: nil db")
	}
	if cmd == nil || outbox == nil || event == nil {
		return errors.New("command repo: nil record")
	}
	payload := cmd.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	if !json.Valid(payload) {
		return errors.New("command repo: invalid payload")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
INSERT INTO commands (
	command_id, station_id, charge_point_id, connector_id, command_type, payload,
	timeout_sec, status, requested_by, requested_at
) VALUES (
	$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
)`, cmd.CommandID, cmd.StationID, cmd.ChargePointID, cmd.ConnectorID, cmd.CommandType, payload,
		cmd.TimeoutSec, cmd.Status, cmd.RequestedBy, cmd.RequestedAt); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO command_outbox (
	outbox_id, command_id, status, attempts, last_error, updated_at
) VALUES (
	$1, $2, $3, 0, '', $4
)`, outbox.OutboxID, outbox.CommandID, outbox.Status, cmd.RequestedAt); err != nil {
		return err
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID fetches a command by id.
func (r *CommandRepository) GetByID(ctx context.Context, id string) (*commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	if id == "" {
		return nil, errors.New("command repo: empty id")
	}
	row := r.db.QueryRowContext(ctx, selectCommand+`
WHERE command_id = $1
LIMIT 1`, id)
	return scanCommand(row)
}

// ListByChargePoint lists commands for a charge point in a time range.
func (r *CommandRepository) ListByChargePoint(ctx context.Context, chargePointID string, from, to time.Time) ([]commands.Command, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("command repo: nil db")
	}
	rows, err := r.db.QueryContext(ctx, selectCommand+`
WHERE charge_point_id = $1 AND requested_at >= $2 AND requested_at < $3
ORDER BY requested_at ASC`, chargePointID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *cmd)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// ApplyStatus advances a command to the status implied by an inbound
// acknowledgment inside one transaction: load, duplicate check, resolve,
// update, append event. The command row is locked for the duration so
// concurrent redeliveries serialize.
func (r *CommandRepository) ApplyStatus(ctx context.Context, commandID string, candidate commands.Status, event *commands.CommandEvent, errDetail string) (commands.ApplyOutcome, *commands.Command, error) {
	if r == nil || r.db == nil {
		return commands.ApplyStale, nil, errors.New("command repo: nil db")
	}
	if commandID == "" || event == nil {
		return commands.ApplyStale, nil, errors.New("command repo: invalid apply arguments")
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return commands.ApplyStale, nil, err
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, selectCommand+`
WHERE command_id = $1
FOR UPDATE`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		return commands.ApplyStale, nil, err
	}
	if cmd == nil {
		return commands.ApplyNotFound, nil, nil
	}

	if cmd.Status == candidate && commands.IsTerminal(cmd.Status) {
		return commands.ApplyDuplicate, cmd, tx.Commit()
	}

	var seen bool
	if err := tx.QueryRowContext(ctx, `
SELECT EXISTS (
	SELECT 1 FROM command_events
	WHERE command_id = $1 AND status = $2 AND occurred_at = $3
)`, commandID, string(candidate), event.OccurredAt).Scan(&seen); err != nil {
		return commands.ApplyStale, nil, err
	}
	if seen {
		return commands.ApplyDuplicate, cmd, tx.Commit()
	}

	next, ok := commands.ResolveNextStatus(cmd.Status, candidate)
	if !ok {
		return commands.ApplyStale, cmd, tx.Commit()
	}

	sentAt := cmd.SentAt
	if next == commands.StatusSent && sentAt.IsZero() {
		sentAt = event.OccurredAt
	}
	completedAt := cmd.CompletedAt
	if commands.IsTerminal(next) && completedAt.IsZero() {
		completedAt = event.OccurredAt
	}
	errMsg := cmd.Error
	switch {
	case next == commands.StatusAccepted:
		errMsg = ""
	case errDetail != "":
		errMsg = errDetail
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, sent_at = $2, completed_at = $3, error = $4
WHERE command_id = $5`, next, nullTime(sentAt), nullTime(completedAt), errMsg, commandID); err != nil {
		return commands.ApplyStale, nil, err
	}

	if err := insertEvent(ctx, tx, event); err != nil {
		return commands.ApplyStale, nil, err
	}
	if err := tx.Commit(); err != nil {
		return commands.ApplyStale, nil, err
	}

	cmd.Status = next
	cmd.SentAt = sentAt
	cmd.CompletedAt = completedAt
	cmd.Error = errMsg
	return commands.ApplyApplied, cmd, nil
}

// MarkTimeoutBefore sweeps commands stuck in Sent or Dispatched past
// their timeout into Timeout, honoring per-command timeout_sec with the
// given default. The clock runs from sent_at, falling back to
// requested_at when an inbound event advanced the status before the
// publisher recorded sent_at. Returns the number of commands swept.
func (r *CommandRepository) MarkTimeoutBefore(ctx context.Context, now time.Time, defaultTimeoutSec int) (int, error) {
	if r == nil || r.db == nil {
		return 0, errors.New("command repo: nil db")
	}
	if defaultTimeoutSec <= 0 {
		defaultTimeoutSec = 300
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
UPDATE commands
SET status = $1, error = 'timeout', completed_at = $2
WHERE status IN ($3, $4)
  AND COALESCE(sent_at, requested_at) + make_interval(secs => (CASE WHEN timeout_sec > 0 THEN timeout_sec ELSE $5 END)) < $2
RETURNING command_id`,
		commands.StatusTimeout, now, commands.StatusSent, commands.StatusDispatched, defaultTimeoutSec)
	if err != nil {
		return 0, err
	}
	var swept []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		swept = append(swept, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, id := range swept {
		event := &commands.CommandEvent{
			CommandID:  id,
			Status:     string(commands.StatusTimeout),
			Payload:    []byte(`{"reason":"timeout sweep"}`),
			OccurredAt: now,
		}
		if err := insertEvent(ctx, tx, event); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(swept), nil
}

const selectCommand = `
SELECT command_id, station_id, charge_point_id, connector_id, command_type, payload,
	timeout_sec, status, requested_by, requested_at, sent_at, completed_at, error
FROM commands`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCommand(row rowScanner) (*commands.Command, error) {
	var cmd commands.Command
	var payload []byte
	var sentAt sql.NullTime
	var completedAt sql.NullTime
	var errMsg sql.NullString
	if err := row.Scan(
		&cmd.CommandID,
		&cmd.StationID,
		&cmd.ChargePointID,
		&cmd.ConnectorID,
		&cmd.CommandType,
		&payload,
		&cmd.TimeoutSec,
		&cmd.Status,
		&cmd.RequestedBy,
		&cmd.RequestedAt,
		&sentAt,
		&completedAt,
		&errMsg,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cmd.Payload = payload
	cmd.RequestedAt = cmd.RequestedAt.UTC()
	if sentAt.Valid {
		cmd.SentAt = sentAt.Time.UTC()
	}
	if completedAt.Valid {
		cmd.CompletedAt = completedAt.Time.UTC()
	}
	if errMsg.Valid {
		cmd.Error = errMsg.String
	}
	return &cmd, nil
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
