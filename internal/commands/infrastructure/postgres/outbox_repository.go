package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

// OutboxRepository is a Postgres implementation for command outbox rows.
//
// Claiming uses a conditional update instead of SELECT ... FOR UPDATE
// SKIP LOCKED so N publisher instances can race the same row and at most
// one wins per cycle.
type OutboxRepository struct {
	db *sql.DB
}

// NewOutboxRepository constructs a repository.
func NewOutboxRepository(db *sql.DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// ClaimBatch selects reclaimable Queued rows and attempts an optimistic
// claim on each: the update succeeds only if the row's lock state still
// matches what was read. attempts increments on every claim attempt,
// win or lose, so contention still consumes the retry budget. Returns
// only the rows this instance won.
func (r *OutboxRepository) ClaimBatch(ctx context.Context, batchSize int, lockTTL, retryBackoff time.Duration) ([]commands.Outbox, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("outbox repo: nil db")
	}
	if batchSize <= 0 {
		batchSize = 20
	}
	now := time.Now().UTC()

	rows, err := r.db.QueryContext(ctx, `
SELECT outbox_id, command_id, attempts, locked_at, last_error, updated_at
FROM command_outbox
WHERE status = $1
  AND (locked_at IS NULL OR locked_at < $2)
  AND (attempts = 0 OR updated_at < $3)
ORDER BY updated_at ASC
LIMIT $4`, commands.OutboxQueued, now.Add(-lockTTL), now.Add(-retryBackoff), batchSize)
	if err != nil {
		return nil, err
	}

	type candidate struct {
		outbox   commands.Outbox
		lockedAt sql.NullTime
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		var lastError sql.NullString
		if err := rows.Scan(&c.outbox.OutboxID, &c.outbox.CommandID, &c.outbox.Attempts, &c.lockedAt, &lastError, &c.outbox.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		if lastError.Valid {
			c.outbox.LastError = lastError.String
		}
		candidates = append(candidates, c)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var claimed []commands.Outbox
	for _, c := range candidates {
		result, err := r.db.ExecContext(ctx, `
UPDATE command_outbox
SET locked_at = $1, attempts = attempts + 1, updated_at = $1
WHERE outbox_id = $2
  AND status = $3
  AND locked_at IS NOT DISTINCT FROM $4`, now, c.outbox.OutboxID, commands.OutboxQueued, c.lockedAt)
		if err != nil {
			return claimed, err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return claimed, err
		}
		if affected == 0 {
			// Lost the race; the attempt still counts against the budget.
			_, _ = r.db.ExecContext(ctx, `
UPDATE command_outbox
SET attempts = attempts + 1
WHERE outbox_id = $1 AND status = $2`, c.outbox.OutboxID, commands.OutboxQueued)
			continue
		}
		won := c.outbox
		won.Status = commands.OutboxQueued
		won.Attempts++
		won.LockedAt = now
		won.UpdatedAt = now
		claimed = append(claimed, won)
	}
	return claimed, nil
}

// MarkPublished atomically records a successful bus publish: the outbox
// row becomes Published with the lock and last error cleared, the
// command moves to Sent (unless an acknowledgment already advanced it)
// and a Sent event is appended.
func (r *OutboxRepository) MarkPublished(ctx context.Context, outboxID, commandID string, wirePayload json.RawMessage, publishedAt time.Time) error {
	if r == nil || r.db == nil {
		return errors.New("outbox repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
UPDATE command_outbox
SET status = $1, published_at = $2, locked_at = NULL, last_error = '', updated_at = $2
WHERE outbox_id = $3`, commands.OutboxPublished, publishedAt, outboxID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, sent_at = $2
WHERE command_id = $3 AND status = $4`, commands.StatusSent, publishedAt, commandID, commands.StatusQueued); err != nil {
		return err
	}

	event := &commands.CommandEvent{
		CommandID:  commandID,
		Status:     string(commands.StatusSent),
		Payload:    wirePayload,
		OccurredAt: publishedAt,
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// ScheduleRetry returns the row to Queued with the lock cleared so it
// becomes claimable again after the backoff, and records the failure in
// the event history.
func (r *OutboxRepository) ScheduleRetry(ctx context.Context, outboxID, commandID, lastError string) error {
	if r == nil || r.db == nil {
		return errors.New("outbox repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE command_outbox
SET locked_at = NULL, last_error = $1, updated_at = $2
WHERE outbox_id = $3 AND status = $4`, lastError, now, outboxID, commands.OutboxQueued); err != nil {
		return err
	}

	payload, _ := json.Marshal(map[string]string{"error": lastError})
	event := &commands.CommandEvent{
		CommandID:  commandID,
		Status:     commands.EventRetryScheduled,
		Payload:    payload,
		OccurredAt: now,
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDeadLettered terminates a row whose budget is exhausted (or whose
// failure is structural): the outbox row becomes DeadLettered, the
// command fails with completedAt set unless already terminal, and a
// DeadLettered event is appended. All in one transaction.
func (r *OutboxRepository) MarkDeadLettered(ctx context.Context, outboxID, commandID, lastError string, notice json.RawMessage) error {
	if r == nil || r.db == nil {
		return errors.New("outbox repo: nil db")
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	if _, err := tx.ExecContext(ctx, `
UPDATE command_outbox
SET status = $1, locked_at = NULL, last_error = $2, updated_at = $3
WHERE outbox_id = $4`, commands.OutboxDeadLettered, lastError, now, outboxID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE commands
SET status = $1, error = $2, completed_at = $3
WHERE command_id = $4 AND status IN ($5, $6, $7)`,
		commands.StatusFailed, lastError, now, commandID,
		commands.StatusQueued, commands.StatusSent, commands.StatusDispatched); err != nil {
		return err
	}

	event := &commands.CommandEvent{
		CommandID:  commandID,
		Status:     commands.EventDeadLettered,
		Payload:    notice,
		OccurredAt: now,
	}
	if err := insertEvent(ctx, tx, event); err != nil {
		return err
	}
	return tx.Commit()
}

// GetByID fetches an outbox row by id.
func (r *OutboxRepository) GetByID(ctx context.Context, outboxID string) (*commands.Outbox, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("outbox repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, selectOutbox+`
WHERE outbox_id = $1
LIMIT 1`, outboxID)
	return scanOutbox(row)
}

// GetByCommandID fetches the outbox row belonging to a command.
func (r *OutboxRepository) GetByCommandID(ctx context.Context, commandID string) (*commands.Outbox, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("outbox repo: nil db")
	}
	row := r.db.QueryRowContext(ctx, selectOutbox+`
WHERE command_id = $1
LIMIT 1`, commandID)
	return scanOutbox(row)
}

// ListDeadLettered returns dead-lettered rows, newest first, for
// operator inspection.
func (r *OutboxRepository) ListDeadLettered(ctx context.Context, limit int) ([]commands.Outbox, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("outbox repo: nil db")
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.QueryContext(ctx, selectOutbox+`
WHERE status = $1
ORDER BY updated_at DESC
LIMIT $2`, commands.OutboxDeadLettered, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []commands.Outbox
	for rows.Next() {
		row, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

const selectOutbox = `
SELECT outbox_id, command_id, status, attempts, locked_at, published_at, last_error, updated_at
FROM command_outbox`

func scanOutbox(row rowScanner) (*commands.Outbox, error) {
	var outbox commands.Outbox
	var lockedAt sql.NullTime
	var publishedAt sql.NullTime
	var lastError sql.NullString
	if err := row.Scan(
		&outbox.OutboxID,
		&outbox.CommandID,
		&outbox.Status,
		&outbox.Attempts,
		&lockedAt,
		&publishedAt,
		&lastError,
		&outbox.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lockedAt.Valid {
		outbox.LockedAt = lockedAt.Time.UTC()
	}
	if publishedAt.Valid {
		outbox.PublishedAt = publishedAt.Time.UTC()
	}
	if lastError.Valid {
		outbox.LastError = lastError.String
	}
	outbox.UpdatedAt = outbox.UpdatedAt.UTC()
	return &outbox, nil
}
