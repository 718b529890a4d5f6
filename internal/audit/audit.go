// Package audit records who did what to which resource.
package audit

import (
	"context"
	"encoding/json"
	"time"
)

// Entry represents an audit log entry.
type Entry struct {
	Actor        string
	Role         string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     json.RawMessage
	IP           string
	UserAgent    string
	CreatedAt    time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// Actions recorded by the command API.
const (
	ActionCommandEnqueued   = "command.enqueued"
	ActionChargePointUpsert = "charge_point.upserted"
)
