package commands

import (
	"encoding/json"
	"time"
)

// Status is the lifecycle state of a command.
type Status string

const (
	StatusQueued     Status = "Queued"
	StatusSent       Status = "Sent"
	StatusDispatched Status = "Dispatched"
	StatusAccepted   Status = "Accepted"
	StatusRejected   Status = "Rejected"
	StatusFailed     Status = "Failed"
	StatusTimeout    Status = "Timeout"
	StatusDuplicate  Status = "Duplicate"
)

// Command represents a control command addressed to a charge point.
type Command struct {
	CommandID     string
	StationID     string
	ChargePointID string
	ConnectorID   int
	CommandType   string
	Payload       json.RawMessage
	TimeoutSec    int
	Status        Status
	RequestedBy   string
	RequestedAt   time.Time
	SentAt        time.Time
	CompletedAt   time.Time
	Error         string
}

// OutboxStatus is the delivery state of an outbox row.
type OutboxStatus string

const (
	OutboxQueued       OutboxStatus = "Queued"
	OutboxPublished    OutboxStatus = "Published"
	OutboxFailed       OutboxStatus = "Failed"
	OutboxDeadLettered OutboxStatus = "DeadLettered"
)

// Outbox is the durable publish intent created alongside a command.
// A Queued row whose lock is older than the lock TTL is reclaimable by
// any publisher instance; attempts only increases.
type Outbox struct {
	OutboxID    string
	CommandID   string
	Status      OutboxStatus
	Attempts    int
	LockedAt    time.Time
	PublishedAt time.Time
	LastError   string
	UpdatedAt   time.Time
}

// CommandEvent is one append-only row per observed transition or
// notable occurrence. Rows are immutable once written and double as the
// duplicate-detection index for inbound acknowledgments.
type CommandEvent struct {
	EventID    string
	CommandID  string
	Status     string
	Payload    json.RawMessage
	OccurredAt time.Time
}

// Occurrences recorded in the event history that are not command statuses.
const (
	EventRetryScheduled = "RetryScheduled"
	EventDeadLettered   = "DeadLettered"
)
