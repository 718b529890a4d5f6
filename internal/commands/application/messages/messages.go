package messages

import (
	"encoding/json"
	"time"
)

// CommandRequest is the wire message published to the command-requests
// topic, keyed by the resolved device identifier.
type CommandRequest struct {
	CommandID     string          `json:"commandId"`
	CommandType   string          `json:"commandType"`
	StationID     string          `json:"stationId,omitempty"`
	ChargePointID string          `json:"chargePointId"`
	ConnectorID   int             `json:"connectorId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	RequestedBy   string          `json:"requestedBy,omitempty"`
	RequestedAt   time.Time       `json:"requestedAt"`
}

// DeadLetter is the best-effort notification published when an outbox
// row exhausts its retry budget.
type DeadLetter struct {
	OutboxID   string    `json:"outboxId"`
	CommandID  string    `json:"commandId"`
	Attempts   int       `json:"attempts"`
	Error      string    `json:"error"`
	OccurredAt time.Time `json:"occurredAt"`
}

// InboundEvent is an acknowledgment event consumed from the
// command-events topic. CorrelationID carries the command id. OccurredAt
// is free-form; unparseable values fall back to the receive time.
type InboundEvent struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	CorrelationID string          `json:"correlationId"`
	OccurredAt    string          `json:"occurredAt"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// ErrorDetail extracts a human-readable error from an inbound event
// payload, preferring "error" over "reason". Empty when neither is set.
func (e InboundEvent) ErrorDetail() string {
	if len(e.Payload) == 0 {
		return ""
	}
	var detail struct {
		Error  string `json:"error"`
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(e.Payload, &detail); err != nil {
		return ""
	}
	if detail.Error != "" {
		return detail.Error
	}
	return detail.Reason
}

// ParsedOccurredAt parses OccurredAt as RFC3339, falling back to the
// given default when missing or unparseable.
func (e InboundEvent) ParsedOccurredAt(fallback time.Time) time.Time {
	if e.OccurredAt == "" {
		return fallback
	}
	parsed, err := time.Parse(time.RFC3339Nano, e.OccurredAt)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, e.OccurredAt)
	}
	if err != nil {
		return fallback
	}
	return parsed.UTC()
}
