package commands

// Status rank. Terminal states share the highest rank so that any
// late-arriving non-terminal transition is rejected.
var statusRank = map[Status]int{
	StatusQueued:     0,
	StatusSent:       1,
	StatusDispatched: 2,
	StatusAccepted:   3,
	StatusRejected:   3,
	StatusFailed:     3,
	StatusTimeout:    3,
	StatusDuplicate:  3,
}

// Rank returns the ordering rank of a status; unknown statuses rank -1.
func Rank(status Status) int {
	rank, ok := statusRank[status]
	if !ok {
		return -1
	}
	return rank
}

// IsTerminal reports whether a status is a terminal outcome.
func IsTerminal(status Status) bool {
	return statusRank[status] == 3
}

// ResolveNextStatus decides whether a command may move from current to
// candidate. ok=false means the transition must be dropped. The rules
// tolerate duplicated and reordered acknowledgments:
//   - an unrecognized current status yields the candidate (defensive default)
//   - current == candidate yields the candidate; the caller treats the
//     repeat as a duplicate
//   - a terminal current status rejects everything
//   - a candidate of lower rank than current is rejected (forward-only)
func ResolveNextStatus(current, candidate Status) (Status, bool) {
	currentRank, known := statusRank[current]
	if !known {
		return candidate, true
	}
	if current == candidate {
		return candidate, true
	}
	if IsTerminal(current) {
		return current, false
	}
	if Rank(candidate) < currentRank {
		return current, false
	}
	return candidate, true
}

var eventTypeStatus = map[string]Status{
	"CommandRouted":     StatusSent,
	"CommandDispatched": StatusDispatched,
	"CommandAccepted":   StatusAccepted,
	"CommandRejected":   StatusRejected,
	"CommandFailed":     StatusFailed,
	"CommandTimeout":    StatusTimeout,
	"CommandDuplicate":  StatusDuplicate,
}

// StatusForEventType maps an inbound acknowledgment event type to the
// command status it implies. ok=false means the event type carries no
// status mapping and must be silently ignored by the caller.
func StatusForEventType(eventType string) (Status, bool) {
	status, ok := eventTypeStatus[eventType]
	return status, ok
}

// ApplyOutcome classifies the result of applying an inbound status to
// a stored command.
type ApplyOutcome int

const (
	// ApplyApplied means the command row was updated and an event appended.
	ApplyApplied ApplyOutcome = iota
	// ApplyNotFound means no command exists for the correlation id.
	ApplyNotFound
	// ApplyDuplicate means the event was already recorded (or the command
	// already sits terminal at the same status); nothing changed.
	ApplyDuplicate
	// ApplyStale means the transition was rejected as out-of-order or
	// past-terminal; nothing changed.
	ApplyStale
)
