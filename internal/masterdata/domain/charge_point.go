package masterdata

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no charge point matches the identifier.
var ErrNotFound = errors.New("masterdata: charge point not found")

// ChargePoint is the registry entry for a network-edge device. Address
// is the routable identity the message bus partitions on.
type ChargePoint struct {
	ChargePointID string
	StationID     string
	Name          string
	Address       string
	Enabled       bool
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
