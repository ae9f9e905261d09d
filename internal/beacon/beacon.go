// Package beacon defines the scanner capability the presence machine
// polls, and the bridge that feeds it from an external BLE relay.
package beacon

import (
	"context"
	"time"
)

// Sighting is one observation of a beacon during a scan window.
type Sighting struct {
	Identifier string    `json:"identifier"` // MAC or UUID as configured
	RSSI       int       `json:"rssi"`       // dBm, negative
	ObservedAt time.Time `json:"-"`
}

// Scanner yields the sightings observed since the previous poll. An empty
// slice with a nil error is a valid result and means nothing was seen.
type Scanner interface {
	Poll(ctx context.Context) ([]Sighting, error)
}
