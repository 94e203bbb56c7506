// Package lease provides per-station dispatch leases. A lease is held by one
// holder until it is released or its TTL runs out.
package lease

import (
	"context"
	"time"
)

// Leaser grants exclusive, expiring leases on string keys.
type Leaser interface {
	// Acquire takes the lease for holder. It returns false if another holder
	// has a live lease. Re-acquiring by the current holder extends the TTL.
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	// Release drops the lease if holder still owns it.
	Release(ctx context.Context, key, holder string) error
	// Holder returns the current holder, or "" if the key is free.
	Holder(ctx context.Context, key string) (string, error)
}

// StationKey is the lease key guarding dispatch to one station.
func StationKey(stationID string) string {
	return "ochra:station:" + stationID + ":lease"
}
