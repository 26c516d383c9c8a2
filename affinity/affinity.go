package affinity

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Store.Get when no ownership record exists.
	ErrNotFound = errors.New("affinity: record not found")
	// ErrInvalidRecord is returned when a stored record cannot be decoded.
	ErrInvalidRecord = errors.New("affinity: invalid record")
)

// Record names the instance holding the live state of a session.
type Record struct {
	// OwnerID is regenerated on every process start, so a record whose
	// Address matches the local instance but whose OwnerID does not was
	// written before a restart.
	OwnerID string `json:"ownerId"`
	// Address is the externally routable base URL of the owner, for example
	// "http://10.0.0.7:8080".
	Address   string    `json:"address"`
	ClaimedAt time.Time `json:"claimedAt"`
}

// Store persists ownership records.
//
// Implementations must make GetOrClaim atomic across every process sharing the
// store: when two callers race on an absent session exactly one claim is
// stored and both callers observe it.
type Store interface {
	// GetOrClaim returns the existing record for sessionID, refreshing its
	// sliding expiration. If none exists, claim is invoked to build one which
	// is stored and returned with claimed set to true. claim is not invoked
	// when a record exists.
	GetOrClaim(ctx context.Context, sessionID string, claim func() Record) (rec Record, claimed bool, err error)

	// Get returns the record for sessionID or ErrNotFound.
	Get(ctx context.Context, sessionID string) (Record, error)

	// DeleteIfOwner removes the record only while it is still owned by
	// ownerID. It reports whether a record was removed.
	DeleteIfOwner(ctx context.Context, sessionID, ownerID string) (bool, error)

	// Delete removes the record unconditionally.
	Delete(ctx context.Context, sessionID string) error
}

// Expiration controls how long an ownership record lives. A record expires
// Sliding after it was last read or claimed, and never later than Absolute
// after it was claimed. A zero value disables that bound.
type Expiration struct {
	Sliding  time.Duration
	Absolute time.Duration
}

// DefaultExpiration mirrors the session metadata lifetime of the event store.
var DefaultExpiration = Expiration{
	Sliding:  time.Hour,
	Absolute: 24 * time.Hour,
}

// Deadline returns when a record claimed at claimedAt and last touched at
// touched expires, or the zero time when neither bound is set.
func (e Expiration) Deadline(claimedAt, touched time.Time) time.Time {
	var dl time.Time
	if e.Sliding > 0 {
		dl = touched.Add(e.Sliding)
	}
	if e.Absolute > 0 {
		abs := claimedAt.Add(e.Absolute)
		if dl.IsZero() || abs.Before(dl) {
			dl = abs
		}
	}
	return dl
}
