package session

import "time"

// State classifies a refresh token record for rotation decisions.
type State string

const (
	// StateActive means the record was created and never consumed.
	StateActive State = "active"
	// StateUsedWithinGrace means the record was consumed recently enough that
	// a duplicate presentation is treated as a benign client retry.
	StateUsedWithinGrace State = "used_within_grace"
	// StateInvalidated is terminal: the record expired, or was consumed
	// outside the grace window. Presenting it signals reuse.
	StateInvalidated State = "invalidated"
)

// Record is a persisted refresh token. A principal may own any number of
// records concurrently; each one is an independent session.
type Record struct {
	ID         string
	TokenValue string
	OwnerID    int64
	CreatedAt  time.Time
	ExpiresAt  time.Time
	IPAddress  string
	UserAgent  string
	Used       bool
	UsedAt     *time.Time
}

// StateAt reports the record's rotation state at the given instant.
func (r *Record) StateAt(now time.Time, grace time.Duration) State {
	if now.After(r.ExpiresAt) {
		return StateInvalidated
	}
	if !r.Used {
		return StateActive
	}
	if r.UsedAt != nil && now.Sub(*r.UsedAt) <= grace {
		return StateUsedWithinGrace
	}
	return StateInvalidated
}
