package entity

import "time"

// PendingDeletion is an outstanding GDPR erasure request. Only the hash of the
// emailed token is kept; the raw token never reaches storage.
type PendingDeletion struct {
	TokenHash string    `json:"tokenHash"`
	Email     string    `json:"email"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Expired reports whether the request is no longer actionable at now.
func (p PendingDeletion) Expired(now time.Time) bool {
	return !p.ExpiresAt.After(now)
}
