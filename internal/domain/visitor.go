// Package domain contains core domain types for the agency site.
package domain

import (
	"time"
)

// Visitor is an anonymous site visitor identified by a long-lived cookie.
type Visitor struct {
	VisitorID  string    `json:"visitor_id"`
	Handle     string    `json:"handle"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IdleFor returns how long the visitor has been away, never negative.
func (v *Visitor) IdleFor(now time.Time) time.Duration {
	d := now.Sub(v.LastSeenAt)
	if d < 0 {
		return 0
	}
	return d
}
