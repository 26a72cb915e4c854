// Package ratelimit paces outgoing search API requests. It combines a steady
// token bucket with server-directed cool-downs taken from 429 Retry-After
// headers, so a rejected burst also holds back the requests that follow it.
package ratelimit

import (
	"time"
)

// Defaults for request pacing.
const (
	// DefaultRequestsPerSecond keeps the collector well below public API quotas.
	DefaultRequestsPerSecond = 5.0

	// DefaultBurst allows no bursting; requests are strictly sequential anyway.
	DefaultBurst = 1
)

// State is a snapshot of the limiter.
type State struct {
	// RequestsPerSecond is the steady request rate.
	RequestsPerSecond float64 `json:"requests_per_second"`

	// Burst is the token bucket size.
	Burst int `json:"burst"`

	// CooldownUntil is when the last server-directed pause ends.
	CooldownUntil time.Time `json:"cooldown_until"`

	// Cooldowns counts server-directed pauses since the limiter was created.
	Cooldowns int `json:"cooldowns"`
}

// IsCoolingDown returns true if a server-directed pause is still active.
func (s State) IsCoolingDown() bool {
	return time.Now().Before(s.CooldownUntil)
}

// TimeUntilResume returns the remaining pause.
// Returns 0 if no pause is active.
func (s State) TimeUntilResume() time.Duration {
	d := time.Until(s.CooldownUntil)
	if d < 0 {
		return 0
	}
	return d
}
