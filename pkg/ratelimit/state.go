// Package ratelimit tracks the request budget the orders API advertises
// via X-RateLimit-Remaining and X-RateLimit-Reset response headers.
//
// The tracker is observational only: the budget is logged and exported as
// metrics but never used to throttle or block requests.
package ratelimit

import (
	"time"
)

// Thresholds for classifying the remaining budget in logs and metrics.
const (
	// RemainingCritical marks a budget about to be exhausted.
	RemainingCritical = 5

	// RemainingWarning marks a budget that deserves attention.
	RemainingWarning = 20

	// RemainingHealthy indicates normal operation.
	RemainingHealthy = 50
)

// State is the most recently observed rate-limit budget.
type State struct {
	// Remaining is the number of requests left in the current window,
	// from X-RateLimit-Remaining. Negative until first observed.
	Remaining int `json:"remaining"`

	// ResetAt is when the window resets, derived from X-RateLimit-Reset
	// (seconds until reset).
	ResetAt time.Time `json:"reset_at"`

	// LastUpdate is when the state was last observed.
	LastUpdate time.Time `json:"last_update"`

	// IsHealthy is true when Remaining is at or above RemainingHealthy.
	IsHealthy bool `json:"is_healthy"`
}

// Observed reports whether any budget header has been seen yet.
func (s *State) Observed() bool {
	return !s.LastUpdate.IsZero()
}

// IsCritical reports a budget below the critical threshold.
func (s *State) IsCritical() bool {
	return s.Observed() && s.Remaining < RemainingCritical
}

// IsWarning reports a budget below the warning threshold but not critical.
func (s *State) IsWarning() bool {
	return s.Observed() && s.Remaining < RemainingWarning && !s.IsCritical()
}

// TimeUntilReset returns the duration until the window resets, or 0 if
// the reset time has passed.
func (s *State) TimeUntilReset() time.Duration {
	d := time.Until(s.ResetAt)
	if d < 0 {
		return 0
	}
	return d
}

// UpdateHealth recomputes IsHealthy from Remaining.
func (s *State) UpdateHealth() {
	s.IsHealthy = s.Remaining >= RemainingHealthy
}
