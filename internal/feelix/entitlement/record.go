// Package entitlement tracks each user's access tier and usage window:
// premium expiry, the one-time free trial, the rolling daily character
// budget, and the activity timestamps the inactivity sweep relies on.
package entitlement

import (
	"fmt"
	"time"
)

// Window is a usage window that ends at ResetAt. The zero Window is unset
// and counts as expired.
type Window struct {
	ResetAt time.Time
}

// OpenWindow starts a window of length d at now.
func OpenWindow(now time.Time, d time.Duration) Window {
	return Window{ResetAt: now.Add(d)}
}

// Expired reports whether the window is unset or now is past ResetAt.
func (w Window) Expired(now time.Time) bool {
	return w.ResetAt.IsZero() || now.After(w.ResetAt)
}

// Remaining is the time left until ResetAt, or zero once expired.
func (w Window) Remaining(now time.Time) time.Duration {
	if w.Expired(now) {
		return 0
	}
	return w.ResetAt.Sub(now)
}

// Usage is the character counter of the current window.
type Usage struct {
	Chars  int
	Window Window
}

// Gender is the onboarding answer.
type Gender string

const (
	GenderUnset       Gender = ""
	GenderMale        Gender = "male"
	GenderFemale      Gender = "female"
	GenderUndisclosed Gender = "undisclosed"
)

// ParseGender validates a stored gender value.
func ParseGender(s string) (Gender, error) {
	switch g := Gender(s); g {
	case GenderUnset, GenderMale, GenderFemale, GenderUndisclosed:
		return g, nil
	}
	return GenderUnset, fmt.Errorf("entitlement: unknown gender %q", s)
}

// Record is one user's entitlement state.
type Record struct {
	UserID        int64
	Username      string
	Gender        Gender
	PremiumUntil  time.Time
	FreeTrialUsed bool
	Usage         Usage
	LastActiveAt  time.Time
	NudgedAt      time.Time
	SweepExcluded bool
	CreatedAt     time.Time
}

// IsPremium reports whether premium is active at now.
func (r Record) IsPremium(now time.Time) bool {
	return !r.PremiumUntil.IsZero() && now.Before(r.PremiumUntil)
}

// LockedOut reports whether the daily budget is exhausted inside a live
// window. A budget of zero or less disables the lockout.
func (r Record) LockedOut(now time.Time, budget int) bool {
	return budget > 0 && !r.Usage.Window.Expired(now) && r.Usage.Chars >= budget
}

// normalize applies the lazy expiry rules and reports whether anything
// changed.
func (r *Record) normalize(now time.Time) bool {
	changed := false
	if !r.PremiumUntil.IsZero() && !now.Before(r.PremiumUntil) {
		r.PremiumUntil = time.Time{}
		changed = true
	}
	if !r.Usage.Window.ResetAt.IsZero() && r.Usage.Window.Expired(now) {
		r.Usage = Usage{}
		changed = true
	}
	return changed
}
