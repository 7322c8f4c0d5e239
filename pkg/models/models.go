package models

import "time"

// UnlimitedUses is the sentinel stored in UsesRemaining for plans
// without a metered credit balance.
const UnlimitedUses = -1

// PlanKind is the subscription tier of a user.
type PlanKind string

const (
	PlanFree      PlanKind = "free"
	PlanStarter   PlanKind = "starter"
	PlanPro       PlanKind = "pro"
	PlanUnlimited PlanKind = "unlimited"
)

// Valid reports whether k is a known plan kind.
func (k PlanKind) Valid() bool {
	switch k {
	case PlanFree, PlanStarter, PlanPro, PlanUnlimited:
		return true
	}
	return false
}

// UsageRecord is the persistent metered-usage state for one user.
// PlanExpiresAt is only meaningful when PlanKind is unlimited.
type UsageRecord struct {
	UserID        string     `json:"user_id"`
	UsesRemaining int        `json:"uses_remaining"`
	PlanKind      PlanKind   `json:"plan_kind"`
	PlanExpiresAt *time.Time `json:"plan_expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Unlimited reports whether the record currently grants unmetered use.
// An unlimited plan whose expiry has passed does not count.
func (r UsageRecord) Unlimited(now time.Time) bool {
	if r.PlanKind != PlanUnlimited {
		return false
	}
	if r.PlanExpiresAt != nil && r.PlanExpiresAt.Before(now) {
		return false
	}
	return true
}

// Expired reports whether an unlimited plan has lapsed and the record
// should be read as free with zero credits. Expiry is lazy: applied by
// the store on the next read, not by a background sweep.
func (r UsageRecord) Expired(now time.Time) bool {
	return r.PlanKind == PlanUnlimited && r.PlanExpiresAt != nil && r.PlanExpiresAt.Before(now)
}

// Normalize returns the record as callers must observe it: a lapsed
// unlimited plan reads as free with zero uses remaining.
func (r UsageRecord) Normalize(now time.Time) UsageRecord {
	if r.Expired(now) {
		r.PlanKind = PlanFree
		r.UsesRemaining = 0
		r.PlanExpiresAt = nil
	}
	return r
}

// StudyMaterials is the product of one generation: a summary plus an
// ordered list of study questions.
type StudyMaterials struct {
	Summary   string   `json:"summary"`
	Questions []string `json:"questions"`
}

// Empty reports whether the generation produced no usable content.
func (m StudyMaterials) Empty() bool {
	return m.Summary == "" && len(m.Questions) == 0
}

// User is an authenticated caller resolved from an API token.
type User struct {
	ID         string
	Email      string
	CreatedAt  time.Time
	LastSeenAt time.Time
}
