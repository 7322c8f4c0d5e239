package usage

import "github.com/studyforge/studyforge/pkg/models"

// PlanGrant defines the credit allotment a plan carries when it is
// applied to a user. Unlimited plans carry no metered balance.
type PlanGrant struct {
	Credits   int
	Unlimited bool
}

// planGrants maps plan kinds to their credit grants. The free grant here
// is a fallback; the configured FreePlanCredits wins for new records.
var planGrants = map[models.PlanKind]PlanGrant{
	models.PlanFree:      {Credits: 3},
	models.PlanStarter:   {Credits: 50},
	models.PlanPro:       {Credits: 200},
	models.PlanUnlimited: {Unlimited: true},
}

// GrantFor returns the grant for a plan, defaulting to the free grant
// for unknown plans.
func GrantFor(kind models.PlanKind) PlanGrant {
	if grant, ok := planGrants[kind]; ok {
		return grant
	}
	return planGrants[models.PlanFree]
}
