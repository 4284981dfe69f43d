package plans

import (
	"github.com/kculz/Qonvey-sub001/internal/models"
)

// Unlimited marks a limit that is never reached.
const Unlimited int64 = -1

const (
	Free         = "FREE"
	Starter      = "STARTER"
	Professional = "PROFESSIONAL"
	Business     = "BUSINESS"
)

type Limits struct {
	MaxLoadsPerMonth int64 `yaml:"max_loads_per_month" json:"maxLoadsPerMonth"`
	MaxBidsPerMonth  int64 `yaml:"max_bids_per_month" json:"maxBidsPerMonth"`
	MaxVehicles      int64 `yaml:"max_vehicles" json:"maxVehicles"`
	MaxTeamMembers   int64 `yaml:"max_team_members" json:"maxTeamMembers"`
}

// For returns the limit that governs action.
func (l Limits) For(a models.Action) int64 {
	switch a {
	case models.ActionPostLoad:
		return l.MaxLoadsPerMonth
	case models.ActionPlaceBid:
		return l.MaxBidsPerMonth
	case models.ActionAddVehicle:
		return l.MaxVehicles
	}
	return 0
}

// Catalog maps plan names to limits. Tiers is the upgrade order, cheapest first.
type Catalog struct {
	limits map[string]Limits
	tiers  []string
}

func DefaultLimits() map[string]Limits {
	return map[string]Limits{
		Free:         {MaxLoadsPerMonth: 3, MaxBidsPerMonth: 10, MaxVehicles: 1, MaxTeamMembers: 1},
		Starter:      {MaxLoadsPerMonth: 20, MaxBidsPerMonth: 50, MaxVehicles: 3, MaxTeamMembers: 2},
		Professional: {MaxLoadsPerMonth: 100, MaxBidsPerMonth: Unlimited, MaxVehicles: 10, MaxTeamMembers: 5},
		Business:     {MaxLoadsPerMonth: Unlimited, MaxBidsPerMonth: Unlimited, MaxVehicles: Unlimited, MaxTeamMembers: Unlimited},
	}
}

func NewCatalog(overrides map[string]Limits) *Catalog {
	c := &Catalog{
		limits: DefaultLimits(),
		tiers:  []string{Free, Starter, Professional, Business},
	}
	for name, l := range overrides {
		if _, ok := c.limits[name]; !ok {
			c.tiers = append(c.tiers, name)
		}
		c.limits[name] = l
	}
	return c
}

func (c *Catalog) Limits(plan string) (Limits, bool) {
	l, ok := c.limits[plan]
	return l, ok
}

// UpgradeFor returns the first plan after current in tier order whose limit for
// action is higher, or "" when none is.
func (c *Catalog) UpgradeFor(current string, a models.Action) string {
	cur, ok := c.limits[current]
	if !ok {
		cur = c.limits[Free]
	}
	have := cur.For(a)
	if have == Unlimited {
		return ""
	}
	passed := !ok
	for _, name := range c.tiers {
		if name == current {
			passed = true
			continue
		}
		if !passed {
			continue
		}
		next := c.limits[name].For(a)
		if next == Unlimited || next > have {
			return name
		}
	}
	return ""
}

// Allows reports whether used stays under limit.
func Allows(limit, used int64) bool {
	return limit == Unlimited || used < limit
}

// Remaining returns Unlimited for unlimited plans, otherwise the non-negative headroom.
func Remaining(limit, used int64) int64 {
	if limit == Unlimited {
		return Unlimited
	}
	if used >= limit {
		return 0
	}
	return limit - used
}
