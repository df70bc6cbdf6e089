package budget

import (
	"github.com/aristath/swarm/internal/scheduler"
)

// TierCost is the price model of one tier.
type TierCost struct {
	PerCall    float64 `json:"per_call" yaml:"per_call"`         // Fixed cost per invocation
	Per1KChars float64 `json:"per_1k_chars" yaml:"per_1k_chars"` // Added per 1000 characters of description
}

// TierCostTable maps a tier to its price model.
type TierCostTable map[scheduler.Tier]TierCost

// DefaultTierCosts returns the built-in price list in USD.
func DefaultTierCosts() TierCostTable {
	return TierCostTable{
		scheduler.TierScout:     {PerCall: 0.02},
		scheduler.TierBuilder:   {PerCall: 0.10},
		scheduler.TierArchitect: {PerCall: 0.30},
	}
}

// Estimate is a CostFunc. Unknown tiers are priced as builder, or zero if the
// table has no builder entry either.
func (t TierCostTable) Estimate(tier scheduler.Tier, task *scheduler.Task) float64 {
	price, ok := t[tier]
	if !ok {
		price = t[scheduler.TierBuilder]
	}
	cost := price.PerCall
	if price.Per1KChars > 0 && task != nil {
		cost += price.Per1KChars * float64(len(task.Description)) / 1000
	}
	return cost
}

// FixedCost returns a CostFunc that prices every invocation the same.
func FixedCost(cost float64) CostFunc {
	return func(scheduler.Tier, *scheduler.Task) float64 { return cost }
}
