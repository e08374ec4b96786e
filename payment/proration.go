package payment

import (
	"math"
	"time"

	"github.com/sheetwork/billing/plan"
	"github.com/sheetwork/billing/subscription"
)

// RemainingDays returns the number of whole or partial days left on the
// subscription, rounded up. A subscription past its end date has zero.
func RemainingDays(current *subscription.Subscription, now time.Time) int64 {
	if current == nil || !current.EndDate.After(now) {
		return 0
	}
	days := int64(math.Ceil(current.EndDate.Sub(now).Hours() / 24))
	// never credit or charge for more than one full cycle
	if days > plan.BillingCycleDays {
		return plan.BillingCycleDays
	}
	return days
}

// Prorate computes the amount to collect for moving the current subscription
// to newPlan, in minor units. Positive means an additional charge is required
// before the plan changes; zero or negative means the change applies
// immediately with no payment collected. Deterministic given its inputs.
func Prorate(current *subscription.Subscription, currentPlan plan.Plan, newPlan plan.Plan, now time.Time) int64 {
	remaining := RemainingDays(current, now)
	diff := newPlan.Price - currentPlan.Price
	return int64(math.Round(float64(diff) * float64(remaining) / float64(plan.BillingCycleDays)))
}
