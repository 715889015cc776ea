// Package entitlement defines the subscription plans and the credit
// arithmetic attached to them.
package entitlement

import "github.com/Jerson-masa/ETER/pkg/models"

const (
	// CostPerConsultation is debited from an account for each answered
	// consultation on metered tiers.
	CostPerConsultation = 5

	// StartingCredits is granted to every newly created account.
	StartingCredits = 10

	// UnlimitedBalance is the sentinel stored for unlimited-tier accounts.
	// It is displayed, never decremented.
	UnlimitedBalance = 999999
)

// Plan describes a purchasable subscription. Credits < 0 means unlimited.
type Plan struct {
	ID          string
	DisplayName string
	Tier        string
	Credits     int64
	PriceUSD    float64
}

// Unlimited reports whether the plan grants unmetered consultations.
func (p Plan) Unlimited() bool {
	return p.Credits < 0
}

// GrantedBalance is the balance an account lands on after an initial
// purchase of this plan. Standard grants add to the current balance;
// unlimited replaces it with the sentinel.
func (p Plan) GrantedBalance(current int64) int64 {
	if p.Unlimited() {
		return UnlimitedBalance
	}
	return current + p.Credits
}

// RenewalBalance is the balance after a billing-cycle renewal. Unused
// credits do not roll over: the balance is replaced, not topped up.
func (p Plan) RenewalBalance() int64 {
	if p.Unlimited() {
		return UnlimitedBalance
	}
	return p.Credits
}

var plans = []Plan{
	{
		ID:          "standard",
		DisplayName: "Místico",
		Tier:        models.TierStandard,
		Credits:     50,
		PriceUSD:    9.99,
	},
	{
		ID:          "unlimited",
		DisplayName: "Iluminado",
		Tier:        models.TierUnlimited,
		Credits:     -1,
		PriceUSD:    19.99,
	},
}

// Plans returns all purchasable plans in display order.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PlanByID looks up a plan by its public identifier.
func PlanByID(id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// PlanForTier looks up the plan backing a subscription tier.
func PlanForTier(tier string) (Plan, bool) {
	for _, p := range plans {
		if p.Tier == tier {
			return p, true
		}
	}
	return Plan{}, false
}
