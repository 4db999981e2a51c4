package domain

import "github.com/shopspring/decimal"

// Flat referral reward per tier, in currency units. Not proportional to the payment.
var rewardRates = map[Tier]decimal.Decimal{
	TierBasic:   decimal.NewFromInt(10),
	TierPremium: decimal.NewFromInt(15),
	TierPro:     decimal.NewFromInt(20),
}

// RewardFor returns the reward a referrer of the given tier earns per referred payment.
// Unknown tiers earn the BASIC rate.
func RewardFor(tier Tier) decimal.Decimal {
	if r, ok := rewardRates[tier]; ok {
		return r
	}
	return rewardRates[TierBasic]
}
