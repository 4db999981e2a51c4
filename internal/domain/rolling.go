package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Rolling reward window parameters.
const (
	RollingWindow       = 24 * time.Hour
	RollingRefreshAfter = time.Hour
)

// RollingRewards sums RewardAmount over records dated within the 24 hours before now.
func RollingRewards(history []ReferralRecord, now time.Time) decimal.Decimal {
	cutoff := now.Add(-RollingWindow)
	sum := decimal.Zero
	for _, r := range history {
		if !r.Date.Before(cutoff) {
			sum = sum.Add(r.RewardAmount)
		}
	}
	return sum
}

// RollingRewardsStale reports whether the cached rolling value needs recomputing.
func RollingRewardsStale(lastUpdate, now time.Time) bool {
	return now.Sub(lastUpdate) > RollingRefreshAfter
}
