package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// ReferralStatus is the claim state of a referral reward.
type ReferralStatus string

const (
	ReferralPending ReferralStatus = "PENDING"
	ReferralClaimed ReferralStatus = "CLAIMED"
	ReferralExpired ReferralStatus = "EXPIRED"
)

// ReferralRecord is one reward credited to a referrer for a referred user's payment.
// Corresponds to the referrals table; UNIQUE (referrer_wallet, source_signature).
type ReferralRecord struct {
	ReferredUser    string // wallet of the paying user
	SourceSignature string // payment that produced the reward
	Date            time.Time
	RewardAmount    decimal.Decimal
	RewardClaimed   bool
	ClaimedAt       *time.Time
	Status          ReferralStatus
}

// ReferralReward describes one cascade from a payer to its referrer.
type ReferralReward struct {
	Referrer  string
	Payer     string
	Signature string
	Amount    decimal.Decimal
	At        time.Time
}

// Deltas returns the referrer's aggregate changes for this reward: one more
// referral and Amount added to both total and pending.
func (r ReferralReward) Deltas() RewardDeltas {
	return RewardDeltas{ReferralCount: 1, Total: r.Amount, Pending: r.Amount, Claimed: decimal.Zero}
}

// RewardDeltas are additive changes to an account's reward aggregates.
type RewardDeltas struct {
	ReferralCount int64
	Total         decimal.Decimal
	Pending       decimal.Decimal
	Claimed       decimal.Decimal
}

// Balanced reports whether the deltas keep total == pending + claimed.
func (d RewardDeltas) Balanced() bool {
	return d.Total.Equal(d.Pending.Add(d.Claimed))
}
