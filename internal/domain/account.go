package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Tier determines the referral reward rate of an account.
type Tier string

const (
	TierBasic   Tier = "BASIC"
	TierPremium Tier = "PREMIUM"
	TierPro     Tier = "PRO"
)

// SubscriptionStatus is the stored subscription state of an account.
type SubscriptionStatus string

const (
	SubscriptionInactive SubscriptionStatus = "INACTIVE"
	SubscriptionActive   SubscriptionStatus = "ACTIVE"
	SubscriptionExpired  SubscriptionStatus = "EXPIRED"
)

// Account represents a wallet's referral, subscription and payment state.
// Corresponds to the accounts table in PostgreSQL; histories live in child tables.
type Account struct {
	WalletAddress string  // PRIMARY KEY, immutable
	ReferralCode  string  // UNIQUE, generated at signup, immutable
	ReferredBy    *string // referrer wallet address, set at most once
	Tier          Tier
	IsActive      bool // disabled accounts cannot be used as referrers
	CreatedAt     time.Time
	LastLoginAt   time.Time

	SubscriptionStatus    SubscriptionStatus
	SubscriptionExpiresAt *time.Time
	PaymentHistory        []PaymentRecord // ordered by insertion

	ReferralCount   int64
	TotalRewards    decimal.Decimal // == PendingRewards + ClaimedRewards
	PendingRewards  decimal.Decimal
	ClaimedRewards  decimal.Decimal
	ReferralHistory []ReferralRecord // ordered by insertion

	Last24HoursRewards decimal.Decimal
	Last24HoursUpdate  time.Time
}

// NewAccount returns a freshly signed-up account with zeroed aggregates.
func NewAccount(wallet, referralCode string, now time.Time) *Account {
	return &Account{
		WalletAddress:      wallet,
		ReferralCode:       referralCode,
		Tier:               TierBasic,
		IsActive:           true,
		CreatedAt:          now,
		LastLoginAt:        now,
		SubscriptionStatus: SubscriptionInactive,
		TotalRewards:       decimal.Zero,
		PendingRewards:     decimal.Zero,
		ClaimedRewards:     decimal.Zero,
		Last24HoursRewards: decimal.Zero,
		Last24HoursUpdate:  now,
	}
}

// IsSubscriptionActive derives the subscription state at now instead of
// trusting the stored status, which goes stale once the expiry passes.
func (a *Account) IsSubscriptionActive(now time.Time) bool {
	return a.SubscriptionStatus == SubscriptionActive &&
		a.SubscriptionExpiresAt != nil &&
		a.SubscriptionExpiresAt.After(now)
}

// FindPayment returns the index of the payment with the given signature, or -1.
func (a *Account) FindPayment(signature string) int {
	for i := range a.PaymentHistory {
		if a.PaymentHistory[i].TransactionSignature == signature {
			return i
		}
	}
	return -1
}

// RewardsBalanced reports whether total == pending + claimed.
func (a *Account) RewardsBalanced() bool {
	return a.TotalRewards.Equal(a.PendingRewards.Add(a.ClaimedRewards))
}

// Clone returns a deep copy of the account.
func (a *Account) Clone() *Account {
	c := *a
	if a.ReferredBy != nil {
		v := *a.ReferredBy
		c.ReferredBy = &v
	}
	if a.SubscriptionExpiresAt != nil {
		v := *a.SubscriptionExpiresAt
		c.SubscriptionExpiresAt = &v
	}
	c.PaymentHistory = append([]PaymentRecord(nil), a.PaymentHistory...)
	c.ReferralHistory = make([]ReferralRecord, len(a.ReferralHistory))
	for i, r := range a.ReferralHistory {
		c.ReferralHistory[i] = r
		if r.ClaimedAt != nil {
			v := *r.ClaimedAt
			c.ReferralHistory[i].ClaimedAt = &v
		}
	}
	return &c
}

// AddRewards applies d to the reward aggregates.
func (a *Account) AddRewards(d RewardDeltas) {
	a.ReferralCount += d.ReferralCount
	a.TotalRewards = a.TotalRewards.Add(d.Total)
	a.PendingRewards = a.PendingRewards.Add(d.Pending)
	a.ClaimedRewards = a.ClaimedRewards.Add(d.Claimed)
}
