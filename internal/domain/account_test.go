package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAccount_Defaults(t *testing.T) {
	now := time.Now()
	a := NewAccount("wallet", "ABCD1234", now)

	assert.Equal(t, TierBasic, a.Tier)
	assert.True(t, a.IsActive)
	assert.Equal(t, SubscriptionInactive, a.SubscriptionStatus)
	assert.Nil(t, a.ReferredBy)
	assert.True(t, a.RewardsBalanced())
	assert.Equal(t, now, a.Last24HoursUpdate)
}

func TestIsSubscriptionActive(t *testing.T) {
	now := time.Now()
	future := now.Add(time.Hour)
	past := now.Add(-time.Hour)

	tests := []struct {
		name    string
		status  SubscriptionStatus
		expires *time.Time
		want    bool
	}{
		{"active future", SubscriptionActive, &future, true},
		{"active past", SubscriptionActive, &past, false},
		{"active nil expiry", SubscriptionActive, nil, false},
		{"inactive future", SubscriptionInactive, &future, false},
		{"expired", SubscriptionExpired, &future, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &Account{SubscriptionStatus: tt.status, SubscriptionExpiresAt: tt.expires}
			assert.Equal(t, tt.want, a.IsSubscriptionActive(now))
		})
	}
}

func TestAccountClone_IsDeep(t *testing.T) {
	now := time.Now()
	ref := "referrer"
	a := NewAccount("wallet", "CODE0001", now)
	a.ReferredBy = &ref
	a.SubscriptionExpiresAt = &now
	a.PaymentHistory = []PaymentRecord{NewPendingPayment("sig", decimal.NewFromInt(10), now)}
	a.ReferralHistory = []ReferralRecord{{ReferredUser: "x", ClaimedAt: &now}}

	c := a.Clone()
	*c.ReferredBy = "other"
	c.PaymentHistory[0].Status = PaymentConfirmed
	later := now.Add(time.Hour)
	*c.ReferralHistory[0].ClaimedAt = later

	require.NotNil(t, a.ReferredBy)
	assert.Equal(t, "referrer", *a.ReferredBy)
	assert.Equal(t, PaymentPending, a.PaymentHistory[0].Status)
	assert.Equal(t, now, *a.ReferralHistory[0].ClaimedAt)
}

func TestFindPayment(t *testing.T) {
	a := &Account{PaymentHistory: []PaymentRecord{{TransactionSignature: "a"}, {TransactionSignature: "b"}}}
	assert.Equal(t, 1, a.FindPayment("b"))
	assert.Equal(t, -1, a.FindPayment("c"))
}

func TestRewardDeltasBalanced(t *testing.T) {
	d := RewardDeltas{Total: decimal.NewFromInt(15), Pending: decimal.NewFromInt(15), Claimed: decimal.Zero}
	assert.True(t, d.Balanced())
	d.Pending = decimal.NewFromInt(14)
	assert.False(t, d.Balanced())
}

func TestReferralRewardDeltas(t *testing.T) {
	r := ReferralReward{Referrer: "ref", Payer: "payer", Signature: "sig", Amount: decimal.NewFromInt(15)}
	d := r.Deltas()
	require.True(t, d.Balanced())

	a := NewAccount("ref", "CODE0001", time.Now())
	a.AddRewards(d)
	a.AddRewards(d)
	assert.Equal(t, int64(2), a.ReferralCount)
	assert.True(t, a.TotalRewards.Equal(decimal.NewFromInt(30)))
	assert.True(t, a.PendingRewards.Equal(decimal.NewFromInt(30)))
	assert.True(t, a.ClaimedRewards.IsZero())
}

func TestPaymentStatusIsTerminal(t *testing.T) {
	assert.False(t, PaymentPending.IsTerminal())
	assert.True(t, PaymentConfirmed.IsTerminal())
	assert.True(t, PaymentFailed.IsTerminal())
}
