package verification

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/storage"
)

func startWorker(t *testing.T, f *fixture) *queue.Queue {
	t.Helper()

	q := queue.New(queue.NewMemoryBackend(), queue.Options{
		BackoffBase: 5 * time.Millisecond,
		PopTimeout:  10 * time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Process(ctx, f.verifier.Handle, 2)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return q
}

func TestQueuePaymentVerification_ReferralEndToEnd(t *testing.T) {
	f := newFixture(t)
	q := startWorker(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.createAccount(t, referrerWallet, "ABC123", domain.TierBasic, "")
	f.createAccount(t, payerWallet, "PAYER001", domain.TierBasic, "")
	applied, err := f.store.SetReferredBy(ctx, payerWallet, referrerWallet)
	require.NoError(t, err)
	require.True(t, applied)

	f.transfer("sig-w2", "100000000", "110000000")

	res, err := QueuePaymentVerification(ctx, q, request("sig-w2", 10))
	require.NoError(t, err)
	assert.True(t, res.Success)

	w1 := f.account(t, referrerWallet)
	assert.Equal(t, int64(1), w1.ReferralCount)
	assert.True(t, w1.PendingRewards.Equal(domain.RewardFor(w1.Tier)))
	assert.True(t, w1.RewardsBalanced())

	w2 := f.account(t, payerWallet)
	assert.Equal(t, domain.SubscriptionActive, w2.SubscriptionStatus)
	require.NotNil(t, w2.SubscriptionExpiresAt)
	assert.WithinDuration(t, fixedNow.Add(30*24*time.Hour), *w2.SubscriptionExpiresAt, time.Second)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestQueuePaymentVerification_TerminalFailureNotRetried(t *testing.T) {
	f := newFixture(t)
	q := startWorker(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.createAccount(t, payerWallet, "PAYER001", domain.TierBasic, "")
	f.transfer("short", "0", "9999999")

	res, err := QueuePaymentVerification(ctx, q, request("short", 10))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Error, ErrInsufficientPayment.Error())

	assert.Equal(t, 1, f.rpc.CallCount("short"))
	assert.Equal(t, domain.PaymentFailed, f.payment(t, payerWallet, "short").Status)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, int64(0), stats.Retried)
	assert.Equal(t, int64(1), stats.FailedJobs)
}

func TestQueuePaymentVerification_TransientExhaustsRetries(t *testing.T) {
	f := newFixture(t)
	q := startWorker(t, f)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	f.createAccount(t, payerWallet, "PAYER001", domain.TierBasic, "")
	f.rpc.SetError("flaky", assert.AnError)

	res, err := QueuePaymentVerification(ctx, q, request("flaky", 10))
	require.NoError(t, err)
	assert.False(t, res.Success)

	assert.Equal(t, queue.DefaultMaxAttempts, f.rpc.CallCount("flaky"))
	assert.Equal(t, domain.PaymentFailed, f.payment(t, payerWallet, "flaky").Status)
	assert.Len(t, f.notifier.Events(), 1)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.Retried)
	assert.Equal(t, int64(1), stats.Failed)
}

func TestQueuePaymentVerification_InvalidRequest(t *testing.T) {
	q := queue.New(queue.NewMemoryBackend(), queue.Options{})
	_, err := QueuePaymentVerification(context.Background(), q, Request{
		Signature:      "sig",
		WalletAddress:  payerWallet,
		ExpectedAmount: decimal.Zero,
	})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
