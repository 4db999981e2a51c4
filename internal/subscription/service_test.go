package subscription

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/solana/stub"
	"solana-referral-billing/internal/storage"
	"solana-referral-billing/internal/storage/memory"
	"solana-referral-billing/internal/verification"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testWallet(t *testing.T, seed byte) string {
	t.Helper()
	scalar, err := edwards25519.NewScalar().SetUniformBytes(bytes.Repeat([]byte{seed}, 64))
	require.NoError(t, err)
	return base58.Encode(new(edwards25519.Point).ScalarBaseMult(scalar).Bytes())
}

func testSignature(seed byte) string {
	return base58.Encode(bytes.Repeat([]byte{seed}, solana.SignatureLength))
}

type harness struct {
	store    *memory.AccountStore
	rpc      *stub.RPCClient
	accounts *account.Service
	svc      *Service
	merchant string
	queue    *queue.Queue
}

func newHarness(t *testing.T, awaitTimeout time.Duration, startWorker bool) *harness {
	t.Helper()

	h := &harness{
		store:    memory.NewAccountStore(),
		rpc:      stub.NewRPCClient(),
		merchant: testWallet(t, 200),
	}
	now := func() time.Time { return fixedNow }

	accounts, err := account.New(account.Options{Store: h.store, Now: now})
	require.NoError(t, err)
	h.accounts = accounts

	h.queue = queue.New(queue.NewMemoryBackend(), queue.Options{
		BackoffBase: 5 * time.Millisecond,
		PopTimeout:  10 * time.Millisecond,
	})

	if startWorker {
		verifier, err := verification.New(verification.Options{
			Store:          h.store,
			Fetcher:        h.rpc,
			MerchantWallet: h.merchant,
			TokenMint:      usdcMint,
			PollInterval:   time.Millisecond,
			MaxPolls:       20,
			Now:            now,
		})
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			defer close(done)
			_ = h.queue.Process(ctx, verifier.Handle, 2)
		}()
		t.Cleanup(func() {
			cancel()
			<-done
		})
	}

	svc, err := New(Options{
		Store:          h.store,
		Accounts:       accounts,
		Queue:          h.queue,
		MerchantWallet: h.merchant,
		TokenMint:      usdcMint,
		Price:          decimal.NewFromInt(10),
		AwaitTimeout:   awaitTimeout,
		Now:            now,
	})
	require.NoError(t, err)
	h.svc = svc
	return h
}

func (h *harness) pay(signature string, units string) {
	h.rpc.AddTransaction(stub.TokenTransfer(signature, h.merchant, usdcMint, "0", units))
}

func TestCreatePaymentIntent(t *testing.T) {
	h := newHarness(t, time.Second, false)
	ctx := context.Background()
	w := testWallet(t, 1)
	_, err := h.accounts.Signup(ctx, w, "")
	require.NoError(t, err)

	intent, err := h.svc.CreatePaymentIntent(ctx, w, "")
	require.NoError(t, err)
	assert.True(t, intent.Amount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, h.merchant, intent.MerchantWallet)
	assert.Equal(t, w, intent.Reference)
	assert.False(t, intent.ReferralApplied)

	u, err := url.Parse(intent.Transaction)
	require.NoError(t, err)
	assert.Equal(t, "solana", u.Scheme)
	assert.Equal(t, h.merchant, u.Opaque)
	assert.Equal(t, "10", u.Query().Get("amount"))
	assert.Equal(t, usdcMint, u.Query().Get("spl-token"))
	assert.Equal(t, w, u.Query().Get("reference"))
}

func TestCreatePaymentIntent_Errors(t *testing.T) {
	h := newHarness(t, time.Second, false)
	ctx := context.Background()

	_, err := h.svc.CreatePaymentIntent(ctx, testWallet(t, 9), "")
	assert.ErrorIs(t, err, account.ErrAccountNotFound)

	w := testWallet(t, 1)
	_, err = h.accounts.Signup(ctx, w, "")
	require.NoError(t, err)
	_, err = h.store.UpsertPendingPayment(ctx, w, domain.NewPendingPayment("sig", decimal.NewFromInt(10), fixedNow))
	require.NoError(t, err)
	expires := fixedNow.Add(10 * 24 * time.Hour)
	ok, err := h.store.ConfirmPayment(ctx, w, "sig", expires)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = h.svc.CreatePaymentIntent(ctx, w, "")
	require.ErrorIs(t, err, ErrSubscriptionActive)
	var active *ActiveError
	require.True(t, errors.As(err, &active))
	assert.Equal(t, expires, active.ExpiresAt)
}

func TestCreatePaymentIntent_AppliesReferralCode(t *testing.T) {
	h := newHarness(t, time.Second, false)
	ctx := context.Background()
	w1, w2 := testWallet(t, 1), testWallet(t, 2)

	referrer, err := h.accounts.Signup(ctx, w1, "")
	require.NoError(t, err)
	_, err = h.accounts.Signup(ctx, w2, "")
	require.NoError(t, err)

	intent, err := h.svc.CreatePaymentIntent(ctx, w2, "UNKNOWN1")
	require.NoError(t, err)
	assert.False(t, intent.ReferralApplied)

	intent, err = h.svc.CreatePaymentIntent(ctx, w2, referrer.ReferralCode)
	require.NoError(t, err)
	assert.True(t, intent.ReferralApplied)

	a, err := h.store.GetByWallet(ctx, w2)
	require.NoError(t, err)
	require.NotNil(t, a.ReferredBy)
	assert.Equal(t, w1, *a.ReferredBy)
}

func TestVerifyPayment_InvalidSignature(t *testing.T) {
	h := newHarness(t, time.Second, false)
	_, err := h.svc.VerifyPayment(context.Background(), testWallet(t, 1), "not-a-signature")
	assert.ErrorIs(t, err, solana.ErrInvalidSignature)
}

func TestVerifyPayment_UnknownWallet(t *testing.T) {
	h := newHarness(t, time.Second, false)
	_, err := h.svc.VerifyPayment(context.Background(), testWallet(t, 1), testSignature(1))
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestVerifyPayment_SignatureOfAnotherWallet(t *testing.T) {
	h := newHarness(t, 5*time.Second, true)
	ctx := context.Background()
	w1, w2 := testWallet(t, 1), testWallet(t, 2)
	_, err := h.accounts.Signup(ctx, w1, "")
	require.NoError(t, err)
	_, err = h.accounts.Signup(ctx, w2, "")
	require.NoError(t, err)

	sig := testSignature(6)
	h.pay(sig, "10000000")
	res, err := h.svc.VerifyPayment(ctx, w1, sig)
	require.NoError(t, err)
	require.Equal(t, domain.PaymentConfirmed, res.Status)

	_, err = h.svc.VerifyPayment(ctx, w2, sig)
	assert.ErrorIs(t, err, ErrSignatureClaimed)

	st, err := h.svc.Status(ctx, w2)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Empty(t, st.PaymentHistory)
	assert.Equal(t, 1, h.rpc.CallCount(sig))
}

func TestVerifyPayment_PendingWhenWorkerIsSlow(t *testing.T) {
	h := newHarness(t, 20*time.Millisecond, false)
	ctx := context.Background()
	w := testWallet(t, 1)
	_, err := h.accounts.Signup(ctx, w, "")
	require.NoError(t, err)

	sig := testSignature(1)
	res, err := h.svc.VerifyPayment(ctx, w, "  "+sig+"\n")
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentPending, res.Status)
	assert.Equal(t, sig, res.Signature)

	st, err := h.svc.Status(ctx, w)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	require.Len(t, st.PaymentHistory, 1)
	assert.Equal(t, domain.PaymentPending, st.PaymentHistory[0].Status)

	stats, err := h.svc.QueueStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Waiting)
}

func TestSubscriptionFlow_EndToEnd(t *testing.T) {
	h := newHarness(t, 5*time.Second, true)
	ctx := context.Background()
	w1, w2 := testWallet(t, 1), testWallet(t, 2)

	referrer, err := h.accounts.Signup(ctx, w1, "")
	require.NoError(t, err)
	_, err = h.accounts.Signup(ctx, w2, "")
	require.NoError(t, err)

	intent, err := h.svc.CreatePaymentIntent(ctx, w2, referrer.ReferralCode)
	require.NoError(t, err)
	require.True(t, intent.ReferralApplied)

	sig := testSignature(2)
	h.pay(sig, "10000000")

	res, err := h.svc.VerifyPayment(ctx, w2, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, res.Status)
	assert.Empty(t, res.Error)

	st, err := h.svc.Status(ctx, w2)
	require.NoError(t, err)
	assert.True(t, st.IsActive)
	assert.Equal(t, domain.SubscriptionActive, st.Status)
	require.NotNil(t, st.ExpiresAt)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), *st.ExpiresAt)

	w1Account, err := h.accounts.Get(ctx, w1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), w1Account.ReferralCount)
	assert.True(t, w1Account.PendingRewards.Equal(decimal.NewFromInt(10)))
	assert.True(t, w1Account.RewardsBalanced())

	// Re-submitting a confirmed signature does not queue again.
	again, err := h.svc.VerifyPayment(ctx, w2, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentConfirmed, again.Status)
	assert.Equal(t, 1, h.rpc.CallCount(sig))

	_, err = h.svc.CreatePaymentIntent(ctx, w2, "")
	assert.ErrorIs(t, err, ErrSubscriptionActive)
}

func TestVerifyPayment_Underpaid(t *testing.T) {
	h := newHarness(t, 5*time.Second, true)
	ctx := context.Background()
	w := testWallet(t, 1)
	_, err := h.accounts.Signup(ctx, w, "")
	require.NoError(t, err)

	sig := testSignature(3)
	h.pay(sig, "9999999")

	res, err := h.svc.VerifyPayment(ctx, w, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.PaymentFailed, res.Status)
	assert.Contains(t, res.Error, verification.ErrInsufficientPayment.Error())

	st, err := h.svc.Status(ctx, w)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, domain.SubscriptionInactive, st.Status)
	require.Len(t, st.PaymentHistory, 1)
	assert.Equal(t, domain.PaymentFailed, st.PaymentHistory[0].Status)
}

func TestStatus_ReportsExpired(t *testing.T) {
	h := newHarness(t, time.Second, false)
	ctx := context.Background()
	w := testWallet(t, 1)
	_, err := h.accounts.Signup(ctx, w, "")
	require.NoError(t, err)

	_, err = h.store.UpsertPendingPayment(ctx, w, domain.NewPendingPayment("old", decimal.NewFromInt(10), fixedNow))
	require.NoError(t, err)
	_, err = h.store.ConfirmPayment(ctx, w, "old", fixedNow.Add(-time.Minute))
	require.NoError(t, err)

	st, err := h.svc.Status(ctx, w)
	require.NoError(t, err)
	assert.False(t, st.IsActive)
	assert.Equal(t, domain.SubscriptionExpired, st.Status)

	_, err = h.svc.Status(ctx, testWallet(t, 9))
	assert.ErrorIs(t, err, account.ErrAccountNotFound)
}

func TestSolanaPayBuilder(t *testing.T) {
	b := SolanaPayBuilder{Label: "Pro plan"}
	_, err := b.BuildTransaction(context.Background(), TransactionRequest{Amount: decimal.NewFromInt(1)})
	assert.Error(t, err)
	_, err = b.BuildTransaction(context.Background(), TransactionRequest{Recipient: "r"})
	assert.Error(t, err)

	out, err := b.BuildTransaction(context.Background(), TransactionRequest{
		Recipient: "Merchant",
		Amount:    decimal.RequireFromString("12.5"),
	})
	require.NoError(t, err)
	assert.Equal(t, "solana:Merchant?amount=12.5&label=Pro+plan", out)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Options{})
	assert.Error(t, err)
}

func TestOutcomeCounts(t *testing.T) {
	h := newHarness(t, time.Second, false)
	ctx := context.Background()

	counts, err := h.svc.OutcomeCounts(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Nil(t, counts)

	events := memory.NewPaymentEventStore()
	require.NoError(t, events.Insert(ctx, &storage.PaymentEvent{Signature: "a", Outcome: "confirmed", OccurredAt: fixedNow.Add(-time.Hour)}))
	require.NoError(t, events.Insert(ctx, &storage.PaymentEvent{Signature: "b", Outcome: "failed", OccurredAt: fixedNow.Add(-2 * time.Hour)}))
	require.NoError(t, events.Insert(ctx, &storage.PaymentEvent{Signature: "c", Outcome: "failed", OccurredAt: fixedNow.Add(-25 * time.Hour)}))

	svc, err := New(Options{
		Store:          h.store,
		Events:         events,
		Accounts:       h.accounts,
		Queue:          h.queue,
		MerchantWallet: h.merchant,
		Price:          decimal.NewFromInt(10),
		Now:            func() time.Time { return fixedNow },
	})
	require.NoError(t, err)

	counts, err = svc.OutcomeCounts(ctx, 24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"confirmed": 1, "failed": 1}, counts)
}
