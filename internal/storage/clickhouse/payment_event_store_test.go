package clickhouse

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-referral-billing/internal/storage"
)

func TestPaymentEventStore_InsertAndQuery(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPaymentEventStore(conn)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	events := []*storage.PaymentEvent{
		{Signature: "sig1", WalletAddress: "w1", Outcome: "failed", Reason: "timeout", Amount: decimal.NewFromInt(10), Attempt: 1, Polls: 120, Duration: 2 * time.Minute, OccurredAt: base},
		{Signature: "sig1", WalletAddress: "w1", Outcome: "confirmed", Amount: decimal.RequireFromString("10.5"), Attempt: 2, Polls: 3, Duration: 3 * time.Second, OccurredAt: base.Add(time.Minute)},
		{Signature: "sig2", WalletAddress: "w2", Outcome: "confirmed", Amount: decimal.NewFromInt(10), Attempt: 1, Polls: 1, OccurredAt: base.Add(2 * time.Minute)},
	}
	for _, e := range events {
		require.NoError(t, store.Insert(ctx, e))
	}

	got, err := store.GetBySignature(ctx, "sig1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "failed", got[0].Outcome)
	assert.Equal(t, "timeout", got[0].Reason)
	assert.Equal(t, 120, got[0].Polls)
	assert.Equal(t, 2*time.Minute, got[0].Duration)
	assert.True(t, got[1].Amount.Equal(decimal.RequireFromString("10.5")))

	assert.Len(t, got[0].ID, 64)

	counts, err := store.CountByOutcome(ctx, base, base.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts["confirmed"])
	assert.Equal(t, int64(1), counts["failed"])
}

func TestPaymentEventStore_RepeatedInsertCollapses(t *testing.T) {
	conn, cleanup := setupTestDB(t)
	defer cleanup()

	store := NewPaymentEventStore(conn)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	e := &storage.PaymentEvent{Signature: "sig", WalletAddress: "w", Outcome: "confirmed", Amount: decimal.NewFromInt(10), Attempt: 1, OccurredAt: at}
	require.NoError(t, store.Insert(ctx, e))
	again := *e
	again.OccurredAt = at.Add(time.Second)
	require.NoError(t, store.Insert(ctx, &again))

	got, err := store.GetBySignature(ctx, "sig")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, at.Add(time.Second), got[0].OccurredAt)
}

func TestPaymentEventStore_InvalidInput(t *testing.T) {
	store := NewPaymentEventStore(nil)
	err := store.Insert(context.Background(), &storage.PaymentEvent{})
	assert.ErrorIs(t, err, storage.ErrInvalidInput)
}
