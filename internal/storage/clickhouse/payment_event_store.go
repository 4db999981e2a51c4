package clickhouse

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"solana-referral-billing/internal/idhash"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/storage"
)

// PaymentEventStore implements storage.PaymentEventStore using ClickHouse.
type PaymentEventStore struct {
	conn *Conn
}

// NewPaymentEventStore creates a new PaymentEventStore.
func NewPaymentEventStore(conn *Conn) *PaymentEventStore {
	return &PaymentEventStore{conn: conn}
}

// Compile-time interface check.
var _ storage.PaymentEventStore = (*PaymentEventStore)(nil)

// Insert appends one event. An empty ID is derived from signature, outcome and attempt.
func (s *PaymentEventStore) Insert(ctx context.Context, e *storage.PaymentEvent) (err error) {
	if e == nil || e.Signature == "" || e.Outcome == "" {
		return storage.ErrInvalidInput
	}
	defer observe("insert_payment_event", time.Now(), &err)

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO payment_events (
			event_id, signature, wallet_address, outcome, reason, amount,
			attempt, polls, duration_ms, occurred_at
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	id := e.ID
	if id == "" {
		id = idhash.ComputePaymentEventID(e.Signature, e.Outcome, e.Attempt)
	}

	err = batch.Append(
		id, e.Signature, e.WalletAddress, e.Outcome, e.Reason, e.Amount,
		uint16(e.Attempt), uint32(e.Polls), uint64(e.Duration.Milliseconds()), e.OccurredAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("append to batch: %w", err)
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// GetBySignature returns all events for a signature, ordered by OccurredAt ASC.
func (s *PaymentEventStore) GetBySignature(ctx context.Context, signature string) ([]*storage.PaymentEvent, error) {
	query := `
		SELECT event_id, signature, wallet_address, outcome, reason, amount, attempt, polls, duration_ms, occurred_at
		FROM payment_events FINAL
		WHERE signature = ?
		ORDER BY occurred_at ASC
	`

	rows, err := s.conn.Query(ctx, query, signature)
	if err != nil {
		return nil, fmt.Errorf("query by signature: %w", err)
	}
	defer rows.Close()

	var events []*storage.PaymentEvent
	for rows.Next() {
		var e storage.PaymentEvent
		var amount decimal.Decimal
		var attempt uint16
		var polls uint32
		var durationMs uint64
		if err := rows.Scan(&e.ID, &e.Signature, &e.WalletAddress, &e.Outcome, &e.Reason, &amount,
			&attempt, &polls, &durationMs, &e.OccurredAt); err != nil {
			return nil, fmt.Errorf("scan payment event: %w", err)
		}
		e.Amount = amount
		e.Attempt = int(attempt)
		e.Polls = int(polls)
		e.Duration = time.Duration(durationMs) * time.Millisecond
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment events: %w", err)
	}
	return events, nil
}

// CountByOutcome returns event counts grouped by outcome within [start, end].
func (s *PaymentEventStore) CountByOutcome(ctx context.Context, start, end time.Time) (counts map[string]int64, err error) {
	defer observe("count_by_outcome", time.Now(), &err)

	query := `
		SELECT outcome, count() AS n
		FROM payment_events FINAL
		WHERE occurred_at >= ? AND occurred_at <= ?
		GROUP BY outcome
	`

	rows, err := s.conn.Query(ctx, query, start.UTC(), end.UTC())
	if err != nil {
		return nil, fmt.Errorf("count by outcome: %w", err)
	}
	defer rows.Close()

	counts = make(map[string]int64)
	for rows.Next() {
		var outcome string
		var n uint64
		if err := rows.Scan(&outcome, &n); err != nil {
			return nil, fmt.Errorf("scan outcome count: %w", err)
		}
		counts[outcome] = int64(n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome counts: %w", err)
	}
	return counts, nil
}

func observe(operation string, start time.Time, err *error) {
	observability.RecordDBQuery("clickhouse", operation, time.Since(start).Seconds(), *err)
}
