package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"solana-referral-billing/internal/storage"
)

// PaymentEventStore is an in-memory implementation of storage.PaymentEventStore.
type PaymentEventStore struct {
	mu     sync.RWMutex
	events []*storage.PaymentEvent
}

// NewPaymentEventStore creates a new in-memory payment event store.
func NewPaymentEventStore() *PaymentEventStore {
	return &PaymentEventStore{}
}

// Insert appends one event. An event whose ID is already stored is ignored.
func (s *PaymentEventStore) Insert(_ context.Context, e *storage.PaymentEvent) error {
	if e == nil || e.Signature == "" || e.Outcome == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.ID != "" {
		for _, existing := range s.events {
			if existing.ID == e.ID {
				return nil
			}
		}
	}

	eventCopy := *e
	s.events = append(s.events, &eventCopy)
	return nil
}

// GetBySignature returns all events for a signature, ordered by OccurredAt ASC.
func (s *PaymentEventStore) GetBySignature(_ context.Context, signature string) ([]*storage.PaymentEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*storage.PaymentEvent
	for _, e := range s.events {
		if e.Signature == signature {
			eventCopy := *e
			result = append(result, &eventCopy)
		}
	}

	sort.SliceStable(result, func(i, j int) bool {
		return result[i].OccurredAt.Before(result[j].OccurredAt)
	})
	return result, nil
}

// CountByOutcome returns event counts grouped by outcome within [start, end].
func (s *PaymentEventStore) CountByOutcome(_ context.Context, start, end time.Time) (map[string]int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int64)
	for _, e := range s.events {
		if !e.OccurredAt.Before(start) && !e.OccurredAt.After(end) {
			counts[e.Outcome]++
		}
	}
	return counts, nil
}

// Verify interface compliance at compile time.
var _ storage.PaymentEventStore = (*PaymentEventStore)(nil)
