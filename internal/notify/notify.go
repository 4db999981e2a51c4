// Package notify delivers payment outcome events to external systems.
// Delivery is best-effort: sinks report errors but nothing is retried.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Event types.
const (
	EventPaymentSuccess = "payment.success"
	EventPaymentFailed  = "payment.failed"
)

// Event is the JSON body sent to every sink.
type Event struct {
	Event         string           `json:"event"`
	Signature     string           `json:"signature"`
	WalletAddress string           `json:"walletAddress"`
	Amount        *decimal.Decimal `json:"amount,omitempty"`
	Error         string           `json:"error,omitempty"`
	Timestamp     time.Time        `json:"timestamp"`
}

// PaymentSucceeded builds a payment.success event.
func PaymentSucceeded(signature, wallet string, amount decimal.Decimal, at time.Time) Event {
	return Event{
		Event:         EventPaymentSuccess,
		Signature:     signature,
		WalletAddress: wallet,
		Amount:        &amount,
		Timestamp:     at.UTC(),
	}
}

// PaymentFailed builds a payment.failed event.
func PaymentFailed(signature, wallet string, amount decimal.Decimal, cause error, at time.Time) Event {
	e := Event{
		Event:         EventPaymentFailed,
		Signature:     signature,
		WalletAddress: wallet,
		Amount:        &amount,
		Error:         "unknown error",
		Timestamp:     at.UTC(),
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	return e
}

// Notifier sends an event to one destination.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify does nothing.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to every sink and joins their errors.
type Multi []Notifier

// Notify sends e to every sink, continuing past failures.
func (m Multi) Notify(ctx context.Context, e Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = Nop{}
	_ Notifier = Multi(nil)
)
