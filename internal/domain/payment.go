package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the verification state of a payment attempt.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentConfirmed PaymentStatus = "CONFIRMED"
	PaymentFailed    PaymentStatus = "FAILED"
)

// IsTerminal reports whether the status is CONFIRMED or FAILED.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentConfirmed || s == PaymentFailed
}

// CurrencyUSDC is the only settlement currency.
const CurrencyUSDC = "USDC"

// PaymentRecord is one subscription payment attempt, keyed by transaction signature.
// Corresponds to the payments table; UNIQUE (wallet_address, transaction_signature).
type PaymentRecord struct {
	TransactionSignature string
	Amount               decimal.Decimal // currency units, not smallest units
	Currency             string
	Date                 time.Time
	Status               PaymentStatus
	ReferralPaid         bool            // reward already cascaded for this signature
	ReferralAmount       decimal.Decimal // reward credited to the referrer
}

// NewPendingPayment returns a PENDING record for signature.
func NewPendingPayment(signature string, amount decimal.Decimal, now time.Time) PaymentRecord {
	return PaymentRecord{
		TransactionSignature: signature,
		Amount:               amount,
		Currency:             CurrencyUSDC,
		Date:                 now,
		Status:               PaymentPending,
		ReferralAmount:       decimal.Zero,
	}
}
