package storage

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"solana-referral-billing/internal/domain"
)

// AccountStore provides keyed access to account records.
// Every mutating method is a single atomic operation keyed by wallet address;
// reward counters are updated additively, never by overwriting the aggregate.
type AccountStore interface {
	// Create inserts a new account. Returns ErrDuplicateWallet or
	// ErrDuplicateReferralCode on unique-key violations.
	Create(ctx context.Context, a *domain.Account) error

	// GetByWallet retrieves an account with its histories. Returns ErrNotFound if not exists.
	GetByWallet(ctx context.Context, wallet string) (*domain.Account, error)

	// GetByReferralCode retrieves an account by referral code. Returns ErrNotFound if not exists.
	GetByReferralCode(ctx context.Context, code string) (*domain.Account, error)

	// ListWallets returns every wallet address, ordered ascending.
	ListWallets(ctx context.Context) ([]string, error)

	// TouchLogin sets LastLoginAt. Returns ErrNotFound if not exists.
	TouchLogin(ctx context.Context, wallet string, at time.Time) error

	// SetReferredBy sets ReferredBy only if it is unset. Reports whether it was applied.
	SetReferredBy(ctx context.Context, wallet, referrer string) (bool, error)

	// UpsertPendingPayment marks the payment with p.TransactionSignature PENDING,
	// appending it if absent. A CONFIRMED record is left untouched and its status returned.
	// Returns the status the record had before the call ("" when it was appended).
	UpsertPendingPayment(ctx context.Context, wallet string, p domain.PaymentRecord) (domain.PaymentStatus, error)

	// ConfirmPayment transitions a PENDING payment to CONFIRMED and activates the
	// subscription until expiresAt, in one update. Reports whether the transition happened.
	ConfirmPayment(ctx context.Context, wallet, signature string, expiresAt time.Time) (bool, error)

	// MarkPaymentFailed transitions a PENDING payment to FAILED. Reports whether it did.
	MarkPaymentFailed(ctx context.Context, wallet, signature string) (bool, error)

	// ApplyReferralReward credits r to r.Referrer if the payer's payment with
	// r.Signature has not been cascaded yet: sets ReferralPaid/ReferralAmount on the
	// payment, increments the referrer's counters and appends a ReferralRecord in one
	// transaction. Reports whether the reward was applied.
	ApplyReferralReward(ctx context.Context, r domain.ReferralReward) (bool, error)

	// IncrementRewardFields adds deltas to the account's reward counters.
	// Returns ErrInvalidInput if deltas would break total == pending + claimed.
	IncrementRewardFields(ctx context.Context, wallet string, deltas domain.RewardDeltas) error

	// RefreshRollingRewards recomputes Last24HoursRewards from the referral history
	// and stamps Last24HoursUpdate with now. Returns the new value.
	RefreshRollingRewards(ctx context.Context, wallet string, now time.Time) (decimal.Decimal, error)
}

// PaymentEvent is one verification outcome, kept for analytics.
type PaymentEvent struct {
	ID            string // idhash.ComputePaymentEventID; repeated inserts with the same ID are collapsed
	Signature     string
	WalletAddress string
	Outcome       string // "confirmed", "failed", "duplicate"
	Reason        string // error text for failures
	Amount        decimal.Decimal
	Attempt       int
	Polls         int
	Duration      time.Duration
	OccurredAt    time.Time
}

// PaymentEventStore is an append-only log of verification outcomes.
type PaymentEventStore interface {
	// Insert appends one event.
	Insert(ctx context.Context, e *PaymentEvent) error

	// GetBySignature returns all events for a signature, ordered by OccurredAt ASC.
	GetBySignature(ctx context.Context, signature string) ([]*PaymentEvent, error)

	// CountByOutcome returns event counts grouped by outcome within [start, end].
	CountByOutcome(ctx context.Context, start, end time.Time) (map[string]int64, error)
}
