// Package subscription creates payment intents, hands submitted payments to
// the verification queue and reports subscription state.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/storage"
	"solana-referral-billing/internal/verification"
)

// DefaultAwaitTimeout bounds how long VerifyPayment waits for the worker.
const DefaultAwaitTimeout = 150 * time.Second

// ErrSubscriptionActive matches *ActiveError under errors.Is.
var ErrSubscriptionActive = errors.New("subscription already active")

// ErrSignatureClaimed is returned by VerifyPayment when the transaction is
// already recorded as another wallet's payment.
var ErrSignatureClaimed = errors.New("transaction signature already used")

// ActiveError is returned by CreatePaymentIntent while a subscription is running.
type ActiveError struct {
	ExpiresAt time.Time
}

func (e *ActiveError) Error() string {
	return fmt.Sprintf("subscription already active until %s", e.ExpiresAt.Format(time.RFC3339))
}

func (e *ActiveError) Is(target error) bool { return target == ErrSubscriptionActive }

// Options configures a Service.
type Options struct {
	Store          storage.AccountStore
	Events         storage.PaymentEventStore // optional
	Accounts       *account.Service
	Queue          *queue.Queue
	Builder        TransactionBuilder
	MerchantWallet string
	TokenMint      string
	Price          decimal.Decimal
	AwaitTimeout   time.Duration
	Logger         *zap.Logger
	Now            func() time.Time
}

// Service implements the subscription payment flow.
type Service struct {
	store        storage.AccountStore
	events       storage.PaymentEventStore
	accounts     *account.Service
	queue        *queue.Queue
	builder      TransactionBuilder
	merchant     string
	mint         string
	price        decimal.Decimal
	awaitTimeout time.Duration
	logger       *zap.Logger
	now          func() time.Time
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("account store is required")
	case opts.Accounts == nil:
		return nil, errors.New("account service is required")
	case opts.Queue == nil:
		return nil, errors.New("verification queue is required")
	case opts.MerchantWallet == "":
		return nil, errors.New("merchant wallet is required")
	case !opts.Price.IsPositive():
		return nil, errors.New("subscription price must be positive")
	}

	s := &Service{
		store:        opts.Store,
		events:       opts.Events,
		accounts:     opts.Accounts,
		queue:        opts.Queue,
		builder:      opts.Builder,
		merchant:     opts.MerchantWallet,
		mint:         opts.TokenMint,
		price:        opts.Price,
		awaitTimeout: opts.AwaitTimeout,
		logger:       opts.Logger,
		now:          opts.Now,
	}
	if s.builder == nil {
		s.builder = SolanaPayBuilder{Label: "Subscription"}
	}
	if s.awaitTimeout <= 0 {
		s.awaitTimeout = DefaultAwaitTimeout
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s, nil
}

// Price returns the subscription price in currency units.
func (s *Service) Price() decimal.Decimal { return s.price }

// PaymentIntent is what a client needs to pay for a subscription.
type PaymentIntent struct {
	Amount          decimal.Decimal `json:"amount"`
	MerchantWallet  string          `json:"merchantWallet"`
	Reference       string          `json:"reference"`
	ReferralApplied bool            `json:"referralApplied"`
	Transaction     string          `json:"transaction"`
}

// CreatePaymentIntent prepares a subscription payment for wallet. A non-empty
// referralCode is applied first if the account has no referrer yet; unknown
// codes are ignored.
func (s *Service) CreatePaymentIntent(ctx context.Context, wallet, referralCode string) (*PaymentIntent, error) {
	a, err := s.accounts.Get(ctx, wallet)
	if err != nil {
		return nil, err
	}

	if a.IsSubscriptionActive(s.now()) {
		return nil, &ActiveError{ExpiresAt: *a.SubscriptionExpiresAt}
	}

	referred := a.ReferredBy != nil
	if referralCode != "" && !referred {
		ok, err := s.accounts.ApplyReferralCode(ctx, wallet, referralCode)
		switch {
		case err == nil:
			referred = ok
		case errors.Is(err, account.ErrInvalidReferralCode), errors.Is(err, account.ErrSelfReferral):
			s.logger.Info("ignoring referral code on intent",
				zap.String("wallet", wallet),
				zap.String("code", referralCode),
				zap.Error(err),
			)
		default:
			return nil, err
		}
	}

	tx, err := s.builder.BuildTransaction(ctx, TransactionRequest{
		Payer:     wallet,
		Recipient: s.merchant,
		Mint:      s.mint,
		Amount:    s.price,
		Reference: wallet,
		Memo:      "subscription:" + wallet,
	})
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}

	return &PaymentIntent{
		Amount:          s.price,
		MerchantWallet:  s.merchant,
		Reference:       wallet,
		ReferralApplied: referred,
		Transaction:     tx,
	}, nil
}

// VerifyResult reports where a submitted payment stands when VerifyPayment returns.
type VerifyResult struct {
	Signature string               `json:"signature"`
	Status    domain.PaymentStatus `json:"status"`
	Message   string               `json:"message"`
	Error     string               `json:"error,omitempty"`
}

// VerifyPayment records signature as a PENDING payment of wallet, queues its
// verification and waits up to the await timeout for the outcome. When the
// wait runs out the job keeps running and the result reports PENDING.
func (s *Service) VerifyPayment(ctx context.Context, wallet, signature string) (*VerifyResult, error) {
	signature = strings.TrimSpace(signature)
	if err := solana.ValidateSignature(signature); err != nil {
		return nil, err
	}

	prev, err := s.store.UpsertPendingPayment(ctx, wallet, domain.NewPendingPayment(signature, s.price, s.now()))
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			return nil, account.ErrAccountNotFound
		case errors.Is(err, storage.ErrSignatureClaimed):
			return nil, ErrSignatureClaimed
		}
		return nil, fmt.Errorf("mark payment pending: %w", err)
	}
	if prev == domain.PaymentConfirmed {
		return &VerifyResult{
			Signature: signature,
			Status:    domain.PaymentConfirmed,
			Message:   "Payment already confirmed",
		}, nil
	}

	awaitCtx, cancel := context.WithTimeout(ctx, s.awaitTimeout)
	defer cancel()

	res, err := verification.QueuePaymentVerification(awaitCtx, s.queue, verification.Request{
		Signature:      signature,
		WalletAddress:  wallet,
		ExpectedAmount: s.price,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			s.logger.Info("verification still running",
				zap.String("signature", signature),
				zap.Duration("waited", s.awaitTimeout),
			)
			return &VerifyResult{
				Signature: signature,
				Status:    domain.PaymentPending,
				Message:   "Payment verification queued",
			}, nil
		}
		return nil, err
	}

	if res.Success {
		return &VerifyResult{
			Signature: signature,
			Status:    domain.PaymentConfirmed,
			Message:   "Payment verified",
		}, nil
	}
	return &VerifyResult{
		Signature: signature,
		Status:    domain.PaymentFailed,
		Message:   "Payment verification failed",
		Error:     res.Error,
	}, nil
}

// Status is the subscription state of an account.
type Status struct {
	IsActive       bool                      `json:"isActive"`
	Status         domain.SubscriptionStatus `json:"status"`
	ExpiresAt      *time.Time                `json:"expiresAt"`
	PaymentHistory []domain.PaymentRecord    `json:"paymentHistory"`
}

// Status returns wallet's subscription state. A stored ACTIVE status past its
// expiry is reported as EXPIRED.
func (s *Service) Status(ctx context.Context, wallet string) (*Status, error) {
	a, err := s.store.GetByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, account.ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	active := a.IsSubscriptionActive(s.now())
	status := a.SubscriptionStatus
	if status == domain.SubscriptionActive && !active {
		status = domain.SubscriptionExpired
	}
	history := a.PaymentHistory
	if history == nil {
		history = []domain.PaymentRecord{}
	}
	return &Status{
		IsActive:       active,
		Status:         status,
		ExpiresAt:      a.SubscriptionExpiresAt,
		PaymentHistory: history,
	}, nil
}

// QueueStats returns verification queue counters.
func (s *Service) QueueStats(ctx context.Context) (queue.Stats, error) {
	return s.queue.Stats(ctx)
}

// OutcomeCounts returns verification outcomes recorded within window before
// now. Returns nil when no event store is configured.
func (s *Service) OutcomeCounts(ctx context.Context, window time.Duration) (map[string]int64, error) {
	if s.events == nil {
		return nil, nil
	}
	end := s.now()
	counts, err := s.events.CountByOutcome(ctx, end.Add(-window), end)
	if err != nil {
		return nil, fmt.Errorf("count outcomes: %w", err)
	}
	return counts, nil
}
