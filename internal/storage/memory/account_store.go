package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/storage"
)

// AccountStore is an in-memory implementation of storage.AccountStore.
// A single mutex makes every method one atomic read-modify-write.
type AccountStore struct {
	mu         sync.RWMutex
	data       map[string]*domain.Account // keyed by wallet_address
	codes      map[string]string          // referral_code -> wallet_address
	signatures map[string]string          // transaction_signature -> wallet_address
}

// NewAccountStore creates a new in-memory account store.
func NewAccountStore() *AccountStore {
	return &AccountStore{
		data:       make(map[string]*domain.Account),
		codes:      make(map[string]string),
		signatures: make(map[string]string),
	}
}

// Create inserts a new account.
func (s *AccountStore) Create(_ context.Context, a *domain.Account) error {
	if a == nil || a.WalletAddress == "" || a.ReferralCode == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[a.WalletAddress]; exists {
		return storage.ErrDuplicateWallet
	}
	if _, exists := s.codes[a.ReferralCode]; exists {
		return storage.ErrDuplicateReferralCode
	}
	for _, p := range a.PaymentHistory {
		if _, claimed := s.signatures[p.TransactionSignature]; claimed {
			return storage.ErrSignatureClaimed
		}
	}

	s.data[a.WalletAddress] = a.Clone()
	s.codes[a.ReferralCode] = a.WalletAddress
	for _, p := range a.PaymentHistory {
		s.signatures[p.TransactionSignature] = a.WalletAddress
	}
	return nil
}

// GetByWallet retrieves an account by wallet address.
func (s *AccountStore) GetByWallet(_ context.Context, wallet string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.data[wallet]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return a.Clone(), nil
}

// GetByReferralCode retrieves an account by referral code.
func (s *AccountStore) GetByReferralCode(_ context.Context, code string) (*domain.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallet, exists := s.codes[code]
	if !exists {
		return nil, storage.ErrNotFound
	}
	return s.data[wallet].Clone(), nil
}

// ListWallets returns every wallet address, ordered ascending.
func (s *AccountStore) ListWallets(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wallets := make([]string, 0, len(s.data))
	for w := range s.data {
		wallets = append(wallets, w)
	}
	sort.Strings(wallets)
	return wallets, nil
}

// TouchLogin sets LastLoginAt.
func (s *AccountStore) TouchLogin(_ context.Context, wallet string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return storage.ErrNotFound
	}
	a.LastLoginAt = at
	return nil
}

// SetReferredBy sets ReferredBy only if unset.
func (s *AccountStore) SetReferredBy(_ context.Context, wallet, referrer string) (bool, error) {
	if referrer == "" || referrer == wallet {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return false, storage.ErrNotFound
	}
	if a.ReferredBy != nil {
		return false, nil
	}
	a.ReferredBy = &referrer
	return true, nil
}

// UpsertPendingPayment marks the payment PENDING, appending it if absent.
// A signature already recorded for another wallet is rejected with
// storage.ErrSignatureClaimed.
func (s *AccountStore) UpsertPendingPayment(_ context.Context, wallet string, p domain.PaymentRecord) (domain.PaymentStatus, error) {
	if p.TransactionSignature == "" {
		return "", storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return "", storage.ErrNotFound
	}
	if owner, claimed := s.signatures[p.TransactionSignature]; claimed && owner != wallet {
		return "", storage.ErrSignatureClaimed
	}

	i := a.FindPayment(p.TransactionSignature)
	if i < 0 {
		p.Status = domain.PaymentPending
		a.PaymentHistory = append(a.PaymentHistory, p)
		s.signatures[p.TransactionSignature] = wallet
		return "", nil
	}

	prev := a.PaymentHistory[i].Status
	if prev == domain.PaymentConfirmed {
		return prev, nil
	}
	a.PaymentHistory[i].Status = domain.PaymentPending
	a.PaymentHistory[i].Amount = p.Amount
	return prev, nil
}

// ConfirmPayment transitions PENDING to CONFIRMED and activates the subscription.
func (s *AccountStore) ConfirmPayment(_ context.Context, wallet, signature string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return false, storage.ErrNotFound
	}
	i := a.FindPayment(signature)
	if i < 0 {
		return false, storage.ErrNotFound
	}
	if a.PaymentHistory[i].Status != domain.PaymentPending {
		return false, nil
	}

	a.PaymentHistory[i].Status = domain.PaymentConfirmed
	a.SubscriptionStatus = domain.SubscriptionActive
	a.SubscriptionExpiresAt = &expiresAt
	return true, nil
}

// MarkPaymentFailed transitions PENDING to FAILED.
func (s *AccountStore) MarkPaymentFailed(_ context.Context, wallet, signature string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return false, storage.ErrNotFound
	}
	i := a.FindPayment(signature)
	if i < 0 {
		return false, storage.ErrNotFound
	}
	if a.PaymentHistory[i].Status != domain.PaymentPending {
		return false, nil
	}
	a.PaymentHistory[i].Status = domain.PaymentFailed
	return true, nil
}

// ApplyReferralReward credits the referrer once per payer signature.
func (s *AccountStore) ApplyReferralReward(_ context.Context, r domain.ReferralReward) (bool, error) {
	if r.Referrer == "" || r.Payer == "" || r.Signature == "" || r.Referrer == r.Payer {
		return false, storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	payer, exists := s.data[r.Payer]
	if !exists {
		return false, storage.ErrNotFound
	}
	referrer, exists := s.data[r.Referrer]
	if !exists {
		return false, storage.ErrNotFound
	}
	i := payer.FindPayment(r.Signature)
	if i < 0 {
		return false, storage.ErrNotFound
	}
	if payer.PaymentHistory[i].ReferralPaid {
		return false, nil
	}

	payer.PaymentHistory[i].ReferralPaid = true
	payer.PaymentHistory[i].ReferralAmount = r.Amount

	referrer.AddRewards(r.Deltas())
	referrer.ReferralHistory = append(referrer.ReferralHistory, domain.ReferralRecord{
		ReferredUser:    r.Payer,
		SourceSignature: r.Signature,
		Date:            r.At,
		RewardAmount:    r.Amount,
		Status:          domain.ReferralPending,
	})
	return true, nil
}

// IncrementRewardFields adds deltas to the reward counters.
func (s *AccountStore) IncrementRewardFields(_ context.Context, wallet string, d domain.RewardDeltas) error {
	if !d.Balanced() {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return storage.ErrNotFound
	}
	a.AddRewards(d)
	return nil
}

// RefreshRollingRewards recomputes the rolling 24h reward cache.
func (s *AccountStore) RefreshRollingRewards(_ context.Context, wallet string, now time.Time) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.data[wallet]
	if !exists {
		return decimal.Zero, storage.ErrNotFound
	}
	a.Last24HoursRewards = domain.RollingRewards(a.ReferralHistory, now)
	a.Last24HoursUpdate = now
	return a.Last24HoursRewards, nil
}

// Verify interface compliance at compile time.
var _ storage.AccountStore = (*AccountStore)(nil)
