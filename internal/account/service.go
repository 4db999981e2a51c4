// Package account implements signup, login and referral bookkeeping on top of
// an AccountStore.
package account

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/storage"
)

// ReferralCodeLength is the length of generated referral codes.
const ReferralCodeLength = 8

const (
	referralAlphabet   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeGenAttempts = 10
)

var (
	// ErrAlreadyRegistered is returned by Signup for a known wallet.
	ErrAlreadyRegistered = errors.New("wallet already registered")
	// ErrAccountNotFound is returned for wallets that never signed up.
	ErrAccountNotFound = errors.New("user not found")
	// ErrInvalidReferralCode is returned for unknown or inactive referral codes.
	ErrInvalidReferralCode = errors.New("invalid referral code")
	// ErrSelfReferral is returned when a wallet tries to use its own code.
	ErrSelfReferral = errors.New("cannot use own referral code")
)

// Options configures a Service.
type Options struct {
	Store  storage.AccountStore
	Logger *zap.Logger
	Now    func() time.Time
	// CodeGenerator overrides referral code generation. Used by tests.
	CodeGenerator func() (string, error)
}

// Service owns account lifecycle operations.
type Service struct {
	store   storage.AccountStore
	logger  *zap.Logger
	now     func() time.Time
	newCode func() (string, error)
}

// New creates a Service.
func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("account store is required")
	}
	s := &Service{
		store:   opts.Store,
		logger:  opts.Logger,
		now:     opts.Now,
		newCode: opts.CodeGenerator,
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	if s.newCode == nil {
		s.newCode = GenerateReferralCode
	}
	return s, nil
}

// GenerateReferralCode returns a random uppercase alphanumeric code.
func GenerateReferralCode() (string, error) {
	var b strings.Builder
	b.Grow(ReferralCodeLength)
	size := big.NewInt(int64(len(referralAlphabet)))
	for i := 0; i < ReferralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, size)
		if err != nil {
			return "", fmt.Errorf("generate referral code: %w", err)
		}
		b.WriteByte(referralAlphabet[n.Int64()])
	}
	return b.String(), nil
}

// Signup registers wallet with a fresh referral code. A non-empty referralCode
// links the new account to its referrer.
func (s *Service) Signup(ctx context.Context, wallet, referralCode string) (*domain.Account, error) {
	if err := solana.ValidateWalletAddress(wallet); err != nil {
		return nil, err
	}
	if _, err := s.store.GetByWallet(ctx, wallet); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("lookup wallet: %w", err)
	}

	var referrer *domain.Account
	if referralCode != "" {
		r, err := s.resolveReferrer(ctx, wallet, referralCode)
		if err != nil {
			return nil, err
		}
		referrer = r
	}

	now := s.now()
	for attempt := 1; ; attempt++ {
		code, err := s.newCode()
		if err != nil {
			return nil, err
		}

		a := domain.NewAccount(wallet, code, now)
		if referrer != nil {
			ref := referrer.WalletAddress
			a.ReferredBy = &ref
		}

		err = s.store.Create(ctx, a)
		switch {
		case err == nil:
			s.logger.Info("account created",
				zap.String("wallet", wallet),
				zap.String("referral_code", code),
				zap.Bool("referred", referrer != nil),
			)
			return a, nil
		case errors.Is(err, storage.ErrDuplicateWallet):
			return nil, ErrAlreadyRegistered
		case errors.Is(err, storage.ErrDuplicateReferralCode) && attempt < maxCodeGenAttempts:
			s.logger.Debug("referral code collision, regenerating", zap.String("code", code))
			continue
		default:
			return nil, fmt.Errorf("create account: %w", err)
		}
	}
}

// Login stamps LastLoginAt and returns the account.
func (s *Service) Login(ctx context.Context, wallet string) (*domain.Account, error) {
	if err := s.store.TouchLogin(ctx, wallet, s.now()); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("touch login: %w", err)
	}
	return s.Get(ctx, wallet)
}

// Get returns the account, refreshing the rolling 24h reward value when stale.
func (s *Service) Get(ctx context.Context, wallet string) (*domain.Account, error) {
	a, err := s.store.GetByWallet(ctx, wallet)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("get account: %w", err)
	}

	now := s.now()
	if domain.RollingRewardsStale(a.Last24HoursUpdate, now) {
		v, err := s.store.RefreshRollingRewards(ctx, wallet, now)
		if err != nil {
			// Serve the cached value; the sweep will catch up.
			s.logger.Warn("rolling reward refresh failed", zap.String("wallet", wallet), zap.Error(err))
			return a, nil
		}
		a.Last24HoursRewards = v
		a.Last24HoursUpdate = now
	}
	return a, nil
}

// ApplyReferralCode links wallet to the owner of code. The first referrer
// wins: an account that already has one is left unchanged. Reports whether
// the account has a referrer after the call.
func (s *Service) ApplyReferralCode(ctx context.Context, wallet, code string) (bool, error) {
	referrer, err := s.resolveReferrer(ctx, wallet, code)
	if err != nil {
		return false, err
	}

	applied, err := s.store.SetReferredBy(ctx, wallet, referrer.WalletAddress)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, ErrAccountNotFound
		}
		return false, fmt.Errorf("set referrer: %w", err)
	}
	if applied {
		s.logger.Info("referral code applied",
			zap.String("wallet", wallet),
			zap.String("referrer", referrer.WalletAddress),
		)
	}
	return true, nil
}

func (s *Service) resolveReferrer(ctx context.Context, wallet, code string) (*domain.Account, error) {
	referrer, err := s.store.GetByReferralCode(ctx, strings.ToUpper(strings.TrimSpace(code)))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %q", ErrInvalidReferralCode, code)
		}
		return nil, fmt.Errorf("lookup referral code: %w", err)
	}
	if !referrer.IsActive {
		return nil, fmt.Errorf("%w: %q", ErrInvalidReferralCode, code)
	}
	if referrer.WalletAddress == wallet {
		return nil, ErrSelfReferral
	}
	return referrer, nil
}

// SweepResult summarizes one rolling-reward sweep.
type SweepResult struct {
	Refreshed int
	Failed    int
	Total     decimal.Decimal
}

// RunRollingSweep recomputes the rolling 24h reward value of every account.
// Individual failures are logged and counted; the sweep continues.
func (s *Service) RunRollingSweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	var res SweepResult
	res.Total = decimal.Zero

	wallets, err := s.store.ListWallets(ctx)
	if err != nil {
		observability.RecordRollingSweep("error")
		return res, fmt.Errorf("list wallets: %w", err)
	}

	now := s.now()
	for _, w := range wallets {
		if err := ctx.Err(); err != nil {
			observability.RecordRollingSweep("cancelled")
			return res, err
		}
		v, err := s.store.RefreshRollingRewards(ctx, w, now)
		if err != nil {
			res.Failed++
			s.logger.Warn("rolling sweep: refresh failed", zap.String("wallet", w), zap.Error(err))
			continue
		}
		res.Refreshed++
		res.Total = res.Total.Add(v)
	}

	observability.RecordRollingSweep("ok")
	s.logger.Info("rolling sweep completed",
		zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed),
		zap.String("total_24h", res.Total.String()),
		zap.Duration("elapsed", time.Since(start)),
	)
	return res, nil
}

// RunSweepLoop runs RunRollingSweep every interval until ctx is done.
func (s *Service) RunSweepLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.RunRollingSweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Error("rolling sweep failed", zap.Error(err))
			}
		}
	}
}
