package storage

import (
	"errors"
	"fmt"
)

// Storage errors shared by every backend.
var (
	// ErrNotFound is returned when a requested record does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicateKey is returned when a unique key (wallet address, referral code,
	// payment signature) already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrSignatureClaimed is returned when a transaction signature is already
	// recorded as a payment of another wallet.
	ErrSignatureClaimed = errors.New("transaction signature claimed by another wallet")
)

// Specific unique-key violations. Both match ErrDuplicateKey under errors.Is.
var (
	ErrDuplicateWallet       = fmt.Errorf("wallet address: %w", ErrDuplicateKey)
	ErrDuplicateReferralCode = fmt.Errorf("referral code: %w", ErrDuplicateKey)
)
