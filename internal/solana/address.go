package solana

import (
	"errors"
	"fmt"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Encoded sizes of Solana keys and signatures.
const (
	PublicKeyLength = 32
	SignatureLength = 64
)

var (
	// ErrInvalidAddress is returned for strings that are not a base58 32-byte public key.
	ErrInvalidAddress = errors.New("invalid solana address")
	// ErrInvalidSignature is returned for strings that are not a base58 64-byte signature.
	ErrInvalidSignature = errors.New("invalid transaction signature")
)

// ValidateAddress checks that s decodes to a 32-byte public key.
func ValidateAddress(s string) error {
	decoded, err := base58.Decode(s)
	if err != nil || len(decoded) != PublicKeyLength {
		return fmt.Errorf("%w: %q", ErrInvalidAddress, s)
	}
	return nil
}

// ValidateWalletAddress checks that s is a public key on the ed25519 curve.
// Program-derived addresses are off-curve and cannot sign, so they are rejected.
func ValidateWalletAddress(s string) error {
	if err := ValidateAddress(s); err != nil {
		return err
	}
	decoded, _ := base58.Decode(s)
	if !isOnCurve(decoded) {
		return fmt.Errorf("%w: %q is not on the ed25519 curve", ErrInvalidAddress, s)
	}
	return nil
}

// ValidateSignature checks that s decodes to a 64-byte transaction signature.
func ValidateSignature(s string) error {
	decoded, err := base58.Decode(s)
	if err != nil || len(decoded) != SignatureLength {
		return fmt.Errorf("%w: %q", ErrInvalidSignature, s)
	}
	return nil
}

func isOnCurve(point []byte) bool {
	if len(point) != PublicKeyLength {
		return false
	}
	_, err := new(edwards25519.Point).SetBytes(point)
	return err == nil
}
