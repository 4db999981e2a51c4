package verification

import "errors"

// Terminal failures. The job is not retried and a payment record owned by the
// wallet becomes FAILED.
var (
	ErrAccountNotFound            = errors.New("account not found")
	ErrVerificationTimeout        = errors.New("transaction not found before deadline")
	ErrTransactionExecutionFailed = errors.New("transaction failed on-chain")
	ErrMerchantBalanceNotFound    = errors.New("merchant balance not found")
	ErrInsufficientPayment        = errors.New("insufficient payment")
	ErrSignatureClaimed           = errors.New("transaction signature already used by another wallet")
)

// ErrTransientInfrastructure wraps store and RPC failures that the queue retries.
var ErrTransientInfrastructure = errors.New("transient infrastructure failure")

// ErrReferralCascade is logged when a referral reward could not be applied.
// It never fails the payment.
var ErrReferralCascade = errors.New("referral cascade failed")

var terminalErrors = []error{
	ErrAccountNotFound,
	ErrVerificationTimeout,
	ErrTransactionExecutionFailed,
	ErrMerchantBalanceNotFound,
	ErrInsufficientPayment,
	ErrSignatureClaimed,
}

// IsTerminal reports whether err is a business failure that retrying cannot change.
func IsTerminal(err error) bool {
	for _, target := range terminalErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
