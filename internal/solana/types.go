package solana

import "github.com/shopspring/decimal"

// TokenBalance is an SPL token account balance before or after a transaction.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       string // raw integer amount in smallest units
	Decimals     int
}

// RawAmount parses Amount, which is an integer string in smallest units.
func (b TokenBalance) RawAmount() (decimal.Decimal, error) {
	return decimal.NewFromString(b.Amount)
}

// FindBalancePair returns the pre and post balance of the first token account
// owned by owner (and of mint when mint != "") that appears in both lists.
// Entries are matched by AccountIndex, not by list position.
func FindBalancePair(pre, post []TokenBalance, owner, mint string) (TokenBalance, TokenBalance, bool) {
	for _, after := range post {
		if !after.ownedBy(owner, mint) {
			continue
		}
		for _, before := range pre {
			if before.AccountIndex == after.AccountIndex && before.ownedBy(owner, mint) {
				return before, after, true
			}
		}
	}
	return TokenBalance{}, TokenBalance{}, false
}

func (b TokenBalance) ownedBy(owner, mint string) bool {
	return b.Owner == owner && (mint == "" || b.Mint == mint)
}

// SignatureNotification is delivered once a subscribed signature reaches the requested commitment.
type SignatureNotification struct {
	Signature string
	Slot      int64
	Err       interface{}
}
