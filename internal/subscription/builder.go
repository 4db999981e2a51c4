package subscription

import (
	"context"
	"errors"
	"net/url"

	"github.com/shopspring/decimal"
)

// TransactionRequest describes the payment a client should sign.
type TransactionRequest struct {
	Payer     string
	Recipient string
	Mint      string
	Amount    decimal.Decimal
	Reference string
	Memo      string
}

// TransactionBuilder turns a payment into something the client wallet can
// sign and submit. The returned string is passed through to the client as is.
type TransactionBuilder interface {
	BuildTransaction(ctx context.Context, req TransactionRequest) (string, error)
}

// SolanaPayBuilder encodes payments as Solana Pay transfer request URLs
// (solana:<recipient>?amount=..&spl-token=..&reference=..).
type SolanaPayBuilder struct {
	Label string
}

// BuildTransaction implements TransactionBuilder.
func (b SolanaPayBuilder) BuildTransaction(_ context.Context, req TransactionRequest) (string, error) {
	if req.Recipient == "" {
		return "", errors.New("recipient is required")
	}
	if !req.Amount.IsPositive() {
		return "", errors.New("amount must be positive")
	}

	q := url.Values{}
	q.Set("amount", req.Amount.String())
	if req.Mint != "" {
		q.Set("spl-token", req.Mint)
	}
	if req.Reference != "" {
		q.Set("reference", req.Reference)
	}
	if b.Label != "" {
		q.Set("label", b.Label)
	}
	if req.Memo != "" {
		q.Set("memo", req.Memo)
	}

	u := url.URL{Scheme: "solana", Opaque: req.Recipient, RawQuery: q.Encode()}
	return u.String(), nil
}

var _ TransactionBuilder = SolanaPayBuilder{}
