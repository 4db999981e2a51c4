package solana

import "context"

// Commitment is the ledger confirmation level a query is evaluated at.
type Commitment string

const (
	CommitmentProcessed Commitment = "processed"
	CommitmentConfirmed Commitment = "confirmed"
	CommitmentFinalized Commitment = "finalized"
)

// GetTransactionOpts configures getTransaction.
type GetTransactionOpts struct {
	Commitment Commitment // defaults to confirmed
}

// TransactionFetcher looks up a transaction by signature.
// Returns (nil, nil) when the transaction is not yet visible at the requested commitment.
type TransactionFetcher interface {
	GetTransaction(ctx context.Context, signature string, opts GetTransactionOpts) (*Transaction, error)
}

// RPCClient defines the Solana RPC HTTP calls used by the service.
type RPCClient interface {
	TransactionFetcher

	// GetHealth returns nil when the node reports "ok".
	GetHealth(ctx context.Context) error

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Transaction represents a Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{} // non-nil when the transaction failed on-chain
	LogMessages       []string
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
}

// TransactionMessage contains parsed transaction message.
type TransactionMessage struct {
	AccountKeys []string
}
