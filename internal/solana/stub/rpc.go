package stub

import (
	"context"
	"sync"

	"solana-referral-billing/internal/solana"
)

// RPCClient implements solana.RPCClient for testing.
// A transaction becomes visible after VisibleAfter[signature] lookups, which
// simulates ledger latency for the verification poll loop.
type RPCClient struct {
	mu           sync.Mutex
	Transactions map[string]*solana.Transaction
	VisibleAfter map[string]int   // lookups returning not-found before the transaction appears
	Errors       map[string]error // returned for every lookup of the signature
	Calls        map[string]int
	Commitments  []solana.Commitment
	Slot         int64
	HealthErr    error
}

// NewRPCClient creates a new stub RPC client.
func NewRPCClient() *RPCClient {
	return &RPCClient{
		Transactions: make(map[string]*solana.Transaction),
		VisibleAfter: make(map[string]int),
		Errors:       make(map[string]error),
		Calls:        make(map[string]int),
	}
}

// GetTransaction returns the stored transaction, (nil, nil) while it is not yet visible.
func (c *RPCClient) GetTransaction(_ context.Context, signature string, opts solana.GetTransactionOpts) (*solana.Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.Calls[signature]++
	c.Commitments = append(c.Commitments, opts.Commitment)

	if err, ok := c.Errors[signature]; ok {
		return nil, err
	}
	tx, ok := c.Transactions[signature]
	if !ok || c.Calls[signature] <= c.VisibleAfter[signature] {
		return nil, nil
	}
	return tx, nil
}

// GetHealth returns HealthErr.
func (c *RPCClient) GetHealth(_ context.Context) error {
	return c.HealthErr
}

// GetSlot returns Slot.
func (c *RPCClient) GetSlot(_ context.Context) (int64, error) {
	return c.Slot, nil
}

// AddTransaction adds a transaction to the stub store.
func (c *RPCClient) AddTransaction(tx *solana.Transaction) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Transactions[tx.Signature] = tx
}

// SetError makes every lookup of signature fail with err. A nil err clears it.
func (c *RPCClient) SetError(signature string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.Errors, signature)
		return
	}
	c.Errors[signature] = err
}

// CallCount returns how many times signature was looked up.
func (c *RPCClient) CallCount(signature string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Calls[signature]
}

// TokenTransfer builds a successful transaction in which owner's balance of mint
// grows from pre to post (raw smallest-unit amounts).
func TokenTransfer(signature, owner, mint, pre, post string) *solana.Transaction {
	return &solana.Transaction{
		Slot:      1,
		Signature: signature,
		Meta: &solana.TransactionMeta{
			PreTokenBalances:  []solana.TokenBalance{{AccountIndex: 1, Owner: owner, Mint: mint, Amount: pre, Decimals: 6}},
			PostTokenBalances: []solana.TokenBalance{{AccountIndex: 1, Owner: owner, Mint: mint, Amount: post, Decimals: 6}},
		},
	}
}

var _ solana.RPCClient = (*RPCClient)(nil)
