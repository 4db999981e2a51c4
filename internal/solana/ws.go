package solana

import "context"

// SignatureWatcher delivers a one-shot notification when a signature is processed.
type SignatureWatcher interface {
	// SubscribeSignature returns a channel that receives at most one notification
	// and is closed afterwards, or when ctx ends.
	SubscribeSignature(ctx context.Context, signature string, commitment Commitment) (<-chan SignatureNotification, error)

	// Close closes the WebSocket connection.
	Close() error
}
