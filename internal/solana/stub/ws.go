package stub

import (
	"context"
	"sync"

	"solana-referral-billing/internal/solana"
)

// SignatureWatcher implements solana.SignatureWatcher for testing.
// Notify delivers to every open subscription of a signature.
type SignatureWatcher struct {
	mu   sync.Mutex
	subs map[string][]chan solana.SignatureNotification
}

// NewSignatureWatcher creates a new stub watcher.
func NewSignatureWatcher() *SignatureWatcher {
	return &SignatureWatcher{subs: make(map[string][]chan solana.SignatureNotification)}
}

// SubscribeSignature registers a one-shot subscription.
func (w *SignatureWatcher) SubscribeSignature(ctx context.Context, signature string, _ solana.Commitment) (<-chan solana.SignatureNotification, error) {
	ch := make(chan solana.SignatureNotification, 1)
	w.mu.Lock()
	w.subs[signature] = append(w.subs[signature], ch)
	w.mu.Unlock()

	go func() {
		<-ctx.Done()
		w.remove(signature, ch)
	}()
	return ch, nil
}

// Notify delivers a notification for signature and closes its subscriptions.
func (w *SignatureWatcher) Notify(signature string, slot int64) {
	w.mu.Lock()
	subs := w.subs[signature]
	delete(w.subs, signature)
	w.mu.Unlock()

	for _, ch := range subs {
		ch <- solana.SignatureNotification{Signature: signature, Slot: slot}
		close(ch)
	}
}

// Subscribers returns the number of open subscriptions for signature.
func (w *SignatureWatcher) Subscribers(signature string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.subs[signature])
}

// Close is a no-op.
func (w *SignatureWatcher) Close() error { return nil }

func (w *SignatureWatcher) remove(signature string, ch chan solana.SignatureNotification) {
	w.mu.Lock()
	defer w.mu.Unlock()

	subs := w.subs[signature]
	for i, c := range subs {
		if c == ch {
			w.subs[signature] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

var _ solana.SignatureWatcher = (*SignatureWatcher)(nil)
