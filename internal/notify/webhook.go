package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"solana-referral-billing/internal/observability"
)

// DefaultWebhookTimeout bounds a single webhook POST.
const DefaultWebhookTimeout = 10 * time.Second

// WebhookOption configures the webhook notifier.
type WebhookOption func(*Webhook)

// WithWebhookHTTPClient sets a custom HTTP client.
func WithWebhookHTTPClient(client *http.Client) WebhookOption {
	return func(w *Webhook) {
		w.httpClient = client
	}
}

// WithWebhookTimeout sets the per-request timeout.
func WithWebhookTimeout(d time.Duration) WebhookOption {
	return func(w *Webhook) {
		w.httpClient.Timeout = d
	}
}

// Webhook POSTs events as JSON to a fixed URL.
type Webhook struct {
	url        string
	httpClient *http.Client
}

// NewWebhook creates a webhook notifier for url.
func NewWebhook(url string, opts ...WebhookOption) *Webhook {
	w := &Webhook{
		url:        url,
		httpClient: &http.Client{Timeout: DefaultWebhookTimeout},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify POSTs e once. Any non-2xx response is an error.
func (w *Webhook) Notify(ctx context.Context, e Event) (err error) {
	defer func() { observability.RecordNotification("webhook", e.Event, err) }()

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("post webhook: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned HTTP %d", resp.StatusCode)
	}
	return nil
}

var _ Notifier = (*Webhook)(nil)
