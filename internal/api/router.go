// Package api exposes the account and subscription services over HTTP.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/subscription"
)

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

// Options configures the router.
type Options struct {
	Accounts      *account.Service
	Subscriptions *subscription.Service
	// APIKey enables X-API-Key checks on every business route when non-empty.
	APIKey       string
	HealthChecks map[string]HealthCheck
	Logger       *zap.Logger
}

// Handler serves the HTTP API.
type Handler struct {
	accounts      *account.Service
	subscriptions *subscription.Service
	healthChecks  map[string]HealthCheck
	logger        *zap.Logger
}

// NewRouter builds the chi router.
func NewRouter(opts Options) http.Handler {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	h := &Handler{
		accounts:      opts.Accounts,
		subscriptions: opts.Subscriptions,
		healthChecks:  opts.HealthChecks,
		logger:        logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(h.recoverMiddleware)
	r.Use(h.loggingMiddleware)

	r.Get("/health", h.health)
	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Group(func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Post("/signup", h.signup)
		r.Post("/login", h.login)
		r.Get("/user/{walletAddress}", h.getUser)
		r.Post("/referral/apply", h.applyReferral)

		r.Route("/subscription", func(r chi.Router) {
			r.Post("/intent", h.createIntent)
			r.Post("/verify", h.verifyPayment)
			r.Get("/status/{walletAddress}", h.getStatus)
		})
		r.Get("/queue/metrics", h.queueMetrics)
	})
	return r
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string, len(h.healthChecks))
	healthy := true
	for name, check := range h.healthChecks {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{"status": status, "checks": checks})
}
