package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"solana-referral-billing/internal/subscription"
)

type walletRequest struct {
	WalletAddress string `json:"walletAddress"`
	ReferralCode  string `json:"referralCode"`
}

type verifyRequest struct {
	WalletAddress string `json:"walletAddress"`
	Signature     string `json:"signature"`
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return false
	}
	return true
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, msg := mapDomainError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("operation", op),
			zap.String("request_id", requestIDFromContext(r.Context())),
			zap.Error(err),
		)
	}
	writeError(w, status, msg)
}

func (h *Handler) signup(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.accounts.Signup(r.Context(), strings.TrimSpace(req.WalletAddress), strings.TrimSpace(req.ReferralCode))
	if err != nil {
		h.fail(w, r, "signup", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":      true,
		"referralCode": a.ReferralCode,
	})
}

func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := h.accounts.Login(r.Context(), strings.TrimSpace(req.WalletAddress))
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    toLogin(a),
	})
}

func (h *Handler) getUser(w http.ResponseWriter, r *http.Request) {
	a, err := h.accounts.Get(r.Context(), chi.URLParam(r, "walletAddress"))
	if err != nil {
		h.fail(w, r, "get_user", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    toUser(a),
	})
}

func (h *Handler) applyReferral(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ReferralCode) == "" {
		writeError(w, http.StatusBadRequest, "Referral code required")
		return
	}
	wallet := strings.TrimSpace(req.WalletAddress)
	if _, err := h.accounts.ApplyReferralCode(r.Context(), wallet, req.ReferralCode); err != nil {
		h.fail(w, r, "apply_referral", err)
		return
	}
	a, err := h.accounts.Get(r.Context(), wallet)
	if err != nil {
		h.fail(w, r, "apply_referral", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":    true,
		"referredBy": a.ReferredBy,
	})
}

func (h *Handler) createIntent(w http.ResponseWriter, r *http.Request) {
	var req walletRequest
	if !decodeBody(w, r, &req) {
		return
	}
	intent, err := h.subscriptions.CreatePaymentIntent(r.Context(), strings.TrimSpace(req.WalletAddress), strings.TrimSpace(req.ReferralCode))
	if err != nil {
		var active *subscription.ActiveError
		if errors.As(err, &active) {
			writeJSON(w, http.StatusBadRequest, activeError(active))
			return
		}
		h.fail(w, r, "create_intent", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"amount":          intent.Amount,
		"merchantWallet":  intent.MerchantWallet,
		"reference":       intent.Reference,
		"referralApplied": intent.ReferralApplied,
		"transaction":     intent.Transaction,
	})
}

func (h *Handler) verifyPayment(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Signature) == "" {
		writeError(w, http.StatusBadRequest, "Transaction signature required")
		return
	}
	res, err := h.subscriptions.VerifyPayment(r.Context(), strings.TrimSpace(req.WalletAddress), req.Signature)
	if err != nil {
		h.fail(w, r, "verify_payment", err)
		return
	}
	body := map[string]any{
		"success":   true,
		"message":   res.Message,
		"signature": res.Signature,
		"status":    res.Status,
	}
	if res.Error != "" {
		body["error"] = res.Error
	}
	writeJSON(w, http.StatusOK, body)
}

func (h *Handler) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := h.subscriptions.Status(r.Context(), chi.URLParam(r, "walletAddress"))
	if err != nil {
		h.fail(w, r, "get_status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"isActive":       st.IsActive,
		"status":         st.Status,
		"expiresAt":      st.ExpiresAt,
		"paymentHistory": toPayments(st.PaymentHistory),
	})
}

func (h *Handler) queueMetrics(w http.ResponseWriter, r *http.Request) {
	stats, err := h.subscriptions.QueueStats(r.Context())
	if err != nil {
		h.fail(w, r, "queue_metrics", err)
		return
	}
	body := map[string]any{
		"success": true,
		"metrics": stats,
	}
	outcomes, err := h.subscriptions.OutcomeCounts(r.Context(), 24*time.Hour)
	if err != nil {
		h.logger.Warn("outcome counts unavailable", zap.Error(err))
	} else if outcomes != nil {
		body["outcomes24h"] = outcomes
	}
	writeJSON(w, http.StatusOK, body)
}
