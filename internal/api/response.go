package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/storage"
	"solana-referral-billing/internal/subscription"
)

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]any{"error": message})
}

// mapDomainError translates service errors into a status code and client message.
func mapDomainError(err error) (int, string) {
	switch {
	case errors.Is(err, account.ErrAccountNotFound):
		return http.StatusNotFound, "User not found"
	case errors.Is(err, account.ErrAlreadyRegistered):
		return http.StatusBadRequest, "Wallet already registered"
	case errors.Is(err, account.ErrInvalidReferralCode):
		return http.StatusBadRequest, "Invalid referral code"
	case errors.Is(err, account.ErrSelfReferral):
		return http.StatusBadRequest, "Cannot use own referral code"
	case errors.Is(err, solana.ErrInvalidAddress):
		return http.StatusBadRequest, "Invalid wallet address"
	case errors.Is(err, solana.ErrInvalidSignature):
		return http.StatusBadRequest, "Invalid transaction signature format"
	case errors.Is(err, subscription.ErrSignatureClaimed):
		return http.StatusConflict, "Transaction signature already used"
	case errors.Is(err, storage.ErrInvalidInput):
		return http.StatusBadRequest, err.Error()
	default:
		return http.StatusInternalServerError, "Internal server error"
	}
}

type paymentDTO struct {
	TransactionSignature string          `json:"transactionSignature"`
	Amount               decimal.Decimal `json:"amount"`
	Currency             string          `json:"currency"`
	Date                 time.Time       `json:"date"`
	Status               string          `json:"status"`
	ReferralPaid         bool            `json:"referralPaid"`
	ReferralAmount       decimal.Decimal `json:"referralAmount"`
}

type referralDTO struct {
	ReferredUser  string          `json:"referredUser"`
	Date          time.Time       `json:"date"`
	RewardAmount  decimal.Decimal `json:"rewardAmount"`
	RewardClaimed bool            `json:"rewardClaimed"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	Status        string          `json:"status"`
}

type userDTO struct {
	WalletAddress         string          `json:"walletAddress"`
	ReferralCode          string          `json:"referralCode"`
	ReferredBy            *string         `json:"referredBy"`
	Tier                  string          `json:"tier"`
	IsActive              bool            `json:"isActive"`
	CreatedAt             time.Time       `json:"createdAt"`
	LastLoginAt           time.Time       `json:"lastLoginAt"`
	SubscriptionStatus    string          `json:"subscriptionStatus"`
	SubscriptionExpiresAt *time.Time      `json:"subscriptionExpiresAt"`
	PaymentHistory        []paymentDTO    `json:"paymentHistory"`
	ReferralCount         int64           `json:"referralCount"`
	TotalRewards          decimal.Decimal `json:"totalRewards"`
	PendingRewards        decimal.Decimal `json:"pendingRewards"`
	ClaimedRewards        decimal.Decimal `json:"claimedRewards"`
	ReferralHistory       []referralDTO   `json:"referralHistory"`
	Last24HoursRewards    decimal.Decimal `json:"last24HoursRewards"`
	Last24HoursUpdate     time.Time       `json:"last24HoursUpdate"`
}

// loginDTO is the reduced account view returned by login.
type loginDTO struct {
	WalletAddress  string          `json:"walletAddress"`
	ReferralCode   string          `json:"referralCode"`
	ReferralCount  int64           `json:"referralCount"`
	TotalRewards   decimal.Decimal `json:"totalRewards"`
	PendingRewards decimal.Decimal `json:"pendingRewards"`
	ReferredBy     *string         `json:"referredBy"`
}

func toPayments(records []domain.PaymentRecord) []paymentDTO {
	out := make([]paymentDTO, 0, len(records))
	for _, p := range records {
		out = append(out, paymentDTO{
			TransactionSignature: p.TransactionSignature,
			Amount:               p.Amount,
			Currency:             p.Currency,
			Date:                 p.Date,
			Status:               string(p.Status),
			ReferralPaid:         p.ReferralPaid,
			ReferralAmount:       p.ReferralAmount,
		})
	}
	return out
}

func toUser(a *domain.Account) userDTO {
	referrals := make([]referralDTO, 0, len(a.ReferralHistory))
	for _, r := range a.ReferralHistory {
		referrals = append(referrals, referralDTO{
			ReferredUser:  r.ReferredUser,
			Date:          r.Date,
			RewardAmount:  r.RewardAmount,
			RewardClaimed: r.RewardClaimed,
			ClaimedAt:     r.ClaimedAt,
			Status:        string(r.Status),
		})
	}
	return userDTO{
		WalletAddress:         a.WalletAddress,
		ReferralCode:          a.ReferralCode,
		ReferredBy:            a.ReferredBy,
		Tier:                  string(a.Tier),
		IsActive:              a.IsActive,
		CreatedAt:             a.CreatedAt,
		LastLoginAt:           a.LastLoginAt,
		SubscriptionStatus:    string(a.SubscriptionStatus),
		SubscriptionExpiresAt: a.SubscriptionExpiresAt,
		PaymentHistory:        toPayments(a.PaymentHistory),
		ReferralCount:         a.ReferralCount,
		TotalRewards:          a.TotalRewards,
		PendingRewards:        a.PendingRewards,
		ClaimedRewards:        a.ClaimedRewards,
		ReferralHistory:       referrals,
		Last24HoursRewards:    a.Last24HoursRewards,
		Last24HoursUpdate:     a.Last24HoursUpdate,
	}
}

func toLogin(a *domain.Account) loginDTO {
	return loginDTO{
		WalletAddress:  a.WalletAddress,
		ReferralCode:   a.ReferralCode,
		ReferralCount:  a.ReferralCount,
		TotalRewards:   a.TotalRewards,
		PendingRewards: a.PendingRewards,
		ReferredBy:     a.ReferredBy,
	}
}

// activeError is the body returned when a subscription is already running.
func activeError(e *subscription.ActiveError) map[string]any {
	return map[string]any{
		"error":     "Subscription already active",
		"expiresAt": e.ExpiresAt,
	}
}
