package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/solana/stub"
	"solana-referral-billing/internal/storage/memory"
	"solana-referral-billing/internal/subscription"
	"solana-referral-billing/internal/verification"
)

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

var fixedNow = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testWallet(t *testing.T, seed byte) string {
	t.Helper()
	scalar, err := edwards25519.NewScalar().SetUniformBytes(bytes.Repeat([]byte{seed}, 64))
	require.NoError(t, err)
	return base58.Encode(new(edwards25519.Point).ScalarBaseMult(scalar).Bytes())
}

type testServer struct {
	srv      *httptest.Server
	rpc      *stub.RPCClient
	merchant string
	apiKey   string
}

func newTestServer(t *testing.T, apiKey string, checks map[string]HealthCheck) *testServer {
	t.Helper()

	store := memory.NewAccountStore()
	rpc := stub.NewRPCClient()
	merchant := testWallet(t, 200)
	now := func() time.Time { return fixedNow }

	accounts, err := account.New(account.Options{Store: store, Now: now})
	require.NoError(t, err)

	q := queue.New(queue.NewMemoryBackend(), queue.Options{
		BackoffBase: 5 * time.Millisecond,
		PopTimeout:  10 * time.Millisecond,
	})
	verifier, err := verification.New(verification.Options{
		Store:          store,
		Fetcher:        rpc,
		MerchantWallet: merchant,
		TokenMint:      usdcMint,
		PollInterval:   time.Millisecond,
		MaxPolls:       10,
		Now:            now,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = q.Process(ctx, verifier.Handle, 2)
	}()

	subs, err := subscription.New(subscription.Options{
		Store:          store,
		Accounts:       accounts,
		Queue:          q,
		MerchantWallet: merchant,
		TokenMint:      usdcMint,
		Price:          decimal.NewFromInt(10),
		AwaitTimeout:   5 * time.Second,
		Now:            now,
	})
	require.NoError(t, err)

	srv := httptest.NewServer(NewRouter(Options{
		Accounts:      accounts,
		Subscriptions: subs,
		APIKey:        apiKey,
		HealthChecks:  checks,
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		<-done
	})
	return &testServer{srv: srv, rpc: rpc, merchant: merchant, apiKey: apiKey}
}

func (s *testServer) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func TestSignupAndLogin(t *testing.T) {
	s := newTestServer(t, "", nil)
	w := testWallet(t, 1)

	code, body := s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["success"])
	assert.Len(t, body["referralCode"], account.ReferralCodeLength)

	code, body = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Wallet already registered", body["error"])

	code, body = s.do(t, http.MethodPost, "/login", map[string]string{"walletAddress": w})
	require.Equal(t, http.StatusOK, code)
	user := body["user"].(map[string]any)
	assert.Equal(t, w, user["walletAddress"])
	assert.Equal(t, "0", user["totalRewards"])
	assert.Nil(t, user["referredBy"])

	code, body = s.do(t, http.MethodPost, "/login", map[string]string{"walletAddress": testWallet(t, 9)})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "User not found", body["error"])
}

func TestSignup_BadInput(t *testing.T) {
	s := newTestServer(t, "", nil)

	code, body := s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": "nope"})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid wallet address", body["error"])

	code, body = s.do(t, http.MethodPost, "/signup", map[string]string{
		"walletAddress": testWallet(t, 1),
		"referralCode":  "MISSING1",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid referral code", body["error"])
}

func TestGetUser(t *testing.T) {
	s := newTestServer(t, "", nil)
	w := testWallet(t, 1)
	_, _ = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w})

	code, body := s.do(t, http.MethodGet, "/user/"+w, nil)
	require.Equal(t, http.StatusOK, code)
	user := body["user"].(map[string]any)
	assert.Equal(t, "BASIC", user["tier"])
	assert.Equal(t, "INACTIVE", user["subscriptionStatus"])
	assert.Empty(t, user["paymentHistory"])

	code, _ = s.do(t, http.MethodGet, "/user/"+testWallet(t, 9), nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestSubscriptionFlow(t *testing.T) {
	s := newTestServer(t, "", nil)
	w1, w2 := testWallet(t, 1), testWallet(t, 2)

	_, body := s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w1})
	refCode := body["referralCode"].(string)
	_, _ = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w2})

	code, body := s.do(t, http.MethodPost, "/subscription/intent", map[string]string{
		"walletAddress": w2,
		"referralCode":  refCode,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "10", body["amount"])
	assert.Equal(t, s.merchant, body["merchantWallet"])
	assert.Equal(t, w2, body["reference"])
	assert.Equal(t, true, body["referralApplied"])
	assert.Contains(t, body["transaction"], "solana:"+s.merchant)

	sig := base58.Encode(bytes.Repeat([]byte{4}, solana.SignatureLength))
	s.rpc.AddTransaction(stub.TokenTransfer(sig, s.merchant, usdcMint, "0", "10000000"))

	code, body = s.do(t, http.MethodPost, "/subscription/verify", map[string]string{
		"walletAddress": w2,
		"signature":     sig,
	})
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "CONFIRMED", body["status"])
	assert.Equal(t, sig, body["signature"])

	code, body = s.do(t, http.MethodGet, "/subscription/status/"+w2, nil)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["isActive"])
	assert.Equal(t, "ACTIVE", body["status"])
	history := body["paymentHistory"].([]any)
	require.Len(t, history, 1)
	assert.Equal(t, "CONFIRMED", history[0].(map[string]any)["status"])
	assert.Equal(t, true, history[0].(map[string]any)["referralPaid"])

	code, body = s.do(t, http.MethodPost, "/subscription/intent", map[string]string{"walletAddress": w2})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Subscription already active", body["error"])
	assert.NotEmpty(t, body["expiresAt"])

	_, body = s.do(t, http.MethodGet, "/user/"+w1, nil)
	user := body["user"].(map[string]any)
	assert.Equal(t, float64(1), user["referralCount"])
	assert.Equal(t, "10", user["pendingRewards"])

	code, body = s.do(t, http.MethodGet, "/queue/metrics", nil)
	require.Equal(t, http.StatusOK, code)
	metrics := body["metrics"].(map[string]any)
	assert.Equal(t, float64(1), metrics["processed"])
}

func TestVerifyPayment_Validation(t *testing.T) {
	s := newTestServer(t, "", nil)

	code, body := s.do(t, http.MethodPost, "/subscription/verify", map[string]string{"walletAddress": testWallet(t, 1)})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Transaction signature required", body["error"])

	code, body = s.do(t, http.MethodPost, "/subscription/verify", map[string]string{
		"walletAddress": testWallet(t, 1),
		"signature":     "short",
	})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Invalid transaction signature format", body["error"])

	sig := base58.Encode(bytes.Repeat([]byte{5}, solana.SignatureLength))
	code, body = s.do(t, http.MethodPost, "/subscription/verify", map[string]string{
		"walletAddress": testWallet(t, 1),
		"signature":     sig,
	})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "User not found", body["error"])
}

func TestVerifyPayment_SignatureAlreadyUsed(t *testing.T) {
	s := newTestServer(t, "", nil)
	w1, w2 := testWallet(t, 1), testWallet(t, 2)
	_, _ = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w1})
	_, _ = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w2})

	sig := base58.Encode(bytes.Repeat([]byte{7}, solana.SignatureLength))
	s.rpc.AddTransaction(stub.TokenTransfer(sig, s.merchant, usdcMint, "0", "10000000"))

	code, body := s.do(t, http.MethodPost, "/subscription/verify", map[string]string{"walletAddress": w1, "signature": sig})
	require.Equal(t, http.StatusOK, code, body)
	require.Equal(t, "CONFIRMED", body["status"])

	code, body = s.do(t, http.MethodPost, "/subscription/verify", map[string]string{"walletAddress": w2, "signature": sig})
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "Transaction signature already used", body["error"])
}

func TestApplyReferral(t *testing.T) {
	s := newTestServer(t, "", nil)
	w1, w2 := testWallet(t, 1), testWallet(t, 2)
	_, body := s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w1})
	refCode := body["referralCode"].(string)
	_, _ = s.do(t, http.MethodPost, "/signup", map[string]string{"walletAddress": w2})

	code, body := s.do(t, http.MethodPost, "/referral/apply", map[string]string{"walletAddress": w1, "referralCode": refCode})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "Cannot use own referral code", body["error"])

	code, body = s.do(t, http.MethodPost, "/referral/apply", map[string]string{"walletAddress": w2, "referralCode": refCode})
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, w1, body["referredBy"])
}

func TestAPIKeyMiddleware(t *testing.T) {
	s := newTestServer(t, "secret", nil)

	req, err := http.NewRequest(http.MethodGet, s.srv.URL+"/queue/metrics", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req.Header.Set("X-API-Key", "wrong")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	code, _ := s.do(t, http.MethodGet, "/queue/metrics", nil)
	assert.Equal(t, http.StatusOK, code)

	// Health stays open.
	resp, err = http.Get(s.srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealth_Degraded(t *testing.T) {
	s := newTestServer(t, "", map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("connection refused") },
	})

	code, body := s.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
	checks := body["checks"].(map[string]any)
	assert.Equal(t, "ok", checks["postgres"])
	assert.Equal(t, "connection refused", checks["redis"])
}

func TestInvalidJSON(t *testing.T) {
	s := newTestServer(t, "", nil)
	resp, err := http.Post(s.srv.URL+"/signup", "application/json", bytes.NewBufferString("{"))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
