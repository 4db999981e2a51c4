package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-referral-billing/internal/config"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/solana/stub"
)

func testWallet(t *testing.T, seed byte) string {
	t.Helper()
	scalar, err := edwards25519.NewScalar().SetUniformBytes(bytes.Repeat([]byte{seed}, 64))
	require.NoError(t, err)
	return base58.Encode(new(edwards25519.Point).ScalarBaseMult(scalar).Bytes())
}

func postJSON(t *testing.T, url string, body any) map[string]any {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, http.StatusOK, resp.StatusCode, out)
	return out
}

func TestApp_InMemory(t *testing.T) {
	cfg := config.Default()
	cfg.UseMemory = true
	cfg.MerchantWallet = testWallet(t, 100)
	cfg.SolanaRPCEndpoint = "http://unused"
	cfg.PollInterval = time.Millisecond
	cfg.MaxPolls = 10
	cfg.VerifyWaitTimeout = 5 * time.Second
	require.NoError(t, cfg.Validate())

	rpc := stub.NewRPCClient()
	a, err := New(context.Background(), cfg, nil, WithRPCClient(rpc))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.RunWorker(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})

	srv := httptest.NewServer(a.Router())
	t.Cleanup(srv.Close)

	payer := testWallet(t, 1)
	postJSON(t, srv.URL+"/signup", map[string]string{"walletAddress": payer})

	sig := base58.Encode(bytes.Repeat([]byte{9}, solana.SignatureLength))
	rpc.AddTransaction(stub.TokenTransfer(sig, cfg.MerchantWallet, cfg.TokenMint, "0", "10000000"))

	out := postJSON(t, srv.URL+"/subscription/verify", map[string]string{
		"walletAddress": payer,
		"signature":     sig,
	})
	assert.Equal(t, "CONFIRMED", out["status"])

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestApp_RequiresBackends(t *testing.T) {
	cfg := config.Default()
	cfg.MerchantWallet = testWallet(t, 100)
	cfg.PostgresDSN = "postgres://invalid host/db"

	_, err := New(context.Background(), cfg, nil, WithRPCClient(stub.NewRPCClient()))
	assert.Error(t, err)
}
