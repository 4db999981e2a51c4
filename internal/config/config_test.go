package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, USDCMint, cfg.TokenMint)
	assert.True(t, cfg.SubscriptionPrice.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, "payment-verification", cfg.QueueName)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, 120, cfg.MaxPolls)
	assert.Equal(t, time.Hour, cfg.SweepInterval)
}

func TestLoad_FileThenEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	path := writeFile(t, `
http:
  addr: ":9000"
  api_key: file-key
billing:
  merchant_wallet: MerchantFromFile
  subscription_price: "25.5"
worker:
  concurrency: 8
  poll_interval: 2s
notify:
  kafka_brokers: ["k1:9092"]
`)
	t.Setenv("API_KEY", "env-key")
	t.Setenv("SUBSCRIPTION_PRICE_USDC", "12.25")
	t.Setenv("KAFKA_BROKERS", "a:9092, ,b:9092")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.HTTPAddr)
	assert.Equal(t, "env-key", cfg.APIKey)
	assert.Equal(t, "MerchantFromFile", cfg.MerchantWallet)
	assert.True(t, cfg.SubscriptionPrice.Equal(decimal.RequireFromString("12.25")))
	assert.Equal(t, 8, cfg.WorkerConcurrency)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.KafkaBrokers)
}

func TestLoad_DotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("MERCHANT_WALLET=FromDotEnv\nUSE_MEMORY=true\n"), 0o600))
	// godotenv does not override variables that are already set.
	t.Setenv("MERCHANT_WALLET", "")
	require.NoError(t, os.Unsetenv("MERCHANT_WALLET"))
	t.Setenv("USE_MEMORY", "")
	require.NoError(t, os.Unsetenv("USE_MEMORY"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "FromDotEnv", cfg.MerchantWallet)
	assert.True(t, cfg.UseMemory)
}

func TestLoad_Errors(t *testing.T) {
	t.Chdir(t.TempDir())

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeFile(t, "billing:\n  subscription_price: ten\n"))
	assert.Error(t, err)

	t.Setenv("SUBSCRIPTION_PRICE_USDC", "abc")
	_, err = Load("")
	assert.Error(t, err)
}

func TestLoad_InvalidNumericEnvFallsBack(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("WORKER_CONCURRENCY", "many")
	t.Setenv("POLL_INTERVAL", "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 4, cfg.WorkerConcurrency)
	assert.Equal(t, time.Second, cfg.PollInterval)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "solana rpc endpoint")
	assert.Contains(t, err.Error(), "merchant wallet")
	assert.Contains(t, err.Error(), "postgres dsn")

	cfg.SolanaRPCEndpoint = "http://localhost:8899"
	cfg.MerchantWallet = "Merchant"
	cfg.UseMemory = true
	assert.NoError(t, cfg.Validate())

	cfg.SubscriptionPrice = decimal.Zero
	assert.Error(t, cfg.Validate())
}
