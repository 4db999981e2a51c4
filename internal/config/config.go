// Package config resolves runtime configuration: defaults, then an optional
// YAML file, then .env, then environment variables. Binaries apply flags last.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// USDCMint is the mainnet USDC mint address.
const USDCMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

// Config is the resolved runtime configuration.
type Config struct {
	HTTPAddr    string
	MetricsAddr string
	APIKey      string

	PostgresDSN   string
	ClickHouseDSN string
	RedisURL      string
	UseMemory     bool

	SolanaRPCEndpoint string
	SolanaWSEndpoint  string

	MerchantWallet    string
	TokenMint         string
	SubscriptionPrice decimal.Decimal

	WebhookURL   string
	KafkaBrokers []string
	KafkaTopic   string

	QueueName         string
	WorkerConcurrency int
	PollInterval      time.Duration
	MaxPolls          int
	VerifyWaitTimeout time.Duration
	SweepInterval     time.Duration

	LogLevel  string
	LogFormat string
}

// configFile mirrors the YAML schema.
type configFile struct {
	HTTP struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
		APIKey      string `yaml:"api_key"`
	} `yaml:"http"`
	Storage struct {
		PostgresDSN   string `yaml:"postgres_dsn"`
		ClickHouseDSN string `yaml:"clickhouse_dsn"`
		RedisURL      string `yaml:"redis_url"`
		UseMemory     *bool  `yaml:"use_memory"`
	} `yaml:"storage"`
	Solana struct {
		RPCEndpoint string `yaml:"rpc_endpoint"`
		WSEndpoint  string `yaml:"ws_endpoint"`
	} `yaml:"solana"`
	Billing struct {
		MerchantWallet    string `yaml:"merchant_wallet"`
		TokenMint         string `yaml:"token_mint"`
		SubscriptionPrice string `yaml:"subscription_price"`
	} `yaml:"billing"`
	Notify struct {
		WebhookURL   string   `yaml:"webhook_url"`
		KafkaBrokers []string `yaml:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic"`
	} `yaml:"notify"`
	Worker struct {
		QueueName         string        `yaml:"queue_name"`
		Concurrency       int           `yaml:"concurrency"`
		PollInterval      time.Duration `yaml:"poll_interval"`
		MaxPolls          int           `yaml:"max_polls"`
		VerifyWaitTimeout time.Duration `yaml:"verify_wait_timeout"`
		SweepInterval     time.Duration `yaml:"sweep_interval"`
	} `yaml:"worker"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Default returns the built-in defaults.
func Default() Config {
	return Config{
		HTTPAddr:          ":8080",
		MetricsAddr:       ":9090",
		TokenMint:         USDCMint,
		SubscriptionPrice: decimal.NewFromInt(10),
		KafkaTopic:        "payment-events",
		QueueName:         "payment-verification",
		WorkerConcurrency: 4,
		PollInterval:      time.Second,
		MaxPolls:          120,
		VerifyWaitTimeout: 150 * time.Second,
		SweepInterval:     time.Hour,
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

// Load resolves configuration in priority order: defaults -> file -> .env -> env.
// An empty path skips the file; a missing .env is ignored.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := cfg.applyFile(raw); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyFile(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&c.HTTPAddr, f.HTTP.Addr)
	setString(&c.MetricsAddr, f.HTTP.MetricsAddr)
	setString(&c.APIKey, f.HTTP.APIKey)
	setString(&c.PostgresDSN, f.Storage.PostgresDSN)
	setString(&c.ClickHouseDSN, f.Storage.ClickHouseDSN)
	setString(&c.RedisURL, f.Storage.RedisURL)
	if f.Storage.UseMemory != nil {
		c.UseMemory = *f.Storage.UseMemory
	}
	setString(&c.SolanaRPCEndpoint, f.Solana.RPCEndpoint)
	setString(&c.SolanaWSEndpoint, f.Solana.WSEndpoint)
	setString(&c.MerchantWallet, f.Billing.MerchantWallet)
	setString(&c.TokenMint, f.Billing.TokenMint)
	if f.Billing.SubscriptionPrice != "" {
		price, err := decimal.NewFromString(f.Billing.SubscriptionPrice)
		if err != nil {
			return fmt.Errorf("parse billing.subscription_price: %w", err)
		}
		c.SubscriptionPrice = price
	}
	setString(&c.WebhookURL, f.Notify.WebhookURL)
	if len(f.Notify.KafkaBrokers) > 0 {
		c.KafkaBrokers = f.Notify.KafkaBrokers
	}
	setString(&c.KafkaTopic, f.Notify.KafkaTopic)
	setString(&c.QueueName, f.Worker.QueueName)
	if f.Worker.Concurrency > 0 {
		c.WorkerConcurrency = f.Worker.Concurrency
	}
	if f.Worker.PollInterval > 0 {
		c.PollInterval = f.Worker.PollInterval
	}
	if f.Worker.MaxPolls > 0 {
		c.MaxPolls = f.Worker.MaxPolls
	}
	if f.Worker.VerifyWaitTimeout > 0 {
		c.VerifyWaitTimeout = f.Worker.VerifyWaitTimeout
	}
	if f.Worker.SweepInterval > 0 {
		c.SweepInterval = f.Worker.SweepInterval
	}
	setString(&c.LogLevel, f.Log.Level)
	setString(&c.LogFormat, f.Log.Format)
	return nil
}

func (c *Config) applyEnv() error {
	c.HTTPAddr = envOrDefault("HTTP_ADDR", c.HTTPAddr)
	c.MetricsAddr = envOrDefault("METRICS_ADDR", c.MetricsAddr)
	c.APIKey = envOrDefault("API_KEY", c.APIKey)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)
	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.RedisURL = envOrDefault("REDIS_URL", c.RedisURL)
	c.UseMemory = envBool("USE_MEMORY", c.UseMemory)
	c.SolanaRPCEndpoint = envOrDefault("SOLANA_RPC_ENDPOINT", c.SolanaRPCEndpoint)
	c.SolanaWSEndpoint = envOrDefault("SOLANA_WS_ENDPOINT", c.SolanaWSEndpoint)
	c.MerchantWallet = envOrDefault("MERCHANT_WALLET", c.MerchantWallet)
	c.TokenMint = envOrDefault("TOKEN_MINT", c.TokenMint)
	if raw := os.Getenv("SUBSCRIPTION_PRICE_USDC"); raw != "" {
		price, err := decimal.NewFromString(raw)
		if err != nil {
			return fmt.Errorf("parse SUBSCRIPTION_PRICE_USDC: %w", err)
		}
		c.SubscriptionPrice = price
	}
	c.WebhookURL = envOrDefault("WEBHOOK_URL", c.WebhookURL)
	c.KafkaBrokers = envCSV("KAFKA_BROKERS", c.KafkaBrokers)
	c.KafkaTopic = envOrDefault("KAFKA_TOPIC", c.KafkaTopic)
	c.QueueName = envOrDefault("QUEUE_NAME", c.QueueName)
	c.WorkerConcurrency = envInt("WORKER_CONCURRENCY", c.WorkerConcurrency)
	c.PollInterval = envDuration("POLL_INTERVAL", c.PollInterval)
	c.MaxPolls = envInt("MAX_POLLS", c.MaxPolls)
	c.VerifyWaitTimeout = envDuration("VERIFY_WAIT_TIMEOUT", c.VerifyWaitTimeout)
	c.SweepInterval = envDuration("SWEEP_INTERVAL", c.SweepInterval)
	c.LogLevel = envOrDefault("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOrDefault("LOG_FORMAT", c.LogFormat)
	return nil
}

// Validate reports every missing or inconsistent value needed to run the
// API and worker.
func (c Config) Validate() error {
	var errs []error
	if c.SolanaRPCEndpoint == "" {
		errs = append(errs, errors.New("solana rpc endpoint is required"))
	}
	if c.MerchantWallet == "" {
		errs = append(errs, errors.New("merchant wallet is required"))
	}
	if !c.SubscriptionPrice.IsPositive() {
		errs = append(errs, errors.New("subscription price must be positive"))
	}
	if !c.UseMemory {
		if c.PostgresDSN == "" {
			errs = append(errs, errors.New("postgres dsn is required (or enable use-memory)"))
		}
		if c.RedisURL == "" {
			errs = append(errs, errors.New("redis url is required (or enable use-memory)"))
		}
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("worker concurrency must be positive"))
	}
	if c.PollInterval <= 0 || c.MaxPolls <= 0 {
		errs = append(errs, errors.New("poll interval and max polls must be positive"))
	}
	if c.QueueName == "" {
		errs = append(errs, errors.New("queue name is required"))
	}
	return errors.Join(errs...)
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// envOrDefault returns an env var when present, otherwise the provided fallback.
func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envBool(name string, fallback bool) bool {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

// envCSV parses comma-separated env vars and removes empty segments.
func envCSV(name string, fallback []string) []string {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
