// Package main applies the embedded PostgreSQL and ClickHouse migrations.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"solana-referral-billing/internal/config"
	"solana-referral-billing/internal/logging"
	"solana-referral-billing/internal/storage/migrations"
	pgstore "solana-referral-billing/internal/storage/postgres"
)

func main() {
	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	flag.StringVar(&cfg.PostgresDSN, "postgres-dsn", cfg.PostgresDSN, "PostgreSQL connection string")
	flag.StringVar(&cfg.ClickHouseDSN, "clickhouse-dsn", cfg.ClickHouseDSN, "ClickHouse connection string (optional)")
	timeout := flag.Duration("timeout", 2*time.Minute, "Overall migration timeout")
	flag.Parse()

	logger, err := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.Named("migrate")

	if cfg.PostgresDSN == "" {
		logger.Fatal("--postgres-dsn is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", zap.Error(err))
	}
	defer pool.Close()

	start := time.Now()
	applied, err := migrations.RunPostgresMigrations(ctx, pool, logger)
	if err != nil {
		logger.Fatal("postgres migrations failed", zap.Error(err))
	}
	logger.Info("postgres schema up to date", zap.Int("applied", applied), zap.Duration("elapsed", time.Since(start)))

	if cfg.ClickHouseDSN == "" {
		logger.Info("no clickhouse dsn, skipping analytics migrations")
		return
	}

	start = time.Now()
	conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickHouseDSN, logger)
	if err != nil {
		logger.Fatal("clickhouse migrations failed", zap.Error(err))
	}
	defer conn.Close()
	logger.Info("clickhouse schema up to date", zap.Duration("elapsed", time.Since(start)))
}
