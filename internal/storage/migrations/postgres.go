package migrations

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"solana-referral-billing/internal/storage/postgres"
)

// postgresLockKey serializes API and worker processes migrating at startup.
const postgresLockKey = 0x5eb111

// RunPostgresMigrations applies the embedded migrations not yet recorded in
// schema_migrations, all in one transaction. Returns how many were applied.
func RunPostgresMigrations(ctx context.Context, pool *postgres.Pool, logger *zap.Logger) (int, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	all, err := Load(PostgresFS, "postgres")
	if err != nil {
		return 0, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin migration tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, postgresLockKey); err != nil {
		return 0, fmt.Errorf("lock migrations: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return 0, fmt.Errorf("create schema_migrations: %w", err)
	}

	applied, err := appliedPostgres(ctx, tx)
	if err != nil {
		return 0, err
	}

	todo := pending(all, applied)
	for _, m := range todo {
		start := time.Now()
		if _, err := tx.Exec(ctx, m.SQL); err != nil {
			return 0, fmt.Errorf("apply migration %03d_%s: %w", m.Version, m.Name, err)
		}
		if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, name) VALUES ($1, $2)`, m.Version, m.Name); err != nil {
			return 0, fmt.Errorf("record migration %03d_%s: %w", m.Version, m.Name, err)
		}
		logger.Info("applied migration",
			zap.String("store", "postgres"),
			zap.Int("version", m.Version),
			zap.String("name", m.Name),
			zap.Duration("elapsed", time.Since(start)),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit migrations: %w", err)
	}
	logger.Debug("postgres schema up to date", zap.Int("version", len(all)), zap.Int("applied", len(todo)))
	return len(todo), nil
}

func appliedPostgres(ctx context.Context, tx pgx.Tx) (map[int]bool, error) {
	rows, err := tx.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("list applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var v int32
		if err := rows.Scan(&v); err != nil {
			return nil, fmt.Errorf("scan migration version: %w", err)
		}
		applied[int(v)] = true
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied migrations: %w", err)
	}
	return applied, nil
}
