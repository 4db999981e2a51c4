package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/storage"
)

// AccountStore implements storage.AccountStore using PostgreSQL.
// Payment and referral histories live in the payments and referrals tables.
type AccountStore struct {
	pool *Pool
}

// NewAccountStore creates a new AccountStore.
func NewAccountStore(pool *Pool) *AccountStore {
	return &AccountStore{pool: pool}
}

// Compile-time interface check.
var _ storage.AccountStore = (*AccountStore)(nil)

const accountColumns = `
	wallet_address, referral_code, referred_by, tier, is_active, created_at, last_login_at,
	subscription_status, subscription_expires_at, referral_count,
	total_rewards::text, pending_rewards::text, claimed_rewards::text,
	last_24h_rewards::text, last_24h_update`

// Create inserts the account row. Histories are written by the payment and reward methods.
func (s *AccountStore) Create(ctx context.Context, a *domain.Account) error {
	if a == nil || a.WalletAddress == "" || a.ReferralCode == "" {
		return storage.ErrInvalidInput
	}

	query := `
		INSERT INTO accounts (
			wallet_address, referral_code, referred_by, tier, is_active, created_at, last_login_at,
			subscription_status, subscription_expires_at, referral_count,
			total_rewards, pending_rewards, claimed_rewards, last_24h_rewards, last_24h_update
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			$11::numeric, $12::numeric, $13::numeric, $14::numeric, $15)
	`

	_, err := s.pool.Exec(ctx, query,
		a.WalletAddress,
		a.ReferralCode,
		a.ReferredBy,
		string(a.Tier),
		a.IsActive,
		a.CreatedAt,
		a.LastLoginAt,
		string(a.SubscriptionStatus),
		a.SubscriptionExpiresAt,
		a.ReferralCount,
		a.TotalRewards.String(),
		a.PendingRewards.String(),
		a.ClaimedRewards.String(),
		a.Last24HoursRewards.String(),
		a.Last24HoursUpdate,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			switch constraintName(err) {
			case "accounts_referral_code_key":
				return storage.ErrDuplicateReferralCode
			default:
				return storage.ErrDuplicateWallet
			}
		}
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

// GetByWallet retrieves an account with its histories.
func (s *AccountStore) GetByWallet(ctx context.Context, wallet string) (*domain.Account, error) {
	return s.getAccount(ctx, "wallet_address", wallet)
}

// GetByReferralCode retrieves an account by referral code.
func (s *AccountStore) GetByReferralCode(ctx context.Context, code string) (*domain.Account, error) {
	return s.getAccount(ctx, "referral_code", code)
}

func (s *AccountStore) getAccount(ctx context.Context, column, value string) (*domain.Account, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `SELECT ` + accountColumns + ` FROM accounts WHERE ` + column + ` = $1`
	a, err := scanAccount(tx.QueryRow(ctx, query, value))
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get account by %s: %w", column, err)
	}

	if a.PaymentHistory, err = loadPayments(ctx, tx, a.WalletAddress); err != nil {
		return nil, err
	}
	if a.ReferralHistory, err = loadReferrals(ctx, tx, a.WalletAddress); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit tx: %w", err)
	}
	return a, nil
}

// ListWallets returns every wallet address, ordered ascending.
func (s *AccountStore) ListWallets(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT wallet_address FROM accounts ORDER BY wallet_address ASC`)
	if err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	defer rows.Close()

	var wallets []string
	for rows.Next() {
		var w string
		if err := rows.Scan(&w); err != nil {
			return nil, fmt.Errorf("scan wallet: %w", err)
		}
		wallets = append(wallets, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate wallets: %w", err)
	}
	return wallets, nil
}

// TouchLogin sets last_login_at.
func (s *AccountStore) TouchLogin(ctx context.Context, wallet string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE accounts SET last_login_at = $2 WHERE wallet_address = $1`, wallet, at)
	if err != nil {
		return fmt.Errorf("touch login: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// SetReferredBy sets referred_by only if it is NULL.
func (s *AccountStore) SetReferredBy(ctx context.Context, wallet, referrer string) (bool, error) {
	if referrer == "" || referrer == wallet {
		return false, storage.ErrInvalidInput
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE accounts SET referred_by = $2
		WHERE wallet_address = $1 AND referred_by IS NULL
	`, wallet, referrer)
	if err != nil {
		return false, fmt.Errorf("set referred by: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.accountExists(ctx, wallet)
}

// UpsertPendingPayment marks the payment PENDING, appending it if absent.
// A signature already recorded for another wallet is rejected with
// storage.ErrSignatureClaimed.
func (s *AccountStore) UpsertPendingPayment(ctx context.Context, wallet string, p domain.PaymentRecord) (_ domain.PaymentStatus, err error) {
	if p.TransactionSignature == "" {
		return "", storage.ErrInvalidInput
	}
	defer observe("upsert_pending_payment", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var one int
	err = tx.QueryRow(ctx, `SELECT 1 FROM accounts WHERE wallet_address = $1 FOR UPDATE`, wallet).Scan(&one)
	if err != nil {
		if isNotFoundError(err) {
			return "", storage.ErrNotFound
		}
		return "", fmt.Errorf("lock account: %w", err)
	}

	var owner, prev string
	err = tx.QueryRow(ctx, `
		SELECT wallet_address, status FROM payments
		WHERE transaction_signature = $1
		FOR UPDATE
	`, p.TransactionSignature).Scan(&owner, &prev)

	switch {
	case isNotFoundError(err):
		currency := p.Currency
		if currency == "" {
			currency = domain.CurrencyUSDC
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO payments (wallet_address, transaction_signature, amount, currency, paid_at, status)
			VALUES ($1, $2, $3::numeric, $4, $5, 'PENDING')
		`, wallet, p.TransactionSignature, p.Amount.String(), currency, p.Date)
		if err != nil {
			// Another wallet inserted the same signature concurrently.
			if isDuplicateKeyError(err) {
				return "", storage.ErrSignatureClaimed
			}
			return "", fmt.Errorf("insert payment: %w", err)
		}
	case err != nil:
		return "", fmt.Errorf("get payment status: %w", err)
	case owner != wallet:
		return "", storage.ErrSignatureClaimed
	case domain.PaymentStatus(prev) == domain.PaymentConfirmed:
		return domain.PaymentConfirmed, nil
	default:
		_, err = tx.Exec(ctx, `
			UPDATE payments SET status = 'PENDING', amount = $3::numeric
			WHERE wallet_address = $1 AND transaction_signature = $2
		`, wallet, p.TransactionSignature, p.Amount.String())
		if err != nil {
			return "", fmt.Errorf("reset payment to pending: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit tx: %w", err)
	}
	return domain.PaymentStatus(prev), nil
}

// ConfirmPayment transitions PENDING to CONFIRMED and activates the subscription
// in a single statement.
func (s *AccountStore) ConfirmPayment(ctx context.Context, wallet, signature string, expiresAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		WITH confirmed AS (
			UPDATE payments SET status = 'CONFIRMED'
			WHERE wallet_address = $1 AND transaction_signature = $2 AND status = 'PENDING'
			RETURNING wallet_address
		)
		UPDATE accounts a
		SET subscription_status = 'ACTIVE', subscription_expires_at = $3
		FROM confirmed c
		WHERE a.wallet_address = c.wallet_address
	`, wallet, signature, expiresAt)
	if err != nil {
		return false, fmt.Errorf("confirm payment: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.paymentExists(ctx, wallet, signature)
}

// MarkPaymentFailed transitions PENDING to FAILED.
func (s *AccountStore) MarkPaymentFailed(ctx context.Context, wallet, signature string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE payments SET status = 'FAILED'
		WHERE wallet_address = $1 AND transaction_signature = $2 AND status = 'PENDING'
	`, wallet, signature)
	if err != nil {
		return false, fmt.Errorf("mark payment failed: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	return false, s.paymentExists(ctx, wallet, signature)
}

// ApplyReferralReward credits the referrer once per payer signature.
func (s *AccountStore) ApplyReferralReward(ctx context.Context, r domain.ReferralReward) (_ bool, err error) {
	if r.Referrer == "" || r.Payer == "" || r.Signature == "" || r.Referrer == r.Payer {
		return false, storage.ErrInvalidInput
	}
	defer observe("apply_referral_reward", time.Now(), &err)

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		UPDATE payments SET referral_paid = TRUE, referral_amount = $3::numeric
		WHERE wallet_address = $1 AND transaction_signature = $2 AND referral_paid = FALSE
	`, r.Payer, r.Signature, r.Amount.String())
	if err != nil {
		return false, fmt.Errorf("mark referral paid: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, s.paymentExists(ctx, r.Payer, r.Signature)
	}

	if err := incrementRewardFields(ctx, tx, r.Referrer, r.Deltas()); err != nil {
		return false, err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO referrals (referrer_wallet, referred_user, source_signature, rewarded_at, reward_amount, status)
		VALUES ($1, $2, $3, $4, $5::numeric, 'PENDING')
	`, r.Referrer, r.Payer, r.Signature, r.At, r.Amount.String())
	if err != nil {
		if isDuplicateKeyError(err) {
			return false, nil
		}
		return false, fmt.Errorf("insert referral: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit tx: %w", err)
	}
	return true, nil
}

// IncrementRewardFields adds deltas to the reward counters.
func (s *AccountStore) IncrementRewardFields(ctx context.Context, wallet string, d domain.RewardDeltas) error {
	return incrementRewardFields(ctx, s.pool, wallet, d)
}

func incrementRewardFields(ctx context.Context, q execer, wallet string, d domain.RewardDeltas) error {
	if !d.Balanced() {
		return storage.ErrInvalidInput
	}

	tag, err := q.Exec(ctx, `
		UPDATE accounts SET
			referral_count = referral_count + $2,
			total_rewards = total_rewards + $3::numeric,
			pending_rewards = pending_rewards + $4::numeric,
			claimed_rewards = claimed_rewards + $5::numeric
		WHERE wallet_address = $1
	`, wallet, d.ReferralCount, d.Total.String(), d.Pending.String(), d.Claimed.String())
	if err != nil {
		return fmt.Errorf("increment reward fields: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// RefreshRollingRewards recomputes the rolling 24h reward cache in one statement.
func (s *AccountStore) RefreshRollingRewards(ctx context.Context, wallet string, now time.Time) (decimal.Decimal, error) {
	var value string
	err := s.pool.QueryRow(ctx, `
		UPDATE accounts a SET
			last_24h_rewards = COALESCE((
				SELECT SUM(r.reward_amount) FROM referrals r
				WHERE r.referrer_wallet = a.wallet_address AND r.rewarded_at >= $2
			), 0),
			last_24h_update = $3
		WHERE a.wallet_address = $1
		RETURNING last_24h_rewards::text
	`, wallet, now.Add(-domain.RollingWindow), now).Scan(&value)
	if err != nil {
		if isNotFoundError(err) {
			return decimal.Zero, storage.ErrNotFound
		}
		return decimal.Zero, fmt.Errorf("refresh rolling rewards: %w", err)
	}
	return parseNumeric(value)
}

// accountExists returns nil if the account exists and ErrNotFound otherwise.
func (s *AccountStore) accountExists(ctx context.Context, wallet string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE wallet_address = $1)`, wallet).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check account: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// paymentExists returns nil if the payment exists and ErrNotFound otherwise.
func (s *AccountStore) paymentExists(ctx context.Context, wallet, signature string) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM payments WHERE wallet_address = $1 AND transaction_signature = $2)
	`, wallet, signature).Scan(&exists)
	if err != nil {
		return fmt.Errorf("check payment: %w", err)
	}
	if !exists {
		return storage.ErrNotFound
	}
	return nil
}

// scanAccount scans a single row into an Account.
func scanAccount(row pgx.Row) (*domain.Account, error) {
	var a domain.Account
	var tier, status string
	var total, pending, claimed, last24 string

	err := row.Scan(
		&a.WalletAddress,
		&a.ReferralCode,
		&a.ReferredBy,
		&tier,
		&a.IsActive,
		&a.CreatedAt,
		&a.LastLoginAt,
		&status,
		&a.SubscriptionExpiresAt,
		&a.ReferralCount,
		&total,
		&pending,
		&claimed,
		&last24,
		&a.Last24HoursUpdate,
	)
	if err != nil {
		return nil, err
	}

	a.Tier = domain.Tier(tier)
	a.SubscriptionStatus = domain.SubscriptionStatus(status)
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{
		{&a.TotalRewards, total},
		{&a.PendingRewards, pending},
		{&a.ClaimedRewards, claimed},
		{&a.Last24HoursRewards, last24},
	} {
		if *f.dst, err = parseNumeric(f.src); err != nil {
			return nil, err
		}
	}
	return &a, nil
}

func loadPayments(ctx context.Context, tx pgx.Tx, wallet string) ([]domain.PaymentRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT transaction_signature, amount::text, currency, paid_at, status, referral_paid, referral_amount::text
		FROM payments
		WHERE wallet_address = $1
		ORDER BY id ASC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("get payments: %w", err)
	}
	defer rows.Close()

	var result []domain.PaymentRecord
	for rows.Next() {
		var p domain.PaymentRecord
		var amount, status, referralAmount string
		if err := rows.Scan(&p.TransactionSignature, &amount, &p.Currency, &p.Date, &status, &p.ReferralPaid, &referralAmount); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		if p.Amount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		if p.ReferralAmount, err = parseNumeric(referralAmount); err != nil {
			return nil, err
		}
		p.Status = domain.PaymentStatus(status)
		result = append(result, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return result, nil
}

func loadReferrals(ctx context.Context, tx pgx.Tx, wallet string) ([]domain.ReferralRecord, error) {
	rows, err := tx.Query(ctx, `
		SELECT referred_user, source_signature, rewarded_at, reward_amount::text, reward_claimed, claimed_at, status
		FROM referrals
		WHERE referrer_wallet = $1
		ORDER BY id ASC
	`, wallet)
	if err != nil {
		return nil, fmt.Errorf("get referrals: %w", err)
	}
	defer rows.Close()

	var result []domain.ReferralRecord
	for rows.Next() {
		var r domain.ReferralRecord
		var amount, status string
		if err := rows.Scan(&r.ReferredUser, &r.SourceSignature, &r.Date, &amount, &r.RewardClaimed, &r.ClaimedAt, &status); err != nil {
			return nil, fmt.Errorf("scan referral: %w", err)
		}
		if r.RewardAmount, err = parseNumeric(amount); err != nil {
			return nil, err
		}
		r.Status = domain.ReferralStatus(status)
		result = append(result, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate referrals: %w", err)
	}
	return result, nil
}

func observe(operation string, start time.Time, err *error) {
	observability.RecordDBQuery("postgres", operation, time.Since(start).Seconds(), *err)
}
