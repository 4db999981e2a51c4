// Package verification confirms subscription payments against the Solana ledger.
//
// A job carries a claimed transaction signature. The worker marks the payment
// PENDING, polls getTransaction at "confirmed" commitment until the transaction
// is visible or the poll budget runs out, checks the merchant's token balance
// delta against the expected price, activates the subscription and credits the
// payer's referrer. Every delivery of the same signature converges on one
// payment record and at most one referral reward.
package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"solana-referral-billing/internal/domain"
	"solana-referral-billing/internal/idhash"
	"solana-referral-billing/internal/notify"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/storage"
)

// Defaults for Options.
const (
	DefaultPollInterval       = time.Second
	DefaultMaxPolls           = 120
	DefaultTokenDecimals      = 6
	DefaultSubscriptionPeriod = 30 * 24 * time.Hour
)

// Outcomes recorded in the payment event log and metrics.
const (
	OutcomeConfirmed = "confirmed"
	OutcomeFailed    = "failed"
	OutcomeDuplicate = "duplicate"
)

// sideEffectTimeout bounds event logging, notification and failure marking,
// which run even after the job context is cancelled.
const sideEffectTimeout = 10 * time.Second

// Request is the payload of a verification job.
type Request struct {
	Signature      string          `json:"signature"`
	WalletAddress  string          `json:"walletAddress"`
	ExpectedAmount decimal.Decimal `json:"amount"` // currency units
}

// Validate checks that the request is complete.
func (r Request) Validate() error {
	switch {
	case r.Signature == "":
		return fmt.Errorf("%w: signature is required", storage.ErrInvalidInput)
	case r.WalletAddress == "":
		return fmt.Errorf("%w: wallet address is required", storage.ErrInvalidInput)
	case !r.ExpectedAmount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", storage.ErrInvalidInput)
	}
	return nil
}

// Attempt identifies one delivery of a job.
type Attempt struct {
	Number int
	Final  bool // no retry follows a transient failure
}

// Options configures a Verifier.
type Options struct {
	Store    storage.AccountStore      // required
	Fetcher  solana.TransactionFetcher // required
	Watcher  solana.SignatureWatcher   // optional, wakes the poll loop early
	Events   storage.PaymentEventStore // optional
	Notifier notify.Notifier           // optional
	Logger   *zap.Logger

	MerchantWallet string // required, owner of the receiving token account
	TokenMint      string // optional, restricts balance matching to one mint
	TokenDecimals  int32

	PollInterval       time.Duration
	MaxPolls           int
	SubscriptionPeriod time.Duration
	Now                func() time.Time
}

// Verifier runs the payment verification protocol.
type Verifier struct {
	store    storage.AccountStore
	fetcher  solana.TransactionFetcher
	watcher  solana.SignatureWatcher
	events   storage.PaymentEventStore
	notifier notify.Notifier
	logger   *zap.Logger

	merchant string
	mint     string
	decimals int32

	pollInterval time.Duration
	maxPolls     int
	period       time.Duration
	now          func() time.Time
}

// New creates a Verifier.
func New(opts Options) (*Verifier, error) {
	if opts.Store == nil {
		return nil, errors.New("verification: account store is required")
	}
	if opts.Fetcher == nil {
		return nil, errors.New("verification: transaction fetcher is required")
	}
	if opts.MerchantWallet == "" {
		return nil, errors.New("verification: merchant wallet is required")
	}

	v := &Verifier{
		store:        opts.Store,
		fetcher:      opts.Fetcher,
		watcher:      opts.Watcher,
		events:       opts.Events,
		notifier:     opts.Notifier,
		logger:       opts.Logger,
		merchant:     opts.MerchantWallet,
		mint:         opts.TokenMint,
		decimals:     opts.TokenDecimals,
		pollInterval: opts.PollInterval,
		maxPolls:     opts.MaxPolls,
		period:       opts.SubscriptionPeriod,
		now:          opts.Now,
	}
	if v.notifier == nil {
		v.notifier = notify.Nop{}
	}
	if v.logger == nil {
		v.logger = zap.NewNop()
	}
	if v.decimals <= 0 {
		v.decimals = DefaultTokenDecimals
	}
	if v.pollInterval <= 0 {
		v.pollInterval = DefaultPollInterval
	}
	if v.maxPolls <= 0 {
		v.maxPolls = DefaultMaxPolls
	}
	if v.period <= 0 {
		v.period = DefaultSubscriptionPeriod
	}
	if v.now == nil {
		v.now = time.Now
	}
	v.logger = v.logger.Named("verification")
	return v, nil
}

// Handle is the queue.Handler for verification jobs.
func (v *Verifier) Handle(ctx context.Context, job *queue.Job) error {
	var req Request
	if err := job.Decode(&req); err != nil {
		return queue.Permanent(err)
	}
	if err := req.Validate(); err != nil {
		return queue.Permanent(err)
	}
	return v.Verify(ctx, req, Attempt{Number: job.Attempt, Final: job.FinalAttempt()})
}

// result describes how far one verification got.
type result struct {
	known     bool // account exists, so a failure can be recorded on it
	duplicate bool // payment was already confirmed
	polls     int
}

// Verify runs one attempt for req. Terminal failures are returned wrapped with
// queue.Permanent. Transient failures are returned as-is; on the final attempt
// they resolve the payment as FAILED first.
func (v *Verifier) Verify(ctx context.Context, req Request, att Attempt) error {
	start := v.now()
	logger := v.logger.With(
		zap.String("signature", req.Signature),
		zap.String("wallet", req.WalletAddress),
		zap.Int("attempt", att.Number),
	)

	res, err := v.verify(ctx, req, logger)
	elapsed := v.now().Sub(start)

	if err == nil {
		if res.duplicate {
			logger.Info("payment already confirmed, skipping")
			v.record(ctx, req, OutcomeDuplicate, nil, att, res.polls, elapsed)
			return nil
		}
		logger.Info("payment confirmed", zap.Int("polls", res.polls), zap.Duration("elapsed", elapsed))
		v.record(ctx, req, OutcomeConfirmed, nil, att, res.polls, elapsed)
		v.notify(ctx, notify.PaymentSucceeded(req.Signature, req.WalletAddress, req.ExpectedAmount, v.now()), logger)
		return nil
	}

	terminal := IsTerminal(err)
	if !terminal && ctx.Err() != nil {
		// Shutdown: the payment stays PENDING and the job is redelivered.
		return err
	}
	if !terminal && !att.Final {
		logger.Warn("verification attempt failed, will retry", zap.Error(err))
		return err
	}

	if res.known && v.markFailed(ctx, req, logger) == domain.PaymentConfirmed {
		logger.Info("payment confirmed by another attempt, dropping failure", zap.Error(err))
		v.record(ctx, req, OutcomeDuplicate, nil, att, res.polls, elapsed)
		return nil
	}

	logger.Warn("payment failed", zap.Error(err), zap.Bool("terminal", terminal))
	v.record(ctx, req, OutcomeFailed, err, att, res.polls, elapsed)
	v.notify(ctx, notify.PaymentFailed(req.Signature, req.WalletAddress, req.ExpectedAmount, err, v.now()), logger)

	if terminal {
		return queue.Permanent(err)
	}
	return err
}

func (v *Verifier) verify(ctx context.Context, req Request, logger *zap.Logger) (result, error) {
	var res result

	payer, err := v.store.GetByWallet(ctx, req.WalletAddress)
	if errors.Is(err, storage.ErrNotFound) {
		return res, fmt.Errorf("%w: %s", ErrAccountNotFound, req.WalletAddress)
	}
	if err != nil {
		return res, fmt.Errorf("%w: load account: %w", ErrTransientInfrastructure, err)
	}
	res.known = true

	prev, err := v.store.UpsertPendingPayment(ctx, req.WalletAddress,
		domain.NewPendingPayment(req.Signature, req.ExpectedAmount, v.now()))
	if errors.Is(err, storage.ErrSignatureClaimed) {
		// The payment record belongs to another wallet; leave it alone.
		res.known = false
		return res, fmt.Errorf("%w: %s", ErrSignatureClaimed, req.Signature)
	}
	if err != nil {
		return res, fmt.Errorf("%w: mark payment pending: %w", ErrTransientInfrastructure, err)
	}
	if prev == domain.PaymentConfirmed {
		// A crash between confirmation and cascade leaves the reward unpaid;
		// the cascade is gated on ReferralPaid so repeating it is safe.
		res.duplicate = true
		v.cascade(ctx, payer, req.Signature, logger)
		return res, nil
	}

	tx, polls, err := v.waitForTransaction(ctx, req.Signature)
	res.polls = polls
	if err != nil {
		return res, err
	}
	if err := v.checkTransaction(tx, req.ExpectedAmount); err != nil {
		return res, err
	}

	confirmed, err := v.store.ConfirmPayment(ctx, req.WalletAddress, req.Signature, v.now().Add(v.period))
	if err != nil {
		return res, fmt.Errorf("%w: confirm payment: %w", ErrTransientInfrastructure, err)
	}
	if !confirmed {
		status, err := v.paymentStatus(ctx, req.WalletAddress, req.Signature)
		if err != nil {
			return res, fmt.Errorf("%w: reload payment: %w", ErrTransientInfrastructure, err)
		}
		if status != domain.PaymentConfirmed {
			return res, fmt.Errorf("%w: payment is %s, not pending", ErrTransientInfrastructure, status)
		}
		res.duplicate = true
	}

	v.cascade(ctx, payer, req.Signature, logger)
	return res, nil
}

// waitForTransaction polls until the transaction is visible at confirmed
// commitment. Returns the number of polls made.
func (v *Verifier) waitForTransaction(ctx context.Context, signature string) (*solana.Transaction, int, error) {
	var wake <-chan solana.SignatureNotification
	if v.watcher != nil {
		subCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := v.watcher.SubscribeSignature(subCtx, signature, solana.CommitmentConfirmed)
		if err != nil {
			v.logger.Debug("signature subscription unavailable", zap.String("signature", signature), zap.Error(err))
		} else {
			wake = ch
		}
	}

	opts := solana.GetTransactionOpts{Commitment: solana.CommitmentConfirmed}
	for poll := 1; poll <= v.maxPolls; poll++ {
		observability.RecordLedgerPoll()
		tx, err := v.fetcher.GetTransaction(ctx, signature, opts)
		if err != nil {
			if ctx.Err() != nil {
				return nil, poll, ctx.Err()
			}
			return nil, poll, fmt.Errorf("%w: get transaction: %w", ErrTransientInfrastructure, err)
		}
		if tx != nil {
			return tx, poll, nil
		}
		if poll == v.maxPolls {
			break
		}

		timer := time.NewTimer(v.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, poll, ctx.Err()
		case <-timer.C:
		case _, ok := <-wake:
			timer.Stop()
			if !ok {
				wake = nil
			}
		}
	}
	return nil, v.maxPolls, fmt.Errorf("%w: %d polls", ErrVerificationTimeout, v.maxPolls)
}

// checkTransaction validates execution status and the merchant's received amount.
func (v *Verifier) checkTransaction(tx *solana.Transaction, expected decimal.Decimal) error {
	if tx.Meta == nil {
		return fmt.Errorf("%w: transaction has no metadata", ErrMerchantBalanceNotFound)
	}
	if tx.Meta.Err != nil {
		return fmt.Errorf("%w: %v", ErrTransactionExecutionFailed, tx.Meta.Err)
	}

	pre, post, ok := solana.FindBalancePair(tx.Meta.PreTokenBalances, tx.Meta.PostTokenBalances, v.merchant, v.mint)
	if !ok {
		return fmt.Errorf("%w: no pre and post balance for one merchant account", ErrMerchantBalanceNotFound)
	}

	preAmount, err := pre.RawAmount()
	if err != nil {
		return fmt.Errorf("%w: parse pre balance %q: %v", ErrMerchantBalanceNotFound, pre.Amount, err)
	}
	postAmount, err := post.RawAmount()
	if err != nil {
		return fmt.Errorf("%w: parse post balance %q: %v", ErrMerchantBalanceNotFound, post.Amount, err)
	}

	received := postAmount.Sub(preAmount)
	want := expected.Shift(v.decimals)
	if received.LessThan(want) {
		return fmt.Errorf("%w: received %s, expected %s", ErrInsufficientPayment, received, want)
	}
	return nil
}

// cascade credits the payer's referrer. Failures are logged, never returned.
func (v *Verifier) cascade(ctx context.Context, payer *domain.Account, signature string, logger *zap.Logger) {
	if payer.ReferredBy == nil || *payer.ReferredBy == "" {
		return
	}
	referrerWallet := *payer.ReferredBy

	referrer, err := v.store.GetByWallet(ctx, referrerWallet)
	if err != nil {
		logger.Warn("referral cascade skipped",
			zap.String("referrer", referrerWallet),
			zap.Error(fmt.Errorf("%w: load referrer: %w", ErrReferralCascade, err)))
		return
	}

	amount := domain.RewardFor(referrer.Tier)
	applied, err := v.store.ApplyReferralReward(ctx, domain.ReferralReward{
		Referrer:  referrer.WalletAddress,
		Payer:     payer.WalletAddress,
		Signature: signature,
		Amount:    amount,
		At:        v.now(),
	})
	if err != nil {
		logger.Warn("referral cascade failed",
			zap.String("referrer", referrerWallet),
			zap.Error(fmt.Errorf("%w: %w", ErrReferralCascade, err)))
		return
	}
	if applied {
		observability.RecordReferralReward(string(referrer.Tier))
		logger.Info("referral reward credited",
			zap.String("referrer", referrerWallet),
			zap.String("tier", string(referrer.Tier)),
			zap.String("amount", amount.String()))
	}
}

func (v *Verifier) paymentStatus(ctx context.Context, wallet, signature string) (domain.PaymentStatus, error) {
	acct, err := v.store.GetByWallet(ctx, wallet)
	if err != nil {
		return "", err
	}
	i := acct.FindPayment(signature)
	if i < 0 {
		return "", storage.ErrNotFound
	}
	return acct.PaymentHistory[i].Status, nil
}

// markFailed moves a PENDING payment to FAILED and returns the resulting
// status. A payment some other attempt confirmed is left untouched and
// reported as CONFIRMED. Lookup errors are logged and yield "".
func (v *Verifier) markFailed(ctx context.Context, req Request, logger *zap.Logger) domain.PaymentStatus {
	sctx, cancel := v.sideContext(ctx)
	defer cancel()

	marked, err := v.store.MarkPaymentFailed(sctx, req.WalletAddress, req.Signature)
	if err != nil {
		logger.Error("mark payment failed", zap.Error(err))
		return ""
	}
	if marked {
		return domain.PaymentFailed
	}
	status, err := v.paymentStatus(sctx, req.WalletAddress, req.Signature)
	if err != nil {
		logger.Error("reload payment status", zap.Error(err))
		return ""
	}
	return status
}

func (v *Verifier) sideContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
}

func (v *Verifier) notify(ctx context.Context, e notify.Event, logger *zap.Logger) {
	sctx, cancel := v.sideContext(ctx)
	defer cancel()
	if err := v.notifier.Notify(sctx, e); err != nil {
		logger.Warn("notification failed", zap.String("event", e.Event), zap.Error(err))
	}
}

func (v *Verifier) record(ctx context.Context, req Request, outcome string, cause error, att Attempt, polls int, elapsed time.Duration) {
	observability.RecordVerification(outcome, elapsed.Seconds())
	if v.events == nil {
		return
	}

	e := &storage.PaymentEvent{
		ID:            idhash.ComputePaymentEventID(req.Signature, outcome, att.Number),
		Signature:     req.Signature,
		WalletAddress: req.WalletAddress,
		Outcome:       outcome,
		Amount:        req.ExpectedAmount,
		Attempt:       att.Number,
		Polls:         polls,
		Duration:      elapsed,
		OccurredAt:    v.now(),
	}
	if cause != nil {
		e.Reason = cause.Error()
	}

	sctx, cancel := v.sideContext(ctx)
	defer cancel()
	if err := v.events.Insert(sctx, e); err != nil {
		v.logger.Warn("record payment event", zap.String("signature", req.Signature), zap.Error(err))
	}
}

// QueuePaymentVerification enqueues req and blocks until the job resolves:
// success, a terminal failure, retries exhausted, or ctx done.
func QueuePaymentVerification(ctx context.Context, q *queue.Queue, req Request) (queue.Result, error) {
	if err := req.Validate(); err != nil {
		return queue.Result{}, err
	}
	return q.EnqueueAndAwait(ctx, req)
}
