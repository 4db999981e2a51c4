// Package app wires configuration into running components: stores, the
// verification queue and worker, the account and subscription services and
// the HTTP router.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"solana-referral-billing/internal/account"
	"solana-referral-billing/internal/api"
	"solana-referral-billing/internal/config"
	"solana-referral-billing/internal/notify"
	"solana-referral-billing/internal/observability"
	"solana-referral-billing/internal/queue"
	"solana-referral-billing/internal/solana"
	"solana-referral-billing/internal/storage"
	chstore "solana-referral-billing/internal/storage/clickhouse"
	"solana-referral-billing/internal/storage/memory"
	"solana-referral-billing/internal/storage/migrations"
	pgstore "solana-referral-billing/internal/storage/postgres"
	"solana-referral-billing/internal/subscription"
	"solana-referral-billing/internal/verification"
)

// resultTTL is how long job results stay readable in Redis.
const resultTTL = 24 * time.Hour

// App holds every long-lived component.
type App struct {
	cfg    config.Config
	logger *zap.Logger

	accountStore storage.AccountStore
	eventStore   storage.PaymentEventStore
	rpc          solana.RPCClient
	watcher      solana.SignatureWatcher
	notifier     notify.Notifier

	queue         *queue.Queue
	verifier      *verification.Verifier
	accounts      *account.Service
	subscriptions *subscription.Service

	healthChecks map[string]api.HealthCheck
	closers      []func()
}

// Option adjusts App construction. Used by tests to inject fakes.
type Option func(*App)

// WithRPCClient replaces the HTTP RPC client.
func WithRPCClient(c solana.RPCClient) Option {
	return func(a *App) { a.rpc = c }
}

// WithNotifier replaces the configured notification sinks.
func WithNotifier(n notify.Notifier) Option {
	return func(a *App) { a.notifier = n }
}

// New connects to every configured backend and builds the services.
// On error, everything opened so far is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{
		cfg:          cfg,
		logger:       logger,
		healthChecks: make(map[string]api.HealthCheck),
	}
	for _, opt := range opts {
		opt(a)
	}

	if err := a.build(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	backend, err := a.openStores(ctx)
	if err != nil {
		return err
	}

	if a.rpc == nil {
		a.rpc = solana.NewHTTPClient(a.cfg.SolanaRPCEndpoint,
			solana.WithObserver(func(method string, d time.Duration, err error) {
				observability.RecordRPCLatency(method, d.Seconds(), err)
			}),
		)
	}
	a.healthChecks["solana_rpc"] = a.rpc.GetHealth

	if a.cfg.SolanaWSEndpoint != "" {
		ws, err := solana.NewWSClient(ctx, a.cfg.SolanaWSEndpoint, nil)
		if err != nil {
			// Polling alone still verifies payments.
			a.logger.Warn("websocket watcher unavailable, polling only", zap.Error(err))
		} else {
			a.watcher = ws
			a.closers = append(a.closers, func() { _ = ws.Close() })
		}
	}

	if a.notifier == nil {
		n, err := a.buildNotifier()
		if err != nil {
			return err
		}
		a.notifier = n
	}

	a.queue = queue.New(backend, queue.Options{Logger: a.logger})

	a.verifier, err = verification.New(verification.Options{
		Store:          a.accountStore,
		Fetcher:        a.rpc,
		Watcher:        a.watcher,
		Events:         a.eventStore,
		Notifier:       a.notifier,
		Logger:         a.logger,
		MerchantWallet: a.cfg.MerchantWallet,
		TokenMint:      a.cfg.TokenMint,
		PollInterval:   a.cfg.PollInterval,
		MaxPolls:       a.cfg.MaxPolls,
	})
	if err != nil {
		return err
	}

	a.accounts, err = account.New(account.Options{Store: a.accountStore, Logger: a.logger})
	if err != nil {
		return err
	}

	a.subscriptions, err = subscription.New(subscription.Options{
		Store:          a.accountStore,
		Events:         a.eventStore,
		Accounts:       a.accounts,
		Queue:          a.queue,
		Builder:        subscription.SolanaPayBuilder{Label: "Subscription"},
		MerchantWallet: a.cfg.MerchantWallet,
		TokenMint:      a.cfg.TokenMint,
		Price:          a.cfg.SubscriptionPrice,
		AwaitTimeout:   a.cfg.VerifyWaitTimeout,
		Logger:         a.logger,
	})
	return err
}

// openStores opens the account and event stores and returns the queue backend.
func (a *App) openStores(ctx context.Context) (queue.Backend, error) {
	if a.cfg.UseMemory {
		a.logger.Info("using in-memory storage")
		a.accountStore = memory.NewAccountStore()
		a.eventStore = memory.NewPaymentEventStore()
		return queue.NewMemoryBackend(), nil
	}

	pool, err := pgstore.NewPool(ctx, a.cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, pool.Close)
	if _, err := migrations.RunPostgresMigrations(ctx, pool, a.logger); err != nil {
		return nil, fmt.Errorf("postgres migrations: %w", err)
	}
	a.accountStore = pgstore.NewAccountStore(pool)
	a.healthChecks["postgres"] = pool.Ping
	a.logger.Info("connected to postgres")

	if a.cfg.ClickHouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, a.cfg.ClickHouseDSN, a.logger)
		if err != nil {
			return nil, fmt.Errorf("clickhouse migrations: %w", err)
		}
		a.closers = append(a.closers, func() { _ = conn.Close() })
		a.eventStore = chstore.NewPaymentEventStore(conn)
		a.healthChecks["clickhouse"] = conn.Ping
		a.logger.Info("connected to clickhouse")
	}

	client, err := queue.Connect(ctx, a.cfg.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	a.healthChecks["redis"] = func(ctx context.Context) error { return client.Ping(ctx).Err() }
	a.logger.Info("connected to redis")

	return queue.NewRedisBackend(client, a.cfg.QueueName, resultTTL), nil
}

func (a *App) buildNotifier() (notify.Notifier, error) {
	var sinks notify.Multi
	if a.cfg.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(a.cfg.WebhookURL))
	}
	if len(a.cfg.KafkaBrokers) > 0 {
		k, err := notify.NewKafka(a.cfg.KafkaBrokers, a.cfg.KafkaTopic)
		if err != nil {
			return nil, fmt.Errorf("kafka notifier: %w", err)
		}
		a.closers = append(a.closers, func() { _ = k.Close() })
		sinks = append(sinks, k)
	}
	if len(sinks) == 0 {
		a.logger.Info("no notification sinks configured")
		return notify.Nop{}, nil
	}
	return sinks, nil
}

// Router returns the HTTP API handler.
func (a *App) Router() http.Handler {
	return api.NewRouter(api.Options{
		Accounts:      a.accounts,
		Subscriptions: a.subscriptions,
		APIKey:        a.cfg.APIKey,
		HealthChecks:  a.healthChecks,
		Logger:        a.logger,
	})
}

// Accounts returns the account service.
func (a *App) Accounts() *account.Service { return a.accounts }

// Subscriptions returns the subscription service.
func (a *App) Subscriptions() *subscription.Service { return a.subscriptions }

// RunWorker reclaims jobs whose lease expired, then consumes the verification
// queue until ctx is done. Jobs leased by other live workers are untouched.
// Queue depth gauges refresh every few seconds while it runs.
func (a *App) RunWorker(ctx context.Context) error {
	if _, err := a.queue.RequeueInFlight(ctx); err != nil {
		return err
	}

	go a.reportQueueDepth(ctx, 5*time.Second)

	a.logger.Info("verification worker started",
		zap.String("queue", a.cfg.QueueName),
		zap.Int("concurrency", a.cfg.WorkerConcurrency),
	)
	err := a.queue.Process(ctx, a.verifier.Handle, a.cfg.WorkerConcurrency)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (a *App) reportQueueDepth(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, err := a.queue.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.logger.Warn("queue stats unavailable", zap.Error(err))
				}
				continue
			}
			observability.UpdateQueueDepth(stats.Waiting, stats.Active, stats.Delayed, stats.FailedJobs)
		}
	}
}

// RunSweep runs the rolling-reward sweep on the configured interval until ctx is done.
func (a *App) RunSweep(ctx context.Context) {
	a.accounts.RunSweepLoop(ctx, a.cfg.SweepInterval)
}

// Close releases every connection in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
