// Package queue implements a durable at-least-once job queue with retry,
// exponential backoff and a blocking wait for a job's final result.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"solana-referral-billing/internal/observability"
)

// Default retry and lease policy.
const (
	DefaultMaxAttempts       = 3
	DefaultBackoffBase       = 5 * time.Second
	DefaultResultTTL         = 24 * time.Hour
	DefaultPopTimeout        = 1 * time.Second
	DefaultLeaseTTL          = 30 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultReclaimInterval   = 30 * time.Second
)

// ErrJobNotFound is returned by Await for unknown job IDs whose result has expired or never existed.
var ErrJobNotFound = errors.New("job not found")

// ErrLeaseLost is returned by Heartbeat and the settle methods when the job's
// lease expired and it was handed to another consumer.
var ErrLeaseLost = errors.New("job lease lost")

// Job is one unit of work. Attempt is 1 for the first delivery.
type Job struct {
	ID          string          `json:"id"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
	LastError   string          `json:"lastError,omitempty"`
}

// FinalAttempt reports whether a failure of this attempt will not be retried.
func (j *Job) FinalAttempt() bool {
	return j.Attempt >= j.MaxAttempts
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("decode job %s payload: %w", j.ID, err)
	}
	return nil
}

// Result is the final resolution of a job.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Handler processes one job attempt. A nil error completes the job.
type Handler func(ctx context.Context, job *Job) error

// Counts is a snapshot of jobs by state in the backend.
type Counts struct {
	Waiting int64
	Active  int64
	Delayed int64
	Failed  int64
}

// Stats combines process-wide counters with backend counts.
type Stats struct {
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Retried    int64 `json:"retried"`
	Active     int64 `json:"active"`
	Waiting    int64 `json:"waiting"`
	Delayed    int64 `json:"delayed"`
	FailedJobs int64 `json:"failedJobs"`
}

// Backend stores jobs and results. Pop hands each job to one consumer under a
// lease that the consumer renews with Heartbeat. A job whose lease expires is
// recoverable through RequeueInFlight; its former holder then gets
// ErrLeaseLost from Heartbeat, Complete, Retry and Fail.
type Backend interface {
	// Push stores job and appends it to the waiting list.
	Push(ctx context.Context, job *Job) error
	// Pop leases the oldest waiting job, promoting due delayed jobs first.
	// Returns (nil, nil) if nothing became available within timeout.
	Pop(ctx context.Context, timeout time.Duration) (*Job, error)
	// Heartbeat extends the lease on an active job.
	Heartbeat(ctx context.Context, job *Job) error
	// Complete removes an active job and publishes res.
	Complete(ctx context.Context, job *Job, res Result) error
	// Retry moves an active job to the delayed set until runAt.
	Retry(ctx context.Context, job *Job, runAt time.Time) error
	// Fail moves an active job to the failed list and publishes res.
	Fail(ctx context.Context, job *Job, res Result) error
	// Await blocks until a result for id is published or ctx ends.
	Await(ctx context.Context, id string) (Result, error)
	// Counts returns jobs by state.
	Counts(ctx context.Context) (Counts, error)
	// RequeueInFlight moves active jobs whose lease expired back to waiting.
	RequeueInFlight(ctx context.Context) (int, error)
}

// Options configures a Queue.
type Options struct {
	MaxAttempts int
	BackoffBase time.Duration
	PopTimeout  time.Duration
	// HeartbeatInterval must stay well below the backend's lease TTL.
	HeartbeatInterval time.Duration
	ReclaimInterval   time.Duration
	Logger            *zap.Logger
	Now               func() time.Time
}

// Queue applies the retry policy on top of a Backend.
type Queue struct {
	backend     Backend
	maxAttempts int
	backoffBase time.Duration
	popTimeout  time.Duration
	heartbeat   time.Duration
	reclaim     time.Duration
	logger      *zap.Logger
	now         func() time.Time

	processed atomic.Int64
	failed    atomic.Int64
	retried   atomic.Int64
}

// New creates a Queue over backend.
func New(backend Backend, opts Options) *Queue {
	q := &Queue{
		backend:     backend,
		maxAttempts: opts.MaxAttempts,
		backoffBase: opts.BackoffBase,
		popTimeout:  opts.PopTimeout,
		heartbeat:   opts.HeartbeatInterval,
		reclaim:     opts.ReclaimInterval,
		logger:      opts.Logger,
		now:         opts.Now,
	}
	if q.maxAttempts <= 0 {
		q.maxAttempts = DefaultMaxAttempts
	}
	if q.backoffBase <= 0 {
		q.backoffBase = DefaultBackoffBase
	}
	if q.popTimeout <= 0 {
		q.popTimeout = DefaultPopTimeout
	}
	if q.heartbeat <= 0 {
		q.heartbeat = DefaultHeartbeatInterval
	}
	if q.reclaim <= 0 {
		q.reclaim = DefaultReclaimInterval
	}
	if q.logger == nil {
		q.logger = zap.NewNop()
	}
	if q.now == nil {
		q.now = time.Now
	}
	q.logger = q.logger.Named("queue")
	return q
}

// Enqueue stores payload as a new job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, payload interface{}) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal job payload: %w", err)
	}

	job := &Job{
		ID:          uuid.NewString(),
		Payload:     raw,
		MaxAttempts: q.maxAttempts,
		EnqueuedAt:  q.now(),
	}
	if err := q.backend.Push(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return job.ID, nil
}

// Await blocks until the job succeeds, fails permanently, exhausts its retries, or ctx ends.
func (q *Queue) Await(ctx context.Context, id string) (Result, error) {
	return q.backend.Await(ctx, id)
}

// EnqueueAndAwait enqueues payload and waits for its result.
func (q *Queue) EnqueueAndAwait(ctx context.Context, payload interface{}) (Result, error) {
	id, err := q.Enqueue(ctx, payload)
	if err != nil {
		return Result{}, err
	}
	return q.Await(ctx, id)
}

// RequeueInFlight returns jobs whose consumer stopped renewing the lease to the
// waiting list. Jobs held by live consumers are left alone.
func (q *Queue) RequeueInFlight(ctx context.Context) (int, error) {
	n, err := q.backend.RequeueInFlight(ctx)
	if err != nil {
		return 0, fmt.Errorf("requeue in-flight jobs: %w", err)
	}
	if n > 0 {
		q.logger.Info("requeued in-flight jobs", zap.Int("count", n))
	}
	return n, nil
}

// Process runs concurrency consumers until ctx is cancelled, then waits for
// in-flight handlers to return. Expired leases are reclaimed every
// ReclaimInterval while it runs.
func (q *Queue) Process(ctx context.Context, handler Handler, concurrency int) error {
	if concurrency <= 0 {
		concurrency = 1
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.reclaimLoop(ctx)
	}()
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			q.consume(ctx, handler, worker)
		}(i)
	}
	wg.Wait()
	return ctx.Err()
}

func (q *Queue) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(q.reclaim)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := q.RequeueInFlight(ctx); err != nil && ctx.Err() == nil {
				q.logger.Warn("reclaim expired jobs failed", zap.Error(err))
			}
		}
	}
}

func (q *Queue) consume(ctx context.Context, handler Handler, worker int) {
	logger := q.logger.With(zap.Int("worker", worker))
	for ctx.Err() == nil {
		job, err := q.backend.Pop(ctx, q.popTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("pop job failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(q.popTimeout):
			}
			continue
		}
		if job == nil {
			continue
		}
		q.run(ctx, handler, job, logger)
	}
}

// run executes one attempt and settles it. The lease is renewed while the
// handler runs; if it is lost the handler is cancelled and the new owner
// settles the job. Settlement uses a context detached from cancellation so a
// shutdown does not strand the job in the active set.
func (q *Queue) run(ctx context.Context, handler Handler, job *Job, logger *zap.Logger) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.maxAttempts
	}
	logger = logger.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt))

	jobCtx, cancelJob := context.WithCancel(ctx)
	var lost atomic.Bool
	beating := make(chan struct{})
	go func() {
		defer close(beating)
		q.keepLease(jobCtx, job, &lost, cancelJob, logger)
	}()

	start := q.now()
	err := q.safeHandle(jobCtx, handler, job)
	elapsed := q.now().Sub(start).Seconds()
	cancelJob()
	<-beating

	if lost.Load() {
		logger.Warn("job lease lost, leaving it to the new owner", zap.Error(err))
		return
	}

	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	if err == nil {
		q.processed.Add(1)
		observability.RecordJobProcessed(elapsed)
		if err := q.backend.Complete(settleCtx, job, Result{Success: true}); err != nil {
			logSettleError(logger, "complete job failed", err)
		}
		return
	}

	job.LastError = err.Error()
	if ctx.Err() != nil && !IsPermanent(err) {
		// Interrupted by shutdown: hand the attempt back.
		job.Attempt--
		logger.Info("job interrupted by shutdown, requeueing", zap.Error(err))
		if err := q.backend.Retry(settleCtx, job, q.now()); err != nil {
			logSettleError(logger, "requeue interrupted job failed", err)
		}
		return
	}
	if IsPermanent(err) || job.FinalAttempt() {
		q.failed.Add(1)
		observability.RecordJobFailed(elapsed)
		logger.Warn("job failed", zap.Error(err), zap.Bool("permanent", IsPermanent(err)))
		if err := q.backend.Fail(settleCtx, job, Result{Success: false, Error: err.Error()}); err != nil {
			logSettleError(logger, "fail job failed", err)
		}
		return
	}

	delay := q.Backoff(job.Attempt)
	q.retried.Add(1)
	observability.RecordJobRetried(elapsed)
	logger.Info("job attempt failed, retrying", zap.Error(err), zap.Duration("delay", delay))
	if err := q.backend.Retry(settleCtx, job, q.now().Add(delay)); err != nil {
		logSettleError(logger, "schedule retry failed", err)
	}
}

// keepLease renews the job's lease every heartbeat interval until ctx ends.
// On ErrLeaseLost it marks lost and cancels the handler.
func (q *Queue) keepLease(ctx context.Context, job *Job, lost *atomic.Bool, cancel context.CancelFunc, logger *zap.Logger) {
	ticker := time.NewTicker(q.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			err := q.backend.Heartbeat(ctx, job)
			switch {
			case errors.Is(err, ErrLeaseLost):
				lost.Store(true)
				cancel()
				return
			case err != nil && ctx.Err() == nil:
				logger.Warn("extend job lease failed", zap.Error(err))
			}
		}
	}
}

func logSettleError(logger *zap.Logger, msg string, err error) {
	if errors.Is(err, ErrLeaseLost) {
		logger.Warn(msg, zap.Error(err))
		return
	}
	logger.Error(msg, zap.Error(err))
}

func (q *Queue) safeHandle(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}

// Backoff returns the delay before retrying after the given failed attempt:
// base, 2*base, 4*base, ...
func (q *Queue) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return q.backoffBase << (attempt - 1)
}

// Stats returns process-wide counters and the backend's job counts.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	counts, err := q.backend.Counts(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("queue counts: %w", err)
	}
	observability.UpdateQueueDepth(counts.Waiting, counts.Active, counts.Delayed, counts.Failed)
	return Stats{
		Processed:  q.processed.Load(),
		Failed:     q.failed.Load(),
		Retried:    q.retried.Load(),
		Active:     counts.Active,
		Waiting:    counts.Waiting,
		Delayed:    counts.Delayed,
		FailedJobs: counts.Failed,
	}, nil
}

// permanentError marks an error as not retryable.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the queue fails the job without retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
