package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Connect initializes a Redis client from a redis:// URL or host:port and checks it with PING.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	var client *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		client = redis.NewClient(opt)
	} else {
		client = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// promoteDelayed moves up to ARGV[2] delayed job IDs whose score is <= ARGV[1]
// onto the waiting list.
var promoteDelayed = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[2]))
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('LPUSH', KEYS[2], id)
end
return #ids
`)

// claimJob takes the oldest waiting ID and leases it until ARGV[1].
var claimJob = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// extendLease moves the lease deadline of ARGV[1] to ARGV[2] if it is still active.
var extendLease = redis.NewScript(`
if not redis.call('ZSCORE', KEYS[1], ARGV[1]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

// completeJob: KEYS active, job, result; ARGV id, result JSON, result TTL ms.
var completeJob = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('DEL', KEYS[2])
redis.call('SET', KEYS[3], ARGV[2], 'PX', ARGV[3])
redis.call('PUBLISH', KEYS[3], ARGV[2])
return 1
`)

// retryJob: KEYS active, job, delayed; ARGV id, job JSON, run-at unix millis.
var retryJob = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return 1
`)

// failJob: KEYS active, job, failed, result; ARGV id, job JSON, result JSON, TTL ms.
var failJob = redis.NewScript(`
if redis.call('ZREM', KEYS[1], ARGV[1]) == 0 then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[4])
redis.call('LPUSH', KEYS[3], ARGV[1])
redis.call('SET', KEYS[4], ARGV[3], 'PX', ARGV[4])
redis.call('PUBLISH', KEYS[4], ARGV[3])
return 1
`)

// reclaimExpired moves active IDs whose lease deadline is <= ARGV[1] to the
// consuming end of the waiting list.
var reclaimExpired = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// DefaultRedisPollInterval is how often Pop checks an empty waiting list.
const DefaultRedisPollInterval = 100 * time.Millisecond

// RedisBackend stores jobs in Redis under "queue:<name>:".
//
//	job:<id>     job JSON
//	waiting      list, LPUSH in, consumed from the right
//	active       zset of leased job IDs scored by lease deadline unix millis
//	delayed      zset scored by run-at unix millis
//	failed       list of failed job IDs
//	result:<id>  final Result JSON, published on the same key as a channel
//
// Every state change of a leased job runs as one script, so a consumer whose
// lease was reclaimed cannot settle the job a second time.
type RedisBackend struct {
	client       *redis.Client
	prefix       string
	resultTTL    time.Duration
	leaseTTL     time.Duration
	pollInterval time.Duration
}

// RedisOption configures a RedisBackend.
type RedisOption func(*RedisBackend)

// WithLeaseTTL sets how long a popped job stays leased without a heartbeat.
func WithLeaseTTL(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		if d > 0 {
			b.leaseTTL = d
		}
	}
}

// WithPollInterval sets how often Pop checks an empty waiting list.
func WithPollInterval(d time.Duration) RedisOption {
	return func(b *RedisBackend) {
		if d > 0 {
			b.pollInterval = d
		}
	}
}

// NewRedisBackend creates a backend for the named queue.
func NewRedisBackend(client *redis.Client, name string, resultTTL time.Duration, opts ...RedisOption) *RedisBackend {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	b := &RedisBackend{
		client:       client,
		prefix:       "queue:" + name + ":",
		resultTTL:    resultTTL,
		leaseTTL:     DefaultLeaseTTL,
		pollInterval: DefaultRedisPollInterval,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBackend) key(parts ...string) string {
	return b.prefix + strings.Join(parts, ":")
}

func (b *RedisBackend) jobKey(id string) string    { return b.key("job", id) }
func (b *RedisBackend) resultKey(id string) string { return b.key("result", id) }

func (b *RedisBackend) leaseDeadline() string {
	return strconv.FormatInt(time.Now().Add(b.leaseTTL).UnixMilli(), 10)
}

// Push stores job and appends it to the waiting list.
func (b *RedisBackend) Push(ctx context.Context, job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, b.jobKey(job.ID), raw, 0)
		p.LPush(ctx, b.key("waiting"), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

// Pop promotes due delayed jobs and leases the oldest waiting job, checking
// every poll interval until timeout.
func (b *RedisBackend) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := b.tryPop(ctx)
		if err != nil || job != nil {
			return job, err
		}

		wait := min(b.pollInterval, time.Until(deadline))
		if wait <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func (b *RedisBackend) tryPop(ctx context.Context) (*Job, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	if err := promoteDelayed.Run(ctx, b.client, []string{b.key("delayed"), b.key("waiting")}, now, 100).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("promote delayed jobs: %w", err)
	}

	id, err := claimJob.Run(ctx, b.client, []string{b.key("waiting"), b.key("active")}, b.leaseDeadline()).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pop job: %w", err)
	}

	raw, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Body gone: drop the orphaned ID.
		b.client.ZRem(ctx, b.key("active"), id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	job.Attempt++
	if err := b.save(ctx, b.client, &job, 0); err != nil {
		return nil, err
	}
	return &job, nil
}

// Heartbeat extends the lease on an active job.
func (b *RedisBackend) Heartbeat(ctx context.Context, job *Job) error {
	n, err := extendLease.Run(ctx, b.client, []string{b.key("active")}, job.ID, b.leaseDeadline()).Int()
	if err != nil {
		return fmt.Errorf("extend lease %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// settle runs one of the settle scripts and maps a lost lease to ErrLeaseLost.
func (b *RedisBackend) settle(ctx context.Context, op string, script *redis.Script, job *Job, keys []string, args ...interface{}) error {
	n, err := script.Run(ctx, b.client, keys, args...).Int()
	if err != nil {
		return fmt.Errorf("%s job %s: %w", op, job.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("%s job %s: %w", op, job.ID, ErrLeaseLost)
	}
	return nil
}

// Complete removes an active job and publishes res.
func (b *RedisBackend) Complete(ctx context.Context, job *Job, res Result) error {
	raw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return b.settle(ctx, "complete", completeJob, job,
		[]string{b.key("active"), b.jobKey(job.ID), b.resultKey(job.ID)},
		job.ID, raw, b.resultTTL.Milliseconds())
}

// Retry moves an active job to the delayed set until runAt.
func (b *RedisBackend) Retry(ctx context.Context, job *Job, runAt time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	return b.settle(ctx, "retry", retryJob, job,
		[]string{b.key("active"), b.jobKey(job.ID), b.key("delayed")},
		job.ID, raw, runAt.UnixMilli())
}

// Fail moves an active job to the failed list and publishes res. The job body
// is kept for inspection for the result TTL.
func (b *RedisBackend) Fail(ctx context.Context, job *Job, res Result) error {
	jobRaw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	resRaw, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	return b.settle(ctx, "fail", failJob, job,
		[]string{b.key("active"), b.jobKey(job.ID), b.key("failed"), b.resultKey(job.ID)},
		job.ID, jobRaw, resRaw, b.resultTTL.Milliseconds())
}

// Await blocks until a result for id is published or ctx ends.
func (b *RedisBackend) Await(ctx context.Context, id string) (Result, error) {
	sub := b.client.Subscribe(ctx, b.resultKey(id))
	defer sub.Close()

	// Wait for the subscription to be confirmed before checking for a stored
	// result, so a publish between the two cannot be missed.
	if _, err := sub.Receive(ctx); err != nil {
		return Result{}, fmt.Errorf("subscribe result %s: %w", id, err)
	}

	res, found, err := b.storedResult(ctx, id)
	if err != nil || found {
		return res, err
	}

	exists, err := b.client.Exists(ctx, b.jobKey(id)).Result()
	if err != nil {
		return Result{}, fmt.Errorf("check job %s: %w", id, err)
	}
	if exists == 0 {
		// The job may have completed between the two reads.
		res, found, err := b.storedResult(ctx, id)
		if err != nil || found {
			return res, err
		}
		return Result{}, ErrJobNotFound
	}

	ch := sub.Channel()
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case msg, ok := <-ch:
		if !ok {
			return Result{}, fmt.Errorf("result subscription for %s closed", id)
		}
		if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
			return Result{}, fmt.Errorf("decode result %s: %w", id, err)
		}
		return res, nil
	}
}

func (b *RedisBackend) storedResult(ctx context.Context, id string) (Result, bool, error) {
	raw, err := b.client.Get(ctx, b.resultKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Result{}, false, nil
	}
	if err != nil {
		return Result{}, false, fmt.Errorf("load result %s: %w", id, err)
	}
	var res Result
	if err := json.Unmarshal(raw, &res); err != nil {
		return Result{}, false, fmt.Errorf("decode result %s: %w", id, err)
	}
	return res, true, nil
}

// Counts returns jobs by state.
func (b *RedisBackend) Counts(ctx context.Context) (Counts, error) {
	var waiting, active, failed *redis.IntCmd
	var delayed *redis.IntCmd
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		waiting = p.LLen(ctx, b.key("waiting"))
		active = p.ZCard(ctx, b.key("active"))
		delayed = p.ZCard(ctx, b.key("delayed"))
		failed = p.LLen(ctx, b.key("failed"))
		return nil
	})
	if err != nil {
		return Counts{}, fmt.Errorf("count jobs: %w", err)
	}
	return Counts{
		Waiting: waiting.Val(),
		Active:  active.Val(),
		Delayed: delayed.Val(),
		Failed:  failed.Val(),
	}, nil
}

// RequeueInFlight moves active jobs whose lease expired back to waiting.
func (b *RedisBackend) RequeueInFlight(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	n, err := reclaimExpired.Run(ctx, b.client, []string{b.key("active"), b.key("waiting")}, now).Int()
	if err != nil {
		return 0, fmt.Errorf("reclaim expired jobs: %w", err)
	}
	return n, nil
}

func (b *RedisBackend) save(ctx context.Context, c redis.Cmdable, job *Job, ttl time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := c.Set(ctx, b.jobKey(job.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("save job %s: %w", job.ID, err)
	}
	return nil
}

var _ Backend = (*RedisBackend)(nil)
