package queue

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for tests and single-binary deployments.
// Jobs do not survive a restart. Results and failed jobs are dropped once
// they are older than the result TTL.
type MemoryBackend struct {
	mu         sync.Mutex
	jobs       map[string]*Job
	waiting    []string
	processing map[string]time.Time // job ID -> lease deadline
	delayed    map[string]time.Time
	failed     []string
	results    map[string]storedResult
	waiters    map[string][]chan Result
	notify     chan struct{}
	now        func() time.Time

	leaseTTL  time.Duration
	resultTTL time.Duration
	lastEvict time.Time
}

type storedResult struct {
	res     Result
	expires time.Time
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		jobs:       make(map[string]*Job),
		processing: make(map[string]time.Time),
		delayed:    make(map[string]time.Time),
		results:    make(map[string]storedResult),
		waiters:    make(map[string][]chan Result),
		notify:     make(chan struct{}, 1),
		now:        time.Now,
		leaseTTL:   DefaultLeaseTTL,
		resultTTL:  DefaultResultTTL,
	}
}

func copyJob(j *Job) *Job {
	cp := *j
	return &cp
}

func (b *MemoryBackend) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Push stores job and appends it to the waiting list.
func (b *MemoryBackend) Push(_ context.Context, job *Job) error {
	b.mu.Lock()
	b.jobs[job.ID] = copyJob(job)
	b.waiting = append(b.waiting, job.ID)
	b.mu.Unlock()
	b.signal()
	return nil
}

// Pop promotes due delayed jobs and takes the oldest waiting job, waiting up to
// timeout for one to arrive or become due.
func (b *MemoryBackend) Pop(ctx context.Context, timeout time.Duration) (*Job, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		job, nextDue := b.tryPop()
		if job != nil {
			return job, nil
		}

		var due <-chan time.Time
		var dueTimer *time.Timer
		if !nextDue.IsZero() {
			dueTimer = time.NewTimer(time.Until(nextDue))
			due = dueTimer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, nil
		case <-b.notify:
		case <-due:
		}
		if dueTimer != nil {
			dueTimer.Stop()
		}
	}
}

// tryPop returns a job if one is ready, otherwise the earliest delayed run time.
func (b *MemoryBackend) tryPop() (*Job, time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	var due []string
	var next time.Time
	for id, runAt := range b.delayed {
		if !runAt.After(now) {
			due = append(due, id)
			continue
		}
		if next.IsZero() || runAt.Before(next) {
			next = runAt
		}
	}
	sort.Slice(due, func(i, j int) bool { return b.delayed[due[i]].Before(b.delayed[due[j]]) })
	for _, id := range due {
		delete(b.delayed, id)
		b.waiting = append(b.waiting, id)
	}

	if len(b.waiting) == 0 {
		return nil, next
	}
	id := b.waiting[0]
	b.waiting = b.waiting[1:]
	job := b.jobs[id]
	job.Attempt++
	b.processing[id] = now.Add(b.leaseTTL)
	return copyJob(job), time.Time{}
}

// Heartbeat extends the lease on an active job.
func (b *MemoryBackend) Heartbeat(_ context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.processing[job.ID]; !ok {
		return ErrLeaseLost
	}
	b.processing[job.ID] = b.now().Add(b.leaseTTL)
	return nil
}

// release ends the lease on job. Must be called with mu held.
func (b *MemoryBackend) release(job *Job) error {
	if _, ok := b.processing[job.ID]; !ok {
		return ErrLeaseLost
	}
	delete(b.processing, job.ID)
	return nil
}

// Complete removes an active job and publishes res.
func (b *MemoryBackend) Complete(_ context.Context, job *Job, res Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.release(job); err != nil {
		return err
	}
	delete(b.jobs, job.ID)
	b.publish(job.ID, res)
	return nil
}

// Retry moves an active job to the delayed set until runAt.
func (b *MemoryBackend) Retry(_ context.Context, job *Job, runAt time.Time) error {
	b.mu.Lock()
	if err := b.release(job); err != nil {
		b.mu.Unlock()
		return err
	}
	b.jobs[job.ID] = copyJob(job)
	b.delayed[job.ID] = runAt
	b.mu.Unlock()
	b.signal()
	return nil
}

// Fail moves an active job to the failed list and publishes res.
func (b *MemoryBackend) Fail(_ context.Context, job *Job, res Result) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.release(job); err != nil {
		return err
	}
	b.jobs[job.ID] = copyJob(job)
	b.failed = append(b.failed, job.ID)
	b.publish(job.ID, res)
	return nil
}

// publish must be called with mu held.
func (b *MemoryBackend) publish(id string, res Result) {
	now := b.now()
	b.evictExpired(now)
	b.results[id] = storedResult{res: res, expires: now.Add(b.resultTTL)}
	for _, ch := range b.waiters[id] {
		ch <- res
	}
	delete(b.waiters, id)
}

// evictExpired drops results past their TTL along with the bodies of failed
// jobs they belong to. Runs at most once a minute. Must be called with mu held.
func (b *MemoryBackend) evictExpired(now time.Time) {
	if now.Sub(b.lastEvict) < time.Minute {
		return
	}
	b.lastEvict = now

	for id, r := range b.results {
		if now.Before(r.expires) {
			continue
		}
		delete(b.results, id)
		delete(b.jobs, id)
	}

	kept := b.failed[:0]
	for _, id := range b.failed {
		if _, ok := b.jobs[id]; ok {
			kept = append(kept, id)
		}
	}
	b.failed = kept
}

// Await blocks until a result for id is published or ctx ends.
func (b *MemoryBackend) Await(ctx context.Context, id string) (Result, error) {
	b.mu.Lock()
	if r, ok := b.results[id]; ok {
		expired := !b.now().Before(r.expires)
		b.mu.Unlock()
		if expired {
			return Result{}, ErrJobNotFound
		}
		return r.res, nil
	}
	if _, ok := b.jobs[id]; !ok {
		b.mu.Unlock()
		return Result{}, ErrJobNotFound
	}
	ch := make(chan Result, 1)
	b.waiters[id] = append(b.waiters[id], ch)
	b.mu.Unlock()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
		b.removeWaiter(id, ch)
		return Result{}, ctx.Err()
	}
}

func (b *MemoryBackend) removeWaiter(id string, ch chan Result) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ws := b.waiters[id]
	for i, c := range ws {
		if c == ch {
			b.waiters[id] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(b.waiters[id]) == 0 {
		delete(b.waiters, id)
	}
}

// Counts returns jobs by state.
func (b *MemoryBackend) Counts(_ context.Context) (Counts, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Counts{
		Waiting: int64(len(b.waiting)),
		Active:  int64(len(b.processing)),
		Delayed: int64(len(b.delayed)),
		Failed:  int64(len(b.failed)),
	}, nil
}

// RequeueInFlight moves active jobs whose lease expired back to waiting.
func (b *MemoryBackend) RequeueInFlight(_ context.Context) (int, error) {
	b.mu.Lock()
	now := b.now()
	var ids []string
	for id, deadline := range b.processing {
		if now.After(deadline) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	for _, id := range ids {
		delete(b.processing, id)
		b.waiting = append(b.waiting, id)
	}
	b.mu.Unlock()

	if len(ids) > 0 {
		b.signal()
	}
	return len(ids), nil
}

var _ Backend = (*MemoryBackend)(nil)
