package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/telemetry"
)

type batch struct {
	queue *queueRuntime
	grant jobstore.Grant
	jobs  []jobstore.Job
	// lease is the lease_owner written for this batch only. A job reclaimed and leased
	// again by the same process gets a new value, so writes from the stale run miss.
	lease string
}

func permanent(err error) error {
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with backoff.Permanent.
func IsPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm)
}

func (m *Manager) poll(ctx, execCtx context.Context, q *queueRuntime) {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		case <-q.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		for ctx.Err() == nil {
			b, err := m.claim(ctx, q)
			if err != nil {
				m.logger.Warn("queue claim failed", zap.String("queue", q.name), zap.Error(err))
				break
			}
			if b == nil {
				break
			}
			m.batches.Go(func() { m.run(execCtx, b) })
			if len(b.jobs) < m.cfg.ProcessingConcurrency {
				break
			}
		}
		timer.Reset(m.cfg.PollInterval)
	}
}

// refill turns batch completions into at most one wake-up per debounce window.
func (m *Manager) refill(ctx context.Context, q *queueRuntime) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-q.done:
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return
		}
		notify(q.wake)
	}
}

// claim takes a local slot, one admission token and a batch of leased jobs. It returns nil
// when any of them is unavailable, releasing whatever it already took.
func (m *Manager) claim(ctx context.Context, q *queueRuntime) (*batch, error) {
	select {
	case m.slots <- struct{}{}:
	default:
		return nil, nil
	}

	now := m.now()
	grants, err := m.tokens.Acquire(ctx, q.scope, m.owner, 1, now.Add(m.cfg.LeaseDuration))
	if err != nil {
		<-m.slots
		return nil, fmt.Errorf("acquire token: %w", err)
	}
	if len(grants) == 0 {
		<-m.slots
		return nil, nil
	}
	m.tokensHeld.Add(ctx, 1, metric.WithAttributes(telemetry.AttrTokenScope.String(q.scope)))

	lease := m.owner + ":" + uuid.NewString()
	leased, err := m.store.Lease(ctx, jobstore.LeaseRequest{
		Queue:    q.name,
		Owner:    lease,
		Limit:    m.cfg.ProcessingConcurrency,
		Now:      now,
		LeaseFor: m.cfg.LeaseDuration,
	})
	if err != nil || len(leased) == 0 {
		m.releaseToken(context.WithoutCancel(ctx), q, grants[0])
		<-m.slots
		if err != nil {
			return nil, fmt.Errorf("lease: %w", err)
		}
		return nil, nil
	}
	return &batch{queue: q, grant: grants[0], jobs: leased, lease: lease}, nil
}

func (m *Manager) releaseToken(ctx context.Context, q *queueRuntime, grant jobstore.Grant) {
	if _, err := m.tokens.Release(ctx, m.owner, []int64{grant.ID}); err != nil {
		m.logger.Warn("token release failed", zap.String("queue", q.name), zap.Int64("grant_id", grant.ID), zap.Error(err))
	}
	m.tokensHeld.Add(ctx, -1, metric.WithAttributes(telemetry.AttrTokenScope.String(q.scope)))
}

// run executes a claimed batch on a bounded pool while renewing its leases.
func (m *Manager) run(ctx context.Context, b *batch) {
	defer func() {
		m.releaseToken(context.WithoutCancel(ctx), b.queue, b.grant)
		<-m.slots
		notify(b.queue.done)
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	var renewal conc.WaitGroup
	renewal.Go(func() { m.renew(renewCtx, b) })

	p := pool.New().WithMaxGoroutines(len(b.jobs))
	for _, job := range b.jobs {
		job := job
		p.Go(func() { m.execute(ctx, b.queue, b.lease, job) })
	}
	p.Wait()
	stopRenew()
	renewal.Wait()
}

func (m *Manager) renew(ctx context.Context, b *batch) {
	ids := make([]int64, 0, len(b.jobs))
	for _, job := range b.jobs {
		ids = append(ids, job.ID)
	}
	ticker := time.NewTicker(m.cfg.LeaseDuration / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		until := m.now().Add(m.cfg.LeaseDuration)
		if _, err := m.store.Extend(ctx, b.lease, ids, until); err != nil && ctx.Err() == nil {
			m.logger.Warn("lease renewal failed", zap.String("queue", b.queue.name), zap.Int64s("job_ids", ids), zap.Error(err))
		}
		if _, err := m.tokens.Renew(ctx, m.owner, []int64{b.grant.ID}, until); err != nil && ctx.Err() == nil {
			m.logger.Warn("token renewal failed", zap.String("queue", b.queue.name), zap.Int64("grant_id", b.grant.ID), zap.Error(err))
		}
	}
}

func (m *Manager) execute(ctx context.Context, q *queueRuntime, lease string, job jobstore.Job) {
	start := time.Now()
	err := m.call(ctx, q, job)
	m.jobDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(telemetry.QueueAttributes(m.environment, q.name, "")...))

	// State writes outlive a cancelled execution so the outcome is recorded.
	writeCtx := context.WithoutCancel(ctx)
	if err == nil {
		ok, cerr := m.store.Complete(writeCtx, job.ID, lease, m.now())
		switch {
		case cerr != nil:
			m.logger.Error("job completion write failed", jobFields(job, cerr)...)
		case !ok:
			m.record(q.name, telemetry.ResultLeaseLost)
			m.logger.Warn("job lease lost before completion", jobFields(job, nil)...)
		default:
			m.record(q.name, telemetry.ResultCompleted)
		}
		return
	}
	m.fail(writeCtx, q, lease, job, err)
}

// call runs the handler with the queue timeout, turning panics into errors.
func (m *Manager) call(ctx context.Context, q *queueRuntime, job jobstore.Job) (err error) {
	if q.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, q.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
			m.logger.Error("job handler panicked", zap.String("queue", q.name), zap.Int64("job_id", job.ID), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	return q.handler(ctx, job)
}

func (m *Manager) fail(ctx context.Context, q *queueRuntime, lease string, job jobstore.Job, cause error) {
	now := m.now()
	reason := cause.Error()

	if !IsPermanent(cause) && job.Attempts < job.MaxAttempts {
		delay := m.retryDelay(job.Attempts + 1)
		ok, err := m.store.Retry(ctx, job.ID, lease, now.Add(delay), reason)
		switch {
		case err != nil:
			m.logger.Error("job retry write failed", jobFields(job, err)...)
		case !ok:
			m.record(q.name, telemetry.ResultLeaseLost)
		default:
			m.record(q.name, telemetry.ResultRetried)
			m.logger.Warn("job failed, retrying", append(jobFields(job, cause), zap.Duration("retry_in", delay))...)
		}
		return
	}

	state, result := jobstore.StateDead, telemetry.ResultDead
	if IsPermanent(cause) {
		state, result = jobstore.StateFailed, telemetry.ResultFailed
	}
	ok, err := m.store.Finish(ctx, job.ID, lease, state, now, reason)
	if err != nil {
		m.logger.Error("job finish write failed", jobFields(job, err)...)
		return
	}
	if !ok {
		m.record(q.name, telemetry.ResultLeaseLost)
		return
	}
	m.record(q.name, result)
	m.logger.Error("job dead-lettered", append(jobFields(job, cause), zap.String("state", string(state)))...)
	job.State = state
	job.Attempts++
	job.LastError = reason
	m.deadLetter(ctx, q, job, cause)
}

func (m *Manager) deadLetter(ctx context.Context, q *queueRuntime, job jobstore.Job, cause error) {
	if q.dlq == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("dlq hook panicked", zap.String("queue", q.name), zap.Int64("job_id", job.ID), zap.Any("panic", r))
		}
	}()
	q.dlq(ctx, job, cause)
}

// retryDelay returns min(initial * 2^(n-1), max) for the n-th failure.
func (m *Manager) retryDelay(n int) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.cfg.RetryInitial
	bo.MaxInterval = m.cfg.RetryMax
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.Reset()
	delay := bo.NextBackOff()
	for i := 1; i < n; i++ {
		delay = bo.NextBackOff()
	}
	if delay == backoff.Stop || delay > m.cfg.RetryMax {
		return m.cfg.RetryMax
	}
	return delay
}

func (m *Manager) record(queue, result string) {
	m.jobsTotal.Add(context.Background(), 1, metric.WithAttributes(telemetry.QueueAttributes(m.environment, queue, result)...))
}

func jobFields(job jobstore.Job, err error) []zap.Field {
	fields := []zap.Field{
		zap.Int64("job_id", job.ID),
		zap.String("queue", job.Queue),
		zap.Int("attempts", job.Attempts),
		zap.Int("max_attempts", job.MaxAttempts),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

func (m *Manager) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := m.Sweep(ctx); err != nil && ctx.Err() == nil {
			m.logger.Warn("lease sweep failed", zap.Error(err))
		}
	}
}

// Sweep reclaims expired job leases of registered queues and expired token grants.
// Reclaimed jobs that exhausted their attempts are dead-lettered through their hook.
func (m *Manager) Sweep(ctx context.Context) error {
	m.mu.Lock()
	names := m.queueNamesLocked()
	m.mu.Unlock()

	now := m.now()
	var errs []error
	if len(names) > 0 {
		reclaimed, err := m.store.ReclaimExpired(ctx, names, now, m.cfg.SweepBatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("reclaim jobs: %w", err))
		}
		for _, job := range reclaimed {
			m.mu.Lock()
			q := m.queues[job.Queue]
			m.mu.Unlock()
			m.record(job.Queue, telemetry.ResultReclaimed)
			if job.State == jobstore.StateDead {
				m.record(job.Queue, telemetry.ResultDead)
				m.logger.Error("job dead-lettered after lease expiry", jobFields(job, nil)...)
				if q != nil {
					m.deadLetter(ctx, q, job, errors.New(job.LastError))
				}
				continue
			}
			m.logger.Warn("job lease expired, requeued", jobFields(job, nil)...)
			if q != nil {
				notify(q.wake)
			}
		}
	}
	if n, err := m.tokens.ReclaimExpired(ctx, now); err != nil {
		errs = append(errs, fmt.Errorf("reclaim tokens: %w", err))
	} else if n > 0 {
		m.logger.Warn("reclaimed expired admission tokens", zap.Int64("count", n))
	}
	return errors.Join(errs...)
}

// processOnce claims and runs at most one batch of queue synchronously and reports how many
// jobs ran.
func (m *Manager) processOnce(ctx context.Context, queue string) (int, error) {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return 0, fmt.Errorf("queue: %s not registered", queue)
	}
	b, err := m.claim(ctx, q)
	if err != nil || b == nil {
		return 0, err
	}
	m.run(ctx, b)
	return len(b.jobs), nil
}
