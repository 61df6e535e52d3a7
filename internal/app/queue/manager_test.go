package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/jobs"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
	"github.com/coachpo/relay/internal/testutil/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	jobs   *memstore.Jobs
	tokens *memstore.Tokens
	clock  *fakeClock
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{jobs: memstore.NewJobs(), tokens: memstore.NewTokens(), clock: newFakeClock()}
	h.jobs.Clock = h.clock.Now
	require.NoError(t, h.tokens.EnsurePool(context.Background(), "default", 8))
	return h
}

func (h *harness) manager(owner string, cfg Config, opts ...Option) *Manager {
	return NewManager(h.jobs, h.tokens, cfg, append([]Option{WithClock(h.clock.Now), WithOwner(owner)}, opts...)...)
}

func TestRetriesWithGrowingBackoffThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{RetryInitial: time.Second, RetryMax: time.Minute})

	var dlqCalls atomic.Int32
	var dlqJob jobstore.Job
	require.NoError(t, m.Register("flaky", func(context.Context, jobstore.Job) error {
		return errors.New("upstream unavailable")
	}, WithDLQ(func(_ context.Context, job jobstore.Job, _ error) {
		dlqCalls.Add(1)
		dlqJob = job
	})))

	sent, err := m.Send(ctx, "flaky", json.RawMessage(`{"n":1}`), WithMaxAttempts(3))
	require.NoError(t, err)

	var gaps []time.Duration
	for cycle := 1; cycle <= 3; cycle++ {
		ran, err := m.processOnce(ctx, "flaky")
		require.NoError(t, err)
		require.Equal(t, 1, ran)

		job, err := h.jobs.Get(ctx, sent.ID)
		require.NoError(t, err)
		require.Equal(t, jobstore.StatePending, job.State)
		require.Equal(t, cycle, job.Attempts)
		require.Equal(t, "upstream unavailable", job.LastError)
		gaps = append(gaps, job.AvailableAt.Sub(h.clock.Now()))

		ran, err = m.processOnce(ctx, "flaky")
		require.NoError(t, err)
		require.Zero(t, ran, "job must not be leased before its backoff elapses")
		h.clock.Set(job.AvailableAt)
	}
	require.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, gaps)

	ran, err := m.processOnce(ctx, "flaky")
	require.NoError(t, err)
	require.Equal(t, 1, ran)

	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateDead, job.State)
	require.Equal(t, 4, job.Attempts)
	require.NotNil(t, job.FinishedAt)
	require.Equal(t, int32(1), dlqCalls.Load())
	require.Equal(t, sent.ID, dlqJob.ID)
	require.Equal(t, jobstore.StateDead, dlqJob.State)
	require.Zero(t, h.tokens.Outstanding("default"))
}

func TestPermanentErrorFailsWithoutRetry(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{})

	var dlqCalls atomic.Int32
	require.NoError(t, m.Register("strict", func(context.Context, jobstore.Job) error {
		return backoff.Permanent(errors.New("schema mismatch"))
	}, WithDLQ(func(context.Context, jobstore.Job, error) { dlqCalls.Add(1) })))

	sent, err := m.Send(ctx, "strict", nil)
	require.NoError(t, err)
	_, err = m.processOnce(ctx, "strict")
	require.NoError(t, err)

	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, int32(1), dlqCalls.Load())
}

func TestPanicIsRecordedAsFailure(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{})
	require.NoError(t, m.Register("buggy", func(context.Context, jobstore.Job) error { panic("nil map") }))

	sent, err := m.Send(ctx, "buggy", nil)
	require.NoError(t, err)
	_, err = m.processOnce(ctx, "buggy")
	require.NoError(t, err)

	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatePending, job.State)
	require.Contains(t, job.LastError, "panic")
}

func TestSweepReclaimsCrashedLeaseForAnotherWorker(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	cfg := Config{LeaseDuration: 30 * time.Second}

	crashed := h.manager("worker-a", cfg)
	require.NoError(t, crashed.Register("embed", func(context.Context, jobstore.Job) error { return nil }))
	sent, err := crashed.Send(ctx, "embed", nil)
	require.NoError(t, err)

	// worker-a leases the job and dies without completing it.
	leased, err := h.jobs.Lease(ctx, jobstore.LeaseRequest{Queue: "embed", Owner: "worker-a", Limit: 1, Now: h.clock.Now(), LeaseFor: cfg.LeaseDuration})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	survivor := h.manager("worker-b", cfg)
	var ran atomic.Int32
	require.NoError(t, survivor.Register("embed", func(context.Context, jobstore.Job) error {
		ran.Add(1)
		return nil
	}))

	require.NoError(t, survivor.Sweep(ctx))
	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateActive, job.State, "lease not yet expired")

	h.clock.Advance(31 * time.Second)
	require.NoError(t, survivor.Sweep(ctx))
	job, err = h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatePending, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Empty(t, job.LeaseOwner)

	n, err := survivor.processOnce(ctx, "embed")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, int32(1), ran.Load())
	job, err = h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateCompleted, job.State)
	require.Equal(t, 1, job.Attempts)

	// The crashed worker's late completion must not apply.
	ok, err := h.jobs.Complete(ctx, sent.ID, "worker-a", h.clock.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestStaleRunCannotTouchReleasedJob(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{LeaseDuration: 30 * time.Second})

	var calls atomic.Int32
	started := make(chan int32, 3)
	release := []chan struct{}{make(chan struct{}), make(chan struct{})}
	require.NoError(t, m.Register("embed", func(context.Context, jobstore.Job) error {
		n := calls.Add(1)
		started <- n
		if n > 2 {
			return nil
		}
		<-release[n-1]
		if n == 1 {
			return errors.New("slow upstream")
		}
		return nil
	}))
	sent, err := m.Send(ctx, "embed", nil, WithMaxAttempts(3))
	require.NoError(t, err)

	runInBackground := func() chan struct{} {
		done := make(chan struct{})
		go func() {
			defer close(done)
			_, _ = m.processOnce(ctx, "embed")
		}()
		return done
	}
	firstRun := runInBackground()
	require.Equal(t, int32(1), <-started)

	h.clock.Advance(31 * time.Second)
	require.NoError(t, m.Sweep(ctx))

	secondRun := runInBackground()
	require.Equal(t, int32(2), <-started)

	// The first run fails after its lease was reclaimed and handed to the second run.
	close(release[0])
	<-firstRun

	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateActive, job.State)
	require.Equal(t, 1, job.Attempts)

	n, err := m.processOnce(ctx, "embed")
	require.NoError(t, err)
	require.Zero(t, n, "a leased job must not be leased again")

	close(release[1])
	<-secondRun
	job, err = h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateCompleted, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, int32(2), calls.Load())
	require.Zero(t, h.tokens.Outstanding("default"))
}

func TestSweepDeadLettersExhaustedLease(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-b", Config{LeaseDuration: time.Second})
	var dlq atomic.Int32
	require.NoError(t, m.Register("assemble", func(context.Context, jobstore.Job) error { return nil },
		WithMaxAttempts(0),
		WithDLQ(func(_ context.Context, job jobstore.Job, cause error) {
			require.Equal(t, "lease expired", cause.Error())
			dlq.Add(1)
		})))
	sent, err := m.Send(ctx, "assemble", nil)
	require.NoError(t, err)
	_, err = h.jobs.Lease(ctx, jobstore.LeaseRequest{Queue: "assemble", Owner: "worker-a", Limit: 1, Now: h.clock.Now(), LeaseFor: time.Second})
	require.NoError(t, err)

	h.clock.Advance(2 * time.Second)
	require.NoError(t, m.Sweep(ctx))
	job, err := h.jobs.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateDead, job.State)
	require.Equal(t, int32(1), dlq.Load())
}

func TestConcurrentLeaseHasSingleWinner(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	var runs atomic.Int32
	handler := func(context.Context, jobstore.Job) error {
		runs.Add(1)
		return nil
	}
	a := h.manager("worker-a", Config{})
	b := h.manager("worker-b", Config{})
	require.NoError(t, a.Register("naming", handler))
	require.NoError(t, b.Register("naming", handler))
	_, err := a.Send(ctx, "naming", nil)
	require.NoError(t, err)

	var (
		wg      sync.WaitGroup
		results [2]int
		errsOut [2]error
	)
	for i, m := range []*Manager{a, b} {
		wg.Add(1)
		go func(i int, m *Manager) {
			defer wg.Done()
			results[i], errsOut[i] = m.processOnce(ctx, "naming")
		}(i, m)
	}
	wg.Wait()

	require.NoError(t, errsOut[0])
	require.NoError(t, errsOut[1])
	require.Equal(t, 1, results[0]+results[1])
	require.Equal(t, int32(1), runs.Load())
}

func TestSaturatedTokenPoolBlocksClaims(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	require.NoError(t, h.tokens.EnsurePool(ctx, "llm", 1))
	m := h.manager("worker-a", Config{})
	require.NoError(t, m.Register("companion", func(context.Context, jobstore.Job) error { return nil }, WithTokenScope("llm")))
	_, err := m.Send(ctx, "companion", nil)
	require.NoError(t, err)

	held, err := h.tokens.Acquire(ctx, "llm", "worker-z", 1, h.clock.Now().Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, held, 1)

	n, err := m.processOnce(ctx, "companion")
	require.NoError(t, err)
	require.Zero(t, n)

	_, err = h.tokens.Release(ctx, "worker-z", []int64{held[0].ID})
	require.NoError(t, err)
	n, err = m.processOnce(ctx, "companion")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Zero(t, h.tokens.Outstanding("llm"))
}

func TestHandleDecodesTypedPayloads(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{})

	var got jobs.MessageEmbed
	var dlq atomic.Int32
	require.NoError(t, Handle(m, func(_ context.Context, p jobs.MessageEmbed, _ jobstore.Job) error {
		got = p
		return nil
	}, WithDLQ(func(context.Context, jobstore.Job, error) { dlq.Add(1) })))

	_, err := m.Enqueue(ctx, jobs.MessageEmbed{WorkspaceID: "ws-1", MessageID: "msg-1", Edited: true})
	require.NoError(t, err)
	_, err = m.processOnce(ctx, jobs.QueueMessageEmbed)
	require.NoError(t, err)
	require.Equal(t, jobs.MessageEmbed{WorkspaceID: "ws-1", MessageID: "msg-1", Edited: true}, got)

	bad, err := m.Send(ctx, jobs.QueueMessageEmbed, json.RawMessage(`{"workspaceId":"ws-1"}`))
	require.NoError(t, err)
	_, err = m.processOnce(ctx, jobs.QueueMessageEmbed)
	require.NoError(t, err)
	job, err := h.jobs.Get(ctx, bad.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StateFailed, job.State)
	require.Equal(t, int32(1), dlq.Load())
}

func TestEnqueueRejectsInvalidPayload(t *testing.T) {
	m := newHarness(t).manager("worker-a", Config{})
	_, err := m.Enqueue(context.Background(), jobs.StreamNaming{WorkspaceID: "ws-1"})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestSendHonoursDedupeDelayAndUnregisteredQueues(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	m := h.manager("worker-a", Config{MaxAttempts: 5})

	first, err := m.Send(ctx, "remote.only", json.RawMessage(`{"a":1}`), WithDedupeKey("k1"), WithDelay(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 5, first.MaxAttempts)
	require.Equal(t, h.clock.Now().Add(time.Minute), first.AvailableAt)

	second, err := m.Send(ctx, "remote.only", json.RawMessage(`{"a":2}`), WithDedupeKey("k1"))
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Len(t, h.jobs.ByQueue("remote.only"), 1)
}

func TestRegisterRejectsDuplicatesAndLateQueues(t *testing.T) {
	m := newHarness(t).manager("worker-a", Config{SweepInterval: time.Hour, PollInterval: time.Hour})
	noop := func(context.Context, jobstore.Job) error { return nil }
	require.NoError(t, m.Register("naming", noop))
	require.ErrorIs(t, m.Register("naming", noop), ErrHandlerExists)

	require.NoError(t, m.Start(context.Background()))
	require.ErrorIs(t, m.Register("late", noop), ErrStarted)
	require.NoError(t, m.Stop(context.Background()))
}

type recordingScheduler struct {
	defs []schedulestore.Definition
}

func (r *recordingScheduler) Register(_ context.Context, def schedulestore.Definition) (schedulestore.Definition, error) {
	r.defs = append(r.defs, def)
	return def, nil
}

func TestScheduleDelegatesToScheduler(t *testing.T) {
	h := newHarness(t)
	without := h.manager("worker-a", Config{})
	_, err := without.Schedule(context.Background(), "memo.accumulate", Every(time.Minute), nil, "")
	require.ErrorIs(t, err, ErrNoScheduler)

	sched := &recordingScheduler{}
	m := h.manager("worker-a", Config{}, WithScheduler(sched))
	_, err = m.Schedule(context.Background(), "memo.accumulate", Cron("*/5 * * * *"), json.RawMessage(`{"kind":"digest"}`), "ws-1")
	require.NoError(t, err)
	require.Len(t, sched.defs, 1)
	require.Equal(t, "*/5 * * * *", sched.defs[0].Cron)
	require.Equal(t, "ws-1", sched.defs[0].Scope)
}

func TestRetryDelayIsMonotonicAndCapped(t *testing.T) {
	m := newHarness(t).manager("worker-a", Config{RetryInitial: 100 * time.Millisecond, RetryMax: time.Second})
	prev := time.Duration(0)
	for n := 1; n <= 10; n++ {
		d := m.retryDelay(n)
		require.GreaterOrEqual(t, d, prev)
		require.LessOrEqual(t, d, time.Second)
		prev = d
	}
	require.Equal(t, 100*time.Millisecond, m.retryDelay(1))
	require.Equal(t, 800*time.Millisecond, m.retryDelay(4))
	require.Equal(t, time.Second, m.retryDelay(10))
}

func TestStartProcessesJobsWithinConcurrencyBound(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewJobs()
	tokens := memstore.NewTokens()
	m := NewManager(store, tokens, Config{
		PollInterval:          5 * time.Millisecond,
		RefillDebounce:        time.Millisecond,
		MaxActiveTokens:       2,
		ProcessingConcurrency: 2,
		SweepInterval:         time.Hour,
	})

	var running, peak atomic.Int32
	require.NoError(t, m.Register("boundary", func(context.Context, jobstore.Job) error {
		cur := running.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		running.Add(-1)
		return nil
	}))
	require.NoError(t, m.Start(ctx))

	for i := 0; i < 20; i++ {
		_, err := m.Send(ctx, "boundary", nil)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool {
		for _, job := range store.ByQueue("boundary") {
			if job.State != jobstore.StateCompleted {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)
	require.NoError(t, m.Stop(ctx))

	require.LessOrEqual(t, peak.Load(), int32(4))
	require.Zero(t, tokens.Outstanding("default"))
}

func TestStopAfterTimeoutReleasesTokens(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewJobs()
	tokens := memstore.NewTokens()
	m := NewManager(store, tokens, Config{
		PollInterval:    5 * time.Millisecond,
		ShutdownTimeout: 20 * time.Millisecond,
		SweepInterval:   time.Hour,
	})

	started := make(chan struct{}, 1)
	require.NoError(t, m.Register("memo", func(ctx context.Context, _ jobstore.Job) error {
		started <- struct{}{}
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, m.Start(ctx))
	sent, err := m.Send(ctx, "memo", nil)
	require.NoError(t, err)

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	err = m.Stop(ctx)
	require.ErrorIs(t, err, ErrShutdownTimeout)
	require.Zero(t, tokens.Outstanding("default"), "tokens must be released before Stop returns")

	job, err := store.Get(ctx, sent.ID)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatePending, job.State)
	require.Equal(t, 1, job.Attempts)
}
