// Package queue runs durable, admission-controlled jobs stored in PostgreSQL.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/jobs"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
	"github.com/coachpo/relay/internal/telemetry"
)

const (
	component = "queue"

	// stopGrace bounds the wait for cancelled batches once the shutdown timeout elapsed.
	stopGrace = 5 * time.Second
)

var (
	// ErrHandlerExists is returned when a queue is registered twice.
	ErrHandlerExists = errors.New("queue handler already registered")
	// ErrStarted is returned by Register and Start once the manager runs.
	ErrStarted = errors.New("queue manager already started")
	// ErrNoScheduler is returned by Schedule when no schedule store is wired.
	ErrNoScheduler = errors.New("queue manager has no scheduler")
	// ErrShutdownTimeout is returned by Stop when in-flight jobs outlive the shutdown window.
	ErrShutdownTimeout = errors.New("queue manager shutdown timed out")
)

// Scheduler persists recurring schedule definitions.
type Scheduler interface {
	Register(ctx context.Context, def schedulestore.Definition) (schedulestore.Definition, error)
}

// Cadence is either a fixed interval or a five-field cron expression.
type Cadence struct {
	Interval time.Duration
	Cron     string
}

// Every returns a fixed-interval cadence.
func Every(d time.Duration) Cadence { return Cadence{Interval: d} }

// Cron returns a cron cadence.
func Cron(expr string) Cadence { return Cadence{Cron: expr} }

type queueRuntime struct {
	*registration
	wake    chan struct{}
	done    chan struct{}
	limiter *rate.Limiter
}

// Manager registers queue handlers and runs their pollers, workers and the lease sweep.
type Manager struct {
	store     jobstore.Store
	tokens    jobstore.TokenStore
	scheduler Scheduler
	cfg       Config

	logger      *zap.Logger
	meter       metric.Meter
	now         func() time.Time
	owner       string
	environment string

	mu      sync.Mutex
	queues  map[string]*queueRuntime
	started bool
	stopped bool

	slots chan struct{}

	pollCancel context.CancelFunc
	execCancel context.CancelFunc
	pollers    conc.WaitGroup
	batches    conc.WaitGroup

	jobsTotal   metric.Int64Counter
	jobDuration metric.Float64Histogram
	tokensHeld  metric.Int64UpDownCounter
}

// NewManager builds a manager over the job and token stores.
func NewManager(store jobstore.Store, tokens jobstore.TokenStore, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		tokens:      tokens,
		cfg:         cfg.withDefaults(),
		logger:      zap.NewNop(),
		meter:       otel.Meter("relay/queue"),
		now:         time.Now,
		environment: telemetry.Environment(),
		queues:      make(map[string]*queueRuntime),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.owner == "" {
		m.owner = "worker-" + uuid.NewString()
	}
	m.slots = make(chan struct{}, m.cfg.MaxActiveTokens)
	m.jobsTotal, _ = m.meter.Int64Counter("relay_queue_jobs_total",
		metric.WithDescription("Job executions by outcome"),
		metric.WithUnit("{job}"))
	m.jobDuration, _ = m.meter.Float64Histogram("relay_queue_job_duration_ms",
		metric.WithDescription("Duration of a single job execution"),
		metric.WithUnit("ms"))
	m.tokensHeld, _ = m.meter.Int64UpDownCounter("relay_queue_tokens_held",
		metric.WithDescription("Admission tokens currently held by this process"),
		metric.WithUnit("{token}"))
	return m
}

// Owner returns the lease owner id of this manager.
func (m *Manager) Owner() string { return m.owner }

// Config returns the effective configuration.
func (m *Manager) Config() Config { return m.cfg }

// Register installs the handler of queue. Registration closes at Start.
func (m *Manager) Register(queue string, fn HandlerFunc, opts ...QueueOption) error {
	queue = strings.TrimSpace(queue)
	if queue == "" || fn == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("queue name and handler required"))
	}
	reg := &registration{
		name:        queue,
		handler:     fn,
		scope:       m.cfg.TokenScope,
		maxAttempts: m.cfg.MaxAttempts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyQueue(reg)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errs.New(component, errs.CodeUnavailable, errs.WithField("queue", queue), errs.WithCause(ErrStarted))
	}
	if _, exists := m.queues[queue]; exists {
		return errs.New(component, errs.CodeConflict, errs.WithField("queue", queue), errs.WithCause(ErrHandlerExists))
	}
	m.queues[queue] = &queueRuntime{
		registration: reg,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}, 1),
		limiter:      rate.NewLimiter(rate.Every(m.cfg.RefillDebounce), 1),
	}
	return nil
}

// Handle registers a typed handler. Payloads that fail to decode are failed permanently.
func Handle[T jobs.Payload](m *Manager, fn func(ctx context.Context, payload T, job jobstore.Job) error, opts ...QueueOption) error {
	var zero T
	return m.Register(zero.Queue(), func(ctx context.Context, job jobstore.Job) error {
		payload, err := jobs.Decode[T](job.Payload)
		if err != nil {
			return permanent(err)
		}
		return fn(ctx, payload, job)
	}, opts...)
}

// Queues returns the registered queue names, sorted.
func (m *Manager) Queues() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queueNamesLocked()
}

func (m *Manager) queueNamesLocked() []string {
	names := make([]string, 0, len(m.queues))
	for name := range m.queues {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Send inserts a pending job. The queue does not need a handler in this process.
func (m *Manager) Send(ctx context.Context, queue string, payload json.RawMessage, opts ...SendOption) (jobstore.Job, error) {
	queue = strings.TrimSpace(queue)
	if queue == "" {
		return jobstore.Job{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("queue name required"))
	}
	maxAttempts := m.cfg.MaxAttempts
	m.mu.Lock()
	if q, ok := m.queues[queue]; ok {
		maxAttempts = q.maxAttempts
	}
	m.mu.Unlock()

	job := jobstore.NewJob{Queue: queue, Payload: payload, MaxAttempts: maxAttempts, AvailableAt: m.now()}
	for _, opt := range opts {
		if opt != nil {
			opt.applySend(&job)
		}
	}
	stored, created, err := m.store.Insert(ctx, job)
	if err != nil {
		return jobstore.Job{}, fmt.Errorf("queue: send %s: %w", queue, err)
	}
	if created {
		m.signal(queue)
	}
	return stored, nil
}

// Enqueue validates a typed payload and sends it to its queue.
func (m *Manager) Enqueue(ctx context.Context, payload jobs.Payload, opts ...SendOption) (jobstore.Job, error) {
	raw, err := jobs.Encode(payload)
	if err != nil {
		return jobstore.Job{}, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid job payload"), errs.WithCause(err))
	}
	return m.Send(ctx, payload.Queue(), raw, opts...)
}

// Schedule upserts a recurring schedule for queue. scope is empty for fleet-wide schedules.
func (m *Manager) Schedule(ctx context.Context, queue string, cadence Cadence, template json.RawMessage, scope string) (schedulestore.Definition, error) {
	if m.scheduler == nil {
		return schedulestore.Definition{}, errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrNoScheduler))
	}
	return m.scheduler.Register(ctx, schedulestore.Definition{
		Queue:           strings.TrimSpace(queue),
		Scope:           scope,
		Interval:        cadence.Interval,
		Cron:            cadence.Cron,
		PayloadTemplate: template,
	})
}

// Start provisions token pools and launches one poller per queue plus the sweep.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrStarted))
	}
	m.started = true
	queues := make([]*queueRuntime, 0, len(m.queues))
	for _, name := range m.queueNamesLocked() {
		queues = append(queues, m.queues[name])
	}
	m.mu.Unlock()

	scopes := make(map[string]struct{})
	for _, q := range queues {
		scopes[q.scope] = struct{}{}
	}
	for scope := range scopes {
		if err := m.tokens.EnsurePool(ctx, scope, m.cfg.TokenPoolCapacity); err != nil {
			return fmt.Errorf("queue: ensure token pool %s: %w", scope, err)
		}
	}

	pollCtx, pollCancel := context.WithCancel(context.WithoutCancel(ctx))
	execCtx, execCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.mu.Lock()
	m.pollCancel = pollCancel
	m.execCancel = execCancel
	m.mu.Unlock()

	for _, q := range queues {
		q := q
		m.pollers.Go(func() { m.poll(pollCtx, execCtx, q) })
		m.pollers.Go(func() { m.refill(pollCtx, q) })
	}
	m.pollers.Go(func() { m.sweepLoop(pollCtx) })

	m.logger.Info("queue manager started",
		zap.String("owner", m.owner),
		zap.Strings("queues", m.Queues()),
		zap.Int("max_active_tokens", m.cfg.MaxActiveTokens),
		zap.Int("processing_concurrency", m.cfg.ProcessingConcurrency))
	return nil
}

// Stop halts polling and waits for in-flight jobs, bounded by ctx and the shutdown timeout.
// Jobs still running afterwards are cancelled, and Stop waits up to stopGrace more for them
// to record their outcome and release their tokens.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	pollCancel, execCancel := m.pollCancel, m.execCancel
	m.mu.Unlock()

	pollCancel()
	m.pollers.Wait()

	drained := make(chan struct{})
	go func() {
		m.batches.Wait()
		close(drained)
	}()
	timer := time.NewTimer(m.cfg.ShutdownTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrShutdownTimeout))
	case <-ctx.Done():
		err = errs.New(component, errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
	execCancel()
	if err != nil {
		// Cancelled batches still record their outcome and release their tokens.
		grace := time.NewTimer(stopGrace)
		defer grace.Stop()
		select {
		case <-drained:
		case <-grace.C:
			m.logger.Warn("queue batches ignored cancellation; tokens left to expiry")
		}
		m.logger.Warn("queue manager stopped with jobs in flight", zap.Error(err))
		return err
	}
	m.logger.Info("queue manager stopped", zap.String("owner", m.owner))
	return nil
}

// signal wakes the local poller of queue, if any.
func (m *Manager) signal(queue string) {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if ok {
		notify(q.wake)
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
