package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/domain/jobstore"
)

// Config tunes polling, admission and retries.
type Config struct {
	// PollInterval is the idle sleep of a queue poller.
	PollInterval time.Duration
	// RefillDebounce coalesces wake-ups triggered by finished batches.
	RefillDebounce time.Duration
	// MaxActiveTokens caps the batches a process runs at once.
	MaxActiveTokens int
	// ProcessingConcurrency is the number of jobs leased per token.
	ProcessingConcurrency int
	// TokenScope is the shared pool used by queues without their own scope.
	TokenScope        string
	TokenPoolCapacity int
	LeaseDuration     time.Duration
	SweepInterval     time.Duration
	SweepBatchSize    int
	MaxAttempts       int
	RetryInitial      time.Duration
	RetryMax          time.Duration
	ShutdownTimeout   time.Duration
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		PollInterval:          500 * time.Millisecond,
		RefillDebounce:        100 * time.Millisecond,
		MaxActiveTokens:       4,
		ProcessingConcurrency: 4,
		TokenScope:            "default",
		TokenPoolCapacity:     32,
		LeaseDuration:         30 * time.Second,
		SweepInterval:         15 * time.Second,
		SweepBatchSize:        100,
		MaxAttempts:           3,
		RetryInitial:          time.Second,
		RetryMax:              5 * time.Minute,
		ShutdownTimeout:       30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.RefillDebounce <= 0 {
		c.RefillDebounce = def.RefillDebounce
	}
	if c.MaxActiveTokens <= 0 {
		c.MaxActiveTokens = def.MaxActiveTokens
	}
	if c.ProcessingConcurrency <= 0 {
		c.ProcessingConcurrency = def.ProcessingConcurrency
	}
	if c.TokenScope == "" {
		c.TokenScope = def.TokenScope
	}
	if c.TokenPoolCapacity <= 0 {
		c.TokenPoolCapacity = def.TokenPoolCapacity
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = def.LeaseDuration
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.SweepBatchSize <= 0 {
		c.SweepBatchSize = def.SweepBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
	}
	if c.RetryInitial <= 0 {
		c.RetryInitial = def.RetryInitial
	}
	if c.RetryMax < c.RetryInitial {
		c.RetryMax = c.RetryInitial
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	return c
}

// Option configures the manager.
type Option func(*Manager)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMeter overrides the meter used for queue instruments.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		if meter != nil {
			m.meter = meter
		}
	}
}

// WithClock overrides the time source used for availability and lease timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithOwner sets the process id. Token grants carry it and every job lease is prefixed by it.
func WithOwner(owner string) Option {
	return func(m *Manager) {
		if owner != "" {
			m.owner = owner
		}
	}
}

// WithScheduler wires the schedule store used by Manager.Schedule.
func WithScheduler(s Scheduler) Option {
	return func(m *Manager) {
		m.scheduler = s
	}
}

// HandlerFunc executes one job. Wrap an error with backoff.Permanent to skip retries.
type HandlerFunc func(ctx context.Context, job jobstore.Job) error

// DLQHook runs once when a job ends failed or dead.
type DLQHook func(ctx context.Context, job jobstore.Job, cause error)

type registration struct {
	name        string
	handler     HandlerFunc
	dlq         DLQHook
	timeout     time.Duration
	scope       string
	maxAttempts int
}

// QueueOption configures a registered queue.
type QueueOption interface {
	applyQueue(*registration)
}

// SendOption configures a single insert.
type SendOption interface {
	applySend(*jobstore.NewJob)
}

type queueOptionFunc func(*registration)

func (f queueOptionFunc) applyQueue(r *registration) { f(r) }

type sendOptionFunc func(*jobstore.NewJob)

func (f sendOptionFunc) applySend(j *jobstore.NewJob) { f(j) }

// WithDLQ sets the hook invoked when a job of the queue ends failed or dead.
func WithDLQ(hook DLQHook) QueueOption {
	return queueOptionFunc(func(r *registration) { r.dlq = hook })
}

// WithTimeout bounds a single execution.
func WithTimeout(timeout time.Duration) QueueOption {
	return queueOptionFunc(func(r *registration) {
		if timeout > 0 {
			r.timeout = timeout
		}
	})
}

// WithTokenScope draws admission tokens for the queue from scope instead of the shared pool.
func WithTokenScope(scope string) QueueOption {
	return queueOptionFunc(func(r *registration) {
		if scope != "" {
			r.scope = scope
		}
	})
}

// WithDedupeKey makes the insert a no-op while the queue holds a job with the same key.
func WithDedupeKey(key string) SendOption {
	return sendOptionFunc(func(j *jobstore.NewJob) { j.DedupeKey = key })
}

// WithDelay defers availability by d.
func WithDelay(d time.Duration) SendOption {
	return sendOptionFunc(func(j *jobstore.NewJob) {
		if d > 0 {
			j.AvailableAt = j.AvailableAt.Add(d)
		}
	})
}

// MaxAttemptsOption sets the retry budget of a queue or of a single job.
type MaxAttemptsOption int

func (o MaxAttemptsOption) applyQueue(r *registration) {
	if o >= 0 {
		r.maxAttempts = int(o)
	}
}

func (o MaxAttemptsOption) applySend(j *jobstore.NewJob) {
	if o >= 0 {
		j.MaxAttempts = int(o)
	}
}

// WithMaxAttempts sets how many retries a job gets before it is dead-lettered.
func WithMaxAttempts(n int) MaxAttemptsOption {
	return MaxAttemptsOption(n)
}
