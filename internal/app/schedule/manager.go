// Package schedule materializes recurring schedules into queue jobs ahead of time.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/robfig/cron/v3"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/domain/schedulestore"
	"github.com/coachpo/relay/internal/telemetry"
)

const (
	component = "schedule"
	// maxTicksPerPass bounds how many instants one schedule materializes per pass.
	maxTicksPerPass = 1000
)

// ErrStarted is returned by Start when the manager already runs.
var ErrStarted = errors.New("schedule manager already started")

// Config tunes the materialization loop.
type Config struct {
	Interval    time.Duration
	Lookahead   time.Duration
	BatchSize   int
	TickExpiry  time.Duration
	MaxAttempts int
}

// DefaultConfig returns the production settings. A zero Lookahead enqueues jobs only once due.
func DefaultConfig() Config {
	return Config{
		Interval:    10 * time.Second,
		Lookahead:   30 * time.Second,
		BatchSize:   100,
		TickExpiry:  time.Hour,
		MaxAttempts: 3,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.Lookahead < 0 {
		c.Lookahead = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	if c.TickExpiry <= 0 {
		c.TickExpiry = def.TickExpiry
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = def.MaxAttempts
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

// WithMeter overrides the meter used for tick instruments.
func WithMeter(meter metric.Meter) Option {
	return func(m *Manager) {
		if meter != nil {
			m.meter = meter
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// Result summarises one pass.
type Result struct {
	Materialized int
	Enqueued     int
}

// Manager owns schedule definitions and turns their due instants into jobs.
type Manager struct {
	store schedulestore.Store
	cfg   Config

	logger      *zap.Logger
	meter       metric.Meter
	now         func() time.Time
	environment string
	parser      cron.Parser

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loop    conc.WaitGroup

	ticks metric.Int64Counter
}

// NewManager builds a manager over store.
func NewManager(store schedulestore.Store, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		cfg:         cfg.withDefaults(),
		logger:      zap.NewNop(),
		meter:       otel.Meter("relay/schedule"),
		now:         time.Now,
		environment: telemetry.Environment(),
		parser:      cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	m.ticks, _ = m.meter.Int64Counter("relay_schedule_ticks_total",
		metric.WithDescription("Schedule ticks materialized and enqueued"),
		metric.WithUnit("{tick}"))
	return m
}

// Register validates def and upserts it. The first due instant is computed from now unless set.
func (m *Manager) Register(ctx context.Context, def schedulestore.Definition) (schedulestore.Definition, error) {
	def.Queue = strings.TrimSpace(def.Queue)
	def.Cron = strings.TrimSpace(def.Cron)
	if def.Queue == "" {
		return schedulestore.Definition{}, invalid("queue name required")
	}
	if (def.Interval > 0) == (def.Cron != "") {
		return schedulestore.Definition{}, invalid("exactly one of interval and cron required")
	}
	if def.Interval > 0 && def.Interval < time.Second {
		return schedulestore.Definition{}, invalid("interval must be at least one second")
	}
	def.Interval = def.Interval.Truncate(time.Second)
	next, err := m.cadence(def)
	if err != nil {
		return schedulestore.Definition{}, err
	}
	template, err := normalizeTemplate(def.PayloadTemplate)
	if err != nil {
		return schedulestore.Definition{}, err
	}
	def.PayloadTemplate = template
	if def.NextDueAt.IsZero() {
		def.NextDueAt = next.Next(m.now().Truncate(time.Second))
	}
	stored, err := m.store.Upsert(ctx, def)
	if err != nil {
		return schedulestore.Definition{}, fmt.Errorf("schedule: register %s: %w", def.Queue, err)
	}
	m.logger.Info("schedule registered",
		zap.String("queue", stored.Queue),
		zap.String("scope", stored.Scope),
		zap.Duration("interval", stored.Interval),
		zap.String("cron", stored.Cron),
		zap.Time("next_due_at", stored.NextDueAt))
	return stored, nil
}

// Remove deletes the definition of queue and scope with its pending ticks.
func (m *Manager) Remove(ctx context.Context, queue, scope string) error {
	removed, err := m.store.Remove(ctx, strings.TrimSpace(queue), scope)
	if err != nil {
		return fmt.Errorf("schedule: remove %s: %w", queue, err)
	}
	if !removed {
		return errs.New(component, errs.CodeNotFound, errs.WithField("queue", queue), errs.WithField("scope", scope), errs.WithCause(schedulestore.ErrScheduleNotFound))
	}
	return nil
}

// RunOnce materializes every instant due within the lookahead and enqueues the resulting ticks.
func (m *Manager) RunOnce(ctx context.Context) (Result, error) {
	now := m.now()
	horizon := now.Add(m.cfg.Lookahead)
	var res Result

	for {
		defs, err := m.store.ListDue(ctx, horizon, m.cfg.BatchSize)
		if err != nil {
			return res, fmt.Errorf("schedule: list due: %w", err)
		}
		advanced := 0
		for _, def := range defs {
			inserted, moved, err := m.materialize(ctx, def, now, horizon)
			if err != nil {
				m.logger.Warn("schedule materialize failed", zap.Int64("schedule_id", def.ID), zap.String("queue", def.Queue), zap.Error(err))
				continue
			}
			res.Materialized += inserted
			if moved {
				advanced++
			}
		}
		if len(defs) < m.cfg.BatchSize || advanced == 0 {
			break
		}
	}

	for {
		ticks, err := m.store.EnqueueDue(ctx, schedulestore.EnqueueRequest{
			Now:         now,
			Horizon:     horizon,
			Limit:       m.cfg.BatchSize,
			MaxAttempts: m.cfg.MaxAttempts,
		})
		if err != nil {
			return res, fmt.Errorf("schedule: enqueue due: %w", err)
		}
		res.Enqueued += len(ticks)
		if len(ticks) < m.cfg.BatchSize {
			break
		}
	}

	if res.Materialized > 0 {
		m.ticks.Add(ctx, int64(res.Materialized), metric.WithAttributes(telemetry.OperationResultAttributes(m.environment, "materialize", "ok")...))
	}
	if res.Enqueued > 0 {
		m.ticks.Add(ctx, int64(res.Enqueued), metric.WithAttributes(telemetry.OperationResultAttributes(m.environment, "enqueue", "ok")...))
	}
	return res, nil
}

// materialize inserts the due instants of def up to horizon and advances its next_due_at.
// Instants whose tick would already be expired are skipped. It reports false when another
// worker advanced the schedule first.
func (m *Manager) materialize(ctx context.Context, def schedulestore.Definition, now, horizon time.Time) (int, bool, error) {
	sched, err := m.cadence(def)
	if err != nil {
		return 0, false, err
	}
	var ticks []schedulestore.NewTick
	due := def.NextDueAt
	for !due.After(horizon) && len(ticks) < maxTicksPerPass {
		expires := due.Add(m.cfg.TickExpiry)
		if expires.After(now) {
			ticks = append(ticks, schedulestore.NewTick{DueAt: due, ExpiresAt: expires})
		}
		due = sched.Next(due)
	}
	inserted, advanced, err := m.store.Materialize(ctx, def.ID, def.NextDueAt, ticks, due)
	if err != nil {
		return 0, false, err
	}
	if !advanced {
		m.logger.Debug("schedule already advanced by another worker", zap.Int64("schedule_id", def.ID), zap.Time("expected_next", def.NextDueAt))
	}
	return inserted, advanced, nil
}

func (m *Manager) cadence(def schedulestore.Definition) (cron.Schedule, error) {
	if def.Interval > 0 {
		return cron.Every(def.Interval), nil
	}
	sched, err := m.parser.Parse(def.Cron)
	if err != nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("invalid cron expression"), errs.WithField("cron", def.Cron), errs.WithCause(err))
	}
	return sched, nil
}

// Start runs RunOnce on the configured interval until Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrStarted))
	}
	m.started = true
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	m.cancel = cancel
	m.loop.Go(func() { m.run(runCtx) })
	m.logger.Info("schedule manager started", zap.Duration("interval", m.cfg.Interval), zap.Duration("lookahead", m.cfg.Lookahead))
	return nil
}

func (m *Manager) run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if res, err := m.RunOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Warn("schedule pass failed", zap.Error(err))
		} else if res.Materialized > 0 || res.Enqueued > 0 {
			m.logger.Debug("schedule pass", zap.Int("materialized", res.Materialized), zap.Int("enqueued", res.Enqueued))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stop ends the loop and waits for the current pass.
func (m *Manager) Stop(context.Context) error {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	m.loop.Wait()
	m.logger.Info("schedule manager stopped")
	return nil
}

func invalid(msg string) error {
	return errs.New(component, errs.CodeInvalid, errs.WithMessage(msg))
}

// normalizeTemplate requires a JSON object; an empty template becomes {}.
func normalizeTemplate(raw json.RawMessage) (json.RawMessage, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("payload template must be a JSON object"), errs.WithCause(err))
	}
	return raw, nil
}
