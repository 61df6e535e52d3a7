// Package cleanup prunes rows the hot path no longer needs: expired ticks, finished jobs,
// consumed outbox events, stale instance cursors and abandoned token grants.
package cleanup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/telemetry"
)

// maxRounds caps how many batches one table is drained per pass.
const maxRounds = 100

// Table names used in logs and metric attributes.
const (
	TableScheduleTicksExpired   = "schedule_ticks_expired"
	TableScheduleTicksProcessed = "schedule_ticks_processed"
	TableQueueJobs              = "queue_jobs"
	TableOutboxEvents           = "outbox_events"
	TableListenerCursors        = "listener_cursors"
	TableTokenGrants            = "token_grants"
)

// OutboxPruner deletes consumed outbox events.
type OutboxPruner interface {
	Prune(ctx context.Context, throughID int64, olderThan time.Time, limit int) (int64, error)
}

// CursorReader exposes the cursor positions that bound outbox pruning.
type CursorReader interface {
	SlowestCursor(ctx context.Context) (int64, bool, error)
	DeleteStaleEphemeral(ctx context.Context, olderThan time.Time) (int64, error)
}

// TickPruner deletes schedule ticks.
type TickPruner interface {
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// JobPruner deletes terminal jobs.
type JobPruner interface {
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// GrantReclaimer returns expired admission tokens to their pools.
type GrantReclaimer interface {
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
}

// Stores groups the tables the worker prunes. Nil members are skipped.
type Stores struct {
	Outbox  OutboxPruner
	Cursors CursorReader
	Ticks   TickPruner
	Jobs    JobPruner
	Tokens  GrantReclaimer
}

// Config tunes the cleanup cadence.
type Config struct {
	Interval time.Duration
	// ExpiredThreshold is the minimum age of rows before they are deleted.
	ExpiredThreshold time.Duration
	BatchSize        int
}

// DefaultConfig returns the settings used when a field is left zero.
func DefaultConfig() Config {
	return Config{
		Interval:         time.Minute,
		ExpiredThreshold: 24 * time.Hour,
		BatchSize:        500,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.ExpiredThreshold <= 0 {
		c.ExpiredThreshold = def.ExpiredThreshold
	}
	if c.BatchSize <= 0 {
		c.BatchSize = def.BatchSize
	}
	return c
}

// Option configures the worker.
type Option func(*Worker)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Worker) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithMeter overrides the meter used for deletion counters.
func WithMeter(meter metric.Meter) Option {
	return func(w *Worker) {
		if meter != nil {
			w.meter = meter
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) {
		if now != nil {
			w.now = now
		}
	}
}

// Stats counts rows removed by one pass, keyed by table.
type Stats map[string]int64

// Total sums every table.
func (s Stats) Total() int64 {
	var n int64
	for _, v := range s {
		n += v
	}
	return n
}

// Worker periodically deletes expired rows.
type Worker struct {
	stores Stores
	cfg    Config

	logger      *zap.Logger
	meter       metric.Meter
	now         func() time.Time
	environment string

	mu     sync.Mutex
	cancel context.CancelFunc
	loop   conc.WaitGroup

	deleted metric.Int64Counter
}

// NewWorker builds a cleanup worker over stores.
func NewWorker(stores Stores, cfg Config, opts ...Option) *Worker {
	w := &Worker{
		stores:      stores,
		cfg:         cfg.withDefaults(),
		logger:      zap.NewNop(),
		meter:       otel.Meter("relay/cleanup"),
		now:         time.Now,
		environment: telemetry.Environment(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}
	w.deleted, _ = w.meter.Int64Counter("relay_cleanup_rows_deleted_total",
		metric.WithDescription("Rows deleted by the cleanup worker"),
		metric.WithUnit("{row}"))
	return w
}

// RunOnce performs a single pass. A failing table does not stop the others.
func (w *Worker) RunOnce(ctx context.Context) (Stats, error) {
	now := w.now()
	cutoff := now.Add(-w.cfg.ExpiredThreshold)
	stats := Stats{}
	var errList []error

	run := func(table string, batched bool, fn func(limit int) (int64, error)) {
		var (
			n   int64
			err error
		)
		if batched {
			n, err = w.drain(fn)
		} else {
			n, err = fn(w.cfg.BatchSize)
		}
		if n > 0 {
			stats[table] += n
			w.deleted.Add(ctx, n, metric.WithAttributes(telemetry.TableAttributes(w.environment, table)...))
		}
		if err != nil {
			errList = append(errList, fmt.Errorf("cleanup %s: %w", table, err))
		}
	}

	if w.stores.Ticks != nil {
		run(TableScheduleTicksExpired, true, func(limit int) (int64, error) {
			return w.stores.Ticks.DeleteExpired(ctx, now, limit)
		})
		run(TableScheduleTicksProcessed, true, func(limit int) (int64, error) {
			return w.stores.Ticks.DeleteProcessedBefore(ctx, cutoff, limit)
		})
	}
	if w.stores.Jobs != nil {
		run(TableQueueJobs, true, func(limit int) (int64, error) {
			return w.stores.Jobs.DeleteFinishedBefore(ctx, cutoff, limit)
		})
	}
	if w.stores.Cursors != nil {
		// Stale instance cursors go first so they no longer pin the outbox.
		run(TableListenerCursors, false, func(int) (int64, error) {
			return w.stores.Cursors.DeleteStaleEphemeral(ctx, cutoff)
		})
		if w.stores.Outbox != nil {
			slowest, ok, err := w.stores.Cursors.SlowestCursor(ctx)
			switch {
			case err != nil:
				errList = append(errList, fmt.Errorf("cleanup %s: slowest cursor: %w", TableOutboxEvents, err))
			case ok && slowest > 0:
				run(TableOutboxEvents, true, func(limit int) (int64, error) {
					return w.stores.Outbox.Prune(ctx, slowest, cutoff, limit)
				})
			}
		}
	}
	if w.stores.Tokens != nil {
		run(TableTokenGrants, false, func(int) (int64, error) {
			return w.stores.Tokens.ReclaimExpired(ctx, now)
		})
	}

	if total := stats.Total(); total > 0 {
		fields := make([]zap.Field, 0, len(stats)+1)
		fields = append(fields, zap.Int64("total", total))
		for table, n := range stats {
			fields = append(fields, zap.Int64(table, n))
		}
		w.logger.Info("cleanup pass", fields...)
	}
	return stats, errors.Join(errList...)
}

// drain repeats fn while it fills whole batches.
func (w *Worker) drain(fn func(limit int) (int64, error)) (int64, error) {
	var total int64
	for round := 0; round < maxRounds; round++ {
		n, err := fn(w.cfg.BatchSize)
		total += n
		if err != nil {
			return total, err
		}
		if n < int64(w.cfg.BatchSize) {
			return total, nil
		}
	}
	return total, nil
}

// Start runs RunOnce on the configured interval until Stop.
func (w *Worker) Start(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w.cancel = cancel
	w.loop.Go(func() { w.run(runCtx) })
	w.logger.Info("cleanup worker started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Duration("expired_threshold", w.cfg.ExpiredThreshold))
}

func (w *Worker) run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("cleanup pass failed", zap.Error(err))
		}
	}
}

// Stop ends the loop and waits for the current pass.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.cancel = nil
	w.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	w.loop.Wait()
	w.logger.Info("cleanup worker stopped")
}
