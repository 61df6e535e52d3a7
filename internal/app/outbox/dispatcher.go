// Package outbox fans outbox notifications out to cursor-driven handlers.
package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/errs"
	"github.com/coachpo/relay/internal/infra/pubsub"
	"github.com/coachpo/relay/internal/telemetry"
)

const component = "outbox"

var (
	// ErrHandlerExists is returned when two handlers share a listener name.
	ErrHandlerExists = errors.New("outbox handler already registered")
	// ErrStarted is returned by Register and Start once the dispatcher runs.
	ErrStarted = errors.New("outbox dispatcher already started")
	// ErrDrainTimeout is returned by Stop when in-flight handlers outlive the drain window.
	ErrDrainTimeout = errors.New("outbox dispatcher drain timed out")
)

const (
	defaultFallbackInterval = 5 * time.Second
	defaultDrainTimeout     = 10 * time.Second
)

// Handler is a listener woken by the dispatcher. OnNotify may be called while a previous
// call is still running and must process whatever backlog is available.
type Handler interface {
	Name() string
	EnsureListener(ctx context.Context) error
	OnNotify(ctx context.Context) error
}

// Subscription delivers wake-up signals from the database.
type Subscription interface {
	Run(ctx context.Context) error
	Signals() <-chan pubsub.Signal
}

// Option configures the dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithMeter overrides the meter used for handler instruments.
func WithMeter(meter metric.Meter) Option {
	return func(d *Dispatcher) {
		if meter != nil {
			d.meter = meter
		}
	}
}

// WithFallbackInterval sets the periodic wake-up used when notifications are lost.
func WithFallbackInterval(interval time.Duration) Option {
	return func(d *Dispatcher) {
		if interval > 0 {
			d.fallbackInterval = interval
		}
	}
}

// WithDrainTimeout bounds how long Stop waits for in-flight handlers.
func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.drainTimeout = timeout
		}
	}
}

// Dispatcher owns the single notification subscription and wakes every registered handler.
type Dispatcher struct {
	sub Subscription

	logger           *zap.Logger
	meter            metric.Meter
	environment      string
	fallbackInterval time.Duration
	drainTimeout     time.Duration

	mu            sync.Mutex
	handlers      []Handler
	names         map[string]struct{}
	started       bool
	stopped       bool
	stopReceive   context.CancelFunc
	cancelPasses  context.CancelFunc
	closeListener context.CancelFunc

	subscription conc.WaitGroup
	receiver     conc.WaitGroup
	inflight     conc.WaitGroup

	handlerErrors   metric.Int64Counter
	handlerDuration metric.Float64Histogram
}

// NewDispatcher builds a dispatcher around sub.
func NewDispatcher(sub Subscription, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sub:              sub,
		logger:           zap.NewNop(),
		meter:            otel.Meter("relay/outbox"),
		environment:      telemetry.Environment(),
		fallbackInterval: defaultFallbackInterval,
		drainTimeout:     defaultDrainTimeout,
		names:            make(map[string]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	d.handlerErrors, _ = d.meter.Int64Counter("relay_outbox_handler_errors_total",
		metric.WithDescription("Outbox handler passes that returned an error or panicked"),
		metric.WithUnit("{error}"))
	d.handlerDuration, _ = d.meter.Float64Histogram("relay_outbox_handler_duration_ms",
		metric.WithDescription("Duration of a single OnNotify pass"),
		metric.WithUnit("ms"))
	return d
}

// Register adds a handler. Names must be unique and registration closes at Start.
func (d *Dispatcher) Register(handler Handler) error {
	if handler == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("handler required"))
	}
	name := strings.TrimSpace(handler.Name())
	if name == "" {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("handler name required"))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started {
		return errs.New(component, errs.CodeUnavailable, errs.WithField("listener", name), errs.WithCause(ErrStarted))
	}
	if _, exists := d.names[name]; exists {
		return errs.New(component, errs.CodeConflict, errs.WithField("listener", name), errs.WithCause(ErrHandlerExists))
	}
	d.names[name] = struct{}{}
	d.handlers = append(d.handlers, handler)
	return nil
}

// Handlers returns the registered listener names in registration order.
func (d *Dispatcher) Handlers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h.Name())
	}
	return out
}

// Start ensures every listener cursor, opens the subscription and runs an initial catch-up pass.
func (d *Dispatcher) Start(ctx context.Context) error {
	if d.sub == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("subscription required"))
	}
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrStarted))
	}
	d.started = true
	handlers := append([]Handler(nil), d.handlers...)
	d.mu.Unlock()

	for _, h := range handlers {
		if err := h.EnsureListener(ctx); err != nil {
			return fmt.Errorf("outbox: ensure listener %s: %w", h.Name(), err)
		}
	}

	base := context.WithoutCancel(ctx)
	subCtx, closeListener := context.WithCancel(base)
	passCtx, cancelPasses := context.WithCancel(base)
	receiveCtx, stopReceive := context.WithCancel(base)
	d.mu.Lock()
	d.stopReceive, d.cancelPasses, d.closeListener = stopReceive, cancelPasses, closeListener
	d.mu.Unlock()

	d.subscription.Go(func() {
		if err := d.sub.Run(subCtx); err != nil {
			d.logger.Error("outbox subscription stopped", zap.Error(err))
		}
	})
	d.receiver.Go(func() {
		d.receive(receiveCtx, passCtx, handlers)
	})
	d.logger.Info("outbox dispatcher started",
		zap.Int("handlers", len(handlers)),
		zap.Duration("fallback_interval", d.fallbackInterval))
	return nil
}

// receive runs until ctx ends. Handler passes run under passCtx so they survive the loop.
func (d *Dispatcher) receive(ctx, passCtx context.Context, handlers []Handler) {
	d.wake(passCtx, handlers, "startup")

	ticker := time.NewTicker(d.fallbackInterval)
	defer ticker.Stop()
	signals := d.sub.Signals()
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			if sig == pubsub.SignalReconnected {
				d.logger.Info("outbox subscription reconnected, catching up")
			}
			d.wake(passCtx, handlers, sig.String())
		case <-ticker.C:
			d.wake(passCtx, handlers, "fallback")
		}
	}
}

// wake starts one OnNotify per handler without waiting, so a slow handler never delays the others.
func (d *Dispatcher) wake(ctx context.Context, handlers []Handler, reason string) {
	for _, h := range handlers {
		handler := h
		d.inflight.Go(func() { d.invoke(ctx, handler, reason) })
	}
}

func (d *Dispatcher) invoke(ctx context.Context, h Handler, reason string) {
	name := h.Name()
	start := time.Now()
	attrs := metric.WithAttributes(telemetry.ListenerAttributes(d.environment, name)...)
	defer func() {
		if r := recover(); r != nil {
			d.handlerErrors.Add(context.Background(), 1, attrs)
			d.logger.Error("outbox handler panicked",
				zap.String("listener", name),
				zap.String("reason", reason),
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	err := h.OnNotify(ctx)
	d.handlerDuration.Record(context.Background(), float64(time.Since(start).Microseconds())/1000, attrs)
	if err != nil && !errors.Is(err, context.Canceled) {
		d.handlerErrors.Add(context.Background(), 1, attrs)
		d.logger.Warn("outbox handler failed",
			zap.String("listener", name),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

// Stop ends the receive loop, then drains in-flight handler passes bounded by ctx and the
// drain timeout. Passes still running afterwards are cancelled. The subscription closes last.
func (d *Dispatcher) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.started || d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	stopReceive, cancelPasses, closeListener := d.stopReceive, d.cancelPasses, d.closeListener
	d.mu.Unlock()

	if stopReceive != nil {
		stopReceive()
	}
	d.receiver.Wait()

	drained := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(drained)
	}()
	timer := time.NewTimer(d.drainTimeout)
	defer timer.Stop()

	var err error
	select {
	case <-drained:
	case <-timer.C:
		err = errs.New(component, errs.CodeUnavailable, errs.WithCause(ErrDrainTimeout))
	case <-ctx.Done():
		err = errs.New(component, errs.CodeUnavailable, errs.WithCause(ctx.Err()))
	}
	if cancelPasses != nil {
		cancelPasses()
	}
	if closeListener != nil {
		closeListener()
	}
	d.subscription.Wait()
	if err != nil {
		d.logger.Warn("outbox dispatcher stopped with handlers in flight", zap.Error(err))
		return err
	}
	d.logger.Info("outbox dispatcher stopped")
	return nil
}
