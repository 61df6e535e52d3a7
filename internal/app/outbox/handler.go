package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/telemetry"
)

const defaultBatchSize = 100

// ApplyFunc performs the side effect of one matching event. Returning an error stops the
// pass before evt so it is retried on the next wake-up.
type ApplyFunc func(ctx context.Context, evt outboxstore.Event) error

// HandlerOption configures a CursorHandler.
type HandlerOption func(*CursorHandler)

// WithEventTypes restricts the handler to the given event types. Other rows still move the cursor.
func WithEventTypes(types ...string) HandlerOption {
	return func(h *CursorHandler) {
		if len(types) == 0 {
			return
		}
		h.filter = make(map[string]struct{}, len(types))
		for _, typ := range types {
			h.filter[typ] = struct{}{}
		}
	}
}

// WithBatchSize sets how many rows are read per query.
func WithBatchSize(size int) HandlerOption {
	return func(h *CursorHandler) {
		if size > 0 {
			h.batchSize = size
		}
	}
}

// WithStartAtHead creates a missing cursor at the current head instead of the beginning.
func WithStartAtHead() HandlerOption {
	return func(h *CursorHandler) {
		h.startAtHead = true
	}
}

// WithEphemeral marks the cursor as instance scoped. Idle passes refresh it so the cleanup
// worker only collects cursors of replicas that went away.
func WithEphemeral() HandlerOption {
	return func(h *CursorHandler) {
		h.ephemeral = true
	}
}

// WithHandlerLogger sets the structured logger.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *CursorHandler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithHandlerMeter overrides the meter used for the applied-events counter.
func WithHandlerMeter(meter metric.Meter) HandlerOption {
	return func(h *CursorHandler) {
		if meter != nil {
			h.meter = meter
		}
	}
}

// WithHandlerClock overrides the time source used for cursor timestamps.
func WithHandlerClock(now func() time.Time) HandlerOption {
	return func(h *CursorHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// CursorHandler reads the outbox after its cursor, applies matching events in id order and
// persists its progress. Concurrent OnNotify calls collapse into one extra pass.
type CursorHandler struct {
	name    string
	events  outboxstore.Store
	cursors outboxstore.CursorStore
	apply   ApplyFunc

	filter      map[string]struct{}
	batchSize   int
	startAtHead bool
	ephemeral   bool
	logger      *zap.Logger
	meter       metric.Meter
	now         func() time.Time
	environment string

	applied metric.Int64Counter

	mu      sync.Mutex
	running bool
	pending bool
}

// NewCursorHandler builds a handler named name.
func NewCursorHandler(name string, events outboxstore.Store, cursors outboxstore.CursorStore, apply ApplyFunc, opts ...HandlerOption) *CursorHandler {
	h := &CursorHandler{
		name:        name,
		events:      events,
		cursors:     cursors,
		apply:       apply,
		batchSize:   defaultBatchSize,
		logger:      zap.NewNop(),
		meter:       otel.Meter("relay/outbox"),
		now:         time.Now,
		environment: telemetry.Environment(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.applied, _ = h.meter.Int64Counter("relay_outbox_events_applied_total",
		metric.WithDescription("Outbox events applied by a handler"),
		metric.WithUnit("{event}"))
	return h
}

// Name returns the listener id.
func (h *CursorHandler) Name() string { return h.name }

// EnsureListener creates the cursor row when missing. Existing positions are kept.
func (h *CursorHandler) EnsureListener(ctx context.Context) error {
	_, err := h.ensureAt(ctx, -1)
	return err
}

func (h *CursorHandler) ensureAt(ctx context.Context, position int64) (outboxstore.Cursor, error) {
	start := position
	if start < 0 {
		start = 0
		if h.startAtHead {
			head, err := h.events.Head(ctx)
			if err != nil {
				return outboxstore.Cursor{}, fmt.Errorf("outbox: %s head: %w", h.name, err)
			}
			start = head
		}
	}
	cursor, err := h.cursors.EnsureCursor(ctx, h.name, start, h.ephemeral)
	if err != nil {
		return outboxstore.Cursor{}, fmt.Errorf("outbox: %s ensure cursor: %w", h.name, err)
	}
	return cursor, nil
}

// OnNotify drains the backlog. A call made while a pass runs schedules exactly one more pass.
func (h *CursorHandler) OnNotify(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.pending = true
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.mu.Unlock()

	for {
		err := h.drain(ctx)
		h.mu.Lock()
		if err != nil || !h.pending || ctx.Err() != nil {
			h.running = false
			h.pending = false
			h.mu.Unlock()
			return err
		}
		h.pending = false
		h.mu.Unlock()
	}
}

func (h *CursorHandler) drain(ctx context.Context) error {
	cursor, err := h.cursors.LoadCursor(ctx, h.name)
	if errors.Is(err, outboxstore.ErrCursorNotFound) {
		h.logger.Info("outbox cursor missing, recreating", zap.String("listener", h.name))
		cursor, err = h.ensureAt(ctx, -1)
	}
	if err != nil {
		return fmt.Errorf("outbox: %s load cursor: %w", h.name, err)
	}
	position := cursor.LastProcessedEventID

	for {
		batch, err := h.events.ListAfter(ctx, position, h.batchSize)
		if err != nil {
			return fmt.Errorf("outbox: %s list after %d: %w", h.name, position, err)
		}
		if len(batch) == 0 {
			if h.ephemeral {
				return h.advance(ctx, position)
			}
			return nil
		}

		target := position
		for _, evt := range batch {
			if h.matches(evt.EventType) {
				if err := h.apply(ctx, evt); err != nil {
					if target > position {
						if advErr := h.advance(ctx, target); advErr != nil {
							h.logger.Warn("outbox cursor advance failed",
								zap.String("listener", h.name),
								zap.Int64("event_id", target),
								zap.Error(advErr))
						}
					}
					return fmt.Errorf("outbox: %s apply event %d (%s): %w", h.name, evt.ID, evt.EventType, err)
				}
				h.applied.Add(ctx, 1, metric.WithAttributes(
					append(telemetry.ListenerAttributes(h.environment, h.name), telemetry.AttrEventType.String(evt.EventType))...))
			}
			target = evt.ID
		}
		if err := h.advance(ctx, target); err != nil {
			return err
		}
		position = target
		if len(batch) < h.batchSize {
			return nil
		}
	}
}

// advance persists position, recreating the cursor there if it was collected meanwhile.
func (h *CursorHandler) advance(ctx context.Context, position int64) error {
	err := h.cursors.AdvanceCursor(ctx, h.name, position, h.now())
	if errors.Is(err, outboxstore.ErrCursorNotFound) {
		_, err = h.ensureAt(ctx, position)
		return err
	}
	if err != nil {
		return fmt.Errorf("outbox: %s advance to %d: %w", h.name, position, err)
	}
	return nil
}

func (h *CursorHandler) matches(eventType string) bool {
	if h.filter == nil {
		return true
	}
	_, ok := h.filter[eventType]
	return ok
}
