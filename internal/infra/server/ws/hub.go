// Package ws fans outbox broadcasts out to WebSocket subscribers grouped by topic.
package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/telemetry"
)

const (
	defaultWriteTimeout = 5 * time.Second
	defaultSendBuffer   = 64
	maxTopicsPerClient  = 32
)

// Option configures the hub.
type Option func(*Hub)

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// WithMeter overrides the meter used for client instruments.
func WithMeter(meter metric.Meter) Option {
	return func(h *Hub) {
		if meter != nil {
			h.meter = meter
		}
	}
}

// WithWriteTimeout bounds a single frame write.
func WithWriteTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.writeTimeout = d
		}
	}
}

// WithSendBuffer sets how many frames may queue per client before it is dropped.
func WithSendBuffer(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.sendBuffer = n
		}
	}
}

// WithOriginPatterns allows cross-origin upgrades from the given host patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(h *Hub) {
		h.originPatterns = append(h.originPatterns, patterns...)
	}
}

type client struct {
	id     string
	topics []string
	send   chan []byte
	done   chan struct{}
	once   sync.Once
	reason string
}

func (c *client) drop(reason string) {
	c.once.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Hub tracks subscribers per topic and implements the outbox broadcaster.
type Hub struct {
	logger         *zap.Logger
	meter          metric.Meter
	environment    string
	writeTimeout   time.Duration
	sendBuffer     int
	originPatterns []string

	mu     sync.RWMutex
	topics map[string]map[string]*client
	closed bool

	connected metric.Int64UpDownCounter
	dropped   metric.Int64Counter
}

// NewHub builds an empty hub.
func NewHub(opts ...Option) *Hub {
	h := &Hub{
		logger:       zap.NewNop(),
		meter:        otel.Meter("relay/ws"),
		environment:  telemetry.Environment(),
		writeTimeout: defaultWriteTimeout,
		sendBuffer:   defaultSendBuffer,
		topics:       make(map[string]map[string]*client),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.connected, _ = h.meter.Int64UpDownCounter("relay_ws_clients",
		metric.WithDescription("Connected broadcast subscribers"),
		metric.WithUnit("{client}"))
	h.dropped, _ = h.meter.Int64Counter("relay_ws_clients_dropped_total",
		metric.WithDescription("Subscribers dropped for falling behind"),
		metric.WithUnit("{client}"))
	return h
}

// ServeHTTP upgrades the request and streams every broadcast on the requested topics.
// Topics come from repeated topic query parameters.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	topics := uniqueTopics(r.URL.Query()["topic"])
	if len(topics) == 0 {
		http.Error(w, "at least one topic required", http.StatusBadRequest)
		return
	}
	if len(topics) > maxTopicsPerClient {
		http.Error(w, "too many topics", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.originPatterns})
	if err != nil {
		h.logger.Debug("websocket accept failed", zap.Error(err))
		return
	}

	c := &client{
		id:     uuid.NewString(),
		topics: topics,
		send:   make(chan []byte, h.sendBuffer),
		done:   make(chan struct{}),
	}
	if !h.add(c) {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}
	defer h.remove(c)

	h.logger.Debug("broadcast subscriber connected", zap.String("client_id", c.id), zap.Strings("topics", topics))
	ctx := conn.CloseRead(r.Context())
	status, reason := h.writeLoop(ctx, conn, c)
	_ = conn.Close(status, reason)
	h.logger.Debug("broadcast subscriber disconnected", zap.String("client_id", c.id), zap.String("reason", reason))
}

func (h *Hub) writeLoop(ctx context.Context, conn *websocket.Conn, c *client) (websocket.StatusCode, string) {
	for {
		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "client closed"
		case <-c.done:
			return websocket.StatusPolicyViolation, c.reason
		case frame := <-c.send:
			writeCtx, cancel := context.WithTimeout(ctx, h.writeTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					h.logger.Debug("broadcast write failed", zap.String("client_id", c.id), zap.Error(err))
				}
				return websocket.StatusInternalError, "write failed"
			}
		}
	}
}

// Broadcast queues payload for every subscriber of topic. Subscribers whose queue is
// full are dropped instead of blocking the caller.
func (h *Hub) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.RLock()
	subscribers := make([]*client, 0, len(h.topics[topic]))
	for _, c := range h.topics[topic] {
		subscribers = append(subscribers, c)
	}
	h.mu.RUnlock()

	for _, c := range subscribers {
		select {
		case <-c.done:
		case c.send <- payload:
		default:
			c.drop("slow consumer")
			h.dropped.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(h.environment, "broadcast", "dropped")...))
			h.logger.Warn("dropping slow broadcast subscriber", zap.String("client_id", c.id), zap.String("topic", topic))
		}
	}
	return nil
}

// Clients reports the subscribers of topic.
func (h *Hub) Clients(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// Close disconnects every subscriber and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, subs := range h.topics {
		for _, c := range subs {
			all = append(all, c)
		}
	}
	h.mu.Unlock()
	for _, c := range all {
		c.drop("server shutting down")
	}
}

func (h *Hub) add(c *client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	for _, topic := range c.topics {
		subs, ok := h.topics[topic]
		if !ok {
			subs = make(map[string]*client)
			h.topics[topic] = subs
		}
		subs[c.id] = c
	}
	h.connected.Add(context.Background(), 1)
	return true
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range c.topics {
		subs := h.topics[topic]
		if _, ok := subs[c.id]; !ok {
			continue
		}
		delete(subs, c.id)
		if len(subs) == 0 {
			delete(h.topics, topic)
		}
	}
	c.drop("disconnected")
	h.connected.Add(context.Background(), -1)
}

func uniqueTopics(raw []string) []string {
	seen := make(map[string]struct{}, len(raw))
	out := make([]string, 0, len(raw))
	for _, topic := range raw {
		if topic == "" {
			continue
		}
		if _, ok := seen[topic]; ok {
			continue
		}
		seen[topic] = struct{}{}
		out = append(out, topic)
	}
	return out
}
