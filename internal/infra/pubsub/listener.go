// Package pubsub maintains the PostgreSQL LISTEN subscription that wakes outbox handlers.
package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// DefaultChannel is the channel notified by the outbox insert trigger.
const DefaultChannel = "outbox_events"

const (
	defaultInitialInterval = 250 * time.Millisecond
	defaultMaxInterval     = 30 * time.Second
)

// Signal tells subscribers that new outbox rows may be available.
type Signal int

const (
	// SignalNotify is raised for every delivered notification.
	SignalNotify Signal = iota
	// SignalReconnected is raised after the subscription was re-established. Notifications
	// sent while disconnected are lost, so subscribers must re-scan from their cursors.
	SignalReconnected
)

func (s Signal) String() string {
	switch s {
	case SignalNotify:
		return "notify"
	case SignalReconnected:
		return "reconnected"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

// ConnectFunc opens the dedicated connection used for LISTEN.
type ConnectFunc func(ctx context.Context) (*pgx.Conn, error)

// Option customises a Listener.
type Option func(*Listener)

// WithChannel overrides the notification channel.
func WithChannel(channel string) Option {
	return func(l *Listener) {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			l.channel = trimmed
		}
	}
}

// WithLogger injects a structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(l *Listener) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithReconnectBackoff bounds the exponential reconnect delay.
func WithReconnectBackoff(initial, max time.Duration) Option {
	return func(l *Listener) {
		if initial > 0 {
			l.initialInterval = initial
		}
		if max > 0 {
			l.maxInterval = max
		}
	}
}

// WithConnectFunc replaces the default pgx.Connect based dialer.
func WithConnectFunc(fn ConnectFunc) Option {
	return func(l *Listener) {
		if fn != nil {
			l.connect = fn
		}
	}
}

// Listener owns one dedicated connection subscribed to the outbox channel and
// reconnects with exponential backoff whenever it is lost.
type Listener struct {
	connect         ConnectFunc
	channel         string
	logger          *zap.Logger
	initialInterval time.Duration
	maxInterval     time.Duration
	signals         chan Signal
	running         atomic.Bool
	connected       atomic.Bool
}

// NewListener constructs a Listener dialing dsn.
func NewListener(dsn string, opts ...Option) *Listener {
	l := &Listener{
		connect: func(ctx context.Context) (*pgx.Conn, error) {
			return pgx.Connect(ctx, dsn)
		},
		channel:         DefaultChannel,
		logger:          zap.NewNop(),
		initialInterval: defaultInitialInterval,
		maxInterval:     defaultMaxInterval,
		signals:         make(chan Signal, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

// Signals delivers wake-ups. Bursts are coalesced: a pending signal already guarantees
// that subscribers will re-read everything after their cursor.
func (l *Listener) Signals() <-chan Signal {
	return l.signals
}

// Connected reports whether the LISTEN connection is currently established.
func (l *Listener) Connected() bool {
	return l.connected.Load()
}

// Run blocks until ctx is cancelled, keeping the subscription alive.
func (l *Listener) Run(ctx context.Context) error {
	if !l.running.CompareAndSwap(false, true) {
		return errors.New("pubsub: listener already running")
	}
	defer l.running.Store(false)

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = l.initialInterval
	bo.MaxInterval = l.maxInterval

	established := false
	for {
		if ctx.Err() != nil {
			return nil
		}

		conn, err := l.subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = l.maxInterval
			}
			l.logger.Warn("outbox listener connect failed", zap.String("channel", l.channel), zap.Duration("retry_in", sleep), zap.Error(err))
			if !sleepCtx(ctx, sleep) {
				return nil
			}
			continue
		}

		bo.Reset()
		l.connected.Store(true)
		if established {
			l.logger.Info("outbox listener reconnected", zap.String("channel", l.channel))
			l.emit(SignalReconnected)
		} else {
			l.logger.Info("outbox listener subscribed", zap.String("channel", l.channel))
		}
		established = true

		err = l.receive(ctx, conn)
		l.connected.Store(false)
		closeCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		sleep := bo.NextBackOff()
		if sleep == backoff.Stop {
			sleep = l.maxInterval
		}
		l.logger.Warn("outbox listener disconnected", zap.String("channel", l.channel), zap.Duration("retry_in", sleep), zap.Error(err))
		if !sleepCtx(ctx, sleep) {
			return nil
		}
	}
}

func (l *Listener) subscribe(ctx context.Context) (*pgx.Conn, error) {
	conn, err := l.connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		_ = conn.Close(context.Background())
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	return conn, nil
}

func (l *Listener) receive(ctx context.Context, conn *pgx.Conn) error {
	for {
		if _, err := conn.WaitForNotification(ctx); err != nil {
			return err
		}
		l.emit(SignalNotify)
	}
}

func (l *Listener) emit(sig Signal) {
	select {
	case l.signals <- sig:
	default:
		if sig != SignalReconnected {
			return
		}
		// Upgrade a queued notify so the reconnect is still logged by subscribers.
		select {
		case <-l.signals:
		default:
		}
		select {
		case l.signals <- sig:
		default:
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
