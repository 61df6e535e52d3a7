// Package outboxstore defines persistence contracts for the transactional outbox and
// the per-listener cursors that consume it.
package outboxstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrCursorNotFound is returned when a listener has no cursor row yet.
var ErrCursorNotFound = errors.New("outbox cursor not found")

// NewEvent is a domain event ready to be appended to the outbox.
type NewEvent struct {
	EventType string
	Payload   json.RawMessage
}

// Event is a persisted outbox row. ID is strictly increasing in insertion order and is
// the only ordering signal consumers may rely on.
type Event struct {
	ID        int64
	EventType string
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Cursor records the last event a listener has durably processed.
type Cursor struct {
	ListenerID           string
	LastProcessedEventID int64
	Ephemeral            bool
	UpdatedAt            time.Time
}

// Store abstracts the append-only outbox log.
type Store interface {
	Append(ctx context.Context, evt NewEvent) (Event, error)
	ListAfter(ctx context.Context, afterID int64, limit int) ([]Event, error)
	Head(ctx context.Context) (int64, error)
	// Prune deletes rows with id <= throughID created before olderThan.
	Prune(ctx context.Context, throughID int64, olderThan time.Time, limit int) (int64, error)
}

// CursorStore persists listener cursors. Advance never moves a cursor backwards.
type CursorStore interface {
	EnsureCursor(ctx context.Context, listenerID string, startAt int64, ephemeral bool) (Cursor, error)
	LoadCursor(ctx context.Context, listenerID string) (Cursor, error)
	AdvanceCursor(ctx context.Context, listenerID string, eventID int64, now time.Time) error
	// SlowestCursor returns the minimum cursor position across listeners; ok is false when none exist.
	SlowestCursor(ctx context.Context) (position int64, ok bool, err error)
	DeleteStaleEphemeral(ctx context.Context, olderThan time.Time) (int64, error)
}
