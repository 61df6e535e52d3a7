// Package memstore provides in-memory implementations of the persistence contracts with
// the same atomicity guarantees as the PostgreSQL stores, for unit tests.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/internal/domain/outboxstore"
)

// Clock returns the current time. A nil Clock means time.Now.
type Clock func() time.Time

func (c Clock) now() time.Time {
	if c == nil {
		return time.Now()
	}
	return c()
}

// Outbox implements outboxstore.Store and outboxstore.CursorStore.
type Outbox struct {
	Clock Clock

	mu      sync.Mutex
	nextID  int64
	events  []outboxstore.Event
	cursors map[string]outboxstore.Cursor

	// FailList, when set, is returned by ListAfter.
	FailList error
}

// NewOutbox returns an empty outbox.
func NewOutbox() *Outbox {
	return &Outbox{cursors: make(map[string]outboxstore.Cursor)}
}

// Append stores evt with the next id.
func (o *Outbox) Append(_ context.Context, evt outboxstore.NewEvent) (outboxstore.Event, error) {
	if strings.TrimSpace(evt.EventType) == "" {
		return outboxstore.Event{}, fmt.Errorf("memstore: event type required")
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nextID++
	payload := evt.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	stored := outboxstore.Event{ID: o.nextID, EventType: evt.EventType, Payload: payload, CreatedAt: o.Clock.now()}
	o.events = append(o.events, stored)
	return stored, nil
}

// ListAfter returns events with id > afterID.
func (o *Outbox) ListAfter(_ context.Context, afterID int64, limit int) ([]outboxstore.Event, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.FailList != nil {
		return nil, o.FailList
	}
	var out []outboxstore.Event
	for _, evt := range o.events {
		if evt.ID <= afterID {
			continue
		}
		out = append(out, evt)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// Head returns the highest id appended so far.
func (o *Outbox) Head(context.Context) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.nextID, nil
}

// Prune removes events at or below throughID older than olderThan.
func (o *Outbox) Prune(_ context.Context, throughID int64, olderThan time.Time, limit int) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	kept := o.events[:0]
	var removed int64
	for _, evt := range o.events {
		if evt.ID <= throughID && evt.CreatedAt.Before(olderThan) && (limit <= 0 || removed < int64(limit)) {
			removed++
			continue
		}
		kept = append(kept, evt)
	}
	o.events = kept
	return removed, nil
}

// Len reports how many events are retained.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.events)
}

// EnsureCursor creates the cursor when missing.
func (o *Outbox) EnsureCursor(_ context.Context, listenerID string, startAt int64, ephemeral bool) (outboxstore.Cursor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if cursor, ok := o.cursors[listenerID]; ok {
		cursor.Ephemeral = ephemeral
		o.cursors[listenerID] = cursor
		return cursor, nil
	}
	if startAt < 0 {
		startAt = 0
	}
	cursor := outboxstore.Cursor{ListenerID: listenerID, LastProcessedEventID: startAt, Ephemeral: ephemeral, UpdatedAt: o.Clock.now()}
	o.cursors[listenerID] = cursor
	return cursor, nil
}

// LoadCursor returns the cursor or outboxstore.ErrCursorNotFound.
func (o *Outbox) LoadCursor(_ context.Context, listenerID string) (outboxstore.Cursor, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cursor, ok := o.cursors[listenerID]
	if !ok {
		return outboxstore.Cursor{}, outboxstore.ErrCursorNotFound
	}
	return cursor, nil
}

// AdvanceCursor moves the cursor to max(current, eventID).
func (o *Outbox) AdvanceCursor(_ context.Context, listenerID string, eventID int64, now time.Time) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	cursor, ok := o.cursors[listenerID]
	if !ok {
		return outboxstore.ErrCursorNotFound
	}
	if eventID > cursor.LastProcessedEventID {
		cursor.LastProcessedEventID = eventID
	}
	cursor.UpdatedAt = now
	o.cursors[listenerID] = cursor
	return nil
}

// SlowestCursor returns the minimum cursor position.
func (o *Outbox) SlowestCursor(context.Context) (int64, bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.cursors) == 0 {
		return 0, false, nil
	}
	var (
		slowest int64
		first   = true
	)
	for _, cursor := range o.cursors {
		if first || cursor.LastProcessedEventID < slowest {
			slowest = cursor.LastProcessedEventID
			first = false
		}
	}
	return slowest, true, nil
}

// DeleteStaleEphemeral removes ephemeral cursors untouched since olderThan.
func (o *Outbox) DeleteStaleEphemeral(_ context.Context, olderThan time.Time) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var removed int64
	for id, cursor := range o.cursors {
		if cursor.Ephemeral && cursor.UpdatedAt.Before(olderThan) {
			delete(o.cursors, id)
			removed++
		}
	}
	return removed, nil
}

// Cursors returns a snapshot of all cursors ordered by listener id.
func (o *Outbox) Cursors() []outboxstore.Cursor {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]outboxstore.Cursor, 0, len(o.cursors))
	for _, cursor := range o.cursors {
		out = append(out, cursor)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListenerID < out[j].ListenerID })
	return out
}

var (
	_ outboxstore.Store       = (*Outbox)(nil)
	_ outboxstore.CursorStore = (*Outbox)(nil)
)
