package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/infra/persistence"
)

// OutboxStore persists the append-only outbox log.
type OutboxStore struct {
	pool *pgxpool.Pool
}

// NewOutboxStore constructs an OutboxStore backed by the provided pool.
func NewOutboxStore(pool *pgxpool.Pool) *OutboxStore {
	return &OutboxStore{pool: pool}
}

const (
	defaultOutboxLimit = 100
	maxOutboxLimit     = 1000

	// outboxAppendLockKey is the transaction-scoped advisory lock every append holds until
	// commit, so outbox ids become visible in id order.
	outboxAppendLockKey int64 = 0x72656c61792d6f62
)

const (
	outboxInsertSQL = `
WITH ordered AS (
    SELECT pg_advisory_xact_lock($3)
)
INSERT INTO outbox_events (event_type, payload)
SELECT $1, COALESCE($2::jsonb, '{}'::jsonb)
FROM ordered
RETURNING id, event_type, payload, created_at;
`

	outboxListAfterSQL = `
SELECT id, event_type, payload, created_at
FROM outbox_events
WHERE id > $1
ORDER BY id ASC
LIMIT $2;
`

	outboxHeadSQL = `
SELECT COALESCE(MAX(id), 0) FROM outbox_events;
`

	outboxPruneSQL = `
DELETE FROM outbox_events
WHERE id IN (
    SELECT id
    FROM outbox_events
    WHERE id <= $1
      AND created_at < $2
    ORDER BY id
    LIMIT $3
);
`
)

// Append inserts an event outside of any caller transaction.
func (s *OutboxStore) Append(ctx context.Context, evt outboxstore.NewEvent) (outboxstore.Event, error) {
	if s.pool == nil {
		return outboxstore.Event{}, fmt.Errorf("outbox store: nil pool")
	}
	return s.AppendTx(ctx, s.pool, evt)
}

// AppendTx inserts an event using q, typically the pgx.Tx that also carries the domain
// mutation. The row becomes visible to listeners only when that transaction commits.
// The id is drawn under an advisory lock held until commit, so concurrent appenders
// serialise and a cursor can never pass over an id whose transaction is still open.
func (s *OutboxStore) AppendTx(ctx context.Context, q persistence.Querier, evt outboxstore.NewEvent) (outboxstore.Event, error) {
	if q == nil {
		return outboxstore.Event{}, fmt.Errorf("outbox store: nil querier")
	}
	eventType := strings.TrimSpace(evt.EventType)
	if eventType == "" {
		return outboxstore.Event{}, fmt.Errorf("outbox store: event type required")
	}
	payload, err := normalizePayload(evt.Payload)
	if err != nil {
		return outboxstore.Event{}, fmt.Errorf("outbox store: %w", err)
	}
	row := q.QueryRow(ctx, outboxInsertSQL, eventType, payload, outboxAppendLockKey)
	return scanOutboxEvent(row)
}

// ListAfter returns events with id greater than afterID in ascending id order.
func (s *OutboxStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]outboxstore.Event, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("outbox store: nil pool")
	}
	if limit <= 0 {
		limit = defaultOutboxLimit
	} else if limit > maxOutboxLimit {
		limit = maxOutboxLimit
	}
	rows, err := s.pool.Query(ctx, outboxListAfterSQL, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("outbox store: list after: %w", err)
	}
	defer rows.Close()

	var events []outboxstore.Event
	for rows.Next() {
		evt, err := scanOutboxEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, evt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("outbox store: iterate events: %w", err)
	}
	return events, nil
}

// Head returns the highest event id, or zero when the outbox is empty.
func (s *OutboxStore) Head(ctx context.Context) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	var head int64
	if err := s.pool.QueryRow(ctx, outboxHeadSQL).Scan(&head); err != nil {
		return 0, fmt.Errorf("outbox store: head: %w", err)
	}
	return head, nil
}

// Prune deletes up to limit events at or below throughID created before olderThan.
func (s *OutboxStore) Prune(ctx context.Context, throughID int64, olderThan time.Time, limit int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("outbox store: nil pool")
	}
	if throughID <= 0 {
		return 0, nil
	}
	if limit <= 0 {
		limit = maxOutboxLimit
	}
	tag, err := s.pool.Exec(ctx, outboxPruneSQL, throughID, olderThan, limit)
	if err != nil {
		return 0, fmt.Errorf("outbox store: prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CursorStore persists per-listener outbox cursors.
type CursorStore struct {
	pool *pgxpool.Pool
}

// NewCursorStore constructs a CursorStore backed by the provided pool.
func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

const (
	cursorEnsureSQL = `
INSERT INTO listener_cursors (listener_id, last_processed_event_id, ephemeral)
VALUES ($1, $2, $3)
ON CONFLICT (listener_id) DO UPDATE
SET ephemeral = EXCLUDED.ephemeral
RETURNING listener_id, last_processed_event_id, ephemeral, updated_at;
`

	cursorLoadSQL = `
SELECT listener_id, last_processed_event_id, ephemeral, updated_at
FROM listener_cursors
WHERE listener_id = $1;
`

	cursorAdvanceSQL = `
UPDATE listener_cursors
SET last_processed_event_id = GREATEST(last_processed_event_id, $2),
    updated_at = $3
WHERE listener_id = $1;
`

	cursorSlowestSQL = `
SELECT MIN(last_processed_event_id) FROM listener_cursors;
`

	cursorDeleteStaleSQL = `
DELETE FROM listener_cursors
WHERE ephemeral = TRUE
  AND updated_at < $1;
`
)

// EnsureCursor creates the cursor at startAt when missing. An existing position is kept.
func (s *CursorStore) EnsureCursor(ctx context.Context, listenerID string, startAt int64, ephemeral bool) (outboxstore.Cursor, error) {
	if s.pool == nil {
		return outboxstore.Cursor{}, fmt.Errorf("cursor store: nil pool")
	}
	id := strings.TrimSpace(listenerID)
	if id == "" {
		return outboxstore.Cursor{}, fmt.Errorf("cursor store: listener id required")
	}
	if startAt < 0 {
		startAt = 0
	}
	return scanCursor(s.pool.QueryRow(ctx, cursorEnsureSQL, id, startAt, ephemeral))
}

// LoadCursor returns outboxstore.ErrCursorNotFound when the listener has no row.
func (s *CursorStore) LoadCursor(ctx context.Context, listenerID string) (outboxstore.Cursor, error) {
	if s.pool == nil {
		return outboxstore.Cursor{}, fmt.Errorf("cursor store: nil pool")
	}
	return scanCursor(s.pool.QueryRow(ctx, cursorLoadSQL, strings.TrimSpace(listenerID)))
}

// AdvanceCursor moves the cursor forward to eventID. Smaller values only refresh updated_at.
func (s *CursorStore) AdvanceCursor(ctx context.Context, listenerID string, eventID int64, now time.Time) error {
	if s.pool == nil {
		return fmt.Errorf("cursor store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, cursorAdvanceSQL, strings.TrimSpace(listenerID), eventID, now)
	if err != nil {
		return fmt.Errorf("cursor store: advance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("cursor store: advance %s: %w", listenerID, outboxstore.ErrCursorNotFound)
	}
	return nil
}

// SlowestCursor reports the lowest position across all listeners.
func (s *CursorStore) SlowestCursor(ctx context.Context) (int64, bool, error) {
	if s.pool == nil {
		return 0, false, fmt.Errorf("cursor store: nil pool")
	}
	var slowest pgtype.Int8
	if err := s.pool.QueryRow(ctx, cursorSlowestSQL).Scan(&slowest); err != nil {
		return 0, false, fmt.Errorf("cursor store: slowest: %w", err)
	}
	if !slowest.Valid {
		return 0, false, nil
	}
	return slowest.Int64, true, nil
}

// DeleteStaleEphemeral removes instance-scoped cursors not touched since olderThan.
func (s *CursorStore) DeleteStaleEphemeral(ctx context.Context, olderThan time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("cursor store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, cursorDeleteStaleSQL, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cursor store: delete stale: %w", err)
	}
	return tag.RowsAffected(), nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOutboxEvent(row rowScanner) (outboxstore.Event, error) {
	var (
		evt     outboxstore.Event
		payload []byte
	)
	if err := row.Scan(&evt.ID, &evt.EventType, &payload, &evt.CreatedAt); err != nil {
		return outboxstore.Event{}, fmt.Errorf("outbox store: scan event: %w", err)
	}
	evt.Payload = json.RawMessage(payload)
	return evt, nil
}

func scanCursor(row rowScanner) (outboxstore.Cursor, error) {
	var cursor outboxstore.Cursor
	if err := row.Scan(&cursor.ListenerID, &cursor.LastProcessedEventID, &cursor.Ephemeral, &cursor.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return outboxstore.Cursor{}, outboxstore.ErrCursorNotFound
		}
		return outboxstore.Cursor{}, fmt.Errorf("cursor store: scan cursor: %w", err)
	}
	return cursor, nil
}

// normalizePayload rejects malformed JSON before it reaches a jsonb column.
func normalizePayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("payload is not valid json")
	}
	return []byte(raw), nil
}

var (
	_ outboxstore.Store       = (*OutboxStore)(nil)
	_ outboxstore.CursorStore = (*CursorStore)(nil)
)
