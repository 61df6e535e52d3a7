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

	"github.com/coachpo/relay/internal/domain/schedulestore"
)

// ScheduleStore persists schedule definitions and their materialized ticks.
type ScheduleStore struct {
	pool *pgxpool.Pool
}

// NewScheduleStore constructs a ScheduleStore backed by the provided pool.
func NewScheduleStore(pool *pgxpool.Pool) *ScheduleStore {
	return &ScheduleStore{pool: pool}
}

const defaultScheduleBatch = 100

const scheduleColumns = `
    id,
    queue_name,
    scope,
    interval_seconds,
    cron_expr,
    payload_template,
    next_due_at,
    created_at,
    updated_at`

const (
	scheduleUpsertSQL = `
INSERT INTO schedules (queue_name, scope, interval_seconds, cron_expr, payload_template, next_due_at)
VALUES ($1, $2, $3, $4, COALESCE($5::jsonb, '{}'::jsonb), $6)
ON CONFLICT (queue_name, scope) DO UPDATE
SET payload_template = EXCLUDED.payload_template,
    next_due_at = CASE
        WHEN schedules.interval_seconds IS NOT DISTINCT FROM EXCLUDED.interval_seconds
         AND schedules.cron_expr IS NOT DISTINCT FROM EXCLUDED.cron_expr
        THEN schedules.next_due_at
        ELSE EXCLUDED.next_due_at
    END,
    interval_seconds = EXCLUDED.interval_seconds,
    cron_expr = EXCLUDED.cron_expr,
    updated_at = NOW()
RETURNING ` + scheduleColumns + `;
`

	scheduleRemoveSQL = `
DELETE FROM schedules
WHERE queue_name = $1
  AND scope = $2;
`

	scheduleListDueSQL = `
SELECT ` + scheduleColumns + `
FROM schedules
WHERE next_due_at <= $1
ORDER BY next_due_at, id
LIMIT $2;
`

	scheduleMaterializeSQL = `
WITH advanced AS (
    UPDATE schedules
    SET next_due_at = $3,
        updated_at = NOW()
    WHERE id = $1
      AND next_due_at = $2
    RETURNING id
),
inserted AS (
    INSERT INTO schedule_ticks (schedule_id, due_at, expires_at)
    SELECT advanced.id, t.due_at, t.expires_at
    FROM advanced, unnest($4::timestamptz[], $5::timestamptz[]) AS t(due_at, expires_at)
    ON CONFLICT (schedule_id, due_at) DO NOTHING
    RETURNING 1
)
SELECT (SELECT COUNT(*) FROM advanced), (SELECT COUNT(*) FROM inserted);
`

	scheduleEnqueueDueSQL = `
WITH due AS (
    SELECT
        t.id,
        t.schedule_id,
        t.due_at,
        s.queue_name,
        s.scope,
        s.payload_template,
        'schedule:' || t.schedule_id || ':' || extract(epoch FROM t.due_at)::bigint AS dedupe_key
    FROM schedule_ticks AS t
    JOIN schedules AS s ON s.id = t.schedule_id
    WHERE t.status = 'pending'
      AND t.due_at <= $2
      AND t.expires_at > $1
    ORDER BY t.due_at, t.id
    LIMIT $3
    FOR UPDATE OF t SKIP LOCKED
),
inserted AS (
    INSERT INTO queue_jobs (queue_name, payload, max_attempts, available_at, dedupe_key)
    SELECT
        d.queue_name,
        d.payload_template || jsonb_build_object('scheduledFor', d.due_at, 'scope', d.scope),
        $4,
        d.due_at,
        d.dedupe_key
    FROM due AS d
    ON CONFLICT (queue_name, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
    RETURNING id, queue_name, dedupe_key
)
UPDATE schedule_ticks AS t
SET status = 'processed',
    processed_at = $1,
    job_id = i.id
FROM due AS d
LEFT JOIN inserted AS i ON i.queue_name = d.queue_name AND i.dedupe_key = d.dedupe_key
WHERE t.id = d.id
RETURNING t.id, t.schedule_id, t.due_at, t.status, t.expires_at, t.processed_at, t.job_id;
`

	scheduleDeleteExpiredSQL = `
DELETE FROM schedule_ticks
WHERE id IN (
    SELECT id
    FROM schedule_ticks
    WHERE status = 'pending'
      AND expires_at <= $1
    ORDER BY id
    LIMIT $2
);
`

	scheduleDeleteProcessedSQL = `
DELETE FROM schedule_ticks
WHERE id IN (
    SELECT id
    FROM schedule_ticks
    WHERE status = 'processed'
      AND processed_at < $1
    ORDER BY id
    LIMIT $2
);
`
)

// Upsert stores def keyed by queue and scope.
func (s *ScheduleStore) Upsert(ctx context.Context, def schedulestore.Definition) (schedulestore.Definition, error) {
	if s.pool == nil {
		return schedulestore.Definition{}, fmt.Errorf("schedule store: nil pool")
	}
	queue := strings.TrimSpace(def.Queue)
	if queue == "" {
		return schedulestore.Definition{}, fmt.Errorf("schedule store: queue name required")
	}
	var (
		interval pgtype.Int4
		cronExpr pgtype.Text
	)
	switch {
	case def.Interval > 0 && strings.TrimSpace(def.Cron) == "":
		seconds := int32(def.Interval / time.Second)
		if seconds <= 0 {
			return schedulestore.Definition{}, fmt.Errorf("schedule store: interval must be at least one second")
		}
		interval = pgtype.Int4{Int32: seconds, Valid: true}
	case def.Interval <= 0 && strings.TrimSpace(def.Cron) != "":
		cronExpr = pgtype.Text{String: strings.TrimSpace(def.Cron), Valid: true}
	default:
		return schedulestore.Definition{}, fmt.Errorf("schedule store: exactly one of interval and cron required")
	}
	if def.NextDueAt.IsZero() {
		return schedulestore.Definition{}, fmt.Errorf("schedule store: next due time required")
	}
	template, err := normalizePayload(def.PayloadTemplate)
	if err != nil {
		return schedulestore.Definition{}, fmt.Errorf("schedule store: %w", err)
	}
	row := s.pool.QueryRow(ctx, scheduleUpsertSQL, queue, strings.TrimSpace(def.Scope), interval, cronExpr, template, def.NextDueAt)
	return scanSchedule(row)
}

// Remove deletes the definition and, by cascade, its ticks.
func (s *ScheduleStore) Remove(ctx context.Context, queue, scope string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("schedule store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, scheduleRemoveSQL, strings.TrimSpace(queue), strings.TrimSpace(scope))
	if err != nil {
		return false, fmt.Errorf("schedule store: remove: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListDue returns definitions whose next due instant is at or before horizon.
func (s *ScheduleStore) ListDue(ctx context.Context, horizon time.Time, limit int) ([]schedulestore.Definition, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("schedule store: nil pool")
	}
	if limit <= 0 {
		limit = defaultScheduleBatch
	}
	rows, err := s.pool.Query(ctx, scheduleListDueSQL, horizon, limit)
	if err != nil {
		return nil, fmt.Errorf("schedule store: list due: %w", err)
	}
	defer rows.Close()

	var defs []schedulestore.Definition
	for rows.Next() {
		def, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule store: iterate due: %w", err)
	}
	return defs, nil
}

// Materialize inserts ticks and advances next_due_at only if it still equals expectedNext.
func (s *ScheduleStore) Materialize(ctx context.Context, scheduleID int64, expectedNext time.Time, ticks []schedulestore.NewTick, nextDue time.Time) (int, bool, error) {
	if s.pool == nil {
		return 0, false, fmt.Errorf("schedule store: nil pool")
	}
	dueAt := make([]time.Time, 0, len(ticks))
	expiresAt := make([]time.Time, 0, len(ticks))
	for _, tick := range ticks {
		dueAt = append(dueAt, tick.DueAt)
		expiresAt = append(expiresAt, tick.ExpiresAt)
	}
	var advanced, inserted int64
	err := s.pool.QueryRow(ctx, scheduleMaterializeSQL, scheduleID, expectedNext, nextDue, dueAt, expiresAt).Scan(&advanced, &inserted)
	if err != nil {
		return 0, false, fmt.Errorf("schedule store: materialize: %w", err)
	}
	return int(inserted), advanced > 0, nil
}

// EnqueueDue converts pending ticks due by req.Horizon into queue jobs and marks them processed.
func (s *ScheduleStore) EnqueueDue(ctx context.Context, req schedulestore.EnqueueRequest) ([]schedulestore.Tick, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("schedule store: nil pool")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultScheduleBatch
	}
	horizon := req.Horizon
	if horizon.Before(req.Now) {
		horizon = req.Now
	}
	rows, err := s.pool.Query(ctx, scheduleEnqueueDueSQL, req.Now, horizon, limit, req.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("schedule store: enqueue due: %w", err)
	}
	defer rows.Close()

	var ticks []schedulestore.Tick
	for rows.Next() {
		var (
			tick        schedulestore.Tick
			status      string
			processedAt pgtype.Timestamptz
			jobID       pgtype.Int8
		)
		if err := rows.Scan(&tick.ID, &tick.ScheduleID, &tick.DueAt, &status, &tick.ExpiresAt, &processedAt, &jobID); err != nil {
			return nil, fmt.Errorf("schedule store: scan tick: %w", err)
		}
		tick.Status = schedulestore.TickStatus(status)
		if processedAt.Valid {
			t := processedAt.Time
			tick.ProcessedAt = &t
		}
		if jobID.Valid {
			id := jobID.Int64
			tick.JobID = &id
		}
		ticks = append(ticks, tick)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule store: iterate ticks: %w", err)
	}
	return ticks, nil
}

// DeleteExpired removes pending ticks whose expiry passed.
func (s *ScheduleStore) DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("schedule store: nil pool")
	}
	if limit <= 0 {
		limit = defaultScheduleBatch
	}
	tag, err := s.pool.Exec(ctx, scheduleDeleteExpiredSQL, now, limit)
	if err != nil {
		return 0, fmt.Errorf("schedule store: delete expired: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteProcessedBefore removes processed ticks older than cutoff.
func (s *ScheduleStore) DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("schedule store: nil pool")
	}
	if limit <= 0 {
		limit = defaultScheduleBatch
	}
	tag, err := s.pool.Exec(ctx, scheduleDeleteProcessedSQL, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("schedule store: delete processed: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanSchedule(row rowScanner) (schedulestore.Definition, error) {
	var (
		def      schedulestore.Definition
		interval pgtype.Int4
		cronExpr pgtype.Text
		template []byte
	)
	if err := row.Scan(
		&def.ID,
		&def.Queue,
		&def.Scope,
		&interval,
		&cronExpr,
		&template,
		&def.NextDueAt,
		&def.CreatedAt,
		&def.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return schedulestore.Definition{}, schedulestore.ErrScheduleNotFound
		}
		return schedulestore.Definition{}, fmt.Errorf("schedule store: scan schedule: %w", err)
	}
	if interval.Valid {
		def.Interval = time.Duration(interval.Int32) * time.Second
	}
	def.Cron = cronExpr.String
	def.PayloadTemplate = json.RawMessage(template)
	return def, nil
}

var _ schedulestore.Store = (*ScheduleStore)(nil)
