// Package schedulestore defines persistence contracts for recurring schedules and the
// ticks materialized from them.
package schedulestore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrScheduleNotFound is returned when no definition matches the queue and scope.
var ErrScheduleNotFound = errors.New("schedule not found")

// TickStatus enumerates tick lifecycle states.
type TickStatus string

const (
	TickPending   TickStatus = "pending"
	TickProcessed TickStatus = "processed"
)

// Definition is a declarative recurring schedule. Exactly one of Interval and Cron is set.
// Scope is empty for fleet-wide schedules and holds a workspace id otherwise.
type Definition struct {
	ID              int64
	Queue           string
	Scope           string
	Interval        time.Duration
	Cron            string
	PayloadTemplate json.RawMessage
	NextDueAt       time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Tick is one materialized due instant of a schedule.
type Tick struct {
	ID          int64
	ScheduleID  int64
	DueAt       time.Time
	Status      TickStatus
	ExpiresAt   time.Time
	ProcessedAt *time.Time
	JobID       *int64
}

// NewTick is a due instant about to be materialized.
type NewTick struct {
	DueAt     time.Time
	ExpiresAt time.Time
}

// EnqueueRequest turns pending ticks due by Horizon into queue jobs.
type EnqueueRequest struct {
	Now         time.Time
	Horizon     time.Time
	Limit       int
	MaxAttempts int
}

// Store abstracts schedule persistence.
type Store interface {
	// Upsert creates or updates the definition keyed by (Queue, Scope). NextDueAt is only
	// reset when the cadence changes.
	Upsert(ctx context.Context, def Definition) (Definition, error)
	Remove(ctx context.Context, queue, scope string) (bool, error)
	ListDue(ctx context.Context, horizon time.Time, limit int) ([]Definition, error)
	// Materialize moves next_due_at from expectedNext to nextDue and inserts ticks, ignoring
	// duplicates. advanced is false, and nothing is written, when another worker already moved
	// the schedule.
	Materialize(ctx context.Context, scheduleID int64, expectedNext time.Time, ticks []NewTick, nextDue time.Time) (inserted int, advanced bool, err error)
	// EnqueueDue inserts one queue job per due tick and marks the ticks processed atomically.
	EnqueueDue(ctx context.Context, req EnqueueRequest) ([]Tick, error)
	DeleteExpired(ctx context.Context, now time.Time, limit int) (int64, error)
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}
