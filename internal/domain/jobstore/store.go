// Package jobstore defines persistence contracts for the durable job queue and the
// admission token pool that throttles it.
package jobstore

import (
	"context"
	"errors"
	"time"

	json "github.com/goccy/go-json"
)

// ErrJobNotFound is returned when a job id does not exist.
var ErrJobNotFound = errors.New("job not found")

// ErrTokenPoolNotFound is returned when a token scope has not been provisioned.
var ErrTokenPoolNotFound = errors.New("token pool not found")

// State enumerates the job lifecycle.
type State string

const (
	StatePending   State = "pending"
	StateActive    State = "active"
	StateCompleted State = "completed"
	// StateFailed is terminal for jobs whose handler reported a permanent error.
	StateFailed State = "failed"
	// StateDead is terminal for jobs that exhausted their retries.
	StateDead State = "dead"
)

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateDead
}

// NewJob describes a job to insert.
type NewJob struct {
	Queue       string
	Payload     json.RawMessage
	MaxAttempts int
	AvailableAt time.Time
	// DedupeKey, when set, makes the insert a no-op if the queue already holds a job with the same key.
	DedupeKey string
}

// Job captures the persisted state of a queue row.
type Job struct {
	ID             int64
	Queue          string
	Payload        json.RawMessage
	State          State
	Attempts       int
	MaxAttempts    int
	AvailableAt    time.Time
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	LastError      string
	DedupeKey      string
	CreatedAt      time.Time
	FinishedAt     *time.Time
}

// LeaseRequest claims up to Limit pending jobs of Queue that are available at Now.
type LeaseRequest struct {
	Queue    string
	Owner    string
	Limit    int
	Now      time.Time
	LeaseFor time.Duration
}

// Store abstracts job persistence. Every transition is a conditional update on the
// current state and lease owner, so racing workers never both succeed.
type Store interface {
	// Insert returns created=false with the existing row when DedupeKey collides.
	Insert(ctx context.Context, job NewJob) (Job, bool, error)
	Get(ctx context.Context, id int64) (Job, error)
	Lease(ctx context.Context, req LeaseRequest) ([]Job, error)
	Extend(ctx context.Context, owner string, ids []int64, until time.Time) (int64, error)
	Complete(ctx context.Context, id int64, owner string, now time.Time) (bool, error)
	// Retry moves an active job back to pending, increments attempts, and defers it to availableAt.
	Retry(ctx context.Context, id int64, owner string, availableAt time.Time, lastError string) (bool, error)
	// Finish moves an active job to a terminal failure state (failed or dead) and increments attempts.
	Finish(ctx context.Context, id int64, owner string, state State, now time.Time, lastError string) (bool, error)
	// ReclaimExpired treats expired leases on the given queues as one failed attempt each and
	// returns the updated rows (pending again, or dead when attempts are exhausted).
	ReclaimExpired(ctx context.Context, queues []string, now time.Time, limit int) ([]Job, error)
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
}

// Pool is the admission counter for a scope.
type Pool struct {
	Scope       string
	Capacity    int
	Outstanding int
}

// Grant is one acquired admission token.
type Grant struct {
	ID        int64
	Scope     string
	Owner     string
	ExpiresAt time.Time
}

// TokenStore abstracts the bounded token pool. Outstanding never exceeds capacity.
type TokenStore interface {
	EnsurePool(ctx context.Context, scope string, capacity int) error
	Pool(ctx context.Context, scope string) (Pool, error)
	// Acquire grants up to n tokens; fewer (possibly none) when the pool is saturated.
	Acquire(ctx context.Context, scope, owner string, n int, expiresAt time.Time) ([]Grant, error)
	Renew(ctx context.Context, owner string, ids []int64, expiresAt time.Time) (int64, error)
	Release(ctx context.Context, owner string, ids []int64) (int64, error)
	ReclaimExpired(ctx context.Context, now time.Time) (int64, error)
}
