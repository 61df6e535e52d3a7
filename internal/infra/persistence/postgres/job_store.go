package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/infra/persistence"
)

// JobStore persists queue jobs. Every transition is a single conditional statement.
type JobStore struct {
	pool *pgxpool.Pool
}

// NewJobStore constructs a JobStore backed by the provided pool.
func NewJobStore(pool *pgxpool.Pool) *JobStore {
	return &JobStore{pool: pool}
}

const (
	defaultLeaseLimit = 10
	maxLeaseLimit     = 500
	leaseExpiredError = "lease expired"
)

const jobColumns = `
    id,
    queue_name,
    payload,
    state,
    attempts,
    max_attempts,
    available_at,
    lease_owner,
    lease_expires_at,
    last_error,
    dedupe_key,
    created_at,
    finished_at`

const (
	jobInsertSQL = `
WITH inserted AS (
    INSERT INTO queue_jobs (queue_name, payload, max_attempts, available_at, dedupe_key)
    VALUES ($1, COALESCE($2::jsonb, '{}'::jsonb), $3, $4, NULLIF($5, ''))
    ON CONFLICT (queue_name, dedupe_key) WHERE dedupe_key IS NOT NULL DO NOTHING
    RETURNING ` + jobColumns + `
)
SELECT ` + jobColumns + `, TRUE FROM inserted
UNION ALL
SELECT ` + jobColumns + `, FALSE
FROM queue_jobs
WHERE queue_name = $1
  AND dedupe_key = NULLIF($5, '')
  AND NOT EXISTS (SELECT 1 FROM inserted)
LIMIT 1;
`

	jobByDedupeSQL = `
SELECT ` + jobColumns + `
FROM queue_jobs
WHERE queue_name = $1
  AND dedupe_key = $2;
`

	jobGetSQL = `
SELECT ` + jobColumns + `
FROM queue_jobs
WHERE id = $1;
`

	jobExtendSQL = `
UPDATE queue_jobs
SET lease_expires_at = $3,
    updated_at = NOW()
WHERE id = ANY($2)
  AND state = 'active'
  AND lease_owner = $1;
`

	jobCompleteSQL = `
UPDATE queue_jobs
SET state = 'completed',
    lease_owner = NULL,
    lease_expires_at = NULL,
    finished_at = $3,
    updated_at = $3
WHERE id = $1
  AND state = 'active'
  AND lease_owner = $2;
`

	jobRetrySQL = `
UPDATE queue_jobs
SET state = 'pending',
    attempts = attempts + 1,
    available_at = $3,
    last_error = $4,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = NOW()
WHERE id = $1
  AND state = 'active'
  AND lease_owner = $2;
`

	jobFinishSQL = `
UPDATE queue_jobs
SET state = $3,
    attempts = attempts + 1,
    last_error = $5,
    lease_owner = NULL,
    lease_expires_at = NULL,
    finished_at = $4,
    updated_at = $4
WHERE id = $1
  AND state = 'active'
  AND lease_owner = $2;
`

	jobDeleteFinishedSQL = `
DELETE FROM queue_jobs
WHERE id IN (
    SELECT id
    FROM queue_jobs
    WHERE state IN ('completed', 'failed', 'dead')
      AND finished_at < $1
    ORDER BY finished_at
    LIMIT $2
);
`
)

// Lease and reclaim return aliased columns from UPDATE ... FROM.
var (
	jobLeaseSQL = `
WITH picked AS (
    SELECT id
    FROM queue_jobs
    WHERE queue_name = $1
      AND state = 'pending'
      AND available_at <= $2
    ORDER BY available_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE queue_jobs AS j
SET state = 'active',
    lease_owner = $4,
    lease_expires_at = $5,
    updated_at = $2
FROM picked
WHERE j.id = picked.id
RETURNING ` + prefixColumns("j") + `;
`

	jobReclaimSQL = `
WITH expired AS (
    SELECT id
    FROM queue_jobs
    WHERE state = 'active'
      AND lease_expires_at < $2
      AND queue_name = ANY($1)
    ORDER BY lease_expires_at, id
    LIMIT $3
    FOR UPDATE SKIP LOCKED
)
UPDATE queue_jobs AS j
SET attempts = j.attempts + 1,
    state = CASE WHEN j.attempts < j.max_attempts THEN 'pending' ELSE 'dead' END,
    available_at = CASE WHEN j.attempts < j.max_attempts THEN $2 ELSE j.available_at END,
    finished_at = CASE WHEN j.attempts < j.max_attempts THEN NULL ELSE $2 END,
    last_error = $4,
    lease_owner = NULL,
    lease_expires_at = NULL,
    updated_at = $2
FROM expired
WHERE j.id = expired.id
RETURNING ` + prefixColumns("j") + `;
`
)

// Insert adds a pending job. A dedupe collision returns the existing row with created=false.
func (s *JobStore) Insert(ctx context.Context, job jobstore.NewJob) (jobstore.Job, bool, error) {
	return s.InsertTx(ctx, s.pool, job)
}

// InsertTx adds a pending job using q so producers can enqueue inside their own transaction.
func (s *JobStore) InsertTx(ctx context.Context, q persistence.Querier, job jobstore.NewJob) (jobstore.Job, bool, error) {
	if q == nil || isNilPool(q) {
		return jobstore.Job{}, false, fmt.Errorf("job store: nil pool")
	}
	queue := strings.TrimSpace(job.Queue)
	if queue == "" {
		return jobstore.Job{}, false, fmt.Errorf("job store: queue name required")
	}
	if job.MaxAttempts < 0 {
		return jobstore.Job{}, false, fmt.Errorf("job store: max attempts must be >= 0")
	}
	payload, err := normalizePayload(job.Payload)
	if err != nil {
		return jobstore.Job{}, false, fmt.Errorf("job store: %w", err)
	}
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	dedupe := strings.TrimSpace(job.DedupeKey)

	row := q.QueryRow(ctx, jobInsertSQL, queue, payload, job.MaxAttempts, availableAt, dedupe)
	var created bool
	record, err := scanJob(row, &created)
	if err == nil {
		return record, created, nil
	}
	if !errors.Is(err, jobstore.ErrJobNotFound) || dedupe == "" {
		return jobstore.Job{}, false, err
	}
	// The conflicting row was committed after this statement's snapshot was taken.
	record, err = scanJob(q.QueryRow(ctx, jobByDedupeSQL, queue, dedupe), nil)
	if err != nil {
		return jobstore.Job{}, false, err
	}
	return record, false, nil
}

// Get loads a job by id.
func (s *JobStore) Get(ctx context.Context, id int64) (jobstore.Job, error) {
	if s.pool == nil {
		return jobstore.Job{}, fmt.Errorf("job store: nil pool")
	}
	return scanJob(s.pool.QueryRow(ctx, jobGetSQL, id), nil)
}

// Lease claims available pending jobs for req.Owner, skipping rows locked by other workers.
func (s *JobStore) Lease(ctx context.Context, req jobstore.LeaseRequest) ([]jobstore.Job, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	queue := strings.TrimSpace(req.Queue)
	if queue == "" {
		return nil, fmt.Errorf("job store: queue name required")
	}
	owner := strings.TrimSpace(req.Owner)
	if owner == "" {
		return nil, fmt.Errorf("job store: lease owner required")
	}
	if req.LeaseFor <= 0 {
		return nil, fmt.Errorf("job store: lease duration must be positive")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = defaultLeaseLimit
	} else if limit > maxLeaseLimit {
		limit = maxLeaseLimit
	}
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}
	rows, err := s.pool.Query(ctx, jobLeaseSQL, queue, now, limit, owner, now.Add(req.LeaseFor))
	if err != nil {
		return nil, fmt.Errorf("job store: lease: %w", err)
	}
	return collectJobs(rows, "lease")
}

// Extend pushes the lease expiry of jobs still held by owner.
func (s *JobStore) Extend(ctx context.Context, owner string, ids []int64, until time.Time) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("job store: nil pool")
	}
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, jobExtendSQL, owner, ids, until)
	if err != nil {
		return 0, fmt.Errorf("job store: extend: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Complete marks an active job completed. It reports false when the lease was lost.
func (s *JobStore) Complete(ctx context.Context, id int64, owner string, now time.Time) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobCompleteSQL, id, owner, now)
	if err != nil {
		return false, fmt.Errorf("job store: complete: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Retry returns an active job to pending and defers it to availableAt.
func (s *JobStore) Retry(ctx context.Context, id int64, owner string, availableAt time.Time, lastError string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("job store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, jobRetrySQL, id, owner, availableAt, strings.TrimSpace(lastError))
	if err != nil {
		return false, fmt.Errorf("job store: retry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Finish moves an active job to failed or dead.
func (s *JobStore) Finish(ctx context.Context, id int64, owner string, state jobstore.State, now time.Time, lastError string) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("job store: nil pool")
	}
	if state != jobstore.StateFailed && state != jobstore.StateDead {
		return false, fmt.Errorf("job store: finish: invalid terminal state %q", state)
	}
	tag, err := s.pool.Exec(ctx, jobFinishSQL, id, owner, string(state), now, strings.TrimSpace(lastError))
	if err != nil {
		return false, fmt.Errorf("job store: finish: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReclaimExpired counts each expired lease as a failed attempt and returns the updated rows.
func (s *JobStore) ReclaimExpired(ctx context.Context, queues []string, now time.Time, limit int) ([]jobstore.Job, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("job store: nil pool")
	}
	if len(queues) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = maxLeaseLimit
	}
	rows, err := s.pool.Query(ctx, jobReclaimSQL, queues, now, limit, leaseExpiredError)
	if err != nil {
		return nil, fmt.Errorf("job store: reclaim expired: %w", err)
	}
	return collectJobs(rows, "reclaim expired")
}

// DeleteFinishedBefore removes up to limit terminal jobs finished before cutoff.
func (s *JobStore) DeleteFinishedBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("job store: nil pool")
	}
	if limit <= 0 {
		limit = maxLeaseLimit
	}
	tag, err := s.pool.Exec(ctx, jobDeleteFinishedSQL, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("job store: delete finished: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectJobs(rows pgx.Rows, op string) ([]jobstore.Job, error) {
	defer rows.Close()
	var out []jobstore.Job
	for rows.Next() {
		job, err := scanJob(rows, nil)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("job store: %s: %w", op, err)
	}
	// UPDATE ... RETURNING does not preserve the ORDER BY of the locking subquery.
	sort.Slice(out, func(i, j int) bool {
		if out[i].AvailableAt.Equal(out[j].AvailableAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].AvailableAt.Before(out[j].AvailableAt)
	})
	return out, nil
}

func scanJob(row rowScanner, created *bool) (jobstore.Job, error) {
	var (
		job         jobstore.Job
		payload     []byte
		state       string
		leaseOwner  pgtype.Text
		leaseExpiry pgtype.Timestamptz
		lastError   pgtype.Text
		dedupeKey   pgtype.Text
		finishedAt  pgtype.Timestamptz
	)
	dest := []any{
		&job.ID,
		&job.Queue,
		&payload,
		&state,
		&job.Attempts,
		&job.MaxAttempts,
		&job.AvailableAt,
		&leaseOwner,
		&leaseExpiry,
		&lastError,
		&dedupeKey,
		&job.CreatedAt,
		&finishedAt,
	}
	if created != nil {
		dest = append(dest, created)
	}
	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return jobstore.Job{}, jobstore.ErrJobNotFound
		}
		return jobstore.Job{}, fmt.Errorf("job store: scan job: %w", err)
	}
	job.Payload = json.RawMessage(payload)
	job.State = jobstore.State(state)
	job.LeaseOwner = leaseOwner.String
	job.LastError = lastError.String
	job.DedupeKey = dedupeKey.String
	if leaseExpiry.Valid {
		t := leaseExpiry.Time
		job.LeaseExpiresAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		job.FinishedAt = &t
	}
	return job, nil
}

func prefixColumns(alias string) string {
	fields := strings.Split(jobColumns, ",")
	for i, field := range fields {
		fields[i] = alias + "." + strings.TrimSpace(field)
	}
	return strings.Join(fields, ", ")
}

func isNilPool(q persistence.Querier) bool {
	pool, ok := q.(*pgxpool.Pool)
	return ok && pool == nil
}

var _ jobstore.Store = (*JobStore)(nil)
