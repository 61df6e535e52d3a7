package memstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/internal/domain/jobstore"
)

// Jobs implements jobstore.Store.
type Jobs struct {
	Clock Clock

	mu     sync.Mutex
	nextID int64
	jobs   map[int64]*jobstore.Job
}

// NewJobs returns an empty job table.
func NewJobs() *Jobs {
	return &Jobs{jobs: make(map[int64]*jobstore.Job)}
}

// Insert adds a pending job, honouring dedupe keys per queue.
func (s *Jobs) Insert(_ context.Context, job jobstore.NewJob) (jobstore.Job, bool, error) {
	if strings.TrimSpace(job.Queue) == "" {
		return jobstore.Job{}, false, fmt.Errorf("memstore: queue name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(job)
}

func (s *Jobs) insertLocked(job jobstore.NewJob) (jobstore.Job, bool, error) {
	if job.DedupeKey != "" {
		for _, existing := range s.jobs {
			if existing.Queue == job.Queue && existing.DedupeKey == job.DedupeKey {
				return cloneJob(existing), false, nil
			}
		}
	}
	now := s.Clock.now()
	availableAt := job.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	payload := job.Payload
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	s.nextID++
	stored := &jobstore.Job{
		ID:          s.nextID,
		Queue:       job.Queue,
		Payload:     payload,
		State:       jobstore.StatePending,
		MaxAttempts: job.MaxAttempts,
		AvailableAt: availableAt,
		DedupeKey:   job.DedupeKey,
		CreatedAt:   now,
	}
	s.jobs[stored.ID] = stored
	return cloneJob(stored), true, nil
}

// Get returns a job by id.
func (s *Jobs) Get(_ context.Context, id int64) (jobstore.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return jobstore.Job{}, jobstore.ErrJobNotFound
	}
	return cloneJob(job), nil
}

// Lease claims pending jobs ordered by (available_at, id).
func (s *Jobs) Lease(_ context.Context, req jobstore.LeaseRequest) ([]jobstore.Job, error) {
	if req.LeaseFor <= 0 {
		return nil, fmt.Errorf("memstore: lease duration must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var candidates []*jobstore.Job
	for _, job := range s.jobs {
		if job.Queue == req.Queue && job.State == jobstore.StatePending && !job.AvailableAt.After(req.Now) {
			candidates = append(candidates, job)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].AvailableAt.Equal(candidates[j].AvailableAt) {
			return candidates[i].ID < candidates[j].ID
		}
		return candidates[i].AvailableAt.Before(candidates[j].AvailableAt)
	})
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	expires := req.Now.Add(req.LeaseFor)
	out := make([]jobstore.Job, 0, len(candidates))
	for _, job := range candidates {
		job.State = jobstore.StateActive
		job.LeaseOwner = req.Owner
		exp := expires
		job.LeaseExpiresAt = &exp
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// Extend pushes lease expiry for active jobs owned by owner.
func (s *Jobs) Extend(_ context.Context, owner string, ids []int64, until time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, id := range ids {
		job, ok := s.jobs[id]
		if ok && job.State == jobstore.StateActive && job.LeaseOwner == owner {
			u := until
			job.LeaseExpiresAt = &u
			n++
		}
	}
	return n, nil
}

func (s *Jobs) heldBy(id int64, owner string) (*jobstore.Job, bool) {
	job, ok := s.jobs[id]
	if !ok || job.State != jobstore.StateActive || job.LeaseOwner != owner {
		return nil, false
	}
	return job, true
}

func release(job *jobstore.Job) {
	job.LeaseOwner = ""
	job.LeaseExpiresAt = nil
}

// Complete transitions active -> completed.
func (s *Jobs) Complete(_ context.Context, id int64, owner string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.heldBy(id, owner)
	if !ok {
		return false, nil
	}
	job.State = jobstore.StateCompleted
	release(job)
	finished := now
	job.FinishedAt = &finished
	return true, nil
}

// Retry transitions active -> pending.
func (s *Jobs) Retry(_ context.Context, id int64, owner string, availableAt time.Time, lastError string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.heldBy(id, owner)
	if !ok {
		return false, nil
	}
	job.State = jobstore.StatePending
	job.Attempts++
	job.AvailableAt = availableAt
	job.LastError = lastError
	release(job)
	return true, nil
}

// Finish transitions active -> failed or dead.
func (s *Jobs) Finish(_ context.Context, id int64, owner string, state jobstore.State, now time.Time, lastError string) (bool, error) {
	if state != jobstore.StateFailed && state != jobstore.StateDead {
		return false, fmt.Errorf("memstore: invalid terminal state %q", state)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.heldBy(id, owner)
	if !ok {
		return false, nil
	}
	job.State = state
	job.Attempts++
	job.LastError = lastError
	release(job)
	finished := now
	job.FinishedAt = &finished
	return true, nil
}

// ReclaimExpired resets expired leases on the given queues.
func (s *Jobs) ReclaimExpired(_ context.Context, queues []string, now time.Time, limit int) ([]jobstore.Job, error) {
	allowed := make(map[string]struct{}, len(queues))
	for _, q := range queues {
		allowed[q] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var expired []*jobstore.Job
	for _, job := range s.jobs {
		if _, ok := allowed[job.Queue]; !ok {
			continue
		}
		if job.State == jobstore.StateActive && job.LeaseExpiresAt != nil && job.LeaseExpiresAt.Before(now) {
			expired = append(expired, job)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].ID < expired[j].ID })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	out := make([]jobstore.Job, 0, len(expired))
	for _, job := range expired {
		retry := job.Attempts < job.MaxAttempts
		job.Attempts++
		job.LastError = "lease expired"
		release(job)
		if retry {
			job.State = jobstore.StatePending
			job.AvailableAt = now
		} else {
			job.State = jobstore.StateDead
			finished := now
			job.FinishedAt = &finished
		}
		out = append(out, cloneJob(job))
	}
	return out, nil
}

// DeleteFinishedBefore removes terminal jobs finished before cutoff.
func (s *Jobs) DeleteFinishedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, job := range s.jobs {
		if limit > 0 && removed >= int64(limit) {
			break
		}
		if job.State.Terminal() && job.FinishedAt != nil && job.FinishedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed, nil
}

// All returns every job ordered by id.
func (s *Jobs) All() []jobstore.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]jobstore.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, cloneJob(job))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ByQueue returns the jobs of queue ordered by id.
func (s *Jobs) ByQueue(queue string) []jobstore.Job {
	var out []jobstore.Job
	for _, job := range s.All() {
		if job.Queue == queue {
			out = append(out, job)
		}
	}
	return out
}

// Expire forces the lease of an active job to lapse at at.
func (s *Jobs) Expire(id int64, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok && job.State == jobstore.StateActive {
		exp := at
		job.LeaseExpiresAt = &exp
	}
}

func cloneJob(job *jobstore.Job) jobstore.Job {
	out := *job
	if job.LeaseExpiresAt != nil {
		t := *job.LeaseExpiresAt
		out.LeaseExpiresAt = &t
	}
	if job.FinishedAt != nil {
		t := *job.FinishedAt
		out.FinishedAt = &t
	}
	return out
}

// Tokens implements jobstore.TokenStore.
type Tokens struct {
	mu     sync.Mutex
	nextID int64
	pools  map[string]*jobstore.Pool
	grants map[int64]jobstore.Grant
}

// NewTokens returns an empty token table.
func NewTokens() *Tokens {
	return &Tokens{pools: make(map[string]*jobstore.Pool), grants: make(map[int64]jobstore.Grant)}
}

// EnsurePool provisions scope.
func (t *Tokens) EnsurePool(_ context.Context, scope string, capacity int) error {
	if capacity <= 0 {
		return fmt.Errorf("memstore: capacity must be positive")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if pool, ok := t.pools[scope]; ok {
		if capacity < pool.Outstanding {
			capacity = pool.Outstanding
		}
		pool.Capacity = capacity
		return nil
	}
	t.pools[scope] = &jobstore.Pool{Scope: scope, Capacity: capacity}
	return nil
}

// Pool returns the counter for scope.
func (t *Tokens) Pool(_ context.Context, scope string) (jobstore.Pool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool, ok := t.pools[scope]
	if !ok {
		return jobstore.Pool{}, jobstore.ErrTokenPoolNotFound
	}
	return *pool, nil
}

// Acquire grants up to n tokens.
func (t *Tokens) Acquire(_ context.Context, scope, owner string, n int, expiresAt time.Time) ([]jobstore.Grant, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pool, ok := t.pools[scope]
	if !ok || n <= 0 {
		return nil, nil
	}
	available := pool.Capacity - pool.Outstanding
	if n > available {
		n = available
	}
	grants := make([]jobstore.Grant, 0, n)
	for i := 0; i < n; i++ {
		t.nextID++
		grant := jobstore.Grant{ID: t.nextID, Scope: scope, Owner: owner, ExpiresAt: expiresAt}
		t.grants[grant.ID] = grant
		grants = append(grants, grant)
	}
	pool.Outstanding += n
	return grants, nil
}

// Renew extends owner's grants.
func (t *Tokens) Renew(_ context.Context, owner string, ids []int64, expiresAt time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, id := range ids {
		if grant, ok := t.grants[id]; ok && grant.Owner == owner {
			grant.ExpiresAt = expiresAt
			t.grants[id] = grant
			n++
		}
	}
	return n, nil
}

// Release returns owner's grants.
func (t *Tokens) Release(_ context.Context, owner string, ids []int64) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, id := range ids {
		grant, ok := t.grants[id]
		if !ok || grant.Owner != owner {
			continue
		}
		t.returnLocked(grant)
		n++
	}
	return n, nil
}

// ReclaimExpired returns grants that expired before now.
func (t *Tokens) ReclaimExpired(_ context.Context, now time.Time) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int64
	for _, grant := range t.grants {
		if grant.ExpiresAt.Before(now) {
			t.returnLocked(grant)
			n++
		}
	}
	return n, nil
}

func (t *Tokens) returnLocked(grant jobstore.Grant) {
	delete(t.grants, grant.ID)
	if pool, ok := t.pools[grant.Scope]; ok && pool.Outstanding > 0 {
		pool.Outstanding--
	}
}

// Outstanding reports the grant rows currently held for scope.
func (t *Tokens) Outstanding(scope string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if pool, ok := t.pools[scope]; ok {
		return pool.Outstanding
	}
	return 0
}

var (
	_ jobstore.Store      = (*Jobs)(nil)
	_ jobstore.TokenStore = (*Tokens)(nil)
)
