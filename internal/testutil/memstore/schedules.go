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
	"github.com/coachpo/relay/internal/domain/schedulestore"
)

// Schedules implements schedulestore.Store, enqueueing into Jobs.
type Schedules struct {
	Jobs *Jobs

	mu         sync.Mutex
	nextID     int64
	nextTickID int64
	defs       map[int64]*schedulestore.Definition
	ticks      map[int64]*schedulestore.Tick
}

// NewSchedules returns an empty schedule table enqueueing into jobs.
func NewSchedules(jobs *Jobs) *Schedules {
	return &Schedules{
		Jobs:  jobs,
		defs:  make(map[int64]*schedulestore.Definition),
		ticks: make(map[int64]*schedulestore.Tick),
	}
}

// Upsert stores def keyed by (Queue, Scope).
func (s *Schedules) Upsert(_ context.Context, def schedulestore.Definition) (schedulestore.Definition, error) {
	if (def.Interval > 0) == (strings.TrimSpace(def.Cron) != "") {
		return schedulestore.Definition{}, fmt.Errorf("memstore: exactly one of interval and cron required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.defs {
		if existing.Queue != def.Queue || existing.Scope != def.Scope {
			continue
		}
		if existing.Interval != def.Interval || existing.Cron != def.Cron {
			existing.NextDueAt = def.NextDueAt
		}
		existing.Interval = def.Interval
		existing.Cron = def.Cron
		existing.PayloadTemplate = def.PayloadTemplate
		existing.UpdatedAt = time.Now()
		return *existing, nil
	}
	s.nextID++
	stored := def
	stored.ID = s.nextID
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	s.defs[stored.ID] = &stored
	return stored, nil
}

// Remove deletes the definition and its ticks.
func (s *Schedules) Remove(_ context.Context, queue, scope string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, def := range s.defs {
		if def.Queue == queue && def.Scope == scope {
			delete(s.defs, id)
			for tid, tick := range s.ticks {
				if tick.ScheduleID == id {
					delete(s.ticks, tid)
				}
			}
			return true, nil
		}
	}
	return false, nil
}

// ListDue returns definitions due by horizon.
func (s *Schedules) ListDue(_ context.Context, horizon time.Time, limit int) ([]schedulestore.Definition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []schedulestore.Definition
	for _, def := range s.defs {
		if !def.NextDueAt.After(horizon) {
			out = append(out, *def)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Materialize inserts ticks and CASes next_due_at.
func (s *Schedules) Materialize(_ context.Context, scheduleID int64, expectedNext time.Time, ticks []schedulestore.NewTick, nextDue time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.defs[scheduleID]
	if !ok || !def.NextDueAt.Equal(expectedNext) {
		return 0, false, nil
	}
	def.NextDueAt = nextDue
	inserted := 0
	for _, nt := range ticks {
		if s.hasTickLocked(scheduleID, nt.DueAt) {
			continue
		}
		s.nextTickID++
		s.ticks[s.nextTickID] = &schedulestore.Tick{
			ID:         s.nextTickID,
			ScheduleID: scheduleID,
			DueAt:      nt.DueAt,
			Status:     schedulestore.TickPending,
			ExpiresAt:  nt.ExpiresAt,
		}
		inserted++
	}
	return inserted, true, nil
}

func (s *Schedules) hasTickLocked(scheduleID int64, dueAt time.Time) bool {
	for _, tick := range s.ticks {
		if tick.ScheduleID == scheduleID && tick.DueAt.Equal(dueAt) {
			return true
		}
	}
	return false
}

// EnqueueDue turns pending ticks due by the horizon into jobs.
func (s *Schedules) EnqueueDue(_ context.Context, req schedulestore.EnqueueRequest) ([]schedulestore.Tick, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	horizon := req.Horizon
	if horizon.Before(req.Now) {
		horizon = req.Now
	}
	var due []*schedulestore.Tick
	for _, tick := range s.ticks {
		if tick.Status == schedulestore.TickPending && !tick.DueAt.After(horizon) && tick.ExpiresAt.After(req.Now) {
			due = append(due, tick)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].DueAt.Equal(due[j].DueAt) {
			return due[i].ID < due[j].ID
		}
		return due[i].DueAt.Before(due[j].DueAt)
	})
	if req.Limit > 0 && len(due) > req.Limit {
		due = due[:req.Limit]
	}

	s.Jobs.mu.Lock()
	defer s.Jobs.mu.Unlock()
	out := make([]schedulestore.Tick, 0, len(due))
	for _, tick := range due {
		def := s.defs[tick.ScheduleID]
		payload, err := mergeTemplate(def.PayloadTemplate, tick.DueAt, def.Scope)
		if err != nil {
			return nil, err
		}
		job, _, err := s.Jobs.insertLocked(jobstore.NewJob{
			Queue:       def.Queue,
			Payload:     payload,
			MaxAttempts: req.MaxAttempts,
			AvailableAt: tick.DueAt,
			DedupeKey:   fmt.Sprintf("schedule:%d:%d", def.ID, tick.DueAt.Unix()),
		})
		if err != nil {
			return nil, err
		}
		processed := req.Now
		jobID := job.ID
		tick.Status = schedulestore.TickProcessed
		tick.ProcessedAt = &processed
		tick.JobID = &jobID
		out = append(out, *tick)
	}
	return out, nil
}

func mergeTemplate(template json.RawMessage, dueAt time.Time, scope string) (json.RawMessage, error) {
	fields := map[string]any{}
	if len(template) > 0 {
		if err := json.Unmarshal(template, &fields); err != nil {
			return nil, fmt.Errorf("memstore: payload template: %w", err)
		}
	}
	fields["scheduledFor"] = dueAt.UTC().Format(time.RFC3339Nano)
	fields["scope"] = scope
	data, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}
	return data, nil
}

// DeleteExpired removes pending ticks past expiry.
func (s *Schedules) DeleteExpired(_ context.Context, now time.Time, limit int) (int64, error) {
	return s.deleteWhere(limit, func(t *schedulestore.Tick) bool {
		return t.Status == schedulestore.TickPending && !t.ExpiresAt.After(now)
	}), nil
}

// DeleteProcessedBefore removes processed ticks older than cutoff.
func (s *Schedules) DeleteProcessedBefore(_ context.Context, cutoff time.Time, limit int) (int64, error) {
	return s.deleteWhere(limit, func(t *schedulestore.Tick) bool {
		return t.Status == schedulestore.TickProcessed && t.ProcessedAt != nil && t.ProcessedAt.Before(cutoff)
	}), nil
}

func (s *Schedules) deleteWhere(limit int, match func(*schedulestore.Tick) bool) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, tick := range s.ticks {
		if limit > 0 && removed >= int64(limit) {
			break
		}
		if match(tick) {
			delete(s.ticks, id)
			removed++
		}
	}
	return removed
}

// Ticks returns every tick ordered by due time.
func (s *Schedules) Ticks() []schedulestore.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schedulestore.Tick, 0, len(s.ticks))
	for _, tick := range s.ticks {
		out = append(out, *tick)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}

// Definition returns the stored definition for queue and scope.
func (s *Schedules) Definition(queue, scope string) (schedulestore.Definition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, def := range s.defs {
		if def.Queue == queue && def.Scope == scope {
			return *def, true
		}
	}
	return schedulestore.Definition{}, false
}

var _ schedulestore.Store = (*Schedules)(nil)
