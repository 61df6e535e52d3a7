package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
	"github.com/coachpo/relay/internal/testutil/memstore"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestOutboxPrunedOnlyBelowSlowestCursor(t *testing.T) {
	ctx := context.Background()
	outbox := memstore.NewOutbox()
	outbox.Clock = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		_, err := outbox.Append(ctx, outboxstore.NewEvent{EventType: "message:created", Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	_, err := outbox.EnsureCursor(ctx, "fast", 0, false)
	require.NoError(t, err)
	_, err = outbox.EnsureCursor(ctx, "slow", 0, false)
	require.NoError(t, err)
	require.NoError(t, outbox.AdvanceCursor(ctx, "fast", 5, base))
	require.NoError(t, outbox.AdvanceCursor(ctx, "slow", 3, base))

	w := NewWorker(Stores{Outbox: outbox, Cursors: outbox}, Config{ExpiredThreshold: time.Hour, BatchSize: 2},
		WithClock(func() time.Time { return base.Add(2 * time.Hour) }))

	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, stats[TableOutboxEvents])
	require.Equal(t, 2, outbox.Len())

	events, err := outbox.ListAfter(ctx, 0, 10)
	require.NoError(t, err)
	require.Equal(t, int64(4), events[0].ID)
}

func TestRecentOutboxRowsSurvive(t *testing.T) {
	ctx := context.Background()
	outbox := memstore.NewOutbox()
	outbox.Clock = func() time.Time { return base }
	_, err := outbox.Append(ctx, outboxstore.NewEvent{EventType: "message:created", Payload: json.RawMessage(`{}`)})
	require.NoError(t, err)
	_, err = outbox.EnsureCursor(ctx, "l", 1, false)
	require.NoError(t, err)

	w := NewWorker(Stores{Outbox: outbox, Cursors: outbox}, Config{ExpiredThreshold: time.Hour},
		WithClock(func() time.Time { return base.Add(time.Minute) }))
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.Total())
	require.Equal(t, 1, outbox.Len())
}

func TestStaleEphemeralCursorStopsPinningOutbox(t *testing.T) {
	ctx := context.Background()
	outbox := memstore.NewOutbox()
	outbox.Clock = func() time.Time { return base }
	for i := 0; i < 3; i++ {
		_, err := outbox.Append(ctx, outboxstore.NewEvent{EventType: "message:created", Payload: json.RawMessage(`{}`)})
		require.NoError(t, err)
	}
	_, err := outbox.EnsureCursor(ctx, "broadcast:dead-replica", 0, true)
	require.NoError(t, err)
	_, err = outbox.EnsureCursor(ctx, "naming", 3, false)
	require.NoError(t, err)
	require.NoError(t, outbox.AdvanceCursor(ctx, "naming", 3, base.Add(3*time.Hour)))

	w := NewWorker(Stores{Outbox: outbox, Cursors: outbox}, Config{ExpiredThreshold: time.Hour},
		WithClock(func() time.Time { return base.Add(3 * time.Hour) }))
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[TableListenerCursors])
	require.EqualValues(t, 3, stats[TableOutboxEvents])

	cursors := outbox.Cursors()
	require.Len(t, cursors, 1)
	require.Equal(t, "naming", cursors[0].ListenerID)
}

func TestTicksJobsAndGrantsPruned(t *testing.T) {
	ctx := context.Background()
	now := base
	clock := func() time.Time { return now }

	jobs := memstore.NewJobs()
	jobs.Clock = clock
	schedules := memstore.NewSchedules(jobs)
	tokens := memstore.NewTokens()
	require.NoError(t, tokens.EnsurePool(ctx, "default", 4))

	def, err := schedules.Upsert(ctx, schedulestore.Definition{Queue: "digest", Interval: time.Minute, NextDueAt: base})
	require.NoError(t, err)
	_, _, err = schedules.Materialize(ctx, def.ID, base, []schedulestore.NewTick{
		{DueAt: base, ExpiresAt: base.Add(time.Minute)},
		{DueAt: base.Add(time.Minute), ExpiresAt: base.Add(10 * time.Minute)},
	}, base.Add(2*time.Minute))
	require.NoError(t, err)
	enqueued, err := schedules.EnqueueDue(ctx, schedulestore.EnqueueRequest{Now: base, Horizon: base, Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	require.Len(t, enqueued, 1)

	leased, err := jobs.Lease(ctx, jobstore.LeaseRequest{Queue: "digest", Owner: "w", Now: base, LeaseFor: time.Minute, Limit: 1})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	ok, err := jobs.Complete(ctx, leased[0].ID, "w", base)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = tokens.Acquire(ctx, "default", "crashed-worker", 2, base.Add(time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, tokens.Outstanding("default"))

	now = base.Add(2 * time.Hour)
	w := NewWorker(Stores{Ticks: schedules, Jobs: jobs, Tokens: tokens}, Config{ExpiredThreshold: time.Hour}, WithClock(clock))
	stats, err := w.RunOnce(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats[TableScheduleTicksExpired])
	require.EqualValues(t, 1, stats[TableScheduleTicksProcessed])
	require.EqualValues(t, 1, stats[TableQueueJobs])
	require.EqualValues(t, 2, stats[TableTokenGrants])
	require.Empty(t, schedules.Ticks())
	require.Empty(t, jobs.All())
	require.Zero(t, tokens.Outstanding("default"))
}

type failingJobs struct{}

func (failingJobs) DeleteFinishedBefore(context.Context, time.Time, int) (int64, error) {
	return 0, errors.New("connection reset")
}

func TestFailingTableDoesNotStopPass(t *testing.T) {
	ctx := context.Background()
	tokens := memstore.NewTokens()
	require.NoError(t, tokens.EnsurePool(ctx, "default", 1))
	_, err := tokens.Acquire(ctx, "default", "w", 1, base)
	require.NoError(t, err)

	w := NewWorker(Stores{Jobs: failingJobs{}, Tokens: tokens}, Config{},
		WithClock(func() time.Time { return base.Add(time.Minute) }))
	stats, err := w.RunOnce(ctx)
	require.ErrorContains(t, err, "connection reset")
	require.EqualValues(t, 1, stats[TableTokenGrants])
}

func TestStartAndStop(t *testing.T) {
	w := NewWorker(Stores{}, Config{Interval: 5 * time.Millisecond})
	w.Start(context.Background())
	w.Start(context.Background())
	time.Sleep(20 * time.Millisecond)
	w.Stop()
	w.Stop()
}
