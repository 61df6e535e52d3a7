package postgres_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
	"github.com/coachpo/relay/internal/infra/persistence/migrations"
	pgstore "github.com/coachpo/relay/internal/infra/persistence/postgres"
)

var (
	testPool    *pgxpool.Pool
	testDSN     string
	pgContainer testcontainers.Container
	setupErr    error
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(m.Run())
	}
	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		Env:          map[string]string{"POSTGRES_PASSWORD": "secret", "POSTGRES_USER": "postgres", "POSTGRES_DB": "relay"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForListeningPort("5432/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		setupErr = fmt.Errorf("start postgres container: %w", err)
	} else {
		pgContainer = container
		setupErr = initialiseDatabase(ctx)
	}
	if setupErr != nil {
		fmt.Fprintf(os.Stderr, "postgres integration tests skipped: %v\n", setupErr)
	}

	exitCode := m.Run()

	if testPool != nil {
		testPool.Close()
	}
	if pgContainer != nil {
		_ = pgContainer.Terminate(ctx)
	}
	os.Exit(exitCode)
}

func initialiseDatabase(ctx context.Context) error {
	host, err := pgContainer.Host(ctx)
	if err != nil {
		return fmt.Errorf("container host: %w", err)
	}
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return fmt.Errorf("container port: %w", err)
	}
	testDSN = fmt.Sprintf("postgres://postgres:secret@%s:%s/relay?sslmode=disable", host, port.Port())

	if err := migrations.Apply(ctx, testDSN, migrations.EmbeddedSource, nil); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	pool, err := pgxpool.New(ctx, testDSN)
	if err != nil {
		return fmt.Errorf("pgx pool: %w", err)
	}
	testPool = pool
	return nil
}

func requireDB(t *testing.T) *pgstore.Store {
	t.Helper()
	if testing.Short() {
		t.Skip("postgres integration tests disabled in -short mode")
	}
	if testPool == nil {
		t.Skipf("postgres unavailable: %v", setupErr)
	}
	return pgstore.New(testPool)
}

func uniqueName(prefix string) string {
	return prefix + "." + uuid.NewString()[:8]
}

func TestOutboxAppendTxVisibleAfterCommitAndCursorMonotonic(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()

	head, err := store.Outbox.Head(ctx)
	require.NoError(t, err)

	var appended outboxstore.Event
	err = store.InTx(ctx, func(tx pgx.Tx) error {
		var aerr error
		appended, aerr = store.Outbox.AppendTx(ctx, tx, outboxstore.NewEvent{
			EventType: "message:created",
			Payload:   json.RawMessage(`{"workspaceId":"ws-1","streamId":"st-1"}`),
		})
		return aerr
	})
	require.NoError(t, err)
	require.Greater(t, appended.ID, head)

	events, err := store.Outbox.ListAfter(ctx, head, 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	require.Equal(t, appended.ID, events[0].ID)

	listener := uniqueName("listener")
	cursor, err := store.Cursors.EnsureCursor(ctx, listener, head, false)
	require.NoError(t, err)
	require.Equal(t, head, cursor.LastProcessedEventID)

	require.NoError(t, store.Cursors.AdvanceCursor(ctx, listener, appended.ID, time.Now()))
	require.NoError(t, store.Cursors.AdvanceCursor(ctx, listener, head, time.Now()))
	cursor, err = store.Cursors.LoadCursor(ctx, listener)
	require.NoError(t, err)
	require.Equal(t, appended.ID, cursor.LastProcessedEventID, "cursor must never move backwards")

	again, err := store.Cursors.EnsureCursor(ctx, listener, 0, false)
	require.NoError(t, err)
	require.Equal(t, appended.ID, again.LastProcessedEventID, "ensure must keep an existing position")
}

func TestOutboxAppendsCommitInIDOrder(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()

	head, err := store.Outbox.Head(ctx)
	require.NoError(t, err)

	cursor := head
	var applied []int64
	drain := func() {
		events, err := store.Outbox.ListAfter(ctx, cursor, 100)
		require.NoError(t, err)
		for _, evt := range events {
			applied = append(applied, evt.ID)
			cursor = evt.ID
		}
	}

	first, err := testPool.Begin(ctx)
	require.NoError(t, err)
	defer func() { _ = first.Rollback(ctx) }()
	early, err := store.Outbox.AppendTx(ctx, first, outboxstore.NewEvent{EventType: "message:created"})
	require.NoError(t, err)

	type appendResult struct {
		evt outboxstore.Event
		err error
	}
	done := make(chan appendResult, 1)
	go func() {
		second, err := testPool.Begin(ctx)
		if err != nil {
			done <- appendResult{err: err}
			return
		}
		evt, err := store.Outbox.AppendTx(ctx, second, outboxstore.NewEvent{EventType: "message:edited"})
		if err != nil {
			_ = second.Rollback(ctx)
			done <- appendResult{err: err}
			return
		}
		done <- appendResult{evt: evt, err: second.Commit(ctx)}
	}()

	select {
	case res := <-done:
		t.Fatalf("second append committed while the first transaction was open: %+v", res)
	case <-time.After(300 * time.Millisecond):
	}
	drain()
	require.Empty(t, applied, "uncommitted events must not be visible")

	require.NoError(t, first.Commit(ctx))
	var late appendResult
	select {
	case late = <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("second append never completed")
	}
	require.NoError(t, late.err)
	require.Greater(t, late.evt.ID, early.ID)

	drain()
	require.Contains(t, applied, early.ID)
	require.Contains(t, applied, late.evt.ID)
	require.Less(t, slices.Index(applied, early.ID), slices.Index(applied, late.evt.ID))
}

func TestJobLeaseNeverDoubleLeases(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	queue := uniqueName("lease")
	now := time.Now()

	for i := 0; i < 20; i++ {
		_, created, err := store.Jobs.Insert(ctx, jobstore.NewJob{Queue: queue, Payload: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i)), MaxAttempts: 3, AvailableAt: now.Add(-time.Second)})
		require.NoError(t, err)
		require.True(t, created)
	}

	owners := []string{"w1", "w2", "w3", "w4"}
	results := make([][]jobstore.Job, len(owners))
	errs := make([]error, len(owners))
	var wg sync.WaitGroup
	for i, owner := range owners {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			results[i], errs[i] = store.Jobs.Lease(ctx, jobstore.LeaseRequest{Queue: queue, Owner: owner, Limit: 10, Now: time.Now(), LeaseFor: time.Minute})
		}(i, owner)
	}
	wg.Wait()

	seen := map[int64]string{}
	for i, owner := range owners {
		require.NoError(t, errs[i])
		for _, job := range results[i] {
			prev, dup := seen[job.ID]
			require.Falsef(t, dup, "job %d leased by %s and %s", job.ID, prev, owner)
			seen[job.ID] = owner
			require.Equal(t, jobstore.StateActive, job.State)
			require.Equal(t, owner, job.LeaseOwner)
		}
	}
	require.Len(t, seen, 20)
}

func TestJobTransitionsRequireLeaseOwner(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	queue := uniqueName("cas")
	now := time.Now()

	_, _, err := store.Jobs.Insert(ctx, jobstore.NewJob{Queue: queue, MaxAttempts: 1, AvailableAt: now.Add(-time.Second)})
	require.NoError(t, err)
	leased, err := store.Jobs.Lease(ctx, jobstore.LeaseRequest{Queue: queue, Owner: "w1", Limit: 1, Now: now, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	id := leased[0].ID

	ok, err := store.Jobs.Complete(ctx, id, "intruder", now)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = store.Jobs.Retry(ctx, id, "w1", now.Add(time.Second), "transient")
	require.NoError(t, err)
	require.True(t, ok)

	job, err := store.Jobs.Get(ctx, id)
	require.NoError(t, err)
	require.Equal(t, jobstore.StatePending, job.State)
	require.Equal(t, 1, job.Attempts)
	require.Equal(t, "transient", job.LastError)
	require.Nil(t, job.LeaseExpiresAt)

	ok, err = store.Jobs.Complete(ctx, id, "w1", now)
	require.NoError(t, err)
	require.False(t, ok, "pending job cannot complete")
}

func TestJobInsertDedupe(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	queue := uniqueName("dedupe")

	first, created, err := store.Jobs.Insert(ctx, jobstore.NewJob{Queue: queue, DedupeKey: "embedding:42", MaxAttempts: 3})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := store.Jobs.Insert(ctx, jobstore.NewJob{Queue: queue, DedupeKey: "embedding:42", MaxAttempts: 3})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.ID, second.ID)
}

func TestJobReclaimExpiredLease(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	queue := uniqueName("sweep")
	now := time.Now()

	_, _, err := store.Jobs.Insert(ctx, jobstore.NewJob{Queue: queue, MaxAttempts: 1, AvailableAt: now.Add(-time.Minute)})
	require.NoError(t, err)
	leased, err := store.Jobs.Lease(ctx, jobstore.LeaseRequest{Queue: queue, Owner: "crashed", Limit: 1, Now: now, LeaseFor: time.Second})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	reclaimed, err := store.Jobs.ReclaimExpired(ctx, []string{queue}, now.Add(2*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, jobstore.StatePending, reclaimed[0].State)
	require.Equal(t, 1, reclaimed[0].Attempts)

	leased, err = store.Jobs.Lease(ctx, jobstore.LeaseRequest{Queue: queue, Owner: "crashed-again", Limit: 1, Now: now.Add(3 * time.Second), LeaseFor: time.Second})
	require.NoError(t, err)
	require.Len(t, leased, 1)

	reclaimed, err = store.Jobs.ReclaimExpired(ctx, []string{queue}, now.Add(5*time.Second), 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, jobstore.StateDead, reclaimed[0].State)
	require.NotNil(t, reclaimed[0].FinishedAt)
}

func TestTokenPoolNeverExceedsCapacity(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	scope := uniqueName("tokens")
	require.NoError(t, store.Tokens.EnsurePool(ctx, scope, 3))

	var (
		mu     sync.Mutex
		grants []jobstore.Grant
		errs   []error
		wg     sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := store.Tokens.Acquire(ctx, scope, fmt.Sprintf("w%d", i), 1, time.Now().Add(time.Minute))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			grants = append(grants, got...)
		}(i)
	}
	wg.Wait()
	require.Empty(t, errs)
	require.Len(t, grants, 3)

	pool, err := store.Tokens.Pool(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 3, pool.Outstanding)

	released, err := store.Tokens.Release(ctx, grants[0].Owner, []int64{grants[0].ID})
	require.NoError(t, err)
	require.EqualValues(t, 1, released)
	released, err = store.Tokens.Release(ctx, grants[0].Owner, []int64{grants[0].ID})
	require.NoError(t, err)
	require.EqualValues(t, 0, released, "a grant is returned at most once")

	reclaimed, err := store.Tokens.ReclaimExpired(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.GreaterOrEqual(t, reclaimed, int64(2))

	pool, err = store.Tokens.Pool(ctx, scope)
	require.NoError(t, err)
	require.Equal(t, 0, pool.Outstanding)
}

func TestScheduleMaterializeAndEnqueueOnce(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	queue := uniqueName("sched")
	due := time.Now().Add(-time.Minute).Truncate(time.Second)

	def, err := store.Schedules.Upsert(ctx, schedulestore.Definition{
		Queue:           queue,
		Scope:           "ws-1",
		Interval:        time.Minute,
		PayloadTemplate: json.RawMessage(`{"kind":"digest"}`),
		NextDueAt:       due,
	})
	require.NoError(t, err)

	ticks := []schedulestore.NewTick{{DueAt: due, ExpiresAt: due.Add(time.Hour)}}
	inserted, advanced, err := store.Schedules.Materialize(ctx, def.ID, def.NextDueAt, ticks, due.Add(time.Minute))
	require.NoError(t, err)
	require.True(t, advanced)
	require.Equal(t, 1, inserted)

	inserted, advanced, err = store.Schedules.Materialize(ctx, def.ID, def.NextDueAt, ticks, due.Add(time.Minute))
	require.NoError(t, err)
	require.False(t, advanced, "stale expected next due must lose the race")
	require.Zero(t, inserted, "stale expected next due must not materialize twice")

	processed, err := store.Schedules.EnqueueDue(ctx, schedulestore.EnqueueRequest{Now: time.Now(), Horizon: time.Now(), Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	var jobID *int64
	for _, tick := range processed {
		if tick.ScheduleID == def.ID {
			jobID = tick.JobID
			require.Equal(t, schedulestore.TickProcessed, tick.Status)
		}
	}
	require.NotNil(t, jobID)

	job, err := store.Jobs.Get(ctx, *jobID)
	require.NoError(t, err)
	require.Equal(t, queue, job.Queue)
	require.True(t, job.AvailableAt.Equal(due))
	require.Equal(t, fmt.Sprintf("schedule:%d:%d", def.ID, due.Unix()), job.DedupeKey)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "digest", payload["kind"])
	require.Equal(t, "ws-1", payload["scope"])

	again, err := store.Schedules.EnqueueDue(ctx, schedulestore.EnqueueRequest{Now: time.Now(), Horizon: time.Now(), Limit: 10, MaxAttempts: 3})
	require.NoError(t, err)
	for _, tick := range again {
		require.NotEqual(t, def.ID, tick.ScheduleID)
	}
}

func TestProjectionsAreIdempotent(t *testing.T) {
	store := requireDB(t)
	ctx := context.Background()
	workspace := uniqueName("ws")

	recorded, err := store.Usage.RecordEmoji(ctx, projectionstore.EmojiUse{WorkspaceID: workspace, Emoji: "🚀", EventID: 10})
	require.NoError(t, err)
	require.True(t, recorded)
	recorded, err = store.Usage.RecordEmoji(ctx, projectionstore.EmojiUse{WorkspaceID: workspace, Emoji: "🚀", EventID: 10})
	require.NoError(t, err)
	require.False(t, recorded)

	top, err := store.Usage.TopEmoji(ctx, workspace, 5)
	require.NoError(t, err)
	require.Len(t, top, 1)
	require.EqualValues(t, 1, top[0].Count)

	attachment := uniqueName("att")
	require.NoError(t, store.Attachments.Begin(ctx, attachment, 2))
	remaining, err := store.Attachments.MarkPageDone(ctx, attachment, 1)
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	remaining, err = store.Attachments.MarkPageDone(ctx, attachment, 1)
	require.NoError(t, err)
	require.Equal(t, 1, remaining, "repeated page must not count twice")
	remaining, err = store.Attachments.MarkPageDone(ctx, attachment, 2)
	require.NoError(t, err)
	require.Zero(t, remaining)

	require.NoError(t, store.Attachments.MarkCompleted(ctx, attachment))
	require.NoError(t, store.Attachments.MarkFailed(ctx, attachment, "late failure"))
	got, err := store.Attachments.Get(ctx, attachment)
	require.NoError(t, err)
	require.Equal(t, projectionstore.AttachmentCompleted, got.Status)
}
