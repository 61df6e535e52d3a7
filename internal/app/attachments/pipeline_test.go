package attachments

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/relay/internal/app/queue"
	"github.com/coachpo/relay/internal/domain/jobs"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
	"github.com/coachpo/relay/internal/testutil/memstore"
)

type stubProcessor struct {
	PassthroughProcessor
	pages    int
	pageErr  func(page int) error
	inspectE error
}

func (s stubProcessor) Inspect(ctx context.Context, job jobs.AttachmentPrepare) (int, error) {
	if s.inspectE != nil {
		return 0, s.inspectE
	}
	if s.pages != 0 {
		return s.pages, nil
	}
	return s.PassthroughProcessor.Inspect(ctx, job)
}

func (s stubProcessor) ProcessPage(_ context.Context, job jobs.AttachmentPage) error {
	if s.pageErr != nil {
		return s.pageErr(job.Page)
	}
	return nil
}

func startPipeline(t *testing.T, processor Processor) (*queue.Manager, *memstore.Jobs, *memstore.Attachments) {
	t.Helper()
	store := memstore.NewJobs()
	tracker := memstore.NewAttachments()
	m := queue.NewManager(store, memstore.NewTokens(), queue.Config{
		PollInterval:   10 * time.Millisecond,
		RefillDebounce: time.Millisecond,
		RetryInitial:   time.Millisecond,
		RetryMax:       5 * time.Millisecond,
	})
	require.NoError(t, NewPipeline(tracker, processor, m, nil).Register(m))
	require.NoError(t, m.Start(context.Background()))
	t.Cleanup(func() { _ = m.Stop(context.Background()) })
	return m, store, tracker
}

func TestPipelineProcessesEveryPageThenAssembles(t *testing.T) {
	ctx := context.Background()
	m, store, tracker := startPipeline(t, nil)

	_, err := m.Enqueue(ctx, jobs.AttachmentPrepare{WorkspaceID: "ws_1", AttachmentID: "att_1", StorageKey: "s3://bucket/att_1", PageCount: 3})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		att, err := tracker.Get(ctx, "att_1")
		return err == nil && att.Status == projectionstore.AttachmentCompleted
	}, 3*time.Second, 10*time.Millisecond)

	att, err := tracker.Get(ctx, "att_1")
	require.NoError(t, err)
	require.Equal(t, 3, att.TotalPages)
	require.Equal(t, 3, att.CompletedPages)
	require.Len(t, store.ByQueue(jobs.QueueAttachmentPage), 3)
	require.Len(t, store.ByQueue(jobs.QueueAttachmentAssemble), 1)
}

func TestPermanentPageFailureMarksAttachmentFailed(t *testing.T) {
	ctx := context.Background()
	m, store, tracker := startPipeline(t, stubProcessor{pages: 2, pageErr: func(page int) error {
		if page == 2 {
			return backoff.Permanent(errors.New("corrupt page"))
		}
		return nil
	}})

	_, err := m.Enqueue(ctx, jobs.AttachmentPrepare{AttachmentID: "att_2", StorageKey: "k"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		att, err := tracker.Get(ctx, "att_2")
		return err == nil && att.Status == projectionstore.AttachmentFailed
	}, 3*time.Second, 10*time.Millisecond)

	att, err := tracker.Get(ctx, "att_2")
	require.NoError(t, err)
	require.Contains(t, att.LastError, "corrupt page")
	require.Empty(t, store.ByQueue(jobs.QueueAttachmentAssemble))
}

func TestExhaustedRetriesMarkAttachmentFailed(t *testing.T) {
	ctx := context.Background()
	m, _, tracker := startPipeline(t, stubProcessor{inspectE: errors.New("storage unavailable")})

	_, err := m.Enqueue(ctx, jobs.AttachmentPrepare{AttachmentID: "att_3", StorageKey: "k"}, queue.WithMaxAttempts(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		att, err := tracker.Get(ctx, "att_3")
		return err == nil && att.Status == projectionstore.AttachmentFailed
	}, 3*time.Second, 10*time.Millisecond)
}

// idleManager enqueues into store without running any worker.
func idleManager(store *memstore.Jobs) *queue.Manager {
	return queue.NewManager(store, memstore.NewTokens(), queue.Config{})
}

func TestRedeliveredPageEnqueuesAssembleOnce(t *testing.T) {
	ctx := context.Background()
	store := memstore.NewJobs()
	tracker := memstore.NewAttachments()
	p := NewPipeline(tracker, nil, idleManager(store), nil)

	require.NoError(t, p.Prepare(ctx, jobs.AttachmentPrepare{AttachmentID: "att_4", StorageKey: "k", PageCount: 1}, jobstore.Job{}))
	require.NoError(t, p.Prepare(ctx, jobs.AttachmentPrepare{AttachmentID: "att_4", StorageKey: "k", PageCount: 1}, jobstore.Job{}))
	require.Len(t, store.ByQueue(jobs.QueueAttachmentPage), 1)

	page := jobs.AttachmentPage{AttachmentID: "att_4", StorageKey: "k", Page: 1}
	require.NoError(t, p.Page(ctx, page, jobstore.Job{}))
	require.NoError(t, p.Page(ctx, page, jobstore.Job{}))
	require.Len(t, store.ByQueue(jobs.QueueAttachmentAssemble), 1)

	att, err := tracker.Get(ctx, "att_4")
	require.NoError(t, err)
	require.Equal(t, 1, att.CompletedPages)
}

func TestPrepareWithoutPagesIsPermanent(t *testing.T) {
	p := NewPipeline(memstore.NewAttachments(), stubProcessor{pages: -1}, idleManager(memstore.NewJobs()), nil)
	err := p.Prepare(context.Background(), jobs.AttachmentPrepare{AttachmentID: "att_5", StorageKey: "k"}, jobstore.Job{})
	require.Error(t, err)
	require.True(t, queue.IsPermanent(err))
}

func TestDeadLetterWithoutAttachmentIDIsIgnored(t *testing.T) {
	tracker := memstore.NewAttachments()
	p := NewPipeline(tracker, nil, idleManager(memstore.NewJobs()), nil)
	p.OnDeadLetter(context.Background(), jobstore.Job{ID: 9, Queue: jobs.QueueAttachmentPage, Payload: json.RawMessage(`{}`)}, errors.New("boom"))

	_, err := tracker.Get(context.Background(), "")
	require.ErrorIs(t, err, projectionstore.ErrAttachmentNotFound)
}

func TestCompletedAttachmentIsNotFailedByLateDeadLetter(t *testing.T) {
	ctx := context.Background()
	tracker := memstore.NewAttachments()
	require.NoError(t, tracker.Begin(ctx, "att_6", 1))
	require.NoError(t, tracker.MarkCompleted(ctx, "att_6"))

	p := NewPipeline(tracker, nil, idleManager(memstore.NewJobs()), nil)
	p.OnDeadLetter(ctx, jobstore.Job{Queue: jobs.QueueAttachmentAssemble, Payload: json.RawMessage(`{"attachmentId":"att_6"}`)}, errors.New("late"))

	att, err := tracker.Get(ctx, "att_6")
	require.NoError(t, err)
	require.Equal(t, projectionstore.AttachmentCompleted, att.Status)
}
