// Package attachments runs the chained jobs that process an uploaded attachment:
// prepare, one job per page, then assemble.
package attachments

import (
	"context"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/app/queue"
	"github.com/coachpo/relay/internal/domain/jobs"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
)

// Processor performs the attachment work itself.
type Processor interface {
	// Inspect returns the number of pages to process.
	Inspect(ctx context.Context, job jobs.AttachmentPrepare) (int, error)
	ProcessPage(ctx context.Context, job jobs.AttachmentPage) error
	Assemble(ctx context.Context, attachmentID string) error
}

// PassthroughProcessor trusts the page count carried by the prepare job.
type PassthroughProcessor struct{}

// Inspect returns the declared page count, or one page when none is declared.
func (PassthroughProcessor) Inspect(_ context.Context, job jobs.AttachmentPrepare) (int, error) {
	if job.PageCount > 0 {
		return job.PageCount, nil
	}
	return 1, nil
}

func (PassthroughProcessor) ProcessPage(context.Context, jobs.AttachmentPage) error { return nil }

func (PassthroughProcessor) Assemble(context.Context, string) error { return nil }

// Enqueuer inserts follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, payload jobs.Payload, opts ...queue.SendOption) (jobstore.Job, error)
}

// Pipeline wires the attachment queues to a processor and the processing tracker.
type Pipeline struct {
	store     projectionstore.AttachmentStore
	processor Processor
	enqueuer  Enqueuer
	logger    *zap.Logger
}

// NewPipeline builds a pipeline. A nil processor defaults to PassthroughProcessor.
func NewPipeline(store projectionstore.AttachmentStore, processor Processor, enqueuer Enqueuer, logger *zap.Logger) *Pipeline {
	if processor == nil {
		processor = PassthroughProcessor{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{store: store, processor: processor, enqueuer: enqueuer, logger: logger.Named("attachments")}
}

// Register installs the three stage handlers on m. Every stage marks the attachment
// failed when its job is dead-lettered.
func (p *Pipeline) Register(m *queue.Manager, opts ...queue.QueueOption) error {
	opts = append(opts, queue.WithDLQ(p.OnDeadLetter))
	if err := queue.Handle(m, p.Prepare, opts...); err != nil {
		return err
	}
	if err := queue.Handle(m, p.Page, opts...); err != nil {
		return err
	}
	return queue.Handle(m, p.Assemble, opts...)
}

// Prepare inspects the attachment and fans out one page job per page.
func (p *Pipeline) Prepare(ctx context.Context, job jobs.AttachmentPrepare, _ jobstore.Job) error {
	pages, err := p.processor.Inspect(ctx, job)
	if err != nil {
		return err
	}
	if pages < 1 {
		return backoff.Permanent(fmt.Errorf("attachments: %s has no pages", job.AttachmentID))
	}
	if err := p.store.Begin(ctx, job.AttachmentID, pages); err != nil {
		return fmt.Errorf("attachments: begin %s: %w", job.AttachmentID, err)
	}
	for page := 1; page <= pages; page++ {
		_, err := p.enqueuer.Enqueue(ctx, jobs.AttachmentPage{
			AttachmentID: job.AttachmentID,
			StorageKey:   job.StorageKey,
			Page:         page,
		}, queue.WithDedupeKey(pageKey(job.AttachmentID, page)))
		if err != nil {
			return fmt.Errorf("attachments: enqueue page %d of %s: %w", page, job.AttachmentID, err)
		}
	}
	p.logger.Debug("attachment prepared", zap.String("attachment_id", job.AttachmentID), zap.Int("pages", pages))
	return nil
}

// Page processes one page and enqueues assembly once no page is outstanding.
func (p *Pipeline) Page(ctx context.Context, job jobs.AttachmentPage, _ jobstore.Job) error {
	if err := p.processor.ProcessPage(ctx, job); err != nil {
		return err
	}
	remaining, err := p.store.MarkPageDone(ctx, job.AttachmentID, job.Page)
	if err != nil {
		return fmt.Errorf("attachments: mark page %d of %s: %w", job.Page, job.AttachmentID, err)
	}
	if remaining > 0 {
		return nil
	}
	_, err = p.enqueuer.Enqueue(ctx, jobs.AttachmentAssemble{AttachmentID: job.AttachmentID},
		queue.WithDedupeKey(assembleKey(job.AttachmentID)))
	if err != nil {
		return fmt.Errorf("attachments: enqueue assemble of %s: %w", job.AttachmentID, err)
	}
	return nil
}

// Assemble finalises the attachment.
func (p *Pipeline) Assemble(ctx context.Context, job jobs.AttachmentAssemble, _ jobstore.Job) error {
	if err := p.processor.Assemble(ctx, job.AttachmentID); err != nil {
		return err
	}
	if err := p.store.MarkCompleted(ctx, job.AttachmentID); err != nil {
		return fmt.Errorf("attachments: complete %s: %w", job.AttachmentID, err)
	}
	p.logger.Info("attachment processed", zap.String("attachment_id", job.AttachmentID))
	return nil
}

// OnDeadLetter marks the attachment of a dead or failed job as failed.
func (p *Pipeline) OnDeadLetter(ctx context.Context, job jobstore.Job, cause error) {
	var ref struct {
		AttachmentID string `json:"attachmentId"`
	}
	if err := json.Unmarshal(job.Payload, &ref); err != nil || ref.AttachmentID == "" {
		p.logger.Warn("dead-lettered attachment job without attachment id", zap.Int64("job_id", job.ID), zap.String("queue", job.Queue))
		return
	}
	reason := job.LastError
	if cause != nil {
		reason = cause.Error()
	}
	if err := p.store.MarkFailed(ctx, ref.AttachmentID, reason); err != nil {
		p.logger.Error("mark attachment failed", zap.String("attachment_id", ref.AttachmentID), zap.Error(err))
		return
	}
	p.logger.Warn("attachment failed",
		zap.String("attachment_id", ref.AttachmentID),
		zap.String("queue", job.Queue),
		zap.Int("attempts", job.Attempts),
		zap.String("reason", reason))
}

func pageKey(attachmentID string, page int) string {
	return fmt.Sprintf("attachment:%s:page:%d", attachmentID, page)
}

func assembleKey(attachmentID string) string {
	return "attachment:" + attachmentID + ":assemble"
}
