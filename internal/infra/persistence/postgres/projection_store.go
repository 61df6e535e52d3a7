package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/relay/internal/domain/projectionstore"
)

// UsageStore maintains the emoji usage projection.
type UsageStore struct {
	pool *pgxpool.Pool
}

// NewUsageStore constructs a UsageStore backed by the provided pool.
func NewUsageStore(pool *pgxpool.Pool) *UsageStore {
	return &UsageStore{pool: pool}
}

const (
	usageRecordSQL = `
INSERT INTO emoji_usage (workspace_id, emoji, use_count, last_event_id)
VALUES ($1, $2, 1, $3)
ON CONFLICT (workspace_id, emoji) DO UPDATE
SET use_count = emoji_usage.use_count + 1,
    last_event_id = EXCLUDED.last_event_id,
    updated_at = NOW()
WHERE emoji_usage.last_event_id < EXCLUDED.last_event_id;
`

	usageTopSQL = `
SELECT workspace_id, emoji, use_count
FROM emoji_usage
WHERE workspace_id = $1
ORDER BY use_count DESC, emoji ASC
LIMIT $2;
`
)

// RecordEmoji counts one use unless an event at or beyond use.EventID was already applied.
func (s *UsageStore) RecordEmoji(ctx context.Context, use projectionstore.EmojiUse) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("usage store: nil pool")
	}
	workspace := strings.TrimSpace(use.WorkspaceID)
	emoji := strings.TrimSpace(use.Emoji)
	if workspace == "" || emoji == "" {
		return false, fmt.Errorf("usage store: workspace and emoji required")
	}
	tag, err := s.pool.Exec(ctx, usageRecordSQL, workspace, emoji, use.EventID)
	if err != nil {
		return false, fmt.Errorf("usage store: record emoji: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// TopEmoji lists the most used emoji of a workspace.
func (s *UsageStore) TopEmoji(ctx context.Context, workspaceID string, limit int) ([]projectionstore.EmojiCount, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("usage store: nil pool")
	}
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, usageTopSQL, strings.TrimSpace(workspaceID), limit)
	if err != nil {
		return nil, fmt.Errorf("usage store: top emoji: %w", err)
	}
	defer rows.Close()

	var out []projectionstore.EmojiCount
	for rows.Next() {
		var count projectionstore.EmojiCount
		if err := rows.Scan(&count.WorkspaceID, &count.Emoji, &count.Count); err != nil {
			return nil, fmt.Errorf("usage store: scan emoji: %w", err)
		}
		out = append(out, count)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("usage store: iterate emoji: %w", err)
	}
	return out, nil
}

// AttachmentStore tracks attachment processing status.
type AttachmentStore struct {
	pool *pgxpool.Pool
}

// NewAttachmentStore constructs an AttachmentStore backed by the provided pool.
func NewAttachmentStore(pool *pgxpool.Pool) *AttachmentStore {
	return &AttachmentStore{pool: pool}
}

const (
	attachmentBeginSQL = `
INSERT INTO attachment_processing (attachment_id, status, total_pages)
VALUES ($1, 'processing', $2)
ON CONFLICT (attachment_id) DO UPDATE
SET status = 'processing',
    total_pages = EXCLUDED.total_pages,
    updated_at = NOW()
WHERE attachment_processing.status IN ('pending', 'processing');
`

	attachmentPageDoneSQL = `
WITH page AS (
    INSERT INTO attachment_pages (attachment_id, page)
    VALUES ($1, $2)
    ON CONFLICT (attachment_id, page) DO NOTHING
    RETURNING attachment_id
)
UPDATE attachment_processing AS a
SET completed_pages = a.completed_pages + (SELECT COUNT(*) FROM page),
    updated_at = NOW()
WHERE a.attachment_id = $1
RETURNING GREATEST(a.total_pages - a.completed_pages, 0);
`

	attachmentCompleteSQL = `
UPDATE attachment_processing
SET status = 'completed',
    last_error = NULL,
    updated_at = NOW()
WHERE attachment_id = $1
  AND status IN ('pending', 'processing');
`

	attachmentFailSQL = `
INSERT INTO attachment_processing (attachment_id, status, last_error)
VALUES ($1, 'failed', $2)
ON CONFLICT (attachment_id) DO UPDATE
SET status = 'failed',
    last_error = EXCLUDED.last_error,
    updated_at = NOW()
WHERE attachment_processing.status <> 'completed';
`

	attachmentGetSQL = `
SELECT attachment_id, status, total_pages, completed_pages, last_error
FROM attachment_processing
WHERE attachment_id = $1;
`
)

// Begin marks the attachment processing with totalPages outstanding.
func (s *AttachmentStore) Begin(ctx context.Context, id string, totalPages int) error {
	if s.pool == nil {
		return fmt.Errorf("attachment store: nil pool")
	}
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("attachment store: attachment id required")
	}
	if _, err := s.pool.Exec(ctx, attachmentBeginSQL, strings.TrimSpace(id), totalPages); err != nil {
		return fmt.Errorf("attachment store: begin: %w", err)
	}
	return nil
}

// MarkPageDone records page once and returns the pages still outstanding.
func (s *AttachmentStore) MarkPageDone(ctx context.Context, id string, page int) (int, error) {
	if s.pool == nil {
		return 0, fmt.Errorf("attachment store: nil pool")
	}
	var remaining int
	if err := s.pool.QueryRow(ctx, attachmentPageDoneSQL, strings.TrimSpace(id), page).Scan(&remaining); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, projectionstore.ErrAttachmentNotFound
		}
		return 0, fmt.Errorf("attachment store: mark page done: %w", err)
	}
	return remaining, nil
}

// MarkCompleted finalises the attachment unless it already failed.
func (s *AttachmentStore) MarkCompleted(ctx context.Context, id string) error {
	if s.pool == nil {
		return fmt.Errorf("attachment store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, attachmentCompleteSQL, strings.TrimSpace(id)); err != nil {
		return fmt.Errorf("attachment store: mark completed: %w", err)
	}
	return nil
}

// MarkFailed flips the attachment to failed unless it already completed.
func (s *AttachmentStore) MarkFailed(ctx context.Context, id string, reason string) error {
	if s.pool == nil {
		return fmt.Errorf("attachment store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, attachmentFailSQL, strings.TrimSpace(id), strings.TrimSpace(reason)); err != nil {
		return fmt.Errorf("attachment store: mark failed: %w", err)
	}
	return nil
}

// Get returns the processing state of an attachment.
func (s *AttachmentStore) Get(ctx context.Context, id string) (projectionstore.Attachment, error) {
	if s.pool == nil {
		return projectionstore.Attachment{}, fmt.Errorf("attachment store: nil pool")
	}
	var (
		out       projectionstore.Attachment
		status    string
		lastError pgtype.Text
	)
	err := s.pool.QueryRow(ctx, attachmentGetSQL, strings.TrimSpace(id)).Scan(&out.ID, &status, &out.TotalPages, &out.CompletedPages, &lastError)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return projectionstore.Attachment{}, projectionstore.ErrAttachmentNotFound
		}
		return projectionstore.Attachment{}, fmt.Errorf("attachment store: get: %w", err)
	}
	out.Status = projectionstore.AttachmentStatus(status)
	out.LastError = lastError.String
	return out, nil
}

var (
	_ projectionstore.UsageStore      = (*UsageStore)(nil)
	_ projectionstore.AttachmentStore = (*AttachmentStore)(nil)
)
