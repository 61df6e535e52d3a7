// Package projectionstore defines the read-model projections mutated directly by outbox
// handlers and job pipelines.
package projectionstore

import (
	"context"
	"errors"
)

// ErrAttachmentNotFound is returned when no processing row exists for an attachment.
var ErrAttachmentNotFound = errors.New("attachment processing not found")

// AttachmentStatus enumerates processing states of an uploaded attachment.
type AttachmentStatus string

const (
	AttachmentPending    AttachmentStatus = "pending"
	AttachmentProcessing AttachmentStatus = "processing"
	AttachmentCompleted  AttachmentStatus = "completed"
	AttachmentFailed     AttachmentStatus = "failed"
)

// EmojiUse is one emoji occurrence derived from an outbox event.
type EmojiUse struct {
	WorkspaceID string
	Emoji       string
	EventID     int64
}

// EmojiCount is the projected usage of an emoji within a workspace.
type EmojiCount struct {
	WorkspaceID string
	Emoji       string
	Count       int64
}

// UsageStore maintains emoji usage counters. RecordEmoji is idempotent per event id:
// an occurrence is only counted when EventID is newer than the last applied one.
type UsageStore interface {
	RecordEmoji(ctx context.Context, use EmojiUse) (bool, error)
	TopEmoji(ctx context.Context, workspaceID string, limit int) ([]EmojiCount, error)
}

// Attachment is the processing state of one attachment.
type Attachment struct {
	ID             string
	Status         AttachmentStatus
	TotalPages     int
	CompletedPages int
	LastError      string
}

// AttachmentStore tracks attachment processing. MarkFailed never overrides completed.
type AttachmentStore interface {
	Begin(ctx context.Context, id string, totalPages int) error
	// MarkPageDone records a page once and returns the number of pages still outstanding.
	MarkPageDone(ctx context.Context, id string, page int) (int, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
	Get(ctx context.Context, id string) (Attachment, error)
}
