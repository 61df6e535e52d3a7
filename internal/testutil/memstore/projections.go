package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/relay/internal/domain/projectionstore"
)

type usageKey struct {
	workspace string
	emoji     string
}

type usageRow struct {
	count       int64
	lastEventID int64
}

// Usage implements projectionstore.UsageStore.
type Usage struct {
	mu   sync.Mutex
	rows map[usageKey]*usageRow
}

// NewUsage returns an empty projection.
func NewUsage() *Usage {
	return &Usage{rows: make(map[usageKey]*usageRow)}
}

// RecordEmoji applies use once per event id.
func (u *Usage) RecordEmoji(_ context.Context, use projectionstore.EmojiUse) (bool, error) {
	if use.WorkspaceID == "" || use.Emoji == "" {
		return false, fmt.Errorf("memstore: workspace and emoji required")
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	key := usageKey{workspace: use.WorkspaceID, emoji: use.Emoji}
	row, ok := u.rows[key]
	if !ok {
		u.rows[key] = &usageRow{count: 1, lastEventID: use.EventID}
		return true, nil
	}
	if row.lastEventID >= use.EventID {
		return false, nil
	}
	row.count++
	row.lastEventID = use.EventID
	return true, nil
}

// TopEmoji lists usage by count.
func (u *Usage) TopEmoji(_ context.Context, workspaceID string, limit int) ([]projectionstore.EmojiCount, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	var out []projectionstore.EmojiCount
	for key, row := range u.rows {
		if key.workspace == workspaceID {
			out = append(out, projectionstore.EmojiCount{WorkspaceID: key.workspace, Emoji: key.emoji, Count: row.count})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count == out[j].Count {
			return out[i].Emoji < out[j].Emoji
		}
		return out[i].Count > out[j].Count
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Attachments implements projectionstore.AttachmentStore.
type Attachments struct {
	mu    sync.Mutex
	rows  map[string]*projectionstore.Attachment
	pages map[string]map[int]struct{}
}

// NewAttachments returns an empty tracker.
func NewAttachments() *Attachments {
	return &Attachments{rows: make(map[string]*projectionstore.Attachment), pages: make(map[string]map[int]struct{})}
}

// Begin marks the attachment processing.
func (a *Attachments) Begin(_ context.Context, id string, totalPages int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	if !ok {
		a.rows[id] = &projectionstore.Attachment{ID: id, Status: projectionstore.AttachmentProcessing, TotalPages: totalPages}
		a.pages[id] = make(map[int]struct{})
		return nil
	}
	if row.Status == projectionstore.AttachmentPending || row.Status == projectionstore.AttachmentProcessing {
		row.Status = projectionstore.AttachmentProcessing
		row.TotalPages = totalPages
	}
	return nil
}

// MarkPageDone records a page once.
func (a *Attachments) MarkPageDone(_ context.Context, id string, page int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	if !ok {
		return 0, projectionstore.ErrAttachmentNotFound
	}
	if _, done := a.pages[id][page]; !done {
		a.pages[id][page] = struct{}{}
		row.CompletedPages++
	}
	remaining := row.TotalPages - row.CompletedPages
	if remaining < 0 {
		remaining = 0
	}
	return remaining, nil
}

// MarkCompleted finalises unless failed.
func (a *Attachments) MarkCompleted(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if row, ok := a.rows[id]; ok && row.Status != projectionstore.AttachmentFailed {
		row.Status = projectionstore.AttachmentCompleted
		row.LastError = ""
	}
	return nil
}

// MarkFailed flips to failed unless completed.
func (a *Attachments) MarkFailed(_ context.Context, id string, reason string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	if !ok {
		a.rows[id] = &projectionstore.Attachment{ID: id, Status: projectionstore.AttachmentFailed, LastError: reason}
		a.pages[id] = make(map[int]struct{})
		return nil
	}
	if row.Status != projectionstore.AttachmentCompleted {
		row.Status = projectionstore.AttachmentFailed
		row.LastError = reason
	}
	return nil
}

// Get returns the attachment state.
func (a *Attachments) Get(_ context.Context, id string) (projectionstore.Attachment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	row, ok := a.rows[id]
	if !ok {
		return projectionstore.Attachment{}, projectionstore.ErrAttachmentNotFound
	}
	return *row, nil
}

var (
	_ projectionstore.UsageStore      = (*Usage)(nil)
	_ projectionstore.AttachmentStore = (*Attachments)(nil)
)
