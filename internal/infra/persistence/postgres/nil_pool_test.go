package postgres

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
	"github.com/coachpo/relay/internal/domain/schedulestore"
)

func TestOutboxStoresNilPool(t *testing.T) {
	ctx := context.Background()
	outbox := NewOutboxStore(nil)
	if _, err := outbox.Append(ctx, outboxstore.NewEvent{EventType: "message:created", Payload: json.RawMessage(`{}`)}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := outbox.ListAfter(ctx, 0, 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := outbox.Head(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := outbox.Prune(ctx, 10, time.Now(), 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := outbox.AppendTx(ctx, nil, outboxstore.NewEvent{EventType: "message:created"}); err == nil {
		t.Fatalf("expected error when querier nil")
	}

	cursors := NewCursorStore(nil)
	if _, err := cursors.EnsureCursor(ctx, "broadcast", 0, false); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if err := cursors.AdvanceCursor(ctx, "broadcast", 1, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, _, err := cursors.SlowestCursor(ctx); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestJobStoresNilPool(t *testing.T) {
	ctx := context.Background()
	jobs := NewJobStore(nil)
	if _, _, err := jobs.Insert(ctx, jobstore.NewJob{Queue: "memo.accumulate"}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := jobs.Lease(ctx, jobstore.LeaseRequest{Queue: "memo.accumulate", Owner: "w1", LeaseFor: time.Second}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := jobs.Complete(ctx, 1, "w1", time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := jobs.ReclaimExpired(ctx, []string{"memo.accumulate"}, time.Now(), 10); err == nil {
		t.Fatalf("expected error when pool nil")
	}

	tokens := NewTokenStore(nil)
	if err := tokens.EnsurePool(ctx, "jobs", 4); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := tokens.Acquire(ctx, "jobs", "w1", 1, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := tokens.ReclaimExpired(ctx, time.Now()); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestScheduleAndProjectionStoresNilPool(t *testing.T) {
	ctx := context.Background()
	schedules := NewScheduleStore(nil)
	if _, err := schedules.Upsert(ctx, schedulestore.Definition{Queue: "memo.accumulate", Interval: time.Minute, NextDueAt: time.Now()}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	if _, err := schedules.EnqueueDue(ctx, schedulestore.EnqueueRequest{Now: time.Now()}); err == nil {
		t.Fatalf("expected error when pool nil")
	}

	usage := NewUsageStore(nil)
	if _, err := usage.RecordEmoji(ctx, projectionstore.EmojiUse{WorkspaceID: "ws", Emoji: "🎉", EventID: 1}); err == nil {
		t.Fatalf("expected error when pool nil")
	}
	attachments := NewAttachmentStore(nil)
	if err := attachments.MarkFailed(ctx, "att-1", "boom"); err == nil {
		t.Fatalf("expected error when pool nil")
	}
}

func TestNormalizePayload(t *testing.T) {
	got, err := normalizePayload(nil)
	if err != nil || string(got) != "{}" {
		t.Fatalf("expected empty object, got %q (%v)", got, err)
	}
	if _, err := normalizePayload(json.RawMessage(`{"broken"`)); err == nil {
		t.Fatalf("expected invalid json error")
	}
}

func TestPrefixColumnsQualifiesEveryColumn(t *testing.T) {
	got := prefixColumns("j")
	if got[:5] != "j.id," {
		t.Fatalf("unexpected prefix output %q", got)
	}
}

func TestNewWiresEveryRepository(t *testing.T) {
	store := New(nil)
	if store.Pool() != nil {
		t.Fatalf("expected nil pool passthrough")
	}
	if store.Outbox == nil || store.Cursors == nil || store.Jobs == nil || store.Tokens == nil {
		t.Fatalf("expected queue and outbox repositories")
	}
	if store.Schedules == nil || store.Usage == nil || store.Attachments == nil {
		t.Fatalf("expected schedule and projection repositories")
	}
}
