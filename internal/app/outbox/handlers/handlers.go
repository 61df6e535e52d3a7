// Package handlers defines the outbox listeners of the chat core: the realtime broadcast,
// the job triggers and the emoji usage projection.
package handlers

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/app/outbox"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
)

// Listener names. Each one owns a cursor row.
const (
	NameBroadcast          = "broadcast"
	NameCompanionTrigger   = "companion-trigger"
	NameNaming             = "naming"
	NameEmbedding          = "embedding"
	NameBoundaryExtraction = "boundary-extraction"
	NameMemoAccumulation   = "memo-accumulation"
	NameCommandDispatch    = "command-dispatch"
	NameMentionInvoke      = "mention-invoke"
	NameAttachmentUploaded = "attachment-uploaded"
	NameEmojiUsage         = "emoji-usage"
)

const defaultMaxAttempts = 3

// Broadcaster pushes an encoded message to every subscriber of topic.
type Broadcaster interface {
	Broadcast(ctx context.Context, topic string, payload []byte) error
}

// JobSink receives the jobs emitted by trigger handlers. jobstore.Store satisfies it.
type JobSink interface {
	Insert(ctx context.Context, job jobstore.NewJob) (jobstore.Job, bool, error)
}

// Deps carries the collaborators shared by every handler.
type Deps struct {
	Events      outboxstore.Store
	Cursors     outboxstore.CursorStore
	Jobs        JobSink
	Usage       projectionstore.UsageStore
	Broadcaster Broadcaster
	Logger      *zap.Logger

	BatchSize   int
	MaxAttempts int
	// InstanceID, when set, gives the broadcast handler an ephemeral cursor per replica
	// that starts at the head of the outbox.
	InstanceID string
}

func (d Deps) logger() *zap.Logger {
	if d.Logger == nil {
		return zap.NewNop()
	}
	return d.Logger
}

func (d Deps) maxAttempts() int {
	if d.MaxAttempts > 0 {
		return d.MaxAttempts
	}
	return defaultMaxAttempts
}

func (d Deps) options(extra ...outbox.HandlerOption) []outbox.HandlerOption {
	opts := []outbox.HandlerOption{outbox.WithHandlerLogger(d.logger())}
	if d.BatchSize > 0 {
		opts = append(opts, outbox.WithBatchSize(d.BatchSize))
	}
	return append(opts, extra...)
}

// All returns every listener in registration order. Broadcast and emoji usage are skipped
// when their collaborator is missing.
func All(deps Deps) []outbox.Handler {
	var out []outbox.Handler
	if deps.Broadcaster != nil {
		out = append(out, NewBroadcast(deps))
	}
	for _, trigger := range Triggers() {
		out = append(out, NewTrigger(deps, trigger))
	}
	if deps.Usage != nil {
		out = append(out, NewEmojiUsage(deps))
	}
	return out
}

func broadcastName(instanceID string) string {
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return NameBroadcast
	}
	return NameBroadcast + ":" + instanceID
}
