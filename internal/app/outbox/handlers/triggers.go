package handlers

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/app/outbox"
	"github.com/coachpo/relay/internal/domain/events"
	"github.com/coachpo/relay/internal/domain/jobs"
	"github.com/coachpo/relay/internal/domain/jobstore"
	"github.com/coachpo/relay/internal/domain/outboxstore"
)

// BuildFunc maps an event to the job it triggers. ok=false means the event is ignored.
type BuildFunc func(evt outboxstore.Event) (payload jobs.Payload, ok bool, err error)

// Trigger turns matching events into exactly one job each.
type Trigger struct {
	Name       string
	EventTypes []events.Type
	Build      BuildFunc
}

// DedupeKey identifies the job a listener emits for an event, so redelivery is absorbed.
func DedupeKey(listener string, eventID int64) string {
	return fmt.Sprintf("%s:%d", listener, eventID)
}

// NewTrigger wraps t in a cursor handler that enqueues into deps.Jobs.
func NewTrigger(deps Deps, t Trigger) *outbox.CursorHandler {
	logger := deps.logger().With(zap.String("listener", t.Name))
	maxAttempts := deps.maxAttempts()
	apply := func(ctx context.Context, evt outboxstore.Event) error {
		payload, ok, err := t.Build(evt)
		if err != nil {
			// Malformed payloads are skipped.
			logger.Warn("skipping malformed event", zap.Int64("event_id", evt.ID), zap.String("event_type", evt.EventType), zap.Error(err))
			return nil
		}
		if !ok {
			return nil
		}
		raw, err := jobs.Encode(payload)
		if err != nil {
			logger.Warn("skipping invalid job payload", zap.Int64("event_id", evt.ID), zap.String("queue", payload.Queue()), zap.Error(err))
			return nil
		}
		job, created, err := deps.Jobs.Insert(ctx, jobstore.NewJob{
			Queue:       payload.Queue(),
			Payload:     raw,
			MaxAttempts: maxAttempts,
			DedupeKey:   DedupeKey(t.Name, evt.ID),
		})
		if err != nil {
			return fmt.Errorf("%s: enqueue %s: %w", t.Name, payload.Queue(), err)
		}
		if !created {
			logger.Debug("job already enqueued", zap.Int64("event_id", evt.ID), zap.Int64("job_id", job.ID))
		}
		return nil
	}
	types := make([]string, 0, len(t.EventTypes))
	for _, typ := range t.EventTypes {
		types = append(types, string(typ))
	}
	return outbox.NewCursorHandler(t.Name, deps.Events, deps.Cursors, apply, deps.options(outbox.WithEventTypes(types...))...)
}

// Triggers returns the job triggers of the chat core.
func Triggers() []Trigger {
	return []Trigger{
		{Name: NameCompanionTrigger, EventTypes: []events.Type{events.MessageCreated}, Build: buildCompanion},
		{Name: NameNaming, EventTypes: []events.Type{events.MessageCreated}, Build: buildNaming},
		{Name: NameEmbedding, EventTypes: []events.Type{events.MessageCreated, events.MessageEdited}, Build: buildEmbedding},
		{Name: NameBoundaryExtraction, EventTypes: []events.Type{events.MessageCreated}, Build: buildBoundary},
		{Name: NameMemoAccumulation, EventTypes: []events.Type{events.MessageCreated}, Build: buildMemo},
		{Name: NameCommandDispatch, EventTypes: []events.Type{events.CommandDispatched}, Build: buildCommand},
		{Name: NameMentionInvoke, EventTypes: []events.Type{events.MessageCreated}, Build: buildMention},
		{Name: NameAttachmentUploaded, EventTypes: []events.Type{events.AttachmentUploaded}, Build: buildAttachment},
	}
}

func buildCompanion(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	if msg.AuthorType != events.AuthorUser || !msg.CompanionEnabled {
		return nil, false, nil
	}
	return jobs.CompanionRespond{WorkspaceID: msg.WorkspaceID, StreamID: msg.StreamID, MessageID: msg.MessageID, EventID: evt.ID}, true, nil
}

func buildNaming(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	if msg.StreamNamed {
		return nil, false, nil
	}
	return jobs.StreamNaming{WorkspaceID: msg.WorkspaceID, StreamID: msg.StreamID, MessageID: msg.MessageID}, true, nil
}

func buildEmbedding(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	return jobs.MessageEmbed{
		WorkspaceID: msg.WorkspaceID,
		MessageID:   msg.MessageID,
		Edited:      evt.EventType == string(events.MessageEdited),
	}, true, nil
}

func buildBoundary(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	return jobs.BoundaryExtract{WorkspaceID: msg.WorkspaceID, StreamID: msg.StreamID, MessageID: msg.MessageID}, true, nil
}

func buildMemo(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	return jobs.MemoAccumulate{WorkspaceID: msg.WorkspaceID, StreamID: msg.StreamID, MessageID: msg.MessageID}, true, nil
}

func buildCommand(evt outboxstore.Event) (jobs.Payload, bool, error) {
	cmd, err := events.Decode[events.Command](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	return jobs.CommandExecute{
		WorkspaceID: cmd.WorkspaceID,
		StreamID:    cmd.StreamID,
		CommandID:   cmd.CommandID,
		Name:        cmd.Name,
		Args:        cmd.Args,
	}, true, nil
}

func buildMention(evt outboxstore.Event) (jobs.Payload, bool, error) {
	msg, err := events.Decode[events.Message](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	if len(msg.Mentions) == 0 {
		return nil, false, nil
	}
	return jobs.PersonaMention{WorkspaceID: msg.WorkspaceID, StreamID: msg.StreamID, MessageID: msg.MessageID, PersonaIDs: msg.Mentions}, true, nil
}

func buildAttachment(evt outboxstore.Event) (jobs.Payload, bool, error) {
	att, err := events.Decode[events.Attachment](evt.Payload)
	if err != nil {
		return nil, false, err
	}
	return jobs.AttachmentPrepare{
		WorkspaceID:  att.WorkspaceID,
		AttachmentID: att.AttachmentID,
		MimeType:     att.MimeType,
		StorageKey:   att.StorageKey,
		PageCount:    att.PageCount,
	}, true, nil
}
