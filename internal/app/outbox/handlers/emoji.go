package handlers

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/app/outbox"
	"github.com/coachpo/relay/internal/domain/events"
	"github.com/coachpo/relay/internal/domain/outboxstore"
	"github.com/coachpo/relay/internal/domain/projectionstore"
)

// NewEmojiUsage counts emoji occurrences per workspace from reactions and message bodies.
func NewEmojiUsage(deps Deps) *outbox.CursorHandler {
	logger := deps.logger().With(zap.String("listener", NameEmojiUsage))
	apply := func(ctx context.Context, evt outboxstore.Event) error {
		workspace, emojis, err := emojisOf(evt)
		if err != nil {
			logger.Warn("skipping malformed event", zap.Int64("event_id", evt.ID), zap.Error(err))
			return nil
		}
		seen := make(map[string]struct{}, len(emojis))
		for _, emoji := range emojis {
			emoji = strings.TrimSpace(emoji)
			if emoji == "" {
				continue
			}
			if _, dup := seen[emoji]; dup {
				continue
			}
			seen[emoji] = struct{}{}
			if _, err := deps.Usage.RecordEmoji(ctx, projectionstore.EmojiUse{WorkspaceID: workspace, Emoji: emoji, EventID: evt.ID}); err != nil {
				return fmt.Errorf("emoji usage: record %s: %w", emoji, err)
			}
		}
		return nil
	}
	return outbox.NewCursorHandler(NameEmojiUsage, deps.Events, deps.Cursors, apply,
		deps.options(outbox.WithEventTypes(string(events.ReactionAdded), string(events.MessageCreated)))...)
}

func emojisOf(evt outboxstore.Event) (string, []string, error) {
	switch events.Type(evt.EventType) {
	case events.ReactionAdded:
		reaction, err := events.Decode[events.Reaction](evt.Payload)
		if err != nil {
			return "", nil, err
		}
		if reaction.WorkspaceID == "" {
			return "", nil, fmt.Errorf("reaction without workspace")
		}
		return reaction.WorkspaceID, []string{reaction.Emoji}, nil
	case events.MessageCreated:
		msg, err := events.Decode[events.Message](evt.Payload)
		if err != nil {
			return "", nil, err
		}
		if len(msg.Emojis) > 0 && msg.WorkspaceID == "" {
			return "", nil, fmt.Errorf("message without workspace")
		}
		return msg.WorkspaceID, msg.Emojis, nil
	default:
		return "", nil, nil
	}
}
