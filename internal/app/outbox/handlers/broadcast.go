package handlers

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/relay/internal/app/outbox"
	"github.com/coachpo/relay/internal/domain/events"
	"github.com/coachpo/relay/internal/domain/outboxstore"
)

// Envelope is the frame pushed to realtime subscribers.
type Envelope struct {
	EventID int64           `json:"eventId"`
	Type    string          `json:"type"`
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// NewBroadcast pushes every event to the stream and workspace topics of its scope.
func NewBroadcast(deps Deps) *outbox.CursorHandler {
	logger := deps.logger().With(zap.String("listener", broadcastName(deps.InstanceID)))
	apply := func(ctx context.Context, evt outboxstore.Event) error {
		scope, err := events.ScopeOf(evt.Payload)
		if err != nil {
			logger.Warn("skipping event without scope", zap.Int64("event_id", evt.ID), zap.Error(err))
			return nil
		}
		for _, topic := range scope.Topics() {
			frame, err := json.Marshal(Envelope{EventID: evt.ID, Type: evt.EventType, Topic: topic, Payload: evt.Payload})
			if err != nil {
				return fmt.Errorf("broadcast: encode event %d: %w", evt.ID, err)
			}
			if err := deps.Broadcaster.Broadcast(ctx, topic, frame); err != nil {
				return fmt.Errorf("broadcast: topic %s: %w", topic, err)
			}
		}
		return nil
	}

	var extra []outbox.HandlerOption
	if deps.InstanceID != "" {
		extra = append(extra, outbox.WithEphemeral(), outbox.WithStartAtHead())
	}
	return outbox.NewCursorHandler(broadcastName(deps.InstanceID), deps.Events, deps.Cursors, apply, deps.options(extra...)...)
}
