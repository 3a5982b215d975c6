package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// EventPublisher records conversation changes for other consumers.
type EventPublisher interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// NopPublisher drops every event.
type NopPublisher struct{}

// PublishEvent implements EventPublisher.
func (NopPublisher) PublishEvent(context.Context, *model.ConversationEvent) (uint64, error) {
	return 0, nil
}

// publishEvent is best-effort: a failed publish is logged and never affects
// the change it describes.
func publishEvent(ctx context.Context, events EventPublisher, log *logger.Logger, scope store.Scope, conversationID string, eventType model.EventType, messageID, reason string) {
	event := &model.ConversationEvent{
		ID:             uuid.Must(uuid.NewV7()).String(),
		UserID:         scope.UserID,
		Language:       scope.Language,
		ConversationID: conversationID,
		Type:           eventType,
		MessageID:      messageID,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}

	if _, err := events.PublishEvent(ctx, event); err != nil {
		log.Warn("failed to publish conversation event",
			zap.String("event_type", string(eventType)),
			zap.String("message_id", messageID),
			zap.Error(err),
		)
	}
}
