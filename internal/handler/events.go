package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// EventReader reads the event log of a conversation.
type EventReader interface {
	GetEvents(ctx context.Context, userID, language, conversationID string, afterSequence uint64, limit int) ([]model.ConversationEvent, uint64, bool, error)
}

// EventsHandler serves the conversation event log.
type EventsHandler struct {
	events EventReader
	logger *logger.Logger
}

// NewEventsHandler creates a new events handler.
func NewEventsHandler(events EventReader, log *logger.Logger) *EventsHandler {
	return &EventsHandler{events: events, logger: log}
}

// List handles GET /api/v1/languages/{language}/conversations/{id}/events
// Supports ?after_sequence=N&limit=M for paging.
func (h *EventsHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conversationID := chi.URLParam(r, "id")
	if err := middleware.ValidateConversationID(conversationID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	afterSequence := uint64(0)
	limit := 50

	if seq := r.URL.Query().Get("after_sequence"); seq != "" {
		if parsed, err := strconv.ParseUint(seq, 10, 64); err == nil {
			afterSequence = parsed
		}
	}

	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}

	events, last, hasMore, err := h.events.GetEvents(r.Context(), scope.UserID, scope.Language, conversationID, afterSequence, limit)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get events")
		return
	}

	writeJSON(w, http.StatusOK, &model.EventsResponse{
		Events:       events,
		LastSequence: last,
		HasMore:      hasMore,
	})
}
