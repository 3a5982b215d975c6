// Package handler provides HTTP handlers for the API.
package handler

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/service"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// defaultTopicCount is how many topics are suggested when the request does
// not say.
const defaultTopicCount = 10

// ConversationHandler handles conversation endpoints.
type ConversationHandler struct {
	service *service.ConversationService
	logger  *logger.Logger
}

// NewConversationHandler creates a new conversation handler.
func NewConversationHandler(svc *service.ConversationService, log *logger.Logger) *ConversationHandler {
	return &ConversationHandler{
		service: svc,
		logger:  log,
	}
}

// Create handles POST /api/v1/languages/{language}/conversations
func (h *ConversationHandler) Create(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.CreateConversationRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateTopic(req.ConversationTopic); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateStudyList("studyTopics", req.StudyTopics); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := middleware.ValidateStudyList("studyWords", req.StudyWords); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conv, err := h.service.Create(r.Context(), scope, &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to create conversation")
		return
	}

	writeJSON(w, http.StatusCreated, conv)
}

// List handles GET /api/v1/languages/{language}/conversations
func (h *ConversationHandler) List(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	resp, err := h.service.List(r.Context(), scope)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to list conversations")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/languages/{language}/conversations/{id}
func (h *ConversationHandler) Get(w http.ResponseWriter, r *http.Request) {
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

	conv, err := h.service.Get(r.Context(), scope, conversationID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get conversation")
		return
	}

	writeJSON(w, http.StatusOK, conv)
}

// Delete handles DELETE /api/v1/languages/{language}/conversations with a
// body listing the ids to remove.
func (h *ConversationHandler) Delete(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req model.DeleteConversationsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	for _, id := range req.IDs {
		if err := middleware.ValidateConversationID(id); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	if err := h.service.Delete(r.Context(), scope, req.IDs); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to delete conversations")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Topics handles GET /api/v1/languages/{language}/topics?count=N
func (h *ConversationHandler) Topics(w http.ResponseWriter, r *http.Request) {
	scope, err := scopeFrom(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	count := defaultTopicCount
	if c := r.URL.Query().Get("count"); c != "" {
		parsed, err := strconv.Atoi(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "count must be a number")
			return
		}
		count = parsed
	}
	if err := middleware.ValidateTopicCount(count); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	topics, err := h.service.SuggestTopics(r.Context(), scope.Language, count)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to suggest topics")
		return
	}

	writeJSON(w, http.StatusOK, &model.TopicsResponse{Topics: topics})
}
