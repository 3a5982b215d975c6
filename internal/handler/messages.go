package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/service"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// OpenSessionRequest is the body of a session open request. An empty model
// selects the default one.
type OpenSessionRequest struct {
	Model string `json:"model"`
}

// SessionResponse describes a session and its current state.
type SessionResponse struct {
	SessionID      string           `json:"sessionId"`
	ConversationID string           `json:"conversationId"`
	Model          string           `json:"model"`
	Snapshot       service.Snapshot `json:"snapshot"`
}

// SessionHandler handles session and message endpoints.
type SessionHandler struct {
	sessions *service.SessionManager
	logger   *logger.Logger
}

// NewSessionHandler creates a new session handler.
func NewSessionHandler(sessions *service.SessionManager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		sessions: sessions,
		logger:   log,
	}
}

func sessionResponse(s *service.Session) *SessionResponse {
	return &SessionResponse{
		SessionID:      s.ID(),
		ConversationID: s.ConversationID(),
		Model:          s.Model(),
		Snapshot:       s.Snapshot(),
	}
}

// Open handles POST /api/v1/languages/{language}/conversations/{id}/sessions
func (h *SessionHandler) Open(w http.ResponseWriter, r *http.Request) {
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

	var req OpenSessionRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	session, err := h.sessions.Open(r.Context(), scope, conversationID, req.Model)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to open session")
		return
	}

	writeJSON(w, http.StatusCreated, sessionResponse(session))
}

// Get handles GET /api/v1/sessions/{sid}
func (h *SessionHandler) Get(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse(session))
}

// Close handles DELETE /api/v1/sessions/{sid}
func (h *SessionHandler) Close(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sid")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.sessions.Close(middleware.GetUserID(r.Context()), sessionID); err != nil {
		writeServiceError(w, r, h.logger, err, "failed to close session")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Send handles POST /api/v1/sessions/{sid}/messages. The reply arrives on
// the session stream; a session that is not waiting for the user answers
// 409 and changes nothing.
func (h *SessionHandler) Send(w http.ResponseWriter, r *http.Request) {
	session, ok := h.lookup(w, r)
	if !ok {
		return
	}

	var req model.SendMessageRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := middleware.ValidateMessageContent(req.Content); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if !session.SendMessage(req.Content) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"error": "session is not waiting for a message",
			"state": string(session.State()),
		})
		return
	}

	w.Header().Set("Location", "/api/v1/sessions/"+session.ID()+"/stream")
	writeJSON(w, http.StatusAccepted, sessionResponse(session))
}

func (h *SessionHandler) lookup(w http.ResponseWriter, r *http.Request) (*service.Session, bool) {
	sessionID := chi.URLParam(r, "sid")
	if err := middleware.ValidateSessionID(sessionID); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return nil, false
	}

	session, err := h.sessions.Get(middleware.GetUserID(r.Context()), sessionID)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to get session")
		return nil, false
	}
	return session, true
}
