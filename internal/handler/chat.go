package handler

import (
	"net/http"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// ChatHandler serves the completion endpoint.
type ChatHandler struct {
	completer llm.Completer
	logger    *logger.Logger
}

// NewChatHandler creates a new chat handler.
func NewChatHandler(completer llm.Completer, log *logger.Logger) *ChatHandler {
	return &ChatHandler{completer: completer, logger: log}
}

// Chat handles POST /api/v1/chat
func (h *ChatHandler) Chat(w http.ResponseWriter, r *http.Request) {
	var req model.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	resp, err := h.completer.Chat(r.Context(), &req)
	if err != nil {
		writeServiceError(w, r, h.logger, err, "failed to complete chat")
		return
	}

	writeJSON(w, http.StatusOK, resp)
}
