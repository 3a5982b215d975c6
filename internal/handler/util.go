package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/internal/service"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

const maxBodyBytes = 1 << 20

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

// scopeFrom returns the store scope of the authenticated user and the
// {language} route parameter.
func scopeFrom(r *http.Request) (store.Scope, error) {
	language := chi.URLParam(r, "language")
	if err := middleware.ValidateLanguage(language); err != nil {
		return store.Scope{}, err
	}
	scope := store.Scope{UserID: middleware.GetUserID(r.Context()), Language: language}
	if err := scope.Validate(); err != nil {
		return store.Scope{}, err
	}
	return scope, nil
}

// writeServiceError maps service and store errors to responses. Unexpected
// errors are logged and reported as message.
func writeServiceError(w http.ResponseWriter, r *http.Request, log *logger.Logger, err error, message string) {
	log = log.WithContext(middleware.GetCorrelationID(r.Context()), middleware.GetUserID(r.Context()))

	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "conversation not found")
	case errors.Is(err, service.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, store.ErrInvalidKey),
		errors.Is(err, llm.ErrInvalidRequest),
		errors.Is(err, service.ErrUnsupportedModel):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, store.ErrConflict), errors.Is(err, store.ErrContention):
		writeError(w, http.StatusConflict, service.ConflictMessage)
	case llm.IsTransportError(err):
		log.Warn(message, zap.Error(err))
		writeError(w, http.StatusBadGateway, "completion provider unavailable")
	default:
		log.Error(message, zap.Error(err))
		writeError(w, http.StatusInternalServerError, message)
	}
}
