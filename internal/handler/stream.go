package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/service"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

// StreamHandler handles SSE streaming endpoints.
type StreamHandler struct {
	sessions  *SessionHandler
	heartbeat time.Duration
	logger    *logger.Logger
}

// NewStreamHandler creates a new stream handler.
func NewStreamHandler(sessions *SessionHandler, heartbeat time.Duration, log *logger.Logger) *StreamHandler {
	return &StreamHandler{
		sessions:  sessions,
		heartbeat: heartbeat,
		logger:    log,
	}
}

// Stream handles GET /api/v1/sessions/{sid}/stream. It sends the current
// snapshot, then a new one after every change. Bursts of changes are
// coalesced: the client always ends up with the latest snapshot but may
// skip intermediate ones. The stream ends with a "closed" event when the
// session is closed.
func (h *StreamHandler) Stream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	session, ok := h.sessions.lookup(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Streams outlive the server write timeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Debug("write deadline not cleared", zap.Error(err))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // Disable nginx buffering

	metrics.IncrementSSEConnections()
	defer metrics.DecrementSSEConnections()

	changed := make(chan struct{}, 1)
	unsubscribe := session.Subscribe(func(service.Snapshot) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	if err := sendSSEEvent(w, flusher, "snapshot", session.Snapshot()); err != nil {
		return
	}

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("session_id", session.ID()))
			return

		case <-session.Done():
			if err := sendSSEEvent(w, flusher, "closed", map[string]string{"sessionId": session.ID()}); err != nil {
				h.logger.Debug("SSE write failed", zap.Error(err))
			}
			return

		case <-changed:
			if err := sendSSEEvent(w, flusher, "snapshot", session.Snapshot()); err != nil {
				h.logger.Debug("SSE write failed", zap.Error(err))
				return
			}

		case <-heartbeat.C:
			if err := sendSSEEvent(w, flusher, "heartbeat", &model.HeartbeatEvent{Timestamp: time.Now()}); err != nil {
				return
			}
		}
	}
}

func sendSSEEvent(w http.ResponseWriter, flusher http.Flusher, event string, data interface{}) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData); err != nil {
		return err
	}
	flusher.Flush()

	return nil
}
