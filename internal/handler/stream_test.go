package handler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/capitalize-ai/language-chat/internal/middleware"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// brokenWriter accepts the first writes it is allowed, then fails.
type brokenWriter struct {
	*httptest.ResponseRecorder
	allowed int
}

func (w *brokenWriter) Write(p []byte) (int, error) {
	if w.allowed == 0 {
		return 0, errors.New("connection reset")
	}
	w.allowed--
	return w.ResponseRecorder.Write(p)
}

func TestStreamLogsFailedClosedEvent(t *testing.T) {
	s := newTestServer(t, completerFunc(cannedReply))
	conv := s.createConversation(t)

	rec := s.do(t, http.MethodPost, "/api/v1/languages/Spanish/conversations/"+conv.ID+"/sessions", nil, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	opened := decode[SessionResponse](t, rec)
	session, err := s.sessions.Get("user-1", opened.SessionID)
	require.NoError(t, err)
	session.Wait()
	session.Close()

	core, logs := observer.New(zapcore.DebugLevel)
	log := &logger.Logger{Logger: zap.New(core)}
	stream := NewStreamHandler(NewSessionHandler(s.sessions, log), time.Hour, log)

	routeCtx := chi.NewRouteContext()
	routeCtx.URLParams.Add("sid", opened.SessionID)
	ctx := context.WithValue(middleware.WithUserID(context.Background(), "user-1"), chi.RouteCtxKey, routeCtx)
	req := httptest.NewRequest(http.MethodGet, "/api/v1/sessions/"+opened.SessionID+"/stream", nil).WithContext(ctx)

	w := &brokenWriter{ResponseRecorder: httptest.NewRecorder(), allowed: 1}
	stream.Stream(w, req)

	assert.Contains(t, w.Body.String(), "event: snapshot")
	assert.NotContains(t, w.Body.String(), "event: closed")
	assert.Equal(t, 1, logs.FilterMessage("SSE write failed").Len())
}
