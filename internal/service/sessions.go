package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

var (
	// ErrSessionNotFound means no open session has the id for this user.
	ErrSessionNotFound = errors.New("session not found")

	// ErrUnsupportedModel means no provider serves the requested chat model.
	ErrUnsupportedModel = errors.New("unsupported model")
)

// SessionManager owns the open sessions of every user.
type SessionManager struct {
	deps         Deps
	defaultModel string
	supports     func(model string) bool
	logger       *logger.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	stopReaper chan struct{}
	reaperDone chan struct{}
}

// NewSessionManager creates a manager. supports reports whether a chat
// model can be used; nil accepts any model.
func NewSessionManager(deps Deps, defaultModel string, supports func(model string) bool, log *logger.Logger) *SessionManager {
	if supports == nil {
		supports = func(string) bool { return true }
	}
	return &SessionManager{
		deps:         deps,
		defaultModel: defaultModel,
		supports:     supports,
		logger:       log,
		sessions:     make(map[string]*Session),
	}
}

// Open loads a conversation and starts a session on it.
func (m *SessionManager) Open(ctx context.Context, scope store.Scope, conversationID, modelName string) (*Session, error) {
	if modelName == "" {
		modelName = m.defaultModel
	}
	if !m.supports(modelName) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedModel, modelName)
	}

	conv, err := m.deps.Store.GetConversation(ctx, scope, conversationID)
	if err != nil {
		return nil, err
	}
	messages, err := m.deps.Store.GetConversationMessages(ctx, scope, conversationID)
	if err != nil {
		return nil, err
	}

	session := NewSession(m.deps, SessionConfig{
		ID:           uuid.Must(uuid.NewV7()).String(),
		Scope:        scope,
		Conversation: *conv,
		Messages:     messages,
		Model:        modelName,
	})

	m.mu.Lock()
	m.sessions[session.ID()] = session
	m.mu.Unlock()
	metrics.SessionsActive.Inc()

	m.logger.Info("session opened",
		zap.String("session_id", session.ID()),
		zap.String("user_id", scope.UserID),
		zap.String("conversation_id", conversationID),
		zap.String("model", modelName),
	)

	session.Start(ctx)
	return session, nil
}

// Get returns the session if it belongs to userID.
func (m *SessionManager) Get(userID, sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	session, ok := m.sessions[sessionID]
	if !ok || session.UserID() != userID {
		return nil, ErrSessionNotFound
	}
	session.touch(time.Now())
	return session, nil
}

// Close closes and forgets a session. Its background work keeps running
// until it finishes.
func (m *SessionManager) Close(userID, sessionID string) error {
	m.mu.Lock()
	session, ok := m.sessions[sessionID]
	if !ok || session.UserID() != userID {
		m.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(m.sessions, sessionID)
	m.mu.Unlock()

	session.Close()
	metrics.SessionsActive.Dec()
	m.logger.Info("session closed", zap.String("session_id", sessionID))
	return nil
}

// StartReaper closes, every interval, the sessions that have been idle for
// idleTimeout: no stream attached and no API call. Shutdown stops it.
func (m *SessionManager) StartReaper(idleTimeout, interval time.Duration) {
	m.mu.Lock()
	if m.stopReaper != nil {
		m.mu.Unlock()
		return
	}
	stop, done := make(chan struct{}), make(chan struct{})
	m.stopReaper, m.reaperDone = stop, done
	m.mu.Unlock()

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case now := <-ticker.C:
				m.reapIdle(now, idleTimeout)
			}
		}
	}()
}

// reapIdle closes the sessions idle for at least idleTimeout at now and
// returns how many it closed.
func (m *SessionManager) reapIdle(now time.Time, idleTimeout time.Duration) int {
	m.mu.Lock()
	var idle []*Session
	for id, session := range m.sessions {
		if session.idleFor(now) >= idleTimeout {
			idle = append(idle, session)
			delete(m.sessions, id)
		}
	}
	m.mu.Unlock()

	for _, session := range idle {
		session.Close()
		metrics.SessionsActive.Dec()
		m.logger.Info("idle session closed",
			zap.String("session_id", session.ID()),
			zap.String("user_id", session.UserID()),
		)
	}
	return len(idle)
}

// Len returns the number of open sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Shutdown closes every session and waits for their background work, or
// for ctx to end.
func (m *SessionManager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	stop, reaperDone := m.stopReaper, m.reaperDone
	m.stopReaper = nil
	m.mu.Unlock()
	if stop != nil {
		close(stop)
		<-reaperDone
	}

	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, session := range m.sessions {
		sessions = append(sessions, session)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, session := range sessions {
		session.Close()
		metrics.SessionsActive.Dec()
	}

	done := make(chan struct{})
	go func() {
		for _, session := range sessions {
			session.Wait()
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sessions still running: %w", ctx.Err())
	}
}
