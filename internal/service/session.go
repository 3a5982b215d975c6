package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/mistakes"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

var tracer = otel.Tracer("github.com/capitalize-ai/language-chat/internal/service")

// State is the turn-taking state of a session.
type State string

const (
	StateInitializing        State = "Initializing"
	StateWaitingForAssistant State = "WaitingForAssistant"
	StateWaitingForUser      State = "WaitingForUser"
	StateError               State = "Error"
)

// User-facing failure messages.
const (
	ConflictMessage = "This conversation has been modified in another window or tab, please refresh the page and try again."
	ErrorMessage    = "An error occurred, please exit the conversation and try again."
)

// errClosed stops a continuation that resumed after its session was closed.
var errClosed = errors.New("session closed")

// Store is the conversation store as used by sessions and services.
type Store interface {
	AppendMessage(ctx context.Context, scope store.Scope, conversationID, expectedTailID string, sender model.Sender, content string, tokenCount *int) (string, error)
	SetMessageTokenCount(ctx context.Context, scope store.Scope, conversationID, messageID string, count int) (bool, error)
	SetMessageSummary(ctx context.Context, scope store.Scope, conversationID, messageID, summary string) (bool, error)
	SetMessageMistakes(ctx context.Context, scope store.Scope, conversationID, messageID string, mistakes []model.Mistake) (bool, error)
	GetConversation(ctx context.Context, scope store.Scope, conversationID string) (*model.Conversation, error)
	GetConversationMessages(ctx context.Context, scope store.Scope, conversationID string) ([]model.Message, error)
	GetConversations(ctx context.Context, scope store.Scope) ([]model.Conversation, error)
	CreateConversation(ctx context.Context, scope store.Scope, req *model.CreateConversationRequest) (string, error)
	DeleteConversations(ctx context.Context, scope store.Scope, conversationIDs []string) error
}

// SessionError is the failure shown to the user once a session is in
// StateError.
type SessionError struct {
	Conflict bool   `json:"conflict"`
	Message  string `json:"message"`
}

// Snapshot is the observable state of a session.
type Snapshot struct {
	State    State           `json:"state"`
	Messages []model.Message `json:"messages"`
	Error    *SessionError   `json:"error,omitempty"`
}

// Liveness tells continuations whether their session is still open. Closing
// it only suppresses later local updates; requests already issued still run
// to completion.
type Liveness struct {
	alive atomic.Bool
	done  chan struct{}
	once  sync.Once
}

func newLiveness() *Liveness {
	l := &Liveness{done: make(chan struct{})}
	l.alive.Store(true)
	return l
}

// Alive reports whether Close has not been called.
func (l *Liveness) Alive() bool {
	return l.alive.Load()
}

// Done is closed by Close.
func (l *Liveness) Done() <-chan struct{} {
	return l.done
}

// Close marks the session dead.
func (l *Liveness) Close() {
	l.once.Do(func() {
		l.alive.Store(false)
		close(l.done)
	})
}

// Deps are the collaborators shared by every session.
type Deps struct {
	Store      Store
	Completer  llm.Completer
	Summarizer *Summarizer
	Tokens     TokenTracker
	Mistakes   *mistakes.Pipeline
	Events     EventPublisher
	Logger     *logger.Logger
}

// SessionConfig describes the conversation a session drives.
type SessionConfig struct {
	ID           string
	Scope        store.Scope
	Conversation model.Conversation
	Messages     []model.Message
	Model        string
}

// Session drives one client's view of a conversation: it takes turns with
// the assistant, summarizes long histories and analyzes user messages.
// Sessions on the same conversation coordinate only through the store.
type Session struct {
	id             string
	scope          store.Scope
	conversation   model.Conversation
	model          string
	deps           Deps
	logger         *logger.Logger
	liveness       *Liveness
	wg             sync.WaitGroup
	baseCtx        context.Context
	startOnce      sync.Once
	conversationID string

	mu        sync.Mutex
	state     State
	messages  []model.Message
	failure   *SessionError
	idleSince time.Time

	// deliverMu is taken before mu is released so listeners see snapshots in
	// the order the changes were made.
	deliverMu    sync.Mutex
	listeners    map[int]func(Snapshot)
	nextListener int
}

// NewSession creates a session in StateInitializing. Nothing happens until
// Start.
func NewSession(deps Deps, cfg SessionConfig) *Session {
	if deps.Logger == nil {
		deps.Logger = logger.Global()
	}
	if deps.Events == nil {
		deps.Events = NopPublisher{}
	}
	if deps.Summarizer == nil {
		deps.Summarizer = NewSummarizer(deps.Completer, deps.Logger)
	}

	return &Session{
		id:             cfg.ID,
		scope:          cfg.Scope,
		conversation:   cfg.Conversation,
		conversationID: cfg.Conversation.ID,
		model:          cfg.Model,
		deps:           deps,
		logger: deps.Logger.WithConversation(cfg.Scope.UserID, cfg.Scope.Language, cfg.Conversation.ID).
			With(zap.String("session_id", cfg.ID)),
		liveness:  newLiveness(),
		baseCtx:   context.Background(),
		state:     StateInitializing,
		messages:  append([]model.Message(nil), cfg.Messages...),
		idleSince: time.Now(),
		listeners: make(map[int]func(Snapshot)),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// UserID returns the id of the user owning the session.
func (s *Session) UserID() string { return s.scope.UserID }

// ConversationID returns the id of the conversation.
func (s *Session) ConversationID() string { return s.conversationID }

// Model returns the chat model the session uses.
func (s *Session) Model() string { return s.model }

// Done is closed when the session is closed.
func (s *Session) Done() <-chan struct{} { return s.liveness.Done() }

// Start runs the next action for the loaded history and re-launches mistake
// analysis for user messages that never got one. Work outlives ctx's
// cancellation but keeps its values. Only the first call has an effect.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.baseCtx = context.WithoutCancel(ctx)

		s.goBackground(s.performNextAction)

		for _, msg := range s.Snapshot().Messages {
			if msg.Sender == model.SenderUser && !msg.MistakesProcessed {
				id := msg.ID
				s.goBackground(func(ctx context.Context) { s.correctMistakes(ctx, id) })
			}
		}
	})
}

// Close detaches the session from its client. Continuations still running
// complete their store writes but no longer change the session.
func (s *Session) Close() {
	s.liveness.Close()
}

// Wait blocks until every turn and mistake analysis started by the session
// has returned.
func (s *Session) Wait() {
	s.wg.Wait()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a copy of the observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		State:    s.state,
		Messages: append([]model.Message(nil), s.messages...),
	}
	if s.failure != nil {
		failure := *s.failure
		snap.Error = &failure
	}
	return snap
}

// Subscribe registers fn to receive a snapshot after every change, in
// order. fn runs synchronously on the goroutine making the change and must
// not call back into methods that change the session.
func (s *Session) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextListener
	s.nextListener++
	s.listeners[id] = fn
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		if len(s.listeners) == 0 {
			s.idleSince = time.Now()
		}
		s.mu.Unlock()
	}
}

// touch records client activity.
func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.idleSince = now
	s.mu.Unlock()
}

// idleFor reports how long the session has had neither listeners nor
// client activity as of now. A session with listeners is never idle.
func (s *Session) idleFor(now time.Time) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) > 0 {
		return 0
	}
	return now.Sub(s.idleSince)
}

// update applies fn to the session state and notifies listeners. It does
// nothing once the session is closed or when fn reports no change.
func (s *Session) update(fn func() bool) bool {
	s.mu.Lock()
	if !s.liveness.Alive() || !fn() {
		s.mu.Unlock()
		return false
	}

	snap := s.snapshotLocked()
	listeners := make([]func(Snapshot), 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}

	s.deliverMu.Lock()
	s.mu.Unlock()
	defer s.deliverMu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
	return true
}

// setStateIfNotError moves to state unless the session has already failed.
func (s *Session) setStateIfNotError(state State) bool {
	return s.update(func() bool {
		if s.state == StateError {
			return false
		}
		s.state = state
		return true
	})
}

// fail moves the session to StateError. Conflicts get their own message.
func (s *Session) fail(ctx context.Context, err error) {
	if errors.Is(err, errClosed) {
		return
	}

	failure := &SessionError{Message: ErrorMessage}
	if errors.Is(err, store.ErrConflict) {
		failure = &SessionError{Conflict: true, Message: ConflictMessage}
		s.logger.Warn("conversation modified concurrently", zap.Error(err))
	} else {
		s.logger.Error("conversation error", zap.Error(err))
	}

	applied := s.update(func() bool {
		if s.state == StateError {
			return false
		}
		s.state = StateError
		s.failure = failure
		return true
	})
	if applied {
		publishEvent(ctx, s.deps.Events, s.logger, s.scope, s.conversationID, model.EventTypeError, "", err.Error())
	}
}

func (s *Session) goBackground(fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(s.baseCtx)
	}()
}

func (s *Session) history() []model.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.Message(nil), s.messages...)
}

func (s *Session) tailID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) == 0 {
		return ""
	}
	return s.messages[len(s.messages)-1].ID
}

// updateMessage applies fn to the local copy of message id.
func (s *Session) updateMessage(id string, fn func(msg *model.Message)) {
	s.update(func() bool {
		for i := range s.messages {
			if s.messages[i].ID == id {
				fn(&s.messages[i])
				return true
			}
		}
		return false
	})
}
