package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/language-chat/internal/mistakes"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

var testScope = store.Scope{UserID: "user-1", Language: "Spanish"}

const testModel = "gpt-4o"

type requestKind string

const (
	kindChat     requestKind = "chat"
	kindSummary  requestKind = "summary"
	kindMistakes requestKind = "mistakes"
	kindTopics   requestKind = "topics"
)

func kindOf(req *model.ChatRequest) requestKind {
	switch {
	case req.Temperature == ChatTemperature:
		return kindChat
	case req.Temperature == TopicTemperature:
		return kindTopics
	case len(req.Messages) == 1:
		return kindSummary
	default:
		return kindMistakes
	}
}

// fakeCompleter records requests and answers them with reply, or with
// defaultReply when reply is nil.
type fakeCompleter struct {
	mu       sync.Mutex
	requests []*model.ChatRequest
	reply    func(req *model.ChatRequest) (*model.ChatResponse, error)
}

func (f *fakeCompleter) Chat(_ context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	reply := f.reply
	f.mu.Unlock()

	if reply == nil {
		return defaultReply(req)
	}
	return reply(req)
}

func (f *fakeCompleter) requestsOf(kind requestKind) []*model.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []*model.ChatRequest
	for _, req := range f.requests {
		if kindOf(req) == kind {
			out = append(out, req)
		}
	}
	return out
}

func (f *fakeCompleter) kinds() []requestKind {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]requestKind, len(f.requests))
	for i, req := range f.requests {
		out[i] = kindOf(req)
	}
	return out
}

func defaultReply(req *model.ChatRequest) (*model.ChatResponse, error) {
	counts := make([]int, len(req.Messages))
	for i := range counts {
		counts[i] = 10
	}

	resp := &model.ChatResponse{InputTokenCounts: counts, OutputTokenCount: 5}
	switch kindOf(req) {
	case kindChat:
		resp.Message = "¡Hola! ¿Cómo estás?"
	case kindSummary:
		resp.Message = "resumen"
	case kindMistakes:
		resp.Message = "$NO_MISTAKES$"
	case kindTopics:
		resp.Message = "Food\n\n  Travel  \n"
	}
	return resp, nil
}

type harness struct {
	store     *store.Store
	completer *fakeCompleter
	deps      Deps
}

func newHarness() *harness {
	log := logger.NewNop()
	st := store.New(store.NewMemoryBucket(), log)
	completer := &fakeCompleter{}

	return &harness{
		store:     st,
		completer: completer,
		deps: Deps{
			Store:      st,
			Completer:  completer,
			Summarizer: NewSummarizer(completer, log),
			Mistakes:   mistakes.NewPipeline(completer, st, log),
			Logger:     log,
		},
	}
}

// seed creates a conversation holding one message per sender. tokenCount,
// if not nil, is stored on every message.
func (h *harness) seed(t *testing.T, senders []model.Sender, tokenCount *int) string {
	t.Helper()
	ctx := context.Background()

	convID, err := h.store.CreateConversation(ctx, testScope, &model.CreateConversationRequest{
		ConversationTopic: "the weather",
		StudyWords:        []string{"lluvia"},
	})
	require.NoError(t, err)

	tail := ""
	for i, sender := range senders {
		tail, err = h.store.AppendMessage(ctx, testScope, convID, tail, sender, fmt.Sprintf("%s %d", sender, i), tokenCount)
		require.NoError(t, err)
	}
	return convID
}

func (h *harness) history(t *testing.T, convID string) []model.Message {
	t.Helper()
	messages, err := h.store.GetConversationMessages(context.Background(), testScope, convID)
	require.NoError(t, err)
	return messages
}

func (h *harness) newSession(t *testing.T, convID string) *Session {
	t.Helper()
	ctx := context.Background()

	conv, err := h.store.GetConversation(ctx, testScope, convID)
	require.NoError(t, err)

	return NewSession(h.deps, SessionConfig{
		ID:           "session-1",
		Scope:        testScope,
		Conversation: *conv,
		Messages:     h.history(t, convID),
		Model:        testModel,
	})
}

// alternating returns a system prompt followed by n messages alternating
// between the assistant and the user.
func alternating(n int) []model.Sender {
	senders := []model.Sender{model.SenderSystem}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			senders = append(senders, model.SenderAssistant)
		} else {
			senders = append(senders, model.SenderUser)
		}
	}
	return senders
}

func intPtr(v int) *int { return &v }

func strPtr(v string) *string { return &v }
