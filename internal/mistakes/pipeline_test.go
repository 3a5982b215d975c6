package mistakes

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

type completerFunc func(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error)

func (f completerFunc) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	return f(ctx, req)
}

var scope = store.Scope{UserID: "user-1", Language: "Spanish"}

func seedConversation(t *testing.T, s *store.Store, senders ...model.Sender) (string, []model.Message) {
	t.Helper()
	ctx := context.Background()

	convID, err := s.CreateConversation(ctx, scope, &model.CreateConversationRequest{ConversationTopic: "food"})
	require.NoError(t, err)

	tail := ""
	for i, sender := range senders {
		tail, err = s.AppendMessage(ctx, scope, convID, tail, sender, fmt.Sprintf("message %d", i), nil)
		require.NoError(t, err)
	}

	history, err := s.GetConversationMessages(ctx, scope, convID)
	require.NoError(t, err)
	return convID, history
}

func TestContextWindow(t *testing.T) {
	history := []model.Message{
		{Sender: model.SenderSystem, Content: "s"},
		{Sender: model.SenderAssistant, Content: "a1"},
		{Sender: model.SenderUser, Content: "u1"},
		{Sender: model.SenderAssistant, Content: "a2"},
		{Sender: model.SenderUser, Content: "u2"},
		{Sender: model.SenderAssistant, Content: "a3"},
		{Sender: model.SenderUser, Content: "u3"},
		{Sender: model.SenderAssistant, Content: "a4"},
	}

	window := ContextWindow(history, 6)
	contents := make([]string, len(window))
	for i, m := range window {
		contents[i] = m.Content
	}
	assert.Equal(t, []string{"u1", "a2", "u2", "a3"}, contents)

	assert.Empty(t, ContextWindow(history, 1))
	assert.Len(t, ContextWindow(history, 2), 1)
}

func TestPipeline_Analyze(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBucket(), logger.NewNop())
	convID, history := seedConversation(t, s, model.SenderSystem, model.SenderAssistant, model.SenderUser)
	userMsg := history[2]

	var sent *model.ChatRequest
	completer := completerFunc(func(_ context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
		sent = req
		return &model.ChatResponse{Message: "$MISTAKE$ a $SEVERITY$ 2 $EXPL_ENGLISH$ b $EXPL_LANGUAGE$ c"}, nil
	})

	p := NewPipeline(completer, s, logger.NewNop())
	got, err := p.Analyze(ctx, Request{Scope: scope, ConversationID: convID, Model: "m1", History: history, MessageID: userMsg.ID})
	require.NoError(t, err)
	require.Len(t, got, 1)

	require.NotNil(t, sent)
	assert.Zero(t, sent.Temperature)
	assert.Equal(t, "m1", sent.Model)
	require.Len(t, sent.Messages, 2)
	assert.Equal(t, model.SenderSystem, sent.Messages[0].Sender)
	assert.Contains(t, sent.Messages[0].Content, "message 1")
	assert.NotContains(t, sent.Messages[0].Content, "message 0")
	assert.Equal(t, model.ChatMessage{Sender: model.SenderUser, Content: userMsg.Content}, sent.Messages[1])

	stored, err := s.GetConversationMessages(ctx, scope, convID)
	require.NoError(t, err)
	assert.True(t, stored[2].MistakesProcessed)
	assert.Equal(t, got, stored[2].Mistakes)

	// A second analysis loses the write-once race and leaves the first result.
	_, err = p.Analyze(ctx, Request{Scope: scope, ConversationID: convID, Model: "m1", History: history, MessageID: userMsg.ID})
	assert.ErrorIs(t, err, ErrAlreadyRecorded)
}

func TestPipeline_EmptyResultIsFinal(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBucket(), logger.NewNop())
	convID, history := seedConversation(t, s, model.SenderSystem, model.SenderUser)

	p := NewPipeline(completerFunc(func(context.Context, *model.ChatRequest) (*model.ChatResponse, error) {
		return &model.ChatResponse{Message: "$NO_MISTAKES$"}, nil
	}), s, logger.NewNop())

	got, ok := p.Run(ctx, Request{Scope: scope, ConversationID: convID, Model: "m1", History: history, MessageID: history[1].ID})
	require.True(t, ok)
	assert.Empty(t, got)

	stored, err := s.GetConversationMessages(ctx, scope, convID)
	require.NoError(t, err)
	assert.True(t, stored[1].MistakesProcessed)
	assert.Empty(t, stored[1].Mistakes)
}

func TestPipeline_FailuresAreIsolated(t *testing.T) {
	ctx := context.Background()
	s := store.New(store.NewMemoryBucket(), logger.NewNop())
	convID, history := seedConversation(t, s, model.SenderSystem, model.SenderUser)

	p := NewPipeline(completerFunc(func(context.Context, *model.ChatRequest) (*model.ChatResponse, error) {
		return nil, errors.New("endpoint down")
	}), s, logger.NewNop())

	got, ok := p.Run(ctx, Request{Scope: scope, ConversationID: convID, Model: "m1", History: history, MessageID: history[1].ID})
	assert.False(t, ok)
	assert.Nil(t, got)

	stored, err := s.GetConversationMessages(ctx, scope, convID)
	require.NoError(t, err)
	assert.False(t, stored[1].MistakesProcessed)
}

func TestPipeline_RejectsNonUserMessage(t *testing.T) {
	s := store.New(store.NewMemoryBucket(), logger.NewNop())
	convID, history := seedConversation(t, s, model.SenderSystem)

	p := NewPipeline(completerFunc(func(context.Context, *model.ChatRequest) (*model.ChatResponse, error) {
		t.Fatal("completer must not be called")
		return nil, nil
	}), s, logger.NewNop())

	_, err := p.Analyze(context.Background(), Request{Scope: scope, ConversationID: convID, History: history, MessageID: history[0].ID})
	assert.ErrorIs(t, err, ErrNotUserMessage)
	_, err = p.Analyze(context.Background(), Request{Scope: scope, ConversationID: convID, History: history, MessageID: "missing"})
	assert.ErrorIs(t, err, ErrNotUserMessage)
}
