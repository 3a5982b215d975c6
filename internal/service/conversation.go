// Package service provides the conversation sessions and the business logic
// behind the HTTP API.
package service

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/prompts"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
)

// TopicTemperature is the sampling temperature for topic suggestions.
const TopicTemperature = 1.0

// ConversationService handles conversation operations.
type ConversationService struct {
	store      Store
	completer  llm.Completer
	topicModel string
	logger     *logger.Logger
}

// NewConversationService creates a new conversation service. topicModel is
// the chat model used for topic suggestions.
func NewConversationService(st Store, completer llm.Completer, topicModel string, log *logger.Logger) *ConversationService {
	return &ConversationService{
		store:      st,
		completer:  completer,
		topicModel: topicModel,
		logger:     log,
	}
}

// Create creates a new conversation.
func (s *ConversationService) Create(ctx context.Context, scope store.Scope, req *model.CreateConversationRequest) (*model.Conversation, error) {
	id, err := s.store.CreateConversation(ctx, scope, req)
	if err != nil {
		return nil, err
	}

	s.logger.Info("conversation created",
		zap.String("conversation_id", id),
		zap.String("user_id", scope.UserID),
		zap.String("language", scope.Language),
	)

	return s.store.GetConversation(ctx, scope, id)
}

// Get retrieves a conversation and its messages.
func (s *ConversationService) Get(ctx context.Context, scope store.Scope, conversationID string) (*model.ConversationResponse, error) {
	conv, err := s.store.GetConversation(ctx, scope, conversationID)
	if err != nil {
		return nil, err
	}

	messages, err := s.store.GetConversationMessages(ctx, scope, conversationID)
	if err != nil {
		return nil, err
	}

	return &model.ConversationResponse{Conversation: *conv, Messages: messages}, nil
}

// List retrieves the conversations of one language, oldest first.
func (s *ConversationService) List(ctx context.Context, scope store.Scope) (*model.ListConversationsResponse, error) {
	convs, err := s.store.GetConversations(ctx, scope)
	if err != nil {
		return nil, err
	}

	return &model.ListConversationsResponse{
		Conversations: convs,
		Total:         len(convs),
	}, nil
}

// Delete removes conversations and their histories.
func (s *ConversationService) Delete(ctx context.Context, scope store.Scope, conversationIDs []string) error {
	if err := s.store.DeleteConversations(ctx, scope, conversationIDs); err != nil {
		return err
	}

	s.logger.Info("conversations deleted",
		zap.Strings("conversation_ids", conversationIDs),
		zap.String("user_id", scope.UserID),
	)
	return nil
}

// SuggestTopics asks the model for count conversation topics in language.
func (s *ConversationService) SuggestTopics(ctx context.Context, language string, count int) ([]string, error) {
	resp, err := s.completer.Chat(ctx, &model.ChatRequest{
		Model:       s.topicModel,
		Messages:    []model.ChatMessage{{Sender: model.SenderSystem, Content: prompts.ConversationTopics(language, count)}},
		Temperature: TopicTemperature,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to suggest topics: %w", err)
	}

	return splitTopics(resp.Message), nil
}

func splitTopics(reply string) []string {
	topics := []string{}
	for _, line := range strings.Split(reply, "\n") {
		if topic := strings.TrimSpace(line); topic != "" {
			topics = append(topics, topic)
		}
	}
	return topics
}
