package service

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/mistakes"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/prompts"
	"github.com/capitalize-ai/language-chat/internal/store"
)

// ChatTemperature is the sampling temperature of assistant turns.
const ChatTemperature = 0.5

// SendMessage posts a user message. It returns false, changing nothing,
// unless the session is waiting for the user. Otherwise the session is
// already WaitingForAssistant when it returns and the turn continues in the
// background.
func (s *Session) SendMessage(text string) bool {
	accepted := s.update(func() bool {
		if s.state != StateWaitingForUser {
			return false
		}
		s.state = StateWaitingForAssistant
		return true
	})
	if !accepted {
		return false
	}

	s.goBackground(func(ctx context.Context) {
		messageID, err := s.addMessage(ctx, model.SenderUser, text, nil)
		if err != nil {
			s.fail(ctx, err)
			return
		}

		s.goBackground(func(ctx context.Context) { s.correctMistakes(ctx, messageID) })

		s.performNextAction(ctx)
	})
	return true
}

// performNextAction posts the opening prompt of an empty conversation and
// takes the assistant's turn when the user or system spoke last.
func (s *Session) performNextAction(ctx context.Context) {
	if len(s.history()) == 0 {
		if !s.setStateIfNotError(StateWaitingForAssistant) {
			return
		}

		prompt := prompts.Conversation(prompts.ConversationSettings{
			Language:          s.scope.Language,
			ConversationTopic: s.conversation.ConversationTopic,
			StudyTopics:       s.conversation.StudyTopics,
			StudyWords:        s.conversation.StudyWords,
		})
		if _, err := s.addMessage(ctx, model.SenderSystem, prompt, nil); err != nil {
			s.fail(ctx, err)
			return
		}
	}

	history := s.history()
	last := history[len(history)-1].Sender
	if last == model.SenderSystem || last == model.SenderUser {
		if !s.setStateIfNotError(StateWaitingForAssistant) {
			return
		}
		if err := s.assistantTurn(ctx); err != nil {
			s.fail(ctx, err)
			return
		}
	}

	s.setStateIfNotError(StateWaitingForUser)
}

func (s *Session) assistantTurn(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "session.assistant_turn")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", s.conversationID),
		attribute.String("llm.model", s.model),
	)

	start := time.Now()
	err := s.runAssistantTurn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "turn failed")
		return err
	}

	s.logger.Debug("assistant turn completed", zap.Duration("duration", time.Since(start)))
	return nil
}

func (s *Session) runAssistantTurn(ctx context.Context) error {
	prepared, err := s.deps.Summarizer.PrepareMessages(ctx, PrepareRequest{
		Language:     s.scope.Language,
		Conversation: s.conversation,
		Model:        s.model,
		History:      s.history(),
		Persist:      s.setSummary,
	})
	if err != nil {
		return err
	}

	resp, err := s.deps.Completer.Chat(ctx, &model.ChatRequest{
		Model:       s.model,
		Messages:    prepared,
		Temperature: ChatTemperature,
	})
	if err != nil {
		return fmt.Errorf("failed to get assistant reply: %w", err)
	}
	if !s.liveness.Alive() {
		return errClosed
	}

	if err := s.deps.Tokens.Backfill(ctx, s.history(), len(prepared), resp.InputTokenCounts, s.setTokenCount); err != nil {
		return err
	}

	outputCount := resp.OutputTokenCount
	_, err = s.addMessage(ctx, model.SenderAssistant, resp.Message, &outputCount)
	return err
}

// addMessage appends after the session's current tail.
func (s *Session) addMessage(ctx context.Context, sender model.Sender, content string, tokenCount *int) (string, error) {
	messageID, err := s.deps.Store.AppendMessage(ctx, s.scope, s.conversationID, s.tailID(), sender, content, tokenCount)
	if !s.liveness.Alive() {
		return "", errClosed
	}
	if err != nil {
		return "", err
	}

	s.update(func() bool {
		s.messages = append(s.messages, model.Message{
			ID:                messageID,
			Date:              time.Now(),
			Sender:            sender,
			Content:           content,
			TokenCount:        tokenCount,
			MistakesProcessed: sender != model.SenderUser,
			Mistakes:          []model.Mistake{},
		})
		return true
	})
	publishEvent(ctx, s.deps.Events, s.logger, s.scope, s.conversationID, model.EventTypeMessageAppended, messageID, "")
	return messageID, nil
}

func (s *Session) setTokenCount(ctx context.Context, messageID string, count int) error {
	set, err := s.deps.Store.SetMessageTokenCount(ctx, s.scope, s.conversationID, messageID, count)
	if !s.liveness.Alive() {
		return errClosed
	}
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("%w: token count of %s already set", store.ErrConflict, messageID)
	}

	s.updateMessage(messageID, func(msg *model.Message) { msg.TokenCount = &count })
	publishEvent(ctx, s.deps.Events, s.logger, s.scope, s.conversationID, model.EventTypeTokenCountSet, messageID, "")
	return nil
}

func (s *Session) setSummary(ctx context.Context, messageID, summary string) error {
	set, err := s.deps.Store.SetMessageSummary(ctx, s.scope, s.conversationID, messageID, summary)
	if !s.liveness.Alive() {
		return errClosed
	}
	if err != nil {
		return err
	}
	if !set {
		return fmt.Errorf("%w: summary of %s already set", store.ErrConflict, messageID)
	}

	s.updateMessage(messageID, func(msg *model.Message) { msg.Summary = &summary })
	publishEvent(ctx, s.deps.Events, s.logger, s.scope, s.conversationID, model.EventTypeSummarySet, messageID, "")
	return nil
}

// correctMistakes analyzes one user message. Failures never reach the turn.
func (s *Session) correctMistakes(ctx context.Context, messageID string) {
	if s.deps.Mistakes == nil {
		return
	}

	found, ok := s.deps.Mistakes.Run(ctx, mistakes.Request{
		Scope:          s.scope,
		ConversationID: s.conversationID,
		Model:          s.model,
		History:        s.history(),
		MessageID:      messageID,
	})
	if !ok {
		return
	}

	s.updateMessage(messageID, func(msg *model.Message) {
		msg.MistakesProcessed = true
		msg.Mistakes = found
	})
	publishEvent(ctx, s.deps.Events, s.logger, s.scope, s.conversationID, model.EventTypeMistakesSet, messageID, "")
}
