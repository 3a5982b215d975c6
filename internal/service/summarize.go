package service

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/prompts"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

// Summarization thresholds for the window sent after the anchor.
const (
	MessageCountSummaryThreshold = 50
	TokenCountSummaryThreshold   = 30000
)

// Summarizer bounds the prompt sent for each assistant turn by replacing the
// oldest half of a long window with a summary.
type Summarizer struct {
	completer llm.Completer
	logger    *logger.Logger
}

// NewSummarizer creates a summarizer.
func NewSummarizer(completer llm.Completer, log *logger.Logger) *Summarizer {
	return &Summarizer{completer: completer, logger: log}
}

// SetSummary persists a summary write-once. It returns a conflict error when
// another writer summarized the message first.
type SetSummary func(ctx context.Context, messageID, summary string) error

// PrepareRequest is the input of PrepareMessages.
type PrepareRequest struct {
	Language     string
	Conversation model.Conversation
	Model        string
	History      []model.Message
	Persist      SetSummary
}

// PrepareMessages returns the prompt for the next assistant turn. The window
// starts at the newest summarized message (the anchor), or after the opening
// system prompt when there is none. A window of MessageCountSummaryThreshold
// messages or more, or one totalling TokenCountSummaryThreshold tokens, has
// its oldest half summarized first unless its midpoint already carries a
// summary. The summary must be persisted before the prompt is returned; if
// another writer got there first the error aborts the turn.
func (z *Summarizer) PrepareMessages(ctx context.Context, req PrepareRequest) ([]model.ChatMessage, error) {
	history := req.History
	if len(history) <= 1 {
		return chatMessages(history), nil
	}

	settings := prompts.ConversationSettings{
		Language:          req.Language,
		ConversationTopic: req.Conversation.ConversationTopic,
		StudyTopics:       req.Conversation.StudyTopics,
		StudyWords:        req.Conversation.StudyWords,
	}

	start := lastSummarized(history)
	var prompt string
	if start < 0 {
		start = 1
		prompt = history[0].Content
	} else {
		settings.Summary = history[start].Summary
		prompt = prompts.Conversation(settings)
	}
	window := history[start:]

	// The opening prompt is counted as sent even though a rebuilt prompt
	// replaces it once there is an anchor.
	total := tokenCount(history[0])
	for _, msg := range window {
		total += tokenCount(msg)
	}

	half := len(window) / 2
	if (len(window) < MessageCountSummaryThreshold && total < TokenCountSummaryThreshold) || window[half].Summary != nil {
		return withSystemPrompt(prompt, window), nil
	}

	ctx, span := tracer.Start(ctx, "session.summarize")
	defer span.End()
	span.SetAttributes(
		attribute.Int("summary.window", len(window)),
		attribute.Int("summary.tokens", total),
	)

	resp, err := z.completer.Chat(ctx, &model.ChatRequest{
		Model: req.Model,
		Messages: []model.ChatMessage{{
			Sender: model.SenderSystem,
			Content: prompts.Summary(prompts.SummarySettings{
				Language:        req.Language,
				PreviousSummary: settings.Summary,
				RecentMessages:  chatMessages(window[:half]),
			}),
		}},
		Temperature: 0,
	})
	if err != nil {
		metrics.SummarizationsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		return nil, fmt.Errorf("failed to summarize: %w", err)
	}

	anchor := window[half]
	if err := req.Persist(ctx, anchor.ID, resp.Message); err != nil {
		metrics.SummarizationsTotal.WithLabelValues("not_persisted").Inc()
		span.RecordError(err)
		return nil, err
	}

	metrics.SummarizationsTotal.WithLabelValues("persisted").Inc()
	z.logger.Info("conversation summarized",
		zap.String("anchor_id", anchor.ID),
		zap.Int("summarized_messages", half),
		zap.Int("window_tokens", total),
	)

	summary := resp.Message
	settings.Summary = &summary
	return withSystemPrompt(prompts.Conversation(settings), window[half:]), nil
}

func lastSummarized(history []model.Message) int {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Summary != nil {
			return i
		}
	}
	return -1
}

func tokenCount(msg model.Message) int {
	if msg.TokenCount == nil {
		return 0
	}
	return *msg.TokenCount
}

func chatMessages(messages []model.Message) []model.ChatMessage {
	out := make([]model.ChatMessage, len(messages))
	for i, msg := range messages {
		out[i] = model.ChatMessage{Sender: msg.Sender, Content: msg.Content}
	}
	return out
}

func withSystemPrompt(prompt string, window []model.Message) []model.ChatMessage {
	out := make([]model.ChatMessage, 0, len(window)+1)
	out = append(out, model.ChatMessage{Sender: model.SenderSystem, Content: prompt})
	return append(out, chatMessages(window)...)
}
