package mistakes

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/llm"
	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/prompts"
	"github.com/capitalize-ai/language-chat/internal/store"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

// ContextMessageCount is how many earlier non-system messages accompany the
// message under review.
const ContextMessageCount = 4

var (
	// ErrAlreadyRecorded means another writer persisted an analysis first.
	ErrAlreadyRecorded = errors.New("mistakes already recorded")

	// ErrNotUserMessage means the message is missing or was not sent by the user.
	ErrNotUserMessage = errors.New("not a user message")
)

var tracer = otel.Tracer("github.com/capitalize-ai/language-chat/internal/mistakes")

// Store persists analysis results write-once.
type Store interface {
	SetMessageMistakes(ctx context.Context, scope store.Scope, conversationID, messageID string, mistakes []model.Mistake) (bool, error)
}

// Request identifies the user message to analyze.
type Request struct {
	Scope          store.Scope
	ConversationID string
	Model          string
	// History is the conversation as known to the caller; it must contain
	// MessageID.
	History   []model.Message
	MessageID string
}

// Pipeline analyzes user messages one at a time.
type Pipeline struct {
	completer llm.Completer
	store     Store
	logger    *logger.Logger
}

// NewPipeline creates a pipeline.
func NewPipeline(completer llm.Completer, st Store, log *logger.Logger) *Pipeline {
	return &Pipeline{completer: completer, store: st, logger: log}
}

// Analyze asks for the mistakes in one user message and persists them. It
// returns ErrAlreadyRecorded when the write-once persist loses.
func (p *Pipeline) Analyze(ctx context.Context, req Request) ([]model.Mistake, error) {
	ctx, span := tracer.Start(ctx, "mistakes.analyze")
	defer span.End()
	span.SetAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("message.id", req.MessageID),
	)

	index := -1
	for i := range req.History {
		if req.History[i].ID == req.MessageID {
			index = i
			break
		}
	}
	if index < 0 || req.History[index].Sender != model.SenderUser {
		return nil, fmt.Errorf("%w: %s", ErrNotUserMessage, req.MessageID)
	}

	resp, err := p.completer.Chat(ctx, &model.ChatRequest{
		Model: req.Model,
		Messages: []model.ChatMessage{
			{
				Sender: model.SenderSystem,
				Content: prompts.CorrectMistakes(prompts.CorrectMistakesSettings{
					Language:         req.Scope.Language,
					PreviousMessages: ContextWindow(req.History, index),
				}),
			},
			{Sender: model.SenderUser, Content: req.History[index].Content},
		},
		Temperature: 0,
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("failed to request mistakes: %w", err)
	}

	result := Parse(resp.Message)
	if result.Anomaly {
		p.logger.Warn("mistake response contained errors",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", req.MessageID),
			zap.Int("accepted", len(result.Mistakes)),
			zap.String("response", resp.Message),
		)
	}
	span.SetAttributes(attribute.Int("mistakes.count", len(result.Mistakes)))

	set, err := p.store.SetMessageMistakes(ctx, req.Scope, req.ConversationID, req.MessageID, result.Mistakes)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persist failed")
		return nil, fmt.Errorf("failed to save mistakes: %w", err)
	}
	if !set {
		return nil, ErrAlreadyRecorded
	}
	return result.Mistakes, nil
}

// Run is Analyze for fire-and-forget callers: every failure is logged and
// reported only as ok=false.
func (p *Pipeline) Run(ctx context.Context, req Request) ([]model.Mistake, bool) {
	mistakes, err := p.Analyze(ctx, req)
	switch {
	case err == nil:
		metrics.MistakeAnalysesTotal.WithLabelValues("recorded").Inc()
		return mistakes, true
	case errors.Is(err, ErrAlreadyRecorded):
		metrics.MistakeAnalysesTotal.WithLabelValues("already_recorded").Inc()
		p.logger.Info("mistakes recorded by another session",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", req.MessageID),
		)
	default:
		metrics.MistakeAnalysesTotal.WithLabelValues("failed").Inc()
		p.logger.Error("mistake analysis failed",
			zap.String("conversation_id", req.ConversationID),
			zap.String("message_id", req.MessageID),
			zap.Error(err),
		)
	}
	return nil, false
}

// ContextWindow returns up to ContextMessageCount non-system messages that
// precede history[index], oldest first.
func ContextWindow(history []model.Message, index int) []model.ChatMessage {
	var window []model.ChatMessage
	for i := 0; i < index; i++ {
		if history[i].Sender == model.SenderSystem {
			continue
		}
		window = append(window, model.ChatMessage{Sender: history[i].Sender, Content: history[i].Content})
	}
	if len(window) > ContextMessageCount {
		window = window[len(window)-ContextMessageCount:]
	}
	return window
}
