package llm

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

var tracer = otel.Tracer("github.com/capitalize-ai/language-chat/internal/llm")

// Endpoint is the in-process completion endpoint. It routes each request to
// the provider serving the model and reports a token count for every input
// message alongside the reply.
type Endpoint struct {
	providers map[string]Client
	models    []string
	counter   *TokenCounter
	logger    *logger.Logger
}

var _ Completer = (*Endpoint)(nil)

// NewEndpoint creates an endpoint over clients. When two clients list the
// same model the first one wins.
func NewEndpoint(counter *TokenCounter, log *logger.Logger, clients ...Client) *Endpoint {
	e := &Endpoint{
		providers: make(map[string]Client),
		counter:   counter,
		logger:    log,
	}
	for _, client := range clients {
		for _, m := range client.Models() {
			if _, ok := e.providers[m]; ok {
				continue
			}
			e.providers[m] = client
			e.models = append(e.models, m)
		}
	}
	return e
}

// Models returns every model some provider serves.
func (e *Endpoint) Models() []string {
	return append([]string(nil), e.models...)
}

// Supports reports whether a provider serves modelName.
func (e *Endpoint) Supports(modelName string) bool {
	_, ok := e.providers[modelName]
	return ok
}

// Chat validates req, sends it to the provider and counts tokens.
func (e *Endpoint) Chat(ctx context.Context, req *model.ChatRequest) (*model.ChatResponse, error) {
	client, err := e.validate(req)
	if err != nil {
		return nil, err
	}

	ctx, span := tracer.Start(ctx, "llm.chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.provider", client.Name()),
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	messages := make([]ChatMessage, len(req.Messages))
	inputCounts := make([]int, len(req.Messages))
	tokensIn := 0
	for i, msg := range req.Messages {
		messages[i] = ChatMessage{Role: RoleFor(msg.Sender), Content: msg.Content}
		inputCounts[i] = e.counter.Count(req.Model, msg.Content)
		tokensIn += inputCounts[i]
	}

	start := time.Now()
	resp, err := client.Complete(ctx, &CompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	})
	duration := time.Since(start).Seconds()
	if err != nil {
		metrics.RecordLLMRequest(req.Model, "error", duration, 0, 0)
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		e.logger.Error("completion failed",
			zap.String("provider", client.Name()),
			zap.String("model", req.Model),
			zap.Error(err),
		)
		return nil, &TransportError{Op: client.Name() + " completion", Err: err}
	}

	// Counts cover message content only, never per-message framing tokens.
	outputCount := e.counter.Count(req.Model, resp.Content)

	metrics.RecordLLMRequest(req.Model, "ok", duration, tokensIn, outputCount)
	span.SetAttributes(
		attribute.Int("llm.tokens_in", tokensIn),
		attribute.Int("llm.tokens_out", outputCount),
	)

	return &model.ChatResponse{
		Message:          resp.Content,
		InputTokenCounts: inputCounts,
		OutputTokenCount: outputCount,
	}, nil
}

func (e *Endpoint) validate(req *model.ChatRequest) (Client, error) {
	if req == nil {
		return nil, fmt.Errorf("%w: missing body", ErrInvalidRequest)
	}
	client, ok := e.providers[req.Model]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported model %q", ErrInvalidRequest, req.Model)
	}
	if req.Temperature < 0 || req.Temperature > 1 {
		return nil, fmt.Errorf("%w: temperature %v outside [0, 1]", ErrInvalidRequest, req.Temperature)
	}
	if len(req.Messages) == 0 {
		return nil, fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	for i, msg := range req.Messages {
		if !msg.Sender.Valid() {
			return nil, fmt.Errorf("%w: message %d has unknown sender %q", ErrInvalidRequest, i, msg.Sender)
		}
	}
	return client, nil
}
