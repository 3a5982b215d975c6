package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/capitalize-ai/language-chat/internal/model"
)

// ErrMalformedResponse means a completion response cannot be applied to the
// prompt it answers.
var ErrMalformedResponse = errors.New("malformed completion response")

// TokenTracker fills in message token counts from completion responses.
type TokenTracker struct{}

// SetTokenCount persists one token count. It returns a conflict error when
// the count was already set by someone else.
type SetTokenCount func(ctx context.Context, messageID string, count int) error

// Backfill applies the per-input counts of a completion to history. The
// prompt of promptLen messages is the system prompt followed by the newest
// messages, so count 0 belongs to history[0] and count i>0 to the i-th of
// the trailing len(counts)-1 messages. There must be exactly one count per
// prompt message. Messages that already have a count are skipped.
func (TokenTracker) Backfill(ctx context.Context, history []model.Message, promptLen int, counts []int, set SetTokenCount) error {
	if len(counts) != promptLen {
		return fmt.Errorf("%w: %d token counts for a prompt of %d messages", ErrMalformedResponse, len(counts), promptLen)
	}
	if len(counts) > len(history) {
		return fmt.Errorf("%w: %d token counts for %d messages", ErrMalformedResponse, len(counts), len(history))
	}

	for i, count := range counts {
		index := 0
		if i > 0 {
			index = len(history) - len(counts) + i
		}
		if index < 0 || index >= len(history) {
			return fmt.Errorf("%w: token count %d maps outside the history", ErrMalformedResponse, i)
		}

		msg := history[index]
		if msg.TokenCount != nil {
			continue
		}
		if err := set(ctx, msg.ID, count); err != nil {
			return err
		}
	}
	return nil
}
