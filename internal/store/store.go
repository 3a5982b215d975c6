// Package store implements the conversation data layer: optimistic,
// conflict-detecting writes against a shared hierarchical key/value tree.
//
// Each message is its own entry; a conversation's history head holds only
// the tail pointer. Every tail advance and write-once field update is a
// compare-then-write transaction on a single entry. The transaction body re-checks its precondition against the
// freshest entry on every attempt; stale reads are retried here and never
// surface to callers, failed preconditions surface as conflicts.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/pkg/logger"
	"github.com/capitalize-ai/language-chat/pkg/metrics"
)

var (
	// ErrConflict means another writer advanced the tail or set the field first.
	ErrConflict = errors.New("conversation modified concurrently")

	// ErrNotFound means the conversation does not exist.
	ErrNotFound = errors.New("conversation not found")

	// ErrContention means a transaction kept reading stale data.
	ErrContention = errors.New("transaction retries exhausted")

	// ErrInvalidKey means an identifier cannot be used as a path segment.
	ErrInvalidKey = errors.New("invalid key segment")

	// ErrCorruptHistory means the message chain does not cover every message.
	ErrCorruptHistory = errors.New("message history chain is broken")
)

const maxTransactionAttempts = 32

// Scope addresses one user's data for one language.
type Scope struct {
	UserID   string
	Language string
}

func (s Scope) languagePath() string {
	return "users." + s.UserID + ".languages." + s.Language
}

func (s Scope) conversationsPrefix() string {
	return s.languagePath() + ".conversations."
}

func (s Scope) conversationKey(conversationID string) string {
	return s.conversationsPrefix() + conversationID
}

func (s Scope) messagesKey(conversationID string) string {
	return s.languagePath() + ".conversationMessages." + conversationID
}

func (s Scope) messagePrefix(conversationID string) string {
	return s.messagesKey(conversationID) + ".messages."
}

func (s Scope) messageKey(conversationID, messageID string) string {
	return s.messagePrefix(conversationID) + messageID
}

// Validate reports ErrInvalidKey when the user id or language cannot be
// used as a key segment.
func (s Scope) Validate() error {
	return s.validate()
}

func (s Scope) validate(ids ...string) error {
	for _, segment := range append([]string{s.UserID, s.Language}, ids...) {
		if !validSegment(segment) {
			return fmt.Errorf("%w: %q", ErrInvalidKey, segment)
		}
	}
	return nil
}

// validSegment accepts the characters every bucket backend allows in a key
// token, excluding the '.' separator.
func validSegment(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '=':
		default:
			return false
		}
	}
	return true
}

// Store is the conversation store.
type Store struct {
	bucket Bucket
	logger *logger.Logger
	now    func() time.Time
	newID  func() string
}

// New creates a store over bucket.
func New(bucket Bucket, log *logger.Logger) *Store {
	return &Store{
		bucket: bucket,
		logger: log,
		now:    time.Now,
		newID:  func() string { return uuid.Must(uuid.NewV7()).String() },
	}
}

// transact runs body against the current decoded value of key and writes the
// result conditioned on the revision that was read. body receives a fresh
// copy on every attempt and must not depend on state from earlier attempts.
// A missing key or a body returning false ends the transaction without a
// write and reports committed=false.
func transact[T any](ctx context.Context, b Bucket, key string, body func(doc *T) bool) (bool, error) {
	for attempt := 0; attempt < maxTransactionAttempts; attempt++ {
		if attempt > 0 {
			metrics.StoreTransactionRetries.Inc()
		}

		entry, err := b.Get(ctx, key)
		if errors.Is(err, ErrKeyNotFound) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to read %s: %w", key, err)
		}

		doc := new(T)
		if err := json.Unmarshal(entry.Value, doc); err != nil {
			return false, fmt.Errorf("failed to decode %s: %w", key, err)
		}

		if !body(doc) {
			return false, nil
		}

		data, err := json.Marshal(doc)
		if err != nil {
			return false, fmt.Errorf("failed to encode %s: %w", key, err)
		}

		_, err = b.Update(ctx, key, data, entry.Revision)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrRevisionMismatch), errors.Is(err, ErrKeyNotFound):
			continue
		default:
			return false, fmt.Errorf("failed to write %s: %w", key, err)
		}
	}

	return false, fmt.Errorf("%w: %s", ErrContention, key)
}

// AppendMessage inserts a message after expectedTailID and advances the tail
// pointer to it. expectedTailID is "" for the first message. It returns
// ErrConflict without writing anything if the tail has moved or the
// conversation no longer exists.
func (s *Store) AppendMessage(
	ctx context.Context,
	scope Scope,
	conversationID, expectedTailID string,
	sender model.Sender,
	content string,
	tokenCount *int,
) (string, error) {
	if err := scope.validate(conversationID); err != nil {
		return "", err
	}

	messageID := s.newID()
	record := messageRecord{
		Date:       s.now().UnixMilli(),
		Sender:     sender,
		Content:    content,
		PreviousID: expectedTailID,
	}
	if tokenCount != nil {
		count := *tokenCount
		record.TokenCount = &count
	}

	headKey := scope.messagesKey(conversationID)
	rejected := func() (string, error) {
		metrics.StoreConflictsTotal.WithLabelValues("append_message").Inc()
		s.logger.Debug("append rejected",
			zap.String("conversation_id", conversationID),
			zap.String("expected_tail", expectedTailID),
		)
		return "", fmt.Errorf("%w: tail of %s is no longer %q", ErrConflict, conversationID, expectedTailID)
	}

	// Checking the tail first avoids writing a message that cannot win.
	tail, err := s.readTail(ctx, headKey)
	if errors.Is(err, ErrNotFound) || (err == nil && tail != expectedTailID) {
		return rejected()
	}
	if err != nil {
		return "", err
	}

	data, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("failed to encode message: %w", err)
	}
	messageKey := scope.messageKey(conversationID, messageID)
	if _, err := s.bucket.Create(ctx, messageKey, data); err != nil {
		return "", fmt.Errorf("failed to write message: %w", err)
	}

	committed, err := transact(ctx, s.bucket, headKey, func(doc *historyRecord) bool {
		if doc.LastMessageID != expectedTailID {
			return false
		}
		doc.LastMessageID = messageID
		return true
	})
	if err != nil {
		// The tail may or may not have moved; the message stays either way.
		return "", err
	}
	if !committed {
		// Unreachable from the tail, but removed so it does not linger.
		if err := s.bucket.Delete(ctx, messageKey); err != nil {
			s.logger.Warn("failed to remove rejected message",
				zap.String("conversation_id", conversationID),
				zap.String("message_id", messageID),
				zap.Error(err),
			)
		}
		return rejected()
	}

	metrics.MessagesTotal.WithLabelValues(scope.Language, string(sender)).Inc()
	return messageID, nil
}

// SetMessageTokenCount sets the token count of a message unless one is
// already present. It reports whether this call set it.
func (s *Store) SetMessageTokenCount(ctx context.Context, scope Scope, conversationID, messageID string, count int) (bool, error) {
	return s.setOnce(ctx, scope, conversationID, messageID, "set_token_count", func(rec *messageRecord) bool {
		if rec.TokenCount != nil {
			return false
		}
		rec.TokenCount = &count
		return true
	})
}

// SetMessageSummary sets the summary of a message unless one is already present.
func (s *Store) SetMessageSummary(ctx context.Context, scope Scope, conversationID, messageID, summary string) (bool, error) {
	return s.setOnce(ctx, scope, conversationID, messageID, "set_summary", func(rec *messageRecord) bool {
		if rec.Summary != nil {
			return false
		}
		rec.Summary = &summary
		return true
	})
}

// SetMessageMistakes records the mistake analysis of a message unless one is
// already present. An empty list is a valid, final result.
func (s *Store) SetMessageMistakes(ctx context.Context, scope Scope, conversationID, messageID string, mistakes []model.Mistake) (bool, error) {
	set := append(mistakeSet{}, mistakes...)
	return s.setOnce(ctx, scope, conversationID, messageID, "set_mistakes", func(rec *messageRecord) bool {
		if rec.Mistakes != nil {
			return false
		}
		rec.Mistakes = &set
		return true
	})
}

func (s *Store) setOnce(
	ctx context.Context,
	scope Scope,
	conversationID, messageID, operation string,
	apply func(rec *messageRecord) bool,
) (bool, error) {
	if err := scope.validate(conversationID, messageID); err != nil {
		return false, err
	}

	committed, err := transact(ctx, s.bucket, scope.messageKey(conversationID, messageID), apply)
	if err != nil {
		return false, err
	}
	if !committed {
		metrics.StoreConflictsTotal.WithLabelValues(operation).Inc()
	}
	return committed, nil
}

// GetConversation returns the conversation metadata or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, scope Scope, conversationID string) (*model.Conversation, error) {
	if err := scope.validate(conversationID); err != nil {
		return nil, err
	}

	entry, err := s.bucket.Get(ctx, scope.conversationKey(conversationID))
	if errors.Is(err, ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var rec conversationRecord
	if err := json.Unmarshal(entry.Value, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode conversation: %w", err)
	}
	conv := rec.toModel(conversationID)
	return &conv, nil
}

// GetConversationMessages returns the history in append order, or ErrNotFound.
func (s *Store) GetConversationMessages(ctx context.Context, scope Scope, conversationID string) ([]model.Message, error) {
	if err := scope.validate(conversationID); err != nil {
		return nil, err
	}

	tail, err := s.readTail(ctx, scope.messagesKey(conversationID))
	if err != nil {
		return nil, err
	}

	// Walk the chain back from the tail; each append recorded its
	// predecessor. Messages left by rejected appends are never reached.
	var messages []model.Message
	seen := make(map[string]bool)
	for id := tail; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("%w: %s loops at %q", ErrCorruptHistory, conversationID, id)
		}
		seen[id] = true

		entry, err := s.bucket.Get(ctx, scope.messageKey(conversationID, id))
		if errors.Is(err, ErrKeyNotFound) {
			return nil, fmt.Errorf("%w: %s is missing %q", ErrCorruptHistory, conversationID, id)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to get message: %w", err)
		}

		var rec messageRecord
		if err := json.Unmarshal(entry.Value, &rec); err != nil {
			return nil, fmt.Errorf("failed to decode message %s: %w", id, err)
		}
		messages = append(messages, rec.toModel(id))
		id = rec.PreviousID
	}
	if messages == nil {
		messages = []model.Message{}
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// readTail returns the tail pointer of a history, or ErrNotFound.
func (s *Store) readTail(ctx context.Context, headKey string) (string, error) {
	entry, err := s.bucket.Get(ctx, headKey)
	if errors.Is(err, ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to get messages: %w", err)
	}

	var head historyRecord
	if err := json.Unmarshal(entry.Value, &head); err != nil {
		return "", fmt.Errorf("failed to decode messages: %w", err)
	}
	return head.LastMessageID, nil
}

// GetConversations lists the conversations of a language, oldest first.
func (s *Store) GetConversations(ctx context.Context, scope Scope) ([]model.Conversation, error) {
	if err := scope.validate(); err != nil {
		return nil, err
	}

	prefix := scope.conversationsPrefix()
	keys, err := s.bucket.Keys(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}

	conversations := make([]model.Conversation, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, prefix)
		if strings.Contains(id, ".") {
			continue
		}

		conv, err := s.GetConversation(ctx, scope, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted since the listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		conversations = append(conversations, *conv)
	}

	sort.SliceStable(conversations, func(i, j int) bool {
		return conversations[i].Date.Before(conversations[j].Date)
	})
	return conversations, nil
}

// CreateConversation creates a conversation with an empty history and
// returns its id. The history entry is written first so that a listed
// conversation always has one.
func (s *Store) CreateConversation(ctx context.Context, scope Scope, req *model.CreateConversationRequest) (string, error) {
	if err := scope.validate(); err != nil {
		return "", err
	}

	id := s.newID()

	history, err := json.Marshal(historyRecord{LastMessageID: ""})
	if err != nil {
		return "", fmt.Errorf("failed to encode messages: %w", err)
	}
	if _, err := s.bucket.Create(ctx, scope.messagesKey(id), history); err != nil {
		return "", fmt.Errorf("failed to create messages: %w", err)
	}

	meta, err := json.Marshal(conversationRecord{
		Date:              s.now().UnixMilli(),
		ConversationTopic: req.ConversationTopic,
		StudyTopics:       nonNil(req.StudyTopics),
		StudyWords:        nonNil(req.StudyWords),
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode conversation: %w", err)
	}
	if _, err := s.bucket.Create(ctx, scope.conversationKey(id), meta); err != nil {
		return "", fmt.Errorf("failed to create conversation: %w", err)
	}

	metrics.ConversationsTotal.WithLabelValues(scope.Language).Inc()
	return id, nil
}

// DeleteConversations removes the metadata and then the history of each
// conversation: its head first, which stops further appends, then its
// messages. These are separate writes: a failure in between leaves part of
// a conversation behind.
func (s *Store) DeleteConversations(ctx context.Context, scope Scope, conversationIDs []string) error {
	if err := scope.validate(conversationIDs...); err != nil {
		return err
	}

	var errs []error
	for _, id := range conversationIDs {
		if err := s.bucket.Delete(ctx, scope.conversationKey(id)); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete conversation %s: %w", id, err))
		}
	}
	for _, id := range conversationIDs {
		if err := s.deleteHistory(ctx, scope, id); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete messages of %s: %w", id, err))
		}
	}

	if err := errors.Join(errs...); err != nil {
		s.logger.Warn("conversation deletion incomplete",
			zap.String("user_id", scope.UserID),
			zap.String("language", scope.Language),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (s *Store) deleteHistory(ctx context.Context, scope Scope, conversationID string) error {
	if err := s.bucket.Delete(ctx, scope.messagesKey(conversationID)); err != nil {
		return err
	}

	keys, err := s.bucket.Keys(ctx, scope.messagePrefix(conversationID))
	if err != nil {
		return err
	}
	var errs []error
	for _, key := range keys {
		if err := s.bucket.Delete(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
