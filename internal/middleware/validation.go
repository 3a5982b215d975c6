package middleware

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Languages are the languages conversations can be held in.
var Languages = []string{"Spanish", "Japanese", "French"}

// Limits on user-provided text.
const (
	MaxMessageLength = 10000
	MaxTopicLength   = 256
	MaxStudyItems    = 50
	MaxTopicCount    = 50
)

// ValidateLanguage checks that language is supported.
func ValidateLanguage(language string) error {
	for _, l := range Languages {
		if l == language {
			return nil
		}
	}
	return fmt.Errorf("unsupported language %q, expected one of %s", language, strings.Join(Languages, ", "))
}

// ValidateMessageContent validates message content.
func ValidateMessageContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return errors.New("content cannot be empty")
	}
	if len(content) > MaxMessageLength {
		return errors.New("content exceeds maximum length")
	}
	if !utf8.ValidString(content) {
		return errors.New("content must be valid UTF-8")
	}
	return nil
}

// ValidateConversationID validates a conversation ID.
func ValidateConversationID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid conversation ID format")
	}
	return nil
}

// ValidateSessionID validates a session ID.
func ValidateSessionID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return errors.New("invalid session ID format")
	}
	return nil
}

// ValidateTopic validates the topic a conversation starts on.
func ValidateTopic(topic string) error {
	if strings.TrimSpace(topic) == "" {
		return errors.New("conversation topic cannot be empty")
	}
	if len(topic) > MaxTopicLength {
		return errors.New("conversation topic exceeds maximum length")
	}
	if !utf8.ValidString(topic) {
		return errors.New("conversation topic must be valid UTF-8")
	}
	return nil
}

// ValidateStudyList validates the study topics or words of a conversation.
func ValidateStudyList(field string, items []string) error {
	if len(items) > MaxStudyItems {
		return fmt.Errorf("%s has more than %d entries", field, MaxStudyItems)
	}
	for _, item := range items {
		if strings.TrimSpace(item) == "" || len(item) > MaxTopicLength || !utf8.ValidString(item) {
			return fmt.Errorf("%s contains an invalid entry", field)
		}
	}
	return nil
}

// ValidateTopicCount validates the number of topic suggestions requested.
func ValidateTopicCount(count int) error {
	if count < 1 || count > MaxTopicCount {
		return fmt.Errorf("count must be between 1 and %d", MaxTopicCount)
	}
	return nil
}
