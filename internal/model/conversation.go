// Package model defines data structures for the language conversation service.
package model

import (
	"time"
)

// Conversation holds the settings a conversation was started with. It is
// immutable after creation.
type Conversation struct {
	ID                string    `json:"id"`
	Date              time.Time `json:"date"`
	ConversationTopic string    `json:"conversationTopic"`
	StudyTopics       []string  `json:"studyTopics"`
	StudyWords        []string  `json:"studyWords"`
}

// CreateConversationRequest is the request to create a new conversation.
type CreateConversationRequest struct {
	ConversationTopic string   `json:"conversationTopic"`
	StudyTopics       []string `json:"studyTopics,omitempty"`
	StudyWords        []string `json:"studyWords,omitempty"`
}

// DeleteConversationsRequest is the request to delete several conversations at once.
type DeleteConversationsRequest struct {
	IDs []string `json:"ids"`
}

// ListConversationsResponse is the response for listing conversations.
type ListConversationsResponse struct {
	Conversations []Conversation `json:"conversations"`
	Total         int            `json:"total"`
}

// ConversationResponse is a conversation together with its message history.
type ConversationResponse struct {
	Conversation Conversation `json:"conversation"`
	Messages     []Message    `json:"messages"`
}

// TopicsResponse lists suggested conversation topics.
type TopicsResponse struct {
	Topics []string `json:"topics"`
}
