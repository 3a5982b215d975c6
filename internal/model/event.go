package model

import (
	"time"
)

// EventType represents the type of conversation event.
type EventType string

const (
	EventTypeMessageAppended EventType = "message_appended"
	EventTypeTokenCountSet   EventType = "token_count_set"
	EventTypeSummarySet      EventType = "summary_set"
	EventTypeMistakesSet     EventType = "mistakes_set"
	EventTypeError           EventType = "error"
)

// ConversationEvent records a change made to a conversation by a session.
type ConversationEvent struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	Language       string    `json:"language"`
	ConversationID string    `json:"conversation_id"`
	Type           EventType `json:"type"`
	MessageID      string    `json:"message_id,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ErrorEvent is sent to streaming clients when a request fails.
type ErrorEvent struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// HeartbeatEvent represents a heartbeat event.
type HeartbeatEvent struct {
	Timestamp time.Time `json:"timestamp"`
}

// EventsResponse is one page of a conversation's event log.
type EventsResponse struct {
	Events       []ConversationEvent `json:"events"`
	LastSequence uint64              `json:"last_sequence"`
	HasMore      bool                `json:"has_more"`
}
