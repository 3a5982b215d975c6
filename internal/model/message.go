package model

import (
	"time"
)

// Sender identifies who wrote a message.
type Sender string

const (
	SenderSystem    Sender = "System"
	SenderAssistant Sender = "Assistant"
	SenderUser      Sender = "User"
)

// Valid reports whether s is one of the known senders.
func (s Sender) Valid() bool {
	switch s {
	case SenderSystem, SenderAssistant, SenderUser:
		return true
	}
	return false
}

// Mistake is one language mistake found in a user message.
type Mistake struct {
	Description         string `json:"description"`
	Severity            int    `json:"severity"`
	EnglishExplanation  string `json:"englishExplanation"`
	LanguageExplanation string `json:"languageExplanation"`
}

// Message is one entry of a conversation history.
type Message struct {
	ID      string    `json:"id"`
	Date    time.Time `json:"date"`
	Sender  Sender    `json:"sender"`
	Content string    `json:"content"`

	// Write-once fields. Nil means not yet set.
	TokenCount *int    `json:"tokenCount"`
	Summary    *string `json:"summary"`

	// MistakesProcessed is false only for user messages whose analysis has
	// not been persisted yet.
	MistakesProcessed bool      `json:"mistakesProcessed"`
	Mistakes          []Mistake `json:"mistakes"`
}

// SendMessageRequest is the request to send a user message into a session.
type SendMessageRequest struct {
	Content string `json:"content"`
}
