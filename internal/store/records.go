package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/capitalize-ai/language-chat/internal/model"
)

type conversationRecord struct {
	Date              int64    `json:"date"`
	ConversationTopic string   `json:"conversationTopic"`
	StudyTopics       []string `json:"studyTopics"`
	StudyWords        []string `json:"studyWords"`
}

func (r *conversationRecord) toModel(id string) model.Conversation {
	return model.Conversation{
		ID:                id,
		Date:              time.UnixMilli(r.Date),
		ConversationTopic: r.ConversationTopic,
		StudyTopics:       nonNil(r.StudyTopics),
		StudyWords:        nonNil(r.StudyWords),
	}
}

// historyRecord is the head of a conversation's history. It only holds the
// tail pointer, so its size does not grow with the conversation; every tail
// advance is a conditional write of this entry.
type historyRecord struct {
	LastMessageID string `json:"lastMessageId"`
}

// messageRecord is one message, stored under its own key. PreviousID links
// it to the tail it was appended after.
type messageRecord struct {
	Date       int64        `json:"date"`
	Sender     model.Sender `json:"sender"`
	Content    string       `json:"content"`
	PreviousID string       `json:"previousId"`
	TokenCount *int         `json:"tokenCount,omitempty"`
	Summary    *string      `json:"summary,omitempty"`
	Mistakes   *mistakeSet  `json:"mistakes,omitempty"`
}

func (r *messageRecord) toModel(id string) model.Message {
	msg := model.Message{
		ID:                id,
		Date:              time.UnixMilli(r.Date),
		Sender:            r.Sender,
		Content:           r.Content,
		TokenCount:        r.TokenCount,
		Summary:           r.Summary,
		MistakesProcessed: r.Sender != model.SenderUser || r.Mistakes != nil,
		Mistakes:          []model.Mistake{},
	}
	if r.Mistakes != nil {
		msg.Mistakes = append(msg.Mistakes, (*r.Mistakes)...)
	}
	return msg
}

// mistakeSet is a persisted analysis result. An empty result is stored as the
// string "" so it stays distinguishable from "not analyzed" (field absent).
type mistakeSet []model.Mistake

func (m mistakeSet) MarshalJSON() ([]byte, error) {
	if len(m) == 0 {
		return []byte(`""`), nil
	}
	return json.Marshal([]model.Mistake(m))
}

func (m *mistakeSet) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		if string(data) != `""` {
			return fmt.Errorf("invalid mistakes marker %s", data)
		}
		*m = mistakeSet{}
		return nil
	}

	var list []model.Mistake
	if err := json.Unmarshal(data, &list); err != nil {
		return err
	}
	*m = list
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
