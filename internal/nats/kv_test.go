package nats

import (
	"errors"
	"fmt"
	"testing"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/store"
)

func TestTranslateKVError(t *testing.T) {
	wrongSeq := &jetstream.APIError{Code: 400, ErrorCode: jetstream.JSErrCodeStreamWrongLastSequence, Description: "wrong last sequence: 4"}
	other := errors.New("connection closed")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "nil", err: nil, want: nil},
		{name: "missing key", err: jetstream.ErrKeyNotFound, want: store.ErrKeyNotFound},
		{name: "deleted key", err: jetstream.ErrKeyDeleted, want: store.ErrKeyNotFound},
		{name: "stale revision", err: fmt.Errorf("nats: %w", wrongSeq), want: store.ErrRevisionMismatch},
		{name: "unrelated", err: other, want: other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := translateKVError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t,
		"conv.u1.Spanish.c1.event.summary_set",
		EventSubject("u1", "Spanish", "c1", model.EventTypeSummarySet),
	)
	assert.Equal(t, "conv.u1.Spanish.c1.>", ConversationFilter("u1", "Spanish", "c1"))
}

func TestKeyFilter(t *testing.T) {
	tests := []struct {
		prefix string
		want   string
	}{
		{"users.u1.languages.Spanish.conversations.", "users.u1.languages.Spanish.conversations.>"},
		{"users.u1.languages.Spa", "users.u1.languages.>"},
		{"users", ">"},
		{"", ">"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, keyFilter(tt.prefix), tt.prefix)
	}
}
