package prompts

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/capitalize-ai/language-chat/internal/model"
)

func TestConversation(t *testing.T) {
	base := Conversation(ConversationSettings{Language: "Spanish", ConversationTopic: "the weather"})
	assert.Contains(t, base, "Spanish")
	assert.Contains(t, base, "the weather")
	assert.NotContains(t, base, "summary")

	summary := "Hablamos del clima."
	full := Conversation(ConversationSettings{
		Language:          "Spanish",
		ConversationTopic: "the weather",
		StudyTopics:       []string{"subjunctive"},
		StudyWords:        []string{"lluvia", "nube"},
		Summary:           &summary,
	})
	assert.Contains(t, full, "subjunctive")
	assert.Contains(t, full, "lluvia, nube")
	assert.True(t, strings.HasSuffix(full, summary))
}

func TestSummary(t *testing.T) {
	messages := []model.ChatMessage{
		{Sender: model.SenderAssistant, Content: "¿Qué tal?"},
		{Sender: model.SenderUser, Content: "Bien"},
	}

	first := Summary(SummarySettings{Language: "Spanish", RecentMessages: messages})
	assert.Contains(t, first, "<ASSISTANT>\n¿Qué tal?")
	assert.Contains(t, first, "<USER>\nBien")
	assert.NotContains(t, first, "<summary>")

	previous := "Resumen anterior"
	next := Summary(SummarySettings{Language: "Spanish", PreviousSummary: &previous, RecentMessages: messages})
	assert.Contains(t, next, "<summary>\nResumen anterior\n</summary>")
}

func TestCorrectMistakes_MentionsEveryToken(t *testing.T) {
	for _, previous := range [][]model.ChatMessage{nil, {{Sender: model.SenderAssistant, Content: "Hola"}}} {
		prompt := CorrectMistakes(CorrectMistakesSettings{Language: "French", PreviousMessages: previous})
		for _, token := range []string{MistakeToken, SeverityToken, EnglishExplanationToken, LanguageExplanationToken, NoMistakesToken} {
			assert.Contains(t, prompt, token)
		}
		assert.Contains(t, prompt, "French")
	}
}

func TestConversationTopics(t *testing.T) {
	assert.Contains(t, ConversationTopics("Japanese", 1), "1 conversation topic ")
	assert.Contains(t, ConversationTopics("Japanese", 5), "5 conversation topics")
}
