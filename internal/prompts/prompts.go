// Package prompts builds the instructions sent to the completion endpoint.
package prompts

import (
	"fmt"
	"strings"

	"github.com/capitalize-ai/language-chat/internal/model"
)

// Sentinel tokens of the mistake-correction reply format.
const (
	NoMistakesToken          = "$NO_MISTAKES$"
	MistakeToken             = "$MISTAKE$"
	SeverityToken            = "$SEVERITY$"
	EnglishExplanationToken  = "$EXPL_ENGLISH$"
	LanguageExplanationToken = "$EXPL_LANGUAGE$"
)

// ConversationSettings configures the system prompt of a conversation.
type ConversationSettings struct {
	Language          string
	ConversationTopic string
	StudyTopics       []string
	StudyWords        []string
	// Summary of the messages no longer sent, if any.
	Summary *string
}

// SummarySettings configures a summarization request.
type SummarySettings struct {
	Language        string
	PreviousSummary *string
	RecentMessages  []model.ChatMessage
}

// CorrectMistakesSettings configures a mistake-correction request.
type CorrectMistakesSettings struct {
	Language         string
	PreviousMessages []model.ChatMessage
}

func intro(language string) string {
	return fmt.Sprintf("I am practicing conversation in %s, a language I am learning.", language)
}

func transcript(messages []model.ChatMessage) string {
	var b strings.Builder
	b.WriteString("In the transcript below, <USER> starts one of my messages, <ASSISTANT> starts one of yours, and <END> is where the conversation currently stops.")
	for _, msg := range messages {
		b.WriteString("\n\n")
		switch msg.Sender {
		case model.SenderUser:
			b.WriteString("<USER>\n")
		case model.SenderAssistant:
			b.WriteString("<ASSISTANT>\n")
		default:
			b.WriteString("<CONTEXT>\n")
		}
		b.WriteString(msg.Content)
	}
	b.WriteString("\n\n<END>")
	return b.String()
}

// Conversation returns the system prompt opening a conversation, or
// replacing it once older messages have been summarized.
func Conversation(s ConversationSettings) string {
	parts := []string{
		fmt.Sprintf("%s Act as a native %s speaker and talk with me. We start on this topic: %s. Feel free to let the conversation drift away from it.",
			intro(s.Language), s.Language, s.ConversationTopic),
	}

	if len(s.StudyTopics) > 0 {
		parts = append(parts, fmt.Sprintf(
			"I am studying these %s topics right now: %s. Work them into the conversation when it feels natural.",
			s.Language, strings.Join(s.StudyTopics, ", ")))
	}

	if len(s.StudyWords) > 0 {
		parts = append(parts, fmt.Sprintf(
			"I am studying these %s words right now: %s. Use them when it feels natural; other forms of the same word count too.",
			s.Language, strings.Join(s.StudyWords, ", ")))
	}

	parts = append(parts, "Keep each reply short, a few sentences at most.")

	if s.Summary != nil {
		parts = append(parts, "Earlier messages were removed to keep the conversation short. This is a summary of them:", *s.Summary)
	}

	return strings.Join(parts, "\n\n")
}

// Summary returns the instruction to summarize the oldest part of a
// conversation, building on the previous summary if there is one.
func Summary(s SummarySettings) string {
	parts := []string{intro(s.Language) + " Our conversation has become long."}

	lead := "These are the messages we exchanged."
	if s.PreviousSummary != nil {
		parts = append(parts,
			"You summarized the start of it earlier:",
			"<summary>\n"+*s.PreviousSummary+"\n</summary>")
		lead = "These are the messages we exchanged after that."
	}
	parts = append(parts, lead+" "+transcript(s.RecentMessages))

	source := "these messages"
	if s.PreviousSummary != nil {
		source = "the earlier summary and these messages"
	}
	parts = append(parts, fmt.Sprintf(
		"Write a short summary of the whole conversation so far from %s. Write it in %s, in plain text with no delimiters, and keep it under 250 words.",
		source, s.Language))

	return strings.Join(parts, "\n\n")
}

// CorrectMistakes returns the instruction to review the next user message.
// The reply format is read by the mistakes parser.
func CorrectMistakes(s CorrectMistakesSettings) string {
	var parts []string

	if len(s.PreviousMessages) > 0 {
		parts = append(parts,
			intro(s.Language)+" For context, here are the latest messages of our conversation. "+transcript(s.PreviousMessages),
			"Correct the grammar, spelling and conceptual errors in my next message only. The messages above are context and need no corrections.")
	} else {
		parts = append(parts, intro(s.Language)+" Correct the grammar, spelling and conceptual errors in my next message.")
	}

	parts = append(parts,
		fmt.Sprintf("Report each mistake like this. Start a new line with %s and a general 3-8 word English description of the mistake. "+
			"On the next line write %s and a number from 1 to 5, where 1 is a minor slip and 5 a severe, very noticeable error. "+
			"On the next line write %s and explain in English what went wrong in my message. "+
			"On the last line write %s and give the same explanation in %s.",
			MistakeToken, SeverityToken, EnglishExplanationToken, LanguageExplanationToken, s.Language),
		fmt.Sprintf("If there are no mistakes, reply with only %s.", NoMistakesToken))

	return strings.Join(parts, "\n\n")
}

// ConversationTopics asks for count topic ideas, one per line.
func ConversationTopics(language string, count int) string {
	noun := "topics"
	if count == 1 {
		noun = "topic"
	}
	return fmt.Sprintf(
		"%s Suggest %d conversation %s I could practice with. Put each topic on its own line as a short English phrase of 1-8 words, "+
			"without numbers, bullets or any text before or after the list. Be creative.",
		intro(language), count, noun)
}
