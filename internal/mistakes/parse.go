// Package mistakes finds language mistakes in user messages by asking the
// completion endpoint, and parses its sentinel-delimited reply.
package mistakes

import (
	"strconv"
	"strings"

	"github.com/capitalize-ai/language-chat/internal/model"
	"github.com/capitalize-ai/language-chat/internal/prompts"
)

// Severity bounds accepted from the model. The prompt asks for 1 to 5.
const (
	MinSeverity = 1
	MaxSeverity = 10
)

// Result is the outcome of parsing one reply.
type Result struct {
	Mistakes []model.Mistake
	// Anomaly is set when records were discarded or the scan stopped on a
	// missing token. Mistakes still holds everything accepted before that.
	Anomaly bool
}

// Parse reads a mistake-correction reply. A reply that is exactly the
// no-mistakes token yields no records. Otherwise each record runs from a
// MISTAKE token to the next one, or to the end of text, and must carry
// SEVERITY, EXPL_ENGLISH and EXPL_LANGUAGE in that order. The scan stops at
// the first record missing any of them.
func Parse(text string) Result {
	res := Result{Mistakes: []model.Mistake{}}

	remaining := text
	if strings.TrimSpace(text) == prompts.NoMistakesToken {
		remaining = ""
	}

	for remaining != "" {
		mistakeAt := strings.Index(remaining, prompts.MistakeToken)
		if mistakeAt < 0 {
			res.Anomaly = true
			break
		}
		descStart := mistakeAt + len(prompts.MistakeToken)

		severityAt := indexFrom(remaining, prompts.SeverityToken, descStart)
		if severityAt < 0 {
			res.Anomaly = true
			break
		}
		severityStart := severityAt + len(prompts.SeverityToken)

		englishAt := indexFrom(remaining, prompts.EnglishExplanationToken, severityStart)
		if englishAt < 0 {
			res.Anomaly = true
			break
		}
		englishStart := englishAt + len(prompts.EnglishExplanationToken)

		languageAt := indexFrom(remaining, prompts.LanguageExplanationToken, englishStart)
		if languageAt < 0 {
			res.Anomaly = true
			break
		}
		languageStart := languageAt + len(prompts.LanguageExplanationToken)

		end := indexFrom(remaining, prompts.MistakeToken, languageStart)
		if end < 0 {
			end = len(remaining)
		}

		mistake := model.Mistake{
			Description:         strings.TrimSpace(remaining[descStart:severityAt]),
			EnglishExplanation:  strings.TrimSpace(remaining[englishStart:languageAt]),
			LanguageExplanation: strings.TrimSpace(remaining[languageStart:end]),
		}
		severity, ok := leadingInt(strings.TrimSpace(remaining[severityStart:englishAt]))
		remaining = remaining[end:]

		if !ok || severity < MinSeverity || severity > MaxSeverity {
			res.Anomaly = true
			continue
		}
		if mistake.Description == "" || mistake.EnglishExplanation == "" || mistake.LanguageExplanation == "" {
			res.Anomaly = true
			continue
		}

		mistake.Severity = severity
		res.Mistakes = append(res.Mistakes, mistake)
	}

	return res
}

func indexFrom(s, substr string, from int) int {
	i := strings.Index(s[from:], substr)
	if i < 0 {
		return -1
	}
	return from + i
}

// leadingInt parses the integer at the start of s, ignoring anything after
// it, so "3 (moderate)" reads as 3.
func leadingInt(s string) (int, bool) {
	end := 0
	if end < len(s) && (s[end] == '-' || s[end] == '+') {
		end++
	}
	digits := end
	for end < len(s) && s[end] >= '0' && s[end] <= '9' {
		end++
	}
	if end == digits {
		return 0, false
	}
	n, err := strconv.Atoi(s[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}
