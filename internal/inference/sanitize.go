package inference

import (
	"strings"

	"github.com/samcharles93/qwenrt/internal/reasoning"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

var sentinels = []string{tokenizer.ImStart, tokenizer.ImEnd, tokenizer.EndOfText}

// SanitizeAssistantForContext removes reasoning and chat sentinels before
// assistant text is fed back into a later turn.
func SanitizeAssistantForContext(text string) string {
	s := reasoning.SplitRaw(text).Content
	for _, token := range sentinels {
		s = strings.ReplaceAll(s, token, "")
	}
	return strings.TrimSpace(s)
}

// SanitizeHistory applies SanitizeAssistantForContext to every assistant
// message, leaving msgs untouched.
func SanitizeHistory(msgs []tokenizer.Message) []tokenizer.Message {
	out := make([]tokenizer.Message, len(msgs))
	for i, m := range msgs {
		if m.Role == "assistant" {
			m.Content = SanitizeAssistantForContext(m.Content)
		}
		out[i] = m
	}
	return out
}
