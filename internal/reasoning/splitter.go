// Package reasoning separates Qwen3 <think> blocks from the answer text.
package reasoning

import (
	"strings"

	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

type SplitResult struct {
	Content   string
	Reasoning string
}

// SplitRaw separates content and reasoning in a finished reply. Tags match
// case-insensitively. A block that is opened but never closed makes the
// rest of the text reasoning. Newlines right after a closing tag belong to
// neither part.
func SplitRaw(raw string) SplitResult {
	lower := strings.ToLower(raw)
	var content, reasoning strings.Builder
	cursor := 0
	for cursor < len(raw) {
		start := strings.Index(lower[cursor:], tokenizer.ThinkOpen)
		if start < 0 {
			content.WriteString(raw[cursor:])
			break
		}
		start += cursor
		content.WriteString(raw[cursor:start])

		body := start + len(tokenizer.ThinkOpen)
		end := strings.Index(lower[body:], tokenizer.ThinkClose)
		if end < 0 {
			reasoning.WriteString(raw[body:])
			break
		}
		end += body
		reasoning.WriteString(raw[body:end])
		cursor = end + len(tokenizer.ThinkClose)
		for cursor < len(raw) && raw[cursor] == '\n' {
			cursor++
		}
	}
	return SplitResult{
		Content:   content.String(),
		Reasoning: strings.Trim(reasoning.String(), "\n"),
	}
}

// Splitter incrementally splits streamed text into content and reasoning
// deltas. Text that could be the start of a tag is held back until the
// next Push or Flush decides it.
type Splitter struct {
	pending  string
	inThink  bool
	skipNL   bool
	sawThink bool
}

func (s *Splitter) Push(delta string) (contentDelta, reasoningDelta string) {
	if delta == "" {
		return "", ""
	}
	buf := s.pending + delta
	var content, reasoning strings.Builder
	for buf != "" {
		if s.skipNL {
			buf = strings.TrimLeft(buf, "\n")
			if buf == "" {
				break
			}
			s.skipNL = false
		}
		tag := tokenizer.ThinkOpen
		out := &content
		if s.inThink {
			tag, out = tokenizer.ThinkClose, &reasoning
		}
		i := strings.Index(buf, tag)
		if i < 0 {
			keep := partialPrefix(buf, tag)
			out.WriteString(buf[:len(buf)-keep])
			buf = buf[len(buf)-keep:]
			break
		}
		out.WriteString(buf[:i])
		buf = buf[i+len(tag):]
		if s.inThink {
			s.skipNL = true
		}
		s.inThink = !s.inThink
		s.sawThink = true
	}
	s.pending = buf
	return content.String(), reasoning.String()
}

// Flush releases any held back text.
func (s *Splitter) Flush() (contentDelta, reasoningDelta string) {
	rest := s.pending
	s.pending = ""
	if s.inThink {
		return "", rest
	}
	return rest, ""
}

// InReasoning reports whether the stream is inside an open think block.
func (s *Splitter) InReasoning() bool { return s.inThink }

// partialPrefix is the length of the longest suffix of s that is a proper
// prefix of tag.
func partialPrefix(s, tag string) int {
	for n := min(len(s), len(tag)-1); n > 0; n-- {
		if strings.HasSuffix(s, tag[:n]) {
			return n
		}
	}
	return 0
}
