package tokenizer

import (
	"strings"

	"github.com/samcharles93/qwenrt/internal/errs"
)

const (
	ImStart    = "<|im_start|>"
	ImEnd      = "<|im_end|>"
	EndOfText  = "<|endoftext|>"
	ThinkOpen  = "<think>"
	ThinkClose = "</think>"
)

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ChatOptions struct {
	// AddGenerationPrompt opens an assistant turn after the last message.
	AddGenerationPrompt bool
	// NoThinking pre-fills an empty think block so the model answers
	// directly.
	NoThinking bool
}

var validRoles = map[string]bool{
	"system":    true,
	"user":      true,
	"assistant": true,
	"tool":      true,
}

// RenderChat renders msgs with the Qwen3 ChatML template:
//
//	<|im_start|>role\ncontent<|im_end|>\n
func RenderChat(msgs []Message, opts ChatOptions) (string, error) {
	if len(msgs) == 0 {
		return "", errs.New(errs.ErrInvalidArgument, "chat: no messages")
	}
	var sb strings.Builder
	for i, m := range msgs {
		if !validRoles[m.Role] {
			return "", errs.New(errs.ErrInvalidArgument, "chat: message %d has unknown role %q", i, m.Role)
		}
		sb.WriteString(ImStart)
		sb.WriteString(m.Role)
		sb.WriteByte('\n')
		sb.WriteString(m.Content)
		sb.WriteString(ImEnd)
		sb.WriteByte('\n')
	}
	if opts.AddGenerationPrompt {
		sb.WriteString(ImStart)
		sb.WriteString("assistant\n")
		if opts.NoThinking {
			sb.WriteString(ThinkOpen + "\n\n" + ThinkClose + "\n\n")
		}
	}
	return sb.String(), nil
}
