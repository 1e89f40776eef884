// Package tokenizer implements the score-ordered BPE vocabulary shipped next
// to a checkpoint, plus the chat template the model was tuned on.
package tokenizer

// Tokenizer defines the minimal interface used by the CLI and the server.
type Tokenizer interface {
	Encode(text string) ([]int, error)
	Decode(ids []int) (string, error)
}

var _ Tokenizer = (*Vocab)(nil)
