package inference

import (
	"context"
	"errors"
	"slices"
	"strings"
	"testing"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/logits"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// scriptModel returns one-hot logits whose hot index is next(pos), pos
// being the position the returned row predicts.
type scriptModel struct {
	vocab, ctx int
	pos        int
	resets     int
	next       func(pos int) int
}

func (m *scriptModel) Forward(tokens, positions []int) ([]float32, error) {
	out := make([]float32, len(tokens)*m.vocab)
	m.pos += len(tokens)
	out[(len(tokens)-1)*m.vocab+m.next(m.pos)] = 1
	return out, nil
}

func (m *scriptModel) Reset()          { m.pos = 0; m.resets++ }
func (m *scriptModel) Pos() int        { return m.pos }
func (m *scriptModel) ContextLen() int { return m.ctx }

func counting(pos int) int { return 3 + pos%5 }

func TestRunStopsOnStopToken(t *testing.T) {
	t.Parallel()
	m := &scriptModel{vocab: 10, ctx: 64, next: func(pos int) int {
		if pos >= 5 {
			return 2
		}
		return pos + 4
	}}
	g := &Generator{Model: m, Sampler: Greedy{}, StopTokens: []int{2}}
	res, err := g.Run(context.Background(), []int{1, 1}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if want := []int{6, 7, 8}; !slices.Equal(res.Tokens, want) {
		t.Fatalf("tokens = %v, want %v", res.Tokens, want)
	}
	if res.FinishReason != FinishStop {
		t.Fatalf("finish = %q", res.FinishReason)
	}
}

func TestRunMaxTokens(t *testing.T) {
	t.Parallel()
	g := &Generator{Model: &scriptModel{vocab: 10, ctx: 64, next: counting}, Sampler: Greedy{}}
	res, err := g.Run(context.Background(), []int{1}, 3, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Tokens) != 3 || res.FinishReason != FinishLength {
		t.Fatalf("tokens %v finish %q", res.Tokens, res.FinishReason)
	}
	if res.Stats.TokensGenerated != 3 || res.Stats.PromptTokens != 1 {
		t.Fatalf("stats = %+v", res.Stats)
	}
}

func TestRunStopsWhenContextFull(t *testing.T) {
	t.Parallel()
	m := &scriptModel{vocab: 10, ctx: 6, next: counting}
	g := &Generator{Model: m, Sampler: Greedy{}}
	res, err := g.Run(context.Background(), []int{1, 2, 3}, 0, nil)
	if err != nil {
		t.Fatal(err)
	}
	if res.FinishReason != FinishContext || len(res.Tokens) != 4 || m.Pos() != 6 {
		t.Fatalf("finish %q tokens %v pos %d", res.FinishReason, res.Tokens, m.Pos())
	}
}

func TestRunRejectsLongPrompt(t *testing.T) {
	t.Parallel()
	g := &Generator{Model: &scriptModel{vocab: 10, ctx: 4, next: counting}, Sampler: Greedy{}}
	_, err := g.Run(context.Background(), []int{1, 2, 3, 4}, 1, nil)
	if !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("err = %v", err)
	}
	if _, err := g.Run(context.Background(), nil, 1, nil); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("empty prompt: err = %v", err)
	}
}

func TestRunReusesCachedPrefix(t *testing.T) {
	t.Parallel()
	m := &scriptModel{vocab: 10, ctx: 64, next: counting}
	g := &Generator{Model: m, Sampler: Greedy{}}
	if _, err := g.Run(context.Background(), []int{1, 2, 3}, 2, nil); err != nil {
		t.Fatal(err)
	}
	resets := m.resets
	prompt := append(slices.Clone(g.ContextTokens), 9, 9)
	res, err := g.Run(context.Background(), prompt, 1, nil)
	if err != nil {
		t.Fatal(err)
	}
	if m.resets != resets {
		t.Fatal("prefix hit still reset the model")
	}
	if res.Stats.CachedTokens != len(prompt)-2 {
		t.Fatalf("cached = %d, want %d", res.Stats.CachedTokens, len(prompt)-2)
	}

	if _, err := g.Run(context.Background(), []int{7, 7}, 1, nil); err != nil {
		t.Fatal(err)
	}
	if m.resets != resets+1 {
		t.Fatal("diverging prompt did not reset the model")
	}
}

type cancelAfter struct {
	n      int
	cancel context.CancelFunc
}

func (c *cancelAfter) Sample(l []float32, _ []int) (int, error) {
	c.n--
	if c.n == 0 {
		c.cancel()
	}
	return logits.Argmax(l), nil
}

func TestRunCancelledBetweenSteps(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g := &Generator{
		Model:   &scriptModel{vocab: 10, ctx: 64, next: counting},
		Sampler: &cancelAfter{n: 2, cancel: cancel},
	}
	res, err := g.Run(ctx, []int{1}, 0, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if res == nil || res.FinishReason != FinishCancelled || len(res.Tokens) != 2 {
		t.Fatalf("result = %+v", res)
	}
}

type panicModel struct{ scriptModel }

func (panicModel) Forward([]int, []int) ([]float32, error) { panic("boom") }

func TestRunConvertsPanicsToErrors(t *testing.T) {
	t.Parallel()
	g := &Generator{Model: &panicModel{scriptModel{ctx: 8}}, Sampler: Greedy{}}
	_, err := g.Run(context.Background(), []int{1}, 1, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Forward") {
		t.Fatalf("err = %v", err)
	}

	var nilSampler *logits.Sampler
	g = &Generator{Model: &scriptModel{vocab: 4, ctx: 8, next: counting}, Sampler: nilSampler}
	_, err = g.Run(context.Background(), []int{1}, 1, nil)
	if err == nil || !strings.Contains(err.Error(), "panic in Sample") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunSamplesWithinTokenizer(t *testing.T) {
	t.Parallel()
	vocab, err := tokenizer.NewVocab([]string{"a", "b", "c", "d"}, make([]float32, 4), 3, 3)
	if err != nil {
		t.Fatal(err)
	}
	// The model's best id is past the tokenizer, so the best in-range id wins.
	m := &scriptModel{vocab: 10, ctx: 64, next: func(int) int { return 8 }}
	g := &Generator{Model: m, Sampler: Greedy{}, Vocab: vocab}
	res, err := g.Run(context.Background(), []int{1}, 2, nil)
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Tokens, []int{0, 0}) || res.Text != "aa" {
		t.Fatalf("tokens = %v text = %q", res.Tokens, res.Text)
	}
}

func TestStopScanner(t *testing.T) {
	t.Parallel()
	s := stopScanner{stops: []string{"STOP"}}
	var out []string
	for _, p := range []string{"Hel", "lo S", "x ST", "OP more"} {
		o, hit := s.push(p)
		out = append(out, o)
		if hit {
			break
		}
	}
	if want := []string{"Hel", "lo ", "Sx ", ""}; !slices.Equal(out, want) {
		t.Fatalf("emitted %q, want %q", out, want)
	}
	if got := s.text(); got != "Hello Sx " {
		t.Fatalf("text = %q", got)
	}
	if s.flush() != "" {
		t.Fatal("flush after hit emitted text")
	}

	plain := stopScanner{}
	o, _ := plain.push("abc")
	if o != "abc" || plain.flush() != "" {
		t.Fatalf("no stops: got %q", o)
	}
}
