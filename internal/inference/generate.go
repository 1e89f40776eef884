package inference

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/logits"
	"github.com/samcharles93/qwenrt/internal/metrics"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// Finish reasons.
const (
	FinishStop      = "stop"
	FinishLength    = "length"
	FinishContext   = "context"
	FinishCancelled = "cancelled"
)

// StreamFunc receives decoded text as it becomes final.
type StreamFunc func(piece string)

// Forwarder is the model surface the generation loop drives.
type Forwarder interface {
	Forward(tokens, positions []int) ([]float32, error)
	Reset()
	Pos() int
	ContextLen() int
}

type TokenSampler interface {
	Sample(logits []float32, recent []int) (int, error)
}

// Greedy always picks the highest logit.
type Greedy struct{}

func (Greedy) Sample(l []float32, _ []int) (int, error) {
	if len(l) == 0 {
		return 0, errs.New(errs.ErrInvalidArgument, "sampler: empty logits")
	}
	return logits.Argmax(l), nil
}

type Stats struct {
	PromptTokens    int
	CachedTokens    int
	TokensGenerated int
	PrefillDuration time.Duration
	DecodeDuration  time.Duration
	TPS             float64
}

type Result struct {
	Text         string
	Tokens       []int
	FinishReason string
	Stats        Stats
}

// Generator runs prefill and the decode loop over one model.
type Generator struct {
	Model       Forwarder
	Sampler     TokenSampler
	Vocab       *tokenizer.Vocab
	StopTokens  []int
	StopStrings []string
	// ContextTokens are the ids held in the model's KV cache. A prompt
	// extending them only prefills the new suffix.
	ContextTokens []int
	Log           logger.Logger
}

// Run generates up to maxTokens tokens after prompt; maxTokens <= 0 runs
// until a stop condition or the context fills. On cancellation the partial
// result is returned along with ctx.Err().
func (g *Generator) Run(ctx context.Context, prompt []int, maxTokens int, stream StreamFunc) (*Result, error) {
	if len(prompt) == 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "generate: empty prompt")
	}
	ctxLen := g.Model.ContextLen()
	if len(prompt) >= ctxLen {
		return nil, errs.New(errs.ErrCapacityExceeded, "generate: prompt of %d tokens leaves no room in a %d-token context", len(prompt), ctxLen)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reuse := len(g.ContextTokens) < len(prompt) &&
		g.Model.Pos() == len(g.ContextTokens) &&
		slices.Equal(prompt[:len(g.ContextTokens)], g.ContextTokens)
	if !reuse {
		g.Model.Reset()
		g.ContextTokens = g.ContextTokens[:0]
	}
	res := &Result{Stats: Stats{PromptTokens: len(prompt), CachedTokens: len(g.ContextTokens)}}

	fresh := prompt[len(g.ContextTokens):]
	start := time.Now()
	last, err := g.forward(fresh, metrics.PhasePrefill)
	if err != nil {
		return nil, fmt.Errorf("prefill: %w", err)
	}
	res.Stats.PrefillDuration = time.Since(start)

	var dec *tokenizer.Stream
	if g.Vocab != nil {
		dec = g.Vocab.NewStream()
	}
	scan := stopScanner{stops: g.StopStrings}
	emit := func(s string) {
		if s != "" && stream != nil {
			stream(s)
		}
	}

	decodeStart := time.Now()
	defer func() {
		res.Stats.DecodeDuration = time.Since(decodeStart)
		if secs := res.Stats.DecodeDuration.Seconds(); secs > 0 {
			res.Stats.TPS = float64(res.Stats.TokensGenerated) / secs
		}
		metrics.RecordCacheTokens(g.Model.Pos())
		if g.Log != nil {
			g.Log.Debug("generation finished",
				"prompt_tokens", res.Stats.PromptTokens,
				"cached_tokens", res.Stats.CachedTokens,
				"tokens", res.Stats.TokensGenerated,
				"finish", res.FinishReason,
				"prefill", res.Stats.PrefillDuration,
				"tps", res.Stats.TPS)
		}
	}()

	for {
		if err := ctx.Err(); err != nil {
			res.FinishReason = FinishCancelled
			res.Text = scan.text()
			return res, err
		}
		if g.Vocab != nil && g.Vocab.Size() < len(last) {
			// Ids past the tokenizer have no text.
			last = last[:g.Vocab.Size()]
		}
		next, err := safeSample(g.Sampler, last, g.ContextTokens)
		if err != nil {
			return nil, err
		}
		if slices.Contains(g.StopTokens, next) {
			res.FinishReason = FinishStop
			break
		}
		res.Tokens = append(res.Tokens, next)
		res.Stats.TokensGenerated++
		metrics.RecordTokens(1)

		if dec != nil {
			piece, err := dec.Push(next)
			if err != nil {
				return nil, err
			}
			out, hit := scan.push(piece)
			emit(out)
			if hit {
				res.FinishReason = FinishStop
				break
			}
		}
		if maxTokens > 0 && res.Stats.TokensGenerated >= maxTokens {
			res.FinishReason = FinishLength
			break
		}
		if g.Model.Pos() >= ctxLen {
			res.FinishReason = FinishContext
			break
		}
		last, err = g.forward([]int{next}, metrics.PhaseDecode)
		if err != nil {
			return nil, fmt.Errorf("decode step %d: %w", res.Stats.TokensGenerated, err)
		}
	}
	if dec != nil && !scan.hit {
		out, _ := scan.push(dec.Flush())
		emit(out)
		emit(scan.flush())
	}
	res.Text = scan.text()
	return res, nil
}

// forward runs tokens at the next free positions and returns the logits of
// the last one.
func (g *Generator) forward(tokens []int, phase string) ([]float32, error) {
	pos := g.Model.Pos()
	positions := make([]int, len(tokens))
	for i := range positions {
		positions[i] = pos + i
	}
	start := time.Now()
	out, err := safeForward(g.Model, tokens, positions)
	if err != nil {
		return nil, err
	}
	metrics.RecordForward(phase, len(tokens), time.Since(start))
	g.ContextTokens = append(g.ContextTokens, tokens...)
	vocab := len(out) / len(tokens)
	return out[(len(tokens)-1)*vocab:], nil
}

func safeForward(m Forwarder, tokens, positions []int) (out []float32, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Forward: %v", rec)
		}
	}()
	return m.Forward(tokens, positions)
}

func safeSample(s TokenSampler, l []float32, recent []int) (id int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic in Sample: %v", rec)
		}
	}()
	return s.Sample(l, recent)
}

// stopScanner accumulates generated text, cuts it at the first stop string
// and withholds any tail that could still grow into one.
type stopScanner struct {
	stops   []string
	buf     strings.Builder
	emitted int
	hit     bool
	cut     int
}

func (s *stopScanner) push(piece string) (string, bool) {
	if s.hit {
		return "", true
	}
	s.buf.WriteString(piece)
	text := s.buf.String()
	if idx := firstStop(text, s.stops); idx >= 0 {
		s.hit = true
		s.cut = idx
		out := ""
		if idx > s.emitted {
			out = text[s.emitted:idx]
		}
		s.emitted = idx
		return out, true
	}
	safe := len(text) - partialStop(text, s.stops)
	if safe <= s.emitted {
		return "", false
	}
	out := text[s.emitted:safe]
	s.emitted = safe
	return out, false
}

func (s *stopScanner) flush() string {
	if s.hit {
		return ""
	}
	text := s.buf.String()
	out := text[s.emitted:]
	s.emitted = len(text)
	return out
}

func (s *stopScanner) text() string {
	if s.hit {
		return s.buf.String()[:s.cut]
	}
	return s.buf.String()
}

func firstStop(text string, stops []string) int {
	best := -1
	for _, st := range stops {
		if st == "" {
			continue
		}
		if i := strings.Index(text, st); i >= 0 && (best < 0 || i < best) {
			best = i
		}
	}
	return best
}

// partialStop returns the length of the longest suffix of text that is a
// proper prefix of some stop string.
func partialStop(text string, stops []string) int {
	hold := 0
	for _, st := range stops {
		for k := min(len(st)-1, len(text)); k > hold; k-- {
			if strings.HasSuffix(text, st[:k]) {
				hold = k
				break
			}
		}
	}
	return hold
}
