package inference

import (
	"math/rand"

	"github.com/samcharles93/qwenrt/internal/logits"
	"github.com/samcharles93/qwenrt/internal/tokenizer"
)

// SampleParams configure one draw. Temperature 0 means greedy argmax in
// Generate; Session.Sample rejects it.
type SampleParams struct {
	Seed          int64   `json:"seed"`
	Temperature   float32 `json:"temperature"`
	TopK          int     `json:"top_k"`
	TopP          float32 `json:"top_p"`
	MinP          float32 `json:"min_p"`
	RepeatPenalty float32 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
}

func (p SampleParams) samplerConfig() logits.SamplerConfig {
	return logits.SamplerConfig{
		Seed:          p.Seed,
		Temperature:   p.Temperature,
		TopK:          p.TopK,
		TopP:          p.TopP,
		MinP:          p.MinP,
		RepeatPenalty: p.RepeatPenalty,
		RepeatLastN:   p.RepeatLastN,
	}
}

// Request is a fully resolved generation request. Either Prompt (used
// verbatim) or Messages (rendered with the chat template) must be set.
type Request struct {
	Prompt     string
	Messages   []tokenizer.Message
	MaxTokens  int
	Stop       []string
	Sampling   SampleParams
	NoThinking bool
}

// GenDefaults fill the fields a caller leaves unset.
type GenDefaults struct {
	MaxTokens int
	Sampling  SampleParams
}

func BuiltinDefaults() GenDefaults {
	return GenDefaults{
		MaxTokens: 256,
		Sampling: SampleParams{
			Temperature:   0.7,
			TopK:          40,
			TopP:          0.9,
			RepeatPenalty: 1,
			RepeatLastN:   64,
		},
	}
}

// RequestOptions mirrors Request with optional fields so "unset" and zero
// can be told apart.
type RequestOptions struct {
	Prompt     string
	Messages   []tokenizer.Message
	Stop       []string
	NoThinking bool

	MaxTokens     *int
	Seed          *int64
	Temperature   *float32
	TopK          *int
	TopP          *float32
	MinP          *float32
	RepeatPenalty *float32
	RepeatLastN   *int
}

// ResolveRequest applies opts over defaults. A missing seed is drawn at
// random.
func ResolveRequest(opts RequestOptions, defaults GenDefaults) Request {
	req := Request{
		Prompt:     opts.Prompt,
		Messages:   opts.Messages,
		Stop:       opts.Stop,
		NoThinking: opts.NoThinking,
		MaxTokens:  defaults.MaxTokens,
		Sampling:   defaults.Sampling,
	}
	if opts.MaxTokens != nil {
		req.MaxTokens = *opts.MaxTokens
	}
	if opts.Seed != nil {
		req.Sampling.Seed = *opts.Seed
	} else {
		req.Sampling.Seed = rand.Int63()
	}
	if opts.Temperature != nil {
		req.Sampling.Temperature = *opts.Temperature
	}
	if opts.TopK != nil {
		req.Sampling.TopK = *opts.TopK
	}
	if opts.TopP != nil {
		req.Sampling.TopP = *opts.TopP
	}
	if opts.MinP != nil {
		req.Sampling.MinP = *opts.MinP
	}
	if opts.RepeatPenalty != nil {
		req.Sampling.RepeatPenalty = *opts.RepeatPenalty
	}
	if opts.RepeatLastN != nil {
		req.Sampling.RepeatLastN = *opts.RepeatLastN
	}
	return req
}
