// Package attention implements scaled dot-product attention with causal and
// sliding-window masking, grouped-query head sharing and rotary position
// embedding, on top of a kernel.Provider and a kvcache.Cache.
package attention

import (
	"math"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// DefaultWindow is the sliding window Optimize switches on.
const DefaultWindow = 1024

// Config describes one attention call. SeqLen is the number of query
// positions. A zero Scale means 1/sqrt(HeadDim).
type Config struct {
	SeqLen  int
	HeadDim int
	Heads   int
	KVHeads int
	Scale   float32

	Causal  bool
	Sliding bool
	Window  int
}

func (c Config) Validate() error {
	if c.SeqLen <= 0 || c.HeadDim <= 0 || c.Heads <= 0 || c.KVHeads <= 0 {
		return errs.New(errs.ErrInvalidArgument,
			"attention: seq_len, head_dim, heads and kv_heads must be positive, got %d, %d, %d, %d",
			c.SeqLen, c.HeadDim, c.Heads, c.KVHeads)
	}
	if c.Heads%c.KVHeads != 0 {
		return errs.New(errs.ErrIncompatibleConfig, "attention: %d heads not divisible by %d kv heads", c.Heads, c.KVHeads)
	}
	if c.Sliding && c.Window <= 0 {
		return errs.New(errs.ErrInvalidArgument, "attention: sliding window size must be positive, got %d", c.Window)
	}
	if math.IsNaN(float64(c.Scale)) || math.IsInf(float64(c.Scale), 0) {
		return errs.New(errs.ErrInvalidArgument, "attention: scale must be finite, got %v", c.Scale)
	}
	return nil
}

// EffectiveScale resolves a zero Scale to 1/sqrt(HeadDim).
func (c Config) EffectiveScale() float32 {
	if c.Scale != 0 {
		return c.Scale
	}
	return float32(1 / math.Sqrt(float64(c.HeadDim)))
}

// KVHead maps query head h to the key/value head it shares.
func KVHead(h, heads, kvHeads int) int {
	return h / (heads / kvHeads)
}

// EstimateBytes is the float32 footprint of full attention over SeqLen
// positions: query, key, value and the score matrix.
func EstimateBytes(c Config) int64 {
	n := int64(c.SeqLen)
	q := n * int64(c.Heads*c.HeadDim)
	kv := 2 * n * int64(c.KVHeads*c.HeadDim)
	scores := int64(c.Heads) * n * n
	return 4 * (q + kv + scores)
}

// Optimize enables a DefaultWindow sliding window when full attention would
// not fit in budgetBytes. A non-positive budget leaves c unchanged.
func Optimize(c Config, budgetBytes int64) Config {
	if budgetBytes <= 0 || c.Sliding {
		return c
	}
	if EstimateBytes(c) > budgetBytes {
		c.Causal = true
		c.Sliding = true
		c.Window = DefaultWindow
	}
	return c
}
