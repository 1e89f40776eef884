package model

import (
	"math"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/tensor"
)

// Header bounds enforced on every checkpoint.
const (
	MaxVocabSize = 1_000_000
	MaxDim       = 16384
	MaxHiddenDim = 65536
	MaxLayers    = 100
	MaxHeads     = 128
	MaxSeqLen    = 65536
)

const (
	DefaultRopeTheta = 10000
	DefaultRMSEps    = 1e-6
)

// Config is the scalar model header.
type Config struct {
	VocabSize int `json:"vocab_size"`
	Dim       int `json:"dim"`
	HiddenDim int `json:"hidden_dim"`
	Layers    int `json:"layers"`
	Heads     int `json:"heads"`
	KVHeads   int `json:"kv_heads"`
	SeqLen    int `json:"seq_len"`

	RopeTheta float32 `json:"rope_theta"`
	GroupSize int     `json:"group_size"`

	// Classifier is set when the output projection is its own matrix rather
	// than the token embedding table.
	Classifier bool    `json:"classifier"`
	RMSEps     float32 `json:"rms_eps"`
}

// Validate checks header bounds (ErrFormatInvalid) and head arithmetic
// (ErrIncompatibleConfig).
func (c Config) Validate() error {
	bounds := []struct {
		name string
		v    int
		max  int
	}{
		{"vocab_size", c.VocabSize, MaxVocabSize},
		{"dim", c.Dim, MaxDim},
		{"hidden_dim", c.HiddenDim, MaxHiddenDim},
		{"layers", c.Layers, MaxLayers},
		{"heads", c.Heads, MaxHeads},
		{"kv_heads", c.KVHeads, c.Heads},
		{"seq_len", c.SeqLen, MaxSeqLen},
	}
	for _, b := range bounds {
		if b.v <= 0 || b.v > b.max {
			return errs.New(errs.ErrFormatInvalid, "model: %s=%d outside (0, %d]", b.name, b.v, b.max)
		}
	}
	if !(c.RopeTheta > 0) || math.IsInf(float64(c.RopeTheta), 0) {
		return errs.New(errs.ErrFormatInvalid, "model: rope_theta must be positive, got %v", c.RopeTheta)
	}
	if c.GroupSize < 0 {
		return errs.New(errs.ErrFormatInvalid, "model: negative group size %d", c.GroupSize)
	}
	if c.Heads%c.KVHeads != 0 {
		return errs.New(errs.ErrIncompatibleConfig, "model: %d heads not divisible by %d kv heads", c.Heads, c.KVHeads)
	}
	if c.Dim%c.Heads != 0 {
		return errs.New(errs.ErrIncompatibleConfig, "model: dim %d not divisible by %d heads", c.Dim, c.Heads)
	}
	if c.HeadDim()%2 != 0 {
		return errs.New(errs.ErrIncompatibleConfig, "model: head dim %d must be even for rotary embedding", c.HeadDim())
	}
	return nil
}

func (c Config) HeadDim() int { return c.Dim / c.Heads }

func (c Config) KVDim() int { return c.KVHeads * c.HeadDim() }

// Groups returns the quantization group size, defaulting when unset.
func (c Config) Groups() int {
	if c.GroupSize <= 0 {
		return tensor.DefaultGroupSize
	}
	return c.GroupSize
}

func (c Config) eps() float32 {
	if c.RMSEps <= 0 {
		return DefaultRMSEps
	}
	return c.RMSEps
}

// ParamCount is the number of weights, counting norms.
func (c Config) ParamCount() int64 {
	d, h, kv := int64(c.Dim), int64(c.HiddenDim), int64(c.KVDim())
	perLayer := d*d*2 + d*kv*2 + 3*d*h + 2*d + 2*int64(c.HeadDim())
	total := int64(c.Layers)*perLayer + int64(c.VocabSize)*d + d
	if c.Classifier {
		total += int64(c.VocabSize) * d
	}
	return total
}
