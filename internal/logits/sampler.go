// Package logits turns final-position logits into a token id.
package logits

import (
	"cmp"
	"math"
	"math/rand"
	"slices"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// SamplerConfig configures the behaviour of a Sampler. TopK == 0 and
// TopP == 0 disable the respective filter.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

func (c SamplerConfig) Validate() error {
	if !(c.Temperature > 0) || math.IsInf(float64(c.Temperature), 0) {
		return errs.New(errs.ErrInvalidArgument, "sampler: temperature must be positive, got %v", c.Temperature)
	}
	if c.TopK < 0 {
		return errs.New(errs.ErrInvalidArgument, "sampler: top_k must not be negative, got %d", c.TopK)
	}
	if c.TopP < 0 || c.TopP > 1 || math.IsNaN(float64(c.TopP)) {
		return errs.New(errs.ErrInvalidArgument, "sampler: top_p must be in [0, 1], got %v", c.TopP)
	}
	if c.MinP < 0 || c.MinP > 1 {
		return errs.New(errs.ErrInvalidArgument, "sampler: min_p must be in [0, 1], got %v", c.MinP)
	}
	return nil
}

type Sampler struct {
	rng *rand.Rand
	cfg SamplerConfig

	work     []float32
	idx      []int
	prob     []float64
	seenMark []uint32
	epoch    uint32
}

// NewSampler returns a sampler drawing from a math/rand source seeded with
// cfg.Seed, so equal seeds give equal token sequences.
func NewSampler(cfg SamplerConfig) (*Sampler, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	return &Sampler{rng: rand.New(rand.NewSource(cfg.Seed)), cfg: cfg}, nil
}

func (s *Sampler) Config() SamplerConfig { return s.cfg }

// Sample draws one index from logits. The steps are:
//
//  1. Penalize ids in the last RepeatLastN entries of recent.
//  2. Divide by the temperature and softmax.
//  3. Keep the TopK most probable ids and renormalize.
//  4. Drop ids below MinP times the best probability.
//  5. Keep the smallest probability-sorted prefix reaching TopP.
//  6. Draw from what remains.
//
// logits is not modified.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	n := len(logits)
	if n == 0 {
		return 0, errs.New(errs.ErrInvalidArgument, "sampler: empty logits")
	}
	if cap(s.work) < n {
		s.work = make([]float32, n)
		s.idx = make([]int, n)
		s.prob = make([]float64, n)
	}
	work := s.work[:n]
	copy(work, logits)
	s.penalize(work, recent)

	maxv := float32(math.Inf(-1))
	for _, v := range work {
		maxv = max(maxv, v)
	}
	if math.IsInf(float64(maxv), -1) || math.IsNaN(float64(maxv)) {
		return 0, errs.New(errs.ErrInvalidArgument, "sampler: no finite logits")
	}
	if math.IsInf(float64(maxv), 1) {
		return Argmax(work), nil
	}

	// Scale in float64: a tiny temperature overflows float32.
	invTemp := 1 / float64(s.cfg.Temperature)
	idx := s.idx[:n]
	prob := s.prob[:n]
	var sum float64
	for i, v := range work {
		idx[i] = i
		e := math.Exp(float64(v-maxv) * invTemp)
		prob[i] = e
		sum += e
	}
	if math.IsNaN(sum) || math.IsInf(sum, 0) {
		return Argmax(work), nil
	}
	for i := range prob {
		prob[i] /= sum
	}

	k := n
	if s.cfg.TopK > 0 && s.cfg.TopK < n {
		k = s.cfg.TopK
	}
	sorted := k < n || s.cfg.TopP > 0 || s.cfg.MinP > 0
	if sorted {
		slices.SortStableFunc(idx, func(a, b int) int { return cmp.Compare(prob[b], prob[a]) })
	}
	cand := idx[:k]

	if s.cfg.MinP > 0 {
		threshold := prob[cand[0]] * float64(s.cfg.MinP)
		cut := len(cand)
		for i, id := range cand {
			if prob[id] < threshold {
				cut = i
				break
			}
		}
		cand = cand[:max(cut, 1)]
	}

	var total float64
	for _, id := range cand {
		total += prob[id]
	}
	if s.cfg.TopP > 0 && s.cfg.TopP < 1 {
		target := float64(s.cfg.TopP) * total
		var c float64
		for i, id := range cand {
			c += prob[id]
			if c >= target {
				cand = cand[:i+1]
				total = c
				break
			}
		}
	}

	r := s.rng.Float64() * total
	var c float64
	for _, id := range cand {
		c += prob[id]
		if r < c {
			return id, nil
		}
	}
	return cand[len(cand)-1], nil
}

func (s *Sampler) penalize(work []float32, recent []int) {
	if s.cfg.RepeatPenalty == 1 || len(recent) == 0 {
		return
	}
	window := recent[max(len(recent)-s.cfg.RepeatLastN, 0):]
	if len(s.seenMark) < len(work) {
		s.seenMark = make([]uint32, len(work))
	}
	s.epoch++
	if s.epoch == 0 {
		clear(s.seenMark)
		s.epoch = 1
	}
	for _, id := range window {
		if id < 0 || id >= len(work) || s.seenMark[id] == s.epoch {
			continue
		}
		s.seenMark[id] = s.epoch
		if work[id] > 0 {
			work[id] /= s.cfg.RepeatPenalty
		} else {
			work[id] *= s.cfg.RepeatPenalty
		}
	}
}

// Argmax returns the index of the largest logit, the first on ties. It
// returns -1 for an empty slice.
func Argmax(x []float32) int {
	if len(x) == 0 {
		return -1
	}
	best := 0
	for i := 1; i < len(x); i++ {
		if x[i] > x[best] {
			best = i
		}
	}
	return best
}
