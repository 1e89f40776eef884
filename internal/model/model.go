// Package model holds the Qwen3-style decoder: its configuration, weights,
// checkpoint format and the forward pass that turns token ids into logits.
package model

import (
	"math"

	"github.com/samcharles93/qwenrt/internal/arena"
	"github.com/samcharles93/qwenrt/internal/attention"
	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/kernel"
	"github.com/samcharles93/qwenrt/internal/kvcache"
	"github.com/samcharles93/qwenrt/internal/logger"
	"github.com/samcharles93/qwenrt/internal/tensor"
)

// DefaultBatch is the number of prompt tokens pushed through the layers at
// once; longer inputs are processed in consecutive chunks.
const DefaultBatch = 32

// Options control how a model is materialized.
type Options struct {
	// Kernel runs every numeric primitive. Nil builds a generic provider
	// the model owns and closes.
	Kernel kernel.Provider
	// ContextLen caps the KV caches; 0 or anything above the header's
	// seq_len uses seq_len.
	ContextLen int
	Batch      int
	F16Cache   bool
	// Window > 0 forces sliding-window attention of that size.
	Window int
	// MemoryBudget, in bytes, lets attention.Optimize switch on a sliding
	// window for long contexts.
	MemoryBudget int64
	Logger       logger.Logger
}

type Layer struct {
	AttnNorm []float32
	FFNNorm  []float32
	QNorm    []float32
	KNorm    []float32

	WQ, WK, WV, WO *tensor.Quantized
	// W1 is the gate, W2 the down projection and W3 the up projection.
	W1, W2, W3 *tensor.Quantized

	Cache *kvcache.Cache
}

type scratch struct {
	x, xb, xb2 []float32
	q, k, v    []float32
	att        []float32
	hb, hb2    []float32
}

// Model is a loaded transformer. It is not safe for concurrent use.
type Model struct {
	cfg    Config
	ctxLen int
	batch  int

	arena      *arena.Arena
	k          kernel.Provider
	ownsKernel bool
	attn       *attention.Engine
	attnCfg    attention.Config

	Layers     []Layer
	Embedding  *tensor.Quantized
	Classifier *tensor.Quantized
	FinalNorm  []float32

	s      scratch
	logits []float32

	log    logger.Logger
	closed bool
}

// carver allocates every model buffer in a fixed order. With a nil arena it
// only counts bytes, which sizes the real arena exactly.
type carver struct {
	a     *arena.Arena
	bytes int
	err   error
}

const carveAlign = 64

func (c *carver) f32(n int) []float32 {
	if c.err != nil {
		return nil
	}
	if c.a == nil {
		c.bytes += 4*n + carveAlign
		return make([]float32, 0)
	}
	s, err := c.a.Float32s(n)
	c.err = err
	return s
}

func (c *carver) quant(groupSize int, rows, cols int) *tensor.Quantized {
	if c.err != nil {
		return nil
	}
	if c.a == nil {
		n := rows * cols
		c.bytes += n + carveAlign + 4*tensor.NumGroups(n, groupSize) + carveAlign
		return nil
	}
	q, err := tensor.NewQuantizedIn(c.a, groupSize, rows, cols)
	c.err = err
	return q
}

func (m *Model) carve(c *carver, f16 bool) {
	cfg := m.cfg
	dim, hd, kvDim, hidden := cfg.Dim, cfg.HeadDim(), cfg.KVDim(), cfg.HiddenDim
	gs := cfg.Groups()

	m.Layers = make([]Layer, cfg.Layers)
	for i := range m.Layers {
		l := &m.Layers[i]
		l.AttnNorm = c.f32(dim)
		l.FFNNorm = c.f32(dim)
		l.QNorm = c.f32(hd)
		l.KNorm = c.f32(hd)
		l.WQ = c.quant(gs, dim, dim)
		l.WK = c.quant(gs, kvDim, dim)
		l.WV = c.quant(gs, kvDim, dim)
		l.WO = c.quant(gs, dim, dim)
		l.W1 = c.quant(gs, hidden, dim)
		l.W2 = c.quant(gs, dim, hidden)
		l.W3 = c.quant(gs, hidden, dim)
	}
	m.FinalNorm = c.f32(dim)
	m.Embedding = c.quant(gs, cfg.VocabSize, dim)
	if cfg.Classifier {
		m.Classifier = c.quant(gs, cfg.VocabSize, dim)
	}

	b := m.batch
	m.s = scratch{
		x:   c.f32(b * dim),
		xb:  c.f32(b * dim),
		xb2: c.f32(b * dim),
		q:   c.f32(b * dim),
		k:   c.f32(b * kvDim),
		v:   c.f32(b * kvDim),
		att: c.f32(b * dim),
		hb:  c.f32(b * hidden),
		hb2: c.f32(b * hidden),
	}

	if !f16 {
		// Two float32 caches per layer.
		for range m.Layers {
			c.f32(m.ctxLen * kvDim)
			c.f32(m.ctxLen * kvDim)
		}
	}
}

// newModel reserves the arena and carves empty weight and scratch buffers.
func newModel(cfg Config, opts Options) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Model{cfg: cfg, log: logger.OrDefault(opts.Logger)}
	m.ctxLen = cfg.SeqLen
	if opts.ContextLen > 0 && opts.ContextLen < cfg.SeqLen {
		m.ctxLen = opts.ContextLen
	}
	m.batch = opts.Batch
	if m.batch <= 0 {
		m.batch = DefaultBatch
	}
	m.batch = min(m.batch, m.ctxLen)

	count := &carver{}
	m.carve(count, opts.F16Cache)

	a, err := arena.New(count.bytes)
	if err != nil {
		return nil, err
	}
	m.arena = a
	c := &carver{a: a}
	m.carve(c, true)
	if c.err != nil {
		a.Close()
		return nil, c.err
	}
	for i := range m.Layers {
		var copts []kvcache.Option
		if opts.F16Cache {
			copts = append(copts, kvcache.WithF16())
		} else {
			copts = append(copts, kvcache.WithArena(a))
		}
		cache, err := kvcache.New(m.ctxLen, cfg.KVHeads, cfg.HeadDim(), copts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		m.Layers[i].Cache = cache
	}

	m.k = opts.Kernel
	if m.k == nil {
		m.k = kernel.NewGeneric(0)
		m.ownsKernel = true
	}
	m.attn = attention.NewEngine(m.k)
	m.attnCfg = attention.Config{
		SeqLen:  m.ctxLen,
		HeadDim: cfg.HeadDim(),
		Heads:   cfg.Heads,
		KVHeads: cfg.KVHeads,
		Causal:  true,
	}
	if opts.Window > 0 {
		m.attnCfg.Sliding = true
		m.attnCfg.Window = opts.Window
	} else {
		m.attnCfg = attention.Optimize(m.attnCfg, opts.MemoryBudget)
		if m.attnCfg.Sliding {
			m.log.Info("memory budget exceeded by full attention, using sliding window",
				"budget_bytes", opts.MemoryBudget, "window", m.attnCfg.Window)
		}
	}
	return m, nil
}

func (m *Model) Config() Config { return m.cfg }

// ContextLen is the number of positions the KV caches hold.
func (m *Model) ContextLen() int { return m.ctxLen }

// Pos is the number of tokens already in the KV caches.
func (m *Model) Pos() int {
	if len(m.Layers) == 0 || m.Layers[0].Cache == nil {
		return 0
	}
	return m.Layers[0].Cache.Size()
}

// ArenaBytes reports the arena reservation.
func (m *Model) ArenaBytes() int {
	if m.arena == nil {
		return 0
	}
	return m.arena.Cap()
}

// CacheBytes is the storage of every layer's KV cache.
func (m *Model) CacheBytes() int {
	total := 0
	for _, l := range m.Layers {
		if l.Cache != nil {
			total += l.Cache.Bytes()
		}
	}
	return total
}

func (m *Model) Kernel() kernel.Provider { return m.k }

// SlidingWindow reports the attention window, 0 when attention is full.
func (m *Model) SlidingWindow() int {
	if !m.attnCfg.Sliding {
		return 0
	}
	return m.attnCfg.Window
}

// Reset clears every KV cache so a new sequence can start at position 0.
func (m *Model) Reset() {
	for i := range m.Layers {
		if c := m.Layers[i].Cache; c != nil {
			c.Clear()
		}
	}
}

// Close releases the arena and, when the model built it, the kernel
// provider. The model is unusable afterwards.
func (m *Model) Close() error {
	if m == nil || m.closed {
		return nil
	}
	m.closed = true
	for i := range m.Layers {
		if c := m.Layers[i].Cache; c != nil {
			c.Free()
		}
	}
	if m.ownsKernel {
		m.k.Close()
	}
	var err error
	if m.arena != nil {
		err = m.arena.Close()
	}
	m.Layers = nil
	m.Embedding, m.Classifier, m.FinalNorm = nil, nil, nil
	return err
}

func (m *Model) checkWeights() error {
	if m.closed {
		return errs.New(errs.ErrInvalidArgument, "model: closed")
	}
	if len(m.Layers) != m.cfg.Layers {
		return errs.New(errs.ErrInvalidArgument, "model: %d of %d layers present", len(m.Layers), m.cfg.Layers)
	}
	for i := range m.Layers {
		l := &m.Layers[i]
		for _, w := range []*tensor.Quantized{l.WQ, l.WK, l.WV, l.WO, l.W1, l.W2, l.W3} {
			if w == nil {
				return errs.New(errs.ErrInvalidArgument, "model: layer %d has unset weights", i)
			}
		}
		if l.AttnNorm == nil || l.FFNNorm == nil || l.Cache == nil {
			return errs.New(errs.ErrInvalidArgument, "model: layer %d has unset norms or cache", i)
		}
	}
	if m.Embedding == nil || m.FinalNorm == nil {
		return errs.New(errs.ErrInvalidArgument, "model: embedding or final norm unset")
	}
	if m.cfg.Classifier && m.Classifier == nil {
		return errs.New(errs.ErrInvalidArgument, "model: classifier flagged but unset")
	}
	return nil
}

// Forward runs tokens at the given positions through every layer and
// returns logits [len(tokens), vocab]. The KV caches keep the tokens, so
// the next call continues the sequence. The returned slice is owned by the
// model and overwritten by the next call.
func (m *Model) Forward(tokens, positions []int) ([]float32, error) {
	if err := m.checkWeights(); err != nil {
		return nil, err
	}
	n := len(tokens)
	if n == 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "model: empty token sequence")
	}
	if len(positions) != n {
		return nil, errs.New(errs.ErrInvalidArgument, "model: %d positions for %d tokens", len(positions), n)
	}
	if n > m.ctxLen {
		return nil, errs.New(errs.ErrOutOfBounds, "model: sequence of %d exceeds max positions %d", n, m.ctxLen)
	}
	for i, tok := range tokens {
		if tok < 0 || tok >= m.cfg.VocabSize {
			return nil, errs.New(errs.ErrInvalidArgument, "model: token %d at index %d outside vocab %d", tok, i, m.cfg.VocabSize)
		}
		if p := positions[i]; p < 0 || p >= m.ctxLen {
			return nil, errs.New(errs.ErrOutOfBounds, "model: position %d outside [0, %d)", p, m.ctxLen)
		}
	}
	if pos := m.Pos(); pos+n > m.ctxLen {
		return nil, errs.New(errs.ErrCapacityExceeded, "model: %d cached + %d new tokens exceed context %d", pos, n, m.ctxLen)
	}

	vocab := m.cfg.VocabSize
	if cap(m.logits) < n*vocab {
		m.logits = make([]float32, n*vocab)
	}
	logits := m.logits[:n*vocab]

	for start := 0; start < n; start += m.batch {
		end := min(start+m.batch, n)
		if err := m.forwardChunk(tokens[start:end], positions[start:end], logits[start*vocab:end*vocab]); err != nil {
			return nil, err
		}
	}
	return logits, nil
}

func (m *Model) forwardChunk(tokens, positions []int, logits []float32) error {
	cfg := m.cfg
	b := len(tokens)
	dim, kvDim, hidden, hd := cfg.Dim, cfg.KVDim(), cfg.HiddenDim, cfg.HeadDim()
	eps := cfg.eps()
	s := &m.s
	x := s.x[:b*dim]
	xb := s.xb[:b*dim]
	xb2 := s.xb2[:b*dim]
	q, k, v := s.q[:b*dim], s.k[:b*kvDim], s.v[:b*kvDim]
	att := s.att[:b*dim]
	hb, hb2 := s.hb[:b*hidden], s.hb2[:b*hidden]

	for i, tok := range tokens {
		if err := m.Embedding.DequantizeRow(x[i*dim:(i+1)*dim], tok); err != nil {
			return err
		}
	}

	acfg := m.attnCfg
	acfg.SeqLen = b

	for li := range m.Layers {
		l := &m.Layers[li]

		if err := m.k.RMSNorm(xb, x, l.AttnNorm, b, dim, eps); err != nil {
			return err
		}
		for r := 0; r < b; r++ {
			in := xb[r*dim : (r+1)*dim]
			if err := m.k.QuantMatVec(q[r*dim:(r+1)*dim], l.WQ, in); err != nil {
				return err
			}
			if err := m.k.QuantMatVec(k[r*kvDim:(r+1)*kvDim], l.WK, in); err != nil {
				return err
			}
			if err := m.k.QuantMatVec(v[r*kvDim:(r+1)*kvDim], l.WV, in); err != nil {
				return err
			}
		}
		if l.QNorm != nil {
			if err := m.k.RMSNorm(q, q, l.QNorm, b*cfg.Heads, hd, eps); err != nil {
				return err
			}
		}
		if l.KNorm != nil {
			if err := m.k.RMSNorm(k, k, l.KNorm, b*cfg.KVHeads, hd, eps); err != nil {
				return err
			}
		}
		if err := m.attn.RoPE(q, k, positions, b, cfg.Heads, cfg.KVHeads, hd, cfg.RopeTheta); err != nil {
			return err
		}
		if err := m.attn.WithCache(att, q, k, v, l.Cache, acfg); err != nil {
			return err
		}
		for r := 0; r < b; r++ {
			if err := m.k.QuantMatVec(xb2[r*dim:(r+1)*dim], l.WO, att[r*dim:(r+1)*dim]); err != nil {
				return err
			}
		}
		if err := m.k.Add(x, x, xb2); err != nil {
			return err
		}

		if err := m.k.RMSNorm(xb, x, l.FFNNorm, b, dim, eps); err != nil {
			return err
		}
		for r := 0; r < b; r++ {
			in := xb[r*dim : (r+1)*dim]
			gate := hb[r*hidden : (r+1)*hidden]
			up := hb2[r*hidden : (r+1)*hidden]
			if err := m.k.QuantMatVec(gate, l.W1, in); err != nil {
				return err
			}
			if err := m.k.QuantMatVec(up, l.W3, in); err != nil {
				return err
			}
			swiGLU(gate, up)
			if err := m.k.QuantMatVec(xb2[r*dim:(r+1)*dim], l.W2, gate); err != nil {
				return err
			}
		}
		if err := m.k.Add(x, x, xb2); err != nil {
			return err
		}
	}

	if err := m.k.RMSNorm(xb, x, m.FinalNorm, b, dim, eps); err != nil {
		return err
	}
	out := m.Embedding
	if m.Classifier != nil {
		out = m.Classifier
	}
	vocab := cfg.VocabSize
	for r := 0; r < b; r++ {
		if err := m.k.QuantMatVec(logits[r*vocab:(r+1)*vocab], out, xb[r*dim:(r+1)*dim]); err != nil {
			return err
		}
	}
	return nil
}

// swiGLU writes up * sigmoid(gate) into gate.
func swiGLU(gate, up []float32) {
	for i, g := range gate {
		gate[i] = up[i] * float32(1/(1+math.Exp(-float64(g))))
	}
}
