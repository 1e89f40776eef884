package attention

import (
	"sync"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/kernel"
	"github.com/samcharles93/qwenrt/internal/kvcache"
)

// Engine runs attention on a kernel provider. One Engine serves one
// session; it is not safe for concurrent calls.
type Engine struct {
	k kernel.Provider

	// History buffers for half-precision caches, grown on demand.
	kHist, vHist []float32
}

func NewEngine(k kernel.Provider) *Engine {
	return &Engine{k: k}
}

// RoPE rotates q [seqLen, heads, headDim] and k [seqLen, kvHeads, headDim]
// in place by their token positions.
func (e *Engine) RoPE(q, k []float32, positions []int, seqLen, heads, kvHeads, headDim int, theta float32) error {
	if len(positions) != seqLen {
		return errs.New(errs.ErrInvalidArgument, "rope: %d positions for seq_len %d", len(positions), seqLen)
	}
	if err := e.k.RoPE(q, positions, heads, headDim, theta); err != nil {
		return err
	}
	return e.k.RoPE(k, positions, kvHeads, headDim, theta)
}

// SDPA computes softmax(scale*QK^T + mask)V for every head. q is
// [SeqLen, Heads, HeadDim]; k and v are [kvLen, KVHeads, HeadDim] with
// kvLen >= SeqLen, the queries being the last SeqLen positions. mask, when
// non-nil, is [SeqLen, kvLen] and takes precedence over the generated
// causal or sliding mask.
func (e *Engine) SDPA(out, q, k, v, mask []float32, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	kvRow := cfg.KVHeads * cfg.HeadDim
	if len(k) == 0 || len(k)%kvRow != 0 || len(v) < len(k) {
		return errs.New(errs.ErrInvalidArgument, "attention: k/v lengths %d/%d are not whole rows of %d", len(k), len(v), kvRow)
	}
	kvLen := len(k) / kvRow
	if kvLen < cfg.SeqLen {
		return errs.New(errs.ErrInvalidArgument, "attention: %d keys for %d queries", kvLen, cfg.SeqLen)
	}
	if mask != nil && len(mask) != cfg.SeqLen*kvLen {
		return errs.New(errs.ErrInvalidArgument, "attention: mask has %d values, need %dx%d", len(mask), cfg.SeqLen, kvLen)
	}
	return e.run(out, q, k, v, mask, cfg, kvLen)
}

// WithCache appends the new k/v rows to cache and attends q to the whole
// cached history. The cache is left unchanged when cfg is invalid.
func (e *Engine) WithCache(out, q, k, v []float32, cache *kvcache.Cache, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cache == nil {
		return errs.New(errs.ErrInvalidArgument, "attention: nil kv cache")
	}
	if cache.KVHeads() != cfg.KVHeads || cache.HeadDim() != cfg.HeadDim {
		return errs.New(errs.ErrIncompatibleConfig, "attention: cache holds %dx%d rows, config needs %dx%d",
			cache.KVHeads(), cache.HeadDim(), cfg.KVHeads, cfg.HeadDim)
	}
	if n := cfg.SeqLen * cfg.Heads * cfg.HeadDim; len(q) < n || len(out) < n {
		return errs.New(errs.ErrInvalidArgument, "attention: q/out hold %d/%d values, need %d", len(q), len(out), n)
	}
	if n := cfg.SeqLen * cfg.KVHeads * cfg.HeadDim; len(k) < n || len(v) < n {
		return errs.New(errs.ErrInvalidArgument, "attention: k/v hold %d/%d values, need %d", len(k), len(v), n)
	}
	if err := cache.Append(k, v, cfg.SeqLen); err != nil {
		return err
	}
	kvLen := cache.Size()

	var kh, vh []float32
	if cache.F16() {
		n := kvLen * cfg.KVHeads * cfg.HeadDim
		if cap(e.kHist) < n {
			e.kHist = make([]float32, n, cache.Cap()*cfg.KVHeads*cfg.HeadDim)
			e.vHist = make([]float32, n, cap(e.kHist))
		}
		kh, vh = e.kHist[:n], e.vHist[:n]
		if err := cache.Get(kvLen, kh, vh); err != nil {
			return err
		}
	} else {
		var err error
		if kh, vh, err = cache.View(kvLen); err != nil {
			return err
		}
	}
	return e.run(out, q, kh, vh, nil, cfg, kvLen)
}

var scoresPool = sync.Pool{New: func() any { return new([]float32) }}

func (e *Engine) run(out, q, k, v, mask []float32, cfg Config, kvLen int) error {
	qLen, heads, hd := cfg.SeqLen, cfg.Heads, cfg.HeadDim
	if len(q) < qLen*heads*hd || len(out) < qLen*heads*hd {
		return errs.New(errs.ErrInvalidArgument, "attention: q/out hold %d/%d values, need %d", len(q), len(out), qLen*heads*hd)
	}
	offset := kvLen - qLen
	kvRow := cfg.KVHeads * hd
	group := heads / cfg.KVHeads
	scale := cfg.EffectiveScale()

	var (
		errMu    sync.Mutex
		firstErr error
	)
	// One unit is one (query, head) pair; units write disjoint out rows.
	units := qLen * heads
	e.k.ParallelFor(units, max(1, 4096/(kvLen*hd)), func(us, ue int) {
		bufp := scoresPool.Get().(*[]float32)
		defer scoresPool.Put(bufp)
		if cap(*bufp) < kvLen {
			*bufp = make([]float32, kvLen)
		}
		buf := (*bufp)[:kvLen]

		for u := us; u < ue; u++ {
			i, h := u/heads, u%heads
			kvh := h / group
			qh := q[(i*heads+h)*hd : (i*heads+h+1)*hd]
			oh := out[(i*heads+h)*hd : (i*heads+h+1)*hd]

			lo, hi := 0, kvLen-1
			if mask == nil && cfg.Causal {
				lo, hi = visible(offset+i, kvLen, cfg.Sliding, cfg.Window)
			}
			if hi < lo {
				setErr(&errMu, &firstErr, errs.New(errs.ErrInvalidArgument, "attention: query %d has no visible keys", i))
				return
			}
			scores := buf[lo : hi+1]
			var mrow []float32
			if mask != nil {
				mrow = mask[i*kvLen+lo : i*kvLen+hi+1]
			}
			for j := range scores {
				if mrow != nil && mrow[j] == negInf {
					scores[j] = negInf
					continue
				}
				koff := (lo+j)*kvRow + kvh*hd
				s := e.k.Dot(qh, k[koff:koff+hd]) * scale
				if mrow != nil {
					s += mrow[j]
				}
				scores[j] = s
			}
			if err := e.k.Softmax(scores, 1, len(scores)); err != nil {
				setErr(&errMu, &firstErr, errs.New(errs.ErrInvalidArgument, "attention: query %d head %d: every key is masked", i, h))
				return
			}
			clear(oh)
			for j, w := range scores {
				if w == 0 {
					continue
				}
				voff := (lo+j)*kvRow + kvh*hd
				e.k.Axpy(oh, w, v[voff:voff+hd])
			}
		}
	})
	return firstErr
}

func setErr(mu *sync.Mutex, dst *error, err error) {
	mu.Lock()
	if *dst == nil {
		*dst = err
	}
	mu.Unlock()
}
