// Package kvcache stores the key and value projections of every token seen
// in the current sequence so each decode step only projects the new token.
package kvcache

import (
	"github.com/x448/float16"

	"github.com/samcharles93/qwenrt/internal/arena"
	"github.com/samcharles93/qwenrt/internal/errs"
)

// Cache holds K and V rows of kvHeads*headDim values for up to maxSeqLen
// tokens. Rows are only ever appended; Clear rewinds without reallocating.
type Cache struct {
	maxSeqLen int
	kvHeads   int
	headDim   int
	rowLen    int
	size      int

	k, v     []float32
	k16, v16 []float16.Float16

	freed bool
}

type options struct {
	f16   bool
	arena *arena.Arena
}

type Option func(*options)

// WithF16 stores rows as IEEE half floats, halving the cache footprint.
// Reads convert back to float32, so View is unavailable.
func WithF16() Option {
	return func(o *options) { o.f16 = true }
}

// WithArena carves float32 buffers from a instead of the heap. The cache
// never releases arena memory.
func WithArena(a *arena.Arena) Option {
	return func(o *options) { o.arena = a }
}

func New(maxSeqLen, kvHeads, headDim int, opts ...Option) (*Cache, error) {
	if maxSeqLen <= 0 || kvHeads <= 0 || headDim <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument,
			"kvcache: dimensions must be positive, got max_seq_len=%d kv_heads=%d head_dim=%d", maxSeqLen, kvHeads, headDim)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	c := &Cache{
		maxSeqLen: maxSeqLen,
		kvHeads:   kvHeads,
		headDim:   headDim,
		rowLen:    kvHeads * headDim,
	}
	n := maxSeqLen * c.rowLen
	switch {
	case o.f16:
		c.k16 = make([]float16.Float16, n)
		c.v16 = make([]float16.Float16, n)
	case o.arena != nil:
		var err error
		if c.k, err = o.arena.Float32s(n); err != nil {
			return nil, err
		}
		if c.v, err = o.arena.Float32s(n); err != nil {
			return nil, err
		}
	default:
		c.k = make([]float32, n)
		c.v = make([]float32, n)
	}
	return c, nil
}

// Append copies batch token rows from k and v at the cursor.
func (c *Cache) Append(k, v []float32, batch int) error {
	if err := c.live(); err != nil {
		return err
	}
	if batch <= 0 {
		return errs.New(errs.ErrInvalidArgument, "kvcache: batch must be positive, got %d", batch)
	}
	n := batch * c.rowLen
	if len(k) < n || len(v) < n {
		return errs.New(errs.ErrInvalidArgument, "kvcache: %d tokens need %d values, got k=%d v=%d", batch, n, len(k), len(v))
	}
	if c.size+batch > c.maxSeqLen {
		return errs.New(errs.ErrCapacityExceeded, "kvcache: appending %d tokens to %d exceeds max_seq_len %d", batch, c.size, c.maxSeqLen)
	}
	off := c.size * c.rowLen
	if c.k16 != nil {
		for i := 0; i < n; i++ {
			c.k16[off+i] = float16.Fromfloat32(k[i])
			c.v16[off+i] = float16.Fromfloat32(v[i])
		}
	} else {
		copy(c.k[off:off+n], k[:n])
		copy(c.v[off:off+n], v[:n])
	}
	c.size += batch
	return nil
}

// Get copies the first seqLen cached rows into kOut and vOut.
func (c *Cache) Get(seqLen int, kOut, vOut []float32) error {
	if err := c.live(); err != nil {
		return err
	}
	if seqLen <= 0 {
		return errs.New(errs.ErrInvalidArgument, "kvcache: seq_len must be positive, got %d", seqLen)
	}
	if seqLen > c.size {
		return errs.New(errs.ErrOutOfBounds, "kvcache: requested %d tokens, %d cached", seqLen, c.size)
	}
	n := seqLen * c.rowLen
	if len(kOut) < n || len(vOut) < n {
		return errs.New(errs.ErrInvalidArgument, "kvcache: output buffers hold k=%d v=%d, need %d", len(kOut), len(vOut), n)
	}
	if c.k16 != nil {
		for i := 0; i < n; i++ {
			kOut[i] = c.k16[i].Float32()
			vOut[i] = c.v16[i].Float32()
		}
		return nil
	}
	copy(kOut[:n], c.k[:n])
	copy(vOut[:n], c.v[:n])
	return nil
}

// View returns the first seqLen rows without copying. The slices alias the
// cache and are only valid until the next Clear or Free.
func (c *Cache) View(seqLen int) (k, v []float32, err error) {
	if err := c.live(); err != nil {
		return nil, nil, err
	}
	if c.k16 != nil {
		return nil, nil, errs.New(errs.ErrIncompatibleConfig, "kvcache: half-precision cache has no float32 view")
	}
	if seqLen < 0 || seqLen > c.size {
		return nil, nil, errs.New(errs.ErrOutOfBounds, "kvcache: requested %d tokens, %d cached", seqLen, c.size)
	}
	n := seqLen * c.rowLen
	return c.k[:n:n], c.v[:n:n], nil
}

// Clear empties the cache, keeping its buffers.
func (c *Cache) Clear() {
	c.size = 0
}

// Free drops the heap buffers. Every later call except Clear fails.
func (c *Cache) Free() {
	c.k, c.v, c.k16, c.v16 = nil, nil, nil, nil
	c.size = 0
	c.freed = true
}

func (c *Cache) live() error {
	if c == nil || c.freed {
		return errs.New(errs.ErrInvalidArgument, "kvcache: use of freed cache")
	}
	return nil
}

// Size is the number of cached tokens.
func (c *Cache) Size() int { return c.size }

// Cap is max_seq_len.
func (c *Cache) Cap() int { return c.maxSeqLen }

func (c *Cache) Remaining() int { return c.maxSeqLen - c.size }

func (c *Cache) Full() bool { return c.size == c.maxSeqLen }

func (c *Cache) KVHeads() int { return c.kvHeads }

func (c *Cache) HeadDim() int { return c.headDim }

// F16 reports whether rows are stored as half floats.
func (c *Cache) F16() bool { return c.k16 != nil }

// Bytes is the storage held by both buffers.
func (c *Cache) Bytes() int {
	if c.k16 != nil {
		return 2 * 2 * len(c.k16)
	}
	return 2 * 4 * len(c.k)
}
