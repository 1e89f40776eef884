package attention

import (
	"math"

	"github.com/samcharles93/qwenrt/internal/errs"
)

var negInf = float32(math.Inf(-1))

// CausalMask returns the [seqLen, seqLen] additive mask: 0 where key j is
// visible from query i, -Inf elsewhere. Visible means j <= i, and with a
// sliding window also j + window > i.
func CausalMask(seqLen int, sliding bool, window int) ([]float32, error) {
	return Mask(seqLen, seqLen, 0, sliding, window)
}

// Mask is the rectangular form of CausalMask for qLen queries against kvLen
// keys where query i sits at absolute position offset+i.
func Mask(qLen, kvLen, offset int, sliding bool, window int) ([]float32, error) {
	if qLen <= 0 || kvLen <= 0 || offset < 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "mask: invalid dimensions q=%d kv=%d offset=%d", qLen, kvLen, offset)
	}
	if sliding && window <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "mask: sliding window size must be positive, got %d", window)
	}
	out := make([]float32, qLen*kvLen)
	for i := 0; i < qLen; i++ {
		row := out[i*kvLen : (i+1)*kvLen]
		lo, hi := visible(offset+i, kvLen, sliding, window)
		for j := range row {
			if j < lo || j > hi {
				row[j] = negInf
			}
		}
	}
	return out, nil
}

// visible returns the inclusive key range a query at absolute position pos
// may attend to. hi < lo means nothing is visible.
func visible(pos, kvLen int, sliding bool, window int) (lo, hi int) {
	hi = min(pos, kvLen-1)
	if sliding {
		lo = max(0, pos-window+1)
	}
	return lo, hi
}
