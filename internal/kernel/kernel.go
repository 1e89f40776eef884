// Package kernel implements the matrix and vector primitives of the engine.
// Every call site goes through a Provider; the concrete implementation
// (scalar reference, portable unrolled, AVX2) is chosen once at start-up.
package kernel

import (
	"math"
	"sync"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/tensor"
)

const (
	Scalar  = "scalar"
	Generic = "generic"
	AVX2    = "avx2"
)

// Provider is the single dispatch entry point for numeric kernels. All
// matrices are row-major float32 unless stated otherwise.
type Provider interface {
	Name() string
	Threads() int

	// MatMul computes C = alpha*A*B + beta*C for A[m,k], B[k,n], C[m,n].
	MatMul(c, a, b []float32, m, n, k int, alpha, beta float32) error
	// MatVec computes out = W*x for W[rows,cols].
	MatVec(out, w, x []float32, rows, cols int) error
	// QuantMatVec computes out = W*x for a quantized W[rows,cols].
	QuantMatVec(out []float32, w *tensor.Quantized, x []float32) error
	Transpose(dst, src []float32, rows, cols int) error

	Add(dst, a, b []float32) error
	Scale(x []float32, s float32)
	Dot(a, b []float32) float32
	Axpy(dst []float32, a float32, x []float32)

	// Softmax normalizes each of rows rows of cols values in place. A row
	// whose values are all -Inf is rejected.
	Softmax(x []float32, rows, cols int) error
	RMSNorm(dst, src, weight []float32, rows, cols int, eps float32) error
	LayerNorm(dst, src, weight, bias []float32, rows, cols int, eps float32) error
	// RoPE rotates pairs (d, d+1) of every head vector of x, laid out as
	// [len(positions), heads, headDim], by positions[t]*theta^(-d/headDim).
	RoPE(x []float32, positions []int, heads, headDim int, theta float32) error

	// ParallelFor runs fn over disjoint sub-ranges of [0, n) on the
	// provider's worker pool.
	ParallelFor(n, grain int, fn func(start, end int))
	Close()
}

// minWork is the rough number of multiply-adds below which a range is not
// worth handing to another worker.
const minWork = 1 << 15

type cpuKernels struct {
	name string
	ops  vecOps
	pool *Pool
}

// NewScalar returns the reference provider.
func NewScalar(threads int) Provider {
	return &cpuKernels{name: Scalar, ops: scalarOps(), pool: NewPool(threads)}
}

// NewGeneric returns the portable unrolled provider.
func NewGeneric(threads int) Provider {
	return &cpuKernels{name: Generic, ops: genericOps(), pool: NewPool(threads)}
}

// NewAVX2 returns the AVX2/FMA provider. It fails when the binary was built
// without GOEXPERIMENT=simd or the CPU lacks the instructions.
func NewAVX2(threads int) (Provider, error) {
	ops, ok := avx2Ops()
	if !ok {
		return nil, errs.New(errs.ErrIncompatibleConfig, "kernel: avx2 provider unavailable on this build or CPU")
	}
	return &cpuKernels{name: AVX2, ops: ops, pool: NewPool(threads)}, nil
}

// AVX2Available reports whether NewAVX2 can succeed.
func AVX2Available() bool {
	return avx2Supported()
}

func (k *cpuKernels) Name() string { return k.name }

func (k *cpuKernels) Threads() int { return k.pool.Size() }

func (k *cpuKernels) Close() { k.pool.Close() }

func (k *cpuKernels) ParallelFor(n, grain int, fn func(start, end int)) {
	k.pool.ParallelFor(n, grain, fn)
}

func grainFor(work int) int {
	if work <= 0 {
		return 1
	}
	return max(1, minWork/work)
}

func (k *cpuKernels) MatMul(c, a, b []float32, m, n, kk int, alpha, beta float32) error {
	if m <= 0 || n <= 0 || kk <= 0 {
		return errs.New(errs.ErrInvalidArgument, "matmul: dimensions must be positive, got m=%d n=%d k=%d", m, n, kk)
	}
	if len(a) < m*kk || len(b) < kk*n || len(c) < m*n {
		return errs.New(errs.ErrInvalidArgument, "matmul: buffers too small for %dx%d * %dx%d (a=%d b=%d c=%d)",
			m, kk, kk, n, len(a), len(b), len(c))
	}
	k.pool.ParallelFor(m, grainFor(n*kk), func(rs, re int) {
		for i := rs; i < re; i++ {
			crow := c[i*n : (i+1)*n]
			switch beta {
			case 0:
				clear(crow)
			case 1:
			default:
				k.ops.scale(crow, beta)
			}
			arow := a[i*kk : (i+1)*kk]
			for p, av := range arow {
				k.ops.axpy(crow, alpha*av, b[p*n:(p+1)*n])
			}
		}
	})
	return nil
}

func (k *cpuKernels) MatVec(out, w, x []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return errs.New(errs.ErrInvalidArgument, "matvec: dimensions must be positive, got %dx%d", rows, cols)
	}
	if len(w) < rows*cols || len(x) < cols || len(out) < rows {
		return errs.New(errs.ErrInvalidArgument, "matvec: buffers too small for %dx%d (w=%d x=%d out=%d)",
			rows, cols, len(w), len(x), len(out))
	}
	x = x[:cols]
	k.pool.ParallelFor(rows, grainFor(cols), func(rs, re int) {
		for r := rs; r < re; r++ {
			out[r] = k.ops.dot(w[r*cols:(r+1)*cols], x)
		}
	})
	return nil
}

type quantScratch struct {
	qx   []int16
	xs   []float32
	sums []int32
}

var quantScratchPool = sync.Pool{New: func() any { return new(quantScratch) }}

func (k *cpuKernels) QuantMatVec(out []float32, w *tensor.Quantized, x []float32) error {
	if err := w.Validate(); err != nil {
		return err
	}
	rows, cols := w.Rows(), w.Cols()
	if len(x) < cols || len(out) < rows {
		return errs.New(errs.ErrInvalidArgument, "quant matvec: buffers too small for %dx%d (x=%d out=%d)",
			rows, cols, len(x), len(out))
	}
	x = x[:cols]
	gs := w.GroupSize
	if cols%gs != 0 {
		k.quantMatVecUnaligned(out, w, x)
		return nil
	}

	// Quantize the activations with the weights' grouping so each group is
	// one integer dot product followed by one float multiply.
	groups := cols / gs
	s := quantScratchPool.Get().(*quantScratch)
	defer quantScratchPool.Put(s)
	if cap(s.qx) < cols {
		s.qx = make([]int16, cols)
	}
	if cap(s.xs) < groups {
		s.xs = make([]float32, groups)
		s.sums = make([]int32, groups)
	}
	qx, xs, sums := s.qx[:cols], s.xs[:groups], s.sums[:groups]
	quantizeActivations(qx, xs, sums, x, gs)

	k.pool.ParallelFor(rows, grainFor(cols), func(rs, re int) {
		for r := rs; r < re; r++ {
			base := r * cols
			gBase := base / gs
			var acc float32
			for g := 0; g < groups; g++ {
				if xs[g] == 0 {
					continue
				}
				off := base + g*gs
				d := k.ops.dotQ8(w.Data[off:off+gs], qx[g*gs:(g+1)*gs])
				if w.Zeros != nil {
					d -= int32(w.Zeros[gBase+g]) * sums[g]
				}
				acc += float32(d) * w.Scales[gBase+g] * xs[g]
			}
			out[r] = acc
		}
	})
	return nil
}

// quantMatVecUnaligned handles groups that straddle row boundaries by
// dequantizing each run of one group inline.
func (k *cpuKernels) quantMatVecUnaligned(out []float32, w *tensor.Quantized, x []float32) {
	rows, cols := w.Rows(), w.Cols()
	gs := w.GroupSize
	k.pool.ParallelFor(rows, grainFor(cols), func(rs, re int) {
		for r := rs; r < re; r++ {
			base := r * cols
			var acc float32
			for j := 0; j < cols; {
				g := (base + j) / gs
				end := min(cols, (g+1)*gs-base)
				var zero float32
				if w.Zeros != nil {
					zero = float32(w.Zeros[g])
				}
				var part float32
				for ; j < end; j++ {
					part += (float32(w.Data[base+j]) - zero) * x[j]
				}
				acc += part * w.Scales[g]
			}
			out[r] = acc
		}
	})
}

func quantizeActivations(qx []int16, scales []float32, sums []int32, x []float32, gs int) {
	for g := range scales {
		seg := x[g*gs : (g+1)*gs]
		var maxAbs float32
		for _, v := range seg {
			if v < 0 {
				v = -v
			}
			maxAbs = max(maxAbs, v)
		}
		q := qx[g*gs : (g+1)*gs]
		if maxAbs == 0 {
			scales[g] = 0
			sums[g] = 0
			clear(q)
			continue
		}
		scale := maxAbs / 127
		inv := 1 / scale
		var sum int32
		for i, v := range seg {
			r := int32(math.Round(float64(v * inv)))
			r = min(max(r, -127), 127)
			q[i] = int16(r)
			sum += r
		}
		scales[g] = scale
		sums[g] = sum
	}
}

func (k *cpuKernels) Transpose(dst, src []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 {
		return errs.New(errs.ErrInvalidArgument, "transpose: dimensions must be positive, got %dx%d", rows, cols)
	}
	if len(src) < rows*cols || len(dst) < rows*cols {
		return errs.New(errs.ErrInvalidArgument, "transpose: buffers too small for %dx%d", rows, cols)
	}
	const tile = 32
	for i0 := 0; i0 < rows; i0 += tile {
		i1 := min(i0+tile, rows)
		for j0 := 0; j0 < cols; j0 += tile {
			j1 := min(j0+tile, cols)
			for i := i0; i < i1; i++ {
				for j := j0; j < j1; j++ {
					dst[j*rows+i] = src[i*cols+j]
				}
			}
		}
	}
	return nil
}

func (k *cpuKernels) Add(dst, a, b []float32) error {
	if len(a) < len(dst) || len(b) < len(dst) {
		return errs.New(errs.ErrInvalidArgument, "add: operands shorter than dst (%d, %d < %d)", len(a), len(b), len(dst))
	}
	k.ops.add(dst, a, b)
	return nil
}

func (k *cpuKernels) Scale(x []float32, s float32) { k.ops.scale(x, s) }

func (k *cpuKernels) Dot(a, b []float32) float32 { return k.ops.dot(a, b[:len(a)]) }

func (k *cpuKernels) Axpy(dst []float32, a float32, x []float32) { k.ops.axpy(dst[:len(x)], a, x) }

func (k *cpuKernels) Softmax(x []float32, rows, cols int) error {
	if rows <= 0 || cols <= 0 || len(x) < rows*cols {
		return errs.New(errs.ErrInvalidArgument, "softmax: %d values for %dx%d", len(x), rows, cols)
	}
	for r := 0; r < rows; r++ {
		if err := softmaxRow(x[r*cols : (r+1)*cols]); err != nil {
			return errs.New(errs.ErrInvalidArgument, "softmax: row %d: %v", r, err)
		}
	}
	return nil
}

var errAllMasked = errs.New(errs.ErrInvalidArgument, "every position is masked")

func softmaxRow(x []float32) error {
	maxv := float32(math.Inf(-1))
	for _, v := range x {
		if v > maxv {
			maxv = v
		}
	}
	if math.IsInf(float64(maxv), -1) {
		return errAllMasked
	}
	var sum float64
	for i, v := range x {
		e := math.Exp(float64(v - maxv))
		x[i] = float32(e)
		sum += e
	}
	inv := float32(1 / sum)
	for i := range x {
		x[i] *= inv
	}
	return nil
}

func (k *cpuKernels) RMSNorm(dst, src, weight []float32, rows, cols int, eps float32) error {
	if rows <= 0 || cols <= 0 || len(src) < rows*cols || len(dst) < rows*cols {
		return errs.New(errs.ErrInvalidArgument, "rmsnorm: buffers too small for %dx%d", rows, cols)
	}
	if len(weight) < cols {
		return errs.New(errs.ErrInvalidArgument, "rmsnorm: weight has %d values, need %d", len(weight), cols)
	}
	weight = weight[:cols]
	for r := 0; r < rows; r++ {
		row := src[r*cols : (r+1)*cols]
		mean := k.ops.sumSq(row) / float32(cols)
		inv := float32(1 / math.Sqrt(float64(mean+eps)))
		k.ops.mulInto(dst[r*cols:(r+1)*cols], row, weight, inv)
	}
	return nil
}

func (k *cpuKernels) LayerNorm(dst, src, weight, bias []float32, rows, cols int, eps float32) error {
	if rows <= 0 || cols <= 0 || len(src) < rows*cols || len(dst) < rows*cols {
		return errs.New(errs.ErrInvalidArgument, "layernorm: buffers too small for %dx%d", rows, cols)
	}
	if len(weight) < cols || (bias != nil && len(bias) < cols) {
		return errs.New(errs.ErrInvalidArgument, "layernorm: weight/bias shorter than %d", cols)
	}
	for r := 0; r < rows; r++ {
		row := src[r*cols : (r+1)*cols]
		var mean float64
		for _, v := range row {
			mean += float64(v)
		}
		mean /= float64(cols)
		var variance float64
		for _, v := range row {
			d := float64(v) - mean
			variance += d * d
		}
		variance /= float64(cols)
		inv := 1 / math.Sqrt(variance+float64(eps))
		out := dst[r*cols : (r+1)*cols]
		for i, v := range row {
			y := float32((float64(v)-mean)*inv) * weight[i]
			if bias != nil {
				y += bias[i]
			}
			out[i] = y
		}
	}
	return nil
}

func (k *cpuKernels) RoPE(x []float32, positions []int, heads, headDim int, theta float32) error {
	if heads <= 0 || headDim <= 0 || headDim%2 != 0 {
		return errs.New(errs.ErrInvalidArgument, "rope: need positive heads and even head dim, got %d, %d", heads, headDim)
	}
	if !(theta > 0) {
		return errs.New(errs.ErrInvalidArgument, "rope: theta must be positive, got %v", theta)
	}
	stride := heads * headDim
	if len(x) < len(positions)*stride {
		return errs.New(errs.ErrInvalidArgument, "rope: %d values for %d positions of %d heads", len(x), len(positions), heads)
	}
	invFreq := ropeFrequencies(headDim, theta)
	for t, pos := range positions {
		if pos < 0 {
			return errs.New(errs.ErrInvalidArgument, "rope: negative position %d", pos)
		}
		row := x[t*stride : (t+1)*stride]
		for i, f := range invFreq {
			sin, cos := math.Sincos(float64(pos) * f)
			s, c := float32(sin), float32(cos)
			d := 2 * i
			for h := 0; h < heads; h++ {
				off := h*headDim + d
				x0, x1 := row[off], row[off+1]
				row[off] = x0*c - x1*s
				row[off+1] = x0*s + x1*c
			}
		}
	}
	return nil
}

// ropeFrequencies returns theta^(-d/headDim) for d = 0, 2, 4, ...
func ropeFrequencies(headDim int, theta float32) []float64 {
	out := make([]float64, headDim/2)
	for i := range out {
		out[i] = math.Pow(float64(theta), -float64(2*i)/float64(headDim))
	}
	return out
}
