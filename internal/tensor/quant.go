package tensor

import (
	"math"

	"github.com/samcharles93/qwenrt/internal/arena"
	"github.com/samcharles93/qwenrt/internal/errs"
)

// DefaultGroupSize is the quantization group size used when a checkpoint
// does not specify one.
const DefaultGroupSize = 64

// Quantized is an int8 tensor with one scale per GroupSize contiguous
// elements in flattened row-major order. Zeros is nil for symmetric
// quantization.
//
// Element i dequantizes to (Data[i] - Zeros[g]) * Scales[g] with
// g = i / GroupSize.
type Quantized struct {
	Shape     Shape
	GroupSize int

	Data   []int8
	Scales []float32
	Zeros  []int8
}

// NumGroups returns ceil(n / groupSize).
func NumGroups(n, groupSize int) int {
	if groupSize <= 0 {
		return 0
	}
	return (n + groupSize - 1) / groupSize
}

// NewQuantized allocates an empty quantized tensor on the heap.
func NewQuantized(groupSize int, dims ...int) (*Quantized, error) {
	if groupSize <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: group size must be positive, got %d", groupSize)
	}
	s, err := NewShape(dims...)
	if err != nil {
		return nil, err
	}
	n := s.Numel()
	return &Quantized{
		Shape:     s,
		GroupSize: groupSize,
		Data:      make([]int8, n),
		Scales:    make([]float32, NumGroups(n, groupSize)),
	}, nil
}

// NewQuantizedIn allocates a symmetric quantized tensor from a.
func NewQuantizedIn(a *arena.Arena, groupSize int, dims ...int) (*Quantized, error) {
	if a == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: nil arena")
	}
	if groupSize <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: group size must be positive, got %d", groupSize)
	}
	s, err := NewShape(dims...)
	if err != nil {
		return nil, err
	}
	n := s.Numel()
	data, err := a.Int8s(n)
	if err != nil {
		return nil, err
	}
	scales, err := a.Float32s(NumGroups(n, groupSize))
	if err != nil {
		return nil, err
	}
	return &Quantized{Shape: s, GroupSize: groupSize, Data: data, Scales: scales}, nil
}

// Validate checks buffer lengths against the shape and group size.
func (q *Quantized) Validate() error {
	if q == nil {
		return errs.New(errs.ErrInvalidArgument, "tensor: nil quantized tensor")
	}
	if q.GroupSize <= 0 {
		return errs.New(errs.ErrInvalidArgument, "tensor: group size must be positive, got %d", q.GroupSize)
	}
	n := q.Shape.Numel()
	groups := NumGroups(n, q.GroupSize)
	if len(q.Data) != n {
		return errs.New(errs.ErrInvalidArgument, "tensor: quantized data has %d elements, shape %v needs %d", len(q.Data), q.Shape, n)
	}
	if len(q.Scales) != groups {
		return errs.New(errs.ErrInvalidArgument, "tensor: %d scales for %d groups", len(q.Scales), groups)
	}
	if q.Zeros != nil && len(q.Zeros) != groups {
		return errs.New(errs.ErrInvalidArgument, "tensor: %d zero points for %d groups", len(q.Zeros), groups)
	}
	return nil
}

// Rows returns the leading dimension, treating the tensor as [rows, cols].
func (q *Quantized) Rows() int {
	return q.Shape.Dims[0]
}

// Cols returns the element count of one leading-dimension slice.
func (q *Quantized) Cols() int {
	if q.Shape.Dims[0] == 0 {
		return 0
	}
	return q.Shape.Numel() / q.Shape.Dims[0]
}

// At returns the dequantized value of flat element i.
func (q *Quantized) At(i int) float32 {
	g := i / q.GroupSize
	v := int32(q.Data[i])
	if q.Zeros != nil {
		v -= int32(q.Zeros[g])
	}
	return float32(v) * q.Scales[g]
}

// DequantizeRow writes row r of a [rows, cols] view into dst.
func (q *Quantized) DequantizeRow(dst []float32, r int) error {
	cols := q.Cols()
	if r < 0 || r >= q.Rows() {
		return errs.New(errs.ErrOutOfBounds, "tensor: row %d of %d", r, q.Rows())
	}
	if len(dst) < cols {
		return errs.New(errs.ErrInvalidArgument, "tensor: row buffer holds %d, need %d", len(dst), cols)
	}
	base := r * cols
	for j := 0; j < cols; j++ {
		dst[j] = q.At(base + j)
	}
	return nil
}

// Dequantize expands q into a new f32 tensor of the same shape.
func Dequantize(q *Quantized) (*Tensor, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}
	out := &Tensor{Shape: q.Shape, DType: F32, Owned: true, F32: make([]float32, len(q.Data))}
	for i := range q.Data {
		out.F32[i] = q.At(i)
	}
	return out, nil
}

// Quantize encodes src with one shared scale and zero point, rounding to the
// nearest representable int8 and clamping outside [-128, 127].
func Quantize(src *Tensor, groupSize int, scale float32, zeroPoint int8) (*Quantized, error) {
	if src == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: nil tensor")
	}
	if src.DType != F32 {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: quantize requires f32, got %v", src.DType)
	}
	if !(scale > 0) || math.IsInf(float64(scale), 0) {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: scale must be positive and finite, got %v", scale)
	}
	if groupSize <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: group size must be positive, got %d", groupSize)
	}
	n := src.Len()
	groups := NumGroups(n, groupSize)
	q := &Quantized{
		Shape:     src.Shape,
		GroupSize: groupSize,
		Data:      make([]int8, n),
		Scales:    make([]float32, groups),
	}
	for g := range q.Scales {
		q.Scales[g] = scale
	}
	if zeroPoint != 0 {
		q.Zeros = make([]int8, groups)
		for g := range q.Zeros {
			q.Zeros[g] = zeroPoint
		}
	}
	inv := 1 / float64(scale)
	for i, v := range src.F32 {
		r := int32(math.RoundToEven(float64(v)*inv)) + int32(zeroPoint)
		q.Data[i] = int8(clamp(r, -128, 127))
	}
	return q, nil
}

// QuantizeGroups encodes src symmetrically with a per-group absmax scale.
func QuantizeGroups(src []float32, groupSize int, dims ...int) (*Quantized, error) {
	q, err := NewQuantized(groupSize, dims...)
	if err != nil {
		return nil, err
	}
	if len(src) != len(q.Data) {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: %d values for shape %v", len(src), q.Shape)
	}
	QuantizeGroupsInto(q.Data, q.Scales, src, groupSize)
	return q, nil
}

// QuantizeGroupsInto is QuantizeGroups over caller-provided buffers.
// data must have len(src) elements and scales NumGroups(len(src), groupSize).
func QuantizeGroupsInto(data []int8, scales []float32, src []float32, groupSize int) {
	for g := range scales {
		start := g * groupSize
		end := min(start+groupSize, len(src))
		var maxAbs float32
		for _, v := range src[start:end] {
			maxAbs = max(maxAbs, float32(math.Abs(float64(v))))
		}
		if maxAbs == 0 {
			scales[g] = 0
			for i := start; i < end; i++ {
				data[i] = 0
			}
			continue
		}
		scale := maxAbs / 127
		scales[g] = scale
		inv := 1 / scale
		for i := start; i < end; i++ {
			r := int32(math.Round(float64(src[i] * inv)))
			data[i] = int8(clamp(r, -127, 127))
		}
	}
}
