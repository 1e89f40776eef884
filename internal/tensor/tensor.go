// Package tensor defines dense and group-quantized tensors and the shape
// arithmetic shared by the kernels and the model.
package tensor

import (
	"github.com/samcharles93/qwenrt/internal/arena"
	"github.com/samcharles93/qwenrt/internal/errs"
)

// DType is the element encoding of a dense tensor.
type DType uint8

const (
	F32 DType = iota
	I8
	I16
)

// Size returns the element size in bytes.
func (d DType) Size() int {
	switch d {
	case F32:
		return 4
	case I16:
		return 2
	case I8:
		return 1
	default:
		return 0
	}
}

func (d DType) String() string {
	switch d {
	case F32:
		return "f32"
	case I8:
		return "i8"
	case I16:
		return "i16"
	default:
		return "unknown"
	}
}

// Tensor is a dense tensor. Exactly one of the typed buffers is populated,
// matching DType. A tensor whose Owned flag is false never releases its
// buffer; arena-backed tensors are always non-owning.
type Tensor struct {
	Shape Shape
	DType DType
	Owned bool

	F32 []float32
	I8  []int8
	I16 []int16
}

// New allocates a zeroed heap tensor.
func New(dtype DType, dims ...int) (*Tensor, error) {
	s, err := NewShape(dims...)
	if err != nil {
		return nil, err
	}
	t := &Tensor{Shape: s, DType: dtype, Owned: true}
	n := s.Numel()
	switch dtype {
	case F32:
		t.F32 = make([]float32, n)
	case I8:
		t.I8 = make([]int8, n)
	case I16:
		t.I16 = make([]int16, n)
	default:
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: unsupported dtype %d", dtype)
	}
	return t, nil
}

// NewIn allocates a tensor from a. The arena owns the memory.
func NewIn(a *arena.Arena, dtype DType, dims ...int) (*Tensor, error) {
	if a == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: nil arena")
	}
	s, err := NewShape(dims...)
	if err != nil {
		return nil, err
	}
	t := &Tensor{Shape: s, DType: dtype}
	n := s.Numel()
	switch dtype {
	case F32:
		t.F32, err = a.Float32s(n)
	case I8:
		t.I8, err = a.Int8s(n)
	case I16:
		t.I16, err = a.Int16s(n)
	default:
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: unsupported dtype %d", dtype)
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

// FromF32 wraps data without copying. The caller keeps ownership.
func FromF32(data []float32, dims ...int) (*Tensor, error) {
	s, err := NewShape(dims...)
	if err != nil {
		return nil, err
	}
	if len(data) < s.Numel() {
		return nil, errs.New(errs.ErrInvalidArgument, "tensor: buffer holds %d elements, shape %v needs %d", len(data), s, s.Numel())
	}
	return &Tensor{Shape: s, DType: F32, F32: data[:s.Numel()]}, nil
}

// Len returns the number of elements.
func (t *Tensor) Len() int {
	return t.Shape.Numel()
}

// Bytes returns the buffer size in bytes.
func (t *Tensor) Bytes() int {
	return t.Len() * t.DType.Size()
}

// Get reads one element as float32.
func (t *Tensor) Get(idx ...int) (float32, error) {
	if t == nil {
		return 0, errs.New(errs.ErrInvalidArgument, "tensor: nil tensor")
	}
	off, err := t.Shape.Offset(idx...)
	if err != nil {
		return 0, err
	}
	switch t.DType {
	case F32:
		return t.F32[off], nil
	case I8:
		return float32(t.I8[off]), nil
	case I16:
		return float32(t.I16[off]), nil
	}
	return 0, errs.New(errs.ErrInvalidArgument, "tensor: unsupported dtype %d", t.DType)
}

// Set writes one element, truncating toward zero for integer tensors.
func (t *Tensor) Set(v float32, idx ...int) error {
	if t == nil {
		return errs.New(errs.ErrInvalidArgument, "tensor: nil tensor")
	}
	off, err := t.Shape.Offset(idx...)
	if err != nil {
		return err
	}
	switch t.DType {
	case F32:
		t.F32[off] = v
	case I8:
		t.I8[off] = int8(clamp(int32(v), -128, 127))
	case I16:
		t.I16[off] = int16(clamp(int32(v), -32768, 32767))
	default:
		return errs.New(errs.ErrInvalidArgument, "tensor: unsupported dtype %d", t.DType)
	}
	return nil
}

// Release drops the buffer of an owning tensor. Non-owning tensors are left
// untouched.
func (t *Tensor) Release() {
	if t == nil || !t.Owned {
		return
	}
	t.F32, t.I8, t.I16 = nil, nil, nil
}

// Add computes dst = a + b for f32 tensors. b may broadcast against a;
// dst must have a's shape.
func Add(dst, a, b *Tensor) error {
	if dst == nil || a == nil || b == nil {
		return errs.New(errs.ErrInvalidArgument, "tensor: nil operand")
	}
	if dst.DType != F32 || a.DType != F32 || b.DType != F32 {
		return errs.New(errs.ErrInvalidArgument, "tensor: add requires f32 operands")
	}
	if !dst.Shape.Equal(a.Shape) {
		return errs.New(errs.ErrInvalidArgument, "tensor: add dst %v does not match %v", dst.Shape, a.Shape)
	}
	if a.Shape.Equal(b.Shape) {
		for i := range a.F32 {
			dst.F32[i] = a.F32[i] + b.F32[i]
		}
		return nil
	}
	if !Broadcastable(a.Shape, b.Shape) {
		return errs.New(errs.ErrInvalidArgument, "tensor: shapes %v and %v do not broadcast", a.Shape, b.Shape)
	}
	for i := range b.Shape.NDims {
		if b.Shape.Dims[i] != 1 && b.Shape.Dims[i] != a.Shape.Dims[i] {
			return errs.New(errs.ErrInvalidArgument, "tensor: %v cannot broadcast into %v", b.Shape, a.Shape)
		}
	}
	var idx [MaxDims]int
	for i := range a.F32 {
		rem := i
		for d := 0; d < a.Shape.NDims; d++ {
			idx[d] = rem / a.Shape.Strides[d]
			rem %= a.Shape.Strides[d]
		}
		off := 0
		for d := 0; d < b.Shape.NDims; d++ {
			if b.Shape.Dims[d] != 1 {
				off += idx[d] * b.Shape.Strides[d]
			}
		}
		dst.F32[i] = a.F32[i] + b.F32[off]
	}
	return nil
}

// Scale multiplies every element of an f32 tensor by s.
func Scale(t *Tensor, s float32) error {
	if t == nil {
		return errs.New(errs.ErrInvalidArgument, "tensor: nil tensor")
	}
	if t.DType != F32 {
		return errs.New(errs.ErrInvalidArgument, "tensor: scale requires f32, got %v", t.DType)
	}
	for i := range t.F32 {
		t.F32[i] *= s
	}
	return nil
}

func clamp(v, lo, hi int32) int32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
