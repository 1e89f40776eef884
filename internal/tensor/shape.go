package tensor

import (
	"fmt"
	"strings"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// MaxDims is the highest rank a Shape can describe.
const MaxDims = 4

// Shape holds up to four dimension sizes with row-major strides.
type Shape struct {
	NDims   int
	Dims    [MaxDims]int
	Strides [MaxDims]int
}

// NewShape builds a row-major Shape. Every dimension must be positive.
func NewShape(dims ...int) (Shape, error) {
	if len(dims) == 0 || len(dims) > MaxDims {
		return Shape{}, errs.New(errs.ErrInvalidArgument, "tensor: rank %d not in [1,%d]", len(dims), MaxDims)
	}
	var s Shape
	s.NDims = len(dims)
	for i, d := range dims {
		if d <= 0 {
			return Shape{}, errs.New(errs.ErrInvalidArgument, "tensor: dimension %d is %d", i, d)
		}
		s.Dims[i] = d
	}
	stride := 1
	for i := s.NDims - 1; i >= 0; i-- {
		s.Strides[i] = stride
		stride *= s.Dims[i]
	}
	return s, nil
}

// MustShape is NewShape for dimension lists known to be valid.
func MustShape(dims ...int) Shape {
	s, err := NewShape(dims...)
	if err != nil {
		panic(err)
	}
	return s
}

// Numel returns the product of the dimensions.
func (s Shape) Numel() int {
	if s.NDims == 0 {
		return 0
	}
	n := 1
	for i := 0; i < s.NDims; i++ {
		n *= s.Dims[i]
	}
	return n
}

// Offset converts an index vector to a flat element offset. Missing trailing
// indices are taken as zero.
func (s Shape) Offset(idx ...int) (int, error) {
	if len(idx) > s.NDims {
		return 0, errs.New(errs.ErrInvalidArgument, "tensor: %d indices for rank %d", len(idx), s.NDims)
	}
	off := 0
	for i, v := range idx {
		if v < 0 || v >= s.Dims[i] {
			return 0, errs.New(errs.ErrOutOfBounds, "tensor: index %d is %d, dimension is %d", i, v, s.Dims[i])
		}
		off += v * s.Strides[i]
	}
	return off, nil
}

// Equal reports whether both shapes have the same rank and dimensions.
func (s Shape) Equal(o Shape) bool {
	if s.NDims != o.NDims {
		return false
	}
	for i := 0; i < s.NDims; i++ {
		if s.Dims[i] != o.Dims[i] {
			return false
		}
	}
	return true
}

// Broadcastable reports whether a and b have equal rank and every dimension
// pair is equal or has a 1 on either side.
func Broadcastable(a, b Shape) bool {
	if a.NDims != b.NDims || a.NDims == 0 {
		return false
	}
	for i := 0; i < a.NDims; i++ {
		if a.Dims[i] != b.Dims[i] && a.Dims[i] != 1 && b.Dims[i] != 1 {
			return false
		}
	}
	return true
}

func (s Shape) String() string {
	parts := make([]string, s.NDims)
	for i := 0; i < s.NDims; i++ {
		parts[i] = fmt.Sprint(s.Dims[i])
	}
	return "[" + strings.Join(parts, "x") + "]"
}
