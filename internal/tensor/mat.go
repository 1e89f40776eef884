package tensor

import (
	"math/rand"

	"github.com/samcharles93/qwenrt/internal/arena"
)

// Mat is a row-major float32 matrix view. Scratch buffers and activations
// use it; R rows of C values, Stride elements apart.
type Mat struct {
	R, C   int
	Stride int
	Data   []float32
}

// NewMat allocates a zeroed matrix.
func NewMat(r, c int) Mat {
	if r < 0 || c < 0 {
		panic("negative dimension for matrix")
	}
	return Mat{R: r, C: c, Stride: c, Data: make([]float32, r*c)}
}

// NewMatIn allocates a matrix from a.
func NewMatIn(a *arena.Arena, r, c int) (Mat, error) {
	data, err := a.Float32s(r * c)
	if err != nil {
		return Mat{}, err
	}
	return Mat{R: r, C: c, Stride: c, Data: data}, nil
}

// NewMatFromData wraps data, which must hold exactly r*c values.
func NewMatFromData(r, c int, data []float32) Mat {
	if r*c != len(data) {
		panic("data length mismatch")
	}
	return Mat{R: r, C: c, Stride: c, Data: data}
}

// Row returns row i as a slice aliasing the matrix.
func (m *Mat) Row(i int) []float32 {
	if i < 0 || i >= m.R {
		panic("row index out of range")
	}
	start := i * m.Stride
	return m.Data[start : start+m.C]
}

// Rows returns the first n rows as one contiguous slice. Only valid when
// Stride == C.
func (m *Mat) Rows(n int) []float32 {
	if n < 0 || n > m.R {
		panic("row count out of range")
	}
	return m.Data[:n*m.Stride]
}

// RowTo copies row i into dst.
func (m *Mat) RowTo(dst []float32, i int) {
	if len(dst) < m.C {
		panic("row buffer too small")
	}
	copy(dst[:m.C], m.Row(i))
}

// FillRand fills m with reproducible values in roughly (-0.01, 0.01).
func FillRand(m *Mat, seed int64) {
	FillRandScaled(m.Data, seed, 0.02)
}

// FillRandScaled fills data with reproducible values in (-span/2, span/2).
func FillRandScaled(data []float32, seed int64, span float32) {
	rng := rand.New(rand.NewSource(seed))
	for i := range data {
		data[i] = (rng.Float32() - 0.5) * span
	}
}
