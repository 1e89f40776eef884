package kernel

// vecOps are the inner loops a provider is built from. Everything else in
// this package is shared between providers.
type vecOps struct {
	dot     func(a, b []float32) float32
	axpy    func(dst []float32, a float32, x []float32)
	add     func(dst, a, b []float32)
	scale   func(x []float32, s float32)
	sumSq   func(x []float32) float32
	dotQ8   func(q []int8, x []int16) int32
	mulInto func(dst, a, b []float32, s float32)
}

func scalarOps() vecOps {
	return vecOps{
		dot:     dotScalar,
		axpy:    axpyScalar,
		add:     addScalar,
		scale:   scaleScalar,
		sumSq:   sumSqScalar,
		dotQ8:   dotQ8Scalar,
		mulInto: mulIntoScalar,
	}
}

func dotScalar(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyScalar(dst []float32, a float32, x []float32) {
	for i := range x {
		dst[i] += a * x[i]
	}
}

func addScalar(dst, a, b []float32) {
	for i := range dst {
		dst[i] = a[i] + b[i]
	}
}

func scaleScalar(x []float32, s float32) {
	for i := range x {
		x[i] *= s
	}
}

func sumSqScalar(x []float32) float32 {
	var sum float32
	for _, v := range x {
		sum += v * v
	}
	return sum
}

func dotQ8Scalar(q []int8, x []int16) int32 {
	var sum int32
	for i := range q {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}

// mulIntoScalar computes dst = a * b * s elementwise.
func mulIntoScalar(dst, a, b []float32, s float32) {
	for i := range dst {
		dst[i] = a[i] * b[i] * s
	}
}
