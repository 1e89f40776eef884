package kernel

// Portable 8-wide unrolled loops. Independent accumulators let the compiler
// keep several multiply-adds in flight without any vector instructions.

func genericOps() vecOps {
	return vecOps{
		dot:     dotGeneric,
		axpy:    axpyGeneric,
		add:     addGeneric,
		scale:   scaleGeneric,
		sumSq:   sumSqGeneric,
		dotQ8:   dotQ8Generic,
		mulInto: mulIntoScalar,
	}
}

func dotGeneric(a, b []float32) float32 {
	n := len(a)
	b = b[:n]
	var s0, s1, s2, s3, s4, s5, s6, s7 float32
	i := 0
	for ; i+8 <= n; i += 8 {
		s0 += a[i] * b[i]
		s1 += a[i+1] * b[i+1]
		s2 += a[i+2] * b[i+2]
		s3 += a[i+3] * b[i+3]
		s4 += a[i+4] * b[i+4]
		s5 += a[i+5] * b[i+5]
		s6 += a[i+6] * b[i+6]
		s7 += a[i+7] * b[i+7]
	}
	sum := (s0 + s1) + (s2 + s3) + (s4 + s5) + (s6 + s7)
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyGeneric(dst []float32, a float32, x []float32) {
	n := len(x)
	dst = dst[:n]
	i := 0
	for ; i+8 <= n; i += 8 {
		dst[i] += a * x[i]
		dst[i+1] += a * x[i+1]
		dst[i+2] += a * x[i+2]
		dst[i+3] += a * x[i+3]
		dst[i+4] += a * x[i+4]
		dst[i+5] += a * x[i+5]
		dst[i+6] += a * x[i+6]
		dst[i+7] += a * x[i+7]
	}
	for ; i < n; i++ {
		dst[i] += a * x[i]
	}
}

func addGeneric(dst, a, b []float32) {
	n := len(dst)
	a, b = a[:n], b[:n]
	i := 0
	for ; i+8 <= n; i += 8 {
		dst[i] = a[i] + b[i]
		dst[i+1] = a[i+1] + b[i+1]
		dst[i+2] = a[i+2] + b[i+2]
		dst[i+3] = a[i+3] + b[i+3]
		dst[i+4] = a[i+4] + b[i+4]
		dst[i+5] = a[i+5] + b[i+5]
		dst[i+6] = a[i+6] + b[i+6]
		dst[i+7] = a[i+7] + b[i+7]
	}
	for ; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

func scaleGeneric(x []float32, s float32) {
	n := len(x)
	i := 0
	for ; i+8 <= n; i += 8 {
		x[i] *= s
		x[i+1] *= s
		x[i+2] *= s
		x[i+3] *= s
		x[i+4] *= s
		x[i+5] *= s
		x[i+6] *= s
		x[i+7] *= s
	}
	for ; i < n; i++ {
		x[i] *= s
	}
}

func sumSqGeneric(x []float32) float32 {
	return dotGeneric(x, x)
}

func dotQ8Generic(q []int8, x []int16) int32 {
	n := len(q)
	x = x[:n]
	var s0, s1, s2, s3 int32
	i := 0
	for ; i+4 <= n; i += 4 {
		s0 += int32(q[i]) * int32(x[i])
		s1 += int32(q[i+1]) * int32(x[i+1])
		s2 += int32(q[i+2]) * int32(x[i+2])
		s3 += int32(q[i+3]) * int32(x[i+3])
	}
	sum := s0 + s1 + s2 + s3
	for ; i < n; i++ {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}
