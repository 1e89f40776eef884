//go:build goexperiment.simd && amd64

package kernel

import "simd/archsimd"

func avx2Supported() bool {
	return archsimd.X86.AVX2() && archsimd.X86.FMA()
}

func avx2Ops() (vecOps, bool) {
	if !avx2Supported() {
		return vecOps{}, false
	}
	return vecOps{
		dot:     dotAVX2,
		axpy:    axpyAVX2,
		add:     addAVX2,
		scale:   scaleAVX2,
		sumSq:   sumSqAVX2,
		dotQ8:   dotQ8AVX2,
		mulInto: mulIntoAVX2,
	}, true
}

func hsum(acc archsimd.Float32x8) float32 {
	var tmp [8]float32
	acc.Store(&tmp)
	return tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
}

func dotAVX2(a, b []float32) float32 {
	n := len(a)
	var acc0, acc1 archsimd.Float32x8
	i := 0
	for ; i+16 <= n; i += 16 {
		acc0 = archsimd.LoadFloat32x8Slice(a[i:]).MulAdd(archsimd.LoadFloat32x8Slice(b[i:]), acc0)
		acc1 = archsimd.LoadFloat32x8Slice(a[i+8:]).MulAdd(archsimd.LoadFloat32x8Slice(b[i+8:]), acc1)
	}
	for ; i+8 <= n; i += 8 {
		acc0 = archsimd.LoadFloat32x8Slice(a[i:]).MulAdd(archsimd.LoadFloat32x8Slice(b[i:]), acc0)
	}
	sum := hsum(acc0.Add(acc1))
	for ; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}

func axpyAVX2(dst []float32, a float32, x []float32) {
	n := len(x)
	va := archsimd.BroadcastFloat32x8(a)
	i := 0
	for ; i+8 <= n; i += 8 {
		vd := archsimd.LoadFloat32x8Slice(dst[i:])
		vx := archsimd.LoadFloat32x8Slice(x[i:])
		vx.MulAdd(va, vd).StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] += a * x[i]
	}
}

func addAVX2(dst, a, b []float32) {
	n := len(dst)
	i := 0
	for ; i+8 <= n; i += 8 {
		va := archsimd.LoadFloat32x8Slice(a[i:])
		vb := archsimd.LoadFloat32x8Slice(b[i:])
		va.Add(vb).StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] = a[i] + b[i]
	}
}

func scaleAVX2(x []float32, s float32) {
	n := len(x)
	vs := archsimd.BroadcastFloat32x8(s)
	i := 0
	for ; i+8 <= n; i += 8 {
		archsimd.LoadFloat32x8Slice(x[i:]).Mul(vs).StoreSlice(x[i:])
	}
	for ; i < n; i++ {
		x[i] *= s
	}
}

func sumSqAVX2(x []float32) float32 {
	n := len(x)
	var acc archsimd.Float32x8
	i := 0
	for ; i+8 <= n; i += 8 {
		v := archsimd.LoadFloat32x8Slice(x[i:])
		acc = v.MulAdd(v, acc)
	}
	sum := hsum(acc)
	for ; i < n; i++ {
		sum += x[i] * x[i]
	}
	return sum
}

func dotQ8AVX2(q []int8, x []int16) int32 {
	n := len(q)
	var acc archsimd.Int32x8
	i := 0
	for ; i+16 <= n; i += 16 {
		iq := archsimd.LoadInt8x16Slice(q[i:]).ExtendToInt16()
		ix := archsimd.LoadInt16x16Slice(x[i:])
		acc = acc.Add(iq.DotProductPairs(ix))
	}
	var tmp [8]int32
	acc.Store(&tmp)
	sum := tmp[0] + tmp[1] + tmp[2] + tmp[3] + tmp[4] + tmp[5] + tmp[6] + tmp[7]
	for ; i < n; i++ {
		sum += int32(q[i]) * int32(x[i])
	}
	return sum
}

func mulIntoAVX2(dst, a, b []float32, s float32) {
	n := len(dst)
	vs := archsimd.BroadcastFloat32x8(s)
	i := 0
	for ; i+8 <= n; i += 8 {
		va := archsimd.LoadFloat32x8Slice(a[i:])
		vb := archsimd.LoadFloat32x8Slice(b[i:])
		va.Mul(vb).Mul(vs).StoreSlice(dst[i:])
	}
	for ; i < n; i++ {
		dst[i] = a[i] * b[i] * s
	}
}
