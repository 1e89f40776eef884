//go:build !goexperiment.simd || !amd64

package kernel

func avx2Supported() bool { return false }

func avx2Ops() (vecOps, bool) { return vecOps{}, false }
