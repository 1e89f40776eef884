//go:build goexperiment.simd && amd64

package backend

func simdBuild() bool { return true }
