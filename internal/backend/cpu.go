package backend

import (
	"fmt"
	"runtime"
	"strings"

	"golang.org/x/sys/cpu"
)

// Features is the subset of CPU capabilities that affect provider choice.
type Features struct {
	Arch    string
	Cores   int
	SSE41   bool
	AVX     bool
	AVX2    bool
	FMA     bool
	AVX512F bool
	NEON    bool

	// SIMDBuild reports whether this binary carries the vector kernels.
	SIMDBuild bool
}

// Probe inspects the running CPU.
func Probe() Features {
	f := Features{
		Arch:  runtime.GOARCH,
		Cores: runtime.NumCPU(),
	}
	switch runtime.GOARCH {
	case "amd64", "386":
		f.SSE41 = cpu.X86.HasSSE41
		f.AVX = cpu.X86.HasAVX
		f.AVX2 = cpu.X86.HasAVX2
		f.FMA = cpu.X86.HasFMA
		f.AVX512F = cpu.X86.HasAVX512F
	case "arm64":
		f.NEON = cpu.ARM64.HasASIMD
	}
	f.SIMDBuild = simdBuild()
	return f
}

// Flags lists the detected feature names in a stable order.
func (f Features) Flags() []string {
	var out []string
	add := func(ok bool, name string) {
		if ok {
			out = append(out, name)
		}
	}
	add(f.SSE41, "sse4.1")
	add(f.AVX, "avx")
	add(f.AVX2, "avx2")
	add(f.FMA, "fma")
	add(f.AVX512F, "avx512f")
	add(f.NEON, "neon")
	return out
}

func (f Features) String() string {
	flags := "none"
	if fl := f.Flags(); len(fl) > 0 {
		flags = strings.Join(fl, " ")
	}
	return fmt.Sprintf("%s, %d cores, features: %s, simd build: %t", f.Arch, f.Cores, flags, f.SIMDBuild)
}
