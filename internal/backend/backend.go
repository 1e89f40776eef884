// Package backend selects the kernel provider for the host CPU.
package backend

import (
	"os"
	"strings"

	"github.com/samcharles93/qwenrt/internal/errs"
	"github.com/samcharles93/qwenrt/internal/kernel"
)

const (
	Auto    = "auto"
	Scalar  = kernel.Scalar
	Generic = kernel.Generic
	AVX2    = kernel.AVX2
)

// NoSIMDEnv disables the vector provider when set to a non-empty value
// other than "0" or "false".
const NoSIMDEnv = "QWENRT_NO_SIMD"

func Normalize(name string) (string, error) {
	backend := strings.ToLower(strings.TrimSpace(name))
	if backend == "" {
		return Auto, nil
	}
	switch backend {
	case Auto, Scalar, Generic, AVX2:
		return backend, nil
	case "cpu", "simd":
		return Auto, nil
	default:
		return "", errs.New(errs.ErrInvalidArgument, "unknown backend %q (expected auto, scalar, generic, or avx2)", backend)
	}
}

// Has reports whether the named provider can be constructed on this host.
func Has(name string) bool {
	switch name {
	case Scalar, Generic, Auto:
		return true
	case AVX2:
		return kernel.AVX2Available() && !simdDisabled()
	default:
		return false
	}
}

// Available returns a comma-separated list of available providers.
func Available() string {
	entries := []string{Scalar, Generic}
	if Has(AVX2) {
		entries = append(entries, AVX2)
	}
	return strings.Join(entries, ",")
}

// Best is the provider Auto resolves to.
func Best() string {
	if Has(AVX2) {
		return AVX2
	}
	return Generic
}

// New builds the named provider with a worker pool of threads goroutines;
// threads <= 0 uses GOMAXPROCS.
func New(name string, threads int) (kernel.Provider, error) {
	backend, err := Normalize(name)
	if err != nil {
		return nil, err
	}
	if backend == Auto {
		backend = Best()
	}
	switch backend {
	case Scalar:
		return kernel.NewScalar(threads), nil
	case Generic:
		return kernel.NewGeneric(threads), nil
	case AVX2:
		if simdDisabled() {
			return nil, errs.New(errs.ErrIncompatibleConfig, "avx2 provider disabled by %s", NoSIMDEnv)
		}
		return kernel.NewAVX2(threads)
	}
	return nil, errs.New(errs.ErrInvalidArgument, "unknown backend %q", backend)
}

func simdDisabled() bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(NoSIMDEnv)))
	return v != "" && v != "0" && v != "false"
}
