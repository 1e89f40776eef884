package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/samcharles93/qwenrt/internal/errs"
)

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"":        Auto,
		" AUTO ":  Auto,
		"cpu":     Auto,
		"scalar":  Scalar,
		"Generic": Generic,
		"avx2":    AVX2,
	}
	for in, want := range cases {
		got, err := Normalize(in)
		if err != nil {
			t.Fatalf("Normalize(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("Normalize(%q)=%q want %q", in, got, want)
		}
	}
	if _, err := Normalize("cuda"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for cuda, got %v", err)
	}
}

func TestNewAuto(t *testing.T) {
	p, err := New(Auto, 2)
	if err != nil {
		t.Fatalf("New(auto): %v", err)
	}
	defer p.Close()
	if p.Name() != Best() {
		t.Fatalf("auto resolved to %q, want %q", p.Name(), Best())
	}
	if p.Threads() != 2 {
		t.Fatalf("threads=%d want 2", p.Threads())
	}
	if !strings.Contains(Available(), p.Name()) {
		t.Fatalf("available %q does not list %q", Available(), p.Name())
	}
}

func TestNoSIMDEnvFallsBack(t *testing.T) {
	t.Setenv(NoSIMDEnv, "1")
	if Has(AVX2) {
		t.Fatalf("avx2 must be unavailable with %s set", NoSIMDEnv)
	}
	if Best() != Generic {
		t.Fatalf("best=%q want generic", Best())
	}
	if _, err := New(AVX2, 1); err == nil {
		t.Fatalf("expected error constructing avx2 with %s set", NoSIMDEnv)
	}
}

func TestProbe(t *testing.T) {
	f := Probe()
	if f.Arch == "" || f.Cores <= 0 {
		t.Fatalf("incomplete probe: %+v", f)
	}
	if f.AVX2 && !f.AVX {
		t.Fatalf("avx2 without avx: %+v", f)
	}
	if !strings.Contains(f.String(), f.Arch) {
		t.Fatalf("String() missing arch: %s", f)
	}
}
