package arena

import (
	"errors"
	"math"
	"testing"
	"unsafe"

	"github.com/samcharles93/qwenrt/internal/errs"
)

func TestAllocAlignment(t *testing.T) {
	t.Parallel()
	a, err := New(4096)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	defer func() { _ = a.Close() }()

	for _, align := range []int{0, 8, 16, 64, 128, 256} {
		b, err := a.Alloc(3, align)
		if err != nil {
			t.Fatalf("alloc align %d: %v", align, err)
		}
		want := align
		if want == 0 {
			want = DefaultAlign
		}
		if p := uintptr(unsafe.Pointer(&b[0])); p%uintptr(want) != 0 {
			t.Fatalf("alloc align %d returned address %#x", align, p)
		}
		if cap(b) != 3 {
			t.Fatalf("expected bounded slice cap 3, got %d", cap(b))
		}
	}
}

func TestAllocNoOverlap(t *testing.T) {
	t.Parallel()
	a, err := New(1024)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	defer func() { _ = a.Close() }()

	x, _ := a.Alloc(100, 64)
	y, _ := a.Alloc(100, 64)
	for i := range x {
		x[i] = 0xAA
	}
	for i := range y {
		y[i] = 0x55
	}
	for i, v := range x {
		if v != 0xAA {
			t.Fatalf("x[%d] overwritten: %#x", i, v)
		}
	}
	xEnd := uintptr(unsafe.Pointer(&x[0])) + uintptr(len(x))
	if yStart := uintptr(unsafe.Pointer(&y[0])); yStart < xEnd {
		t.Fatalf("allocations overlap: x ends %#x, y starts %#x", xEnd, yStart)
	}
}

func TestAllocCapacityExceeded(t *testing.T) {
	t.Parallel()
	a, err := New(256)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.Alloc(200, 64); err != nil {
		t.Fatalf("first alloc: %v", err)
	}
	if _, err := a.Alloc(100, 64); !errors.Is(err, errs.ErrCapacityExceeded) {
		t.Fatalf("expected ErrCapacityExceeded, got %v", err)
	}
	// A failed allocation leaves the cursor untouched.
	if a.Used() != 200 {
		t.Fatalf("expected used 200 after failed alloc, got %d", a.Used())
	}
}

func TestResetReusesRegion(t *testing.T) {
	t.Parallel()
	a, err := New(128)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	defer func() { _ = a.Close() }()

	if _, err := a.Alloc(128, 64); err != nil {
		t.Fatalf("alloc: %v", err)
	}
	a.Reset()
	if a.Used() != 0 || a.Remaining() != 128 {
		t.Fatalf("reset: used=%d remaining=%d", a.Used(), a.Remaining())
	}
	if _, err := a.Alloc(128, 64); err != nil {
		t.Fatalf("alloc after reset: %v", err)
	}
}

func TestTypedSlices(t *testing.T) {
	t.Parallel()
	a, err := New(1 << 12)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	defer func() { _ = a.Close() }()

	f, err := a.Float32s(10)
	if err != nil {
		t.Fatalf("float32s: %v", err)
	}
	q, err := a.Int8s(10)
	if err != nil {
		t.Fatalf("int8s: %v", err)
	}
	for i := range f {
		f[i] = float32(i) * 0.5
		q[i] = int8(-i)
	}
	if f[9] != 4.5 || q[9] != -9 {
		t.Fatalf("unexpected contents f[9]=%v q[9]=%v", f[9], q[9])
	}
}

func TestInvalidArguments(t *testing.T) {
	t.Parallel()
	if _, err := New(0); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero capacity, got %v", err)
	}
	if a, err := New(math.MaxInt - 1); !errors.Is(err, errs.ErrCapacityExceeded) || a != nil {
		t.Fatalf("expected ErrCapacityExceeded for an impossible capacity, got %v", err)
	}
	a, err := New(64)
	if err != nil {
		t.Fatalf("new arena: %v", err)
	}
	if _, err := a.Alloc(8, 3); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for align 3, got %v", err)
	}
	if _, err := a.Alloc(0, 64); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for size 0, got %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := a.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if _, err := a.Alloc(8, 8); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument after close, got %v", err)
	}
}
