// Package arena provides a bump allocator that carves aligned blocks out of
// one reserved region and releases them together.
package arena

import (
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/samcharles93/qwenrt/internal/errs"
)

// DefaultAlign is the alignment used when Alloc is called with align == 0.
const DefaultAlign = 64

// Arena is not safe for concurrent use. Slices it returns stay valid until
// the next Reset or Close.
type Arena struct {
	buf     []byte
	off     int
	mmapped bool
}

// MaxHeapFallback bounds the region taken from the Go heap when anonymous
// mmap is unavailable.
const MaxHeapFallback = 64 << 20

// New reserves capacity bytes of anonymous memory. If the mapping fails,
// regions up to MaxHeapFallback come from the Go heap instead; larger ones
// fail with ErrCapacityExceeded.
func New(capacity int) (*Arena, error) {
	if capacity <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: capacity must be positive, got %d", capacity)
	}
	data, err := unix.Mmap(-1, 0, capacity, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err == nil {
		return &Arena{buf: data, mmapped: true}, nil
	}
	if capacity > MaxHeapFallback {
		return nil, errs.New(errs.ErrCapacityExceeded, "arena: reserve %d bytes: %v", capacity, err)
	}

	// Over-allocate so the first allocation can always be aligned.
	raw := make([]byte, capacity+DefaultAlign)
	pad := padding(addr(raw, 0), DefaultAlign)
	return &Arena{buf: raw[pad : pad+capacity : pad+capacity]}, nil
}

// Alloc returns size bytes aligned to align, which must be a power of two.
func (a *Arena) Alloc(size, align int) ([]byte, error) {
	if a == nil || a.buf == nil {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: alloc on released arena")
	}
	if size <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: alloc size must be positive, got %d", size)
	}
	if align == 0 {
		align = DefaultAlign
	}
	if align < 0 || align&(align-1) != 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: alignment %d is not a power of two", align)
	}

	pad := padding(addr(a.buf, a.off), align)
	if a.off+pad+size > len(a.buf) || a.off+pad+size < a.off {
		return nil, errs.New(errs.ErrCapacityExceeded,
			"arena: need %d bytes (+%d padding), %d of %d remaining", size, pad, len(a.buf)-a.off, len(a.buf))
	}
	start := a.off + pad
	a.off = start + size
	return a.buf[start:a.off:a.off], nil
}

// Float32s allocates n float32 values.
func (a *Arena) Float32s(n int) ([]float32, error) {
	if n <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: element count must be positive, got %d", n)
	}
	b, err := a.Alloc(n*4, DefaultAlign)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n), nil
}

// Int8s allocates n int8 values.
func (a *Arena) Int8s(n int) ([]int8, error) {
	b, err := a.Alloc(n, DefaultAlign)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int8)(unsafe.Pointer(&b[0])), n), nil
}

// Int16s allocates n int16 values.
func (a *Arena) Int16s(n int) ([]int16, error) {
	if n <= 0 {
		return nil, errs.New(errs.ErrInvalidArgument, "arena: element count must be positive, got %d", n)
	}
	b, err := a.Alloc(n*2, DefaultAlign)
	if err != nil {
		return nil, err
	}
	return unsafe.Slice((*int16)(unsafe.Pointer(&b[0])), n), nil
}

// Reset rewinds the cursor. Previously returned slices must not be used
// afterwards; their contents are undefined.
func (a *Arena) Reset() {
	if a != nil {
		a.off = 0
	}
}

// Close releases the region. It is safe to call more than once.
func (a *Arena) Close() error {
	if a == nil || a.buf == nil {
		return nil
	}
	var err error
	if a.mmapped {
		err = unix.Munmap(a.buf)
	}
	a.buf = nil
	a.off = 0
	a.mmapped = false
	return err
}

func (a *Arena) Cap() int {
	if a == nil {
		return 0
	}
	return len(a.buf)
}

func (a *Arena) Used() int {
	if a == nil {
		return 0
	}
	return a.off
}

func (a *Arena) Remaining() int {
	return a.Cap() - a.Used()
}

// Mapped reports whether the region came from mmap rather than the heap.
func (a *Arena) Mapped() bool {
	return a != nil && a.mmapped
}

func addr(b []byte, off int) uintptr {
	return uintptr(unsafe.Pointer(unsafe.SliceData(b))) + uintptr(off)
}

func padding(p uintptr, align int) int {
	rem := int(p % uintptr(align))
	if rem == 0 {
		return 0
	}
	return align - rem
}
