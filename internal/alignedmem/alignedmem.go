// Package alignedmem implements the aligned-buffer allocator contract
// used by the correlator's SIMD-friendly working buffers.
//
// Go's runtime gives no portable equivalent of posix_memalign or C11
// aligned_alloc: a []byte's backing array can start at any address the
// allocator picks, and unlike a raw C pointer that address is not
// something calling code is meant to depend on once the slice may be
// moved by a compacting collector. Go's collector does not currently
// compact, so in practice the address of a slice's first element is
// stable for the slice's lifetime; this package treats that as the
// portability boundary and, for any alignment above 1, over-allocates,
// the strategy
// volk_gnsssdr_malloc's own MSVC fallback path takes when the platform
// has no native aligned allocator.
package alignedmem

import (
	"fmt"
	"unsafe"

	"github.com/shangzhen6688/galileo-e1-tracking/internal/errs"
)

// Buffer is an aligned, fixed-size byte window. The zero Buffer is not
// usable; obtain one from Alloc.
type Buffer struct {
	raw   []byte
	Bytes []byte
}

// Alloc returns a Buffer of size bytes whose first element is aligned
// to alignment bytes. alignment must be a power of two; alignment==1
// degrades to a plain allocation.
func Alloc(size, alignment int) (*Buffer, error) {
	if size <= 0 {
		return nil, fmt.Errorf("alignedmem: size must be positive: %w", errs.ErrConfiguration)
	}
	if alignment <= 0 || alignment&(alignment-1) != 0 {
		return nil, fmt.Errorf("alignedmem: alignment %d is not a power of two: %w", alignment, errs.ErrConfiguration)
	}

	if alignment == 1 {
		raw := make([]byte, size)
		if raw == nil {
			return nil, fmt.Errorf("alignedmem: allocation failed: %w", errs.ErrOutOfMemory)
		}
		return &Buffer{raw: raw, Bytes: raw}, nil
	}

	raw := make([]byte, size+alignment-1)
	if raw == nil {
		return nil, fmt.Errorf("alignedmem: allocation failed: %w", errs.ErrOutOfMemory)
	}
	base := uintptr(unsafe.Pointer(&raw[0]))
	offset := (alignment - int(base%uintptr(alignment))) % alignment
	return &Buffer{raw: raw, Bytes: raw[offset : offset+size]}, nil
}

// Free releases the buffer's backing storage. It never fails; it
// exists so callers have an explicit release point matching the
// allocator's Alloc/Free contract even though Go's GC reclaims memory
// automatically once nothing references it.
func (b *Buffer) Free() {
	if b == nil {
		return
	}
	b.raw = nil
	b.Bytes = nil
}

// Aligned reports whether the address of b's first byte is a multiple
// of alignment, used by
// tests exercising the allocator round-trip law.
func Aligned(b *Buffer, alignment int) bool {
	if len(b.Bytes) == 0 {
		return true
	}
	addr := uintptr(unsafe.Pointer(&b.Bytes[0]))
	return addr%uintptr(alignment) == 0
}

// AllocTyped allocates room for n values of T, aligned to alignment
// bytes, and returns both the owning Buffer (to Free later) and a
// []T view over it. This is how the correlator's local code replica,
// tap accumulators, and the lock detector's Prompt window get their
// SIMD-aligned, GC-owned backing storage.
func AllocTyped[T any](n, alignment int) (*Buffer, []T, error) {
	var zero T
	elemSize := int(unsafe.Sizeof(zero))
	buf, err := Alloc(n*elemSize, alignment)
	if err != nil {
		return nil, nil, err
	}
	ptr := (*T)(unsafe.Pointer(&buf.Bytes[0]))
	return buf, unsafe.Slice(ptr, n), nil
}
