// Package guestmem provides bounds-checked access to the linear memory of a
// sandboxed guest.
//
// Guests hand the host raw pointers into their own address space. Nothing
// about those pointers can be trusted: they may point past the end of memory,
// wrap around when a length is added, or alias a region the guest is
// concurrently rewriting. Every access therefore goes through a View, which
// validates the full range against the memory's current size before touching
// a single byte. A failed access reports a MemoryError and leaves guest
// memory untouched.
//
// Views are generic over the guest's pointer width. A 32-bit guest cannot
// express an offset above 4 GiB, but the arithmetic here is done in uint64
// for both widths so a 64-bit guest gets the same overflow protection.
//
// The backing slice is re-fetched from the Memory on every access. Guests
// grow their memory at will, which may relocate the backing array; caching
// the slice across calls would read freed memory.
package guestmem

import (
	"encoding/binary"
	"fmt"
)

// Memory is the linear memory of a running guest. Bytes returns the current
// backing slice. Implementations may relocate the slice when the guest grows
// its memory, so callers must not retain the result across guest calls.
type Memory interface {
	Bytes() []byte
}

// Ptr is the set of guest pointer widths.
type Ptr interface {
	~uint32 | ~uint64
}

// MemoryError describes an access outside the guest's linear memory.
type MemoryError struct {
	Offset uint64
	Length uint64
	Size   uint64 // memory size at the time of the access
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("guestmem: access [0x%x, +%d) outside memory of %d bytes", e.Offset, e.Length, e.Size)
}

// View provides bounds-checked reads and writes against a guest memory,
// interpreting guest pointers of width P.
type View[P Ptr] struct {
	mem Memory
}

// NewView returns a View over mem.
func NewView[P Ptr](mem Memory) *View[P] {
	return &View[P]{mem: mem}
}

// slice validates [ptr, ptr+length) against the current memory size and
// returns the backing subslice. The result is only valid until the guest next
// runs.
func (v *View[P]) slice(ptr P, length uint64) ([]byte, error) {
	buf := v.mem.Bytes()

	off := uint64(ptr)
	end := off + length
	if end < off || end > uint64(len(buf)) {
		return nil, &MemoryError{Offset: off, Length: length, Size: uint64(len(buf))}
	}

	return buf[off:end], nil
}

// Check validates [ptr, ptr+length) against the current memory size without
// touching the bytes. Guest memories grow but never shrink, so a range that
// checks out stays writable for the remainder of the host call.
func (v *View[P]) Check(ptr P, length uint32) error {
	_, err := v.slice(ptr, uint64(length))
	return err
}

// ReadBytes copies length bytes starting at ptr out of guest memory. The
// returned slice is owned by the caller and never aliases guest memory.
func (v *View[P]) ReadBytes(ptr P, length uint32) ([]byte, error) {
	src, err := v.slice(ptr, uint64(length))
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(src))
	copy(out, src)

	return out, nil
}

// WriteBytes copies data into guest memory starting at ptr. The write is all
// or nothing: if any byte of the range is out of bounds, guest memory is not
// modified.
func (v *View[P]) WriteBytes(ptr P, data []byte) error {
	dst, err := v.slice(ptr, uint64(len(data)))
	if err != nil {
		return err
	}

	copy(dst, data)

	return nil
}

// ReadUint32 reads a little-endian uint32 at ptr.
func (v *View[P]) ReadUint32(ptr P) (uint32, error) {
	src, err := v.slice(ptr, 4)
	if err != nil {
		return 0, err
	}

	return binary.LittleEndian.Uint32(src), nil
}

// WriteUint32 writes a little-endian uint32 at ptr.
func (v *View[P]) WriteUint32(ptr P, value uint32) error {
	dst, err := v.slice(ptr, 4)
	if err != nil {
		return err
	}

	binary.LittleEndian.PutUint32(dst, value)

	return nil
}

// SliceMemory is a Memory backed by a plain byte slice. It serves hosts that
// manage guest memory themselves, and the test suites of the packages built
// on top of this one.
type SliceMemory struct {
	buf []byte
}

// NewSliceMemory returns a SliceMemory of the given size, zero filled.
func NewSliceMemory(size int) *SliceMemory {
	return &SliceMemory{buf: make([]byte, size)}
}

// Bytes implements Memory.
func (m *SliceMemory) Bytes() []byte { return m.buf }

// Grow extends the memory by n zero bytes, relocating the backing array the
// same way a real guest memory grow does.
func (m *SliceMemory) Grow(n int) {
	grown := make([]byte, len(m.buf)+n)
	copy(grown, m.buf)
	m.buf = grown
}
