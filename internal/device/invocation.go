package device

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"github.com/d4l3k/go-bfloat16"
)

// Invocation is what one threadgroup of a dispatch sees: its position in the
// grid, the dispatch arguments and the bound buffers. Accessors are bounds
// and alignment checked and panic on violation; the executor turns the panic
// into ErrKernelFault.
type Invocation struct {
	Kernel          string
	Args            any
	Buffers         []Ref
	Threadgroup     Size3
	ThreadgroupSize int
	Grid            Size3
}

func (inv *Invocation) fault(format string, a ...any) {
	panic(fmt.Errorf("%w: "+format, append([]any{ErrOutOfBounds}, a...)...))
}

func (inv *Invocation) span(i, off, n int) []byte {
	if i < 0 || i >= len(inv.Buffers) {
		inv.fault("buffer index %d of %d", i, len(inv.Buffers))
	}
	r := inv.Buffers[i]
	start := r.Offset + off
	if off < 0 || n < 0 || start+n > len(r.Buffer.data) {
		inv.fault("buffer %d (%s) range [%d, %d), len %d", i, r.Buffer.label, start, start+n, len(r.Buffer.data))
	}
	return r.Buffer.data[start : start+n : start+n]
}

func (inv *Invocation) writable(i int) {
	if inv.Buffers[i].Buffer.readOnly {
		panic(fmt.Errorf("%w: buffer %d (%s)", ErrReadOnly, i, inv.Buffers[i].Buffer.label))
	}
}

func aligned(b []byte, align uintptr) bool {
	return len(b) == 0 || uintptr(unsafe.Pointer(&b[0]))%align == 0
}

// Bytes returns n bytes of buffer i starting off bytes past its binding.
func (inv *Invocation) Bytes(i, off, n int) []byte {
	return inv.span(i, off, n)
}

// Float32s returns n float32 elements of buffer i starting off bytes past its binding.
func (inv *Invocation) Float32s(i, off, n int) []float32 {
	b := inv.span(i, off, 4*n)
	if n == 0 {
		return nil
	}
	if !aligned(b, 4) {
		inv.fault("buffer %d offset %d not 4-byte aligned", i, off)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), n)
}

// MutableFloat32s is Float32s for an output binding.
func (inv *Invocation) MutableFloat32s(i, off, n int) []float32 {
	inv.writable(i)
	return inv.Float32s(i, off, n)
}

func (inv *Invocation) Uint32s(i, off, n int) []uint32 {
	b := inv.span(i, off, 4*n)
	if n == 0 {
		return nil
	}
	if !aligned(b, 4) {
		inv.fault("buffer %d offset %d not 4-byte aligned", i, off)
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b[0])), n)
}

func (inv *Invocation) MutableUint32s(i, off, n int) []uint32 {
	inv.writable(i)
	return inv.Uint32s(i, off, n)
}

// BF16 decodes n bfloat16 elements of buffer i into float32.
func (inv *Invocation) BF16(i, off, n int) []float32 {
	return bfloat16.DecodeFloat32(inv.span(i, off, 2*n))
}

// AtomicUint64 returns the 8-byte word at off for atomic updates.
func (inv *Invocation) AtomicUint64(i, off int) *uint64 {
	inv.writable(i)
	b := inv.span(i, off, 8)
	if !aligned(b, 8) {
		inv.fault("buffer %d offset %d not 8-byte aligned", i, off)
	}
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// LoadUint64 atomically reads the 8-byte word at off.
func (inv *Invocation) LoadUint64(i, off int) uint64 {
	b := inv.span(i, off, 8)
	if !aligned(b, 8) {
		inv.fault("buffer %d offset %d not 8-byte aligned", i, off)
	}
	return atomic.LoadUint64((*uint64)(unsafe.Pointer(&b[0])))
}
