package device

import (
	"fmt"
	"unsafe"
)

func unsafeBytes(words []uint64) []byte {
	if len(words) == 0 {
		return []byte{}
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), 8*len(words))
}

// HostFloat32s is the host view of n float32 values at off bytes into b.
func HostFloat32s(b *Buffer, off, n int) ([]float32, error) {
	if off < 0 || n < 0 || off+4*n > b.Len() {
		return nil, fmt.Errorf("%w: %s [%d, %d), len %d", ErrOutOfBounds, b.label, off, off+4*n, b.Len())
	}
	if n == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(&b.data[off]))%4 != 0 {
		return nil, fmt.Errorf("%s offset %d not 4-byte aligned", b.label, off)
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b.data[off])), n), nil
}

// HostUint32s is the host view of n uint32 values at off bytes into b.
func HostUint32s(b *Buffer, off, n int) ([]uint32, error) {
	if off < 0 || n < 0 || off+4*n > b.Len() {
		return nil, fmt.Errorf("%w: %s [%d, %d), len %d", ErrOutOfBounds, b.label, off, off+4*n, b.Len())
	}
	if n == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(&b.data[off]))%4 != 0 {
		return nil, fmt.Errorf("%s offset %d not 4-byte aligned", b.label, off)
	}
	return unsafe.Slice((*uint32)(unsafe.Pointer(&b.data[off])), n), nil
}

// HostUint64s is the host view of n uint64 values at off bytes into b.
func HostUint64s(b *Buffer, off, n int) ([]uint64, error) {
	if off < 0 || n < 0 || off+8*n > b.Len() {
		return nil, fmt.Errorf("%w: %s [%d, %d), len %d", ErrOutOfBounds, b.label, off, off+8*n, b.Len())
	}
	if n == 0 {
		return nil, nil
	}
	if uintptr(unsafe.Pointer(&b.data[off]))%8 != 0 {
		return nil, fmt.Errorf("%s offset %d not 8-byte aligned", b.label, off)
	}
	return unsafe.Slice((*uint64)(unsafe.Pointer(&b.data[off])), n), nil
}
