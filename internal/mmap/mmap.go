// Package mmap maps read-only file regions at arbitrary offsets.
package mmap

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Advice is a paging hint applied to a mapped region.
type Advice int

const (
	AdviseNormal Advice = iota
	AdviseRandom
	AdviseSequential
)

// Region is a read-only view of length bytes starting at a file offset. The
// offset need not be page aligned: the mapping starts at the page containing
// it and the view is sliced in.
type Region struct {
	mapping []byte
	data    []byte
	offset  int64
}

// Map maps [offset, offset+length) of f.
func Map(f *os.File, offset, length int64, advice Advice) (*Region, error) {
	if offset < 0 || length < 0 {
		return nil, fmt.Errorf("mmap: invalid range offset=%d length=%d", offset, length)
	}
	if length == 0 {
		return &Region{offset: offset}, nil
	}

	page := int64(os.Getpagesize())
	aligned := offset &^ (page - 1)
	delta := offset - aligned

	mapping, err := unix.Mmap(int(f.Fd()), aligned, int(length+delta), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap %s at %d (+%d): %w", f.Name(), offset, length, err)
	}

	r := &Region{
		mapping: mapping,
		data:    mapping[delta : delta+length : delta+length],
		offset:  offset,
	}
	if advice != AdviseNormal {
		if err := unix.Madvise(mapping, advice.flag()); err != nil {
			_ = r.Close()
			return nil, fmt.Errorf("madvise %s: %w", f.Name(), err)
		}
	}
	return r, nil
}

func (a Advice) flag() int {
	switch a {
	case AdviseRandom:
		return unix.MADV_RANDOM
	case AdviseSequential:
		return unix.MADV_SEQUENTIAL
	default:
		return unix.MADV_NORMAL
	}
}

// Bytes returns the mapped view. It must not be written to.
func (r *Region) Bytes() []byte { return r.data }

func (r *Region) Len() int64 { return int64(len(r.data)) }

// Offset is the file offset of the first byte of the view.
func (r *Region) Offset() int64 { return r.offset }

// Slice returns n bytes at off, bounds checked against the view.
func (r *Region) Slice(off, n int64) ([]byte, error) {
	if off < 0 || n < 0 || off+n > int64(len(r.data)) {
		return nil, fmt.Errorf("mmap: slice [%d, %d) out of range (len %d)", off, off+n, len(r.data))
	}
	return r.data[off : off+n : off+n], nil
}

// Advise applies advice to the pages backing [off, off+n) of the view.
func (r *Region) Advise(off, n int64, advice Advice) error {
	if off < 0 || n < 0 || off+n > int64(len(r.data)) {
		return fmt.Errorf("mmap: advise [%d, %d) out of range (len %d)", off, off+n, len(r.data))
	}
	if n == 0 {
		return nil
	}
	page := int64(os.Getpagesize())
	start := r.offset&(page-1) + off
	aligned := start &^ (page - 1)
	if err := unix.Madvise(r.mapping[aligned:start+n], advice.flag()); err != nil {
		return fmt.Errorf("madvise [%d, %d): %w", off, off+n, err)
	}
	return nil
}

// Close unmaps the region. It is safe to call more than once.
func (r *Region) Close() error {
	if r == nil || r.mapping == nil {
		return nil
	}
	err := unix.Munmap(r.mapping)
	r.mapping = nil
	r.data = nil
	return err
}
