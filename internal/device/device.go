// Package device is the accelerator abstraction the engine encodes work for:
// buffers, compiled kernel pipelines, command buffers and an executor that
// submits a command buffer and waits for it to complete.
package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	ErrFunctionNotFound   = errors.New("kernel function not found")
	ErrInsufficientMemory = errors.New("insufficient device memory")
	ErrKernelFault        = errors.New("kernel fault")
	ErrOutOfBounds        = errors.New("buffer access out of bounds")
	ErrReadOnly           = errors.New("write to read-only buffer")
)

// KernelFaultError carries the kernel and threadgroup that faulted.
type KernelFaultError struct {
	Kernel      string
	Threadgroup Size3
	Reason      any
}

func (e *KernelFaultError) Error() string {
	return fmt.Sprintf("kernel fault in %s at threadgroup %v: %v", e.Kernel, e.Threadgroup, e.Reason)
}

func (e *KernelFaultError) Is(target error) bool { return target == ErrKernelFault }

func (e *KernelFaultError) Unwrap() error {
	if err, ok := e.Reason.(error); ok {
		return err
	}
	return nil
}

type Size3 struct {
	X, Y, Z int
}

func (s Size3) Count() int { return s.X * s.Y * s.Z }

// Grid1 and Grid2 build grids with the unused dimensions set to 1.
func Grid1(x int) Size3 { return Size3{X: x, Y: 1, Z: 1} }

func Grid2(x, y int) Size3 { return Size3{X: x, Y: y, Z: 1} }

// Buffer is a contiguous block of device memory. On unified-memory devices
// the host sees the same bytes through Bytes.
type Buffer struct {
	label    string
	data     []byte
	readOnly bool

	once    sync.Once
	release func(int64)
}

func (b *Buffer) Label() string { return b.label }

func (b *Buffer) Len() int { return len(b.data) }

func (b *Buffer) ReadOnly() bool { return b.readOnly }

// Bytes is the host view. Callers must not touch it while a command buffer
// referencing the buffer is executing.
func (b *Buffer) Bytes() []byte { return b.data }

// Release returns the buffer's memory to the device. The buffer must not be
// used afterwards.
func (b *Buffer) Release() {
	b.once.Do(func() {
		if b.release != nil {
			b.release(int64(len(b.data)))
		}
		b.data = nil
	})
}

// Ref is a buffer plus a byte offset: the binding a kernel argument receives.
type Ref struct {
	Buffer *Buffer
	Offset int
}

// At returns the ref delta bytes past r in the same buffer.
func (r Ref) At(delta int) Ref { return Ref{Buffer: r.Buffer, Offset: r.Offset + delta} }

func (r Ref) Valid() bool { return r.Buffer != nil }

// KernelFunc runs one threadgroup. Lanes of the threadgroup are simulated by
// the function itself.
type KernelFunc func(inv *Invocation)

// Library maps kernel function names to their implementations.
type Library map[string]KernelFunc

// Pipeline is a compiled kernel ready to dispatch.
type Pipeline struct {
	name string
	fn   KernelFunc
}

func (p *Pipeline) Name() string { return p.name }

// Executor submits a command buffer and blocks until the device completes it.
type Executor interface {
	Execute(ctx context.Context, cb *CommandBuffer) error
}

type Device interface {
	Name() string
	NewBuffer(label string, size int) (*Buffer, error)
	// WrapBuffer exposes existing host memory, such as mapped weights, to the
	// device without copying. Wrapped buffers are read-only.
	WrapBuffer(label string, data []byte) (*Buffer, error)
	NewPipeline(name string) (*Pipeline, error)
	Executor() Executor
	MaxThreadgroups() int
	AllocatedBytes() int64
}

type commandKind int

const (
	cmdDispatch commandKind = iota
	cmdCopy
	cmdFill
)

type command struct {
	kind commandKind

	pipeline        *Pipeline
	grid            Size3
	threadgroupSize int
	args            any
	refs            []Ref

	dst, src Ref
	n        int
	value    byte
}

// CommandBuffer records commands. They execute in order when submitted.
type CommandBuffer struct {
	label string
	cmds  []command
}

var commandBufferID atomic.Uint64

func NewCommandBuffer(label string) *CommandBuffer {
	if label == "" {
		label = fmt.Sprintf("cb-%d", commandBufferID.Add(1))
	}
	return &CommandBuffer{label: label}
}

func (cb *CommandBuffer) Label() string { return cb.label }

func (cb *CommandBuffer) Len() int { return len(cb.cmds) }

// Dispatch encodes a kernel launch over grid threadgroups of
// threadgroupSize lanes each.
func (cb *CommandBuffer) Dispatch(p *Pipeline, grid Size3, threadgroupSize int, args any, refs ...Ref) error {
	if p == nil {
		return fmt.Errorf("dispatch: %w: nil pipeline", ErrFunctionNotFound)
	}
	if grid.X <= 0 || grid.Y <= 0 || grid.Z <= 0 || threadgroupSize <= 0 {
		return fmt.Errorf("dispatch %s: invalid grid %v with threadgroup size %d", p.name, grid, threadgroupSize)
	}
	for i, r := range refs {
		if !r.Valid() {
			return fmt.Errorf("dispatch %s: buffer %d is nil", p.name, i)
		}
		if r.Offset < 0 || r.Offset > r.Buffer.Len() {
			return fmt.Errorf("dispatch %s: %w: buffer %d (%s) offset %d, len %d", p.name, ErrOutOfBounds, i, r.Buffer.label, r.Offset, r.Buffer.Len())
		}
	}
	cb.cmds = append(cb.cmds, command{
		kind:            cmdDispatch,
		pipeline:        p,
		grid:            grid,
		threadgroupSize: threadgroupSize,
		args:            args,
		refs:            append([]Ref(nil), refs...),
	})
	return nil
}

// Copy encodes a byte copy between buffers.
func (cb *CommandBuffer) Copy(dst, src Ref, n int) error {
	if err := checkRange("copy dst", dst, n); err != nil {
		return err
	}
	if err := checkRange("copy src", src, n); err != nil {
		return err
	}
	if dst.Buffer.readOnly {
		return fmt.Errorf("copy: %w: %s", ErrReadOnly, dst.Buffer.label)
	}
	cb.cmds = append(cb.cmds, command{kind: cmdCopy, dst: dst, src: src, n: n})
	return nil
}

// Fill encodes setting n bytes of dst to value.
func (cb *CommandBuffer) Fill(dst Ref, n int, value byte) error {
	if err := checkRange("fill", dst, n); err != nil {
		return err
	}
	if dst.Buffer.readOnly {
		return fmt.Errorf("fill: %w: %s", ErrReadOnly, dst.Buffer.label)
	}
	cb.cmds = append(cb.cmds, command{kind: cmdFill, dst: dst, n: n, value: value})
	return nil
}

func checkRange(op string, r Ref, n int) error {
	if !r.Valid() {
		return fmt.Errorf("%s: nil buffer", op)
	}
	if n < 0 || r.Offset < 0 || r.Offset+n > r.Buffer.Len() {
		return fmt.Errorf("%s: %w: [%d, %d) in %s (len %d)", op, ErrOutOfBounds, r.Offset, r.Offset+n, r.Buffer.label, r.Buffer.Len())
	}
	return nil
}
