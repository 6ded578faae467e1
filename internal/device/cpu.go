package device

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strings"
	"sync/atomic"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
	"golang.org/x/sync/errgroup"
)

type CPUOptions struct {
	// Workers bounds how many threadgroups run at once.
	Workers int
	// MaxThreadgroups is reported to kernels that size their grid by it.
	MaxThreadgroups int
	// MemoryLimit caps NewBuffer allocations in bytes; 0 means unlimited.
	MemoryLimit int64
}

// CPU is a unified-memory host accelerator. Dispatches in a command buffer run
// strictly in order; the threadgroups of one dispatch run in parallel.
type CPU struct {
	lib       Library
	opts      CPUOptions
	allocated atomic.Int64
}

func NewCPU(lib Library, opts CPUOptions) *CPU {
	if opts.Workers <= 0 {
		opts.Workers = runtime.NumCPU()
	}
	if opts.MaxThreadgroups <= 0 {
		opts.MaxThreadgroups = 64
	}
	return &CPU{lib: lib, opts: opts}
}

func (c *CPU) Name() string {
	return fmt.Sprintf("cpu(%d workers)", c.opts.Workers)
}

func (c *CPU) MaxThreadgroups() int { return c.opts.MaxThreadgroups }

func (c *CPU) AllocatedBytes() int64 { return c.allocated.Load() }

func (c *CPU) NewBuffer(label string, size int) (b *Buffer, err error) {
	if size < 0 {
		return nil, fmt.Errorf("new buffer %s: negative size %d", label, size)
	}
	if limit := c.opts.MemoryLimit; limit > 0 && c.allocated.Load()+int64(size) > limit {
		return nil, fmt.Errorf("new buffer %s (%d bytes): %w: %d of %d bytes in use", label, size, ErrInsufficientMemory, c.allocated.Load(), limit)
	}
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("new buffer %s (%d bytes): %w: %v", label, size, ErrInsufficientMemory, r)
		}
	}()
	// Keep float32 and uint64 views aligned regardless of allocator size class.
	words := make([]uint64, (size+7)/8)
	data := unsafeBytes(words)[:size:size]

	metrics.RecordDeviceMemory(c.allocated.Add(int64(size)))
	return &Buffer{label: label, data: data, release: c.free}, nil
}

func (c *CPU) free(n int64) {
	metrics.RecordDeviceMemory(c.allocated.Add(-n))
}

func (c *CPU) WrapBuffer(label string, data []byte) (*Buffer, error) {
	return &Buffer{label: label, data: data, readOnly: true}, nil
}

func (c *CPU) NewPipeline(name string) (*Pipeline, error) {
	fn, ok := c.lib[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrFunctionNotFound, name)
	}
	return &Pipeline{name: name, fn: fn}, nil
}

func (c *CPU) Executor() Executor { return c }

// Execute runs every command of cb and returns after the last completes.
// Cancellation is observed between commands.
func (c *CPU) Execute(ctx context.Context, cb *CommandBuffer) error {
	for i := range cb.cmds {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("command buffer %s: %w", cb.label, err)
		}
		cmd := &cb.cmds[i]
		switch cmd.kind {
		case cmdCopy:
			copy(cmd.dst.Buffer.data[cmd.dst.Offset:cmd.dst.Offset+cmd.n], cmd.src.Buffer.data[cmd.src.Offset:cmd.src.Offset+cmd.n])
		case cmdFill:
			dst := cmd.dst.Buffer.data[cmd.dst.Offset : cmd.dst.Offset+cmd.n]
			for j := range dst {
				dst[j] = cmd.value
			}
		case cmdDispatch:
			if err := c.dispatch(ctx, cmd); err != nil {
				return fmt.Errorf("command buffer %s: %w", cb.label, err)
			}
		}
	}
	return nil
}

func (c *CPU) dispatch(ctx context.Context, cmd *command) error {
	start := time.Now()
	total := cmd.grid.Count()
	chunks := min(total, c.opts.Workers*4)

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(c.opts.Workers)
	for chunk := 0; chunk < chunks; chunk++ {
		lo := chunk * total / chunks
		hi := (chunk + 1) * total / chunks
		g.Go(func() error {
			return c.runThreadgroups(cmd, lo, hi)
		})
	}
	err := g.Wait()
	metrics.RecordKernelDuration(cmd.pipeline.name, time.Since(start))
	return err
}

func (c *CPU) runThreadgroups(cmd *command, lo, hi int) (err error) {
	inv := Invocation{
		Kernel:          cmd.pipeline.name,
		Args:            cmd.args,
		Buffers:         cmd.refs,
		ThreadgroupSize: cmd.threadgroupSize,
		Grid:            cmd.grid,
	}
	// Writes to read-only mapped weights fault instead of crashing the process.
	defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
	defer func() {
		if r := recover(); r != nil {
			err = faultError(inv.Kernel, inv.Threadgroup, r)
		}
	}()

	gx, gy := cmd.grid.X, cmd.grid.Y
	for idx := lo; idx < hi; idx++ {
		inv.Threadgroup = Size3{X: idx % gx, Y: (idx / gx) % gy, Z: idx / (gx * gy)}
		cmd.pipeline.fn(&inv)
	}
	return nil
}

func faultError(kernel string, tg Size3, r any) error {
	if re, ok := r.(runtime.Error); ok && strings.Contains(re.Error(), "makeslice") {
		return fmt.Errorf("kernel %s: %w: %v", kernel, ErrInsufficientMemory, re)
	}
	logger.Log.Error("kernel fault", "kernel", kernel, "threadgroup", tg, "reason", fmt.Sprint(r))
	return &KernelFaultError{Kernel: kernel, Threadgroup: tg, Reason: r}
}
