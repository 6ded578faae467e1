package device

import (
	"context"
	"errors"
	"math"
	"testing"
)

func testLibrary() Library {
	return Library{
		"mark": func(inv *Invocation) {
			idx := inv.Threadgroup.X + inv.Threadgroup.Y*inv.Grid.X + inv.Threadgroup.Z*inv.Grid.X*inv.Grid.Y
			out := inv.MutableUint32s(0, 4*idx, 1)
			out[0] += uint32(inv.ThreadgroupSize)
		},
		"scale": func(inv *Invocation) {
			factor := inv.Args.(float32)
			row := inv.Threadgroup.X
			src := inv.Float32s(0, 16*row, 4)
			dst := inv.MutableFloat32s(1, 16*row, 4)
			for i := range dst {
				dst[i] = src[i] * factor
			}
		},
		"write_first": func(inv *Invocation) {
			inv.MutableFloat32s(0, 0, 1)[0] = 1
		},
		"overrun": func(inv *Invocation) {
			_ = inv.Float32s(0, 0, 1<<20)
		},
	}
}

func newTestCPU(t *testing.T) *CPU {
	t.Helper()
	return NewCPU(testLibrary(), CPUOptions{Workers: 3, MaxThreadgroups: 8})
}

func mustBuffer(t *testing.T, d Device, size int) *Buffer {
	t.Helper()
	b, err := d.NewBuffer("test", size)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	t.Cleanup(b.Release)
	return b
}

func mustPipeline(t *testing.T, d Device, name string) *Pipeline {
	t.Helper()
	p, err := d.NewPipeline(name)
	if err != nil {
		t.Fatalf("NewPipeline(%s) failed: %v", name, err)
	}
	return p
}

func TestNewPipelineUnknown(t *testing.T) {
	d := newTestCPU(t)
	if _, err := d.NewPipeline("f32_missing"); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
}

func TestDispatchCoversGridOnce(t *testing.T) {
	d := newTestCPU(t)
	grid := Size3{X: 7, Y: 5, Z: 3}
	out := mustBuffer(t, d, 4*grid.Count())

	cb := NewCommandBuffer("mark")
	if err := cb.Dispatch(mustPipeline(t, d, "mark"), grid, 32, nil, Ref{Buffer: out}); err != nil {
		t.Fatal(err)
	}
	if err := d.Executor().Execute(context.Background(), cb); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	marks, err := HostUint32s(out, 0, grid.Count())
	if err != nil {
		t.Fatal(err)
	}
	for i, m := range marks {
		if m != 32 {
			t.Errorf("threadgroup %d: expected 32, got %d", i, m)
		}
	}
}

func TestCommandsRunInOrder(t *testing.T) {
	d := newTestCPU(t)
	src := mustBuffer(t, d, 64)
	dst := mustBuffer(t, d, 64)
	final := mustBuffer(t, d, 64)

	in, _ := HostFloat32s(src, 0, 16)
	for i := range in {
		in[i] = float32(i)
	}

	cb := NewCommandBuffer("")
	if err := cb.Fill(Ref{Buffer: dst}, 64, 0xFF); err != nil {
		t.Fatal(err)
	}
	if err := cb.Dispatch(mustPipeline(t, d, "scale"), Grid1(4), 1, float32(2), Ref{Buffer: src}, Ref{Buffer: dst}); err != nil {
		t.Fatal(err)
	}
	if err := cb.Copy(Ref{Buffer: final}, Ref{Buffer: dst, Offset: 32}, 32); err != nil {
		t.Fatal(err)
	}
	if cb.Len() != 3 {
		t.Errorf("expected 3 commands, got %d", cb.Len())
	}
	if err := d.Execute(context.Background(), cb); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	got, _ := HostFloat32s(final, 0, 8)
	for i, v := range got {
		if want := float32(2 * (i + 8)); v != want {
			t.Errorf("index %d: expected %v, got %v", i, want, v)
		}
	}
	rest, _ := HostUint32s(final, 32, 8)
	for _, v := range rest {
		if v != 0 {
			t.Errorf("expected untouched tail, got %#x", v)
		}
	}
}

func TestKernelFaults(t *testing.T) {
	d := newTestCPU(t)
	weights, _ := d.WrapBuffer("weights", make([]byte, 64))

	tests := []struct {
		name   string
		kernel string
		ref    Ref
		want   error
	}{
		{"write to read-only", "write_first", Ref{Buffer: weights}, ErrReadOnly},
		{"read out of bounds", "overrun", Ref{Buffer: weights}, ErrOutOfBounds},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb := NewCommandBuffer(tt.name)
			if err := cb.Dispatch(mustPipeline(t, d, tt.kernel), Grid1(2), 1, nil, tt.ref); err != nil {
				t.Fatal(err)
			}
			err := d.Execute(context.Background(), cb)
			if !errors.Is(err, ErrKernelFault) {
				t.Errorf("expected ErrKernelFault, got %v", err)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestEncodeErrors(t *testing.T) {
	d := newTestCPU(t)
	b := mustBuffer(t, d, 16)
	ro, _ := d.WrapBuffer("ro", make([]byte, 16))
	cb := NewCommandBuffer("errors")

	if err := cb.Copy(Ref{Buffer: ro}, Ref{Buffer: b}, 16); !errors.Is(err, ErrReadOnly) {
		t.Errorf("expected ErrReadOnly, got %v", err)
	}
	if err := cb.Fill(Ref{Buffer: b, Offset: 8}, 16, 0); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("expected ErrOutOfBounds, got %v", err)
	}
	if err := cb.Dispatch(nil, Grid1(1), 1, nil); !errors.Is(err, ErrFunctionNotFound) {
		t.Errorf("expected ErrFunctionNotFound, got %v", err)
	}
	if err := cb.Dispatch(mustPipeline(t, d, "mark"), Grid1(0), 1, nil, Ref{Buffer: b}); err == nil {
		t.Error("expected error for empty grid")
	}
	if err := cb.Dispatch(mustPipeline(t, d, "mark"), Grid1(1), 1, nil, Ref{}); err == nil {
		t.Error("expected error for nil buffer")
	}
	if cb.Len() != 0 {
		t.Errorf("expected rejected commands not to be recorded, got %d", cb.Len())
	}
}

func TestMemoryLimit(t *testing.T) {
	d := NewCPU(testLibrary(), CPUOptions{Workers: 1, MemoryLimit: 1024})
	a, err := d.NewBuffer("a", 1000)
	if err != nil {
		t.Fatalf("NewBuffer failed: %v", err)
	}
	if _, err := d.NewBuffer("b", 100); !errors.Is(err, ErrInsufficientMemory) {
		t.Errorf("expected ErrInsufficientMemory, got %v", err)
	}
	if d.AllocatedBytes() != 1000 {
		t.Errorf("expected 1000 allocated bytes, got %d", d.AllocatedBytes())
	}
	a.Release()
	a.Release()
	if d.AllocatedBytes() != 0 {
		t.Errorf("expected 0 allocated bytes after release, got %d", d.AllocatedBytes())
	}
	if _, err := d.NewBuffer("b", 100); err != nil {
		t.Errorf("expected allocation after release to succeed, got %v", err)
	}
}

func TestExecuteCancelled(t *testing.T) {
	d := newTestCPU(t)
	out := mustBuffer(t, d, 4)
	cb := NewCommandBuffer("cancel")
	if err := cb.Dispatch(mustPipeline(t, d, "mark"), Grid1(1), 1, nil, Ref{Buffer: out}); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := d.Execute(ctx, cb); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestDetectNaN(t *testing.T) {
	nan := float32(math.NaN())
	inf := float32(math.Inf(-1))
	info := DetectNaN([]float32{1, nan, 2, nan, inf}, 1)
	if info.Count != 2 || info.InfCount != 1 {
		t.Errorf("expected 2 NaN and 1 Inf, got %d and %d", info.Count, info.InfCount)
	}
	if len(info.Positions) != 1 || info.Positions[0] != 1 {
		t.Errorf("expected first position 1, got %v", info.Positions)
	}
	if !info.HasNaN() {
		t.Error("expected NaN detected")
	}
	if DetectNaN([]float32{0, inf}, 1).HasNaN() {
		t.Error("expected Inf not to count as NaN")
	}
	if n, i := CheckNumericalStability([]float32{nan, inf, inf}, "test"); n != 1 || i != 2 {
		t.Errorf("expected 1 NaN 2 Inf, got %d %d", n, i)
	}
}

func TestRefAt(t *testing.T) {
	d := newTestCPU(t)
	b := mustBuffer(t, d, 64)

	r := Ref{Buffer: b, Offset: 8}.At(16).At(-4)
	if r.Buffer != b || r.Offset != 20 {
		t.Errorf("expected offset 20 in the same buffer, got %d", r.Offset)
	}
	if (Ref{}).At(4).Valid() {
		t.Error("expected a ref without a buffer to stay invalid")
	}
}
