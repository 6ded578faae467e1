package kernels

import (
	"math"
	"math/rand/v2"
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/modelfile"
	"github.com/d4l3k/go-bfloat16"
)

// harness runs kernels on a host device and resolves pipelines directly.
type harness struct {
	t     *testing.T
	dev   *device.CPU
	pipes map[string]*device.Pipeline
}

func newHarness(t *testing.T, workers int) *harness {
	t.Helper()
	return &harness{
		t:     t,
		dev:   device.NewCPU(Library(), device.CPUOptions{Workers: workers, MaxThreadgroups: 16}),
		pipes: map[string]*device.Pipeline{},
	}
}

func (h *harness) Pipeline(name string) (*device.Pipeline, error) {
	if p, ok := h.pipes[name]; ok {
		return p, nil
	}
	p, err := h.dev.NewPipeline(name)
	if err != nil {
		return nil, err
	}
	h.pipes[name] = p
	return p, nil
}

func (h *harness) zeros(nbytes int) device.Ref {
	h.t.Helper()
	b, err := h.dev.NewBuffer("zeros", nbytes)
	if err != nil {
		h.t.Fatal(err)
	}
	h.t.Cleanup(b.Release)
	return device.Ref{Buffer: b}
}

func (h *harness) f32(vals []float32) device.Ref {
	h.t.Helper()
	r := h.zeros(4 * len(vals))
	dst, _ := device.HostFloat32s(r.Buffer, 0, len(vals))
	copy(dst, vals)
	return r
}

func (h *harness) u32(vals []uint32) device.Ref {
	h.t.Helper()
	r := h.zeros(4 * len(vals))
	dst, _ := device.HostUint32s(r.Buffer, 0, len(vals))
	copy(dst, vals)
	return r
}

// bf16 stores vals as read-only bf16 weights and returns the rounded values.
func (h *harness) bf16(vals []float32) (device.Ref, []float32) {
	h.t.Helper()
	raw := make([]byte, 2*len(vals))
	modelfile.PutBF16(raw, vals)
	b, err := h.dev.WrapBuffer("weights", raw)
	if err != nil {
		h.t.Fatal(err)
	}
	return device.Ref{Buffer: b}, bfloat16.DecodeFloat32(raw)
}

func (h *harness) run(encodeFn func(cb *device.CommandBuffer) error) {
	h.t.Helper()
	cb := device.NewCommandBuffer(h.t.Name())
	if err := encodeFn(cb); err != nil {
		h.t.Fatalf("encode failed: %v", err)
	}
	if err := h.dev.Execute(h.t.Context(), cb); err != nil {
		h.t.Fatalf("execute failed: %v", err)
	}
}

func (h *harness) read(r device.Ref, n int) []float32 {
	h.t.Helper()
	v, err := device.HostFloat32s(r.Buffer, r.Offset, n)
	if err != nil {
		h.t.Fatal(err)
	}
	return append([]float32(nil), v...)
}

func randomVals(rng *rand.Rand, n int, scale float32) []float32 {
	v := make([]float32, n)
	for i := range v {
		v[i] = (rng.Float32()*2 - 1) * scale
	}
	return v
}

func assertClose(t *testing.T, name string, got []float32, want []float64, tol float64) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("%s: expected %d values, got %d", name, len(want), len(got))
	}
	for i := range want {
		if diff := math.Abs(float64(got[i]) - want[i]); diff > tol*(1+math.Abs(want[i])) {
			t.Errorf("%s[%d]: expected %v, got %v", name, i, want[i], got[i])
			return
		}
	}
}

func refRMSNorm(x, gain []float32, eps float32) []float64 {
	var sumsq float64
	for _, v := range x {
		sumsq += float64(v) * float64(v)
	}
	scale := 1 / math.Sqrt(sumsq/float64(len(x))+float64(eps))
	out := make([]float64, len(x))
	for i := range x {
		out[i] = float64(x[i]) * scale * float64(gain[i])
	}
	return out
}

func refMatmul(x, w, bias []float32, tokens, cols, rows int) []float64 {
	out := make([]float64, tokens*rows)
	for t := 0; t < tokens; t++ {
		for r := 0; r < rows; r++ {
			var acc float64
			for c := 0; c < cols; c++ {
				acc += float64(x[t*cols+c]) * float64(w[r*cols+c])
			}
			if bias != nil {
				acc += float64(bias[r])
			}
			out[t*rows+r] = acc
		}
	}
	return out
}

func refRope(v []float32, pos int, args RopeArgs) []float64 {
	out := make([]float64, len(v))
	for i := 0; i < len(v)/2; i++ {
		d := float64(args.HeadDim / 2)
		extra := math.Pow(float64(args.Theta), -float64(i)/d)
		inter := extra * float64(args.InterpolationScale)
		alpha := float64(i)*float64(args.YarnScale) + float64(args.YarnOffset)
		alpha = math.Max(0, math.Min(1, alpha))
		freq := extra*(1-alpha) + inter*alpha
		c := math.Cos(float64(pos)*freq) * float64(args.YarnMultiplier)
		s := math.Sin(float64(pos)*freq) * float64(args.YarnMultiplier)
		x0, x1 := float64(v[2*i]), float64(v[2*i+1])
		out[2*i] = x0*c - x1*s
		out[2*i+1] = x0*s + x1*c
	}
	return out
}

// refAttention attends query q over keys/values rows [start, pos] with a sink logit.
func refAttention(q []float32, keys, values [][]float32, sink float32) []float64 {
	scale := 1 / math.Sqrt(float64(len(q)))
	scores := make([]float64, len(keys))
	m := float64(sink)
	for j, k := range keys {
		var dot float64
		for i := range q {
			dot += float64(q[i]) * float64(k[i])
		}
		scores[j] = dot * scale
		m = math.Max(m, scores[j])
	}
	denom := math.Exp(float64(sink) - m)
	for j := range scores {
		scores[j] = math.Exp(scores[j] - m)
		denom += scores[j]
	}
	out := make([]float64, len(q))
	for j, v := range values {
		for i := range out {
			out[i] += scores[j] / denom * float64(v[i])
		}
	}
	return out
}

func dequantMXFP4(blocks, scales []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		b := blocks[i/2]
		code := b & 0x0F
		if i%2 == 1 {
			code = b >> 4
		}
		out[i] = float32(math.Ldexp(float64(e2m1[code]), int(scales[i/32])-127))
	}
	return out
}

func refSwiGLU(glu, lin, limit float64) float64 {
	glu = math.Min(glu, limit)
	lin = math.Max(-limit, math.Min(lin, limit))
	return glu / (1 + math.Exp(-1.702*glu)) * (lin + 1)
}
