package kernels

import (
	"math"

	"github.com/23skdu/longbow-gptoss/internal/device"
)

type RopeArgs struct {
	NumTokens  int
	HeadDim    int
	NumQHeads  int
	NumKVHeads int
	// TokenOffset is the absolute position of the first token in the batch.
	TokenOffset int

	Theta              float32
	InterpolationScale float32
	YarnOffset         float32
	YarnScale          float32
	YarnMultiplier     float32
}

// EncodeRope rotates the query and key heads of the fused qkv rows in place
// using YaRN-scaled rotary frequencies. Pairs are interleaved (2i, 2i+1).
func EncodeRope(cb *device.CommandBuffer, p Pipelines, args RopeArgs, qkv device.Ref) error {
	grid := device.Grid2(args.NumTokens, args.NumQHeads+args.NumKVHeads)
	return encode(cb, p, Rope, grid, args.HeadDim/2, args, qkv)
}

// RopeFrequency is the YaRN-blended inverse frequency of rotary pair i.
func RopeFrequency(args RopeArgs, i int) float64 {
	halfDim := float64(args.HeadDim / 2)
	freqScale := -math.Log(float64(args.Theta)) / halfDim
	extrapolation := math.Exp(float64(i) * freqScale)
	interpolation := extrapolation * float64(args.InterpolationScale)
	alpha := math.Min(math.Max(float64(i)*float64(args.YarnScale)+float64(args.YarnOffset), 0), 1)
	return extrapolation + (interpolation-extrapolation)*alpha
}

func ropeKernel(inv *device.Invocation) {
	args := inv.Args.(RopeArgs)
	t := inv.Threadgroup.X
	head := inv.Threadgroup.Y
	rowWidth := args.HeadDim * (args.NumQHeads + 2*args.NumKVHeads)
	v := inv.MutableFloat32s(0, 4*(t*rowWidth+head*args.HeadDim), args.HeadDim)

	pos := float64(args.TokenOffset + t)
	mult := float64(args.YarnMultiplier)
	for i := 0; i < args.HeadDim/2; i++ {
		phi := pos * RopeFrequency(args, i)
		sin, cos := math.Sincos(phi)
		c, s := float32(cos*mult), float32(sin*mult)
		x0, x1 := v[2*i], v[2*i+1]
		v[2*i] = x0*c - x1*s
		v[2*i+1] = x0*s + x1*c
	}
}

type SDPAArgs struct {
	HeadDim    int
	NumQHeads  int
	NumKVHeads int
	// NumQTokens queries are the last NumQTokens of NumKVTokens cached tokens.
	NumQTokens  int
	NumKVTokens int
	// Window limits each query to the previous Window tokens; 0 is unbounded.
	Window int
}

// EncodeSDPA runs grouped-query attention with a per-head sink logit. qkv
// holds NumQTokens fused rows; kv holds one [K | V] row per cached token.
func EncodeSDPA(cb *device.CommandBuffer, p Pipelines, args SDPAArgs, qkv, kv, sinks, out device.Ref) error {
	group := args.NumQHeads / args.NumKVHeads
	grid := device.Grid2(args.NumQTokens, args.NumKVHeads)
	return encode(cb, p, SDPA, grid, simdgroupSize*group, args, qkv, kv, sinks, out)
}

func sdpaKernel(inv *device.Invocation) {
	args := inv.Args.(SDPAArgs)
	t := inv.Threadgroup.X
	kvHead := inv.Threadgroup.Y
	d := args.HeadDim
	group := args.NumQHeads / args.NumKVHeads
	qkvWidth := d * (args.NumQHeads + 2*args.NumKVHeads)
	kvDim := d * args.NumKVHeads

	pos := args.NumKVTokens - args.NumQTokens + t
	start := 0
	if args.Window > 0 {
		start = max(0, pos-args.Window+1)
	}
	span := pos - start + 1
	scale := float32(1 / math.Sqrt(float64(d)))
	sinks := inv.BF16(2, 2*kvHead*group, group)
	scores := make([]float32, span)

	for g := 0; g < group; g++ {
		qHead := kvHead*group + g
		q := inv.Float32s(0, 4*(t*qkvWidth+qHead*d), d)

		m := sinks[g]
		for j := 0; j < span; j++ {
			k := inv.Float32s(1, 4*((start+j)*2*kvDim+kvHead*d), d)
			scores[j] = laneSum(d, simdgroupSize, func(i int) float32 { return q[i] * k[i] }) * scale
			m = max(m, scores[j])
		}

		denom := float32(math.Exp(float64(sinks[g] - m)))
		for j := range scores {
			scores[j] = float32(math.Exp(float64(scores[j] - m)))
			denom += scores[j]
		}

		out := inv.MutableFloat32s(3, 4*(t*args.NumQHeads*d+qHead*d), d)
		clear(out)
		for j := 0; j < span; j++ {
			w := scores[j] / denom
			v := inv.Float32s(1, 4*((start+j)*2*kvDim+kvDim+kvHead*d), d)
			for i := range out {
				out[i] += w * v[i]
			}
		}
	}
}
