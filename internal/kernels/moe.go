package kernels

import (
	"fmt"
	"math"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/device"
)

type TopKArgs struct {
	NumTokens  int
	NumExperts int
	NumActive  int
}

// EncodeTopKSoftmax selects the NumActive highest gate scores per token and
// writes {expert, softmax weight} pairs, best first. Ties favour the lower
// expert index.
func EncodeTopKSoftmax(cb *device.CommandBuffer, p Pipelines, args TopKArgs, gate, out device.Ref) error {
	var name string
	var tgSize int
	switch {
	case args.NumExperts <= 32:
		name, tgSize = TopKSoftmaxE32, 32
	case args.NumExperts <= 128:
		name, tgSize = TopKSoftmaxE128, 128
	default:
		return fmt.Errorf("%w: %d experts (max 128)", ErrUnsupportedExperts, args.NumExperts)
	}
	if args.NumActive <= 0 || args.NumActive > args.NumExperts {
		return fmt.Errorf("%w: %d active of %d", ErrUnsupportedExperts, args.NumActive, args.NumExperts)
	}
	return encode(cb, p, name, device.Grid1(args.NumTokens), tgSize, args, gate, out)
}

func topkKernel(inv *device.Invocation) {
	args := inv.Args.(TopKArgs)
	t := inv.Threadgroup.X
	gate := inv.Float32s(0, 4*t*args.NumExperts, args.NumExperts)
	out := inv.MutableUint32s(1, ExpertPredictionSize*t*args.NumActive, 2*args.NumActive)

	var taken [128]bool
	ids := make([]int, args.NumActive)
	for k := range ids {
		best := -1
		for e, s := range gate {
			if taken[e] {
				continue
			}
			if best < 0 || s > gate[best] {
				best = e
			}
		}
		taken[best] = true
		ids[k] = best
	}

	top := gate[ids[0]]
	weights := make([]float32, len(ids))
	var sum float32
	for k, e := range ids {
		weights[k] = float32(math.Exp(float64(gate[e] - top)))
		sum += weights[k]
	}
	for k, e := range ids {
		out[2*k] = uint32(e)
		out[2*k+1] = math.Float32bits(weights[k] / sum)
	}
}

// ExpertWeights locates one kind of MXFP4 matrix inside each expert's slice
// of a block's expert region.
type ExpertWeights struct {
	ExpertStride int
	BlocksOffset int
	ScalesOffset int
	BiasOffset   int
}

type MoEArgs struct {
	NumTokens int
	NumActive int
	// NumCols is the input width; NumRows the output width per expert.
	NumCols int
	NumRows int
	Weights ExpertWeights
	// SwiGLULimit clamps the gate and linear halves; used by the swiglu variant.
	SwiGLULimit float32
}

// EncodeMoESwiGLU projects each token through its active experts' SwiGLU
// weights. Weight rows interleave gate (2j) and linear (2j+1) halves; out
// holds NumRows values per (token, expert slot).
func EncodeMoESwiGLU(cb *device.CommandBuffer, p Pipelines, args MoEArgs, input, experts, weights, out device.Ref) error {
	grid := device.Size3{X: ceilDiv(args.NumRows, simdgroupsPerTG), Y: args.NumTokens, Z: args.NumActive}
	return encode(cb, p, MoEMatmulSwiGLU, grid, matmulTGSize, args, input, experts, weights, out)
}

// EncodeMoEMatmul projects each (token, expert slot) row of input through
// that expert's output weights.
func EncodeMoEMatmul(cb *device.CommandBuffer, p Pipelines, args MoEArgs, input, experts, weights, out device.Ref) error {
	grid := device.Size3{X: ceilDiv(args.NumRows, simdgroupsPerTG), Y: args.NumTokens, Z: args.NumActive}
	return encode(cb, p, MoEMatmul, grid, matmulTGSize, args, input, experts, weights, out)
}

// mxfp4Dot is the dot product of x with one packed row: 16 bytes of e2m1
// pairs (low nibble first) and one 2^(s-127) scale per 32 values.
func mxfp4Dot(x []float32, blocks, scales []byte) float32 {
	return laneSum(len(scales), simdgroupSize, func(b int) float32 {
		var acc float32
		xb := x[b*config.MXFP4BlockSize:]
		for i, v := range blocks[b*16 : b*16+16] {
			acc += e2m1[v&0x0F]*xb[2*i] + e2m1[v>>4]*xb[2*i+1]
		}
		return float32(math.Ldexp(float64(acc), int(scales[b])-127))
	})
}

func expertRow(inv *device.Invocation, w ExpertWeights, expert, row, cols int) (blocks, scales []byte) {
	base := expert * w.ExpertStride
	blocks = inv.Bytes(2, base+w.BlocksOffset+row*cols/2, cols/2)
	scales = inv.Bytes(2, base+w.ScalesOffset+row*cols/config.MXFP4BlockSize, cols/config.MXFP4BlockSize)
	return blocks, scales
}

func moeSwiGLUKernel(inv *device.Invocation) {
	args := inv.Args.(MoEArgs)
	t, k := inv.Threadgroup.Y, inv.Threadgroup.Z
	cols := args.NumCols
	x := inv.Float32s(0, 4*t*cols, cols)
	expert := int(inv.Uint32s(1, ExpertPredictionSize*(t*args.NumActive+k), 1)[0])

	first := inv.Threadgroup.X * simdgroupsPerTG
	last := min(first+simdgroupsPerTG, args.NumRows)
	if first >= last {
		return
	}
	bias := inv.BF16(2, expert*args.Weights.ExpertStride+args.Weights.BiasOffset+2*2*first, 2*(last-first))
	out := inv.MutableFloat32s(3, 4*((t*args.NumActive+k)*args.NumRows+first), last-first)
	limit := args.SwiGLULimit
	for j := first; j < last; j++ {
		gb, gs := expertRow(inv, args.Weights, expert, 2*j, cols)
		lb, ls := expertRow(inv, args.Weights, expert, 2*j+1, cols)
		glu := mxfp4Dot(x, gb, gs) + bias[2*(j-first)]
		lin := mxfp4Dot(x, lb, ls) + bias[2*(j-first)+1]
		out[j-first] = SwiGLU(glu, lin, limit)
	}
}

// SwiGLU is the clamped gpt-oss activation glu*sigmoid(1.702*glu)*(linear+1).
func SwiGLU(glu, lin, limit float32) float32 {
	glu = min(glu, limit)
	lin = max(min(lin, limit), -limit)
	sig := float32(1 / (1 + math.Exp(-1.702*float64(glu))))
	return glu * sig * (lin + 1)
}

func moeMatmulKernel(inv *device.Invocation) {
	args := inv.Args.(MoEArgs)
	t, k := inv.Threadgroup.Y, inv.Threadgroup.Z
	cols := args.NumCols
	slot := t*args.NumActive + k
	x := inv.Float32s(0, 4*slot*cols, cols)
	expert := int(inv.Uint32s(1, ExpertPredictionSize*slot, 1)[0])

	first := inv.Threadgroup.X * simdgroupsPerTG
	last := min(first+simdgroupsPerTG, args.NumRows)
	if first >= last {
		return
	}
	bias := inv.BF16(2, expert*args.Weights.ExpertStride+args.Weights.BiasOffset+2*first, last-first)
	out := inv.MutableFloat32s(3, 4*(slot*args.NumRows+first), last-first)
	for r := first; r < last; r++ {
		b, s := expertRow(inv, args.Weights, expert, r, cols)
		out[r-first] = mxfp4Dot(x, b, s) + bias[r-first]
	}
}

type AccumulateArgs struct {
	NumTokens   int
	NumChannels int
	NumActive   int
}

// EncodeAccumulate adds the score-weighted expert outputs of each token to
// its residual row, summing expert slots in order.
func EncodeAccumulate(cb *device.CommandBuffer, p Pipelines, args AccumulateArgs, moe, experts, residual device.Ref) error {
	grid := device.Grid2(ceilDiv(args.NumChannels, accumulateTGSize*accumulateVecSize), args.NumTokens)
	return encode(cb, p, Accumulate, grid, accumulateTGSize, args, moe, experts, residual)
}

func accumulateKernel(inv *device.Invocation) {
	args := inv.Args.(AccumulateArgs)
	t := inv.Threadgroup.Y
	ch := args.NumChannels
	first := inv.Threadgroup.X * accumulateTGSize * accumulateVecSize
	last := min(first+accumulateTGSize*accumulateVecSize, ch)
	if first >= last {
		return
	}
	preds := inv.Uint32s(1, ExpertPredictionSize*t*args.NumActive, 2*args.NumActive)
	rows := make([][]float32, args.NumActive)
	for k := range rows {
		rows[k] = inv.Float32s(0, 4*((t*args.NumActive+k)*ch+first), last-first)
	}
	residual := inv.MutableFloat32s(2, 4*(t*ch+first), last-first)
	for i := range residual {
		var sum float32
		for k, row := range rows {
			sum += math.Float32frombits(preds[2*k+1]) * row[i]
		}
		residual[i] += sum
	}
}
