package kernels

import (
	"math"

	"github.com/23skdu/longbow-gptoss/internal/device"
)

type EmbeddingsArgs struct {
	NumTokens      int
	NumChannels    int
	VocabularySize int
}

// EncodeEmbeddings gathers one bf16 embedding row per token id into f32
// activations. Ids outside the vocabulary produce a zero row.
func EncodeEmbeddings(cb *device.CommandBuffer, p Pipelines, args EmbeddingsArgs, tokens, weights, out device.Ref) error {
	return encode(cb, p, Embeddings, device.Grid1(args.NumTokens), rowwiseTGSize, args, tokens, weights, out)
}

func embeddingsKernel(inv *device.Invocation) {
	args := inv.Args.(EmbeddingsArgs)
	t := inv.Threadgroup.X
	ch := args.NumChannels
	id := int(inv.Uint32s(0, 4*t, 1)[0])
	out := inv.MutableFloat32s(2, 4*t*ch, ch)
	if id >= args.VocabularySize {
		clear(out)
		return
	}
	copy(out, inv.BF16(1, 2*id*ch, ch))
}

type RMSNormArgs struct {
	NumTokens   int
	NumChannels int
	Epsilon     float32
}

// EncodeRMSNorm writes x / sqrt(mean(x^2) + eps) * gain for each token row.
func EncodeRMSNorm(cb *device.CommandBuffer, p Pipelines, args RMSNormArgs, input, gain, out device.Ref) error {
	return encode(cb, p, RMSNorm, device.Grid1(args.NumTokens), rowwiseTGSize, args, input, gain, out)
}

func rmsnormKernel(inv *device.Invocation) {
	args := inv.Args.(RMSNormArgs)
	t := inv.Threadgroup.X
	ch := args.NumChannels
	x := inv.Float32s(0, 4*t*ch, ch)
	gain := inv.BF16(1, 0, ch)
	out := inv.MutableFloat32s(2, 4*t*ch, ch)

	sumsq := laneSum(ch, inv.ThreadgroupSize, func(i int) float32 { return x[i] * x[i] })
	scale := float32(1 / math.Sqrt(float64(sumsq/float32(ch)+args.Epsilon)))
	for i := range out {
		out[i] = x[i] * scale * gain[i]
	}
}

type MatmulArgs struct {
	NumTokens int
	NumCols   int
	NumRows   int
}

// EncodeMatmul computes out[t][r] = dot(input[t], weight[r]) + bias[r].
func EncodeMatmul(cb *device.CommandBuffer, p Pipelines, args MatmulArgs, input, weight, bias, out device.Ref) error {
	grid := device.Grid2(ceilDiv(args.NumRows, simdgroupsPerTG), args.NumTokens)
	return encode(cb, p, Matmul, grid, matmulTGSize, args, input, weight, bias, out)
}

// EncodeMatmulAdd is EncodeMatmul accumulating into out.
func EncodeMatmulAdd(cb *device.CommandBuffer, p Pipelines, args MatmulArgs, input, weight, bias, out device.Ref) error {
	grid := device.Grid2(ceilDiv(args.NumRows, simdgroupsPerTG), args.NumTokens)
	return encode(cb, p, MatmulAdd, grid, matmulTGSize, args, input, weight, bias, out)
}

func matmulKernel(add bool) device.KernelFunc {
	return func(inv *device.Invocation) {
		args := inv.Args.(MatmulArgs)
		t := inv.Threadgroup.Y
		cols := args.NumCols
		x := inv.Float32s(0, 4*t*cols, cols)

		first := inv.Threadgroup.X * simdgroupsPerTG
		last := min(first+simdgroupsPerTG, args.NumRows)
		if first >= last {
			return
		}
		bias := inv.BF16(2, 2*first, last-first)
		out := inv.MutableFloat32s(3, 4*(t*args.NumRows+first), last-first)
		for r := first; r < last; r++ {
			w := inv.BF16(1, 2*r*cols, cols)
			v := laneSum(cols, simdgroupSize, func(i int) float32 { return x[i] * w[i] }) + bias[r-first]
			if add {
				out[r-first] += v
			} else {
				out[r-first] = v
			}
		}
	}
}

type UnembeddingArgs struct {
	NumTokens int
	NumCols   int
	NumRows   int
	// RowsPerThreadgroup is a multiple of the simdgroup count.
	RowsPerThreadgroup int
}

// UnembeddingRowsPerThreadgroup splits vocab rows across at most maxThreadgroups.
func UnembeddingRowsPerThreadgroup(vocab, maxThreadgroups int) int {
	rows := ceilDiv(vocab, max(maxThreadgroups, 1))
	return ceilDiv(rows, simdgroupsPerTG) * simdgroupsPerTG
}

// EncodeUnembedding writes vocabulary scores and folds each threadgroup's
// best (score, id) into argmax, which must hold ArgmaxSentinel beforehand.
func EncodeUnembedding(cb *device.CommandBuffer, p Pipelines, args UnembeddingArgs, input, weight, scores, argmax device.Ref) error {
	grid := device.Grid2(ceilDiv(args.NumRows, args.RowsPerThreadgroup), args.NumTokens)
	return encode(cb, p, Unembedding, grid, matmulTGSize, args, input, weight, scores, argmax)
}

func unembeddingKernel(inv *device.Invocation) {
	args := inv.Args.(UnembeddingArgs)
	t := inv.Threadgroup.Y
	cols := args.NumCols
	x := inv.Float32s(0, 4*t*cols, cols)

	first := inv.Threadgroup.X * args.RowsPerThreadgroup
	last := min(first+args.RowsPerThreadgroup, args.NumRows)
	if first >= last {
		return
	}
	scores := inv.MutableFloat32s(2, 4*(t*args.NumRows+first), last-first)
	best := ArgmaxSentinel
	for r := first; r < last; r++ {
		w := inv.BF16(1, 2*r*cols, cols)
		s := laneSum(cols, simdgroupSize, func(i int) float32 { return x[i] * w[i] })
		scores[r-first] = s
		if candidate := PackArgmax(s, uint32(r)); ArgmaxBetter(candidate, best) {
			best = candidate
		}
	}
	atomicArgmax(inv.AtomicUint64(3, 8*t), best)
}
