// Package kernels holds the gpt-oss compute kernels and their dispatchers.
// A dispatcher validates its bindings, resolves the pipeline and encodes one
// dispatch into a command buffer; it never waits for completion.
package kernels

import (
	"errors"
	"fmt"

	"github.com/23skdu/longbow-gptoss/internal/device"
)

const (
	Embeddings        = "bf16_f32_embeddings"
	RMSNorm           = "f32_bf16w_rmsnorm"
	Matmul            = "f32_bf16w_matmul"
	MatmulAdd         = "f32_bf16w_matmul_add"
	Rope              = "f32_rope"
	SDPA              = "f32_sdpa"
	TopKSoftmaxE32    = "f32_topk_softmax_e32"
	TopKSoftmaxE128   = "f32_topk_softmax_e128"
	MoEMatmulSwiGLU   = "f32_mf4w_moe_matmul_swiglu"
	MoEMatmul         = "f32_mf4w_moe_matmul"
	Accumulate        = "f32_accumulate"
	Unembedding       = "f32_bf16w_unembedding"
	Softmax           = "f32_softmax"
	simdgroupSize     = 32
	simdgroupsPerTG   = 8
	matmulTGSize      = simdgroupSize * simdgroupsPerTG
	rowwiseTGSize     = 512
	accumulateTGSize  = 256
	accumulateVecSize = 4
)

// ExpertPredictionSize is the byte size of one {u32 expert, f32 score} entry.
const ExpertPredictionSize = 8

// ArgmaxSentinel marks an argmax slot that no threadgroup has written.
const ArgmaxSentinel = ^uint64(0)

var (
	ErrMissingBuffer      = errors.New("missing kernel buffer")
	ErrUnsupportedExperts = errors.New("unsupported expert count")
)

// Library returns every kernel keyed by function name.
func Library() device.Library {
	return device.Library{
		Embeddings:      embeddingsKernel,
		RMSNorm:         rmsnormKernel,
		Matmul:          matmulKernel(false),
		MatmulAdd:       matmulKernel(true),
		Rope:            ropeKernel,
		SDPA:            sdpaKernel,
		TopKSoftmaxE32:  topkKernel,
		TopKSoftmaxE128: topkKernel,
		MoEMatmulSwiGLU: moeSwiGLUKernel,
		MoEMatmul:       moeMatmulKernel,
		Accumulate:      accumulateKernel,
		Unembedding:     unembeddingKernel,
		Softmax:         softmaxKernel,
	}
}

// Pipelines resolves compiled pipelines by function name.
type Pipelines interface {
	Pipeline(name string) (*device.Pipeline, error)
}

func encode(cb *device.CommandBuffer, p Pipelines, name string, grid device.Size3, tgSize int, args any, refs ...device.Ref) error {
	for i, r := range refs {
		if !r.Valid() {
			return fmt.Errorf("%s: %w: binding %d", name, ErrMissingBuffer, i)
		}
	}
	pipeline, err := p.Pipeline(name)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return cb.Dispatch(pipeline, grid, tgSize, args, refs...)
}

func ceilDiv(a, b int) int { return (a + b - 1) / b }

// laneSum adds n terms the way a threadgroup of lanes does: lane l
// accumulates terms l, l+lanes, ... in order, then partials are combined
// pairwise. The result does not depend on how threadgroups are scheduled.
func laneSum(n, lanes int, term func(i int) float32) float32 {
	var buf [rowwiseTGSize]float32
	lanes = min(lanes, n, len(buf))
	if lanes <= 0 {
		return 0
	}
	partial := buf[:lanes]
	for i := 0; i < n; i++ {
		partial[i%lanes] += term(i)
	}
	return treeSum(partial)
}

// treeSum reduces in place by repeatedly adding the upper half onto the lower.
func treeSum(p []float32) float32 {
	for n := len(p); n > 1; {
		half := (n + 1) / 2
		for i := 0; i+half < n; i++ {
			p[i] += p[i+half]
		}
		n = half
	}
	if len(p) == 0 {
		return 0
	}
	return p[0]
}

var e2m1 = [16]float32{0, 0.5, 1, 1.5, 2, 3, 4, 6, -0, -0.5, -1, -1.5, -2, -3, -4, -6}
