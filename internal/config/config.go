package config

import (
	"fmt"
	"math"
	"runtime"
	"strings"
)

// ModelConfig holds the hyperparameters read from a gpt-oss model header.
// It is created once at load time and never mutated afterwards.
type ModelConfig struct {
	ContextLength    int
	NumBlocks        int
	NumExperts       int
	NumActiveExperts int
	EmbeddingDim     int
	MLPDim           int
	SwiGLULimit      float32
	HeadDim          int
	NumHeads         int
	NumKVHeads       int
	AttentionWindow  int

	RopeTheta          float32
	InterpolationScale float32
	YarnOffset         float32
	YarnScale          float32
	YarnMultiplier     float32

	RMSNormEpsilon float32

	// VocabularySize is numTextTokens + numSpecialTokens from the tokenizer header.
	VocabularySize int
}

// QKVDim is the width of one fused query/key/value projection row.
func (c ModelConfig) QKVDim() int {
	return c.HeadDim * (c.NumHeads + 2*c.NumKVHeads)
}

// AttentionDim is the width of the attention output (all query heads).
func (c ModelConfig) AttentionDim() int {
	return c.HeadDim * c.NumHeads
}

// KVDim is the width of the keys (or values) of one token.
func (c ModelConfig) KVDim() int {
	return c.HeadDim * c.NumKVHeads
}

// GroupSize is the number of query heads sharing one kv head.
func (c ModelConfig) GroupSize() int {
	if c.NumKVHeads == 0 {
		return 0
	}
	return c.NumHeads / c.NumKVHeads
}

// MXFP4 weights are stored in blocks of 32 values.
const MXFP4BlockSize = 32

func (c ModelConfig) Validate() error {
	if c.ContextLength <= 0 {
		return fmt.Errorf("invalid context_length: %d (must be positive)", c.ContextLength)
	}
	if c.NumBlocks <= 0 {
		return fmt.Errorf("invalid num_blocks: %d (must be positive)", c.NumBlocks)
	}
	if c.NumExperts <= 0 {
		return fmt.Errorf("invalid num_experts: %d (must be positive)", c.NumExperts)
	}
	if c.NumActiveExperts <= 0 || c.NumActiveExperts > c.NumExperts {
		return fmt.Errorf("invalid num_active_experts: %d (must be in [1, %d])", c.NumActiveExperts, c.NumExperts)
	}
	if c.EmbeddingDim <= 0 || c.EmbeddingDim%MXFP4BlockSize != 0 {
		return fmt.Errorf("invalid embedding_dim: %d (must be a positive multiple of %d)", c.EmbeddingDim, MXFP4BlockSize)
	}
	if c.MLPDim <= 0 || c.MLPDim%MXFP4BlockSize != 0 {
		return fmt.Errorf("invalid mlp_dim: %d (must be a positive multiple of %d)", c.MLPDim, MXFP4BlockSize)
	}
	if c.HeadDim <= 0 || c.HeadDim%2 != 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive and even)", c.HeadDim)
	}
	if c.NumHeads <= 0 {
		return fmt.Errorf("invalid num_heads: %d (must be positive)", c.NumHeads)
	}
	if c.NumKVHeads <= 0 || c.NumHeads%c.NumKVHeads != 0 {
		return fmt.Errorf("invalid num_kv_heads: %d (must divide num_heads: %d)", c.NumKVHeads, c.NumHeads)
	}
	if c.AttentionWindow < 0 {
		return fmt.Errorf("invalid attention_window: %d (must be non-negative)", c.AttentionWindow)
	}
	if !(c.RopeTheta > 0) {
		return fmt.Errorf("invalid rope_theta: %f (must be positive)", c.RopeTheta)
	}
	if !(c.RMSNormEpsilon > 0) {
		return fmt.Errorf("invalid rmsnorm_epsilon: %e (must be positive)", c.RMSNormEpsilon)
	}
	if !(c.SwiGLULimit > 0) {
		return fmt.Errorf("invalid swiglu_limit: %f (must be positive)", c.SwiGLULimit)
	}
	for name, v := range map[string]float32{
		"interpolation_scale": c.InterpolationScale,
		"yarn_offset":         c.YarnOffset,
		"yarn_scale":          c.YarnScale,
		"yarn_multiplier":     c.YarnMultiplier,
	} {
		if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
			return fmt.Errorf("invalid %s: %f (must be finite)", name, v)
		}
	}
	if c.VocabularySize <= 0 {
		return fmt.Errorf("invalid vocabulary_size: %d (must be positive)", c.VocabularySize)
	}
	return nil
}

// Runtime holds engine options that are not part of the checkpoint.
type Runtime struct {
	// ContextLength overrides the model context length when positive and smaller.
	ContextLength  int
	MaxBatchTokens int

	// Workers bounds the host accelerator worker pool.
	Workers int
	// MaxThreadgroups bounds the grid width of the vocabulary-wide kernels.
	MaxThreadgroups int
	// MemoryLimit bounds device buffer allocations in bytes; 0 disables the check.
	MemoryLimit int64

	Seed uint64

	LogLevel    string
	LogFormat   string
	MetricsAddr string
}

const (
	DefaultMaxBatchTokens  = 128
	DefaultMaxThreadgroups = 64
)

func Default() Runtime {
	return Runtime{
		MaxBatchTokens:  DefaultMaxBatchTokens,
		Workers:         runtime.NumCPU(),
		MaxThreadgroups: DefaultMaxThreadgroups,
		LogLevel:        "info",
		LogFormat:       "console",
	}
}

func (r *Runtime) Validate() error {
	if r.ContextLength < 0 {
		return fmt.Errorf("invalid context_length: %d (must be non-negative)", r.ContextLength)
	}
	if r.MaxBatchTokens <= 0 {
		return fmt.Errorf("invalid max_batch_tokens: %d (must be positive)", r.MaxBatchTokens)
	}
	if r.Workers <= 0 {
		return fmt.Errorf("invalid workers: %d (must be positive)", r.Workers)
	}
	if r.MaxThreadgroups <= 0 {
		return fmt.Errorf("invalid max_threadgroups: %d (must be positive)", r.MaxThreadgroups)
	}
	if r.MemoryLimit < 0 {
		return fmt.Errorf("invalid memory_limit: %d (must be non-negative)", r.MemoryLimit)
	}
	switch strings.ToLower(r.LogFormat) {
	case "", "console", "json":
	default:
		return fmt.Errorf("invalid log_format: %q (must be console or json)", r.LogFormat)
	}
	return nil
}
