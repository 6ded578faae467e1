package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

// processBatch encodes and runs the forward pass for the n pending tokens
// starting at numKvTokens. When final is set the last block and the
// unembedding run for the last token only; otherwise the batch only fills
// the KV cache.
func (c *Context) processBatch(ctx context.Context, n int, final bool) error {
	start := time.Now()
	cb := device.NewCommandBuffer(fmt.Sprintf("batch@%d+%d", c.numKvTokens, n))
	if err := c.encodeBatch(cb, n, final); err != nil {
		return fmt.Errorf("encode batch: %w", err)
	}
	if err := c.model.dev.Executor().Execute(ctx, cb); err != nil {
		return fmt.Errorf("process batch: %w", err)
	}
	metrics.RecordCommandBuffer("process", time.Since(start))
	c.recordExpertSelections(n, final)
	return nil
}

func (c *Context) encodeBatch(cb *device.CommandBuffer, n int, final bool) error {
	m := c.model
	cfg := m.Config
	emb := cfg.EmbeddingDim

	err := kernels.EncodeEmbeddings(cb, m, kernels.EmbeddingsArgs{
		NumTokens:      n,
		NumChannels:    emb,
		VocabularySize: cfg.VocabularySize,
	}, device.Ref{Buffer: c.token, Offset: 4 * c.numKvTokens}, m.Shared(m.Layout.Embedding), device.Ref{Buffer: c.residual})
	if err != nil {
		return err
	}

	for block := 0; block < cfg.NumBlocks; block++ {
		last := block == cfg.NumBlocks-1
		if err := c.encodeAttention(cb, block, n, last, final); err != nil {
			return fmt.Errorf("block %d attention: %w", block, err)
		}
		if last && !final {
			break
		}
		first, count := 0, n
		if last {
			first, count = n-1, 1
		}
		if err := c.encodeMoE(cb, block, first, count); err != nil {
			return fmt.Errorf("block %d moe: %w", block, err)
		}
	}
	if !final {
		return nil
	}
	return c.encodeOutput(cb, n-1)
}

// encodeAttention runs the attention half of block on the batch. Keys and
// values of every batch token are cached; on the last block only the final
// token continues past the cache update, and not at all for a non-final batch.
func (c *Context) encodeAttention(cb *device.CommandBuffer, block, n int, last, final bool) error {
	m := c.model
	cfg := m.Config
	spans := m.Layout.Block(block)
	emb := cfg.EmbeddingDim
	qkvDim := cfg.QKVDim()
	attnDim := cfg.AttentionDim()
	kvDim := cfg.KVDim()

	err := kernels.EncodeRMSNorm(cb, m, kernels.RMSNormArgs{
		NumTokens:   n,
		NumChannels: emb,
		Epsilon:     cfg.RMSNormEpsilon,
	}, device.Ref{Buffer: c.residual}, m.Shared(spans.AttnNormGain), device.Ref{Buffer: c.rmsnorm})
	if err != nil {
		return err
	}

	err = kernels.EncodeMatmul(cb, m, kernels.MatmulArgs{
		NumTokens: n,
		NumCols:   emb,
		NumRows:   qkvDim,
	}, device.Ref{Buffer: c.rmsnorm}, m.Shared(spans.QKVWeight), m.Shared(spans.QKVBias), device.Ref{Buffer: c.qkv})
	if err != nil {
		return err
	}

	err = kernels.EncodeRope(cb, m, kernels.RopeArgs{
		NumTokens:          n,
		HeadDim:            cfg.HeadDim,
		NumQHeads:          cfg.NumHeads,
		NumKVHeads:         cfg.NumKVHeads,
		TokenOffset:        c.numKvTokens,
		Theta:              cfg.RopeTheta,
		InterpolationScale: cfg.InterpolationScale,
		YarnOffset:         cfg.YarnOffset,
		YarnScale:          cfg.YarnScale,
		YarnMultiplier:     cfg.YarnMultiplier,
	}, device.Ref{Buffer: c.qkv})
	if err != nil {
		return err
	}

	// K and V sit next to each other after the query heads of each qkv row.
	for t := 0; t < n; t++ {
		src := device.Ref{Buffer: c.qkv, Offset: 4 * (t*qkvDim + attnDim)}
		if err := cb.Copy(c.kvcache.Row(block, c.numKvTokens+t), src, 4*2*kvDim); err != nil {
			return err
		}
	}
	if last && !final {
		return nil
	}

	first, count := 0, n
	if last {
		first, count = n-1, 1
	}
	window := attentionWindow(cfg, block)
	err = kernels.EncodeSDPA(cb, m, kernels.SDPAArgs{
		HeadDim:     cfg.HeadDim,
		NumQHeads:   cfg.NumHeads,
		NumKVHeads:  cfg.NumKVHeads,
		NumQTokens:  count,
		NumKVTokens: c.numKvTokens + n,
		Window:      window,
	},
		device.Ref{Buffer: c.qkv, Offset: 4 * first * qkvDim},
		c.kvcache.Block(block),
		m.Shared(spans.AttnSinks),
		device.Ref{Buffer: c.sdpa, Offset: 4 * first * attnDim})
	if err != nil {
		return err
	}

	return kernels.EncodeMatmulAdd(cb, m, kernels.MatmulArgs{
		NumTokens: count,
		NumCols:   attnDim,
		NumRows:   emb,
	},
		device.Ref{Buffer: c.sdpa, Offset: 4 * first * attnDim},
		m.Shared(spans.AttnOutWeight),
		m.Shared(spans.AttnOutBias),
		device.Ref{Buffer: c.residual, Offset: 4 * first * emb})
}

// encodeMoE runs the expert half of block on tokens [first, first+count).
func (c *Context) encodeMoE(cb *device.CommandBuffer, block, first, count int) error {
	m := c.model
	cfg := m.Config
	spans := m.Layout.Block(block)
	emb := cfg.EmbeddingDim
	k := cfg.NumActiveExperts
	expert0 := m.Layout.Expert(0)

	residual := device.Ref{Buffer: c.residual, Offset: 4 * first * emb}
	norm := device.Ref{Buffer: c.rmsnorm, Offset: 4 * first * emb}
	gate := device.Ref{Buffer: c.gate, Offset: 4 * first * cfg.NumExperts}
	experts := c.expertRef(block, first)
	swiglu := device.Ref{Buffer: c.swiglu, Offset: 4 * first * k * cfg.MLPDim}
	moe := device.Ref{Buffer: c.moe, Offset: 4 * first * k * emb}

	err := kernels.EncodeRMSNorm(cb, m, kernels.RMSNormArgs{
		NumTokens:   count,
		NumChannels: emb,
		Epsilon:     cfg.RMSNormEpsilon,
	}, residual, m.Shared(spans.MLPNormGain), norm)
	if err != nil {
		return err
	}

	err = kernels.EncodeMatmul(cb, m, kernels.MatmulArgs{
		NumTokens: count,
		NumCols:   emb,
		NumRows:   cfg.NumExperts,
	}, norm, m.Shared(spans.GateWeight), m.Shared(spans.GateBias), gate)
	if err != nil {
		return err
	}

	err = kernels.EncodeTopKSoftmax(cb, m, kernels.TopKArgs{
		NumTokens:  count,
		NumExperts: cfg.NumExperts,
		NumActive:  k,
	}, gate, experts)
	if err != nil {
		return err
	}

	err = kernels.EncodeMoESwiGLU(cb, m, kernels.MoEArgs{
		NumTokens: count,
		NumActive: k,
		NumCols:   emb,
		NumRows:   cfg.MLPDim,
		Weights: kernels.ExpertWeights{
			ExpertStride: int(m.Layout.PerExpertSize),
			BlocksOffset: int(expert0.SwiGLUBlocks.Offset),
			ScalesOffset: int(expert0.SwiGLUScales.Offset),
			BiasOffset:   int(expert0.SwiGLUBias.Offset),
		},
		SwiGLULimit: cfg.SwiGLULimit,
	}, norm, experts, m.Experts(block), swiglu)
	if err != nil {
		return err
	}

	err = kernels.EncodeMoEMatmul(cb, m, kernels.MoEArgs{
		NumTokens: count,
		NumActive: k,
		NumCols:   cfg.MLPDim,
		NumRows:   emb,
		Weights: kernels.ExpertWeights{
			ExpertStride: int(m.Layout.PerExpertSize),
			BlocksOffset: int(expert0.OutBlocks.Offset),
			ScalesOffset: int(expert0.OutScales.Offset),
			BiasOffset:   int(expert0.OutBias.Offset),
		},
	}, swiglu, experts, m.Experts(block), moe)
	if err != nil {
		return err
	}

	return kernels.EncodeAccumulate(cb, m, kernels.AccumulateArgs{
		NumTokens:   count,
		NumChannels: emb,
		NumActive:   k,
	}, moe, experts, residual)
}

// encodeOutput normalises the residual of token row and writes vocabulary
// scores plus the fused argmax.
func (c *Context) encodeOutput(cb *device.CommandBuffer, row int) error {
	m := c.model
	cfg := m.Config
	emb := cfg.EmbeddingDim

	err := kernels.EncodeRMSNorm(cb, m, kernels.RMSNormArgs{
		NumTokens:   1,
		NumChannels: emb,
		Epsilon:     cfg.RMSNormEpsilon,
	},
		device.Ref{Buffer: c.residual, Offset: 4 * row * emb},
		m.Shared(m.Layout.FinalNorm),
		device.Ref{Buffer: c.rmsnorm, Offset: 4 * row * emb})
	if err != nil {
		return err
	}

	argmax := device.Ref{Buffer: c.argmax}
	if err := cb.Fill(argmax, 8, 0xFF); err != nil {
		return err
	}
	return kernels.EncodeUnembedding(cb, m, kernels.UnembeddingArgs{
		NumTokens:          1,
		NumCols:            emb,
		NumRows:            cfg.VocabularySize,
		RowsPerThreadgroup: kernels.UnembeddingRowsPerThreadgroup(cfg.VocabularySize, m.dev.MaxThreadgroups()),
	},
		device.Ref{Buffer: c.rmsnorm, Offset: 4 * row * emb},
		m.Shared(m.Layout.Unembedding),
		device.Ref{Buffer: c.score},
		argmax)
}

func (c *Context) expertRef(block, row int) device.Ref {
	k := c.model.Config.NumActiveExperts
	return device.Ref{Buffer: c.expert, Offset: kernels.ExpertPredictionSize * (block*c.maxBatch + row) * k}
}

// recordExpertSelections counts the routed experts of every block that ran
// its MoE half in the last batch.
func (c *Context) recordExpertSelections(n int, final bool) {
	cfg := c.model.Config
	k := cfg.NumActiveExperts
	for block := 0; block < cfg.NumBlocks; block++ {
		first, count := 0, n
		if block == cfg.NumBlocks-1 {
			if !final {
				continue
			}
			first, count = n-1, 1
		}
		ref := c.expertRef(block, first)
		preds, err := device.HostUint32s(ref.Buffer, ref.Offset, 2*count*k)
		if err != nil {
			return
		}
		label := strconv.Itoa(block)
		for i := 0; i < count*k; i++ {
			metrics.RecordMOEExpertSelection(label, strconv.Itoa(int(preds[2*i])))
		}
	}
}

// attentionWindow is the sliding window of block: even blocks use the
// configured window, odd blocks attend to the whole context (0).
func attentionWindow(cfg config.ModelConfig, block int) int {
	if block%2 == 0 {
		return cfg.AttentionWindow
	}
	return 0
}
