// Package layout computes where every gpt-oss tensor lives inside the mapped
// weight regions. It is the single source of byte offsets: the loader, the
// writer and every kernel dispatch take spans from a Layout and never derive
// offsets on their own.
package layout

import (
	"fmt"

	"github.com/23skdu/longbow-gptoss/internal/config"
)

const (
	// TensorAlignment is the alignment of every tensor size.
	TensorAlignment = 16
	// PageSize is the accelerator page size. Weight regions start on, and
	// are padded to, this boundary in the file.
	PageSize = 16384

	bf16Size = 2
)

// Span is a byte range inside one region.
type Span struct {
	Offset int64
	Size   int64
}

func (s Span) End() int64 { return s.Offset + s.Size }

func (s Span) shift(delta int64) Span {
	return Span{Offset: s.Offset + delta, Size: s.Size}
}

// BlockSpans are the dense tensors of one transformer block inside the shared region.
type BlockSpans struct {
	AttnNormGain  Span
	QKVWeight     Span
	QKVBias       Span
	AttnSinks     Span
	AttnOutWeight Span
	AttnOutBias   Span
	MLPNormGain   Span
	GateWeight    Span
	GateBias      Span
}

func (b BlockSpans) shift(delta int64) BlockSpans {
	return BlockSpans{
		AttnNormGain:  b.AttnNormGain.shift(delta),
		QKVWeight:     b.QKVWeight.shift(delta),
		QKVBias:       b.QKVBias.shift(delta),
		AttnSinks:     b.AttnSinks.shift(delta),
		AttnOutWeight: b.AttnOutWeight.shift(delta),
		AttnOutBias:   b.AttnOutBias.shift(delta),
		MLPNormGain:   b.MLPNormGain.shift(delta),
		GateWeight:    b.GateWeight.shift(delta),
		GateBias:      b.GateBias.shift(delta),
	}
}

func (b BlockSpans) all() []Span {
	return []Span{b.AttnNormGain, b.QKVWeight, b.QKVBias, b.AttnSinks, b.AttnOutWeight,
		b.AttnOutBias, b.MLPNormGain, b.GateWeight, b.GateBias}
}

// ExpertSpans are the MXFP4 tensors of one expert inside a block's expert region.
type ExpertSpans struct {
	SwiGLUBlocks Span
	SwiGLUScales Span
	SwiGLUBias   Span
	OutBlocks    Span
	OutScales    Span
	OutBias      Span
}

func (e ExpertSpans) shift(delta int64) ExpertSpans {
	return ExpertSpans{
		SwiGLUBlocks: e.SwiGLUBlocks.shift(delta),
		SwiGLUScales: e.SwiGLUScales.shift(delta),
		SwiGLUBias:   e.SwiGLUBias.shift(delta),
		OutBlocks:    e.OutBlocks.shift(delta),
		OutScales:    e.OutScales.shift(delta),
		OutBias:      e.OutBias.shift(delta),
	}
}

func (e ExpertSpans) all() []Span {
	return []Span{e.SwiGLUBlocks, e.SwiGLUScales, e.SwiGLUBias, e.OutBlocks, e.OutScales, e.OutBias}
}

// Layout is derived from a ModelConfig and never mutated.
type Layout struct {
	PageSize int64

	NumBlocks  int
	NumExperts int

	Embedding   Span
	block0      BlockSpans
	FinalNorm   Span
	Unembedding Span

	// PerBlockSharedSize is the stride between consecutive blocks' dense tensors.
	PerBlockSharedSize int64
	// SharedSize is the page-aligned size of the shared region.
	SharedSize int64

	expert0 ExpertSpans
	// PerExpertSize is the stride between consecutive experts of one block.
	PerExpertSize int64
	// ExpertRegionSize is the page-aligned size of one block's expert region.
	ExpertRegionSize int64
}

// Compute derives the weight layout. It is a pure function of its inputs.
func Compute(cfg config.ModelConfig, pageSize int64) (Layout, error) {
	if pageSize <= 0 || pageSize&(pageSize-1) != 0 {
		return Layout{}, fmt.Errorf("invalid page size: %d (must be a positive power of two)", pageSize)
	}
	if err := cfg.Validate(); err != nil {
		return Layout{}, fmt.Errorf("compute layout: %w", err)
	}

	embeddingDim := int64(cfg.EmbeddingDim)
	mlpDim := int64(cfg.MLPDim)
	vocab := int64(cfg.VocabularySize)
	qkvDim := int64(cfg.QKVDim())
	attnDim := int64(cfg.AttentionDim())
	experts := int64(cfg.NumExperts)

	l := Layout{
		PageSize:   pageSize,
		NumBlocks:  cfg.NumBlocks,
		NumExperts: cfg.NumExperts,
	}

	var cursor int64
	next := func(size int64) Span {
		s := Span{Offset: cursor, Size: RoundUp(size, TensorAlignment)}
		cursor += s.Size
		return s
	}

	l.Embedding = next(vocab * embeddingDim * bf16Size)

	blockStart := cursor
	l.block0 = BlockSpans{
		AttnNormGain:  next(embeddingDim * bf16Size),
		QKVWeight:     next(qkvDim * embeddingDim * bf16Size),
		QKVBias:       next(qkvDim * bf16Size),
		AttnSinks:     next(int64(cfg.NumHeads) * bf16Size),
		AttnOutWeight: next(embeddingDim * attnDim * bf16Size),
		AttnOutBias:   next(embeddingDim * bf16Size),
		MLPNormGain:   next(embeddingDim * bf16Size),
		GateWeight:    next(experts * embeddingDim * bf16Size),
		GateBias:      next(experts * bf16Size),
	}
	l.PerBlockSharedSize = cursor - blockStart
	cursor = blockStart + int64(cfg.NumBlocks)*l.PerBlockSharedSize

	l.FinalNorm = next(embeddingDim * bf16Size)
	l.Unembedding = next(vocab * embeddingDim * bf16Size)
	l.SharedSize = RoundUp(cursor, pageSize)

	// Expert tensors: 2 fp4 values per byte, one scale byte per 32 values.
	cursor = 0
	swigluValues := 2 * mlpDim * embeddingDim
	outValues := embeddingDim * mlpDim
	l.expert0 = ExpertSpans{
		SwiGLUBlocks: next(swigluValues / 2),
		SwiGLUScales: next(swigluValues / config.MXFP4BlockSize),
		SwiGLUBias:   next(2 * mlpDim * bf16Size),
		OutBlocks:    next(outValues / 2),
		OutScales:    next(outValues / config.MXFP4BlockSize),
		OutBias:      next(embeddingDim * bf16Size),
	}
	l.PerExpertSize = cursor
	l.ExpertRegionSize = RoundUp(experts*l.PerExpertSize, pageSize)

	if err := l.Validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

// Block returns the spans of block n inside the shared region.
func (l Layout) Block(n int) BlockSpans {
	return l.block0.shift(int64(n) * l.PerBlockSharedSize)
}

// Expert returns the spans of expert e inside a block's expert region.
func (l Layout) Expert(e int) ExpertSpans {
	return l.expert0.shift(int64(e) * l.PerExpertSize)
}

// Validate checks that every span fits its region and spans are laid out in
// declaration order without overlap.
func (l Layout) Validate() error {
	shared := []Span{l.Embedding}
	for n := 0; n < l.NumBlocks; n++ {
		shared = append(shared, l.Block(n).all()...)
	}
	shared = append(shared, l.FinalNorm, l.Unembedding)
	if err := checkSpans("shared", shared, l.SharedSize); err != nil {
		return err
	}

	var experts []Span
	for e := 0; e < l.NumExperts; e++ {
		experts = append(experts, l.Expert(e).all()...)
	}
	if err := checkSpans("expert", experts, l.ExpertRegionSize); err != nil {
		return err
	}
	if l.SharedSize%l.PageSize != 0 || l.ExpertRegionSize%l.PageSize != 0 {
		return fmt.Errorf("layout: region sizes %d/%d not aligned to page size %d", l.SharedSize, l.ExpertRegionSize, l.PageSize)
	}
	return nil
}

func checkSpans(region string, spans []Span, total int64) error {
	var prevEnd int64
	for i, s := range spans {
		if s.Size%TensorAlignment != 0 {
			return fmt.Errorf("layout: %s span %d size %d not %d-byte aligned", region, i, s.Size, TensorAlignment)
		}
		if s.Offset < prevEnd {
			return fmt.Errorf("layout: %s span %d at %d overlaps previous end %d", region, i, s.Offset, prevEnd)
		}
		if s.End() > total {
			return fmt.Errorf("layout: %s span %d end %d exceeds region size %d", region, i, s.End(), total)
		}
		prevEnd = s.End()
	}
	return nil
}

// RoundUp rounds n up to a multiple of the power-of-two alignment.
func RoundUp(n, alignment int64) int64 {
	return (n + alignment - 1) &^ (alignment - 1)
}
