package layout

import (
	"testing"

	"github.com/23skdu/longbow-gptoss/internal/config"
)

func smallConfig() config.ModelConfig {
	return config.ModelConfig{
		ContextLength:      64,
		NumBlocks:          2,
		NumExperts:         4,
		NumActiveExperts:   2,
		EmbeddingDim:       64,
		MLPDim:             32,
		SwiGLULimit:        7,
		HeadDim:            16,
		NumHeads:           4,
		NumKVHeads:         2,
		AttentionWindow:    8,
		RopeTheta:          10000,
		InterpolationScale: 1,
		YarnMultiplier:     1,
		RMSNormEpsilon:     1e-5,
		VocabularySize:     100,
	}
}

func TestEmbeddingSize(t *testing.T) {
	cfg := smallConfig()
	cfg.EmbeddingDim = 4096
	cfg.VocabularySize = 32768

	l, err := Compute(cfg, PageSize)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}
	if l.Embedding.Size != 268435456 {
		t.Errorf("expected embedding size 268435456, got %d", l.Embedding.Size)
	}
	if l.Embedding.Offset != 0 {
		t.Errorf("expected embedding at offset 0, got %d", l.Embedding.Offset)
	}
}

func TestBlockSpans(t *testing.T) {
	cfg := smallConfig()
	l, err := Compute(cfg, PageSize)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	b0 := l.Block(0)
	// 100 tokens * 64 dims * 2 bytes, already 16-aligned
	if b0.AttnNormGain.Offset != 12800 {
		t.Errorf("expected block 0 at 12800, got %d", b0.AttnNormGain.Offset)
	}
	qkv := int64(cfg.QKVDim())
	if b0.QKVWeight.Size != qkv*int64(cfg.EmbeddingDim)*2 {
		t.Errorf("expected qkv weight %d, got %d", qkv*int64(cfg.EmbeddingDim)*2, b0.QKVWeight.Size)
	}
	// 4 heads * 2 bytes = 8, rounded to 16
	if b0.AttnSinks.Size != 16 {
		t.Errorf("expected sinks size 16, got %d", b0.AttnSinks.Size)
	}
	if b0.GateBias.Size != 16 {
		t.Errorf("expected gate bias size 16, got %d", b0.GateBias.Size)
	}

	b1 := l.Block(1)
	if b1.AttnNormGain.Offset != b0.AttnNormGain.Offset+l.PerBlockSharedSize {
		t.Errorf("expected block stride %d, got %d", l.PerBlockSharedSize, b1.AttnNormGain.Offset-b0.AttnNormGain.Offset)
	}
	if l.FinalNorm.Offset != b1.GateBias.End() {
		t.Errorf("expected final norm right after last block at %d, got %d", b1.GateBias.End(), l.FinalNorm.Offset)
	}
	if l.Unembedding.Offset != l.FinalNorm.End() {
		t.Errorf("expected unembedding at %d, got %d", l.FinalNorm.End(), l.Unembedding.Offset)
	}
	if l.SharedSize%PageSize != 0 || l.SharedSize < l.Unembedding.End() {
		t.Errorf("shared size %d not page aligned or too small", l.SharedSize)
	}
}

func TestExpertSpans(t *testing.T) {
	cfg := smallConfig()
	l, err := Compute(cfg, PageSize)
	if err != nil {
		t.Fatalf("Compute failed: %v", err)
	}

	e := l.Expert(0)
	tests := []struct {
		name string
		span Span
		size int64
	}{
		{"swiglu blocks", e.SwiGLUBlocks, 2 * 32 * 64 / 2},
		{"swiglu scales", e.SwiGLUScales, 2 * 32 * 64 / 32},
		{"swiglu bias", e.SwiGLUBias, 2 * 32 * 2},
		{"out blocks", e.OutBlocks, 64 * 32 / 2},
		{"out scales", e.OutScales, 64 * 32 / 32},
		{"out bias", e.OutBias, 64 * 2},
	}
	var cursor int64
	for _, tt := range tests {
		if tt.span.Offset != cursor {
			t.Errorf("%s: expected offset %d, got %d", tt.name, cursor, tt.span.Offset)
		}
		if tt.span.Size != tt.size {
			t.Errorf("%s: expected size %d, got %d", tt.name, tt.size, tt.span.Size)
		}
		cursor += tt.span.Size
	}
	if l.PerExpertSize != cursor {
		t.Errorf("expected per-expert size %d, got %d", cursor, l.PerExpertSize)
	}
	if got := l.Expert(3).SwiGLUBlocks.Offset; got != 3*l.PerExpertSize {
		t.Errorf("expected expert 3 at %d, got %d", 3*l.PerExpertSize, got)
	}
	if l.ExpertRegionSize != RoundUp(4*l.PerExpertSize, PageSize) {
		t.Errorf("expected expert region %d, got %d", RoundUp(4*l.PerExpertSize, PageSize), l.ExpertRegionSize)
	}
}

func TestComputeErrors(t *testing.T) {
	cfg := smallConfig()
	if _, err := Compute(cfg, 1000); err == nil {
		t.Error("expected error for non power-of-two page size")
	}
	cfg.NumHeads = 0
	if _, err := Compute(cfg, PageSize); err == nil {
		t.Error("expected error for invalid config")
	}
}

func TestComputeDeterministic(t *testing.T) {
	a, err := Compute(smallConfig(), PageSize)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := Compute(smallConfig(), PageSize)
	if a != b {
		t.Error("expected identical layouts for identical configs")
	}
}

func TestRoundUp(t *testing.T) {
	tests := []struct {
		n, align, expect int64
	}{
		{0, 16, 0},
		{1, 16, 16},
		{16, 16, 16},
		{17, 16, 32},
		{16385, 16384, 32768},
	}
	for _, tt := range tests {
		if got := RoundUp(tt.n, tt.align); got != tt.expect {
			t.Errorf("RoundUp(%d, %d): expected %d, got %d", tt.n, tt.align, tt.expect, got)
		}
	}
}
