package modelfile

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/layout"
	"github.com/23skdu/longbow-gptoss/internal/tokenizer"
	"github.com/google/uuid"
)

// Synthetic returns a Writer for a randomly initialised model with numText
// text tokens and the full special-token table. Weights depend only on seed.
func Synthetic(cfg config.ModelConfig, numText int, seed uint64) *Writer {
	specials := tokenizer.SpecialTokens()
	w := &Writer{
		Config:       cfg,
		SpecialUUIDs: make([]uuid.UUID, len(specials)),
		TextTokens:   make([][]byte, numText),
		Regex:        `\S+|\s+`,
	}
	for i, s := range specials {
		w.SpecialUUIDs[i] = s.UUID()
	}
	for i := range w.TextTokens {
		if i < 256 {
			w.TextTokens[i] = []byte{byte(i)}
		} else {
			w.TextTokens[i] = []byte(fmt.Sprintf("<t%d>", i))
		}
	}

	w.FillShared = func(l layout.Layout, buf []byte) {
		rng := rand.New(rand.NewPCG(seed, 0x9E3779B97F4A7C15))
		emb := cfg.EmbeddingDim
		fillBF16(rng, buf, l.Embedding, 1)
		fillBF16(rng, buf, l.Unembedding, 1/math.Sqrt(float64(emb)))
		fillConst(buf, l.FinalNorm, 1)
		for n := 0; n < l.NumBlocks; n++ {
			b := l.Block(n)
			fillConst(buf, b.AttnNormGain, 1)
			fillBF16(rng, buf, b.QKVWeight, 1/math.Sqrt(float64(emb)))
			fillBF16(rng, buf, b.QKVBias, 0.1)
			fillBF16(rng, buf, b.AttnSinks, 1)
			fillBF16(rng, buf, b.AttnOutWeight, 1/math.Sqrt(float64(cfg.AttentionDim())))
			fillBF16(rng, buf, b.AttnOutBias, 0.1)
			fillConst(buf, b.MLPNormGain, 1)
			fillBF16(rng, buf, b.GateWeight, 1/math.Sqrt(float64(emb)))
			fillBF16(rng, buf, b.GateBias, 0.1)
		}
	}

	w.FillExperts = func(l layout.Layout, block int, buf []byte) {
		rng := rand.New(rand.NewPCG(seed, uint64(block)+1))
		emb, mlp := cfg.EmbeddingDim, cfg.MLPDim
		for e := 0; e < l.NumExperts; e++ {
			s := l.Expert(e)
			fillMXFP4(rng, buf, s.SwiGLUBlocks, s.SwiGLUScales, 2*mlp*emb, 1/math.Sqrt(float64(emb)))
			fillBF16(rng, buf, s.SwiGLUBias, 0.1)
			fillMXFP4(rng, buf, s.OutBlocks, s.OutScales, emb*mlp, 1/math.Sqrt(float64(mlp)))
			fillBF16(rng, buf, s.OutBias, 0.1)
		}
	}
	return w
}

func fillBF16(rng *rand.Rand, buf []byte, s layout.Span, scale float64) {
	vals := make([]float32, s.Size/2)
	for i := range vals {
		vals[i] = float32((rng.Float64()*2 - 1) * scale)
	}
	PutBF16(buf[s.Offset:s.End()], vals)
}

func fillConst(buf []byte, s layout.Span, v float32) {
	vals := make([]float32, s.Size/2)
	for i := range vals {
		vals[i] = v
	}
	PutBF16(buf[s.Offset:s.End()], vals)
}

func fillMXFP4(rng *rand.Rand, buf []byte, blocks, scales layout.Span, n int, scale float64) {
	vals := make([]float32, n)
	for i := range vals {
		vals[i] = float32((rng.Float64()*2 - 1) * scale)
	}
	PutMXFP4(buf[blocks.Offset:blocks.End()], buf[scales.Offset:scales.End()], vals)
}
