package main

import (
	"fmt"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/modelfile"
	"github.com/spf13/cobra"
)

func newSynthCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "synth OUT",
		Short: "Write a small randomly initialised model file",
		Args:  cobra.ExactArgs(1),
		RunE:  synthHandler,
	}
	f := cmd.Flags()
	f.Int("context-length", 128, "Context length")
	f.Int("blocks", 2, "Number of transformer blocks")
	f.Int("experts", 4, "Experts per block")
	f.Int("active-experts", 2, "Experts selected per token")
	f.Int("embedding-dim", 64, "Embedding dimension")
	f.Int("mlp-dim", 64, "Expert hidden dimension")
	f.Int("head-dim", 16, "Attention head dimension")
	f.Int("heads", 4, "Query heads")
	f.Int("kv-heads", 2, "Key/value heads")
	f.Int("window", 16, "Sliding attention window of the even blocks")
	f.Int("text-tokens", 256, "Number of text tokens")
	f.Uint64("seed", 1, "Weight initialisation seed")
	return cmd
}

func synthHandler(cmd *cobra.Command, args []string) error {
	f := cmd.Flags()
	cfg := config.ModelConfig{
		SwiGLULimit:        7,
		RopeTheta:          150000,
		InterpolationScale: 1,
		YarnMultiplier:     1,
		RMSNormEpsilon:     1e-5,
	}
	cfg.ContextLength, _ = f.GetInt("context-length")
	cfg.NumBlocks, _ = f.GetInt("blocks")
	cfg.NumExperts, _ = f.GetInt("experts")
	cfg.NumActiveExperts, _ = f.GetInt("active-experts")
	cfg.EmbeddingDim, _ = f.GetInt("embedding-dim")
	cfg.MLPDim, _ = f.GetInt("mlp-dim")
	cfg.HeadDim, _ = f.GetInt("head-dim")
	cfg.NumHeads, _ = f.GetInt("heads")
	cfg.NumKVHeads, _ = f.GetInt("kv-heads")
	cfg.AttentionWindow, _ = f.GetInt("window")
	numText, _ := f.GetInt("text-tokens")
	seed, _ := f.GetUint64("seed")

	if numText <= 0 {
		return fmt.Errorf("invalid text-tokens: %d (must be positive)", numText)
	}

	w := modelfile.Synthetic(cfg, numText, seed)
	if err := w.WriteFile(args[0]); err != nil {
		return err
	}
	logger.Log.Info("Synthetic model written", "path", args[0], "blocks", cfg.NumBlocks, "experts", cfg.NumExperts)
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", args[0])
	return nil
}
