package main

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/config"
	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/engine"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/monitoring"
	"github.com/23skdu/longbow-gptoss/internal/trace"
	"github.com/spf13/cobra"
)

func loadModel(path string, rt config.Runtime) (*engine.Model, error) {
	dev := device.NewCPU(kernels.Library(), device.CPUOptions{
		Workers:         rt.Workers,
		MaxThreadgroups: rt.MaxThreadgroups,
		MemoryLimit:     rt.MemoryLimit,
	})
	return engine.LoadModel(path, dev, rt)
}

func newGenerateCmd() *cobra.Command {
	defaults := config.Default()

	cmd := &cobra.Command{
		Use:   "generate MODEL",
		Short: "Generate tokens from a prompt",
		Args:  cobra.ExactArgs(1),
		RunE:  generateHandler,
	}
	f := cmd.Flags()
	f.String("tokens", "", "Comma-separated prompt token ids")
	f.String("prompt", "", "Prompt text, encoded with the model tokenizer")
	f.Int("max-tokens", 32, "Maximum number of tokens to generate")
	f.Float32("temperature", 0, "Sampling temperature; 0 selects greedy decoding")
	f.Float32("top-p", 0, "Nucleus sampling threshold; 0 disables")
	f.Int("top-k", 0, "Keep only the k most likely tokens; 0 disables")
	f.Float32("frequency-penalty", 0, "Penalty per previous occurrence of a token")
	f.Float32("presence-penalty", 0, "Penalty for any previous occurrence of a token")
	f.Uint64("seed", 0, "Sampling seed")
	f.Int("context-length", 0, "Context length override; 0 uses the model limit")
	f.Int("max-batch-tokens", defaults.MaxBatchTokens, "Tokens processed per forward pass")
	f.Int("workers", defaults.Workers, "Accelerator worker goroutines")
	f.Int("max-threadgroups", defaults.MaxThreadgroups, "Grid width for vocabulary-wide kernels")
	f.Int64("memory-limit", 0, "Device buffer budget in bytes; 0 is unlimited")
	f.String("trace", "", "Write an Arrow IPC generation trace to this file")
	f.String("metrics", "", "Serve /health and /metrics on this address")
	return cmd
}

func runtimeFromFlags(cmd *cobra.Command) (config.Runtime, error) {
	rt := config.Default()
	f := cmd.Flags()
	rt.ContextLength, _ = f.GetInt("context-length")
	rt.MaxBatchTokens, _ = f.GetInt("max-batch-tokens")
	rt.Workers, _ = f.GetInt("workers")
	rt.MaxThreadgroups, _ = f.GetInt("max-threadgroups")
	rt.MemoryLimit, _ = f.GetInt64("memory-limit")
	rt.Seed, _ = f.GetUint64("seed")
	rt.MetricsAddr, _ = f.GetString("metrics")
	rt.LogLevel, _ = f.GetString("log-level")
	rt.LogFormat, _ = f.GetString("log-format")
	return rt, rt.Validate()
}

func samplerFromFlags(cmd *cobra.Command) engine.Sampler {
	f := cmd.Flags()
	var s engine.Sampler
	s.Temperature, _ = f.GetFloat32("temperature")
	s.TopP, _ = f.GetFloat32("top-p")
	s.TopK, _ = f.GetInt("top-k")
	s.FrequencyPenalty, _ = f.GetFloat32("frequency-penalty")
	s.PresencePenalty, _ = f.GetFloat32("presence-penalty")
	return s
}

// parseTokens parses a comma-separated list of token ids.
func parseTokens(s string) ([]uint32, error) {
	var ids []uint32
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseUint(field, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid token id %q: %w", field, err)
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func generateHandler(cmd *cobra.Command, args []string) error {
	rt, err := runtimeFromFlags(cmd)
	if err != nil {
		return err
	}
	s := samplerFromFlags(cmd)
	maxTokens, _ := cmd.Flags().GetInt("max-tokens")
	tracePath, _ := cmd.Flags().GetString("trace")
	tokensFlag, _ := cmd.Flags().GetString("tokens")
	promptFlag, _ := cmd.Flags().GetString("prompt")

	m, err := loadModel(args[0], rt)
	if err != nil {
		return err
	}
	defer m.Close()

	prompt, err := parseTokens(tokensFlag)
	if err != nil {
		return err
	}
	if promptFlag != "" {
		text, err := m.Tokenizer.Encode(promptFlag)
		if err != nil {
			return fmt.Errorf("encode prompt: %w", err)
		}
		prompt = append(prompt, text...)
	}
	if len(prompt) == 0 {
		return errors.New("a prompt is required: pass --tokens or --prompt")
	}

	monitor := monitoring.NewHealthMonitor()
	monitor.SetModel(m.Describe())
	if rt.MetricsAddr != "" {
		go func() {
			if err := monitor.Start(rt.MetricsAddr); err != nil {
				logger.Log.Error("Health monitor stopped", "error", err)
			}
		}()
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = monitor.Stop(ctx)
		}()
	}

	opts := engine.ContextOptions{Seed: rt.Seed}
	var recorder *trace.Recorder
	if tracePath != "" {
		recorder = trace.NewRecorder(m.Tokenizer, trace.SessionMetadata(args[0], rt.Seed, s))
		defer recorder.Release()
		opts.Observer = recorder
	}

	c, err := engine.NewContext(m, opts)
	if err != nil {
		return err
	}
	defer c.Close()

	out := cmd.OutOrStdout()
	start := time.Now()
	generated, genErr := c.GenerateTokens(cmd.Context(), prompt, maxTokens, s, func(id uint32) bool {
		logger.Log.Debug("Token", "id", id, "text", m.Tokenizer.Decode([]uint32{id}))
		return true
	})
	elapsed := time.Since(start)

	switch {
	case genErr == nil:
		monitor.RecordGeneration(len(generated), elapsed)
	case errors.Is(genErr, engine.ErrContextOverflow):
		monitor.RecordFailure(genErr)
		logger.Log.Warn("Context full, generation stopped", "generated", len(generated), "capacity", c.Capacity())
		genErr = nil
	default:
		monitor.RecordFailure(genErr)
	}

	if recorder != nil && recorder.Len() > 0 {
		if err := recorder.WriteFile(tracePath); err != nil {
			return err
		}
		logger.Log.Info("Trace written", "path", tracePath, "tokens", len(generated))
	}
	if genErr != nil {
		return genErr
	}

	ids := make([]string, len(generated))
	for i, id := range generated {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}
	fmt.Fprintf(out, "tokens: %s\n", strings.Join(ids, ","))
	fmt.Fprintf(out, "text: %q\n", m.Tokenizer.Decode(generated))

	perf := monitor.Status().Performance
	logger.Log.Info("Generation complete",
		"tokens", len(generated),
		"duration", elapsed.String(),
		"tokens_per_second", perf.LastTokensPerS,
	)
	return nil
}
