package engine

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

// TokenEvent describes one generated token.
type TokenEvent struct {
	// Position is the token's index in the context.
	Position int
	Token    uint32
	Score    float32
	Path     string
	// BatchTokens is how many tokens the forward pass before this sample processed.
	BatchTokens int
	ProcessTime time.Duration
	SampleTime  time.Duration
}

// Observer receives generation events. Calls happen on the generating goroutine.
type Observer interface {
	ObserveToken(TokenEvent)
}

// GenerateTokens appends up to maxTokens sampled tokens. A non-empty prompt
// replaces the context; an empty prompt continues from the current tokens.
// Generation stops early on a stop token, on EndOfTextToken, or when onToken
// returns false.
func (c *Context) GenerateTokens(ctx context.Context, prompt []uint32, maxTokens int, s Sampler, onToken func(uint32) bool) ([]uint32, error) {
	if maxTokens < 0 {
		return nil, fmt.Errorf("%w: max tokens %d", ErrInvalidArgument, maxTokens)
	}
	if err := s.Validate(); err != nil {
		metrics.RecordValidationError("generate", "sampler")
		return nil, err
	}
	if len(prompt) > 0 {
		c.Reset()
		if n := c.AddTokens(prompt); n < len(prompt) {
			c.Reset()
			return nil, fmt.Errorf("%w: prompt of %d tokens, capacity %d", ErrContextOverflow, len(prompt), c.capacity)
		}
	}
	if c.numTokens == 0 {
		return nil, ErrEmptyContext
	}

	stop := append(c.model.Tokenizer.StopTokens(), EndOfTextToken)
	start := time.Now()
	var out []uint32
	defer func() {
		metrics.RecordInference(len(out), time.Since(start))
		metrics.RecordContextLength(c.numTokens)
	}()

	for len(out) < maxTokens {
		if err := ctx.Err(); err != nil {
			return out, err
		}

		batch := c.numBatchTokens
		processStart := time.Now()
		if err := c.Process(ctx); err != nil {
			return out, err
		}
		processTime := time.Since(processStart)

		sample, err := c.Sample(ctx, s)
		if err != nil {
			return out, err
		}
		position := c.numTokens
		if err := c.AppendToken(sample.Token); err != nil {
			return out, err
		}
		out = append(out, sample.Token)

		if c.observer != nil {
			c.observer.ObserveToken(TokenEvent{
				Position:    position,
				Token:       sample.Token,
				Score:       sample.Score,
				Path:        sample.Path,
				BatchTokens: batch,
				ProcessTime: processTime,
				SampleTime:  sample.Duration,
			})
		}
		if onToken != nil && !onToken(sample.Token) {
			break
		}
		if slices.Contains(stop, sample.Token) {
			break
		}
	}
	return out, nil
}
