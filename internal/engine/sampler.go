package engine

import (
	"context"
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

// EndOfTextToken is returned when no token could be selected.
const EndOfTextToken uint32 = 199999

// seedOffset keys the counter-based generator together with the session seed.
const seedOffset uint64 = 0x0123456789ABCDEF

// Sampler selects the next token from the last processed token's scores.
// Temperature 0 selects the argmax; anything else samples.
type Sampler struct {
	Temperature float32
	// TopP keeps the smallest set of tokens whose probability reaches TopP;
	// 0 or 1 disables it.
	TopP float32
	// TopK keeps the K most likely tokens; 0 disables it.
	TopK int

	FrequencyPenalty float32
	PresencePenalty  float32
}

func (s Sampler) Validate() error {
	if !(s.Temperature >= 0) || math.IsInf(float64(s.Temperature), 0) {
		return fmt.Errorf("%w: temperature %v (must be finite and non-negative)", ErrInvalidArgument, s.Temperature)
	}
	if !(s.TopP >= 0 && s.TopP <= 1) {
		return fmt.Errorf("%w: top_p %v (must be in [0, 1])", ErrInvalidArgument, s.TopP)
	}
	if s.TopK < 0 {
		return fmt.Errorf("%w: top_k %d (must be non-negative)", ErrInvalidArgument, s.TopK)
	}
	return nil
}

func (s Sampler) penalized() bool {
	return s.FrequencyPenalty != 0 || s.PresencePenalty != 0
}

func (s Sampler) truncated(vocab int) bool {
	return (s.TopK > 0 && s.TopK < vocab) || (s.TopP > 0 && s.TopP < 1)
}

// Sample is the outcome of one sampling step.
type Sample struct {
	Token uint32
	// Score is the selected token's score after penalties.
	Score float32
	// Path names how the token was chosen; see the metrics.Path constants.
	Path     string
	Duration time.Duration
}

// Sample selects the next token. The context must have processed scores.
// Penalties are applied to the score buffer in place, so sample each
// processed position once.
func (c *Context) Sample(ctx context.Context, s Sampler) (Sample, error) {
	if err := s.Validate(); err != nil {
		return Sample{}, err
	}
	if c.numProcessedTokens == 0 {
		return Sample{}, ErrEmptyContext
	}
	start := time.Now()
	vocab := c.model.Config.VocabularySize
	scores, err := device.HostFloat32s(c.score, 0, vocab)
	if err != nil {
		return Sample{}, err
	}
	packed, err := device.HostUint64s(c.argmax, 0, 1)
	if err != nil {
		return Sample{}, err
	}

	if s.penalized() {
		ApplyPenalties(scores, c.occurrences, s.FrequencyPenalty, s.PresencePenalty)
		best, ok := hostArgmax(scores)
		packed[0] = kernels.ArgmaxSentinel
		if ok {
			packed[0] = kernels.PackArgmax(scores[best], uint32(best))
		}
	}

	var out Sample
	if s.Temperature == 0 {
		out = c.sampleArgmax(scores, packed[0])
	} else {
		out, err = c.sampleSoftmax(ctx, s, scores, packed[0])
		if err != nil {
			return Sample{}, err
		}
	}
	out.Duration = time.Since(start)
	metrics.RecordSamplerPath(out.Path)
	return out, nil
}

// sampleArgmax reads the fused argmax, falling back to a host scan when the
// kernel left the sentinel or a NaN score, and to EndOfTextToken when nothing
// is usable.
func (c *Context) sampleArgmax(scores []float32, packed uint64) Sample {
	vocab := len(scores)
	if packed != kernels.ArgmaxSentinel {
		score, id := kernels.UnpackArgmax(packed)
		if math.IsNaN(float64(score)) {
			c.log.Warn("Argmax score is NaN; rescanning scores on host", "token", id)
			return c.rescan(scores)
		}
		if int(id) < vocab {
			return Sample{Token: id, Score: score, Path: metrics.PathArgmax}
		}
		c.log.Warn("Argmax token out of range", "token", id, "vocab", vocab)
		return Sample{Token: EndOfTextToken, Path: metrics.PathEndOfText}
	}

	c.log.Warn("Argmax sentinel unchanged; rescanning scores on host")
	return c.rescan(scores)
}

func (c *Context) rescan(scores []float32) Sample {
	if best, ok := hostArgmax(scores); ok {
		return Sample{Token: uint32(best), Score: scores[best], Path: metrics.PathRescan}
	}
	c.log.Warn("Host argmax found no finite score; returning end of text")
	return Sample{Token: EndOfTextToken, Path: metrics.PathEndOfText}
}

func (c *Context) sampleSoftmax(ctx context.Context, s Sampler, scores []float32, packed uint64) (Sample, error) {
	vocab := len(scores)
	if packed == kernels.ArgmaxSentinel {
		// The softmax kernel takes its maximum from the argmax slot.
		return c.sampleArgmax(scores, packed), nil
	}

	start := time.Now()
	groups := c.numSumGroups
	cb := device.NewCommandBuffer(fmt.Sprintf("sample@%d", c.numTokens))
	err := kernels.EncodeSoftmax(cb, c.model, kernels.SoftmaxArgs{
		NumChannels:     vocab,
		NumThreadgroups: groups,
		Temperature:     s.Temperature,
	}, device.Ref{Buffer: c.score}, device.Ref{Buffer: c.argmax}, device.Ref{Buffer: c.prob}, device.Ref{Buffer: c.sum})
	if err != nil {
		return Sample{}, fmt.Errorf("encode softmax: %w", err)
	}
	if err := c.model.dev.Executor().Execute(ctx, cb); err != nil {
		return Sample{}, fmt.Errorf("softmax: %w", err)
	}
	metrics.RecordCommandBuffer("sample", time.Since(start))

	prob, err := device.HostFloat32s(c.prob, 0, vocab)
	if err != nil {
		return Sample{}, err
	}
	sums, err := device.HostFloat32s(c.sum, 0, groups)
	if err != nil {
		return Sample{}, err
	}
	chunk := kernels.SoftmaxChunk(vocab, groups)
	if s.truncated(vocab) {
		Truncate(prob, s.TopK, s.TopP)
		PartialSums(sums, prob, chunk)
	}

	var total float32
	for _, v := range sums {
		total += v
	}
	if math.IsNaN(float64(total)) || math.IsInf(float64(total), 0) || total <= 0 {
		nanCount, infCount := device.CheckNumericalStability(prob, "probabilities")
		c.log.Warn("Softmax normalisation is not finite; using host argmax",
			"sum", total, "nan", nanCount, "inf", infCount)
		if info := device.DetectNaN(scores, 4); info.HasNaN() {
			c.log.Warn("NaN scores", "count", info.Count, "positions", info.Positions)
		}
		if best, ok := hostArgmax(scores); ok {
			return Sample{Token: uint32(best), Score: scores[best], Path: metrics.PathNaNFallback}, nil
		}
		return Sample{Token: EndOfTextToken, Path: metrics.PathEndOfText}, nil
	}

	uniform := Uniform(c.numTokens, c.seed)
	id := SelectToken(prob, sums, chunk, uniform*total)
	return Sample{Token: uint32(id), Score: scores[id], Path: metrics.PathStochastic}, nil
}

// Uniform is the session's uniform draw in [0, 1) for token index n:
// the top 24 bits of squares32(n, seed + seedOffset).
func Uniform(n int, seed uint64) float32 {
	bits := squares32(uint64(n), seed+seedOffset)
	return float32(float64(bits>>8) * 0x1p-24)
}

// squares32 is Widynski's counter-based generator.
func squares32(ctr, key uint64) uint32 {
	y := ctr * key
	z := y + key
	x := y*y + y
	x = x>>32 | x<<32
	x = x*x + z
	x = x>>32 | x<<32
	x = x*x + y
	x = x>>32 | x<<32
	return uint32((x*x + z) >> 32)
}

// SelectToken walks the per-threadgroup sums to the group containing cdf,
// then that group's probabilities to the token. A zero target selects the
// first token with non-zero probability.
func SelectToken(prob, sums []float32, chunk int, cdf float32) int {
	if cdf == 0 {
		cdf = math.SmallestNonzeroFloat32
	}
	var cum float32
	group := 0
	for ; group < len(sums); group++ {
		next := cum + sums[group]
		if next >= cdf {
			break
		}
		cum = next
	}
	if group == len(sums) {
		group--
	}

	first := min(group*chunk, len(prob))
	last := min(first+chunk, len(prob))
	i := first
	for ; i < last; i++ {
		next := cum + prob[i]
		if next >= cdf {
			break
		}
		cum = next
	}
	if i == last {
		i--
	}
	return max(i, 0)
}

// ApplyPenalties subtracts frequency*count and, once per seen token,
// presence from the scores of tokens in occurrences.
func ApplyPenalties(scores []float32, occurrences map[uint32]int, frequency, presence float32) {
	for id, count := range occurrences {
		if count <= 0 || int(id) >= len(scores) {
			continue
		}
		scores[id] -= frequency*float32(count) + presence
	}
}

// Truncate zeroes every probability outside the topK most likely tokens and
// outside the smallest prefix reaching topP of the remaining mass. Ties keep
// the lower id.
func Truncate(prob []float32, topK int, topP float32) {
	order := make([]int, len(prob))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		switch {
		case prob[a] > prob[b]:
			return -1
		case prob[a] < prob[b]:
			return 1
		}
		return 0
	})

	keep := len(order)
	if topK > 0 {
		keep = min(keep, topK)
	}
	if topP > 0 && topP < 1 {
		var mass float64
		for _, i := range order[:keep] {
			mass += float64(prob[i])
		}
		target := mass * float64(topP)
		var cum float64
		for n, i := range order[:keep] {
			cum += float64(prob[i])
			if cum >= target {
				keep = n + 1
				break
			}
		}
	}
	for _, i := range order[keep:] {
		prob[i] = 0
	}
}

// PartialSums recomputes one sum per chunk of prob.
func PartialSums(sums, prob []float32, chunk int) {
	for g := range sums {
		first := min(g*chunk, len(prob))
		last := min(first+chunk, len(prob))
		var s float32
		for _, v := range prob[first:last] {
			s += v
		}
		sums[g] = s
	}
}

// hostArgmax returns the highest non-NaN score, lowest id on ties.
func hostArgmax(scores []float32) (int, bool) {
	best := -1
	for i, s := range scores {
		if math.IsNaN(float64(s)) {
			continue
		}
		if best < 0 || s > scores[best] {
			best = i
		}
	}
	return best, best >= 0
}
