package engine

import (
	"context"
	"fmt"

	"github.com/23skdu/longbow-gptoss/internal/device"
	"github.com/23skdu/longbow-gptoss/internal/kernels"
	"github.com/23skdu/longbow-gptoss/internal/logger"
	"github.com/23skdu/longbow-gptoss/internal/metrics"
)

type ContextOptions struct {
	// ContextLength caps the number of tokens; 0 uses the runtime or model limit.
	ContextLength int
	// Seed keys the stochastic sampler.
	Seed uint64
	// Observer receives one event per sampled token.
	Observer Observer
}

// Context is one inference session over a Model: the token history, the KV
// cache and all scratch activations. It is not safe for concurrent use.
type Context struct {
	model    *Model
	capacity int
	maxBatch int
	seed     uint64
	observer Observer

	numTokens          int
	numKvTokens        int
	numBatchTokens     int
	numProcessedTokens int

	occurrences map[uint32]int

	// Scratch activations sized for maxBatch tokens.
	residual *device.Buffer
	rmsnorm  *device.Buffer
	qkv      *device.Buffer
	sdpa     *device.Buffer
	gate     *device.Buffer
	expert   *device.Buffer // per block, so selections survive the batch
	swiglu   *device.Buffer
	moe      *device.Buffer

	token   *device.Buffer
	kvcache *KVCache

	// Sampler state for the last processed token.
	score  *device.Buffer
	prob   *device.Buffer
	sum    *device.Buffer
	argmax *device.Buffer

	numSumGroups int
	log          *logger.Logger
}

// NewContext allocates every buffer a session needs. Buffers are never
// resized afterwards.
func NewContext(m *Model, opts ContextOptions) (_ *Context, err error) {
	capacity := m.Config.ContextLength
	if rt := m.Runtime.ContextLength; rt > 0 {
		capacity = min(capacity, rt)
	}
	if opts.ContextLength < 0 {
		return nil, fmt.Errorf("%w: context length %d", ErrInvalidArgument, opts.ContextLength)
	}
	if opts.ContextLength > 0 {
		capacity = min(capacity, opts.ContextLength)
	}

	cfg := m.Config
	c := &Context{
		model:        m,
		capacity:     capacity,
		maxBatch:     min(m.Runtime.MaxBatchTokens, capacity),
		seed:         opts.Seed,
		observer:     opts.Observer,
		occurrences:  make(map[uint32]int),
		numSumGroups: min(m.dev.MaxThreadgroups(), cfg.VocabularySize),
		log:          logger.Log.With("component", "context"),
	}
	defer func() {
		if err != nil {
			c.Close()
		}
	}()

	dev := m.dev
	alloc := func(label string, size int) (*device.Buffer, error) {
		b, err := dev.NewBuffer(label, size)
		if err != nil {
			return nil, fmt.Errorf("allocate %s: %w", label, err)
		}
		return b, nil
	}
	batch := c.maxBatch
	k := cfg.NumActiveExperts
	for _, a := range []struct {
		dst   **device.Buffer
		label string
		size  int
	}{
		{&c.residual, "residual", 4 * batch * cfg.EmbeddingDim},
		{&c.rmsnorm, "rmsnorm", 4 * batch * cfg.EmbeddingDim},
		{&c.qkv, "qkv", 4 * batch * cfg.QKVDim()},
		{&c.sdpa, "sdpa", 4 * batch * cfg.AttentionDim()},
		{&c.gate, "gate", 4 * batch * cfg.NumExperts},
		{&c.expert, "expert", kernels.ExpertPredictionSize * cfg.NumBlocks * batch * k},
		{&c.swiglu, "swiglu", 4 * batch * k * cfg.MLPDim},
		{&c.moe, "moe", 4 * batch * k * cfg.EmbeddingDim},
		{&c.token, "token", 4 * capacity},
		{&c.score, "score", 4 * cfg.VocabularySize},
		{&c.prob, "prob", 4 * cfg.VocabularySize},
		{&c.sum, "sum", 4 * c.numSumGroups},
		{&c.argmax, "argmax", 8},
	} {
		if *a.dst, err = alloc(a.label, a.size); err != nil {
			return nil, err
		}
	}
	if c.kvcache, err = newKVCache(dev, cfg.NumBlocks, capacity, cfg.KVDim()); err != nil {
		return nil, err
	}

	c.log.Debug("Context created",
		"capacity", capacity,
		"max_batch_tokens", batch,
		"kv_cache_bytes", c.kvcache.CapacityBytes(),
		"device_bytes", dev.AllocatedBytes())
	return c, nil
}

func (c *Context) Model() *Model { return c.model }

func (c *Context) Capacity() int { return c.capacity }

// NumTokens is the number of tokens in the context.
func (c *Context) NumTokens() int { return c.numTokens }

// NumKvTokens is the number of tokens whose keys and values are cached.
func (c *Context) NumKvTokens() int { return c.numKvTokens }

// NumBatchTokens is the number of tokens waiting for Process.
func (c *Context) NumBatchTokens() int { return c.numBatchTokens }

// NumProcessedTokens is the number of output positions with scores ready to sample.
func (c *Context) NumProcessedTokens() int { return c.numProcessedTokens }

func (c *Context) Seed() uint64 { return c.seed }

// Occurrences returns how many times id appears in the context.
func (c *Context) Occurrences(id uint32) int { return c.occurrences[id] }

// Tokens returns a copy of the token history.
func (c *Context) Tokens() []uint32 {
	ids, err := device.HostUint32s(c.token, 0, c.numTokens)
	if err != nil {
		return nil
	}
	return append([]uint32(nil), ids...)
}

// Reset forgets every token. Buffers keep their contents; counters guarantee
// stale rows are never read.
func (c *Context) Reset() {
	c.numTokens = 0
	c.numKvTokens = 0
	c.numBatchTokens = 0
	c.numProcessedTokens = 0
	clear(c.occurrences)
	metrics.RecordKVCacheStats(c.kvcache.CapacityBytes(), 0)
}

// AddTokens appends as many of tokens as fit and returns how many were
// appended. Ids outside the vocabulary are kept, with a warning; their
// embedding is a zero row.
func (c *Context) AddTokens(tokens []uint32) int {
	n := min(len(tokens), c.capacity-c.numTokens)
	if n <= 0 {
		return 0
	}
	dst, err := device.HostUint32s(c.token, 4*c.numTokens, n)
	if err != nil {
		c.log.Error("Token buffer view failed", "error", err)
		return 0
	}
	vocab := uint32(c.model.Config.VocabularySize)
	for i, t := range tokens[:n] {
		if t >= vocab {
			c.log.Warn("Token id out of vocabulary range", "token", t, "position", c.numTokens+i, "vocab", vocab)
			metrics.RecordTokenOutOfRange()
		}
		dst[i] = t
		c.occurrences[t]++
	}
	c.numTokens += n
	c.numBatchTokens += n
	return n
}

// AppendToken appends one token or fails with ErrContextOverflow, leaving
// the context unchanged.
func (c *Context) AppendToken(t uint32) error {
	if c.numTokens >= c.capacity {
		return fmt.Errorf("%w: append at %d of %d tokens", ErrContextOverflow, c.numTokens, c.capacity)
	}
	c.AddTokens([]uint32{t})
	return nil
}

// Process runs the forward pass over every pending token, at most
// MaxBatchTokens per command buffer. Scores for the last token are ready
// to sample afterwards.
func (c *Context) Process(ctx context.Context) error {
	if c.numBatchTokens == 0 {
		return nil
	}
	total := c.numBatchTokens
	for c.numBatchTokens > 0 {
		n := min(c.numBatchTokens, c.maxBatch)
		final := n == c.numBatchTokens
		if err := c.processBatch(ctx, n, final); err != nil {
			return err
		}
		c.numKvTokens += n
		c.numBatchTokens -= n
	}
	c.numProcessedTokens = 1

	metrics.RecordProcessed(total)
	metrics.RecordKVCacheStats(c.kvcache.CapacityBytes(), c.kvcache.UsedBytes(c.numKvTokens))
	return nil
}

// Scores returns a host copy of the last processed token's vocabulary scores.
func (c *Context) Scores() ([]float32, error) {
	if c.numProcessedTokens == 0 {
		return nil, ErrEmptyContext
	}
	s, err := device.HostFloat32s(c.score, 0, c.model.Config.VocabularySize)
	if err != nil {
		return nil, err
	}
	return append([]float32(nil), s...), nil
}

// Close releases every buffer. It is safe to call more than once.
func (c *Context) Close() {
	for _, b := range []*device.Buffer{
		c.residual, c.rmsnorm, c.qkv, c.sdpa, c.gate, c.expert, c.swiglu, c.moe,
		c.token, c.score, c.prob, c.sum, c.argmax,
	} {
		if b != nil {
			b.Release()
		}
	}
	if c.kvcache != nil {
		c.kvcache.Free()
	}
}
